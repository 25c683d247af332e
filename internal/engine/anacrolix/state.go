package anacrolix

import (
	"sync"
	"sync/atomic"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/storage"

	"seedkeeper/internal/apperrors"
)

// jobState holds the engine-side resources for one job.
type jobState struct {
	infoHash string
	torrent  *torrent.Torrent
	storage  storage.ClientImplCloser
	stopped  atomic.Bool
}

// jobTable tracks live jobs by handle and reserves info hashes so two
// concurrent creates for the same descriptor cannot both succeed.
type jobTable struct {
	mu       sync.RWMutex
	byHandle map[uint64]*jobState
	byHash   map[string]uint64 // 0 = reserved, not yet committed
}

func newJobTable() *jobTable {
	return &jobTable{
		byHandle: make(map[uint64]*jobState),
		byHash:   make(map[string]uint64),
	}
}

// reserve claims infoHash. It fails with apperrors.ErrDuplicate when the hash
// is already reserved or live.
func (t *jobTable) reserve(infoHash, location string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.byHash[infoHash]; exists {
		return apperrors.Create(apperrors.ErrDuplicate, location, nil)
	}
	t.byHash[infoHash] = 0
	return nil
}

// unreserve drops a reservation that never committed.
func (t *jobTable) unreserve(infoHash string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.byHash[infoHash] == 0 {
		delete(t.byHash, infoHash)
	}
}

// commit fills a reservation with the live job.
func (t *jobTable) commit(handle uint64, js *jobState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.byHash[js.infoHash] = handle
	t.byHandle[handle] = js
}

// release removes a job and returns its state if it was live.
func (t *jobTable) release(handle uint64) (*jobState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	js, exists := t.byHandle[handle]
	if !exists {
		return nil, false
	}
	delete(t.byHandle, handle)
	delete(t.byHash, js.infoHash)
	return js, true
}

func (t *jobTable) get(handle uint64) (*jobState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	js, exists := t.byHandle[handle]
	return js, exists
}

// drain removes and returns every live job.
func (t *jobTable) drain() []*jobState {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]*jobState, 0, len(t.byHandle))
	for handle, js := range t.byHandle {
		result = append(result, js)
		delete(t.byHandle, handle)
	}
	clear(t.byHash)
	return result
}

func (t *jobTable) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byHandle)
}
