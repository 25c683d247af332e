package orchestrator

import (
	"sort"
	"sync"
	"time"

	"seedkeeper/internal/apperrors"
	"seedkeeper/internal/job"
)

// workerState is what the orchestrator knows about one live seed worker.
type workerState struct {
	phase     job.Phase
	startedAt time.Time
	// requeue is set when the item was claimed again while this worker was
	// live. The claim is released when the worker exits.
	requeue bool
}

// WorkerStatus is a snapshot of one live seed worker.
type WorkerStatus struct {
	ID        string    `json:"id"`
	Phase     job.Phase `json:"phase"`
	StartedAt time.Time `json:"startedAt"`
}

// workerRepo tracks live seed workers with thread-safe access. It is a view
// for listing and metrics; claiming an item happens in the registry.
type workerRepo struct {
	mu      sync.RWMutex
	workers map[string]*workerState
}

func newWorkerRepo() *workerRepo {
	return &workerRepo{
		workers: make(map[string]*workerState),
	}
}

// add records a new worker. If one is already live for id it is marked for
// requeue and an error is returned.
func (r *workerRepo) add(id string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ws, exists := r.workers[id]; exists {
		ws.requeue = true
		return apperrors.Conflict("item", id, "seed worker already running")
	}
	r.workers[id] = &workerState{phase: job.PhaseCreated, startedAt: now}
	return nil
}

// setPhase updates a live worker's phase. Unknown ids are ignored.
func (r *workerRepo) setPhase(id string, p job.Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ws, ok := r.workers[id]; ok {
		ws.phase = p
	}
}

// remove forgets a worker. Returns its last state if it existed.
func (r *workerRepo) remove(id string) (workerState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ws, exists := r.workers[id]
	if !exists {
		return workerState{}, false
	}
	delete(r.workers, id)
	return *ws, true
}

// list returns a snapshot of every live worker, ordered by id.
func (r *workerRepo) list() []WorkerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]WorkerStatus, 0, len(r.workers))
	for id, ws := range r.workers {
		out = append(out, WorkerStatus{ID: id, Phase: ws.phase, StartedAt: ws.startedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *workerRepo) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}
