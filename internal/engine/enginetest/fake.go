// Package enginetest provides a scripted engine.Session for tests.
package enginetest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"seedkeeper/internal/apperrors"
	"seedkeeper/internal/descriptor"
	"seedkeeper/internal/engine"
)

// Session is an engine.Session that parses real descriptors but reports
// scripted statuses instead of transferring anything. Scripts are keyed by
// content name; the last status of a script repeats forever. Jobs without a
// script report Downloading.
type Session struct {
	layout engine.Layout
	loader *descriptor.Loader

	mu         sync.Mutex
	scripts    map[string][]engine.Status
	jobs       map[uint64]*fakeJob
	byHash     map[string]uint64
	nextHandle uint64
	closed     bool

	Created  int
	Started  int
	Stopped  int
	Verified int
	Disposed int

	// CreateErr, when set, fails every CreateJob after parsing.
	CreateErr error
	// OnDispose runs after a job is disposed, under no lock.
	OnDispose func(job *engine.Job)
}

type fakeJob struct {
	job   *engine.Job
	polls int
}

// New creates a fake session rooted at layout. Its directories are created.
func New(layout engine.Layout) *Session {
	for _, dir := range []string{layout.DownloadDir, layout.DescriptorDir(), layout.ResumeDir()} {
		_ = os.MkdirAll(dir, 0o755)
	}
	return &Session{
		layout:  layout,
		loader:  descriptor.NewLoader(nil),
		scripts: make(map[string][]engine.Status),
		jobs:    make(map[uint64]*fakeJob),
		byHash:  make(map[string]uint64),
	}
}

// WithLoader replaces the descriptor loader, e.g. to allow remote fetches.
func (s *Session) WithLoader(l *descriptor.Loader) *Session {
	s.loader = l
	return s
}

// Script sets the statuses reported for jobs whose content is contentName.
func (s *Session) Script(contentName string, statuses ...engine.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[contentName] = statuses
}

// Counts returns create, start, verify and dispose counts under the lock.
func (s *Session) Counts() (created, started, verified, disposed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Created, s.Started, s.Verified, s.Disposed
}

// Live returns the number of jobs not yet disposed.
func (s *Session) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// CreateJob implements engine.Session.
func (s *Session) CreateJob(ctx context.Context, location string, opts engine.CreateOptions) (*engine.Job, error) {
	d, err := s.loader.Load(ctx, location)
	if err != nil {
		return nil, err
	}
	file, err := d.SingleFile()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return nil, s.CreateErr
	}
	if _, ok := s.byHash[d.InfoHash]; ok {
		return nil, apperrors.Create(apperrors.ErrDuplicate, location, nil)
	}

	name := opts.ContentName
	if name == "" {
		name = file.Path
	}
	meta := engine.MetadataFrom(d, s.layout)
	if err := os.WriteFile(meta.DescriptorPath, d.Raw, 0o644); err != nil {
		return nil, apperrors.Internal("engine.createJob", err)
	}

	s.nextHandle++
	job := &engine.Job{
		Handle:      s.nextHandle,
		Meta:        meta,
		ContentName: name,
		ContentPath: s.layout.ContentPath(name),
	}
	s.jobs[job.Handle] = &fakeJob{job: job}
	s.byHash[d.InfoHash] = job.Handle
	s.Created++
	return job, nil
}

// Inspect implements engine.Session.
func (s *Session) Inspect(ctx context.Context, location string) (*engine.Metadata, error) {
	d, err := s.loader.Load(ctx, location)
	if err != nil {
		return nil, err
	}
	meta := engine.MetadataFrom(d, s.layout)
	return &meta, nil
}

func (s *Session) lookup(job *engine.Job) (*fakeJob, error) {
	fj, ok := s.jobs[job.Handle]
	if !ok {
		return nil, apperrors.NotFound("job", fmt.Sprint(job.Handle))
	}
	return fj, nil
}

// Start implements engine.Session.
func (s *Session) Start(job *engine.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookup(job); err != nil {
		return err
	}
	s.Started++
	return nil
}

// Stop implements engine.Session.
func (s *Session) Stop(job *engine.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookup(job); err != nil {
		return err
	}
	s.Stopped++
	return nil
}

// Verify implements engine.Session.
func (s *Session) Verify(job *engine.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookup(job); err != nil {
		return err
	}
	s.Verified++
	return nil
}

// Poll implements engine.Session.
func (s *Session) Poll(job *engine.Job) (engine.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fj, err := s.lookup(job)
	if err != nil {
		return engine.Status{}, err
	}
	script := s.scripts[job.ContentName]
	if len(script) == 0 {
		return engine.Status{Activity: engine.ActivityDownloading}, nil
	}
	i := min(fj.polls, len(script)-1)
	fj.polls++
	return script[i], nil
}

// Dispose implements engine.Session.
func (s *Session) Dispose(job *engine.Job) {
	s.mu.Lock()
	fj, ok := s.jobs[job.Handle]
	if ok {
		delete(s.jobs, job.Handle)
		delete(s.byHash, fj.job.Meta.InfoHash)
		s.Disposed++
	}
	hook := s.OnDispose
	s.mu.Unlock()

	if ok && hook != nil {
		hook(job)
	}
}

// ResumeStatePath implements engine.Session.
func (s *Session) ResumeStatePath(job *engine.Job) string {
	return s.layout.ResumePath(job.Meta.InfoHash)
}

// DownloadDir implements engine.Session.
func (s *Session) DownloadDir() string {
	return s.layout.DownloadDir
}

// Ready implements engine.Session.
func (s *Session) Ready(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("engine session closed")
	}
	return nil
}

// Close implements engine.Session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Layout returns the session's layout.
func (s *Session) Layout() engine.Layout {
	return s.layout
}

// TempLayout creates a layout under a fresh temporary root.
func TempLayout(tb testing.TB) engine.Layout {
	tb.Helper()
	layout := engine.NewLayout(filepath.Join(tb.TempDir(), "root"))
	_ = os.MkdirAll(layout.ConfigDir, 0o755)
	_ = os.MkdirAll(layout.DownloadDir, 0o755)
	return layout
}

var _ engine.Session = (*Session)(nil)
