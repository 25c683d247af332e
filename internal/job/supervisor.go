package job

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"seedkeeper/internal/apperrors"
	"seedkeeper/internal/descriptor"
	"seedkeeper/internal/engine"
	"seedkeeper/internal/observability"
	"seedkeeper/internal/registry"
	"seedkeeper/pkg/cloudevent"
)

const defaultPollInterval = 200 * time.Millisecond

// outcome is what one poll decides.
type outcome int

const (
	outcomeContinue outcome = iota
	outcomeCompleted
	outcomeRemoved
	outcomeStopped
	outcomeFailed
)

// decision is the result of evaluating one status snapshot.
type decision struct {
	outcome outcome
	phase   Phase // phase to be in after this poll
	// inconsistent is set when a seed job is not seeding and nothing explains it.
	inconsistent bool
}

// evaluate applies the transition rules to one status snapshot.
// contentExists is only consulted for a seeding seed job.
func evaluate(variant Variant, st engine.Status, contentExists func() bool) decision {
	if st.Error.IsFatal() {
		return decision{outcome: outcomeFailed, phase: PhaseFailed}
	}

	switch st.Activity {
	case engine.ActivityStopped:
		return decision{outcome: outcomeStopped, phase: PhaseStopped}
	case engine.ActivitySeeding:
		if variant == VariantDownload {
			return decision{outcome: outcomeCompleted, phase: PhaseCompleted}
		}
		if !contentExists() {
			return decision{outcome: outcomeRemoved, phase: PhaseRemoved}
		}
		return decision{outcome: outcomeContinue, phase: PhaseSeeding}
	case engine.ActivityChecking, engine.ActivityCheckWait:
		return decision{outcome: outcomeContinue, phase: PhaseActive}
	default:
		return decision{
			outcome:      outcomeContinue,
			phase:        PhaseActive,
			inconsistent: variant == VariantSeed,
		}
	}
}

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	Session      engine.Session
	Callback     HostCallback           // required for downloads
	Notifier     Notifier               // optional
	Metrics      *observability.Metrics // optional
	PollInterval time.Duration          // default 200ms
	Logger       *slog.Logger           // default slog.Default()
}

// Supervisor runs jobs to a terminal phase, one goroutine per job.
// Workers share nothing but the session.
type Supervisor struct {
	session      engine.Session
	callback     HostCallback
	notifier     Notifier
	metrics      *observability.Metrics
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		session:      cfg.Session,
		callback:     cfg.Callback,
		notifier:     cfg.Notifier,
		metrics:      cfg.Metrics,
		pollInterval: interval,
		logger:       logger.With("component", "supervisor"),
	}
}

// worker is the per-run state shared by both variants.
type worker struct {
	s       *Supervisor
	variant Variant
	id      string
	logger  *slog.Logger
	events  *EventBuilder
	report  PhaseFunc
	phase   Phase
	started time.Time
	job     *engine.Job
	release func()
}

func (s *Supervisor) newWorker(variant Variant, id string, report PhaseFunc) *worker {
	runID := uuid.NewString()
	return &worker{
		s:       s,
		variant: variant,
		id:      id,
		logger:  s.logger.With("variant", string(variant), "jobId", id, "runId", runID),
		events:  NewEventBuilder(id, runID),
		report:  report,
		started: time.Now(),
	}
}

func (w *worker) setPhase(p Phase) {
	if w.phase == p {
		return
	}
	w.logger.Debug("Phase transition", "from", string(w.phase), "to", string(p))
	w.phase = p
	if w.report != nil {
		w.report(p)
	}
}

func (s *Supervisor) notifyEvent(event *cloudevent.CloudEvent) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(event)
}

// create moves through Created and Fetching and registers the engine job.
// The returned release disposes the job exactly once.
func (w *worker) create(ctx context.Context, location string, opts engine.CreateOptions) error {
	w.setPhase(PhaseCreated)
	if kind, err := descriptor.Classify(location); err == nil && kind == descriptor.KindRemote {
		w.setPhase(PhaseFetching)
	}

	job, err := w.s.session.CreateJob(ctx, location, opts)
	if err != nil {
		return err
	}
	w.job = job
	var once sync.Once
	w.release = func() {
		once.Do(func() { w.s.session.Dispose(job) })
	}

	if w.s.metrics != nil {
		w.s.metrics.RecordJobStarted(ctx, string(w.variant))
	}
	return nil
}

// finish records the terminal phase in metrics.
func (w *worker) finish(ctx context.Context, p Phase) {
	w.setPhase(p)
	if w.s.metrics != nil && w.job != nil {
		failed := p == PhaseFailed || p == PhaseStopped
		w.s.metrics.RecordJobEnded(context.WithoutCancel(ctx), string(w.variant), string(p), failed, time.Since(w.started).Seconds())
	}
}

// surface logs and counts a non-none engine error.
func (w *worker) surface(ctx context.Context, st engine.Status) {
	if st.Error == engine.ErrorNone {
		return
	}
	if w.s.metrics != nil {
		w.s.metrics.RecordEngineError(ctx, st.Error.Label())
	}
	if st.Error.IsFatal() {
		w.logger.Error("Engine reported fatal error", "category", st.Error.Label(), "message", st.ErrorMessage)
		return
	}
	w.logger.Warn("Engine reported error", "category", st.Error.Label(), "message", st.ErrorMessage)
}

// wait blocks until the next tick, or returns false if ctx is done.
func (w *worker) wait(ctx context.Context, ticker *time.Ticker) bool {
	select {
	case <-ctx.Done():
		return false
	case <-ticker.C:
		return true
	}
}

// RunSeed seeds item until the engine stops it, a fatal error occurs, or its
// content disappears from disk. In the last case the content, descriptor copy
// and resume state are removed. The returned error is for logging only.
func (s *Supervisor) RunSeed(ctx context.Context, item registry.Item, report PhaseFunc) error {
	w := s.newWorker(VariantSeed, item.ID, report)

	if err := w.create(ctx, item.Descriptor, engine.CreateOptions{ContentName: item.ID}); err != nil {
		w.logger.Error("Failed to create seed job", "descriptor", item.Descriptor, "error", err)
		w.finish(ctx, PhaseFailed)
		s.notifyEvent(w.events.BuildSeedEnd(PhaseFailed, err))
		return err
	}
	defer w.release()

	if err := s.session.Start(w.job); err != nil {
		w.logger.Error("Failed to start seed job", "error", err)
		w.finish(ctx, PhaseFailed)
		s.notifyEvent(w.events.BuildSeedEnd(PhaseFailed, err))
		return err
	}
	w.setPhase(PhaseActive)
	w.logger.Info("Seeding started", "infoHash", w.job.Meta.InfoHash, "content", w.job.ContentPath)
	s.notifyEvent(w.events.BuildSeedStart(w.job.Meta.InfoHash))

	contentExists := func() bool {
		_, err := os.Stat(w.job.ContentPath)
		return err == nil
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		st, err := s.session.Poll(w.job)
		if err != nil {
			w.logger.Error("Poll failed", "error", err)
			w.finish(ctx, PhaseFailed)
			s.notifyEvent(w.events.BuildSeedEnd(PhaseFailed, err))
			return err
		}
		w.surface(ctx, st)

		d := evaluate(VariantSeed, st, contentExists)
		switch d.outcome {
		case outcomeRemoved:
			w.release()
			err := s.removeArtifacts(w.job)
			if err != nil {
				w.logger.Warn("Cleanup after content removal incomplete", "error", err)
			}
			w.logger.Info("Content removed, seeding ended")
			w.finish(ctx, PhaseRemoved)
			s.notifyEvent(w.events.BuildSeedEnd(PhaseRemoved, nil))
			return nil
		case outcomeStopped:
			w.logger.Info("Engine stopped job, seeding ended")
			w.finish(ctx, PhaseStopped)
			err := apperrors.Runtime(apperrors.ErrJobStopped, item.ID, "engine reported stopped")
			s.notifyEvent(w.events.BuildSeedEnd(PhaseStopped, err))
			return err
		case outcomeFailed:
			w.finish(ctx, PhaseFailed)
			err := apperrors.Runtime(apperrors.ErrEngineFatal, item.ID, st.ErrorMessage)
			s.notifyEvent(w.events.BuildSeedEnd(PhaseFailed, err))
			return err
		}

		if d.inconsistent {
			w.logger.Warn("Job should be seeding", "activity", st.Activity.String())
		}
		w.setPhase(d.phase)

		if !w.wait(ctx, ticker) {
			w.finish(ctx, PhaseStopped)
			return ctx.Err()
		}
	}
}

// RunDownload drives one download to completion on the calling goroutine.
// On success the job is disposed, then the host callback runs exactly once
// and may correct the record's identifier.
func (s *Supervisor) RunDownload(ctx context.Context, req DownloadRequest) (*CompletionRecord, error) {
	w := s.newWorker(VariantDownload, req.Name, nil)

	fail := func(p Phase, err error) (*CompletionRecord, error) {
		w.finish(ctx, p)
		s.notifyEvent(w.events.BuildDownloadFail(err))
		return nil, err
	}

	if err := w.create(ctx, req.Descriptor, engine.CreateOptions{ContentName: req.Name}); err != nil {
		w.logger.Warn("Failed to create download job", "descriptor", req.Descriptor, "error", err)
		return fail(PhaseFailed, err)
	}
	defer w.release()

	if err := s.session.Start(w.job); err != nil {
		return fail(PhaseFailed, err)
	}
	if req.Verify {
		if err := s.session.Verify(w.job); err != nil {
			return fail(PhaseFailed, err)
		}
	}
	w.setPhase(PhaseActive)
	w.logger.Info("Download started", "infoHash", w.job.Meta.InfoHash, "content", w.job.ContentPath)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		st, err := s.session.Poll(w.job)
		if err != nil {
			return fail(PhaseFailed, err)
		}
		w.surface(ctx, st)

		d := evaluate(VariantDownload, st, nil)
		switch d.outcome {
		case outcomeCompleted:
			return s.complete(ctx, w)
		case outcomeStopped:
			return fail(PhaseStopped, apperrors.Runtime(apperrors.ErrJobStopped, req.Name, "engine reported stopped"))
		case outcomeFailed:
			return fail(PhaseFailed, apperrors.Runtime(apperrors.ErrEngineFatal, req.Name, st.ErrorMessage))
		}
		w.setPhase(d.phase)

		if !w.wait(ctx, ticker) {
			return fail(PhaseStopped, ctx.Err())
		}
	}
}

func (s *Supervisor) complete(ctx context.Context, w *worker) (*CompletionRecord, error) {
	record := CompletionRecord{
		Identifier:     w.id,
		ByteLength:     w.job.Meta.Length,
		StatusCode:     StatusCodeReady,
		DescriptorPath: w.job.Meta.DescriptorPath,
	}
	w.release()
	w.finish(ctx, PhaseCompleted)

	if s.callback != nil {
		corrected, err := s.callback.OnDownloadComplete(ctx, record)
		if err != nil {
			w.logger.Error("Host callback failed", "error", err)
			s.notifyEvent(w.events.BuildDownloadFail(err))
			return &record, fmt.Errorf("host callback: %w", err)
		}
		if corrected != "" && corrected != record.Identifier {
			w.logger.Info("Host corrected identifier", "identifier", corrected)
			record.Identifier = corrected
		}
	}

	w.logger.Info("Download complete", "byteLength", record.ByteLength)
	s.notifyEvent(w.events.BuildDownloadComplete(record))
	return &record, nil
}

// removeArtifacts deletes a job's content file, descriptor copy and resume
// state. Missing files are not errors.
func (s *Supervisor) removeArtifacts(job *engine.Job) error {
	return removeAll(job.ContentPath, job.Meta.DescriptorPath, s.session.ResumeStatePath(job))
}

func removeAll(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.RemoveAll(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
