// Package orchestrator runs the reconciliation sweep: a startup pass that
// clears stale seeding flags, then periodic discovery that claims pending
// registry items and launches one seed worker per claimed item.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"seedkeeper/internal/apperrors"
	"seedkeeper/internal/job"
	"seedkeeper/internal/observability"
	"seedkeeper/internal/registry"
)

const defaultSweepInterval = 30 * time.Second

// SeedRunner runs one seed job until it ends.
type SeedRunner interface {
	RunSeed(ctx context.Context, item registry.Item, report job.PhaseFunc) error
}

// Config holds configuration for the orchestrator.
type Config struct {
	Registry      registry.Registry      // required
	Runner        SeedRunner             // required
	SweepInterval time.Duration          // default 30s
	Metrics       *observability.Metrics // optional
}

// Orchestrator owns the sweep loop and the set of live seed workers.
// Workers are detached: stopping the sweep does not stop them.
type Orchestrator struct {
	registry registry.Registry
	runner   SeedRunner
	interval time.Duration
	metrics  *observability.Metrics
	workers  *workerRepo
	logger   *slog.Logger

	workerCtx context.Context
	workerWg  sync.WaitGroup

	cancelSweep context.CancelFunc
	sweepDone   chan struct{}
	sweepMu     sync.Mutex
}

// New creates an orchestrator and runs the startup cleanup: every seeding
// flag is reset, since no worker survives a restart. Workers launched later
// run under ctx.
func New(ctx context.Context, cfg Config) (*Orchestrator, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("seed runner is required")
	}

	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	o := &Orchestrator{
		registry:  cfg.Registry,
		runner:    cfg.Runner,
		interval:  interval,
		metrics:   cfg.Metrics,
		workers:   newWorkerRepo(),
		logger:    slog.With("component", "orchestrator"),
		workerCtx: ctx,
	}

	cleared, err := o.registry.ClearAllSeedingFlags(ctx)
	if err != nil {
		if o.metrics != nil {
			o.metrics.RecordRegistryWriteFailure(ctx, "clearAllSeedingFlags")
		}
		return nil, fmt.Errorf("startup cleanup: %w", err)
	}
	o.logger.Info("Startup cleanup complete", "clearedFlags", cleared)
	return o, nil
}

// Start runs a discovery sweep now and then every sweep interval until ctx
// is done or Close is called.
func (o *Orchestrator) Start(ctx context.Context) {
	o.sweepMu.Lock()
	defer o.sweepMu.Unlock()
	if o.cancelSweep != nil {
		return
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	o.cancelSweep = cancel
	o.sweepDone = make(chan struct{})
	go o.runSweeps(sweepCtx)
}

func (o *Orchestrator) runSweeps(ctx context.Context) {
	defer close(o.sweepDone)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		if _, err := o.Sweep(ctx); err != nil && ctx.Err() == nil {
			o.logger.Warn("Sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep claims every pending item and launches a seed worker for each one
// it won. An item is only launched after its seeding flag is durably set;
// items whose write fails are left for the next sweep. Returns the number
// of workers launched.
func (o *Orchestrator) Sweep(ctx context.Context) (int, error) {
	items, err := o.registry.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}

	launched := 0
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		err := o.registry.MarkSeeding(ctx, item.ID)
		switch {
		case err == nil:
		case errors.Is(err, apperrors.ErrAlreadyClaimed):
			o.logger.Debug("Item claimed elsewhere", "itemId", item.ID)
			continue
		default:
			if o.metrics != nil {
				o.metrics.RecordRegistryWriteFailure(ctx, "markSeeding")
			}
			o.logger.Warn("Failed to claim item, retrying next sweep", "itemId", item.ID, "error", err)
			continue
		}

		if o.launch(item) {
			launched++
		}
	}

	if o.metrics != nil {
		o.metrics.RecordSweep(ctx, launched)
	}
	if launched > 0 {
		o.logger.Info("Sweep complete", "pending", len(items), "launched", launched)
	}
	return launched, nil
}

// launch starts a detached seed worker for a claimed item. A claim that
// lands on an item whose worker is still live is handed to that worker and
// released when it exits, so the next sweep picks the item up again.
func (o *Orchestrator) launch(item registry.Item) bool {
	if err := o.workers.add(item.ID, time.Now()); err != nil {
		o.logger.Warn("Seed worker already live, relaunching after it exits", "itemId", item.ID)
		return false
	}

	o.workerWg.Add(1)
	go func() {
		defer o.workerWg.Done()
		defer o.exit(item.ID)

		err := o.runner.RunSeed(o.workerCtx, item, func(p job.Phase) {
			o.workers.setPhase(item.ID, p)
		})
		if err != nil {
			o.logger.Info("Seed worker ended", "itemId", item.ID, "error", err)
			return
		}
		o.logger.Info("Seed worker ended", "itemId", item.ID)
	}()
	return true
}

func (o *Orchestrator) exit(id string) {
	ws, ok := o.workers.remove(id)
	if !ok || !ws.requeue {
		return
	}
	if err := o.registry.ReleaseSeeding(context.WithoutCancel(o.workerCtx), id); err != nil {
		if o.metrics != nil {
			o.metrics.RecordRegistryWriteFailure(o.workerCtx, "releaseSeeding")
		}
		o.logger.Warn("Failed to release claim, item waits for restart", "itemId", id, "error", err)
		return
	}
	o.logger.Info("Claim released for relaunch", "itemId", id)
}

// List returns the live seed workers.
func (o *Orchestrator) List() []WorkerStatus {
	return o.workers.list()
}

// Active returns the number of live seed workers.
func (o *Orchestrator) Active() int {
	return o.workers.count()
}

// Wait blocks until every launched worker has returned.
func (o *Orchestrator) Wait() {
	o.workerWg.Wait()
}

// Close stops the sweep loop. Live workers keep running.
func (o *Orchestrator) Close() error {
	o.sweepMu.Lock()
	cancel, done := o.cancelSweep, o.sweepDone
	o.sweepMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}
