package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"seedkeeper/internal/callback"
	"seedkeeper/internal/config"
	"seedkeeper/internal/descriptor"
	"seedkeeper/internal/engine"
	"seedkeeper/internal/engine/anacrolix"
	"seedkeeper/internal/job"
	"seedkeeper/internal/registry"
	"seedkeeper/pkg/backoff"
)

// workspace is everything a command needs, opened from the shared flags.
type workspace struct {
	layout  engine.Layout
	session *anacrolix.Session
	reg     *registry.SQLite
	service *job.Service
}

func (w *workspace) Close() {
	if w.session != nil {
		w.session.Close()
	}
	if w.reg != nil {
		w.reg.Close()
	}
}

// openRegistry opens the registry named by --registry.
func (o *options) openRegistry(ctx context.Context) (*registry.SQLite, error) {
	if o.registry == "" {
		return nil, fmt.Errorf("--registry is required")
	}
	return registry.Open(ctx, o.registry)
}

// openWorkspace creates a private engine session over --root. The seeding
// service may hold the root's lock; this session never takes it and never
// seeds.
func (o *options) openWorkspace(ctx context.Context, withRegistry bool) (*workspace, error) {
	config.SetupLogging(config.GetEnv("LOG_LEVEL", "warn"))

	ws := &workspace{layout: engine.NewLayout(o.root)}

	settings, err := engine.LoadSettings(ws.layout.SettingsPath())
	if err != nil {
		return nil, err
	}
	settings.ListenPort = o.listenPort
	settings.Seed = false

	var cb job.HostCallback = printCallback{}
	if withRegistry {
		ws.reg, err = o.openRegistry(ctx)
		if err != nil {
			return nil, err
		}
		cb = callback.NewRegistry(ws.reg)
	}

	loader := descriptor.NewLoader(descriptor.NewFetcher(descriptor.FetchConfig{
		PollInterval: config.GetDurationEnv("FETCH_POLL_INTERVAL", time.Second),
		Timeout:      config.GetDurationEnv("FETCH_TIMEOUT", 0),
		Retry:        backoff.Config{Initial: 500 * time.Millisecond, Max: 10 * time.Second},
	}))
	ws.session, err = anacrolix.New(anacrolix.Config{Layout: ws.layout, Settings: settings, Loader: loader})
	if err != nil {
		ws.Close()
		return nil, err
	}

	supervisor := job.NewSupervisor(job.SupervisorConfig{
		Session:      ws.session,
		Callback:     cb,
		PollInterval: config.GetDurationEnv("POLL_INTERVAL", 200*time.Millisecond),
	})
	ws.service = job.NewService(ws.session, supervisor)
	return ws, nil
}

// printCallback accepts completions without recording them anywhere.
type printCallback struct{}

func (printCallback) OnDownloadComplete(_ context.Context, record job.CompletionRecord) (string, error) {
	slog.Debug("Download complete, not recorded", "identifier", record.Identifier)
	return "", nil
}
