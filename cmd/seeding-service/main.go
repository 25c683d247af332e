// seeding-service keeps every Ready registry item seeding from ROOT/download.
//
// Usage: seeding-service ROOT REGISTRY
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"seedkeeper/internal/api"
	"seedkeeper/internal/callback"
	"seedkeeper/internal/config"
	"seedkeeper/internal/descriptor"
	"seedkeeper/internal/dispatcher"
	"seedkeeper/internal/engine"
	"seedkeeper/internal/engine/anacrolix"
	"seedkeeper/internal/health"
	"seedkeeper/internal/job"
	"seedkeeper/internal/observability"
	"seedkeeper/internal/orchestrator"
	"seedkeeper/internal/registry"
	"seedkeeper/internal/singleton"
	"seedkeeper/pkg/backoff"
	"seedkeeper/pkg/circuitbreaker"
)

func main() {
	// A missing .env file is fine.
	_ = godotenv.Load()

	svcCfg := config.LoadServiceConfig()
	config.SetupLogging(svcCfg.LogLevel)

	if len(os.Args) != 3 {
		fmt.Fprintln(os.Stderr, "usage: seeding-service ROOT REGISTRY")
		os.Exit(1)
	}

	if err := run(svcCfg, os.Args[1], os.Args[2]); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(svcCfg *config.ServiceConfig, root, registryPath string) error {
	ctx := context.Background()
	layout := engine.NewLayout(root)

	// Nothing below may touch state until the lock is held.
	guard, err := singleton.Acquire(layout.LockPath())
	if err != nil {
		return err
	}
	defer guard.Release()

	reg, err := registry.Open(ctx, registryPath)
	if err != nil {
		return err
	}
	defer reg.Close()

	settings, err := engine.LoadSettings(layout.SettingsPath())
	if err != nil {
		return err
	}

	// One breaker per remote host, shared by every outbound HTTP caller.
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())

	loader := descriptor.NewLoader(descriptor.NewFetcher(descriptor.FetchConfig{
		PollInterval: svcCfg.FetchPollInterval,
		Timeout:      svcCfg.FetchTimeout,
		Retry:        backoff.Config{Initial: 500 * time.Millisecond, Max: 10 * time.Second},
		Breakers:     breakers,
	}))
	session, err := anacrolix.Initialize(anacrolix.Config{
		Layout:   layout,
		Settings: settings,
		Loader:   loader,
	})
	if err != nil {
		return err
	}
	// Closed after the sweep and before the registry and lock: dropping the
	// engine ends every seed worker.
	defer session.Close()

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	dispatcherCfg := dispatcher.LoadConfigFromEnv()
	dispatcherCfg.Breakers = breakers
	eventDispatcher := dispatcher.NewMemory(dispatcherCfg, metrics)
	if svcCfg.EventsURL == "" {
		slog.Info("Lifecycle events disabled - no EVENTS_URL configured")
	}

	var hostCallback job.HostCallback = callback.NewRegistry(reg)
	if svcCfg.CallbackURL != "" {
		hostCallback = callback.NewWebhook(callback.WebhookConfig{
			URL:        svcCfg.CallbackURL,
			SigningKey: svcCfg.EventsSigningKey,
			Breakers:   breakers,
		})
		slog.Info("Download completions go to webhook", "url", svcCfg.CallbackURL)
	}

	supervisor := job.NewSupervisor(job.SupervisorConfig{
		Session:      session,
		Callback:     hostCallback,
		Notifier:     dispatcher.NewNotifier(eventDispatcher, svcCfg.EventsURL, svcCfg.EventsSigningKey),
		Metrics:      metrics,
		PollInterval: svcCfg.PollInterval,
	})

	// Startup cleanup runs here, before the first sweep.
	orch, err := orchestrator.New(ctx, orchestrator.Config{
		Registry:      reg,
		Runner:        supervisor,
		SweepInterval: svcCfg.SweepInterval,
		Metrics:       metrics,
	})
	if err != nil {
		return err
	}
	orch.Start(ctx)
	defer orch.Close()

	healthChecker := health.NewChecker(map[string]health.ReadinessChecker{
		"registry": health.CheckFunc(reg.Ping),
		"engine":   session,
	})

	var servers []*http.Server
	serverErr := make(chan error, 2)
	serve := func(name string, srv *http.Server) {
		servers = append(servers, srv)
		go func() {
			slog.Info("Starting "+name+" server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- fmt.Errorf("%s server: %w", name, err)
			}
		}()
	}

	if svcCfg.MetricsPort != "" {
		serve("metrics", &http.Server{
			Addr:         ":" + svcCfg.MetricsPort,
			Handler:      api.NewProbeMux(healthChecker, metricsHandler),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		})
	}

	if svcCfg.APIPort != "" {
		if svcCfg.APIKey != "" {
			slog.Info("API authentication enabled")
		} else {
			slog.Warn("API authentication disabled - no API_KEY_FILE configured")
		}
		serve("API", &http.Server{
			Addr: ":" + svcCfg.APIPort,
			Handler: api.NewRouter(api.RouterConfig{
				JobService:    job.NewService(session, supervisor),
				Items:         reg,
				Workers:       orch,
				Metrics:       metrics,
				HealthChecker: healthChecker,
				APIKey:        svcCfg.APIKey,
			}),
			ReadTimeout: 30 * time.Second,
			// Downloads block until complete.
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		})
	}

	// shutdown closes every server gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Server shutdown error", "addr", srv.Addr, "error", err)
			}
		}
	}

	slog.Info("Seeding service started",
		"root", layout.Root,
		"registry", registryPath,
		"sweepInterval", svcCfg.SweepInterval,
	)

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		shutdown(5 * time.Second)
		return err
	}

	healthChecker.SetShuttingDown()
	shutdown(10 * time.Second)

	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := eventDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	stats := eventDispatcher.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
		"requeued", stats.Requeued,
	)
	if refused := breakers.OpenKeys(); len(refused) > 0 {
		slog.Warn("Remote hosts still refused at shutdown", "hosts", refused)
	}

	// Seed workers are not drained; the next startup resets their flags.
	slog.Info("Shutdown complete", "seedWorkers", orch.Active())
	return nil
}
