package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"wfinterop/internal/api"
	"wfinterop/internal/config"
	"wfinterop/internal/observability"
	"wfinterop/internal/scheduler"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Process all queues on a schedule and serve the HTTP API",
		Long: `Run a dispatch and reconcile pass over every configured queue on
POLL_SCHEDULE, serve probes and manual triggers on PORT and Prometheus
metrics on METRICS_PORT. The config file is reloaded when it changes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), config.LoadServiceConfig())
		},
	}
}

func serve(ctx context.Context, cfg *config.ServiceConfig) error {
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, metrics)
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := scheduler.New(scheduler.Config{
		Schedule:    cfg.PollSchedule,
		Concurrency: cfg.SchedulerConcurrency,
		Queues:      a.queues,
		Runner:      a.controller,
		Reconciler:  a.reconciler,
	})
	if err != nil {
		return err
	}

	healthChecker := a.healthChecker()
	router := api.NewRouter(api.RouterConfig{
		Runner:        a.controller,
		Reconciler:    a.reconciler,
		Queues:        a.queues,
		Summaries:     sched,
		Submissions:   a.store,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		APIKey:        cfg.APIKey,
	})
	if cfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	apiServer := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		// Manual passes wait on workflow services.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	go func() {
		if err := a.queues.Watch(runCtx); err != nil {
			slog.Warn("Config watch stopped", "error", err)
		}
	}()

	serverErr := make(chan error, 2)
	go func() {
		slog.Info("Starting API server", "port", cfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	go func() {
		slog.Info("Starting metrics server", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sched.Start(runCtx)

	shutdownServers := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case <-ctx.Done():
		slog.Info("Context cancelled, shutting down")
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		stop()
		_ = sched.Stop(context.Background())
		shutdownServers(5 * time.Second)
		return err
	}

	// Phase 1: fail readiness so load balancers stop routing here.
	healthChecker.SetShuttingDown()
	if cfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.ShutdownDrainWait)
		time.Sleep(cfg.ShutdownDrainWait)
	}

	// Phase 2: stop scheduling and let a running pass finish. Claims are
	// single writes, so an interrupted pass leaves no half-claimed work.
	slog.Info("Stopping scheduler")
	schedCtx, cancelSched := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := sched.Stop(schedCtx); err != nil {
		slog.Warn("Scheduler did not stop in time", "error", err)
	}
	cancelSched()
	stop()

	// Phase 3: finish in-flight requests.
	slog.Info("Starting graceful shutdown")
	shutdownServers(25 * time.Second)

	// Phase 4: notifications drain in a.Close.
	slog.Info("Shutdown complete")
	return nil
}
