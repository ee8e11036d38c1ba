package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"wfinterop/internal/classify"
	"wfinterop/internal/config"
	"wfinterop/internal/dispatcher"
	"wfinterop/internal/health"
	"wfinterop/internal/lifecycle"
	"wfinterop/internal/materialize"
	"wfinterop/internal/observability"
	"wfinterop/internal/reconcile"
	"wfinterop/internal/run"
	"wfinterop/internal/submission"
	"wfinterop/internal/submission/memory"
	"wfinterop/internal/submission/sqlite"
	"wfinterop/internal/submission/synapse"
	"wfinterop/internal/trs"
	"wfinterop/internal/wes"
	"wfinterop/pkg/circuitbreaker"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// app holds the wired components shared by all commands.
type app struct {
	cfg        *config.ServiceConfig
	queues     *config.Store
	store      submission.Store
	services   *wes.Registry
	puller     *materialize.DockerPuller
	events     *dispatcher.MemoryDispatcher
	controller *lifecycle.Controller
	reconciler *reconcile.Reconciler

	closers []func() error
}

// newApp wires the lifecycle from cfg. metrics may be nil.
func newApp(ctx context.Context, cfg *config.ServiceConfig, metrics *observability.Metrics) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.queues, err = config.Open(cfg.ConfigPath); err != nil {
		return nil, err
	}
	if a.store, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}
	if c, ok := a.store.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	httpClient := &http.Client{
		Timeout:   60 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	a.services = wes.NewRegistry(a.queues, cfg.WESRequestsPerSecond, httpClient)
	resolver := trs.NewResolver(a.queues, httpClient)

	classifier, err := classify.New(filepath.Join(cfg.WorkDir, "submissions"))
	if err != nil {
		return nil, err
	}
	if cfg.PrepullImages {
		if a.puller, err = materialize.NewDockerPuller(); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.puller.Close)
	}
	var puller materialize.ImagePuller
	if a.puller != nil {
		puller = a.puller
	}

	var notifier *dispatcher.Publisher
	if cfg.NotifyURL != "" {
		a.events = dispatcher.NewMemory(dispatcher.LoadConfigFromEnv(), metrics)
		notifier = dispatcher.NewPublisher(a.events, dispatcher.PublisherConfig{
			URL:        cfg.NotifyURL,
			SigningKey: cfg.NotifySecret,
		})
	}

	annotator := submission.NewAnnotator(a.store, submission.RetryConfig{
		Wait:     cfg.AnnotateRetryWait,
		Attempts: cfg.AnnotateRetryAttempts,
	}, metrics)

	a.controller = lifecycle.NewController(lifecycle.Config{
		Store:        a.store,
		Annotator:    annotator,
		Queues:       a.queues,
		Classifier:   classifier,
		Materializer: materialize.New(a.queues, puller),
		Runs: run.NewDispatcher(a.queues, resolver, a.services, run.Config{
			InitialPollDelay: cfg.InitialPollDelay,
		}),
		Notifier:     notifier,
		Metrics:      metrics,
		DefaultWESID: cfg.DefaultWESID,
	})
	a.reconciler = reconcile.New(reconcile.Config{
		Store:        a.store,
		Annotator:    annotator,
		Queues:       a.queues,
		Services:     a.services,
		Notifier:     notifier,
		Metrics:      metrics,
		Breakers:     circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()),
		DefaultWESID: cfg.DefaultWESID,
	})
	return a, nil
}

func openStore(ctx context.Context, cfg *config.ServiceConfig) (submission.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendSQLite:
		if cfg.StoreDSN != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.StoreDSN), 0o755); err != nil {
				return nil, fmt.Errorf("create store directory: %w", err)
			}
		}
		return sqlite.Open(ctx, cfg.StoreDSN)
	case config.BackendSynapse:
		if cfg.SynapseToken == "" {
			slog.Warn("No Synapse token configured, only public queues are readable")
		}
		return synapse.New(synapse.Config{
			BaseURL:     cfg.SynapseURL,
			Token:       cfg.SynapseToken,
			DownloadDir: filepath.Join(cfg.WorkDir, "downloads"),
			Timeout:     60 * time.Second,
		}), nil
	case config.BackendMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// healthChecker builds readiness checks for the configured dependencies.
func (a *app) healthChecker() *health.Checker {
	c := health.NewChecker()
	if p, ok := a.store.(pinger); ok {
		c.Add("store", p.Ping)
	}
	for wesID := range a.queues.Snapshot().WorkflowServices {
		c.Add("wes:"+wesID, func(ctx context.Context) error {
			client, err := a.services.Client(wesID)
			if err != nil {
				return err
			}
			return client.Ready(ctx)
		})
	}
	if a.puller != nil {
		c.Add("docker", a.puller.Ready)
	}
	return c
}

// Close drains pending notifications and releases resources.
func (a *app) Close() error {
	var errs []error
	if a.events != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.events.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain notifications: %w", err))
		}
		cancel()
		stats := a.events.Stats()
		slog.Info("Notification stats", "delivered", stats.Delivered, "failed", stats.Failed, "dropped", stats.Dropped)
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
