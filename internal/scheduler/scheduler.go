// Package scheduler drives periodic dispatch and reconciliation passes over
// every configured queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"wfinterop/internal/run"
	"wfinterop/internal/runlog"
)

// QueueRunner dispatches the received submissions of a queue.
type QueueRunner interface {
	RunQueue(ctx context.Context, queueID, wesID string, opts run.Options) (map[string]*runlog.RunLog, error)
}

// Reconciler polls the in-progress submissions of a queue.
type Reconciler interface {
	Reconcile(ctx context.Context, queueID string) (map[string]*runlog.RunLog, error)
}

// QueueLister lists the queues to process.
type QueueLister interface {
	QueueIDs(includeEphemeral bool) []string
}

// Summary describes the last pass over one queue.
type Summary struct {
	QueueID    string         `json:"queueId"`
	StartedAt  time.Time      `json:"startedAt"`
	Duration   string         `json:"duration"`
	Dispatched int            `json:"dispatched"`
	Runs       map[string]int `json:"runs"` // reconciled runs by state
	Error      string         `json:"error,omitempty"`
}

// Config configures a Scheduler.
type Config struct {
	Schedule    string // cron spec, default "@every 30s"
	Concurrency int    // queues processed at once, default 4
	Queues      QueueLister
	Runner      QueueRunner
	Reconciler  Reconciler
}

// Scheduler runs a pass over all queues on a cron schedule. A tick that
// fires while the previous pass is still running is skipped.
type Scheduler struct {
	cfg    Config
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.RWMutex
	ctx     context.Context
	last    map[string]Summary
	running bool
}

// New validates cfg and registers the pass with the cron schedule.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 30s"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	s := &Scheduler{
		cfg:    cfg,
		logger: slog.With("component", "scheduler"),
		ctx:    context.Background(),
		last:   make(map[string]Summary),
	}
	cronLogger := cronLog{s.logger}
	s.cron = cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	if _, err := s.cron.AddFunc(cfg.Schedule, s.tick); err != nil {
		return nil, fmt.Errorf("invalid poll schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Start begins scheduling. Passes run with ctx and stop when it ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.running = true
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("Scheduler started", "schedule", s.cfg.Schedule, "concurrency", s.cfg.Concurrency)
}

// Stop stops scheduling and waits for a running pass until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the scheduler has been started and not stopped.
func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) tick() {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Warn("Scheduled pass interrupted", "error", err)
	}
}

// RunOnce processes every non-ephemeral queue once. Failures of one queue
// are recorded in its summary and do not stop the others.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, id := range s.cfg.Queues.QueueIDs(false) {
		g.Go(func() error {
			s.PassQueue(gctx, id)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// PassQueue dispatches then reconciles queueID and records the summary.
func (s *Scheduler) PassQueue(ctx context.Context, queueID string) Summary {
	start := time.Now()
	sum := Summary{QueueID: queueID, StartedAt: start.UTC(), Runs: map[string]int{}}

	dispatched, runErr := s.cfg.Runner.RunQueue(ctx, queueID, "", run.Options{})
	sum.Dispatched = len(dispatched)

	reconciled, recErr := s.cfg.Reconciler.Reconcile(ctx, queueID)
	for _, rl := range reconciled {
		sum.Runs[string(rl.Status)]++
	}

	if err := errors.Join(runErr, recErr); err != nil {
		sum.Error = err.Error()
		s.logger.Warn("Queue pass finished with errors", "queueId", queueID, "error", err)
	}
	sum.Duration = time.Since(start).Round(time.Millisecond).String()

	s.mu.Lock()
	s.last[queueID] = sum
	s.mu.Unlock()
	return sum
}

// Summaries returns the last summary of every queue, sorted by queue id.
func (s *Scheduler) Summaries() []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := slices.Sorted(maps.Keys(s.last))
	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.last[id])
	}
	return out
}

// LastSummary returns the last summary of queueID.
func (s *Scheduler) LastSummary(queueID string) (Summary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, ok := s.last[queueID]
	return sum, ok
}

// cronLog adapts slog to cron.Logger.
type cronLog struct {
	logger *slog.Logger
}

func (l cronLog) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLog) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
