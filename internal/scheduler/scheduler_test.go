package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wfinterop/internal/run"
	"wfinterop/internal/runlog"
	"wfinterop/internal/testutil"
)

type staticQueues []string

func (q staticQueues) QueueIDs(bool) []string { return q }

type fakeWorker struct {
	delay time.Duration

	mu         sync.Mutex
	runs       []string
	reconciles []string
	active     atomic.Int32
	maxActive  atomic.Int32
	failQueue  string
}

func (f *fakeWorker) enter() func() {
	n := f.active.Add(1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return func() { f.active.Add(-1) }
}

func (f *fakeWorker) RunQueue(_ context.Context, queueID, _ string, _ run.Options) (map[string]*runlog.RunLog, error) {
	defer f.enter()()
	f.mu.Lock()
	f.runs = append(f.runs, queueID)
	f.mu.Unlock()
	if queueID == f.failQueue {
		return nil, errors.New("store unavailable")
	}
	return map[string]*runlog.RunLog{"1": {RunID: "r1", Status: runlog.StateQueued}}, nil
}

func (f *fakeWorker) Reconcile(_ context.Context, queueID string) (map[string]*runlog.RunLog, error) {
	f.mu.Lock()
	f.reconciles = append(f.reconciles, queueID)
	f.mu.Unlock()
	return map[string]*runlog.RunLog{
		"1": {RunID: "r1", Status: runlog.StateRunning},
		"2": {RunID: "r2", Status: runlog.StateComplete},
		"3": {RunID: "r3", Status: runlog.StateRunning},
	}, nil
}

func TestNewRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	w := &fakeWorker{}
	if _, err := New(Config{Schedule: "every now and then", Queues: staticQueues{}, Runner: w, Reconciler: w}); err == nil {
		t.Error("expected invalid schedule error")
	}
}

func TestRunOnce(t *testing.T) {
	t.Parallel()
	w := &fakeWorker{failQueue: "b"}
	s, err := New(Config{Queues: staticQueues{"a", "b", "c"}, Runner: w, Reconciler: w})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(w.runs) != 3 || len(w.reconciles) != 3 {
		t.Errorf("runs=%v reconciles=%v", w.runs, w.reconciles)
	}

	sums := s.Summaries()
	if len(sums) != 3 || sums[0].QueueID != "a" || sums[2].QueueID != "c" {
		t.Fatalf("summaries = %+v", sums)
	}
	a, _ := s.LastSummary("a")
	if a.Dispatched != 1 || a.Runs["RUNNING"] != 2 || a.Runs["COMPLETE"] != 1 || a.Error != "" {
		t.Errorf("summary a = %+v", a)
	}
	b, _ := s.LastSummary("b")
	if b.Error == "" || b.Runs["COMPLETE"] != 1 {
		t.Errorf("failed queue must still be reconciled and report its error: %+v", b)
	}
	if _, ok := s.LastSummary("zzz"); ok {
		t.Error("unexpected summary for unknown queue")
	}
}

func TestRunOnceBoundsConcurrency(t *testing.T) {
	t.Parallel()
	w := &fakeWorker{delay: 20 * time.Millisecond}
	s, err := New(Config{
		Concurrency: 2,
		Queues:      staticQueues{"a", "b", "c", "d", "e", "f"},
		Runner:      w,
		Reconciler:  w,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := w.maxActive.Load(); got > 2 {
		t.Errorf("max concurrent passes = %d, want <= 2", got)
	}
}

func TestStartRunsOnSchedule(t *testing.T) {
	t.Parallel()
	w := &fakeWorker{}
	s, err := New(Config{Schedule: "@every 1s", Queues: staticQueues{"a"}, Runner: w, Reconciler: w})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	if !s.Running() {
		t.Error("Running() = false after Start")
	}
	testutil.MustWaitFor(t, func() bool {
		_, ok := s.LastSummary("a")
		return ok
	}, testutil.WithTimeout(5*time.Second))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if s.Running() {
		t.Error("Running() = true after Stop")
	}
}
