package dispatcher

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"wfinterop/pkg/backoff"
	"wfinterop/pkg/circuitbreaker"
	"wfinterop/pkg/cloudevent"
)

// MetricsRecorder receives dispatcher metrics. *observability.Metrics
// implements it.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherRequeued(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// MemoryDispatcher buffers events in a bounded channel drained by a worker
// pool. Events that do not fit are dropped.
type MemoryDispatcher struct {
	queue    chan *Event
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	retry    backoff.Strategy
	config   Config
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

var _ Dispatcher = (*MemoryDispatcher)(nil)

// NewMemory starts a dispatcher. metrics may be nil.
func NewMemory(cfg Config, metrics MetricsRecorder) *MemoryDispatcher {
	cfg = cfg.withDefaults()
	d := &MemoryDispatcher{
		queue:  make(chan *Event, cfg.BufferSize),
		sender: cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
		}),
		retry:    &backoff.Config{Initial: 200 * time.Millisecond, Max: 5 * time.Second},
		config:   cfg,
		logger:   slog.With("component", "dispatcher"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	d.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go d.worker()
	}
	if metrics != nil {
		go d.reportQueueSize()
	}

	d.logger.Info("Dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return d
}

func (d *MemoryDispatcher) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordDispatcherQueueSize(context.Background(), int64(len(d.queue)))
		}
	}
}

// Dispatch queues event for delivery.
func (d *MemoryDispatcher) Dispatch(event *Event) error {
	if d.closed.Load() {
		return ErrClosed
	}
	select {
	case d.queue <- event:
		d.queued.Add(1)
		return nil
	default:
		d.drop(event, "buffer full")
		return ErrBufferFull
	}
}

// Stats returns current counters.
func (d *MemoryDispatcher) Stats() Stats {
	return Stats{
		QueueDepth:   len(d.queue),
		Queued:       d.queued.Load(),
		Delivered:    d.delivered.Load(),
		Failed:       d.failed.Load(),
		Dropped:      d.dropped.Load(),
		Requeued:     d.requeued.Load(),
		RetriesTotal: d.retriesTotal.Load(),
		BreakersOpen: d.breakers.Stats().Open,
	}
}

// Close stops accepting events and waits for workers to drain the buffer.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}
	d.logger.Info("Dispatcher shutting down", "queued", len(d.queue))
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Dispatcher shutdown complete",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", len(d.queue))
		return ctx.Err()
	}
}

func (d *MemoryDispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.shutdown:
			d.drainQueue()
			return
		case event := <-d.queue:
			d.deliver(event)
		}
	}
}

func (d *MemoryDispatcher) drainQueue() {
	for {
		select {
		case event := <-d.queue:
			d.deliver(event)
		default:
			return
		}
	}
}

func (d *MemoryDispatcher) deliver(event *Event) {
	host := extractHost(event.Destination)
	breaker := d.breakers.Get(host)
	if !breaker.Allow() {
		d.requeue(event, host)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	err := backoff.Retry(ctx, d.config.MaxRetries+1, d.retry,
		func(err error) bool { return !cloudevent.IsClientError(err) },
		func(int, error) { d.retriesTotal.Add(1) },
		func() error {
			return d.sender.Send(ctx, event.Destination, event.Payload, event.SigningKey)
		},
	)
	if err != nil {
		breaker.RecordFailure()
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherFailed(ctx)
		}
		d.logger.Warn("Delivery failed",
			"destination", host, "type", event.Payload.Type, "subject", event.Payload.Subject, "error", err)
		return
	}

	breaker.RecordSuccess()
	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDelivered(ctx, time.Since(start).Seconds())
	}
}

// requeue puts event back after the breaker cooldown so the destination
// has a chance to recover.
func (d *MemoryDispatcher) requeue(event *Event, host string) {
	if event.requeues >= d.config.MaxRequeues {
		d.drop(event, "max requeues reached")
		return
	}
	event.requeues++
	d.requeued.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherRequeued(context.Background())
	}

	go func() {
		timer := time.NewTimer(d.config.BreakerCooldown)
		defer timer.Stop()
		select {
		case <-d.shutdown:
			return
		case <-timer.C:
		}
		select {
		case d.queue <- event:
			d.logger.Debug("Event requeued", "destination", host, "type", event.Payload.Type)
		case <-d.shutdown:
		default:
			d.drop(event, "buffer full on requeue")
		}
	}()
}

func (d *MemoryDispatcher) drop(event *Event, reason string) {
	d.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDropped(context.Background())
	}
	d.logger.Warn("Event dropped",
		"reason", reason, "destination", extractHost(event.Destination), "type", event.Payload.Type)
}

// extractHost keys breakers by destination host.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}
