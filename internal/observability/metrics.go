package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the orchestrator's instruments. A nil *Metrics is valid and
// records nothing, so components can run without a meter provider.
type Metrics struct {
	meter metric.Meter

	// HTTP metrics
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Submission lifecycle
	ClaimsTotal         metric.Int64Counter
	ClaimConflictsTotal metric.Int64Counter
	DispatchesTotal     metric.Int64Counter
	ClassifyErrorsTotal metric.Int64Counter
	AnnotateRetries     metric.Int64Counter

	// Reconciliation
	ObservationsTotal metric.Int64Counter
	TransitionsTotal  metric.Int64Counter
	PollErrorsTotal   metric.Int64Counter
	PassDuration      metric.Float64Histogram

	// Notification dispatcher
	DispatcherDuration  metric.Float64Histogram
	DispatcherDelivered metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherRequeued  metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m := &Metrics{meter: provider.Meter("wfinterop")}
	if err := m.init(); err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

func (m *Metrics) init() error {
	var err error
	counter := func(name, desc string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = m.meter.Int64Counter(name, metric.WithDescription(desc))
		return c
	}
	histogram := func(name, desc string, bounds ...float64) metric.Float64Histogram {
		if err != nil {
			return nil
		}
		var h metric.Float64Histogram
		h, err = m.meter.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(bounds...),
		)
		return h
	}

	m.HTTPRequestDuration = histogram("http_request_duration_seconds", "HTTP request latency in seconds",
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.HTTPRequestsTotal = counter("http_requests_total", "Total number of HTTP requests")
	m.HTTPErrorsTotal = counter("http_errors_total", "Total number of HTTP errors (4xx and 5xx)")

	m.ClaimsTotal = counter("submission_claims_total", "Submissions claimed for dispatch")
	m.ClaimConflictsTotal = counter("submission_claim_conflicts_total", "Claims lost to another orchestrator")
	m.DispatchesTotal = counter("runs_dispatched_total", "Runs submitted to a workflow service")
	m.ClassifyErrorsTotal = counter("submission_classify_errors_total", "Submissions that could not be classified or materialized")
	m.AnnotateRetries = counter("annotation_write_retries_total", "Retried annotation writes")

	m.ObservationsTotal = counter("reconcile_observations_total", "Run states observed while reconciling")
	m.TransitionsTotal = counter("submission_transitions_total", "Terminal submission status writes")
	m.PollErrorsTotal = counter("reconcile_poll_errors_total", "Failed run status polls")
	m.PassDuration = histogram("queue_pass_duration_seconds", "Duration of one run-queue or reconcile pass",
		0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300)

	m.DispatcherDuration = histogram("dispatcher_duration_seconds", "Notification delivery latency in seconds",
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.DispatcherDelivered = counter("dispatcher_delivered_total", "Total events successfully delivered")
	m.DispatcherFailed = counter("dispatcher_failed_total", "Total events failed after retries")
	m.DispatcherDropped = counter("dispatcher_dropped_total", "Total events dropped (buffer full or max requeues)")
	m.DispatcherRequeued = counter("dispatcher_requeued_total", "Total events requeued due to open circuit")
	if err != nil {
		return err
	}

	m.DispatcherQueueSize, err = m.meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of events in dispatcher queue (saturation)"),
	)
	return err
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordClaim records the outcome of a claim attempt.
func (m *Metrics) RecordClaim(ctx context.Context, queueID string, claimed bool) {
	if m == nil {
		return
	}
	if claimed {
		m.ClaimsTotal.Add(ctx, 1, metric.WithAttributes(queueAttr(queueID)))
		return
	}
	m.ClaimConflictsTotal.Add(ctx, 1, metric.WithAttributes(queueAttr(queueID)))
}

// RecordDispatch records a run submission.
func (m *Metrics) RecordDispatch(ctx context.Context, queueID, wesID string, success bool) {
	if m == nil {
		return
	}
	m.DispatchesTotal.Add(ctx, 1, metric.WithAttributes(queueAttr(queueID), wesAttr(wesID), successAttr(success)))
}

// RecordClassifyError records a submission rejected before dispatch.
func (m *Metrics) RecordClassifyError(ctx context.Context, queueID string) {
	if m == nil {
		return
	}
	m.ClassifyErrorsTotal.Add(ctx, 1, metric.WithAttributes(queueAttr(queueID)))
}

// RecordAnnotateRetry implements submission.RetryRecorder.
func (m *Metrics) RecordAnnotateRetry(ctx context.Context) {
	if m == nil {
		return
	}
	m.AnnotateRetries.Add(ctx, 1)
}

// RecordObservation records a polled run state.
func (m *Metrics) RecordObservation(ctx context.Context, wesID, state string) {
	if m == nil {
		return
	}
	m.ObservationsTotal.Add(ctx, 1, metric.WithAttributes(wesAttr(wesID), stateAttr(state)))
}

// RecordTransition records a terminal submission status write.
func (m *Metrics) RecordTransition(ctx context.Context, queueID, status string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.Add(ctx, 1, metric.WithAttributes(queueAttr(queueID), stateAttr(status)))
}

// RecordPollError records a failed status poll.
func (m *Metrics) RecordPollError(ctx context.Context, wesID string) {
	if m == nil {
		return
	}
	m.PollErrorsTotal.Add(ctx, 1, metric.WithAttributes(wesAttr(wesID)))
}

// RecordPass records the duration of a queue pass. op is "run" or "reconcile".
func (m *Metrics) RecordPass(ctx context.Context, op, queueID string, durationSeconds float64, success bool) {
	if m == nil {
		return
	}
	m.PassDuration.Record(ctx, durationSeconds, metric.WithAttributes(opAttr(op), queueAttr(queueID), successAttr(success)))
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	if m == nil {
		return
	}
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherRequeued records a requeued event.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	if m == nil {
		return
	}
	m.DispatcherRequeued.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	if m == nil {
		return
	}
	m.DispatcherQueueSize.Record(ctx, size)
}
