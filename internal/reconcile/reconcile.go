// Package reconcile polls the runs of in-progress submissions and carries
// their outcome back to the submission store.
//
// Every observation is written first, independent of the run state. Terminal
// states are applied with a second write that also moves the submission to
// its final status, so a failure between the two leaves the submission
// in progress and it is picked up again on the next pass.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"wfinterop/internal/apperrors"
	"wfinterop/internal/config"
	"wfinterop/internal/observability"
	"wfinterop/internal/runlog"
	"wfinterop/internal/submission"
	"wfinterop/internal/wes"
	"wfinterop/pkg/circuitbreaker"
)

// EventTypeTerminal is published when a submission reaches its final status.
const EventTypeTerminal = "wfinterop.submission.terminal"

// QueueConfig looks up queue settings.
type QueueConfig interface {
	Queue(queueID string) (config.Queue, error)
}

// QueuePruner is implemented by queue configs that can forget the
// per-submission queue of a finished submission.
type QueuePruner interface {
	RemoveEphemeralQueue(queueID string) error
}

// Services looks up execution services by id.
type Services interface {
	Service(wesID string) (wes.Service, error)
}

// Annotator writes annotations with retries.
type Annotator interface {
	Annotate(ctx context.Context, id string, fields map[string]string, state submission.State) error
}

// Notifier publishes submission events.
type Notifier interface {
	Notify(ctx context.Context, eventType, submissionID string, data map[string]any)
}

// PromoteFunc hands a validated submission on to targetQueue.
type PromoteFunc func(ctx context.Context, submissionID, targetQueue string) error

// Config wires a Reconciler.
type Config struct {
	Store     submission.Store
	Annotator Annotator // default: submission.NewAnnotator(Store, ...)
	Queues    QueueConfig
	Services  Services
	Notifier  Notifier    // optional
	Promote   PromoteFunc // default: log only
	Metrics   *observability.Metrics

	// Breakers gate polling per workflow service. Default threshold 5,
	// cooldown 30s.
	Breakers *circuitbreaker.Registry

	// DefaultWESID is assumed for RunLogs that did not record a service.
	DefaultWESID string

	// OrphanAfter is how long a claimed submission may go without a RunLog
	// before it is reported. Default 15m.
	OrphanAfter time.Duration

	Now    func() time.Time
	Logger *slog.Logger // default: slog.Default()
}

// Reconciler runs reconciliation passes.
type Reconciler struct {
	store       submission.Store
	annotator   Annotator
	queues      QueueConfig
	services    Services
	notifier    Notifier
	promote     PromoteFunc
	metrics     *observability.Metrics
	breakers    *circuitbreaker.Registry
	defaultWES  string
	orphanAfter time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// New creates a Reconciler.
func New(cfg Config) *Reconciler {
	r := &Reconciler{
		store:       cfg.Store,
		annotator:   cfg.Annotator,
		queues:      cfg.Queues,
		services:    cfg.Services,
		notifier:    cfg.Notifier,
		promote:     cfg.Promote,
		metrics:     cfg.Metrics,
		breakers:    cfg.Breakers,
		defaultWES:  cfg.DefaultWESID,
		orphanAfter: cfg.OrphanAfter,
		now:         cfg.Now,
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r.logger = logger.With("component", "reconciler")
	if r.annotator == nil {
		r.annotator = submission.NewAnnotator(cfg.Store, submission.RetryConfig{}, cfg.Metrics)
	}
	if r.breakers == nil {
		r.breakers = circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	}
	if r.defaultWES == "" {
		r.defaultWES = "local"
	}
	if r.orphanAfter <= 0 {
		r.orphanAfter = 15 * time.Minute
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.promote == nil {
		r.promote = func(_ context.Context, submissionID, targetQueue string) error {
			r.logger.Info("Submission ready for promotion", "submissionId", submissionID, "targetQueue", targetQueue)
			return nil
		}
	}
	return r
}

// TerminalStatus maps a terminal run state to the submission status it
// implies. ok is false for states that leave the submission in progress.
func TerminalStatus(state runlog.State, targetQueue string) (status submission.State, ok bool) {
	switch state {
	case runlog.StateComplete:
		if targetQueue != "" {
			return submission.StateValidated, true
		}
		return submission.StateAccepted, true
	case runlog.StateCancelled, runlog.StateCanceled:
		return submission.StateClosed, true
	case runlog.StateExecutorError:
		return submission.StateInvalid, true
	}
	return "", false
}

// Reconcile polls every EVALUATION_IN_PROGRESS submission of queueID and
// returns the RunLog of each, updated or as last recorded. A submission
// whose run cannot be polled keeps its last RunLog and is retried next
// pass. Store write failures abort the pass.
func (r *Reconciler) Reconcile(ctx context.Context, queueID string) (_ map[string]*runlog.RunLog, err error) {
	ctx, span := observability.StartSpan(ctx, "reconcile.Reconcile", observability.QueueKey.String(queueID))
	start := time.Now()
	defer func() {
		r.metrics.RecordPass(ctx, "reconcile", queueID, time.Since(start).Seconds(), err == nil)
		observability.EndSpan(span, err)
	}()

	ids, err := r.store.ListSubmissions(ctx, queueID, submission.StateInProgress)
	if err != nil {
		return nil, err
	}

	results := make(map[string]*runlog.RunLog, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		rl, err := r.reconcileSubmission(ctx, queueID, id)
		if rl != nil {
			results[id] = rl
		}
		if err != nil {
			return results, err
		}
	}
	r.logger.Info("Reconcile pass complete", "queueId", queueID, "inProgress", len(ids), "observed", len(results))
	return results, nil
}

func (r *Reconciler) reconcileSubmission(ctx context.Context, queueID, id string) (_ *runlog.RunLog, err error) {
	ctx, span := observability.StartSpan(ctx, "reconcile.submission", observability.SubmissionKey.String(id))
	defer func() { observability.EndSpan(span, err) }()

	st, err := r.store.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	prev, err := runlog.FromAnnotations(st.Annotations)
	if err != nil {
		r.logger.Warn("Unreadable run annotations, skipping", "submissionId", id, "error", err)
		return nil, nil
	}
	if prev == nil {
		// Claimed but not yet dispatched, or the dispatcher died in between.
		if age := r.now().Sub(st.ModifiedOn); age >= r.orphanAfter {
			r.logger.Warn("Claimed submission has no run", "submissionId", id, "queueId", queueID, "claimedFor", age.Round(time.Second).String())
		} else {
			r.logger.Debug("Claimed submission not yet dispatched", "submissionId", id)
		}
		return nil, nil
	}
	if !prev.Dispatched() {
		return prev, nil
	}

	wesID := prev.WESID
	if wesID == "" {
		wesID = r.defaultWES
	}
	span.SetAttributes(observability.RunKey.String(prev.RunID), observability.WESKey.String(wesID))
	logger := r.logger.With("submissionId", id, "runId", prev.RunID, "wesId", wesID)

	state, ok := r.poll(ctx, logger, wesID, prev.RunID)
	if !ok {
		return prev, nil
	}
	r.metrics.RecordObservation(ctx, wesID, string(state))

	rl := prev.Clone()
	rl.Status = state
	rl.WESID = wesID
	rl.UpdateElapsed(r.now())
	if err := r.annotator.Annotate(ctx, id, rl.Annotations(), ""); err != nil {
		return prev, err
	}

	target := r.targetQueue(queueID, id)
	status, terminal := TerminalStatus(state, target)
	if !terminal {
		return rl, nil
	}
	if state == runlog.StateExecutorError {
		r.attachLogs(ctx, wesID, rl)
	}
	if err := r.annotator.Annotate(ctx, id, rl.Annotations(), status); err != nil {
		return rl, err
	}
	r.metrics.RecordTransition(ctx, queueID, string(status))
	logger.Info("Submission finished", "state", state, "status", status, "elapsedTime", rl.ElapsedTime)

	if status == submission.StateValidated {
		if err := r.promote(ctx, id, target); err != nil {
			logger.Warn("Promotion failed", "targetQueue", target, "error", err)
		}
	}
	if pruner, ok := r.queues.(QueuePruner); ok {
		if err := pruner.RemoveEphemeralQueue(id); err != nil {
			logger.Warn("Failed to remove submission queue", "error", err)
		}
	}
	if r.notifier != nil {
		r.notifier.Notify(ctx, EventTypeTerminal, id, map[string]any{
			"queueId": queueID,
			"status":  string(status),
			"runLog":  rl,
		})
	}
	return rl, nil
}

// poll returns the run state, or false when the service could not be asked.
func (r *Reconciler) poll(ctx context.Context, logger *slog.Logger, wesID, runID string) (runlog.State, bool) {
	breaker := r.breakers.Get(wesID)
	if !breaker.Allow() {
		logger.Debug("Workflow service circuit open, skipping poll")
		return "", false
	}
	svc, err := r.services.Service(wesID)
	if err != nil {
		logger.Warn("Unknown workflow service", "error", err)
		return "", false
	}
	state, err := svc.GetRunStatus(ctx, runID)
	if err != nil {
		breaker.RecordFailure()
		r.metrics.RecordPollError(ctx, wesID)
		logger.Warn("Run status poll failed", "error", err)
		return "", false
	}
	breaker.RecordSuccess()
	return state, true
}

// attachLogs fetches stderr and stdout into rl. A failed fetch stores the
// error text in place of the log.
func (r *Reconciler) attachLogs(ctx context.Context, wesID string, rl *runlog.RunLog) {
	fetch := func(get func(context.Context, string) (string, error)) string {
		out, err := get(ctx, rl.RunID)
		if err != nil {
			return err.Error()
		}
		return out
	}
	svc, err := r.services.Service(wesID)
	if err != nil {
		msg := err.Error()
		rl.Stderr, rl.Stdout = &msg, &msg
		return
	}
	stderr := fetch(svc.GetRunStderr)
	stdout := fetch(svc.GetRunStdout)
	rl.Stderr, rl.Stdout = &stderr, &stdout
}

// targetQueue returns the promotion target configured for the submission.
// Image and workflow submissions run under a queue named after the
// submission; other submissions use the queue they were taken from.
func (r *Reconciler) targetQueue(queueID, submissionID string) string {
	for _, id := range []string{submissionID, queueID} {
		q, err := r.queues.Queue(id)
		if err == nil {
			return q.TargetQueue
		}
		if !errors.Is(err, apperrors.ErrNotFound) {
			r.logger.Warn("Queue lookup failed", "queueId", id, "error", err)
			return ""
		}
	}
	return ""
}
