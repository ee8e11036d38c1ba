// Package lifecycle moves submissions from RECEIVED to a dispatched run.
//
// A submission is claimed with a single conditional status write. Losing
// that write means another orchestrator owns the submission and it is
// skipped without error. After a successful claim the submission is
// classified, its documents are materialized, the run is dispatched and the
// resulting RunLog is written back as annotations.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"wfinterop/internal/apperrors"
	"wfinterop/internal/classify"
	"wfinterop/internal/config"
	"wfinterop/internal/observability"
	"wfinterop/internal/run"
	"wfinterop/internal/runlog"
	"wfinterop/internal/submission"
)

// detachedWriteTimeout bounds store writes that must outlive a cancelled
// pass.
const detachedWriteTimeout = time.Minute

// Event types published for submission transitions.
const (
	EventTypeClaimed    = "wfinterop.submission.claimed"
	EventTypeDispatched = "wfinterop.submission.dispatched"
)

// Classifier plans how a submission is executed.
type Classifier interface {
	Classify(sub *submission.Submission, queueID string) (*classify.Plan, error)
}

// Materializer performs the side effects of a plan.
type Materializer interface {
	Materialize(ctx context.Context, plan *classify.Plan) error
}

// RunDispatcher submits runs.
type RunDispatcher interface {
	Dispatch(ctx context.Context, queueID, workflowInput, wesID string, opts run.Options) (*runlog.RunLog, error)
}

// QueueConfig looks up queue settings.
type QueueConfig interface {
	Queue(queueID string) (config.Queue, error)
}

// Notifier publishes submission events. Delivery is asynchronous and
// best-effort.
type Notifier interface {
	Notify(ctx context.Context, eventType, submissionID string, data map[string]any)
}

// Annotator writes annotations with retries.
type Annotator interface {
	Annotate(ctx context.Context, id string, fields map[string]string, state submission.State) error
}

// Config wires a Controller.
type Config struct {
	Store        submission.Store
	Annotator    Annotator // default: submission.NewAnnotator(Store, ...)
	Queues       QueueConfig
	Classifier   Classifier
	Materializer Materializer
	Runs         RunDispatcher
	Notifier     Notifier // optional
	Metrics      *observability.Metrics

	// DefaultWESID is used when neither the caller nor the queue names a
	// workflow service.
	DefaultWESID string
}

// Controller runs the claim and dispatch steps of the submission lifecycle.
type Controller struct {
	store        submission.Store
	annotator    Annotator
	queues       QueueConfig
	classifier   Classifier
	materializer Materializer
	runs         RunDispatcher
	notifier     Notifier
	metrics      *observability.Metrics
	defaultWES   string
	logger       *slog.Logger
}

// NewController creates a Controller.
func NewController(cfg Config) *Controller {
	annotator := cfg.Annotator
	if annotator == nil {
		annotator = submission.NewAnnotator(cfg.Store, submission.RetryConfig{}, cfg.Metrics)
	}
	defaultWES := cfg.DefaultWESID
	if defaultWES == "" {
		defaultWES = "local"
	}
	return &Controller{
		store:        cfg.Store,
		annotator:    annotator,
		queues:       cfg.Queues,
		classifier:   cfg.Classifier,
		materializer: cfg.Materializer,
		runs:         cfg.Runs,
		notifier:     cfg.Notifier,
		metrics:      cfg.Metrics,
		defaultWES:   defaultWES,
		logger:       slog.With("component", "lifecycle"),
	}
}

// SubmissionError is a failure confined to one submission. The submission
// has been marked INVALID with the reason recorded in its RunLog.
type SubmissionError struct {
	SubmissionID string
	Err          error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submission %s: %v", e.SubmissionID, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// TryClaim moves submissionID from RECEIVED to EVALUATION_IN_PROGRESS with
// one conditional write. It reports false, without error, when another
// writer changed the status first or the submission is no longer RECEIVED.
// The write is never retried.
func (c *Controller) TryClaim(ctx context.Context, submissionID string) (*submission.Status, bool, error) {
	st, err := c.store.GetStatus(ctx, submissionID)
	if err != nil {
		return nil, false, err
	}
	if st.Status != submission.StateReceived {
		return nil, false, nil
	}
	st.Status = submission.StateInProgress
	claimed, err := c.store.StoreStatus(ctx, st)
	if errors.Is(err, apperrors.ErrPreconditionFailed) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim submission %s: %w", submissionID, err)
	}
	return claimed, true, nil
}

// ResolveWESID picks the workflow service for queueID: the explicit id,
// else the queue default, else the service-wide default. The result must be
// among the queue's allowed services.
func (c *Controller) ResolveWESID(queueID, wesID string) (string, error) {
	q, err := c.queues.Queue(queueID)
	if err != nil {
		return "", err
	}
	if wesID == "" {
		wesID = q.WESDefault
	}
	if wesID == "" {
		wesID = c.defaultWES
	}
	if !q.AllowsWES(wesID) {
		return "", apperrors.Validation("wesId",
			fmt.Sprintf("workflow service %q is not enabled for queue %s", wesID, queueID))
	}
	return wesID, nil
}

// DispatchSubmission claims, classifies and dispatches one submission and
// records the outcome on it. It returns nil, nil when the claim was lost.
//
// Failures specific to the submission are recorded as a FAILED RunLog with
// the reason in stderr, the submission is set to INVALID, and both the
// RunLog and a *SubmissionError are returned. When ctx is cancelled before
// the run is submitted, the claim is released back to RECEIVED and the
// cancellation error is returned.
func (c *Controller) DispatchSubmission(ctx context.Context, queueID, submissionID, wesID string, opts run.Options) (_ *runlog.RunLog, err error) {
	ctx, span := observability.StartSpan(ctx, "lifecycle.DispatchSubmission",
		observability.QueueKey.String(queueID),
		observability.SubmissionKey.String(submissionID),
	)
	defer func() { observability.EndSpan(span, err) }()

	logger := c.logger.With("submissionId", submissionID, "queueId", queueID)

	wesID, err = c.ResolveWESID(queueID, wesID)
	if err != nil {
		return nil, err
	}
	sub, err := c.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}

	_, claimed, err := c.TryClaim(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	c.metrics.RecordClaim(ctx, queueID, claimed)
	if !claimed {
		logger.Debug("Submission claimed elsewhere, skipping")
		return nil, nil
	}
	logger.Info("Submission claimed", "wesId", wesID)
	c.notify(ctx, EventTypeClaimed, submissionID, map[string]any{"queueId": queueID, "wesId": wesID})

	plan, err := c.classifier.Classify(sub, queueID)
	if err != nil {
		c.metrics.RecordClassifyError(ctx, queueID)
		return c.reject(ctx, logger, submissionID, wesID, err)
	}
	if err := c.materializer.Materialize(ctx, plan); err != nil {
		if interrupted(ctx, err) {
			return nil, c.release(ctx, logger, submissionID, err)
		}
		c.metrics.RecordClassifyError(ctx, queueID)
		return c.reject(ctx, logger, submissionID, wesID, err)
	}

	rl, err := c.runs.Dispatch(ctx, plan.QueueID, plan.WorkflowInput, wesID, opts)
	if err != nil {
		if interrupted(ctx, err) {
			return nil, c.release(ctx, logger, submissionID, err)
		}
		return c.reject(ctx, logger, submissionID, wesID, err)
	}
	rl.WESID = wesID
	c.metrics.RecordDispatch(ctx, queueID, wesID, rl.Dispatched())

	var state submission.State
	if rl.Status == runlog.StateFailed {
		state = submission.StateInvalid
	}
	// The run exists on the service now; record it even if the pass is
	// being cancelled.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), detachedWriteTimeout)
	defer cancel()
	if err := c.annotator.Annotate(writeCtx, submissionID, rl.Annotations(), state); err != nil {
		return rl, err
	}
	span.SetAttributes(observability.RunKey.String(rl.RunID), observability.WESKey.String(wesID))
	logger.Info("Submission dispatched", "kind", plan.Kind, "runId", rl.RunID, "status", rl.Status, "wesId", wesID)
	c.notify(ctx, EventTypeDispatched, submissionID, map[string]any{
		"queueId": queueID,
		"kind":    string(plan.Kind),
		"runLog":  rl,
	})
	return rl, nil
}

// reject records cause on a claimed submission and marks it INVALID.
func (c *Controller) reject(ctx context.Context, logger *slog.Logger, submissionID, wesID string, cause error) (*runlog.RunLog, error) {
	logger.Warn("Submission rejected", "error", cause)
	rl := runlog.Failed(wesID)
	reason := cause.Error()
	rl.Stderr = &reason
	if err := c.annotator.Annotate(ctx, submissionID, rl.Annotations(), submission.StateInvalid); err != nil {
		return rl, fmt.Errorf("record rejection of submission %s (%v): %w", submissionID, cause, err)
	}
	c.notify(ctx, EventTypeDispatched, submissionID, map[string]any{"runLog": rl})
	return rl, &SubmissionError{SubmissionID: submissionID, Err: cause}
}

// release returns an interrupted claim to RECEIVED so a later pass picks
// the submission up again. The returned error wraps cause.
func (c *Controller) release(ctx context.Context, logger *slog.Logger, submissionID string, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), detachedWriteTimeout)
	defer cancel()
	if err := c.annotator.Annotate(ctx, submissionID, nil, submission.StateReceived); err != nil {
		logger.Error("Failed to release interrupted claim", "error", err)
		return errors.Join(cause, fmt.Errorf("release submission %s: %w", submissionID, err))
	}
	logger.Info("Interrupted claim released", "reason", cause)
	return cause
}

// interrupted reports whether err comes from the pass being cancelled
// rather than from the submission.
func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

func (c *Controller) notify(ctx context.Context, eventType, submissionID string, data map[string]any) {
	if c.notifier != nil {
		c.notifier.Notify(ctx, eventType, submissionID, data)
	}
}
