package submission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"wfinterop/internal/apperrors"
	"wfinterop/pkg/backoff"
)

// DefaultRetryCodes are the store status codes treated as transient for
// annotation writes.
var DefaultRetryCodes = []int{409, 412, 429, 500, 502, 503, 504}

// RetryConfig bounds annotation write retries.
type RetryConfig struct {
	Wait     time.Duration // default: 3s
	Attempts int           // default: 10
	Codes    []int         // default: DefaultRetryCodes
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Wait <= 0 {
		c.Wait = 3 * time.Second
	}
	if c.Attempts <= 0 {
		c.Attempts = 10
	}
	if len(c.Codes) == 0 {
		c.Codes = DefaultRetryCodes
	}
	return c
}

// RetryRecorder receives a call for every retried annotation write.
type RetryRecorder interface {
	RecordAnnotateRetry(ctx context.Context)
}

// Annotator writes annotations with a fixed-interval retry on transient
// store failures. Claims never go through it.
type Annotator struct {
	store    Store
	cfg      RetryConfig
	recorder RetryRecorder
	logger   *slog.Logger
}

// NewAnnotator wraps store. recorder may be nil.
func NewAnnotator(store Store, cfg RetryConfig, recorder RetryRecorder) *Annotator {
	return &Annotator{
		store:    store,
		cfg:      cfg.withDefaults(),
		recorder: recorder,
		logger:   slog.With("component", "annotator"),
	}
}

// Annotate merges fields into submission id, optionally moving it to state.
func (a *Annotator) Annotate(ctx context.Context, id string, fields map[string]string, state State) error {
	err := backoff.Retry(ctx, a.cfg.Attempts, backoff.Constant(a.cfg.Wait),
		func(err error) bool { return apperrors.Retryable(err, a.cfg.Codes) },
		func(attempt int, err error) {
			a.logger.Warn("Annotation write failed, retrying",
				"submissionId", id, "attempt", attempt, "error", err)
			if a.recorder != nil {
				a.recorder.RecordAnnotateRetry(ctx)
			}
		},
		func() error { return a.store.Annotate(ctx, id, fields, state) },
	)
	if err != nil {
		return fmt.Errorf("annotate submission %s: %w", id, err)
	}
	return nil
}
