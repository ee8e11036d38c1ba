package lifecycle

import (
	"context"
	"errors"
	"time"

	"wfinterop/internal/observability"
	"wfinterop/internal/run"
	"wfinterop/internal/runlog"
	"wfinterop/internal/submission"
)

// RunQueue dispatches every RECEIVED submission of queueID in store order.
// Submissions claimed elsewhere are left out of the result. Failures
// confined to one submission are collected and the pass continues; any
// other error stops the pass and is returned with the results so far.
func (c *Controller) RunQueue(ctx context.Context, queueID, wesID string, opts run.Options) (_ map[string]*runlog.RunLog, err error) {
	ctx, span := observability.StartSpan(ctx, "lifecycle.RunQueue", observability.QueueKey.String(queueID))
	start := time.Now()
	defer func() {
		c.metrics.RecordPass(ctx, "run", queueID, time.Since(start).Seconds(), err == nil)
		observability.EndSpan(span, err)
	}()

	wesID, err = c.ResolveWESID(queueID, wesID)
	if err != nil {
		return nil, err
	}
	ids, err := c.store.ListSubmissions(ctx, queueID, submission.StateReceived)
	if err != nil {
		return nil, err
	}

	results := make(map[string]*runlog.RunLog, len(ids))
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return results, errors.Join(append(errs, err)...)
		}
		rl, err := c.DispatchSubmission(ctx, queueID, id, wesID, opts)
		if rl != nil {
			rl.WESID = wesID
			results[id] = rl
		}
		if err == nil {
			continue
		}
		var subErr *SubmissionError
		if !errors.As(err, &subErr) || errors.Is(err, context.Canceled) {
			return results, errors.Join(append(errs, err)...)
		}
		errs = append(errs, err)
	}

	c.logger.Info("Queue pass complete", "queueId", queueID, "received", len(ids), "dispatched", len(results), "rejected", len(errs))
	return results, errors.Join(errs...)
}
