// Package run submits workflow runs for a queue to a workflow execution
// service.
package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"wfinterop/internal/config"
	"wfinterop/internal/runlog"
	"wfinterop/internal/wes"
)

// QueueConfig is the queue configuration the dispatcher reads and caches
// resolved workflow URLs into.
type QueueConfig interface {
	Queue(queueID string) (config.Queue, error)
	SetWorkflowURL(queueID, url string) error
}

// WorkflowResolver resolves a queue's workflow document through a tool
// registry.
type WorkflowResolver interface {
	ResolveWorkflow(ctx context.Context, q config.Queue) (string, error)
}

// Services looks up execution services by id.
type Services interface {
	Service(wesID string) (wes.Service, error)
	EngineParameters(wesID string) (map[string]string, error)
}

// Options are per-dispatch request extensions.
type Options struct {
	// ExtraAttachments are merged with the queue's attachments.
	ExtraAttachments []string
	// Parts are extra request fields forwarded to the service unchanged.
	Parts map[string]string
}

// Config configures a Dispatcher.
type Config struct {
	// InitialPollDelay, when positive, re-polls the service once after
	// submission to capture an early state. Zero leaves the state as
	// reported by the submit call.
	InitialPollDelay time.Duration
	Now              func() time.Time
}

// Dispatcher builds run requests from queue configuration and submits them.
// It persists nothing; callers record the returned RunLog.
type Dispatcher struct {
	queues   QueueConfig
	resolver WorkflowResolver
	services Services
	cfg      Config
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(queues QueueConfig, resolver WorkflowResolver, services Services, cfg Config) *Dispatcher {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{
		queues:   queues,
		resolver: resolver,
		services: services,
		cfg:      cfg,
		logger:   slog.With("component", "run-dispatcher"),
	}
}

// Dispatch submits workflowInput to wesID using queueID's workflow. A run the
// service rejected is returned as a FAILED RunLog carrying the reason in
// stderr, not an error; errors are reserved for configuration problems and
// cancellation of ctx.
func (d *Dispatcher) Dispatch(ctx context.Context, queueID, workflowInput, wesID string, opts Options) (*runlog.RunLog, error) {
	q, err := d.queues.Queue(queueID)
	if err != nil {
		return nil, err
	}
	if q.WorkflowURL == "" {
		url, err := d.resolver.ResolveWorkflow(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("resolve workflow for queue %s: %w", queueID, err)
		}
		if err := d.queues.SetWorkflowURL(queueID, url); err != nil {
			d.logger.Warn("Failed to cache workflow URL", "queueId", queueID, "error", err)
		}
		q.WorkflowURL = url
	}

	svc, err := d.services.Service(wesID)
	if err != nil {
		return nil, err
	}
	params, err := d.services.EngineParameters(wesID)
	if err != nil {
		return nil, err
	}

	req := &wes.RunRequest{
		WorkflowURL:         q.WorkflowURL,
		WorkflowParams:      workflowInput,
		WorkflowType:        q.WorkflowType,
		WorkflowTypeVersion: q.WorkflowTypeVersion,
		Attachments:         mergeAttachments(q.WorkflowAttachments, opts.ExtraAttachments),
		EngineParameters:    params,
		Parts:               opts.Parts,
	}

	resp, err := svc.RunWorkflow(ctx, req)
	if err != nil && (ctx.Err() != nil || errors.Is(err, context.Canceled)) {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		return nil, fmt.Errorf("submit run to %s: %w", wesID, err)
	}
	if err != nil || resp == nil || resp.RunID == runlog.FailedRunID {
		d.logger.Warn("Run submission failed", "queueId", queueID, "wesId", wesID, "error", err)
		rl := runlog.Failed(wesID)
		reason := "workflow service returned no run id"
		if err != nil {
			reason = err.Error()
		}
		rl.Stderr = &reason
		return rl, nil
	}

	rl := runlog.New(resp.RunID, resp.State, wesID, d.cfg.Now())
	if d.cfg.InitialPollDelay > 0 {
		d.pollOnce(ctx, svc, rl)
	}
	return rl, nil
}

// pollOnce refreshes rl's state after the configured delay. Failures keep
// the submit state; the next reconcile pass catches up.
func (d *Dispatcher) pollOnce(ctx context.Context, svc wes.Service, rl *runlog.RunLog) {
	timer := time.NewTimer(d.cfg.InitialPollDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	state, err := svc.GetRunStatus(ctx, rl.RunID)
	if err != nil {
		d.logger.Debug("Initial status poll failed", "runId", rl.RunID, "error", err)
		return
	}
	if state != "" && state != runlog.StateFailed {
		rl.Status = state
	}
}

// mergeAttachments returns the sorted set union of both lists.
func mergeAttachments(configured, extra []string) []string {
	out := make([]string, 0, len(configured)+len(extra))
	for _, a := range slices.Concat(configured, extra) {
		if a != "" {
			out = append(out, a)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
