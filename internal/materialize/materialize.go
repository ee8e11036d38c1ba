// Package materialize performs the side effects a classification plan asks
// for: writing synthesized workflow documents, registering per-submission
// queues and warming the image cache.
package materialize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"wfinterop/internal/apperrors"
	"wfinterop/internal/classify"
	"wfinterop/internal/config"
)

// QueueRegistry is the part of the config store the materializer needs.
type QueueRegistry interface {
	Queue(queueID string) (config.Queue, error)
	RegisterEphemeralQueue(queueID string, q config.Queue) error
}

// ImagePuller makes an image available locally.
type ImagePuller interface {
	EnsureImage(ctx context.Context, ref string) error
}

// Materializer applies plans.
type Materializer struct {
	queues QueueRegistry
	puller ImagePuller
	logger *slog.Logger
}

// New creates a Materializer. puller may be nil to skip image pre-pulls.
func New(queues QueueRegistry, puller ImagePuller) *Materializer {
	return &Materializer{
		queues: queues,
		puller: puller,
		logger: slog.With("component", "materializer"),
	}
}

// Materialize writes the plan's documents and registers its ephemeral
// queue. The ephemeral queue inherits execution-service choices and the
// promotion target from the queue the submission came from.
func (m *Materializer) Materialize(ctx context.Context, plan *classify.Plan) error {
	for _, doc := range plan.Documents {
		if err := writeFile(doc.Path, doc.Content); err != nil {
			return apperrors.Internal("materialize.writeDocument", err)
		}
	}

	if plan.Ephemeral != nil {
		q := *plan.Ephemeral
		caller, err := m.queues.Queue(plan.CallerQueueID)
		switch {
		case err == nil:
			if q.WESDefault == "" {
				q.WESDefault = caller.WESDefault
			}
			if len(q.WESOpts) == 0 {
				q.WESOpts = caller.WESOpts
			}
			if q.TargetQueue == "" {
				q.TargetQueue = caller.TargetQueue
			}
		case !errors.Is(err, apperrors.ErrNotFound):
			return err
		}
		if err := m.queues.RegisterEphemeralQueue(plan.QueueID, q); err != nil {
			return fmt.Errorf("register queue %s: %w", plan.QueueID, err)
		}
		m.logger.Info("Registered submission queue",
			"submissionId", plan.SubmissionID, "queueId", plan.QueueID, "workflowUrl", q.WorkflowURL)
	}

	if m.puller != nil && plan.Image != "" {
		if err := m.puller.EnsureImage(ctx, plan.Image); err != nil {
			m.logger.Warn("Image pre-pull failed", "submissionId", plan.SubmissionID, "image", plan.Image, "error", err)
		}
	}
	return nil
}

func writeFile(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
