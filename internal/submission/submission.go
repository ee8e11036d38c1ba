// Package submission defines the evaluation-queue submission model and the
// store contract the lifecycle and reconciliation code runs against.
package submission

import (
	"context"
	"maps"
	"path"
	"strings"
	"time"
)

// State is the queue-side status of a submission.
type State string

const (
	StateReceived   State = "RECEIVED"
	StateInProgress State = "EVALUATION_IN_PROGRESS"
	StateAccepted   State = "ACCEPTED"
	StateValidated  State = "VALIDATED"
	StateInvalid    State = "INVALID"
	StateClosed     State = "CLOSED"
	StateScored     State = "SCORED"
)

// Submission is an immutable entry in an evaluation queue.
type Submission struct {
	ID       string `json:"id"`
	QueueID  string `json:"evaluationId"`
	EntityID string `json:"entityId,omitempty"`

	// FilePath locates the submitted document, empty for image submissions.
	FilePath string `json:"filePath,omitempty"`

	DockerRepositoryName string `json:"dockerRepositoryName,omitempty"`
	DockerDigest         string `json:"dockerDigest,omitempty"`

	CreatedOn time.Time `json:"createdOn"`
}

// IsDocker reports whether the submission is a container image.
func (s *Submission) IsDocker() bool {
	return s.DockerRepositoryName != ""
}

// Extension returns the lower-cased extension of FilePath, including the dot.
func (s *Submission) Extension() string {
	p := s.FilePath
	if i := strings.IndexAny(p, "?#"); i >= 0 && strings.Contains(p, "://") {
		p = p[:i]
	}
	return strings.ToLower(path.Ext(p))
}

// Status is the mutable, versioned status record of a submission.
type Status struct {
	ID          string            `json:"id"`
	Etag        string            `json:"etag"`
	Status      State             `json:"status"`
	Annotations map[string]string `json:"annotations,omitempty"`
	ModifiedOn  time.Time         `json:"modifiedOn"`
}

// Clone returns a deep copy.
func (s *Status) Clone() *Status {
	c := *s
	c.Annotations = maps.Clone(s.Annotations)
	return &c
}

// Store is a submission queue backend. StoreStatus is conditional on the
// Etag of the passed status and fails with apperrors.ErrPreconditionFailed
// when another writer got there first.
type Store interface {
	GetSubmission(ctx context.Context, id string) (*Submission, error)
	GetStatus(ctx context.Context, id string) (*Status, error)
	StoreStatus(ctx context.Context, status *Status) (*Status, error)
	ListSubmissions(ctx context.Context, queueID string, state State) ([]string, error)

	// Annotate merges fields into the submission's annotations and, when
	// state is non-empty, sets the status in the same conditional write.
	Annotate(ctx context.Context, id string, fields map[string]string, state State) error
}

// NewSubmission describes a submission to enqueue.
type NewSubmission struct {
	QueueID              string
	EntityID             string
	FilePath             string
	DockerRepositoryName string
	DockerDigest         string
}

// Creator is implemented by stores that accept new submissions directly.
type Creator interface {
	CreateSubmission(ctx context.Context, s NewSubmission) (*Submission, error)
}

// MergeAnnotations overlays fields onto a copy of existing.
func MergeAnnotations(existing, fields map[string]string) map[string]string {
	out := make(map[string]string, len(existing)+len(fields))
	maps.Copy(out, existing)
	maps.Copy(out, fields)
	return out
}
