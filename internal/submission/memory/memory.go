// Package memory is an in-process submission store with etag-guarded
// status writes.
package memory

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"wfinterop/internal/apperrors"
	"wfinterop/internal/submission"
)

type entry struct {
	sub    submission.Submission
	status submission.Status
	seq    int
}

// Store keeps submissions in memory. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	seq     int
	now     func() time.Time
}

var (
	_ submission.Store   = (*Store)(nil)
	_ submission.Creator = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// CreateSubmission enqueues a submission in RECEIVED.
func (s *Store) CreateSubmission(_ context.Context, n submission.NewSubmission) (*submission.Submission, error) {
	if n.QueueID == "" {
		return nil, apperrors.Validation("queueId", "queue ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	id := strconv.Itoa(9700000 + s.seq)
	now := s.now().UTC()
	e := &entry{
		sub: submission.Submission{
			ID:                   id,
			QueueID:              n.QueueID,
			EntityID:             n.EntityID,
			FilePath:             n.FilePath,
			DockerRepositoryName: n.DockerRepositoryName,
			DockerDigest:         n.DockerDigest,
			CreatedOn:            now,
		},
		status: submission.Status{
			ID:          id,
			Etag:        uuid.NewString(),
			Status:      submission.StateReceived,
			Annotations: map[string]string{},
			ModifiedOn:  now,
		},
		seq: s.seq,
	}
	s.entries[id] = e
	sub := e.sub
	return &sub, nil
}

// GetSubmission returns the submission with id.
func (s *Store) GetSubmission(_ context.Context, id string) (*submission.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, apperrors.NotFound("submission", id)
	}
	sub := e.sub
	return &sub, nil
}

// GetStatus returns a copy of the current status.
func (s *Store) GetStatus(_ context.Context, id string) (*submission.Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, apperrors.NotFound("submission", id)
	}
	return e.status.Clone(), nil
}

// StoreStatus replaces the status if st.Etag matches the stored one.
func (s *Store) StoreStatus(_ context.Context, st *submission.Status) (*submission.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[st.ID]
	if !ok {
		return nil, apperrors.NotFound("submission", st.ID)
	}
	if e.status.Etag != st.Etag {
		return nil, apperrors.PreconditionFailed("submissionStatus", st.ID)
	}
	next := st.Clone()
	next.Etag = uuid.NewString()
	next.ModifiedOn = s.now().UTC()
	if next.Annotations == nil {
		next.Annotations = map[string]string{}
	}
	e.status = *next
	return next.Clone(), nil
}

// ListSubmissions returns ids in queueID with the given state, oldest first.
func (s *Store) ListSubmissions(_ context.Context, queueID string, state submission.State) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]*entry, 0)
	for _, e := range s.entries {
		if e.sub.QueueID == queueID && e.status.Status == state {
			matched = append(matched, e)
		}
	}
	slices.SortFunc(matched, func(a, b *entry) int { return a.seq - b.seq })
	ids := make([]string, len(matched))
	for i, e := range matched {
		ids[i] = e.sub.ID
	}
	return ids, nil
}

// Annotate merges fields and optionally sets state.
func (s *Store) Annotate(ctx context.Context, id string, fields map[string]string, state submission.State) error {
	st, err := s.GetStatus(ctx, id)
	if err != nil {
		return err
	}
	st.Annotations = submission.MergeAnnotations(st.Annotations, fields)
	if state != "" {
		st.Status = state
	}
	_, err = s.StoreStatus(ctx, st)
	return err
}
