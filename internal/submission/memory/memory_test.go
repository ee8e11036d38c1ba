package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"wfinterop/internal/apperrors"
	"wfinterop/internal/submission"
)

func TestCreateAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	sub, err := s.CreateSubmission(ctx, submission.NewSubmission{QueueID: "9614", FilePath: "/data/wf.cwl"})
	if err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}
	got, err := s.GetSubmission(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.FilePath != "/data/wf.cwl" || got.QueueID != "9614" {
		t.Errorf("unexpected submission %+v", got)
	}
	st, err := s.GetStatus(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != submission.StateReceived || st.Etag == "" {
		t.Errorf("unexpected status %+v", st)
	}

	if _, err := s.CreateSubmission(ctx, submission.NewSubmission{}); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if _, err := s.GetSubmission(ctx, "nope"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestStoreStatusRejectsStaleEtag(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	sub, _ := s.CreateSubmission(ctx, submission.NewSubmission{QueueID: "q", FilePath: "f.json"})

	a, _ := s.GetStatus(ctx, sub.ID)
	b, _ := s.GetStatus(ctx, sub.ID)

	a.Status = submission.StateInProgress
	if _, err := s.StoreStatus(ctx, a); err != nil {
		t.Fatalf("first writer: %v", err)
	}
	b.Status = submission.StateInProgress
	if _, err := s.StoreStatus(ctx, b); !errors.Is(err, apperrors.ErrPreconditionFailed) {
		t.Fatalf("second writer: got %v, want precondition failed", err)
	}
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	sub, _ := s.CreateSubmission(ctx, submission.NewSubmission{QueueID: "q", FilePath: "f.json"})

	const workers = 16
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		start   = make(chan struct{})
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := s.GetStatus(ctx, sub.ID)
			if err != nil {
				t.Error(err)
				return
			}
			<-start
			st.Status = submission.StateInProgress
			if _, err := s.StoreStatus(ctx, st); err == nil {
				winners.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if winners.Load() != 1 {
		t.Errorf("winners = %d, want 1", winners.Load())
	}
}

func TestListAndAnnotate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	first, _ := s.CreateSubmission(ctx, submission.NewSubmission{QueueID: "q", FilePath: "a.json"})
	second, _ := s.CreateSubmission(ctx, submission.NewSubmission{QueueID: "q", FilePath: "b.json"})
	_, _ = s.CreateSubmission(ctx, submission.NewSubmission{QueueID: "other", FilePath: "c.json"})

	ids, err := s.ListSubmissions(ctx, "q", submission.StateReceived)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != first.ID || ids[1] != second.ID {
		t.Fatalf("ids = %v", ids)
	}

	if err := s.Annotate(ctx, first.ID, map[string]string{"run_id": "r1", "status": "QUEUED"}, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.Annotate(ctx, first.ID, map[string]string{"status": "COMPLETE"}, submission.StateAccepted); err != nil {
		t.Fatal(err)
	}
	st, _ := s.GetStatus(ctx, first.ID)
	if st.Status != submission.StateAccepted {
		t.Errorf("status = %s", st.Status)
	}
	if st.Annotations["run_id"] != "r1" || st.Annotations["status"] != "COMPLETE" {
		t.Errorf("annotations = %v", st.Annotations)
	}

	ids, _ = s.ListSubmissions(ctx, "q", submission.StateReceived)
	if len(ids) != 1 || ids[0] != second.ID {
		t.Errorf("received after annotate = %v", ids)
	}
}
