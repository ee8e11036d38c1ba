package submission

import (
	"context"
	"net/http"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"wfinterop/internal/apperrors"
)

type flakyStore struct {
	Store
	failures int
	err      error
	calls    atomic.Int32
	fields   map[string]string
	state    State
}

func (f *flakyStore) Annotate(_ context.Context, _ string, fields map[string]string, state State) error {
	n := int(f.calls.Add(1))
	if n <= f.failures {
		return f.err
	}
	f.fields = fields
	f.state = state
	return nil
}

type countingRecorder struct{ n atomic.Int32 }

func (c *countingRecorder) RecordAnnotateRetry(context.Context) { c.n.Add(1) }

func TestAnnotatorRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
	}{
		{"precondition", apperrors.PreconditionFailed("submissionStatus", "1")},
		{"conflict", &apperrors.StatusError{Service: "synapse", StatusCode: http.StatusConflict}},
		{"rate limited", &apperrors.StatusError{Service: "synapse", StatusCode: http.StatusTooManyRequests}},
		{"bad gateway", &apperrors.StatusError{Service: "synapse", StatusCode: http.StatusBadGateway}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := &flakyStore{failures: 2, err: tt.err}
			rec := &countingRecorder{}
			a := NewAnnotator(store, RetryConfig{Wait: time.Millisecond, Attempts: 5}, rec)

			err := a.Annotate(context.Background(), "1", map[string]string{"run_id": "r"}, StateInvalid)
			if err != nil {
				t.Fatalf("Annotate: %v", err)
			}
			if store.calls.Load() != 3 {
				t.Errorf("calls = %d, want 3", store.calls.Load())
			}
			if rec.n.Load() != 2 {
				t.Errorf("recorded retries = %d, want 2", rec.n.Load())
			}
			if store.state != StateInvalid || store.fields["run_id"] != "r" {
				t.Errorf("write not forwarded: %v %v", store.state, store.fields)
			}
		})
	}
}

func TestAnnotatorExhaustsRetries(t *testing.T) {
	t.Parallel()
	store := &flakyStore{failures: 100, err: &apperrors.StatusError{StatusCode: http.StatusServiceUnavailable}}
	a := NewAnnotator(store, RetryConfig{Wait: time.Millisecond, Attempts: 4}, nil)

	err := a.Annotate(context.Background(), "1", nil, "")
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if apperrors.StatusCode(err) != http.StatusServiceUnavailable {
		t.Errorf("last error not preserved: %v", err)
	}
	if store.calls.Load() != 4 {
		t.Errorf("calls = %d, want 4", store.calls.Load())
	}
}

func TestAnnotatorDoesNotRetryPermanentFailures(t *testing.T) {
	t.Parallel()
	store := &flakyStore{failures: 100, err: &apperrors.StatusError{StatusCode: http.StatusForbidden}}
	a := NewAnnotator(store, RetryConfig{Wait: time.Millisecond, Attempts: 4}, nil)

	if err := a.Annotate(context.Background(), "1", nil, ""); err == nil {
		t.Fatal("expected error")
	}
	if store.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", store.calls.Load())
	}
}

func TestAnnotatorDefaults(t *testing.T) {
	t.Parallel()
	cfg := RetryConfig{}.withDefaults()
	if cfg.Wait != 3*time.Second || cfg.Attempts != 10 || len(cfg.Codes) != len(DefaultRetryCodes) {
		t.Errorf("defaults = %+v", cfg)
	}
	want := []int{409, 412, 429, 500, 502, 503, 504}
	if !slices.Equal(DefaultRetryCodes, want) {
		t.Errorf("DefaultRetryCodes = %v, want %v", DefaultRetryCodes, want)
	}
}

func TestSubmissionHelpers(t *testing.T) {
	t.Parallel()
	tests := []struct {
		path string
		want string
	}{
		{"/data/workflow.CWL", ".cwl"},
		{"s3://bucket/inputs.yml?versionId=3", ".yml"},
		{"predictions.csv", ".csv"},
		{"", ""},
	}
	for _, tt := range tests {
		s := &Submission{FilePath: tt.path}
		if got := s.Extension(); got != tt.want {
			t.Errorf("Extension(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}

	merged := MergeAnnotations(map[string]string{"a": "1", "b": "2"}, map[string]string{"b": "3"})
	if merged["a"] != "1" || merged["b"] != "3" {
		t.Errorf("MergeAnnotations = %v", merged)
	}
}
