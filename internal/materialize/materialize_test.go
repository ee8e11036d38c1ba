package materialize

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"wfinterop/internal/classify"
	"wfinterop/internal/config"
	"wfinterop/internal/submission"
)

type fakeImages struct {
	mu      sync.Mutex
	present map[string]bool
	pulls   []string
	pullErr error
}

func (f *fakeImages) inspect(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.present[ref] {
		return nil
	}
	return errors.New("No such image")
}

func (f *fakeImages) pull(_ context.Context, ref string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	f.pulls = append(f.pulls, ref)
	return io.NopCloser(strings.NewReader(`{"status":"Downloaded"}`)), nil
}

func (f *fakeImages) ping(context.Context) error { return nil }
func (f *fakeImages) close() error               { return nil }

func TestMaterializeDockerPlan(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := config.NewMemoryStore(nil)
	if err := store.AddQueue("9614", config.Queue{
		WorkflowURL: "file:///queue.cwl",
		WESDefault:  "remote",
		WESOpts:     []string{"remote", "local"},
		TargetQueue: "9615",
	}); err != nil {
		t.Fatal(err)
	}

	c, err := classify.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	plan, err := c.Classify(dockerSubmission("9731001"), "9614")
	if err != nil {
		t.Fatal(err)
	}

	images := &fakeImages{present: map[string]bool{}}
	m := New(store, &DockerPuller{api: images, logger: nopLogger()})
	if err := m.Materialize(ctx, plan); err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	for _, doc := range plan.Documents {
		data, err := os.ReadFile(doc.Path)
		if err != nil {
			t.Fatalf("document %s not written: %v", doc.Path, err)
		}
		if string(data) != string(doc.Content) {
			t.Errorf("document %s content mismatch", doc.Path)
		}
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(plan.Documents[0].Path), classify.ValidateAndScoreFile)); err != nil {
		t.Errorf("scoring document must sit next to the workflow: %v", err)
	}

	q, err := store.Queue("9731001")
	if err != nil {
		t.Fatalf("ephemeral queue not registered: %v", err)
	}
	if !q.Ephemeral || q.WESDefault != "remote" || len(q.WESOpts) != 2 || q.TargetQueue != "9615" {
		t.Errorf("ephemeral queue did not inherit caller settings: %+v", q)
	}
	if len(images.pulls) != 1 || images.pulls[0] != plan.Image {
		t.Errorf("pulls = %v", images.pulls)
	}
}

func TestMaterializeSkipsPresentImageAndToleratesPullFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := config.NewMemoryStore(nil)
	c, _ := classify.New(t.TempDir())
	plan, err := c.Classify(dockerSubmission("1"), "unknown-queue")
	if err != nil {
		t.Fatal(err)
	}

	present := &fakeImages{present: map[string]bool{plan.Image: true}}
	if err := New(store, &DockerPuller{api: present, logger: nopLogger()}).Materialize(ctx, plan); err != nil {
		t.Fatal(err)
	}
	if len(present.pulls) != 0 {
		t.Errorf("present image pulled again: %v", present.pulls)
	}

	failing := &fakeImages{present: map[string]bool{}, pullErr: errors.New("registry down")}
	if err := New(store, &DockerPuller{api: failing, logger: nopLogger()}).Materialize(ctx, plan); err != nil {
		t.Errorf("pull failure must not fail materialization: %v", err)
	}
}

func TestMaterializePassThroughPlan(t *testing.T) {
	t.Parallel()
	store := config.NewMemoryStore(nil)
	plan := &classify.Plan{Kind: classify.KindPayload, QueueID: "q", CallerQueueID: "q", WorkflowInput: "/data/in.json"}
	if err := New(store, nil).Materialize(context.Background(), plan); err != nil {
		t.Fatal(err)
	}
	if ids := store.QueueIDs(true); len(ids) != 0 {
		t.Errorf("no queue should be registered, got %v", ids)
	}
}

func dockerSubmission(id string) *submission.Submission {
	return &submission.Submission{
		ID:                   id,
		DockerRepositoryName: "docker.synapse.org/syn123/model",
		DockerDigest:         "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
	}
}

func nopLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }
