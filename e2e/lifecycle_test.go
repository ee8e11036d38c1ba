//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"wfinterop/internal/api"
	"wfinterop/internal/classify"
	"wfinterop/internal/config"
	"wfinterop/internal/dispatcher"
	"wfinterop/internal/health"
	"wfinterop/internal/lifecycle"
	"wfinterop/internal/materialize"
	"wfinterop/internal/reconcile"
	"wfinterop/internal/run"
	"wfinterop/internal/runlog"
	"wfinterop/internal/submission"
	"wfinterop/internal/submission/sqlite"
	"wfinterop/internal/testutil"
	"wfinterop/internal/trs"
	"wfinterop/internal/wes"
	"wfinterop/pkg/cloudevent"
)

const queueID = "9614112"

// wesServer is a minimal GA4GH WES endpoint.
type wesServer struct {
	mu     sync.Mutex
	runs   map[string]runlog.State
	params map[string]string
	next   int
}

func newWESServer(t *testing.T) (*wesServer, *httptest.Server) {
	t.Helper()
	w := &wesServer{runs: map[string]runlog.State{}, params: map[string]string{}}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ga4gh/wes/v1/service-info", func(rw http.ResponseWriter, r *http.Request) {
		writeJSON(rw, map[string]any{"workflow_type_versions": map[string]any{"CWL": []string{"v1.0"}}})
	})
	mux.HandleFunc("POST /ga4gh/wes/v1/runs", func(rw http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		w.mu.Lock()
		w.next++
		id := fmt.Sprintf("run-%d", w.next)
		w.runs[id] = runlog.StateRunning
		w.params[id] = r.FormValue("workflow_params")
		w.mu.Unlock()
		writeJSON(rw, map[string]string{"run_id": id})
	})
	mux.HandleFunc("GET /ga4gh/wes/v1/runs/{runId}/status", func(rw http.ResponseWriter, r *http.Request) {
		w.mu.Lock()
		state, ok := w.runs[r.PathValue("runId")]
		w.mu.Unlock()
		if !ok {
			http.NotFound(rw, r)
			return
		}
		writeJSON(rw, map[string]string{"run_id": r.PathValue("runId"), "state": string(state)})
	})
	mux.HandleFunc("GET /ga4gh/wes/v1/runs/{runId}", func(rw http.ResponseWriter, r *http.Request) {
		writeJSON(rw, map[string]any{
			"run_id":  r.PathValue("runId"),
			"run_log": map[string]string{"stderr": "boom", "stdout": ""},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return w, srv
}

func (w *wesServer) finishAll(state runlog.State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id := range w.runs {
		w.runs[id] = state
	}
}

func (w *wesServer) runCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.runs)
}

func writeJSON(rw http.ResponseWriter, v any) {
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(v)
}

// webhook collects delivered CloudEvents.
type webhook struct {
	mu     sync.Mutex
	events []cloudevent.CloudEvent
}

func (h *webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	var ev cloudevent.CloudEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
	rw.WriteHeader(http.StatusAccepted)
}

func (h *webhook) types(subject string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, ev := range h.events {
		if ev.Subject == subject {
			out = append(out, ev.Type)
		}
	}
	return out
}

type stack struct {
	store      *sqlite.Store
	queues     *config.Store
	controller *lifecycle.Controller
	reconciler *reconcile.Reconciler
	events     *dispatcher.MemoryDispatcher
	hook       *webhook
	api        *httptest.Server
}

func newStack(t *testing.T, wesURL string) *stack {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	store, err := sqlite.Open(ctx, filepath.Join(dir, "submissions.db"))
	if err != nil {
		t.Fatalf("sqlite.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	queues := config.NewMemoryStore(nil)
	if err := queues.AddWorkflowService("local", config.Service{Host: strings.TrimPrefix(wesURL, "http://"), Proto: "http"}); err != nil {
		t.Fatalf("AddWorkflowService() error = %v", err)
	}
	if err := queues.AddQueue(queueID, config.Queue{
		WorkflowType:        "CWL",
		WorkflowTypeVersion: "v1.0",
		WorkflowURL:         "https://example.org/workflows/main.cwl",
		WESDefault:          "local",
	}); err != nil {
		t.Fatalf("AddQueue() error = %v", err)
	}

	hook := &webhook{}
	hookSrv := httptest.NewServer(hook)
	t.Cleanup(hookSrv.Close)
	events := dispatcher.NewMemory(dispatcher.Config{Workers: 2}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		events.Close(ctx)
	})
	publisher := dispatcher.NewPublisher(events, dispatcher.PublisherConfig{URL: hookSrv.URL, SigningKey: "e2e"})

	services := wes.NewRegistry(queues, 0, nil)
	classifier, err := classify.New(filepath.Join(dir, "work"))
	if err != nil {
		t.Fatalf("classify.New() error = %v", err)
	}
	annotator := submission.NewAnnotator(store, submission.RetryConfig{Wait: 10 * time.Millisecond, Attempts: 3}, nil)

	s := &stack{store: store, queues: queues, events: events, hook: hook}
	s.controller = lifecycle.NewController(lifecycle.Config{
		Store:        store,
		Annotator:    annotator,
		Queues:       queues,
		Classifier:   classifier,
		Materializer: materialize.New(queues, nil),
		Runs:         run.NewDispatcher(queues, trs.NewResolver(queues, nil), services, run.Config{}),
		Notifier:     publisher,
	})
	s.reconciler = reconcile.New(reconcile.Config{
		Store:     store,
		Annotator: annotator,
		Queues:    queues,
		Services:  services,
		Notifier:  publisher,
	})

	checker := health.NewChecker().
		Add("store", store.Ping).
		Add("wes:local", func(ctx context.Context) error {
			c, err := services.Client("local")
			if err != nil {
				return err
			}
			return c.Ready(ctx)
		})
	s.api = httptest.NewServer(api.NewRouter(api.RouterConfig{
		Runner:        s.controller,
		Reconciler:    s.reconciler,
		Queues:        queues,
		Submissions:   store,
		HealthChecker: checker,
	}))
	t.Cleanup(s.api.Close)
	return s
}

func (s *stack) post(t *testing.T, path string, body any, out any) int {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(s.api.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (s *stack) submissionView(t *testing.T, id string) api.SubmissionView {
	t.Helper()
	resp, err := http.Get(s.api.URL + "/v1/submissions/" + id)
	if err != nil {
		t.Fatalf("GET submission: %v", err)
	}
	defer resp.Body.Close()
	var view api.SubmissionView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode submission: %v", err)
	}
	return view
}

func writeInput(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(`{"input": {"class": "File", "path": "data.csv"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadyz(t *testing.T) {
	_, wesSrv := newWESServer(t)
	s := newStack(t, wesSrv.URL)

	resp, err := http.Get(s.api.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readyz = %d, want 200", resp.StatusCode)
	}
}

func TestSubmissionLifecycle(t *testing.T) {
	fake, wesSrv := newWESServer(t)
	s := newStack(t, wesSrv.URL)

	var sub submission.Submission
	if code := s.post(t, "/v1/queues/"+queueID+"/submissions", map[string]string{"filePath": writeInput(t, "input.json")}, &sub); code != http.StatusCreated {
		t.Fatalf("create submission = %d", code)
	}

	var pass api.PassResponse
	if code := s.post(t, "/v1/queues/"+queueID+"/run", map[string]string{}, &pass); code != http.StatusOK {
		t.Fatalf("run = %d: %+v", code, pass)
	}
	rl := pass.Runs[sub.ID]
	if rl == nil || rl.RunID != "run-1" || rl.StartTime == nil {
		t.Fatalf("run log = %+v", rl)
	}
	if view := s.submissionView(t, sub.ID); view.Status != submission.StateInProgress {
		t.Fatalf("status after run = %s", view.Status)
	}

	// Nothing left to claim.
	if code := s.post(t, "/v1/queues/"+queueID+"/run", map[string]string{}, &pass); code != http.StatusOK || len(pass.Runs) != 0 {
		t.Fatalf("second run = %d: %+v", code, pass)
	}

	if code := s.post(t, "/v1/queues/"+queueID+"/reconcile", nil, &pass); code != http.StatusOK {
		t.Fatalf("reconcile = %d", code)
	}
	if got := pass.Runs[sub.ID].Status; got != runlog.StateRunning {
		t.Fatalf("state while running = %s", got)
	}

	fake.finishAll(runlog.StateComplete)
	if code := s.post(t, "/v1/queues/"+queueID+"/reconcile", nil, &pass); code != http.StatusOK {
		t.Fatalf("reconcile = %d", code)
	}
	view := s.submissionView(t, sub.ID)
	if view.Status != submission.StateAccepted {
		t.Errorf("final status = %s, want %s", view.Status, submission.StateAccepted)
	}
	if view.RunLog == nil || view.RunLog.Status != runlog.StateComplete || view.RunLog.WESID != "local" {
		t.Errorf("final run log = %+v", view.RunLog)
	}

	testutil.MustWaitFor(t, func() bool { return len(s.hook.types(sub.ID)) >= 3 }, testutil.WithTimeout(5*time.Second))
	want := []string{lifecycle.EventTypeClaimed, lifecycle.EventTypeDispatched, reconcile.EventTypeTerminal}
	got := s.hook.types(sub.ID)
	for _, typ := range want {
		found := false
		for _, g := range got {
			found = found || g == typ
		}
		if !found {
			t.Errorf("events %v missing %s", got, typ)
		}
	}
}

func TestExecutorErrorMarksInvalid(t *testing.T) {
	fake, wesSrv := newWESServer(t)
	s := newStack(t, wesSrv.URL)

	var sub submission.Submission
	s.post(t, "/v1/queues/"+queueID+"/submissions", map[string]string{"filePath": writeInput(t, "input.json")}, &sub)
	var pass api.PassResponse
	s.post(t, "/v1/queues/"+queueID+"/run", map[string]string{}, &pass)

	fake.finishAll(runlog.StateExecutorError)
	s.post(t, "/v1/queues/"+queueID+"/reconcile", nil, &pass)

	view := s.submissionView(t, sub.ID)
	if view.Status != submission.StateInvalid {
		t.Fatalf("status = %s, want INVALID", view.Status)
	}
	if view.RunLog == nil || view.RunLog.Stderr == nil || *view.RunLog.Stderr != "boom" {
		t.Errorf("run log = %+v, want stderr from the service", view.RunLog)
	}
}

func TestUnsupportedSubmissionRejected(t *testing.T) {
	_, wesSrv := newWESServer(t)
	s := newStack(t, wesSrv.URL)

	var sub submission.Submission
	s.post(t, "/v1/queues/"+queueID+"/submissions", map[string]string{"entityId": "syn123"}, &sub)

	var pass api.PassResponse
	if code := s.post(t, "/v1/queues/"+queueID+"/run", map[string]string{}, &pass); code != http.StatusOK {
		t.Fatalf("run = %d", code)
	}
	if len(pass.Rejected) != 1 || pass.Rejected[0].SubmissionID != sub.ID {
		t.Errorf("rejected = %+v", pass.Rejected)
	}
	if view := s.submissionView(t, sub.ID); view.Status != submission.StateInvalid {
		t.Errorf("status = %s, want INVALID", view.Status)
	}
}

func TestConcurrentControllersClaimOnce(t *testing.T) {
	fake, wesSrv := newWESServer(t)
	s := newStack(t, wesSrv.URL)

	const n = 10
	ctx := context.Background()
	for i := range n {
		if _, err := s.store.CreateSubmission(ctx, submission.NewSubmission{
			QueueID:  queueID,
			FilePath: writeInput(t, fmt.Sprintf("input-%d.json", i)),
		}); err != nil {
			t.Fatalf("CreateSubmission() error = %v", err)
		}
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runs, err := s.controller.RunQueue(ctx, queueID, "", run.Options{})
			if err != nil {
				t.Errorf("RunQueue() error = %v", err)
			}
			mu.Lock()
			total += len(runs)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != n {
		t.Errorf("dispatched across controllers = %d, want %d", total, n)
	}
	if got := fake.runCount(); got != n {
		t.Errorf("runs submitted = %d, want %d", got, n)
	}
}
