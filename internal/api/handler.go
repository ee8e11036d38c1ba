// Package api serves probes and manual queue passes over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"wfinterop/internal/apperrors"
	"wfinterop/internal/config"
	"wfinterop/internal/health"
	"wfinterop/internal/lifecycle"
	"wfinterop/internal/run"
	"wfinterop/internal/runlog"
	"wfinterop/internal/scheduler"
	"wfinterop/internal/submission"
)

// maxRequestBodySize limits request bodies to 1MB.
const maxRequestBodySize = 1 << 20

// QueueRunner dispatches a queue's received submissions.
type QueueRunner interface {
	RunQueue(ctx context.Context, queueID, wesID string, opts run.Options) (map[string]*runlog.RunLog, error)
}

// Reconciler reconciles a queue's in-progress submissions.
type Reconciler interface {
	Reconcile(ctx context.Context, queueID string) (map[string]*runlog.RunLog, error)
}

// QueueConfig is the part of the config store the API reads.
type QueueConfig interface {
	Queue(queueID string) (config.Queue, error)
	QueueIDs(includeEphemeral bool) []string
}

// SummarySource returns the last scheduled pass of a queue.
type SummarySource interface {
	LastSummary(queueID string) (scheduler.Summary, bool)
}

// Handler contains the HTTP handlers.
type Handler struct {
	runner      QueueRunner
	reconciler  Reconciler
	queues      QueueConfig
	summaries   SummarySource
	submissions submission.Store
	health      *health.Checker
}

// RunRequest is the body of POST /v1/queues/{queueId}/run. All fields are
// optional.
type RunRequest struct {
	WESID       string            `json:"wesId,omitempty"`
	Attachments []string          `json:"attachments,omitempty"`
	Parts       map[string]string `json:"parts,omitempty"`
}

// PassResponse reports one queue pass.
type PassResponse struct {
	QueueID  string                    `json:"queueId"`
	Runs     map[string]*runlog.RunLog `json:"runs"`
	Rejected []Rejection               `json:"rejected,omitempty"`
	Error    string                    `json:"error,omitempty"`
}

// Rejection is a submission that could not be dispatched.
type Rejection struct {
	SubmissionID string `json:"submissionId"`
	Error        string `json:"error"`
}

// QueueView is one entry of GET /v1/queues.
type QueueView struct {
	ID          string             `json:"id"`
	Config      config.Queue       `json:"config"`
	LastSummary *scheduler.Summary `json:"lastSummary,omitempty"`
}

// SubmissionView is the response of GET /v1/submissions/{submissionId}.
type SubmissionView struct {
	Submission *submission.Submission `json:"submission"`
	Status     submission.State       `json:"status"`
	ModifiedOn time.Time              `json:"modifiedOn"`
	RunLog     *runlog.RunLog         `json:"runLog,omitempty"`
}

// CreateSubmissionRequest is the body of POST /v1/queues/{queueId}/submissions.
type CreateSubmissionRequest struct {
	EntityID             string `json:"entityId,omitempty"`
	FilePath             string `json:"filePath,omitempty"`
	DockerRepositoryName string `json:"dockerRepositoryName,omitempty"`
	DockerDigest         string `json:"dockerDigest,omitempty"`
}

// CreateSubmission handles POST /v1/queues/{queueId}/submissions. Only
// stores that accept direct submissions support it.
func (h *Handler) CreateSubmission(w http.ResponseWriter, r *http.Request) {
	creator, ok := h.submissions.(submission.Creator)
	if !ok {
		h.writeError(w, http.StatusNotImplemented, "submission store does not accept direct submissions")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req CreateSubmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	sub, err := creator.CreateSubmission(r.Context(), submission.NewSubmission{
		QueueID:              r.PathValue("queueId"),
		EntityID:             req.EntityID,
		FilePath:             req.FilePath,
		DockerRepositoryName: req.DockerRepositoryName,
		DockerDigest:         req.DockerDigest,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, sub)
}

// GetSubmission handles GET /v1/submissions/{submissionId}.
func (h *Handler) GetSubmission(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("submissionId")
	sub, err := h.submissions.GetSubmission(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	st, err := h.submissions.GetStatus(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	view := SubmissionView{Submission: sub, Status: st.Status, ModifiedOn: st.ModifiedOn}
	if rl, err := runlog.FromAnnotations(st.Annotations); err == nil {
		view.RunLog = rl
	}
	h.writeJSON(w, http.StatusOK, view)
}

// ListQueues handles GET /v1/queues.
func (h *Handler) ListQueues(w http.ResponseWriter, r *http.Request) {
	includeEphemeral := r.URL.Query().Get("ephemeral") == "true"
	ids := h.queues.QueueIDs(includeEphemeral)
	views := make([]QueueView, 0, len(ids))
	for _, id := range ids {
		q, err := h.queues.Queue(id)
		if err != nil {
			continue
		}
		view := QueueView{ID: id, Config: q}
		if h.summaries != nil {
			if s, ok := h.summaries.LastSummary(id); ok {
				view.LastSummary = &s
			}
		}
		views = append(views, view)
	}
	h.writeJSON(w, http.StatusOK, views)
}

// RunQueue handles POST /v1/queues/{queueId}/run.
func (h *Handler) RunQueue(w http.ResponseWriter, r *http.Request) {
	queueID := r.PathValue("queueId")
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req RunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
			return
		}
	}
	if _, err := h.queues.Queue(queueID); err != nil {
		h.handleError(w, r, err)
		return
	}

	runs, err := h.runner.RunQueue(r.Context(), queueID, req.WESID, run.Options{
		ExtraAttachments: req.Attachments,
		Parts:            req.Parts,
	})
	h.writePass(w, r, queueID, runs, err)
}

// Reconcile handles POST /v1/queues/{queueId}/reconcile.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	queueID := r.PathValue("queueId")
	if _, err := h.queues.Queue(queueID); err != nil {
		h.handleError(w, r, err)
		return
	}
	runs, err := h.reconciler.Reconcile(r.Context(), queueID)
	h.writePass(w, r, queueID, runs, err)
}

// writePass reports a pass. Rejected submissions do not fail the request;
// any other error does, with the partial results in the body.
func (h *Handler) writePass(w http.ResponseWriter, r *http.Request, queueID string, runs map[string]*runlog.RunLog, err error) {
	resp := PassResponse{QueueID: queueID, Runs: runs}
	if resp.Runs == nil {
		resp.Runs = map[string]*runlog.RunLog{}
	}
	rejected, fatal := splitPassError(err)
	for _, e := range rejected {
		resp.Rejected = append(resp.Rejected, Rejection{SubmissionID: e.SubmissionID, Error: e.Err.Error()})
	}
	status := http.StatusOK
	if fatal != nil {
		status = apperrors.HTTPStatus(fatal)
		resp.Error = fatal.Error()
		slog.WarnContext(r.Context(), "Queue pass failed", "queueId", queueID, "status", status, "error", fatal)
	}
	h.writeJSON(w, status, resp)
}

func splitPassError(err error) (rejected []*lifecycle.SubmissionError, fatal error) {
	if err == nil {
		return nil, nil
	}
	errs := []error{err}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	}
	var others []error
	for _, e := range errs {
		var subErr *lifecycle.SubmissionError
		if errors.As(e, &subErr) && !errors.Is(e, context.Canceled) {
			rejected = append(rejected, subErr)
			continue
		}
		others = append(others, e)
	}
	return rejected, errors.Join(others...)
}

// Livez handles GET /livez.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz handles GET /readyz. Returns 503 when a dependency is down.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())
	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, response)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
