// Package wes is a client for GA4GH Workflow Execution Service endpoints.
package wes

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"wfinterop/internal/apperrors"
	"wfinterop/internal/runlog"
)

const basePath = "/ga4gh/wes/v1"

// Service is the subset of WES the orchestrator uses.
type Service interface {
	RunWorkflow(ctx context.Context, req *RunRequest) (*RunResponse, error)
	GetRunStatus(ctx context.Context, runID string) (runlog.State, error)
	GetRunStderr(ctx context.Context, runID string) (string, error)
	GetRunStdout(ctx context.Context, runID string) (string, error)
}

// RunResponse is the reply to a run submission.
type RunResponse struct {
	RunID string       `json:"run_id"`
	State runlog.State `json:"state,omitempty"`
}

type runStatus struct {
	RunID string       `json:"run_id"`
	State runlog.State `json:"state"`
}

type runLog struct {
	RunID  string       `json:"run_id"`
	State  runlog.State `json:"state"`
	RunLog struct {
		Stderr string `json:"stderr"`
		Stdout string `json:"stdout"`
	} `json:"run_log"`
}

// ClientConfig configures a Client.
type ClientConfig struct {
	ID                string
	BaseURL           string
	Headers           map[string]string
	RequestsPerSecond float64
	Timeout           time.Duration
	HTTPClient        *http.Client
}

// Client talks to one WES endpoint.
type Client struct {
	id      string
	rest    *resty.Client
	plain   *resty.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

var _ Service = (*Client)(nil)

// NewClient creates a client for cfg.BaseURL.
func NewClient(cfg ClientConfig) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	rest := resty.NewWithClient(hc).
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/") + basePath).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	for k, v := range cfg.Headers {
		if v != "" {
			rest.SetHeader(k, v)
		}
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Client{
		id:      cfg.ID,
		rest:    rest,
		plain:   resty.NewWithClient(hc).SetTimeout(timeout),
		limiter: rate.NewLimiter(limit, 1),
		logger:  slog.With("component", "wes", "wesId", cfg.ID),
	}
}

func (c *Client) request(ctx context.Context) (*resty.Request, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.rest.R().SetContext(ctx), nil
}

func statusError(op string, resp *resty.Response) error {
	return &apperrors.StatusError{
		Service:    "wes",
		Op:         op,
		StatusCode: resp.StatusCode(),
		Body:       resp.String(),
	}
}

// RunWorkflow submits a run. Any failure yields a response carrying
// runlog.FailedRunID together with the error.
func (c *Client) RunWorkflow(ctx context.Context, req *RunRequest) (*RunResponse, error) {
	failed := &RunResponse{RunID: runlog.FailedRunID}

	fields, files, err := c.buildForm(ctx, req)
	if err != nil {
		return failed, err
	}
	r, err := c.request(ctx)
	if err != nil {
		return failed, err
	}
	r.SetMultipartFormData(fields)
	for _, f := range files {
		r.SetMultipartField("workflow_attachment", f.name, "application/octet-stream", bytes.NewReader(f.content))
	}

	var out RunResponse
	resp, err := r.SetResult(&out).Post("/runs")
	if err != nil {
		return failed, fmt.Errorf("submit run: %w", err)
	}
	if resp.IsError() {
		return failed, statusError("runWorkflow", resp)
	}
	if out.RunID == "" {
		return failed, fmt.Errorf("submit run: empty run_id in response")
	}
	c.logger.Info("Run submitted", "runId", out.RunID, "workflowUrl", fields["workflow_url"])
	return &out, nil
}

// GetRunStatus returns the current state of runID.
func (c *Client) GetRunStatus(ctx context.Context, runID string) (runlog.State, error) {
	r, err := c.request(ctx)
	if err != nil {
		return "", err
	}
	var out runStatus
	resp, err := r.SetPathParam("runId", runID).SetResult(&out).Get("/runs/{runId}/status")
	if err != nil {
		return "", fmt.Errorf("get run status %s: %w", runID, err)
	}
	if resp.IsError() {
		return "", statusError("getRunStatus", resp)
	}
	return out.State, nil
}

func (c *Client) getRunLog(ctx context.Context, runID string) (*runLog, error) {
	r, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	var out runLog
	resp, err := r.SetPathParam("runId", runID).SetResult(&out).Get("/runs/{runId}")
	if err != nil {
		return nil, fmt.Errorf("get run log %s: %w", runID, err)
	}
	if resp.IsError() {
		return nil, statusError("getRunLog", resp)
	}
	return &out, nil
}

// GetRunStderr returns the run's stderr, following it when the service
// reports a URL.
func (c *Client) GetRunStderr(ctx context.Context, runID string) (string, error) {
	l, err := c.getRunLog(ctx, runID)
	if err != nil {
		return "", err
	}
	return c.resolveLog(ctx, l.RunLog.Stderr)
}

// GetRunStdout returns the run's stdout, following it when the service
// reports a URL.
func (c *Client) GetRunStdout(ctx context.Context, runID string) (string, error) {
	l, err := c.getRunLog(ctx, runID)
	if err != nil {
		return "", err
	}
	return c.resolveLog(ctx, l.RunLog.Stdout)
}

func (c *Client) resolveLog(ctx context.Context, v string) (string, error) {
	if !strings.HasPrefix(v, "http://") && !strings.HasPrefix(v, "https://") {
		return v, nil
	}
	data, err := c.readLocator(ctx, v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Ready checks the service-info endpoint.
func (c *Client) Ready(ctx context.Context) error {
	r, err := c.request(ctx)
	if err != nil {
		return err
	}
	resp, err := r.Get("/service-info")
	if err != nil {
		return fmt.Errorf("wes %s service-info: %w", c.id, err)
	}
	if resp.IsError() {
		return statusError("serviceInfo", resp)
	}
	return nil
}
