// Package synapse implements the submission store against the Synapse
// evaluation-queue REST API.
package synapse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"wfinterop/internal/apperrors"
	"wfinterop/internal/submission"
)

const pageSize = 100

var _ submission.Store = (*Client)(nil)

// Config configures a Client.
type Config struct {
	BaseURL     string // e.g. https://repo-prod.prod.sagebase.org/repo/v1
	Token       string // personal access token
	DownloadDir string // where submitted files are fetched to
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// Client talks to Synapse.
type Client struct {
	rest        *resty.Client
	files       *resty.Client // presigned file URLs carry their own credentials
	downloadDir string
	logger      *slog.Logger
}

// New creates a Synapse client.
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	rest := resty.NewWithClient(hc).
		SetBaseURL(cfg.BaseURL).
		SetHeader("Accept", "application/json")
	if cfg.Timeout > 0 {
		rest.SetTimeout(cfg.Timeout)
	}
	if cfg.Token != "" {
		rest.SetAuthToken(cfg.Token)
	}
	dir := cfg.DownloadDir
	if dir == "" {
		dir = os.TempDir()
	}
	return &Client{
		rest:        rest,
		files:       resty.NewWithClient(hc),
		downloadDir: dir,
		logger:      slog.With("component", "synapse"),
	}
}

type annotationValue struct {
	Type  string   `json:"type"`
	Value []string `json:"value"`
}

type annotations struct {
	ID          string                     `json:"id,omitempty"`
	Etag        string                     `json:"etag,omitempty"`
	Annotations map[string]annotationValue `json:"annotations"`
}

type submissionStatus struct {
	ID                    string       `json:"id"`
	Etag                  string       `json:"etag"`
	Status                string       `json:"status"`
	ModifiedOn            time.Time    `json:"modifiedOn"`
	EntityID              string       `json:"entityId,omitempty"`
	VersionNumber         int64        `json:"versionNumber,omitempty"`
	StatusVersion         int64        `json:"statusVersion,omitempty"`
	SubmissionAnnotations *annotations `json:"submissionAnnotations,omitempty"`
}

type remoteSubmission struct {
	ID                   string    `json:"id"`
	EvaluationID         string    `json:"evaluationId"`
	EntityID             string    `json:"entityId"`
	VersionNumber        int64     `json:"versionNumber"`
	DockerRepositoryName string    `json:"dockerRepositoryName"`
	DockerDigest         string    `json:"dockerDigest"`
	CreatedOn            time.Time `json:"createdOn"`
	EntityBundleJSON     string    `json:"entityBundleJSON"`
}

type entityBundle struct {
	FileHandles []struct {
		ID       string `json:"id"`
		FileName string `json:"fileName"`
	} `json:"fileHandles"`
}

type paginatedStatuses struct {
	Results              []submissionStatus `json:"results"`
	TotalNumberOfResults int                `json:"totalNumberOfResults"`
}

func statusError(op string, resp *resty.Response) error {
	return &apperrors.StatusError{
		Service:    "synapse",
		Op:         op,
		StatusCode: resp.StatusCode(),
		Body:       resp.String(),
	}
}

// GetSubmission fetches a submission. File submissions are downloaded so
// that FilePath points at a local copy named as submitted.
func (c *Client) GetSubmission(ctx context.Context, id string) (*submission.Submission, error) {
	var rs remoteSubmission
	resp, err := c.rest.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&rs).
		Get("/evaluation/submission/{id}")
	if err != nil {
		return nil, fmt.Errorf("get submission %s: %w", id, err)
	}
	if resp.IsError() {
		return nil, statusError("getSubmission", resp)
	}

	sub := &submission.Submission{
		ID:                   rs.ID,
		QueueID:              rs.EvaluationID,
		EntityID:             rs.EntityID,
		DockerRepositoryName: rs.DockerRepositoryName,
		DockerDigest:         rs.DockerDigest,
		CreatedOn:            rs.CreatedOn,
	}
	if sub.IsDocker() || rs.EntityBundleJSON == "" {
		return sub, nil
	}

	var bundle entityBundle
	if err := json.Unmarshal([]byte(rs.EntityBundleJSON), &bundle); err != nil {
		return nil, fmt.Errorf("decode entity bundle of %s: %w", id, err)
	}
	if len(bundle.FileHandles) == 0 {
		return sub, nil
	}
	fh := bundle.FileHandles[0]
	path, err := c.download(ctx, id, fh.ID, fh.FileName)
	if err != nil {
		return nil, err
	}
	sub.FilePath = path
	return sub, nil
}

func (c *Client) download(ctx context.Context, id, fileHandleID, fileName string) (string, error) {
	dir := filepath.Join(c.downloadDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create download directory: %w", err)
	}
	dest := filepath.Join(dir, filepath.Base(fileName))
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	resp, err := c.rest.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"id": id, "fh": fileHandleID}).
		SetQueryParam("redirect", "false").
		Get("/evaluation/submission/{id}/file/{fh}")
	if err != nil {
		return "", fmt.Errorf("get file url of %s: %w", id, err)
	}
	if resp.IsError() {
		return "", statusError("getFileURL", resp)
	}

	tmp := dest + ".part"
	dl, err := c.files.R().SetContext(ctx).SetOutput(tmp).Get(resp.String())
	if err != nil {
		return "", fmt.Errorf("download submission %s: %w", id, err)
	}
	if dl.IsError() {
		os.Remove(tmp)
		return "", statusError("downloadFile", dl)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return "", fmt.Errorf("store download of %s: %w", id, err)
	}
	c.logger.Info("Downloaded submission file", "submissionId", id, "path", dest)
	return dest, nil
}

func (c *Client) getRemoteStatus(ctx context.Context, id string) (*submissionStatus, error) {
	var st submissionStatus
	resp, err := c.rest.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&st).
		Get("/evaluation/submission/{id}/status")
	if err != nil {
		return nil, fmt.Errorf("get status %s: %w", id, err)
	}
	if resp.IsError() {
		return nil, statusError("getStatus", resp)
	}
	return &st, nil
}

// GetStatus returns the status with annotations flattened to strings.
func (c *Client) GetStatus(ctx context.Context, id string) (*submission.Status, error) {
	st, err := c.getRemoteStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	return toStatus(st), nil
}

func toStatus(st *submissionStatus) *submission.Status {
	out := &submission.Status{
		ID:          st.ID,
		Etag:        st.Etag,
		Status:      submission.State(st.Status),
		ModifiedOn:  st.ModifiedOn,
		Annotations: map[string]string{},
	}
	if st.SubmissionAnnotations != nil {
		for k, v := range st.SubmissionAnnotations.Annotations {
			if len(v.Value) > 0 {
				out.Annotations[k] = v.Value[0]
			}
		}
	}
	return out
}

// StoreStatus writes the status; Synapse rejects stale etags with 412.
func (c *Client) StoreStatus(ctx context.Context, st *submission.Status) (*submission.Status, error) {
	current, err := c.getRemoteStatus(ctx, st.ID)
	if err != nil {
		return nil, err
	}
	body := *current
	body.Etag = st.Etag
	body.Status = string(st.Status)
	body.SubmissionAnnotations = toAnnotations(current.SubmissionAnnotations, st.Annotations)

	var updated submissionStatus
	resp, err := c.rest.R().
		SetContext(ctx).
		SetPathParam("id", st.ID).
		SetBody(&body).
		SetResult(&updated).
		Put("/evaluation/submission/{id}/status")
	if err != nil {
		return nil, fmt.Errorf("store status %s: %w", st.ID, err)
	}
	if resp.IsError() {
		return nil, statusError("storeStatus", resp)
	}
	return toStatus(&updated), nil
}

func toAnnotations(prev *annotations, fields map[string]string) *annotations {
	out := &annotations{Annotations: make(map[string]annotationValue, len(fields))}
	if prev != nil {
		out.ID = prev.ID
		out.Etag = prev.Etag
	}
	for k, v := range fields {
		out.Annotations[k] = annotationValue{Type: "STRING", Value: []string{v}}
	}
	return out
}

// ListSubmissions pages through the queue's statuses filtered by state.
func (c *Client) ListSubmissions(ctx context.Context, queueID string, state submission.State) ([]string, error) {
	var ids []string
	for offset := 0; ; offset += pageSize {
		var page paginatedStatuses
		resp, err := c.rest.R().
			SetContext(ctx).
			SetPathParam("evalId", queueID).
			SetQueryParams(map[string]string{
				"status": string(state),
				"limit":  strconv.Itoa(pageSize),
				"offset": strconv.Itoa(offset),
			}).
			SetResult(&page).
			Get("/evaluation/{evalId}/submission/status/all")
		if err != nil {
			return nil, fmt.Errorf("list submissions of %s: %w", queueID, err)
		}
		if resp.IsError() {
			return nil, statusError("listSubmissions", resp)
		}
		for _, st := range page.Results {
			ids = append(ids, st.ID)
		}
		if len(page.Results) < pageSize || offset+pageSize >= page.TotalNumberOfResults {
			return ids, nil
		}
	}
}

// Annotate merges fields into the submission annotations.
func (c *Client) Annotate(ctx context.Context, id string, fields map[string]string, state submission.State) error {
	st, err := c.GetStatus(ctx, id)
	if err != nil {
		return err
	}
	st.Annotations = submission.MergeAnnotations(st.Annotations, fields)
	if state != "" {
		st.Status = state
	}
	_, err = c.StoreStatus(ctx, st)
	return err
}

// Ping checks that the service answers.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.rest.R().SetContext(ctx).Get("/version")
	if err != nil {
		return fmt.Errorf("synapse ping: %w", err)
	}
	if resp.IsError() {
		return statusError("version", resp)
	}
	return nil
}
