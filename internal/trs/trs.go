// Package trs resolves workflow documents through GA4GH Tool Registry
// Service endpoints.
package trs

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"wfinterop/internal/apperrors"
	"wfinterop/internal/config"
)

const (
	basePath      = "/api/ga4gh/v2"
	defaultTRSID  = "dockstore"
	workflowLabel = "#workflow/"
)

// RegistrySource looks up tool registry endpoints by id.
type RegistrySource interface {
	ToolRegistry(trsID string) (config.Service, error)
}

// Descriptor is a workflow document entry.
type Descriptor struct {
	URL     string `json:"url"`
	Content string `json:"content,omitempty"`
}

// Resolver turns a queue's registry coordinates into a workflow URL.
type Resolver struct {
	source RegistrySource
	hc     *http.Client
}

// NewResolver creates a Resolver. httpClient may be nil.
func NewResolver(source RegistrySource, httpClient *http.Client) *Resolver {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Resolver{source: source, hc: httpClient}
}

// WorkflowID prefixes id with the TRS workflow class unless present.
func WorkflowID(id string) string {
	if strings.HasPrefix(id, workflowLabel) {
		return id
	}
	return workflowLabel + id
}

// descriptorType maps a workflow language to its TRS descriptor type.
func descriptorType(workflowType string) string {
	switch strings.ToUpper(workflowType) {
	case "", "CWL":
		return "CWL"
	case "WDL":
		return "WDL"
	case "NFL", "NEXTFLOW":
		return "NFL"
	default:
		return strings.ToUpper(workflowType)
	}
}

// GetDescriptor fetches the primary descriptor of a workflow version.
func (r *Resolver) GetDescriptor(ctx context.Context, trsID, workflowID, versionID, workflowType string) (*Descriptor, error) {
	if trsID == "" {
		trsID = defaultTRSID
	}
	svc, err := r.source.ToolRegistry(trsID)
	if err != nil {
		return nil, err
	}
	client := resty.NewWithClient(r.hc).SetBaseURL(strings.TrimRight(svc.BaseURL(), "/") + basePath)
	for k, v := range svc.Auth {
		if v != "" {
			client.SetHeader(k, v)
		}
	}

	var d Descriptor
	resp, err := client.R().
		SetContext(ctx).
		SetPathParams(map[string]string{
			"id":      WorkflowID(workflowID),
			"version": versionID,
			"type":    descriptorType(workflowType),
		}).
		SetResult(&d).
		Get("/tools/{id}/versions/{version}/{type}/descriptor")
	if err != nil {
		return nil, fmt.Errorf("get descriptor of %s: %w", workflowID, err)
	}
	if resp.IsError() {
		return nil, &apperrors.StatusError{Service: "trs", Op: "getDescriptor", StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	if d.URL == "" {
		return nil, apperrors.NotFound("workflow descriptor", workflowID)
	}
	return &d, nil
}

// ResolveWorkflow returns the workflow URL of q, resolving it through the
// queue's tool registry when unset.
func (r *Resolver) ResolveWorkflow(ctx context.Context, q config.Queue) (string, error) {
	if q.WorkflowURL != "" {
		return q.WorkflowURL, nil
	}
	if q.WorkflowID == "" {
		return "", apperrors.Validation("workflowId", "queue has neither a workflow URL nor a workflow ID")
	}
	d, err := r.GetDescriptor(ctx, q.TRSID, q.WorkflowID, q.VersionID, q.WorkflowType)
	if err != nil {
		return "", err
	}
	return d.URL, nil
}
