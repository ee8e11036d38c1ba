package wes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// RunRequest is a workflow run to submit.
type RunRequest struct {
	WorkflowURL         string
	WorkflowParams      string // locator of a JSON/YAML parameters document
	WorkflowType        string
	WorkflowTypeVersion string
	Attachments         []string
	EngineParameters    map[string]string
	// Parts are extra form fields passed through unchanged.
	Parts map[string]string
}

type attachment struct {
	name    string
	content []byte
}

// isFileLocator reports whether loc names a local file.
func isFileLocator(loc string) bool {
	u, err := url.Parse(loc)
	return err != nil || u.Scheme == "" || u.Scheme == "file" || len(u.Scheme) == 1
}

func localPath(loc string) string {
	if strings.HasPrefix(loc, "file://") {
		if u, err := url.Parse(loc); err == nil {
			return u.Path
		}
		return strings.TrimPrefix(loc, "file://")
	}
	return loc
}

// readLocator loads the content behind a file path, file:// or http(s) URL.
func (c *Client) readLocator(ctx context.Context, loc string) ([]byte, error) {
	if isFileLocator(loc) {
		data, err := os.ReadFile(localPath(loc))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", loc, err)
		}
		return data, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.plain.R().SetContext(ctx).Get(loc)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", loc, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch %s: status %d", loc, resp.StatusCode())
	}
	return resp.Body(), nil
}

// workflowParams renders the parameters document as JSON. A locator whose
// content is not a mapping is passed to the workflow as its single input
// file.
func (c *Client) workflowParams(ctx context.Context, loc string) (string, error) {
	if loc == "" {
		return "{}", nil
	}
	data, err := c.readLocator(ctx, loc)
	if err != nil {
		return "", err
	}
	var params map[string]any
	if yaml.Unmarshal(data, &params) != nil || params == nil {
		fileURL := loc
		if isFileLocator(loc) {
			fileURL = (&url.URL{Scheme: "file", Path: localPath(loc)}).String()
		}
		params = map[string]any{
			"input": map[string]any{"class": "File", "location": fileURL},
		}
	}
	out, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode workflow params: %w", err)
	}
	return string(out), nil
}

// buildForm assembles the multipart form fields and attachments. A local
// workflow document is uploaded and referenced by its attachment name.
func (c *Client) buildForm(ctx context.Context, req *RunRequest) (map[string]string, []attachment, error) {
	params, err := c.workflowParams(ctx, req.WorkflowParams)
	if err != nil {
		return nil, nil, err
	}
	fields := map[string]string{
		"workflow_params":       params,
		"workflow_type":         req.WorkflowType,
		"workflow_type_version": req.WorkflowTypeVersion,
		"workflow_url":          req.WorkflowURL,
	}
	if fields["workflow_type"] == "" {
		fields["workflow_type"] = "CWL"
	}
	if fields["workflow_type_version"] == "" {
		fields["workflow_type_version"] = "v1.0"
	}
	if len(req.EngineParameters) > 0 {
		ep, err := json.Marshal(req.EngineParameters)
		if err != nil {
			return nil, nil, fmt.Errorf("encode engine parameters: %w", err)
		}
		fields["workflow_engine_parameters"] = string(ep)
	}
	for k, v := range req.Parts {
		fields[k] = v
	}

	locators := req.Attachments
	if req.WorkflowURL != "" && isFileLocator(req.WorkflowURL) {
		fields["workflow_url"] = path.Base(localPath(req.WorkflowURL))
		locators = append([]string{req.WorkflowURL}, locators...)
	}

	seen := make(map[string]bool, len(locators))
	var files []attachment
	for _, loc := range locators {
		name := path.Base(localPath(loc))
		if u, err := url.Parse(loc); err == nil && !isFileLocator(loc) {
			name = path.Base(u.Path)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		data, err := c.readLocator(ctx, loc)
		if err != nil {
			return nil, nil, fmt.Errorf("attachment: %w", err)
		}
		files = append(files, attachment{name: name, content: data})
	}
	return fields, files, nil
}
