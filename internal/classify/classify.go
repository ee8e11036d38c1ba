// Package classify decides how a submission is executed. Classification is
// pure: it returns a Plan describing the documents and queue entry the
// submission needs, and leaves writing them to the materializer.
package classify

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"

	"wfinterop/internal/apperrors"
	"wfinterop/internal/config"
	"wfinterop/internal/submission"
)

// Kind is the payload shape of a submission.
type Kind string

const (
	KindDocker   Kind = "docker"
	KindWorkflow Kind = "cwl"
	KindPayload  Kind = "payload"
	KindFlatfile Kind = "flatfile"
)

// Document names of the synthesized image workflow.
const (
	ValidateAndScoreFile = "validate_and_score.cwl"
	PredictionFile       = "predictions.csv"
)

var workflowTypes = map[string]string{
	".cwl": "CWL",
	".wdl": "WDL",
}

var payloadExtensions = map[string]bool{
	".json": true,
	".yaml": true,
	".yml":  true,
}

//go:embed templates
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

// Document is a file that must exist before the run is dispatched.
type Document struct {
	Path    string
	Content []byte
}

// Plan is the outcome of classifying one submission.
type Plan struct {
	Kind          Kind
	SubmissionID  string
	QueueID       string // queue whose config drives the run
	CallerQueueID string // queue the submission was taken from
	WorkflowInput string // locator of the workflow parameters document

	Documents []Document
	Ephemeral *config.Queue // per-submission queue to register under QueueID
	Image     string        // image reference, docker kind only
}

// Classifier holds the settings classification depends on.
type Classifier struct {
	// WorkDir is the absolute directory synthesized documents are placed in,
	// one subdirectory per submission.
	WorkDir string
}

// New returns a classifier rooted at workDir.
func New(workDir string) (*Classifier, error) {
	abs, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("resolve work dir: %w", err)
	}
	return &Classifier{WorkDir: abs}, nil
}

// DetermineKind applies the classification rules in order.
func DetermineKind(sub *submission.Submission) (Kind, error) {
	switch {
	case sub.IsDocker():
		return KindDocker, nil
	case sub.FilePath == "":
		return "", apperrors.Unsupported(sub.ID)
	}
	ext := sub.Extension()
	if _, ok := workflowTypes[ext]; ok {
		return KindWorkflow, nil
	}
	if payloadExtensions[ext] {
		return KindPayload, nil
	}
	return KindFlatfile, nil
}

// Classify builds the execution plan for sub taken from queueID.
func (c *Classifier) Classify(sub *submission.Submission, queueID string) (*Plan, error) {
	kind, err := DetermineKind(sub)
	if err != nil {
		return nil, err
	}
	plan := &Plan{
		Kind:          kind,
		SubmissionID:  sub.ID,
		QueueID:       queueID,
		CallerQueueID: queueID,
	}
	switch kind {
	case KindDocker:
		err = c.planDocker(plan, sub)
	case KindWorkflow:
		err = c.planWorkflow(plan, sub)
	default:
		plan.WorkflowInput = sub.FilePath
	}
	if err != nil {
		return nil, err
	}
	return plan, nil
}

func (c *Classifier) submissionDir(id string) string {
	return filepath.Join(c.WorkDir, id)
}

func (c *Classifier) planDocker(plan *Plan, sub *submission.Submission) error {
	image, err := ImageReference(sub.DockerRepositoryName, sub.DockerDigest)
	if err != nil {
		return err
	}
	dir := c.submissionDir(sub.ID)
	toolPath := filepath.Join(dir, sub.ID+".cwl")
	workflowPath := filepath.Join(dir, sub.ID+"_workflow.cwl")
	inputPath := filepath.Join(dir, sub.ID+".json")
	scorePath := filepath.Join(dir, ValidateAndScoreFile)

	tool, err := render("run_docker_tool.cwl.tmpl", map[string]any{
		"DockerRepository": image,
		"PredictionFile":   PredictionFile,
		"Training":         false,
		"Scratch":          false,
	})
	if err != nil {
		return err
	}
	workflow, err := render("workflow.cwl.tmpl", map[string]any{
		"SubmissionID":  sub.ID,
		"RunDockerTool": sub.ID + ".cwl",
	})
	if err != nil {
		return err
	}
	input, err := json.Marshal(map[string]any{
		"input": map[string]string{
			"class":    "Directory",
			"location": filepath.Join(dir, "input"),
		},
	})
	if err != nil {
		return fmt.Errorf("encode input document: %w", err)
	}
	score, err := templateFS.ReadFile("templates/" + ValidateAndScoreFile)
	if err != nil {
		return fmt.Errorf("read %s: %w", ValidateAndScoreFile, err)
	}

	plan.Image = image
	plan.QueueID = sub.ID
	plan.WorkflowInput = inputPath
	plan.Documents = []Document{
		{Path: toolPath, Content: tool},
		{Path: workflowPath, Content: workflow},
		{Path: inputPath, Content: input},
		{Path: scorePath, Content: score},
	}
	plan.Ephemeral = &config.Queue{
		WorkflowType:        "CWL",
		WorkflowTypeVersion: "v1.0",
		WorkflowURL:         FileURL(workflowPath),
		WorkflowAttachments: []string{FileURL(scorePath), FileURL(toolPath)},
	}
	return nil
}

func (c *Classifier) planWorkflow(plan *Plan, sub *submission.Submission) error {
	inputPath := filepath.Join(c.submissionDir(sub.ID), sub.ID+".json")
	workflowURL := FileURL(sub.FilePath)

	plan.QueueID = sub.ID
	plan.WorkflowInput = inputPath
	plan.Documents = []Document{{Path: inputPath, Content: []byte("{}\n")}}
	plan.Ephemeral = &config.Queue{
		WorkflowType: workflowTypes[sub.Extension()],
		WorkflowURL:  workflowURL,
		// WES implementations reject a run without attachments; the
		// submitted document doubles as one.
		WorkflowAttachments: []string{workflowURL},
	}
	return nil
}

// ImageReference joins a repository and digest into a normalized
// repository@digest reference. Without a digest the repository is returned
// as submitted after validation.
func ImageReference(repository, dgst string) (string, error) {
	named, err := reference.ParseNormalizedNamed(strings.TrimSpace(repository))
	if err != nil {
		return "", apperrors.Validation("dockerRepositoryName", fmt.Sprintf("invalid image repository %q: %v", repository, err))
	}
	if dgst == "" {
		return reference.FamiliarString(named), nil
	}
	d, err := digest.Parse(strings.TrimSpace(dgst))
	if err != nil {
		return "", apperrors.Validation("dockerDigest", fmt.Sprintf("invalid image digest %q: %v", dgst, err))
	}
	canonical, err := reference.WithDigest(reference.TrimNamed(named), d)
	if err != nil {
		return "", apperrors.Validation("dockerDigest", err.Error())
	}
	return reference.FamiliarString(canonical), nil
}

// FileURL turns a local path into a file:// URL. Values that already carry
// a scheme are returned unchanged.
func FileURL(p string) string {
	if u, err := url.Parse(p); err == nil && u.Scheme != "" && len(u.Scheme) > 1 {
		return p
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		abs = p
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}

func render(name string, data any) ([]byte, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return nil, fmt.Errorf("render %s: %w", name, err)
	}
	return buf.Bytes(), nil
}
