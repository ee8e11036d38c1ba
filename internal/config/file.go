package config

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"wfinterop/internal/apperrors"
)

// Queue describes how submissions of one evaluation queue are executed.
type Queue struct {
	WorkflowType        string   `yaml:"workflow_type" json:"workflow_type"`
	WorkflowTypeVersion string   `yaml:"workflow_type_version,omitempty" json:"workflow_type_version,omitempty"`
	TRSID               string   `yaml:"trs_id,omitempty" json:"trs_id,omitempty"`
	WorkflowID          string   `yaml:"workflow_id,omitempty" json:"workflow_id,omitempty"`
	VersionID           string   `yaml:"version_id,omitempty" json:"version_id,omitempty"`
	WorkflowURL         string   `yaml:"workflow_url,omitempty" json:"workflow_url,omitempty"`
	WorkflowAttachments []string `yaml:"workflow_attachments,omitempty" json:"workflow_attachments,omitempty"`
	WESDefault          string   `yaml:"wes_default,omitempty" json:"wes_default,omitempty"`
	WESOpts             []string `yaml:"wes_opts,omitempty" json:"wes_opts,omitempty"`
	TargetQueue         string   `yaml:"target_queue,omitempty" json:"target_queue,omitempty"`

	// Ephemeral queues are registered for a single submission and are not
	// polled by the scheduler on their own.
	Ephemeral bool `yaml:"ephemeral,omitempty" json:"ephemeral,omitempty"`
}

// AllowsWES reports whether wesID may run this queue's submissions.
func (q Queue) AllowsWES(wesID string) bool {
	return len(q.WESOpts) == 0 || slices.Contains(q.WESOpts, wesID)
}

// Service is a remote GA4GH endpoint (TRS or WES).
type Service struct {
	Auth  map[string]string `yaml:"auth,omitempty" json:"auth,omitempty"`
	Host  string            `yaml:"host" json:"host"`
	Proto string            `yaml:"proto,omitempty" json:"proto,omitempty"`

	// EngineParameters are forwarded as workflow_engine_parameters on every
	// run submitted to a workflow service.
	EngineParameters map[string]string `yaml:"workflow_engine_parameters,omitempty" json:"workflow_engine_parameters,omitempty"`
}

// BaseURL returns proto://host, defaulting to https.
func (s Service) BaseURL() string {
	proto := s.Proto
	if proto == "" {
		proto = "https"
	}
	return proto + "://" + s.Host
}

// File is the on-disk layout of the orchestrator config.
type File struct {
	Queues           map[string]Queue   `yaml:"queues" json:"queues"`
	ToolRegistries   map[string]Service `yaml:"toolregistries" json:"toolregistries"`
	WorkflowServices map[string]Service `yaml:"workflowservices" json:"workflowservices"`
}

// DefaultFile returns the config written when none exists yet.
func DefaultFile() *File {
	return &File{
		Queues: map[string]Queue{},
		ToolRegistries: map[string]Service{
			"dockstore": {
				Auth:  map[string]string{"Authorization": ""},
				Host:  "dockstore.org:8443",
				Proto: "https",
			},
		},
		WorkflowServices: map[string]Service{
			"local": {
				Auth:  map[string]string{"Authorization": ""},
				Host:  "0.0.0.0:8080",
				Proto: "http",
			},
		},
	}
}

func (f *File) applyDefaults() {
	if f.Queues == nil {
		f.Queues = map[string]Queue{}
	}
	if f.ToolRegistries == nil {
		f.ToolRegistries = map[string]Service{}
	}
	if f.WorkflowServices == nil {
		f.WorkflowServices = map[string]Service{}
	}
}

// Store is a concurrency-safe view of the orchestrator config file. Every
// mutation is persisted before it returns.
type Store struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	file *File
}

// Open loads the config at path, creating it with defaults when missing.
// An empty path yields a store that lives only in memory.
func Open(path string) (*Store, error) {
	s := &Store{
		path:   path,
		logger: slog.With("component", "config"),
	}
	if path == "" {
		s.file = DefaultFile()
		return s, nil
	}
	f, err := readFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s.file = DefaultFile()
		if err := s.saveLocked(); err != nil {
			return nil, err
		}
		s.logger.Info("Created default config", "path", path)
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	s.file = f
	return s, nil
}

// NewMemoryStore returns a store seeded with f that is never persisted.
func NewMemoryStore(f *File) *Store {
	if f == nil {
		f = DefaultFile()
	}
	f.applyDefaults()
	return &Store{file: f, logger: slog.With("component", "config")}
}

func readFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	f.applyDefaults()
	return &f, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Reload re-reads the backing file.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	f, err := readFile(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.file = f
	s.mu.Unlock()
	return nil
}

// Snapshot returns a deep copy of the current config.
func (s *Store) Snapshot() File {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := File{
		Queues:           make(map[string]Queue, len(s.file.Queues)),
		ToolRegistries:   maps.Clone(s.file.ToolRegistries),
		WorkflowServices: maps.Clone(s.file.WorkflowServices),
	}
	for id, q := range s.file.Queues {
		out.Queues[id] = cloneQueue(q)
	}
	return out
}

// Queue returns the configuration of queueID.
func (s *Store) Queue(queueID string) (Queue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.file.Queues[queueID]
	if !ok {
		return Queue{}, apperrors.NotFound("queue", queueID)
	}
	return cloneQueue(q), nil
}

// QueueIDs lists configured queues in sorted order, skipping ephemeral ones
// unless requested.
func (s *Store) QueueIDs(includeEphemeral bool) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.file.Queues))
	for id, q := range s.file.Queues {
		if q.Ephemeral && !includeEphemeral {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// AddQueue registers or replaces a queue. Either a workflow id (resolved
// through a tool registry) or a workflow URL is required.
func (s *Store) AddQueue(queueID string, q Queue) error {
	if queueID == "" {
		return apperrors.Validation("queueId", "queue ID is required")
	}
	if q.WorkflowID == "" && q.WorkflowURL == "" {
		return apperrors.Validation("workflowId", "one of workflow_id or workflow_url must be specified")
	}
	if q.WESDefault != "" && len(q.WESOpts) == 0 {
		q.WESOpts = []string{q.WESDefault}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.file.Queues[queueID] = cloneQueue(q)
	return s.saveLocked()
}

// RegisterEphemeralQueue records a per-submission queue.
func (s *Store) RegisterEphemeralQueue(queueID string, q Queue) error {
	q.Ephemeral = true
	return s.AddQueue(queueID, q)
}

// RemoveEphemeralQueue deletes a per-submission queue. Missing and
// non-ephemeral queues are left alone.
func (s *Store) RemoveEphemeralQueue(queueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.file.Queues[queueID]
	if !ok || !q.Ephemeral {
		return nil
	}
	delete(s.file.Queues, queueID)
	return s.saveLocked()
}

// SetWorkflowURL caches a resolved workflow URL on the queue.
func (s *Store) SetWorkflowURL(queueID, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.file.Queues[queueID]
	if !ok {
		return apperrors.NotFound("queue", queueID)
	}
	q.WorkflowURL = url
	s.file.Queues[queueID] = q
	return s.saveLocked()
}

// AddWESOption allows wesID for queueID, optionally making it the default.
func (s *Store) AddWESOption(queueID, wesID string, makeDefault bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.file.Queues[queueID]
	if !ok {
		return apperrors.NotFound("queue", queueID)
	}
	if !slices.Contains(q.WESOpts, wesID) {
		q.WESOpts = append(slices.Clone(q.WESOpts), wesID)
	}
	if makeDefault {
		q.WESDefault = wesID
	}
	s.file.Queues[queueID] = q
	return s.saveLocked()
}

// WorkflowService returns the WES endpoint registered as wesID.
func (s *Store) WorkflowService(wesID string) (Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.file.WorkflowServices[wesID]
	if !ok {
		return Service{}, apperrors.NotFound("workflow service", wesID)
	}
	return svc, nil
}

// ToolRegistry returns the TRS endpoint registered as trsID.
func (s *Store) ToolRegistry(trsID string) (Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.file.ToolRegistries[trsID]
	if !ok {
		return Service{}, apperrors.NotFound("tool registry", trsID)
	}
	return svc, nil
}

// AddWorkflowService registers a WES endpoint.
func (s *Store) AddWorkflowService(wesID string, svc Service) error {
	if svc.Host == "" {
		return apperrors.Validation("host", "workflow service host is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.file.WorkflowServices[wesID] = svc
	return s.saveLocked()
}

// AddToolRegistry registers a TRS endpoint.
func (s *Store) AddToolRegistry(trsID string, svc Service) error {
	if svc.Host == "" {
		return apperrors.Validation("host", "tool registry host is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.file.ToolRegistries[trsID] = svc
	return s.saveLocked()
}

// saveLocked writes the config atomically. Caller holds mu.
func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(s.file)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

func cloneQueue(q Queue) Queue {
	q.WorkflowAttachments = slices.Clone(q.WorkflowAttachments)
	q.WESOpts = slices.Clone(q.WESOpts)
	return q
}
