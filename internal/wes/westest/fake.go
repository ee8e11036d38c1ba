// Package westest provides an in-memory workflow execution service for
// tests.
package westest

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"wfinterop/internal/apperrors"
	"wfinterop/internal/runlog"
	"wfinterop/internal/wes"
)

// Service is a fake wes.Service. Runs are numbered run-1, run-2, ...
type Service struct {
	mu       sync.Mutex
	seq      int
	requests []wes.RunRequest
	states   map[string]runlog.State
	stderr   map[string]string
	stdout   map[string]string

	// SubmitState is the state returned with new runs.
	SubmitState runlog.State
	// SubmitErr makes every submission fail.
	SubmitErr error
	// StatusErr makes every status poll fail.
	StatusErr error
	// LogErr makes stderr/stdout fetches fail.
	LogErr error
}

var _ wes.Service = (*Service)(nil)

// New returns an empty fake.
func New() *Service {
	return &Service{
		states: make(map[string]runlog.State),
		stderr: make(map[string]string),
		stdout: make(map[string]string),
	}
}

// RunWorkflow records req and creates a run.
func (s *Service) RunWorkflow(_ context.Context, req *wes.RunRequest) (*wes.RunResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, cloneRequest(req))
	if s.SubmitErr != nil {
		return &wes.RunResponse{RunID: runlog.FailedRunID}, s.SubmitErr
	}
	s.seq++
	id := fmt.Sprintf("run-%d", s.seq)
	state := s.SubmitState
	if state == "" {
		state = runlog.StateQueued
	}
	s.states[id] = state
	return &wes.RunResponse{RunID: id, State: state}, nil
}

// GetRunStatus returns the state last set for runID.
func (s *Service) GetRunStatus(_ context.Context, runID string) (runlog.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StatusErr != nil {
		return "", s.StatusErr
	}
	state, ok := s.states[runID]
	if !ok {
		return "", apperrors.NotFound("run", runID)
	}
	return state, nil
}

// GetRunStderr returns the stderr set for runID.
func (s *Service) GetRunStderr(_ context.Context, runID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LogErr != nil {
		return "", s.LogErr
	}
	return s.stderr[runID], nil
}

// GetRunStdout returns the stdout set for runID.
func (s *Service) GetRunStdout(_ context.Context, runID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LogErr != nil {
		return "", s.LogErr
	}
	return s.stdout[runID], nil
}

// SetState moves runID to state, creating it if needed.
func (s *Service) SetState(runID string, state runlog.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[runID] = state
}

// SetLogs sets the logs reported for runID.
func (s *Service) SetLogs(runID, stderr, stdout string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stderr[runID] = stderr
	s.stdout[runID] = stdout
}

// Requests returns copies of all submitted requests.
func (s *Service) Requests() []wes.RunRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wes.RunRequest, len(s.requests))
	for i, r := range s.requests {
		out[i] = cloneRequest(&r)
	}
	return out
}

func cloneRequest(r *wes.RunRequest) wes.RunRequest {
	c := *r
	c.Attachments = append([]string(nil), r.Attachments...)
	c.EngineParameters = maps.Clone(r.EngineParameters)
	c.Parts = maps.Clone(r.Parts)
	return c
}

// Registry serves fakes by WES id.
type Registry struct {
	Services   map[string]*Service
	Parameters map[string]map[string]string
}

// NewRegistry returns a registry serving svc as every id in ids.
func NewRegistry(svc *Service, ids ...string) *Registry {
	r := &Registry{Services: make(map[string]*Service), Parameters: make(map[string]map[string]string)}
	for _, id := range ids {
		r.Services[id] = svc
	}
	return r
}

// Service returns the fake registered as wesID.
func (r *Registry) Service(wesID string) (wes.Service, error) {
	svc, ok := r.Services[wesID]
	if !ok {
		return nil, apperrors.NotFound("workflow service", wesID)
	}
	return svc, nil
}

// EngineParameters returns the parameters registered for wesID.
func (r *Registry) EngineParameters(wesID string) (map[string]string, error) {
	if _, ok := r.Services[wesID]; !ok {
		return nil, apperrors.NotFound("workflow service", wesID)
	}
	return r.Parameters[wesID], nil
}
