package wes

import (
	"net/http"
	"sync"

	"wfinterop/internal/config"
)

// ServiceSource looks up endpoint settings by id.
type ServiceSource interface {
	WorkflowService(wesID string) (config.Service, error)
}

// Registry builds and caches one Client per configured WES id.
type Registry struct {
	source     ServiceSource
	rps        float64
	httpClient *http.Client

	mu      sync.Mutex
	clients map[string]*registered
}

type registered struct {
	svc    config.Service
	client *Client
}

// NewRegistry creates a registry over source. httpClient may be nil.
func NewRegistry(source ServiceSource, requestsPerSecond float64, httpClient *http.Client) *Registry {
	return &Registry{
		source:     source,
		rps:        requestsPerSecond,
		httpClient: httpClient,
		clients:    make(map[string]*registered),
	}
}

// Client returns the client for wesID. A client is rebuilt when the
// endpoint's settings changed since it was created.
func (r *Registry) Client(wesID string) (*Client, error) {
	svc, err := r.source.WorkflowService(wesID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.clients[wesID]; ok && sameService(reg.svc, svc) {
		return reg.client, nil
	}
	c := NewClient(ClientConfig{
		ID:                wesID,
		BaseURL:           svc.BaseURL(),
		Headers:           svc.Auth,
		RequestsPerSecond: r.rps,
		HTTPClient:        r.httpClient,
	})
	r.clients[wesID] = &registered{svc: svc, client: c}
	return c, nil
}

// Service implements the lookup used by the dispatcher and reconciler.
func (r *Registry) Service(wesID string) (Service, error) {
	return r.Client(wesID)
}

// EngineParameters returns the configured workflow_engine_parameters.
func (r *Registry) EngineParameters(wesID string) (map[string]string, error) {
	svc, err := r.source.WorkflowService(wesID)
	if err != nil {
		return nil, err
	}
	return svc.EngineParameters, nil
}

func sameService(a, b config.Service) bool {
	if a.Host != b.Host || a.Proto != b.Proto || len(a.Auth) != len(b.Auth) {
		return false
	}
	for k, v := range a.Auth {
		if b.Auth[k] != v {
			return false
		}
	}
	return true
}
