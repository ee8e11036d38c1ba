// Package health answers liveness and readiness probes.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Check verifies one dependency is usable.
type Check func(ctx context.Context) error

// Status of a component or the whole service.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the probe response body.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// IsHealthy reports whether the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// Checker runs named readiness checks: the submission store, each workflow
// execution service and the container runtime, depending on what is
// configured.
type Checker struct {
	checks  map[string]Check
	timeout time.Duration
	ttl     time.Duration
	now     func() time.Time

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a checker with no checks.
func NewChecker() *Checker {
	return &Checker{
		checks:  make(map[string]Check),
		timeout: 5 * time.Second,
		ttl:     time.Second,
		now:     time.Now,
	}
}

// Add registers check under name. Call before serving probes.
func (c *Checker) Add(name string, check Check) *Checker {
	c.checks[name] = check
	return c
}

// Liveness never depends on external services.
func (c *Checker) Liveness(context.Context) *Response {
	return &Response{Status: StatusHealthy}
}

// Readiness runs all checks concurrently. Results are cached briefly so
// frequent probes do not hammer dependencies.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}
	if c.cachedReady != nil && c.now().Sub(c.lastCheck) < c.ttl {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var mu sync.Mutex
	results := make(map[string]CheckResult, len(c.checks))
	var g errgroup.Group
	for name, check := range c.checks {
		g.Go(func() error {
			res := CheckResult{Status: StatusHealthy}
			if err := check(ctx); err != nil {
				res = CheckResult{Status: StatusUnhealthy, Message: err.Error()}
			}
			mu.Lock()
			results[name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	resp := &Response{Status: StatusHealthy, Checks: results}
	for _, r := range results {
		if r.Status != StatusHealthy {
			resp.Status = StatusUnhealthy
			break
		}
	}

	c.mu.Lock()
	c.cachedReady = resp
	c.lastCheck = c.now()
	c.mu.Unlock()
	return resp
}

// SetShuttingDown makes readiness fail so load balancers stop routing here.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil
}

// IsShuttingDown reports whether SetShuttingDown was called.
func (c *Checker) IsShuttingDown() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.shuttingDown
}
