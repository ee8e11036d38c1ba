// Package circuitbreaker stops calls to a dependency after consecutive
// failures and lets traffic through again once a cooldown has passed.
//
// A breaker is Closed while calls succeed, Open after Threshold consecutive
// failures, and HalfOpen once Cooldown has elapsed since the last failure.
// In HalfOpen the next result decides: success closes it, failure reopens it.
package circuitbreaker

import (
	"sync"
	"time"
)

// State of a breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config for a breaker. Zero values use defaults.
type Config struct {
	Threshold int           // default 5
	Cooldown  time.Duration // default 30s
	// Now is the time source, time.Now when nil.
	Now func() time.Time
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{Threshold: 5, Cooldown: 30 * time.Second}
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Breaker guards one dependency. Safe for concurrent use.
type Breaker struct {
	mu          sync.Mutex
	cfg         Config
	state       State
	failures    int
	lastFailure time.Time
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg.withDefaults()}
}

// Allow reports whether a call should be attempted.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return true
	}
	if b.cfg.Now().Sub(b.lastFailure) >= b.cfg.Cooldown {
		b.state = HalfOpen
		return true
	}
	return false
}

// RecordSuccess closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = Closed
}

// RecordFailure counts a failure, opening the breaker at the threshold or
// immediately when half-open.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = b.cfg.Now()
	if b.state == HalfOpen || b.failures >= b.cfg.Threshold {
		b.state = Open
	}
}

// State returns the current state without advancing Open to HalfOpen.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset closes the breaker and clears its failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
}
