// Package ratelimit provides a per-dependency fixed-window rate limiter.
//
// Each dependency key gets an independent window of Limit calls per Window.
// State is process-local; each replica enforces its own budget.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrInvalidLimit is returned when a registry is created with a non-positive
// limit or window.
var ErrInvalidLimit = errors.New("rate limit and window must be positive")

// Config holds the budget applied to every dependency key in a registry.
type Config struct {
	// Limit is the maximum number of admitted calls per window.
	Limit int
	// Window is the fixed window length.
	Window time.Duration
}

// Registry tracks one fixed window per dependency key.
type Registry struct {
	mu      sync.Mutex
	windows map[string]*window
	config  Config
	now     func() time.Time
}

type window struct {
	start time.Time
	used  int
}

// NewRegistry creates a registry enforcing the given budget per key.
func NewRegistry(config Config) (*Registry, error) {
	if config.Limit <= 0 || config.Window <= 0 {
		return nil, ErrInvalidLimit
	}

	return &Registry{
		windows: make(map[string]*window),
		config:  config,
		now:     time.Now,
	}, nil
}

// TryConsume attempts to take one token from the dependency's current
// window. It returns false when the window budget is exhausted; the caller
// treats that as a transient failure and retries later.
func (r *Registry) TryConsume(dependency string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	current, ok := r.windows[dependency]
	if !ok || now.Sub(current.start) >= r.config.Window {
		current = &window{start: now}
		r.windows[dependency] = current
	}

	if current.used >= r.config.Limit {
		return false
	}

	current.used++

	return true
}

// Remaining reports how many tokens are left in the dependency's current
// window. A key with no window yet has the full budget.
func (r *Registry) Remaining(dependency string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.windows[dependency]
	if !ok || r.now().Sub(current.start) >= r.config.Window {
		return r.config.Limit
	}

	return r.config.Limit - current.used
}
