// Package health reports whether the server's backing connections are usable.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Pinger is anything with a cheap liveness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Status struct {
	Healthy   bool              `json:"healthy"`
	Checks    map[string]string `json:"checks"`
	Errors    []string          `json:"errors"`
	CheckedAt time.Time         `json:"checked_at"`
}

// Checker runs named probes concurrently
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]Pinger
	timeout time.Duration
}

// NewChecker creates a checker whose probes each get timeout
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{
		checks:  make(map[string]Pinger),
		timeout: timeout,
	}
}

// Register adds a named probe. A nil pinger is ignored.
func (c *Checker) Register(name string, p Pinger) {
	if p == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = p
}

// Check runs every probe and reports the combined status
func (c *Checker) Check(ctx context.Context) Status {
	c.mu.RLock()
	checks := make(map[string]Pinger, len(c.checks))
	for name, p := range c.checks {
		checks[name] = p
	}
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type result struct {
		name string
		err  error
	}
	results := make(chan result, len(checks))
	for name, p := range checks {
		go func() {
			results <- result{name: name, err: p.Ping(ctx)}
		}()
	}

	status := Status{
		Healthy:   true,
		Checks:    make(map[string]string, len(checks)),
		Errors:    []string{},
		CheckedAt: time.Now().UTC(),
	}
	for range checks {
		r := <-results
		if r.err != nil {
			status.Healthy = false
			status.Checks[r.name] = "down"
			status.Errors = append(status.Errors, fmt.Sprintf("%s: %v", r.name, r.err))
			continue
		}
		status.Checks[r.name] = "ok"
	}
	return status
}

// ServeHTTP writes the status as JSON, 503 when unhealthy
func (c *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := c.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		log.Warn().Strs("errors", status.Errors).Msg("readiness check failed")
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.Error().Err(err).Msg("failed to encode readiness response")
	}
}
