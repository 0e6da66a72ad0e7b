// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health provides health check and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is the outcome of a single health check.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Critical    bool          `json:"critical"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// CheckFunc is a function that performs a health check.
type CheckFunc func(ctx context.Context) error

type registered struct {
	fn       CheckFunc
	critical bool
}

// Checker runs registered checks and caches their results.
type Checker struct {
	mu     sync.Mutex
	checks map[string]registered
	cache  map[string]Check
	ttl    time.Duration
}

// NewChecker creates a new health checker.
func NewChecker(cacheTTL time.Duration) *Checker {
	if cacheTTL == 0 {
		cacheTTL = 10 * time.Second
	}
	return &Checker{
		checks: make(map[string]registered),
		cache:  make(map[string]Check),
		ttl:    cacheTTL,
	}
}

// Register adds a check. A failing critical check makes the service
// unhealthy; any other failing check only degrades it.
func (c *Checker) Register(name string, critical bool, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = registered{fn: check, critical: critical}
	delete(c.cache, name)
}

// Health runs every check whose cached result expired and returns the
// overall status with the per-check results sorted by name.
func (c *Checker) Health(ctx context.Context) (Status, []Check) {
	c.mu.Lock()
	results := make([]Check, 0, len(c.checks))
	pending := make(map[string]registered)
	for name, r := range c.checks {
		if cached, ok := c.cache[name]; ok && time.Since(cached.LastChecked) < c.ttl {
			results = append(results, cached)
			continue
		}
		pending[name] = r
	}
	c.mu.Unlock()

	fresh := make([]Check, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	i := 0
	for name, r := range pending {
		idx, name, r := i, name, r
		i++
		g.Go(func() error {
			fresh[idx] = run(gctx, name, r)
			return nil
		})
	}
	g.Wait()

	c.mu.Lock()
	for _, ch := range fresh {
		c.cache[ch.Name] = ch
	}
	c.mu.Unlock()

	results = append(results, fresh...)
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	overall := StatusHealthy
	for _, ch := range results {
		if ch.Status == StatusHealthy {
			continue
		}
		if ch.Critical {
			overall = StatusUnhealthy
			break
		}
		overall = StatusDegraded
	}
	return overall, results
}

func run(ctx context.Context, name string, r registered) (check Check) {
	start := time.Now()
	check = Check{Name: name, Critical: r.critical, Status: StatusHealthy}
	defer func() {
		if p := recover(); p != nil {
			check.Status = StatusUnhealthy
			check.Message = fmt.Sprintf("check panicked: %v", p)
		}
		check.LastChecked = time.Now()
		check.Duration = time.Since(start)
	}()

	if err := r.fn(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	return check
}

// HTTPHandler returns an HTTP handler for health checks. Only an unhealthy
// service answers 503.
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c.respond(w, r, func(s Status) bool { return s == StatusUnhealthy })
	}
}

// ReadinessHandler returns a readiness probe handler. Both degraded and
// unhealthy services answer 503.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c.respond(w, r, func(s Status) bool { return s != StatusHealthy })
	}
}

func (c *Checker) respond(w http.ResponseWriter, r *http.Request, unavailable func(Status) bool) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status, checks := c.Health(ctx)

	w.Header().Set("Content-Type", "application/json")
	if unavailable(status) {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}

// LivenessHandler returns a simple liveness probe.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
		})
	}
}

// ErrNoListeners is reported when no front port is bound.
var ErrNoListeners = errors.New("no front port is accepting connections")

// ListenersCheck fails when ports returns no bound front port.
func ListenersCheck(ports func() []int) CheckFunc {
	return func(ctx context.Context) error {
		if len(ports()) == 0 {
			return ErrNoListeners
		}
		return nil
	}
}

// BackendCheck dials the backend and closes the connection right away.
func BackendCheck(address string, timeout time.Duration) CheckFunc {
	return func(ctx context.Context) error {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return fmt.Errorf("backend %s unreachable: %w", address, err)
		}
		return conn.Close()
	}
}

// GoroutineCheck fails when the process runs more than max goroutines.
func GoroutineCheck(max int) CheckFunc {
	return func(ctx context.Context) error {
		if n := runtime.NumGoroutine(); n > max {
			return fmt.Errorf("%d goroutines running, limit %d", n, max)
		}
		return nil
	}
}
