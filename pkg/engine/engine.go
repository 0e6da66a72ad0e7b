// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/threefour/omniport/pkg/admission"
	"github.com/threefour/omniport/pkg/breaker"
	perrors "github.com/threefour/omniport/pkg/errors"
	"github.com/threefour/omniport/pkg/handler"
	"github.com/threefour/omniport/pkg/metrics"
	"github.com/threefour/omniport/pkg/registry"
	"github.com/threefour/omniport/pkg/relay"
	"github.com/threefour/omniport/pkg/server/tcp"
)

const drainPollInterval = 50 * time.Millisecond

// Config holds the engine configuration.
type Config struct {
	BindHost       string
	FrontPorts     []int
	BackendHost    string
	BackendPort    int
	IdleTimeout    time.Duration
	MaxConnections int
	DialTimeout    time.Duration
	BufferSize     int
	ProxyProtocol  bool
	ResolveNames   bool
	Debug          bool

	Handler   handler.Handler
	Metrics   *metrics.Metrics
	Breaker   *breaker.Breaker
	Observers []registry.Observer
	Logger    *slog.Logger

	// Dial overrides the backend dialer of every listener
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// Engine owns the front port listeners and the shared admission and
// registry state.
type Engine struct {
	config    Config
	admission *admission.Controller
	registry  *registry.Registry
	relay     *relay.Pair
	logger    *slog.Logger

	mu        sync.Mutex
	running   bool
	listeners []*tcp.Listener
	serving   sync.WaitGroup
}

// New creates a stopped engine.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BackendHost == "" {
		cfg.BackendHost = "127.0.0.1"
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 100
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.Handler == nil {
		cfg.Handler = &handler.NoopHandler{}
	}

	return &Engine{
		config:    cfg,
		admission: admission.New(cfg.MaxConnections),
		registry:  registry.New(cfg.Observers...),
		relay:     relay.New(cfg.BufferSize),
		logger:    cfg.Logger,
	}
}

// FrontPorts removes the backend port and duplicates from ports, keeping
// the configured order.
func FrontPorts(ports []int, backend int) []int {
	seen := make(map[int]bool, len(ports))
	out := make([]int, 0, len(ports))
	for _, p := range ports {
		if p == backend || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// BackendAddress returns the host:port every session is relayed to.
func (e *Engine) BackendAddress() string {
	return net.JoinHostPort(e.config.BackendHost, strconv.Itoa(e.config.BackendPort))
}

// Start binds every front port and starts accepting. A port that fails to
// bind is logged and skipped. Start only fails when the engine is already
// running.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return perrors.ErrAlreadyRunning
	}
	e.running = true

	ports := FrontPorts(e.config.FrontPorts, e.config.BackendPort)
	if len(ports) == 0 {
		e.logger.Warn("no front ports configured", slog.Int("backend_port", e.config.BackendPort))
	}

	backend := e.BackendAddress()
	for _, port := range ports {
		l := tcp.New(tcp.Config{
			Host:           e.config.BindHost,
			Port:           port,
			BackendAddress: backend,
			IdleTimeout:    e.config.IdleTimeout,
			DialTimeout:    e.config.DialTimeout,
			Relay:          e.relay,
			ProxyProtocol:  e.config.ProxyProtocol,
			ResolveNames:   e.config.ResolveNames,
			Debug:          e.config.Debug,
			Metrics:        e.config.Metrics,
			Breaker:        e.config.Breaker,
			Dial:           e.config.Dial,
			Logger:         e.logger,
		}, e.admission, e.registry, e.config.Handler)

		if err := l.Bind(); err != nil {
			e.logger.Error("failed to bind front port", slog.Int("port", port), slog.String("error", err.Error()))
			continue
		}
		e.listeners = append(e.listeners, l)

		e.serving.Add(1)
		go func() {
			defer e.serving.Done()
			if err := l.Serve(); err != nil {
				e.logger.Error("front port stopped", slog.Int("port", l.Port()), slog.String("error", err.Error()))
			}
		}()
	}

	e.logger.Info("forwarding engine started",
		slog.Any("ports", e.admission.Ports()),
		slog.String("backend", backend),
		slog.Int("max_connections", e.config.MaxConnections))
	return nil
}

// Stop closes every front port and clears the port tables. Relays already
// running are not interrupted; use Drain to wait for them.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	listeners := e.listeners
	e.listeners = nil
	e.mu.Unlock()

	for _, l := range listeners {
		if err := l.Close(); err != nil && !perrors.IsExpectedClose(err) {
			e.logger.Warn("failed to close front port", slog.Int("port", l.Port()), slog.String("error", err.Error()))
		}
	}
	e.serving.Wait()
	e.admission.Reset()

	e.logger.Info("forwarding engine stopped", slog.Int("in_flight", e.registry.Len()))
}

// Drain waits until every forwarded connection ended or ctx is done.
func (e *Engine) Drain(ctx context.Context) error {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for e.registry.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Running reports whether the engine is started.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Ports returns the active front ports in ascending order.
func (e *Engine) Ports() []int {
	return e.admission.Ports()
}

// BlockStatus returns the blocked flag of every active front port.
func (e *Engine) BlockStatus() map[int]bool {
	return e.admission.Status()
}

// IsBlocked reports whether port is blocked.
func (e *Engine) IsBlocked(port int) bool {
	return e.admission.IsBlocked(port)
}

// SetBlocked sets the blocked flag of an active port. It returns false for
// a port that is not active.
func (e *Engine) SetBlocked(port int, blocked bool) bool {
	ok := e.admission.SetBlocked(port, blocked)
	if ok {
		e.logger.Info("front port status changed", slog.Int("port", port), slog.Bool("blocked", blocked))
	}
	return ok
}

// Block blocks an active port.
func (e *Engine) Block(port int) bool {
	return e.SetBlocked(port, true)
}

// Unblock opens an active port.
func (e *Engine) Unblock(port int) bool {
	return e.SetBlocked(port, false)
}

// Connections returns every live connection, oldest first.
func (e *Engine) Connections() []registry.Connection {
	return e.registry.Snapshot()
}

// ConnectionsByPort groups the live connections by front port.
func (e *Engine) ConnectionsByPort() map[int][]registry.Connection {
	return e.registry.ByPort()
}

// Load returns the live connection count and the ceiling.
func (e *Engine) Load() (live, max int) {
	return e.admission.Live(), e.admission.Max()
}

// BackendPort returns the backend port.
func (e *Engine) BackendPort() int {
	return e.config.BackendPort
}

// IdleTimeout returns the client idle timeout.
func (e *Engine) IdleTimeout() time.Duration {
	return e.config.IdleTimeout
}

// Status is the control plane summary of the engine.
type Status struct {
	FrontPorts      []int        `json:"front_ports"`
	Blocked         map[int]bool `json:"blocked"`
	LiveConnections int          `json:"live_connections"`
	MaxConnections  int          `json:"max_connections"`
	BackendPort     int          `json:"backend_port"`
	TimeoutMs       int64        `json:"timeout_ms"`
	Running         bool         `json:"running"`
}

// Status returns the current engine summary.
func (e *Engine) Status() Status {
	live, max := e.Load()
	return Status{
		FrontPorts:      e.Ports(),
		Blocked:         e.BlockStatus(),
		LiveConnections: live,
		MaxConnections:  max,
		BackendPort:     e.config.BackendPort,
		TimeoutMs:       e.config.IdleTimeout.Milliseconds(),
		Running:         e.Running(),
	}
}

// ConnectionInfo is the control plane view of one connection.
type ConnectionInfo struct {
	ID              string    `json:"id"`
	RemoteAddress   string    `json:"remote_address"`
	FrontPort       int       `json:"front_port"`
	ConnectedAt     time.Time `json:"connected_at"`
	ConnectTime     string    `json:"connect_time"`
	Duration        string    `json:"duration"`
	DurationSeconds int64     `json:"duration_seconds"`
	ClientInfo      string    `json:"client_info,omitempty"`
}

// Describe renders c as seen at now.
func Describe(c registry.Connection, now time.Time) ConnectionInfo {
	d := c.Duration(now)
	return ConnectionInfo{
		ID:              c.ID,
		RemoteAddress:   c.RemoteAddr,
		FrontPort:       c.FrontPort,
		ConnectedAt:     c.ConnectedAt,
		ConnectTime:     c.ConnectTime(),
		Duration:        registry.FormatDuration(d),
		DurationSeconds: int64(d / time.Second),
		ClientInfo:      c.ClientInfo,
	}
}
