// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/threefour/omniport/pkg/admission"
	"github.com/threefour/omniport/pkg/breaker"
	perrors "github.com/threefour/omniport/pkg/errors"
	"github.com/threefour/omniport/pkg/handler"
	"github.com/threefour/omniport/pkg/metrics"
	"github.com/threefour/omniport/pkg/registry"
	"github.com/threefour/omniport/pkg/relay"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Config holds the configuration of one front port listener.
type Config struct {
	// Host is the listen host; empty listens on every interface
	Host string

	// Port is the front port; 0 picks a free port at Bind
	Port int

	// BackendAddress is the backend server address to relay to (host:port)
	BackendAddress string

	// IdleTimeout closes a client connection after this long without traffic
	// in either direction
	IdleTimeout time.Duration

	// DialTimeout bounds the backend dial
	DialTimeout time.Duration

	// BufferSize is the relay copy chunk, used when Relay is nil
	BufferSize int

	// Relay is shared between listeners so they share its buffer pool
	Relay *relay.Pair

	// ProxyProtocol sends a PROXY protocol v2 header to the backend before
	// relaying
	ProxyProtocol bool

	// ResolveNames looks up the client's host name and records it as client
	// info in the registry
	ResolveNames bool

	// Debug logs the termination cause of every relay direction
	Debug bool

	// Metrics is optional
	Metrics *metrics.Metrics

	// Breaker is optional; when set, backend dials go through it
	Breaker *breaker.Breaker

	// Dial overrides the backend dialer
	Dial func(ctx context.Context, network, address string) (net.Conn, error)

	// Resolve overrides the reverse DNS lookup
	Resolve func(ctx context.Context, addr string) ([]string, error)

	// Logger for listener and session events
	Logger *slog.Logger
}

type state int32

const (
	stateUnbound state = iota
	stateAccepting
	stateClosed
)

// Listener owns one front port: it accepts connections, applies admission
// and starts a session per admitted connection.
type Listener struct {
	config    Config
	admission *admission.Controller
	registry  *registry.Registry
	handler   handler.Handler
	relay     *relay.Pair
	logger    *slog.Logger

	state atomic.Int32
	port  atomic.Int32
	done  chan struct{}
	down  sync.Once

	mu sync.Mutex
	ln net.Listener

	sessions sync.WaitGroup
}

// New creates an unbound listener.
func New(cfg Config, ac *admission.Controller, reg *registry.Registry, h handler.Handler) *Listener {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = relay.DefaultBufferSize
	}
	if cfg.Relay == nil {
		cfg.Relay = relay.New(cfg.BufferSize)
	}
	if cfg.Dial == nil {
		d := &net.Dialer{Timeout: cfg.DialTimeout}
		cfg.Dial = d.DialContext
	}
	if cfg.Resolve == nil {
		cfg.Resolve = net.DefaultResolver.LookupAddr
	}
	if h == nil {
		h = &handler.NoopHandler{}
	}

	l := &Listener{
		config:    cfg,
		admission: ac,
		registry:  reg,
		handler:   h,
		relay:     cfg.Relay,
		logger:    cfg.Logger,
		done:      make(chan struct{}),
	}
	l.port.Store(int32(cfg.Port))
	return l
}

// Bind opens the listening socket and marks the port active. A listener
// binds at most once.
func (l *Listener) Bind() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if state(l.state.Load()) != stateUnbound {
		return perrors.New("bind", l.Port(), "", "", perrors.ErrListenerClosed)
	}

	addr := net.JoinHostPort(l.config.Host, strconv.Itoa(l.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return perrors.New("bind", l.config.Port, "", "", err)
	}
	if !l.state.CompareAndSwap(int32(stateUnbound), int32(stateAccepting)) {
		ln.Close()
		return perrors.New("bind", l.config.Port, "", "", perrors.ErrListenerClosed)
	}

	port := ln.Addr().(*net.TCPAddr).Port
	l.port.Store(int32(port))
	l.ln = ln
	l.logger = l.config.Logger.With(slog.Int("port", port))

	l.admission.Activate(port)
	l.config.Metrics.ListenerUp()
	l.logger.Info("listening", slog.String("address", ln.Addr().String()),
		slog.String("backend", l.config.BackendAddress))
	return nil
}

// Serve runs the accept loop until Close. It returns nil when the listener
// was closed by its owner. The port is inactive once Serve returns.
func (l *Listener) Serve() error {
	l.mu.Lock()
	ln := l.ln
	l.mu.Unlock()
	if ln == nil {
		return perrors.New("accept", l.Port(), "", "", errors.New("listener not bound"))
	}
	defer l.deactivate()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if l.closed() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				l.logger.Error("listening socket closed unexpectedly", slog.String("error", err.Error()))
				return perrors.New("accept", l.Port(), "", "", perrors.ErrListenerClosed)
			}

			backoff = nextBackoff(backoff)
			l.config.Metrics.AcceptError(l.Port())
			l.logger.Warn("failed to accept connection",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", backoff))

			select {
			case <-time.After(backoff):
			case <-l.done:
				return nil
			}
			continue
		}

		backoff = 0
		l.admit(conn)
	}
}

// Close stops the accept loop and deactivates the port. Sessions already
// admitted keep running.
func (l *Listener) Close() error {
	prev := state(l.state.Swap(int32(stateClosed)))
	if prev == stateClosed {
		return nil
	}
	close(l.done)

	l.mu.Lock()
	ln := l.ln
	l.mu.Unlock()
	if ln == nil {
		return nil
	}

	l.deactivate()
	l.logger.Info("listener closed")
	return ln.Close()
}

// deactivate withdraws the port from admission once, whichever of Close or
// the accept loop gets there first.
func (l *Listener) deactivate() {
	l.down.Do(func() {
		l.admission.Deactivate(l.Port())
		l.config.Metrics.ListenerDown()
	})
}

// Wait blocks until every session admitted by this listener ended.
func (l *Listener) Wait() {
	l.sessions.Wait()
}

// Port returns the front port.
func (l *Listener) Port() int {
	return int(l.port.Load())
}

// Addr returns the bound address, or nil before Bind.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *Listener) closed() bool {
	return state(l.state.Load()) == stateClosed
}

// admit applies the admission policy to an accepted connection and starts
// its session.
func (l *Listener) admit(conn net.Conn) {
	port := l.Port()
	remote := conn.RemoteAddr().String()

	if err := l.reserve(port); err != nil {
		conn.Close()
		reason := metrics.ReasonLimited
		if errors.Is(err, perrors.ErrPortBlocked) {
			reason = metrics.ReasonBlocked
		}
		l.config.Metrics.Rejected(port, reason)
		l.logger.Info("connection refused",
			slog.String("error", perrors.New("admit", port, "", remote, err).Error()),
			slog.Int("max", l.admission.Max()))
		return
	}

	if l.config.IdleTimeout > 0 {
		conn = newIdleConn(conn, l.config.IdleTimeout)
	}

	c := registry.Connection{
		ID:          uuid.New().String(),
		RemoteAddr:  remote,
		FrontPort:   port,
		ConnectedAt: time.Now(),
	}
	if err := l.registry.Insert(c); err != nil {
		conn.Close()
		l.admission.Release()
		l.logger.Error("failed to register connection", slog.String("error", err.Error()))
		return
	}
	l.config.Metrics.Admitted(port)

	s := &session{
		listener: l,
		conn:     c,
		client:   conn,
		logger:   l.logger.With(slog.String("session", c.ID), slog.String("remote", remote)),
	}

	l.sessions.Add(1)
	go func() {
		defer l.sessions.Done()
		s.run()
	}()
}

// reserve takes a live connection slot on port. It fails with ErrPortBlocked
// or ErrCapacity and then holds no slot.
func (l *Listener) reserve(port int) error {
	if l.admission.IsBlocked(port) {
		return perrors.ErrPortBlocked
	}
	if !l.admission.TryAdmit() {
		return perrors.ErrCapacity
	}
	return nil
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptBackoff
	}
	if d *= 2; d > maxAcceptBackoff {
		return maxAcceptBackoff
	}
	return d
}
