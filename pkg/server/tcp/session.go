// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/pires/go-proxyproto"
	"github.com/threefour/omniport/pkg/breaker"
	perrors "github.com/threefour/omniport/pkg/errors"
	"github.com/threefour/omniport/pkg/handler"
	"github.com/threefour/omniport/pkg/registry"
	"github.com/threefour/omniport/pkg/relay"
)

const resolveTimeout = 2 * time.Second

// session turns one admitted connection into a relay to the backend.
type session struct {
	listener *Listener
	conn     registry.Connection
	client   net.Conn
	logger   *slog.Logger
}

// run dials the backend and relays until both directions ended. Teardown
// runs exactly once whatever happens in between.
func (s *session) run() {
	var (
		l         = s.listener
		backend   net.Conn
		hctx      *handler.Context
		connected bool
		res       relay.Result
	)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session panic", slog.Any("panic", r))
		}

		s.client.Close()
		if backend != nil {
			backend.Close()
		}
		// Release first: an empty registry implies a zero live count.
		l.admission.Release()
		l.registry.Remove(s.conn.ID)

		d := time.Since(s.conn.ConnectedAt)
		l.config.Metrics.Ended(s.conn.FrontPort, d)

		if connected {
			hctx.Upstream = res.Upstream.Bytes
			hctx.Downstream = res.Downstream.Bytes
			hctx.Duration = d
			s.notify("disconnect", func(ctx context.Context) error {
				return l.handler.OnDisconnect(ctx, hctx)
			})
		}
	}()

	if l.config.ResolveNames {
		go s.resolve()
	}

	backend, err := s.dial()
	if err != nil {
		return
	}

	if l.config.ProxyProtocol {
		header := proxyproto.HeaderProxyFromAddrs(2, s.client.RemoteAddr(), s.client.LocalAddr())
		if _, err := header.WriteTo(backend); err != nil {
			l.config.Metrics.BackendError("proxy_header")
			s.logger.Error("failed to write PROXY header", slog.String("error", err.Error()))
			return
		}
	}

	hctx = &handler.Context{
		SessionID:  s.conn.ID,
		RemoteAddr: s.conn.RemoteAddr,
		FrontPort:  s.conn.FrontPort,
		Backend:    l.config.BackendAddress,
	}
	connected = true
	s.notify("connect", func(ctx context.Context) error {
		return l.handler.OnConnect(ctx, hctx)
	})

	s.logger.Debug("connection established", slog.String("backend", l.config.BackendAddress))

	res = l.relay.Run(s.client, backend)

	l.config.Metrics.Relayed(relay.Upstream.String(), res.Upstream.Bytes)
	l.config.Metrics.Relayed(relay.Downstream.String(), res.Downstream.Bytes)

	if err := res.Err(); err != nil {
		l.config.Metrics.BackendError("relay")
		s.logger.Warn("relay failed", slog.String("error", err.Error()))
	} else if l.config.Debug {
		s.logger.Debug("relay finished",
			slog.Int64("bytes_up", res.Upstream.Bytes),
			slog.Int64("bytes_down", res.Downstream.Bytes),
			slog.String("upstream_end", endCause(res.Upstream.Err)),
			slog.String("downstream_end", endCause(res.Downstream.Err)))
	}
}

// dial opens the backend connection, through the breaker when configured.
func (s *session) dial() (net.Conn, error) {
	l := s.listener

	ctx, cancel := context.WithTimeout(context.Background(), l.config.DialTimeout)
	defer cancel()

	var conn net.Conn
	dial := func() error {
		var err error
		conn, err = l.config.Dial(ctx, "tcp", l.config.BackendAddress)
		return err
	}

	start := time.Now()
	var err error
	if l.config.Breaker != nil {
		err = l.config.Breaker.Call(dial)
	} else {
		err = dial()
	}
	l.config.Metrics.Dialed(time.Since(start))

	if err != nil {
		perr := perrors.New("dial", s.conn.FrontPort, s.conn.ID, s.conn.RemoteAddr,
			fmt.Errorf("%w: %w", perrors.ErrBackendUnavailable, err))
		if errors.Is(err, breaker.ErrOpen) {
			l.config.Metrics.BackendError("circuit_open")
			s.logger.Warn("backend circuit open, connection dropped", slog.String("error", perr.Error()))
		} else {
			l.config.Metrics.BackendError("dial")
			s.logger.Error("failed to dial backend", slog.String("error", perr.Error()))
		}
		return nil, perr
	}
	return conn, nil
}

// resolve records the client's host name. The session never waits for it.
func (s *session) resolve() {
	host, _, err := net.SplitHostPort(s.conn.RemoteAddr)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	names, err := s.listener.config.Resolve(ctx, host)
	if err != nil || len(names) == 0 {
		s.logger.Debug("reverse lookup failed", slog.String("host", host))
		return
	}
	s.listener.registry.Annotate(s.conn.ID, strings.TrimSuffix(names[0], "."))
}

// notify runs a handler hook, logging its error and containing its panics.
func (s *session) notify(event string, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic", slog.String("event", event), slog.Any("panic", r))
		}
	}()
	if err := fn(context.Background()); err != nil {
		s.logger.Error("handler error", slog.String("event", event), slog.String("error", err.Error()))
	}
}

func endCause(err error) string {
	if err == nil {
		return "eof"
	}
	return err.Error()
}
