// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"time"
)

// Context carries session metadata to Handler methods.
type Context struct {
	// SessionID is the registry identifier of the connection
	SessionID string

	// RemoteAddr is the client's network address
	RemoteAddr string

	// FrontPort is the port the client connected to
	FrontPort int

	// Backend is the address the session was relayed to
	Backend string

	// Upstream and Downstream count relayed bytes; set before OnDisconnect
	Upstream   int64
	Downstream int64

	// Duration is the session lifetime; set before OnDisconnect
	Duration time.Duration
}

// Handler receives session lifecycle notifications.
type Handler interface {
	// OnConnect is called after the backend connection is established and
	// before relaying starts.
	OnConnect(ctx context.Context, hctx *Context) error

	// OnDisconnect is called once both relay directions ended.
	OnDisconnect(ctx context.Context, hctx *Context) error
}

// NoopHandler is a Handler implementation that ignores every event.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) OnConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context) error {
	return nil
}
