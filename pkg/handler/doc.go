// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the hooks a forwarded session reports to.
//
// The engine never looks at relayed bytes, so a Handler only sees session
// boundaries:
//
//	Client → Listener (admit) → dial backend → OnConnect → relay ... → OnDisconnect
//
// OnConnect runs once the backend dial succeeded, before any byte is
// relayed. OnDisconnect runs during teardown for every session that reached
// OnConnect, with the byte counters and duration filled in.
//
// Errors returned by either hook are logged and otherwise ignored: a hook
// cannot veto a connection that admission already accepted.
//
// # Example
//
//	type auditHandler struct {
//		log *slog.Logger
//	}
//
//	func (h *auditHandler) OnConnect(ctx context.Context, hctx *handler.Context) error {
//		h.log.Info("session opened", slog.String("remote", hctx.RemoteAddr))
//		return nil
//	}
//
//	func (h *auditHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
//		h.log.Info("session closed", slog.Int64("bytes_up", hctx.Upstream))
//		return nil
//	}
package handler
