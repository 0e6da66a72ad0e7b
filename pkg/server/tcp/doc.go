// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the per-port listener of the forwarding engine and
// the session that relays one admitted connection.
//
// # Listener states
//
//	Unbound ──Bind──▶ Accepting ──Close──▶ Closed
//
// Bind opens the socket and activates the port in the admission controller.
// Serve runs the accept loop. Close closes the socket, which unblocks a
// pending Accept; the loop recognises its own shutdown and returns nil.
// Any other accept error is logged and retried with an exponential backoff
// from 5ms to 1s, so a single failed accept never takes the port down.
//
// # Connection flow
//
//  1. Accept
//  2. Port blocked: close, nothing else happens
//  3. Connection ceiling reached: close, nothing else happens
//  4. Wrap the client with the idle timeout, insert it in the registry
//  5. Session: dial backend, optional PROXY v2 header, OnConnect
//  6. Relay both directions until both ended
//  7. Teardown: close both sockets, remove from the registry, release the
//     admission slot, OnDisconnect
//
// Teardown is a single deferred function that also recovers panics, so a
// registered connection is always removed and its slot always released.
//
// # Example
//
//	ac := admission.New(100)
//	reg := registry.New()
//	l := tcp.New(tcp.Config{
//		Port:           25566,
//		BackendAddress: "127.0.0.1:25565",
//		IdleTimeout:    30 * time.Second,
//	}, ac, reg, nil)
//	if err := l.Bind(); err != nil {
//		return err
//	}
//	go l.Serve()
package tcp
