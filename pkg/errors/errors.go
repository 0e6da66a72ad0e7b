// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the fault kinds of the forwarding engine and the
// classification used to tell expected closures from genuine faults.
package errors

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

var (
	// ErrPortBlocked indicates a connection arrived on a blocked front port.
	ErrPortBlocked = errors.New("port blocked")

	// ErrCapacity indicates the live connection ceiling was reached.
	ErrCapacity = errors.New("connection limit reached")

	// ErrBackendUnavailable indicates the backend could not be dialed.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrListenerClosed indicates the listener was closed by its owner.
	ErrListenerClosed = errors.New("listener closed")

	// ErrAlreadyRunning is returned when starting an engine twice.
	ErrAlreadyRunning = errors.New("engine already running")

	// ErrInvalidConfig indicates a configuration value is out of range.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ProxyError wraps a fault with the session it happened in.
type ProxyError struct {
	Op         string // Operation that failed (bind, accept, dial, relay)
	Port       int    // Front port
	SessionID  string // Connection identifier, empty before admission
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s :%d [%s] %s: %v", e.Op, e.Port, e.SessionID, e.RemoteAddr, e.Err)
	}
	if e.RemoteAddr != "" {
		return fmt.Sprintf("%s :%d %s: %v", e.Op, e.Port, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s :%d: %v", e.Op, e.Port, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Err
}

// New creates a new ProxyError. It returns nil for a nil err.
func New(op string, port int, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &ProxyError{
		Op:         op,
		Port:       port,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// IsExpectedClose reports whether err is one of the faults a relay or an
// accept loop sees when a peer goes away, an idle deadline fires or the
// engine closes its own sockets. Such errors end a stream normally.
func IsExpectedClose(err error) bool {
	if err == nil {
		return true
	}
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE):
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
