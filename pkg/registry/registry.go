// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package registry tracks the connections currently being forwarded.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Connection describes one forwarded session.
type Connection struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_address"`
	FrontPort   int       `json:"front_port"`
	ConnectedAt time.Time `json:"connected_at"`
	ClientInfo  string    `json:"client_info,omitempty"`
}

// Duration returns how long the connection has been open at now.
func (c Connection) Duration(now time.Time) time.Duration {
	d := now.Sub(c.ConnectedAt)
	if d < 0 {
		return 0
	}
	return d
}

// ConnectTime returns the wall clock time the connection was admitted.
func (c Connection) ConnectTime() string {
	return c.ConnectedAt.Local().Format("15:04:05")
}

// FormatDuration renders d the way operators read it in the status output:
// "42s", "3m 7s" or "2h 5m".
func FormatDuration(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs < 0 {
		secs = 0
	}
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm %ds", secs/60, secs%60)
	default:
		return fmt.Sprintf("%dh %dm", secs/3600, (secs%3600)/60)
	}
}

// Observer is notified after a connection enters or leaves the registry.
// Calls are made outside the registry lock, from the goroutine that changed
// the registry, so implementations must not block for long.
type Observer interface {
	Inserted(c Connection)
	Removed(c Connection)
}

// Registry is a concurrent table of live connections keyed by ID.
type Registry struct {
	mu        sync.RWMutex
	conns     map[string]Connection
	observers []Observer
}

// New creates an empty registry.
func New(observers ...Observer) *Registry {
	return &Registry{
		conns:     make(map[string]Connection),
		observers: observers,
	}
}

// Insert adds c. An ID may be inserted only once while it is live.
func (r *Registry) Insert(c Connection) error {
	r.mu.Lock()
	if _, ok := r.conns[c.ID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("connection %s already registered", c.ID)
	}
	r.conns[c.ID] = c
	r.mu.Unlock()

	for _, o := range r.observers {
		o.Inserted(c)
	}
	return nil
}

// Remove deletes the connection with the given ID and returns it. The
// second result is false when the ID was not registered.
func (r *Registry) Remove(id string) (Connection, bool) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	r.mu.Unlock()

	if ok {
		for _, o := range r.observers {
			o.Removed(c)
		}
	}
	return c, ok
}

// Annotate sets the client info of a live connection. It is a no-op when
// the connection already left.
func (r *Registry) Annotate(id, info string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return false
	}
	c.ClientInfo = info
	r.conns[id] = c
	return true
}

// Get returns the connection with the given ID.
func (r *Registry) Get(id string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns a copy of every live connection, oldest first.
func (r *Registry) Snapshot() []Connection {
	r.mu.RLock()
	out := make([]Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// ByPort groups a snapshot by front port.
func (r *Registry) ByPort() map[int][]Connection {
	out := make(map[int][]Connection)
	for _, c := range r.Snapshot() {
		out[c.FrontPort] = append(out[c.FrontPort], c)
	}
	return out
}
