// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"sync"
	"time"

	"github.com/threefour/omniport/pkg/engine"
	"github.com/threefour/omniport/pkg/registry"
)

// Event types.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

const subscriberBuffer = 64

// Event is one registry change as streamed on /api/events.
type Event struct {
	Type       string                `json:"type"`
	Time       time.Time             `json:"time"`
	Connection engine.ConnectionInfo `json:"connection"`
}

// Hub fans registry changes out to event subscribers. A subscriber that
// falls behind loses events instead of slowing down sessions.
type Hub struct {
	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	now    func() time.Time
	closed bool
}

var _ registry.Observer = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[chan Event]struct{}),
		now:  time.Now,
	}
}

// Inserted implements registry.Observer.
func (h *Hub) Inserted(c registry.Connection) {
	h.publish(EventConnect, c)
}

// Removed implements registry.Observer.
func (h *Hub) Removed(c registry.Connection) {
	h.publish(EventDisconnect, c)
}

func (h *Hub) publish(kind string, c registry.Connection) {
	now := h.now()
	ev := Event{Type: kind, Time: now, Connection: engine.Describe(c, now)}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of events and a function that ends the
// subscription and closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
}

// Subscribers returns the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}
