// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package admission decides, once per accepted connection, whether it may be
// forwarded: the front port must be open and the live connection count must
// be under the configured ceiling.
package admission

import (
	"slices"
	"sync"
	"sync/atomic"
)

// Controller holds the per-port blocked flags and the global live
// connection counter. All methods are safe for concurrent use.
type Controller struct {
	mu      sync.RWMutex
	blocked map[int]bool // active ports only

	live atomic.Int64
	max  int64
}

// New creates a controller with the given connection ceiling.
func New(max int) *Controller {
	return &Controller{
		blocked: make(map[int]bool),
		max:     int64(max),
	}
}

// Activate marks port as an active front port. A newly activated port is
// open.
func (c *Controller) Activate(port int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocked[port] = false
}

// Deactivate removes port from the active set.
func (c *Controller) Deactivate(port int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.blocked, port)
}

// Reset clears the active port table. The live counter is left untouched
// since sessions outlive the listeners that admitted them.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocked = make(map[int]bool)
}

// IsBlocked reports whether port is blocked. Unknown ports are not blocked.
func (c *Controller) IsBlocked(port int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocked[port]
}

// IsActive reports whether port is an active front port.
func (c *Controller) IsActive(port int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.blocked[port]
	return ok
}

// SetBlocked sets the blocked flag of an active port. It returns false and
// changes nothing when the port is not active.
func (c *Controller) SetBlocked(port int, blocked bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.blocked[port]; !ok {
		return false
	}
	c.blocked[port] = blocked
	return true
}

// Ports returns the active ports in ascending order.
func (c *Controller) Ports() []int {
	c.mu.RLock()
	ports := make([]int, 0, len(c.blocked))
	for p := range c.blocked {
		ports = append(ports, p)
	}
	c.mu.RUnlock()
	slices.Sort(ports)
	return ports
}

// Status returns a copy of the blocked flag of every active port.
func (c *Controller) Status() map[int]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int]bool, len(c.blocked))
	for p, b := range c.blocked {
		out[p] = b
	}
	return out
}

// TryAdmit takes one slot under the ceiling. It returns false, without side
// effect, when the ceiling is already reached.
func (c *Controller) TryAdmit() bool {
	for {
		cur := c.live.Load()
		if cur >= c.max {
			return false
		}
		if c.live.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release gives back one slot taken by TryAdmit. The counter never drops
// below zero.
func (c *Controller) Release() {
	for {
		cur := c.live.Load()
		if cur <= 0 {
			return
		}
		if c.live.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Live returns the current live connection count.
func (c *Controller) Live() int {
	return int(c.live.Load())
}

// Max returns the configured ceiling.
func (c *Controller) Max() int {
	return int(c.max)
}
