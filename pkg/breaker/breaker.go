// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package breaker guards backend dials with a circuit breaker. When the
// backend keeps refusing connections, admitted clients are turned away
// immediately instead of each waiting for its own dial timeout.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned while the breaker refuses calls.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds breaker configuration.
type Config struct {
	// MaxFailures is the number of consecutive dial failures that opens the
	// breaker.
	MaxFailures int
	// ResetTimeout is how long the breaker stays open before letting a probe
	// through.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of successful probes that closes a
	// half-open breaker.
	SuccessThreshold int
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	mu        sync.Mutex
	config    Config
	state     State
	failures  int
	successes int
	changedAt time.Time

	now           func() time.Time
	onStateChange func(from, to State)
}

// New creates a closed breaker.
func New(config Config) *Breaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}

	return &Breaker{
		config:    config,
		state:     StateClosed,
		changedAt: time.Now(),
		now:       time.Now,
	}
}

// OnStateChange registers a callback run after every transition, outside
// the breaker lock.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Call runs fn when the breaker allows it and records the outcome.
func (b *Breaker) Call(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	b.Record(err)
	return err
}

// Allow reports whether a call may proceed. An open breaker whose reset
// timeout elapsed moves to half-open and lets the call through.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	if b.state != StateOpen {
		b.mu.Unlock()
		return nil
	}
	if b.now().Sub(b.changedAt) < b.config.ResetTimeout {
		b.mu.Unlock()
		return ErrOpen
	}
	notify := b.transition(StateHalfOpen)
	b.mu.Unlock()

	notify()
	return nil
}

// Record feeds the outcome of an allowed call back into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	notify := func() {}
	if err != nil {
		b.failures++
		b.successes = 0
		switch b.state {
		case StateClosed:
			if b.failures >= b.config.MaxFailures {
				notify = b.transition(StateOpen)
			}
		case StateHalfOpen:
			notify = b.transition(StateOpen)
		}
	} else {
		switch b.state {
		case StateClosed:
			b.failures = 0
		case StateHalfOpen:
			b.successes++
			if b.successes >= b.config.SuccessThreshold {
				notify = b.transition(StateClosed)
			}
		}
	}
	b.mu.Unlock()

	notify()
}

// transition must be called with b.mu held. It returns the notification to
// run once the lock is released.
func (b *Breaker) transition(to State) func() {
	from := b.state
	if from == to {
		return func() {}
	}
	b.state = to
	b.changedAt = b.now()
	switch to {
	case StateClosed:
		b.failures = 0
		b.successes = 0
	case StateHalfOpen:
		b.successes = 0
	}

	fn := b.onStateChange
	if fn == nil {
		return func() {}
	}
	return func() { fn(from, to) }
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns breaker statistics.
func (b *Breaker) Stats() (state State, failures, successes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.failures, b.successes
}
