// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for OmniPort.
//
// Every method accepts a nil receiver, so components take a *Metrics and
// callers that do not export metrics simply pass nil.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Rejection reasons.
const (
	ReasonBlocked = "blocked"
	ReasonLimited = "limited"
)

// Metrics holds all Prometheus metrics for OmniPort.
type Metrics struct {
	// Connection metrics
	ActiveConnections  *prometheus.GaugeVec
	TotalConnections   *prometheus.CounterVec
	ConnectionDuration *prometheus.HistogramVec
	AcceptErrors       *prometheus.CounterVec

	// Relay metrics
	BytesRelayed *prometheus.CounterVec

	// Backend metrics
	BackendErrors   *prometheus.CounterVec
	BackendDuration prometheus.Histogram

	// Listener metrics
	ActiveListeners prometheus.Gauge

	// Circuit breaker metrics
	CircuitBreakerState prometheus.Gauge
	CircuitBreakerTrips prometheus.Counter

	// Registry mirror metrics
	MirrorDropped prometheus.Counter
}

// New creates a new Metrics instance registered on reg. A nil reg uses the
// default Prometheus registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "omniport"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently forwarded connections",
			},
			[]string{"port"},
		),
		TotalConnections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of accepted connections by admission outcome",
			},
			[]string{"port", "status"},
		),
		ConnectionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Forwarded connection duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600, 3600},
			},
			[]string{"port"},
		),
		AcceptErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "accept_errors_total",
				Help:      "Total number of transient accept errors",
			},
			[]string{"port"},
		),
		BytesRelayed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relayed_bytes_total",
				Help:      "Total number of bytes relayed",
			},
			[]string{"direction"},
		),
		BackendErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_errors_total",
				Help:      "Total number of backend errors",
			},
			[]string{"error_type"},
		),
		BackendDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_dial_duration_seconds",
				Help:      "Backend dial duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		ActiveListeners: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_listeners",
				Help:      "Number of bound front ports",
			},
		),
		CircuitBreakerState: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Backend circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
		),
		CircuitBreakerTrips: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of backend circuit breaker trips",
			},
		),
		MirrorDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mirror_dropped_events_total",
				Help:      "Registry events dropped because the mirror queue was full",
			},
		),
	}
}

// Admitted records an admitted connection and marks it active.
func (m *Metrics) Admitted(port int) {
	if m == nil {
		return
	}
	p := strconv.Itoa(port)
	m.TotalConnections.WithLabelValues(p, "admitted").Inc()
	m.ActiveConnections.WithLabelValues(p).Inc()
}

// Rejected records a connection closed by admission.
func (m *Metrics) Rejected(port int, reason string) {
	if m == nil {
		return
	}
	m.TotalConnections.WithLabelValues(strconv.Itoa(port), reason).Inc()
}

// Ended records the end of an admitted connection.
func (m *Metrics) Ended(port int, d time.Duration) {
	if m == nil {
		return
	}
	p := strconv.Itoa(port)
	m.ActiveConnections.WithLabelValues(p).Dec()
	m.ConnectionDuration.WithLabelValues(p).Observe(d.Seconds())
}

// AcceptError records a transient accept failure.
func (m *Metrics) AcceptError(port int) {
	if m == nil {
		return
	}
	m.AcceptErrors.WithLabelValues(strconv.Itoa(port)).Inc()
}

// Relayed adds n bytes to the given direction.
func (m *Metrics) Relayed(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesRelayed.WithLabelValues(direction).Add(float64(n))
}

// BackendError records a backend failure of the given kind.
func (m *Metrics) BackendError(kind string) {
	if m == nil {
		return
	}
	m.BackendErrors.WithLabelValues(kind).Inc()
}

// Dialed records how long a backend dial took.
func (m *Metrics) Dialed(d time.Duration) {
	if m == nil {
		return
	}
	m.BackendDuration.Observe(d.Seconds())
}

// ListenerUp marks one more front port as bound.
func (m *Metrics) ListenerUp() {
	if m == nil {
		return
	}
	m.ActiveListeners.Inc()
}

// ListenerDown marks one front port as closed.
func (m *Metrics) ListenerDown() {
	if m == nil {
		return
	}
	m.ActiveListeners.Dec()
}

// BreakerState records the numeric state of the backend circuit breaker.
// A transition to open counts as a trip.
func (m *Metrics) BreakerState(state int, open bool) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.Set(float64(state))
	if open {
		m.CircuitBreakerTrips.Inc()
	}
}

// Dropped records a registry event the mirror could not queue.
func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.MirrorDropped.Inc()
}
