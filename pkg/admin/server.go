// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/threefour/omniport/pkg/engine"
	"github.com/threefour/omniport/pkg/health"
	"github.com/threefour/omniport/pkg/registry"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = pingPeriod + 10*time.Second
)

// Engine is the part of the forwarding engine the control plane drives.
type Engine interface {
	Status() engine.Status
	Connections() []registry.Connection
	SetBlocked(port int, blocked bool) bool
}

// PortState is the answer to a block or unblock request.
type PortState struct {
	Port    int  `json:"port"`
	Blocked bool `json:"blocked"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server exposes the control plane over HTTP.
type Server struct {
	engine   Engine
	hub      *Hub
	health   *health.Checker
	upgrader websocket.Upgrader
	logger   *slog.Logger
	now      func() time.Time
}

// NewServer creates the admin server. hub and checker may be nil, which
// disables the event stream and the health endpoints.
func NewServer(e Engine, hub *Hub, checker *health.Checker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine: e,
		hub:    hub,
		health: checker,
		// A nil CheckOrigin rejects browser origins other than the admin host.
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger,
		now:    time.Now,
	}
}

// Handler returns the HTTP routes of the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/connections", s.handleConnections)
	mux.HandleFunc("POST /api/ports/{port}/block", s.handleSetBlocked(true))
	mux.HandleFunc("POST /api/ports/{port}/unblock", s.handleSetBlocked(false))
	if s.hub != nil {
		mux.HandleFunc("GET /api/events", s.handleEvents)
	}
	if s.health != nil {
		mux.HandleFunc("GET /health", s.health.HTTPHandler())
		mux.HandleFunc("GET /ready", s.health.ReadinessHandler())
	}
	mux.HandleFunc("GET /live", health.LivenessHandler())
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	filter := 0
	if q := r.URL.Query().Get("port"); q != "" {
		p, err := parsePort(q)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid port " + strconv.Quote(q)})
			return
		}
		filter = p
	}

	now := s.now()
	out := []engine.ConnectionInfo{}
	for _, c := range s.engine.Connections() {
		if filter != 0 && c.FrontPort != filter {
			continue
		}
		out = append(out, engine.Describe(c, now))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSetBlocked(blocked bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.PathValue("port")
		port, err := parsePort(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid port " + strconv.Quote(raw)})
			return
		}
		if !s.engine.SetBlocked(port, blocked) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "port " + raw + " is not an active front port"})
			return
		}
		s.logger.Info("port status changed via admin API",
			slog.Int("port", port),
			slog.Bool("blocked", blocked),
			slog.String("remote", r.RemoteAddr))
		writeJSON(w, http.StatusOK, PortState{Port: port, Blocked: blocked})
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade event stream",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	events, cancel := s.hub.Subscribe()
	defer cancel()

	// The reader only exists to observe the peer closing and to handle
	// control frames.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event stream closed", slog.String("error", err.Error()))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if p < 1 || p > 65535 {
		return 0, strconv.ErrRange
	}
	return p, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
