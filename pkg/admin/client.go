// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/threefour/omniport/pkg/engine"
)

var (
	// ErrPortNotActive is returned when blocking or unblocking a port the
	// engine does not listen on.
	ErrPortNotActive = errors.New("port is not an active front port")

	// ErrBadRequest is returned when the server rejected the request.
	ErrBadRequest = errors.New("bad request")
)

// Client talks to a running admin server.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the admin server at addr. addr is either
// host:port or a full http URL.
func NewClient(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// Status fetches the engine summary.
func (c *Client) Status(ctx context.Context) (engine.Status, error) {
	var st engine.Status
	err := c.do(ctx, http.MethodGet, "/api/status", &st)
	return st, err
}

// Connections lists live connections. port 0 lists every port.
func (c *Client) Connections(ctx context.Context, port int) ([]engine.ConnectionInfo, error) {
	path := "/api/connections"
	if port != 0 {
		path += "?port=" + strconv.Itoa(port)
	}
	var out []engine.ConnectionInfo
	err := c.do(ctx, http.MethodGet, path, &out)
	return out, err
}

// Block blocks an active front port.
func (c *Client) Block(ctx context.Context, port int) (PortState, error) {
	return c.setBlocked(ctx, port, "block")
}

// Unblock opens an active front port.
func (c *Client) Unblock(ctx context.Context, port int) (PortState, error) {
	return c.setBlocked(ctx, port, "unblock")
}

func (c *Client) setBlocked(ctx context.Context, port int, action string) (PortState, error) {
	var st PortState
	err := c.do(ctx, http.MethodPost, "/api/ports/"+strconv.Itoa(port)+"/"+action, &st)
	return st, err
}

// Events streams connection events until ctx is done or the server closes
// the stream. fn is called for every event; a non-nil error from fn ends
// the stream and is returned.
func (c *Client) Events(ctx context.Context, fn func(Event) error) error {
	u, err := url.Parse(c.base + "/api/events")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		json.NewDecoder(resp.Body).Decode(&e)
		switch resp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrPortNotActive, e.Error)
		case http.StatusBadRequest:
			return fmt.Errorf("%w: %s", ErrBadRequest, e.Error)
		default:
			return fmt.Errorf("unexpected status %s: %s", resp.Status, e.Error)
		}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
