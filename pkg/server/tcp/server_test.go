// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pires/go-proxyproto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/threefour/omniport/pkg/admission"
	"github.com/threefour/omniport/pkg/breaker"
	perrors "github.com/threefour/omniport/pkg/errors"
	"github.com/threefour/omniport/pkg/handler"
	"github.com/threefour/omniport/pkg/metrics"
	"github.com/threefour/omniport/pkg/registry"
	"github.com/threefour/omniport/pkg/relay"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// testBackend accepts connections and hands them to the test.
type testBackend struct {
	ln       net.Listener
	accepted atomic.Int32
	conns    chan net.Conn
}

func newTestBackend(t *testing.T) *testBackend {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create backend listener: %v", err)
	}
	b := &testBackend{ln: ln, conns: make(chan net.Conn, 16)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			b.accepted.Add(1)
			b.conns <- conn
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return b
}

func (b *testBackend) addr() string {
	return b.ln.Addr().String()
}

func (b *testBackend) next(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-b.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("Backend did not receive a connection")
		return nil
	}
}

type recorder struct {
	inserted atomic.Int32
	removed  atomic.Int32
}

func (r *recorder) Inserted(registry.Connection) { r.inserted.Add(1) }
func (r *recorder) Removed(registry.Connection)  { r.removed.Add(1) }

type mockHandler struct {
	mu             sync.Mutex
	connects       int
	disconnects    int
	lastDisconnect handler.Context
}

func (m *mockHandler) OnConnect(ctx context.Context, hctx *handler.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	return nil
}

func (m *mockHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects++
	m.lastDisconnect = *hctx
	return nil
}

func (m *mockHandler) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects, m.disconnects
}

type fixture struct {
	listener  *Listener
	admission *admission.Controller
	registry  *registry.Registry
	recorder  *recorder
	serveErr  chan error
}

func startListener(t *testing.T, cfg Config, max int, h handler.Handler) *fixture {
	t.Helper()

	cfg.Host = "127.0.0.1"
	if cfg.Logger == nil {
		cfg.Logger = testLogger
	}

	f := &fixture{
		admission: admission.New(max),
		recorder:  &recorder{},
		serveErr:  make(chan error, 1),
	}
	f.registry = registry.New(f.recorder)
	f.listener = New(cfg, f.admission, f.registry, h)

	if err := f.listener.Bind(); err != nil {
		t.Fatalf("Failed to bind: %v", err)
	}
	go func() {
		f.serveErr <- f.listener.Serve()
	}()
	t.Cleanup(func() { f.listener.Close() })
	return f
}

func (f *fixture) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", f.listener.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial front port: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *fixture) drained() bool {
	return f.registry.Len() == 0 && f.admission.Live() == 0
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// expectClosed fails unless the proxy closes conn.
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := conn.Read(make([]byte, 1))
	if err == nil {
		t.Fatal("Expected connection to be closed, read succeeded")
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("Expected connection to be closed, read timed out")
	}
}

func exchange(t *testing.T, client, backend net.Conn) {
	t.Helper()

	if _, err := client.Write([]byte("PING")); err != nil {
		t.Fatalf("Client write failed: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(backend, buf); err != nil || string(buf) != "PING" {
		t.Fatalf("Backend expected PING, got %q %v", buf, err)
	}
	if _, err := backend.Write([]byte("PONG")); err != nil {
		t.Fatalf("Backend write failed: %v", err)
	}
	if _, err := io.ReadFull(client, buf); err != nil || string(buf) != "PONG" {
		t.Fatalf("Client expected PONG, got %q %v", buf, err)
	}
}

func TestListener_PingPong(t *testing.T) {
	be := newTestBackend(t)
	f := startListener(t, Config{BackendAddress: be.addr()}, 10, nil)

	client := f.dial(t)
	client.Write([]byte("PING"))
	bc := be.next(t)

	buf := make([]byte, 4)
	if _, err := io.ReadFull(bc, buf); err != nil || string(buf) != "PING" {
		t.Fatalf("Backend expected PING, got %q %v", buf, err)
	}
	bc.Write([]byte("PONG"))
	if _, err := io.ReadFull(client, buf); err != nil || string(buf) != "PONG" {
		t.Fatalf("Client expected PONG, got %q %v", buf, err)
	}

	snap := f.registry.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Expected 1 registered connection, got %d", len(snap))
	}
	if snap[0].FrontPort != f.listener.Port() {
		t.Errorf("Expected front port %d, got %d", f.listener.Port(), snap[0].FrontPort)
	}
	if snap[0].RemoteAddr != client.LocalAddr().String() {
		t.Errorf("Expected remote %s, got %s", client.LocalAddr(), snap[0].RemoteAddr)
	}
	if f.admission.Live() != f.registry.Len() {
		t.Errorf("Expected live count %d to match registry", f.admission.Live())
	}

	client.Close()
	if _, err := io.ReadAll(bc); err != nil {
		t.Fatalf("Backend expected EOF, got %v", err)
	}
	bc.Close()

	eventually(t, f.drained, "Expected connection to be deregistered after disconnect")
	if f.recorder.inserted.Load() != 1 || f.recorder.removed.Load() != 1 {
		t.Errorf("Expected exactly one insert and one remove, got %d and %d",
			f.recorder.inserted.Load(), f.recorder.removed.Load())
	}
}

func TestListener_BlockedPort(t *testing.T) {
	be := newTestBackend(t)
	f := startListener(t, Config{BackendAddress: be.addr()}, 10, nil)

	if !f.admission.SetBlocked(f.listener.Port(), true) {
		t.Fatal("Expected active port to be blockable")
	}

	for i := 0; i < 3; i++ {
		expectClosed(t, f.dial(t))
	}

	time.Sleep(50 * time.Millisecond)
	if n := be.accepted.Load(); n != 0 {
		t.Errorf("Expected no backend dial on a blocked port, got %d", n)
	}
	if n := f.recorder.inserted.Load(); n != 0 {
		t.Errorf("Expected no registry insert on a blocked port, got %d", n)
	}
	if f.admission.Live() != 0 {
		t.Errorf("Expected live count 0, got %d", f.admission.Live())
	}

	f.admission.SetBlocked(f.listener.Port(), false)
	client := f.dial(t)
	exchange(t, client, be.next(t))
}

func TestListener_Ceiling(t *testing.T) {
	be := newTestBackend(t)
	f := startListener(t, Config{BackendAddress: be.addr()}, 1, nil)

	first := f.dial(t)
	second := f.dial(t)

	// Exactly one of two simultaneous clients is closed by the listener.
	results := make(chan bool, 2)
	for _, c := range []net.Conn{first, second} {
		go func(c net.Conn) {
			c.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
			_, err := c.Read(make([]byte, 1))
			var ne net.Error
			results <- errors.As(err, &ne) && ne.Timeout()
		}(c)
	}

	open := 0
	for i := 0; i < 2; i++ {
		if <-results {
			open++
		}
	}
	if open != 1 {
		t.Fatalf("Expected exactly one admitted client, got %d", open)
	}

	be.next(t)
	time.Sleep(50 * time.Millisecond)
	if n := be.accepted.Load(); n != 1 {
		t.Errorf("Expected exactly one backend dial, got %d", n)
	}
	if f.admission.Live() != 1 || f.registry.Len() != 1 {
		t.Errorf("Expected live 1 and registry 1, got %d and %d", f.admission.Live(), f.registry.Len())
	}
	if f.recorder.inserted.Load() != 1 {
		t.Errorf("Expected the refused client to stay out of the registry")
	}
}

func TestListener_BackendDialFailure(t *testing.T) {
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	addr := dead.Addr().String()
	dead.Close()

	h := &mockHandler{}
	f := startListener(t, Config{BackendAddress: addr, DialTimeout: time.Second}, 10, h)

	expectClosed(t, f.dial(t))
	eventually(t, f.drained, "Expected no registry entry after a failed dial")

	if f.recorder.inserted.Load() != 1 || f.recorder.removed.Load() != 1 {
		t.Errorf("Expected one insert and one remove, got %d and %d",
			f.recorder.inserted.Load(), f.recorder.removed.Load())
	}
	if c, d := h.counts(); c != 0 || d != 0 {
		t.Errorf("Expected no handler calls for a failed dial, got %d and %d", c, d)
	}

	// The listener survives and keeps accepting.
	expectClosed(t, f.dial(t))
	eventually(t, func() bool { return f.recorder.removed.Load() == 2 }, "Expected second session teardown")
}

func TestListener_BackendDisconnect(t *testing.T) {
	be := newTestBackend(t)
	f := startListener(t, Config{BackendAddress: be.addr()}, 10, nil)

	client := f.dial(t)
	be.next(t).Close()

	expectClosed(t, client)
	client.Close()
	eventually(t, f.drained, "Expected connection to be deregistered after backend disconnect")
}

func TestListener_IdleTimeout(t *testing.T) {
	be := newTestBackend(t)
	f := startListener(t, Config{BackendAddress: be.addr(), IdleTimeout: 100 * time.Millisecond}, 10, nil)

	client := f.dial(t)
	be.next(t)

	expectClosed(t, client)
	eventually(t, f.drained, "Expected idle connection to be torn down")
}

func TestListener_HalfCloseOutlivesIdleTimeout(t *testing.T) {
	be := newTestBackend(t)
	f := startListener(t, Config{BackendAddress: be.addr(), IdleTimeout: 100 * time.Millisecond}, 10, nil)

	client := f.dial(t)
	bc := be.next(t)
	exchange(t, client, bc)

	if err := client.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatalf("Client half-close failed: %v", err)
	}
	bc.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadAll(bc); err != nil {
		t.Fatalf("Backend expected EOF, got %v", err)
	}

	// The backend still holds its half open; the session waits for it.
	time.Sleep(300 * time.Millisecond)
	if f.registry.Len() != 1 {
		t.Fatalf("Expected half-closed session to stay registered, got %d", f.registry.Len())
	}

	if _, err := bc.Write([]byte("LATE")); err != nil {
		t.Fatalf("Backend write failed: %v", err)
	}
	buf := make([]byte, 4)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(client, buf); err != nil || string(buf) != "LATE" {
		t.Fatalf("Client expected LATE, got %q %v", buf, err)
	}

	bc.Close()
	eventually(t, f.drained, "Expected session teardown once the backend closed")
}

func TestListener_CloseDrainsSessions(t *testing.T) {
	be := newTestBackend(t)
	f := startListener(t, Config{BackendAddress: be.addr()}, 10, nil)

	addr := f.listener.Addr().String()
	client := f.dial(t)
	bc := be.next(t)
	exchange(t, client, bc)

	if err := f.listener.Close(); err != nil {
		t.Fatalf("Unexpected close error: %v", err)
	}
	select {
	case err := <-f.serveErr:
		if err != nil {
			t.Errorf("Expected Serve to return nil after Close, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Accept loop did not stop")
	}
	if f.admission.IsActive(f.listener.Port()) {
		t.Error("Expected port to be inactive after Close")
	}
	if conn, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		conn.Close()
		t.Error("Expected closed listener to refuse connections")
	}

	// The in-flight relay keeps working.
	exchange(t, client, bc)
	if f.registry.Len() != 1 {
		t.Fatalf("Expected in-flight connection to stay registered, got %d", f.registry.Len())
	}

	client.Close()
	bc.Close()

	waited := make(chan struct{})
	go func() {
		f.listener.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("Session did not finish")
	}
	if !f.drained() {
		t.Error("Expected registry and counter to be empty after drain")
	}
	if err := f.listener.Close(); err != nil {
		t.Errorf("Expected second Close to be a no-op, got %v", err)
	}
}

func TestListener_SocketClosedUnderneath(t *testing.T) {
	be := newTestBackend(t)
	m := metrics.New("test", prometheus.NewRegistry())
	f := startListener(t, Config{BackendAddress: be.addr(), Metrics: m}, 10, nil)
	port := f.listener.Port()

	if got := testutil.ToFloat64(m.ActiveListeners); got != 1 {
		t.Fatalf("Expected 1 active listener, got %v", got)
	}

	f.listener.mu.Lock()
	f.listener.ln.Close()
	f.listener.mu.Unlock()

	select {
	case err := <-f.serveErr:
		if !errors.Is(err, perrors.ErrListenerClosed) {
			t.Errorf("Expected ErrListenerClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Accept loop did not stop")
	}

	if f.admission.IsActive(port) {
		t.Error("Expected port to be inactive after the accept loop ended")
	}
	if f.admission.SetBlocked(port, true) {
		t.Error("Expected blocking a dead port to fail")
	}
	if got := testutil.ToFloat64(m.ActiveListeners); got != 0 {
		t.Errorf("Expected 0 active listeners, got %v", got)
	}

	f.listener.Close()
	if got := testutil.ToFloat64(m.ActiveListeners); got != 0 {
		t.Errorf("Expected Close after exit not to decrement again, got %v", got)
	}
}

func TestListener_Reserve(t *testing.T) {
	ac := admission.New(1)
	l := New(Config{Host: "127.0.0.1", Logger: testLogger}, ac, registry.New(), nil)
	if err := l.Bind(); err != nil {
		t.Fatalf("Failed to bind: %v", err)
	}
	defer l.Close()
	port := l.Port()

	tests := []struct {
		name    string
		blocked bool
		want    error
		live    int
	}{
		{"admitted", false, nil, 1},
		{"limit reached", false, perrors.ErrCapacity, 1},
		{"blocked", true, perrors.ErrPortBlocked, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ac.SetBlocked(port, tt.blocked)
			err := l.reserve(port)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
			if ac.Live() != tt.live {
				t.Errorf("Expected live count %d, got %d", tt.live, ac.Live())
			}
		})
	}

	err := perrors.New("admit", port, "", "10.0.0.1:4000", perrors.ErrPortBlocked)
	if !errors.Is(err, perrors.ErrPortBlocked) {
		t.Errorf("Expected rejection error to wrap ErrPortBlocked, got %v", err)
	}
}

func TestListener_TeardownReleasesBeforeDeregister(t *testing.T) {
	be := newTestBackend(t)
	f := startListener(t, Config{BackendAddress: be.addr()}, 10, nil)

	const n = 8
	clients := make([]net.Conn, n)
	backends := make([]net.Conn, n)
	for i := range clients {
		clients[i] = f.dial(t)
		backends[i] = be.next(t)
	}
	eventually(t, func() bool { return f.registry.Len() == n }, "Expected every client registered")

	stop := make(chan struct{})
	violations := make(chan string, 1)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			registered := f.registry.Len()
			if live := f.admission.Live(); live > registered {
				select {
				case violations <- "live count exceeded registry size":
				default:
				}
			}
		}
	}()

	for i := range clients {
		clients[i].Close()
		backends[i].Close()
	}
	eventually(t, func() bool { return f.registry.Len() == 0 }, "Expected every connection deregistered")
	live := f.admission.Live()
	close(stop)

	if live != 0 {
		t.Errorf("Expected live count 0 once the registry is empty, got %d", live)
	}
	select {
	case v := <-violations:
		t.Error(v)
	default:
	}
}

func TestListener_ProxyProtocol(t *testing.T) {
	be := newTestBackend(t)
	f := startListener(t, Config{BackendAddress: be.addr(), ProxyProtocol: true}, 10, nil)

	client := f.dial(t)
	client.Write([]byte("PING"))

	br := bufio.NewReader(be.next(t))
	header, err := proxyproto.Read(br)
	if err != nil {
		t.Fatalf("Failed to read PROXY header: %v", err)
	}
	if header.Version != 2 {
		t.Errorf("Expected PROXY v2, got %d", header.Version)
	}
	if header.SourceAddr.String() != client.LocalAddr().String() {
		t.Errorf("Expected source %s, got %s", client.LocalAddr(), header.SourceAddr)
	}
	if dst, ok := header.DestinationAddr.(*net.TCPAddr); !ok || dst.Port != f.listener.Port() {
		t.Errorf("Expected destination port %d, got %v", f.listener.Port(), header.DestinationAddr)
	}

	buf := make([]byte, 4)
	if _, err := io.ReadFull(br, buf); err != nil || string(buf) != "PING" {
		t.Fatalf("Expected PING after header, got %q %v", buf, err)
	}
}

func TestListener_ResolveNames(t *testing.T) {
	be := newTestBackend(t)
	cfg := Config{
		BackendAddress: be.addr(),
		ResolveNames:   true,
		Resolve: func(ctx context.Context, addr string) ([]string, error) {
			if addr != "127.0.0.1" {
				return nil, errors.New("unexpected address " + addr)
			}
			return []string{"player.example."}, nil
		},
	}
	f := startListener(t, cfg, 10, nil)

	f.dial(t)
	be.next(t)

	eventually(t, func() bool {
		snap := f.registry.Snapshot()
		return len(snap) == 1 && snap[0].ClientInfo == "player.example"
	}, "Expected client info to be recorded")
}

func TestListener_BreakerFailsFast(t *testing.T) {
	var dials atomic.Int32
	cfg := Config{
		BackendAddress: "127.0.0.1:1",
		Breaker:        breaker.New(breaker.Config{MaxFailures: 1, ResetTimeout: time.Hour}),
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			dials.Add(1)
			return nil, errors.New("connection refused")
		},
	}
	f := startListener(t, cfg, 10, nil)

	expectClosed(t, f.dial(t))
	eventually(t, f.drained, "Expected first session to be torn down")
	expectClosed(t, f.dial(t))
	eventually(t, func() bool { return f.recorder.removed.Load() == 2 }, "Expected second session teardown")

	if n := dials.Load(); n != 1 {
		t.Errorf("Expected the open breaker to skip the second dial, got %d dials", n)
	}
}

func TestListener_HandlerHooks(t *testing.T) {
	be := newTestBackend(t)
	h := &mockHandler{}
	f := startListener(t, Config{BackendAddress: be.addr()}, 10, h)

	client := f.dial(t)
	bc := be.next(t)
	exchange(t, client, bc)

	client.Close()
	io.ReadAll(bc)
	bc.Close()

	eventually(t, func() bool {
		_, d := h.counts()
		return d == 1
	}, "Expected OnDisconnect")

	c, _ := h.counts()
	if c != 1 {
		t.Errorf("Expected one OnConnect, got %d", c)
	}
	h.mu.Lock()
	got := h.lastDisconnect
	h.mu.Unlock()
	if got.Upstream != 4 || got.Downstream != 4 {
		t.Errorf("Expected 4 bytes each way, got %d and %d", got.Upstream, got.Downstream)
	}
	if got.FrontPort != f.listener.Port() || got.Backend != be.addr() {
		t.Errorf("Unexpected context %+v", got)
	}
}

func TestListener_BindErrors(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer taken.Close()
	port := taken.Addr().(*net.TCPAddr).Port

	ac := admission.New(1)
	reg := registry.New()

	l := New(Config{Host: "127.0.0.1", Port: port, Logger: testLogger}, ac, reg, nil)
	if err := l.Bind(); err == nil {
		t.Fatal("Expected bind on a used port to fail")
	}
	if l.Addr() != nil {
		t.Error("Expected no address after failed bind")
	}
	if ac.IsActive(port) {
		t.Error("Expected failed port to stay inactive")
	}
	if err := l.Serve(); err == nil {
		t.Error("Expected Serve on an unbound listener to fail")
	}

	closed := New(Config{Host: "127.0.0.1", Logger: testLogger}, ac, reg, nil)
	closed.Close()
	if err := closed.Bind(); !errors.Is(err, perrors.ErrListenerClosed) {
		t.Errorf("Expected ErrListenerClosed binding a closed listener, got %v", err)
	}

	twice := New(Config{Host: "127.0.0.1", Logger: testLogger}, ac, reg, nil)
	if err := twice.Bind(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer twice.Close()
	if err := twice.Bind(); !errors.Is(err, perrors.ErrListenerClosed) {
		t.Errorf("Expected second Bind to fail, got %v", err)
	}
	if !ac.IsActive(twice.Port()) {
		t.Error("Expected bound port to be active")
	}
}

func TestNew_DefaultConfig(t *testing.T) {
	l := New(Config{}, admission.New(1), registry.New(), nil)

	if l.config.Logger == nil {
		t.Error("Expected default logger to be set")
	}
	if l.config.IdleTimeout != 30*time.Second {
		t.Errorf("Expected default idle timeout 30s, got %v", l.config.IdleTimeout)
	}
	if l.config.DialTimeout != 5*time.Second {
		t.Errorf("Expected default dial timeout 5s, got %v", l.config.DialTimeout)
	}
	if l.relay == nil || l.relay.BufferSize() != relay.DefaultBufferSize {
		t.Error("Expected default relay with 8 KiB buffers")
	}
	if l.handler == nil || l.config.Dial == nil || l.config.Resolve == nil {
		t.Error("Expected default handler, dialer and resolver")
	}
}

func TestNextBackoff(t *testing.T) {
	d := nextBackoff(0)
	if d != minAcceptBackoff {
		t.Errorf("Expected first backoff %v, got %v", minAcceptBackoff, d)
	}
	for i := 0; i < 20; i++ {
		d = nextBackoff(d)
	}
	if d != maxAcceptBackoff {
		t.Errorf("Expected backoff to cap at %v, got %v", maxAcceptBackoff, d)
	}
}

func TestIdleConn_Timeout(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	c := newIdleConn(a, 50*time.Millisecond)
	defer c.Close()

	start := time.Now()
	_, err := c.Read(make([]byte, 1))
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("Expected deadline error, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Idle timeout fired too late")
	}

	if err := c.CloseWrite(); err != nil {
		t.Errorf("Expected CloseWrite fallback to close the pipe, got %v", err)
	}
}
