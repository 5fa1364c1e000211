// Snapgather - Event Photo Sharing Client SDK
// Copyright 2026 Snapgather Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snapgather/snapgather-go

package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/snapgather/snapgather-go/internal/common"
	"github.com/snapgather/snapgather-go/internal/protocol"
)

// wsServer is a minimal in-process server speaking the handshake half
// of the protocol.
type wsServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	handshakes atomic.Int32
	authFail   bool
	authDelay  time.Duration

	// upgradeDelay stalls the websocket upgrade, holding the client
	// mid-dial.
	upgradeDelay time.Duration

	// dropFirst closes the first authenticated connection immediately,
	// simulating an unexpected transport loss.
	dropFirst bool
	dropped   atomic.Bool

	mu     sync.Mutex
	hellos []protocol.Hello
	conns  []*websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) close() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	s.srv.Close()
}

func (s *wsServer) handle(w http.ResponseWriter, r *http.Request) {
	if s.upgradeDelay > 0 {
		time.Sleep(s.upgradeDelay)
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	var frame protocol.Frame
	if err := conn.ReadJSON(&frame); err != nil || frame.Type != protocol.TypeHello {
		_ = conn.Close()
		return
	}
	var hello protocol.Hello
	_ = frame.Decode(&hello)
	s.mu.Lock()
	s.hellos = append(s.hellos, hello)
	s.mu.Unlock()
	s.handshakes.Add(1)

	if s.authDelay > 0 {
		time.Sleep(s.authDelay)
	}

	if s.authFail {
		reject, _ := protocol.NewFrame(protocol.TypeError, protocol.ErrorFrame{
			Code:    protocol.CodeAuthFailed,
			Message: "invalid token",
		})
		_ = conn.WriteJSON(reject)
		_ = conn.Close()
		return
	}

	ack, _ := protocol.NewFrame(protocol.TypeAuthenticated, protocol.Authenticated{ClientID: hello.ClientID})
	if err := conn.WriteJSON(ack); err != nil {
		_ = conn.Close()
		return
	}

	if s.dropFirst && s.dropped.CompareAndSwap(false, true) {
		_ = conn.Close()
		return
	}

	// Drain client frames until the connection ends.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// push sends a frame on the most recent live connection.
func (s *wsServer) push(t *testing.T, frame protocol.Frame) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		t.Fatal("no server-side connection to push on")
	}
	if err := s.conns[len(s.conns)-1].WriteJSON(frame); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func testConfig(url string) Config {
	return Config{
		URL:              url,
		ShareToken:       "share-test",
		Role:             protocol.RoleGuest,
		HandshakeTimeout: 2 * time.Second,
		ReconnectDelay:   50 * time.Millisecond,
		PingInterval:     20 * time.Millisecond,
		ReadTimeout:      2 * time.Second,
	}
}

func TestConnectAuthenticates(t *testing.T) {
	s := newWSServer(t)
	m := NewManager(testConfig(s.url()))
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := m.State(); got != StateAuthenticated {
		t.Errorf("state = %v, want authenticated", got)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.hellos) != 1 {
		t.Fatalf("hellos = %d, want 1", len(s.hellos))
	}
	h := s.hellos[0]
	if h.Role != protocol.RoleGuest || h.ShareToken != "share-test" || h.ClientID != m.ClientID() {
		t.Errorf("hello = %+v", h)
	}
}

func TestConnectSingleFlight(t *testing.T) {
	s := newWSServer(t)
	s.authDelay = 100 * time.Millisecond
	m := NewManager(testConfig(s.url()))
	defer m.Disconnect()

	const callers = 5
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() { errs <- m.Connect(context.Background()) }()
	}
	for i := 0; i < callers; i++ {
		if err := <-errs; err != nil {
			t.Errorf("concurrent connect: %v", err)
		}
	}
	if got := s.handshakes.Load(); got != 1 {
		t.Errorf("handshakes = %d, want exactly 1 for concurrent connects", got)
	}
}

func TestConnectIdempotentWhenAuthenticated(t *testing.T) {
	s := newWSServer(t)
	m := NewManager(testConfig(s.url()))
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if got := s.handshakes.Load(); got != 1 {
		t.Errorf("handshakes = %d, want 1", got)
	}
}

func TestAuthFailureIsTerminal(t *testing.T) {
	s := newWSServer(t)
	s.authFail = true
	m := NewManager(testConfig(s.url()))

	err := m.Connect(context.Background())
	if !errors.Is(err, common.ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
	if got := m.State(); got != StateError {
		t.Errorf("state = %v, want error", got)
	}

	// No reconnect may follow an auth failure.
	time.Sleep(150 * time.Millisecond)
	if got := s.handshakes.Load(); got != 1 {
		t.Errorf("handshakes = %d, want 1 (no retry on auth failure)", got)
	}
}

func TestDialFailureIsTransportError(t *testing.T) {
	m := NewManager(testConfig("ws://127.0.0.1:1/ws"))

	err := m.Connect(context.Background())
	if !errors.Is(err, common.ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
}

func TestReconnectExactlyOnceAfterDrop(t *testing.T) {
	s := newWSServer(t)
	s.dropFirst = true
	m := NewManager(testConfig(s.url()))
	defer m.Disconnect()

	var events []LifecycleKind
	var evMu sync.Mutex
	m.Observe(func(ev LifecycleEvent) {
		evMu.Lock()
		events = append(events, ev.Kind)
		evMu.Unlock()
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The server drops the first connection; one reconnect should
	// restore the session after the fixed delay.
	waitFor(t, func() bool { return s.handshakes.Load() == 2 }, "reconnect never happened")
	waitFor(t, func() bool { return m.State() == StateAuthenticated }, "never re-authenticated")

	// And exactly one: no further handshakes accumulate.
	time.Sleep(200 * time.Millisecond)
	if got := s.handshakes.Load(); got != 2 {
		t.Errorf("handshakes = %d, want 2 (one reconnect per drop)", got)
	}

	evMu.Lock()
	defer evMu.Unlock()
	var disconnects int
	for _, k := range events {
		if k == LifecycleDisconnected {
			disconnects++
		}
	}
	if disconnects != 1 {
		t.Errorf("disconnect notifications = %d, want 1", disconnects)
	}
}

func TestDisconnectDoesNotReconnect(t *testing.T) {
	s := newWSServer(t)
	m := NewManager(testConfig(s.url()))

	gotClientDisconnect := make(chan struct{}, 1)
	m.Observe(func(ev LifecycleEvent) {
		if ev.Kind == LifecycleDisconnected && ev.ClientInitiated {
			select {
			case gotClientDisconnect <- struct{}{}:
			default:
			}
		}
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	m.Disconnect()

	select {
	case <-gotClientDisconnect:
	case <-time.After(time.Second):
		t.Fatal("client-initiated disconnect notification never observed")
	}

	time.Sleep(150 * time.Millisecond)
	if got := s.handshakes.Load(); got != 1 {
		t.Errorf("handshakes = %d, want 1 (no reconnect after Disconnect)", got)
	}
	if got := m.State(); got != StateDisconnected {
		t.Errorf("state = %v, want disconnected", got)
	}
}

func TestDisconnectDuringConnectAbortsAttempt(t *testing.T) {
	s := newWSServer(t)
	s.upgradeDelay = 100 * time.Millisecond
	m := NewManager(testConfig(s.url()))

	connErr := make(chan error, 1)
	go func() { connErr <- m.Connect(context.Background()) }()

	waitFor(t, func() bool { return m.State() == StateConnecting }, "connect never started")
	m.Disconnect()

	if err := <-connErr; !errors.Is(err, common.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected when Disconnect preempts the dial", err)
	}
	if got := m.State(); got != StateDisconnected {
		t.Errorf("state = %v, want disconnected", got)
	}

	// The aborted attempt must not finish establishing: no hello is
	// ever sent and no loops keep the session alive.
	time.Sleep(150 * time.Millisecond)
	if got := s.handshakes.Load(); got != 0 {
		t.Errorf("handshakes = %d, want 0 after aborted connect", got)
	}
	if got := m.State(); got != StateDisconnected {
		t.Errorf("state = %v, want disconnected to stick", got)
	}
}

func TestInboundFramesReachHandler(t *testing.T) {
	s := newWSServer(t)
	m := NewManager(testConfig(s.url()))
	defer m.Disconnect()

	var mu sync.Mutex
	var got []protocol.Frame
	m.SetFrameHandler(func(f protocol.Frame) {
		mu.Lock()
		got = append(got, f)
		mu.Unlock()
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	ev, _ := protocol.NewFrame(protocol.TypeNewMedia, protocol.NewMedia{
		RoomID:  "room-1",
		MediaID: "m-42",
	})
	s.push(t, ev)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, "pushed frame never reached handler")

	mu.Lock()
	defer mu.Unlock()
	if got[0].Type != protocol.TypeNewMedia {
		t.Errorf("frame type = %q, want new-media", got[0].Type)
	}
}

func TestSendBeforeConnect(t *testing.T) {
	m := NewManager(testConfig("ws://127.0.0.1:1/ws"))
	frame, _ := protocol.NewFrame(protocol.TypeLeaveRoom, protocol.LeaveRoom{RoomID: "r"})
	if err := m.Send(frame); !errors.Is(err, common.ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}
