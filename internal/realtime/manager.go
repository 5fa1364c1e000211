// Snapgather - Event Photo Sharing Client SDK
// Copyright 2026 Snapgather Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snapgather/snapgather-go

// Package realtime maintains the single live duplex connection to the
// Snapgather server and the per-room subscriptions on top of it.
//
// One Manager exists per client process. Independent consumers (two UI
// surfaces mounting at once) may all call Connect concurrently; a
// single-flight guard ensures exactly one connection attempt runs and
// late callers await its result. Room membership is reference-counted
// by the Registry so one consumer tearing down does not unsubscribe a
// room another consumer still watches.
package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/snapgather/snapgather-go/internal/common"
	"github.com/snapgather/snapgather-go/internal/logging"
	"github.com/snapgather/snapgather-go/internal/metrics"
	"github.com/snapgather/snapgather-go/internal/protocol"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// LifecycleKind identifies a lifecycle notification.
type LifecycleKind string

const (
	LifecycleConnected     LifecycleKind = "connected"
	LifecycleAuthenticated LifecycleKind = "authenticated"
	LifecycleDisconnected  LifecycleKind = "disconnected"
	LifecycleError         LifecycleKind = "error"
)

// LifecycleEvent is an internal lifecycle notification observed by the
// Registry and by consumers. Errors are summarized here as coarse
// status; detailed per-operation errors travel on their own paths.
type LifecycleEvent struct {
	Kind LifecycleKind
	// ClientInitiated is set on disconnects requested via Disconnect,
	// which must not trigger reconnection.
	ClientInitiated bool
	Err             error
}

// TokenSource supplies the identity token at connection time.
// Implemented by store.Store.
type TokenSource interface {
	Token() (string, error)
}

// Config configures a Manager.
type Config struct {
	// URL is the websocket endpoint.
	URL string

	// TokenSource supplies the identity token read at connect time.
	// Optional when ShareToken is set.
	TokenSource TokenSource

	// ShareToken is the anonymous capability credential for guest and
	// photowall roles.
	ShareToken string

	// Role declares the client kind.
	Role protocol.Role

	// RoomHint optionally names the room the client intends to join.
	RoomHint string

	HandshakeTimeout time.Duration
	ReconnectDelay   time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
}

// Defaults for Config durations.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultReconnectDelay   = 5 * time.Second
	DefaultPingInterval     = 30 * time.Second
	DefaultReadTimeout      = 60 * time.Second
)

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
}

// attempt is one in-flight connection attempt shared by concurrent
// Connect callers.
type attempt struct {
	done chan struct{}
	err  error
}

// FrameHandler receives every inbound frame after the handshake.
type FrameHandler func(protocol.Frame)

// Manager owns the process's one duplex connection.
type Manager struct {
	cfg      Config
	clientID string

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	connDone chan struct{} // closed when conn is torn down
	inflight *attempt
	closing  bool

	// Exactly one follow-up reconnect is scheduled per unexpected
	// drop; reset when a connection is re-established explicitly.
	reconnectArmed bool
	reconnectTimer *time.Timer

	observers []func(LifecycleEvent)
	onFrame   FrameHandler

	// writeMu serializes writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	wg sync.WaitGroup
}

// NewManager creates a Manager. The connection is not opened until
// Connect is called.
func NewManager(cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:      cfg,
		clientID: uuid.NewString(),
		state:    StateDisconnected,
	}
}

// Observe registers a lifecycle observer. Must be called before
// Connect; observers are invoked sequentially without internal locks
// held.
func (m *Manager) Observe(fn func(LifecycleEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// SetFrameHandler registers the inbound frame sink. Must be called
// before Connect.
func (m *Manager) SetFrameHandler(fn FrameHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFrame = fn
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsAuthenticated reports whether the channel is ready for room
// operations.
func (m *Manager) IsAuthenticated() bool {
	return m.State() == StateAuthenticated
}

// ClientID returns the process-unique client identifier sent in the
// handshake.
func (m *Manager) ClientID() string {
	return m.clientID
}

// Connect establishes and authenticates the connection. Idempotent:
// already authenticated resolves immediately; a connect already
// underway is awaited rather than duplicated (single-flight).
//
// Fails with common.ErrAuth on an invalid identity (never retried) and
// common.ErrTransport on network failure.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateAuthenticated {
		m.mu.Unlock()
		return nil
	}
	if m.inflight != nil {
		att := m.inflight
		m.mu.Unlock()
		select {
		case <-att.done:
			return att.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	att := &attempt{done: make(chan struct{})}
	m.inflight = att
	m.closing = false
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	err := m.dial(ctx)

	m.mu.Lock()
	m.inflight = nil
	if err == nil {
		m.reconnectArmed = false
	}
	m.mu.Unlock()

	att.err = err
	close(att.done)
	return err
}

// dial opens the transport, performs the authentication handshake, and
// starts the background read and ping loops.
func (m *Manager) dial(ctx context.Context) error {
	token, err := m.identityToken()
	if err != nil {
		m.transitionError(err)
		return err
	}

	logging.Info().Str("url", m.cfg.URL).Str("role", string(m.cfg.Role)).Msg("connecting")

	dialer := websocket.Dialer{
		HandshakeTimeout:  m.cfg.HandshakeTimeout,
		EnableCompression: true,
	}
	conn, resp, err := dialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w: dial failed (status %d): %v", common.ErrTransport, resp.StatusCode, err)
		} else {
			err = fmt.Errorf("%w: dial failed: %v", common.ErrTransport, err)
		}
		m.transitionError(err)
		return err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	m.mu.Lock()
	if m.closing {
		// Disconnect preempted the attempt while the dial was in
		// flight; tear the fresh connection down instead of using it.
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("%w: disconnected during connect", common.ErrNotConnected)
	}
	m.conn = conn
	m.setStateLocked(StateConnected)
	m.mu.Unlock()
	m.notify(LifecycleEvent{Kind: LifecycleConnected})

	if err := m.handshake(conn, token); err != nil {
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		_ = conn.Close()
		m.transitionError(err)
		return err
	}

	done := make(chan struct{})
	m.mu.Lock()
	if m.closing {
		m.conn = nil
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("%w: disconnected during connect", common.ErrNotConnected)
	}
	m.connDone = done
	m.setStateLocked(StateAuthenticated)
	m.mu.Unlock()
	m.notify(LifecycleEvent{Kind: LifecycleAuthenticated})
	logging.Info().Str("client_id", m.clientID).Msg("authenticated")

	m.wg.Add(2)
	go m.readLoop(conn)
	go m.pingLoop(conn, done)
	return nil
}

// identityToken resolves the credential for the handshake.
func (m *Manager) identityToken() (string, error) {
	if m.cfg.TokenSource == nil {
		if m.cfg.ShareToken == "" {
			return "", fmt.Errorf("%w: no identity token or share token configured", common.ErrAuth)
		}
		return "", nil
	}
	token, err := m.cfg.TokenSource.Token()
	if err != nil {
		if m.cfg.ShareToken != "" {
			return "", nil // anonymous role, share token suffices
		}
		return "", fmt.Errorf("%w: reading stored token: %v", common.ErrAuth, err)
	}
	return token, nil
}

// handshake sends Hello and waits for the authenticated ack or an auth
// error frame.
func (m *Manager) handshake(conn *websocket.Conn, token string) error {
	hello, err := protocol.NewFrame(protocol.TypeHello, protocol.Hello{
		Token:      token,
		ShareToken: m.cfg.ShareToken,
		Role:       m.cfg.Role,
		RoomHint:   m.cfg.RoomHint,
		ClientID:   m.clientID,
	})
	if err != nil {
		return fmt.Errorf("encode hello: %w", err)
	}
	if err := conn.WriteJSON(hello); err != nil {
		return fmt.Errorf("%w: send hello: %v", common.ErrTransport, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(m.cfg.HandshakeTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	for {
		var frame protocol.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return fmt.Errorf("%w: awaiting auth ack: %v", common.ErrTransport, err)
		}
		switch frame.Type {
		case protocol.TypeAuthenticated:
			return nil
		case protocol.TypeError:
			var ef protocol.ErrorFrame
			if err := frame.Decode(&ef); err != nil {
				return fmt.Errorf("%w: malformed error frame: %v", common.ErrTransport, err)
			}
			if ef.Code == protocol.CodeAuthFailed {
				return fmt.Errorf("%w: %s", common.ErrAuth, ef.Message)
			}
			return fmt.Errorf("%w: handshake rejected: %s", common.ErrTransport, ef.Message)
		default:
			// Server pushed an unrelated frame mid-handshake; ignore.
		}
	}
}

// Send writes a frame to the channel.
func (m *Manager) Send(frame protocol.Frame) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return common.ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("%w: write %s: %v", common.ErrTransport, frame.Type, err)
	}
	return nil
}

// readLoop consumes inbound frames until the connection drops.
func (m *Manager) readLoop(conn *websocket.Conn) {
	defer m.wg.Done()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
	})

	for {
		_ = conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleDrop(conn, err)
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			logging.Warn().Err(err).Msg("malformed frame dropped")
			continue
		}

		m.mu.Lock()
		handler := m.onFrame
		m.mu.Unlock()
		if handler != nil {
			handler(frame)
		}
	}
}

// pingLoop keeps the connection alive until it is torn down.
func (m *Manager) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		m.writeMu.Lock()
		err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		m.writeMu.Unlock()
		if err != nil {
			logging.Debug().Err(err).Msg("ping failed")
			return // read loop will observe the drop
		}
	}
}

// handleDrop reacts to a transport loss observed by the read loop.
// Client-initiated disconnects schedule nothing; an unexpected drop
// schedules exactly one reconnection attempt after the fixed delay.
func (m *Manager) handleDrop(conn *websocket.Conn, cause error) {
	m.mu.Lock()
	if m.conn != conn {
		// A newer connection superseded this one; stale loop exits.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	if m.connDone != nil {
		close(m.connDone)
		m.connDone = nil
	}
	clientInitiated := m.closing
	m.setStateLocked(StateDisconnected)

	schedule := !clientInitiated && !m.reconnectArmed
	if schedule {
		m.reconnectArmed = true
	}
	m.mu.Unlock()

	_ = conn.Close()

	if clientInitiated {
		logging.Info().Msg("disconnected")
		m.notify(LifecycleEvent{Kind: LifecycleDisconnected, ClientInitiated: true})
		return
	}

	logging.Warn().Err(cause).Msg("transport lost")
	m.notify(LifecycleEvent{Kind: LifecycleDisconnected, Err: cause})

	if schedule {
		metrics.Reconnects.Inc()
		logging.Info().Dur("delay", m.cfg.ReconnectDelay).Msg("scheduling reconnect")
		m.mu.Lock()
		m.reconnectTimer = time.AfterFunc(m.cfg.ReconnectDelay, m.reconnect)
		m.mu.Unlock()
	}
}

// reconnect is the single follow-up attempt after an unexpected drop.
// If it fails the client stays offline until an explicit Connect.
func (m *Manager) reconnect() {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*m.cfg.HandshakeTimeout)
	defer cancel()

	if err := m.Connect(ctx); err != nil {
		logging.Err(err).Msg("reconnect failed, staying offline")
		m.notify(LifecycleEvent{Kind: LifecycleError, Err: err})
	}
}

// Disconnect tears down the channel. Subscriptions are cleared by the
// Registry observing the client-initiated disconnect notification.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closing = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.reconnectArmed = false
	conn := m.conn
	m.mu.Unlock()

	if conn != nil {
		m.writeMu.Lock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		m.writeMu.Unlock()
		_ = conn.Close()
		// The read loop observes the close and emits the
		// client-initiated disconnect notification.
	} else {
		m.mu.Lock()
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
	}
	m.wg.Wait()
}

// transitionError records a failed connection attempt.
func (m *Manager) transitionError(err error) {
	m.mu.Lock()
	m.setStateLocked(StateError)
	m.mu.Unlock()
	m.notify(LifecycleEvent{Kind: LifecycleError, Err: err})
}

// setStateLocked updates state and its metric. Caller holds mu.
func (m *Manager) setStateLocked(s State) {
	m.state = s
	metrics.ConnectionState.Set(float64(s))
}

// notify fans a lifecycle event out to observers.
func (m *Manager) notify(ev LifecycleEvent) {
	m.mu.Lock()
	observers := make([]func(LifecycleEvent), len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	for _, fn := range observers {
		fn(ev)
	}
}
