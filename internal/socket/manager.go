package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"marketchat/internal/bus"
	"marketchat/internal/creds"
	"marketchat/internal/status"
)

// ErrNotConnected is returned by Emit while the transport is down. The
// caller decides between "delivered" and "applied locally, queue for later".
var ErrNotConnected = errors.New("socket not connected")

// TokenRefresher exchanges a refresh token for a new pair via the REST
// boundary. Implemented by rest.Client.
type TokenRefresher interface {
	RefreshTokens(ctx context.Context, refreshToken string) (creds.Tokens, error)
}

// State is the transport connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Manager owns the single persistent socket connection shared by the whole
// session. It performs the auth handshake, publishes inbound events on the
// bus, and recovers from drops (backoff reconnect) and token expiry
// (single-shot refresh). Only the Manager touches the connection or its
// auth payload; everything else emits and listens through it.
type Manager struct {
	url            string
	creds          *creds.Store
	refresher      TokenRefresher
	bus            *bus.Bus
	machine        *status.Machine
	logger         *zap.Logger
	connectTimeout time.Duration

	mu               sync.Mutex
	conn             *websocket.Conn
	state            State
	intentionalClose bool
	cancelRead       context.CancelFunc
	refreshAttempted bool
	recon            *reconnector
}

// NewManager creates a connection manager for the given websocket URL.
func NewManager(url string, cr *creds.Store, refresher TokenRefresher, b *bus.Bus, machine *status.Machine, connectTimeout time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		url:            url,
		creds:          cr,
		refresher:      refresher,
		bus:            b,
		machine:        machine,
		logger:         logger,
		connectTimeout: connectTimeout,
		state:          StateDisconnected,
		recon:          newReconnector(),
	}
}

// Connect opens the socket with the credential store's current access
// token as the connection-level auth payload. Idempotent: a second call
// while connected or connecting is a no-op, and any previous read loop is
// cancelled before a new one starts so events are never double-delivered.
// A dial or handshake failure schedules a backoff retry; the returned
// error is diagnostic only.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	if m.cancelRead != nil {
		m.cancelRead()
		m.cancelRead = nil
	}
	m.state = StateConnecting
	m.intentionalClose = false
	token := m.creds.AccessToken()
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	conn, _, err := websocket.Dial(dialCtx, m.url, nil)
	cancel()
	if err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		m.logger.Warn("socket dial failed", zap.Error(err))
		m.scheduleReconnect(ctx)
		return fmt.Errorf("socket dial: %w", err)
	}

	if err := writeEnvelope(ctx, conn, EventAuth, AuthPayload{Token: token}); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		m.scheduleReconnect(ctx)
		return fmt.Errorf("send auth payload: %w", err)
	}

	readCtx, cancelRead := context.WithCancel(ctx)
	m.mu.Lock()
	m.conn = conn
	m.cancelRead = cancelRead
	m.mu.Unlock()

	// The missing ack is a diagnosable condition, not a failure: the
	// server may simply be slow, and the reconnect loop keeps working
	// underneath either way.
	ackTimer := time.AfterFunc(m.connectTimeout, func() {
		if !m.Connected() {
			m.logger.Warn("no connected ack within timeout, server may be down",
				zap.Duration("timeout", m.connectTimeout))
		}
	})

	go m.readLoop(ctx, readCtx, conn, ackTimer)
	return nil
}

// Connected reports whether the transport currently holds an acknowledged
// connection. Emit only succeeds while this is true.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Emit sends one event over the socket. Returns ErrNotConnected while the
// transport is down; the payload is not buffered here.
func (m *Manager) Emit(event string, payload any) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return writeEnvelope(ctx, conn, event, payload)
}

// Close tears the connection down intentionally (sign-out, shutdown). No
// reconnect is scheduled.
func (m *Manager) Close() {
	m.mu.Lock()
	m.intentionalClose = true
	if m.cancelRead != nil {
		m.cancelRead()
		m.cancelRead = nil
	}
	conn := m.conn
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client close")
	}
}

func (m *Manager) readLoop(baseCtx, readCtx context.Context, conn *websocket.Conn, ackTimer *time.Timer) {
	defer ackTimer.Stop()

	for {
		_, data, err := conn.Read(readCtx)
		if err != nil {
			m.mu.Lock()
			intentional := m.intentionalClose
			if m.conn == conn {
				m.conn = nil
				m.state = StateDisconnected
			}
			m.mu.Unlock()

			if intentional || readCtx.Err() != nil {
				return
			}

			m.logger.Warn("socket read failed", zap.Error(err))
			m.bus.Publish(bus.Event{Kind: "socket.disconnected", Timestamp: time.Now()})
			if m.machine != nil {
				_ = m.machine.Transition(status.Reconnecting)
			}
			m.scheduleReconnect(baseCtx)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.logger.Warn("malformed socket frame", zap.Error(err))
			continue
		}
		m.handleEnvelope(baseCtx, env, ackTimer)
	}
}

func (m *Manager) handleEnvelope(ctx context.Context, env Envelope, ackTimer *time.Timer) {
	switch env.Event {
	case EventConnected:
		ackTimer.Stop()
		m.mu.Lock()
		m.state = StateConnected
		m.refreshAttempted = false
		m.recon.markConnected()
		m.mu.Unlock()

		m.logger.Info("socket connected")
		if m.machine != nil {
			if m.machine.Current() == status.Reconnecting {
				_ = m.machine.Transition(status.Connecting)
			}
			_ = m.machine.Transition(status.Syncing)
		}
		m.bus.Publish(bus.Event{Kind: "socket.connected", Timestamp: time.Now()})

	case EventChatMessage:
		var payload NewMessage
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			m.logger.Warn("malformed chat:message payload", zap.Error(err))
			return
		}
		m.bus.Publish(bus.Event{Kind: "socket.message", Timestamp: time.Now(), Payload: payload})

	case EventChatSeen:
		var payload Seen
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			m.logger.Warn("malformed chat:seen payload", zap.Error(err))
			return
		}
		m.bus.Publish(bus.Event{Kind: "socket.seen", Timestamp: time.Now(), Payload: payload})

	case EventError:
		var payload ErrorPayload
		_ = json.Unmarshal(env.Data, &payload)
		m.handleServerError(ctx, payload.Message)

	default:
		m.logger.Debug("unhandled socket event", zap.String("event", env.Event))
	}
}

// handleServerError recovers from token expiry exactly once per connection
// attempt. Anything else is logged and left to the reconnect loop.
func (m *Manager) handleServerError(ctx context.Context, message string) {
	if !strings.Contains(message, "jwt expired") {
		m.logger.Warn("socket error from server", zap.String("message", message))
		return
	}

	m.mu.Lock()
	alreadyTried := m.refreshAttempted
	m.refreshAttempted = true
	m.mu.Unlock()

	if alreadyTried {
		m.logger.Error("access token still expired after refresh, session requires re-authentication")
		m.terminateSession()
		return
	}

	m.logger.Info("access token expired, refreshing")
	go m.refreshAndReconnect(ctx)
}

func (m *Manager) refreshAndReconnect(ctx context.Context) {
	tokens, err := m.refresher.RefreshTokens(ctx, m.creds.RefreshToken())
	if err != nil {
		m.logger.Error("token refresh failed", zap.Error(err))
		m.terminateSession()
		return
	}
	if err := m.creds.SetTokens(tokens); err != nil {
		m.logger.Error("persist refreshed tokens", zap.Error(err))
	}

	// Reconnect with the new access token as the auth payload.
	m.dropConnection()
	if err := m.Connect(ctx); err != nil {
		m.logger.Warn("reconnect after refresh failed", zap.Error(err))
	}
}

// terminateSession ends automatic recovery: repeated refresh failure is
// fatal to the session, never retried in a loop.
func (m *Manager) terminateSession() {
	m.Close()
	if m.machine != nil {
		_ = m.machine.Transition(status.AuthRequired)
	}
	m.bus.Publish(bus.Event{Kind: "session.auth_required", Timestamp: time.Now()})
}

// dropConnection closes the transport without marking the close
// intentional, leaving recovery to the caller.
func (m *Manager) dropConnection() {
	m.mu.Lock()
	if m.cancelRead != nil {
		m.cancelRead()
		m.cancelRead = nil
	}
	conn := m.conn
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "reconnecting")
	}
}

func (m *Manager) scheduleReconnect(ctx context.Context) {
	m.mu.Lock()
	if m.intentionalClose || !m.recon.shouldReconnect() {
		m.mu.Unlock()
		return
	}
	m.state = StateReconnecting
	delay := m.recon.nextDelay()
	attempt := m.recon.attempt
	m.mu.Unlock()

	m.logger.Info("scheduling reconnect", zap.Int("attempt", attempt), zap.Duration("delay", delay))

	go func() {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		m.mu.Lock()
		if m.intentionalClose {
			m.mu.Unlock()
			return
		}
		m.state = StateDisconnected
		m.mu.Unlock()
		_ = m.Connect(ctx)
	}()
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, frame)
}
