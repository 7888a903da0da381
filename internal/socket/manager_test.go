package socket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"marketchat/internal/bus"
	"marketchat/internal/creds"
	"marketchat/internal/status"
	"marketchat/internal/store"
)

type fakeRefresher struct {
	tokens creds.Tokens
	err    error
	calls  atomic.Int32
}

func (f *fakeRefresher) RefreshTokens(_ context.Context, _ string) (creds.Tokens, error) {
	f.calls.Add(1)
	if f.err != nil {
		return creds.Tokens{}, f.err
	}
	return f.tokens, nil
}

// newTestServer runs handler for every accepted websocket connection and
// returns the ws:// URL.
func newTestServer(t *testing.T, handler func(ctx context.Context, c *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		handler(r.Context(), c)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// drain reads until the peer closes, so the handler (and server shutdown)
// never blocks on a hijacked connection.
func drain(ctx context.Context, c *websocket.Conn) {
	for {
		if _, _, err := c.Read(ctx); err != nil {
			return
		}
	}
}

func readEnvelope(ctx context.Context, t *testing.T, c *websocket.Conn) Envelope {
	t.Helper()
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("server decode: %v", err)
	}
	return env
}

func sendEnvelope(ctx context.Context, t *testing.T, c *websocket.Conn, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	frame, _ := json.Marshal(Envelope{Event: event, Data: data})
	if err := c.Write(ctx, websocket.MessageText, frame); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func testCreds(t *testing.T, access, refresh string) *creds.Store {
	t.Helper()
	s, err := creds.NewStore(filepath.Join(t.TempDir(), "tokens.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if access != "" {
		if err := s.SetTokens(creds.Tokens{Access: access, Refresh: refresh}); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func newTestManager(t *testing.T, url string, cr *creds.Store, refresher TokenRefresher, b *bus.Bus, machine *status.Machine) *Manager {
	t.Helper()
	logger := zap.NewNop()
	m := NewManager(url, cr, refresher, b, machine, 2*time.Second, logger)
	t.Cleanup(m.Close)
	return m
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %s", desc)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestConnectHandshake(t *testing.T) {
	gotToken := make(chan string, 1)
	url := newTestServer(t, func(ctx context.Context, c *websocket.Conn) {
		env := readEnvelope(ctx, t, c)
		if env.Event != EventAuth {
			t.Errorf("first frame = %q, want auth", env.Event)
		}
		var auth AuthPayload
		_ = json.Unmarshal(env.Data, &auth)
		gotToken <- auth.Token
		sendEnvelope(ctx, t, c, EventConnected, struct{}{})
		drain(ctx, c)
	})

	b := bus.New()
	ch, unsub := b.Subscribe("socket.", 10)
	defer unsub()

	m := newTestManager(t, url, testCreds(t, "acc-1", "ref-1"), &fakeRefresher{}, b, nil)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case token := <-gotToken:
		if token != "acc-1" {
			t.Errorf("auth token = %q, want acc-1", token)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received auth frame")
	}

	select {
	case evt := <-ch:
		if evt.Kind != "socket.connected" {
			t.Errorf("event = %q, want socket.connected", evt.Kind)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no socket.connected event")
	}
	waitFor(t, "connected state", m.Connected)
}

func TestConnectIsIdempotent(t *testing.T) {
	var accepted atomic.Int32
	url := newTestServer(t, func(ctx context.Context, c *websocket.Conn) {
		accepted.Add(1)
		readEnvelope(ctx, t, c)
		sendEnvelope(ctx, t, c, EventConnected, struct{}{})
		drain(ctx, c)
	})

	m := newTestManager(t, url, testCreds(t, "a", "r"), &fakeRefresher{}, bus.New(), nil)
	ctx := context.Background()
	if err := m.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "connected", m.Connected)
	if err := m.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := accepted.Load(); got != 1 {
		t.Errorf("accepted %d connections, want 1", got)
	}
}

func TestInboundEventsPublishedOnBus(t *testing.T) {
	url := newTestServer(t, func(ctx context.Context, c *websocket.Conn) {
		readEnvelope(ctx, t, c)
		sendEnvelope(ctx, t, c, EventConnected, struct{}{})
		sendEnvelope(ctx, t, c, EventChatMessage, NewMessage{
			Message: store.Message{
				ID: "m1", Text: "hi", Time: "2024-01-01T00:00:00Z",
				User: store.PeerProfile{ID: "p1", Name: "Alice"},
			},
			From:           store.PeerProfile{ID: "p1", Name: "Alice"},
			ConversationID: "c1",
		})
		sendEnvelope(ctx, t, c, EventChatSeen, Seen{MessageID: "m9", ConversationID: "c1"})
		drain(ctx, c)
	})

	b := bus.New()
	ch, unsub := b.Subscribe("socket.", 10)
	defer unsub()

	m := newTestManager(t, url, testCreds(t, "a", "r"), &fakeRefresher{}, b, nil)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	var kinds []string
	timeout := time.After(3 * time.Second)
	for len(kinds) < 3 {
		select {
		case evt := <-ch:
			kinds = append(kinds, evt.Kind)
			switch evt.Kind {
			case "socket.message":
				payload, ok := evt.Payload.(NewMessage)
				if !ok {
					t.Fatalf("payload type = %T", evt.Payload)
				}
				if payload.ConversationID != "c1" || payload.Message.ID != "m1" {
					t.Errorf("payload = %+v", payload)
				}
			case "socket.seen":
				payload, ok := evt.Payload.(Seen)
				if !ok {
					t.Fatalf("payload type = %T", evt.Payload)
				}
				if payload.MessageID != "m9" {
					t.Errorf("payload = %+v", payload)
				}
			}
		case <-timeout:
			t.Fatalf("got events %v, want connected+message+seen", kinds)
		}
	}
}

func TestEmitRequiresConnection(t *testing.T) {
	m := newTestManager(t, "ws://127.0.0.1:0", testCreds(t, "a", "r"), &fakeRefresher{}, bus.New(), nil)
	err := m.Emit(EventChatNew, OutgoingMessage{ConversationID: "c1"})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestEmitDeliversFrame(t *testing.T) {
	frames := make(chan Envelope, 1)
	url := newTestServer(t, func(ctx context.Context, c *websocket.Conn) {
		readEnvelope(ctx, t, c)
		sendEnvelope(ctx, t, c, EventConnected, struct{}{})
		frames <- readEnvelope(ctx, t, c)
		drain(ctx, c)
	})

	m := newTestManager(t, url, testCreds(t, "a", "r"), &fakeRefresher{}, bus.New(), nil)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "connected", m.Connected)

	out := OutgoingMessage{
		Message:        store.Message{ID: "m1", Text: "hello", Time: "2024-01-01T00:00:00Z"},
		To:             "p1",
		ConversationID: "c1",
	}
	if err := m.Emit(EventChatNew, out); err != nil {
		t.Fatal(err)
	}

	select {
	case env := <-frames:
		if env.Event != EventChatNew {
			t.Errorf("event = %q, want chat:new", env.Event)
		}
		var got OutgoingMessage
		if err := json.Unmarshal(env.Data, &got); err != nil {
			t.Fatal(err)
		}
		if got.To != "p1" || got.Message.Text != "hello" {
			t.Errorf("payload = %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received chat:new")
	}
}

// jwt-expired recovery: the server rejects the first token, the manager
// refreshes once and reconnects with the new pair, and the user is never
// signed out.
func TestExpiredTokenRefreshesAndReconnects(t *testing.T) {
	var conns atomic.Int32
	tokens := make(chan string, 2)
	url := newTestServer(t, func(ctx context.Context, c *websocket.Conn) {
		n := conns.Add(1)
		env := readEnvelope(ctx, t, c)
		var auth AuthPayload
		_ = json.Unmarshal(env.Data, &auth)
		tokens <- auth.Token
		if n == 1 {
			sendEnvelope(ctx, t, c, EventError, ErrorPayload{Message: "jwt expired"})
			drain(ctx, c)
			return
		}
		sendEnvelope(ctx, t, c, EventConnected, struct{}{})
		drain(ctx, c)
	})

	cr := testCreds(t, "expired-acc", "old-ref")
	refresher := &fakeRefresher{tokens: creds.Tokens{Access: "new-acc", Refresh: "new-ref"}}
	b := bus.New()
	authCh, unsub := b.Subscribe("session.", 10)
	defer unsub()

	m := newTestManager(t, url, cr, refresher, b, nil)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "reconnect with refreshed token", m.Connected)

	if got := refresher.calls.Load(); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
	if got := cr.Tokens(); got.Access != "new-acc" || got.Refresh != "new-ref" {
		t.Errorf("stored tokens = %+v", got)
	}

	first, second := <-tokens, <-tokens
	if first != "expired-acc" || second != "new-acc" {
		t.Errorf("auth tokens = %q then %q", first, second)
	}

	select {
	case evt := <-authCh:
		t.Errorf("unexpected session event %q: user must not be signed out", evt.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

// A failed refresh terminates the session instead of looping.
func TestRefreshFailureRequiresReauthentication(t *testing.T) {
	url := newTestServer(t, func(ctx context.Context, c *websocket.Conn) {
		readEnvelope(ctx, t, c)
		sendEnvelope(ctx, t, c, EventError, ErrorPayload{Message: "jwt expired"})
		drain(ctx, c)
	})

	machine := status.NewMachine(nil)
	if err := machine.Transition(status.Connecting); err != nil {
		t.Fatal(err)
	}

	b := bus.New()
	ch, unsub := b.Subscribe("session.auth_required", 10)
	defer unsub()

	refresher := &fakeRefresher{err: errors.New("refresh token revoked")}
	m := newTestManager(t, url, testCreds(t, "expired", "bad-ref"), refresher, b, machine)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("no session.auth_required event")
	}
	waitFor(t, "AUTH_REQUIRED state", func() bool { return machine.Current() == status.AuthRequired })
	if m.Connected() {
		t.Error("manager should be disconnected")
	}
	if got := refresher.calls.Load(); got != 1 {
		t.Errorf("refresh calls = %d, want exactly 1 (no refresh storm)", got)
	}
}

func TestCloseStopsReconnects(t *testing.T) {
	var conns atomic.Int32
	url := newTestServer(t, func(ctx context.Context, c *websocket.Conn) {
		conns.Add(1)
		readEnvelope(ctx, t, c)
		sendEnvelope(ctx, t, c, EventConnected, struct{}{})
		drain(ctx, c)
	})

	m := newTestManager(t, url, testCreds(t, "a", "r"), &fakeRefresher{}, bus.New(), nil)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "connected", m.Connected)

	m.Close()
	time.Sleep(200 * time.Millisecond)
	if m.Connected() {
		t.Error("still connected after Close")
	}
	if got := conns.Load(); got != 1 {
		t.Errorf("connections = %d, want 1 (no reconnect after intentional close)", got)
	}
}
