package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"marketchat/internal/creds"
	"marketchat/internal/lock"
	"marketchat/internal/outbox"
	"marketchat/internal/rest"
	"marketchat/internal/status"
)

func testCreds(t *testing.T) *creds.Store {
	t.Helper()
	s, err := creds.NewStore(filepath.Join(t.TempDir(), "tokens.toml"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestEnsureAuthenticatedWithStoredTokens(t *testing.T) {
	cr := testCreds(t)
	if err := cr.SetTokens(creds.Tokens{Access: "acc", Refresh: "ref"}); err != nil {
		t.Fatal(err)
	}

	// No REST call should happen; a nil client would panic if one did.
	if !ensureAuthenticated(context.Background(), cr, nil, zap.NewNop()) {
		t.Fatal("stored tokens must authenticate")
	}
}

func TestEnsureAuthenticatedWithoutEnv(t *testing.T) {
	t.Setenv("MARKETCHAT_EMAIL", "")
	t.Setenv("MARKETCHAT_PASSWORD", "")

	if ensureAuthenticated(context.Background(), testCreds(t), nil, zap.NewNop()) {
		t.Fatal("empty store without env credentials must not authenticate")
	}
}

func TestEnsureAuthenticatedSignsInFromEnv(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/sign-in" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["email"] != "user@example.com" || body["password"] != "hunter2" {
			t.Errorf("body = %v", body)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"profile": map[string]string{"id": "u1", "name": "User", "email": "user@example.com"},
			"tokens":  map[string]string{"access": "acc-1", "refresh": "ref-1"},
		})
	}))
	defer srv.Close()

	t.Setenv("MARKETCHAT_EMAIL", "user@example.com")
	t.Setenv("MARKETCHAT_PASSWORD", "hunter2")

	cr := testCreds(t)
	client := rest.NewClient(srv.URL, cr)

	if !ensureAuthenticated(context.Background(), cr, client, zap.NewNop()) {
		t.Fatal("sign-in should succeed")
	}
	if got := cr.Tokens(); got.Access != "acc-1" || got.Refresh != "ref-1" {
		t.Errorf("tokens = %+v", got)
	}
	if got := cr.Profile(); got.ID != "u1" {
		t.Errorf("profile = %+v", got)
	}
}

func TestEnsureAuthenticatedSignInFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "invalid credentials"})
	}))
	defer srv.Close()

	t.Setenv("MARKETCHAT_EMAIL", "user@example.com")
	t.Setenv("MARKETCHAT_PASSWORD", "wrong")

	cr := testCreds(t)
	client := rest.NewClient(srv.URL, cr)

	if ensureAuthenticated(context.Background(), cr, client, zap.NewNop()) {
		t.Fatal("failed sign-in must not authenticate")
	}
	if cr.Authenticated() {
		t.Error("store must stay empty after failed sign-in")
	}
}

// Startup-order smoke test over the session directory: lock, outbox and
// credential store all share the tree and must come up cleanly together.
func TestSessionComponentsShareDirectory(t *testing.T) {
	dir := t.TempDir()

	lk, err := lock.Acquire(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	db, err := outbox.Open(filepath.Join(dir, "outbox.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	if n, err := db.RequeueStalled(0); err != nil || n != 0 {
		t.Fatalf("requeue stalled on fresh db: n=%d err=%v", n, err)
	}

	cr, err := creds.NewStore(filepath.Join(dir, "tokens.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cr.Authenticated() {
		t.Error("fresh store must not be authenticated")
	}

	// Unauthenticated startup parks the machine in AUTH_REQUIRED.
	machine := status.NewMachine(nil)
	if err := machine.Transition(status.AuthRequired); err != nil {
		t.Fatal(err)
	}
	if machine.Current() != status.AuthRequired {
		t.Errorf("state = %s", machine.Current())
	}

	// A second daemon against the same session must be refused.
	if _, err := lock.Acquire(dir); err == nil {
		t.Fatal("second lock acquire must fail")
	}
}
