package creds

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
)

// Tokens is the access/refresh credential pair issued by the auth API.
type Tokens struct {
	Access  string `toml:"access"`
	Refresh string `toml:"refresh"`
}

// Profile is the signed-in user's own profile, attached to outgoing
// messages as an immutable snapshot.
type Profile struct {
	ID     string `toml:"id"`
	Name   string `toml:"name"`
	Email  string `toml:"email"`
	Avatar string `toml:"avatar,omitempty"`
}

type fileFormat struct {
	Tokens  Tokens  `toml:"tokens"`
	Profile Profile `toml:"profile"`
}

// Store is the session credential store: the single owner of the current
// token pair. Mutated only by sign-in, sign-up and token refresh; Clear
// destroys it on sign-out. Credentials are persisted to the session's
// tokens.toml so the daemon can restart without re-authentication;
// conversation data is never written here.
type Store struct {
	mu      sync.RWMutex
	path    string
	tokens  Tokens
	profile Profile
}

// NewStore creates a store backed by the given tokens file path. A missing
// file yields an empty (unauthenticated) store.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}

	var ff fileFormat
	if _, err := toml.DecodeFile(path, &ff); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read tokens file: %w", err)
	}
	s.tokens = ff.Tokens
	s.profile = ff.Profile
	return s, nil
}

// Tokens returns the current token pair.
func (s *Store) Tokens() Tokens {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens
}

// AccessToken returns the current access token, empty when signed out.
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens.Access
}

// RefreshToken returns the current refresh token.
func (s *Store) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens.Refresh
}

// Authenticated reports whether a token pair is present.
func (s *Store) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens.Access != ""
}

// SetTokens replaces the token pair and persists the store.
func (s *Store) SetTokens(t Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = t
	return s.persistLocked()
}

// SetProfile replaces the signed-in profile and persists the store.
func (s *Store) SetProfile(p Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = p
	return s.persistLocked()
}

// Profile returns the signed-in user's profile.
func (s *Store) Profile() Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile
}

// Clear wipes credentials in memory and on disk. Used on sign-out and when
// a token refresh fails terminally.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = Tokens{}
	s.profile = Profile{}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove tokens file: %w", err)
	}
	return nil
}

func (s *Store) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(fileFormat{Tokens: s.tokens, Profile: s.profile})
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
