package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"marketchat/internal/creds"
	"marketchat/internal/store"
)

// APIError is a non-2xx response decoded from the server's {message} body.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (%d): %s", e.Status, e.Message)
}

// Client talks to the marketplace REST API. Authorized calls read the
// bearer token from the credential store at call time, so a refresh is
// picked up without rebuilding the client.
type Client struct {
	baseURL string
	http    *http.Client
	creds   *creds.Store
}

// NewClient creates a REST client for the given API base URL.
func NewClient(baseURL string, cr *creds.Store) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		creds:   cr,
	}
}

type profileBody struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Avatar string `json:"avatar,omitempty"`
}

type tokensBody struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// SignIn exchanges email/password for a profile and token pair.
func (c *Client) SignIn(ctx context.Context, email, password string) (creds.Profile, creds.Tokens, error) {
	var out struct {
		Profile profileBody `json:"profile"`
		Tokens  tokensBody  `json:"tokens"`
	}
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/sign-in", body, &out, false); err != nil {
		return creds.Profile{}, creds.Tokens{}, err
	}
	profile := creds.Profile{ID: out.Profile.ID, Name: out.Profile.Name, Email: out.Profile.Email, Avatar: out.Profile.Avatar}
	tokens := creds.Tokens{Access: out.Tokens.Access, Refresh: out.Tokens.Refresh}
	return profile, tokens, nil
}

// SignUp registers a new account. The server sends a verification mail;
// sign-in stays a separate step.
func (c *Client) SignUp(ctx context.Context, name, email, password string) error {
	body := map[string]string{"name": name, "email": email, "password": password}
	return c.do(ctx, http.MethodPost, "/auth/sign-up", body, nil, false)
}

// RefreshTokens exchanges a refresh token for a fresh access/refresh pair.
func (c *Client) RefreshTokens(ctx context.Context, refreshToken string) (creds.Tokens, error) {
	var out struct {
		Tokens tokensBody `json:"tokens"`
	}
	body := map[string]string{"refreshToken": refreshToken}
	if err := c.do(ctx, http.MethodPost, "/auth/refresh-token", body, &out, false); err != nil {
		return creds.Tokens{}, err
	}
	return creds.Tokens{Access: out.Tokens.Access, Refresh: out.Tokens.Refresh}, nil
}

// FetchConversation returns the full message history for one conversation.
func (c *Client) FetchConversation(ctx context.Context, conversationID string) (store.Conversation, error) {
	var out struct {
		Conversation store.Conversation `json:"conversation"`
	}
	path := "/conversation/chats/" + url.PathEscape(conversationID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out, true); err != nil {
		return store.Conversation{}, err
	}
	return out.Conversation, nil
}

// MarkConversationSeen marks every peer message in the conversation as
// viewed on the server side.
func (c *Client) MarkConversationSeen(ctx context.Context, conversationID, peerID string) error {
	path := "/conversation/seen/" + url.PathEscape(conversationID) + "/" + url.PathEscape(peerID)
	return c.do(ctx, http.MethodPatch, path, nil, nil, true)
}

// FetchLastChats returns the conversation-list summaries.
func (c *Client) FetchLastChats(ctx context.Context) ([]store.ActiveChat, error) {
	var out struct {
		Chats []store.ActiveChat `json:"chats"`
	}
	if err := c.do(ctx, http.MethodGet, "/conversation/last-chats", nil, &out, true); err != nil {
		return nil, err
	}
	return out.Chats, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, authorized bool) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authorized {
		req.Header.Set("Authorization", "Bearer "+c.creds.AccessToken())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var errBody struct {
			Message string `json:"message"`
		}
		if json.NewDecoder(resp.Body).Decode(&errBody) == nil && errBody.Message != "" {
			apiErr.Message = errBody.Message
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
