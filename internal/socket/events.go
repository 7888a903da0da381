package socket

import (
	"encoding/json"

	"marketchat/internal/store"
)

// Wire event names. The server scopes them under the /socket-message path.
const (
	EventAuth        = "auth"
	EventConnected   = "connected"
	EventError       = "error"
	EventChatMessage = "chat:message"
	EventChatNew     = "chat:new"
	EventChatSeen    = "chat:seen"
)

// Envelope is the wire format for every socket frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// AuthPayload is the connection-level auth handshake, re-sent on every
// (re)connect attempt.
type AuthPayload struct {
	Token string `json:"token"`
}

// NewMessage is the inbound chat:message payload.
type NewMessage struct {
	Message        store.Message     `json:"message"`
	From           store.PeerProfile `json:"from"`
	ConversationID string            `json:"conversationId"`
}

// Seen is the inbound chat:seen payload: the peer viewed one of our messages.
type Seen struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

// OutgoingMessage is the chat:new payload sent when the local user sends
// a message.
type OutgoingMessage struct {
	Message        store.Message `json:"message"`
	To             string        `json:"to"`
	ConversationID string        `json:"conversationId"`
}

// OutgoingSeen is the chat:seen payload emitted when the local user reads
// a peer message.
type OutgoingSeen struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	PeerID         string `json:"peerId"`
}

// ErrorPayload carries a server-side error. Message may indicate token
// expiry ("jwt expired").
type ErrorPayload struct {
	Message string `json:"message"`
}
