package store

// PeerProfile is an immutable profile snapshot attached to messages and
// chat summaries at the time of use. It is not kept in sync with the
// peer's live profile.
type PeerProfile struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// Message is one chat message. Time is an ISO-8601 string as sent on the
// wire. Viewed never reverts to false once set.
type Message struct {
	ID     string      `json:"id"`
	Text   string      `json:"text"`
	Time   string      `json:"time"`
	User   PeerProfile `json:"user"`
	Viewed bool        `json:"viewed"`
}

// Conversation is the full message timeline with one peer. Chats holds
// messages in insertion order; no two entries share an ID.
type Conversation struct {
	ID    string      `json:"id"`
	Peer  PeerProfile `json:"peerProfile"`
	Chats []Message   `json:"chats"`
}

// ActiveChat is the list-row projection of a conversation: last message,
// timestamp and unread count, keyed by the same conversation id.
type ActiveChat struct {
	ID          string      `json:"id"`
	Peer        PeerProfile `json:"peerProfile"`
	LastMessage string      `json:"lastMessage"`
	Timestamp   string      `json:"timestamp"`
	UnreadCount int         `json:"unreadChatCounts"`
}
