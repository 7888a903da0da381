package store

import (
	"sort"
	"sync"
	"time"
)

// ConversationStore holds the per-conversation message timelines. It is
// the single choke point both REST history and socket pushes flow through,
// so applying the same message twice is always a no-op for the duplicate.
type ConversationStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
}

// NewConversationStore creates an empty store.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{conversations: make(map[string]*Conversation)}
}

// Merge inserts incoming messages into the conversation's timeline,
// creating the conversation on first reference. Messages whose id is
// already present are skipped; the existing entry's Viewed flag stays
// untouched. Returns the number of messages actually inserted.
func (s *ConversationStore) Merge(conversationID string, peer PeerProfile, incoming []Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		conv = &Conversation{ID: conversationID, Peer: peer}
		s.conversations[conversationID] = conv
	}

	seen := make(map[string]struct{}, len(conv.Chats))
	for _, m := range conv.Chats {
		seen[m.ID] = struct{}{}
	}

	added := 0
	for _, m := range incoming {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		conv.Chats = append(conv.Chats, m)
		added++
	}
	return added
}

// SetViewed flips Viewed to true for the given message. Unknown
// conversation or message ids are a silent no-op: a seen-ack can
// legitimately race ahead of the merge that carries its message.
func (s *ConversationStore) SetViewed(conversationID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return
	}
	for i := range conv.Chats {
		if conv.Chats[i].ID == messageID {
			conv.Chats[i].Viewed = true
			return
		}
	}
}

// Get returns a snapshot copy of the conversation. ok is false when the
// id has never been seen; callers render an empty state rather than error.
func (s *ConversationStore) Get(conversationID string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return Conversation{}, false
	}
	out := Conversation{ID: conv.ID, Peer: conv.Peer, Chats: make([]Message, len(conv.Chats))}
	copy(out.Chats, conv.Chats)
	return out, true
}

// Len returns the number of known conversations.
func (s *ConversationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

// Display projects the timeline into presentation order: strictly newest
// first by message time. The stored order stays insertion order; sorting
// happens only here so merge idempotence checks stay stable.
func (c Conversation) Display() []Message {
	out := make([]Message, len(c.Chats))
	copy(out, c.Chats)
	sort.SliceStable(out, func(i, j int) bool {
		ti, iOK := parseTime(out[i].Time)
		tj, jOK := parseTime(out[j].Time)
		if iOK && jOK {
			return ti.After(tj)
		}
		// ISO-8601 strings order correctly lexicographically; fall back to
		// that when a timestamp fails to parse.
		return out[i].Time > out[j].Time
	})
	return out
}

func parseTime(s string) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
