package store

import (
	"sort"
	"sync"
)

// ActiveChatIndex holds the conversation-list summaries and the global
// unread counter. It shares ids with the ConversationStore but is updated
// independently; correlation is by id only.
type ActiveChatIndex struct {
	mu    sync.RWMutex
	chats map[string]*ActiveChat
}

// NewActiveChatIndex creates an empty index.
func NewActiveChatIndex() *ActiveChatIndex {
	return &ActiveChatIndex{chats: make(map[string]*ActiveChat)}
}

// AddMany bulk-seeds the index from the last-chats fetch. For an id that
// already exists the local unread count is preserved; a background refetch
// must never clobber unread state accumulated from live events.
func (x *ActiveChatIndex) AddMany(summaries []ActiveChat) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, s := range summaries {
		if existing, ok := x.chats[s.ID]; ok {
			existing.Peer = s.Peer
			existing.LastMessage = s.LastMessage
			existing.Timestamp = s.Timestamp
			continue
		}
		c := s
		x.chats[s.ID] = &c
	}
}

// UpsertFromEvent applies one inbound (or optimistic outbound) message
// event. An existing entry has its unread count incremented by the event's
// count and its last-message fields overwritten; an unknown id is inserted
// as a new entry.
func (x *ActiveChatIndex) UpsertFromEvent(summary ActiveChat) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if existing, ok := x.chats[summary.ID]; ok {
		existing.Peer = summary.Peer
		existing.LastMessage = summary.LastMessage
		existing.Timestamp = summary.Timestamp
		existing.UnreadCount += summary.UnreadCount
		return
	}
	c := summary
	x.chats[summary.ID] = &c
}

// ClearUnread resets one conversation's unread count to zero. Called when
// the user opens (or is actively viewing) that conversation.
func (x *ActiveChatIndex) ClearUnread(conversationID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if c, ok := x.chats[conversationID]; ok {
		c.UnreadCount = 0
	}
}

// TotalUnread sums unread counts across all conversations. Drives the
// notification indicator.
func (x *ActiveChatIndex) TotalUnread() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	total := 0
	for _, c := range x.chats {
		total += c.UnreadCount
	}
	return total
}

// Get returns a snapshot of one summary.
func (x *ActiveChatIndex) Get(conversationID string) (ActiveChat, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	c, ok := x.chats[conversationID]
	if !ok {
		return ActiveChat{}, false
	}
	return *c, true
}

// List returns all summaries sorted newest first by timestamp, the order
// the conversation list renders in.
func (x *ActiveChatIndex) List() []ActiveChat {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]ActiveChat, 0, len(x.chats))
	for _, c := range x.chats {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp > out[j].Timestamp
	})
	return out
}
