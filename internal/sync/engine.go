package sync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"marketchat/internal/bus"
	"marketchat/internal/socket"
	"marketchat/internal/status"
	"marketchat/internal/store"
)

// ChatLister fetches the conversation-list summaries. Implemented by
// rest.Client.
type ChatLister interface {
	FetchLastChats(ctx context.Context) ([]store.ActiveChat, error)
}

// Engine applies inbound socket events to the conversation store and the
// active-chat index. It subscribes to "socket." events on the bus and is
// the only background writer of both stores; chat screens apply their own
// REST fetches but all push traffic funnels through here.
type Engine struct {
	conversations *store.ConversationStore
	index         *store.ActiveChatIndex
	rest          ChatLister
	bus           *bus.Bus
	machine       *status.Machine
	logger        *zap.Logger
	cancel        context.CancelFunc
}

// NewEngine creates a sync engine over the given stores.
func NewEngine(conversations *store.ConversationStore, index *store.ActiveChatIndex, rest ChatLister, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *Engine {
	return &Engine{
		conversations: conversations,
		index:         index,
		rest:          rest,
		bus:           b,
		machine:       machine,
		logger:        logger,
	}
}

// Start subscribes to inbound socket events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("socket.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case "socket.connected":
		go e.seed(ctx)

	case "socket.message":
		msg, ok := evt.Payload.(socket.NewMessage)
		if !ok {
			return
		}
		e.ingestMessage(msg)

	case "socket.seen":
		seen, ok := evt.Payload.(socket.Seen)
		if !ok {
			return
		}
		e.conversations.SetViewed(seen.ConversationID, seen.MessageID)
		e.bus.Publish(bus.Event{
			Kind:      "chat.viewed",
			Timestamp: time.Now(),
			Payload: map[string]string{
				"conversation_id": seen.ConversationID,
				"message_id":      seen.MessageID,
			},
		})
	}
}

// ingestMessage merges one pushed message and rolls the list summary
// forward. A duplicate delivery merges to nothing and must not touch the
// unread count, so replayed frames after a reconnect are harmless.
func (e *Engine) ingestMessage(msg socket.NewMessage) {
	added := e.conversations.Merge(msg.ConversationID, msg.From, []store.Message{msg.Message})
	if added == 0 {
		return
	}

	e.index.UpsertFromEvent(store.ActiveChat{
		ID:          msg.ConversationID,
		Peer:        msg.From,
		LastMessage: msg.Message.Text,
		Timestamp:   msg.Message.Time,
		UnreadCount: added,
	})

	e.bus.Publish(bus.Event{
		Kind:      "chat.updated",
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation_id": msg.ConversationID,
			"message_id":      msg.Message.ID,
		},
	})
}

// seed refetches the last-chats summaries after every (re)connect. AddMany
// keeps unread counts accumulated from live events, so a reconnect refetch
// never zeroes the indicator. A failed seed leaves the index to be filled
// by live events; the session still reaches READY.
func (e *Engine) seed(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	chats, err := e.rest.FetchLastChats(fetchCtx)
	if err != nil {
		e.logger.Error("failed to seed active chats", zap.Error(err))
	} else {
		e.index.AddMany(chats)
		e.logger.Info("active chats seeded", zap.Int("count", len(chats)))
		e.bus.Publish(bus.Event{Kind: "chat.list_updated", Timestamp: time.Now()})
	}

	if e.machine != nil && e.machine.Current() == status.Syncing {
		_ = e.machine.Transition(status.Ready)
	}
}
