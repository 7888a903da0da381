package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"marketchat/internal/bus"
	"marketchat/internal/creds"
	"marketchat/internal/outbox"
	"marketchat/internal/socket"
	"marketchat/internal/store"
)

// API is the REST surface the controller needs. Implemented by rest.Client.
type API interface {
	FetchConversation(ctx context.Context, conversationID string) (store.Conversation, error)
	MarkConversationSeen(ctx context.Context, conversationID, peerID string) error
}

// Emitter sends events over the socket. Implemented by socket.Manager.
type Emitter interface {
	Emit(event string, payload any) error
}

// Enqueuer accepts messages for deferred delivery. Implemented by
// outbox.Queue.
type Enqueuer interface {
	Enqueue(entry outbox.Entry) error
}

// State is the controller lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateClosed  State = "closed"
)

// Controller drives one open chat screen. While open it owns the "this
// conversation is on screen" behavior: inbound peer messages are acked as
// seen immediately and never accumulate unread. One controller per open
// screen; Close and create a new one to reopen.
type Controller struct {
	conversationID string
	peer           store.PeerProfile

	rest          API
	emitter       Emitter
	queue         Enqueuer
	conversations *store.ConversationStore
	index         *store.ActiveChatIndex
	creds         *creds.Store
	bus           *bus.Bus
	logger        *zap.Logger

	mu     sync.Mutex
	state  State
	unsub  func()
	cancel context.CancelFunc
}

// NewController creates a controller for one conversation with one peer.
func NewController(conversationID string, peer store.PeerProfile, rest API, emitter Emitter, queue Enqueuer, conversations *store.ConversationStore, index *store.ActiveChatIndex, cr *creds.Store, b *bus.Bus, logger *zap.Logger) *Controller {
	return &Controller{
		conversationID: conversationID,
		peer:           peer,
		rest:           rest,
		emitter:        emitter,
		queue:          queue,
		conversations:  conversations,
		index:          index,
		creds:          cr,
		bus:            b,
		logger:         logger,
		state:          StateIdle,
	}
}

// State returns the controller lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open loads the conversation history, marks it seen on the server, zeroes
// its unread count and starts watching for live updates. A failed history
// fetch is not fatal: whatever the store already holds stays on screen and
// the live feed keeps it moving.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("open: controller is %s", state)
	}
	c.state = StateLoading
	c.mu.Unlock()

	conv, err := c.rest.FetchConversation(ctx, c.conversationID)
	if err != nil {
		c.logger.Warn("conversation fetch failed, using cached history",
			zap.String("conversation_id", c.conversationID), zap.Error(err))
	} else {
		peer := conv.Peer
		if peer.ID == "" {
			peer = c.peer
		}
		c.conversations.Merge(c.conversationID, peer, conv.Chats)
	}

	if err := c.rest.MarkConversationSeen(ctx, c.conversationID, c.peer.ID); err != nil {
		c.logger.Warn("mark seen failed", zap.String("conversation_id", c.conversationID), zap.Error(err))
	}
	c.index.ClearUnread(c.conversationID)

	watchCtx, cancel := context.WithCancel(ctx)
	ch, unsub := c.bus.Subscribe("chat.", 64)

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		cancel()
		unsub()
		return nil
	}
	c.state = StateReady
	c.unsub = unsub
	c.cancel = cancel
	c.mu.Unlock()

	go c.watch(watchCtx, ch)
	return nil
}

// Conversation returns the current timeline snapshot in display order.
func (c *Controller) Conversation() []store.Message {
	conv, ok := c.conversations.Get(c.conversationID)
	if !ok {
		return nil
	}
	return conv.Display()
}

// Send applies the message locally first so the screen updates without
// waiting on the network, then emits it. When the socket is down the
// message is queued for the outbox drain instead; the local state is
// identical either way.
func (c *Controller) Send(text string) (store.Message, error) {
	c.mu.Lock()
	if c.state != StateReady {
		state := c.state
		c.mu.Unlock()
		return store.Message{}, fmt.Errorf("send: controller is %s", state)
	}
	c.mu.Unlock()

	profile := c.creds.Profile()
	msg := store.Message{
		ID:   uuid.NewString(),
		Text: text,
		Time: time.Now().UTC().Format(time.RFC3339),
		User: store.PeerProfile{ID: profile.ID, Name: profile.Name, Avatar: profile.Avatar},
	}

	c.conversations.Merge(c.conversationID, c.peer, []store.Message{msg})
	c.index.UpsertFromEvent(store.ActiveChat{
		ID:          c.conversationID,
		Peer:        c.peer,
		LastMessage: msg.Text,
		Timestamp:   msg.Time,
		UnreadCount: 0,
	})
	c.bus.Publish(bus.Event{
		Kind:      "chat.updated",
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation_id": c.conversationID,
			"message_id":      msg.ID,
		},
	})

	err := c.emitter.Emit(socket.EventChatNew, socket.OutgoingMessage{
		Message:        msg,
		To:             c.peer.ID,
		ConversationID: c.conversationID,
	})
	if err != nil {
		c.logger.Info("socket unavailable, queueing message",
			zap.String("client_msg_id", msg.ID), zap.Error(err))
		if qErr := c.queue.Enqueue(outbox.Entry{
			ClientMsgID:    msg.ID,
			ConversationID: c.conversationID,
			PeerID:         c.peer.ID,
			Body:           msg.Text,
			MsgTime:        msg.Time,
			SenderID:       msg.User.ID,
			SenderName:     msg.User.Name,
			SenderAvatar:   msg.User.Avatar,
		}); qErr != nil {
			return store.Message{}, fmt.Errorf("queue message: %w", qErr)
		}
	}
	return msg, nil
}

// Close stops live tracking. Idempotent; a closed controller receives no
// further events, so a reopened screen never sees duplicate deliveries.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.unsub != nil {
		c.unsub()
		c.unsub = nil
	}
}

// watch acks inbound peer messages while the conversation is on screen.
// It runs after the sync engine's merge (chat.updated is published post
// merge), so the store lookup always finds the message.
func (c *Controller) watch(ctx context.Context, ch <-chan bus.Event) {
	for {
		select {
		case evt := <-ch:
			if evt.Kind != "chat.updated" {
				continue
			}
			payload, ok := evt.Payload.(map[string]string)
			if !ok || payload["conversation_id"] != c.conversationID {
				continue
			}
			c.ackIfFromPeer(payload["message_id"])
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) ackIfFromPeer(messageID string) {
	conv, ok := c.conversations.Get(c.conversationID)
	if !ok {
		return
	}
	for _, m := range conv.Chats {
		if m.ID != messageID {
			continue
		}
		if m.User.ID != c.peer.ID {
			return
		}
		if err := c.emitter.Emit(socket.EventChatSeen, socket.OutgoingSeen{
			MessageID:      messageID,
			ConversationID: c.conversationID,
			PeerID:         c.peer.ID,
		}); err != nil {
			c.logger.Warn("seen ack failed", zap.String("message_id", messageID), zap.Error(err))
		}
		c.index.ClearUnread(c.conversationID)
		return
	}
}
