package outbox

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"marketchat/internal/bus"
	"marketchat/internal/socket"
	"marketchat/internal/store"
)

// Emitter is the socket surface the sender drains into. Implemented by
// socket.Manager.
type Emitter interface {
	Emit(event string, payload any) error
	Connected() bool
}

// Sender drains queued messages to the socket. It wakes on every
// socket.connected event and polls in between, so a message queued while
// offline goes out moments after the transport recovers.
type Sender struct {
	db      *DB
	emitter Emitter
	bus     *bus.Bus
	logger  *zap.Logger
	cancel  context.CancelFunc
}

// NewSender creates a new outbox sender.
func NewSender(db *DB, emitter Emitter, b *bus.Bus, logger *zap.Logger) *Sender {
	return &Sender{
		db:      db,
		emitter: emitter,
		bus:     b,
		logger:  logger,
	}
}

// Start begins draining the outbox.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	wake, unsub := s.bus.Subscribe("socket.connected", 4)
	defer unsub()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-wake:
			s.drain(ctx)
		case <-ticker.C:
			s.drain(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) drain(ctx context.Context) {
	if !s.emitter.Connected() {
		return
	}

	pending, err := s.db.Pending()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := s.db.MarkSending(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}

		err := s.emitter.Emit(socket.EventChatNew, socket.OutgoingMessage{
			Message: store.Message{
				ID:   entry.ClientMsgID,
				Text: entry.Body,
				Time: entry.MsgTime,
				User: store.PeerProfile{ID: entry.SenderID, Name: entry.SenderName, Avatar: entry.SenderAvatar},
			},
			To:             entry.PeerID,
			ConversationID: entry.ConversationID,
		})
		if errors.Is(err, socket.ErrNotConnected) {
			// Transport dropped mid-drain; the rest waits for the next wake.
			_ = s.db.Requeue(entry.ClientMsgID)
			return
		}
		if err != nil {
			s.logger.Error("failed to send queued message", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			_ = s.db.MarkFailed(entry.ClientMsgID, err.Error())
			s.bus.Publish(bus.Event{
				Kind:      "outbox.send_failed",
				Timestamp: time.Now(),
				Payload: map[string]string{
					"client_msg_id": entry.ClientMsgID,
					"error":         err.Error(),
				},
			})
			continue
		}

		if err := s.db.MarkSent(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}
		s.logger.Info("queued message sent", zap.String("client_msg_id", entry.ClientMsgID))
		s.bus.Publish(bus.Event{
			Kind:      "outbox.sent",
			Timestamp: time.Now(),
			Payload: map[string]string{
				"client_msg_id":   entry.ClientMsgID,
				"conversation_id": entry.ConversationID,
			},
		})
	}
}
