// Package bus is the specialist-to-specialist messaging surface. It sits
// over the message store, addressing by specialist rather than by mailbox
// id and emitting advisory events for each delivery step.
package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/flightline-ai/squawk/emit"
	"github.com/flightline-ai/squawk/model"
	"github.com/flightline-ai/squawk/store"
)

// Bus routes messages between specialists via their mailboxes.
type Bus struct {
	messages *store.MessageStore
	emitter  emit.Emitter
}

// NewBus wires a Bus.
func NewBus(db *store.DB, emitter emit.Emitter) *Bus {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Bus{messages: db.Messages(), emitter: emitter}
}

// SendInput addresses one message to a specialist.
type SendInput struct {
	To          string         `json:"to"`
	SenderID    string         `json:"sender_id,omitempty"`
	ThreadID    string         `json:"thread_id,omitempty"`
	MessageType string         `json:"message_type"`
	Content     string         `json:"content"`
	Priority    model.Priority `json:"priority,omitempty"`
}

// Send delivers a message into the recipient's mailbox. The mailbox must
// exist; sending to a specialist without one fails with ErrNoMailbox.
func (b *Bus) Send(ctx context.Context, in SendInput) (model.Message, error) {
	if in.To == "" {
		return model.Message{}, fmt.Errorf("recipient is required")
	}
	if in.MessageType == "" {
		return model.Message{}, fmt.Errorf("message type is required")
	}
	mailbox, err := b.messages.MailboxByOwner(ctx, in.To)
	if errors.Is(err, store.ErrNotFound) {
		return model.Message{}, fmt.Errorf("%w: no mailbox for %s", store.ErrNoMailbox, in.To)
	}
	if err != nil {
		return model.Message{}, err
	}

	msg := model.Message{
		MailboxID:   mailbox.ID,
		SenderID:    in.SenderID,
		ThreadID:    in.ThreadID,
		MessageType: in.MessageType,
		Content:     in.Content,
		Priority:    in.Priority,
	}
	if err := b.messages.Insert(ctx, &msg); err != nil {
		return model.Message{}, err
	}
	b.emitter.Emit(emit.Event{
		Stream: model.StreamFleet, StreamID: in.To, Type: "message.sent",
		Msg:  in.MessageType,
		Meta: map[string]any{"message_id": msg.ID, "sender_id": in.SenderID, "thread_id": in.ThreadID},
	})
	return msg, nil
}

// Receive returns the recipient's pending messages oldest first, marking
// each one read. Messages stay redeliverable via Requeue until acked.
func (b *Bus) Receive(ctx context.Context, ownerID string) ([]model.Message, error) {
	mailbox, err := b.messages.MailboxByOwner(ctx, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: no mailbox for %s", store.ErrNoMailbox, ownerID)
	}
	if err != nil {
		return nil, err
	}
	pending, err := b.messages.ListByMailbox(ctx, mailbox.ID, model.MessagePending)
	if err != nil {
		return nil, err
	}
	for i := range pending {
		if err := b.messages.MarkRead(ctx, pending[i].ID); err != nil {
			return nil, err
		}
		pending[i].Status = model.MessageRead
	}
	return pending, nil
}

// Peek lists a recipient's messages without changing their status. An
// empty status means all.
func (b *Bus) Peek(ctx context.Context, ownerID string, status model.MessageStatus) ([]model.Message, error) {
	mailbox, err := b.messages.MailboxByOwner(ctx, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: no mailbox for %s", store.ErrNoMailbox, ownerID)
	}
	if err != nil {
		return nil, err
	}
	return b.messages.ListByMailbox(ctx, mailbox.ID, status)
}

// Ack marks a message acked; it will not be redelivered.
func (b *Bus) Ack(ctx context.Context, messageID string) error {
	return b.messages.MarkAcked(ctx, messageID)
}

// Requeue returns a read or acked message to pending.
func (b *Bus) Requeue(ctx context.Context, messageID string) error {
	return b.messages.Requeue(ctx, messageID)
}

// EnsureMailbox creates the specialist's mailbox if it does not exist.
func (b *Bus) EnsureMailbox(ctx context.Context, ownerID string) (model.Mailbox, error) {
	return b.messages.CreateMailbox(ctx, ownerID)
}
