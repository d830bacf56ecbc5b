package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/flightline-ai/squawk/model"
)

// ErrNoMailbox is returned by Send when the target mailbox does not exist.
var ErrNoMailbox = errors.New("mailbox does not exist")

// MessageStore persists mailboxes and their messages.
type MessageStore struct {
	db *DB
}

// CreateMailbox inserts a mailbox for a specialist. Returns the existing
// mailbox if the owner already has one.
func (ms *MessageStore) CreateMailbox(ctx context.Context, ownerID string) (model.Mailbox, error) {
	if err := ms.db.checkOpen(); err != nil {
		return model.Mailbox{}, err
	}
	if mb, err := ms.MailboxByOwner(ctx, ownerID); err == nil {
		return mb, nil
	} else if !errors.Is(err, ErrNotFound) {
		return model.Mailbox{}, err
	}
	mb := model.Mailbox{
		ID:        model.NewID(model.PrefixMailbox),
		OwnerID:   ownerID,
		CreatedAt: ms.db.clock.Now(),
	}
	_, err := ms.db.db.ExecContext(ctx,
		`INSERT INTO mailboxes (id, owner_id, created_at) VALUES (?, ?, ?)`,
		mb.ID, mb.OwnerID, encodeTime(mb.CreatedAt))
	if err != nil {
		return model.Mailbox{}, fmt.Errorf("failed to insert mailbox: %w", err)
	}
	return mb, nil
}

// MailboxByOwner returns the mailbox owned by a specialist.
func (ms *MessageStore) MailboxByOwner(ctx context.Context, ownerID string) (model.Mailbox, error) {
	if err := ms.db.checkOpen(); err != nil {
		return model.Mailbox{}, err
	}
	var (
		mb      model.Mailbox
		created string
	)
	err := ms.db.db.QueryRowContext(ctx,
		`SELECT id, owner_id, created_at FROM mailboxes WHERE owner_id = ?`, ownerID,
	).Scan(&mb.ID, &mb.OwnerID, &created)
	if err == sql.ErrNoRows {
		return model.Mailbox{}, ErrNotFound
	}
	if err != nil {
		return model.Mailbox{}, fmt.Errorf("failed to load mailbox: %w", err)
	}
	if mb.CreatedAt, err = decodeTime(created); err != nil {
		return model.Mailbox{}, err
	}
	return mb, nil
}

// mailboxExists checks the mailbox row without loading it.
func (ms *MessageStore) mailboxExists(ctx context.Context, mailboxID string) (bool, error) {
	var n int
	err := ms.db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mailboxes WHERE id = ?`, mailboxID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check mailbox: %w", err)
	}
	return n > 0, nil
}

// Insert writes a message row. The mailbox must exist.
func (ms *MessageStore) Insert(ctx context.Context, msg *model.Message) error {
	if err := ms.db.checkOpen(); err != nil {
		return err
	}
	ok, err := ms.mailboxExists(ctx, msg.MailboxID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoMailbox, msg.MailboxID)
	}
	if msg.ID == "" {
		msg.ID = model.NewID(model.PrefixMessage)
	}
	if msg.Status == "" {
		msg.Status = model.MessagePending
	}
	if msg.Priority == "" {
		msg.Priority = model.PriorityMedium
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = ms.db.clock.Now()
	}
	_, err = ms.db.db.ExecContext(ctx,
		`INSERT INTO messages (id, mailbox_id, sender_id, thread_id, message_type, content,
			priority, status, sent_at, read_at, acked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.MailboxID, nullStr(msg.SenderID), nullStr(msg.ThreadID), msg.MessageType,
		msg.Content, string(msg.Priority), string(msg.Status), encodeTime(msg.SentAt),
		encodeTimePtr(msg.ReadAt), encodeTimePtr(msg.AckedAt))
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// ListByMailbox returns a mailbox's messages, optionally filtered by status
// ("" for all), oldest first.
func (ms *MessageStore) ListByMailbox(ctx context.Context, mailboxID string, status model.MessageStatus) ([]model.Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages WHERE mailbox_id = ?`
	args := []any{mailboxID}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY sent_at ASC`
	return ms.query(ctx, q, args...)
}

// MarkRead moves a pending message to read and stamps read_at. Reading an
// already read or acked message is a no-op.
func (ms *MessageStore) MarkRead(ctx context.Context, id string) error {
	if err := ms.db.checkOpen(); err != nil {
		return err
	}
	_, err := ms.db.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, read_at = ? WHERE id = ? AND status = ?`,
		string(model.MessageRead), encodeTime(ms.db.clock.Now()), id, string(model.MessagePending))
	if err != nil {
		return fmt.Errorf("failed to mark message read: %w", err)
	}
	return nil
}

// MarkAcked moves a message to acked. Once acked it is never redelivered.
func (ms *MessageStore) MarkAcked(ctx context.Context, id string) error {
	if err := ms.db.checkOpen(); err != nil {
		return err
	}
	res, err := ms.db.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, acked_at = ? WHERE id = ? AND status IN (?, ?)`,
		string(model.MessageAcked), encodeTime(ms.db.clock.Now()), id,
		string(model.MessagePending), string(model.MessageRead))
	if err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already acked (idempotent) or missing.
		if _, err := ms.getStatus(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Requeue returns a read or acked message to pending, clearing its
// delivery timestamps.
func (ms *MessageStore) Requeue(ctx context.Context, id string) error {
	if err := ms.db.checkOpen(); err != nil {
		return err
	}
	res, err := ms.db.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, read_at = NULL, acked_at = NULL WHERE id = ?`,
		string(model.MessagePending), id)
	if err != nil {
		return fmt.Errorf("failed to requeue message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (ms *MessageStore) getStatus(ctx context.Context, id string) (model.MessageStatus, error) {
	var status string
	err := ms.db.db.QueryRowContext(ctx, `SELECT status FROM messages WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load message status: %w", err)
	}
	return model.MessageStatus(status), nil
}

const messageColumns = `id, mailbox_id, sender_id, thread_id, message_type, content,
	priority, status, sent_at, read_at, acked_at`

func (ms *MessageStore) query(ctx context.Context, q string, args ...any) ([]model.Message, error) {
	if err := ms.db.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := ms.db.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		var (
			msg              model.Message
			sender, thread   sql.NullString
			priority, status string
			sent             string
			readAt, ackedAt  sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.MailboxID, &sender, &thread, &msg.MessageType,
			&msg.Content, &priority, &status, &sent, &readAt, &ackedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msg.SenderID = sender.String
		msg.ThreadID = thread.String
		msg.Priority = model.Priority(priority)
		msg.Status = model.MessageStatus(status)
		if msg.SentAt, err = decodeTime(sent); err != nil {
			return nil, err
		}
		if msg.ReadAt, err = decodeTimePtr(readAt); err != nil {
			return nil, err
		}
		if msg.AckedAt, err = decodeTimePtr(ackedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return msgs, nil
}
