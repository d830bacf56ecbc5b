package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/flightline-ai/squawk/model"
)

// ErrStreamExhausted is returned when a stream's sequence counter would
// overflow a 63-bit signed integer. In practice it never fires; the check
// exists so the failure mode is defined rather than silent wraparound.
var ErrStreamExhausted = errors.New("stream exhausted: sequence counter overflow")

// ErrInvalidPosition is returned when a cursor is advanced past the latest
// sequence number of its stream.
var ErrInvalidPosition = errors.New("invalid cursor position: past latest sequence number")

// EventStore is the append-only system of record. Events are partitioned by
// (stream_type, stream_id); within a partition, sequence numbers are gapless
// and ascending from 1. Events are never updated or deleted — logical
// deletion is a subsequent event.
type EventStore struct {
	db *DB
}

// AppendInput describes the event to append. OccurredAt defaults to the
// store clock; RecordedAt and SequenceNumber are always assigned here.
type AppendInput struct {
	EventType     string
	StreamType    model.StreamType
	StreamID      string
	Data          map[string]any
	CausationID   string
	CorrelationID string
	Metadata      map[string]any
	SchemaVersion int
}

// Append allocates the next sequence number for the stream and inserts the
// event in the same critical section. Concurrent appends to the same stream
// are serialized; appends to different streams contend only on the brief
// allocation step.
func (e *EventStore) Append(ctx context.Context, in AppendInput) (model.Event, error) {
	if err := e.db.checkOpen(); err != nil {
		return model.Event{}, err
	}
	if in.EventType == "" || in.StreamType == "" || in.StreamID == "" {
		return model.Event{}, fmt.Errorf("append requires event_type, stream_type, and stream_id")
	}
	if in.SchemaVersion <= 0 {
		in.SchemaVersion = 1
	}

	dataJSON, err := marshalJSON(in.Data)
	if err != nil {
		return model.Event{}, fmt.Errorf("failed to marshal event data: %w", err)
	}
	metaJSON, err := marshalJSON(in.Metadata)
	if err != nil {
		return model.Event{}, fmt.Errorf("failed to marshal event metadata: %w", err)
	}

	now := e.db.clock.Now()
	ev := model.Event{
		EventID:       model.NewID(model.PrefixEvent),
		EventType:     in.EventType,
		StreamType:    in.StreamType,
		StreamID:      in.StreamID,
		Data:          in.Data,
		CausationID:   in.CausationID,
		CorrelationID: in.CorrelationID,
		Metadata:      in.Metadata,
		OccurredAt:    now,
		RecordedAt:    now,
		SchemaVersion: in.SchemaVersion,
	}

	e.db.appendMu.Lock()
	defer e.db.appendMu.Unlock()

	var maxSeq sql.NullInt64
	err = e.db.db.QueryRowContext(ctx,
		`SELECT MAX(sequence_number) FROM events WHERE stream_type = ? AND stream_id = ?`,
		string(in.StreamType), in.StreamID,
	).Scan(&maxSeq)
	if err != nil {
		return model.Event{}, fmt.Errorf("failed to read stream head: %w", err)
	}
	if maxSeq.Valid && maxSeq.Int64 >= math.MaxInt64-1 {
		return model.Event{}, ErrStreamExhausted
	}
	ev.SequenceNumber = maxSeq.Int64 + 1

	_, err = e.db.db.ExecContext(ctx,
		`INSERT INTO events (event_id, stream_type, stream_id, sequence_number, event_type,
			data, causation_id, correlation_id, metadata, occurred_at, recorded_at, schema_version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, string(ev.StreamType), ev.StreamID, ev.SequenceNumber, ev.EventType,
		dataJSON, nullStr(ev.CausationID), nullStr(ev.CorrelationID), metaJSON,
		encodeTime(ev.OccurredAt), encodeTime(ev.RecordedAt), ev.SchemaVersion,
	)
	if err != nil {
		return model.Event{}, fmt.Errorf("failed to append event: %w", err)
	}
	return ev, nil
}

// Count returns the total number of recorded events.
func (e *EventStore) Count(ctx context.Context) (int64, error) {
	if err := e.db.checkOpen(); err != nil {
		return 0, err
	}
	var n int64
	if err := e.db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// QueryByStream returns a stream's events in sequence order, optionally only
// those after the given sequence number.
func (e *EventStore) QueryByStream(ctx context.Context, streamType model.StreamType, streamID string, afterSequence int64) ([]model.Event, error) {
	return e.query(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE stream_type = ? AND stream_id = ? AND sequence_number > ?
		 ORDER BY sequence_number ASC`,
		string(streamType), streamID, afterSequence)
}

// QueryByType returns all events of a given type across all streams, in
// recorded order.
func (e *EventStore) QueryByType(ctx context.Context, eventType string) ([]model.Event, error) {
	return e.query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE event_type = ? ORDER BY recorded_at ASC, sequence_number ASC`,
		eventType)
}

// EventFilter narrows GetEvents. Zero values mean "no constraint".
type EventFilter struct {
	StreamType    model.StreamType
	StreamID      string
	EventType     string
	CorrelationID string
	Limit         int
}

// GetEvents returns events matching the filter in recorded order.
func (e *EventStore) GetEvents(ctx context.Context, f EventFilter) ([]model.Event, error) {
	var (
		conds []string
		args  []any
	)
	if f.StreamType != "" {
		conds = append(conds, "stream_type = ?")
		args = append(args, string(f.StreamType))
	}
	if f.StreamID != "" {
		conds = append(conds, "stream_id = ?")
		args = append(args, f.StreamID)
	}
	if f.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, f.EventType)
	}
	if f.CorrelationID != "" {
		conds = append(conds, "correlation_id = ?")
		args = append(args, f.CorrelationID)
	}
	q := `SELECT ` + eventColumns + ` FROM events`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY recorded_at ASC, sequence_number ASC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return e.query(ctx, q, args...)
}

// GetLatestByStream returns the newest event of a stream, or ErrNotFound for
// an empty stream.
func (e *EventStore) GetLatestByStream(ctx context.Context, streamType model.StreamType, streamID string) (model.Event, error) {
	events, err := e.query(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE stream_type = ? AND stream_id = ?
		 ORDER BY sequence_number DESC LIMIT 1`,
		string(streamType), streamID)
	if err != nil {
		return model.Event{}, err
	}
	if len(events) == 0 {
		return model.Event{}, ErrNotFound
	}
	return events[0], nil
}

const eventColumns = `event_id, stream_type, stream_id, sequence_number, event_type,
	data, causation_id, correlation_id, metadata, occurred_at, recorded_at, schema_version`

func (e *EventStore) query(ctx context.Context, q string, args ...any) ([]model.Event, error) {
	if err := e.db.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := e.db.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []model.Event
	for rows.Next() {
		var (
			ev                     model.Event
			streamType             string
			dataJSON, metaJSON     sql.NullString
			causation, correlation sql.NullString
			occurred, recorded     string
		)
		if err := rows.Scan(&ev.EventID, &streamType, &ev.StreamID, &ev.SequenceNumber, &ev.EventType,
			&dataJSON, &causation, &correlation, &metaJSON, &occurred, &recorded, &ev.SchemaVersion); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		ev.StreamType = model.StreamType(streamType)
		ev.CausationID = causation.String
		ev.CorrelationID = correlation.String
		if ev.OccurredAt, err = decodeTime(occurred); err != nil {
			return nil, err
		}
		if ev.RecordedAt, err = decodeTime(recorded); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(dataJSON, &ev.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
		}
		if err := unmarshalJSON(metaJSON, &ev.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event metadata: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return events, nil
}

// --- cursors ---------------------------------------------------------------

// Advance moves a consumer's cursor forward. Advancing to a position at or
// below the current one is a no-op; advancing past the stream head fails
// with ErrInvalidPosition. The cursor row is created on first use.
func (e *EventStore) Advance(ctx context.Context, streamType model.StreamType, streamID, consumerID string, position int64) (model.Cursor, error) {
	if err := e.db.checkOpen(); err != nil {
		return model.Cursor{}, err
	}

	latest, err := e.GetLatestByStream(ctx, streamType, streamID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return model.Cursor{}, err
	}
	if position > latest.SequenceNumber {
		return model.Cursor{}, ErrInvalidPosition
	}

	cur, err := e.GetCursor(ctx, streamType, streamID, consumerID)
	switch {
	case errors.Is(err, ErrNotFound):
		cur = model.Cursor{
			ID:         model.NewID(model.PrefixCursor),
			StreamType: streamType,
			StreamID:   streamID,
			ConsumerID: consumerID,
			Position:   0,
		}
		cur.UpdatedAt = e.db.clock.Now()
		_, err = e.db.db.ExecContext(ctx,
			`INSERT INTO cursors (id, stream_type, stream_id, position, consumer_id, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			cur.ID, string(streamType), streamID, cur.Position, nullStr(consumerID), encodeTime(cur.UpdatedAt))
		if err != nil {
			return model.Cursor{}, fmt.Errorf("failed to create cursor: %w", err)
		}
	case err != nil:
		return model.Cursor{}, err
	}

	if position <= cur.Position {
		return cur, nil
	}

	cur.Position = position
	cur.UpdatedAt = e.db.clock.Now()
	_, err = e.db.db.ExecContext(ctx,
		`UPDATE cursors SET position = ?, updated_at = ? WHERE id = ? AND position < ?`,
		position, encodeTime(cur.UpdatedAt), cur.ID, position)
	if err != nil {
		return model.Cursor{}, fmt.Errorf("failed to advance cursor: %w", err)
	}
	return cur, nil
}

// GetCursor returns a consumer's cursor for a stream, or ErrNotFound.
func (e *EventStore) GetCursor(ctx context.Context, streamType model.StreamType, streamID, consumerID string) (model.Cursor, error) {
	if err := e.db.checkOpen(); err != nil {
		return model.Cursor{}, err
	}
	var (
		cur      model.Cursor
		st       string
		consumer sql.NullString
		updated  string
	)
	err := e.db.db.QueryRowContext(ctx,
		`SELECT id, stream_type, stream_id, position, consumer_id, updated_at
		 FROM cursors WHERE stream_type = ? AND stream_id = ? AND consumer_id = ?`,
		string(streamType), streamID, consumerID,
	).Scan(&cur.ID, &st, &cur.StreamID, &cur.Position, &consumer, &updated)
	if err == sql.ErrNoRows {
		return model.Cursor{}, ErrNotFound
	}
	if err != nil {
		return model.Cursor{}, fmt.Errorf("failed to load cursor: %w", err)
	}
	cur.StreamType = model.StreamType(st)
	cur.ConsumerID = consumer.String
	if cur.UpdatedAt, err = decodeTime(updated); err != nil {
		return model.Cursor{}, err
	}
	return cur, nil
}

// --- small shared helpers --------------------------------------------------

func marshalJSON(v map[string]any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalJSON(s sql.NullString, dst *map[string]any) error {
	if !s.Valid || s.String == "" {
		*dst = nil
		return nil
	}
	return json.Unmarshal([]byte(s.String), dst)
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
