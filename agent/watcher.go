package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/flightline-ai/squawk/emit"
	"github.com/flightline-ai/squawk/model"
	"github.com/flightline-ai/squawk/store"
)

// DefaultHeartbeatTimeout is three missed heartbeat intervals.
const DefaultHeartbeatTimeout = 3 * DefaultHeartbeatInterval

// HeartbeatWatcher flags specialists whose heartbeats stop. A stale
// specialist is reported once per silence; it is never terminated here.
type HeartbeatWatcher struct {
	registry *store.SpecialistStore
	events   *store.EventStore
	emitter  emit.Emitter
	clock    model.Clock
	logger   *slog.Logger
	timeout  time.Duration

	// reported maps specialist id to the LastSeen value already flagged,
	// so a silent specialist is reported once until it beats again.
	reported map[string]time.Time
}

// NewHeartbeatWatcher wires a watcher. A non-positive timeout defaults to
// 45s.
func NewHeartbeatWatcher(db *store.DB, emitter emit.Emitter, timeout time.Duration, logger *slog.Logger) *HeartbeatWatcher {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HeartbeatWatcher{
		registry: db.Specialists(),
		events:   db.Events(),
		emitter:  emitter,
		clock:    db.Clock(),
		logger:   logger,
		timeout:  timeout,
		reported: map[string]time.Time{},
	}
}

// Check flags every specialist silent past the timeout and returns how
// many were newly flagged this pass.
func (w *HeartbeatWatcher) Check(ctx context.Context) (int, error) {
	cutoff := w.clock.Now().Add(-w.timeout)
	stale, err := w.registry.StaleSince(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	staleIDs := map[string]bool{}
	flagged := 0
	for _, sp := range stale {
		staleIDs[sp.ID] = true
		if last, ok := w.reported[sp.ID]; ok && last.Equal(sp.LastSeen) {
			continue
		}
		w.reported[sp.ID] = sp.LastSeen
		flagged++

		silence := w.clock.Now().Sub(sp.LastSeen)
		if _, err := w.events.Append(ctx, store.AppendInput{
			EventType:  "specialist.missed_heartbeat",
			StreamType: model.StreamFleet,
			StreamID:   sp.ID,
			Data: map[string]any{
				"last_seen":  sp.LastSeen.Format(time.RFC3339Nano),
				"silence_ms": silence.Milliseconds(),
				"status":     string(sp.Status),
			},
		}); err != nil {
			return flagged, err
		}
		w.emitter.Emit(emit.Event{
			Stream: model.StreamFleet, StreamID: sp.ID, Type: "specialist.missed_heartbeat",
			Msg:  "no heartbeat for " + silence.Round(time.Second).String(),
			Meta: map[string]any{"last_seen": sp.LastSeen, "silence_ms": silence.Milliseconds()},
		})
		w.logger.Warn("specialist missed heartbeat",
			"specialist_id", sp.ID, "last_seen", sp.LastSeen, "silence", silence)
	}

	// A specialist that resumed beating can be flagged again next time
	// it goes silent.
	for id := range w.reported {
		if !staleIDs[id] {
			delete(w.reported, id)
		}
	}
	return flagged, nil
}

// Healthy classifies one specialist against the heartbeat timeout.
func (w *HeartbeatWatcher) Healthy(sp model.Specialist) bool {
	return w.clock.Now().Sub(sp.LastSeen) <= w.timeout
}

// Run checks until ctx is cancelled.
func (w *HeartbeatWatcher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Check(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("heartbeat check failed", "error", err)
			}
		}
	}
}
