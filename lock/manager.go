// Package lock implements file-granularity advisory locking for the fleet:
// at most one active, unexpired lock per normalized path, timeout-based
// expiry, and a background reaper.
//
// Every purpose (edit, read, delete) is mutually exclusive with every other.
// The purpose tag is persisted and reported so a shared-read mode could be
// introduced later without a schema change.
package lock

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/flightline-ai/squawk/emit"
	"github.com/flightline-ai/squawk/model"
	"github.com/flightline-ai/squawk/store"
)

// Manager is the single writer of lock rows. Acquire never blocks; callers
// that want to wait retry with their own backoff.
type Manager struct {
	locks   *store.LockStore
	events  *store.EventStore
	emitter emit.Emitter
	clock   model.Clock

	// mu makes the check-then-insert in Acquire a single critical section.
	// Lock acquisition is linearizable per normalized path; one process-wide
	// mutex is coarse but the section is two indexed queries.
	mu sync.Mutex
}

// NewManager wires a Manager over the store. A nil emitter defaults to
// NullEmitter.
func NewManager(db *store.DB, emitter emit.Emitter) *Manager {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Manager{
		locks:   db.Locks(),
		events:  db.Events(),
		emitter: emitter,
		clock:   db.Clock(),
	}
}

// AcquireResult reports the outcome of an acquire attempt. Exactly one of
// Lock/ExistingLock is set depending on Conflict.
type AcquireResult struct {
	Conflict     bool        `json:"conflict"`
	Lock         *model.Lock `json:"lock,omitempty"`
	ExistingLock *model.Lock `json:"existing_lock,omitempty"`
}

// Acquire reserves a file for a specialist. The path is normalized to an
// absolute, symlink-resolved form; if an active, unexpired lock already
// covers it the call returns the conflict without blocking.
func (m *Manager) Acquire(ctx context.Context, file, specialistID string, timeout time.Duration, purpose model.LockPurpose, checksum string) (AcquireResult, error) {
	if file == "" || specialistID == "" {
		return AcquireResult{}, fmt.Errorf("acquire requires file and specialist id")
	}
	if timeout <= 0 {
		return AcquireResult{}, fmt.Errorf("acquire timeout must be positive, got %s", timeout)
	}
	switch purpose {
	case model.PurposeEdit, model.PurposeRead, model.PurposeDelete:
	default:
		return AcquireResult{}, fmt.Errorf("unknown lock purpose %q", purpose)
	}

	normalized, err := NormalizePath(file)
	if err != nil {
		return AcquireResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.locks.ActiveByPath(ctx, normalized)
	switch {
	case err == nil:
		return AcquireResult{Conflict: true, ExistingLock: &existing}, nil
	case !errors.Is(err, store.ErrNotFound):
		return AcquireResult{}, err
	}

	now := m.clock.Now()
	lk := model.Lock{
		ID:             model.NewID(model.PrefixLock),
		File:           file,
		NormalizedPath: normalized,
		ReservedBy:     specialistID,
		Purpose:        purpose,
		ReservedAt:     now,
		ExpiresAt:      now.Add(timeout),
		Checksum:       checksum,
		Status:         model.LockActive,
	}
	if err := m.locks.Insert(ctx, &lk); err != nil {
		return AcquireResult{}, err
	}

	m.emitter.Emit(emit.Event{
		Stream: model.StreamCTK, StreamID: lk.ID, Type: "lock.acquired",
		Msg:  fmt.Sprintf("%s reserved by %s for %s", normalized, specialistID, purpose),
		Meta: map[string]any{"specialist_id": specialistID, "file": normalized},
	})
	return AcquireResult{Lock: &lk}, nil
}

// Release transitions a lock to released. Returns false for an unknown id.
// Releasing an already expired or released lock succeeds idempotently.
func (m *Manager) Release(ctx context.Context, id string) (bool, error) {
	return m.release(ctx, id, model.LockReleased)
}

// ForceRelease transitions a lock to force_released regardless of holder.
func (m *Manager) ForceRelease(ctx context.Context, id string) (bool, error) {
	return m.release(ctx, id, model.LockForceReleased)
}

func (m *Manager) release(ctx context.Context, id string, to model.LockStatus) (bool, error) {
	lk, err := m.locks.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if lk.Status != model.LockActive {
		// Double release is an integrity warning, not an error.
		return true, nil
	}
	ok, err := m.locks.Transition(ctx, id, to)
	if err != nil {
		return false, err
	}
	if ok {
		m.emitter.Emit(emit.Event{
			Stream: model.StreamCTK, StreamID: id, Type: "lock." + string(to),
			Msg:  fmt.Sprintf("%s no longer held by %s", lk.NormalizedPath, lk.ReservedBy),
			Meta: map[string]any{"file": lk.NormalizedPath},
		})
	}
	return true, nil
}

// GetByFile returns the active lock on a path, or nil when the path is free.
func (m *Manager) GetByFile(ctx context.Context, file string) (*model.Lock, error) {
	normalized, err := NormalizePath(file)
	if err != nil {
		return nil, err
	}
	lk, err := m.locks.ActiveByPath(ctx, normalized)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lk, nil
}

// GetActive returns every currently held lock.
func (m *Manager) GetActive(ctx context.Context) ([]model.Lock, error) {
	return m.locks.Active(ctx)
}

// ReleaseExpired transitions every overdue lock to expired and notifies the
// holders via lock.expired events on the ctk stream. Returns the number of
// locks reaped.
func (m *Manager) ReleaseExpired(ctx context.Context) (int, error) {
	expired, err := m.locks.ExpireDue(ctx)
	if err != nil {
		return 0, err
	}
	for _, lk := range expired {
		if _, err := m.events.Append(ctx, store.AppendInput{
			EventType:  "lock.expired",
			StreamType: model.StreamCTK,
			StreamID:   lk.ID,
			Data: map[string]any{
				"file":        lk.NormalizedPath,
				"reserved_by": lk.ReservedBy,
				"purpose":     string(lk.Purpose),
			},
		}); err != nil {
			return len(expired), err
		}
		m.emitter.Emit(emit.Event{
			Stream: model.StreamCTK, StreamID: lk.ID, Type: "lock.expired",
			Msg:  fmt.Sprintf("%s expired, was held by %s", lk.NormalizedPath, lk.ReservedBy),
			Meta: map[string]any{"file": lk.NormalizedPath, "specialist_id": lk.ReservedBy},
		})
	}
	return len(expired), nil
}

// NormalizePath resolves a path to its absolute, symlink-free form. Paths
// that do not exist yet are normalized lexically; a lock on a file about to
// be created must still exclude other writers.
func NormalizePath(file string) (string, error) {
	abs, err := filepath.Abs(file)
	if err != nil {
		return "", fmt.Errorf("failed to normalize %q: %w", file, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return filepath.Clean(abs), nil
}
