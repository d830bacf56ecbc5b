package checkpoint

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/flightline-ai/squawk/store"
)

// Reconciler watches the checkpoint directory for out-of-band changes,
// restoring rows for files written directly (for example copied in from
// another host) and repointing latest.json after deletions.
type Reconciler struct {
	engine *Engine
	logger *slog.Logger
}

// NewReconciler wires a Reconciler over the engine's file store.
func NewReconciler(engine *Engine, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{engine: engine, logger: logger}
}

// Sync does one full pass: every valid checkpoint file missing from the
// relational store is inserted, then the latest pointer is refreshed.
// Returns how many rows were restored.
func (r *Reconciler) Sync(ctx context.Context) (int, error) {
	cps, warnings := r.engine.Files().List()
	for _, warn := range warnings {
		r.logger.Warn("skipping unreadable checkpoint file", "error", warn)
	}

	restored := 0
	for _, cp := range cps {
		_, err := r.engine.checkpoints.Get(ctx, cp.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return restored, err
		}
		cp := cp
		if err := r.engine.checkpoints.Insert(ctx, &cp); err != nil {
			r.logger.Warn("failed to restore checkpoint row", "checkpoint_id", cp.ID, "error", err)
			continue
		}
		restored++
		r.logger.Info("restored checkpoint row from file", "checkpoint_id", cp.ID, "mission_id", cp.MissionID)
	}
	if err := r.engine.Files().RefreshLatest(); err != nil {
		return restored, err
	}
	return restored, nil
}

// Run syncs once, then watches the directory until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	if _, err := r.Sync(ctx); err != nil {
		r.logger.Error("initial checkpoint sync failed", "error", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(r.engine.Files().Dir()); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !r.relevant(ev.Name) {
				continue
			}
			switch {
			case ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write):
				r.onFileChanged(ctx, ev.Name)
			case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
				if err := r.engine.Files().RefreshLatest(); err != nil {
					r.logger.Warn("failed to refresh latest pointer", "error", err)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("checkpoint watcher error", "error", err)
		}
	}
}

// relevant filters watcher events down to checkpoint files, skipping the
// pointer and temp files mid-rename.
func (r *Reconciler) relevant(path string) bool {
	name := filepath.Base(path)
	if name == LatestPointer || !strings.HasSuffix(name, ".json") {
		return false
	}
	return !strings.Contains(name, ".tmp-")
}

func (r *Reconciler) onFileChanged(ctx context.Context, path string) {
	id := strings.TrimSuffix(filepath.Base(path), ".json")
	cp, err := r.engine.Files().Read(id)
	if err != nil {
		r.logger.Warn("ignoring invalid checkpoint file", "path", path, "error", err)
		return
	}
	if _, err := r.engine.checkpoints.Get(ctx, cp.ID); err == nil {
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		r.logger.Warn("failed to check checkpoint row", "checkpoint_id", cp.ID, "error", err)
		return
	}
	if err := r.engine.checkpoints.Insert(ctx, &cp); err != nil {
		r.logger.Warn("failed to restore checkpoint row", "checkpoint_id", cp.ID, "error", err)
		return
	}
	if err := r.engine.Files().RefreshLatest(); err != nil {
		r.logger.Warn("failed to refresh latest pointer", "error", err)
	}
	r.logger.Info("restored checkpoint row from file", "checkpoint_id", cp.ID, "mission_id", cp.MissionID)
}
