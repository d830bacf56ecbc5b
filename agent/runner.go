// Package agent contains the specialist runtime: the long-lived runner a
// spawned specialist executes, and the watcher that flags specialists
// whose heartbeats stop arriving.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/flightline-ai/squawk/emit"
	"github.com/flightline-ai/squawk/model"
	"github.com/flightline-ai/squawk/store"
)

// State is the runner's lifecycle position.
type State string

const (
	StateStarting    State = "starting"
	StateInitialized State = "initialized"
	StateExecuting   State = "executing"
	StateIdling      State = "idling"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateTerminated  State = "terminated"
)

// DefaultHeartbeatInterval matches the registry's health expectations.
const DefaultHeartbeatInterval = 15 * time.Second

// ErrRunTimeout is returned when the wall-clock budget for a run expires.
// Callers translate it to a non-zero exit.
var ErrRunTimeout = errors.New("agent run timed out")

// Config sets up one runner.
type Config struct {
	SpecialistID string
	Name         string
	Type         string
	SortieID     string

	HeartbeatInterval time.Duration
	// Timeout bounds the whole run; zero means unbounded.
	Timeout time.Duration
	// Seed fixes the step delay sequence; zero seeds from the clock.
	Seed int64
}

// Runner drives one specialist: initialize, heartbeat, then either work a
// sortie to completion or idle until shutdown.
type Runner struct {
	cfg      Config
	registry *store.SpecialistStore
	missions *store.MissionStore
	emitter  emit.Emitter
	clock    model.Clock
	logger   *slog.Logger
	rng      *rand.Rand

	// sleep is injectable so tests can run without real delays.
	sleep func(context.Context, time.Duration) error

	mu        sync.Mutex
	state     State
	startedAt time.Time
}

// NewRunner wires a Runner against the store.
func NewRunner(db *store.DB, emitter emit.Emitter, logger *slog.Logger, cfg Config) *Runner {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = db.Clock().Now().UnixNano()
	}
	return &Runner{
		cfg:      cfg,
		registry: db.Specialists(),
		missions: db.Missions(),
		emitter:  emitter,
		clock:    db.Clock(),
		logger:   logger,
		rng:      rand.New(rand.NewSource(seed)),
		sleep:    sleepCtx,
		state:    StateStarting,
	}
}

// State reports the runner's current lifecycle state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Run executes the specialist loop until the sortie completes, the
// context is cancelled, or the wall-clock timeout expires. Cancellation
// is a graceful shutdown and returns nil; the timeout returns
// ErrRunTimeout.
func (r *Runner) Run(ctx context.Context) error {
	runCtx := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	r.mu.Lock()
	r.startedAt = r.clock.Now()
	r.mu.Unlock()

	if err := r.ensureRegistered(runCtx); err != nil {
		r.setState(StateFailed)
		return err
	}
	r.initialize()
	r.setState(StateInitialized)

	hbCtx, stopHeartbeat := context.WithCancel(runCtx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.heartbeatLoop(hbCtx)
	}()
	defer wg.Wait()
	defer stopHeartbeat()

	var runErr error
	if r.cfg.SortieID != "" {
		r.setState(StateExecuting)
		runErr = r.executeSortie(runCtx)
	} else {
		r.setState(StateIdling)
		r.idle(runCtx)
	}
	defer r.deactivate()

	if runCtx.Err() != nil {
		r.setState(StateTerminated)
		if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return ErrRunTimeout
		}
		return nil
	}
	if runErr != nil {
		r.setState(StateFailed)
		return runErr
	}
	if r.cfg.SortieID != "" {
		r.setState(StateCompleted)
	} else {
		r.setState(StateTerminated)
	}
	return nil
}

// ensureRegistered makes the registry row exist; a specialist spawned by
// the scheduler is already registered, a standalone run registers itself.
func (r *Runner) ensureRegistered(ctx context.Context) error {
	_, err := r.registry.Get(ctx, r.cfg.SpecialistID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	now := r.clock.Now()
	sp := model.Specialist{
		ID:            r.cfg.SpecialistID,
		Name:          r.cfg.Name,
		Status:        model.SpecialistActive,
		Capabilities:  []string{r.cfg.Type},
		CurrentSortie: r.cfg.SortieID,
		RegisteredAt:  now,
		LastSeen:      now,
	}
	if sp.Name == "" {
		sp.Name = r.cfg.Type
	}
	return r.registry.Register(ctx, &sp)
}

// initialize runs the type-specific warmup. The work itself is opaque;
// only its occurrence is observable.
func (r *Runner) initialize() {
	r.logger.Info("specialist initializing",
		"specialist_id", r.cfg.SpecialistID,
		"type", r.cfg.Type)
	r.emitter.Emit(emit.Event{
		Stream: model.StreamFleet, StreamID: r.cfg.SpecialistID, Type: "specialist.initialized",
		Msg:  fmt.Sprintf("%s specialist ready", r.cfg.Type),
		Meta: map[string]any{"type": r.cfg.Type},
	})
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Beat(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("heartbeat failed", "specialist_id", r.cfg.SpecialistID, "error", err)
			}
		}
	}
}

// Beat records one heartbeat: last_seen in the registry plus an advisory
// event carrying uptime, state, and resource usage.
func (r *Runner) Beat(ctx context.Context) error {
	if err := r.registry.UpdateHeartbeat(ctx, r.cfg.SpecialistID); err != nil {
		return err
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	r.mu.Lock()
	uptime := r.clock.Now().Sub(r.startedAt)
	state := r.state
	r.mu.Unlock()

	r.emitter.Emit(emit.Event{
		Stream: model.StreamFleet, StreamID: r.cfg.SpecialistID, Type: "specialist.heartbeat",
		Msg: string(state),
		Meta: map[string]any{
			"uptime_ms":  uptime.Milliseconds(),
			"status":     string(state),
			"goroutines": runtime.NumGoroutine(),
			"heap_bytes": mem.HeapAlloc,
		},
	})
	return nil
}

// executeSortie walks the keyword-derived step list, reporting progress
// after each step.
func (r *Runner) executeSortie(ctx context.Context) error {
	sortie, err := r.missions.GetSortie(ctx, r.cfg.SortieID)
	if err != nil {
		return fmt.Errorf("failed to load sortie %s: %w", r.cfg.SortieID, err)
	}
	if sortie.Status != model.SortieInProgress {
		if err := r.missions.UpdateSortieStatus(ctx, sortie.ID, model.SortieInProgress); err != nil {
			return err
		}
	}

	steps := stepsFor(sortie.Title + " " + sortie.Description)
	for i, step := range steps {
		if err := r.sleep(ctx, r.stepDelay()); err != nil {
			return err
		}
		progress := int(math.Round(float64(i+1) / float64(len(steps)) * 100))
		if err := r.missions.UpdateSortieProgress(ctx, sortie.ID, progress, step); err != nil {
			return err
		}
		r.emitter.Emit(emit.Event{
			Stream: model.StreamSortie, StreamID: sortie.ID, Type: "sortie.step",
			Msg:  step,
			Meta: map[string]any{"progress": progress, "specialist_id": r.cfg.SpecialistID},
		})
	}
	return r.missions.UpdateSortieStatus(ctx, sortie.ID, model.SortieCompleted)
}

// idle loops on randomized default activities until shutdown.
func (r *Runner) idle(ctx context.Context) {
	for {
		if err := r.sleep(ctx, r.stepDelay()); err != nil {
			return
		}
		activity := idleActivities[r.rng.Intn(len(idleActivities))]
		r.emitter.Emit(emit.Event{
			Stream: model.StreamFleet, StreamID: r.cfg.SpecialistID, Type: "specialist.activity",
			Msg: activity,
		})
	}
}

// stepDelay picks a randomized work delay in [2s, 5s].
func (r *Runner) stepDelay() time.Duration {
	return 2*time.Second + time.Duration(r.rng.Intn(3001))*time.Millisecond
}

func (r *Runner) deactivate() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.registry.UpdateStatus(ctx, r.cfg.SpecialistID, model.SpecialistInactive, ""); err != nil {
		r.logger.Warn("failed to deactivate specialist", "specialist_id", r.cfg.SpecialistID, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
