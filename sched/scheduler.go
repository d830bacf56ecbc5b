// Package sched turns a validated sortie tree into launches. Independent
// sorties launch in parallel; dependent sorties launch sequentially in
// topological order, gated on their dependencies completing. The scheduler
// reserves files, assigns specialists, and hands off to an external Launch
// capability; it never executes workload itself.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flightline-ai/squawk/decompose"
	"github.com/flightline-ai/squawk/emit"
	"github.com/flightline-ai/squawk/lock"
	"github.com/flightline-ai/squawk/model"
	"github.com/flightline-ai/squawk/store"
)

// Mode selects how the scheduler sequences launches.
type Mode string

const (
	// ModeParallel launches only the independent sorties, concurrently.
	ModeParallel Mode = "parallel"
	// ModeSequential launches everything one at a time in dependency order.
	ModeSequential Mode = "sequential"
	// ModeMixed runs the parallel phase, then the sequential phase.
	ModeMixed Mode = "mixed"
)

// Launcher is the external process-spawning capability.
type Launcher interface {
	// Launch starts a specialist for the sortie. The specialist has already
	// been registered and the sortie assigned when this is called.
	Launch(ctx context.Context, sortie model.Sortie, specialistID string) error
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context, sortie model.Sortie, specialistID string) error

func (f LauncherFunc) Launch(ctx context.Context, sortie model.Sortie, specialistID string) error {
	return f(ctx, sortie, specialistID)
}

// Result reports the outcome per sortie.
type Result struct {
	// Launched lists sortie ids handed to the Launcher, in launch order for
	// the sequential phase (parallel-phase order is nondeterministic).
	Launched []string `json:"launched"`
	// Failed maps sortie id to the launch failure.
	Failed map[string]string `json:"failed,omitempty"`
	// Skipped maps sortie id to the reason it was not launched, e.g. an
	// incomplete dependency.
	Skipped map[string]string `json:"skipped,omitempty"`
}

// Scheduler dispatches sorties. Construct with NewScheduler.
type Scheduler struct {
	missions    *store.MissionStore
	specialists *store.SpecialistStore
	messages    *store.MessageStore
	locks       *lock.Manager
	launcher    Launcher
	emitter     emit.Emitter
	clock       model.Clock

	// lockTimeout bounds every file reservation made at launch.
	lockTimeout time.Duration
}

// NewScheduler wires a Scheduler. A zero lockTimeout defaults to 30
// minutes; a nil emitter defaults to NullEmitter.
func NewScheduler(db *store.DB, locks *lock.Manager, launcher Launcher, emitter emit.Emitter, lockTimeout time.Duration) *Scheduler {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	if lockTimeout <= 0 {
		lockTimeout = 30 * time.Minute
	}
	return &Scheduler{
		missions:    db.Missions(),
		specialists: db.Specialists(),
		messages:    db.Messages(),
		locks:       locks,
		launcher:    launcher,
		emitter:     emitter,
		clock:       db.Clock(),
		lockTimeout: lockTimeout,
	}
}

// Dispatch launches a mission's pending sorties according to mode. The
// tree must already be validated and persisted. Per-sortie failures are
// collected in the Result, not returned as errors; only infrastructure
// failures abort the dispatch.
func (s *Scheduler) Dispatch(ctx context.Context, tree *model.SortieTree, mode Mode) (Result, error) {
	result := Result{Failed: map[string]string{}, Skipped: map[string]string{}}
	if mode == "" {
		mode = ModeMixed
	}

	independent, dependent := partition(tree.Sorties)

	switch mode {
	case ModeParallel:
		s.launchParallel(ctx, independent, &result)
	case ModeSequential:
		order, err := sequentialOrder(tree.Sorties)
		if err != nil {
			return result, err
		}
		s.launchSequential(ctx, order, &result)
	case ModeMixed:
		s.launchParallel(ctx, independent, &result)
		order, err := sequentialOrder(dependent)
		if err != nil {
			return result, err
		}
		s.launchSequential(ctx, order, &result)
	default:
		return result, fmt.Errorf("unknown dispatch mode %q", mode)
	}

	if err := s.missions.UpdateMissionStatus(ctx, tree.Mission.ID, model.MissionInProgress); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		return result, err
	}
	return result, nil
}

func partition(sorties []model.Sortie) (independent, dependent []model.Sortie) {
	for _, s := range sorties {
		if len(s.Dependencies) == 0 {
			independent = append(independent, s)
		} else {
			dependent = append(dependent, s)
		}
	}
	return independent, dependent
}

// sequentialOrder topologically orders the given sorties. Dependencies on
// sorties outside the slice are gated at launch time, not here.
func sequentialOrder(sorties []model.Sortie) ([]model.Sortie, error) {
	if len(sorties) == 0 {
		return nil, nil
	}
	res, err := decompose.ResolveDependencies(sorties)
	if err != nil {
		return nil, err
	}
	byID := map[string]model.Sortie{}
	for _, s := range sorties {
		byID[s.ID] = s
	}
	ordered := make([]model.Sortie, 0, len(sorties))
	for _, id := range res.Order {
		if s, ok := byID[id]; ok {
			ordered = append(ordered, s)
		}
	}
	return ordered, nil
}

// launchParallel starts every sortie concurrently and waits for all spawn
// calls to settle. A failed spawn does not cancel its siblings.
func (s *Scheduler) launchParallel(ctx context.Context, sorties []model.Sortie, result *Result) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, sortie := range sorties {
		wg.Add(1)
		go func(sortie model.Sortie) {
			defer wg.Done()
			err := s.launchOne(ctx, sortie)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[sortie.ID] = err.Error()
				return
			}
			result.Launched = append(result.Launched, sortie.ID)
		}(sortie)
	}
	wg.Wait()
}

func (s *Scheduler) launchSequential(ctx context.Context, sorties []model.Sortie, result *Result) {
	for _, sortie := range sorties {
		if reason := s.dependenciesIncomplete(ctx, sortie); reason != "" {
			result.Skipped[sortie.ID] = reason
			continue
		}
		if err := s.launchOne(ctx, sortie); err != nil {
			result.Failed[sortie.ID] = err.Error()
			continue
		}
		result.Launched = append(result.Launched, sortie.ID)
	}
}

// dependenciesIncomplete returns a reason string when any dependency has
// not completed, or "" when the sortie is clear to launch.
func (s *Scheduler) dependenciesIncomplete(ctx context.Context, sortie model.Sortie) string {
	for _, dep := range sortie.Dependencies {
		current, err := s.missions.GetSortie(ctx, dep)
		if err != nil {
			return fmt.Sprintf("dependency %s could not be read: %v", dep, err)
		}
		if current.Status != model.SortieCompleted {
			return fmt.Sprintf("dependency %s is %s, not completed", dep, current.Status)
		}
	}
	return ""
}

// launchOne registers a specialist, reserves the sortie's files, assigns
// the sortie, ensures a mailbox, emits sortie.assigned, and hands off to
// the Launcher. On any failure it releases locks it took.
func (s *Scheduler) launchOne(ctx context.Context, sortie model.Sortie) error {
	now := s.clock.Now()
	specialist := model.Specialist{
		ID:            model.NewID(model.PrefixSpecialist),
		Name:          fmt.Sprintf("specialist for %s", sortie.Title),
		Status:        model.SpecialistActive,
		RegisteredAt:  now,
		LastSeen:      now,
		CurrentSortie: sortie.ID,
	}
	if err := s.specialists.Register(ctx, &specialist); err != nil {
		return fmt.Errorf("failed to register specialist: %w", err)
	}

	var held []string
	releaseHeld := func() {
		for _, id := range held {
			_, _ = s.locks.Release(ctx, id)
		}
	}
	for _, file := range sortie.Files {
		res, err := s.locks.Acquire(ctx, file, specialist.ID, s.lockTimeout, model.PurposeEdit, "")
		if err != nil {
			releaseHeld()
			return err
		}
		if res.Conflict {
			releaseHeld()
			return fmt.Errorf("file %s is reserved by %s", file, res.ExistingLock.ReservedBy)
		}
		held = append(held, res.Lock.ID)
	}

	if err := s.missions.AssignSortie(ctx, sortie.ID, specialist.ID); err != nil {
		releaseHeld()
		return err
	}
	if _, err := s.messages.CreateMailbox(ctx, specialist.ID); err != nil {
		releaseHeld()
		return err
	}

	s.emitter.Emit(emit.Event{
		Stream: model.StreamSortie, StreamID: sortie.ID, Type: "sortie.assigned",
		Msg: fmt.Sprintf("assigned to %s", specialist.ID),
		Meta: map[string]any{
			"specialist_id": specialist.ID,
			"mission_id":    sortie.MissionID,
			"files":         len(sortie.Files),
		},
	})

	if s.launcher == nil {
		return nil
	}
	if err := s.launcher.Launch(ctx, sortie, specialist.ID); err != nil {
		releaseHeld()
		return fmt.Errorf("launch failed: %w", err)
	}
	return nil
}
