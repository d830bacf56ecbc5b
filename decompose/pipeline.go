package decompose

import (
	"context"
	"fmt"
	"strings"

	"github.com/flightline-ai/squawk/emit"
	"github.com/flightline-ai/squawk/model"
	"github.com/flightline-ai/squawk/store"
)

// Input is a decomposition request.
type Input struct {
	// TaskDescription is the free-form goal to decompose. Required.
	TaskDescription string

	// Strategy overrides automatic strategy selection when set.
	Strategy model.Strategy

	// Root is the codebase to analyze for planner context. Optional.
	Root string

	// Metadata is carried onto the resulting mission.
	Metadata map[string]any
}

// Output is the full pipeline result. Tree is only usable when
// Validation.Valid is true; callers must not persist an invalid tree.
type Output struct {
	Tree       model.SortieTree  `json:"sortie_tree"`
	Selection  StrategySelection `json:"strategy_selection"`
	Validation ValidationResult  `json:"validation"`
	Analysis   ParallelAnalysis  `json:"analysis"`
}

// ErrInvalidPlan wraps a failed validation so callers can return the
// structured issues to the user.
type ErrInvalidPlan struct {
	Result ValidationResult
}

func (e *ErrInvalidPlan) Error() string {
	parts := make([]string, 0, len(e.Result.Errors))
	for _, issue := range e.Result.Errors {
		parts = append(parts, issue.Message)
	}
	return "plan validation failed: " + strings.Join(parts, "; ")
}

// Pipeline runs the seven decomposition stages. Construct with
// NewPipeline; the zero value is not usable.
type Pipeline struct {
	planner       *Planner
	analyzer      *Analyzer
	patterns      *store.PatternStore
	emitter       emit.Emitter
	clock         model.Clock
	techOrdersDir string
}

// NewPipeline wires the pipeline. patterns may be nil to skip learned
// pattern recording; a nil emitter defaults to NullEmitter.
func NewPipeline(planner *Planner, analyzer *Analyzer, patterns *store.PatternStore, emitter emit.Emitter, clock model.Clock, techOrdersDir string) *Pipeline {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	if clock == nil {
		clock = model.SystemClock{}
	}
	if analyzer == nil {
		analyzer = NewAnalyzer(nil)
	}
	return &Pipeline{
		planner:       planner,
		analyzer:      analyzer,
		patterns:      patterns,
		emitter:       emitter,
		clock:         clock,
		techOrdersDir: techOrdersDir,
	}
}

// Decompose runs Strategy -> Codebase -> TechOrders -> LLMPlan -> Validate
// -> ResolveDependencies -> AnalyzeParallelization. A validation failure
// returns *ErrInvalidPlan carrying the issues; any other stage failure
// returns its error. Nothing is persisted here.
func (p *Pipeline) Decompose(ctx context.Context, in Input) (Output, error) {
	if strings.TrimSpace(in.TaskDescription) == "" {
		return Output{}, fmt.Errorf("task description is required")
	}

	// Stage 1: strategy.
	sel := SelectStrategy(in.TaskDescription)
	if in.Strategy != "" {
		if !validStrategy(in.Strategy) {
			return Output{}, fmt.Errorf("unknown strategy %q", in.Strategy)
		}
		sel.Strategy = in.Strategy
		sel.Confidence = 1
	}

	// Stage 2: codebase context.
	codebase, err := p.analyzer.Analyze(in.Root)
	if err != nil {
		return Output{}, err
	}

	// Stage 3: tech orders.
	orders, err := LoadTechOrders(p.techOrdersDir, sel.Patterns)
	if err != nil {
		return Output{}, err
	}
	codebase.TechOrders = orders

	// Stage 4: LLM planning.
	plan, err := p.planner.PlanMission(ctx, in.TaskDescription, sel, codebase)
	if err != nil {
		return Output{}, err
	}

	// Stage 5: validation.
	validation := Validate(plan.Sorties)
	if !validation.Valid {
		return Output{Selection: sel, Validation: validation}, &ErrInvalidPlan{Result: validation}
	}

	// Stage 6: dependency resolution.
	resolution, err := ResolveDependencies(plan.Sorties)
	if err != nil {
		return Output{}, err
	}

	// Stage 7: parallelization analysis.
	analysis := AnalyzeParallelization(plan.Sorties, resolution)

	mission := model.Mission{
		ID:           model.NewID(model.PrefixMission),
		Title:        plan.MissionTitle,
		Description:  plan.MissionDescription,
		Strategy:     sel.Strategy,
		Status:       model.MissionPending,
		Priority:     plan.MissionPriority,
		CreatedAt:    p.clock.Now(),
		TotalSorties: len(plan.Sorties),
		Metadata:     in.Metadata,
	}
	// The pattern id rides on the mission so its outcome can be recorded
	// when the mission completes.
	if patternID := p.recordPattern(ctx, in.TaskDescription, sel); patternID != "" {
		meta := make(map[string]any, len(in.Metadata)+1)
		for k, v := range in.Metadata {
			meta[k] = v
		}
		meta["pattern_id"] = patternID
		mission.Metadata = meta
	}
	for i := range plan.Sorties {
		plan.Sorties[i].MissionID = mission.ID
	}

	out := Output{
		Tree: model.SortieTree{
			Mission:         mission,
			Sorties:         plan.Sorties,
			Dependencies:    plan.Dependencies,
			Parallelization: analysis.Parallelization,
		},
		Selection:  sel,
		Validation: validation,
		Analysis:   analysis,
	}

	p.emitter.Emit(emit.Event{
		Stream: model.StreamMission, StreamID: mission.ID, Type: "mission.decomposed",
		Msg: fmt.Sprintf("%d sorties via %s strategy", len(plan.Sorties), sel.Strategy),
		Meta: map[string]any{
			"strategy":   string(sel.Strategy),
			"sorties":    len(plan.Sorties),
			"confidence": sel.Confidence,
		},
	})
	return out, nil
}

// recordPattern stores the (strategy, patterns) pairing for later outcome
// tracking and returns the pattern id. Failures are advisory only.
func (p *Pipeline) recordPattern(ctx context.Context, task string, sel StrategySelection) string {
	if p.patterns == nil || len(sel.Patterns) == 0 {
		return ""
	}
	summary := task
	if len(summary) > 200 {
		summary = summary[:200]
	}
	lp, err := p.patterns.RecordPattern(ctx, sel.Strategy, strings.Join(sel.Patterns, ","), summary)
	if err != nil {
		p.emitter.Emit(emit.Event{
			Stream: model.StreamSystem, StreamID: "decompose", Type: "pattern.record_failed",
			Msg: "failed to record learned pattern", Meta: map[string]any{"error": err.Error()},
		})
		return ""
	}
	return lp.ID
}

func validStrategy(s model.Strategy) bool {
	for _, known := range model.Strategies {
		if s == known {
			return true
		}
	}
	return false
}
