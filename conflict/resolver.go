package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/flightline-ai/squawk/emit"
	"github.com/flightline-ai/squawk/model"
	"github.com/flightline-ai/squawk/store"
)

// Resolution strategies, in the order they appear in the rule table.
const (
	StrategyFirstComeFirstServe = "first-come-first-serve"
	StrategyPriorityBased       = "priority-based"
	StrategyResourceSharing     = "resource-sharing"
	StrategyTaskSplitting       = "task-splitting"
	StrategyAgentCooperation    = "agent-cooperation"
	StrategyArbitration         = "arbitration"
)

// rule matches a conflict by type and severity. An empty field is a
// wildcard; the first matching rule wins.
type rule struct {
	kind     model.ConflictType
	severity model.Severity
	strategy string
}

var resolutionRules = []rule{
	{model.ConflictResource, model.SeverityCritical, StrategyArbitration},
	{model.ConflictData, model.SeverityCritical, StrategyArbitration},
	{model.ConflictResource, model.SeverityHigh, StrategyPriorityBased},
	{model.ConflictData, model.SeverityHigh, StrategyPriorityBased},
	{model.ConflictTask, "", StrategyTaskSplitting},
	{model.ConflictResource, "", StrategyResourceSharing},
	{model.ConflictData, "", StrategyAgentCooperation},
	{"", "", StrategyFirstComeFirstServe},
}

// SelectStrategy picks the resolution strategy for a conflict from the
// rule table.
func SelectStrategy(c model.Conflict) string {
	for _, r := range resolutionRules {
		if r.kind != "" && r.kind != c.Type {
			continue
		}
		if r.severity != "" && r.severity != c.Severity {
			continue
		}
		return r.strategy
	}
	return StrategyFirstComeFirstServe
}

// Resolver detects conflicts over the registry and resolves those at or
// below the auto-resolve threshold. It emits events; it never mutates
// specialist state.
type Resolver struct {
	specialists *store.SpecialistStore
	events      *store.EventStore
	emitter     emit.Emitter
	clock       model.Clock
	logger      *slog.Logger

	// threshold is the highest severity resolved automatically.
	threshold model.Severity
}

// NewResolver wires a Resolver. An empty threshold defaults to medium.
func NewResolver(db *store.DB, emitter emit.Emitter, threshold model.Severity, logger *slog.Logger) *Resolver {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	if threshold == "" {
		threshold = model.SeverityMedium
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		specialists: db.Specialists(),
		events:      db.Events(),
		emitter:     emitter,
		clock:       db.Clock(),
		logger:      logger,
		threshold:   threshold,
	}
}

// Sweep snapshots the registry, detects conflicts, records them on the
// fleet stream, and auto-resolves those within the threshold. Returns all
// conflicts found in this pass with resolution applied where eligible.
func (r *Resolver) Sweep(ctx context.Context) ([]model.Conflict, error) {
	specialists, err := r.specialists.List(ctx)
	if err != nil {
		return nil, err
	}

	conflicts := Detect(specialists)
	now := r.clock.Now()
	for i := range conflicts {
		conflicts[i].ID = model.NewID(model.PrefixConflict)
		conflicts[i].DetectedAt = now

		if _, err := r.events.Append(ctx, store.AppendInput{
			EventType:  "conflict.detected",
			StreamType: model.StreamFleet,
			StreamID:   conflicts[i].ID,
			Data: map[string]any{
				"type":        string(conflicts[i].Type),
				"severity":    string(conflicts[i].Severity),
				"agents":      conflicts[i].Agents,
				"description": conflicts[i].Description,
			},
		}); err != nil {
			return nil, err
		}

		if model.SeverityRank(conflicts[i].Severity) > model.SeverityRank(r.threshold) {
			r.logger.Warn("conflict above auto-resolve threshold",
				"conflict_id", conflicts[i].ID,
				"type", conflicts[i].Type,
				"severity", conflicts[i].Severity)
			continue
		}
		if err := r.Resolve(ctx, &conflicts[i]); err != nil {
			return nil, err
		}
	}
	return conflicts, nil
}

// Resolve applies the selected strategy to a conflict and stamps the
// resolution. Resolving an already resolved conflict is a no-op.
func (r *Resolver) Resolve(ctx context.Context, c *model.Conflict) error {
	if c.ResolvedAt != nil {
		return nil
	}
	strategy := SelectStrategy(*c)
	plan, actions := buildPlan(strategy, *c)

	now := r.clock.Now()
	c.ResolvedAt = &now
	c.Resolution = plan
	c.ResolutionDetails = actions

	if _, err := r.events.Append(ctx, store.AppendInput{
		EventType:  "conflict.resolved",
		StreamType: model.StreamFleet,
		StreamID:   c.ID,
		Data: map[string]any{
			"strategy": strategy,
			"plan":     plan,
			"actions":  actions,
		},
	}); err != nil {
		return err
	}
	r.emitter.Emit(emit.Event{
		Stream: model.StreamFleet, StreamID: c.ID, Type: "conflict.resolved",
		Msg:  plan,
		Meta: map[string]any{"strategy": strategy, "severity": string(c.Severity)},
	})
	return nil
}

// buildPlan renders the textual plan and action list for a strategy. The
// agent listed first is treated as the earliest claimant.
func buildPlan(strategy string, c model.Conflict) (string, []string) {
	first := ""
	if len(c.Agents) > 0 {
		first = c.Agents[0]
	}
	rest := c.Agents
	if len(rest) > 0 {
		rest = rest[1:]
	}

	switch strategy {
	case StrategyFirstComeFirstServe:
		actions := []string{fmt.Sprintf("grant %s continued access", first)}
		for _, a := range rest {
			actions = append(actions, fmt.Sprintf("queue %s behind %s", a, first))
		}
		return fmt.Sprintf("first claimant %s keeps the contested item; others wait", first), actions

	case StrategyPriorityBased:
		actions := []string{
			"rank contenders by sortie priority",
			fmt.Sprintf("grant the highest-priority specialist access, starting from %s", first),
		}
		for _, a := range rest {
			actions = append(actions, fmt.Sprintf("pause %s until the grant is released", a))
		}
		return "highest-priority specialist wins the contested item", actions

	case StrategyResourceSharing:
		return "contenders share the resource under a rotation schedule", []string{
			fmt.Sprintf("establish a rotation among %d specialists", len(c.Agents)),
			"bound each turn by the lock timeout",
			"notify each specialist of its slot",
		}

	case StrategyTaskSplitting:
		actions := []string{fmt.Sprintf("keep %s on the original sortie", first)}
		for _, a := range rest {
			actions = append(actions, fmt.Sprintf("carve a sub-scope for %s", a))
		}
		return "duplicate assignment split into disjoint sub-scopes", actions

	case StrategyAgentCooperation:
		return "specialists coordinate writes through the message bus", []string{
			"create a shared thread for the contenders",
			"serialize writes to the shared data item via messages",
			"escalate if cooperation stalls",
		}

	case StrategyArbitration:
		return "escalated to operator arbitration; contested item frozen", []string{
			"freeze the contested item",
			fmt.Sprintf("suspend the claims of %d specialists", len(c.Agents)),
			"page the operator with the conflict summary",
		}
	}
	return "no resolution plan", nil
}

// SweepWorker runs Sweep on an interval until the context is cancelled.
type SweepWorker struct {
	resolver *Resolver
	interval time.Duration
	logger   *slog.Logger
}

// NewSweepWorker creates a SweepWorker. A non-positive interval defaults
// to 30s.
func NewSweepWorker(resolver *Resolver, interval time.Duration, logger *slog.Logger) *SweepWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepWorker{resolver: resolver, interval: interval, logger: logger}
}

// Run sweeps until ctx is cancelled. Sweep errors are logged, not fatal.
func (w *SweepWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conflicts, err := w.resolver.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.logger.Error("conflict sweep failed", "error", err)
				continue
			}
			if len(conflicts) > 0 {
				w.logger.Info("conflict sweep finished", "detected", len(conflicts))
			}
		}
	}
}
