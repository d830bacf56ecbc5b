package decompose

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flightline-ai/squawk/llm"
	"github.com/flightline-ai/squawk/model"
)

// plannerSystemPrompt pins the planner to strict JSON output.
const plannerSystemPrompt = `You are a mission planner for a fleet of autonomous coding specialists.
Decompose the given task into independent units of work ("sorties") with explicit
file scopes and dependencies. Respond with a single JSON object and nothing else.`

// planWire is the JSON shape the planner must return. Dependencies are
// 0-based indices into the sorties array.
type planWire struct {
	Mission struct {
		Title                string  `json:"title"`
		Description          string  `json:"description"`
		Priority             string  `json:"priority"`
		EstimatedEffortHours float64 `json:"estimated_effort_hours"`
	} `json:"mission"`
	Sorties []sortieWire `json:"sorties"`
}

type sortieWire struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Scope       struct {
		Files      []string `json:"files"`
		Components []string `json:"components"`
		Functions  []string `json:"functions"`
	} `json:"scope"`
	Complexity           string   `json:"complexity"`
	EstimatedEffortHours float64  `json:"estimated_effort_hours"`
	Priority             string   `json:"priority"`
	Dependencies         []int    `json:"dependencies"`
	DependencyReasons    []string `json:"dependency_reasons"`
}

// Plan is the parsed planner output before validation: sorties with ids
// assigned, plus the dependency edges with reasons.
type Plan struct {
	MissionTitle       string
	MissionDescription string
	MissionPriority    model.Priority
	Sorties            []model.Sortie
	Dependencies       []model.Dependency
}

// Planner drives the LLM stage.
type Planner struct {
	client llm.Client
}

// NewPlanner wraps an llm.Client. Retry policy belongs to the client; wrap
// with llm.WithRetry before passing it here.
func NewPlanner(client llm.Client) *Planner {
	return &Planner{client: client}
}

// PlanMission prompts the model and parses its response into a Plan.
// Structural defects in the response are returned as errors; the pipeline
// aborts rather than repairing a malformed plan.
func (p *Planner) PlanMission(ctx context.Context, task string, sel StrategySelection, codebase CodebaseContext) (Plan, error) {
	prompt := buildPrompt(task, sel, codebase)
	resp, err := p.client.Complete(ctx, llm.Request{
		System: plannerSystemPrompt,
		Prompt: prompt,
	})
	if err != nil {
		return Plan{}, fmt.Errorf("planner call failed: %w", err)
	}
	return parsePlan(resp.Text)
}

func buildPrompt(task string, sel StrategySelection, codebase CodebaseContext) string {
	var sb strings.Builder
	sb.WriteString("Task:\n")
	sb.WriteString(task)
	sb.WriteString("\n\nDecomposition strategy: ")
	sb.WriteString(string(sel.Strategy))
	if len(sel.Patterns) > 0 {
		sb.WriteString("\nDetected task patterns: ")
		sb.WriteString(strings.Join(sel.Patterns, ", "))
	}
	sb.WriteString("\n\n")
	sb.WriteString(codebase.Summary())
	if s := techOrderSummary(codebase.TechOrders); s != "" {
		sb.WriteString("\n")
		sb.WriteString(s)
	}

	sb.WriteString(`
Return JSON with this exact shape:
{
  "mission": {"title": "...", "description": "...", "priority": "low|medium|high|critical", "estimated_effort_hours": 4.0},
  "sorties": [
    {
      "title": "...",
      "description": "...",
      "scope": {"files": ["path/one.go"], "components": [], "functions": []},
      "complexity": "low|medium|high",
      "estimated_effort_hours": 1.5,
      "priority": "low|medium|high|critical",
      "dependencies": [0],
      "dependency_reasons": ["needs the schema from sortie 0"]
    }
  ]
}

Rules:
- dependencies are 0-based indices into the sorties array.
- every sortie names at least one file, component, or function in scope.
- two sorties may share a file only if one depends on the other.
- estimated_effort_hours must be positive.
Return ONLY the JSON object, no markdown, no commentary.`)
	return sb.String()
}

// parsePlan strips code fences, decodes the wire shape, and rejects
// structural defects.
func parsePlan(text string) (Plan, error) {
	cleaned := stripFences(text)
	var wire planWire
	if err := json.Unmarshal([]byte(cleaned), &wire); err != nil {
		return Plan{}, fmt.Errorf("planner returned invalid JSON: %w", err)
	}

	if wire.Mission.Title == "" || wire.Mission.Description == "" {
		return Plan{}, fmt.Errorf("planner mission is missing title or description")
	}
	if wire.Mission.EstimatedEffortHours <= 0 {
		return Plan{}, fmt.Errorf("planner mission effort must be positive, got %v", wire.Mission.EstimatedEffortHours)
	}
	if len(wire.Sorties) == 0 {
		return Plan{}, fmt.Errorf("planner returned no sorties")
	}

	plan := Plan{
		MissionTitle:       wire.Mission.Title,
		MissionDescription: wire.Mission.Description,
		MissionPriority:    parsePriority(wire.Mission.Priority),
	}

	ids := make([]string, len(wire.Sorties))
	for i := range wire.Sorties {
		ids[i] = model.NewID(model.PrefixSortie)
	}

	for i, sw := range wire.Sorties {
		if sw.Title == "" || sw.Description == "" {
			return Plan{}, fmt.Errorf("sortie %d is missing title or description", i)
		}
		scope := len(sw.Scope.Files) + len(sw.Scope.Components) + len(sw.Scope.Functions)
		if scope == 0 {
			return Plan{}, fmt.Errorf("sortie %d (%s) has an empty scope", i, sw.Title)
		}
		complexity := model.Complexity(sw.Complexity)
		if !model.ValidComplexity(complexity) {
			return Plan{}, fmt.Errorf("sortie %d (%s) has invalid complexity %q", i, sw.Title, sw.Complexity)
		}
		if sw.EstimatedEffortHours <= 0 {
			return Plan{}, fmt.Errorf("sortie %d (%s) effort must be positive, got %v", i, sw.Title, sw.EstimatedEffortHours)
		}

		sortie := model.Sortie{
			ID:             ids[i],
			Title:          sw.Title,
			Description:    sw.Description,
			Status:         model.SortiePending,
			Priority:       parsePriority(sw.Priority),
			Files:          sw.Scope.Files,
			Complexity:     complexity,
			EstimatedHours: sw.EstimatedEffortHours,
		}
		if len(sw.Scope.Components) > 0 || len(sw.Scope.Functions) > 0 {
			sortie.Metadata = map[string]any{}
			if len(sw.Scope.Components) > 0 {
				sortie.Metadata["components"] = sw.Scope.Components
			}
			if len(sw.Scope.Functions) > 0 {
				sortie.Metadata["functions"] = sw.Scope.Functions
			}
		}

		for j, dep := range sw.Dependencies {
			if dep < 0 || dep >= len(wire.Sorties) {
				return Plan{}, fmt.Errorf("sortie %d (%s) dependency index %d out of range", i, sw.Title, dep)
			}
			if dep == i {
				return Plan{}, fmt.Errorf("sortie %d (%s) depends on itself", i, sw.Title)
			}
			sortie.Dependencies = append(sortie.Dependencies, ids[dep])
			reason := ""
			if j < len(sw.DependencyReasons) {
				reason = sw.DependencyReasons[j]
			}
			plan.Dependencies = append(plan.Dependencies, model.Dependency{
				From:   ids[i],
				To:     ids[dep],
				Reason: reason,
			})
		}
		plan.Sorties = append(plan.Sorties, sortie)
	}
	return plan, nil
}

func stripFences(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

func parsePriority(p string) model.Priority {
	switch model.Priority(p) {
	case model.PriorityLow, model.PriorityMedium, model.PriorityHigh, model.PriorityCritical:
		return model.Priority(p)
	default:
		return model.PriorityMedium
	}
}
