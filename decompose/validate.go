package decompose

import (
	"fmt"
	"sort"
	"strings"

	"github.com/flightline-ai/squawk/model"
)

// Validation issue types.
const (
	IssueFileOverlap        = "FileOverlap"
	IssueCircularDependency = "CircularDependency"
	IssueMissingDependency  = "MissingDependency"
	IssueInvalidScope       = "InvalidScope"
)

// Effort estimates outside this range are reported as warnings, never
// clamped: the planner's numbers are carried verbatim.
const (
	minPlausibleEffortHours = 0.25
	maxPlausibleEffortHours = 40.0
)

// ValidationIssue is one fatal defect in a plan.
type ValidationIssue struct {
	Type    string   `json:"type"`
	Message string   `json:"message"`
	Sorties []string `json:"sorties,omitempty"`
	Files   []string `json:"files,omitempty"`
	Cycle   []string `json:"cycle,omitempty"`
	Suggest string   `json:"suggestion,omitempty"`
}

// ValidationResult carries fatal errors and advisory warnings. A plan with
// any error must not be persisted or scheduled.
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
}

// Validate checks a plan for file overlaps between concurrent sorties,
// dependency cycles, dangling references, and empty scopes, and collects
// advisory warnings about complexity, depth, and effort distribution.
func Validate(sorties []model.Sortie) ValidationResult {
	result := ValidationResult{Valid: true}

	byID := map[string]*model.Sortie{}
	for i := range sorties {
		byID[sorties[i].ID] = &sorties[i]
	}

	result.checkMissingDependencies(sorties, byID)
	result.checkScopes(sorties)
	cycles := findCycles(sorties, byID)
	for _, cycle := range cycles {
		result.addError(ValidationIssue{
			Type:    IssueCircularDependency,
			Message: fmt.Sprintf("dependency cycle: %s", strings.Join(cycle, " -> ")),
			Cycle:   cycle,
			Suggest: "break the cycle by removing or inverting one dependency edge",
		})
	}
	// Overlap analysis needs an acyclic graph for reachability.
	if len(cycles) == 0 {
		result.checkFileOverlaps(sorties, byID)
	}
	result.collectWarnings(sorties, byID)
	return result
}

func (r *ValidationResult) addError(issue ValidationIssue) {
	r.Valid = false
	r.Errors = append(r.Errors, issue)
}

func (r *ValidationResult) checkMissingDependencies(sorties []model.Sortie, byID map[string]*model.Sortie) {
	for _, s := range sorties {
		for _, dep := range s.Dependencies {
			if _, ok := byID[dep]; !ok {
				r.addError(ValidationIssue{
					Type:    IssueMissingDependency,
					Message: fmt.Sprintf("sortie %q depends on unknown sortie %q", s.Title, dep),
					Sorties: []string{s.ID},
				})
			}
		}
	}
}

func (r *ValidationResult) checkScopes(sorties []model.Sortie) {
	for _, s := range sorties {
		if len(s.Files) > 0 {
			continue
		}
		if s.Metadata != nil {
			if _, ok := s.Metadata["components"]; ok {
				continue
			}
			if _, ok := s.Metadata["functions"]; ok {
				continue
			}
		}
		r.addError(ValidationIssue{
			Type:    IssueInvalidScope,
			Message: fmt.Sprintf("sortie %q names no files, components, or functions", s.Title),
			Sorties: []string{s.ID},
			Suggest: "give the sortie a concrete scope or merge it into a neighbor",
		})
	}
}

// checkFileOverlaps flags every pair of sorties with no directed path
// between them that shares a file.
func (r *ValidationResult) checkFileOverlaps(sorties []model.Sortie, byID map[string]*model.Sortie) {
	reach := reachability(sorties, byID)
	for i := 0; i < len(sorties); i++ {
		for j := i + 1; j < len(sorties); j++ {
			a, b := &sorties[i], &sorties[j]
			if reach[a.ID][b.ID] || reach[b.ID][a.ID] {
				continue
			}
			shared := intersectFiles(a.Files, b.Files)
			if len(shared) == 0 {
				continue
			}
			r.addError(ValidationIssue{
				Type:    IssueFileOverlap,
				Message: fmt.Sprintf("sorties %q and %q touch the same files without an ordering: %s", a.Title, b.Title, strings.Join(shared, ", ")),
				Sorties: []string{a.ID, b.ID},
				Files:   shared,
				Suggest: "merge the sorties or add a dependency edge between them",
			})
		}
	}
}

func (r *ValidationResult) collectWarnings(sorties []model.Sortie, byID map[string]*model.Sortie) {
	for _, s := range sorties {
		if s.Complexity == model.ComplexityHigh {
			r.Warnings = append(r.Warnings, fmt.Sprintf("sortie %q is high complexity; consider splitting", s.Title))
		}
		if s.EstimatedHours < minPlausibleEffortHours || s.EstimatedHours > maxPlausibleEffortHours {
			r.Warnings = append(r.Warnings, fmt.Sprintf("sortie %q has an implausible effort estimate of %.2fh", s.Title, s.EstimatedHours))
		}
	}

	if depth := maxDependencyDepth(sorties, byID); depth > 5 {
		r.Warnings = append(r.Warnings, fmt.Sprintf("dependency depth %d exceeds 5; long chains limit parallelism", depth))
	}

	if len(sorties) > 1 {
		var total, min, max float64
		min = sorties[0].EstimatedHours
		for _, s := range sorties {
			total += s.EstimatedHours
			if s.EstimatedHours < min {
				min = s.EstimatedHours
			}
			if s.EstimatedHours > max {
				max = s.EstimatedHours
			}
		}
		avg := total / float64(len(sorties))
		if max > 2*avg {
			r.Warnings = append(r.Warnings, fmt.Sprintf("effort is unbalanced: largest sortie (%.1fh) is more than twice the average (%.1fh)", max, avg))
		}
		if min < avg/2 {
			r.Warnings = append(r.Warnings, fmt.Sprintf("effort is unbalanced: smallest sortie (%.1fh) is less than half the average (%.1fh)", min, avg))
		}
	}
}

// findCycles runs a DFS from every node and reports each distinct cycle
// once, listed with the starting sortie repeated at the end.
func findCycles(sorties []model.Sortie, byID map[string]*model.Sortie) [][]string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := map[string]int{}
	var cycles [][]string
	seen := map[string]bool{}

	var stack []string
	var visit func(id string)
	visit = func(id string) {
		state[id] = inStack
		stack = append(stack, id)
		s := byID[id]
		if s != nil {
			for _, dep := range s.Dependencies {
				if _, ok := byID[dep]; !ok {
					continue
				}
				switch state[dep] {
				case unvisited:
					visit(dep)
				case inStack:
					// Back edge: slice the stack from dep to here.
					start := 0
					for k, v := range stack {
						if v == dep {
							start = k
							break
						}
					}
					cycle := append(append([]string{}, stack[start:]...), dep)
					if key := cycleKey(cycle); !seen[key] {
						seen[key] = true
						cycles = append(cycles, cycle)
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
	}
	for _, s := range sorties {
		if state[s.ID] == unvisited {
			visit(s.ID)
		}
	}
	return cycles
}

// cycleKey canonicalizes a cycle so rotations compare equal.
func cycleKey(cycle []string) string {
	members := append([]string{}, cycle[:len(cycle)-1]...)
	sort.Strings(members)
	return strings.Join(members, "|")
}

// reachability computes the transitive closure over dependency edges.
func reachability(sorties []model.Sortie, byID map[string]*model.Sortie) map[string]map[string]bool {
	reach := map[string]map[string]bool{}
	var visit func(id string) map[string]bool
	visit = func(id string) map[string]bool {
		if r, ok := reach[id]; ok {
			return r
		}
		r := map[string]bool{}
		reach[id] = r
		s := byID[id]
		if s == nil {
			return r
		}
		for _, dep := range s.Dependencies {
			if _, ok := byID[dep]; !ok {
				continue
			}
			r[dep] = true
			for k := range visit(dep) {
				r[k] = true
			}
		}
		return r
	}
	for _, s := range sorties {
		visit(s.ID)
	}
	return reach
}

func maxDependencyDepth(sorties []model.Sortie, byID map[string]*model.Sortie) int {
	memo := map[string]int{}
	var depth func(id string) int
	depth = func(id string) int {
		if d, ok := memo[id]; ok {
			return d
		}
		memo[id] = 0 // cycle guard
		s := byID[id]
		if s == nil || len(s.Dependencies) == 0 {
			return 0
		}
		best := 0
		for _, dep := range s.Dependencies {
			if _, ok := byID[dep]; !ok {
				continue
			}
			if d := depth(dep) + 1; d > best {
				best = d
			}
		}
		memo[id] = best
		return best
	}
	max := 0
	for _, s := range sorties {
		if d := depth(s.ID); d > max {
			max = d
		}
	}
	return max
}

func intersectFiles(a, b []string) []string {
	set := map[string]bool{}
	for _, f := range a {
		set[f] = true
	}
	var shared []string
	for _, f := range b {
		if set[f] {
			shared = append(shared, f)
			set[f] = false
		}
	}
	sort.Strings(shared)
	return shared
}
