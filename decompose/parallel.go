package decompose

import (
	"fmt"

	"github.com/flightline-ai/squawk/model"
)

// ParallelAnalysis quantifies how much of a plan can run concurrently and
// names the things holding it back.
type ParallelAnalysis struct {
	Parallelization model.Parallelization `json:"parallelization"`
	Recommendations []string              `json:"recommendations,omitempty"`
	Bottlenecks     []string              `json:"bottlenecks,omitempty"`
}

// AnalyzeParallelization derives the parallelization summary from a
// resolution. Potential is the largest parallel layer over total sorties;
// speedup is total effort over critical-path effort.
func AnalyzeParallelization(sorties []model.Sortie, res Resolution) ParallelAnalysis {
	byID := map[string]*model.Sortie{}
	totalEffort := 0.0
	for i := range sorties {
		byID[sorties[i].ID] = &sorties[i]
		totalEffort += sorties[i].EstimatedHours
	}

	maxGroup := 0
	for _, g := range res.ParallelGroups {
		if len(g) > maxGroup {
			maxGroup = len(g)
		}
	}

	potential := 0.0
	if len(sorties) > 1 {
		potential = float64(maxGroup) / float64(len(sorties))
	}
	speedup := 1.0
	if res.CriticalPathHours > 0 {
		speedup = totalEffort / res.CriticalPathHours
	}

	analysis := ParallelAnalysis{
		Parallelization: model.Parallelization{
			ParallelGroups:      res.ParallelGroups,
			CriticalPath:        res.CriticalPath,
			EstimatedDurationMS: res.EstimatedDurationMS,
			Potential:           potential,
			EstimatedSpeedup:    speedup,
		},
	}
	analysis.Recommendations = recommendations(sorties, res, potential)
	analysis.Bottlenecks = bottlenecks(sorties, byID, res)
	return analysis
}

func recommendations(sorties []model.Sortie, res Resolution, potential float64) []string {
	var recs []string
	if len(sorties) > 1 && potential < 0.3 {
		recs = append(recs, fmt.Sprintf("only %.0f%% of sorties can run in parallel; consider decoupling file scopes", potential*100))
	}
	if len(res.CriticalPath) > len(sorties)/2 && len(res.CriticalPath) > 2 {
		recs = append(recs, fmt.Sprintf("critical path covers %d of %d sorties; most work is serialized", len(res.CriticalPath), len(sorties)))
	}
	if len(sorties) > 1 {
		var total, max float64
		for _, s := range sorties {
			total += s.EstimatedHours
			if s.EstimatedHours > max {
				max = s.EstimatedHours
			}
		}
		avg := total / float64(len(sorties))
		if max > 2*avg {
			recs = append(recs, "effort is concentrated in one sortie; splitting it would shorten the schedule")
		}
	}
	if heavy := heavyDependents(sorties); len(heavy) > 0 {
		for _, title := range heavy {
			recs = append(recs, fmt.Sprintf("sortie %q blocks more than two others; consider landing it first", title))
		}
	}
	return recs
}

func bottlenecks(sorties []model.Sortie, byID map[string]*model.Sortie, res Resolution) []string {
	onPath := map[string]bool{}
	for _, id := range res.CriticalPath {
		onPath[id] = true
	}

	var out []string
	for _, s := range sorties {
		if onPath[s.ID] && (s.Complexity == model.ComplexityHigh || s.EstimatedHours > 8) {
			out = append(out, fmt.Sprintf("critical-path sortie %q is heavy (%s, %.1fh)", s.Title, s.Complexity, s.EstimatedHours))
		}
	}

	dependents := map[string]int{}
	for _, s := range sorties {
		for _, dep := range s.Dependencies {
			dependents[dep]++
		}
	}
	for _, s := range sorties {
		if n := dependents[s.ID]; n > 2 {
			out = append(out, fmt.Sprintf("sortie %q has %d dependents", s.Title, n))
		}
	}

	// Singleton layers inside a chain serialize the whole schedule.
	for _, g := range res.ParallelGroups {
		if len(g) == 1 && onPath[g[0]] && len(res.ParallelGroups) > 1 {
			if s := byID[g[0]]; s != nil {
				out = append(out, fmt.Sprintf("sortie %q runs alone in its layer", s.Title))
			}
		}
	}
	return out
}

func heavyDependents(sorties []model.Sortie) []string {
	dependents := map[string]int{}
	titles := map[string]string{}
	for _, s := range sorties {
		titles[s.ID] = s.Title
		for _, dep := range s.Dependencies {
			dependents[dep]++
		}
	}
	var heavy []string
	for _, s := range sorties {
		if dependents[s.ID] > 2 {
			heavy = append(heavy, titles[s.ID])
		}
	}
	return heavy
}
