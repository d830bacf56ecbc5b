package decompose

import (
	"fmt"

	"github.com/flightline-ai/squawk/model"
)

// Resolution is the dependency-resolver output: an execution order plus the
// grouping and critical-path data the scheduler and analyzer consume.
type Resolution struct {
	// Order is a topological order of sortie ids, dependencies first.
	Order []string `json:"order"`

	// ParallelGroups are layers of sortie ids that may run concurrently.
	ParallelGroups [][]string `json:"parallel_groups"`

	// CriticalPath is the longest dependency chain by sortie count, listed
	// dependencies first.
	CriticalPath []string `json:"critical_path"`

	// CriticalPathHours is the summed effort along the critical path.
	CriticalPathHours float64 `json:"critical_path_hours"`

	// EstimatedDurationMS converts CriticalPathHours to milliseconds.
	EstimatedDurationMS int64 `json:"estimated_duration_ms"`

	// MaxDepth is the longest dependency chain length in edges.
	MaxDepth int `json:"max_depth"`
}

// ResolveDependencies topologically sorts the sorties and groups them into
// parallel layers. Fails on cycles; the validator runs first, so a cycle
// here indicates a caller bypassing validation.
func ResolveDependencies(sorties []model.Sortie) (Resolution, error) {
	byID := map[string]*model.Sortie{}
	for i := range sorties {
		byID[sorties[i].ID] = &sorties[i]
	}

	if cycles := findCycles(sorties, byID); len(cycles) > 0 {
		return Resolution{}, fmt.Errorf("cannot resolve dependencies: cycle involving %v", cycles[0])
	}

	order := topoSort(sorties, byID)
	reach := reachability(sorties, byID)

	res := Resolution{
		Order:          order,
		ParallelGroups: groupParallel(order, byID, reach),
		MaxDepth:       maxDependencyDepth(sorties, byID),
	}
	res.CriticalPath, res.CriticalPathHours = criticalPath(sorties, byID)
	res.EstimatedDurationMS = int64(res.CriticalPathHours * 3600 * 1000)
	return res, nil
}

// topoSort orders sorties dependencies-first via DFS post-order.
func topoSort(sorties []model.Sortie, byID map[string]*model.Sortie) []string {
	visited := map[string]bool{}
	var order []string
	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		if s := byID[id]; s != nil {
			for _, dep := range s.Dependencies {
				if _, ok := byID[dep]; ok {
					visit(dep)
				}
			}
		}
		order = append(order, id)
	}
	for _, s := range sorties {
		visit(s.ID)
	}
	return order
}

// groupParallel assigns each sortie, in topological order, to the first
// group it can run in parallel with: no dependency path to or from any
// member and no shared file.
func groupParallel(order []string, byID map[string]*model.Sortie, reach map[string]map[string]bool) [][]string {
	var groups [][]string
	for _, id := range order {
		placed := false
		for gi := range groups {
			if fitsGroup(id, groups[gi], byID, reach) {
				groups[gi] = append(groups[gi], id)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, []string{id})
		}
	}
	return groups
}

func fitsGroup(id string, group []string, byID map[string]*model.Sortie, reach map[string]map[string]bool) bool {
	s := byID[id]
	for _, other := range group {
		if reach[id][other] || reach[other][id] {
			return false
		}
		o := byID[other]
		if s != nil && o != nil && len(intersectFiles(s.Files, o.Files)) > 0 {
			return false
		}
	}
	return true
}

// criticalPath finds the longest chain by sortie count, breaking length
// ties by summed effort, and returns it dependencies-first.
func criticalPath(sorties []model.Sortie, byID map[string]*model.Sortie) ([]string, float64) {
	type pathInfo struct {
		chain []string
		hours float64
	}
	memo := map[string]pathInfo{}

	var longest func(id string) pathInfo
	longest = func(id string) pathInfo {
		if p, ok := memo[id]; ok {
			return p
		}
		s := byID[id]
		best := pathInfo{}
		if s != nil {
			for _, dep := range s.Dependencies {
				if _, ok := byID[dep]; !ok {
					continue
				}
				p := longest(dep)
				if len(p.chain) > len(best.chain) ||
					(len(p.chain) == len(best.chain) && p.hours > best.hours) {
					best = p
				}
			}
		}
		hours := 0.0
		if s != nil {
			hours = s.EstimatedHours
		}
		result := pathInfo{
			chain: append(append([]string{}, best.chain...), id),
			hours: best.hours + hours,
		}
		memo[id] = result
		return result
	}

	best := pathInfo{}
	for _, s := range sorties {
		p := longest(s.ID)
		if len(p.chain) > len(best.chain) ||
			(len(p.chain) == len(best.chain) && p.hours > best.hours) {
			best = p
		}
	}
	return best.chain, best.hours
}
