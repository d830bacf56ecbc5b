// Package conflict detects and resolves clashes between live specialists:
// shared resources, duplicated task assignments, and overlapping data
// items. Detection runs over a registry snapshot; resolution never mutates
// specialist state directly, it emits events for other components to act
// on.
package conflict

import (
	"fmt"
	"sort"
	"strings"

	"github.com/flightline-ai/squawk/model"
)

// Metadata keys the detectors read from a specialist.
const (
	metaResources = "resources"
	metaFiles     = "files"
	metaDatabases = "databases"
	metaEndpoints = "endpoints"
)

// Detect runs all three detectors over a snapshot of live specialists and
// returns the conflicts found, ids unassigned. The caller stamps ids and
// detection time.
func Detect(specialists []model.Specialist) []model.Conflict {
	live := make([]model.Specialist, 0, len(specialists))
	for _, sp := range specialists {
		if sp.Status == model.SpecialistActive || sp.Status == model.SpecialistBusy {
			live = append(live, sp)
		}
	}

	var conflicts []model.Conflict
	conflicts = append(conflicts, detectResource(live)...)
	conflicts = append(conflicts, detectTask(live)...)
	conflicts = append(conflicts, detectData(live)...)
	return conflicts
}

// detectResource flags two or more specialists listing the same resource.
func detectResource(specialists []model.Specialist) []model.Conflict {
	holders := map[string][]string{}
	for _, sp := range specialists {
		for _, res := range metaStrings(sp.Metadata, metaResources) {
			holders[res] = append(holders[res], sp.ID)
		}
	}

	var conflicts []model.Conflict
	for _, res := range sortedKeys(holders) {
		agents := holders[res]
		if len(agents) < 2 {
			continue
		}
		conflicts = append(conflicts, model.Conflict{
			Type:        model.ConflictResource,
			Agents:      agents,
			Description: fmt.Sprintf("%d specialists claim resource %q", len(agents), res),
			Severity:    resourceSeverity(res, len(agents)),
			Metadata:    map[string]any{"resource": res},
		})
	}
	return conflicts
}

func resourceSeverity(resource string, agents int) model.Severity {
	name := strings.ToLower(resource)
	switch {
	case strings.Contains(name, "critical") || strings.Contains(name, "system"):
		return model.SeverityCritical
	case strings.Contains(name, "database") || strings.Contains(name, "auth"):
		return model.SeverityHigh
	case agents > 3:
		return model.SeverityHigh
	default:
		return model.SeverityMedium
	}
}

// detectTask flags two or more specialists assigned the same sortie.
func detectTask(specialists []model.Specialist) []model.Conflict {
	bySortie := map[string][]string{}
	for _, sp := range specialists {
		if sp.CurrentSortie != "" {
			bySortie[sp.CurrentSortie] = append(bySortie[sp.CurrentSortie], sp.ID)
		}
	}

	var conflicts []model.Conflict
	for _, sortieID := range sortedKeys(bySortie) {
		agents := bySortie[sortieID]
		if len(agents) < 2 {
			continue
		}
		conflicts = append(conflicts, model.Conflict{
			Type:        model.ConflictTask,
			Agents:      agents,
			Description: fmt.Sprintf("%d specialists working the same sortie %s", len(agents), sortieID),
			Severity:    model.SeverityHigh,
			Metadata:    map[string]any{"sortie_id": sortieID},
		})
	}
	return conflicts
}

// detectData flags overlap between specialists' declared data items:
// files, databases, and endpoints from metadata.
func detectData(specialists []model.Specialist) []model.Conflict {
	holders := map[string][]string{}
	for _, sp := range specialists {
		seen := map[string]bool{}
		for _, key := range []string{metaFiles, metaDatabases, metaEndpoints} {
			for _, item := range metaStrings(sp.Metadata, key) {
				if !seen[item] {
					seen[item] = true
					holders[item] = append(holders[item], sp.ID)
				}
			}
		}
	}

	var conflicts []model.Conflict
	for _, item := range sortedKeys(holders) {
		agents := holders[item]
		if len(agents) < 2 {
			continue
		}
		conflicts = append(conflicts, model.Conflict{
			Type:        model.ConflictData,
			Agents:      agents,
			Description: fmt.Sprintf("%d specialists touch data item %q", len(agents), item),
			Severity:    dataSeverity(item, len(agents)),
			Metadata:    map[string]any{"data_item": item},
		})
	}
	return conflicts
}

func dataSeverity(item string, agents int) model.Severity {
	name := strings.ToLower(item)
	switch {
	case strings.Contains(name, "sensitive") || strings.Contains(name, "critical"):
		return model.SeverityCritical
	case agents > 2:
		return model.SeverityHigh
	default:
		return model.SeverityMedium
	}
}

// metaStrings extracts a string list from metadata, tolerating both
// []string and []any shapes (the latter appears after a JSON round trip).
func metaStrings(meta map[string]any, key string) []string {
	if meta == nil {
		return nil
	}
	switch v := meta[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
