package decompose

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// TechOrder is an advisory note fed to the planner alongside the codebase
// context. Built-in orders are keyed by detected task pattern; operators
// can add their own as markdown files under {datadir}/techorders/.
type TechOrder struct {
	Name string `json:"name"`
	Body string `json:"body"`
}

var builtinTechOrders = map[string]TechOrder{
	"database-change": {
		Name: "database-change",
		Body: "Schema changes need a migration sortie scheduled before any sortie that reads the new shape. Keep rollback scripts alongside.",
	},
	"api-change": {
		Name: "api-change",
		Body: "Keep handler changes backward compatible within a mission. Contract updates and client updates belong in separate sorties with a dependency edge.",
	},
	"security-focus": {
		Name: "security-focus",
		Body: "Security work gets high priority and small scopes. Never combine a vulnerability fix with unrelated refactoring in one sortie.",
	},
	"testing-focus": {
		Name: "testing-focus",
		Body: "Test sorties depend on the implementation sorties they cover. Do not group them into the same parallel layer as the code under test.",
	},
	"performance-focus": {
		Name: "performance-focus",
		Body: "Measure before and after. A performance mission needs a baseline sortie first and a verification sortie last.",
	},
	"concurrency-focus": {
		Name: "concurrency-focus",
		Body: "Sorties touching shared state must be sequenced, not parallelized, even when their file sets look disjoint.",
	},
}

// LoadTechOrders returns advisory notes relevant to the detected task
// patterns, plus any operator-provided markdown files under dir. A missing
// dir is not an error.
func LoadTechOrders(dir string, patterns []string) ([]TechOrder, error) {
	var orders []TechOrder
	for _, p := range patterns {
		if to, ok := builtinTechOrders[p]; ok {
			orders = append(orders, to)
		}
	}

	if dir != "" {
		entries, err := os.ReadDir(dir)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read tech orders dir: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
				continue
			}
			body, err := os.ReadFile(filepath.Join(dir, e.Name()))
			if err != nil {
				return nil, fmt.Errorf("failed to read tech order %s: %w", e.Name(), err)
			}
			orders = append(orders, TechOrder{
				Name: strings.TrimSuffix(e.Name(), ".md"),
				Body: strings.TrimSpace(string(body)),
			})
		}
	}

	sort.Slice(orders, func(i, j int) bool { return orders[i].Name < orders[j].Name })
	return orders, nil
}

// techOrderSummary renders orders for the planner prompt.
func techOrderSummary(orders []TechOrder) string {
	if len(orders) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Advisory notes:\n")
	for _, to := range orders {
		fmt.Fprintf(&sb, "- [%s] %s\n", to.Name, to.Body)
	}
	return sb.String()
}
