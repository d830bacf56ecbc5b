package agent

import "strings"

// stepTemplates map task keywords to the progress steps a specialist
// walks through. The first matching template wins; tasks matching nothing
// get the generic fallback.
var stepTemplates = []struct {
	keywords []string
	steps    []string
}{
	{
		keywords: []string{"implement", "build", "create", "add"},
		steps: []string{
			"review existing code and surrounding modules",
			"sketch the change and its touch points",
			"implement the core change",
			"wire the change into callers",
			"self-review and clean up",
		},
	},
	{
		keywords: []string{"test", "coverage", "verify"},
		steps: []string{
			"map the behaviors needing coverage",
			"write the failing cases",
			"make the cases pass",
			"check edge cases and error paths",
		},
	},
	{
		keywords: []string{"document", "readme", "docs"},
		steps: []string{
			"read the code being documented",
			"draft the document",
			"add examples",
			"proofread and publish",
		},
	},
	{
		keywords: []string{"security", "audit", "vulnerability"},
		steps: []string{
			"enumerate inputs and trust boundaries",
			"audit authentication and authorization paths",
			"check dependency advisories",
			"write up findings with severity",
			"apply or file the fixes",
		},
	},
	{
		keywords: []string{"performance", "optimize", "slow", "latency"},
		steps: []string{
			"profile the current behavior",
			"identify the dominant cost",
			"apply the optimization",
			"re-profile and compare",
		},
	},
}

var genericSteps = []string{
	"analyze the task",
	"plan the approach",
	"do the work",
	"verify the result",
}

// idleActivities are emitted while a specialist has no sortie.
var idleActivities = []string{
	"scanning mailbox",
	"reviewing recent events",
	"refreshing codebase context",
	"standing by",
}

// stepsFor picks the progress steps for a task description.
func stepsFor(task string) []string {
	lowered := strings.ToLower(task)
	for _, tpl := range stepTemplates {
		for _, kw := range tpl.keywords {
			if strings.Contains(lowered, kw) {
				return tpl.steps
			}
		}
	}
	return genericSteps
}
