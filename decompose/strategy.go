// Package decompose turns a free-form task description into a validated
// SortieTree. The pipeline runs seven synchronous stages: strategy
// selection, codebase analysis, tech-order loading, LLM planning,
// validation, dependency resolution, and parallelization analysis. Any
// stage failure aborts the run and nothing is persisted.
package decompose

import (
	"regexp"
	"sort"
	"strings"

	"github.com/flightline-ai/squawk/model"
)

// StrategySelection is the outcome of the strategy stage.
type StrategySelection struct {
	Strategy        model.Strategy `json:"strategy"`
	Confidence      float64        `json:"confidence"`
	MatchedKeywords []string       `json:"matched_keywords"`
	Patterns        []string       `json:"patterns"`
}

// strategyKeywords scores each decomposition strategy. Matching is by whole
// word against the lowercased task description.
var strategyKeywords = map[model.Strategy][]string{
	model.StrategyFileBased: {
		"refactor", "migrate", "rename", "move", "restructure", "reorganize",
		"cleanup", "consolidate", "extract", "split",
	},
	model.StrategyFeatureBased: {
		"add", "implement", "create", "build", "feature", "support",
		"introduce", "integrate", "enable", "develop",
	},
	model.StrategyRiskBased: {
		"fix", "bug", "security", "vulnerability", "crash", "error",
		"incident", "hotfix", "patch", "regression",
	},
	model.StrategyResearchBased: {
		"investigate", "explore", "research", "analyze", "evaluate",
		"prototype", "spike", "compare", "assess", "benchmark",
	},
}

// nominalMatches is the match count treated as full confidence before the
// 1.5 boost. One keyword match yields 0.3.
const nominalMatches = 5.0

type patternMatcher struct {
	name string
	re   *regexp.Regexp
}

var taskPatterns = []patternMatcher{
	{"multi-file-change", regexp.MustCompile(`(?i)\b(all|every|across|multiple|many)\b.*\b(files?|handlers?|modules?|components?)\b`)},
	{"database-change", regexp.MustCompile(`(?i)\b(database|schema|migration|sql|table|index)\b`)},
	{"api-change", regexp.MustCompile(`(?i)\b(api|endpoint|route|rest|graphql|handler)\b`)},
	{"ui-change", regexp.MustCompile(`(?i)\b(ui|frontend|component|page|view|css|layout)\b`)},
	{"testing-focus", regexp.MustCompile(`(?i)\b(test|tests|testing|coverage|e2e|unit)\b`)},
	{"performance-focus", regexp.MustCompile(`(?i)\b(performance|slow|latency|optimi[sz]e|throughput|profil)\b`)},
	{"security-focus", regexp.MustCompile(`(?i)\b(security|auth|vulnerab|injection|xss|csrf|secrets?)\b`)},
	{"concurrency-focus", regexp.MustCompile(`(?i)\b(concurren|race|deadlock|parallel|thread|goroutine|mutex)\b`)},
}

var wordSplit = regexp.MustCompile(`[a-z0-9]+`)

// SelectStrategy scores the four strategies against the task description
// and returns the winner. Ties break in the fixed order file-based,
// feature-based, risk-based, research-based.
func SelectStrategy(taskDescription string) StrategySelection {
	words := map[string]bool{}
	for _, w := range wordSplit.FindAllString(strings.ToLower(taskDescription), -1) {
		words[w] = true
	}

	best := model.Strategies[0]
	bestScore := -1
	bestMatched := []string{}
	for _, strategy := range model.Strategies {
		var matched []string
		for _, kw := range strategyKeywords[strategy] {
			if words[kw] {
				matched = append(matched, kw)
			}
		}
		// Strict greater keeps the earlier strategy on ties.
		if len(matched) > bestScore {
			best = strategy
			bestScore = len(matched)
			bestMatched = matched
		}
	}
	sort.Strings(bestMatched)

	confidence := float64(bestScore) / nominalMatches * 1.5
	if confidence > 1 {
		confidence = 1
	}

	var patterns []string
	for _, pm := range taskPatterns {
		if pm.re.MatchString(taskDescription) {
			patterns = append(patterns, pm.name)
		}
	}

	return StrategySelection{
		Strategy:        best,
		Confidence:      confidence,
		MatchedKeywords: bestMatched,
		Patterns:        patterns,
	}
}
