package decompose

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// CodebaseContext summarizes a repository for the planner prompt.
type CodebaseContext struct {
	Root       string              `json:"root"`
	FileCount  int                 `json:"file_count"`
	Groups     map[string][]string `json:"groups"`
	Patterns   []CodebasePattern   `json:"patterns"`
	TechOrders []TechOrder         `json:"tech_orders"`
}

// CodebasePattern is a high-level trait detected in the tree with a
// confidence score in [0,1].
type CodebasePattern struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// ListFiles enumerates candidate files under a root. The default is a
// filesystem walk; tests substitute a fixed listing.
type ListFiles func(root string) ([]string, error)

// defaultIgnoreGlobs excludes build outputs, dependency trees, and VCS
// metadata from analysis.
var defaultIgnoreGlobs = []string{
	"**/.git/**",
	"**/node_modules/**",
	"**/vendor/**",
	"**/dist/**",
	"**/build/**",
	"**/target/**",
	"**/__pycache__/**",
	"**/.next/**",
	"**/coverage/**",
	"**/*.min.js",
	"**/*.lock",
}

// Analyzer extracts codebase context for the planner. Zero value is not
// usable; construct with NewAnalyzer.
type Analyzer struct {
	listFiles   ListFiles
	ignoreGlobs []string
	maxFiles    int
}

// NewAnalyzer creates an Analyzer. A nil lister walks the filesystem;
// extraIgnores extends the built-in ignore set.
func NewAnalyzer(lister ListFiles, extraIgnores ...string) *Analyzer {
	a := &Analyzer{
		listFiles:   lister,
		ignoreGlobs: append(append([]string{}, defaultIgnoreGlobs...), extraIgnores...),
		maxFiles:    2000,
	}
	if a.listFiles == nil {
		a.listFiles = a.walk
	}
	return a
}

// Analyze walks root, groups files by top-level directory, and detects
// high-level patterns. An empty root yields an empty context rather than an
// error so decomposition works without a workspace.
func (a *Analyzer) Analyze(root string) (CodebaseContext, error) {
	ctx := CodebaseContext{Root: root, Groups: map[string][]string{}}
	if root == "" {
		return ctx, nil
	}

	files, err := a.listFiles(root)
	if err != nil {
		return CodebaseContext{}, fmt.Errorf("failed to list files under %s: %w", root, err)
	}

	for _, f := range files {
		rel := filepath.ToSlash(f)
		if a.ignored(rel) {
			continue
		}
		ctx.FileCount++
		group := topLevel(rel)
		ctx.Groups[group] = append(ctx.Groups[group], rel)
		if ctx.FileCount >= a.maxFiles {
			break
		}
	}
	for _, g := range ctx.Groups {
		sort.Strings(g)
	}
	ctx.Patterns = detectCodebasePatterns(ctx.Groups, ctx.FileCount)
	return ctx, nil
}

func (a *Analyzer) ignored(rel string) bool {
	for _, glob := range a.ignoreGlobs {
		if ok, err := doublestar.Match(glob, rel); err == nil && ok {
			return true
		}
	}
	return false
}

func (a *Analyzer) walk(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func topLevel(rel string) string {
	if i := strings.Index(rel, "/"); i >= 0 {
		return rel[:i]
	}
	return "."
}

// extension shares per pattern, tuned for the repos this runs against.
var codebaseTraits = []struct {
	name string
	exts []string
}{
	{"typescript", []string{".ts", ".tsx"}},
	{"javascript", []string{".js", ".jsx", ".mjs"}},
	{"go", []string{".go"}},
	{"python", []string{".py"}},
	{"sql-migrations", []string{".sql"}},
	{"web-frontend", []string{".css", ".html", ".vue", ".svelte"}},
}

func detectCodebasePatterns(groups map[string][]string, total int) []CodebasePattern {
	if total == 0 {
		return nil
	}
	counts := map[string]int{}
	hasTests := 0
	for _, files := range groups {
		for _, f := range files {
			ext := strings.ToLower(filepath.Ext(f))
			for _, trait := range codebaseTraits {
				for _, e := range trait.exts {
					if ext == e {
						counts[trait.name]++
					}
				}
			}
			base := strings.ToLower(filepath.Base(f))
			if strings.Contains(base, "test") || strings.Contains(base, "spec") {
				hasTests++
			}
		}
	}

	var patterns []CodebasePattern
	for _, trait := range codebaseTraits {
		n := counts[trait.name]
		if n == 0 {
			continue
		}
		patterns = append(patterns, CodebasePattern{
			Name:       trait.name,
			Confidence: float64(n) / float64(total),
		})
	}
	if hasTests > 0 {
		patterns = append(patterns, CodebasePattern{
			Name:       "has-tests",
			Confidence: float64(hasTests) / float64(total),
		})
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Confidence != patterns[j].Confidence {
			return patterns[i].Confidence > patterns[j].Confidence
		}
		return patterns[i].Name < patterns[j].Name
	})
	return patterns
}

// Summary renders the context as a compact block for the planner prompt.
func (c CodebaseContext) Summary() string {
	if c.FileCount == 0 {
		return "No codebase context available."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Codebase: %d files under %s\n", c.FileCount, c.Root)

	groups := make([]string, 0, len(c.Groups))
	for g := range c.Groups {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	for _, g := range groups {
		fmt.Fprintf(&sb, "- %s/ (%d files)\n", g, len(c.Groups[g]))
	}
	if len(c.Patterns) > 0 {
		sb.WriteString("Detected traits:")
		for _, p := range c.Patterns {
			fmt.Fprintf(&sb, " %s(%.0f%%)", p.Name, p.Confidence*100)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
