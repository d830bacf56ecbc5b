package decompose

import (
	"testing"

	"github.com/flightline-ai/squawk/model"
)

func TestResolveDependencies_TopologicalOrder(t *testing.T) {
	sorties := []model.Sortie{
		sortie("srt-c", "C", []string{"c.go"}, "srt-b"),
		sortie("srt-a", "A", []string{"a.go"}),
		sortie("srt-b", "B", []string{"b.go"}, "srt-a"),
	}
	res, err := ResolveDependencies(sorties)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	pos := map[string]int{}
	for i, id := range res.Order {
		pos[id] = i
	}
	if pos["srt-a"] > pos["srt-b"] || pos["srt-b"] > pos["srt-c"] {
		t.Errorf("expected dependencies-first order, got %v", res.Order)
	}
	if res.MaxDepth != 2 {
		t.Errorf("expected max depth 2, got %d", res.MaxDepth)
	}
}

func TestResolveDependencies_ParallelGroups(t *testing.T) {
	// p1 and p2 are independent with disjoint files; s1 depends on p1.
	sorties := []model.Sortie{
		sortie("srt-p1", "P1", []string{"p1.go"}),
		sortie("srt-p2", "P2", []string{"p2.go"}),
		sortie("srt-s1", "S1", []string{"s1.go"}, "srt-p1"),
	}
	res, err := ResolveDependencies(sorties)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	group := map[string]int{}
	for gi, g := range res.ParallelGroups {
		for _, id := range g {
			group[id] = gi
		}
	}
	if group["srt-p1"] != group["srt-p2"] {
		t.Errorf("expected independent sorties in one group, got %v", res.ParallelGroups)
	}
	if group["srt-s1"] == group["srt-p1"] {
		t.Errorf("expected dependent sortie in a later group, got %v", res.ParallelGroups)
	}
}

func TestResolveDependencies_FileOverlapSplitsGroups(t *testing.T) {
	// Independent but sharing a file: must not share a layer.
	sorties := []model.Sortie{
		sortie("srt-a", "A", []string{"shared.go", "a.go"}),
		sortie("srt-b", "B", []string{"shared.go", "b.go"}),
	}
	res, err := ResolveDependencies(sorties)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(res.ParallelGroups) != 2 {
		t.Errorf("expected two singleton groups, got %v", res.ParallelGroups)
	}
}

func TestResolveDependencies_CriticalPath(t *testing.T) {
	a := sortie("srt-a", "A", []string{"a.go"})
	a.EstimatedHours = 1
	b := sortie("srt-b", "B", []string{"b.go"}, "srt-a")
	b.EstimatedHours = 2
	c := sortie("srt-c", "C", []string{"c.go"}, "srt-b")
	c.EstimatedHours = 3
	d := sortie("srt-d", "D", []string{"d.go"})
	d.EstimatedHours = 10

	res, err := ResolveDependencies([]model.Sortie{a, b, c, d})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	// Longest chain by count wins even though d alone has more hours.
	want := []string{"srt-a", "srt-b", "srt-c"}
	if len(res.CriticalPath) != 3 {
		t.Fatalf("expected critical path of 3, got %v", res.CriticalPath)
	}
	for i, id := range want {
		if res.CriticalPath[i] != id {
			t.Errorf("expected critical path %v, got %v", want, res.CriticalPath)
			break
		}
	}
	if res.CriticalPathHours != 6 {
		t.Errorf("expected 6h along the path, got %v", res.CriticalPathHours)
	}
	if res.EstimatedDurationMS != 6*3600*1000 {
		t.Errorf("expected duration in ms, got %d", res.EstimatedDurationMS)
	}
}

func TestResolveDependencies_RejectsCycle(t *testing.T) {
	_, err := ResolveDependencies([]model.Sortie{
		sortie("srt-a", "A", []string{"a.go"}, "srt-b"),
		sortie("srt-b", "B", []string{"b.go"}, "srt-a"),
	})
	if err == nil {
		t.Fatal("expected error for cyclic graph")
	}
}

func TestAnalyzeParallelization(t *testing.T) {
	a := sortie("srt-a", "A", []string{"a.go"})
	a.EstimatedHours = 2
	b := sortie("srt-b", "B", []string{"b.go"})
	b.EstimatedHours = 2
	c := sortie("srt-c", "C", []string{"c.go"}, "srt-a")
	c.EstimatedHours = 2
	sorties := []model.Sortie{a, b, c}

	res, err := ResolveDependencies(sorties)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	analysis := AnalyzeParallelization(sorties, res)

	p := analysis.Parallelization
	if p.Potential <= 0 || p.Potential > 1 {
		t.Errorf("potential out of range: %v", p.Potential)
	}
	// Total 6h over a 4h critical path.
	if p.EstimatedSpeedup != 1.5 {
		t.Errorf("expected speedup 1.5, got %v", p.EstimatedSpeedup)
	}
}

func TestAnalyzeParallelization_SingleSortie(t *testing.T) {
	s := sortie("srt-a", "A", []string{"a.go"})
	res, err := ResolveDependencies([]model.Sortie{s})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	analysis := AnalyzeParallelization([]model.Sortie{s}, res)
	if analysis.Parallelization.Potential != 0 {
		t.Errorf("expected zero potential for a single sortie, got %v", analysis.Parallelization.Potential)
	}
	if analysis.Parallelization.EstimatedSpeedup != 1 {
		t.Errorf("expected speedup 1, got %v", analysis.Parallelization.EstimatedSpeedup)
	}
}

func TestAnalyzeParallelization_BottlenecksFollowSortieOrder(t *testing.T) {
	sorties := []model.Sortie{
		sortie("srt-hub-a", "Hub A", []string{"a.go"}),
		sortie("srt-hub-b", "Hub B", []string{"b.go"}),
		sortie("srt-d1", "D1", []string{"d1.go"}, "srt-hub-a"),
		sortie("srt-d2", "D2", []string{"d2.go"}, "srt-hub-a"),
		sortie("srt-d3", "D3", []string{"d3.go"}, "srt-hub-a"),
		sortie("srt-d4", "D4", []string{"d4.go"}, "srt-hub-b"),
		sortie("srt-d5", "D5", []string{"d5.go"}, "srt-hub-b"),
		sortie("srt-d6", "D6", []string{"d6.go"}, "srt-hub-b"),
	}
	res, err := ResolveDependencies(sorties)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	want := []string{
		`sortie "Hub A" has 3 dependents`,
		`sortie "Hub B" has 3 dependents`,
	}
	for i := 0; i < 10; i++ {
		got := AnalyzeParallelization(sorties, res).Bottlenecks
		if len(got) != len(want) {
			t.Fatalf("expected %d bottlenecks, got %v", len(want), got)
		}
		for j := range want {
			if got[j] != want[j] {
				t.Fatalf("bottleneck %d: expected %q, got %q", j, want[j], got[j])
			}
		}
	}
}
