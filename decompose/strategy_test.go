package decompose

import "testing"

func TestSelectStrategy_FileBasedRefactor(t *testing.T) {
	sel := SelectStrategy("refactor all API handlers to use the new error helper")

	if sel.Strategy != "file-based" {
		t.Errorf("expected file-based strategy, got %q", sel.Strategy)
	}
	found := false
	for _, kw := range sel.MatchedKeywords {
		if kw == "refactor" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected matched keywords to include refactor, got %v", sel.MatchedKeywords)
	}
	if sel.Confidence < 0.3 {
		t.Errorf("expected confidence >= 0.3, got %v", sel.Confidence)
	}
}

func TestSelectStrategy_Winners(t *testing.T) {
	cases := []struct {
		task string
		want string
	}{
		{"implement and build the new billing feature", "feature-based"},
		{"fix the security bug causing the crash", "risk-based"},
		{"investigate and benchmark the two storage engines", "research-based"},
		{"migrate and restructure the settings module", "file-based"},
	}
	for _, tc := range cases {
		if sel := SelectStrategy(tc.task); string(sel.Strategy) != tc.want {
			t.Errorf("task %q: expected %s, got %s", tc.task, tc.want, sel.Strategy)
		}
	}
}

func TestSelectStrategy_TieBreaksByFixedOrder(t *testing.T) {
	// One file-based keyword and one risk-based keyword; file-based wins
	// because it is earlier in the tie-break order.
	sel := SelectStrategy("refactor the code to fix it")
	if sel.Strategy != "file-based" {
		t.Errorf("expected tie to break toward file-based, got %q", sel.Strategy)
	}
}

func TestSelectStrategy_Patterns(t *testing.T) {
	sel := SelectStrategy("add tests for the api endpoints and the database schema")
	want := map[string]bool{"testing-focus": true, "api-change": true, "database-change": true}
	for _, p := range sel.Patterns {
		delete(want, p)
	}
	if len(want) != 0 {
		t.Errorf("missing expected patterns %v in %v", want, sel.Patterns)
	}
}

func TestSelectStrategy_ConfidenceCapped(t *testing.T) {
	sel := SelectStrategy("refactor migrate rename move restructure reorganize cleanup consolidate")
	if sel.Confidence != 1 {
		t.Errorf("expected confidence capped at 1, got %v", sel.Confidence)
	}
}
