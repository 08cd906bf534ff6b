package calc

import "testing"

func TestAffectedCellsWalksTransitiveDependents(t *testing.T) {
	graph := NewDependencyGraph()
	mustRegister(t, graph, "model-1", "ebitda", []string{"revenue", "costs"})
	mustRegister(t, graph, "model-1", "ev", []string{"ebitda", "multiple"})
	mustRegister(t, graph, "model-1", "equity_value", []string{"ev", "net_debt"})

	affected, impact, err := graph.AffectedCells("model-1", "revenue")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := []string{"ebitda", "equity_value", "ev"}
	if len(affected) != len(expected) {
		t.Fatalf("expected %d affected cells, got %v", len(expected), affected)
	}
	for index, cellID := range expected {
		if affected[index] != cellID {
			t.Fatalf("expected affected cells %v, got %v", expected, affected)
		}
	}
	if impact.AffectedCount != 3 {
		t.Fatalf("expected impact count 3, got %d", impact.AffectedCount)
	}
	if impact.Severity != severityLow {
		t.Fatalf("expected low severity, got %s", impact.Severity)
	}
}

func TestAffectedCellsHandlesCycles(t *testing.T) {
	graph := NewDependencyGraph()
	mustRegister(t, graph, "model-1", "a", []string{"b"})
	mustRegister(t, graph, "model-1", "b", []string{"a"})

	affected, _, err := graph.AffectedCells("model-1", "a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(affected) != 2 {
		t.Fatalf("expected both cells in closure, got %v", affected)
	}
}

func TestAffectedCellsIsolatedByModel(t *testing.T) {
	graph := NewDependencyGraph()
	mustRegister(t, graph, "model-1", "ebitda", []string{"revenue"})
	mustRegister(t, graph, "model-2", "irr", []string{"revenue"})

	affected, _, err := graph.AffectedCells("model-1", "revenue")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(affected) != 1 || affected[0] != "ebitda" {
		t.Fatalf("expected only model-1 dependents, got %v", affected)
	}
}

func TestAffectedCellsRejectsEmptyIdentifiers(t *testing.T) {
	graph := NewDependencyGraph()
	if _, _, err := graph.AffectedCells("", "revenue"); err == nil {
		t.Fatal("expected error for empty model id")
	}
	if _, _, err := graph.AffectedCells("model-1", " "); err == nil {
		t.Fatal("expected error for empty element id")
	}
}

func TestSeverityThresholds(t *testing.T) {
	tests := []struct {
		count    int
		expected string
	}{
		{count: 0, expected: severityLow},
		{count: 4, expected: severityLow},
		{count: 5, expected: severityMedium},
		{count: 19, expected: severityMedium},
		{count: 20, expected: severityHigh},
	}
	for _, tt := range tests {
		if actual := severityForCount(tt.count); actual != tt.expected {
			t.Fatalf("count %d: expected %s, got %s", tt.count, tt.expected, actual)
		}
	}
}

func mustRegister(t *testing.T, graph *DependencyGraph, modelID, cellID string, dependencies []string) {
	t.Helper()
	if err := graph.RegisterDependencies(modelID, cellID, dependencies); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
}
