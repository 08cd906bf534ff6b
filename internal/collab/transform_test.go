package collab

import (
	"testing"
	"time"
)

func TestLastWriterWinsIsDeterministic(t *testing.T) {
	earlier := mustOperation(t, OperationConfig{
		Type:        OperationTypeEdit,
		TargetID:    "C1",
		UserID:      "user-a",
		TimestampMS: 100,
		ModelID:     "model-1",
		Payload:     OperationPayload{NewValue: 42},
	})
	later := mustOperation(t, OperationConfig{
		Type:        OperationTypeEdit,
		TargetID:    "C1",
		UserID:      "user-b",
		TimestampMS: 200,
		ModelID:     "model-1",
		Payload:     OperationPayload{NewValue: 7},
	})

	remoteLater := resolveConflict(StrategyLastWriterWins, earlier, later, "user-a")
	if remoteLater.Decision != DecisionRemoteWins {
		t.Fatalf("expected remote to win with greater timestamp, got %s", remoteLater.Decision)
	}
	if remoteLater.Discarded == nil || remoteLater.Discarded.ID != earlier.ID {
		t.Fatalf("expected earlier operation discarded, got %#v", remoteLater.Discarded)
	}

	remoteEarlier := resolveConflict(StrategyLastWriterWins, later, earlier, "user-b")
	if remoteEarlier.Decision != DecisionLocalWins {
		t.Fatalf("expected local later operation to win, got %s", remoteEarlier.Decision)
	}
	if remoteEarlier.Discarded == nil || remoteEarlier.Discarded.ID != earlier.ID {
		t.Fatalf("expected earlier operation discarded regardless of arrival order")
	}
}

func TestLastWriterWinsBreaksTimestampTieByUserID(t *testing.T) {
	first := mustOperation(t, OperationConfig{
		Type:        OperationTypeEdit,
		TargetID:    "C1",
		UserID:      "user-a",
		TimestampMS: 500,
		ModelID:     "model-1",
	})
	second := mustOperation(t, OperationConfig{
		Type:        OperationTypeEdit,
		TargetID:    "C1",
		UserID:      "user-b",
		TimestampMS: 500,
		ModelID:     "model-1",
	})

	record := resolveConflict(StrategyLastWriterWins, first, second, "user-a")
	if record.Decision != DecisionRemoteWins {
		t.Fatalf("expected user-b to win the tie, got %s", record.Decision)
	}

	mirrored := resolveConflict(StrategyLastWriterWins, second, first, "user-b")
	if mirrored.Decision != DecisionLocalWins {
		t.Fatalf("expected user-b to win the tie from the other side, got %s", mirrored.Decision)
	}
}

func TestUserPriorityPrefersLocalUser(t *testing.T) {
	local := mustOperation(t, OperationConfig{
		Type:        OperationTypeEdit,
		TargetID:    "C2",
		UserID:      "user-a",
		TimestampMS: 100,
		ModelID:     "model-1",
	})
	remote := mustOperation(t, OperationConfig{
		Type:        OperationTypeEdit,
		TargetID:    "C2",
		UserID:      "user-b",
		TimestampMS: 900,
		ModelID:     "model-1",
	})

	record := resolveConflict(StrategyUserPriority, local, remote, "user-a")
	if record.Decision != DecisionLocalWins {
		t.Fatalf("expected local user's operation preferred, got %s", record.Decision)
	}
	if record.Discarded == nil || record.Discarded.ID != remote.ID {
		t.Fatalf("expected remote operation discarded")
	}
}

func TestMergeChangesUnionsPayloadFields(t *testing.T) {
	local := mustOperation(t, OperationConfig{
		Type:        OperationTypeFormulaEdit,
		TargetID:    "C3",
		UserID:      "user-a",
		TimestampMS: 100,
		ModelID:     "model-1",
		Payload: OperationPayload{
			Formula:      "=A1+B1",
			Dependencies: []string{"A1", "B1"},
		},
	})
	remote := mustOperation(t, OperationConfig{
		Type:        OperationTypeFormulaEdit,
		TargetID:    "C3",
		UserID:      "user-b",
		TimestampMS: 300,
		ModelID:     "model-1",
		Payload: OperationPayload{
			NewValue:     12.5,
			Dependencies: []string{"B1", "D4"},
		},
	})

	record := resolveConflict(StrategyMergeChanges, local, remote, "user-a")
	if record.Decision != DecisionMerged {
		t.Fatalf("expected merged decision, got %s", record.Decision)
	}
	if !record.RequiresConfirmation {
		t.Fatal("merged outcome must require user confirmation")
	}
	if record.Merged == nil {
		t.Fatal("expected merged operation")
	}
	if record.Merged.Payload.Formula != "=A1+B1" {
		t.Fatalf("expected local formula preserved, got %q", record.Merged.Payload.Formula)
	}
	if record.Merged.Payload.NewValue != 12.5 {
		t.Fatalf("expected remote value to win, got %v", record.Merged.Payload.NewValue)
	}
	dependencies := record.Merged.Payload.Dependencies
	if len(dependencies) != 3 {
		t.Fatalf("expected union of dependencies, got %v", dependencies)
	}
}

func TestManualResolutionParksWithoutWinner(t *testing.T) {
	local := mustOperation(t, OperationConfig{
		Type:        OperationTypeEdit,
		TargetID:    "C4",
		UserID:      "user-a",
		TimestampMS: 100,
		ModelID:     "model-1",
	})
	remote := mustOperation(t, OperationConfig{
		Type:        OperationTypeEdit,
		TargetID:    "C4",
		UserID:      "user-b",
		TimestampMS: 150,
		ModelID:     "model-1",
	})

	record := resolveConflict(StrategyManualResolution, local, remote, "user-a")
	if record.Decision != DecisionUnresolved {
		t.Fatalf("expected unresolved decision, got %s", record.Decision)
	}
	if record.Discarded != nil {
		t.Fatal("manual resolution must not discard automatically")
	}
	if !record.RequiresConfirmation {
		t.Fatal("manual resolution requires confirmation")
	}
}

func TestConflictsWithRespectsWindowAndTarget(t *testing.T) {
	base := mustOperation(t, OperationConfig{
		Type:        OperationTypeEdit,
		TargetID:    "C1",
		UserID:      "user-a",
		TimestampMS: 10_000,
		ModelID:     "model-1",
	})

	tests := []struct {
		name     string
		targetID string
		modelID  string
		deltaMS  int64
		expected bool
	}{
		{name: "same-target-inside-window", targetID: "C1", modelID: "model-1", deltaMS: 800, expected: true},
		{name: "same-target-window-boundary", targetID: "C1", modelID: "model-1", deltaMS: 1000, expected: true},
		{name: "same-target-outside-window", targetID: "C1", modelID: "model-1", deltaMS: 1500, expected: false},
		{name: "different-target", targetID: "C2", modelID: "model-1", deltaMS: 100, expected: false},
		{name: "different-model", targetID: "C1", modelID: "model-2", deltaMS: 100, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			other := mustOperation(t, OperationConfig{
				Type:        OperationTypeEdit,
				TargetID:    tt.targetID,
				UserID:      "user-b",
				TimestampMS: base.TimestampMS + tt.deltaMS,
				ModelID:     tt.modelID,
			})
			if actual := conflictsWith(base, other, time.Second); actual != tt.expected {
				t.Fatalf("expected conflict=%v, got %v", tt.expected, actual)
			}
		})
	}
}

func TestParseConflictStrategy(t *testing.T) {
	for _, valid := range []string{"last_writer_wins", "merge_changes", "user_priority", "manual_resolution"} {
		if _, err := ParseConflictStrategy(valid); err != nil {
			t.Fatalf("expected %q to parse, got %v", valid, err)
		}
	}
	if _, err := ParseConflictStrategy("newest_wins"); err == nil {
		t.Fatal("expected unknown strategy to be rejected")
	}
}

func mustOperation(t *testing.T, cfg OperationConfig) Operation {
	t.Helper()
	op, err := NewOperation(cfg)
	if err != nil {
		t.Fatalf("unexpected operation error: %v", err)
	}
	return op
}
