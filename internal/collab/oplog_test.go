package collab

import (
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/events"
)

type recordingApplier struct {
	applied []Operation
}

func (a *recordingApplier) ApplyOperation(op Operation) error {
	a.applied = append(a.applied, op)
	return nil
}

func TestApplyLocalAppendsPendingAndApplies(t *testing.T) {
	applier := &recordingApplier{}
	log := mustLog(t, LogConfig{
		LocalUserID: "user-a",
		Applier:     applier,
	})

	op := mustOperation(t, OperationConfig{
		Type:        OperationTypeEdit,
		TargetID:    "C1",
		UserID:      "user-a",
		TimestampMS: 1000,
		ModelID:     "model-1",
		Payload:     OperationPayload{NewValue: 42},
	})

	outcome, err := log.ApplyLocal(op)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.PendingCount != 1 {
		t.Fatalf("expected one pending operation, got %d", outcome.PendingCount)
	}
	if len(applier.applied) != 1 || applier.applied[0].ID != op.ID {
		t.Fatalf("expected optimistic local application")
	}
}

func TestApplyLocalRejectsForeignOperation(t *testing.T) {
	log := mustLog(t, LogConfig{LocalUserID: "user-a"})
	op := mustOperation(t, OperationConfig{
		Type:        OperationTypeEdit,
		TargetID:    "C1",
		UserID:      "user-b",
		TimestampMS: 1000,
		ModelID:     "model-1",
	})
	if _, err := log.ApplyLocal(op); err == nil {
		t.Fatal("expected rejection of operation attributed to another user")
	}
}

func TestReceiveRemoteDiscardsEchoAndClearsPending(t *testing.T) {
	applier := &recordingApplier{}
	log := mustLog(t, LogConfig{LocalUserID: "user-a", Applier: applier})

	op := mustOperation(t, OperationConfig{
		Type:        OperationTypeEdit,
		TargetID:    "C1",
		UserID:      "user-a",
		TimestampMS: 1000,
		ModelID:     "model-1",
	})
	if _, err := log.ApplyLocal(op); err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}

	outcome, err := log.ReceiveRemote(op)
	if err != nil {
		t.Fatalf("unexpected receive error: %v", err)
	}
	if !outcome.Echo {
		t.Fatal("expected echo outcome for own operation")
	}
	if outcome.Applied {
		t.Fatal("echo must not be applied a second time")
	}
	if log.PendingCount() != 0 {
		t.Fatalf("expected pending entry cleared, got %d", log.PendingCount())
	}
	if len(applier.applied) != 1 {
		t.Fatalf("expected exactly one application, got %d", len(applier.applied))
	}
}

func TestReceiveRemoteLastWriterWinsConvergence(t *testing.T) {
	// User A sets C1=42 at t=1000; user B concurrently sets C1=7 at t=1050.
	// Both peers must converge on C1=7 with A's operation discarded.
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	applierA := &recordingApplier{}
	busA := events.NewBus(nil)
	var conflicts []ConflictRecord
	busA.Subscribe(events.EventConflictDetected, func(payload any) {
		if record, ok := payload.(ConflictRecord); ok {
			conflicts = append(conflicts, record)
		}
	})
	logA := mustLog(t, LogConfig{LocalUserID: "user-a", Applier: applierA, Clock: clock, Bus: busA})

	opA := mustOperation(t, OperationConfig{
		Type:        OperationTypeEdit,
		TargetID:    "C1",
		UserID:      "user-a",
		TimestampMS: 1000,
		ModelID:     "model-1",
		Payload:     OperationPayload{NewValue: 42},
	})
	opB := mustOperation(t, OperationConfig{
		Type:        OperationTypeEdit,
		TargetID:    "C1",
		UserID:      "user-b",
		TimestampMS: 1050,
		ModelID:     "model-1",
		Payload:     OperationPayload{NewValue: 7},
	})

	if _, err := logA.ApplyLocal(opA); err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	outcome, err := logA.ReceiveRemote(opB)
	if err != nil {
		t.Fatalf("unexpected receive error: %v", err)
	}
	if !outcome.Applied {
		t.Fatal("expected later remote write to apply")
	}
	if len(outcome.Conflicts) != 1 {
		t.Fatalf("expected one conflict, got %d", len(outcome.Conflicts))
	}
	if outcome.Conflicts[0].Discarded == nil || outcome.Conflicts[0].Discarded.ID != opA.ID {
		t.Fatal("expected conflict record to name A's operation as discarded")
	}
	if len(conflicts) != 1 {
		t.Fatalf("expected conflict_detected event, got %d", len(conflicts))
	}
	last := applierA.applied[len(applierA.applied)-1]
	if last.Payload.NewValue != 7 {
		t.Fatalf("expected convergence on 7, got %v", last.Payload.NewValue)
	}
	if log := logA.PendingCount(); log != 0 {
		t.Fatalf("expected discarded pending entry removed, got %d", log)
	}

	// Peer B receives A's earlier operation after applying its own.
	applierB := &recordingApplier{}
	logB := mustLog(t, LogConfig{LocalUserID: "user-b", Applier: applierB, Clock: clock})
	if _, err := logB.ApplyLocal(opB); err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	outcomeB, err := logB.ReceiveRemote(opA)
	if err != nil {
		t.Fatalf("unexpected receive error: %v", err)
	}
	if outcomeB.Applied {
		t.Fatal("expected earlier remote write to be discarded at peer B")
	}
	last = applierB.applied[len(applierB.applied)-1]
	if last.Payload.NewValue != 7 {
		t.Fatalf("expected peer B to keep 7, got %v", last.Payload.NewValue)
	}
}

func TestReceiveRemoteWithoutConflictApplies(t *testing.T) {
	applier := &recordingApplier{}
	log := mustLog(t, LogConfig{LocalUserID: "user-a", Applier: applier})

	op := mustOperation(t, OperationConfig{
		Type:        OperationTypeEdit,
		TargetID:    "C9",
		UserID:      "user-b",
		TimestampMS: 1000,
		ModelID:     "model-1",
	})
	outcome, err := log.ReceiveRemote(op)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Applied || len(outcome.Conflicts) != 0 {
		t.Fatalf("expected clean application, got %#v", outcome)
	}
}

func TestPendingEntriesExpire(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	log := mustLog(t, LogConfig{
		LocalUserID:   "user-a",
		Clock:         clock,
		PendingMaxAge: 30 * time.Second,
	})

	op := mustOperation(t, OperationConfig{
		Type:        OperationTypeEdit,
		TargetID:    "C1",
		UserID:      "user-a",
		TimestampMS: 1000,
		ModelID:     "model-1",
	})
	if _, err := log.ApplyLocal(op); err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	if log.PendingCount() != 1 {
		t.Fatal("expected pending entry before expiry")
	}

	now = now.Add(31 * time.Second)
	if log.PendingCount() != 0 {
		t.Fatal("expected pending entry pruned after max age")
	}
}

func TestManualResolutionParksAndResolves(t *testing.T) {
	applier := &recordingApplier{}
	log := mustLog(t, LogConfig{
		LocalUserID: "user-a",
		Strategy:    StrategyManualResolution,
		Applier:     applier,
	})

	local := mustOperation(t, OperationConfig{
		Type:        OperationTypeEdit,
		TargetID:    "C1",
		UserID:      "user-a",
		TimestampMS: 1000,
		ModelID:     "model-1",
		Payload:     OperationPayload{NewValue: "ours"},
	})
	remote := mustOperation(t, OperationConfig{
		Type:        OperationTypeEdit,
		TargetID:    "C1",
		UserID:      "user-b",
		TimestampMS: 1100,
		ModelID:     "model-1",
		Payload:     OperationPayload{NewValue: "theirs"},
	})

	if _, err := log.ApplyLocal(local); err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	outcome, err := log.ReceiveRemote(remote)
	if err != nil {
		t.Fatalf("unexpected receive error: %v", err)
	}
	if outcome.Applied || !outcome.Parked {
		t.Fatalf("expected remote parked, got %#v", outcome)
	}
	if len(log.ParkedOperations()) != 1 {
		t.Fatal("expected one parked operation")
	}

	resolved, err := log.ResolveParked(remote.ID, true)
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if !resolved.Applied {
		t.Fatal("expected accepted resolution to apply")
	}
	if len(log.ParkedOperations()) != 0 {
		t.Fatal("expected parked buffer drained")
	}

	if _, err := log.ResolveParked(remote.ID, true); err == nil {
		t.Fatal("expected error resolving unknown parked operation")
	}
}

func TestReceiveRemoteRejectsMalformedOperation(t *testing.T) {
	log := mustLog(t, LogConfig{LocalUserID: "user-a"})
	if _, err := log.ReceiveRemote(Operation{ID: "x"}); err == nil {
		t.Fatal("expected validation error for malformed operation")
	}
}

func mustLog(t *testing.T, cfg LogConfig) *Log {
	t.Helper()
	log, err := NewLog(cfg)
	if err != nil {
		t.Fatalf("unexpected log error: %v", err)
	}
	return log
}
