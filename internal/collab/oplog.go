package collab

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/calc"
	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/events"
	"go.uber.org/zap"
)

const defaultPendingMaxAge = 30 * time.Second

var (
	errMissingLocalUser = errors.New("local user id is required")
	// ErrUnknownParkedOperation indicates a resolution for an operation that
	// is not parked.
	ErrUnknownParkedOperation = errors.New("collab: unknown parked operation")
	noOpLogger                = zap.NewNop()
)

// Applier applies an accepted operation to local model state.
type Applier interface {
	ApplyOperation(op Operation) error
}

// LogConfig describes the collaborators required to build a Log.
type LogConfig struct {
	LocalUserID    string
	Strategy       ConflictStrategy
	ConflictWindow time.Duration
	PendingMaxAge  time.Duration
	Clock          func() time.Time
	Applier        Applier
	Impact         calc.ImpactAnalyzer
	Bus            *events.Bus
	Logger         *zap.Logger
}

// Log records locally-applied pending operations and transforms incoming
// remote operations against them before they reach local model state.
type Log struct {
	mu             sync.Mutex
	localUserID    string
	strategy       ConflictStrategy
	conflictWindow time.Duration
	pendingMaxAge  time.Duration
	clock          func() time.Time
	applier        Applier
	impact         calc.ImpactAnalyzer
	bus            *events.Bus
	logger         *zap.Logger

	pending []pendingEntry
	parked  map[string]Operation
}

type pendingEntry struct {
	op      Operation
	addedAt time.Time
}

// NewLog validates the configuration and returns a Log.
func NewLog(cfg LogConfig) (*Log, error) {
	if cfg.LocalUserID == "" {
		return nil, errMissingLocalUser
	}
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = StrategyLastWriterWins
	} else if _, err := ParseConflictStrategy(string(strategy)); err != nil {
		return nil, err
	}
	window := cfg.ConflictWindow
	if window <= 0 {
		window = DefaultConflictWindow
	}
	maxAge := cfg.PendingMaxAge
	if maxAge <= 0 {
		maxAge = defaultPendingMaxAge
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Log{
		localUserID:    cfg.LocalUserID,
		strategy:       strategy,
		conflictWindow: window,
		pendingMaxAge:  maxAge,
		clock:          clock,
		applier:        cfg.Applier,
		impact:         cfg.Impact,
		bus:            cfg.Bus,
		logger:         logger,
		parked:         make(map[string]Operation),
	}, nil
}

// LocalOutcome reports the result of applying a local operation.
type LocalOutcome struct {
	Operation     Operation
	AffectedCells []string
	PendingCount  int
}

// RemoteOutcome reports how an incoming remote operation was handled.
type RemoteOutcome struct {
	Operation     Operation
	Applied       bool
	Echo          bool
	Parked        bool
	Conflicts     []ConflictRecord
	AffectedCells []string
}

// ApplyLocal appends the operation to the pending buffer and applies it to
// local state immediately. The caller hands the returned operation to the
// transport for broadcast.
func (l *Log) ApplyLocal(op Operation) (LocalOutcome, error) {
	if err := op.Validate(); err != nil {
		return LocalOutcome{}, err
	}
	if op.UserID != l.localUserID {
		return LocalOutcome{}, fmt.Errorf("%w: operation user %q does not match log owner %q", ErrInvalidOperation, op.UserID, l.localUserID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	l.pruneLocked(now)
	l.pending = append(l.pending, pendingEntry{op: op, addedAt: now})

	if err := l.applyLocked(op); err != nil {
		return LocalOutcome{}, err
	}
	affected := l.affectedCellsLocked(op)
	return LocalOutcome{
		Operation:     op,
		AffectedCells: affected,
		PendingCount:  len(l.pending),
	}, nil
}

// ReceiveRemote transforms an incoming remote operation against every
// still-pending local operation that conflicts with it, then applies,
// discards, or parks it. Operations echoed back to their originating user
// are discarded and clear the matching pending entry.
func (l *Log) ReceiveRemote(op Operation) (RemoteOutcome, error) {
	if err := op.Validate(); err != nil {
		return RemoteOutcome{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	l.pruneLocked(now)

	if op.UserID == l.localUserID {
		l.removePendingLocked(op.ID)
		return RemoteOutcome{Operation: op, Echo: true}, nil
	}

	outcome := RemoteOutcome{Operation: op}
	apply := true
	for _, entry := range l.conflictingLocked(op) {
		record := resolveConflict(l.strategy, entry.op, op, l.localUserID)
		outcome.Conflicts = append(outcome.Conflicts, record)

		switch record.Decision {
		case DecisionRemoteWins:
			l.removePendingLocked(entry.op.ID)
		case DecisionLocalWins:
			apply = false
		case DecisionMerged:
			apply = false
			outcome.Parked = true
			l.parked[record.Merged.ID] = *record.Merged
		case DecisionUnresolved:
			apply = false
			outcome.Parked = true
			l.parked[op.ID] = op
		}

		if l.bus != nil {
			l.bus.Publish(events.EventConflictDetected, record)
		}
		l.logger.Info("operation conflict resolved",
			zap.String("strategy", string(record.Strategy)),
			zap.String("decision", string(record.Decision)),
			zap.String("target_id", op.TargetID),
			zap.String("remote_operation_id", op.ID),
			zap.String("local_operation_id", entry.op.ID))
	}

	if apply {
		if err := l.applyLocked(op); err != nil {
			return RemoteOutcome{}, err
		}
		outcome.Applied = true
		outcome.AffectedCells = l.affectedCellsLocked(op)
	}
	return outcome, nil
}

// ResolveParked commits or discards a parked operation by id. Resolving an
// unknown id is an error; resolution is how merge_changes and
// manual_resolution conflicts leave the log.
func (l *Log) ResolveParked(operationID string, accept bool) (RemoteOutcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	op, ok := l.parked[operationID]
	if !ok {
		return RemoteOutcome{}, fmt.Errorf("%w: %s", ErrUnknownParkedOperation, operationID)
	}
	delete(l.parked, operationID)

	outcome := RemoteOutcome{Operation: op}
	if accept {
		if err := l.applyLocked(op); err != nil {
			return RemoteOutcome{}, err
		}
		outcome.Applied = true
		outcome.AffectedCells = l.affectedCellsLocked(op)
	}
	return outcome, nil
}

// PendingCount reports the number of operations awaiting acknowledgement.
func (l *Log) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.clock())
	return len(l.pending)
}

// ParkedOperations returns the operations awaiting manual resolution.
func (l *Log) ParkedOperations() []Operation {
	l.mu.Lock()
	defer l.mu.Unlock()
	parked := make([]Operation, 0, len(l.parked))
	for _, op := range l.parked {
		parked = append(parked, op)
	}
	return parked
}

func (l *Log) conflictingLocked(remote Operation) []pendingEntry {
	var conflicts []pendingEntry
	for _, entry := range l.pending {
		if conflictsWith(entry.op, remote, l.conflictWindow) {
			conflicts = append(conflicts, entry)
		}
	}
	return conflicts
}

func (l *Log) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.pendingMaxAge)
	kept := l.pending[:0]
	for _, entry := range l.pending {
		if entry.addedAt.After(cutoff) {
			kept = append(kept, entry)
		}
	}
	l.pending = kept
}

func (l *Log) removePendingLocked(operationID string) {
	for index, entry := range l.pending {
		if entry.op.ID == operationID {
			l.pending = append(l.pending[:index:index], l.pending[index+1:]...)
			return
		}
	}
}

func (l *Log) applyLocked(op Operation) error {
	if l.applier == nil {
		return nil
	}
	return l.applier.ApplyOperation(op)
}

func (l *Log) affectedCellsLocked(op Operation) []string {
	if l.impact == nil {
		return nil
	}
	if op.Type != OperationTypeFormulaEdit && op.Type != OperationTypeAssumptionChange {
		return nil
	}
	affected, _, err := l.impact.AffectedCells(op.ModelID, op.TargetID)
	if err != nil {
		l.logger.Warn("impact analysis failed",
			zap.String("model_id", op.ModelID),
			zap.String("target_id", op.TargetID),
			zap.Error(err))
		return nil
	}
	return affected
}
