package collab

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ConflictStrategy selects how two concurrent operations on the same target
// are reconciled.
type ConflictStrategy string

const (
	// StrategyLastWriterWins keeps the operation with the greater timestamp.
	StrategyLastWriterWins ConflictStrategy = "last_writer_wins"
	// StrategyMergeChanges merges payload fields and asks for confirmation.
	StrategyMergeChanges ConflictStrategy = "merge_changes"
	// StrategyUserPriority prefers the local user's own operation.
	StrategyUserPriority ConflictStrategy = "user_priority"
	// StrategyManualResolution surfaces both operations without a winner.
	StrategyManualResolution ConflictStrategy = "manual_resolution"
)

// DefaultConflictWindow bounds how far apart two operations on the same
// target may be and still count as concurrent.
const DefaultConflictWindow = time.Second

// ErrInvalidStrategy indicates an unrecognized conflict strategy.
var ErrInvalidStrategy = errors.New("collab: invalid conflict strategy")

// ParseConflictStrategy validates raw input against the known strategies.
func ParseConflictStrategy(rawInput string) (ConflictStrategy, error) {
	switch ConflictStrategy(strings.TrimSpace(rawInput)) {
	case StrategyLastWriterWins:
		return StrategyLastWriterWins, nil
	case StrategyMergeChanges:
		return StrategyMergeChanges, nil
	case StrategyUserPriority:
		return StrategyUserPriority, nil
	case StrategyManualResolution:
		return StrategyManualResolution, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStrategy, rawInput)
	}
}

// ConflictDecision names the outcome of resolving one conflict pair.
type ConflictDecision string

const (
	// DecisionRemoteWins applies the remote operation; the local one is discarded.
	DecisionRemoteWins ConflictDecision = "remote_wins"
	// DecisionLocalWins keeps the local operation; the remote one is discarded.
	DecisionLocalWins ConflictDecision = "local_wins"
	// DecisionMerged produced a merged operation awaiting confirmation.
	DecisionMerged ConflictDecision = "merged"
	// DecisionUnresolved parks both operations for manual resolution.
	DecisionUnresolved ConflictDecision = "unresolved"
)

// ConflictRecord reports one resolved (or surfaced) conflict pair. It rides
// the conflict_detected event so callers can render the outcome.
type ConflictRecord struct {
	Strategy             ConflictStrategy
	Local                Operation
	Remote               Operation
	Decision             ConflictDecision
	Discarded            *Operation
	Merged               *Operation
	RequiresConfirmation bool
}

// conflictsWith reports whether two operations are concurrent: same target,
// timestamps within the conflict window.
func conflictsWith(pending, remote Operation, window time.Duration) bool {
	if pending.TargetID != remote.TargetID || pending.ModelID != remote.ModelID {
		return false
	}
	delta := pending.TimestampMS - remote.TimestampMS
	if delta < 0 {
		delta = -delta
	}
	return delta <= window.Milliseconds()
}

// resolveConflict reconciles one pending local operation against an incoming
// remote operation under the given strategy. localUserID identifies the user
// whose pending buffer is being consulted.
func resolveConflict(strategy ConflictStrategy, local, remote Operation, localUserID string) ConflictRecord {
	record := ConflictRecord{
		Strategy: strategy,
		Local:    local,
		Remote:   remote,
	}

	switch strategy {
	case StrategyMergeChanges:
		merged := mergePayloads(local, remote)
		record.Decision = DecisionMerged
		record.Merged = &merged
		record.RequiresConfirmation = true
	case StrategyUserPriority:
		if local.UserID == localUserID {
			record.Decision = DecisionLocalWins
			record.Discarded = &remote
		} else {
			record.Decision = DecisionRemoteWins
			record.Discarded = &local
		}
	case StrategyManualResolution:
		record.Decision = DecisionUnresolved
		record.RequiresConfirmation = true
	default: // last_writer_wins
		if local.Before(remote) {
			record.Decision = DecisionRemoteWins
			record.Discarded = &local
		} else {
			record.Decision = DecisionLocalWins
			record.Discarded = &remote
		}
	}
	return record
}

// mergePayloads performs a shallow field-level union of the two operations'
// payloads. The remote side wins on colliding fields; the result still needs
// user confirmation before commit.
func mergePayloads(local, remote Operation) Operation {
	merged := remote
	payload := local.Payload
	if remote.Payload.NewValue != nil {
		payload.NewValue = remote.Payload.NewValue
	}
	if remote.Payload.OldValue != nil {
		payload.OldValue = remote.Payload.OldValue
	}
	if remote.Payload.Formula != "" {
		payload.Formula = remote.Payload.Formula
	}
	if len(remote.Payload.Dependencies) > 0 {
		payload.Dependencies = unionStrings(local.Payload.Dependencies, remote.Payload.Dependencies)
	}
	if len(remote.Payload.Affects) > 0 {
		payload.Affects = unionStrings(local.Payload.Affects, remote.Payload.Affects)
	}
	merged.Payload = payload
	return merged
}

func unionStrings(first, second []string) []string {
	seen := make(map[string]struct{}, len(first)+len(second))
	combined := make([]string, 0, len(first)+len(second))
	for _, value := range first {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		combined = append(combined, value)
	}
	for _, value := range second {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		combined = append(combined, value)
	}
	return combined
}
