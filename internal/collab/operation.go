package collab

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// OperationType enumerates the supported model mutations.
type OperationType string

const (
	// OperationTypeEdit changes a cell value.
	OperationTypeEdit OperationType = "edit"
	// OperationTypeFormulaEdit changes a cell formula and its dependencies.
	OperationTypeFormulaEdit OperationType = "formula_edit"
	// OperationTypeAssumptionChange changes a model assumption.
	OperationTypeAssumptionChange OperationType = "assumption_change"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidOperation indicates that an operation is structurally invalid.
	ErrInvalidOperation = errors.New("collab: invalid operation")
	// ErrInvalidOperationType indicates an unrecognized operation type.
	ErrInvalidOperationType = errors.New("collab: invalid operation type")
	// ErrInvalidTargetID indicates that a target identifier is empty or too long.
	ErrInvalidTargetID = errors.New("collab: invalid target id")
	// ErrInvalidUserID indicates that a user identifier is empty or too long.
	ErrInvalidUserID = errors.New("collab: invalid user id")
	// ErrInvalidTimestamp indicates a non-positive operation timestamp.
	ErrInvalidTimestamp = errors.New("collab: invalid timestamp")
)

// ParseOperationType validates raw input against the known operation types.
func ParseOperationType(rawInput string) (OperationType, error) {
	switch OperationType(strings.TrimSpace(rawInput)) {
	case OperationTypeEdit:
		return OperationTypeEdit, nil
	case OperationTypeFormulaEdit:
		return OperationTypeFormulaEdit, nil
	case OperationTypeAssumptionChange:
		return OperationTypeAssumptionChange, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOperationType, rawInput)
	}
}

// OperationPayload carries the before/after values of a mutation. Formula
// edits additionally declare the cells they read and the cells they affect.
type OperationPayload struct {
	NewValue     any      `json:"newValue"`
	OldValue     any      `json:"oldValue,omitempty"`
	Formula      string   `json:"formula,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Affects      []string `json:"affects,omitempty"`
}

// Operation is an immutable, attributed, timestamped change to one model
// element. Timestamps are unix milliseconds as reported by the originating
// client.
type Operation struct {
	ID           string           `json:"operationId"`
	Type         OperationType    `json:"type"`
	TargetID     string           `json:"target"`
	Payload      OperationPayload `json:"payload"`
	UserID       string           `json:"userId"`
	TimestampMS  int64            `json:"timestamp"`
	ModelID      string           `json:"modelId"`
	ModelVersion int64            `json:"modelVersion"`
}

// OperationConfig describes the inputs required to build an Operation.
type OperationConfig struct {
	Type         OperationType
	TargetID     string
	Payload      OperationPayload
	UserID       string
	TimestampMS  int64
	ModelID      string
	ModelVersion int64
}

// NewOperation validates the configuration and returns an Operation with a
// deterministic-prefix identifier (userID and timestamp, plus a random
// suffix for uniqueness).
func NewOperation(cfg OperationConfig) (Operation, error) {
	operationType, err := ParseOperationType(string(cfg.Type))
	if err != nil {
		return Operation{}, err
	}
	userID := strings.TrimSpace(cfg.UserID)
	if userID == "" || len(userID) > maxIdentifierLength {
		return Operation{}, fmt.Errorf("%w: %q", ErrInvalidUserID, cfg.UserID)
	}
	targetID := strings.TrimSpace(cfg.TargetID)
	if targetID == "" || len(targetID) > maxIdentifierLength {
		return Operation{}, fmt.Errorf("%w: %q", ErrInvalidTargetID, cfg.TargetID)
	}
	if cfg.TimestampMS <= 0 {
		return Operation{}, fmt.Errorf("%w: %d", ErrInvalidTimestamp, cfg.TimestampMS)
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		return Operation{}, fmt.Errorf("%w: empty model id", ErrInvalidOperation)
	}

	suffix, err := uuid.NewV7()
	if err != nil {
		return Operation{}, err
	}

	return Operation{
		ID:           fmt.Sprintf("%s-%d-%s", userID, cfg.TimestampMS, suffix.String()),
		Type:         operationType,
		TargetID:     targetID,
		Payload:      cfg.Payload,
		UserID:       userID,
		TimestampMS:  cfg.TimestampMS,
		ModelID:      strings.TrimSpace(cfg.ModelID),
		ModelVersion: cfg.ModelVersion,
	}, nil
}

// Validate checks an operation received off the wire.
func (op Operation) Validate() error {
	if strings.TrimSpace(op.ID) == "" {
		return fmt.Errorf("%w: empty operation id", ErrInvalidOperation)
	}
	if _, err := ParseOperationType(string(op.Type)); err != nil {
		return err
	}
	if strings.TrimSpace(op.UserID) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if strings.TrimSpace(op.TargetID) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTargetID)
	}
	if op.TimestampMS <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidTimestamp, op.TimestampMS)
	}
	if strings.TrimSpace(op.ModelID) == "" {
		return fmt.Errorf("%w: empty model id", ErrInvalidOperation)
	}
	return nil
}

// Before reports whether op precedes other under the total order on
// (timestamp, userID, operationID). The order is what makes
// last-writer-wins deterministic regardless of arrival order.
func (op Operation) Before(other Operation) bool {
	if op.TimestampMS != other.TimestampMS {
		return op.TimestampMS < other.TimestampMS
	}
	if op.UserID != other.UserID {
		return op.UserID < other.UserID
	}
	return op.ID < other.ID
}
