package snapshots

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opSave = "snapshots.save"
	opLoad = "snapshots.load"

	reasonMissingDatabase  = "missing_database"
	reasonInvalidArgument  = "invalid_argument"
	reasonPersistenceError = "persistence_error"
	reasonNotFound         = "not_found"
)

var (
	errMissingDatabase    = errors.New("database handle required")
	errMissingWorkspaceID = errors.New("workspace id required")
	errMissingModelID     = errors.New("model id required")

	// ErrSnapshotNotFound indicates no stored snapshot for the model.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// StoreError wraps storage failures with an operation and reason code.
type StoreError struct {
	Operation string
	Reason    string
	Err       error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s.%s: %v", e.Operation, e.Reason, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func newStoreError(operation, reason string, err error) *StoreError {
	return &StoreError{Operation: operation, Reason: reason, Err: err}
}

// ModelSnapshot is the persisted authoritative state of one shared model.
type ModelSnapshot struct {
	WorkspaceID    string `gorm:"column:workspace_id;primaryKey;size:190;not null"`
	ModelID        string `gorm:"column:model_id;primaryKey;size:190;not null"`
	PayloadJSON    string `gorm:"column:payload_json;type:text;not null"`
	Version        int64  `gorm:"column:version;not null;default:0"`
	SavedAtSeconds int64  `gorm:"column:saved_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ModelSnapshot) TableName() string {
	return "model_snapshots"
}

// StoreConfig configures the snapshot store.
type StoreConfig struct {
	DB     *gorm.DB
	Clock  func() time.Time
	Logger *zap.Logger
}

// Store persists model snapshots for late-joiner and sync_state catch-up.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a snapshot store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.DB == nil {
		return nil, newStoreError(opSave, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.DB, clock: clock, logger: logger}, nil
}

// Save upserts the snapshot. Stale writes lose: an incoming version lower
// than the stored version is dropped silently so replays and out-of-order
// saves cannot roll the authoritative state backwards.
func (s *Store) Save(ctx context.Context, snapshot ModelSnapshot) error {
	if snapshot.WorkspaceID == "" {
		return newStoreError(opSave, reasonInvalidArgument, errMissingWorkspaceID)
	}
	if snapshot.ModelID == "" {
		return newStoreError(opSave, reasonInvalidArgument, errMissingModelID)
	}
	snapshot.SavedAtSeconds = s.clock().UTC().Unix()

	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var existing ModelSnapshot
		err := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("workspace_id = ? AND model_id = ?", snapshot.WorkspaceID, snapshot.ModelID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return transaction.Create(&snapshot).Error
		}
		if err != nil {
			return err
		}
		if snapshot.Version < existing.Version {
			return nil
		}
		existing.PayloadJSON = snapshot.PayloadJSON
		existing.Version = snapshot.Version
		existing.SavedAtSeconds = snapshot.SavedAtSeconds
		return transaction.Save(&existing).Error
	})
	if transactionError != nil {
		s.logger.Error("snapshot save failed",
			zap.String("op", opSave),
			zap.String("reason", reasonPersistenceError),
			zap.String("workspace_id", snapshot.WorkspaceID),
			zap.String("model_id", snapshot.ModelID),
			zap.Error(transactionError))
		return newStoreError(opSave, reasonPersistenceError, transactionError)
	}
	return nil
}

// Load returns the stored snapshot for the model.
func (s *Store) Load(ctx context.Context, workspaceID, modelID string) (ModelSnapshot, error) {
	if workspaceID == "" {
		return ModelSnapshot{}, newStoreError(opLoad, reasonInvalidArgument, errMissingWorkspaceID)
	}
	if modelID == "" {
		return ModelSnapshot{}, newStoreError(opLoad, reasonInvalidArgument, errMissingModelID)
	}
	var snapshot ModelSnapshot
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND model_id = ?", workspaceID, modelID).
		Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ModelSnapshot{}, newStoreError(opLoad, reasonNotFound, ErrSnapshotNotFound)
	}
	if err != nil {
		return ModelSnapshot{}, newStoreError(opLoad, reasonPersistenceError, err)
	}
	return snapshot, nil
}

// ListWorkspace returns all snapshots stored for a workspace.
func (s *Store) ListWorkspace(ctx context.Context, workspaceID string) ([]ModelSnapshot, error) {
	if workspaceID == "" {
		return nil, newStoreError(opLoad, reasonInvalidArgument, errMissingWorkspaceID)
	}
	var records []ModelSnapshot
	err := s.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Order("model_id ASC").
		Find(&records).Error
	if err != nil {
		return nil, newStoreError(opLoad, reasonPersistenceError, err)
	}
	return records, nil
}
