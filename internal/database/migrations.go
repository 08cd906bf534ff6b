package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/snapshots"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillSnapshotSavedAt = "2026-08-20_backfill_snapshot_saved_at"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillSnapshotSavedAt, apply: backfillSnapshotSavedAt},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Rows written before saved_at_s existed carry a zero timestamp; stamp them
// so retention queries can rely on the column.
func backfillSnapshotSavedAt(db *gorm.DB) error {
	return db.Model(&snapshots.ModelSnapshot{}).
		Where("saved_at_s = 0").
		Update("saved_at_s", time.Now().UTC().Unix()).Error
}
