package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/recordstore/internal/persistence"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationIndexRevisionSavedAt = "2026-09-14_index_revision_saved_at"
	migrationDropEmptySnapshots   = "2026-09-28_drop_empty_document_ids"

	revisionSavedAtIndex = "idx_snapshot_revisions_saved_at"
)

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
		{name: migrationIndexRevisionSavedAt, apply: indexRevisionSavedAt},
		{name: migrationDropEmptySnapshots, apply: dropEmptyDocumentIDs},
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

func indexRevisionSavedAt(db *gorm.DB) error {
	return db.Exec("CREATE INDEX IF NOT EXISTS " + revisionSavedAtIndex +
		" ON document_snapshot_revisions (document_id, saved_at_s)").Error
}

// dropEmptyDocumentIDs removes rows written before document ids were trimmed on save.
func dropEmptyDocumentIDs(db *gorm.DB) error {
	if err := db.Where("trim(document_id) = ''").Delete(&persistence.SnapshotRevision{}).Error; err != nil {
		return err
	}
	return db.Where("trim(document_id) = ''").Delete(&persistence.DocumentSnapshot{}).Error
}
