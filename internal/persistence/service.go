// Package persistence stores document snapshots in SQL and decides when a live store is
// saved. It talks to stores only through their snapshot and epoch accessors.
package persistence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/recordstore/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingDocumentID = errors.New("document identifier is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew      = "persistence.service.new"
	opSaveSnapshot    = "persistence.save_snapshot"
	opLoadSnapshot    = "persistence.load_snapshot"
	opListRevisions   = "persistence.list_revisions"
	fieldDocumentID   = "document_id"
	queryDocumentID   = fieldDocumentID + " = ?"
	queryDocumentHash = fieldDocumentID + " = ? AND snapshot_hash = ?"
	orderRevisionAsc  = "revision_id ASC"

	reasonMissingDatabase   = "missing_database"
	reasonMissingDocumentID = "missing_document_id"
	reasonEncodeFailed      = "encode_failed"
	reasonDecodeFailed      = "decode_failed"
	reasonRevisionInsert    = "revision_insert_failed"
	reasonRevisionLookup    = "revision_lookup_failed"
	reasonSnapshotUpsert    = "snapshot_upsert_failed"
	reasonQueryFailed       = "query_failed"
)

// ServiceError carries an operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service reads and writes document snapshots.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// SaveOutcome reports the revision a save was recorded under.
type SaveOutcome struct {
	RevisionID int64
	// Duplicate is true when an identical snapshot had already been saved for the document.
	Duplicate bool
}

// SaveSnapshot stores snapshot as the document's latest state and records a revision unless
// an identical snapshot was saved before.
func (s *Service) SaveSnapshot(ctx context.Context, documentID string, snapshot store.Snapshot, epoch uint64) (SaveOutcome, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		s.logError(opSaveSnapshot, reasonMissingDocumentID, errMissingDocumentID)
		return SaveOutcome{}, newServiceError(opSaveSnapshot, reasonMissingDocumentID, errMissingDocumentID)
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		s.logError(opSaveSnapshot, reasonEncodeFailed, err, zap.String(fieldDocumentID, documentID))
		return SaveOutcome{}, newServiceError(opSaveSnapshot, reasonEncodeFailed, err)
	}
	sum := sha256.Sum256(payload)
	hash := hex.EncodeToString(sum[:])
	savedAt := s.clock().UTC().Unix()

	var outcome SaveOutcome
	transactionError := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		revision := SnapshotRevision{
			DocumentID:     documentID,
			SnapshotHash:   hash,
			Epoch:          int64(epoch),
			RecordCount:    len(snapshot.Records),
			SavedAtSeconds: savedAt,
		}
		created := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&revision)
		if created.Error != nil {
			s.logError(opSaveSnapshot, reasonRevisionInsert, created.Error, zap.String(fieldDocumentID, documentID))
			return newServiceError(opSaveSnapshot, reasonRevisionInsert, created.Error)
		}
		outcome = SaveOutcome{RevisionID: revision.RevisionID, Duplicate: created.RowsAffected == 0}
		if outcome.Duplicate {
			var existing SnapshotRevision
			if err := tx.Where(queryDocumentHash, documentID, hash).Take(&existing).Error; err != nil {
				s.logError(opSaveSnapshot, reasonRevisionLookup, err, zap.String(fieldDocumentID, documentID))
				return newServiceError(opSaveSnapshot, reasonRevisionLookup, err)
			}
			outcome.RevisionID = existing.RevisionID
		}

		model := DocumentSnapshot{
			DocumentID:     documentID,
			SnapshotJSON:   string(payload),
			SnapshotHash:   hash,
			Epoch:          int64(epoch),
			SavedAtSeconds: savedAt,
		}
		upsert := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: fieldDocumentID}},
			DoUpdates: clause.AssignmentColumns([]string{"snapshot_json", "snapshot_hash", "epoch", "saved_at_s"}),
		}).Create(&model)
		if upsert.Error != nil {
			s.logError(opSaveSnapshot, reasonSnapshotUpsert, upsert.Error, zap.String(fieldDocumentID, documentID))
			return newServiceError(opSaveSnapshot, reasonSnapshotUpsert, upsert.Error)
		}
		return nil
	})
	if transactionError != nil {
		return SaveOutcome{}, transactionError
	}
	return outcome, nil
}

// LoadSnapshot returns the latest snapshot saved for documentID. ok is false when none exists.
func (s *Service) LoadSnapshot(ctx context.Context, documentID string) (snapshot store.Snapshot, ok bool, err error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		s.logError(opLoadSnapshot, reasonMissingDocumentID, errMissingDocumentID)
		return store.Snapshot{}, false, newServiceError(opLoadSnapshot, reasonMissingDocumentID, errMissingDocumentID)
	}
	var model DocumentSnapshot
	err = s.db.WithContext(ctx).Where(queryDocumentID, documentID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.Snapshot{}, false, nil
	}
	if err != nil {
		s.logError(opLoadSnapshot, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID))
		return store.Snapshot{}, false, newServiceError(opLoadSnapshot, reasonQueryFailed, err)
	}
	if err := json.Unmarshal([]byte(model.SnapshotJSON), &snapshot); err != nil {
		s.logError(opLoadSnapshot, reasonDecodeFailed, err, zap.String(fieldDocumentID, documentID))
		return store.Snapshot{}, false, newServiceError(opLoadSnapshot, reasonDecodeFailed, err)
	}
	return snapshot, true, nil
}

// ListRevisions returns the saved revisions of documentID, oldest first.
func (s *Service) ListRevisions(ctx context.Context, documentID string) ([]SnapshotRevision, error) {
	var revisions []SnapshotRevision
	if err := s.db.WithContext(ctx).
		Where(queryDocumentID, documentID).
		Order(orderRevisionAsc).
		Find(&revisions).Error; err != nil {
		s.logError(opListRevisions, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID))
		return nil, newServiceError(opListRevisions, reasonQueryFailed, err)
	}
	return revisions, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("persistence service error", attrs...)
}
