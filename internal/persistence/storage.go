package persistence

// DocumentSnapshot stores the latest persisted snapshot per document.
type DocumentSnapshot struct {
	DocumentID     string `gorm:"column:document_id;primaryKey;size:190;not null"`
	SnapshotJSON   string `gorm:"column:snapshot_json;type:text;not null"`
	SnapshotHash   string `gorm:"column:snapshot_hash;size:64;not null"`
	Epoch          int64  `gorm:"column:epoch;not null;default:0"`
	SavedAtSeconds int64  `gorm:"column:saved_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentSnapshot) TableName() string {
	return "document_snapshots"
}

// SnapshotRevision is an append-only log of the distinct snapshots saved for a document.
type SnapshotRevision struct {
	RevisionID     int64  `gorm:"column:revision_id;primaryKey;autoIncrement"`
	DocumentID     string `gorm:"column:document_id;size:190;not null;index:idx_snapshot_revisions_document;uniqueIndex:idx_snapshot_revision_dedupe,priority:1"`
	SnapshotHash   string `gorm:"column:snapshot_hash;size:64;not null;uniqueIndex:idx_snapshot_revision_dedupe,priority:2"`
	Epoch          int64  `gorm:"column:epoch;not null"`
	RecordCount    int    `gorm:"column:record_count;not null"`
	SavedAtSeconds int64  `gorm:"column:saved_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SnapshotRevision) TableName() string {
	return "document_snapshot_revisions"
}
