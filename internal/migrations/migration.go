// Package migrations upgrades persisted record data across schema versions before it enters
// a store.
package migrations

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/recordstore/internal/records"
)

var (
	// ErrTargetVersionTooOld indicates that data was written by a newer schema than the running one.
	ErrTargetVersionTooOld = errors.New("migrations: target-version-too-old")
	// ErrMigrationFailure indicates that an up transform failed; nothing was applied.
	ErrMigrationFailure = errors.New("migrations: migration failed")
	// ErrIncompatibleSchema indicates that a schema descriptor cannot be interpreted.
	ErrIncompatibleSchema = errors.New("migrations: incompatible schema")
	// ErrInvalidOrder indicates that the configured migration order is malformed.
	ErrInvalidOrder = errors.New("migrations: invalid migration order")
)

// Scope selects what a migration transforms.
type Scope string

const (
	// ScopeRecord migrations transform one record at a time.
	ScopeRecord Scope = "record"
	// ScopeStore migrations transform the whole record set.
	ScopeStore Scope = "store"
)

// ID names a migration as "<sequenceId>/<version>", versions counting from 1.
type ID string

// NewID builds the id of version within sequence.
func NewID(sequence string, version int) ID {
	return ID(sequence + "/" + strconv.Itoa(version))
}

// Parse splits the id into its sequence and version.
func (id ID) Parse() (string, int, error) {
	raw := string(id)
	separator := strings.LastIndex(raw, "/")
	if separator <= 0 || separator == len(raw)-1 {
		return "", 0, fmt.Errorf("%w: malformed migration id %q", ErrInvalidOrder, raw)
	}
	version, err := strconv.Atoi(raw[separator+1:])
	if err != nil || version < 1 {
		return "", 0, fmt.Errorf("%w: malformed migration version in %q", ErrInvalidOrder, raw)
	}
	return raw[:separator], version, nil
}

// StoreData is the whole record set handed to store-scope migrations.
type StoreData map[records.ID]records.Record

// Migration is one named transformation.
type Migration struct {
	ID    ID
	Scope Scope
	// RecordType restricts a record-scope migration to one type; "" targets every type.
	RecordType string
	// Filter further restricts a record-scope migration; nil accepts every targeted record.
	Filter  func(records.Record) bool
	Up      func(records.Record) (records.Record, error)
	UpStore func(StoreData) (StoreData, error)
}

func (m Migration) targets(record records.Record) bool {
	if m.RecordType != "" && record.TypeName != m.RecordType {
		return false
	}
	return m.Filter == nil || m.Filter(record)
}

// Sequence groups the migrations of one evolving concern, in version order.
type Sequence struct {
	ID string
	// Retroactive sequences also run against data persisted before the sequence existed.
	Retroactive bool
	Migrations  []Migration
}

// Error reports the migration whose transform failed.
type Error struct {
	MigrationID ID
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("migrations: migration %s failed: %v", e.MigrationID, e.Err)
}

// Unwrap exposes ErrMigrationFailure and the transform's own error.
func (e *Error) Unwrap() []error {
	return []error{ErrMigrationFailure, e.Err}
}
