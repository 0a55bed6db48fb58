package records

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRecord indicates that a record failed validation; the operation committed nothing.
	ErrInvalidRecord = errors.New("records: invalid record")
	// ErrRecordNotFound indicates that an update targeted an id absent from the store.
	ErrRecordNotFound = errors.New("records: record not found")
	// ErrSchemaMismatch indicates that data references a record type with no registered definition.
	ErrSchemaMismatch = errors.New("records: schema mismatch")
	// ErrInvalidSchema indicates that a schema definition is malformed.
	ErrInvalidSchema = errors.New("records: invalid schema")
)

// ValidationError describes why a single record was rejected.
type ValidationError struct {
	RecordID ID
	TypeName string
	Err      error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("records: invalid record %s (type %q): %v", e.RecordID, e.TypeName, e.Err)
}

// Unwrap exposes both ErrInvalidRecord and the underlying validator error.
func (e *ValidationError) Unwrap() []error {
	return []error{ErrInvalidRecord, e.Err}
}

// MissingDefinitionError builds the schema mismatch error for an unregistered type.
func MissingDefinitionError(typeName string) error {
	return fmt.Errorf("%w: Missing definition for record type %s", ErrSchemaMismatch, typeName)
}
