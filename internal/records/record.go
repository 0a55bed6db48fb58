package records

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

const (
	idSeparator   = ":"
	fieldID       = "id"
	fieldTypeName = "typeName"
)

// ID identifies a record. The segment before the first ':' is the record's type name.
type ID string

// NewID joins a type name and a type-local key into a record identifier.
func NewID(typeName, key string) ID {
	return ID(typeName + idSeparator + key)
}

// TypeName returns the type tag embedded in the identifier, or "" when it has none.
func (id ID) TypeName() string {
	prefix, _, found := strings.Cut(string(id), idSeparator)
	if !found {
		return ""
	}
	return prefix
}

// String returns the underlying string identifier.
func (id ID) String() string {
	return string(id)
}

type undefinedField struct{}

// Undefined marks a field as explicitly absent. Put replaces it with the type's default
// property, or drops the field when the type defines no default for it.
var Undefined any = undefinedField{}

// IsUndefined reports whether value is the Undefined marker.
func IsUndefined(value any) bool {
	_, ok := value.(undefinedField)
	return ok
}

// Fields holds the type-specific properties of a record.
type Fields map[string]any

// Record is one typed entity in a store. Records are values: mutate by building a new
// record with With or WithFields and putting it back under the same id.
type Record struct {
	ID       ID
	TypeName string
	Fields   Fields
}

// New builds a record, copying fields so later changes to the argument are not observed.
func New(id ID, typeName string, fields Fields) Record {
	return Record{ID: id, TypeName: typeName, Fields: cloneFields(fields)}
}

// Get returns a field value.
func (r Record) Get(name string) (any, bool) {
	value, ok := r.Fields[name]
	return value, ok
}

// String returns a string field, or "" when the field is missing or not a string.
func (r Record) String(name string) string {
	value, _ := r.Fields[name].(string)
	return value
}

// With returns a copy of the record with one field replaced.
func (r Record) With(name string, value any) Record {
	next := r.Clone()
	if next.Fields == nil {
		next.Fields = Fields{}
	}
	next.Fields[name] = value
	return next
}

// WithFields returns a copy of the record with the provided fields merged over its own.
func (r Record) WithFields(fields Fields) Record {
	next := r.Clone()
	if next.Fields == nil {
		next.Fields = Fields{}
	}
	for name, value := range fields {
		next.Fields[name] = cloneValue(value)
	}
	return next
}

// Clone returns a deep copy of the record's maps and slices.
func (r Record) Clone() Record {
	return Record{ID: r.ID, TypeName: r.TypeName, Fields: cloneFields(r.Fields)}
}

// Equal reports whether two records are structurally identical.
func Equal(a, b Record) bool {
	if a.ID != b.ID || a.TypeName != b.TypeName {
		return false
	}
	if len(a.Fields) != len(b.Fields) {
		return false
	}
	if len(a.Fields) == 0 {
		return true
	}
	return reflect.DeepEqual(map[string]any(a.Fields), map[string]any(b.Fields))
}

// MarshalJSON encodes the record flat: id and typeName next to its fields.
func (r Record) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(r.Fields)+2)
	for name, value := range r.Fields {
		if IsUndefined(value) {
			continue
		}
		flat[name] = value
	}
	flat[fieldID] = r.ID
	flat[fieldTypeName] = r.TypeName
	return json.Marshal(flat)
}

// UnmarshalJSON decodes the flat record form produced by MarshalJSON.
func (r *Record) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	id, ok := flat[fieldID].(string)
	if !ok || id == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	typeName, ok := flat[fieldTypeName].(string)
	if !ok || typeName == "" {
		return fmt.Errorf("%w: missing typeName for %s", ErrInvalidRecord, id)
	}
	delete(flat, fieldID)
	delete(flat, fieldTypeName)
	r.ID = ID(id)
	r.TypeName = typeName
	r.Fields = Fields(flat)
	return nil
}

func cloneFields(fields Fields) Fields {
	if fields == nil {
		return nil
	}
	copied := make(Fields, len(fields))
	for name, value := range fields {
		copied[name] = cloneValue(value)
	}
	return copied
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case Fields:
		return cloneFields(typed)
	case map[string]any:
		copied := make(map[string]any, len(typed))
		for key, nested := range typed {
			copied[key] = cloneValue(nested)
		}
		return copied
	case []any:
		copied := make([]any, len(typed))
		for index, nested := range typed {
			copied[index] = cloneValue(nested)
		}
		return copied
	case []string:
		return append([]string(nil), typed...)
	default:
		return value
	}
}
