package records

import (
	"errors"
	"fmt"
	"strings"
)

// Scope declares the replication and persistence class of a record type.
type Scope string

const (
	// ScopeDocument records are part of the persisted, replicated document.
	ScopeDocument Scope = "document"
	// ScopeSession records live for one editing session and are never replicated.
	ScopeSession Scope = "session"
	// ScopePresence records describe a collaborator's live presence.
	ScopePresence Scope = "presence"
	// ScopeAll matches every scope; valid only as a filter.
	ScopeAll Scope = "all"
)

// ParseScope converts raw input into a Scope; "" maps to ScopeAll.
func ParseScope(raw string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ScopeAll:
		return ScopeAll, nil
	case ScopeDocument:
		return ScopeDocument, nil
	case ScopeSession:
		return ScopeSession, nil
	case ScopePresence:
		return ScopePresence, nil
	default:
		return "", fmt.Errorf("records: unknown scope %q", raw)
	}
}

// Matches reports whether a record of scope s passes the filter.
func (s Scope) Matches(filter Scope) bool {
	return filter == "" || filter == ScopeAll || filter == s
}

// Validator accepts or rejects a candidate record. A validator may normalise the
// candidate; the returned record is what gets stored.
type Validator interface {
	Validate(candidate Record) (Record, error)
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(candidate Record) (Record, error)

// Validate calls f(candidate).
func (f ValidatorFunc) Validate(candidate Record) (Record, error) {
	return f(candidate)
}

// AcceptAll is a Validator that accepts every candidate unchanged.
var AcceptAll Validator = ValidatorFunc(func(candidate Record) (Record, error) {
	return candidate, nil
})

// RecordType is the definition of one registered record type.
type RecordType struct {
	Name      string
	Scope     Scope
	Validator Validator
	// Defaults supplies values for fields omitted or Undefined at creation.
	Defaults func() Fields
}

// Schema is the registry of record types. It is immutable after NewSchema returns.
type Schema struct {
	types map[string]RecordType
	names []string
}

var errUnknownType = errors.New("unknown record type")

// NewSchema validates and registers the provided record types.
func NewSchema(types ...RecordType) (*Schema, error) {
	schema := &Schema{
		types: make(map[string]RecordType, len(types)),
		names: make([]string, 0, len(types)),
	}
	for _, recordType := range types {
		name := strings.TrimSpace(recordType.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: empty type name", ErrInvalidSchema)
		}
		if strings.Contains(name, idSeparator) {
			return nil, fmt.Errorf("%w: type name %q contains %q", ErrInvalidSchema, name, idSeparator)
		}
		if _, exists := schema.types[name]; exists {
			return nil, fmt.Errorf("%w: duplicate type %q", ErrInvalidSchema, name)
		}
		switch recordType.Scope {
		case ScopeDocument, ScopeSession, ScopePresence:
		default:
			return nil, fmt.Errorf("%w: type %q has invalid scope %q", ErrInvalidSchema, name, recordType.Scope)
		}
		if recordType.Validator == nil {
			return nil, fmt.Errorf("%w: type %q has no validator", ErrInvalidSchema, name)
		}
		recordType.Name = name
		schema.types[name] = recordType
		schema.names = append(schema.names, name)
	}
	return schema, nil
}

// Type returns the definition registered under name.
func (s *Schema) Type(name string) (RecordType, bool) {
	recordType, ok := s.types[name]
	return recordType, ok
}

// Has reports whether name is registered.
func (s *Schema) Has(name string) bool {
	_, ok := s.types[name]
	return ok
}

// TypeNames lists registered type names in registration order.
func (s *Schema) TypeNames() []string {
	return append([]string(nil), s.names...)
}

// ScopeOf returns the scope of a registered type, or "" for unknown types.
func (s *Schema) ScopeOf(typeName string) Scope {
	return s.types[typeName].Scope
}

// Prepare fills default properties and validates a candidate record.
func (s *Schema) Prepare(candidate Record) (Record, error) {
	recordType, ok := s.types[candidate.TypeName]
	if !ok {
		return Record{}, &ValidationError{RecordID: candidate.ID, TypeName: candidate.TypeName, Err: errUnknownType}
	}
	if candidate.ID == "" {
		return Record{}, &ValidationError{TypeName: candidate.TypeName, Err: errors.New("empty id")}
	}
	if tag := candidate.ID.TypeName(); tag != candidate.TypeName {
		return Record{}, &ValidationError{
			RecordID: candidate.ID,
			TypeName: candidate.TypeName,
			Err:      fmt.Errorf("id type tag %q does not match type name", tag),
		}
	}

	prepared := Record{ID: candidate.ID, TypeName: candidate.TypeName, Fields: applyDefaults(candidate.Fields, recordType.Defaults)}
	validated, err := recordType.Validator.Validate(prepared)
	if err != nil {
		return Record{}, &ValidationError{RecordID: candidate.ID, TypeName: candidate.TypeName, Err: err}
	}
	if validated.ID != candidate.ID || validated.TypeName != candidate.TypeName {
		return Record{}, &ValidationError{
			RecordID: candidate.ID,
			TypeName: candidate.TypeName,
			Err:      errors.New("validator changed record identity"),
		}
	}
	return validated, nil
}

func applyDefaults(fields Fields, defaults func() Fields) Fields {
	prepared := cloneFields(fields)
	if prepared == nil {
		prepared = Fields{}
	}
	if defaults != nil {
		for name, value := range defaults() {
			current, present := prepared[name]
			if !present || IsUndefined(current) {
				prepared[name] = value
			}
		}
	}
	for name, value := range prepared {
		if IsUndefined(value) {
			delete(prepared, name)
		}
	}
	return prepared
}
