package store

import (
	"github.com/MarcoPoloResearchLab/recordstore/internal/history"
	"github.com/MarcoPoloResearchLab/recordstore/internal/migrations"
	"github.com/MarcoPoloResearchLab/recordstore/internal/records"
)

// Snapshot is a self-describing copy of a store's records.
type Snapshot struct {
	Schema  migrations.Descriptor `json:"schema"`
	Records []records.Record      `json:"records"`
}

// Serialize returns the records whose type scope matches scope, ordered by id. ScopeAll
// returns every record.
func (s *Store) Serialize(scope records.Scope) []records.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collectLocked(func(record records.Record) bool {
		return s.schema.ScopeOf(record.TypeName).Matches(scope)
	})
}

// Descriptor describes the running schema.
func (s *Store) Descriptor() migrations.Descriptor {
	return s.migrations.Descriptor(s.schema.TypeNames())
}

// GetSnapshot bundles Serialize(scope) with the schema descriptor.
func (s *Store) GetSnapshot(scope records.Scope) Snapshot {
	return Snapshot{Schema: s.Descriptor(), Records: s.Serialize(scope)}
}

// MigrateSnapshot upgrades snapshot to the running schema without touching the store.
func (s *Store) MigrateSnapshot(snapshot Snapshot) (Snapshot, error) {
	prepared, err := s.prepareSnapshot(snapshot)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Schema: s.Descriptor(), Records: prepared}, nil
}

// LoadSnapshot migrates snapshot and replaces the entire record set with it in one
// transaction. On any error the store is left untouched. The snapshot is never modified.
func (s *Store) LoadSnapshot(snapshot Snapshot) error {
	prepared, err := s.prepareSnapshot(snapshot)
	if err != nil {
		return err
	}
	_, err = s.transact(history.SourceUser, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		incoming := make(records.IDSet, len(prepared))
		for _, record := range prepared {
			incoming[record.ID] = struct{}{}
		}
		for id := range s.records {
			if !incoming.Has(id) {
				s.deleteLocked(id)
			}
		}
		for _, record := range prepared {
			s.writeLocked(record)
		}
		return nil
	})
	return err
}

func (s *Store) prepareSnapshot(snapshot Snapshot) ([]records.Record, error) {
	for _, typeName := range declaredTypes(snapshot.Schema) {
		if !s.schema.Has(typeName) {
			err := records.MissingDefinitionError(typeName)
			s.logError(opLoadSnapshot, "schema_mismatch", err)
			return nil, newStoreError(opLoadSnapshot, "schema_mismatch", err)
		}
	}
	migrated, _, err := s.migrations.Migrate(snapshot.Schema, snapshot.Records)
	if err != nil {
		s.logError(opLoadSnapshot, "migration_failed", err)
		return nil, newStoreError(opLoadSnapshot, "migration_failed", err)
	}

	prepared := make([]records.Record, 0, len(migrated))
	for _, record := range migrated {
		if !s.schema.Has(record.TypeName) {
			err := records.MissingDefinitionError(record.TypeName)
			s.logError(opLoadSnapshot, "schema_mismatch", err)
			return nil, newStoreError(opLoadSnapshot, "schema_mismatch", err)
		}
		valid, err := s.schema.Prepare(record)
		if err != nil {
			s.logError(opLoadSnapshot, "invalid_record", err)
			return nil, newStoreError(opLoadSnapshot, "invalid_record", err)
		}
		prepared = append(prepared, valid)
	}
	return prepared, nil
}

func declaredTypes(descriptor migrations.Descriptor) []string {
	typeNames := append([]string(nil), descriptor.RecordTypes...)
	for typeName := range descriptor.RecordVersions {
		typeNames = append(typeNames, typeName)
	}
	return typeNames
}
