package migrations

import (
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/recordstore/internal/records"
	"go.uber.org/zap"
)

const defaultLegacyPrefix = "recordstore"

// Config describes the migrations known to the running schema.
type Config struct {
	Sequences []Sequence
	// Order is the flat migration order. Empty means the sequences' migrations in declaration order.
	Order []ID
	// LegacyPrefix names the sequences that schemaVersion 1 descriptors map onto.
	LegacyPrefix string
	Logger       *zap.Logger
}

// Engine plans and applies migrations. It is immutable after NewEngine returns.
type Engine struct {
	sequences    map[string]Sequence
	sequenceIDs  []string
	order        []Migration
	legacyPrefix string
	logger       *zap.Logger
}

// Plan is the ordered list of migrations a snapshot needs.
type Plan struct {
	Migrations []Migration
}

// IsEmpty reports whether the plan has nothing to apply.
func (p Plan) IsEmpty() bool {
	return len(p.Migrations) == 0
}

// NewEngine validates the sequences and the migration order.
func NewEngine(cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := cfg.LegacyPrefix
	if prefix == "" {
		prefix = defaultLegacyPrefix
	}

	engine := &Engine{
		sequences:    make(map[string]Sequence, len(cfg.Sequences)),
		legacyPrefix: prefix,
		logger:       logger,
	}
	byID := map[ID]Migration{}
	var declared []ID
	for _, sequence := range cfg.Sequences {
		if sequence.ID == "" {
			return nil, fmt.Errorf("%w: empty sequence id", ErrInvalidOrder)
		}
		if _, exists := engine.sequences[sequence.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate sequence %q", ErrInvalidOrder, sequence.ID)
		}
		for index, migration := range sequence.Migrations {
			sequenceID, version, err := migration.ID.Parse()
			if err != nil {
				return nil, err
			}
			if sequenceID != sequence.ID || version != index+1 {
				return nil, fmt.Errorf("%w: expected %s, got %s", ErrInvalidOrder, NewID(sequence.ID, index+1), migration.ID)
			}
			switch migration.Scope {
			case ScopeRecord:
				if migration.Up == nil {
					return nil, fmt.Errorf("%w: record migration %s has no up transform", ErrInvalidOrder, migration.ID)
				}
			case ScopeStore:
				if migration.UpStore == nil {
					return nil, fmt.Errorf("%w: store migration %s has no up transform", ErrInvalidOrder, migration.ID)
				}
			default:
				return nil, fmt.Errorf("%w: migration %s has scope %q", ErrInvalidOrder, migration.ID, migration.Scope)
			}
			byID[migration.ID] = migration
			declared = append(declared, migration.ID)
		}
		engine.sequences[sequence.ID] = sequence
		engine.sequenceIDs = append(engine.sequenceIDs, sequence.ID)
	}

	order := cfg.Order
	if len(order) == 0 {
		order = declared
	}
	seen := make(map[ID]struct{}, len(order))
	lastVersion := map[string]int{}
	for _, id := range order {
		if _, duplicate := seen[id]; duplicate {
			return nil, fmt.Errorf("%w: duplicate id %s", ErrInvalidOrder, id)
		}
		seen[id] = struct{}{}
		migration, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: unknown id %s", ErrInvalidOrder, id)
		}
		sequenceID, version, _ := id.Parse()
		if version != lastVersion[sequenceID]+1 {
			return nil, fmt.Errorf("%w: %s is out of sequence order", ErrInvalidOrder, id)
		}
		lastVersion[sequenceID] = version
		engine.order = append(engine.order, migration)
	}
	if len(seen) != len(byID) {
		for _, id := range declared {
			if _, ok := seen[id]; !ok {
				return nil, fmt.Errorf("%w: %s is missing from the order", ErrInvalidOrder, id)
			}
		}
	}
	return engine, nil
}

// Order returns the flat migration order.
func (e *Engine) Order() []ID {
	ids := make([]ID, 0, len(e.order))
	for _, migration := range e.order {
		ids = append(ids, migration.ID)
	}
	return ids
}

// Descriptor describes the running schema for the given registered record types.
func (e *Engine) Descriptor(recordTypes []string) Descriptor {
	sequences := make(map[string]int, len(e.sequences))
	for id, sequence := range e.sequences {
		sequences[id] = len(sequence.Migrations)
	}
	typeNames := append([]string(nil), recordTypes...)
	sort.Strings(typeNames)
	return Descriptor{
		SchemaVersion: CurrentSchemaVersion,
		Sequences:     sequences,
		RecordTypes:   typeNames,
	}
}

// Plan lists the migrations that bring data described by descriptor up to the running schema.
// Data written by a newer schema fails with ErrTargetVersionTooOld.
func (e *Engine) Plan(descriptor Descriptor) (Plan, error) {
	normalized, err := normalize(descriptor, e.legacyPrefix)
	if err != nil {
		return Plan{}, err
	}
	for sequenceID, version := range normalized.Sequences {
		sequence, known := e.sequences[sequenceID]
		if !known {
			if version == 0 {
				continue
			}
			return Plan{}, fmt.Errorf("%w: unknown sequence %s at version %d", ErrTargetVersionTooOld, sequenceID, version)
		}
		if version > len(sequence.Migrations) {
			return Plan{}, fmt.Errorf("%w: sequence %s at version %d, running %d", ErrTargetVersionTooOld, sequenceID, version, len(sequence.Migrations))
		}
		if version < 0 {
			return Plan{}, fmt.Errorf("%w: sequence %s has negative version", ErrIncompatibleSchema, sequenceID)
		}
	}

	var plan Plan
	for _, migration := range e.order {
		sequenceID, version, _ := migration.ID.Parse()
		applied, present := normalized.Sequences[sequenceID]
		if !present {
			if !e.sequences[sequenceID].Retroactive {
				continue
			}
			applied = 0
		}
		if version > applied {
			plan.Migrations = append(plan.Migrations, migration)
		}
	}
	return plan, nil
}

// Apply runs plan against data and returns the migrated records ordered by id. data is
// never modified; on error nothing is returned.
func (e *Engine) Apply(plan Plan, data []records.Record) ([]records.Record, error) {
	current := make(StoreData, len(data))
	for _, record := range data {
		current[record.ID] = record.Clone()
	}
	for _, migration := range plan.Migrations {
		next, err := e.applyOne(migration, current)
		if err != nil {
			e.logger.Error("migration failed",
				zap.String("migration_id", string(migration.ID)),
				zap.Error(err))
			return nil, err
		}
		current = next
		e.logger.Debug("migration applied", zap.String("migration_id", string(migration.ID)))
	}

	migrated := make([]records.Record, 0, len(current))
	for _, record := range current {
		migrated = append(migrated, record)
	}
	records.SortRecords(migrated)
	return migrated, nil
}

// Migrate plans and applies in one step, reporting whether anything ran.
func (e *Engine) Migrate(descriptor Descriptor, data []records.Record) ([]records.Record, bool, error) {
	plan, err := e.Plan(descriptor)
	if err != nil {
		return nil, false, err
	}
	migrated, err := e.Apply(plan, data)
	if err != nil {
		return nil, false, err
	}
	return migrated, !plan.IsEmpty(), nil
}

func (e *Engine) applyOne(migration Migration, current StoreData) (result StoreData, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			result = nil
			err = &Error{MigrationID: migration.ID, Err: fmt.Errorf("panic: %v", recovered)}
		}
	}()

	if migration.Scope == ScopeStore {
		next, upErr := migration.UpStore(cloneData(current))
		if upErr != nil {
			return nil, &Error{MigrationID: migration.ID, Err: upErr}
		}
		for id, record := range next {
			if record.ID != id || record.ID.TypeName() != record.TypeName {
				return nil, &Error{MigrationID: migration.ID, Err: fmt.Errorf("record %s is keyed inconsistently", id)}
			}
		}
		return next, nil
	}

	next := make(StoreData, len(current))
	for id, record := range current {
		if !migration.targets(record) {
			next[id] = record
			continue
		}
		migrated, upErr := migration.Up(record.Clone())
		if upErr != nil {
			return nil, &Error{MigrationID: migration.ID, Err: fmt.Errorf("record %s: %w", id, upErr)}
		}
		if migrated.ID != record.ID || migrated.TypeName != record.TypeName {
			return nil, &Error{MigrationID: migration.ID, Err: fmt.Errorf("record %s changed identity", id)}
		}
		next[id] = migrated
	}
	return next, nil
}

func cloneData(data StoreData) StoreData {
	cloned := make(StoreData, len(data))
	for id, record := range data {
		cloned[id] = record.Clone()
	}
	return cloned
}
