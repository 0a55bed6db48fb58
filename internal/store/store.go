// Package store implements the transactional in-memory record store: atomic mutations,
// per-transaction diffs, lifecycle hooks, coalesced listener dispatch, and snapshots.
package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/recordstore/internal/history"
	"github.com/MarcoPoloResearchLab/recordstore/internal/migrations"
	"github.com/MarcoPoloResearchLab/recordstore/internal/records"
	"github.com/MarcoPoloResearchLab/recordstore/internal/scheduler"
	"go.uber.org/zap"
)

var (
	errMissingSchema = errors.New("schema is required")
	// ErrTransactionActive indicates an operation that must start its own transaction was
	// called inside another one.
	ErrTransactionActive = errors.New("store: transaction already active")
	noOpLogger           = zap.NewNop()
)

const (
	opStoreNew     = "store.new"
	opLoadSnapshot = "store.load_snapshot"
	opPut          = "store.put"
	opListener     = "store.listener"
)

// Observer receives store activity for instrumentation. Calls happen outside the store lock.
type Observer interface {
	TransactionCommitted(source history.Source, diff records.Diff)
	HistoryRetained(entries int)
	ListenersChanged(count int)
	ListenerNotified()
}

// Config wires a Store.
type Config struct {
	Schema *records.Schema
	// Migrations defaults to an engine with no sequences.
	Migrations *migrations.Engine
	// Records seeds the store without producing a diff.
	Records []records.Record
	// Scheduler defers listener dispatch. Defaults to a zero-delay timer.
	Scheduler       scheduler.Scheduler
	HistoryCapacity int
	Hooks           Hooks
	Logger          *zap.Logger
	Observer        Observer
}

// Store owns the records of one document.
//
// Mutations are single-writer: callers serialise their own Put, Update, Remove and Batch
// calls. Reads and listener registration are safe from any goroutine.
type Store struct {
	mu         sync.Mutex
	dispatchMu sync.Mutex // held from Drain until the last delivery of a flush
	schema     *records.Schema
	migrations *migrations.Engine
	records    map[records.ID]records.Record
	epoch      uint64
	history    *history.Accumulator
	hooks      Hooks
	txn        *transaction
	logger     *zap.Logger
	observer   Observer

	scheduler      scheduler.Scheduler
	flushPending   bool
	cancelFlush    func()
	listeners      map[int]*listener
	nextListenerID int
}

// New constructs a store. Initial records are validated like a Put but commit no diff.
func New(cfg Config) (*Store, error) {
	if cfg.Schema == nil {
		return nil, newStoreError(opStoreNew, "missing_schema", errMissingSchema)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	engine := cfg.Migrations
	if engine == nil {
		var err error
		engine, err = migrations.NewEngine(migrations.Config{Logger: logger})
		if err != nil {
			return nil, newStoreError(opStoreNew, "migrations_failed", err)
		}
	}
	sched := cfg.Scheduler
	if sched == nil {
		sched = scheduler.NewTimer(0)
	}

	s := &Store{
		schema:     cfg.Schema,
		migrations: engine,
		records:    make(map[records.ID]records.Record, len(cfg.Records)),
		history:    history.NewAccumulator(cfg.HistoryCapacity),
		hooks:      cfg.Hooks,
		logger:     logger,
		observer:   cfg.Observer,
		scheduler:  sched,
		listeners:  make(map[int]*listener),
	}
	for _, candidate := range cfg.Records {
		prepared, err := s.schema.Prepare(candidate)
		if err != nil {
			return nil, newStoreError(opStoreNew, "invalid_initial_record", err)
		}
		s.records[prepared.ID] = prepared
	}
	return s, nil
}

// Schema returns the registry the store validates against.
func (s *Store) Schema() *records.Schema {
	return s.schema
}

// SetHooks replaces the lifecycle hooks. Call it between transactions.
func (s *Store) SetHooks(hooks Hooks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = hooks
}

// Epoch returns the number of committed non-empty transactions.
func (s *Store) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Get returns the record stored under id.
func (s *Store) Get(id records.ID) (records.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return records.Record{}, false
	}
	return record.Clone(), true
}

// Has reports whether id is stored.
func (s *Store) Has(id records.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[id]
	return ok
}

// GetAll returns every record of typeName ordered by id.
func (s *Store) GetAll(typeName string) []records.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collectLocked(func(record records.Record) bool { return record.TypeName == typeName })
}

// AllRecords returns every record ordered by id.
func (s *Store) AllRecords() []records.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collectLocked(func(records.Record) bool { return true })
}

// HistorySince returns the committed entries after epoch. ok is false when the retained
// history cannot cover the request and the caller must re-derive from current state.
func (s *Store) HistorySince(epoch uint64) (entries []history.Entry, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Since(epoch, s.epoch)
}

// RetainHistory keeps history entries from the current epoch onwards until release is called.
func (s *Store) RetainHistory() (release func()) {
	s.mu.Lock()
	s.history.Attach(s.epoch)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.history.Detach()
			retained := s.history.Len()
			s.mu.Unlock()
			s.observeHistory(retained)
		})
	}
}

// Close cancels any pending dispatch and detaches every listener.
func (s *Store) Close() {
	s.mu.Lock()
	if s.cancelFlush != nil {
		s.cancelFlush()
		s.cancelFlush = nil
	}
	s.flushPending = false
	for id, registered := range s.listeners {
		registered.active.Store(false)
		delete(s.listeners, id)
		s.history.Detach()
	}
	s.history.DiscardUndrained()
	retained := s.history.Len()
	s.mu.Unlock()
	s.observeListeners(0)
	s.observeHistory(retained)
}

func (s *Store) collectLocked(keep func(records.Record) bool) []records.Record {
	collected := make([]records.Record, 0)
	for _, record := range s.records {
		if keep(record) {
			collected = append(collected, record.Clone())
		}
	}
	records.SortRecords(collected)
	return collected
}

// StoreError carries an operation.reason code alongside the cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("record store error", attrs...)
}
