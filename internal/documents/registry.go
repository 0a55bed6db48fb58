// Package documents keeps the explicit set of open document stores. Each document gets its
// own store, writer lock, and autosave loop; nothing is shared through package state.
package documents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/recordstore/internal/metrics"
	"github.com/MarcoPoloResearchLab/recordstore/internal/migrations"
	"github.com/MarcoPoloResearchLab/recordstore/internal/persistence"
	"github.com/MarcoPoloResearchLab/recordstore/internal/records"
	"github.com/MarcoPoloResearchLab/recordstore/internal/scheduler"
	"github.com/MarcoPoloResearchLab/recordstore/internal/store"
	"go.uber.org/zap"
)

const maxDocumentIDLength = 190

var (
	// ErrInvalidDocumentID reports an empty or oversized document identifier.
	ErrInvalidDocumentID = errors.New("documents: invalid document id")
	// ErrDocumentNotOpen reports an operation on a document the registry does not hold.
	ErrDocumentNotOpen = errors.New("documents: document not open")
	errMissingSchema   = errors.New("documents: schema is required")
)

// Persistence loads and saves document snapshots.
type Persistence interface {
	persistence.SnapshotSaver
	LoadSnapshot(ctx context.Context, documentID string) (store.Snapshot, bool, error)
}

type Config struct {
	Schema     *records.Schema
	Migrations *migrations.Engine
	// Persistence is optional; without it documents live only in memory.
	Persistence      Persistence
	FlushInterval    time.Duration
	HistoryCapacity  int
	AutosaveInterval time.Duration
	// RetainHistory keeps each store's history from the moment it opens so change feeds
	// can be served without a listener.
	RetainHistory bool
	Metrics       *metrics.Collectors
	Logger        *zap.Logger
	// NewScheduler overrides the listener flush scheduler of each store.
	NewScheduler func() scheduler.Scheduler
}

// Registry owns the open documents.
type Registry struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	handles map[string]*Handle
}

func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Schema == nil {
		return nil, errMissingSchema
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NewScheduler == nil {
		interval := cfg.FlushInterval
		cfg.NewScheduler = func() scheduler.Scheduler { return scheduler.NewTimer(interval) }
	}
	return &Registry{cfg: cfg, logger: logger, handles: make(map[string]*Handle)}, nil
}

// Handle is one open document.
type Handle struct {
	id        string
	store     *store.Store
	writeMu   sync.Mutex
	autosaver *persistence.Autosaver
	observer  *metrics.StoreObserver
	release   func()
	cancel    context.CancelFunc
	done      chan struct{}
}

func (h *Handle) ID() string {
	return h.id
}

// Store exposes the document's store for reads and listener registration. Writes go
// through Mutate.
func (h *Handle) Store() *store.Store {
	return h.store
}

// Mutate runs fn as the document's only writer.
func (h *Handle) Mutate(fn func(*store.Store) error) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return fn(h.store)
}

// Epoch implements persistence.SnapshotSource.
func (h *Handle) Epoch() uint64 {
	return h.store.Epoch()
}

// GetSnapshot implements persistence.SnapshotSource. It waits for the current writer so a
// half-applied batch is never captured.
func (h *Handle) GetSnapshot(scope records.Scope) store.Snapshot {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.store.GetSnapshot(scope)
}

// Open returns the handle for documentID, loading its persisted snapshot the first time.
func (r *Registry) Open(ctx context.Context, documentID string) (*Handle, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" || len(documentID) > maxDocumentIDLength {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDocumentID, documentID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.handles[documentID]; ok {
		return existing, nil
	}

	handle := &Handle{id: documentID}
	var observer store.Observer
	if r.cfg.Metrics != nil {
		handle.observer = r.cfg.Metrics.Observer()
		observer = handle.observer
	}
	documentStore, err := store.New(store.Config{
		Schema:          r.cfg.Schema,
		Migrations:      r.cfg.Migrations,
		Scheduler:       r.cfg.NewScheduler(),
		HistoryCapacity: r.cfg.HistoryCapacity,
		Logger:          r.logger.With(zap.String("document_id", documentID)),
		Observer:        observer,
	})
	if err != nil {
		if handle.observer != nil {
			handle.observer.Release()
		}
		return nil, err
	}
	handle.store = documentStore
	if r.cfg.RetainHistory {
		handle.release = documentStore.RetainHistory()
	}

	if r.cfg.Persistence != nil {
		if err := r.restore(ctx, handle); err != nil {
			handle.discard()
			return nil, err
		}
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		handle.cancel = cancel
		handle.done = make(chan struct{})
		go func() {
			defer close(handle.done)
			handle.autosaver.Run(runCtx)
		}()
	}

	r.handles[documentID] = handle
	r.logger.Info("document opened", zap.String("document_id", documentID), zap.Uint64("epoch", documentStore.Epoch()))
	return handle, nil
}

func (r *Registry) restore(ctx context.Context, handle *Handle) error {
	autosaver, err := persistence.NewAutosaver(persistence.AutosaverConfig{
		DocumentID: handle.id,
		Source:     handle,
		Saver:      r.cfg.Persistence,
		Interval:   r.cfg.AutosaveInterval,
		Logger:     r.logger,
	})
	if err != nil {
		return err
	}
	handle.autosaver = autosaver

	snapshot, found, err := r.cfg.Persistence.LoadSnapshot(ctx, handle.id)
	if err != nil {
		return err
	}
	if found {
		if err := handle.store.LoadSnapshot(snapshot); err != nil {
			return fmt.Errorf("restore document %s: %w", handle.id, err)
		}
	}
	autosaver.MarkSaved(handle.store.Epoch())
	return nil
}

// Get returns an already open document.
func (r *Registry) Get(documentID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.handles[documentID]
	return handle, ok
}

// Close saves pending changes of documentID and releases its store.
func (r *Registry) Close(ctx context.Context, documentID string) error {
	r.mu.Lock()
	handle, ok := r.handles[documentID]
	delete(r.handles, documentID)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrDocumentNotOpen, documentID)
	}
	return r.shutdown(ctx, handle)
}

// CloseAll closes every open document and returns the joined save errors.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]*Handle)
	r.mu.Unlock()

	var errs []error
	for _, handle := range sortedHandles(handles) {
		if err := r.shutdown(ctx, handle); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Each calls fn for every open document in id order.
func (r *Registry) Each(fn func(*Handle)) {
	r.mu.Lock()
	handles := sortedHandles(r.handles)
	r.mu.Unlock()
	for _, handle := range handles {
		fn(handle)
	}
}

func (r *Registry) shutdown(ctx context.Context, handle *Handle) error {
	var saveErr error
	if handle.cancel != nil {
		handle.cancel()
		<-handle.done
		if _, err := handle.autosaver.SaveIfChanged(ctx); err != nil {
			saveErr = fmt.Errorf("final save of %s: %w", handle.id, err)
		}
	}
	handle.discard()
	r.logger.Info("document closed", zap.String("document_id", handle.id))
	return saveErr
}

// discard releases the store and its metrics contribution.
func (h *Handle) discard() {
	if h.release != nil {
		h.release()
	}
	h.store.Close()
	if h.observer != nil {
		h.observer.Release()
	}
}

func sortedHandles(handles map[string]*Handle) []*Handle {
	list := make([]*Handle, 0, len(handles))
	for _, handle := range handles {
		list = append(list, handle)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	return list
}
