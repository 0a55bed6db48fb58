package persistence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/recordstore/internal/records"
	"github.com/MarcoPoloResearchLab/recordstore/internal/store"
	"go.uber.org/zap"
)

const (
	opAutosaverNew  = "persistence.autosaver.new"
	opAutosave      = "persistence.autosave"
	reasonMissing   = "missing_dependency"
	reasonSaveError = "save_failed"

	defaultAutosaveInterval = 5 * time.Second
)

var errMissingAutosaveDependency = errors.New("autosaver requires a document id, source and saver")

// SnapshotSource is the view of a live store the autosaver needs.
type SnapshotSource interface {
	Epoch() uint64
	GetSnapshot(scope records.Scope) store.Snapshot
}

// SnapshotSaver persists snapshots.
type SnapshotSaver interface {
	SaveSnapshot(ctx context.Context, documentID string, snapshot store.Snapshot, epoch uint64) (SaveOutcome, error)
}

type AutosaverConfig struct {
	DocumentID string
	Source     SnapshotSource
	Saver      SnapshotSaver
	Interval   time.Duration
	Logger     *zap.Logger
}

// Autosaver saves the document-scoped snapshot of a store whenever its epoch has moved
// since the last save.
type Autosaver struct {
	documentID string
	source     SnapshotSource
	saver      SnapshotSaver
	interval   time.Duration
	logger     *zap.Logger

	mu        sync.Mutex
	lastEpoch uint64
	saved     bool
}

func NewAutosaver(cfg AutosaverConfig) (*Autosaver, error) {
	if cfg.DocumentID == "" || cfg.Source == nil || cfg.Saver == nil {
		return nil, newServiceError(opAutosaverNew, reasonMissing, errMissingAutosaveDependency)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultAutosaveInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Autosaver{
		documentID: cfg.DocumentID,
		source:     cfg.Source,
		saver:      cfg.Saver,
		interval:   interval,
		logger:     logger,
	}, nil
}

// MarkSaved records epoch as already persisted, e.g. right after loading a stored snapshot.
func (a *Autosaver) MarkSaved(epoch uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastEpoch = epoch
	a.saved = true
}

// SaveIfChanged saves a snapshot when the source epoch differs from the last saved one.
func (a *Autosaver) SaveIfChanged(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	epoch := a.source.Epoch()
	if a.saved && epoch == a.lastEpoch {
		return false, nil
	}
	return true, a.saveLocked(ctx, epoch)
}

// SaveNow saves a snapshot regardless of the epoch.
func (a *Autosaver) SaveNow(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.saveLocked(ctx, a.source.Epoch())
}

func (a *Autosaver) saveLocked(ctx context.Context, epoch uint64) error {
	snapshot := a.source.GetSnapshot(records.ScopeDocument)
	outcome, err := a.saver.SaveSnapshot(ctx, a.documentID, snapshot, epoch)
	if err != nil {
		a.logger.Error("autosave failed",
			zap.String("operation", opAutosave),
			zap.String("reason", reasonSaveError),
			zap.String(fieldDocumentID, a.documentID),
			zap.Error(err),
		)
		return err
	}
	a.lastEpoch = epoch
	a.saved = true
	a.logger.Debug("document saved",
		zap.String(fieldDocumentID, a.documentID),
		zap.Uint64("epoch", epoch),
		zap.Int64("revision_id", outcome.RevisionID),
		zap.Bool("duplicate", outcome.Duplicate),
	)
	return nil
}

// Run saves on every interval tick until ctx is cancelled. Save failures are logged and
// retried on the next tick.
func (a *Autosaver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = a.SaveIfChanged(ctx)
		}
	}
}
