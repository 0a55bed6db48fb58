// Package query provides memoized views derived from a store. Views pull their current value
// lazily and answer diff-since-epoch requests from the store's retained history.
package query

import (
	"sync"

	"github.com/MarcoPoloResearchLab/recordstore/internal/records"
	"github.com/MarcoPoloResearchLab/recordstore/internal/store"
)

// view holds what every derived view shares: the store, the type it derives from, and a
// history retention that lasts until Close.
type view struct {
	store    *store.Store
	typeName string
	release  func()
}

func newView(source *store.Store, typeName string) view {
	return view{store: source, typeName: typeName, release: source.RetainHistory()}
}

// Close stops retaining history for the view.
func (v view) Close() {
	v.release()
}

// History is the stream of diffs restricted to one record type.
type History struct {
	view
}

// FilterHistory derives the per-type diff stream of typeName.
func FilterHistory(source *store.Store, typeName string) *History {
	return &History{view: newView(source, typeName)}
}

// DiffSince returns the non-empty per-type diffs committed after epoch, oldest first. ok is
// false when epoch predates retained history.
func (h *History) DiffSince(epoch uint64) (diffs []records.Diff, ok bool) {
	entries, ok := h.store.HistorySince(epoch)
	if !ok {
		return nil, false
	}
	for _, entry := range entries {
		if diff := entry.Diff.OfType(h.typeName); !diff.IsEmpty() {
			diffs = append(diffs, diff.Clone())
		}
	}
	return diffs, true
}

// IDs is the set of ids of one record type.
type IDs struct {
	view
	mu    sync.Mutex
	set   records.IDSet
	epoch uint64
	valid bool
}

// NewIDs derives the id set of typeName.
func NewIDs(source *store.Store, typeName string) *IDs {
	return &IDs{view: newView(source, typeName)}
}

// Get returns the current id set.
func (v *IDs) Get() records.IDSet {
	set, _ := v.GetWithEpoch()
	return set
}

// GetWithEpoch returns the current id set and the epoch it reflects.
func (v *IDs) GetWithEpoch() (records.IDSet, uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	current := v.store.Epoch()
	if !v.valid || v.epoch != current {
		v.refresh(current)
	}
	return v.set.Clone(), v.epoch
}

func (v *IDs) refresh(current uint64) {
	if v.valid {
		if entries, ok := v.store.HistorySince(v.epoch); ok {
			for _, entry := range entries {
				records.CollectionDiffOf(entry.Diff, v.typeName).Apply(v.set)
				v.epoch = entry.Epoch
			}
			return
		}
	}
	set := records.IDSet{}
	for _, record := range v.store.GetAll(v.typeName) {
		set[record.ID] = struct{}{}
	}
	v.set = set
	v.epoch = current
	v.valid = true
}

// DiffSince returns the membership changes committed after epoch, oldest first. ok is false
// when epoch predates retained history.
func (v *IDs) DiffSince(epoch uint64) (diffs []records.CollectionDiff, ok bool) {
	entries, ok := v.store.HistorySince(epoch)
	if !ok {
		return nil, false
	}
	for _, entry := range entries {
		if diff := records.CollectionDiffOf(entry.Diff, v.typeName); !diff.IsEmpty() {
			diffs = append(diffs, diff)
		}
	}
	return diffs, true
}

// Records is the ordered list of records of one type.
type Records struct {
	view
	mu     sync.Mutex
	byID   map[records.ID]records.Record
	sorted []records.Record
	epoch  uint64
	valid  bool
}

// NewRecords derives the records of typeName.
func NewRecords(source *store.Store, typeName string) *Records {
	return &Records{view: newView(source, typeName)}
}

// Get returns the current records ordered by id.
func (v *Records) Get() []records.Record {
	list, _ := v.GetWithEpoch()
	return list
}

// GetWithEpoch returns the current records and the epoch they reflect.
func (v *Records) GetWithEpoch() ([]records.Record, uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	current := v.store.Epoch()
	if !v.valid || v.epoch != current {
		v.refresh(current)
	}
	list := make([]records.Record, 0, len(v.sorted))
	for _, record := range v.sorted {
		list = append(list, record.Clone())
	}
	return list, v.epoch
}

func (v *Records) refresh(current uint64) {
	defer v.resort()
	if v.valid {
		if entries, ok := v.store.HistorySince(v.epoch); ok {
			for _, entry := range entries {
				applyDiff(v.byID, entry.Diff.OfType(v.typeName))
				v.epoch = entry.Epoch
			}
			return
		}
	}
	v.byID = map[records.ID]records.Record{}
	for _, record := range v.store.GetAll(v.typeName) {
		v.byID[record.ID] = record
	}
	v.epoch = current
	v.valid = true
}

func (v *Records) resort() {
	v.sorted = make([]records.Record, 0, len(v.byID))
	for _, record := range v.byID {
		v.sorted = append(v.sorted, record)
	}
	records.SortRecords(v.sorted)
}

func applyDiff(target map[records.ID]records.Record, diff records.Diff) {
	for id := range diff.Removed {
		delete(target, id)
	}
	for id, record := range diff.Added {
		target[id] = record.Clone()
	}
	for id, update := range diff.Updated {
		target[id] = update.To.Clone()
	}
}

// ApplyDiffs replays diffs over a known state. It is how consumers of DiffSince catch up.
func ApplyDiffs(state []records.Record, diffs ...records.Diff) []records.Record {
	byID := make(map[records.ID]records.Record, len(state))
	for _, record := range state {
		byID[record.ID] = record.Clone()
	}
	for _, diff := range diffs {
		applyDiff(byID, diff)
	}
	list := make([]records.Record, 0, len(byID))
	for _, record := range byID {
		list = append(list, record)
	}
	records.SortRecords(list)
	return list
}
