package store

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/recordstore/internal/history"
	"github.com/MarcoPoloResearchLab/recordstore/internal/records"
	"go.uber.org/zap"
)

// transaction tracks the value each touched id had before the transaction began, and
// separately before the current after-hook round.
type transaction struct {
	source     history.Source
	initial    map[records.ID]*records.Record
	order      []records.ID
	round      map[records.ID]*records.Record
	roundOrder []records.ID
}

func newTransaction(source history.Source) *transaction {
	return &transaction{
		source:  source,
		initial: map[records.ID]*records.Record{},
		round:   map[records.ID]*records.Record{},
	}
}

func (t *transaction) touch(id records.ID, prev *records.Record) {
	if _, seen := t.initial[id]; !seen {
		t.initial[id] = prev
		t.order = append(t.order, id)
	}
	if _, seen := t.round[id]; !seen {
		t.round[id] = prev
		t.roundOrder = append(t.roundOrder, id)
	}
}

func classify(before *records.Record, after records.Record, present bool) (created, changed, deleted bool) {
	switch {
	case before == nil && present:
		return true, false, false
	case before != nil && !present:
		return false, false, true
	case before != nil && present && !records.Equal(*before, after):
		return false, true, false
	}
	return false, false, false
}

func (t *transaction) takeRound(current map[records.ID]records.Record) hookEvents {
	var events hookEvents
	for _, id := range t.roundOrder {
		before := t.round[id]
		after, present := current[id]
		created, changed, deleted := classify(before, after, present)
		switch {
		case created:
			events.created = append(events.created, after)
		case changed:
			events.changed = append(events.changed, records.Update{From: *before, To: after})
		case deleted:
			events.deleted = append(events.deleted, *before)
		}
	}
	t.round = map[records.ID]*records.Record{}
	t.roundOrder = nil
	return events
}

func (t *transaction) netDiff(current map[records.ID]records.Record) records.Diff {
	diff := records.NewDiff()
	for _, id := range t.order {
		before := t.initial[id]
		after, present := current[id]
		created, changed, deleted := classify(before, after, present)
		switch {
		case created:
			diff.Added[id] = after.Clone()
		case changed:
			diff.Updated[id] = records.Update{From: before.Clone(), To: after.Clone()}
		case deleted:
			diff.Removed[id] = before.Clone()
		}
	}
	return diff
}

func (s *Store) currentLocked(id records.ID) *records.Record {
	current, ok := s.records[id]
	if !ok {
		return nil
	}
	return &current
}

func (s *Store) writeLocked(record records.Record) {
	prev := s.currentLocked(record.ID)
	if prev != nil && records.Equal(*prev, record) {
		return
	}
	s.txn.touch(record.ID, prev)
	s.records[record.ID] = record
}

func (s *Store) deleteLocked(id records.ID) {
	prev := s.currentLocked(id)
	if prev == nil {
		return
	}
	s.txn.touch(id, prev)
	delete(s.records, id)
}

func (s *Store) rollbackLocked(txn *transaction) {
	for _, id := range txn.order {
		if before := txn.initial[id]; before != nil {
			s.records[id] = *before
		} else {
			delete(s.records, id)
		}
	}
}

// transact runs fn as a transaction, or as part of the enclosing one. The outermost call
// commits when fn succeeds and restores every touched record when fn fails or panics.
func (s *Store) transact(source history.Source, fn func() error) (records.Diff, error) {
	s.mu.Lock()
	if s.txn != nil {
		s.mu.Unlock()
		return records.NewDiff(), fn()
	}
	txn := newTransaction(source)
	s.txn = txn
	s.mu.Unlock()

	committed := false
	defer func() {
		if committed {
			return
		}
		s.mu.Lock()
		if s.txn == txn {
			s.rollbackLocked(txn)
			s.txn = nil
		}
		s.mu.Unlock()
	}()

	if err := fn(); err != nil {
		return records.NewDiff(), err
	}
	diff := s.commit(txn)
	committed = true
	return diff, nil
}

func (s *Store) commit(txn *transaction) records.Diff {
	s.mu.Lock()
	for {
		events := txn.takeRound(s.records)
		if events.isEmpty() {
			break
		}
		hooks := s.hooks
		s.mu.Unlock()
		hooks.fire(events)
		s.mu.Lock()
	}

	diff := txn.netDiff(s.records)
	s.txn = nil
	if diff.IsEmpty() {
		s.mu.Unlock()
		return diff
	}
	s.epoch++
	epoch := s.epoch
	listening := len(s.listeners) > 0
	s.history.Append(history.Entry{Epoch: epoch, Source: txn.source, Diff: diff}, listening)
	retained := s.history.Len()
	if listening {
		s.scheduleFlushLocked()
	}
	s.mu.Unlock()

	s.logger.Debug("transaction committed",
		zap.Uint64("epoch", epoch),
		zap.String("source", string(txn.source)),
		zap.Int("added", len(diff.Added)),
		zap.Int("updated", len(diff.Updated)),
		zap.Int("removed", len(diff.Removed)))
	if s.observer != nil {
		s.observer.TransactionCommitted(txn.source, diff)
		s.observer.HistoryRetained(retained)
	}
	return diff
}

// Put inserts or replaces records. Every record is validated before any is written; one
// failure rejects the whole call.
func (s *Store) Put(candidates ...records.Record) error {
	if len(candidates) == 0 {
		return nil
	}
	s.mu.Lock()
	hooks := s.hooks
	prevs := make([]*records.Record, len(candidates))
	for index, candidate := range candidates {
		prevs[index] = s.currentLocked(candidate.ID)
	}
	s.mu.Unlock()

	prepared := make([]records.Record, 0, len(candidates))
	for index, candidate := range candidates {
		next := hooks.beforeWrite(prevs[index], candidate.Clone())
		record, err := s.schema.Prepare(next)
		if err != nil {
			s.logger.Debug("record rejected",
				zap.String("operation", opPut),
				zap.String("record_id", candidate.ID.String()),
				zap.Error(err))
			return err
		}
		prepared = append(prepared, record)
	}

	_, err := s.transact(history.SourceUser, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, record := range prepared {
			s.writeLocked(record)
		}
		return nil
	})
	return err
}

// Update replaces the record under id with updater's result. A result equal to the current
// record is a no-op.
func (s *Store) Update(id records.ID, updater func(records.Record) records.Record) error {
	current, ok := s.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", records.ErrRecordNotFound, id)
	}
	next := updater(current.Clone())
	if records.Equal(current, next) {
		return nil
	}
	if next.ID != id {
		return &records.ValidationError{RecordID: id, TypeName: current.TypeName, Err: errors.New("updater changed record id")}
	}
	return s.Put(next)
}

// Remove deletes records by id. Absent ids are ignored.
func (s *Store) Remove(ids ...records.ID) {
	s.mu.Lock()
	hooks := s.hooks
	seen := make(records.IDSet, len(ids))
	present := make([]records.Record, 0, len(ids))
	for _, id := range ids {
		if seen.Has(id) {
			continue
		}
		seen[id] = struct{}{}
		if current, ok := s.records[id]; ok {
			present = append(present, current)
		}
	}
	s.mu.Unlock()

	allowed := make([]records.ID, 0, len(present))
	for _, record := range present {
		if hooks.allowDelete(record) {
			allowed = append(allowed, record.ID)
		}
	}
	if len(allowed) == 0 {
		return
	}
	_, _ = s.transact(history.SourceUser, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, id := range allowed {
			s.deleteLocked(id)
		}
		return nil
	})
}

// Clear removes every record.
func (s *Store) Clear() {
	s.mu.Lock()
	ids := make([]records.ID, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	s.Remove(ids...)
}

// Batch groups the mutations performed by fn into one transaction. Nested batches join the
// outermost one. When the outermost fn returns an error or panics, every change is undone.
func (s *Store) Batch(fn func() error) error {
	_, err := s.transact(history.SourceUser, fn)
	return err
}

// MergeRemoteChanges runs fn as a transaction tagged with the remote source.
func (s *Store) MergeRemoteChanges(fn func() error) error {
	s.mu.Lock()
	if s.txn != nil {
		remote := s.txn.source == history.SourceRemote
		s.mu.Unlock()
		if remote {
			return fn()
		}
		return ErrTransactionActive
	}
	s.mu.Unlock()
	_, err := s.transact(history.SourceRemote, fn)
	return err
}

// ExtractChanges runs fn as a transaction and returns its net diff.
func (s *Store) ExtractChanges(fn func() error) (records.Diff, error) {
	s.mu.Lock()
	active := s.txn != nil
	s.mu.Unlock()
	if active {
		return records.Diff{}, ErrTransactionActive
	}
	return s.transact(history.SourceUser, fn)
}

// ApplyDiff puts the added and updated records of diff and removes its removed ids, in one
// transaction.
func (s *Store) ApplyDiff(diff records.Diff) error {
	return s.Batch(func() error {
		puts := make([]records.Record, 0, len(diff.Added)+len(diff.Updated))
		for _, record := range diff.Added {
			puts = append(puts, record)
		}
		for _, update := range diff.Updated {
			puts = append(puts, update.To)
		}
		records.SortRecords(puts)
		if err := s.Put(puts...); err != nil {
			return err
		}
		removed := make(records.IDSet, len(diff.Removed))
		for id := range diff.Removed {
			removed[id] = struct{}{}
		}
		s.Remove(removed.Sorted()...)
		return nil
	})
}
