package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/recordstore/internal/history"
	"github.com/MarcoPoloResearchLab/recordstore/internal/migrations"
	"github.com/MarcoPoloResearchLab/recordstore/internal/records"
	"github.com/MarcoPoloResearchLab/recordstore/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireFields(names ...string) records.Validator {
	return records.ValidatorFunc(func(candidate records.Record) (records.Record, error) {
		for _, name := range names {
			if _, ok := candidate.Fields[name]; !ok {
				return records.Record{}, fmt.Errorf("%s is required", name)
			}
		}
		return candidate, nil
	})
}

func testSchema(t *testing.T) *records.Schema {
	t.Helper()
	schema, err := records.NewSchema(
		records.RecordType{
			Name:      "author",
			Scope:     records.ScopeDocument,
			Validator: requireFields("name"),
			Defaults:  func() records.Fields { return records.Fields{"isPseudonym": false} },
		},
		records.RecordType{Name: "book", Scope: records.ScopeDocument, Validator: requireFields("title")},
		records.RecordType{Name: "cursor", Scope: records.ScopePresence, Validator: records.AcceptAll},
	)
	require.NoError(t, err)
	return schema
}

type testHarness struct {
	store *Store
	ticks *scheduler.Manual
}

func newHarness(t *testing.T, mutate func(*Config)) testHarness {
	t.Helper()
	ticks := scheduler.NewManual()
	cfg := Config{Schema: testSchema(t), Scheduler: ticks}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return testHarness{store: s, ticks: ticks}
}

func author(key, name string) records.Record {
	return records.New(records.NewID("author", key), "author", records.Fields{"name": name})
}

func book(key, title string) records.Record {
	return records.New(records.NewID("book", key), "book", records.Fields{"title": title})
}

func cursor(key string) records.Record {
	return records.New(records.NewID("cursor", key), "cursor", records.Fields{"x": 1})
}

type recorder struct {
	changes []Change
}

func (r *recorder) listen(change Change) {
	r.changes = append(r.changes, change)
}

func TestNewRequiresSchema(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	var storeErr *StoreError
	require.True(t, errors.As(err, &storeErr))
	assert.Equal(t, "store.new.missing_schema", storeErr.Code())
}

func TestPutIsAllOrNothing(t *testing.T) {
	h := newHarness(t, nil)

	invalid := records.New(records.NewID("book", "2"), "book", records.Fields{"pages": 3})
	err := h.store.Put(author("1", "A"), invalid)
	require.ErrorIs(t, err, records.ErrInvalidRecord)

	assert.False(t, h.store.Has(records.NewID("author", "1")))
	assert.Equal(t, uint64(0), h.store.Epoch())
}

func TestPutAppliesDefaultsForUndefinedFields(t *testing.T) {
	h := newHarness(t, nil)
	candidate := records.New(records.NewID("author", "1"), "author", records.Fields{"name": "A", "isPseudonym": records.Undefined})
	require.NoError(t, h.store.Put(candidate))

	stored, ok := h.store.Get(candidate.ID)
	require.True(t, ok)
	assert.Equal(t, false, stored.Fields["isPseudonym"])
}

func TestUpdate(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.store.Put(author("1", "A")))
	epoch := h.store.Epoch()

	require.NoError(t, h.store.Update(records.NewID("author", "1"), func(current records.Record) records.Record {
		return current
	}))
	assert.Equal(t, epoch, h.store.Epoch(), "identical result must not commit")

	require.NoError(t, h.store.Update(records.NewID("author", "1"), func(current records.Record) records.Record {
		return current.With("name", "B")
	}))
	stored, _ := h.store.Get(records.NewID("author", "1"))
	assert.Equal(t, "B", stored.String("name"))
	assert.Equal(t, epoch+1, h.store.Epoch())

	err := h.store.Update(records.NewID("author", "ghost"), func(current records.Record) records.Record { return current })
	assert.ErrorIs(t, err, records.ErrRecordNotFound)

	err = h.store.Update(records.NewID("author", "1"), func(current records.Record) records.Record {
		current.ID = records.NewID("author", "2")
		return current
	})
	assert.ErrorIs(t, err, records.ErrInvalidRecord)
}

func TestRemoveIgnoresMissingIDs(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.store.Put(author("1", "A")))

	h.store.Remove(records.NewID("author", "ghost"))
	assert.Equal(t, uint64(1), h.store.Epoch())

	h.store.Remove(records.NewID("author", "1"), records.NewID("author", "1"))
	assert.False(t, h.store.Has(records.NewID("author", "1")))
	assert.Equal(t, uint64(2), h.store.Epoch())
}

func TestBatchCollapsesAddUpdateRemove(t *testing.T) {
	h := newHarness(t, nil)
	subject := author("1", "A")

	diff, err := h.store.ExtractChanges(func() error {
		if err := h.store.Put(subject); err != nil {
			return err
		}
		if err := h.store.Update(subject.ID, func(current records.Record) records.Record {
			return current.With("name", "B")
		}); err != nil {
			return err
		}
		h.store.Remove(subject.ID)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, diff.IsEmpty())
	assert.Equal(t, uint64(0), h.store.Epoch(), "net-zero transaction must not advance the epoch")
}

func TestBatchCollapsesUpdateBackToOriginal(t *testing.T) {
	h := newHarness(t, nil)
	subject := author("1", "A")
	require.NoError(t, h.store.Put(subject))

	diff, err := h.store.ExtractChanges(func() error {
		rename := func(name string) func(records.Record) records.Record {
			return func(current records.Record) records.Record { return current.With("name", name) }
		}
		if err := h.store.Update(subject.ID, rename("B")); err != nil {
			return err
		}
		return h.store.Update(subject.ID, rename("A"))
	})
	require.NoError(t, err)
	assert.True(t, diff.IsEmpty())
}

func TestBatchCommitsOneEpochAndOneDiff(t *testing.T) {
	h := newHarness(t, nil)
	diff, err := h.store.ExtractChanges(func() error {
		if err := h.store.Put(author("1", "A")); err != nil {
			return err
		}
		return h.store.Batch(func() error {
			return h.store.Put(book("1", "T"))
		})
	})
	require.NoError(t, err)
	assert.Len(t, diff.Added, 2)
	assert.Equal(t, uint64(1), h.store.Epoch())
}

func TestBatchRollsBackOnError(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.store.Put(author("1", "A")))
	boom := errors.New("boom")

	err := h.store.Batch(func() error {
		require.NoError(t, h.store.Put(book("1", "T")))
		require.NoError(t, h.store.Update(records.NewID("author", "1"), func(current records.Record) records.Record {
			return current.With("name", "Z")
		}))
		h.store.Remove(records.NewID("author", "1"))
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.False(t, h.store.Has(records.NewID("book", "1")))
	stored, ok := h.store.Get(records.NewID("author", "1"))
	require.True(t, ok)
	assert.Equal(t, "A", stored.String("name"))
	assert.Equal(t, uint64(1), h.store.Epoch())
}

func TestBatchRollsBackOnPanic(t *testing.T) {
	h := newHarness(t, nil)
	assert.Panics(t, func() {
		_ = h.store.Batch(func() error {
			require.NoError(t, h.store.Put(author("1", "A")))
			panic("boom")
		})
	})
	assert.False(t, h.store.Has(records.NewID("author", "1")))

	require.NoError(t, h.store.Put(author("2", "B")), "store must accept new transactions after a panic")
	assert.Equal(t, uint64(1), h.store.Epoch())
}

func TestAfterHooksObserveFinalTransactionState(t *testing.T) {
	var observed []string
	var h testHarness
	h = newHarness(t, func(cfg *Config) {
		cfg.Hooks.OnAfterCreate = func(record records.Record) {
			if record.TypeName != "author" {
				return
			}
			other, ok := h.store.Get(records.NewID("book", "1"))
			if ok {
				observed = append(observed, other.String("title"))
			}
		}
	})

	require.NoError(t, h.store.Batch(func() error {
		if err := h.store.Put(author("1", "A"), book("1", "draft")); err != nil {
			return err
		}
		return h.store.Update(records.NewID("book", "1"), func(current records.Record) records.Record {
			return current.With("title", "final")
		})
	}))
	assert.Equal(t, []string{"final"}, observed)
}

func TestAfterHooksFireInCreateChangeDeleteOrder(t *testing.T) {
	var events []string
	h := newHarness(t, func(cfg *Config) {
		cfg.Hooks = Hooks{
			OnAfterCreate: func(record records.Record) { events = append(events, "create "+record.ID.String()) },
			OnAfterChange: func(prev, next records.Record) { events = append(events, "change "+next.ID.String()) },
			OnAfterDelete: func(record records.Record) { events = append(events, "delete "+record.ID.String()) },
		}
	})
	require.NoError(t, h.store.Put(author("1", "A"), author("2", "B")))
	events = nil

	require.NoError(t, h.store.Batch(func() error {
		h.store.Remove(records.NewID("author", "1"))
		if err := h.store.Update(records.NewID("author", "2"), func(current records.Record) records.Record {
			return current.With("name", "C")
		}); err != nil {
			return err
		}
		return h.store.Put(author("3", "D"))
	}))
	assert.Equal(t, []string{"create author:3", "change author:2", "delete author:1"}, events)
}

func TestAfterHookMutationsJoinTheTransaction(t *testing.T) {
	var h testHarness
	h = newHarness(t, func(cfg *Config) {
		cfg.Hooks.OnAfterCreate = func(record records.Record) {
			if record.TypeName == "author" {
				require.NoError(t, h.store.Put(book("1", "first book")))
			}
		}
	})
	diff, err := h.store.ExtractChanges(func() error {
		return h.store.Put(author("1", "A"))
	})
	require.NoError(t, err)
	assert.Len(t, diff.Added, 2)
	assert.Contains(t, diff.Added, records.NewID("book", "1"))
	assert.Equal(t, uint64(1), h.store.Epoch())
}

func TestBeforeHooks(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Hooks = Hooks{
			OnBeforeCreate: func(next records.Record) records.Record { return next.With("created", true) },
			OnBeforeChange: func(prev, next records.Record) records.Record {
				return next.With("previousName", prev.String("name"))
			},
			OnBeforeDelete: func(record records.Record) bool { return record.String("name") != "keep" },
		}
	})
	require.NoError(t, h.store.Put(author("1", "keep"), author("2", "A")))
	stored, _ := h.store.Get(records.NewID("author", "1"))
	assert.Equal(t, true, stored.Fields["created"])

	require.NoError(t, h.store.Put(author("2", "B")))
	stored, _ = h.store.Get(records.NewID("author", "2"))
	assert.Equal(t, "A", stored.String("previousName"))

	h.store.Remove(records.NewID("author", "1"), records.NewID("author", "2"))
	assert.True(t, h.store.Has(records.NewID("author", "1")))
	assert.False(t, h.store.Has(records.NewID("author", "2")))
}

func TestListenWaitsForRunningFlush(t *testing.T) {
	h := newHarness(t, nil)
	entered := make(chan struct{})
	unblock := make(chan struct{})
	var blockOnce sync.Once
	h.store.Listen(func(Change) {
		blockOnce.Do(func() {
			close(entered)
			<-unblock
		})
	}, ListenerFilter{})
	var second recorder
	h.store.Listen(second.listen, ListenerFilter{})

	require.NoError(t, h.store.Put(author("1", "A")))
	fired := make(chan struct{})
	go func() {
		h.ticks.Fire()
		close(fired)
	}()
	<-entered

	require.NoError(t, h.store.Put(author("2", "B")))
	attached := make(chan struct{})
	go func() {
		h.store.Listen(func(Change) {}, ListenerFilter{})
		close(attached)
	}()
	select {
	case <-attached:
		t.Fatalf("listen must wait for the running flush")
	case <-time.After(20 * time.Millisecond):
	}
	close(unblock)
	<-fired
	<-attached

	require.Len(t, second.changes, 2)
	assert.Contains(t, second.changes[0].Changes.Added, records.NewID("author", "1"))
	assert.Contains(t, second.changes[1].Changes.Added, records.NewID("author", "2"))
	assert.Equal(t, uint64(1), second.changes[0].Epoch)
	assert.Equal(t, uint64(2), second.changes[1].Epoch)
}

func TestChangeCarriesNewestCommittedEpoch(t *testing.T) {
	h := newHarness(t, nil)
	var got recorder
	h.store.Listen(got.listen, ListenerFilter{})

	require.NoError(t, h.store.Put(author("1", "A")))
	require.NoError(t, h.store.Put(author("2", "B")))
	h.ticks.Fire()
	require.NoError(t, h.store.Put(author("3", "C")))

	require.Len(t, got.changes, 1)
	assert.Equal(t, uint64(2), got.changes[0].Epoch)
	assert.Equal(t, uint64(3), h.store.Epoch())
}

func TestListenerReceivesOnlyChangesAfterAttaching(t *testing.T) {
	h := newHarness(t, nil)
	var got recorder

	require.NoError(t, h.store.Put(author("x", "X")))
	h.store.Listen(got.listen, ListenerFilter{})
	require.NoError(t, h.store.Put(author("y", "Y")))
	h.ticks.Fire()

	require.Len(t, got.changes, 1)
	assert.Equal(t, []records.ID{records.NewID("author", "y")}, records.NewIDSet(keys(got.changes[0].Changes.Added)...).Sorted())
}

func TestFlushBeforeAttachDeliversPendingChangesToExistingListeners(t *testing.T) {
	h := newHarness(t, nil)
	var early, late recorder
	h.store.Listen(early.listen, ListenerFilter{})

	require.NoError(t, h.store.Put(author("x", "X")))
	h.store.Listen(late.listen, ListenerFilter{})
	require.Len(t, early.changes, 1, "pending change is flushed before the new listener attaches")

	require.NoError(t, h.store.Put(author("y", "Y")))
	h.ticks.Fire()

	require.Len(t, early.changes, 2)
	require.Len(t, late.changes, 1)
	assert.Contains(t, late.changes[0].Changes.Added, records.NewID("author", "y"))
	assert.NotContains(t, late.changes[0].Changes.Added, records.NewID("author", "x"))
}

func TestTransactionsInOneTickAreCoalesced(t *testing.T) {
	h := newHarness(t, nil)
	var got recorder
	h.store.Listen(got.listen, ListenerFilter{})

	require.NoError(t, h.store.Put(author("1", "A")))
	require.NoError(t, h.store.Update(records.NewID("author", "1"), func(current records.Record) records.Record {
		return current.With("name", "B")
	}))
	require.NoError(t, h.store.Put(book("1", "T")))
	assert.Equal(t, 1, h.ticks.Pending(), "at most one flush is pending")
	assert.Empty(t, got.changes)

	h.ticks.Fire()
	require.Len(t, got.changes, 1)
	changes := got.changes[0].Changes
	assert.Len(t, changes.Added, 2)
	assert.Equal(t, "B", changes.Added[records.NewID("author", "1")].String("name"))
	assert.Equal(t, history.SourceUser, got.changes[0].Source)
}

func TestUnsubscribedListenerReceivesNothing(t *testing.T) {
	h := newHarness(t, nil)
	var got recorder
	unsubscribe := h.store.Listen(got.listen, ListenerFilter{})
	require.NoError(t, h.store.Put(author("1", "A")))
	unsubscribe()
	unsubscribe()
	h.ticks.Fire()

	assert.Empty(t, got.changes)
	assert.Equal(t, 0, h.store.ListenerCount())
}

func TestSourceFiltering(t *testing.T) {
	h := newHarness(t, nil)
	var remoteOnly, everything recorder
	h.store.Listen(remoteOnly.listen, ListenerFilter{Source: history.SourceRemote})
	h.store.Listen(everything.listen, ListenerFilter{})

	require.NoError(t, h.store.Put(author("1", "A")))
	h.store.Remove(records.NewID("author", "1"))
	h.ticks.Fire()
	assert.Empty(t, remoteOnly.changes)
	assert.Empty(t, everything.changes, "add then remove within one tick collapses")

	require.NoError(t, h.store.Put(author("2", "B")))
	require.NoError(t, h.store.MergeRemoteChanges(func() error {
		return h.store.Put(author("3", "C"))
	}))
	h.ticks.Fire()

	require.Len(t, remoteOnly.changes, 1)
	assert.Equal(t, history.SourceRemote, remoteOnly.changes[0].Source)
	assert.Contains(t, remoteOnly.changes[0].Changes.Added, records.NewID("author", "3"))

	require.Len(t, everything.changes, 2, "user and remote runs within one tick are delivered separately")
	assert.Equal(t, history.SourceUser, everything.changes[0].Source)
	assert.Equal(t, history.SourceRemote, everything.changes[1].Source)
}

func TestScopeFiltering(t *testing.T) {
	h := newHarness(t, nil)
	var documentOnly recorder
	h.store.Listen(documentOnly.listen, ListenerFilter{Scope: records.ScopeDocument})

	require.NoError(t, h.store.Put(cursor("1")))
	h.ticks.Fire()
	assert.Empty(t, documentOnly.changes)

	require.NoError(t, h.store.Put(cursor("2"), author("1", "A")))
	h.ticks.Fire()
	require.Len(t, documentOnly.changes, 1)
	assert.Len(t, documentOnly.changes[0].Changes.Added, 1)
}

func TestMergeRemoteChangesInsideLocalTransactionFails(t *testing.T) {
	h := newHarness(t, nil)
	err := h.store.Batch(func() error {
		return h.store.MergeRemoteChanges(func() error { return nil })
	})
	assert.ErrorIs(t, err, ErrTransactionActive)
}

func TestListenerPanicDoesNotStarveOthers(t *testing.T) {
	h := newHarness(t, nil)
	var got recorder
	h.store.Listen(func(Change) { panic("listener failure") }, ListenerFilter{})
	h.store.Listen(got.listen, ListenerFilter{})

	require.NoError(t, h.store.Put(author("1", "A")))
	assert.NotPanics(t, func() { h.ticks.Fire() })
	assert.Len(t, got.changes, 1)
}

func TestHistorySinceResetsBeforeAttachment(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.store.Put(author("1", "A")))
	require.NoError(t, h.store.Put(author("2", "B")))

	_, ok := h.store.HistorySince(0)
	assert.False(t, ok, "no listener was attached, history was discarded")

	h.store.Listen(func(Change) {}, ListenerFilter{})
	_, ok = h.store.HistorySince(0)
	assert.False(t, ok, "epochs before attachment must reset")

	require.NoError(t, h.store.Put(author("3", "C")))
	entries, ok := h.store.HistorySince(2)
	require.True(t, ok)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(3), entries[0].Epoch)
}

func TestEpochIsMonotonic(t *testing.T) {
	h := newHarness(t, nil)
	previous := h.store.Epoch()
	for index := 0; index < 5; index++ {
		require.NoError(t, h.store.Put(author(fmt.Sprint(index), "A")))
		current := h.store.Epoch()
		assert.Greater(t, current, previous)
		previous = current
	}
}

func TestApplyDiffAndReverse(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.store.Put(author("1", "A")))
	before := h.store.AllRecords()

	diff, err := h.store.ExtractChanges(func() error {
		if err := h.store.Put(book("1", "T"), author("1", "B")); err != nil {
			return err
		}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, h.store.ApplyDiff(records.ReverseDiff(diff)))
	assert.Equal(t, before, h.store.AllRecords())

	require.NoError(t, h.store.ApplyDiff(diff))
	assert.True(t, h.store.Has(records.NewID("book", "1")))
}

func TestClear(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.store.Put(author("1", "A"), cursor("1")))
	h.store.Clear()
	assert.Empty(t, h.store.AllRecords())
}

func TestSnapshotRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.store.Put(author("1", "A"), book("1", "T"), cursor("1")))
	snapshot := h.store.GetSnapshot(records.ScopeAll)

	fresh := newHarness(t, nil)
	require.NoError(t, fresh.store.LoadSnapshot(snapshot))
	assert.Equal(t, h.store.Serialize(records.ScopeAll), fresh.store.Serialize(records.ScopeAll))
}

func TestSerializeFiltersByScope(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.store.Put(author("1", "A"), cursor("1")))

	document := h.store.Serialize(records.ScopeDocument)
	require.Len(t, document, 1)
	assert.Equal(t, records.NewID("author", "1"), document[0].ID)
	assert.Len(t, h.store.Serialize(records.ScopeAll), 2)
}

func TestLoadSnapshotCommitsOneNetDiff(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.store.Put(author("1", "A"), author("2", "B")))
	var got recorder
	h.store.Listen(got.listen, ListenerFilter{})
	epoch := h.store.Epoch()

	snapshot := Snapshot{
		Schema:  h.store.Descriptor(),
		Records: []records.Record{author("1", "A"), author("2", "changed"), book("1", "T")},
	}
	original := snapshot.Records[1].Clone()
	require.NoError(t, h.store.LoadSnapshot(snapshot))
	h.ticks.Fire()

	assert.Equal(t, epoch+1, h.store.Epoch())
	require.Len(t, got.changes, 1)
	changes := got.changes[0].Changes
	assert.Len(t, changes.Added, 1)
	assert.Len(t, changes.Updated, 1)
	assert.Empty(t, changes.Removed)
	assert.True(t, records.Equal(original, snapshot.Records[1]), "snapshot argument must not change")
}

func TestLoadSnapshotRejectsUnknownTypes(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.store.Put(author("1", "A")))

	descriptor := h.store.Descriptor()
	descriptor.RecordTypes = append(descriptor.RecordTypes, "shelf")
	err := h.store.LoadSnapshot(Snapshot{Schema: descriptor})
	require.ErrorIs(t, err, records.ErrSchemaMismatch)
	assert.Contains(t, err.Error(), "Missing definition for record type shelf")

	err = h.store.LoadSnapshot(Snapshot{
		Schema:  h.store.Descriptor(),
		Records: []records.Record{records.New(records.NewID("shelf", "1"), "shelf", nil)},
	})
	require.ErrorIs(t, err, records.ErrSchemaMismatch)
	assert.Len(t, h.store.AllRecords(), 1)
}

func TestLoadSnapshotRejectsUnknownTypesWhenMigrating(t *testing.T) {
	old := newHarness(t, func(cfg *Config) { cfg.Migrations = bookMigrations(t, 1) })
	require.NoError(t, old.store.Put(book("1", "T")))
	snapshot := old.store.GetSnapshot(records.ScopeAll)
	snapshot.Schema.RecordTypes = append(snapshot.Schema.RecordTypes, "shelf")

	current := newHarness(t, func(cfg *Config) { cfg.Migrations = bookMigrations(t, 2) })
	err := current.store.LoadSnapshot(snapshot)
	require.ErrorIs(t, err, records.ErrSchemaMismatch)
	assert.Contains(t, err.Error(), "Missing definition for record type shelf")
	assert.Empty(t, current.store.AllRecords())
	assert.Equal(t, uint64(0), current.store.Epoch())
}

func bookMigrations(t *testing.T, versions int) *migrations.Engine {
	t.Helper()
	sequence := migrations.Sequence{ID: "test.book"}
	for version := 1; version <= versions; version++ {
		field := fmt.Sprintf("v%d", version)
		sequence.Migrations = append(sequence.Migrations, migrations.Migration{
			ID:         migrations.NewID("test.book", version),
			Scope:      migrations.ScopeRecord,
			RecordType: "book",
			Up: func(record records.Record) (records.Record, error) {
				return record.With(field, true), nil
			},
		})
	}
	engine, err := migrations.NewEngine(migrations.Config{Sequences: []migrations.Sequence{sequence}})
	require.NoError(t, err)
	return engine
}

func TestLoadSnapshotMigratesOlderData(t *testing.T) {
	old := newHarness(t, func(cfg *Config) { cfg.Migrations = bookMigrations(t, 1) })
	require.NoError(t, old.store.Put(book("1", "T")))
	snapshot := old.store.GetSnapshot(records.ScopeAll)

	current := newHarness(t, func(cfg *Config) { cfg.Migrations = bookMigrations(t, 2) })
	require.NoError(t, current.store.LoadSnapshot(snapshot))

	stored, ok := current.store.Get(records.NewID("book", "1"))
	require.True(t, ok)
	assert.Equal(t, true, stored.Fields["v2"])
	_, ranAgain := stored.Fields["v1"]
	assert.False(t, ranAgain, "satisfied migrations are skipped")
}

func TestLoadSnapshotRejectsNewerData(t *testing.T) {
	newer := newHarness(t, func(cfg *Config) { cfg.Migrations = bookMigrations(t, 2) })
	require.NoError(t, newer.store.Put(book("1", "T")))
	snapshot := newer.store.GetSnapshot(records.ScopeAll)

	older := newHarness(t, func(cfg *Config) { cfg.Migrations = bookMigrations(t, 1) })
	require.NoError(t, older.store.Put(author("1", "A")))
	err := older.store.LoadSnapshot(snapshot)
	require.ErrorIs(t, err, migrations.ErrTargetVersionTooOld)

	assert.Equal(t, []records.Record{author("1", "A").With("isPseudonym", false)}, older.store.AllRecords())
	assert.Equal(t, uint64(1), older.store.Epoch())
}

func TestLoadSnapshotMigrationFailureLeavesStoreUntouched(t *testing.T) {
	failing, err := migrations.NewEngine(migrations.Config{Sequences: []migrations.Sequence{{
		ID: "test.fail",
		Migrations: []migrations.Migration{{
			ID:    migrations.NewID("test.fail", 1),
			Scope: migrations.ScopeRecord,
			Up: func(records.Record) (records.Record, error) {
				return records.Record{}, errors.New("cannot upgrade")
			},
		}},
	}}})
	require.NoError(t, err)
	h := newHarness(t, func(cfg *Config) { cfg.Migrations = failing })
	require.NoError(t, h.store.Put(author("1", "A")))

	err = h.store.LoadSnapshot(Snapshot{
		Schema:  migrations.Descriptor{SchemaVersion: migrations.CurrentSchemaVersion, Sequences: map[string]int{"test.fail": 0}},
		Records: []records.Record{book("1", "T")},
	})
	require.ErrorIs(t, err, migrations.ErrMigrationFailure)
	assert.Len(t, h.store.AllRecords(), 1)
	assert.False(t, h.store.Has(records.NewID("book", "1")))
}

func TestObserverSeesActivity(t *testing.T) {
	observer := &countingObserver{}
	h := newHarness(t, func(cfg *Config) { cfg.Observer = observer })
	unsubscribe := h.store.Listen(func(Change) {}, ListenerFilter{})
	require.NoError(t, h.store.Put(author("1", "A")))
	h.ticks.Fire()
	unsubscribe()

	assert.Equal(t, 1, observer.transactions)
	assert.Equal(t, 1, observer.notifications)
	assert.Equal(t, 0, observer.retained, "detaching the last holder empties history")
	assert.Equal(t, 0, observer.listeners)
}

func TestObserverSeesHistoryReleasedAndClosed(t *testing.T) {
	observer := &countingObserver{}
	h := newHarness(t, func(cfg *Config) { cfg.Observer = observer })
	release := h.store.RetainHistory()
	h.store.Listen(func(Change) {}, ListenerFilter{})
	require.NoError(t, h.store.Put(author("1", "A"), author("2", "B")))
	h.store.Remove(records.NewID("author", "1"))
	assert.Equal(t, 2, observer.retained)

	release()
	assert.Equal(t, 2, observer.retained, "the listener still holds history")

	h.store.Close()
	assert.Equal(t, 0, observer.retained)
}

type countingObserver struct {
	transactions  int
	retained      int
	listeners     int
	notifications int
}

func (o *countingObserver) TransactionCommitted(history.Source, records.Diff) { o.transactions++ }
func (o *countingObserver) HistoryRetained(entries int)                       { o.retained = entries }
func (o *countingObserver) ListenersChanged(count int)                        { o.listeners = count }
func (o *countingObserver) ListenerNotified()                                 { o.notifications++ }

func keys(added map[records.ID]records.Record) []records.ID {
	ids := make([]records.ID, 0, len(added))
	for id := range added {
		ids = append(ids, id)
	}
	return ids
}
