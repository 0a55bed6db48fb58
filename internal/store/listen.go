package store

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/recordstore/internal/history"
	"github.com/MarcoPoloResearchLab/recordstore/internal/records"
	"go.uber.org/zap"
)

// ListenerFilter narrows the changes a listener receives. Zero values match everything.
type ListenerFilter struct {
	Scope  records.Scope
	Source history.Source
}

// Change is one coalesced notification.
type Change struct {
	Changes records.Diff
	Source  history.Source
	// Epoch is the epoch of the newest transaction folded into Changes.
	Epoch uint64
}

// Listener receives coalesced changes.
type Listener func(Change)

type listener struct {
	id     int
	fn     Listener
	filter ListenerFilter
	since  uint64
	active atomic.Bool
}

// Listen registers fn for changes committed after this call. Pending changes are dispatched
// to the existing listeners first, so fn never sees them. Listen and Flush must not be
// called from inside a listener.
func (s *Store) Listen(fn Listener, filter ListenerFilter) (unsubscribe func()) {
	s.Flush()

	s.mu.Lock()
	s.nextListenerID++
	registered := &listener{id: s.nextListenerID, fn: fn, filter: filter, since: s.epoch}
	registered.active.Store(true)
	s.listeners[registered.id] = registered
	s.history.Attach(s.epoch)
	count := len(s.listeners)
	s.mu.Unlock()
	s.observeListeners(count)

	var once sync.Once
	return func() {
		once.Do(func() { s.removeListener(registered.id) })
	}
}

func (s *Store) removeListener(id int) {
	s.mu.Lock()
	registered, ok := s.listeners[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	registered.active.Store(false)
	delete(s.listeners, id)
	s.history.Detach()
	if len(s.listeners) == 0 {
		s.history.DiscardUndrained()
		if s.cancelFlush != nil {
			s.cancelFlush()
			s.cancelFlush = nil
		}
		s.flushPending = false
	}
	count := len(s.listeners)
	retained := s.history.Len()
	s.mu.Unlock()
	s.observeListeners(count)
	s.observeHistory(retained)
}

// ListenerCount returns the number of registered listeners.
func (s *Store) ListenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

func (s *Store) scheduleFlushLocked() {
	if s.flushPending {
		return
	}
	s.flushPending = true
	s.cancelFlush = s.scheduler.Schedule(s.Flush)
}

// Flush dispatches pending changes now instead of waiting for the scheduled tick. Flushes
// are serialised: a flush delivers everything it drained before the next one drains.
func (s *Store) Flush() {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.Lock()
	if s.cancelFlush != nil {
		s.cancelFlush()
		s.cancelFlush = nil
	}
	s.flushPending = false
	entries := s.history.Drain()
	targets := make([]*listener, 0, len(s.listeners))
	for _, registered := range s.listeners {
		targets = append(targets, registered)
	}
	s.mu.Unlock()

	if len(entries) == 0 || len(targets) == 0 {
		return
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })
	for _, run := range splitBySource(entries) {
		for _, target := range targets {
			s.deliver(target, run)
		}
	}
}

// splitBySource groups consecutive entries that share a source.
func splitBySource(entries []history.Entry) [][]history.Entry {
	var runs [][]history.Entry
	start := 0
	for index := 1; index <= len(entries); index++ {
		if index == len(entries) || entries[index].Source != entries[start].Source {
			runs = append(runs, entries[start:index])
			start = index
		}
	}
	return runs
}

func (s *Store) deliver(target *listener, run []history.Entry) {
	if !target.active.Load() {
		return
	}
	source := run[0].Source
	if target.filter.Source != "" && target.filter.Source != source {
		return
	}
	diffs := make([]records.Diff, 0, len(run))
	var newest uint64
	for _, entry := range run {
		if entry.Epoch > target.since {
			diffs = append(diffs, entry.Diff)
			newest = entry.Epoch
		}
	}
	if len(diffs) == 0 {
		return
	}
	changes := records.SquashDiffs(diffs...).Filter(func(record records.Record) bool {
		return s.schema.ScopeOf(record.TypeName).Matches(target.filter.Scope)
	})
	if changes.IsEmpty() {
		return
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			s.logError(opListener, "listener_panicked", fmt.Errorf("%v", recovered), zap.Int("listener_id", target.id))
		}
	}()
	target.fn(Change{Changes: changes.Clone(), Source: source, Epoch: newest})
	if s.observer != nil {
		s.observer.ListenerNotified()
	}
}

func (s *Store) observeListeners(count int) {
	if s.observer != nil {
		s.observer.ListenersChanged(count)
	}
}

func (s *Store) observeHistory(retained int) {
	if s.observer != nil {
		s.observer.HistoryRetained(retained)
	}
}
