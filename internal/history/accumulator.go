// Package history retains epoch-tagged store diffs for as long as somebody is attached to
// read them.
package history

import "github.com/MarcoPoloResearchLab/recordstore/internal/records"

// Source tags a transaction as locally originated or merged from a remote peer.
type Source string

const (
	// SourceUser marks local mutations.
	SourceUser Source = "user"
	// SourceRemote marks mutations applied inside a remote merge.
	SourceRemote Source = "remote"
)

const defaultCapacity = 64

// Entry is one committed transaction.
type Entry struct {
	Epoch  uint64
	Source Source
	Diff   records.Diff
}

// Accumulator is a ring buffer of entries. It holds nothing while no holder is attached;
// the first attach starts retention at the current epoch.
//
// Entries not yet handed out by Drain are never evicted: the ring grows instead. Once
// drained, the oldest entries are evicted when the ring is full, moving the floor so that
// Since reports a reset for epochs that predate what is retained.
//
// Accumulator is not safe for concurrent use; the store serialises access.
type Accumulator struct {
	buf             []Entry
	head            int
	size            int
	undrained       int
	holders         int
	floor           uint64
	initialCapacity int
}

// NewAccumulator returns an inactive accumulator whose ring starts at capacity entries.
func NewAccumulator(capacity int) *Accumulator {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Accumulator{initialCapacity: capacity}
}

// Attach registers a holder. The first holder activates retention from currentEpoch.
func (a *Accumulator) Attach(currentEpoch uint64) {
	a.holders++
	if a.holders == 1 {
		a.buf = make([]Entry, a.initialCapacity)
		a.head = 0
		a.size = 0
		a.undrained = 0
		a.floor = currentEpoch
	}
}

// Detach releases a holder. When the last holder leaves every entry is discarded.
func (a *Accumulator) Detach() {
	if a.holders == 0 {
		return
	}
	a.holders--
	if a.holders == 0 {
		a.buf = nil
		a.head = 0
		a.size = 0
		a.undrained = 0
	}
}

// Active reports whether at least one holder is attached.
func (a *Accumulator) Active() bool {
	return a.holders > 0
}

// Holders returns the number of attached holders.
func (a *Accumulator) Holders() int {
	return a.holders
}

// Len returns the number of retained entries.
func (a *Accumulator) Len() int {
	return a.size
}

// Capacity returns the current ring size.
func (a *Accumulator) Capacity() int {
	return len(a.buf)
}

// Floor returns the newest epoch whose successors are all retained.
func (a *Accumulator) Floor() uint64 {
	return a.floor
}

// Append retains entry when active. awaitingDrain marks it as owed to Drain, which pins it
// in the ring until drained. It reports whether the entry was retained.
func (a *Accumulator) Append(entry Entry, awaitingDrain bool) bool {
	if !a.Active() {
		return false
	}
	if a.size == len(a.buf) {
		if a.size > a.undrained {
			a.evictOldest()
		} else {
			a.grow()
		}
	}
	a.buf[(a.head+a.size)%len(a.buf)] = entry
	a.size++
	if awaitingDrain {
		a.undrained++
	}
	return true
}

// Drain returns the entries appended since the previous Drain, oldest first.
func (a *Accumulator) Drain() []Entry {
	if a.undrained == 0 {
		return nil
	}
	drained := make([]Entry, 0, a.undrained)
	for offset := a.size - a.undrained; offset < a.size; offset++ {
		drained = append(drained, a.at(offset))
	}
	a.undrained = 0
	return drained
}

// DiscardUndrained marks every pending entry as drained without returning it.
func (a *Accumulator) DiscardUndrained() {
	a.undrained = 0
}

// Since returns the entries committed after epoch, oldest first. ok is false (a reset)
// when the accumulator cannot prove it holds every such entry.
func (a *Accumulator) Since(epoch, currentEpoch uint64) (entries []Entry, ok bool) {
	if epoch >= currentEpoch {
		return nil, true
	}
	if !a.Active() || epoch < a.floor {
		return nil, false
	}
	for offset := 0; offset < a.size; offset++ {
		entry := a.at(offset)
		if entry.Epoch > epoch {
			entries = append(entries, entry)
		}
	}
	return entries, true
}

func (a *Accumulator) at(offset int) Entry {
	return a.buf[(a.head+offset)%len(a.buf)]
}

func (a *Accumulator) evictOldest() {
	oldest := a.buf[a.head]
	a.buf[a.head] = Entry{}
	a.head = (a.head + 1) % len(a.buf)
	a.size--
	a.floor = oldest.Epoch
}

func (a *Accumulator) grow() {
	capacity := len(a.buf) * 2
	if capacity == 0 {
		capacity = a.initialCapacity
	}
	grown := make([]Entry, capacity)
	for offset := 0; offset < a.size; offset++ {
		grown[offset] = a.at(offset)
	}
	a.buf = grown
	a.head = 0
}
