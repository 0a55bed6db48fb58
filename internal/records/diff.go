package records

import "sort"

// Update pairs the previous and next value of a changed record.
type Update struct {
	From Record
	To   Record
}

// Diff is the net change between two committed store states. An id appears in at most
// one of the three maps.
type Diff struct {
	Added   map[ID]Record
	Updated map[ID]Update
	Removed map[ID]Record
}

// NewDiff returns an empty diff with allocated maps.
func NewDiff() Diff {
	return Diff{
		Added:   map[ID]Record{},
		Updated: map[ID]Update{},
		Removed: map[ID]Record{},
	}
}

// IsEmpty reports whether the diff carries no change.
func (d Diff) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// Clone deep-copies every record in the diff.
func (d Diff) Clone() Diff {
	cloned := NewDiff()
	for id, record := range d.Added {
		cloned.Added[id] = record.Clone()
	}
	for id, update := range d.Updated {
		cloned.Updated[id] = Update{From: update.From.Clone(), To: update.To.Clone()}
	}
	for id, record := range d.Removed {
		cloned.Removed[id] = record.Clone()
	}
	return cloned
}

// Len returns the number of ids touched by the diff.
func (d Diff) Len() int {
	return len(d.Added) + len(d.Updated) + len(d.Removed)
}

// Filter returns the part of the diff whose records satisfy keep.
func (d Diff) Filter(keep func(Record) bool) Diff {
	filtered := NewDiff()
	for id, record := range d.Added {
		if keep(record) {
			filtered.Added[id] = record
		}
	}
	for id, update := range d.Updated {
		if keep(update.To) {
			filtered.Updated[id] = update
		}
	}
	for id, record := range d.Removed {
		if keep(record) {
			filtered.Removed[id] = record
		}
	}
	return filtered
}

// OfType returns the part of the diff concerning one record type.
func (d Diff) OfType(typeName string) Diff {
	return d.Filter(func(record Record) bool { return record.TypeName == typeName })
}

// SquashDiffs merges diffs applied in order into one net diff. Adding then removing an id
// cancels out, and an update that returns a record to its original value disappears.
func SquashDiffs(diffs ...Diff) Diff {
	result := NewDiff()
	for _, diff := range diffs {
		for _, id := range sortedIDs(diff.Added) {
			added := diff.Added[id]
			if original, wasRemoved := result.Removed[id]; wasRemoved {
				delete(result.Removed, id)
				if !Equal(original, added) {
					result.Updated[id] = Update{From: original, To: added}
				}
				continue
			}
			result.Added[id] = added
		}
		for id, update := range diff.Updated {
			if _, wasAdded := result.Added[id]; wasAdded {
				result.Added[id] = update.To
				continue
			}
			if previous, wasUpdated := result.Updated[id]; wasUpdated {
				if Equal(previous.From, update.To) {
					delete(result.Updated, id)
				} else {
					result.Updated[id] = Update{From: previous.From, To: update.To}
				}
				continue
			}
			result.Updated[id] = update
		}
		for id, removed := range diff.Removed {
			if _, wasAdded := result.Added[id]; wasAdded {
				delete(result.Added, id)
				continue
			}
			if previous, wasUpdated := result.Updated[id]; wasUpdated {
				delete(result.Updated, id)
				result.Removed[id] = previous.From
				continue
			}
			result.Removed[id] = removed
		}
	}
	return result
}

// ReverseDiff returns the diff that undoes d.
func ReverseDiff(d Diff) Diff {
	reversed := NewDiff()
	for id, record := range d.Added {
		reversed.Removed[id] = record
	}
	for id, record := range d.Removed {
		reversed.Added[id] = record
	}
	for id, update := range d.Updated {
		reversed.Updated[id] = Update{From: update.To, To: update.From}
	}
	return reversed
}

// IDSet is a set of record identifiers.
type IDSet map[ID]struct{}

// NewIDSet builds a set from ids.
func NewIDSet(ids ...ID) IDSet {
	set := make(IDSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// Has reports membership.
func (s IDSet) Has(id ID) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in ascending order.
func (s IDSet) Sorted() []ID {
	ids := make([]ID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clone copies the set.
func (s IDSet) Clone() IDSet {
	copied := make(IDSet, len(s))
	for id := range s {
		copied[id] = struct{}{}
	}
	return copied
}

// CollectionDiff is the change to a derived set of ids.
type CollectionDiff struct {
	Added   IDSet
	Removed IDSet
}

// IsEmpty reports whether the collection diff carries no change.
func (c CollectionDiff) IsEmpty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0
}

// Apply mutates set in place by applying c.
func (c CollectionDiff) Apply(set IDSet) {
	for id := range c.Removed {
		delete(set, id)
	}
	for id := range c.Added {
		set[id] = struct{}{}
	}
}

// CollectionDiffOf projects a records diff onto the id set of one type. Updates do not
// change membership and are ignored.
func CollectionDiffOf(d Diff, typeName string) CollectionDiff {
	collection := CollectionDiff{Added: IDSet{}, Removed: IDSet{}}
	for id, record := range d.Added {
		if record.TypeName == typeName {
			collection.Added[id] = struct{}{}
		}
	}
	for id, record := range d.Removed {
		if record.TypeName == typeName {
			collection.Removed[id] = struct{}{}
		}
	}
	return collection
}

// SquashCollectionDiffs merges collection diffs applied in order.
func SquashCollectionDiffs(diffs ...CollectionDiff) CollectionDiff {
	result := CollectionDiff{Added: IDSet{}, Removed: IDSet{}}
	for _, diff := range diffs {
		for id := range diff.Added {
			if result.Removed.Has(id) {
				delete(result.Removed, id)
				continue
			}
			result.Added[id] = struct{}{}
		}
		for id := range diff.Removed {
			if result.Added.Has(id) {
				delete(result.Added, id)
				continue
			}
			result.Removed[id] = struct{}{}
		}
	}
	return result
}

func sortedIDs[V any](values map[ID]V) []ID {
	ids := make([]ID, 0, len(values))
	for id := range values {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SortRecords orders records by id in place.
func SortRecords(list []Record) {
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
}
