package store

import "github.com/MarcoPoloResearchLab/recordstore/internal/records"

// Hooks are synchronous lifecycle callbacks. Nil hooks are skipped.
//
// Before hooks run ahead of validation and may rewrite the candidate; OnBeforeDelete
// returning false keeps the record. After hooks run once the whole transaction is in place,
// so every record they read has its final value. Mutations performed from an after hook
// join the committing transaction and fire their own after hooks in a further round.
type Hooks struct {
	OnBeforeCreate func(next records.Record) records.Record
	OnBeforeChange func(prev, next records.Record) records.Record
	OnBeforeDelete func(record records.Record) bool

	OnAfterCreate func(record records.Record)
	OnAfterChange func(prev, next records.Record)
	OnAfterDelete func(record records.Record)
}

type hookEvents struct {
	created []records.Record
	changed []records.Update
	deleted []records.Record
}

func (e hookEvents) isEmpty() bool {
	return len(e.created) == 0 && len(e.changed) == 0 && len(e.deleted) == 0
}

// fire runs after hooks in create, change, delete order.
func (h Hooks) fire(events hookEvents) {
	if h.OnAfterCreate != nil {
		for _, record := range events.created {
			h.OnAfterCreate(record.Clone())
		}
	}
	if h.OnAfterChange != nil {
		for _, update := range events.changed {
			h.OnAfterChange(update.From.Clone(), update.To.Clone())
		}
	}
	if h.OnAfterDelete != nil {
		for _, record := range events.deleted {
			h.OnAfterDelete(record.Clone())
		}
	}
}

func (h Hooks) beforeWrite(prev *records.Record, next records.Record) records.Record {
	if prev == nil {
		if h.OnBeforeCreate != nil {
			return h.OnBeforeCreate(next)
		}
		return next
	}
	if h.OnBeforeChange != nil {
		return h.OnBeforeChange(prev.Clone(), next)
	}
	return next
}

func (h Hooks) allowDelete(record records.Record) bool {
	if h.OnBeforeDelete == nil {
		return true
	}
	return h.OnBeforeDelete(record.Clone())
}
