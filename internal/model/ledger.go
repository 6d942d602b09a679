package model

import "github.com/bwmarrin/snowflake"

// Ledger maps user ids to entitlements and keeps insertion order, which is
// the order a sync pass evaluates users in.
type Ledger struct {
	order   []snowflake.ID
	entries map[snowflake.ID]Entitlement
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[snowflake.ID]Entitlement)}
}

func (l *Ledger) Len() int {
	return len(l.order)
}

func (l *Ledger) Get(id snowflake.ID) (Entitlement, bool) {
	e, ok := l.entries[id]
	return e, ok
}

// Set inserts or replaces the entry for id. Replacing keeps its position.
func (l *Ledger) Set(id snowflake.ID, e Entitlement) {
	if _, ok := l.entries[id]; !ok {
		l.order = append(l.order, id)
	}
	l.entries[id] = e
}

// Delete removes id and reports whether it was present.
func (l *Ledger) Delete(id snowflake.ID) bool {
	if _, ok := l.entries[id]; !ok {
		return false
	}
	delete(l.entries, id)
	for i, v := range l.order {
		if v == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return true
}

// IDs returns a copy of the keys in insertion order.
func (l *Ledger) IDs() []snowflake.ID {
	out := make([]snowflake.ID, len(l.order))
	copy(out, l.order)
	return out
}
