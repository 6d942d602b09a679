package entitlement

import (
	"time"

	"github.com/dukerupert/premiumsync/internal/model"
)

// Match is what the patron roster says about a linked entry.
type Match int

const (
	// MatchUnknown means no roster was consulted. Linked entries are taken
	// on trust until the next sync pass.
	MatchUnknown Match = iota
	MatchActive
	MatchInactive
)

// Action is the ledger mutation a verdict calls for.
type Action int

const (
	Keep Action = iota
	ClearExpiry
	Remove
)

func (a Action) String() string {
	switch a {
	case ClearExpiry:
		return "clear_expiry"
	case Remove:
		return "remove"
	default:
		return "keep"
	}
}

// Verdict is the outcome of resolving one ledger entry.
type Verdict struct {
	Entitled bool
	Action   Action
	// Record is the entry as it should be stored when Action is not Remove.
	Record model.Entitlement
}

// Resolve decides entitlement for a single entry. Precedence is linkage,
// then manual expiry, then indefinite grant.
func Resolve(rec model.Entitlement, now time.Time, match Match) Verdict {
	if rec.Linked() {
		switch match {
		case MatchActive:
			if rec.ExpiresAt == nil && rec.LapsedAt == nil {
				return Verdict{Entitled: true, Action: Keep, Record: rec}
			}
			rec.ExpiresAt = nil
			rec.LapsedAt = nil
			return Verdict{Entitled: true, Action: ClearExpiry, Record: rec}
		case MatchInactive:
			return Verdict{Entitled: false, Action: Remove, Record: rec}
		default:
			return Verdict{Entitled: true, Action: Keep, Record: rec}
		}
	}

	if rec.LapsedAt != nil {
		return Verdict{Entitled: false, Action: Remove, Record: rec}
	}
	if rec.ExpiresAt != nil {
		if rec.ExpiresAt.After(now) {
			return Verdict{Entitled: true, Action: Keep, Record: rec}
		}
		return Verdict{Entitled: false, Action: Remove, Record: rec}
	}
	return Verdict{Entitled: true, Action: Keep, Record: rec}
}
