package model

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Entitlement is one ledger entry. The ledger has no active/inactive flag:
// a user who is no longer entitled is removed from it.
type Entitlement struct {
	DisplayName   string
	Username      string
	Discriminator string

	// PatreonEmail marks the entry as linked; linked entries are governed by
	// the patron roster and any ExpiresAt is a leftover of a manual grant.
	PatreonEmail string

	// ExpiresAt is the UTC end of a time-boxed manual grant. Nil with no
	// PatreonEmail means an indefinite grant.
	ExpiresAt *time.Time

	// LapsedAt is set when the stored expiry was already in the past at load
	// time. ExpiresAt is nil in that case and LapsedAt is saved back as the
	// expiration date.
	LapsedAt *time.Time
}

// Linked reports whether the entry is governed by patron status.
func (e Entitlement) Linked() bool {
	return e.PatreonEmail != ""
}

// Profile is the cosmetic snapshot of a chat user copied into the ledger.
type Profile struct {
	ID            snowflake.ID
	Username      string
	Discriminator string
	DisplayName   string
}

// Apply refreshes the cosmetic fields of e from p.
func (p Profile) Apply(e *Entitlement) {
	e.Username = p.Username
	e.Discriminator = p.Discriminator
	e.DisplayName = p.DisplayName
}
