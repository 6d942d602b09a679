package model

import (
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerKeepsInsertionOrder(t *testing.T) {
	l := NewLedger()
	l.Set(30, Entitlement{Username: "c"})
	l.Set(10, Entitlement{Username: "a"})
	l.Set(20, Entitlement{Username: "b"})

	// Replacing does not move the entry.
	l.Set(10, Entitlement{Username: "a2"})

	assert.Equal(t, []snowflake.ID{30, 10, 20}, l.IDs())
	e, ok := l.Get(10)
	require.True(t, ok)
	assert.Equal(t, "a2", e.Username)
}

func TestLedgerDelete(t *testing.T) {
	l := NewLedger()
	l.Set(1, Entitlement{})
	l.Set(2, Entitlement{})
	l.Set(3, Entitlement{})

	assert.True(t, l.Delete(2))
	assert.False(t, l.Delete(2))
	assert.Equal(t, []snowflake.ID{1, 3}, l.IDs())
	assert.Equal(t, 2, l.Len())
}

func TestEntitlementLinked(t *testing.T) {
	assert.False(t, Entitlement{}.Linked())
	assert.True(t, Entitlement{PatreonEmail: "a@x.com"}.Linked())
}

func TestProfileApply(t *testing.T) {
	e := Entitlement{PatreonEmail: "a@x.com"}
	Profile{ID: 5, Username: "alice", Discriminator: "0", DisplayName: "Alice"}.Apply(&e)
	assert.Equal(t, "alice", e.Username)
	assert.Equal(t, "0", e.Discriminator)
	assert.Equal(t, "Alice", e.DisplayName)
	assert.Equal(t, "a@x.com", e.PatreonEmail)
}
