package auth

import (
	"slices"

	"github.com/bwmarrin/snowflake"
)

// Decision is the result of a capability check. Reason is shown to the
// caller when Allowed is false.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string) Decision { return Decision{Reason: reason} }

// Policy holds the bot-wide authorization settings.
type Policy struct {
	OwnerIDs []snowflake.ID
	// AdminMode restricts every command to owners.
	AdminMode bool
}

func (p Policy) IsOwner(id snowflake.ID) bool {
	return id != 0 && slices.Contains(p.OwnerIDs, id)
}

// OwnerOnly allows only configured bot owners.
func (p Policy) OwnerOnly(c Caller) Decision {
	if p.IsOwner(c.UserID) {
		return allow()
	}
	return deny("This command can only be used by the bot owner.")
}

// Available allows anyone unless admin mode is on.
func (p Policy) Available(c Caller) Decision {
	if !p.AdminMode || p.IsOwner(c.UserID) {
		return allow()
	}
	return deny("The bot is in admin mode. Only the bot owner can use commands right now.")
}

// Check runs every check in order and returns the first denial.
func Check(c Caller, checks ...func(Caller) Decision) Decision {
	for _, check := range checks {
		if d := check(c); !d.Allowed {
			return d
		}
	}
	return allow()
}
