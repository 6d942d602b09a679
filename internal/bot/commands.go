package bot

import (
	"github.com/bwmarrin/discordgo"

	"github.com/dukerupert/premiumsync/internal/entitlement"
)

const (
	cmdPremiumInfo      = "premium_info"
	cmdLinkPatreon      = "link_patreon"
	cmdGrantPremium     = "grant_premium"
	cmdRevokePremium    = "revoke_premium"
	cmdSyncPatrons      = "sync_patrons"
	cmdPremiumExclusive = "premium_exclusive"

	argEmail  = "email"
	argUserID = "user_id"
	argDays   = "days"
)

type commandSpec struct {
	ownerOnly bool
	// deferred commands acknowledge first and answer in a followup
	deferred bool
}

var commandSpecs = map[string]commandSpec{
	cmdPremiumInfo:      {deferred: true},
	cmdLinkPatreon:      {deferred: true},
	cmdGrantPremium:     {ownerOnly: true, deferred: true},
	cmdRevokePremium:    {ownerOnly: true, deferred: true},
	cmdSyncPatrons:      {ownerOnly: true, deferred: true},
	cmdPremiumExclusive: {},
}

// Commands returns the slash command definitions to register.
func Commands() []*discordgo.ApplicationCommand {
	minDays := float64(1)
	return []*discordgo.ApplicationCommand{
		{
			Name:        cmdPremiumInfo,
			Description: "Show your premium status",
		},
		{
			Name:        cmdLinkPatreon,
			Description: "Link your Patreon account to your Discord account",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        argEmail,
					Description: "The e-mail address registered with Patreon",
					Required:    true,
				},
			},
		},
		{
			Name:        cmdGrantPremium,
			Description: "Grant premium status to a user (owner only)",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        argUserID,
					Description: "Discord user ID",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        argDays,
					Description: "Number of days (omit for no expiry)",
					MinValue:    &minDays,
					MaxValue:    entitlement.MaxGrantDays,
				},
			},
		},
		{
			Name:        cmdRevokePremium,
			Description: "Revoke premium status from a user (owner only)",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        argUserID,
					Description: "Discord user ID",
					Required:    true,
				},
			},
		},
		{
			Name:        cmdSyncPatrons,
			Description: "Sync Patreon patrons with premium roles now (owner only)",
		},
		{
			Name:        cmdPremiumExclusive,
			Description: "A feature only premium users can use",
		},
	}
}
