// Package bot implements the premium slash commands and the gating check
// other premium features call before running.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/dukerupert/premiumsync/internal/auth"
	"github.com/dukerupert/premiumsync/internal/discord"
	"github.com/dukerupert/premiumsync/internal/entitlement"
	"github.com/dukerupert/premiumsync/internal/model"
)

// Engine is the entitlement engine as seen by commands.
type Engine interface {
	Sync(ctx context.Context, trigger model.SyncTrigger) (model.SyncRun, error)
	Info(ctx context.Context, guildID, userID snowflake.ID) (entitlement.Status, error)
	Link(ctx context.Context, profile model.Profile, email string) (model.Entitlement, error)
	Grant(ctx context.Context, guildID snowflake.ID, profile model.Profile, days int) (entitlement.Change, error)
	Revoke(ctx context.Context, guildID, userID snowflake.ID) (bool, entitlement.Change, error)
	LastSync() *model.SyncRun
}

// UserLookup resolves a user id to a profile.
type UserLookup interface {
	User(ctx context.Context, guildID, userID snowflake.ID) (model.Profile, error)
}

type Options struct {
	PatreonPageURL string
	SyncInterval   time.Duration
}

type Handler struct {
	engine Engine
	users  UserLookup
	policy auth.Policy
	opts   Options
	now    func() time.Time
	logger *slog.Logger
}

func NewHandler(engine Engine, users UserLookup, policy auth.Policy, opts Options, logger *slog.Logger) *Handler {
	return &Handler{
		engine: engine,
		users:  users,
		policy: policy,
		opts:   opts,
		now:    time.Now,
		logger: logger,
	}
}

// Request is one command invocation.
type Request struct {
	Command string
	Caller  auth.Caller
	// Profile is the invoking user's cosmetic snapshot.
	Profile model.Profile
	Args    map[string]any
}

func (r Request) str(name string) string {
	s, _ := r.Args[name].(string)
	return strings.TrimSpace(s)
}

func (r Request) integer(name string) (int64, bool) {
	n, ok := r.Args[name].(int64)
	return n, ok
}

// Handle dispatches a command after the authorization pre-checks.
func (h *Handler) Handle(ctx context.Context, req Request) Reply {
	cmd, ok := commandSpecs[req.Command]
	if !ok {
		return errorReply("Unknown command.")
	}

	checks := []func(auth.Caller) auth.Decision{h.policy.Available}
	if cmd.ownerOnly {
		checks = append(checks, h.policy.OwnerOnly)
	}
	if d := auth.Check(req.Caller, checks...); !d.Allowed {
		h.logger.Info("command denied", "command", req.Command, "user_id", req.Caller.UserID, "reason", d.Reason)
		return Reply{Title: "Not allowed", Description: d.Reason, Color: colorRed}
	}

	h.logger.Info("command invoked", "command", req.Command, "user_id", req.Caller.UserID, "guild_id", req.Caller.GuildID)
	switch req.Command {
	case cmdPremiumInfo:
		return h.premiumInfo(ctx, req)
	case cmdLinkPatreon:
		return h.linkPatreon(ctx, req)
	case cmdGrantPremium:
		return h.grantPremium(ctx, req)
	case cmdRevokePremium:
		return h.revokePremium(ctx, req)
	case cmdSyncPatrons:
		return h.syncPatrons(ctx, req)
	case cmdPremiumExclusive:
		return h.premiumExclusive(ctx, req)
	}
	return errorReply("Unknown command.")
}

// RequirePremium is the gating check for premium-only features. When it
// returns false the reply explains why and should be sent instead of
// running the feature.
func (h *Handler) RequirePremium(ctx context.Context, caller auth.Caller) (bool, Reply) {
	st, err := h.engine.Info(ctx, caller.GuildID, caller.UserID)
	if err != nil {
		h.logger.Warn("premium check degraded", "user_id", caller.UserID, "error", err)
	}
	if st.Entitled {
		return true, Reply{}
	}
	if st.Expired && st.Record.LapsedAt != nil {
		return false, Reply{
			Title:       "Premium expired",
			Description: fmt.Sprintf("Your premium status expired on %s. Please subscribe again to keep using premium features.", stamp(*st.Record.LapsedAt)),
			Color:       colorOrange,
		}
	}
	return false, Reply{
		Title:       "Premium only",
		Description: "This feature is for premium users only. Use `/premium_info` for details.",
		Color:       colorRed,
	}
}

func (h *Handler) premiumInfo(ctx context.Context, req Request) Reply {
	now := h.now()
	st, err := h.engine.Info(ctx, req.Caller.GuildID, req.Caller.UserID)
	if err != nil {
		h.logger.Warn("premium info degraded", "user_id", req.Caller.UserID, "error", err)
	}

	r := Reply{Title: "Premium status", Color: colorGold}
	rec := st.Record
	switch {
	case !st.Found:
		r.Description = "You are not a premium user."
		r.Color = colorRed
	case rec.Linked():
		r.Description = fmt.Sprintf("You are a premium user!\nLinked Patreon account: `%s`.", rec.PatreonEmail)
		r.Color = colorGreen
		switch {
		case rec.ExpiresAt != nil:
			r.Description += fmt.Sprintf("\n(Manual grant expires %s)", stamp(*rec.ExpiresAt))
		case rec.LapsedAt != nil:
			r.Description += fmt.Sprintf("\n(Manual grant expired %s)", stamp(*rec.LapsedAt))
			r.Color = colorOrange
		}
	case st.Expired:
		r.Description = "Your premium status has expired."
		if rec.LapsedAt != nil {
			r.Description += fmt.Sprintf("\nExpired: %s", stamp(*rec.LapsedAt))
		}
		r.Color = colorRed
	case rec.ExpiresAt != nil:
		r.Description = fmt.Sprintf("You are a premium user!\nExpires: %s", stampRelative(*rec.ExpiresAt, now))
		r.Color = colorGreen
	default:
		r.Description = "You are a premium user! (no expiry)"
		r.Color = colorGreen
	}

	plans := "Support us on Patreon to unlock more features."
	if h.opts.PatreonPageURL != "" {
		plans += fmt.Sprintf("\n[Patreon page](%s)", h.opts.PatreonPageURL)
	}
	plans += fmt.Sprintf("\n\nLink your Patreon and Discord accounts with `/link_patreon <email>`.\n**Automatic sync runs every %s.**", formatInterval(h.opts.SyncInterval))
	r = r.withField("Premium plans", plans)

	if last := h.engine.LastSync(); last != nil {
		r = r.withField("Last sync", stampRelative(last.FinishedAt, now))
	}
	return r
}

func (h *Handler) linkPatreon(ctx context.Context, req Request) Reply {
	profile := req.Profile
	profile.ID = req.Caller.UserID

	rec, err := h.engine.Link(ctx, profile, req.str(argEmail))
	switch {
	case errors.Is(err, entitlement.ErrInvalidEmail):
		return errorReply("That does not look like an e-mail address. Use the address registered with Patreon.")
	case err != nil:
		h.logger.Error("link patreon failed", "user_id", profile.ID, "error", err)
		return errorReply("Could not save your Patreon link right now. Please try again later.")
	}

	return Reply{
		Title: "Account linked!",
		Description: fmt.Sprintf(
			"Linked your Discord account with the Patreon e-mail `%s`.\nAutomatic sync runs every %s. Your premium status will be updated on the next sync.",
			rec.PatreonEmail, formatInterval(h.opts.SyncInterval),
		),
		Color: colorGreen,
	}
}

func (h *Handler) grantPremium(ctx context.Context, req Request) Reply {
	userID, err := entitlement.ParseUserID(req.str(argUserID))
	if err != nil {
		return errorReply("Invalid user ID. Enter a numeric Discord user ID.")
	}

	days := 0
	if n, ok := req.integer(argDays); ok {
		if n < 1 || n > entitlement.MaxGrantDays {
			return errorReply(fmt.Sprintf("Days must be between 1 and %d.", entitlement.MaxGrantDays))
		}
		days = int(n)
	}

	target, err := h.users.User(ctx, req.Caller.GuildID, userID)
	switch {
	case errors.Is(err, discord.ErrUserNotFound):
		return errorReply(fmt.Sprintf("No Discord user with ID `%s` was found.", userID))
	case err != nil:
		h.logger.Error("user lookup failed", "user_id", userID, "error", err)
		return errorReply("Could not look up that user. Please try again later.")
	}

	ch, err := h.engine.Grant(ctx, req.Caller.GuildID, target, days)
	if err != nil {
		h.logger.Error("grant premium failed", "user_id", userID, "error", err)
		return errorReply("Could not save the premium grant right now. Please try again later.")
	}

	desc := fmt.Sprintf("Granted premium status to %s (ID: `%s`).", target.DisplayName, userID)
	desc += roleNote(ch, "granted")
	r := Reply{Title: "Premium granted", Description: desc, Color: colorGreen}
	if ch.Record.ExpiresAt != nil {
		return r.withField("Expires", stamp(*ch.Record.ExpiresAt))
	}
	return r.withField("Expires", "Never")
}

func (h *Handler) revokePremium(ctx context.Context, req Request) Reply {
	userID, err := entitlement.ParseUserID(req.str(argUserID))
	if err != nil {
		return errorReply("Invalid user ID. Enter a numeric Discord user ID.")
	}

	found, ch, err := h.engine.Revoke(ctx, req.Caller.GuildID, userID)
	if err != nil {
		h.logger.Error("revoke premium failed", "user_id", userID, "error", err)
		return errorReply("Could not update the premium ledger right now. Please try again later.")
	}
	if !found {
		return Reply{
			Title:       "Revoke failed",
			Description: fmt.Sprintf("User ID `%s` is not a premium user.", userID),
			Color:       colorRed,
		}
	}

	name := ch.Record.DisplayName
	if name == "" {
		name = fmt.Sprintf("unknown user (ID: `%s`)", userID)
	}
	desc := fmt.Sprintf("Revoked premium status from %s.", name) + roleNote(ch, "revoked")
	return Reply{Title: "Premium revoked", Description: desc, Color: colorOrange}
}

func roleNote(ch entitlement.Change, verb string) string {
	switch {
	case ch.RoleSkipped:
		return "\nRole changes only work inside a server, so the Discord role was not touched."
	case ch.RoleErr != nil:
		return fmt.Sprintf("\nThe Discord role could not be %s. Check the bot's permissions and role order.", verb)
	case ch.RoleChanged:
		return fmt.Sprintf("\nDiscord role %s.", verb)
	default:
		return "\nThe Discord role was already up to date."
	}
}

func (h *Handler) syncPatrons(ctx context.Context, req Request) Reply {
	run, err := h.engine.Sync(ctx, model.SyncTriggerCommand)
	switch {
	case errors.Is(err, entitlement.ErrGuildNotConfigured):
		return errorReply("GUILD_ID is not configured. Check the bot settings.")
	case errors.Is(err, entitlement.ErrSyncUnavailable):
		return Reply{
			Title:       "Sync skipped",
			Description: fmt.Sprintf("The Patreon sync did not run: %s.\nCheck the creator access token, the campaign, and the bot's role permissions.", strings.TrimPrefix(run.Reason, entitlement.ErrSyncUnavailable.Error()+": ")),
			Color:       colorOrange,
		}
	case err != nil:
		return errorReply(fmt.Sprintf("The Patreon sync failed: %s", run.Reason))
	}

	return Reply{
		Title: "Patreon sync complete",
		Description: fmt.Sprintf(
			"Synced Patreon and Discord premium status.\n\n**Started:** %s\n**Finished:** %s\n**Duration:** `%.2f`s\n**Premium granted:** `%d`\n**Premium revoked:** `%d`",
			stamp(run.StartedAt), stamp(run.FinishedAt), run.Duration().Seconds(), run.Granted, run.Revoked,
		),
		Color: colorGreen,
	}
}

func (h *Handler) premiumExclusive(ctx context.Context, req Request) Reply {
	if ok, denial := h.RequirePremium(ctx, req.Caller); !ok {
		return denial
	}
	name := req.Profile.DisplayName
	if name == "" {
		name = req.Caller.Name
	}
	return Reply{
		Title:       "Welcome to premium!",
		Description: fmt.Sprintf("Congratulations, %s!\nThis feature is only available to premium users.", name),
		Color:       colorPurple,
		Fields:      []Field{{Name: "Perks", Value: "Detailed statistics and exclusive options are unlocked."}},
		Public:      true,
	}
}
