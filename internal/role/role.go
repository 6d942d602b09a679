// Package role grants and revokes the premium role on guild members.
//
// The Synchronizer never trusts the platform to reject an impossible change:
// readiness, guild, member, role, permission and hierarchy are all checked
// before a mutation is attempted, and every failed check is a logged no-op.
package role

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/bwmarrin/snowflake"

	"github.com/dukerupert/premiumsync/internal/auth"
)

const (
	PermissionAdministrator int64 = 1 << 3
	PermissionManageRoles   int64 = 1 << 28
)

var (
	ErrNotReady          = errors.New("role: bot is not connected")
	ErrGuildNotFound     = errors.New("role: guild not found")
	ErrMemberNotFound    = errors.New("role: member not found")
	ErrRoleNotFound      = errors.New("role: premium role not found in guild")
	ErrMissingPermission = errors.New("role: bot lacks manage roles permission")
	ErrRoleHierarchy     = errors.New("role: premium role is not below the bot's highest role")
	ErrForbidden         = errors.New("role: forbidden by platform")
)

type Guild struct {
	ID      snowflake.ID
	OwnerID snowflake.ID
	Roles   []Role
}

type Role struct {
	ID          snowflake.ID
	Name        string
	Position    int
	Permissions int64
}

type Member struct {
	UserID        snowflake.ID
	Username      string
	Discriminator string
	DisplayName   string
	Roles         []snowflake.ID
}

// HasRole reports whether the member holds roleID.
func (m *Member) HasRole(roleID snowflake.ID) bool {
	return slices.Contains(m.Roles, roleID)
}

// Directory is the slice of the chat platform the synchronizer needs.
// Member looks in the local cache first and falls back to a direct fetch;
// a member that does not exist yields ErrMemberNotFound.
type Directory interface {
	Ready() bool
	BotUserID() snowflake.ID
	Guild(ctx context.Context, guildID snowflake.ID) (*Guild, error)
	Member(ctx context.Context, guildID, userID snowflake.ID) (*Member, error)
	AddRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error
	RemoveRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error
}

// Synchronizer keeps a single role in line with entitlement verdicts.
type Synchronizer struct {
	dir    Directory
	roleID snowflake.ID
	logger *slog.Logger
}

func NewSynchronizer(dir Directory, roleID snowflake.ID, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{dir: dir, roleID: roleID, logger: logger}
}

// target is a guild the bot has verified it can manage the role in.
type target struct {
	guild *Guild
	role  Role
}

// Preflight verifies the bot is ready, the guild resolves, the role exists
// and the bot may manage it.
func (s *Synchronizer) Preflight(ctx context.Context, guildID snowflake.ID) error {
	_, err := s.prepare(ctx, guildID)
	return err
}

func (s *Synchronizer) prepare(ctx context.Context, guildID snowflake.ID) (*target, error) {
	if !s.dir.Ready() {
		return nil, ErrNotReady
	}

	guild, err := s.dir.Guild(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("resolve guild %s: %w", guildID, err)
	}

	idx := slices.IndexFunc(guild.Roles, func(r Role) bool { return r.ID == s.roleID })
	if idx < 0 {
		return nil, fmt.Errorf("role %s in guild %s: %w", s.roleID, guildID, ErrRoleNotFound)
	}
	role := guild.Roles[idx]

	bot, err := s.dir.Member(ctx, guildID, s.dir.BotUserID())
	if err != nil {
		return nil, fmt.Errorf("resolve bot member: %w", err)
	}

	if Permissions(guild, bot)&PermissionManageRoles == 0 {
		return nil, ErrMissingPermission
	}
	if bot.UserID != guild.OwnerID && role.Position >= HighestPosition(guild, bot) {
		return nil, fmt.Errorf("role %q at position %d: %w", role.Name, role.Position, ErrRoleHierarchy)
	}

	return &target{guild: guild, role: role}, nil
}

// SetRole makes the member's role state match shouldHave. It returns true
// only when a grant or revoke was actually performed. A false result with a
// nil error means the member was already in the desired state or is not in
// the guild.
func (s *Synchronizer) SetRole(ctx context.Context, guildID, memberID snowflake.ID, shouldHave bool) (bool, error) {
	logger := s.logger.With("guild_id", guildID, "member_id", memberID, "role_id", s.roleID, auth.Attr(ctx))

	t, err := s.prepare(ctx, guildID)
	if err != nil {
		logger.Warn("role sync precondition failed", "error", err)
		return false, err
	}

	member, err := s.dir.Member(ctx, guildID, memberID)
	if errors.Is(err, ErrMemberNotFound) {
		logger.Debug("member not in guild, skipping role sync")
		return false, nil
	}
	if err != nil {
		logger.Warn("failed to resolve member", "error", err)
		return false, fmt.Errorf("resolve member %s: %w", memberID, err)
	}

	if member.HasRole(s.roleID) == shouldHave {
		return false, nil
	}

	if shouldHave {
		err = s.dir.AddRole(ctx, guildID, memberID, s.roleID)
	} else {
		err = s.dir.RemoveRole(ctx, guildID, memberID, s.roleID)
	}
	if err != nil {
		if errors.Is(err, ErrForbidden) {
			logger.Error("platform denied role change", "grant", shouldHave, "error", err)
		} else {
			logger.Error("role change failed", "grant", shouldHave, "error", err)
		}
		return false, err
	}

	if shouldHave {
		logger.Info("granted premium role", "role", t.role.Name)
	} else {
		logger.Info("revoked premium role", "role", t.role.Name)
	}
	return true, nil
}

// Permissions computes the guild-level permission bits of m. The guild owner
// and administrators hold every permission.
func Permissions(g *Guild, m *Member) int64 {
	const all int64 = -1
	if m.UserID == g.OwnerID {
		return all
	}

	var perms int64
	for _, r := range g.Roles {
		// @everyone shares the guild's id.
		if r.ID == g.ID || m.HasRole(r.ID) {
			perms |= r.Permissions
		}
	}
	if perms&PermissionAdministrator != 0 {
		return all
	}
	return perms
}

// HighestPosition returns the position of the member's top role.
func HighestPosition(g *Guild, m *Member) int {
	highest := 0
	for _, r := range g.Roles {
		if m.HasRole(r.ID) && r.Position > highest {
			highest = r.Position
		}
	}
	return highest
}
