package discord

import (
	"github.com/bwmarrin/discordgo"
	"github.com/bwmarrin/snowflake"

	"github.com/dukerupert/premiumsync/internal/model"
	"github.com/dukerupert/premiumsync/internal/role"
)

// ParseID parses a snowflake string, returning 0 when malformed.
func ParseID(s string) snowflake.ID {
	id, err := snowflake.ParseString(s)
	if err != nil {
		return 0
	}
	return id
}

func toGuild(g *discordgo.Guild) *role.Guild {
	out := &role.Guild{
		ID:      ParseID(g.ID),
		OwnerID: ParseID(g.OwnerID),
		Roles:   make([]role.Role, 0, len(g.Roles)),
	}
	for _, r := range g.Roles {
		out.Roles = append(out.Roles, role.Role{
			ID:          ParseID(r.ID),
			Name:        r.Name,
			Position:    r.Position,
			Permissions: r.Permissions,
		})
	}
	return out
}

func toMember(m *discordgo.Member) *role.Member {
	out := &role.Member{Roles: make([]snowflake.ID, 0, len(m.Roles))}
	for _, r := range m.Roles {
		out.Roles = append(out.Roles, ParseID(r))
	}
	if m.User != nil {
		p := ProfileFromUser(m.User)
		out.UserID = p.ID
		out.Username = p.Username
		out.Discriminator = p.Discriminator
		out.DisplayName = p.DisplayName
	}
	if m.Nick != "" {
		out.DisplayName = m.Nick
	}
	return out
}

// ProfileFromUser prefers the global display name over the username.
func ProfileFromUser(u *discordgo.User) model.Profile {
	display := u.GlobalName
	if display == "" {
		display = u.Username
	}
	return model.Profile{
		ID:            ParseID(u.ID),
		Username:      u.Username,
		Discriminator: u.Discriminator,
		DisplayName:   display,
	}
}
