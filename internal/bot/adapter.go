package bot

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/dukerupert/premiumsync/internal/auth"
	"github.com/dukerupert/premiumsync/internal/discord"
)

const interactionTimeout = 2 * time.Minute

// InteractionHandler returns a discordgo handler that routes slash
// commands to h. Slow commands are deferred so long syncs fit.
func (h *Handler) InteractionHandler(base context.Context) func(*discordgo.Session, *discordgo.InteractionCreate) {
	return func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		data := i.ApplicationCommandData()
		if _, ok := commandSpecs[data.Name]; !ok {
			return
		}

		req := requestFromInteraction(i)
		ctx, cancel := context.WithTimeout(auth.WithCaller(base, req.Caller), interactionTimeout)
		defer cancel()

		// Quick commands answer directly so the reply visibility can follow
		// the outcome.
		if !commandSpecs[data.Name].deferred {
			reply := h.Handle(ctx, req)
			err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Embeds: []*discordgo.MessageEmbed{reply.Embed()},
					Flags:  reply.flags(),
				},
			})
			if err != nil {
				h.logger.Error("respond to interaction failed", "command", data.Name, "error", err)
			}
			return
		}

		err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
		})
		if err != nil {
			h.logger.Error("defer interaction failed", "command", data.Name, "error", err)
			return
		}

		reply := h.Handle(ctx, req)
		if _, err := s.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
			Embeds: []*discordgo.MessageEmbed{reply.Embed()},
			Flags:  discordgo.MessageFlagsEphemeral,
		}); err != nil {
			h.logger.Error("send followup failed", "command", data.Name, "error", err)
		}
	}
}

func (r Reply) flags() discordgo.MessageFlags {
	if r.Public {
		return 0
	}
	return discordgo.MessageFlagsEphemeral
}

// Embed renders the reply for Discord.
func (r Reply) Embed() *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Title:       r.Title,
		Description: r.Description,
		Color:       r.Color,
	}
	for _, f := range r.Fields {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value})
	}
	return e
}

func requestFromInteraction(i *discordgo.InteractionCreate) Request {
	data := i.ApplicationCommandData()
	req := Request{Command: data.Name, Args: optionArgs(data.Options)}

	var u *discordgo.User
	nick := ""
	if i.Member != nil {
		u = i.Member.User
		nick = i.Member.Nick
		req.Caller.GuildID = discord.ParseID(i.GuildID)
	} else {
		u = i.User
	}
	if u != nil {
		req.Caller.UserID = discord.ParseID(u.ID)
		req.Profile = discord.ProfileFromUser(u)
		if nick != "" {
			req.Profile.DisplayName = nick
		}
		req.Caller.Name = req.Profile.DisplayName
	}
	return req
}

func optionArgs(opts []*discordgo.ApplicationCommandInteractionDataOption) map[string]any {
	args := make(map[string]any, len(opts))
	for _, o := range opts {
		switch o.Type {
		case discordgo.ApplicationCommandOptionInteger:
			args[o.Name] = o.IntValue()
		case discordgo.ApplicationCommandOptionString:
			args[o.Name] = o.StringValue()
		case discordgo.ApplicationCommandOptionBoolean:
			args[o.Name] = o.BoolValue()
		}
	}
	return args
}
