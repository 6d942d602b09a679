// Package discord adapts a discordgo session to the role and command layers.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/bwmarrin/snowflake"
	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"

	"github.com/dukerupert/premiumsync/internal/model"
	"github.com/dukerupert/premiumsync/internal/role"
)

// ErrUserNotFound is returned when a user id does not resolve.
var ErrUserNotFound = errors.New("discord: user not found")

// Session wraps the gateway connection and tracks readiness.
type Session struct {
	dg     *discordgo.Session
	ready  atomic.Bool
	readyC chan struct{}
	logger *slog.Logger
}

// New creates a bot session. It does not connect.
func New(token string, logger *slog.Logger) (*Session, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers
	dg.State.TrackRoles = true
	dg.State.TrackMembers = true

	s := &Session{dg: dg, readyC: make(chan struct{}), logger: logger}
	dg.AddHandlerOnce(func(_ *discordgo.Session, r *discordgo.Ready) {
		close(s.readyC)
	})
	dg.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		s.ready.Store(true)
		logger.Info("discord gateway ready", "user", r.User.Username, "guilds", len(r.Guilds))
	})
	dg.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		s.ready.Store(true)
		logger.Info("discord gateway resumed")
	})
	dg.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		s.ready.Store(false)
		logger.Warn("discord gateway disconnected")
	})
	return s, nil
}

// Raw returns the underlying discordgo session.
func (s *Session) Raw() *discordgo.Session {
	return s.dg
}

// Open connects to the gateway, retrying with exponential backoff.
func (s *Session) Open(ctx context.Context) error {
	backoff := retry.WithMaxRetries(5, retry.NewExponential(time.Second))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := s.dg.Open(); err != nil {
			s.logger.Warn("discord gateway connect failed, retrying", "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
}

// WaitReady blocks until the first Ready event or ctx is done.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.readyC:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects from the gateway.
func (s *Session) Close() error {
	s.ready.Store(false)
	return s.dg.Close()
}

func (s *Session) Ready() bool {
	return s.ready.Load()
}

func (s *Session) BotUserID() snowflake.ID {
	if s.dg.State == nil || s.dg.State.User == nil {
		return 0
	}
	id, _ := snowflake.ParseString(s.dg.State.User.ID)
	return id
}

func (s *Session) Guild(ctx context.Context, guildID snowflake.ID) (*role.Guild, error) {
	g, err := s.dg.State.Guild(guildID.String())
	if err != nil {
		g, err = s.dg.Guild(guildID.String(), discordgo.WithContext(ctx))
		if err != nil {
			return nil, classify(err, role.ErrGuildNotFound)
		}
	}
	return toGuild(g), nil
}

func (s *Session) Member(ctx context.Context, guildID, userID snowflake.ID) (*role.Member, error) {
	m, err := s.dg.State.Member(guildID.String(), userID.String())
	if err != nil {
		m, err = s.dg.GuildMember(guildID.String(), userID.String(), discordgo.WithContext(ctx))
		if err != nil {
			return nil, classify(err, role.ErrMemberNotFound)
		}
	}
	return toMember(m), nil
}

func (s *Session) AddRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error {
	err := s.dg.GuildMemberRoleAdd(guildID.String(), userID.String(), roleID.String(), discordgo.WithContext(ctx))
	return classify(err, role.ErrMemberNotFound)
}

func (s *Session) RemoveRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error {
	err := s.dg.GuildMemberRoleRemove(guildID.String(), userID.String(), roleID.String(), discordgo.WithContext(ctx))
	return classify(err, role.ErrMemberNotFound)
}

// User looks a user up, preferring a cached guild member in guildID.
func (s *Session) User(ctx context.Context, guildID, userID snowflake.ID) (model.Profile, error) {
	if guildID != 0 {
		if m, err := s.dg.State.Member(guildID.String(), userID.String()); err == nil && m.User != nil {
			p := ProfileFromUser(m.User)
			if m.Nick != "" {
				p.DisplayName = m.Nick
			}
			return p, nil
		}
	}
	u, err := s.dg.User(userID.String(), discordgo.WithContext(ctx))
	if err != nil {
		return model.Profile{}, classify(err, ErrUserNotFound)
	}
	return ProfileFromUser(u), nil
}

// RegisterCommands replaces the application's global commands.
func (s *Session) RegisterCommands(cmds []*discordgo.ApplicationCommand) error {
	if s.dg.State.User == nil {
		return errors.New("register commands: session not ready")
	}
	_, err := s.dg.ApplicationCommandBulkOverwrite(s.dg.State.User.ID, "", cmds)
	if err != nil {
		return fmt.Errorf("register commands: %w", err)
	}
	return nil
}

// Shutdown closes the session and reports every error met on the way.
func (s *Session) Shutdown(cleanups ...func() error) error {
	var err error
	for _, fn := range cleanups {
		err = multierr.Append(err, fn())
	}
	return multierr.Append(err, s.Close())
}

// classify maps platform errors onto the role sentinels. notFound is used
// for 404 responses and unknown-entity codes.
func classify(err error, notFound error) error {
	if err == nil {
		return nil
	}
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) {
		return err
	}
	if rest.Message != nil {
		switch rest.Message.Code {
		case discordgo.ErrCodeUnknownMember, discordgo.ErrCodeUnknownUser, discordgo.ErrCodeUnknownGuild:
			return fmt.Errorf("%w: %w", notFound, err)
		case discordgo.ErrCodeMissingPermissions:
			return fmt.Errorf("%w: %w", role.ErrForbidden, err)
		}
	}
	if rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %w", notFound, err)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %w", role.ErrForbidden, err)
		}
	}
	return err
}
