package auth

import (
	"context"
	"log/slog"

	"github.com/bwmarrin/snowflake"
)

type contextKey struct{}

// Caller identifies who invoked a command and where.
type Caller struct {
	UserID  snowflake.ID
	GuildID snowflake.ID // zero in direct messages
	Name    string
}

func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

func FromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(contextKey{}).(Caller)
	return c, ok
}

// Attr describes the invoking caller for log records. Work that was not
// started by a command, such as a scheduled pass, is tagged "system".
func Attr(ctx context.Context) slog.Attr {
	c, ok := FromContext(ctx)
	if !ok {
		return slog.String("invoked_by", "system")
	}
	return slog.Group("invoked_by",
		slog.String("user_id", c.UserID.String()),
		slog.String("guild_id", c.GuildID.String()),
	)
}
