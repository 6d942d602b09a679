package auth

import (
	"context"
	"log/slog"
	"testing"
)

func TestWithCallerAndFromContext(t *testing.T) {
	c := Caller{
		UserID:  1,
		GuildID: 2,
		Name:    "alice",
	}

	ctx := WithCaller(context.Background(), c)
	got, ok := FromContext(ctx)
	if !ok {
		t.Fatal("expected Caller in context")
	}
	if got.UserID != 1 {
		t.Errorf("UserID = %d, want 1", got.UserID)
	}
	if got.GuildID != 2 {
		t.Errorf("GuildID = %d, want 2", got.GuildID)
	}
	if got.Name != "alice" {
		t.Errorf("Name = %q, want %q", got.Name, "alice")
	}
}

func TestFromContextMissing(t *testing.T) {
	_, ok := FromContext(context.Background())
	if ok {
		t.Error("expected false for missing Caller")
	}
}

func TestAttrWithoutCaller(t *testing.T) {
	a := Attr(context.Background())
	if a.Key != "invoked_by" || a.Value.String() != "system" {
		t.Errorf("Attr = %v, want invoked_by=system", a)
	}
}

func TestAttrWithCaller(t *testing.T) {
	ctx := WithCaller(context.Background(), Caller{UserID: 5, GuildID: 9})
	a := Attr(ctx)
	if a.Value.Kind() != slog.KindGroup {
		t.Fatalf("Attr kind = %v, want group", a.Value.Kind())
	}
	got := map[string]string{}
	for _, ga := range a.Value.Group() {
		got[ga.Key] = ga.Value.String()
	}
	if got["user_id"] != "5" || got["guild_id"] != "9" {
		t.Errorf("Attr group = %v", got)
	}
}
