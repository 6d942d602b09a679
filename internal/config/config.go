package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/joho/godotenv"
)

// Config holds runtime configuration read from the environment.
type Config struct {
	DiscordToken  string
	GuildID       snowflake.ID
	PremiumRoleID snowflake.ID
	OwnerIDs      []snowflake.ID
	AdminMode     bool

	GitHubToken  string
	GistID       string
	GistFilename string
	GitHubAPIURL string

	PatreonToken    string
	PatreonAPIURL   string
	PatreonPageURL  string
	MinPledgeCents  int
	PatreonPageSize int
	SyncInterval    time.Duration
	SyncOnStartup   bool

	DBPath     string
	HTTPPort   string
	AdminToken string
	LogLevel   string
	LogFormat  string
	// TrustedProxies are reverse proxies allowed to set X-Forwarded-For.
	TrustedProxies []netip.Prefix
}

// Load reads an optional .env file and then the process environment.
// Malformed values are errors; missing optional credentials are not and are
// reported by Warnings.
func Load() (Config, error) {
	// A missing .env file is the normal case in production.
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from the current process environment.
func FromEnv() (Config, error) {
	cfg := Config{
		DiscordToken:    os.Getenv("DISCORD_TOKEN"),
		AdminMode:       parseBool(getenv("ADMIN_MODE", "false")),
		GitHubToken:     os.Getenv("GITHUB_TOKEN"),
		GistID:          os.Getenv("GIST_ID"),
		GistFilename:    getenv("GIST_FILENAME", "premium_users.json"),
		GitHubAPIURL:    os.Getenv("GITHUB_API_URL"),
		PatreonToken:    os.Getenv("PATREON_CREATOR_ACCESS_TOKEN"),
		PatreonAPIURL:   getenv("PATREON_API_URL", "https://www.patreon.com/api/oauth2/v2"),
		PatreonPageURL:  os.Getenv("PATREON_PAGE_URL"),
		MinPledgeCents:  atoi(getenv("PATREON_MIN_PLEDGE_CENTS", "100"), 100),
		PatreonPageSize: atoi(getenv("PATREON_PAGE_SIZE", "25"), 25),
		SyncInterval:    parseDur(getenv("PATREON_SYNC_INTERVAL", "12h"), 12*time.Hour),
		SyncOnStartup:   parseBool(getenv("PATREON_SYNC_ON_STARTUP", "true")),
		DBPath:          getenv("PREMIUM_DB_PATH", "premium.db"),
		HTTPPort:        getenv("PREMIUM_HTTP_PORT", "8080"),
		AdminToken:      os.Getenv("PREMIUM_ADMIN_TOKEN"),
		LogLevel:        getenv("PREMIUM_LOG_LEVEL", "info"),
		LogFormat:       getenv("PREMIUM_LOG_FORMAT", "text"),
	}

	var errs []error
	var err error
	if cfg.GuildID, err = parseID("GUILD_ID"); err != nil {
		errs = append(errs, err)
	}
	if cfg.PremiumRoleID, err = parseID("PREMIUM_ROLE_ID"); err != nil {
		errs = append(errs, err)
	}
	if cfg.OwnerIDs, err = parseIDList("BOT_OWNER_IDS"); err != nil {
		errs = append(errs, err)
	}
	if cfg.TrustedProxies, err = parsePrefixList("PREMIUM_TRUSTED_PROXIES"); err != nil {
		errs = append(errs, err)
	}
	if cfg.DiscordToken == "" {
		errs = append(errs, errors.New("missing required env var: DISCORD_TOKEN"))
	}
	if cfg.MinPledgeCents < 0 {
		errs = append(errs, fmt.Errorf("PATREON_MIN_PLEDGE_CENTS must not be negative"))
	}
	if cfg.SyncInterval <= 0 {
		errs = append(errs, fmt.Errorf("PATREON_SYNC_INTERVAL must be positive"))
	}
	return cfg, errors.Join(errs...)
}

// GistConfigured reports whether the ledger can be persisted.
func (c Config) GistConfigured() bool {
	return c.GitHubToken != "" && c.GistID != ""
}

// PatreonConfigured reports whether patron sync can run.
func (c Config) PatreonConfigured() bool {
	return c.PatreonToken != ""
}

// Warnings lists non-fatal configuration gaps.
func (c Config) Warnings() []string {
	var w []string
	if !c.GistConfigured() {
		w = append(w, "GITHUB_TOKEN or GIST_ID not set; premium data will not be persistent")
	}
	if !c.PatreonConfigured() {
		w = append(w, "PATREON_CREATOR_ACCESS_TOKEN not set; Patreon sync will not work")
	}
	if c.GuildID == 0 {
		w = append(w, "GUILD_ID not set; scheduled sync cannot update roles")
	}
	if c.PremiumRoleID == 0 {
		w = append(w, "PREMIUM_ROLE_ID not set; role updates are disabled")
	}
	if len(c.OwnerIDs) == 0 {
		w = append(w, "BOT_OWNER_IDS not set; owner commands are unavailable")
	}
	if c.AdminToken == "" {
		w = append(w, "PREMIUM_ADMIN_TOKEN not set; POST /api/sync is disabled")
	}
	return w
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func atoi(s string, def int) int {
	i, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return i
}

func parseDur(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return d
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	return err == nil && b
}

func parseID(key string) (snowflake.ID, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	id, err := snowflake.ParseString(v)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id for %s: %q", key, v)
	}
	return id, nil
}

func parseIDList(key string) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	for _, p := range strings.Split(os.Getenv(key), ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := snowflake.ParseString(p)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid id in %s: %q", key, p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// parsePrefixList reads a comma separated list of CIDRs or bare addresses.
func parsePrefixList(key string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, p := range strings.Split(os.Getenv(key), ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if prefix, err := netip.ParsePrefix(p); err == nil {
			out = append(out, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(p)
		if err != nil {
			return nil, fmt.Errorf("invalid address in %s: %q", key, p)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
