// Package entitlement merges the manually administered ledger with the
// patron roster and drives the premium role from the result.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"

	"github.com/dukerupert/premiumsync/internal/auth"
	"github.com/dukerupert/premiumsync/internal/logging"
	"github.com/dukerupert/premiumsync/internal/model"
)

// MaxGrantDays bounds the length of a time-boxed manual grant.
const MaxGrantDays = 365

var (
	ErrSyncUnavailable    = errors.New("sync unavailable")
	ErrLedgerUnavailable  = errors.New("ledger unavailable")
	ErrGuildNotConfigured = errors.New("premium guild is not configured")
	ErrInvalidUserID      = errors.New("invalid user id")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrDaysOutOfRange     = fmt.Errorf("days must be between 1 and %d", MaxGrantDays)
)

// LedgerStore persists the full ledger. Load may return a usable empty
// ledger together with an error when the backend is degraded.
type LedgerStore interface {
	Load(ctx context.Context) (*model.Ledger, error)
	Save(ctx context.Context, l *model.Ledger) error
}

// PatronSource returns the whole patron roster or an error, never a part.
type PatronSource interface {
	FetchAll(ctx context.Context) ([]model.Patron, error)
}

// RoleSetter applies entitlement verdicts to the premium role.
type RoleSetter interface {
	Preflight(ctx context.Context, guildID snowflake.ID) error
	SetRole(ctx context.Context, guildID, memberID snowflake.ID, shouldHave bool) (bool, error)
}

// ReportCallback is called with the outcome of every sync pass.
type ReportCallback func(run model.SyncRun)

// Engine runs every ledger transaction. Each one reloads the ledger from the
// store, mutates it and writes the full snapshot back while holding mu, so
// passes and commands never interleave. Reads do not take mu.
type Engine struct {
	mu      sync.Mutex
	store   LedgerStore
	patrons PatronSource
	roles   RoleSetter
	guildID snowflake.ID
	logger  *slog.Logger

	// stateMu guards the fields below.
	stateMu   sync.Mutex
	lastSync  *model.SyncRun
	callbacks []ReportCallback
	now       func() time.Time
}

func NewEngine(store LedgerStore, patrons PatronSource, roles RoleSetter, guildID snowflake.ID, logger *slog.Logger) *Engine {
	return &Engine{
		store:   store,
		patrons: patrons,
		roles:   roles,
		guildID: guildID,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock overrides the engine's time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.stateMu.Lock()
	e.now = now
	e.stateMu.Unlock()
}

// OnReport registers a callback for sync reports.
func (e *Engine) OnReport(cb ReportCallback) {
	e.stateMu.Lock()
	e.callbacks = append(e.callbacks, cb)
	e.stateMu.Unlock()
}

// LastSync returns the most recent completed pass, if any.
func (e *Engine) LastSync() *model.SyncRun {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.lastSync == nil {
		return nil
	}
	run := *e.lastSync
	return &run
}

// RestoreLastSync seeds LastSync from history recorded by a previous
// process. It does nothing once a pass has completed here.
func (e *Engine) RestoreLastSync(run *model.SyncRun) {
	if run == nil {
		return
	}
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.lastSync == nil {
		r := *run
		e.lastSync = &r
	}
}

func (e *Engine) clock() time.Time {
	e.stateMu.Lock()
	now := e.now
	e.stateMu.Unlock()
	return now().UTC()
}

// Sync runs one full pass over the ledger. When the guild cannot be managed
// or the roster is unavailable the pass is skipped and nothing is written.
func (e *Engine) Sync(ctx context.Context, trigger model.SyncTrigger) (model.SyncRun, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	run := model.SyncRun{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		StartedAt: e.clock(),
	}
	logger := e.logger.With("run_id", run.ID, "trigger", trigger)
	logger.Info("starting patron sync")

	err := e.sync(ctx, logger, &run)
	run.FinishedAt = e.clock()
	switch {
	case err == nil:
		run.Status = model.SyncStatusCompleted
		completed := run
		e.stateMu.Lock()
		e.lastSync = &completed
		e.stateMu.Unlock()
		logger.Info("patron sync completed",
			"patrons", run.Patrons,
			"evaluated", run.Evaluated,
			"granted", run.Granted,
			"revoked", run.Revoked,
			"removed", run.Removed,
			"cleared", run.Cleared,
			"role_errors", run.RoleErrors,
			"duration", run.Duration(),
		)
	case errors.Is(err, ErrSyncUnavailable):
		run.Status = model.SyncStatusSkipped
		run.Reason = err.Error()
		logger.Warn("patron sync skipped", "reason", run.Reason)
	default:
		run.Status = model.SyncStatusFailed
		run.Reason = err.Error()
		logger.Error("patron sync failed", "error", err)
	}

	e.stateMu.Lock()
	callbacks := e.callbacks
	e.stateMu.Unlock()
	for _, cb := range callbacks {
		cb(run)
	}
	return run, err
}

func (e *Engine) sync(ctx context.Context, logger *slog.Logger, run *model.SyncRun) error {
	if e.guildID == 0 {
		return fmt.Errorf("%w: %w", ErrSyncUnavailable, ErrGuildNotConfigured)
	}
	if err := e.roles.Preflight(ctx, e.guildID); err != nil {
		return fmt.Errorf("%w: %w", ErrSyncUnavailable, err)
	}

	patrons, err := e.patrons.FetchAll(ctx)
	if err != nil {
		return fmt.Errorf("%w: fetch patrons: %w", ErrSyncUnavailable, err)
	}
	if len(patrons) == 0 {
		return fmt.Errorf("%w: patron roster is empty", ErrSyncUnavailable)
	}
	run.Patrons = len(patrons)
	index := indexPatrons(patrons)

	l, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}

	now := e.clock()
	for _, id := range l.IDs() {
		rec, _ := l.Get(id)
		match := MatchUnknown
		if rec.Linked() {
			match = MatchInactive
			if p, ok := index[rec.PatreonEmail]; ok && p.Active {
				match = MatchActive
			}
		}

		v := Resolve(rec, now, match)
		run.Evaluated++
		switch v.Action {
		case ClearExpiry:
			l.Set(id, v.Record)
			run.Cleared++
		case Remove:
			l.Delete(id)
			run.Removed++
		}
		logger.Debug("resolved entitlement", "user_id", id, "entitled", v.Entitled, "action", v.Action)

		// The ledger records entitlement, not role state, so a failed role
		// change does not undo the mutation above.
		changed, err := e.roles.SetRole(ctx, e.guildID, id, v.Entitled)
		switch {
		case err != nil:
			run.RoleErrors++
		case changed && v.Entitled:
			run.Granted++
		case changed:
			run.Revoked++
		}
	}

	if err := e.store.Save(ctx, l); err != nil {
		return fmt.Errorf("%w: save: %w", ErrLedgerUnavailable, err)
	}
	return nil
}

// indexPatrons keys the roster by lower-cased e-mail. If an address appears
// more than once an active entry wins.
func indexPatrons(patrons []model.Patron) map[string]model.Patron {
	index := make(map[string]model.Patron, len(patrons))
	for _, p := range patrons {
		email := strings.ToLower(strings.TrimSpace(p.Email))
		if email == "" {
			continue
		}
		if prev, ok := index[email]; ok && prev.Active {
			continue
		}
		index[email] = p
	}
	return index
}

// Status is what a single-user read found.
type Status struct {
	Found    bool
	Entitled bool
	// Expired is set when the read found a lapsed manual grant and removed it.
	Expired bool
	Record  model.Entitlement
}

// Info resolves one user's entry without waiting for a running transaction.
// guildID is where a lapsed grant's role is revoked; zero means the
// configured premium guild. A ledger that fails to load is treated as empty.
func (e *Engine) Info(ctx context.Context, guildID, userID snowflake.ID) (Status, error) {
	l, err := e.store.Load(ctx)
	if err != nil {
		e.logger.Warn("ledger load failed, treating as empty", "error", err)
		return Status{}, fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}

	rec, ok := l.Get(userID)
	if !ok {
		return Status{}, nil
	}

	v := Resolve(rec, e.clock(), MatchUnknown)
	st := Status{Found: true, Entitled: v.Entitled, Record: v.Record}
	if v.Action == Remove {
		st.Expired = true
		e.expire(ctx, guildID, userID)
	}
	return st, nil
}

// expire removes a lapsed manual grant and revokes its role. If another
// transaction holds the ledger the removal is left to the next read or pass.
func (e *Engine) expire(ctx context.Context, guildID, userID snowflake.ID) {
	if !e.mu.TryLock() {
		e.logger.Debug("ledger busy, deferring expiry", "user_id", userID)
		return
	}
	defer e.mu.Unlock()

	l, err := e.loadForWrite(ctx)
	if err != nil {
		e.logger.Error("failed to reload ledger for expiry", "user_id", userID, "error", err)
		return
	}
	rec, ok := l.Get(userID)
	if !ok || Resolve(rec, e.clock(), MatchUnknown).Action != Remove {
		return
	}

	l.Delete(userID)
	e.logger.Info("manual premium grant expired", "user_id", userID)
	if err := e.save(ctx, l); err != nil {
		e.logger.Error("failed to save ledger after expiry", "user_id", userID, "error", err)
	}

	if g := e.roleGuild(guildID); g != 0 {
		// Errors are logged by the role setter.
		_, _ = e.roles.SetRole(ctx, g, userID, false)
	}
}

func (e *Engine) roleGuild(guildID snowflake.ID) snowflake.ID {
	if guildID != 0 {
		return guildID
	}
	return e.guildID
}

// Change describes a manual ledger edit and its role side effect.
type Change struct {
	Record model.Entitlement
	// RoleSkipped is set when there was no guild to apply the role in.
	RoleSkipped bool
	RoleChanged bool
	RoleErr     error
}

// Link attaches a patron e-mail to the user's entry, creating it if needed,
// and clears any manual expiry. The role follows on the next sync pass.
func (e *Engine) Link(ctx context.Context, profile model.Profile, email string) (model.Entitlement, error) {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return model.Entitlement{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	l, err := e.loadForWrite(ctx)
	if err != nil {
		return model.Entitlement{}, err
	}

	rec, _ := l.Get(profile.ID)
	profile.Apply(&rec)
	rec.PatreonEmail = normalized
	rec.ExpiresAt = nil
	rec.LapsedAt = nil
	l.Set(profile.ID, rec)

	if err := e.save(ctx, l); err != nil {
		return model.Entitlement{}, err
	}
	e.logger.Info("linked patreon email", "user_id", profile.ID, logging.Email(normalized), auth.Attr(ctx))
	return rec, nil
}

// Grant gives the user a manual grant of days days, or an indefinite one when
// days is zero. Any linkage is dropped. The role is granted in guildID; zero
// skips the role step.
func (e *Engine) Grant(ctx context.Context, guildID snowflake.ID, profile model.Profile, days int) (Change, error) {
	if days < 0 || days > MaxGrantDays {
		return Change{}, ErrDaysOutOfRange
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	l, err := e.loadForWrite(ctx)
	if err != nil {
		return Change{}, err
	}

	rec, _ := l.Get(profile.ID)
	profile.Apply(&rec)
	rec.PatreonEmail = ""
	rec.LapsedAt = nil
	rec.ExpiresAt = nil
	if days > 0 {
		exp := e.clock().Add(time.Duration(days) * 24 * time.Hour)
		rec.ExpiresAt = &exp
	}
	l.Set(profile.ID, rec)

	if err := e.save(ctx, l); err != nil {
		return Change{}, err
	}
	e.logger.Info("granted premium", "user_id", profile.ID, "days", days, auth.Attr(ctx))

	ch := Change{Record: rec}
	if guildID == 0 {
		ch.RoleSkipped = true
		return ch, nil
	}
	ch.RoleChanged, ch.RoleErr = e.roles.SetRole(ctx, guildID, profile.ID, true)
	return ch, nil
}

// Revoke removes the user's entry and the role in guildID. It reports false
// when the user had no entry.
func (e *Engine) Revoke(ctx context.Context, guildID, userID snowflake.ID) (bool, Change, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, err := e.loadForWrite(ctx)
	if err != nil {
		return false, Change{}, err
	}

	rec, ok := l.Get(userID)
	if !ok {
		return false, Change{}, nil
	}
	l.Delete(userID)

	if err := e.save(ctx, l); err != nil {
		return false, Change{}, err
	}
	e.logger.Info("revoked premium", "user_id", userID, auth.Attr(ctx))

	ch := Change{Record: rec}
	if guildID == 0 {
		ch.RoleSkipped = true
		return true, ch, nil
	}
	ch.RoleChanged, ch.RoleErr = e.roles.SetRole(ctx, guildID, userID, false)
	return true, ch, nil
}

// loadForWrite refuses to build on a ledger that failed to load, since the
// save would overwrite the stored document with a partial one.
func (e *Engine) loadForWrite(ctx context.Context) (*model.Ledger, error) {
	l, err := e.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}
	return l, nil
}

func (e *Engine) save(ctx context.Context, l *model.Ledger) error {
	if err := e.store.Save(ctx, l); err != nil {
		return fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}
	return nil
}

// ParseUserID parses a decimal platform user id.
func ParseUserID(s string) (snowflake.ID, error) {
	s = strings.TrimSpace(s)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidUserID, s)
	}
	return snowflake.ID(n), nil
}

// NormalizeEmail validates a bare e-mail address and lower-cases it.
func NormalizeEmail(s string) (string, error) {
	s = strings.TrimSpace(s)
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s || addr.Name != "" {
		return "", ErrInvalidEmail
	}
	return strings.ToLower(s), nil
}
