package entitlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/premiumsync/internal/ledger"
	"github.com/dukerupert/premiumsync/internal/model"
)

const testGuild snowflake.ID = 77

type fakePatrons struct {
	patrons []model.Patron
	err     error
	calls   int
}

func (f *fakePatrons) FetchAll(context.Context) ([]model.Patron, error) {
	f.calls++
	return f.patrons, f.err
}

type roleCall struct {
	guild snowflake.ID
	user  snowflake.ID
	grant bool
}

type fakeRoles struct {
	preflightErr error
	holders      map[snowflake.ID]bool
	failFor      map[snowflake.ID]bool
	calls        []roleCall

	// When release is set every SetRole signals entered and waits on it.
	entered chan struct{}
	release chan struct{}
}

func newFakeRoles() *fakeRoles {
	return &fakeRoles{holders: map[snowflake.ID]bool{}, failFor: map[snowflake.ID]bool{}}
}

func (f *fakeRoles) Preflight(context.Context, snowflake.ID) error {
	return f.preflightErr
}

func (f *fakeRoles) SetRole(_ context.Context, guildID, memberID snowflake.ID, shouldHave bool) (bool, error) {
	if f.release != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
		<-f.release
	}
	f.calls = append(f.calls, roleCall{guild: guildID, user: memberID, grant: shouldHave})
	if f.failFor[memberID] {
		return false, errors.New("missing permissions")
	}
	if f.holders[memberID] == shouldHave {
		return false, nil
	}
	f.holders[memberID] = shouldHave
	return true, nil
}

// failingStore fails every Load and counts saves.
type failingStore struct{ saves int }

func (s *failingStore) Load(context.Context) (*model.Ledger, error) {
	return model.NewLedger(), errors.New("gist unreachable")
}

func (s *failingStore) Save(context.Context, *model.Ledger) error {
	s.saves++
	return nil
}

// saveFailingStore loads normally and rejects every save.
type saveFailingStore struct {
	*ledger.MemoryStore
}

func (s *saveFailingStore) Save(context.Context, *model.Ledger) error {
	return errors.New("gist rejected patch")
}

type harness struct {
	store   *ledger.MemoryStore
	patrons *fakePatrons
	roles   *fakeRoles
	engine  *Engine
}

func newHarness(t *testing.T, doc string) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := func() time.Time { return now }

	store := ledger.NewMemoryStore(logger)
	store.SetClock(clock)
	if doc != "" {
		store.SetDocument([]byte(doc))
	}

	h := &harness{
		store:   store,
		patrons: &fakePatrons{},
		roles:   newFakeRoles(),
	}
	h.engine = NewEngine(store, h.patrons, h.roles, testGuild, logger)
	h.engine.SetClock(clock)
	return h
}

func (h *harness) load(t *testing.T) *model.Ledger {
	t.Helper()
	l, err := h.store.Load(context.Background())
	require.NoError(t, err)
	return l
}

func someoneElse() []model.Patron {
	return []model.Patron{{Email: "other@x.com", Active: true}}
}

func TestSyncRemovesExpiredManualGrant(t *testing.T) {
	h := newHarness(t, `{"1": {"username": "u1", "expiration_date": "2026-03-09T12:00:00+00:00"}}`)
	h.roles.holders[1] = true
	h.patrons.patrons = someoneElse()

	run, err := h.engine.Sync(context.Background(), model.SyncTriggerCommand)
	require.NoError(t, err)

	assert.Equal(t, 0, h.load(t).Len())
	assert.Equal(t, []roleCall{{guild: testGuild, user: 1, grant: false}}, h.roles.calls)
	assert.Equal(t, model.SyncStatusCompleted, run.Status)
	assert.Equal(t, 1, run.Removed)
	assert.Equal(t, 1, run.Revoked)
	assert.Equal(t, 0, run.Granted)
}

func TestSyncKeepsLinkedActivePatron(t *testing.T) {
	doc := `{"2": {"username": "u2", "patreon_email": "a@x.com", "expiration_date": null}}`
	h := newHarness(t, doc)
	h.patrons.patrons = []model.Patron{{Email: "a@x.com", Active: true}}

	run, err := h.engine.Sync(context.Background(), model.SyncTriggerScheduled)
	require.NoError(t, err)

	rec, ok := h.load(t).Get(2)
	require.True(t, ok)
	assert.Equal(t, "a@x.com", rec.PatreonEmail)
	assert.Nil(t, rec.ExpiresAt)
	assert.Equal(t, []roleCall{{guild: testGuild, user: 2, grant: true}}, h.roles.calls)
	assert.Equal(t, 1, run.Granted)
	assert.Equal(t, 0, run.Cleared)

	// Role already present: nothing changes on the second pass.
	run, err = h.engine.Sync(context.Background(), model.SyncTriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, 0, run.Granted)
}

func TestSyncClearsResidualExpiryForActivePatron(t *testing.T) {
	h := newHarness(t, `{"2": {"patreon_email": "a@x.com", "expiration_date": "2026-04-01T00:00:00+00:00"}}`)
	h.patrons.patrons = []model.Patron{{Email: "A@X.com", Active: true}}

	run, err := h.engine.Sync(context.Background(), model.SyncTriggerCommand)
	require.NoError(t, err)

	rec, ok := h.load(t).Get(2)
	require.True(t, ok)
	assert.Nil(t, rec.ExpiresAt)
	assert.Equal(t, 1, run.Cleared)
}

func TestSyncRemovesLinkedWithoutActivePatron(t *testing.T) {
	doc := `{
		"3": {"patreon_email": "gone@x.com"},
		"4": {"patreon_email": "lapsed@x.com", "expiration_date": "2027-01-01T00:00:00+00:00"}
	}`
	h := newHarness(t, doc)
	h.roles.holders[3] = true
	h.patrons.patrons = []model.Patron{{Email: "lapsed@x.com", Active: false}}

	run, err := h.engine.Sync(context.Background(), model.SyncTriggerCommand)
	require.NoError(t, err)

	assert.Equal(t, 0, h.load(t).Len())
	assert.Equal(t, []roleCall{
		{guild: testGuild, user: 3, grant: false},
		{guild: testGuild, user: 4, grant: false},
	}, h.roles.calls)
	assert.Equal(t, 2, run.Removed)
	assert.Equal(t, 1, run.Revoked)
}

func TestSyncKeepsFutureAndIndefiniteGrants(t *testing.T) {
	doc := `{
		"5": {"username": "later", "expiration_date": "2026-06-01T00:00:00+00:00"},
		"6": {"username": "forever"}
	}`
	h := newHarness(t, doc)
	h.patrons.patrons = someoneElse()

	_, err := h.engine.Sync(context.Background(), model.SyncTriggerCommand)
	require.NoError(t, err)
	first := h.store.Document()

	_, err = h.engine.Sync(context.Background(), model.SyncTriggerCommand)
	require.NoError(t, err)

	// No external change: no ledger delta.
	assert.Equal(t, string(first), string(h.store.Document()))
	l := h.load(t)
	assert.Equal(t, []snowflake.ID{5, 6}, l.IDs())
	rec, _ := l.Get(5)
	require.NotNil(t, rec.ExpiresAt)
	assert.Equal(t, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), *rec.ExpiresAt)
}

func TestSyncEvaluatesInLedgerOrder(t *testing.T) {
	h := newHarness(t, `{"30": {}, "10": {}, "20": {}}`)
	h.patrons.patrons = someoneElse()

	_, err := h.engine.Sync(context.Background(), model.SyncTriggerCommand)
	require.NoError(t, err)

	var order []snowflake.ID
	for _, c := range h.roles.calls {
		order = append(order, c.user)
	}
	assert.Equal(t, []snowflake.ID{30, 10, 20}, order)
}

func TestSyncContinuesPastRoleFailures(t *testing.T) {
	h := newHarness(t, `{"1": {"expiration_date": "2020-01-01T00:00:00+00:00"}, "2": {}}`)
	h.roles.failFor[1] = true
	h.patrons.patrons = someoneElse()

	run, err := h.engine.Sync(context.Background(), model.SyncTriggerCommand)
	require.NoError(t, err)

	assert.Equal(t, 1, run.RoleErrors)
	assert.Equal(t, 1, run.Granted)
	// The ledger records entitlement even though the revoke failed.
	assert.Equal(t, []snowflake.ID{2}, h.load(t).IDs())
}

func TestSyncAbortsOnEmptyRoster(t *testing.T) {
	doc := `{"1": {"expiration_date": "2020-01-01T00:00:00+00:00"}}`
	h := newHarness(t, doc)

	run, err := h.engine.Sync(context.Background(), model.SyncTriggerCommand)
	require.ErrorIs(t, err, ErrSyncUnavailable)

	assert.Equal(t, model.SyncStatusSkipped, run.Status)
	assert.Equal(t, doc, string(h.store.Document()))
	assert.Equal(t, 0, h.store.Saves())
	assert.Empty(t, h.roles.calls)
	assert.Nil(t, h.engine.LastSync())
}

func TestSyncAbortsOnFetchError(t *testing.T) {
	h := newHarness(t, `{"1": {}}`)
	h.patrons.err = errors.New("401 unauthorized")

	run, err := h.engine.Sync(context.Background(), model.SyncTriggerCommand)
	require.ErrorIs(t, err, ErrSyncUnavailable)
	assert.Equal(t, model.SyncStatusSkipped, run.Status)
	assert.Equal(t, 0, h.store.Saves())
	assert.Empty(t, h.roles.calls)
}

func TestSyncSkippedWhenPreflightFails(t *testing.T) {
	h := newHarness(t, `{"1": {}}`)
	h.roles.preflightErr = errors.New("bot lacks manage roles permission")
	h.patrons.patrons = someoneElse()

	run, err := h.engine.Sync(context.Background(), model.SyncTriggerCommand)
	require.ErrorIs(t, err, ErrSyncUnavailable)
	assert.Equal(t, model.SyncStatusSkipped, run.Status)
	assert.Contains(t, run.Reason, "manage roles")
	assert.Equal(t, 0, h.patrons.calls)
}

func TestSyncSkippedWithoutGuild(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := NewEngine(ledger.NewMemoryStore(logger), &fakePatrons{}, newFakeRoles(), 0, logger)

	_, err := e.Sync(context.Background(), model.SyncTriggerScheduled)
	assert.ErrorIs(t, err, ErrGuildNotConfigured)
}

func TestSyncFailsWhenLedgerCannotLoad(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := &failingStore{}
	roles := newFakeRoles()
	e := NewEngine(store, &fakePatrons{patrons: someoneElse()}, roles, testGuild, logger)

	run, err := e.Sync(context.Background(), model.SyncTriggerScheduled)
	require.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.Equal(t, model.SyncStatusFailed, run.Status)
	assert.Equal(t, 0, store.saves)
	assert.Empty(t, roles.calls)
}

func TestSyncReportsToCallbacks(t *testing.T) {
	h := newHarness(t, `{"1": {}}`)
	h.patrons.patrons = someoneElse()

	var got []model.SyncRun
	h.engine.OnReport(func(run model.SyncRun) { got = append(got, run) })

	run, err := h.engine.Sync(context.Background(), model.SyncTriggerAPI)
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, run, got[0])
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, model.SyncTriggerAPI, run.Trigger)
	assert.Equal(t, 1, run.Patrons)
	assert.Equal(t, 1, run.Evaluated)

	last := h.engine.LastSync()
	require.NotNil(t, last)
	assert.Equal(t, run.ID, last.ID)
}

func TestRestoreLastSyncOnlySeedsEmptyState(t *testing.T) {
	h := newHarness(t, "")
	h.engine.RestoreLastSync(nil)
	assert.Nil(t, h.engine.LastSync())

	h.engine.RestoreLastSync(&model.SyncRun{ID: "old"})
	require.NotNil(t, h.engine.LastSync())
	assert.Equal(t, "old", h.engine.LastSync().ID)

	h.engine.RestoreLastSync(&model.SyncRun{ID: "older"})
	assert.Equal(t, "old", h.engine.LastSync().ID)
}

func TestGrantThenInfo(t *testing.T) {
	h := newHarness(t, "")

	ch, err := h.engine.Grant(context.Background(), testGuild, model.Profile{ID: 3, Username: "u3"}, 30)
	require.NoError(t, err)
	assert.True(t, ch.RoleChanged)
	require.NotNil(t, ch.Record.ExpiresAt)

	st, err := h.engine.Info(context.Background(), testGuild, 3)
	require.NoError(t, err)
	assert.True(t, st.Found)
	assert.True(t, st.Entitled)
	require.NotNil(t, st.Record.ExpiresAt)
	assert.WithinDuration(t, now.Add(30*24*time.Hour), *st.Record.ExpiresAt, time.Second)
	assert.Equal(t, "u3", st.Record.Username)
}

func TestGrantIndefiniteDropsLinkage(t *testing.T) {
	h := newHarness(t, `{"3": {"patreon_email": "a@x.com", "expiration_date": "2026-04-01T00:00:00+00:00"}}`)

	ch, err := h.engine.Grant(context.Background(), testGuild, model.Profile{ID: 3}, 0)
	require.NoError(t, err)
	assert.Empty(t, ch.Record.PatreonEmail)
	assert.Nil(t, ch.Record.ExpiresAt)

	rec, ok := h.load(t).Get(3)
	require.True(t, ok)
	assert.False(t, rec.Linked())
	assert.Nil(t, rec.ExpiresAt)
}

func TestGrantWithoutGuildSkipsRole(t *testing.T) {
	h := newHarness(t, "")
	ch, err := h.engine.Grant(context.Background(), 0, model.Profile{ID: 3}, 7)
	require.NoError(t, err)
	assert.True(t, ch.RoleSkipped)
	assert.Empty(t, h.roles.calls)
	assert.Equal(t, 1, h.load(t).Len())
}

func TestGrantRejectsOutOfRangeDays(t *testing.T) {
	h := newHarness(t, "")
	for _, days := range []int{-1, 366} {
		_, err := h.engine.Grant(context.Background(), testGuild, model.Profile{ID: 3}, days)
		assert.ErrorIs(t, err, ErrDaysOutOfRange)
	}
	assert.Equal(t, 0, h.store.Saves())
}

func TestMutationsAbortWhenLedgerCannotLoad(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := &failingStore{}
	e := NewEngine(store, &fakePatrons{}, newFakeRoles(), testGuild, logger)
	ctx := context.Background()

	_, err := e.Grant(ctx, testGuild, model.Profile{ID: 1}, 1)
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
	_, err = e.Link(ctx, model.Profile{ID: 1}, "a@x.com")
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
	_, _, err = e.Revoke(ctx, testGuild, 1)
	assert.ErrorIs(t, err, ErrLedgerUnavailable)

	assert.Equal(t, 0, store.saves)
}

func TestInfoTreatsUnloadableLedgerAsEmpty(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := NewEngine(&failingStore{}, &fakePatrons{}, newFakeRoles(), testGuild, logger)

	st, err := e.Info(context.Background(), testGuild, 1)
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.False(t, st.Found)
	assert.False(t, st.Entitled)
}

func TestInfoRemovesExpiredGrant(t *testing.T) {
	h := newHarness(t, `{"8": {"expiration_date": "2026-03-10T11:00:00+00:00"}}`)
	h.roles.holders[8] = true

	st, err := h.engine.Info(context.Background(), 0, 8)
	require.NoError(t, err)
	assert.False(t, st.Entitled)
	assert.True(t, st.Expired)
	assert.Equal(t, 0, h.load(t).Len())
	assert.Equal(t, []roleCall{{guild: testGuild, user: 8, grant: false}}, h.roles.calls)
}

func TestInfoVerdicts(t *testing.T) {
	doc := `{
		"1": {"patreon_email": "a@x.com"},
		"2": {"expiration_date": "2026-03-11T00:00:00+00:00"},
		"3": {}
	}`
	h := newHarness(t, doc)
	ctx := context.Background()

	for _, id := range []snowflake.ID{1, 2, 3} {
		st, err := h.engine.Info(ctx, testGuild, id)
		require.NoError(t, err)
		assert.True(t, st.Entitled, "user %d", id)
	}

	st, err := h.engine.Info(ctx, testGuild, 4)
	require.NoError(t, err)
	assert.False(t, st.Found)
	assert.False(t, st.Entitled)
	assert.Empty(t, h.roles.calls)
	assert.Equal(t, 0, h.store.Saves())
}

func TestLapsedGrantStaysExpiredAcrossOtherWrites(t *testing.T) {
	h := newHarness(t, `{"1": {"username": "old", "expiration_date": "2026-03-09T12:00:00+00:00"}}`)
	ctx := context.Background()

	_, err := h.engine.Grant(ctx, testGuild, model.Profile{ID: 2, Username: "new"}, 0)
	require.NoError(t, err)
	_, err = h.engine.Link(ctx, model.Profile{ID: 3}, "c@x.com")
	require.NoError(t, err)

	assert.Contains(t, string(h.store.Document()), `"expiration_date": "2026-03-09T12:00:00+00:00"`)

	st, err := h.engine.Info(ctx, testGuild, 1)
	require.NoError(t, err)
	assert.False(t, st.Entitled)
	assert.True(t, st.Expired)
	_, found := h.load(t).Get(1)
	assert.False(t, found)
}

func TestInfoDoesNotWaitForRunningSync(t *testing.T) {
	doc := `{"1": {}, "2": {}, "3": {"expiration_date": "2026-03-09T12:00:00+00:00"}}`
	h := newHarness(t, doc)
	h.patrons.patrons = someoneElse()
	h.roles.entered = make(chan struct{}, 1)
	h.roles.release = make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.engine.Sync(context.Background(), model.SyncTriggerScheduled)
	}()
	<-h.roles.entered

	type result struct {
		st  Status
		err error
	}
	infoC := make(chan result, 2)
	go func() {
		st, err := h.engine.Info(context.Background(), testGuild, 1)
		infoC <- result{st, err}
		st, err = h.engine.Info(context.Background(), testGuild, 3)
		infoC <- result{st, err}
	}()

	for i, want := range []bool{true, false} {
		select {
		case r := <-infoC:
			require.NoError(t, r.err)
			assert.Equal(t, want, r.st.Entitled, "read %d", i)
		case <-time.After(2 * time.Second):
			t.Fatal("Info blocked behind the sync pass")
		}
	}

	close(h.roles.release)
	<-done
	_, found := h.load(t).Get(3)
	assert.False(t, found)
}

func TestSyncSaveFailureLeavesLastSyncUnset(t *testing.T) {
	h := newHarness(t, `{"1": {"expiration_date": "2026-03-09T12:00:00+00:00"}}`)
	h.patrons.patrons = someoneElse()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := &saveFailingStore{MemoryStore: h.store}
	e := NewEngine(store, h.patrons, h.roles, testGuild, logger)
	e.SetClock(func() time.Time { return now })

	run, err := e.Sync(context.Background(), model.SyncTriggerCommand)
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.Equal(t, model.SyncStatusFailed, run.Status)
	assert.Nil(t, e.LastSync())
	assert.Equal(t, 0, h.store.Saves())
	assert.Equal(t, 1, h.load(t).Len())
}

func TestLinkStoresLowercasedEmailAndClearsExpiry(t *testing.T) {
	h := newHarness(t, `{"9": {"username": "old", "expiration_date": "2026-05-01T00:00:00+00:00"}}`)

	rec, err := h.engine.Link(context.Background(), model.Profile{ID: 9, Username: "new", DisplayName: "New"}, "  Fan@Example.COM ")
	require.NoError(t, err)
	assert.Equal(t, "fan@example.com", rec.PatreonEmail)
	assert.Nil(t, rec.ExpiresAt)

	stored, ok := h.load(t).Get(9)
	require.True(t, ok)
	assert.Equal(t, "fan@example.com", stored.PatreonEmail)
	assert.Equal(t, "new", stored.Username)
	assert.Equal(t, "New", stored.DisplayName)
	assert.Nil(t, stored.ExpiresAt)
	assert.Empty(t, h.roles.calls)
}

func TestLinkRejectsInvalidEmail(t *testing.T) {
	h := newHarness(t, "")
	for _, email := range []string{"", "not-an-email", "Fan <fan@example.com>"} {
		_, err := h.engine.Link(context.Background(), model.Profile{ID: 9}, email)
		assert.ErrorIs(t, err, ErrInvalidEmail, email)
	}
}

func TestRevoke(t *testing.T) {
	h := newHarness(t, `{"5": {"username": "u5"}}`)
	h.roles.holders[5] = true

	found, ch, err := h.engine.Revoke(context.Background(), testGuild, 5)
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, ch.RoleChanged)
	assert.Equal(t, "u5", ch.Record.Username)
	assert.Equal(t, 0, h.load(t).Len())

	found, _, err = h.engine.Revoke(context.Background(), testGuild, 5)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestParseUserID(t *testing.T) {
	id, err := ParseUserID(" 123456789012345678 ")
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(123456789012345678), id)

	for _, s := range []string{"", "abc", "-4", "0", "12x"} {
		_, err := ParseUserID(s)
		assert.ErrorIs(t, err, ErrInvalidUserID, s)
	}
}

func TestIndexPatronsPrefersActiveDuplicate(t *testing.T) {
	idx := indexPatrons([]model.Patron{
		{Email: "dup@x.com", Active: true, PatreonUserID: "1"},
		{Email: "DUP@x.com", Active: false, PatreonUserID: "2"},
		{Email: "", Active: true},
	})
	require.Len(t, idx, 1)
	assert.Equal(t, "1", idx["dup@x.com"].PatreonUserID)
}
