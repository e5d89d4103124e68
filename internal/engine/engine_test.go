package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paytag/internal/config"
	"paytag/internal/db"
	"paytag/internal/domain"
	"paytag/internal/engine"
	"paytag/internal/events"
	"paytag/internal/logger"
	"paytag/internal/migrate"
	"paytag/internal/repo"
	"paytag/internal/transfer"
)

type testEnv struct {
	Engine engine.Engine
	Ledger transfer.Ledger
	Ctx    context.Context
}

func newTestEnv(t *testing.T, tweak ...func(*config.Config)) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default("admin")
	for _, fn := range tweak {
		fn(cfg)
	}
	eng := engine.New(conn, cfg)
	eng.Logger = logger.Discard()
	ledger := transfer.Ledger{DB: conn, Logger: eng.Logger}
	eng.Transfer = ledger
	return testEnv{Engine: eng, Ledger: ledger, Ctx: context.Background()}
}

func memo(s string) *string { return &s }

func at(caller string, height uint64) engine.Call {
	return engine.Call{Caller: caller, Height: height}
}

func (env testEnv) create(t *testing.T, creator, recipient string, height uint64) domain.Tag {
	t.Helper()
	tag, err := env.Engine.CreateTag(env.Ctx, at(creator, height), engine.CreateOptions{
		Recipient: recipient, Amount: 1000, Duration: 10,
	})
	require.NoError(t, err)
	return tag
}

func (env testEnv) fund(t *testing.T, party string, amount uint64) {
	t.Helper()
	_, err := env.Ledger.Mint(env.Ctx, party, amount)
	require.NoError(t, err)
}

func requireCode(t *testing.T, err error, code engine.Code) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, engine.CodeOf(err), "error: %v", err)
}

func TestCreateFulfillThenCancelRejected(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "carol", 5000)

	tag, err := env.Engine.CreateTag(env.Ctx, at("alice", 100), engine.CreateOptions{
		Recipient: "bob", Amount: 1000, Duration: 10, Memo: memo("invoice#1"),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), tag.ID)
	assert.Equal(t, domain.StatePending, tag.State)
	assert.Equal(t, uint64(110), tag.ExpiresAt)
	require.NotNil(t, tag.Memo)
	assert.Equal(t, "invoice#1", *tag.Memo)

	paid, err := env.Engine.FulfillTag(env.Ctx, at("carol", 105), tag.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePaid, paid.State)
	require.NotNil(t, paid.Settlement)
	assert.Equal(t, uint64(105), paid.Settlement.Height)
	assert.NotEmpty(t, paid.Settlement.Reference)

	_, err = env.Engine.CancelTag(env.Ctx, at("alice", 106), tag.ID)
	requireCode(t, err, engine.CodeNotPending)

	stored, err := env.Engine.GetTag(env.Ctx, tag.ID)
	require.NoError(t, err)
	assert.Equal(t, paid, stored)

	bal, err := env.Ledger.Balance(env.Ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), bal)
	bal, err = env.Ledger.Balance(env.Ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, uint64(4000), bal)

	stats, err := env.Engine.Stats(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{"created": 1, "fulfilled": 1, "canceled": 0, "expired": 0}, stats)
}

func TestCreateBelowMinimumLeavesStateUntouched(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTag(env.Ctx, at("alice", 1), engine.CreateOptions{Recipient: "bob", Amount: 500, Duration: 10})
	requireCode(t, err, engine.CodeInvalidAmount)
	assert.True(t, errors.Is(err, engine.ErrInvalidAmount))

	info, err := env.Engine.Info(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, info.TotalTags)
	ids, err := env.Engine.ListByCreator(env.Ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, ids)
	ids, err = env.Engine.ListByRecipient(env.Ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, ids)
	created, err := env.Engine.Stat(env.Ctx, engine.StatCreated)
	require.NoError(t, err)
	assert.Zero(t, created)
}

func TestCreateDurationBounds(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTag(env.Ctx, at("alice", 1), engine.CreateOptions{Recipient: "bob", Amount: 1000, Duration: 5000})
	requireCode(t, err, engine.CodeDurationExceeded)

	_, err = env.Engine.CreateTag(env.Ctx, at("alice", 1), engine.CreateOptions{Recipient: "bob", Amount: 1000, Duration: 0})
	requireCode(t, err, engine.CodeDurationExceeded)

	tag, err := env.Engine.CreateTag(env.Ctx, at("alice", 1), engine.CreateOptions{Recipient: "bob", Amount: 1000, Duration: 4320})
	require.NoError(t, err)
	assert.Equal(t, uint64(4321), tag.ExpiresAt)
}

func TestCreateExpiryOverflow(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Registry.MaxDuration = 1<<63 + 100 })
	_, err := env.Engine.CreateTag(env.Ctx, at("alice", 10), engine.CreateOptions{Recipient: "bob", Amount: 1000, Duration: 1<<63 + 5})
	requireCode(t, err, engine.CodeDurationExceeded)

	_, err = env.Engine.CreateTag(env.Ctx, at("alice", 10), engine.CreateOptions{Recipient: "bob", Amount: 1000, Duration: 1<<63 - 10})
	requireCode(t, err, engine.CodeDurationExceeded)

	tag, err := env.Engine.CreateTag(env.Ctx, at("alice", 10), engine.CreateOptions{Recipient: "bob", Amount: 1000, Duration: 1<<63 - 11})
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<63-1), tag.ExpiresAt)
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Registry.MaxMemoLength = 8 })
	tests := []struct {
		name string
		call engine.Call
		opts engine.CreateOptions
		code engine.Code
	}{
		{"self payment", at("alice", 1), engine.CreateOptions{Recipient: "alice", Amount: 1000, Duration: 10}, engine.CodeSelfPayment},
		{"empty memo", at("alice", 1), engine.CreateOptions{Recipient: "bob", Amount: 1000, Duration: 10, Memo: memo("")}, engine.CodeEmptyMemo},
		{"memo too long", at("alice", 1), engine.CreateOptions{Recipient: "bob", Amount: 1000, Duration: 10, Memo: memo(strings.Repeat("x", 9))}, engine.CodeMemoTooLong},
		{"missing recipient", at("alice", 1), engine.CreateOptions{Amount: 1000, Duration: 10}, engine.CodeInvalidRecipient},
		{"amount checked before duration", at("alice", 1), engine.CreateOptions{Recipient: "alice", Amount: 1, Duration: 0}, engine.CodeInvalidAmount},
		{"duration checked before self payment", at("alice", 1), engine.CreateOptions{Recipient: "alice", Amount: 1000, Duration: 0}, engine.CodeDurationExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.Engine.CreateTag(env.Ctx, tt.call, tt.opts)
			requireCode(t, err, tt.code)
		})
	}

	// multibyte memo counts characters
	_, err := env.Engine.CreateTag(env.Ctx, at("alice", 1), engine.CreateOptions{Recipient: "bob", Amount: 1000, Duration: 10, Memo: memo("ééééééé")})
	require.NoError(t, err)
}

func TestTagIDsAreMonotonic(t *testing.T) {
	env := newTestEnv(t)
	first := env.create(t, "alice", "bob", 1)
	_, err := env.Engine.CreateTag(env.Ctx, at("alice", 1), engine.CreateOptions{Recipient: "bob", Amount: 1, Duration: 10})
	require.Error(t, err)
	second := env.create(t, "carol", "bob", 2)
	third := env.create(t, "alice", "dave", 3)

	assert.Equal(t, uint64(1), first.ID)
	assert.Equal(t, uint64(2), second.ID)
	assert.Equal(t, uint64(3), third.ID)

	_, err = env.Engine.CancelTag(env.Ctx, at("alice", 4), first.ID)
	require.NoError(t, err)
	fourth := env.create(t, "alice", "bob", 5)
	assert.Equal(t, uint64(4), fourth.ID)
}

func TestPartyIndexesTrackEveryTag(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, "alice", "bob", 1)
	b := env.create(t, "carol", "bob", 1)
	c := env.create(t, "alice", "carol", 1)

	ids, err := env.Engine.ListByCreator(env.Ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []uint64{a.ID, c.ID}, ids)

	ids, err = env.Engine.ListByRecipient(env.Ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []uint64{a.ID, b.ID}, ids)

	// terminal transitions never prune
	_, err = env.Engine.CancelTag(env.Ctx, at("alice", 2), a.ID)
	require.NoError(t, err)
	ids, err = env.Engine.ListByCreator(env.Ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []uint64{a.ID, c.ID}, ids)

	ids, err = env.Engine.ListByRecipient(env.Ctx, "nobody")
	require.NoError(t, err)
	assert.NotNil(t, ids)
	assert.Empty(t, ids)
}

func TestIndexFullAbortsCreate(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Registry.MaxTagsPerParty = 2 })
	env.create(t, "alice", "bob", 1)
	env.create(t, "alice", "carol", 1)

	_, err := env.Engine.CreateTag(env.Ctx, at("alice", 1), engine.CreateOptions{Recipient: "dave", Amount: 1000, Duration: 10})
	requireCode(t, err, engine.CodeIndexFull)

	// the recipient side fills up the same way and rolls back the creator append
	env.create(t, "erin", "bob", 1)
	_, err = env.Engine.CreateTag(env.Ctx, at("frank", 1), engine.CreateOptions{Recipient: "bob", Amount: 1000, Duration: 10})
	requireCode(t, err, engine.CodeIndexFull)

	ids, err := env.Engine.ListByCreator(env.Ctx, "frank")
	require.NoError(t, err)
	assert.Empty(t, ids)
	ids, err = env.Engine.ListByRecipient(env.Ctx, "dave")
	require.NoError(t, err)
	assert.Empty(t, ids)

	info, err := env.Engine.Info(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), info.TotalTags)
}

func TestTerminalStatesRejectTransitions(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "carol", 10_000)

	canceled := env.create(t, "alice", "bob", 1)
	_, err := env.Engine.CancelTag(env.Ctx, at("alice", 2), canceled.ID)
	require.NoError(t, err)

	expired := env.create(t, "alice", "bob", 1)
	_, err = env.Engine.ExpireTag(env.Ctx, at("anyone", 11), expired.ID)
	require.NoError(t, err)

	paid := env.create(t, "alice", "bob", 1)
	_, err = env.Engine.FulfillTag(env.Ctx, at("carol", 2), paid.ID)
	require.NoError(t, err)

	for _, tag := range []domain.Tag{canceled, expired, paid} {
		_, err = env.Engine.CancelTag(env.Ctx, at("alice", 20), tag.ID)
		requireCode(t, err, engine.CodeNotPending)
		_, err = env.Engine.ExpireTag(env.Ctx, at("alice", 20), tag.ID)
		requireCode(t, err, engine.CodeNotPending)
		_, err = env.Engine.FulfillTag(env.Ctx, at("carol", 5), tag.ID)
		requireCode(t, err, engine.CodeNotPending)
	}

	stats, err := env.Engine.Stats(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats[engine.StatCanceled])
	assert.Equal(t, uint64(1), stats[engine.StatExpired])
	assert.Equal(t, uint64(1), stats[engine.StatFulfilled])
}

func TestExpirationBoundary(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "carol", 10_000)

	a := env.create(t, "alice", "bob", 100) // expires at 110
	_, err := env.Engine.ExpireTag(env.Ctx, at("zed", 109), a.ID)
	requireCode(t, err, engine.CodeNotYetExpired)
	ok, err := env.Engine.CanExpire(env.Ctx, a.ID, 109)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = env.Engine.CanExpire(env.Ctx, a.ID, 110)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = env.Engine.FulfillTag(env.Ctx, at("carol", 110), a.ID)
	requireCode(t, err, engine.CodeExpired)
	expired, err := env.Engine.ExpireTag(env.Ctx, at("zed", 110), a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateExpired, expired.State)
	ok, err = env.Engine.CanExpire(env.Ctx, a.ID, 200)
	require.NoError(t, err)
	assert.False(t, ok)

	b := env.create(t, "alice", "bob", 100)
	paid, err := env.Engine.FulfillTag(env.Ctx, at("carol", 109), b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePaid, paid.State)

	_, err = env.Engine.CanExpire(env.Ctx, 99, 1)
	requireCode(t, err, engine.CodeNotFound)
}

func TestFailedTransferChangesNothing(t *testing.T) {
	env := newTestEnv(t)
	mock := transfer.NewMock()
	mock.Fail(errors.New("node unreachable"))
	env.Engine.Transfer = mock

	tag := env.create(t, "alice", "bob", 1)
	_, err := env.Engine.FulfillTag(env.Ctx, at("carol", 2), tag.ID)
	requireCode(t, err, engine.CodeTransferFailed)
	assert.Contains(t, err.Error(), "node unreachable")
	require.Len(t, mock.Calls(), 1)
	assert.Equal(t, transfer.Request{TagID: tag.ID, Sender: "carol", Recipient: "bob", Amount: 1000}, mock.Calls()[0])

	stored, err := env.Engine.GetTag(env.Ctx, tag.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, stored.State)
	assert.Nil(t, stored.Settlement)
	fulfilled, err := env.Engine.Stat(env.Ctx, engine.StatFulfilled)
	require.NoError(t, err)
	assert.Zero(t, fulfilled)
	evts, err := env.Engine.ListEvents(env.Ctx, 10, 0, repo.EventFilters{Type: events.TagFulfilled})
	require.NoError(t, err)
	assert.Empty(t, evts)

	mock.Fail(nil)
	paid, err := env.Engine.FulfillTag(env.Ctx, at("carol", 3), tag.ID)
	require.NoError(t, err)
	assert.Equal(t, "mock-1-2", paid.Settlement.Reference)
}

func TestRecipientCannotSettleOwnTag(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "bob", 5000)
	tag := env.create(t, "alice", "bob", 1)

	_, err := env.Engine.FulfillTag(env.Ctx, at("bob", 2), tag.ID)
	requireCode(t, err, engine.CodeTransferFailed)
	assert.ErrorIs(t, err, transfer.ErrSelfTransfer)

	stored, err := env.Engine.GetTag(env.Ctx, tag.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, stored.State)
	bal, err := env.Ledger.Balance(env.Ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), bal)
}

func TestLedgerInsufficientFundsKeepsTagPending(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "carol", 999)
	tag := env.create(t, "alice", "bob", 1)

	_, err := env.Engine.FulfillTag(env.Ctx, at("carol", 2), tag.ID)
	requireCode(t, err, engine.CodeTransferFailed)
	assert.ErrorIs(t, err, transfer.ErrInsufficientFunds)

	bal, err := env.Ledger.Balance(env.Ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, uint64(999), bal)
	stored, err := env.Engine.GetTag(env.Ctx, tag.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, stored.State)
}

func TestPauseGating(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "carol", 10_000)
	pending := env.create(t, "alice", "bob", 1)
	stale := env.create(t, "alice", "bob", 1)

	_, err := env.Engine.TogglePause(env.Ctx, at("alice", 2))
	requireCode(t, err, engine.CodeUnauthorized)

	paused, err := env.Engine.TogglePause(env.Ctx, at("admin", 2))
	require.NoError(t, err)
	assert.True(t, paused)

	// validation order puts the pause check first
	_, err = env.Engine.CreateTag(env.Ctx, at("alice", 2), engine.CreateOptions{Recipient: "alice", Amount: 1})
	requireCode(t, err, engine.CodePaused)
	_, err = env.Engine.FulfillTag(env.Ctx, at("carol", 2), pending.ID)
	requireCode(t, err, engine.CodePaused)
	_, err = env.Engine.FulfillTag(env.Ctx, at("carol", 2), 999)
	requireCode(t, err, engine.CodePaused)

	_, err = env.Engine.CancelTag(env.Ctx, at("alice", 3), pending.ID)
	require.NoError(t, err)
	_, err = env.Engine.ExpireTag(env.Ctx, at("zed", 11), stale.ID)
	require.NoError(t, err)
	_, err = env.Engine.GetTag(env.Ctx, pending.ID)
	require.NoError(t, err)
	isPaused, err := env.Engine.IsPaused(env.Ctx)
	require.NoError(t, err)
	assert.True(t, isPaused)

	paused, err = env.Engine.TogglePause(env.Ctx, at("admin", 12))
	require.NoError(t, err)
	assert.False(t, paused)
	env.create(t, "alice", "bob", 12)
}

func TestCancelChecks(t *testing.T) {
	env := newTestEnv(t)
	tag := env.create(t, "alice", "bob", 1)

	_, err := env.Engine.CancelTag(env.Ctx, at("alice", 1), 0)
	requireCode(t, err, engine.CodeNotFound)
	_, err = env.Engine.CancelTag(env.Ctx, at("alice", 1), 2)
	requireCode(t, err, engine.CodeNotFound)
	_, err = env.Engine.CancelTag(env.Ctx, at("bob", 1), tag.ID)
	requireCode(t, err, engine.CodeUnauthorized)

	// cancellation ignores expiry
	canceled, err := env.Engine.CancelTag(env.Ctx, at("alice", 5000), tag.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCanceled, canceled.State)

	// authorization is checked before state
	_, err = env.Engine.CancelTag(env.Ctx, at("bob", 1), tag.ID)
	requireCode(t, err, engine.CodeUnauthorized)
}

func TestGetMultiple(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Registry.MaxBatch = 3 })
	a := env.create(t, "alice", "bob", 1)
	b := env.create(t, "alice", "bob", 1)

	res, err := env.Engine.GetMultiple(env.Ctx, []uint64{b.ID, 42, a.ID})
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, b.ID, res[0].ID)
	assert.Nil(t, res[1])
	assert.Equal(t, a.ID, res[2].ID)

	_, err = env.Engine.GetMultiple(env.Ctx, []uint64{1, 2, 3, 4})
	requireCode(t, err, engine.CodeBatchTooLarge)

	res, err = env.Engine.GetMultiple(env.Ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestEventsRecordEveryMutation(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "carol", 10_000)
	a := env.create(t, "alice", "bob", 1)
	b := env.create(t, "alice", "bob", 1)
	c := env.create(t, "alice", "bob", 1)
	_, err := env.Engine.FulfillTag(env.Ctx, at("carol", 2), a.ID)
	require.NoError(t, err)
	_, err = env.Engine.CancelTag(env.Ctx, at("alice", 2), b.ID)
	require.NoError(t, err)
	_, err = env.Engine.ExpireTag(env.Ctx, at("zed", 11), c.ID)
	require.NoError(t, err)
	_, err = env.Engine.TogglePause(env.Ctx, at("admin", 12))
	require.NoError(t, err)

	evts, err := env.Engine.ListEvents(env.Ctx, 0, 0, repo.EventFilters{})
	require.NoError(t, err)
	types := make([]string, 0, len(evts))
	for _, e := range evts {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{
		events.PauseToggled, events.TagExpired, events.TagCanceled, events.TagFulfilled,
		events.TagCreated, events.TagCreated, events.TagCreated,
	}, types)
	assert.Equal(t, "zed", evts[1].ActorID)
	assert.Equal(t, uint64(11), evts[1].Height)
	assert.Contains(t, evts[3].Payload, `"payer":"carol"`)

	// cursor pages backwards
	older, err := env.Engine.ListEvents(env.Ctx, 2, evts[1].ID, repo.EventFilters{})
	require.NoError(t, err)
	require.Len(t, older, 2)
	assert.Equal(t, evts[2].ID, older[0].ID)

	info, err := env.Engine.Info(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Info{TotalTags: 3, Paused: true, Version: engine.Version}, info)
}

func TestConcurrentCreatesAssignDistinctIDs(t *testing.T) {
	env := newTestEnv(t)
	const n = 8
	errs := make(chan error, n)
	ids := make(chan uint64, n)
	for i := 0; i < n; i++ {
		go func() {
			tag, err := env.Engine.CreateTag(env.Ctx, at("alice", 1), engine.CreateOptions{Recipient: "bob", Amount: 1000, Duration: 10})
			errs <- err
			ids <- tag.ID
		}()
	}
	seen := map[uint64]bool{}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
		seen[<-ids] = true
	}
	assert.Len(t, seen, n)
	count, err := env.Engine.Repo.IndexCount(env.Ctx, repo.RoleCreator, "alice")
	require.NoError(t, err)
	assert.Equal(t, n, count)
}
