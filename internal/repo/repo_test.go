package repo_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paytag/internal/db"
	"paytag/internal/domain"
	"paytag/internal/migrate"
	"paytag/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func insertTag(t *testing.T, r repo.Repo, id uint64, creator, recipient string) {
	t.Helper()
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, r.InsertTag(ctx, tx, domain.Tag{
		ID: id, Creator: creator, Recipient: recipient, Amount: 1000,
		CreatedAt: 1, ExpiresAt: 11, State: domain.StatePending,
	}))
	require.NoError(t, tx.Commit())
}

func TestIndexAppendRespectsCapacity(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for id := uint64(1); id <= 3; id++ {
		insertTag(t, r, id, "alice", "bob")
	}

	for id := uint64(1); id <= 2; id++ {
		tx, err := r.DB.BeginTx(ctx, nil)
		require.NoError(t, err)
		require.NoError(t, r.AppendIndex(ctx, tx, repo.RoleCreator, "alice", id, 2))
		require.NoError(t, tx.Commit())
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	err = r.AppendIndex(ctx, tx, repo.RoleCreator, "alice", 3, 2)
	require.True(t, errors.Is(err, repo.ErrIndexFull))
	require.NoError(t, tx.Rollback())

	ids, err := r.ListIndex(ctx, repo.RoleCreator, "alice")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, ids)

	count, err := r.IndexCount(ctx, repo.RoleCreator, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// recipient index is a separate instance
	ids, err = r.ListIndex(ctx, repo.RoleRecipient, "alice")
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.NotNil(t, ids)
}

func TestUpdateTagStateOnlyFromPending(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	insertTag(t, r, 1, "alice", "bob")

	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, r.UpdateTagState(ctx, tx, 1, domain.StatePaid, &domain.Settlement{Reference: "ref-1", Height: 5}))
	require.NoError(t, tx.Commit())

	tag, err := r.GetTag(ctx, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePaid, tag.State)
	require.NotNil(t, tag.Settlement)
	assert.Equal(t, "ref-1", tag.Settlement.Reference)

	tx, err = r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	require.Error(t, r.UpdateTagState(ctx, tx, 1, domain.StateCanceled, nil))

	_, err = r.GetTag(ctx, nil, 99)
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestStatsDefaultToZero(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	v, err := r.Stat(ctx, "created")
	require.NoError(t, err)
	assert.Zero(t, v)

	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, r.IncrementStat(ctx, tx, "created"))
	require.NoError(t, r.IncrementStat(ctx, tx, "created"))
	require.NoError(t, tx.Commit())

	v, err = r.Stat(ctx, "created")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)
}

func TestAPIKeyLifecycle(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	key, secret, err := r.IssueAPIKey(ctx, "alice", "laptop")
	require.NoError(t, err)
	assert.Contains(t, secret, "ptk_")
	assert.NotEqual(t, secret, key.KeyHash)

	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(secret))
	require.NoError(t, err)
	assert.Equal(t, "alice", got.PartyID)
	assert.Equal(t, "laptop", got.Name)

	keys, err := r.ListAPIKeys(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, keys, 1)

	require.NoError(t, r.DeleteAPIKey(ctx, key.ID))
	require.ErrorIs(t, r.DeleteAPIKey(ctx, key.ID), repo.ErrNotFound)
	_, err = r.GetAPIKeyByHash(ctx, repo.HashAPIKey(secret))
	require.ErrorIs(t, err, repo.ErrNotFound)
}
