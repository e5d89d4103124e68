package migrate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paytag/internal/db"
	"paytag/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	v, err := migrate.Version(conn)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	require.NoError(t, migrate.Migrate(conn))
	require.NoError(t, migrate.Migrate(conn))

	v, err = migrate.Version(conn)
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	var counter, paused int
	require.NoError(t, conn.QueryRow(`SELECT tag_counter, paused FROM registry_state WHERE id=1`).Scan(&counter, &paused))
	assert.Zero(t, counter)
	assert.Zero(t, paused)
}
