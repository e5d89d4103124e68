package app

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paytag/internal/amount"
	"paytag/internal/config"
	"paytag/internal/engine"
)

func TestInitThenOpen(t *testing.T) {
	ws := t.TempDir()
	path, err := Init(ws, "gov", false)
	require.NoError(t, err)
	assert.Equal(t, config.Path(ws), path)

	_, err = Init(ws, "gov", false)
	require.Error(t, err)
	_, err = Init(ws, "gov", true)
	require.NoError(t, err)

	var logs bytes.Buffer
	h := uint64(500)
	env, err := Open(context.Background(), Options{Workspace: ws, LogLevel: "debug", LogWriter: &logs, Height: &h})
	require.NoError(t, err)
	defer env.Close()
	assert.Equal(t, "gov", env.Config.Registry.Admin)

	call, err := env.Call(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, engine.Call{Caller: "alice", Height: 500}, call)

	tag, err := env.Engine.CreateTag(context.Background(), call, engine.CreateOptions{Recipient: "bob", Amount: 1000, Duration: 5})
	require.NoError(t, err)
	assert.Equal(t, uint64(505), tag.ExpiresAt)
	assert.Contains(t, logs.String(), "tag created")
}

func TestOpenWithoutConfigUsesDefaults(t *testing.T) {
	ws := t.TempDir()
	env, err := Open(context.Background(), Options{Workspace: ws, LogWriter: &bytes.Buffer{}})
	require.NoError(t, err)
	defer env.Close()
	assert.Equal(t, config.DefaultAdmin, env.Config.Registry.Admin)
	_, statErr := os.Stat(config.Path(ws))
	assert.True(t, os.IsNotExist(statErr))
}

func TestZeroAmountReachesEngineChecks(t *testing.T) {
	ws := t.TempDir()
	h := uint64(10)
	env, err := Open(context.Background(), Options{Workspace: ws, LogWriter: &bytes.Buffer{}, Height: &h})
	require.NoError(t, err)
	defer env.Close()
	ctx := context.Background()

	units, err := amount.Parse("0", env.Config.Token.Decimals)
	require.NoError(t, err)
	call, err := env.Call(ctx, "alice")
	require.NoError(t, err)
	_, err = env.Engine.CreateTag(ctx, call, engine.CreateOptions{Recipient: "bob", Amount: units, Duration: 5})
	assert.Equal(t, engine.CodeInvalidAmount, engine.CodeOf(err))

	admin, err := env.Call(ctx, env.Config.Registry.Admin)
	require.NoError(t, err)
	_, err = env.Engine.TogglePause(ctx, admin)
	require.NoError(t, err)
	_, err = env.Engine.CreateTag(ctx, call, engine.CreateOptions{Recipient: "bob", Amount: units, Duration: 5})
	assert.Equal(t, engine.CodePaused, engine.CodeOf(err))
}
