package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedBurstPerKey(t *testing.T) {
	k := New(0.001, 2)
	assert.True(t, k.Allow("alice"))
	assert.True(t, k.Allow("alice"))
	assert.False(t, k.Allow("alice"))

	// other keys have their own bucket
	assert.True(t, k.Allow("bob"))
	assert.True(t, k.Allow("bob"))
	assert.False(t, k.Allow("bob"))
}

func TestKeyedDisabled(t *testing.T) {
	k := New(0, 0)
	for i := 0; i < 100; i++ {
		require.True(t, k.Allow("alice"))
	}
}
