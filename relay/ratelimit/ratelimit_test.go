//go:build unit

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, limit int, windowLen time.Duration) (*Registry, *time.Time) {
	t.Helper()

	registry, err := NewRegistry(Config{Limit: limit, Window: windowLen})
	require.NoError(t, err)

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	registry.now = func() time.Time { return clock }

	return registry, &clock
}

func TestTryConsumeEnforcesWindowCeiling(t *testing.T) {
	t.Parallel()

	registry, _ := newTestRegistry(t, 5, time.Second)

	for i := 0; i < 5; i++ {
		assert.True(t, registry.TryConsume("docs"))
	}

	assert.False(t, registry.TryConsume("docs"))
	assert.Equal(t, 0, registry.Remaining("docs"))
}

func TestWindowResetRestoresBudget(t *testing.T) {
	t.Parallel()

	registry, clock := newTestRegistry(t, 2, time.Second)

	require.True(t, registry.TryConsume("docs"))
	require.True(t, registry.TryConsume("docs"))
	require.False(t, registry.TryConsume("docs"))

	*clock = clock.Add(time.Second)

	assert.True(t, registry.TryConsume("docs"))
	assert.Equal(t, 1, registry.Remaining("docs"))
}

func TestKeysAreIndependent(t *testing.T) {
	t.Parallel()

	registry, _ := newTestRegistry(t, 1, time.Second)

	require.True(t, registry.TryConsume("docs"))
	require.False(t, registry.TryConsume("docs"))

	assert.True(t, registry.TryConsume("chat"))
}

func TestPartialWindowKeepsCounting(t *testing.T) {
	t.Parallel()

	registry, clock := newTestRegistry(t, 3, time.Second)

	require.True(t, registry.TryConsume("docs"))

	*clock = clock.Add(500 * time.Millisecond)

	require.True(t, registry.TryConsume("docs"))
	require.True(t, registry.TryConsume("docs"))
	assert.False(t, registry.TryConsume("docs"))
}

func TestNewRegistryValidation(t *testing.T) {
	t.Parallel()

	_, err := NewRegistry(Config{Limit: 0, Window: time.Second})
	assert.ErrorIs(t, err, ErrInvalidLimit)

	_, err = NewRegistry(Config{Limit: 5, Window: 0})
	assert.ErrorIs(t, err, ErrInvalidLimit)
}
