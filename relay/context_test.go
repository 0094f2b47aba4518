//go:build unit

package relay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuto-f04/crm-psa-integrate-tool/relay/log"
)

func TestLoggerFromContextFallsBackToNop(t *testing.T) {
	t.Parallel()

	logger := LoggerFromContext(context.Background())

	require.NotNil(t, logger)
	assert.False(t, logger.Enabled(log.LevelError))
}

func TestContextWithLoggerRoundTrip(t *testing.T) {
	t.Parallel()

	logger := log.NewNop()
	ctx := ContextWithLogger(context.Background(), logger)

	assert.Same(t, logger, LoggerFromContext(ctx))
}

func TestContextWithHeaderIDDoesNotMutateParent(t *testing.T) {
	t.Parallel()

	parent := ContextWithHeaderID(context.Background(), "parent-id")
	child := ContextWithHeaderID(parent, "child-id")

	_, _, parentID := NewTrackingFromContext(parent)
	_, _, childID := NewTrackingFromContext(child)

	assert.Equal(t, "parent-id", parentID)
	assert.Equal(t, "child-id", childID)
}

func TestNewTrackingFromContextDefaults(t *testing.T) {
	t.Parallel()

	logger, tracer, headerID := NewTrackingFromContext(context.Background())

	require.NotNil(t, logger)
	require.NotNil(t, tracer)
	assert.NotEmpty(t, headerID)
}

func TestNewTrackingFromContextGeneratesDistinctIDs(t *testing.T) {
	t.Parallel()

	_, _, first := NewTrackingFromContext(context.Background())
	_, _, second := NewTrackingFromContext(context.Background())

	assert.NotEqual(t, first, second)
}
