//go:build unit

package zap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	logpkg "github.com/yuto-f04/crm-psa-integrate-tool/relay/log"
)

func observedLogger(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	atomicLevel := zap.NewAtomicLevelAt(level)

	adapted := &Logger{
		logger:      zap.New(core),
		atomicLevel: atomicLevel,
	}

	return adapted, logs
}

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	logger, err := New()
	require.NoError(t, err)

	assert.True(t, logger.Enabled(logpkg.LevelInfo))
	assert.False(t, logger.Enabled(logpkg.LevelDebug))
}

func TestLogEmitsConvertedFields(t *testing.T) {
	t.Parallel()

	logger, logs := observedLogger(zapcore.DebugLevel)

	cause := errors.New("boom")
	logger.Log(context.Background(), logpkg.LevelWarn, "dispatch failed",
		logpkg.String("topic", "document.create"),
		logpkg.Int("attempts", 3),
		logpkg.Duration("delay", 500*time.Millisecond),
		logpkg.Bool("terminal", false),
		logpkg.Err(cause),
	)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "dispatch failed", entries[0].Message)

	fields := entries[0].ContextMap()
	assert.Equal(t, "document.create", fields["topic"])
	assert.Equal(t, int64(3), fields["attempts"])
	assert.Equal(t, 500*time.Millisecond, fields["delay"])
	assert.Equal(t, false, fields["terminal"])
	assert.Equal(t, "boom", fields["error"])
}

func TestLogBelowLevelSuppressed(t *testing.T) {
	t.Parallel()

	logger, logs := observedLogger(zapcore.InfoLevel)

	logger.Log(context.Background(), logpkg.LevelDebug, "noise")

	assert.Zero(t, logs.Len())
}

func TestLogAppendsTraceCorrelation(t *testing.T) {
	t.Parallel()

	logger, logs := observedLogger(zapcore.DebugLevel)

	traceID, err := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("0102030405060708")
	require.NoError(t, err)

	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))

	logger.Log(ctx, logpkg.LevelInfo, "dispatched")

	entries := logs.All()
	require.Len(t, entries, 1)

	fields := entries[0].ContextMap()
	assert.Equal(t, traceID.String(), fields["trace_id"])
	assert.Equal(t, spanID.String(), fields["span_id"])
}

func TestWithCarriesFields(t *testing.T) {
	t.Parallel()

	logger, logs := observedLogger(zapcore.DebugLevel)

	child := logger.With(logpkg.String("component", "sweeper"))
	child.Log(context.Background(), logpkg.LevelInfo, "sweep complete")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "sweeper", entries[0].ContextMap()["component"])
}

func TestSetLevel(t *testing.T) {
	t.Parallel()

	logger, err := New(WithLevel(logpkg.LevelError))
	require.NoError(t, err)

	assert.False(t, logger.Enabled(logpkg.LevelInfo))

	logger.SetLevel(logpkg.LevelDebug)
	assert.True(t, logger.Enabled(logpkg.LevelDebug))
}

func TestNilLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var logger *Logger

	assert.NotPanics(t, func() {
		logger.Log(context.Background(), logpkg.LevelInfo, "ignored")
	})
	assert.NoError(t, logger.Sync(context.Background()))
}
