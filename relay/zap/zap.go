package zap

import (
	"context"
	"time"

	logpkg "github.com/yuto-f04/crm-psa-integrate-tool/relay/log"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger adapts go.uber.org/zap to the relay log.Logger interface.
//
// When the context carries an active OpenTelemetry span, trace_id and
// span_id fields are appended so log entries correlate with traces.
type Logger struct {
	logger      *zap.Logger
	atomicLevel zap.AtomicLevel
}

var _ logpkg.Logger = (*Logger)(nil)

// Option mutates logger construction.
type Option func(*options)

type options struct {
	level       logpkg.Level
	development bool
	fields      []zap.Field
}

// WithLevel sets the minimum emitted level.
func WithLevel(level logpkg.Level) Option {
	return func(o *options) {
		o.level = level
	}
}

// WithDevelopment switches to the human-readable console encoder.
func WithDevelopment() Option {
	return func(o *options) {
		o.development = true
	}
}

// WithInitialFields attaches fields to every entry the logger emits.
func WithInitialFields(fields ...zap.Field) Option {
	return func(o *options) {
		o.fields = append(o.fields, fields...)
	}
}

// New builds a production JSON logger at the configured level.
func New(opts ...Option) (*Logger, error) {
	cfg := options{level: logpkg.LevelInfo}

	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	atomicLevel := zap.NewAtomicLevelAt(levelToZap(cfg.level))

	zapCfg := zap.NewProductionConfig()
	if cfg.development {
		zapCfg = zap.NewDevelopmentConfig()
	}

	zapCfg.Level = atomicLevel
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder

	logger, err := zapCfg.Build(zap.Fields(cfg.fields...))
	if err != nil {
		return nil, err
	}

	return &Logger{logger: logger, atomicLevel: atomicLevel}, nil
}

func (l *Logger) must() *zap.Logger {
	if l == nil || l.logger == nil {
		return zap.NewNop()
	}

	return l.logger
}

// Log implements log.Logger.
func (l *Logger) Log(ctx context.Context, level logpkg.Level, msg string, fields ...logpkg.Field) {
	zapFields := toZapFields(fields)

	if ctx != nil {
		if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
			zapFields = append(zapFields,
				zap.String("trace_id", sc.TraceID().String()),
				zap.String("span_id", sc.SpanID().String()),
			)
		}
	}

	switch level {
	case logpkg.LevelDebug:
		l.must().Debug(msg, zapFields...)
	case logpkg.LevelInfo:
		l.must().Info(msg, zapFields...)
	case logpkg.LevelWarn:
		l.must().Warn(msg, zapFields...)
	case logpkg.LevelError:
		l.must().Error(msg, zapFields...)
	default:
		l.must().Info(msg, zapFields...)
	}
}

// With returns a child logger carrying additional fields.
//
//nolint:ireturn
func (l *Logger) With(fields ...logpkg.Field) logpkg.Logger {
	return &Logger{
		logger:      l.must().With(toZapFields(fields)...),
		atomicLevel: l.atomicLevel,
	}
}

// Enabled reports whether an entry at level would be emitted.
func (l *Logger) Enabled(level logpkg.Level) bool {
	return l.must().Core().Enabled(levelToZap(level))
}

// Sync flushes buffered entries, respecting context cancellation.
func (l *Logger) Sync(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)

	go func() {
		done <- l.must().Sync()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// SetLevel changes the minimum emitted level at runtime.
func (l *Logger) SetLevel(level logpkg.Level) {
	if l == nil {
		return
	}

	l.atomicLevel.SetLevel(levelToZap(level))
}

func toZapFields(fields []logpkg.Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}

	zapFields := make([]zap.Field, 0, len(fields))

	for _, field := range fields {
		switch value := field.Value.(type) {
		case string:
			zapFields = append(zapFields, zap.String(field.Key, value))
		case int:
			zapFields = append(zapFields, zap.Int(field.Key, value))
		case int64:
			zapFields = append(zapFields, zap.Int64(field.Key, value))
		case bool:
			zapFields = append(zapFields, zap.Bool(field.Key, value))
		case time.Duration:
			zapFields = append(zapFields, zap.Duration(field.Key, value))
		case error:
			zapFields = append(zapFields, zap.NamedError(field.Key, value))
		default:
			zapFields = append(zapFields, zap.Any(field.Key, value))
		}
	}

	return zapFields
}

func levelToZap(level logpkg.Level) zapcore.Level {
	switch level {
	case logpkg.LevelDebug:
		return zapcore.DebugLevel
	case logpkg.LevelInfo:
		return zapcore.InfoLevel
	case logpkg.LevelWarn:
		return zapcore.WarnLevel
	case logpkg.LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
