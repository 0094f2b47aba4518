package log

import "context"

// NopLogger discards every log entry. It is the nil-safety fallback used by
// components that receive a nil logger.
type NopLogger struct{}

// NewNop returns a logger that discards everything.
func NewNop() Logger {
	return &NopLogger{}
}

func (*NopLogger) Log(context.Context, Level, string, ...Field) {}

func (logger *NopLogger) With(...Field) Logger { return logger }

func (*NopLogger) Enabled(Level) bool { return false }

func (*NopLogger) Sync(context.Context) error { return nil }
