// Package runtime provides panic-safe goroutine helpers. Every background
// goroutine in this module is launched through SafeGo or guarded with
// RecoverAndLogWithContext so a panicking job or handler cannot take the
// process down.
package runtime

import (
	"context"
	"fmt"
	"os"
	gruntime "runtime"

	"github.com/yuto-f04/crm-psa-integrate-tool/relay/log"
)

// RestartMode controls what happens after a panic is recovered.
type RestartMode int

const (
	// KeepRunning swallows the panic after logging it. The goroutine ends
	// but the process keeps running.
	KeepRunning RestartMode = iota
	// CrashProcess re-raises by exiting the process after logging. Reserved
	// for goroutines whose death leaves the application in an unusable state.
	CrashProcess
)

const stackBufSize = 8 << 10

// RecoverAndLog recovers from a panic in the calling goroutine and logs it
// with a truncated stack trace. Use as `defer runtime.RecoverAndLog(...)`.
func RecoverAndLog(logger log.Logger, component, name string) {
	RecoverAndLogWithContext(context.Background(), logger, component, name)
}

// RecoverAndLogWithContext is RecoverAndLog with trace correlation carried
// through ctx.
func RecoverAndLogWithContext(ctx context.Context, logger log.Logger, component, name string) {
	if r := recover(); r != nil {
		handlePanic(ctx, logger, component, name, r, KeepRunning)
	}
}

// RecoverWithPolicy recovers from a panic and applies the restart mode.
func RecoverWithPolicy(ctx context.Context, logger log.Logger, component, name string, mode RestartMode) {
	if r := recover(); r != nil {
		handlePanic(ctx, logger, component, name, r, mode)
	}
}

// SafeGo launches fn in a goroutine guarded by panic recovery.
func SafeGo(logger log.Logger, component, name string, mode RestartMode, fn func()) {
	go func() {
		defer RecoverWithPolicy(context.Background(), logger, component, name, mode)
		fn()
	}()
}

// SafeGoWithContext launches fn in a goroutine guarded by panic recovery,
// passing ctx through so the goroutine observes cancellation and trace
// correlation survives into the recovery log entry.
func SafeGoWithContext(ctx context.Context, logger log.Logger, component, name string, mode RestartMode, fn func(ctx context.Context)) {
	go func() {
		defer RecoverWithPolicy(ctx, logger, component, name, mode)
		fn(ctx)
	}()
}

func handlePanic(ctx context.Context, logger log.Logger, component, name string, panicValue any, mode RestartMode) {
	stack := make([]byte, stackBufSize)
	stack = stack[:gruntime.Stack(stack, false)]

	if logger == nil {
		logger = log.NewNop()
	}

	logger.Log(ctx, log.LevelError, "panic recovered",
		log.String("component", component),
		log.String("goroutine", name),
		log.String("panic", formatPanicValue(panicValue)),
		log.String("stack", string(stack)),
	)

	if mode == CrashProcess {
		_ = logger.Sync(ctx)
		os.Exit(2)
	}
}

func formatPanicValue(value any) string {
	switch val := value.(type) {
	case nil:
		return "<nil>"
	case string:
		return val
	case error:
		return val.Error()
	default:
		return fmt.Sprintf("%v", value)
	}
}
