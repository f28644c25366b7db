// Package async wraps fire-and-forget goroutines with panic recovery so a
// misbehaving handler cannot take down the orchestrator process.
package async

import (
	"context"
	"runtime/debug"
	"time"

	"forge/internal/logging"
)

// Go runs fn in a goroutine guarded by panic recovery.
func Go(logger logging.Logger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// GoCtx runs fn with a context derived from parent and returns its cancel
// func so the caller can stop the goroutine.
func GoCtx(parent context.Context, logger logging.Logger, name string, fn func(ctx context.Context)) context.CancelFunc {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		defer Recover(logger, name)
		fn(ctx)
	}()
	return cancel
}

// GoWithTimeout runs fn bounded by timeout. fn is expected to honor ctx.
func GoWithTimeout(parent context.Context, logger logging.Logger, name string, timeout time.Duration, fn func(ctx context.Context)) context.CancelFunc {
	ctx, cancel := context.WithTimeout(parent, timeout)
	go func() {
		defer cancel()
		defer Recover(logger, name)
		fn(ctx)
	}()
	return cancel
}

// Recover logs panic details without crashing the process.
func Recover(logger logging.Logger, name string) {
	if r := recover(); r != nil {
		if logging.IsNil(logger) {
			return
		}
		if name == "" {
			logger.Error("goroutine panic: %v, stack: %s", r, debug.Stack())
			return
		}
		logger.Error("goroutine panic [%s]: %v, stack: %s", name, r, debug.Stack())
	}
}
