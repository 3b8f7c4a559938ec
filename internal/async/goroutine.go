// Package async guards the planning core's background goroutines. The
// executor tick loop, the goal-effect drain, the cognition outbox flush and
// the dashboard pumps all start through Go so a panic in any of them is
// logged with its stack instead of taking down the process.
package async

import "runtime/debug"

// PanicLogger captures panic reports from background goroutines.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go runs fn in a goroutine guarded by panic recovery. The name identifies
// the loop in panic reports (executor-loop, drain, cognition-outbox, ...).
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover logs panic details without crashing the process. Deferred directly
// by loops that manage their own goroutines.
func Recover(logger PanicLogger, name string) {
	if r := recover(); r != nil {
		if logger == nil {
			return
		}
		if name == "" {
			logger.Error("goroutine panic: %v, stack: %s", r, debug.Stack())
			return
		}
		logger.Error("goroutine panic [%s]: %v, stack: %s", name, r, debug.Stack())
	}
}
