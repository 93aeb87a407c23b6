// Package async runs background work behind a panic guard so a misbehaving
// goroutine degrades to an error log instead of crashing the server.
package async

import (
	"runtime/debug"

	"taskbridge/internal/logging"
)

// Go starts fn on a new goroutine. A panic in fn is recovered and logged
// with the given name and the goroutine's stack; the process keeps running.
func Go(logger logging.Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				if name == "" {
					name = "unnamed"
				}
				logging.OrNop(logger).Error("background goroutine %q panicked: %v\n%s", name, r, debug.Stack())
			}
		}()
		fn()
	}()
}
