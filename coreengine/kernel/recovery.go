package kernel

import (
	"fmt"
	"runtime/debug"

	"github.com/forgeline-dev/testforge/coreengine/logging"
)

// SafeExecute runs fn, converting a panic into an error so one broken
// operation cannot take the kernel down.
func SafeExecute(logger logging.Logger, operation string, fn func() error) (err error) {
	logger = logging.OrNop(logger)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic_recovered",
				"operation", operation,
				"panic", fmt.Sprintf("%v", r))
			logger.Debug("panic_stack", "operation", operation, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic in %s: %v", operation, r)
		}
	}()
	return fn()
}

// SafeExecuteWithResult runs fn, converting a panic into an error and the
// type's zero value.
func SafeExecuteWithResult[T any](logger logging.Logger, operation string, fn func() (T, error)) (result T, err error) {
	logger = logging.OrNop(logger)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic_recovered",
				"operation", operation,
				"panic", fmt.Sprintf("%v", r))
			logger.Debug("panic_stack", "operation", operation, "stack", string(debug.Stack()))
			var zero T
			result = zero
			err = fmt.Errorf("panic in %s: %v", operation, r)
		}
	}()
	return fn()
}

// SafeGo starts fn on a new goroutine with panic recovery. onPanic, when
// non-nil, receives the recovered value.
func SafeGo(logger logging.Logger, operation string, fn func(), onPanic func(any)) {
	logger = logging.OrNop(logger)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("goroutine_panic_recovered",
					"operation", operation,
					"panic", fmt.Sprintf("%v", r))
				logger.Debug("panic_stack", "operation", operation, "stack", string(debug.Stack()))
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}
