package tools

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/forgeline-dev/testforge/coreengine/logging"
)

// Invoke runs a capability and always returns exactly one Result. Raw return
// values are wrapped, errors become error envelopes with type metadata, and
// panics are recovered. Callers may treat invocation as a total function from
// arguments to Result.
func Invoke(ctx context.Context, c Capability, args map[string]any, logger logging.Logger) (result *Result) {
	log := logging.OrNop(logger)
	name := c.Metadata().Name
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("capability_panicked", "capability", name, "panic", fmt.Sprintf("%v", rec))
			log.Debug("capability_panic_stack", "capability", name, "stack", string(debug.Stack()))
			result = NewErrorResult(fmt.Sprintf("capability '%s' panicked: %v", name, rec))
			result.SetMetadata("error_type", "panic")
			finalize(result, name, time.Since(start))
		}
	}()

	raw, err := c.Run(ctx, args)
	elapsed := time.Since(start)

	if err != nil {
		res := NewErrorResult(err.Error())
		res.SetMetadata("error_type", fmt.Sprintf("%T", err))

		var depErr *DependencyError
		if errors.As(err, &depErr) {
			res.SetMetadata("category", "missing_dependency")
			if depErr.Suggestion != "" {
				res.SetMetadata("suggestion", depErr.Suggestion)
			}
		}
		finalize(res, name, elapsed)
		log.Warn("capability_failed",
			"capability", name,
			"error", err.Error(),
			"elapsed_ms", elapsed.Milliseconds())
		return res
	}

	res := coerce(raw)
	finalize(res, name, elapsed)
	log.Debug("capability_completed",
		"capability", name,
		"status", string(res.Status),
		"elapsed_ms", elapsed.Milliseconds())
	return res
}

// coerce normalizes a capability's raw return value into a Result.
func coerce(raw any) *Result {
	switch v := raw.(type) {
	case *Result:
		if v == nil {
			return NewSuccessResult(nil)
		}
		return v
	case Result:
		r := v
		return &r
	case map[string]any:
		return NewSuccessResult(v)
	case nil:
		return NewSuccessResult(nil)
	default:
		return NewSuccessResult(map[string]any{"result": v})
	}
}

// finalize stamps timing and merges the capability name into metadata under
// "tool", preserving an entry a nested invocation already wrote.
func finalize(r *Result, name string, elapsed time.Duration) {
	r.Elapsed = elapsed
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	if _, exists := r.Meta("tool"); !exists {
		r.SetMetadata("tool", name)
	}
}
