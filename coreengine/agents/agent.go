// Package agents implements the five pipeline stage agents. Each agent owns
// a compiled stage graph over its state record, resolves capabilities through
// the registry at execution time, and reports through tracing, metrics, and
// structured logs. Stage failures are recorded in the state and routed to the
// stage's error terminal; the Run error reports executor faults only, such as
// cancellation.
package agents

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/forgeline-dev/testforge/coreengine/envelope"
	"github.com/forgeline-dev/testforge/coreengine/logging"
	"github.com/forgeline-dev/testforge/coreengine/observability"
	"github.com/forgeline-dev/testforge/coreengine/runtime"
	"github.com/forgeline-dev/testforge/coreengine/tools"
	"github.com/forgeline-dev/testforge/coreengine/typeutil"
)

var tracer = otel.Tracer("testforge/agents")

// Edge labels shared by every stage graph.
const (
	labelOK    = "ok"
	labelError = "error"
)

// Deps carries the shared wiring every stage agent needs. Checkpoints may be
// nil to disable state persistence.
type Deps struct {
	Provider    tools.Provider
	Logger      logging.Logger
	Checkpoints runtime.CheckpointStore
}

func (d Deps) logger() logging.Logger { return logging.OrNop(d.Logger) }

// routeByStatus maps stage status onto the shared edge labels.
func routeByStatus(status envelope.StageStatus) string {
	if status == envelope.StageStatusFailed {
		return labelError
	}
	return labelOK
}

// =============================================================================
// Shared stage engine
// =============================================================================

// stageAgent is the engine behind the five stage agents: one compiled graph
// invoked with tracing, metrics, lifecycle logs, and optional checkpoints.
type stageAgent[S any] struct {
	name   string
	graph  *runtime.CompiledGraph[S]
	deps   Deps
	status func(S) (envelope.StageStatus, string)
}

// run drives the graph to a terminal node. The returned error reports
// executor faults (cancellation, routing bugs); a failed stage comes back as
// a state with status failed and a nil error.
func (a *stageAgent[S]) run(ctx context.Context, state S, runID string) (S, error) {
	ctx, span := tracer.Start(ctx, "stage."+a.name,
		trace.WithAttributes(
			attribute.String("testforge.stage", a.name),
			attribute.String("testforge.run.id", runID),
		))
	defer span.End()

	logger := a.deps.logger()
	start := time.Now()
	logger.Info(a.name+"_started", "run_id", runID)

	opts := []runtime.InvokeOption{
		runtime.WithRunID(runID),
		runtime.WithLogger(logger),
	}
	if a.deps.Checkpoints != nil {
		opts = append(opts, runtime.WithCheckpoints(a.deps.Checkpoints))
	}

	out, err := a.graph.Invoke(ctx, state, opts...)
	duration := time.Since(start)

	if err != nil {
		observability.RecordStageExecution(a.name, "error", duration)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error(a.name+"_aborted",
			"run_id", runID,
			"error", err.Error(),
			"duration_ms", duration.Milliseconds())
		return out, err
	}

	status, errMsg := a.status(out)
	if status == envelope.StageStatusFailed {
		observability.RecordStageExecution(a.name, "error", duration)
		span.SetStatus(codes.Error, errMsg)
		logger.Error(a.name+"_failed",
			"run_id", runID,
			"error", errMsg,
			"duration_ms", duration.Milliseconds())
		return out, nil
	}

	observability.RecordStageExecution(a.name, "success", duration)
	span.SetStatus(codes.Ok, "success")
	logger.Info(a.name+"_completed",
		"run_id", runID,
		"duration_ms", duration.Milliseconds())
	return out, nil
}

// =============================================================================
// Capability access
// =============================================================================

// invokeCapability resolves a registered capability and runs it through the
// invocation wrapper, recording invocation metrics. Resolution failures come
// back as error results so callers handle one shape.
func invokeCapability(ctx context.Context, deps Deps, name string, config, args map[string]any) *tools.Result {
	c, err := deps.Provider.Get(name, config)
	if err != nil {
		res := tools.NewErrorResult(err.Error())
		res.SetMetadata("tool", name)
		observability.RecordCapabilityInvocation(name, string(res.Status), 0)
		return res
	}
	res := tools.Invoke(ctx, c, args, deps.logger())
	observability.RecordCapabilityInvocation(name, string(res.Status), res.Elapsed)
	return res
}

// failureMessage folds the remediation suggestion, when present, into the
// error message so operators see the fix next to the fault.
func failureMessage(res *tools.Result) string {
	msg := res.Error
	if msg == "" {
		msg = fmt.Sprintf("capability returned status %s without an error message", res.Status)
	}
	if suggestion := typeutil.SafeStringDefault(res.Metadata["suggestion"], ""); suggestion != "" {
		msg = msg + " (" + suggestion + ")"
	}
	return msg
}
