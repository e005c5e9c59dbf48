package agents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/forgeline-dev/testforge/capabilities"
	"github.com/forgeline-dev/testforge/coreengine/envelope"
	"github.com/forgeline-dev/testforge/coreengine/observability"
	"github.com/forgeline-dev/testforge/coreengine/runtime"
	"github.com/forgeline-dev/testforge/coreengine/tools"
	"github.com/forgeline-dev/testforge/coreengine/typeutil"
)

// itemTimeoutSlack extends the pool deadline past the script timeout so the
// runner's own timeout fires first and reports a rich timed-out outcome; the
// pool deadline only catches a wedged runner.
const itemTimeoutSlack = 10 * time.Second

// ExecutionAgent drives the execution stage: run every generated script with
// bounded concurrency and collect per-script outcomes.
type ExecutionAgent struct {
	inner         *stageAgent[*envelope.ExecutionState]
	deps          Deps
	workers       int
	scriptTimeout time.Duration
}

// NewExecutionAgent compiles the execution stage graph. workers bounds
// concurrent scripts; scriptTimeout bounds each script run and falls back to
// the capability default when non-positive.
func NewExecutionAgent(deps Deps, workers int, scriptTimeout time.Duration) (*ExecutionAgent, error) {
	if scriptTimeout <= 0 {
		scriptTimeout = capabilities.DefaultScriptTimeout
	}
	a := &ExecutionAgent{deps: deps, workers: workers, scriptTimeout: scriptTimeout}

	g := runtime.NewGraph[*envelope.ExecutionState]("stage:" + envelope.StageExecution)
	g.AddNode("initialize", a.initialize)
	g.AddNode("validate_input", a.validateInput)
	g.AddNode("run_scripts", a.runScripts)
	g.AddNode("aggregate", a.aggregate)
	g.AddNode("complete", a.complete)
	g.AddNode("handle_error", a.handleError)
	g.SetEntry("initialize")
	g.AddEdge("initialize", "validate_input")
	g.AddConditionalEdge("validate_input", executionRoute,
		map[string]string{labelOK: "run_scripts", labelError: "handle_error"})
	g.AddConditionalEdge("run_scripts", executionRoute,
		map[string]string{labelOK: "aggregate", labelError: "handle_error"})
	g.AddEdge("aggregate", "complete")

	compiled, err := g.Compile()
	if err != nil {
		return nil, fmt.Errorf("compiling execution graph: %w", err)
	}
	a.inner = &stageAgent[*envelope.ExecutionState]{
		name:  envelope.StageExecution,
		graph: compiled,
		deps:  deps,
		status: func(s *envelope.ExecutionState) (envelope.StageStatus, string) {
			return s.Status, s.Error
		},
	}
	return a, nil
}

func executionRoute(s *envelope.ExecutionState) string { return routeByStatus(s.Status) }

// Run executes the execution stage to a terminal node. A failing or timed-out
// script marks its own result only; the stage completes around it.
func (a *ExecutionAgent) Run(ctx context.Context, state *envelope.ExecutionState, runID string) (*envelope.ExecutionState, error) {
	return a.inner.run(ctx, state, runID)
}

func (a *ExecutionAgent) initialize(_ context.Context, s *envelope.ExecutionState) *envelope.ExecutionState {
	s.Begin()
	return s
}

func (a *ExecutionAgent) validateInput(_ context.Context, s *envelope.ExecutionState) *envelope.ExecutionState {
	if len(s.Scripts) == 0 {
		s.Fail("execution requires at least one generated script")
	}
	return s
}

// runScripts resolves the execution capability once, then fans the scripts
// out over the pool. Per-script faults stay on their result.
func (a *ExecutionAgent) runScripts(ctx context.Context, s *envelope.ExecutionState) *envelope.ExecutionState {
	c, err := a.deps.Provider.Get(capabilities.ScriptExecutionName, nil)
	if err != nil {
		s.Fail(fmt.Sprintf("resolving %s: %s", capabilities.ScriptExecutionName, err))
		return s
	}

	logger := a.deps.logger()
	pool := runtime.NewPool(a.workers,
		runtime.WithItemTimeout(a.scriptTimeout+itemTimeoutSlack),
		runtime.WithPoolLogger(logger),
		runtime.WithProgress(func(completed, total int) {
			logger.Debug("script_batch_progress", "completed", completed, "total", total)
		}),
	)

	items := runtime.RunAll(ctx, pool, s.Scripts,
		func(ctx context.Context, _ int, script envelope.Script) (envelope.ScriptResult, error) {
			res := tools.Invoke(ctx, c, map[string]any{
				"script_path":  script.Path,
				"framework":    script.Framework,
				"test_case_id": script.TestCaseID,
				"timeout":      a.scriptTimeout,
			}, logger)
			observability.RecordCapabilityInvocation(capabilities.ScriptExecutionName, string(res.Status), res.Elapsed)
			return scriptResultFrom(script, res), nil
		})

	results := make([]envelope.ScriptResult, 0, len(items))
	for _, item := range items {
		if item.Err != nil {
			results = append(results, poolFailureResult(s.Scripts[item.Index], item))
			continue
		}
		results = append(results, item.Value)
	}
	s.Results = results
	return s
}

func (a *ExecutionAgent) aggregate(_ context.Context, s *envelope.ExecutionState) *envelope.ExecutionState {
	s.TotalTests = len(s.Results)
	passed, failed, skipped := 0, 0, 0
	for _, r := range s.Results {
		switch r.Status {
		case envelope.ItemPassed:
			passed++
		case envelope.ItemSkipped:
			skipped++
		default:
			failed++
		}
	}
	s.PassedCount = passed
	s.FailedCount = failed
	s.SkippedCount = skipped
	return s
}

func (a *ExecutionAgent) complete(_ context.Context, s *envelope.ExecutionState) *envelope.ExecutionState {
	s.Complete()
	return s
}

func (a *ExecutionAgent) handleError(_ context.Context, s *envelope.ExecutionState) *envelope.ExecutionState {
	if s.Status != envelope.StageStatusFailed {
		s.Fail("execution failed for an unspecified reason")
	}
	return s
}

// scriptResultFrom maps a capability result onto the execution record. Both
// failure and error statuses mark the item failed; the captured streams and
// exit code travel in the result data either way.
func scriptResultFrom(script envelope.Script, res *tools.Result) envelope.ScriptResult {
	out := envelope.ScriptResult{
		ScriptPath: script.Path,
		TestCaseID: script.TestCaseID,
		Status:     envelope.ItemFailed,
		ExitCode:   -1,
	}
	if res.Data != nil {
		out.ExitCode = typeutil.SafeIntDefault(res.Data["exit_code"], -1)
		out.Stdout = typeutil.SafeStringDefault(res.Data["stdout"], "")
		out.Stderr = typeutil.SafeStringDefault(res.Data["stderr"], "")
		out.DurationSeconds = typeutil.SafeFloat64Default(res.Data["duration_seconds"], 0)
		out.TimedOut = typeutil.SafeBoolDefault(res.Data["timed_out"], false)
	}
	if res.Status == tools.StatusSuccess {
		out.Status = envelope.ItemPassed
	} else if out.Stderr == "" {
		out.Stderr = res.Error
	}
	observability.RecordScriptExecution(script.Framework, string(out.Status),
		time.Duration(out.DurationSeconds*float64(time.Second)))
	return out
}

// poolFailureResult covers items the pool terminated itself: a cancelled
// dispatch reads as skipped, a pool deadline as a timed-out failure.
func poolFailureResult(script envelope.Script, item runtime.ItemResult[envelope.ScriptResult]) envelope.ScriptResult {
	out := envelope.ScriptResult{
		ScriptPath:      script.Path,
		TestCaseID:      script.TestCaseID,
		Status:          envelope.ItemFailed,
		ExitCode:        -1,
		Stderr:          item.Err.Error(),
		DurationSeconds: item.Elapsed.Seconds(),
		TimedOut:        item.TimedOut,
	}
	if errors.Is(item.Err, context.Canceled) && !item.TimedOut {
		out.Status = envelope.ItemSkipped
		out.Stderr = "script skipped: run cancelled"
	}
	observability.RecordScriptExecution(script.Framework, string(out.Status), item.Elapsed)
	return out
}
