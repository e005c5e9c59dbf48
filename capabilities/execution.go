package capabilities

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/forgeline-dev/testforge/coreengine/tools"
	"github.com/forgeline-dev/testforge/coreengine/typeutil"
)

// ScriptExecutionName is the registry key for the execution capability.
const ScriptExecutionName = "script_execution"

// DefaultScriptTimeout bounds one script run when no timeout is configured.
const DefaultScriptTimeout = 300 * time.Second

// ScriptExecution runs one generated script per invocation through a
// ScriptRunner and maps the outcome into a result envelope.
type ScriptExecution struct {
	runner  ScriptRunner
	timeout time.Duration
}

var _ tools.Capability = (*ScriptExecution)(nil)

// NewScriptExecution creates the capability. timeout is the per-script
// default; args may override it per invocation.
func NewScriptExecution(runner ScriptRunner, timeout time.Duration) *ScriptExecution {
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	return &ScriptExecution{runner: runner, timeout: timeout}
}

func (c *ScriptExecution) Metadata() tools.Metadata {
	return tools.Metadata{
		Name:        ScriptExecutionName,
		Description: "Executes one test script in a subprocess with timeout enforcement",
		Version:     "1.0.0",
		Tags:        []string{"execution", "subprocess", "scripts"},
		IsSafe:      false, // runs generated code
		InputSchema: map[string]any{
			"script_path":  "string (required) - path to the script",
			"framework":    "string (optional) - playwright, pytest, or shell",
			"timeout":      "duration (optional) - per-script deadline",
			"test_case_id": "string (optional) - case the script was generated from",
		},
		OutputSchema: map[string]any{
			"exit_code":        "int - process exit code",
			"stdout":           "string - captured standard output",
			"stderr":           "string - captured standard error",
			"duration_seconds": "float64 - wall clock runtime",
			"timed_out":        "bool - whether the deadline killed the process",
		},
	}
}

// Run executes the script. Exit zero is success; non-zero exit and timeouts
// are failures carrying the full run outcome; inability to launch at all is
// an error.
func (c *ScriptExecution) Run(ctx context.Context, args map[string]any) (any, error) {
	path := strings.TrimSpace(typeutil.SafeStringDefault(args["script_path"], ""))
	if path == "" {
		return tools.NewFailureResult("script_path is required"), nil
	}
	framework := strings.ToLower(typeutil.SafeStringDefault(args["framework"], FrameworkShell))
	timeout := typeutil.SafeDurationDefault(args["timeout"], c.timeout)
	testCaseID := typeutil.SafeStringDefault(args["test_case_id"], "")

	if c.runner == nil {
		return nil, tools.NewDependencyError("script runner",
			"configure a subprocess script runner",
			errors.New("no runner configured"))
	}

	outcome, err := c.runner.Run(ctx, path, framework, timeout)
	if err != nil {
		return nil, err
	}

	data := map[string]any{
		"script_path":      path,
		"test_case_id":     testCaseID,
		"exit_code":        outcome.ExitCode,
		"stdout":           outcome.Stdout,
		"stderr":           outcome.Stderr,
		"duration_seconds": outcome.Duration.Seconds(),
		"timed_out":        outcome.TimedOut,
	}

	var res *tools.Result
	switch {
	case outcome.TimedOut:
		res = tools.NewFailureResult(fmt.Sprintf("script timed out after %s", timeout))
	case outcome.ExitCode != 0:
		res = tools.NewFailureResult(fmt.Sprintf("script exited with code %d", outcome.ExitCode))
	default:
		res = tools.NewSuccessResult(nil)
	}
	res.Data = data
	res.SetMetadata("framework", framework)
	res.SetMetadata("timeout", timeout.String())
	return res, nil
}
