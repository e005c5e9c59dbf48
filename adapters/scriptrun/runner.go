// Package scriptrun executes generated test scripts in subprocesses. It is
// the default capabilities.ScriptRunner: one process per script, output
// captured, the whole process group killed on timeout.
package scriptrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/forgeline-dev/testforge/capabilities"
	"github.com/forgeline-dev/testforge/coreengine/logging"
	"github.com/forgeline-dev/testforge/coreengine/tools"
)

// DefaultGracePeriod is how long a process gets between SIGTERM and SIGKILL
// when a timeout or cancellation stops it.
const DefaultGracePeriod = 5 * time.Second

// Runner runs scripts through os/exec with per-run timeouts.
type Runner struct {
	logger logging.Logger
	grace  time.Duration

	// look resolves an interpreter binary; swapped in tests.
	look func(file string) (string, error)
}

var _ capabilities.ScriptRunner = (*Runner)(nil)

// Option adjusts runner behavior.
type Option func(*Runner)

// WithGracePeriod sets the SIGTERM-to-SIGKILL window.
func WithGracePeriod(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.grace = d
		}
	}
}

// New creates a Runner. A nil logger is replaced by a nop.
func New(logger logging.Logger, opts ...Option) *Runner {
	r := &Runner{
		logger: logging.OrNop(logger),
		grace:  DefaultGracePeriod,
		look:   exec.LookPath,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one script and reports the raw outcome. A timeout kills the
// process group and sets TimedOut on the outcome; errors are reserved for
// runs that never started (missing script, missing interpreter, canceled
// context).
func (r *Runner) Run(ctx context.Context, scriptPath, framework string, timeout time.Duration) (*capabilities.RunOutcome, error) {
	if _, err := os.Stat(scriptPath); err != nil {
		return nil, fmt.Errorf("script not found: %s", scriptPath)
	}
	cmd, err := commandFor(framework, scriptPath)
	if err != nil {
		return nil, err
	}
	if _, err := r.look(cmd.argv[0]); err != nil {
		return nil, tools.NewDependencyError(cmd.resource, cmd.suggestion, err)
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	c := exec.CommandContext(runCtx, cmd.argv[0], cmd.argv[1:]...)

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	// Process group so the kill reaches children the script spawns.
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		if c.Process == nil {
			return nil
		}
		return syscall.Kill(-c.Process.Pid, syscall.SIGTERM)
	}
	c.WaitDelay = r.grace

	r.logger.Debug("script_started",
		"script", scriptPath,
		"framework", framework,
		"timeout", timeout.String())

	start := time.Now()
	runErr := c.Run()
	elapsed := time.Since(start)

	outcome := &capabilities.RunOutcome{
		ExitCode: -1,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: elapsed,
	}
	if c.ProcessState != nil {
		outcome.ExitCode = c.ProcessState.ExitCode()
	}

	switch {
	case runErr == nil:
		r.logger.Debug("script_completed",
			"script", scriptPath,
			"exit_code", outcome.ExitCode,
			"elapsed_ms", elapsed.Milliseconds())
		return outcome, nil

	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		outcome.TimedOut = true
		r.logger.Warn("script_timed_out",
			"script", scriptPath,
			"timeout", timeout.String(),
			"elapsed_ms", elapsed.Milliseconds())
		return outcome, nil

	case ctx.Err() != nil:
		return nil, fmt.Errorf("script run aborted: %w", ctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		r.logger.Debug("script_completed",
			"script", scriptPath,
			"exit_code", outcome.ExitCode,
			"elapsed_ms", elapsed.Milliseconds())
		return outcome, nil
	}
	return nil, fmt.Errorf("launching script %s: %w", scriptPath, runErr)
}

// frameworkCommand is the argv for one framework plus the dependency context
// reported when its interpreter is absent.
type frameworkCommand struct {
	argv       []string
	resource   string
	suggestion string
}

func commandFor(framework, scriptPath string) (frameworkCommand, error) {
	switch framework {
	case capabilities.FrameworkPlaywright:
		return frameworkCommand{
			argv:       []string{"npx", "playwright", "test", scriptPath},
			resource:   "npx (Node.js)",
			suggestion: "install Node.js and Playwright: npm install -D @playwright/test",
		}, nil
	case capabilities.FrameworkPytest:
		return frameworkCommand{
			argv:       []string{"python3", "-m", "pytest", scriptPath, "-v", "--tb=short", "--color=no"},
			resource:   "python3",
			suggestion: "install Python 3 and pytest: pip install pytest playwright",
		}, nil
	case capabilities.FrameworkShell:
		return frameworkCommand{
			argv:       []string{"sh", scriptPath},
			resource:   "sh",
			suggestion: "install a POSIX shell",
		}, nil
	default:
		return frameworkCommand{}, fmt.Errorf("unsupported framework '%s'", framework)
	}
}
