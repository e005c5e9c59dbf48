package scriptrun

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline-dev/testforge/capabilities"
	"github.com/forgeline-dev/testforge/coreengine/tools"
)

func writeScript(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.sh")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o755))
	return path
}

func TestRunnerShellSuccess(t *testing.T) {
	r := New(nil)
	path := writeScript(t, "#!/bin/sh\necho hello\n")

	outcome, err := r.Run(context.Background(), path, capabilities.FrameworkShell, 10*time.Second)

	require.NoError(t, err)
	assert.Equal(t, 0, outcome.ExitCode)
	assert.Equal(t, "hello\n", outcome.Stdout)
	assert.False(t, outcome.TimedOut)
	assert.Greater(t, outcome.Duration, time.Duration(0))
}

func TestRunnerShellNonZeroExit(t *testing.T) {
	// A failing script is an outcome, not an error.
	r := New(nil)
	path := writeScript(t, "#!/bin/sh\necho broken >&2\nexit 3\n")

	outcome, err := r.Run(context.Background(), path, capabilities.FrameworkShell, 10*time.Second)

	require.NoError(t, err)
	assert.Equal(t, 3, outcome.ExitCode)
	assert.Equal(t, "broken\n", outcome.Stderr)
	assert.False(t, outcome.TimedOut)
}

func TestRunnerTimeoutKillsProcess(t *testing.T) {
	r := New(nil, WithGracePeriod(time.Second))
	path := writeScript(t, "#!/bin/sh\nsleep 10\n")

	start := time.Now()
	outcome, err := r.Run(context.Background(), path, capabilities.FrameworkShell, 300*time.Millisecond)

	require.NoError(t, err)
	assert.True(t, outcome.TimedOut)
	assert.Less(t, time.Since(start), 3*time.Second, "timeout did not kill the script promptly")
}

func TestRunnerMissingScript(t *testing.T) {
	r := New(nil)

	_, err := r.Run(context.Background(), filepath.Join(t.TempDir(), "absent.sh"), capabilities.FrameworkShell, time.Second)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "script not found")
}

func TestRunnerUnsupportedFramework(t *testing.T) {
	r := New(nil)
	path := writeScript(t, "#!/bin/sh\n")

	_, err := r.Run(context.Background(), path, "cypress", time.Second)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported framework 'cypress'")
}

func TestRunnerMissingInterpreterIsDependencyError(t *testing.T) {
	r := New(nil)
	r.look = func(string) (string, error) { return "", exec.ErrNotFound }
	path := writeScript(t, "#!/bin/sh\n")

	_, err := r.Run(context.Background(), path, capabilities.FrameworkPytest, time.Second)

	var depErr *tools.DependencyError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, "python3", depErr.Resource)
	assert.Contains(t, depErr.Suggestion, "pytest")
}

func TestRunnerCanceledContextAbortsRun(t *testing.T) {
	r := New(nil, WithGracePeriod(time.Second))
	path := writeScript(t, "#!/bin/sh\nsleep 10\n")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := r.Run(ctx, path, capabilities.FrameworkShell, 30*time.Second)

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestCommandFor(t *testing.T) {
	tests := []struct {
		framework string
		wantFirst string
		wantErr   bool
	}{
		{capabilities.FrameworkPlaywright, "npx", false},
		{capabilities.FrameworkPytest, "python3", false},
		{capabilities.FrameworkShell, "sh", false},
		{"cypress", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.framework, func(t *testing.T) {
			cmd, err := commandFor(tt.framework, "scripts/a")
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantFirst, cmd.argv[0])
			assert.Contains(t, cmd.argv, "scripts/a")
			assert.NotEmpty(t, cmd.suggestion)
		})
	}
}
