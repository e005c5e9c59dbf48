// Package agents tests for the shared stage engine and its helpers.
package agents

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline-dev/testforge/coreengine/envelope"
	"github.com/forgeline-dev/testforge/coreengine/logging"
	"github.com/forgeline-dev/testforge/coreengine/tools"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// fakeCapability runs a canned function under a fixed name.
type fakeCapability struct {
	name string
	run  func(ctx context.Context, args map[string]any) (any, error)
}

func (f *fakeCapability) Metadata() tools.Metadata {
	return tools.Metadata{Name: f.name, Version: "0.0.0", IsSafe: true}
}

func (f *fakeCapability) Run(ctx context.Context, args map[string]any) (any, error) {
	return f.run(ctx, args)
}

// fakeProvider resolves capabilities from a fixed map and records lookups.
type fakeProvider struct {
	caps    map[string]tools.Capability
	lookups []string
}

func (p *fakeProvider) Get(name string, _ map[string]any) (tools.Capability, error) {
	p.lookups = append(p.lookups, name)
	c, ok := p.caps[name]
	if !ok {
		return nil, fmt.Errorf("capability '%s' is not registered", name)
	}
	return c, nil
}

// providerWith builds a provider exposing a single canned capability.
func providerWith(name string, run func(ctx context.Context, args map[string]any) (any, error)) *fakeProvider {
	return &fakeProvider{caps: map[string]tools.Capability{
		name: &fakeCapability{name: name, run: run},
	}}
}

func depsWith(p tools.Provider) Deps {
	return Deps{Provider: p, Logger: logging.NewNop()}
}

// =============================================================================
// ROUTING TESTS
// =============================================================================

func TestRouteByStatus(t *testing.T) {
	// Only a failed stage routes to the error branch.
	tests := []struct {
		status envelope.StageStatus
		want   string
	}{
		{envelope.StageStatusPending, labelOK},
		{envelope.StageStatusInProgress, labelOK},
		{envelope.StageStatusCompleted, labelOK},
		{envelope.StageStatusFailed, labelError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, routeByStatus(tt.status), "status %s", tt.status)
	}
}

// =============================================================================
// CAPABILITY ACCESS TESTS
// =============================================================================

func TestInvokeCapabilityRunsRegisteredCapability(t *testing.T) {
	// A registered capability runs and its arguments pass through unchanged.
	var got map[string]any
	prov := providerWith("echo", func(_ context.Context, args map[string]any) (any, error) {
		got = args
		return map[string]any{"ok": true}, nil
	})

	res := invokeCapability(context.Background(), depsWith(prov), "echo", nil, map[string]any{"k": "v"})

	require.NotNil(t, res)
	assert.True(t, res.IsSuccess())
	assert.Equal(t, map[string]any{"k": "v"}, got)
	assert.Equal(t, []string{"echo"}, prov.lookups)
}

func TestInvokeCapabilityUnknownName(t *testing.T) {
	// Resolution failures come back as error results, not panics.
	prov := &fakeProvider{}

	res := invokeCapability(context.Background(), depsWith(prov), "missing", nil, nil)

	require.NotNil(t, res)
	assert.True(t, res.IsFailure())
	assert.Contains(t, res.Error, "missing")
	tool, ok := res.Meta("tool")
	require.True(t, ok)
	assert.Equal(t, "missing", tool)
}

func TestInvokeCapabilityWrapsErrors(t *testing.T) {
	// A capability error surfaces as a failure result with the message intact.
	prov := providerWith("boom", func(_ context.Context, _ map[string]any) (any, error) {
		return nil, fmt.Errorf("connection refused")
	})

	res := invokeCapability(context.Background(), depsWith(prov), "boom", nil, nil)

	assert.True(t, res.IsFailure())
	assert.Contains(t, res.Error, "connection refused")
}

// =============================================================================
// FAILURE MESSAGE TESTS
// =============================================================================

func TestFailureMessageUsesResultError(t *testing.T) {
	res := tools.NewFailureResult("element not found")
	assert.Equal(t, "element not found", failureMessage(res))
}

func TestFailureMessageFallsBackToStatus(t *testing.T) {
	// An empty error message still produces something actionable.
	res := tools.NewFailureResult("")
	assert.Contains(t, failureMessage(res), string(tools.StatusFailure))
}

func TestFailureMessageFoldsSuggestion(t *testing.T) {
	// Remediation hints from dependency errors ride along in parentheses.
	res := tools.NewErrorResult("chrome not reachable")
	res.SetMetadata("suggestion", "start chrome with --remote-debugging-port")

	msg := failureMessage(res)

	assert.Equal(t, "chrome not reachable (start chrome with --remote-debugging-port)", msg)
}
