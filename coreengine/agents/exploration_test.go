package agents

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline-dev/testforge/capabilities"
	"github.com/forgeline-dev/testforge/coreengine/envelope"
	"github.com/forgeline-dev/testforge/coreengine/tools"
)

func TestExplorationAgentCompletes(t *testing.T) {
	// A successful crawl lands elements, pages and the per-kind tally on the state.
	var got map[string]any
	prov := providerWith(capabilities.WebDiscoveryName, func(_ context.Context, args map[string]any) (any, error) {
		got = args
		return tools.NewSuccessResult(map[string]any{
			"elements": []envelope.Element{
				{ID: "el_1", Kind: "link", Selector: "a.nav", Page: "https://example.com"},
				{ID: "el_2", Kind: "button", Selector: "#submit", Page: "https://example.com"},
				{ID: "el_3", Kind: "link", Selector: "a.footer", Page: "https://example.com/about"},
			},
			"pages": []envelope.Page{
				{URL: "https://example.com", Title: "Home", ElementCount: 2},
				{URL: "https://example.com/about", Title: "About", ElementCount: 1},
			},
		}), nil
	})

	agent, err := NewExplorationAgent(depsWith(prov))
	require.NoError(t, err)

	state, err := agent.Run(context.Background(), envelope.NewExplorationState("https://example.com", 2, 10), "run-1")

	require.NoError(t, err)
	assert.Equal(t, envelope.StageStatusCompleted, state.Status)
	assert.Empty(t, state.Error)
	assert.Len(t, state.Elements, 3)
	assert.Len(t, state.Pages, 2)
	assert.Equal(t, 3, state.TotalElements)
	assert.Equal(t, map[string]int{"link": 2, "button": 1}, state.ElementTypes)
	assert.NotNil(t, state.StartedAt)
	assert.NotNil(t, state.CompletedAt)

	require.NotNil(t, got)
	assert.Equal(t, "https://example.com", got["url"])
	assert.Equal(t, 2, got["max_depth"])
	assert.Equal(t, 10, got["max_pages"])
}

func TestExplorationAgentRequiresURL(t *testing.T) {
	// A blank target fails validation before any capability lookup.
	prov := &fakeProvider{}
	agent, err := NewExplorationAgent(depsWith(prov))
	require.NoError(t, err)

	state, err := agent.Run(context.Background(), envelope.NewExplorationState("  ", 1, 5), "run-1")

	require.NoError(t, err)
	assert.Equal(t, envelope.StageStatusFailed, state.Status)
	assert.Contains(t, state.Error, "target URL")
	assert.Empty(t, prov.lookups)
}

func TestExplorationAgentRejectsNegativeBounds(t *testing.T) {
	prov := &fakeProvider{}
	agent, err := NewExplorationAgent(depsWith(prov))
	require.NoError(t, err)

	state, err := agent.Run(context.Background(), envelope.NewExplorationState("https://example.com", -1, 5), "run-1")

	require.NoError(t, err)
	assert.Equal(t, envelope.StageStatusFailed, state.Status)
	assert.Contains(t, state.Error, "must not be negative")
}

func TestExplorationAgentCapabilityFailure(t *testing.T) {
	// A failing crawl marks the stage failed and keeps the capability message.
	prov := providerWith(capabilities.WebDiscoveryName, func(_ context.Context, _ map[string]any) (any, error) {
		return tools.NewFailureResult("browser session crashed"), nil
	})
	agent, err := NewExplorationAgent(depsWith(prov))
	require.NoError(t, err)

	state, err := agent.Run(context.Background(), envelope.NewExplorationState("https://example.com", 1, 5), "run-1")

	require.NoError(t, err)
	assert.Equal(t, envelope.StageStatusFailed, state.Status)
	assert.Contains(t, state.Error, "browser session crashed")
}

func TestExplorationAgentFoldsDependencySuggestion(t *testing.T) {
	// A missing browser dependency surfaces its remediation hint in the error.
	prov := providerWith(capabilities.WebDiscoveryName, func(_ context.Context, _ map[string]any) (any, error) {
		return nil, &tools.DependencyError{
			Resource:   "chrome",
			Suggestion: "start chrome with --remote-debugging-port=9222",
			Err:        errors.New("connection refused"),
		}
	})
	agent, err := NewExplorationAgent(depsWith(prov))
	require.NoError(t, err)

	state, err := agent.Run(context.Background(), envelope.NewExplorationState("https://example.com", 1, 5), "run-1")

	require.NoError(t, err)
	assert.Equal(t, envelope.StageStatusFailed, state.Status)
	assert.Contains(t, state.Error, "remote-debugging-port")
}

func TestExplorationAgentMissingCapability(t *testing.T) {
	// An unregistered capability fails the stage instead of panicking.
	agent, err := NewExplorationAgent(depsWith(&fakeProvider{}))
	require.NoError(t, err)

	state, err := agent.Run(context.Background(), envelope.NewExplorationState("https://example.com", 1, 5), "run-1")

	require.NoError(t, err)
	assert.Equal(t, envelope.StageStatusFailed, state.Status)
	assert.Contains(t, state.Error, capabilities.WebDiscoveryName)
}
