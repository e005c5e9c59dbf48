package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline-dev/testforge/capabilities"
	"github.com/forgeline-dev/testforge/coreengine/envelope"
	"github.com/forgeline-dev/testforge/coreengine/tools"
)

func generationCases() []envelope.TestCase {
	return []envelope.TestCase{
		{ID: "tc_1", Name: "Click submit", Kind: "interaction", Steps: []string{"click #submit"}},
		{ID: "tc_2", Name: "Visit about", Kind: "navigation", Steps: []string{"goto /about"}},
	}
}

func TestGenerationAgentCompletes(t *testing.T) {
	// A successful batch lands scripts and validation counts on the state.
	var got map[string]any
	prov := providerWith(capabilities.ScriptGenerationName, func(_ context.Context, args map[string]any) (any, error) {
		got = args
		return tools.NewSuccessResult(map[string]any{
			"scripts": []envelope.Script{
				{TestCaseID: "tc_1", Path: "/tmp/scripts/tc_1.spec.js", Framework: capabilities.FrameworkPlaywright, Validated: true},
				{TestCaseID: "tc_2", Path: "/tmp/scripts/tc_2.spec.js", Framework: capabilities.FrameworkPlaywright, Validated: false},
			},
			"generated_count": 2,
		}), nil
	})

	agent, err := NewGenerationAgent(depsWith(prov))
	require.NoError(t, err)

	state := envelope.NewGenerationState(generationCases(), capabilities.FrameworkPlaywright)
	state.BaseURL = "https://example.com"

	state, err = agent.Run(context.Background(), state, "run-1")

	require.NoError(t, err)
	assert.Equal(t, envelope.StageStatusCompleted, state.Status)
	assert.Len(t, state.Scripts, 2)
	assert.Equal(t, 2, state.GeneratedCount)
	assert.Equal(t, 1, state.PassedValidation)

	require.NotNil(t, got)
	assert.Len(t, got["test_cases"], 2)
	assert.Equal(t, capabilities.FrameworkPlaywright, got["framework"])
	assert.Equal(t, "https://example.com", got["base_url"])
}

func TestGenerationAgentDefaultsFramework(t *testing.T) {
	// An unset framework falls back to playwright before the capability runs.
	var got map[string]any
	prov := providerWith(capabilities.ScriptGenerationName, func(_ context.Context, args map[string]any) (any, error) {
		got = args
		return tools.NewSuccessResult(map[string]any{
			"scripts": []envelope.Script{
				{TestCaseID: "tc_1", Path: "/tmp/scripts/tc_1.spec.js", Framework: capabilities.FrameworkPlaywright},
			},
		}), nil
	})

	agent, err := NewGenerationAgent(depsWith(prov))
	require.NoError(t, err)

	state, err := agent.Run(context.Background(), envelope.NewGenerationState(generationCases(), ""), "run-1")

	require.NoError(t, err)
	assert.Equal(t, capabilities.FrameworkPlaywright, state.Framework)
	assert.Equal(t, capabilities.FrameworkPlaywright, got["framework"])
}

func TestGenerationAgentRequiresCases(t *testing.T) {
	prov := &fakeProvider{}
	agent, err := NewGenerationAgent(depsWith(prov))
	require.NoError(t, err)

	state, err := agent.Run(context.Background(), envelope.NewGenerationState(nil, capabilities.FrameworkPlaywright), "run-1")

	require.NoError(t, err)
	assert.Equal(t, envelope.StageStatusFailed, state.Status)
	assert.Contains(t, state.Error, "at least one test case")
	assert.Empty(t, prov.lookups)
}

func TestGenerationAgentFailsOnEmptyBatch(t *testing.T) {
	// Zero scripts out of a non-empty plan is a stage failure.
	prov := providerWith(capabilities.ScriptGenerationName, func(_ context.Context, _ map[string]any) (any, error) {
		return tools.NewSuccessResult(map[string]any{
			"scripts": []envelope.Script{},
		}), nil
	})

	agent, err := NewGenerationAgent(depsWith(prov))
	require.NoError(t, err)

	state, err := agent.Run(context.Background(), envelope.NewGenerationState(generationCases(), capabilities.FrameworkPlaywright), "run-1")

	require.NoError(t, err)
	assert.Equal(t, envelope.StageStatusFailed, state.Status)
	assert.Contains(t, state.Error, "no scripts")
}

func TestGenerationAgentCapabilityFailure(t *testing.T) {
	prov := providerWith(capabilities.ScriptGenerationName, func(_ context.Context, _ map[string]any) (any, error) {
		return tools.NewFailureResult("generator backend unavailable"), nil
	})

	agent, err := NewGenerationAgent(depsWith(prov))
	require.NoError(t, err)

	state, err := agent.Run(context.Background(), envelope.NewGenerationState(generationCases(), capabilities.FrameworkPlaywright), "run-1")

	require.NoError(t, err)
	assert.Equal(t, envelope.StageStatusFailed, state.Status)
	assert.Contains(t, state.Error, "generator backend unavailable")
}
