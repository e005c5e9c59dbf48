package agents

import (
	"context"
	"fmt"

	"github.com/forgeline-dev/testforge/capabilities"
	"github.com/forgeline-dev/testforge/coreengine/envelope"
	"github.com/forgeline-dev/testforge/coreengine/runtime"
	"github.com/forgeline-dev/testforge/coreengine/typeutil"
)

// GenerationAgent drives the generation stage: render one runnable script
// per planned test case under the workspace.
type GenerationAgent struct {
	inner *stageAgent[*envelope.GenerationState]
	deps  Deps
}

// NewGenerationAgent compiles the generation stage graph.
func NewGenerationAgent(deps Deps) (*GenerationAgent, error) {
	a := &GenerationAgent{deps: deps}

	g := runtime.NewGraph[*envelope.GenerationState]("stage:" + envelope.StageGeneration)
	g.AddNode("initialize", a.initialize)
	g.AddNode("validate_input", a.validateInput)
	g.AddNode("generate", a.generate)
	g.AddNode("validate_scripts", a.validateScripts)
	g.AddNode("complete", a.complete)
	g.AddNode("handle_error", a.handleError)
	g.SetEntry("initialize")
	g.AddEdge("initialize", "validate_input")
	g.AddConditionalEdge("validate_input", generationRoute,
		map[string]string{labelOK: "generate", labelError: "handle_error"})
	g.AddConditionalEdge("generate", generationRoute,
		map[string]string{labelOK: "validate_scripts", labelError: "handle_error"})
	g.AddConditionalEdge("validate_scripts", generationRoute,
		map[string]string{labelOK: "complete", labelError: "handle_error"})

	compiled, err := g.Compile()
	if err != nil {
		return nil, fmt.Errorf("compiling generation graph: %w", err)
	}
	a.inner = &stageAgent[*envelope.GenerationState]{
		name:  envelope.StageGeneration,
		graph: compiled,
		deps:  deps,
		status: func(s *envelope.GenerationState) (envelope.StageStatus, string) {
			return s.Status, s.Error
		},
	}
	return a, nil
}

func generationRoute(s *envelope.GenerationState) string { return routeByStatus(s.Status) }

// Run executes the generation stage to a terminal node.
func (a *GenerationAgent) Run(ctx context.Context, state *envelope.GenerationState, runID string) (*envelope.GenerationState, error) {
	return a.inner.run(ctx, state, runID)
}

func (a *GenerationAgent) initialize(_ context.Context, s *envelope.GenerationState) *envelope.GenerationState {
	s.Begin()
	if s.Framework == "" {
		s.Framework = capabilities.FrameworkPlaywright
	}
	return s
}

func (a *GenerationAgent) validateInput(_ context.Context, s *envelope.GenerationState) *envelope.GenerationState {
	if len(s.TestCases) == 0 {
		s.Fail("generation requires at least one test case")
	}
	return s
}

func (a *GenerationAgent) generate(ctx context.Context, s *envelope.GenerationState) *envelope.GenerationState {
	res := invokeCapability(ctx, a.deps, capabilities.ScriptGenerationName, nil, map[string]any{
		"test_cases": s.TestCases,
		"framework":  s.Framework,
		"base_url":   s.BaseURL,
	})
	if res.IsFailure() {
		s.Fail(failureMessage(res))
		return s
	}
	scripts, _ := res.Data["scripts"].([]envelope.Script)
	s.Scripts = scripts
	s.PassedValidation = typeutil.SafeIntDefault(res.Metadata["passed_validation"], 0)
	return s
}

// validateScripts settles the stage counters and rejects an empty batch.
func (a *GenerationAgent) validateScripts(_ context.Context, s *envelope.GenerationState) *envelope.GenerationState {
	if len(s.Scripts) == 0 {
		s.Fail("generation returned no scripts")
		return s
	}
	s.GeneratedCount = len(s.Scripts)
	validated := 0
	for _, sc := range s.Scripts {
		if sc.Validated {
			validated++
		}
	}
	s.PassedValidation = validated
	return s
}

func (a *GenerationAgent) complete(_ context.Context, s *envelope.GenerationState) *envelope.GenerationState {
	s.Complete()
	return s
}

func (a *GenerationAgent) handleError(_ context.Context, s *envelope.GenerationState) *envelope.GenerationState {
	if s.Status != envelope.StageStatusFailed {
		s.Fail("generation failed for an unspecified reason")
	}
	return s
}
