package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/forgeline-dev/testforge/capabilities"
	"github.com/forgeline-dev/testforge/coreengine/envelope"
	"github.com/forgeline-dev/testforge/coreengine/runtime"
)

// ExplorationAgent drives the exploration stage: crawl the target application
// and catalog its pages and interactive elements.
type ExplorationAgent struct {
	inner *stageAgent[*envelope.ExplorationState]
	deps  Deps
}

// NewExplorationAgent compiles the exploration stage graph.
func NewExplorationAgent(deps Deps) (*ExplorationAgent, error) {
	a := &ExplorationAgent{deps: deps}

	g := runtime.NewGraph[*envelope.ExplorationState]("stage:" + envelope.StageExploration)
	g.AddNode("initialize", a.initialize)
	g.AddNode("validate_input", a.validateInput)
	g.AddNode("discover", a.discover)
	g.AddNode("analyze", a.analyze)
	g.AddNode("complete", a.complete)
	g.AddNode("handle_error", a.handleError)
	g.SetEntry("initialize")
	g.AddEdge("initialize", "validate_input")
	g.AddConditionalEdge("validate_input", explorationRoute,
		map[string]string{labelOK: "discover", labelError: "handle_error"})
	g.AddConditionalEdge("discover", explorationRoute,
		map[string]string{labelOK: "analyze", labelError: "handle_error"})
	g.AddEdge("analyze", "complete")

	compiled, err := g.Compile()
	if err != nil {
		return nil, fmt.Errorf("compiling exploration graph: %w", err)
	}
	a.inner = &stageAgent[*envelope.ExplorationState]{
		name:  envelope.StageExploration,
		graph: compiled,
		deps:  deps,
		status: func(s *envelope.ExplorationState) (envelope.StageStatus, string) {
			return s.Status, s.Error
		},
	}
	return a, nil
}

func explorationRoute(s *envelope.ExplorationState) string { return routeByStatus(s.Status) }

// Run executes the exploration stage to a terminal node.
func (a *ExplorationAgent) Run(ctx context.Context, state *envelope.ExplorationState, runID string) (*envelope.ExplorationState, error) {
	return a.inner.run(ctx, state, runID)
}

func (a *ExplorationAgent) initialize(_ context.Context, s *envelope.ExplorationState) *envelope.ExplorationState {
	s.Begin()
	return s
}

func (a *ExplorationAgent) validateInput(_ context.Context, s *envelope.ExplorationState) *envelope.ExplorationState {
	if strings.TrimSpace(s.URL) == "" {
		s.Fail("exploration requires a target URL")
		return s
	}
	if s.MaxDepth < 0 || s.MaxPages < 0 {
		s.Fail(fmt.Sprintf("crawl bounds must not be negative (max_depth=%d, max_pages=%d)",
			s.MaxDepth, s.MaxPages))
	}
	return s
}

func (a *ExplorationAgent) discover(ctx context.Context, s *envelope.ExplorationState) *envelope.ExplorationState {
	res := invokeCapability(ctx, a.deps, capabilities.WebDiscoveryName, nil, map[string]any{
		"url":       s.URL,
		"max_depth": s.MaxDepth,
		"max_pages": s.MaxPages,
	})
	if res.IsFailure() {
		s.Fail(failureMessage(res))
		return s
	}
	elements, _ := res.Data["elements"].([]envelope.Element)
	pages, _ := res.Data["pages"].([]envelope.Page)
	s.Elements = elements
	s.Pages = pages
	return s
}

// analyze derives the element summary from the raw findings.
func (a *ExplorationAgent) analyze(_ context.Context, s *envelope.ExplorationState) *envelope.ExplorationState {
	counts := make(map[string]int, 8)
	for _, el := range s.Elements {
		counts[el.Kind]++
	}
	s.TotalElements = len(s.Elements)
	s.ElementTypes = counts
	return s
}

func (a *ExplorationAgent) complete(_ context.Context, s *envelope.ExplorationState) *envelope.ExplorationState {
	s.Complete()
	return s
}

func (a *ExplorationAgent) handleError(_ context.Context, s *envelope.ExplorationState) *envelope.ExplorationState {
	if s.Status != envelope.StageStatusFailed {
		s.Fail("exploration failed for an unspecified reason")
	}
	return s
}
