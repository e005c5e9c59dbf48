package agents

import (
	"context"
	"fmt"
	"sort"

	"github.com/forgeline-dev/testforge/capabilities"
	"github.com/forgeline-dev/testforge/coreengine/envelope"
	"github.com/forgeline-dev/testforge/coreengine/runtime"
	"github.com/forgeline-dev/testforge/coreengine/typeutil"
)

// PlanningAgent drives the planning stage: turn discovered elements and
// pages into an ordered set of test cases.
type PlanningAgent struct {
	inner *stageAgent[*envelope.PlanningState]
	deps  Deps
}

// NewPlanningAgent compiles the planning stage graph.
func NewPlanningAgent(deps Deps) (*PlanningAgent, error) {
	a := &PlanningAgent{deps: deps}

	g := runtime.NewGraph[*envelope.PlanningState]("stage:" + envelope.StagePlanning)
	g.AddNode("initialize", a.initialize)
	g.AddNode("validate_input", a.validateInput)
	g.AddNode("plan", a.plan)
	g.AddNode("finalize_plan", a.finalizePlan)
	g.AddNode("complete", a.complete)
	g.AddNode("handle_error", a.handleError)
	g.SetEntry("initialize")
	g.AddEdge("initialize", "validate_input")
	g.AddConditionalEdge("validate_input", planningRoute,
		map[string]string{labelOK: "plan", labelError: "handle_error"})
	g.AddConditionalEdge("plan", planningRoute,
		map[string]string{labelOK: "finalize_plan", labelError: "handle_error"})
	g.AddConditionalEdge("finalize_plan", planningRoute,
		map[string]string{labelOK: "complete", labelError: "handle_error"})

	compiled, err := g.Compile()
	if err != nil {
		return nil, fmt.Errorf("compiling planning graph: %w", err)
	}
	a.inner = &stageAgent[*envelope.PlanningState]{
		name:  envelope.StagePlanning,
		graph: compiled,
		deps:  deps,
		status: func(s *envelope.PlanningState) (envelope.StageStatus, string) {
			return s.Status, s.Error
		},
	}
	return a, nil
}

func planningRoute(s *envelope.PlanningState) string { return routeByStatus(s.Status) }

// Run executes the planning stage to a terminal node. On the success path the
// state carries at least one test case.
func (a *PlanningAgent) Run(ctx context.Context, state *envelope.PlanningState, runID string) (*envelope.PlanningState, error) {
	return a.inner.run(ctx, state, runID)
}

func (a *PlanningAgent) initialize(_ context.Context, s *envelope.PlanningState) *envelope.PlanningState {
	s.Begin()
	return s
}

func (a *PlanningAgent) validateInput(_ context.Context, s *envelope.PlanningState) *envelope.PlanningState {
	if len(s.Elements) == 0 && len(s.Pages) == 0 {
		s.Fail("planning requires exploration findings")
	}
	return s
}

func (a *PlanningAgent) plan(ctx context.Context, s *envelope.PlanningState) *envelope.PlanningState {
	res := invokeCapability(ctx, a.deps, capabilities.TestPlanningName, nil, map[string]any{
		"elements": s.Elements,
		"pages":    s.Pages,
	})
	if res.IsFailure() {
		s.Fail(failureMessage(res))
		return s
	}
	cases, _ := res.Data["test_cases"].([]envelope.TestCase)
	s.TestCases = cases
	s.PlanSummary = typeutil.SafeStringDefault(res.Data["plan_summary"], "")
	s.Source = typeutil.SafeStringDefault(res.Data["source"], "")
	return s
}

// finalizePlan orders cases by priority so downstream limits keep the
// important ones, and guarantees the success path carries at least one case.
func (a *PlanningAgent) finalizePlan(_ context.Context, s *envelope.PlanningState) *envelope.PlanningState {
	if len(s.TestCases) == 0 {
		s.Fail("planning produced no test cases")
		return s
	}
	sort.SliceStable(s.TestCases, func(i, j int) bool {
		return priorityRank(s.TestCases[i].Priority) < priorityRank(s.TestCases[j].Priority)
	})
	return s
}

func priorityRank(priority string) int {
	switch priority {
	case "high":
		return 0
	case "medium":
		return 1
	case "low":
		return 2
	default:
		return 1
	}
}

func (a *PlanningAgent) complete(_ context.Context, s *envelope.PlanningState) *envelope.PlanningState {
	s.Complete()
	return s
}

func (a *PlanningAgent) handleError(_ context.Context, s *envelope.PlanningState) *envelope.PlanningState {
	if s.Status != envelope.StageStatusFailed {
		s.Fail("planning failed for an unspecified reason")
	}
	return s
}
