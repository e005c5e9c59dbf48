package agents

import (
	"context"
	"fmt"

	"github.com/forgeline-dev/testforge/capabilities"
	"github.com/forgeline-dev/testforge/coreengine/envelope"
	"github.com/forgeline-dev/testforge/coreengine/runtime"
)

// ReportingAgent drives the reporting stage: fold execution results into run
// statistics and render them in the requested formats.
type ReportingAgent struct {
	inner *stageAgent[*envelope.ReportingState]
	deps  Deps
}

// NewReportingAgent compiles the reporting stage graph.
func NewReportingAgent(deps Deps) (*ReportingAgent, error) {
	a := &ReportingAgent{deps: deps}

	g := runtime.NewGraph[*envelope.ReportingState]("stage:" + envelope.StageReporting)
	g.AddNode("initialize", a.initialize)
	g.AddNode("validate_input", a.validateInput)
	g.AddNode("aggregate", a.aggregate)
	g.AddNode("render", a.render)
	g.AddNode("complete", a.complete)
	g.AddNode("handle_error", a.handleError)
	g.SetEntry("initialize")
	g.AddEdge("initialize", "validate_input")
	g.AddEdge("validate_input", "aggregate")
	g.AddEdge("aggregate", "render")
	g.AddConditionalEdge("render", reportingRoute,
		map[string]string{labelOK: "complete", labelError: "handle_error"})

	compiled, err := g.Compile()
	if err != nil {
		return nil, fmt.Errorf("compiling reporting graph: %w", err)
	}
	a.inner = &stageAgent[*envelope.ReportingState]{
		name:  envelope.StageReporting,
		graph: compiled,
		deps:  deps,
		status: func(s *envelope.ReportingState) (envelope.StageStatus, string) {
			return s.Status, s.Error
		},
	}
	return a, nil
}

func reportingRoute(s *envelope.ReportingState) string { return routeByStatus(s.Status) }

// Run executes the reporting stage to a terminal node. An empty result set is
// reportable; it renders as a run with zero tests.
func (a *ReportingAgent) Run(ctx context.Context, state *envelope.ReportingState, runID string) (*envelope.ReportingState, error) {
	return a.inner.run(ctx, state, runID)
}

func (a *ReportingAgent) initialize(_ context.Context, s *envelope.ReportingState) *envelope.ReportingState {
	s.Begin()
	return s
}

func (a *ReportingAgent) validateInput(_ context.Context, s *envelope.ReportingState) *envelope.ReportingState {
	if len(s.Formats) == 0 {
		s.Formats = []string{"json"}
	}
	return s
}

// aggregate computes stats up front so a render failure still leaves the
// counts on the state.
func (a *ReportingAgent) aggregate(_ context.Context, s *envelope.ReportingState) *envelope.ReportingState {
	s.Stats = capabilities.ComputeStats(s.Results)
	return s
}

func (a *ReportingAgent) render(ctx context.Context, s *envelope.ReportingState) *envelope.ReportingState {
	res := invokeCapability(ctx, a.deps, capabilities.ReportGenerationName, nil, map[string]any{
		"results": s.Results,
		"formats": s.Formats,
	})
	if res.IsFailure() {
		s.Fail(failureMessage(res))
		return s
	}
	if reports, ok := res.Data["reports"].([]envelope.Report); ok {
		s.Reports = reports
	}
	if stats, ok := res.Data["stats"].(envelope.ReportStats); ok {
		s.Stats = stats
	}
	return s
}

func (a *ReportingAgent) complete(_ context.Context, s *envelope.ReportingState) *envelope.ReportingState {
	s.Complete()
	return s
}

func (a *ReportingAgent) handleError(_ context.Context, s *envelope.ReportingState) *envelope.ReportingState {
	if s.Status != envelope.StageStatusFailed {
		s.Fail("reporting failed for an unspecified reason")
	}
	return s
}
