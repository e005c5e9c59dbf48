package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/forgeline-dev/testforge/capabilities"
	"github.com/forgeline-dev/testforge/commbus"
	"github.com/forgeline-dev/testforge/coreengine/agents"
	"github.com/forgeline-dev/testforge/coreengine/envelope"
	"github.com/forgeline-dev/testforge/coreengine/logging"
	"github.com/forgeline-dev/testforge/coreengine/observability"
	"github.com/forgeline-dev/testforge/coreengine/runtime"
)

// Node names of the pipeline composition graph.
const (
	nodeInitialize      = "initialize"
	nodeRunExploration  = "run_exploration"
	nodeRunPlanning     = "run_planning"
	nodeApprovalGate    = "approval_gate"
	nodeAwaitApproval   = "await_approval"
	nodeHandleRejection = "handle_rejection"
	nodeRunGeneration   = "run_generation"
	nodeRunExecution    = "run_execution"
	nodeRunReporting    = "run_reporting"
	nodeFinalize        = "finalize"
	nodeHandleError     = "handle_error"
)

// Route labels used by the composition graph.
const (
	routeOK       = "ok"
	routeError    = "error"
	routeApproved = "approved"
	routeWait     = "wait"
	routeRejected = "rejected"
)

// StageAgents bundles the five compiled stage agents the orchestrator
// drives.
type StageAgents struct {
	Exploration *agents.ExplorationAgent
	Planning    *agents.PlanningAgent
	Generation  *agents.GenerationAgent
	Execution   *agents.ExecutionAgent
	Reporting   *agents.ReportingAgent
}

// OrchestratorConfig wires the orchestrator's collaborators. Approvals,
// Bus, Checkpoints, QuotaCheck, and Logger are optional.
type OrchestratorConfig struct {
	Agents      StageAgents
	Approvals   *ApprovalService
	Bus         commbus.Bus
	Checkpoints runtime.CheckpointStore

	// QuotaCheck runs after each completed stage. A non-empty return is
	// the exceeded-limit reason and fails the run before the next stage.
	QuotaCheck func(env *envelope.PipelineEnvelope) string

	Logger logging.Logger
}

// Orchestrator drives a pipeline run through the five stages as a
// composition graph over the envelope:
//
//	initialize -> exploration -> planning -> approval gate -> generation
//	           -> execution -> reporting -> finalize
//
// Stage failures route to a terminal error handler; a failed reporting
// stage is logged but does not fail the run. The approval gate suspends
// the run at a terminal wait node; Resume re-enters the graph by routing
// out of the gate with the decided request on the envelope.
type Orchestrator struct {
	agents      StageAgents
	approvals   *ApprovalService
	bus         commbus.Bus
	checkpoints runtime.CheckpointStore
	quotaCheck  func(env *envelope.PipelineEnvelope) string
	logger      logging.Logger
	graph       *runtime.CompiledGraph[*envelope.PipelineEnvelope]
}

// NewOrchestrator builds and compiles the pipeline composition graph.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Agents.Exploration == nil || cfg.Agents.Planning == nil ||
		cfg.Agents.Generation == nil || cfg.Agents.Execution == nil ||
		cfg.Agents.Reporting == nil {
		return nil, fmt.Errorf("orchestrator requires all five stage agents")
	}

	o := &Orchestrator{
		agents:      cfg.Agents,
		approvals:   cfg.Approvals,
		bus:         cfg.Bus,
		checkpoints: cfg.Checkpoints,
		quotaCheck:  cfg.QuotaCheck,
		logger:      logging.OrNop(cfg.Logger),
	}

	g := runtime.NewGraph[*envelope.PipelineEnvelope]("pipeline")
	g.AddNode(nodeInitialize, o.initialize)
	g.AddNode(nodeRunExploration, o.runExploration)
	g.AddNode(nodeRunPlanning, o.runPlanning)
	g.AddNode(nodeApprovalGate, o.approvalGate)
	g.AddNode(nodeAwaitApproval, o.awaitApproval)
	g.AddNode(nodeHandleRejection, o.handleRejection)
	g.AddNode(nodeRunGeneration, o.runGeneration)
	g.AddNode(nodeRunExecution, o.runExecution)
	g.AddNode(nodeRunReporting, o.runReporting)
	g.AddNode(nodeFinalize, o.finalize)
	g.AddNode(nodeHandleError, o.handleError)

	g.SetEntry(nodeInitialize)
	g.AddConditionalEdge(nodeInitialize, o.routeAfterStage, map[string]string{
		routeOK:    nodeRunExploration,
		routeError: nodeHandleError,
	})
	g.AddConditionalEdge(nodeRunExploration, o.routeAfterStage, map[string]string{
		routeOK:    nodeRunPlanning,
		routeError: nodeHandleError,
	})
	g.AddConditionalEdge(nodeRunPlanning, o.routeAfterStage, map[string]string{
		routeOK:    nodeApprovalGate,
		routeError: nodeHandleError,
	})
	g.AddConditionalEdge(nodeApprovalGate, o.routeApprovalGate, map[string]string{
		routeApproved: nodeRunGeneration,
		routeWait:     nodeAwaitApproval,
		routeRejected: nodeHandleRejection,
		routeError:    nodeHandleError,
	})
	g.AddConditionalEdge(nodeRunGeneration, o.routeAfterStage, map[string]string{
		routeOK:    nodeRunExecution,
		routeError: nodeHandleError,
	})
	g.AddConditionalEdge(nodeRunExecution, o.routeAfterStage, map[string]string{
		routeOK:    nodeRunReporting,
		routeError: nodeHandleError,
	})
	g.AddConditionalEdge(nodeRunReporting, o.routeAfterStage, map[string]string{
		routeOK:    nodeFinalize,
		routeError: nodeHandleError,
	})
	g.AddEdge(nodeHandleRejection, nodeHandleError)

	compiled, err := g.Compile()
	if err != nil {
		return nil, fmt.Errorf("compiling pipeline graph: %w", err)
	}
	o.graph = compiled
	return o, nil
}

// =============================================================================
// EXECUTION
// =============================================================================

// Execute runs the pipeline graph from the beginning. The returned
// envelope reflects the run outcome: completed, failed, cancelled, or
// waiting for approval. Context cancellation yields a cancelled envelope,
// not an error; errors are reserved for executor faults.
func (o *Orchestrator) Execute(ctx context.Context, env *envelope.PipelineEnvelope) (*envelope.PipelineEnvelope, error) {
	out, err := o.graph.Invoke(ctx, env, o.invokeOpts(env)...)
	return o.settle(out, err)
}

// Resume continues a run suspended at the approval gate. The decided
// approval must already be on the envelope; the gate's route inspects it
// and either continues to generation or fails the run.
func (o *Orchestrator) Resume(ctx context.Context, env *envelope.PipelineEnvelope) (*envelope.PipelineEnvelope, error) {
	out, err := o.graph.ResumeFrom(ctx, nodeApprovalGate, env, o.invokeOpts(env)...)
	return o.settle(out, err)
}

func (o *Orchestrator) invokeOpts(env *envelope.PipelineEnvelope) []runtime.InvokeOption {
	opts := []runtime.InvokeOption{
		runtime.WithRunID(env.RunID),
		runtime.WithLogger(o.logger),
	}
	if o.checkpoints != nil {
		opts = append(opts, runtime.WithCheckpoints(o.checkpoints))
	}
	return opts
}

// settle folds executor-level cancellation into the envelope lifecycle. An
// explicit cancel ends the run cancelled; a context deadline is a timeout
// and fails it.
func (o *Orchestrator) settle(env *envelope.PipelineEnvelope, err error) (*envelope.PipelineEnvelope, error) {
	if err == nil {
		return env, nil
	}
	if errors.Is(err, context.Canceled) {
		if !env.Status.IsTerminal() {
			env.MarkCancelled("run cancelled")
			observability.RecordRun(string(envelope.WorkflowCancelled), env.Duration())
		}
		o.logger.Info("run_cancelled", "run_id", env.RunID, "stage", env.CurrentStage)
		return env, nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		if !env.Status.IsTerminal() {
			env.MarkFailed(env.CurrentStage, "run deadline exceeded")
			observability.RecordRun(string(envelope.WorkflowFailed), env.Duration())
		}
		o.logger.Error("run_deadline_exceeded", "run_id", env.RunID, "stage", env.CurrentStage)
		return env, nil
	}
	return env, err
}

// =============================================================================
// GRAPH NODES
// =============================================================================

func (o *Orchestrator) initialize(ctx context.Context, env *envelope.PipelineEnvelope) *envelope.PipelineEnvelope {
	if env.TargetURL == "" {
		env.MarkFailed(nodeInitialize, "run requires a target url")
		return env
	}
	o.publish(ctx, &commbus.RunStarted{
		RunID:     env.RunID,
		SessionID: env.SessionID,
		TargetURL: env.TargetURL,
	})
	o.logger.Info("run_started",
		"run_id", env.RunID,
		"session_id", env.SessionID,
		"target_url", env.TargetURL)
	return env
}

func (o *Orchestrator) runExploration(ctx context.Context, env *envelope.PipelineEnvelope) *envelope.PipelineEnvelope {
	stage := envelope.StageExploration
	o.beginStage(ctx, env, stage)

	seed := envelope.NewExplorationState(env.TargetURL, env.Options.MaxDepth, env.Options.MaxPages)
	state, err := o.agents.Exploration.Run(ctx, seed, env.RunID)
	env.Exploration = state

	o.finishStage(ctx, env, stage, err, &state.StageMeta, map[string]any{
		"elements": state.TotalElements,
		"pages":    len(state.Pages),
	})
	return env
}

func (o *Orchestrator) runPlanning(ctx context.Context, env *envelope.PipelineEnvelope) *envelope.PipelineEnvelope {
	stage := envelope.StagePlanning
	o.beginStage(ctx, env, stage)

	seed := envelope.NewPlanningState(env.Exploration.Elements, env.Exploration.Pages)
	state, err := o.agents.Planning.Run(ctx, seed, env.RunID)
	env.Planning = state

	o.finishStage(ctx, env, stage, err, &state.StageMeta, map[string]any{
		"test_cases": len(state.TestCases),
		"source":     state.Source,
	})
	return env
}

// approvalGate creates the approval request when the run requires one and
// none exists yet. Routing out of the gate is the route function's job,
// which also runs on resume without re-entering this node body.
func (o *Orchestrator) approvalGate(ctx context.Context, env *envelope.PipelineEnvelope) *envelope.PipelineEnvelope {
	if env.Status == envelope.WorkflowFailed || env.Status == envelope.WorkflowCancelled {
		return env
	}
	if !env.Options.RequiresApproval(envelope.StagePlanning) {
		return env
	}
	if env.PendingApproval != nil {
		return env
	}

	summary := fmt.Sprintf("%d test cases planned for %s", len(env.Planning.TestCases), env.TargetURL)
	payload := map[string]any{
		"test_cases":   len(env.Planning.TestCases),
		"plan_summary": env.Planning.PlanSummary,
	}

	var req *envelope.ApprovalRequest
	if o.approvals != nil {
		req = o.approvals.Create(env.RunID, envelope.StagePlanning,
			envelope.WithSummary(summary),
			envelope.WithPayload(payload))
	} else {
		req = envelope.NewApprovalRequest(env.RunID, envelope.StagePlanning,
			envelope.WithSummary(summary),
			envelope.WithPayload(payload))
	}

	env.MarkWaitingApproval(req)
	o.publish(ctx, &commbus.ApprovalRequested{
		RunID:      env.RunID,
		ApprovalID: req.ID,
		Stage:      req.Stage,
		Summary:    req.Summary,
		ExpiresAt:  req.ExpiresAt,
	})
	o.logger.Info("approval_requested",
		"run_id", env.RunID,
		"approval_id", req.ID,
		"summary", summary)
	return env
}

// awaitApproval is the terminal node a gated run parks on. The envelope
// leaves the graph in the waiting_approval state.
func (o *Orchestrator) awaitApproval(ctx context.Context, env *envelope.PipelineEnvelope) *envelope.PipelineEnvelope {
	o.logger.Info("run_suspended",
		"run_id", env.RunID,
		"approval_id", env.PendingApproval.ID)
	return env
}

// handleRejection turns a denied, expired, or cancelled approval into a
// run failure carrying the reviewer's reasoning.
func (o *Orchestrator) handleRejection(ctx context.Context, env *envelope.PipelineEnvelope) *envelope.PipelineEnvelope {
	req := env.PendingApproval
	if req == nil {
		env.MarkFailed(envelope.StagePlanning, "approval rejected")
		return env
	}
	msg := "approval " + string(req.Status)
	if req.Comment != "" {
		msg += ": " + req.Comment
	}
	env.MarkFailed(req.Stage, msg)
	return env
}

func (o *Orchestrator) runGeneration(ctx context.Context, env *envelope.PipelineEnvelope) *envelope.PipelineEnvelope {
	stage := envelope.StageGeneration
	o.beginStage(ctx, env, stage)

	seed := envelope.NewGenerationState(env.Planning.TestCases, env.Options.Framework)
	seed.BaseURL = env.TargetURL
	state, err := o.agents.Generation.Run(ctx, seed, env.RunID)
	env.Generation = state

	o.finishStage(ctx, env, stage, err, &state.StageMeta, map[string]any{
		"scripts":   state.GeneratedCount,
		"validated": state.PassedValidation,
	})
	return env
}

func (o *Orchestrator) runExecution(ctx context.Context, env *envelope.PipelineEnvelope) *envelope.PipelineEnvelope {
	stage := envelope.StageExecution
	o.beginStage(ctx, env, stage)

	seed := envelope.NewExecutionState(env.Generation.Scripts)
	state, err := o.agents.Execution.Run(ctx, seed, env.RunID)
	env.Execution = state

	o.finishStage(ctx, env, stage, err, &state.StageMeta, map[string]any{
		"total":   state.TotalTests,
		"passed":  state.PassedCount,
		"failed":  state.FailedCount,
		"skipped": state.SkippedCount,
	})
	return env
}

// runReporting is the only soft-failing stage: a failed reporting state is
// logged and published, but the stage is still recorded complete so the
// run can finish on its execution results.
func (o *Orchestrator) runReporting(ctx context.Context, env *envelope.PipelineEnvelope) *envelope.PipelineEnvelope {
	stage := envelope.StageReporting
	o.beginStage(ctx, env, stage)

	seed := envelope.NewReportingState(env.Execution.Results, env.Options.Formats)
	state, err := o.agents.Reporting.Run(ctx, seed, env.RunID)
	env.Reporting = state

	if err != nil {
		o.failOrCancelStage(ctx, env, stage, err)
		return env
	}

	if state.Status == envelope.StageStatusFailed {
		o.logger.Warn("reporting_failed",
			"run_id", env.RunID,
			"error", state.Error)
		o.publish(ctx, &commbus.StageFailed{RunID: env.RunID, Stage: stage, Error: state.Error})
		env.MarkStageCompleted(stage, state.Duration())
		o.checkRunQuota(env, stage)
		return env
	}

	env.MarkStageCompleted(stage, state.Duration())
	o.publish(ctx, &commbus.StageCompleted{
		RunID:      env.RunID,
		Stage:      stage,
		DurationMS: int(state.Duration().Milliseconds()),
		Payload:    map[string]any{"reports": len(state.Reports)},
	})
	o.logger.Info("stage_completed", "run_id", env.RunID, "stage", stage)
	o.checkRunQuota(env, stage)
	return env
}

func (o *Orchestrator) finalize(ctx context.Context, env *envelope.PipelineEnvelope) *envelope.PipelineEnvelope {
	if !env.Status.IsTerminal() {
		env.MarkCompleted()
	}
	o.publish(ctx, &commbus.RunCompleted{
		RunID:           env.RunID,
		Status:          string(env.Status),
		DurationMS:      int(env.Duration().Milliseconds()),
		StagesCompleted: len(env.CompletedStages),
	})
	observability.RecordRun(string(env.Status), env.Duration())
	o.logger.Info("run_completed",
		"run_id", env.RunID,
		"status", string(env.Status),
		"stages_completed", len(env.CompletedStages),
		"duration_ms", env.Duration().Milliseconds())
	return env
}

func (o *Orchestrator) handleError(ctx context.Context, env *envelope.PipelineEnvelope) *envelope.PipelineEnvelope {
	if env.Status == envelope.WorkflowCancelled {
		observability.RecordRun(string(envelope.WorkflowCancelled), env.Duration())
		o.logger.Info("run_cancelled", "run_id", env.RunID, "stage", env.CurrentStage)
		return env
	}
	if env.Status != envelope.WorkflowFailed {
		env.MarkFailed(env.CurrentStage, "pipeline failed for an unspecified reason")
	}
	o.publish(ctx, &commbus.RunFailed{
		RunID:      env.RunID,
		Stage:      env.CurrentStage,
		Error:      env.Error,
		DurationMS: int(env.Duration().Milliseconds()),
	})
	observability.RecordRun(string(envelope.WorkflowFailed), env.Duration())
	o.logger.Error("run_failed",
		"run_id", env.RunID,
		"stage", env.CurrentStage,
		"error", env.Error)
	return env
}

// =============================================================================
// ROUTES
// =============================================================================

func (o *Orchestrator) routeAfterStage(env *envelope.PipelineEnvelope) string {
	if env.Status == envelope.WorkflowFailed || env.Status == envelope.WorkflowCancelled {
		return routeError
	}
	return routeOK
}

// routeApprovalGate routes on the approval attached to the envelope. It
// runs both on first entry and on resume, where the node body is skipped
// and the decided request determines the direction.
func (o *Orchestrator) routeApprovalGate(env *envelope.PipelineEnvelope) string {
	if env.Status == envelope.WorkflowFailed || env.Status == envelope.WorkflowCancelled {
		return routeError
	}
	req := env.PendingApproval
	if req == nil {
		return routeApproved
	}
	switch req.Status {
	case envelope.ApprovalApproved:
		return routeApproved
	case envelope.ApprovalPending:
		return routeWait
	default:
		return routeRejected
	}
}

// =============================================================================
// STAGE HELPERS
// =============================================================================

func (o *Orchestrator) beginStage(ctx context.Context, env *envelope.PipelineEnvelope, stage string) {
	env.MarkStageStarted(stage)
	o.publish(ctx, &commbus.StageStarted{RunID: env.RunID, Stage: stage})
	o.logger.Info("stage_started", "run_id", env.RunID, "stage", stage)
}

// finishStage settles a stage outcome on the envelope: agent errors and
// failed states fail the run, success records completion and then checks
// the run quota.
func (o *Orchestrator) finishStage(ctx context.Context, env *envelope.PipelineEnvelope, stage string, agentErr error, meta *envelope.StageMeta, payload map[string]any) {
	if agentErr != nil {
		o.failOrCancelStage(ctx, env, stage, agentErr)
		return
	}

	if meta.Status == envelope.StageStatusFailed {
		env.MarkFailed(stage, meta.Error)
		o.publish(ctx, &commbus.StageFailed{RunID: env.RunID, Stage: stage, Error: meta.Error})
		o.logger.Error("stage_failed",
			"run_id", env.RunID,
			"stage", stage,
			"error", meta.Error)
		return
	}

	env.MarkStageCompleted(stage, meta.Duration())
	o.publish(ctx, &commbus.StageCompleted{
		RunID:      env.RunID,
		Stage:      stage,
		DurationMS: int(meta.Duration().Milliseconds()),
		Payload:    payload,
	})
	o.logger.Info("stage_completed", "run_id", env.RunID, "stage", stage)

	o.checkRunQuota(env, stage)
}

// failOrCancelStage distinguishes context cancellation from agent faults.
// A deadline expiry mid-stage means the run timed out, not that the stage
// itself was broken, so it fails with a timeout message.
func (o *Orchestrator) failOrCancelStage(ctx context.Context, env *envelope.PipelineEnvelope, stage string, agentErr error) {
	if errors.Is(agentErr, context.Canceled) {
		env.MarkCancelled("run cancelled during " + stage)
		return
	}
	msg := agentErr.Error()
	if errors.Is(agentErr, context.DeadlineExceeded) {
		msg = "run deadline exceeded during " + stage
	}
	env.MarkFailed(stage, msg)
	o.publish(ctx, &commbus.StageFailed{RunID: env.RunID, Stage: stage, Error: msg})
	o.logger.Error("stage_failed",
		"run_id", env.RunID,
		"stage", stage,
		"error", msg)
}

// checkRunQuota fails the run when the injected quota check reports an
// exceeded limit. The completed stage stands; later stages never start.
func (o *Orchestrator) checkRunQuota(env *envelope.PipelineEnvelope, stage string) {
	if o.quotaCheck == nil {
		return
	}
	if reason := o.quotaCheck(env); reason != "" {
		env.MarkFailed(stage, "resource quota exceeded: "+reason)
		o.logger.Warn("quota_exceeded",
			"run_id", env.RunID,
			"stage", stage,
			"reason", reason)
	}
}

func (o *Orchestrator) publish(ctx context.Context, event commbus.Message) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, event); err != nil {
		o.logger.Warn("event_publish_failed",
			"message_type", commbus.GetMessageType(event),
			"error", err.Error())
	}
}

// =============================================================================
// RUN SUMMARY
// =============================================================================

// RunSummary is the read-only digest of a run, assembled from whatever
// stage states the envelope carries.
type RunSummary struct {
	RunID             string                  `json:"run_id"`
	SessionID         string                  `json:"session_id"`
	TargetURL         string                  `json:"target_url"`
	Status            envelope.WorkflowStatus `json:"status"`
	Error             string                  `json:"error,omitempty"`
	CurrentStage      string                  `json:"current_stage,omitempty"`
	CompletedStages   []string                `json:"completed_stages"`
	PendingApprovalID string                  `json:"pending_approval_id,omitempty"`
	ElementsFound     int                     `json:"elements_found"`
	PagesCrawled      int                     `json:"pages_crawled"`
	TestCasesPlanned  int                     `json:"test_cases_planned"`
	PlanSource        string                  `json:"plan_source,omitempty"`
	ScriptsGenerated  int                     `json:"scripts_generated"`
	ScriptsValidated  int                     `json:"scripts_validated"`
	TotalTests        int                     `json:"total_tests"`
	Passed            int                     `json:"passed"`
	Failed            int                     `json:"failed"`
	Skipped           int                     `json:"skipped"`
	PassRate          float64                 `json:"pass_rate"`
	Reports           []envelope.Report       `json:"reports,omitempty"`
	DurationSeconds   float64                 `json:"duration_seconds"`
}

// Summarize condenses an envelope into a RunSummary. It never mutates the
// envelope and is safe to call at any point in the run's lifecycle.
func Summarize(env *envelope.PipelineEnvelope) *RunSummary {
	s := &RunSummary{
		RunID:           env.RunID,
		SessionID:       env.SessionID,
		TargetURL:       env.TargetURL,
		Status:          env.Status,
		Error:           env.Error,
		CurrentStage:    env.CurrentStage,
		CompletedStages: append([]string(nil), env.CompletedStages...),
		DurationSeconds: env.Duration().Seconds(),
	}

	if req := env.PendingApproval; req != nil && req.Status == envelope.ApprovalPending {
		s.PendingApprovalID = req.ID
	}
	if st := env.Exploration; st != nil {
		s.ElementsFound = st.TotalElements
		s.PagesCrawled = len(st.Pages)
	}
	if st := env.Planning; st != nil {
		s.TestCasesPlanned = len(st.TestCases)
		s.PlanSource = st.Source
	}
	if st := env.Generation; st != nil {
		s.ScriptsGenerated = st.GeneratedCount
		s.ScriptsValidated = st.PassedValidation
	}
	if st := env.Execution; st != nil {
		s.TotalTests = st.TotalTests
		s.Passed = st.PassedCount
		s.Failed = st.FailedCount
		s.Skipped = st.SkippedCount
		if st.TotalTests > 0 {
			s.PassRate = float64(st.PassedCount) / float64(st.TotalTests) * 100
		}
	}
	if st := env.Reporting; st != nil {
		s.Reports = append([]envelope.Report(nil), st.Reports...)
		if st.Stats.Total > 0 {
			s.PassRate = st.Stats.PassRate
		}
	}
	return s
}

// UsageFromEnvelope derives resource usage from the stage states an
// envelope carries. Generated scripts count against the script budget
// before execution starts, so an oversized batch is stopped ahead of the
// runner rather than mid-flight.
func UsageFromEnvelope(env *envelope.PipelineEnvelope) *RunUsage {
	usage := &RunUsage{ElapsedSeconds: env.Duration().Seconds()}

	if st := env.Exploration; st != nil && st.Status != envelope.StageStatusPending {
		usage.CapabilityCalls++
	}
	if st := env.Planning; st != nil && st.Status != envelope.StageStatusPending {
		usage.CapabilityCalls++
		if st.Source == capabilities.PlanSourceGenerator {
			usage.LLMCalls++
		}
	}
	if st := env.Generation; st != nil && st.Status != envelope.StageStatusPending {
		usage.CapabilityCalls++
		usage.ScriptsExecuted = len(st.Scripts)
	}
	if st := env.Execution; st != nil && st.Status != envelope.StageStatusPending {
		usage.CapabilityCalls += 1 + len(st.Results)
		usage.ScriptsExecuted = len(st.Results)
	}
	if st := env.Reporting; st != nil && st.Status != envelope.StageStatusPending {
		usage.CapabilityCalls++
	}
	return usage
}
