package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/forgeline-dev/testforge/capabilities"
	"github.com/forgeline-dev/testforge/commbus"
	"github.com/forgeline-dev/testforge/coreengine/agents"
	"github.com/forgeline-dev/testforge/coreengine/envelope"
	"github.com/forgeline-dev/testforge/coreengine/logging"
	"github.com/forgeline-dev/testforge/coreengine/runtime"
	"github.com/forgeline-dev/testforge/coreengine/tools"
)

// runMirrorTTL bounds how long a suspended run's envelope survives in the
// session store while it waits for a decision.
const runMirrorTTL = 24 * time.Hour

// KernelConfig wires the kernel's collaborators. Bus, Sessions,
// Checkpoints, and RateLimit are optional; a nil RateLimit disables
// admission limiting entirely.
type KernelConfig struct {
	// Capabilities carries the boundary adapters and workspace defaults
	// handed to the capability factories.
	Capabilities capabilities.Deps

	// Workers sizes the execution stage's script runner pool.
	Workers int

	DefaultQuota *RunQuota
	ApprovalTTL  time.Duration
	RateLimit    *RateLimitConfig

	Checkpoints runtime.CheckpointStore
	Sessions    SessionStore
	Bus         commbus.Bus
	Logger      logging.Logger
}

// Kernel is the engine's composition root: it admits runs, enforces
// quotas and rate limits, drives the orchestrator, and arbitrates
// approval decisions.
//
// Concurrency protocol: control-block lifecycle fields are mutated only
// through the RunManager, which locks. The envelope attached to a control
// block is owned by the goroutine executing the run; while a run is
// pending, suspended, or terminal the envelope is quiescent and may be
// read through the resolution and status paths.
type Kernel struct {
	runs      *RunManager
	approvals *ApprovalService
	limiter   *RateLimiter
	registry  *tools.Registry
	orch      *Orchestrator
	bus       commbus.Bus
	sessions  SessionStore
	logger    logging.Logger
	startedAt time.Time

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool
}

// NewKernel assembles the capability registry, the five stage agents, the
// run and approval services, and the orchestrator.
func NewKernel(cfg KernelConfig) (*Kernel, error) {
	logger := logging.OrNop(cfg.Logger)

	registry := tools.NewRegistry(logger)
	if err := capabilities.RegisterAll(registry, cfg.Capabilities); err != nil {
		return nil, fmt.Errorf("registering capabilities: %w", err)
	}

	deps := agents.Deps{
		Provider:    registry,
		Logger:      logger,
		Checkpoints: cfg.Checkpoints,
	}
	exploration, err := agents.NewExplorationAgent(deps)
	if err != nil {
		return nil, err
	}
	planning, err := agents.NewPlanningAgent(deps)
	if err != nil {
		return nil, err
	}
	generation, err := agents.NewGenerationAgent(deps)
	if err != nil {
		return nil, err
	}
	execution, err := agents.NewExecutionAgent(deps, cfg.Workers, cfg.Capabilities.ScriptTimeout)
	if err != nil {
		return nil, err
	}
	reporting, err := agents.NewReportingAgent(deps)
	if err != nil {
		return nil, err
	}

	runs := NewRunManager(cfg.DefaultQuota, logger)
	approvals := NewApprovalService(cfg.ApprovalTTL, cfg.Sessions, logger)

	var limiter *RateLimiter
	if cfg.RateLimit != nil {
		limiter = NewRateLimiter(cfg.RateLimit, logger)
	}

	orch, err := NewOrchestrator(OrchestratorConfig{
		Agents: StageAgents{
			Exploration: exploration,
			Planning:    planning,
			Generation:  generation,
			Execution:   execution,
			Reporting:   reporting,
		},
		Approvals:   approvals,
		Bus:         cfg.Bus,
		Checkpoints: cfg.Checkpoints,
		QuotaCheck: func(env *envelope.PipelineEnvelope) string {
			return runs.UpdateProgress(env.RunID, env.CurrentStage, UsageFromEnvelope(env))
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	return &Kernel{
		runs:      runs,
		approvals: approvals,
		limiter:   limiter,
		registry:  registry,
		orch:      orch,
		bus:       cfg.Bus,
		sessions:  cfg.Sessions,
		logger:    logger,
		startedAt: time.Now().UTC(),
		cancels:   make(map[string]context.CancelFunc),
	}, nil
}

// Registry exposes the capability registry for introspection surfaces.
func (k *Kernel) Registry() *tools.Registry { return k.registry }

// =============================================================================
// ADMISSION
// =============================================================================

// RateLimitedError reports a rejected admission with retry guidance.
type RateLimitedError struct {
	SessionID string
	Operation string
	Result    *RateLimitResult
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for session '%s' on %s (%s): retry after %s",
		e.SessionID, e.Operation, e.Result.LimitType, e.Result.RetryAfter.Round(time.Millisecond))
}

// SubmitRun admits a new run against targetURL and returns its envelope.
// A non-empty sessionID overrides the generated one and keys rate
// limiting; a nil quota uses the kernel default.
func (k *Kernel) SubmitRun(sessionID, targetURL string, opts envelope.RunOptions, quota *RunQuota) (*envelope.PipelineEnvelope, error) {
	if targetURL == "" {
		return nil, fmt.Errorf("target url must not be empty")
	}
	if k.isClosed() {
		return nil, fmt.Errorf("kernel is shut down")
	}

	env := envelope.New(targetURL, opts)
	if sessionID != "" {
		env.SessionID = sessionID
	}

	if k.limiter != nil {
		res := k.limiter.Allow(env.SessionID, "submit_run")
		if !res.Allowed {
			return nil, &RateLimitedError{
				SessionID: env.SessionID,
				Operation: "submit_run",
				Result:    res,
			}
		}
	}

	rcb, err := k.runs.Submit(env.RunID, env.SessionID, quota)
	if err != nil {
		return nil, err
	}
	rcb.Envelope = env
	return env, nil
}

// RestoreRun readmits a suspended run from its session-store mirror so a
// later process can resolve its approval. The restored run enters the
// registry parked at the approval gate.
func (k *Kernel) RestoreRun(ctx context.Context, runID string) (*envelope.PipelineEnvelope, error) {
	if k.sessions == nil {
		return nil, fmt.Errorf("no session store configured")
	}
	if rcb := k.runs.Get(runID); rcb != nil {
		return nil, fmt.Errorf("run '%s' is already resident", runID)
	}

	raw, found, err := k.sessions.Get(ctx, runSessionKey(runID))
	if err != nil {
		return nil, fmt.Errorf("loading suspended run '%s': %w", runID, err)
	}
	if !found {
		return nil, fmt.Errorf("no suspended state found for run '%s'", runID)
	}

	var env envelope.PipelineEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("decoding suspended run '%s': %w", runID, err)
	}
	if env.Status != envelope.WorkflowWaitingApproval {
		return nil, fmt.Errorf("run '%s' mirror is %s, not waiting for approval", runID, env.Status)
	}

	rcb, err := k.runs.Submit(env.RunID, env.SessionID, nil)
	if err != nil {
		return nil, err
	}
	rcb.Envelope = &env
	if err := k.runs.Transition(runID, RunWaitingApproval); err != nil {
		return nil, err
	}
	k.approvals.Restore(env.PendingApproval)

	k.logger.Info("run_restored", "run_id", runID)
	return &env, nil
}

// =============================================================================
// EXECUTION
// =============================================================================

// ExecuteRun drives an admitted run through the pipeline and returns its
// summary. The call is synchronous; progress is published on the bus. A
// run gated on approval returns suspended, with its envelope mirrored to
// the session store.
func (k *Kernel) ExecuteRun(ctx context.Context, runID string) (*RunSummary, error) {
	rcb := k.runs.Get(runID)
	if rcb == nil {
		return nil, fmt.Errorf("run '%s' not found", runID)
	}
	env := rcb.Envelope
	if env == nil {
		return nil, fmt.Errorf("run '%s' has no envelope attached", runID)
	}

	if err := k.runs.Transition(runID, RunRunning); err != nil {
		return nil, err
	}

	ctx, done := k.trackRun(ctx, runID, rcb.Quota)
	defer done()

	out, err := k.orch.Execute(ctx, env)
	if err != nil {
		k.runs.SetFailureReason(runID, err.Error())
		k.transition(runID, RunFailed)
		return nil, fmt.Errorf("run '%s' aborted: %w", runID, err)
	}

	k.settleRun(runID, out)
	return Summarize(out), nil
}

// trackRun derives the run's execution context, applying the quota
// timeout, and registers its cancel handle for CancelRun and Shutdown.
// The returned function must be called when execution ends.
func (k *Kernel) trackRun(ctx context.Context, runID string, quota *RunQuota) (context.Context, func()) {
	var cancel context.CancelFunc
	if quota != nil && quota.TimeoutSeconds > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(quota.TimeoutSeconds)*time.Second)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	k.mu.Lock()
	k.cancels[runID] = cancel
	k.mu.Unlock()

	return ctx, func() {
		k.mu.Lock()
		delete(k.cancels, runID)
		k.mu.Unlock()
		cancel()
	}
}

// settleRun maps the envelope's final status onto the control block.
func (k *Kernel) settleRun(runID string, env *envelope.PipelineEnvelope) {
	switch env.Status {
	case envelope.WorkflowCompleted:
		k.transition(runID, RunCompleted)
		k.dropEnvelopeMirror(runID)
	case envelope.WorkflowFailed:
		k.runs.SetFailureReason(runID, env.Error)
		k.transition(runID, RunFailed)
		k.dropEnvelopeMirror(runID)
	case envelope.WorkflowCancelled:
		k.runs.SetFailureReason(runID, env.Error)
		k.transition(runID, RunCancelled)
		k.dropEnvelopeMirror(runID)
	case envelope.WorkflowWaitingApproval:
		k.transition(runID, RunWaitingApproval)
		k.mirrorEnvelope(env)
	default:
		k.logger.Warn("run_settled_nonterminal",
			"run_id", runID,
			"status", string(env.Status))
	}
}

// transition applies a state change, logging instead of failing when the
// edge was already taken by a concurrent settle.
func (k *Kernel) transition(runID string, to RunState) {
	if err := k.runs.Transition(runID, to); err != nil {
		k.logger.Warn("run_transition_rejected",
			"run_id", runID,
			"to", string(to),
			"error", err.Error())
	}
}

func runSessionKey(runID string) string { return "run:" + runID }

func (k *Kernel) mirrorEnvelope(env *envelope.PipelineEnvelope) {
	if k.sessions == nil {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		k.logger.Warn("envelope_mirror_failed", "run_id", env.RunID, "error", err.Error())
		return
	}
	if err := k.sessions.Set(context.Background(), runSessionKey(env.RunID), string(data), runMirrorTTL); err != nil {
		k.logger.Warn("envelope_mirror_failed", "run_id", env.RunID, "error", err.Error())
	}
}

func (k *Kernel) dropEnvelopeMirror(runID string) {
	if k.sessions == nil {
		return
	}
	if err := k.sessions.Delete(context.Background(), runSessionKey(runID)); err != nil {
		k.logger.Warn("envelope_mirror_delete_failed", "run_id", runID, "error", err.Error())
	}
}

// =============================================================================
// APPROVALS
// =============================================================================

// ResolveApproval records the decision and resumes the suspended run. An
// approved run continues into generation; a rejected one fails with the
// reviewer's comment. The resumed portion executes synchronously and the
// final summary is returned.
func (k *Kernel) ResolveApproval(ctx context.Context, approvalID string, decision envelope.ApprovalDecision) (*RunSummary, error) {
	resolved, err := k.approvals.Resolve(approvalID, decision)
	if err != nil {
		return nil, err
	}

	rcb := k.runs.Get(resolved.RunID)
	if rcb == nil || rcb.Envelope == nil {
		return nil, fmt.Errorf("run '%s' for approval '%s' is not resident; restore it first", resolved.RunID, approvalID)
	}
	env := rcb.Envelope

	k.publish(ctx, &commbus.ApprovalResolved{
		RunID:      resolved.RunID,
		ApprovalID: resolved.ID,
		Stage:      resolved.Stage,
		Decision:   string(resolved.Status),
		Comment:    resolved.Comment,
		DecidedBy:  resolved.ResolvedBy,
	})

	if err := k.runs.Transition(resolved.RunID, RunRunning); err != nil {
		return nil, err
	}

	env.PendingApproval = resolved
	if resolved.Status == envelope.ApprovalApproved {
		env.MarkResumed(resolved.Stage)
	}

	ctx, done := k.trackRun(ctx, resolved.RunID, rcb.Quota)
	defer done()

	out, err := k.orch.Resume(ctx, env)
	if err != nil {
		k.runs.SetFailureReason(resolved.RunID, err.Error())
		k.transition(resolved.RunID, RunFailed)
		return nil, fmt.Errorf("run '%s' aborted on resume: %w", resolved.RunID, err)
	}

	k.settleRun(resolved.RunID, out)
	return Summarize(out), nil
}

// GetPendingApproval returns the newest unresolved approval for a run,
// or nil when none is waiting.
func (k *Kernel) GetPendingApproval(runID string) *envelope.ApprovalRequest {
	return k.approvals.PendingForRun(runID)
}

// ExpireOverdueApprovals sweeps lapsed approval requests and fails the
// runs suspended on them, returning how many runs were failed. The
// failed runs travel the same rejection path a denial takes.
func (k *Kernel) ExpireOverdueApprovals(ctx context.Context) int {
	k.approvals.ExpirePending()

	state := RunWaitingApproval
	failed := 0
	for _, snap := range k.runs.List(&state, "") {
		rcb := k.runs.Get(snap.RunID)
		if rcb == nil || rcb.Envelope == nil || rcb.Envelope.PendingApproval == nil {
			continue
		}
		req, ok := k.approvals.Get(rcb.Envelope.PendingApproval.ID)
		if !ok || req.Status != envelope.ApprovalExpired {
			continue
		}
		// Losing this transition means a resolver got there first.
		if err := k.runs.Transition(snap.RunID, RunRunning); err != nil {
			continue
		}

		rcb.Envelope.PendingApproval = req
		out, err := k.orch.Resume(ctx, rcb.Envelope)
		if err != nil {
			k.runs.SetFailureReason(snap.RunID, err.Error())
			k.transition(snap.RunID, RunFailed)
			continue
		}
		k.settleRun(snap.RunID, out)
		failed++
	}

	if failed > 0 {
		k.logger.Info("overdue_approvals_expired", "runs_failed", failed)
	}
	return failed
}

// =============================================================================
// CANCELLATION
// =============================================================================

// CancelRun cancels a run in any non-terminal state. An actively
// executing run is signalled through its context and settles
// asynchronously; pending and suspended runs settle before returning.
func (k *Kernel) CancelRun(ctx context.Context, runID, reason string) error {
	rcb := k.runs.Get(runID)
	if rcb == nil {
		return fmt.Errorf("run '%s' not found", runID)
	}
	if reason == "" {
		reason = "cancelled by operator"
	}

	k.mu.Lock()
	cancel, executing := k.cancels[runID]
	k.mu.Unlock()
	if executing {
		cancel()
		k.logger.Info("run_cancel_signalled", "run_id", runID, "reason", reason)
		return nil
	}

	if err := k.runs.Transition(runID, RunCancelled); err != nil {
		return err
	}
	k.approvals.CancelForRun(runID, reason)
	if env := rcb.Envelope; env != nil && !env.Status.IsTerminal() {
		env.MarkCancelled(reason)
	}
	k.runs.SetFailureReason(runID, reason)
	k.dropEnvelopeMirror(runID)
	k.logger.Info("run_cancelled", "run_id", runID, "reason", reason)
	return nil
}

// =============================================================================
// STATUS
// =============================================================================

// GetRunStatus returns a summary of the run. Runs that are pending,
// suspended, or finished summarize their envelope; an actively executing
// run reports from the control block, with live progress available on
// the bus.
func (k *Kernel) GetRunStatus(runID string) (*RunSummary, error) {
	snap, ok := k.runs.Status(runID)
	if !ok {
		return nil, fmt.Errorf("run '%s' not found", runID)
	}

	if snap.State != RunRunning {
		if rcb := k.runs.Get(runID); rcb != nil && rcb.Envelope != nil {
			return Summarize(rcb.Envelope), nil
		}
	}

	s := &RunSummary{
		RunID:           snap.RunID,
		SessionID:       snap.SessionID,
		Status:          runStateToWorkflow(snap.State),
		Error:           snap.FailureReason,
		CurrentStage:    snap.CurrentStage,
		CompletedStages: []string{},
	}
	if snap.StartedAt != nil {
		end := time.Now().UTC()
		if snap.CompletedAt != nil {
			end = *snap.CompletedAt
		}
		s.DurationSeconds = end.Sub(*snap.StartedAt).Seconds()
	}
	return s, nil
}

// runStateToWorkflow maps kernel run states onto the envelope vocabulary,
// which differs only in naming the executing state.
func runStateToWorkflow(s RunState) envelope.WorkflowStatus {
	if s == RunRunning {
		return envelope.WorkflowInProgress
	}
	return envelope.WorkflowStatus(s)
}

// ListRuns returns control-block snapshots, optionally filtered by state
// and session.
func (k *Kernel) ListRuns(state *RunState, sessionID string) []*RunControlBlock {
	return k.runs.List(state, sessionID)
}

// GetSystemStatus reports kernel-wide counters for health surfaces.
func (k *Kernel) GetSystemStatus(ctx context.Context) map[string]any {
	counts := make(map[string]int)
	for state, n := range k.runs.Counts() {
		counts[string(state)] = n
	}

	status := map[string]any{
		"runs":           counts,
		"total_runs":     k.runs.Total(),
		"active_runs":    k.runs.ActiveCount(),
		"approvals":      k.approvals.Stats(),
		"capabilities":   k.registry.Names(),
		"uptime_seconds": time.Since(k.startedAt).Seconds(),
	}
	if k.sessions != nil {
		status["session_store_healthy"] = k.sessions.Ping(ctx) == nil
	}
	return status
}

// =============================================================================
// BUS SURFACE
// =============================================================================

// RegisterBusHandlers exposes the kernel's queries and commands on the
// bus. A nil bus is a no-op.
func (k *Kernel) RegisterBusHandlers() error {
	if k.bus == nil {
		return nil
	}

	if err := k.bus.RegisterHandler("GetRunStatus", func(ctx context.Context, msg commbus.Message) (any, error) {
		q, ok := msg.(*commbus.GetRunStatus)
		if !ok {
			return nil, fmt.Errorf("unexpected message type %s", commbus.GetMessageType(msg))
		}
		return k.GetRunStatus(q.RunID)
	}); err != nil {
		return err
	}

	if err := k.bus.RegisterHandler("GetPendingApproval", func(ctx context.Context, msg commbus.Message) (any, error) {
		q, ok := msg.(*commbus.GetPendingApproval)
		if !ok {
			return nil, fmt.Errorf("unexpected message type %s", commbus.GetMessageType(msg))
		}
		resp := &commbus.PendingApprovalResponse{}
		if req := k.approvals.PendingForRun(q.RunID); req != nil {
			resp.Found = true
			resp.ApprovalID = req.ID
			resp.Stage = req.Stage
			resp.Summary = req.Summary
			resp.ExpiresAt = req.ExpiresAt
		}
		return resp, nil
	}); err != nil {
		return err
	}

	return k.bus.RegisterHandler("CancelRun", func(ctx context.Context, msg commbus.Message) (any, error) {
		c, ok := msg.(*commbus.CancelRun)
		if !ok {
			return nil, fmt.Errorf("unexpected message type %s", commbus.GetMessageType(msg))
		}
		return nil, k.CancelRun(ctx, c.RunID, c.Reason)
	})
}

func (k *Kernel) publish(ctx context.Context, event commbus.Message) {
	if k.bus == nil {
		return
	}
	if err := k.bus.Publish(ctx, event); err != nil {
		k.logger.Warn("event_publish_failed",
			"message_type", commbus.GetMessageType(event),
			"error", err.Error())
	}
}

// =============================================================================
// SHUTDOWN
// =============================================================================

// ShutdownError aggregates the faults collected while shutting down.
type ShutdownError struct {
	Errors []error
}

func (e *ShutdownError) Error() string {
	return fmt.Sprintf("kernel shutdown finished with %d errors (first: %v)", len(e.Errors), e.Errors[0])
}

// Unwrap exposes the collected faults to errors.Is and errors.As.
func (e *ShutdownError) Unwrap() []error { return e.Errors }

// Shutdown stops admissions, signals every executing run to cancel, and
// cancels pending and suspended runs. Executing runs settle on their own
// goroutines after their contexts fire.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	cancels := make(map[string]context.CancelFunc, len(k.cancels))
	for runID, cancel := range k.cancels {
		cancels[runID] = cancel
	}
	k.mu.Unlock()

	for runID, cancel := range cancels {
		cancel()
		k.logger.Info("run_cancel_signalled", "run_id", runID, "reason", "kernel shutting down")
	}

	var errs []error
	for _, snap := range k.runs.List(nil, "") {
		if snap.State != RunPending && snap.State != RunWaitingApproval {
			continue
		}
		if err := k.CancelRun(ctx, snap.RunID, "kernel shutting down"); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return &ShutdownError{Errors: errs}
	}
	k.logger.Info("kernel_shutdown_complete")
	return nil
}

func (k *Kernel) isClosed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.closed
}
