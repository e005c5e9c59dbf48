// Package envelope defines the state that flows through a pipeline run: the
// per-stage state records, the PipelineEnvelope the orchestrator routes
// between stages, the processing history, and approval records for gated
// stages.
package envelope

// Stage names in canonical pipeline order.
const (
	StageExploration = "exploration"
	StagePlanning    = "planning"
	StageGeneration  = "generation"
	StageExecution   = "execution"
	StageReporting   = "reporting"
)

// StageOrder returns the canonical stage order as a fresh slice.
func StageOrder() []string {
	return []string{
		StageExploration,
		StagePlanning,
		StageGeneration,
		StageExecution,
		StageReporting,
	}
}

// WorkflowStatus tracks the overall lifecycle of a pipeline run.
type WorkflowStatus string

const (
	// WorkflowPending indicates the run is admitted but not started.
	WorkflowPending WorkflowStatus = "pending"
	// WorkflowInProgress indicates a stage is currently executing.
	WorkflowInProgress WorkflowStatus = "in_progress"
	// WorkflowWaitingApproval indicates the run is suspended at an approval gate.
	WorkflowWaitingApproval WorkflowStatus = "waiting_approval"
	// WorkflowCompleted indicates the run finished.
	WorkflowCompleted WorkflowStatus = "completed"
	// WorkflowFailed indicates a critical stage failed and later stages were skipped.
	WorkflowFailed WorkflowStatus = "failed"
	// WorkflowCancelled indicates the run was cancelled before finishing.
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// IsTerminal reports whether the run has reached a final status.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	default:
		return false
	}
}

// StageStatus tracks the lifecycle of a single stage state machine.
type StageStatus string

const (
	// StageStatusPending indicates the stage has not started.
	StageStatusPending StageStatus = "pending"
	// StageStatusInProgress indicates the stage graph is executing.
	StageStatusInProgress StageStatus = "in_progress"
	// StageStatusCompleted indicates the stage reached its success terminal.
	StageStatusCompleted StageStatus = "completed"
	// StageStatusFailed indicates the stage reached its error terminal.
	StageStatusFailed StageStatus = "failed"
)

// IsTerminal reports whether the stage has finished, successfully or not.
func (s StageStatus) IsTerminal() bool {
	return s == StageStatusCompleted || s == StageStatusFailed
}

// ItemStatus is the outcome of one executed script.
type ItemStatus string

const (
	// ItemPassed indicates the script exited zero.
	ItemPassed ItemStatus = "passed"
	// ItemFailed indicates the script exited non-zero or timed out.
	ItemFailed ItemStatus = "failed"
	// ItemSkipped indicates the script was not run.
	ItemSkipped ItemStatus = "skipped"
)

// ApprovalStatus tracks an approval request through its lifecycle.
type ApprovalStatus string

const (
	// ApprovalPending indicates the request awaits a decision.
	ApprovalPending ApprovalStatus = "pending"
	// ApprovalApproved indicates a reviewer approved; the run resumes.
	ApprovalApproved ApprovalStatus = "approved"
	// ApprovalRejected indicates a reviewer rejected; the run fails.
	ApprovalRejected ApprovalStatus = "rejected"
	// ApprovalExpired indicates the request passed its deadline unresolved.
	ApprovalExpired ApprovalStatus = "expired"
	// ApprovalCancelled indicates the owning run was cancelled.
	ApprovalCancelled ApprovalStatus = "cancelled"
)

// IsResolved reports whether the request no longer accepts a decision.
func (s ApprovalStatus) IsResolved() bool {
	return s != ApprovalPending
}
