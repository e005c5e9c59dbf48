package envelope

import (
	"time"

	"github.com/google/uuid"
)

// shortID builds a prefixed identifier from the head of a fresh UUID.
func shortID(prefix string) string {
	return prefix + "_" + uuid.New().String()[:16]
}

// RunOptions are the per-run knobs a caller may set; zero values fall back to
// configuration defaults when the orchestrator seeds the first stage.
type RunOptions struct {
	MaxDepth       int           `json:"max_depth,omitempty"`
	MaxPages       int           `json:"max_pages,omitempty"`
	Framework      string        `json:"framework,omitempty"`
	Workers        int           `json:"workers,omitempty"`
	ScriptTimeout  time.Duration `json:"script_timeout,omitempty"`
	Formats        []string      `json:"formats,omitempty"`
	ApprovalStages []string      `json:"approval_stages,omitempty"`
}

// Clone returns a deep copy.
func (o RunOptions) Clone() RunOptions {
	c := o
	c.Formats = cloneStringSlice(o.Formats)
	c.ApprovalStages = cloneStringSlice(o.ApprovalStages)
	return c
}

// RequiresApproval reports whether the run pauses for review after the stage.
func (o RunOptions) RequiresApproval(stage string) bool {
	for _, s := range o.ApprovalStages {
		if s == stage {
			return true
		}
	}
	return false
}

// ProcessingRecord is one entry in the envelope audit trail.
type ProcessingRecord struct {
	Stage      string         `json:"stage"`
	Action     string         `json:"action"` // started, completed, failed, suspended, resumed
	Timestamp  time.Time      `json:"timestamp"`
	DurationMS int            `json:"duration_ms,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// PipelineEnvelope is the run state the orchestrator routes between stages.
// Stage state slots are filled as the run advances; a nil slot means the
// stage never started.
type PipelineEnvelope struct {
	// Identification
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`

	// Target
	TargetURL string     `json:"target_url"`
	Options   RunOptions `json:"options"`

	// Stage states
	Exploration *ExplorationState `json:"exploration,omitempty"`
	Planning    *PlanningState    `json:"planning,omitempty"`
	Generation  *GenerationState  `json:"generation,omitempty"`
	Execution   *ExecutionState   `json:"execution,omitempty"`
	Reporting   *ReportingState   `json:"reporting,omitempty"`

	// Progress. CompletedStages is append-only and holds a stage at most once.
	CompletedStages []string       `json:"completed_stages"`
	CurrentStage    string         `json:"current_stage,omitempty"`
	Status          WorkflowStatus `json:"status"`
	Error           string         `json:"error,omitempty"`

	// Approval gate
	PendingApproval *ApprovalRequest `json:"pending_approval,omitempty"`

	// Audit trail
	ProcessingHistory []ProcessingRecord `json:"processing_history"`

	// Timing
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Metadata
	Metadata map[string]any `json:"metadata,omitempty"`
}

// New creates a pending envelope for a run against targetURL.
func New(targetURL string, opts RunOptions) *PipelineEnvelope {
	return &PipelineEnvelope{
		RunID:             shortID("run"),
		SessionID:         shortID("sess"),
		RequestID:         shortID("req"),
		TargetURL:         targetURL,
		Options:           opts,
		CompletedStages:   []string{},
		Status:            WorkflowPending,
		ProcessingHistory: []ProcessingRecord{},
		StartedAt:         time.Now().UTC(),
	}
}

// MarkStageStarted records a stage beginning and moves the run in progress.
func (e *PipelineEnvelope) MarkStageStarted(stage string) {
	e.CurrentStage = stage
	if e.Status == WorkflowPending || e.Status == WorkflowWaitingApproval {
		e.Status = WorkflowInProgress
	}
	e.appendRecord(ProcessingRecord{
		Stage:     stage,
		Action:    "started",
		Timestamp: time.Now().UTC(),
	})
}

// MarkStageCompleted appends the stage to CompletedStages. A stage already
// present is not appended again, so replayed nodes cannot double-count.
func (e *PipelineEnvelope) MarkStageCompleted(stage string, duration time.Duration) {
	if !e.IsStageCompleted(stage) {
		e.CompletedStages = append(e.CompletedStages, stage)
	}
	e.appendRecord(ProcessingRecord{
		Stage:      stage,
		Action:     "completed",
		Timestamp:  time.Now().UTC(),
		DurationMS: int(duration.Milliseconds()),
	})
}

// MarkFailed moves the run to failed. The first error message is kept so the
// summary reports the root cause rather than a downstream symptom.
func (e *PipelineEnvelope) MarkFailed(stage, msg string) {
	e.Status = WorkflowFailed
	if e.Error == "" {
		e.Error = msg
	}
	now := time.Now().UTC()
	e.CompletedAt = &now
	e.appendRecord(ProcessingRecord{
		Stage:     stage,
		Action:    "failed",
		Timestamp: now,
		Details:   map[string]any{"error": msg},
	})
}

// MarkCompleted moves the run to completed and stamps the completion time.
func (e *PipelineEnvelope) MarkCompleted() {
	e.Status = WorkflowCompleted
	now := time.Now().UTC()
	e.CompletedAt = &now
}

// MarkCancelled moves the run to cancelled and stamps the completion time.
func (e *PipelineEnvelope) MarkCancelled(reason string) {
	e.Status = WorkflowCancelled
	if e.Error == "" {
		e.Error = reason
	}
	now := time.Now().UTC()
	e.CompletedAt = &now
	e.appendRecord(ProcessingRecord{
		Stage:     e.CurrentStage,
		Action:    "cancelled",
		Timestamp: now,
		Details:   map[string]any{"reason": reason},
	})
}

// MarkWaitingApproval suspends the run on a pending approval request.
func (e *PipelineEnvelope) MarkWaitingApproval(req *ApprovalRequest) {
	e.Status = WorkflowWaitingApproval
	e.PendingApproval = req
	e.appendRecord(ProcessingRecord{
		Stage:     req.Stage,
		Action:    "suspended",
		Timestamp: time.Now().UTC(),
		Details:   map[string]any{"approval_id": req.ID},
	})
}

// MarkResumed clears the approval suspension after a decision.
func (e *PipelineEnvelope) MarkResumed(stage string) {
	if e.Status == WorkflowWaitingApproval {
		e.Status = WorkflowInProgress
	}
	e.appendRecord(ProcessingRecord{
		Stage:     stage,
		Action:    "resumed",
		Timestamp: time.Now().UTC(),
	})
}

// IsStageCompleted reports whether the stage was recorded complete.
func (e *PipelineEnvelope) IsStageCompleted(stage string) bool {
	for _, s := range e.CompletedStages {
		if s == stage {
			return true
		}
	}
	return false
}

// Duration returns the run elapsed time, or time since start for a live run.
func (e *PipelineEnvelope) Duration() time.Duration {
	if e.CompletedAt != nil {
		return e.CompletedAt.Sub(e.StartedAt)
	}
	return time.Since(e.StartedAt)
}

func (e *PipelineEnvelope) appendRecord(r ProcessingRecord) {
	e.ProcessingHistory = append(e.ProcessingHistory, r)
}

// Clone returns a deep copy of the envelope for checkpointing.
func (e *PipelineEnvelope) Clone() *PipelineEnvelope {
	c := &PipelineEnvelope{
		RunID:        e.RunID,
		SessionID:    e.SessionID,
		RequestID:    e.RequestID,
		TargetURL:    e.TargetURL,
		Options:      e.Options.Clone(),
		CurrentStage: e.CurrentStage,
		Status:       e.Status,
		Error:        e.Error,
		StartedAt:    e.StartedAt,
	}

	c.Exploration = e.Exploration.Clone()
	c.Planning = e.Planning.Clone()
	c.Generation = e.Generation.Clone()
	c.Execution = e.Execution.Clone()
	c.Reporting = e.Reporting.Clone()

	c.CompletedStages = append([]string{}, e.CompletedStages...)
	c.ProcessingHistory = cloneProcessingHistory(e.ProcessingHistory)
	c.PendingApproval = e.PendingApproval.Clone()
	c.Metadata = cloneAnyMap(e.Metadata)

	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

func cloneProcessingHistory(h []ProcessingRecord) []ProcessingRecord {
	if h == nil {
		return []ProcessingRecord{}
	}
	out := make([]ProcessingRecord, len(h))
	for i, r := range h {
		out[i] = r
		out[i].Details = cloneAnyMap(r.Details)
	}
	return out
}
