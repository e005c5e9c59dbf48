// Package kernel is the composition root of the pipeline engine. It owns
// run admission and lifecycle, resource quotas, approval gating, rate
// limiting, and the orchestrator that drives the five pipeline stages.
//
// The kernel tracks every run through a RunControlBlock: admission metadata,
// lifecycle state, quota, and usage counters. The run's actual pipeline
// state travels in the envelope the orchestrator threads through its graph.
package kernel

import (
	"context"
	"time"

	"github.com/forgeline-dev/testforge/coreengine/envelope"
)

// =============================================================================
// RUN STATES
// =============================================================================

// RunState represents the kernel-level lifecycle state of a run.
type RunState string

const (
	// RunPending indicates the run is admitted but not yet executing.
	RunPending RunState = "pending"
	// RunRunning indicates the orchestrator is executing the run.
	RunRunning RunState = "running"
	// RunWaitingApproval indicates the run is suspended at an approval gate.
	RunWaitingApproval RunState = "waiting_approval"
	// RunCompleted indicates the run finished successfully.
	RunCompleted RunState = "completed"
	// RunFailed indicates the run failed.
	RunFailed RunState = "failed"
	// RunCancelled indicates the run was cancelled.
	RunCancelled RunState = "cancelled"
)

// IsTerminal reports whether the state is final.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether the run still holds kernel resources.
func (s RunState) IsActive() bool {
	return !s.IsTerminal()
}

// =============================================================================
// RESOURCE QUOTAS
// =============================================================================

// RunQuota bounds what a single run may consume.
type RunQuota struct {
	MaxCapabilityCalls int `json:"max_capability_calls"`
	MaxLLMCalls        int `json:"max_llm_calls"`
	MaxScripts         int `json:"max_scripts"`
	TimeoutSeconds     int `json:"timeout_seconds"`
}

// DefaultRunQuota returns the standard per-run quota.
func DefaultRunQuota() *RunQuota {
	return &RunQuota{
		MaxCapabilityCalls: 200,
		MaxLLMCalls:        10,
		MaxScripts:         100,
		TimeoutSeconds:     1800,
	}
}

// Clone returns a copy of the quota.
func (q *RunQuota) Clone() *RunQuota {
	if q == nil {
		return nil
	}
	c := *q
	return &c
}

// RunUsage tracks what a run has consumed so far.
type RunUsage struct {
	CapabilityCalls int     `json:"capability_calls"`
	LLMCalls        int     `json:"llm_calls"`
	ScriptsExecuted int     `json:"scripts_executed"`
	ElapsedSeconds  float64 `json:"elapsed_seconds"`
}

// ExceedsQuota returns the first exceeded limit as a reason string, or ""
// when usage is within the quota.
func (u *RunUsage) ExceedsQuota(q *RunQuota) string {
	if q == nil {
		return ""
	}
	if u.CapabilityCalls > q.MaxCapabilityCalls {
		return "max_capability_calls_exceeded"
	}
	if u.LLMCalls > q.MaxLLMCalls {
		return "max_llm_calls_exceeded"
	}
	if u.ScriptsExecuted > q.MaxScripts {
		return "max_scripts_exceeded"
	}
	if u.ElapsedSeconds > float64(q.TimeoutSeconds) {
		return "timeout_exceeded"
	}
	return ""
}

// Clone returns a copy of the usage.
func (u *RunUsage) Clone() *RunUsage {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

// =============================================================================
// RUN CONTROL BLOCK
// =============================================================================

// RunControlBlock is the kernel's bookkeeping record for one run. The
// pipeline state itself lives in the attached envelope; the control block
// carries what admission, scheduling, and quota enforcement need.
type RunControlBlock struct {
	RunID         string     `json:"run_id"`
	SessionID     string     `json:"session_id"`
	State         RunState   `json:"state"`
	CurrentStage  string     `json:"current_stage,omitempty"`
	Quota         *RunQuota  `json:"quota,omitempty"`
	Usage         *RunUsage  `json:"usage"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`

	// Envelope is the live pipeline state. Excluded from JSON so status
	// snapshots stay small; callers wanting pipeline detail summarize the
	// envelope instead.
	Envelope *envelope.PipelineEnvelope `json:"-"`
}

// NewRunControlBlock creates a control block in the pending state.
func NewRunControlBlock(runID, sessionID string, quota *RunQuota) *RunControlBlock {
	return &RunControlBlock{
		RunID:     runID,
		SessionID: sessionID,
		State:     RunPending,
		Quota:     quota,
		Usage:     &RunUsage{},
		CreatedAt: time.Now().UTC(),
	}
}

// RecordCapabilityCall counts one capability invocation against the quota.
func (r *RunControlBlock) RecordCapabilityCall() {
	r.Usage.CapabilityCalls++
}

// RecordLLMCall counts one generator invocation against the quota.
func (r *RunControlBlock) RecordLLMCall() {
	r.Usage.LLMCalls++
}

// RecordScripts counts executed scripts against the quota.
func (r *RunControlBlock) RecordScripts(n int) {
	r.Usage.ScriptsExecuted += n
}

// TouchElapsed refreshes the elapsed-seconds counter from StartedAt.
func (r *RunControlBlock) TouchElapsed() {
	if r.StartedAt != nil {
		r.Usage.ElapsedSeconds = time.Since(*r.StartedAt).Seconds()
	}
}

// CheckQuota refreshes elapsed time and returns the first exceeded limit,
// or "" when the run is within its quota.
func (r *RunControlBlock) CheckQuota() string {
	if r.Quota == nil {
		return ""
	}
	r.TouchElapsed()
	return r.Usage.ExceedsQuota(r.Quota)
}

// Snapshot returns a copy of the control block without the envelope.
func (r *RunControlBlock) Snapshot() *RunControlBlock {
	c := *r
	c.Quota = r.Quota.Clone()
	c.Usage = r.Usage.Clone()
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	c.Envelope = nil
	return &c
}

// =============================================================================
// SESSION STORE
// =============================================================================

// SessionStore is the slice of the session storage surface the kernel uses
// to mirror suspended envelopes and approval records. The memstore adapters
// satisfy it.
type SessionStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}
