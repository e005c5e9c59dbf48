// This file defines every message type carried by the bus, organized by
// category:
//   - EVENT: fire-and-forget, fan-out to subscribers
//   - QUERY: request-response, single handler
//   - COMMAND: fire-and-forget, single handler
package commbus

import "time"

// =============================================================================
// MESSAGE CATEGORIES
// =============================================================================

// MessageCategory represents message routing categories.
type MessageCategory string

const (
	// MessageCategoryEvent is fire-and-forget, fan-out to all subscribers.
	MessageCategoryEvent MessageCategory = "event"
	// MessageCategoryQuery is request-response, single handler.
	MessageCategoryQuery MessageCategory = "query"
	// MessageCategoryCommand is fire-and-forget, single handler.
	MessageCategoryCommand MessageCategory = "command"
)

// =============================================================================
// RUN LIFECYCLE EVENTS
// =============================================================================

// RunStarted is emitted when a pipeline run begins executing.
// Subscribers: CLI progress output, telemetry.
type RunStarted struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
	TargetURL string `json:"target_url"`
}

// Category implements the Message interface.
func (m *RunStarted) Category() string { return string(MessageCategoryEvent) }

// RunCompleted is emitted when a run reaches the completed state.
type RunCompleted struct {
	RunID           string `json:"run_id"`
	Status          string `json:"status"`
	DurationMS      int    `json:"duration_ms"`
	StagesCompleted int    `json:"stages_completed"`
}

// Category implements the Message interface.
func (m *RunCompleted) Category() string { return string(MessageCategoryEvent) }

// RunFailed is emitted when a run reaches the failed state.
type RunFailed struct {
	RunID      string `json:"run_id"`
	Stage      string `json:"stage"`
	Error      string `json:"error"`
	DurationMS int    `json:"duration_ms"`
}

// Category implements the Message interface.
func (m *RunFailed) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// STAGE LIFECYCLE EVENTS
// =============================================================================

// StageStarted is emitted when a pipeline stage begins processing.
type StageStarted struct {
	RunID string `json:"run_id"`
	Stage string `json:"stage"`
}

// Category implements the Message interface.
func (m *StageStarted) Category() string { return string(MessageCategoryEvent) }

// StageCompleted is emitted when a pipeline stage finishes successfully.
type StageCompleted struct {
	RunID      string         `json:"run_id"`
	Stage      string         `json:"stage"`
	DurationMS int            `json:"duration_ms"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Category implements the Message interface.
func (m *StageCompleted) Category() string { return string(MessageCategoryEvent) }

// StageFailed is emitted when a pipeline stage fails.
// Reporting failures emit this event even though the run itself continues.
type StageFailed struct {
	RunID string `json:"run_id"`
	Stage string `json:"stage"`
	Error string `json:"error"`
}

// Category implements the Message interface.
func (m *StageFailed) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// APPROVAL EVENTS
// =============================================================================

// ApprovalRequested is emitted when a run suspends waiting for a human
// decision. Subscribers: CLI prompt, notification sinks.
type ApprovalRequested struct {
	RunID      string     `json:"run_id"`
	ApprovalID string     `json:"approval_id"`
	Stage      string     `json:"stage"`
	Summary    string     `json:"summary"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Category implements the Message interface.
func (m *ApprovalRequested) Category() string { return string(MessageCategoryEvent) }

// ApprovalResolved is emitted when a pending approval is decided.
type ApprovalResolved struct {
	RunID      string `json:"run_id"`
	ApprovalID string `json:"approval_id"`
	Stage      string `json:"stage"`
	Decision   string `json:"decision"` // "approved" or "rejected"
	Comment    string `json:"comment,omitempty"`
	DecidedBy  string `json:"decided_by,omitempty"`
}

// Category implements the Message interface.
func (m *ApprovalResolved) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// QUERIES
// =============================================================================

// GetPendingApproval asks for the most recent unresolved approval of a run.
type GetPendingApproval struct {
	RunID string `json:"run_id"`
}

// Category implements the Message interface.
func (m *GetPendingApproval) Category() string { return string(MessageCategoryQuery) }

// IsQuery implements the Query interface.
func (m *GetPendingApproval) IsQuery() {}

// PendingApprovalResponse is the response for GetPendingApproval.
type PendingApprovalResponse struct {
	Found      bool       `json:"found"`
	ApprovalID string     `json:"approval_id,omitempty"`
	Stage      string     `json:"stage,omitempty"`
	Summary    string     `json:"summary,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// GetRunStatus asks for a point-in-time status snapshot of a run.
type GetRunStatus struct {
	RunID string `json:"run_id"`
}

// Category implements the Message interface.
func (m *GetRunStatus) Category() string { return string(MessageCategoryQuery) }

// IsQuery implements the Query interface.
func (m *GetRunStatus) IsQuery() {}

// =============================================================================
// COMMANDS
// =============================================================================

// CancelRun requests cancellation of an active run.
type CancelRun struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason,omitempty"`
}

// Category implements the Message interface.
func (m *CancelRun) Category() string { return string(MessageCategoryCommand) }

// =============================================================================
// MESSAGE TYPE RESOLUTION
// =============================================================================

// TypedMessage is an optional interface for messages that provide their own
// type name. Ad-hoc messages defined outside this package implement it to
// take part in routing.
type TypedMessage interface {
	Message
	MessageType() string
}

// GetMessageType returns the type name of a message for routing.
func GetMessageType(msg Message) string {
	if typed, ok := msg.(TypedMessage); ok {
		return typed.MessageType()
	}

	switch msg.(type) {
	case *RunStarted:
		return "RunStarted"
	case *RunCompleted:
		return "RunCompleted"
	case *RunFailed:
		return "RunFailed"
	case *StageStarted:
		return "StageStarted"
	case *StageCompleted:
		return "StageCompleted"
	case *StageFailed:
		return "StageFailed"
	case *ApprovalRequested:
		return "ApprovalRequested"
	case *ApprovalResolved:
		return "ApprovalResolved"
	case *GetPendingApproval:
		return "GetPendingApproval"
	case *GetRunStatus:
		return "GetRunStatus"
	case *CancelRun:
		return "CancelRun"
	default:
		return "Unknown"
	}
}
