package envelope

import "time"

// ApprovalRequest asks a reviewer to approve or reject a run suspended at a
// stage gate. Requests expire if unresolved past ExpiresAt.
type ApprovalRequest struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	Stage      string         `json:"stage"`
	Summary    string         `json:"summary,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Status     ApprovalStatus `json:"status"`
	Comment    string         `json:"comment,omitempty"`
	ResolvedBy string         `json:"resolved_by,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
}

// ApprovalOption configures an approval request at creation.
type ApprovalOption func(*ApprovalRequest)

// WithSummary attaches a human-readable description of what is being approved.
func WithSummary(s string) ApprovalOption {
	return func(r *ApprovalRequest) { r.Summary = s }
}

// WithPayload attaches structured context, such as the planned test cases.
func WithPayload(p map[string]any) ApprovalOption {
	return func(r *ApprovalRequest) { r.Payload = p }
}

// WithExpiry sets the deadline after which the request expires unresolved.
func WithExpiry(d time.Duration) ApprovalOption {
	return func(r *ApprovalRequest) {
		t := time.Now().UTC().Add(d)
		r.ExpiresAt = &t
	}
}

// NewApprovalRequest creates a pending request for the given run and stage.
func NewApprovalRequest(runID, stage string, opts ...ApprovalOption) *ApprovalRequest {
	r := &ApprovalRequest{
		ID:        shortID("apr"),
		RunID:     runID,
		Stage:     stage,
		Status:    ApprovalPending,
		CreatedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IsExpired reports whether the request passed its deadline while pending.
func (r *ApprovalRequest) IsExpired(now time.Time) bool {
	return r.Status == ApprovalPending && r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// Clone returns a deep copy.
func (r *ApprovalRequest) Clone() *ApprovalRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.Payload = cloneAnyMap(r.Payload)
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		c.ResolvedAt = &t
	}
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// ApprovalDecision is a reviewer's answer to a pending request.
type ApprovalDecision struct {
	Approved  bool   `json:"approved"`
	Comment   string `json:"comment,omitempty"`
	DecidedBy string `json:"decided_by,omitempty"`
}
