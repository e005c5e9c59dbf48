package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/forgeline-dev/testforge/coreengine/envelope"
	"github.com/forgeline-dev/testforge/coreengine/logging"
	"github.com/forgeline-dev/testforge/coreengine/observability"
)

// DefaultApprovalTTL is how long an approval request stays decidable.
const DefaultApprovalTTL = 1 * time.Hour

// approvalMirrorTTL bounds how long resolved approval records linger in the
// session store.
const approvalMirrorTTL = 24 * time.Hour

// ApprovalService owns approval requests for gated runs. The in-memory
// registry is canonical; records are mirrored into the session store on a
// best-effort basis for audit and external visibility.
//
// Callers always receive copies. Mutation happens only through Resolve,
// Cancel, and ExpirePending.
type ApprovalService struct {
	ttl      time.Duration
	store    SessionStore
	logger   logging.Logger
	requests map[string]*envelope.ApprovalRequest
	byRun    map[string][]string
	mu       sync.RWMutex
}

// NewApprovalService creates an ApprovalService. A non-positive ttl falls
// back to DefaultApprovalTTL; store may be nil to disable mirroring.
func NewApprovalService(ttl time.Duration, store SessionStore, logger logging.Logger) *ApprovalService {
	if ttl <= 0 {
		ttl = DefaultApprovalTTL
	}
	return &ApprovalService{
		ttl:      ttl,
		store:    store,
		logger:   logging.OrNop(logger),
		requests: make(map[string]*envelope.ApprovalRequest),
		byRun:    make(map[string][]string),
	}
}

// =============================================================================
// CREATION AND LOOKUP
// =============================================================================

// Create registers a new pending approval for a run's stage. The service
// TTL is applied first so explicit WithExpiry options can override it.
func (s *ApprovalService) Create(runID, stage string, opts ...envelope.ApprovalOption) *envelope.ApprovalRequest {
	all := append([]envelope.ApprovalOption{envelope.WithExpiry(s.ttl)}, opts...)
	req := envelope.NewApprovalRequest(runID, stage, all...)

	s.mu.Lock()
	s.requests[req.ID] = req
	s.byRun[runID] = append(s.byRun[runID], req.ID)
	s.mu.Unlock()

	s.mirror(req)
	s.logger.Info("approval_created",
		"approval_id", req.ID,
		"run_id", runID,
		"stage", stage)
	return req.Clone()
}

// Restore re-registers an approval record rehydrated from a suspended-run
// mirror, keeping its identity and deadline. Known ids are left untouched.
func (s *ApprovalService) Restore(req *envelope.ApprovalRequest) {
	if req == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[req.ID]; exists {
		return
	}
	c := req.Clone()
	s.requests[c.ID] = c
	s.byRun[c.RunID] = append(s.byRun[c.RunID], c.ID)
}

// Get returns a copy of the approval request, or false when unknown.
func (s *ApprovalService) Get(approvalID string) (*envelope.ApprovalRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, exists := s.requests[approvalID]
	if !exists {
		return nil, false
	}
	return req.Clone(), true
}

// PendingForRun returns the most recent still-decidable approval for a run,
// or nil when none is pending.
func (s *ApprovalService) PendingForRun(runID string) *envelope.ApprovalRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byRun[runID]
	now := time.Now().UTC()
	for i := len(ids) - 1; i >= 0; i-- {
		req := s.requests[ids[i]]
		if req != nil && req.Status == envelope.ApprovalPending && !req.IsExpired(now) {
			return req.Clone()
		}
	}
	return nil
}

// =============================================================================
// RESOLUTION
// =============================================================================

// Resolve applies a decision to a pending approval and returns the
// resolved record. Only pending, unexpired requests accept decisions.
func (s *ApprovalService) Resolve(approvalID string, decision envelope.ApprovalDecision) (*envelope.ApprovalRequest, error) {
	s.mu.Lock()
	req, exists := s.requests[approvalID]
	if !exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("approval '%s' not found", approvalID)
	}
	if req.Status != envelope.ApprovalPending {
		s.mu.Unlock()
		return nil, fmt.Errorf("approval '%s' is already %s", approvalID, req.Status)
	}

	now := time.Now().UTC()
	if req.IsExpired(now) {
		req.Status = envelope.ApprovalExpired
		req.ResolvedAt = &now
		s.mu.Unlock()
		s.mirror(req)
		observability.RecordApprovalResolution(string(envelope.ApprovalExpired))
		return nil, fmt.Errorf("approval '%s' has expired", approvalID)
	}

	if decision.Approved {
		req.Status = envelope.ApprovalApproved
	} else {
		req.Status = envelope.ApprovalRejected
	}
	req.Comment = decision.Comment
	req.ResolvedBy = decision.DecidedBy
	req.ResolvedAt = &now
	resolved := req.Clone()
	s.mu.Unlock()

	s.mirror(resolved)
	observability.RecordApprovalResolution(string(resolved.Status))
	s.logger.Info("approval_resolved",
		"approval_id", approvalID,
		"run_id", resolved.RunID,
		"status", string(resolved.Status),
		"decided_by", resolved.ResolvedBy)
	return resolved, nil
}

// Cancel marks a pending approval cancelled, recording the reason.
func (s *ApprovalService) Cancel(approvalID, reason string) error {
	s.mu.Lock()
	req, exists := s.requests[approvalID]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("approval '%s' not found", approvalID)
	}
	if req.Status != envelope.ApprovalPending {
		s.mu.Unlock()
		return fmt.Errorf("approval '%s' is already %s", approvalID, req.Status)
	}

	now := time.Now().UTC()
	req.Status = envelope.ApprovalCancelled
	req.Comment = reason
	req.ResolvedAt = &now
	cancelled := req.Clone()
	s.mu.Unlock()

	s.mirror(cancelled)
	observability.RecordApprovalResolution(string(envelope.ApprovalCancelled))
	s.logger.Info("approval_cancelled", "approval_id", approvalID, "reason", reason)
	return nil
}

// CancelForRun cancels every pending approval of a run. Returns the number
// cancelled. Used when the run itself is cancelled.
func (s *ApprovalService) CancelForRun(runID, reason string) int {
	s.mu.RLock()
	ids := make([]string, len(s.byRun[runID]))
	copy(ids, s.byRun[runID])
	s.mu.RUnlock()

	cancelled := 0
	for _, id := range ids {
		if err := s.Cancel(id, reason); err == nil {
			cancelled++
		}
	}
	return cancelled
}

// ExpirePending marks pending approvals past their deadline as expired.
// Returns the number expired. Called from the cleanup loop.
func (s *ApprovalService) ExpirePending() int {
	now := time.Now().UTC()
	expired := make([]*envelope.ApprovalRequest, 0)

	s.mu.Lock()
	for _, req := range s.requests {
		if req.Status == envelope.ApprovalPending && req.IsExpired(now) {
			req.Status = envelope.ApprovalExpired
			resolvedAt := now
			req.ResolvedAt = &resolvedAt
			expired = append(expired, req.Clone())
		}
	}
	s.mu.Unlock()

	for _, req := range expired {
		s.mirror(req)
		observability.RecordApprovalResolution(string(envelope.ApprovalExpired))
		s.logger.Info("approval_expired", "approval_id", req.ID, "run_id", req.RunID)
	}
	return len(expired)
}

// =============================================================================
// RETENTION
// =============================================================================

// CleanupResolved removes resolved approvals older than the retention
// window, including their session store mirrors. Returns the number
// removed.
func (s *ApprovalService) CleanupResolved(olderThan time.Duration) int {
	cutoff := time.Now().UTC().Add(-olderThan)
	removed := make([]*envelope.ApprovalRequest, 0)

	s.mu.Lock()
	for id, req := range s.requests {
		if !req.Status.IsResolved() {
			continue
		}
		if req.ResolvedAt != nil && req.ResolvedAt.Before(cutoff) {
			delete(s.requests, id)
			s.removeFromRunIndex(req.RunID, id)
			removed = append(removed, req)
		}
	}
	s.mu.Unlock()

	for _, req := range removed {
		s.dropMirror(req.ID)
	}
	if len(removed) > 0 {
		s.logger.Info("resolved_approvals_cleaned", "removed", len(removed))
	}
	return len(removed)
}

// removeFromRunIndex drops one approval id from a run's index entry.
// Callers must hold mu.
func (s *ApprovalService) removeFromRunIndex(runID, approvalID string) {
	ids := s.byRun[runID]
	for i, id := range ids {
		if id == approvalID {
			s.byRun[runID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(s.byRun[runID]) == 0 {
		delete(s.byRun, runID)
	}
}

// =============================================================================
// STATS
// =============================================================================

// Stats returns approval counts by status.
func (s *ApprovalService) Stats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]int{
		"total":     len(s.requests),
		"pending":   0,
		"approved":  0,
		"rejected":  0,
		"expired":   0,
		"cancelled": 0,
	}
	for _, req := range s.requests {
		stats[string(req.Status)]++
	}
	return stats
}

// PendingCount returns the number of pending approvals.
func (s *ApprovalService) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending := 0
	for _, req := range s.requests {
		if req.Status == envelope.ApprovalPending {
			pending++
		}
	}
	return pending
}

// =============================================================================
// SESSION STORE MIRRORING
// =============================================================================

// mirror writes the approval record to the session store. Failures are
// logged and swallowed: the in-memory registry is canonical.
func (s *ApprovalService) mirror(req *envelope.ApprovalRequest) {
	if s.store == nil {
		return
	}
	raw, err := json.Marshal(req)
	if err != nil {
		s.logger.Warn("approval_mirror_marshal_failed",
			"approval_id", req.ID,
			"error", err.Error())
		return
	}
	if err := s.store.Set(context.Background(), "approval:"+req.ID, string(raw), approvalMirrorTTL); err != nil {
		s.logger.Warn("approval_mirror_failed",
			"approval_id", req.ID,
			"error", err.Error())
	}
}

// dropMirror removes an approval record from the session store.
func (s *ApprovalService) dropMirror(approvalID string) {
	if s.store == nil {
		return
	}
	if err := s.store.Delete(context.Background(), "approval:"+approvalID); err != nil {
		s.logger.Warn("approval_mirror_delete_failed",
			"approval_id", approvalID,
			"error", err.Error())
	}
}
