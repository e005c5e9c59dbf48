package kernel

import (
	"fmt"
	"sync"
	"time"

	"github.com/forgeline-dev/testforge/coreengine/logging"
)

// =============================================================================
// STATE TRANSITIONS
// =============================================================================

// validTransitions defines the legal run state machine. Terminal states
// have no outgoing transitions. pending -> waiting_approval covers runs
// restored from a suspended-envelope mirror, which re-enter the registry
// already parked at an approval gate.
var validTransitions = map[RunState]map[RunState]bool{
	RunPending: {
		RunRunning:         true,
		RunWaitingApproval: true,
		RunCancelled:       true,
	},
	RunRunning: {
		RunWaitingApproval: true,
		RunCompleted:       true,
		RunFailed:          true,
		RunCancelled:       true,
	},
	RunWaitingApproval: {
		RunRunning:   true,
		RunFailed:    true,
		RunCancelled: true,
	},
	RunCompleted: {},
	RunFailed:    {},
	RunCancelled: {},
}

// IsValidTransition reports whether moving from one state to another is
// legal.
func IsValidTransition(from, to RunState) bool {
	return validTransitions[from][to]
}

// =============================================================================
// RUN MANAGER
// =============================================================================

// RunManager owns the run registry and enforces the run state machine.
// All mutations of a control block's lifecycle fields go through it.
type RunManager struct {
	defaultQuota *RunQuota
	runs         map[string]*RunControlBlock
	logger       logging.Logger
	mu           sync.RWMutex
}

// NewRunManager creates a RunManager. A nil defaultQuota falls back to
// DefaultRunQuota.
func NewRunManager(defaultQuota *RunQuota, logger logging.Logger) *RunManager {
	if defaultQuota == nil {
		defaultQuota = DefaultRunQuota()
	}
	return &RunManager{
		defaultQuota: defaultQuota,
		runs:         make(map[string]*RunControlBlock),
		logger:       logging.OrNop(logger),
	}
}

// Submit registers a new run in the pending state. Run IDs are generated
// by the envelope, so a duplicate means a caller bug and is rejected.
func (m *RunManager) Submit(runID, sessionID string, quota *RunQuota) (*RunControlBlock, error) {
	if runID == "" {
		return nil, fmt.Errorf("run id must not be empty")
	}
	if quota == nil {
		quota = m.defaultQuota.Clone()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[runID]; exists {
		return nil, fmt.Errorf("run '%s' already submitted", runID)
	}

	rcb := NewRunControlBlock(runID, sessionID, quota)
	m.runs[runID] = rcb

	m.logger.Info("run_submitted",
		"run_id", runID,
		"session_id", sessionID)
	return rcb, nil
}

// Transition moves a run to a new state, stamping lifecycle timestamps.
// Illegal transitions are rejected with the attempted edge in the error.
func (m *RunManager) Transition(runID string, to RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rcb, exists := m.runs[runID]
	if !exists {
		return fmt.Errorf("run '%s' not found", runID)
	}

	from := rcb.State
	if !IsValidTransition(from, to) {
		return fmt.Errorf("invalid run transition for '%s': %s -> %s", runID, from, to)
	}

	rcb.State = to
	now := time.Now().UTC()
	if to == RunRunning && rcb.StartedAt == nil {
		rcb.StartedAt = &now
	}
	if to.IsTerminal() {
		rcb.CompletedAt = &now
		rcb.TouchElapsed()
	}

	m.logger.Info("run_transitioned",
		"run_id", runID,
		"from", string(from),
		"to", string(to))
	return nil
}

// Get returns the live control block for a run, or nil when unknown.
func (m *RunManager) Get(runID string) *RunControlBlock {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runs[runID]
}

// Status returns a point-in-time copy of a run's control block.
func (m *RunManager) Status(runID string) (*RunControlBlock, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rcb, exists := m.runs[runID]
	if !exists {
		return nil, false
	}
	return rcb.Snapshot(), true
}

// UpdateProgress records the stage a run is on and replaces its usage
// counters, then returns the first exceeded quota limit, or "" when the
// run is unknown or within its quota.
func (m *RunManager) UpdateProgress(runID, stage string, usage *RunUsage) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	rcb, exists := m.runs[runID]
	if !exists {
		return ""
	}
	if stage != "" {
		rcb.CurrentStage = stage
	}
	if usage != nil {
		rcb.Usage = usage.Clone()
	}
	return rcb.CheckQuota()
}

// SetFailureReason records why a run failed. Unknown runs are ignored.
func (m *RunManager) SetFailureReason(runID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rcb, exists := m.runs[runID]; exists {
		rcb.FailureReason = reason
	}
}

// List returns snapshots of all runs, optionally filtered by state and
// session.
func (m *RunManager) List(state *RunState, sessionID string) []*RunControlBlock {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*RunControlBlock, 0)
	for _, rcb := range m.runs {
		if state != nil && rcb.State != *state {
			continue
		}
		if sessionID != "" && rcb.SessionID != sessionID {
			continue
		}
		result = append(result, rcb.Snapshot())
	}
	return result
}

// Counts returns the number of runs per state.
func (m *RunManager) Counts() map[RunState]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[RunState]int)
	for _, rcb := range m.runs {
		counts[rcb.State]++
	}
	return counts
}

// Total returns the number of registered runs.
func (m *RunManager) Total() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.runs)
}

// ActiveCount returns the number of non-terminal runs.
func (m *RunManager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	active := 0
	for _, rcb := range m.runs {
		if rcb.State.IsActive() {
			active++
		}
	}
	return active
}

// CleanupTerminated removes terminal runs whose completion is older than
// the retention window. Returns the number removed.
func (m *RunManager) CleanupTerminated(retention time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-retention)
	removed := 0
	for runID, rcb := range m.runs {
		if !rcb.State.IsTerminal() {
			continue
		}
		if rcb.CompletedAt != nil && rcb.CompletedAt.Before(cutoff) {
			delete(m.runs, runID)
			removed++
		}
	}

	if removed > 0 {
		m.logger.Info("terminated_runs_cleaned", "removed", removed)
	}
	return removed
}
