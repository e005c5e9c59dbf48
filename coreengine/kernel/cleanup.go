package kernel

import (
	"context"
	"sync"
	"time"
)

// CleanupConfig controls the periodic maintenance pass.
type CleanupConfig struct {
	// Interval between passes.
	Interval time.Duration
	// RunRetention keeps finished runs in the registry this long.
	RunRetention time.Duration
	// ApprovalRetention keeps resolved approval records this long.
	ApprovalRetention time.Duration
}

// DefaultCleanupConfig returns the standard maintenance cadence.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Interval:          5 * time.Minute,
		RunRetention:      24 * time.Hour,
		ApprovalRetention: time.Hour,
	}
}

func (c CleanupConfig) withDefaults() CleanupConfig {
	d := DefaultCleanupConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.RunRetention <= 0 {
		c.RunRetention = d.RunRetention
	}
	if c.ApprovalRetention <= 0 {
		c.ApprovalRetention = d.ApprovalRetention
	}
	return c
}

// StartCleanupLoop runs periodic maintenance until the returned stop
// function is called. Stopping is idempotent.
func (k *Kernel) StartCleanupLoop(cfg CleanupConfig) (stop func()) {
	cfg = cfg.withDefaults()
	done := make(chan struct{})
	var once sync.Once

	SafeGo(k.logger, "cleanup_loop", func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				k.RunCleanupCycle(cfg)
			}
		}
	}, nil)

	return func() { once.Do(func() { close(done) }) }
}

// RunCleanupCycle executes one maintenance pass: fail runs whose approval
// lapsed, evict finished runs and resolved approvals past retention, and
// drop idle rate-limiter windows.
func (k *Kernel) RunCleanupCycle(cfg CleanupConfig) {
	cfg = cfg.withDefaults()

	expiredRuns := k.ExpireOverdueApprovals(context.Background())
	removedRuns := k.runs.CleanupTerminated(cfg.RunRetention)
	removedApprovals := k.approvals.CleanupResolved(cfg.ApprovalRetention)
	removedWindows := 0
	if k.limiter != nil {
		removedWindows = k.limiter.CleanupExpired()
	}

	k.logger.Debug("cleanup_cycle",
		"expired_approval_runs", expiredRuns,
		"runs_removed", removedRuns,
		"approvals_removed", removedApprovals,
		"rate_windows_removed", removedWindows)
}
