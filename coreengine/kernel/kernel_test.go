package kernel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline-dev/testforge/capabilities"
	"github.com/forgeline-dev/testforge/commbus"
	"github.com/forgeline-dev/testforge/coreengine/envelope"
)

// =============================================================================
// END TO END
// =============================================================================

func TestKernelRunsPipelineEndToEnd(t *testing.T) {
	// A submitted run walks the real capability stack over fake boundary
	// adapters: two discovered elements become two planned cases, two
	// written scripts, one pass and one failure, and a rendered report.
	workspace := t.TempDir()
	k := newTestKernel(t, func(cfg *KernelConfig) {
		cfg.Capabilities.Workspace = workspace
	})

	env, err := k.SubmitRun("sess_demo", testTargetURL, envelope.RunOptions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "sess_demo", env.SessionID)
	assert.Equal(t, envelope.WorkflowPending, env.Status)

	summary, err := k.ExecuteRun(context.Background(), env.RunID)

	require.NoError(t, err)
	assert.Equal(t, envelope.WorkflowCompleted, summary.Status)
	assert.Empty(t, summary.Error)
	assert.Equal(t, envelope.StageOrder(), summary.CompletedStages)
	assert.Equal(t, 2, summary.ElementsFound)
	assert.Equal(t, 1, summary.PagesCrawled)
	assert.Equal(t, 2, summary.TestCasesPlanned)
	assert.Equal(t, capabilities.PlanSourceDeterministic, summary.PlanSource)
	assert.Equal(t, 2, summary.ScriptsGenerated)
	assert.Equal(t, 2, summary.ScriptsValidated)
	assert.Equal(t, 2, summary.TotalTests)
	assert.Equal(t, 1, summary.Passed)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, float64(50), summary.PassRate)
	require.Len(t, summary.Reports, 1)
	assert.Equal(t, "json", summary.Reports[0].Format)

	// The generation stage wrote real script files under the workspace.
	for _, name := range []string{
		"test_activate_button_checkout.spec.ts",
		"test_follow_link_docs.spec.ts",
	} {
		_, statErr := os.Stat(filepath.Join(workspace, "scripts", name))
		assert.NoError(t, statErr, "expected script %s", name)
	}
	rendered, err := filepath.Glob(filepath.Join(workspace, "reports", "report_*.json"))
	require.NoError(t, err)
	assert.Len(t, rendered, 1)

	status, err := k.GetRunStatus(env.RunID)
	require.NoError(t, err)
	assert.Equal(t, envelope.WorkflowCompleted, status.Status)
}

func TestKernelPublishesLifecycleEvents(t *testing.T) {
	bus := commbus.NewInMemoryBus(time.Second, nil)
	rec := recordEvents(bus)
	k := newTestKernel(t, func(cfg *KernelConfig) { cfg.Bus = bus })

	env, err := k.SubmitRun("", testTargetURL, envelope.RunOptions{}, nil)
	require.NoError(t, err)
	_, err = k.ExecuteRun(context.Background(), env.RunID)
	require.NoError(t, err)

	assert.Equal(t, 1, rec.countOf("RunStarted"))
	assert.Equal(t, 5, rec.countOf("StageStarted"))
	assert.Equal(t, 5, rec.countOf("StageCompleted"))
	assert.Equal(t, 1, rec.countOf("RunCompleted"))
	assert.Equal(t, 0, rec.countOf("RunFailed"))
}

// =============================================================================
// ADMISSION
// =============================================================================

func TestSubmitRunRequiresTarget(t *testing.T) {
	k := newTestKernel(t, nil)

	_, err := k.SubmitRun("sess_1", "", envelope.RunOptions{}, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "target url")
}

func TestSubmitRunGeneratesSessionID(t *testing.T) {
	k := newTestKernel(t, nil)

	env, err := k.SubmitRun("", testTargetURL, envelope.RunOptions{}, nil)

	require.NoError(t, err)
	assert.Contains(t, env.SessionID, "sess_")
}

func TestSubmitRunRateLimited(t *testing.T) {
	// With a one-per-minute limit the second submission from the same
	// session is rejected with retry guidance; other sessions are not.
	k := newTestKernel(t, func(cfg *KernelConfig) {
		cfg.RateLimit = &RateLimitConfig{RequestsPerMinute: 1}
	})

	_, err := k.SubmitRun("sess_busy", testTargetURL, envelope.RunOptions{}, nil)
	require.NoError(t, err)

	_, err = k.SubmitRun("sess_busy", testTargetURL, envelope.RunOptions{}, nil)
	require.Error(t, err)

	var limited *RateLimitedError
	require.True(t, errors.As(err, &limited))
	assert.Equal(t, "sess_busy", limited.SessionID)
	assert.Equal(t, "minute", limited.Result.LimitType)
	assert.Greater(t, limited.Result.RetryAfter, time.Duration(0))

	_, err = k.SubmitRun("sess_other", testTargetURL, envelope.RunOptions{}, nil)
	assert.NoError(t, err)
}

// =============================================================================
// EXECUTION LIFECYCLE
// =============================================================================

func TestExecuteRunUnknown(t *testing.T) {
	k := newTestKernel(t, nil)

	_, err := k.ExecuteRun(context.Background(), "run_missing")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestExecuteRunRejectsFinishedRun(t *testing.T) {
	// Re-executing a completed run is an illegal state transition.
	k := newTestKernel(t, nil)
	env, err := k.SubmitRun("", testTargetURL, envelope.RunOptions{}, nil)
	require.NoError(t, err)
	_, err = k.ExecuteRun(context.Background(), env.RunID)
	require.NoError(t, err)

	_, err = k.ExecuteRun(context.Background(), env.RunID)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid run transition")
}

func TestExecuteRunEnforcesQuota(t *testing.T) {
	// Stage invocations count against the capability budget; the run fails
	// once the generation stage pushes usage past the ceiling.
	k := newTestKernel(t, nil)
	quota := &RunQuota{MaxCapabilityCalls: 2, MaxLLMCalls: 10, MaxScripts: 100, TimeoutSeconds: 1800}
	env, err := k.SubmitRun("", testTargetURL, envelope.RunOptions{}, quota)
	require.NoError(t, err)

	summary, err := k.ExecuteRun(context.Background(), env.RunID)

	require.NoError(t, err)
	assert.Equal(t, envelope.WorkflowFailed, summary.Status)
	assert.Equal(t, "resource quota exceeded: max_capability_calls_exceeded", summary.Error)
	assert.Equal(t, []string{envelope.StageExploration, envelope.StagePlanning, envelope.StageGeneration},
		summary.CompletedStages)

	snap, ok := k.runs.Status(env.RunID)
	require.True(t, ok)
	assert.Equal(t, RunFailed, snap.State)
	assert.Equal(t, envelope.StageGeneration, snap.CurrentStage)
	assert.Equal(t, 3, snap.Usage.CapabilityCalls)
	assert.Contains(t, snap.FailureReason, "max_capability_calls_exceeded")
}

// =============================================================================
// APPROVAL FLOW
// =============================================================================

func submitGatedRun(t *testing.T, k *Kernel) *envelope.PipelineEnvelope {
	t.Helper()
	env, err := k.SubmitRun("sess_gated", testTargetURL, gatedOptions(), nil)
	require.NoError(t, err)
	summary, err := k.ExecuteRun(context.Background(), env.RunID)
	require.NoError(t, err)
	require.Equal(t, envelope.WorkflowWaitingApproval, summary.Status)
	require.NotEmpty(t, summary.PendingApprovalID)
	return env
}

func TestKernelApprovalApproveFlow(t *testing.T) {
	// A gated run suspends with its envelope mirrored, then resumes to
	// completion when the approval is granted; the mirror is dropped.
	store := newFakeSessionStore()
	bus := commbus.NewInMemoryBus(time.Second, nil)
	rec := recordEvents(bus)
	k := newTestKernel(t, func(cfg *KernelConfig) {
		cfg.Sessions = store
		cfg.Bus = bus
	})

	env := submitGatedRun(t, k)
	assert.True(t, store.has(runSessionKey(env.RunID)))

	pending := k.GetPendingApproval(env.RunID)
	require.NotNil(t, pending)

	summary, err := k.ResolveApproval(context.Background(), pending.ID, envelope.ApprovalDecision{
		Approved:  true,
		DecidedBy: "qa-lead",
	})

	require.NoError(t, err)
	assert.Equal(t, envelope.WorkflowCompleted, summary.Status)
	assert.Equal(t, envelope.StageOrder(), summary.CompletedStages)
	assert.False(t, store.has(runSessionKey(env.RunID)))

	snap, ok := k.runs.Status(env.RunID)
	require.True(t, ok)
	assert.Equal(t, RunCompleted, snap.State)

	resolvedEvent, ok := rec.firstOf("ApprovalResolved").(*commbus.ApprovalResolved)
	require.True(t, ok)
	assert.Equal(t, string(envelope.ApprovalApproved), resolvedEvent.Decision)
	assert.Equal(t, "qa-lead", resolvedEvent.DecidedBy)
}

func TestKernelApprovalRejectFlow(t *testing.T) {
	// A rejection fails the run, carrying the reviewer's comment onto both
	// the summary and the control block.
	k := newTestKernel(t, nil)
	env := submitGatedRun(t, k)
	pending := k.GetPendingApproval(env.RunID)
	require.NotNil(t, pending)

	summary, err := k.ResolveApproval(context.Background(), pending.ID, envelope.ApprovalDecision{
		Approved: false,
		Comment:  "too risky for this release",
	})

	require.NoError(t, err)
	assert.Equal(t, envelope.WorkflowFailed, summary.Status)
	assert.Contains(t, summary.Error, "too risky for this release")
	assert.Equal(t, 0, summary.ScriptsGenerated)

	snap, ok := k.runs.Status(env.RunID)
	require.True(t, ok)
	assert.Equal(t, RunFailed, snap.State)
	assert.Contains(t, snap.FailureReason, "too risky for this release")
}

func TestResolveApprovalUnknown(t *testing.T) {
	k := newTestKernel(t, nil)

	_, err := k.ResolveApproval(context.Background(), "apr_missing", envelope.ApprovalDecision{Approved: true})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestResolveApprovalNotResident(t *testing.T) {
	// An approval whose run is not in the registry points the caller at the
	// restore path instead of resuming a run it does not hold.
	k := newTestKernel(t, nil)
	req := k.approvals.Create("run_elsewhere", envelope.StagePlanning)

	_, err := k.ResolveApproval(context.Background(), req.ID, envelope.ApprovalDecision{Approved: true})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "restore it first")
}

func TestKernelExpireOverdueApprovals(t *testing.T) {
	// A lapsed approval fails its suspended run through the rejection path.
	k := newTestKernel(t, nil)
	env := submitGatedRun(t, k)

	k.approvals.mu.Lock()
	for _, req := range k.approvals.requests {
		past := time.Now().UTC().Add(-time.Minute)
		req.ExpiresAt = &past
	}
	k.approvals.mu.Unlock()

	failed := k.ExpireOverdueApprovals(context.Background())

	assert.Equal(t, 1, failed)
	snap, ok := k.runs.Status(env.RunID)
	require.True(t, ok)
	assert.Equal(t, RunFailed, snap.State)
	assert.Contains(t, snap.FailureReason, "approval expired")
}

// =============================================================================
// RESTORE
// =============================================================================

func TestKernelRestoreRun(t *testing.T) {
	// A run suspended in one kernel is restorable in another through the
	// shared session store, approval record included, and resolves there.
	store := newFakeSessionStore()
	first := newTestKernel(t, func(cfg *KernelConfig) { cfg.Sessions = store })
	env := submitGatedRun(t, first)

	second := newTestKernel(t, func(cfg *KernelConfig) { cfg.Sessions = store })
	restored, err := second.RestoreRun(context.Background(), env.RunID)

	require.NoError(t, err)
	assert.Equal(t, envelope.WorkflowWaitingApproval, restored.Status)
	assert.Equal(t, env.RunID, restored.RunID)

	pending := second.GetPendingApproval(env.RunID)
	require.NotNil(t, pending)

	summary, err := second.ResolveApproval(context.Background(), pending.ID, envelope.ApprovalDecision{
		Approved: true,
	})
	require.NoError(t, err)
	assert.Equal(t, envelope.WorkflowCompleted, summary.Status)
	assert.Equal(t, 2, summary.TotalTests)
}

func TestRestoreRunErrors(t *testing.T) {
	store := newFakeSessionStore()
	k := newTestKernel(t, func(cfg *KernelConfig) { cfg.Sessions = store })

	// Nothing mirrored under the id.
	_, err := k.RestoreRun(context.Background(), "run_unmirrored")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no suspended state found")

	// Still-resident runs are not restorable.
	env := submitGatedRun(t, k)
	_, err = k.RestoreRun(context.Background(), env.RunID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already resident")

	// No store configured at all.
	bare := newTestKernel(t, func(cfg *KernelConfig) { cfg.Sessions = nil })
	_, err = bare.RestoreRun(context.Background(), "run_any")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no session store")
}

// =============================================================================
// CANCELLATION
// =============================================================================

func TestCancelPendingRun(t *testing.T) {
	k := newTestKernel(t, nil)
	env, err := k.SubmitRun("", testTargetURL, envelope.RunOptions{}, nil)
	require.NoError(t, err)

	err = k.CancelRun(context.Background(), env.RunID, "superseded by newer run")

	require.NoError(t, err)
	assert.Equal(t, envelope.WorkflowCancelled, env.Status)
	snap, ok := k.runs.Status(env.RunID)
	require.True(t, ok)
	assert.Equal(t, RunCancelled, snap.State)
	assert.Equal(t, "superseded by newer run", snap.FailureReason)

	// Terminal runs reject a second cancel.
	err = k.CancelRun(context.Background(), env.RunID, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid run transition")
}

func TestCancelSuspendedRun(t *testing.T) {
	// Cancelling a gated run also cancels its pending approval and drops
	// the suspended-envelope mirror.
	store := newFakeSessionStore()
	k := newTestKernel(t, func(cfg *KernelConfig) { cfg.Sessions = store })
	env := submitGatedRun(t, k)

	err := k.CancelRun(context.Background(), env.RunID, "")

	require.NoError(t, err)
	snap, ok := k.runs.Status(env.RunID)
	require.True(t, ok)
	assert.Equal(t, RunCancelled, snap.State)
	assert.Equal(t, "cancelled by operator", snap.FailureReason)
	assert.Nil(t, k.GetPendingApproval(env.RunID))
	assert.False(t, store.has(runSessionKey(env.RunID)))
}

func TestCancelUnknownRun(t *testing.T) {
	k := newTestKernel(t, nil)

	err := k.CancelRun(context.Background(), "run_missing", "")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

// =============================================================================
// STATUS SURFACES
// =============================================================================

func TestGetRunStatusPendingRun(t *testing.T) {
	k := newTestKernel(t, nil)
	env, err := k.SubmitRun("", testTargetURL, envelope.RunOptions{}, nil)
	require.NoError(t, err)

	summary, err := k.GetRunStatus(env.RunID)

	require.NoError(t, err)
	assert.Equal(t, envelope.WorkflowPending, summary.Status)
	assert.Equal(t, testTargetURL, summary.TargetURL)
	assert.Empty(t, summary.CompletedStages)
}

func TestGetRunStatusUnknown(t *testing.T) {
	k := newTestKernel(t, nil)

	_, err := k.GetRunStatus("run_missing")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestGetSystemStatus(t *testing.T) {
	k := newTestKernel(t, nil)
	env, err := k.SubmitRun("", testTargetURL, envelope.RunOptions{}, nil)
	require.NoError(t, err)
	_, err = k.ExecuteRun(context.Background(), env.RunID)
	require.NoError(t, err)

	status := k.GetSystemStatus(context.Background())

	assert.Equal(t, 1, status["total_runs"])
	assert.Equal(t, 0, status["active_runs"])
	runsByState, ok := status["runs"].(map[string]int)
	require.True(t, ok)
	assert.Equal(t, 1, runsByState["completed"])

	names, ok := status["capabilities"].([]string)
	require.True(t, ok)
	assert.Len(t, names, 5)
	assert.Contains(t, names, capabilities.WebDiscoveryName)
	assert.Equal(t, true, status["session_store_healthy"])
}

// =============================================================================
// BUS SURFACE
// =============================================================================

func TestRegisterBusHandlers(t *testing.T) {
	// The kernel answers status and approval queries and honors cancel
	// commands over the bus.
	bus := commbus.NewInMemoryBus(2*time.Second, nil)
	k := newTestKernel(t, func(cfg *KernelConfig) { cfg.Bus = bus })
	require.NoError(t, k.RegisterBusHandlers())

	env, err := k.SubmitRun("", testTargetURL, envelope.RunOptions{}, nil)
	require.NoError(t, err)
	_, err = k.ExecuteRun(context.Background(), env.RunID)
	require.NoError(t, err)

	raw, err := bus.QuerySync(context.Background(), &commbus.GetRunStatus{RunID: env.RunID})
	require.NoError(t, err)
	summary, ok := raw.(*RunSummary)
	require.True(t, ok)
	assert.Equal(t, envelope.WorkflowCompleted, summary.Status)

	raw, err = bus.QuerySync(context.Background(), &commbus.GetPendingApproval{RunID: env.RunID})
	require.NoError(t, err)
	approval, ok := raw.(*commbus.PendingApprovalResponse)
	require.True(t, ok)
	assert.False(t, approval.Found)

	victim, err := k.SubmitRun("", testTargetURL, envelope.RunOptions{}, nil)
	require.NoError(t, err)
	require.NoError(t, bus.Send(context.Background(), &commbus.CancelRun{RunID: victim.RunID, Reason: "operator request"}))
	snap, ok := k.runs.Status(victim.RunID)
	require.True(t, ok)
	assert.Equal(t, RunCancelled, snap.State)
}

func TestRegisterBusHandlersWithoutBus(t *testing.T) {
	k := newTestKernel(t, func(cfg *KernelConfig) { cfg.Bus = nil })

	assert.NoError(t, k.RegisterBusHandlers())
}

// =============================================================================
// SHUTDOWN
// =============================================================================

func TestKernelShutdown(t *testing.T) {
	// Shutdown cancels pending runs, blocks new admissions, and is
	// idempotent.
	k := newTestKernel(t, nil)
	env, err := k.SubmitRun("", testTargetURL, envelope.RunOptions{}, nil)
	require.NoError(t, err)

	require.NoError(t, k.Shutdown(context.Background()))

	snap, ok := k.runs.Status(env.RunID)
	require.True(t, ok)
	assert.Equal(t, RunCancelled, snap.State)
	assert.Equal(t, "kernel shutting down", snap.FailureReason)

	_, err = k.SubmitRun("", testTargetURL, envelope.RunOptions{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shut down")

	assert.NoError(t, k.Shutdown(context.Background()))
}
