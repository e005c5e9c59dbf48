package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// STAGE META TESTS
// =============================================================================

func TestStageMetaLifecycle(t *testing.T) {
	// Begin, then Complete, moving through the expected statuses.
	s := NewExplorationState("https://example.com", 2, 10)
	assert.Equal(t, StageStatusPending, s.Status)
	assert.False(t, s.Status.IsTerminal())

	s.Begin()
	assert.Equal(t, StageStatusInProgress, s.Status)
	assert.False(t, s.StartedAt.IsZero())

	s.Complete()
	assert.Equal(t, StageStatusCompleted, s.Status)
	require.NotNil(t, s.CompletedAt)
	assert.True(t, s.Status.IsTerminal())
}

func TestStageMetaFailKeepsFirstError(t *testing.T) {
	// Error-terminal nodes must not overwrite the root cause.
	s := NewPlanningState(nil, nil)
	s.Begin()

	s.Fail("nothing to plan: no elements or pages discovered")
	s.Fail("cleanup symptom")

	assert.Equal(t, StageStatusFailed, s.Status)
	assert.Equal(t, "nothing to plan: no elements or pages discovered", s.Error)
}

func TestStageMetaBeginPreservesStartTime(t *testing.T) {
	// A resumed stage keeps its original start time.
	s := NewGenerationState(nil, "playwright")
	s.Begin()
	started := s.StartedAt

	time.Sleep(5 * time.Millisecond)
	s.Begin()

	assert.Equal(t, started, s.StartedAt)
}

func TestStageMetaDuration(t *testing.T) {
	s := NewExecutionState(nil)
	assert.Equal(t, time.Duration(0), s.Duration())

	s.StartedAt = time.Now().UTC().Add(-3 * time.Second)
	done := s.StartedAt.Add(2 * time.Second)
	s.CompletedAt = &done

	assert.Equal(t, 2*time.Second, s.Duration())
}

// =============================================================================
// STAGE STATE CLONE TESTS
// =============================================================================

func TestExplorationStateClone(t *testing.T) {
	s := NewExplorationState("https://example.com", 2, 10)
	s.Elements = []Element{{ID: "el_1", Kind: "link", Selector: "a.nav", Attributes: map[string]string{"href": "/about"}}}
	s.Pages = []Page{{URL: "https://example.com", Title: "Home", ElementCount: 1}}
	s.ElementTypes = map[string]int{"link": 1}
	s.TotalElements = 1

	c := s.Clone()
	c.Elements[0].Attributes["href"] = "/pricing"
	c.ElementTypes["link"] = 7
	c.Pages[0].Title = "Changed"

	assert.Equal(t, "/about", s.Elements[0].Attributes["href"])
	assert.Equal(t, 1, s.ElementTypes["link"])
	assert.Equal(t, "Home", s.Pages[0].Title)
	assert.Equal(t, 1, c.TotalElements)
}

func TestPlanningStateClone(t *testing.T) {
	s := NewPlanningState(nil, nil)
	s.TestCases = []TestCase{{ID: "tc_1", Name: "click submit", Steps: []string{"open page", "click #submit"}}}

	c := s.Clone()
	c.TestCases[0].Steps[0] = "mutated"

	assert.Equal(t, "open page", s.TestCases[0].Steps[0])
}

func TestNilStateCloneReturnsNil(t *testing.T) {
	var exp *ExplorationState
	var plan *PlanningState
	var gen *GenerationState
	var exec *ExecutionState
	var rep *ReportingState

	assert.Nil(t, exp.Clone())
	assert.Nil(t, plan.Clone())
	assert.Nil(t, gen.Clone())
	assert.Nil(t, exec.Clone())
	assert.Nil(t, rep.Clone())
}

// =============================================================================
// APPROVAL RECORD TESTS
// =============================================================================

func TestNewApprovalRequest(t *testing.T) {
	req := NewApprovalRequest("run_abc", StagePlanning,
		WithSummary("2 test cases planned"),
		WithPayload(map[string]any{"cases": 2}),
		WithExpiry(time.Hour),
	)

	assert.Contains(t, req.ID, "apr_")
	assert.Equal(t, "run_abc", req.RunID)
	assert.Equal(t, StagePlanning, req.Stage)
	assert.Equal(t, ApprovalPending, req.Status)
	assert.False(t, req.Status.IsResolved())
	assert.Equal(t, "2 test cases planned", req.Summary)
	require.NotNil(t, req.ExpiresAt)
	assert.True(t, req.ExpiresAt.After(time.Now()))
}

func TestApprovalRequestIsExpired(t *testing.T) {
	req := NewApprovalRequest("run_abc", StagePlanning, WithExpiry(time.Minute))

	assert.False(t, req.IsExpired(time.Now()))
	assert.True(t, req.IsExpired(time.Now().Add(2*time.Minute)))

	// Resolved requests never expire.
	req.Status = ApprovalApproved
	assert.False(t, req.IsExpired(time.Now().Add(2*time.Minute)))

	// Requests without a deadline never expire.
	open := NewApprovalRequest("run_abc", StagePlanning)
	assert.False(t, open.IsExpired(time.Now().Add(24*time.Hour)))
}
