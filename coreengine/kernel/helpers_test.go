// Shared fakes and builders for the kernel package tests.
package kernel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forgeline-dev/testforge/capabilities"
	"github.com/forgeline-dev/testforge/commbus"
	"github.com/forgeline-dev/testforge/coreengine/agents"
	"github.com/forgeline-dev/testforge/coreengine/envelope"
	"github.com/forgeline-dev/testforge/coreengine/logging"
	"github.com/forgeline-dev/testforge/coreengine/tools"
)

// =============================================================================
// CAPABILITY FAKES
// =============================================================================

type capRunFunc func(ctx context.Context, args map[string]any) (any, error)

// fakeCapability runs a canned function under a fixed name.
type fakeCapability struct {
	name string
	run  capRunFunc
}

func (f *fakeCapability) Metadata() tools.Metadata {
	return tools.Metadata{Name: f.name, Version: "0.0.0", IsSafe: true}
}

func (f *fakeCapability) Run(ctx context.Context, args map[string]any) (any, error) {
	return f.run(ctx, args)
}

// fakeProvider resolves capabilities from a fixed map. Lookup recording is
// locked because the execution stage resolves results concurrently.
type fakeProvider struct {
	caps map[string]tools.Capability

	mu      sync.Mutex
	lookups []string
}

func (p *fakeProvider) Get(name string, _ map[string]any) (tools.Capability, error) {
	p.mu.Lock()
	p.lookups = append(p.lookups, name)
	p.mu.Unlock()

	c, ok := p.caps[name]
	if !ok {
		return nil, fmt.Errorf("capability '%s' is not registered", name)
	}
	return c, nil
}

// =============================================================================
// CANONICAL PIPELINE DATA
// =============================================================================

const testTargetURL = "https://shop.example.com"

func canonicalElements() []envelope.Element {
	return []envelope.Element{
		{ID: "el_1", Kind: "button", Selector: "#checkout", Text: "Checkout", Page: testTargetURL},
		{ID: "el_2", Kind: "link", Selector: "a.docs", Text: "Docs", Page: testTargetURL},
	}
}

func canonicalPages() []envelope.Page {
	return []envelope.Page{{URL: testTargetURL, Title: "Shop", ElementCount: 2}}
}

func canonicalCases() []envelope.TestCase {
	return []envelope.TestCase{
		{
			ID: "tc_1", Name: "Activate button Checkout", Kind: "interaction",
			Priority: "high", TargetSelector: "#checkout",
			Steps:    []string{"Open " + testTargetURL, "Click '#checkout'"},
			Expected: "No error state after activation",
		},
		{
			ID: "tc_2", Name: "Follow link Docs", Kind: "navigation",
			Priority: "low", TargetSelector: "a.docs",
			Steps:    []string{"Open " + testTargetURL, "Click 'a.docs'"},
			Expected: "Navigation succeeds",
		},
	}
}

func canonicalScripts() []envelope.Script {
	return []envelope.Script{
		{TestCaseID: "tc_1", Path: "scripts/test_activate_button_checkout.spec.ts", Framework: capabilities.FrameworkPlaywright, Validated: true},
		{TestCaseID: "tc_2", Path: "scripts/test_follow_link_docs.spec.ts", Framework: capabilities.FrameworkPlaywright, Validated: true},
	}
}

// pipelineProvider wires canned capabilities that carry a two-case run
// through all five stages: one script passes, one fails. Overrides replace
// individual capabilities for failure-path tests.
func pipelineProvider(overrides map[string]capRunFunc) *fakeProvider {
	runs := map[string]capRunFunc{
		capabilities.WebDiscoveryName: func(_ context.Context, _ map[string]any) (any, error) {
			return tools.NewSuccessResult(map[string]any{
				"elements": canonicalElements(),
				"pages":    canonicalPages(),
			}), nil
		},
		capabilities.TestPlanningName: func(_ context.Context, _ map[string]any) (any, error) {
			return tools.NewSuccessResult(map[string]any{
				"test_cases":   canonicalCases(),
				"plan_summary": "2 test cases planned from 2 elements across 1 pages",
				"source":       capabilities.PlanSourceDeterministic,
			}), nil
		},
		capabilities.ScriptGenerationName: func(_ context.Context, _ map[string]any) (any, error) {
			return tools.NewSuccessResult(map[string]any{
				"scripts": canonicalScripts(),
			}), nil
		},
		capabilities.ScriptExecutionName: func(_ context.Context, args map[string]any) (any, error) {
			path, _ := args["script_path"].(string)
			if strings.Contains(path, "follow_link_docs") {
				res := tools.NewFailureResult("script exited with status 1")
				res.Data = map[string]any{
					"exit_code": 1, "stdout": "", "stderr": "expected title to match",
					"duration_seconds": 0.2, "timed_out": false,
				}
				return res, nil
			}
			return tools.NewSuccessResult(map[string]any{
				"exit_code": 0, "stdout": "1 passed", "stderr": "",
				"duration_seconds": 0.4, "timed_out": false,
			}), nil
		},
		capabilities.ReportGenerationName: func(_ context.Context, _ map[string]any) (any, error) {
			return tools.NewSuccessResult(map[string]any{
				"reports": []envelope.Report{{Format: "json", Path: "reports/report.json"}},
				"stats": envelope.ReportStats{
					Total: 2, Passed: 1, Failed: 1, PassRate: 50, DurationSeconds: 0.6,
				},
			}), nil
		},
	}
	for name, fn := range overrides {
		runs[name] = fn
	}

	caps := make(map[string]tools.Capability, len(runs))
	for name, fn := range runs {
		caps[name] = &fakeCapability{name: name, run: fn}
	}
	return &fakeProvider{caps: caps}
}

// failingCapability is a pipelineProvider override that fails with msg.
func failingCapability(msg string) capRunFunc {
	return func(_ context.Context, _ map[string]any) (any, error) {
		return tools.NewFailureResult(msg), nil
	}
}

// =============================================================================
// ORCHESTRATOR BUILDERS
// =============================================================================

func newPipelineAgents(t *testing.T, prov tools.Provider) StageAgents {
	t.Helper()
	deps := agents.Deps{Provider: prov, Logger: logging.NewNop()}

	exploration, err := agents.NewExplorationAgent(deps)
	require.NoError(t, err)
	planning, err := agents.NewPlanningAgent(deps)
	require.NoError(t, err)
	generation, err := agents.NewGenerationAgent(deps)
	require.NoError(t, err)
	execution, err := agents.NewExecutionAgent(deps, 2, time.Second)
	require.NoError(t, err)
	reporting, err := agents.NewReportingAgent(deps)
	require.NoError(t, err)

	return StageAgents{
		Exploration: exploration,
		Planning:    planning,
		Generation:  generation,
		Execution:   execution,
		Reporting:   reporting,
	}
}

func newTestOrchestrator(t *testing.T, prov tools.Provider, mutate func(*OrchestratorConfig)) *Orchestrator {
	t.Helper()
	cfg := OrchestratorConfig{Agents: newPipelineAgents(t, prov)}
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := NewOrchestrator(cfg)
	require.NoError(t, err)
	return o
}

// =============================================================================
// EVENT RECORDING
// =============================================================================

var allEventTypes = []string{
	"RunStarted", "RunCompleted", "RunFailed",
	"StageStarted", "StageCompleted", "StageFailed",
	"ApprovalRequested", "ApprovalResolved",
}

// eventRecorder captures bus events in publish order.
type eventRecorder struct {
	mu     sync.Mutex
	events []commbus.Message
}

func recordEvents(bus commbus.Bus) *eventRecorder {
	r := &eventRecorder{}
	for _, eventType := range allEventTypes {
		bus.Subscribe(eventType, func(_ context.Context, msg commbus.Message) (any, error) {
			r.mu.Lock()
			r.events = append(r.events, msg)
			r.mu.Unlock()
			return nil, nil
		})
	}
	return r
}

// types returns the recorded event type names in order.
func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = commbus.GetMessageType(e)
	}
	return out
}

// countOf returns how many events of one type were recorded.
func (r *eventRecorder) countOf(eventType string) int {
	n := 0
	for _, typ := range r.types() {
		if typ == eventType {
			n++
		}
	}
	return n
}

// firstOf returns the first recorded event of one type, or nil.
func (r *eventRecorder) firstOf(eventType string) commbus.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.events {
		if commbus.GetMessageType(e) == eventType {
			return e
		}
	}
	return nil
}

// =============================================================================
// SESSION STORE FAKE
// =============================================================================

// fakeSessionStore is an in-memory SessionStore with failure toggles.
type fakeSessionStore struct {
	mu      sync.Mutex
	items   map[string]string
	setErr  error
	pingErr error
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{items: make(map[string]string)}
}

func (s *fakeSessionStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	return v, ok, nil
}

func (s *fakeSessionStore) Set(_ context.Context, key, value string, _ time.Duration) error {
	if s.setErr != nil {
		return s.setErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
	return nil
}

func (s *fakeSessionStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *fakeSessionStore) Ping(_ context.Context) error { return s.pingErr }

func (s *fakeSessionStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[key]
	return ok
}

// =============================================================================
// BOUNDARY ADAPTER FAKES
// =============================================================================

// fakeExplorer returns a canned crawl result.
type fakeExplorer struct {
	result *capabilities.DiscoveryResult
	err    error
}

func (f *fakeExplorer) Discover(_ context.Context, url string, _, _ int) (*capabilities.DiscoveryResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	res := *f.result
	res.StartURL = url
	return &res, nil
}

// fakeRunner passes every script except those whose path contains failPart.
type fakeRunner struct {
	failPart string
}

func (f *fakeRunner) Run(_ context.Context, scriptPath, _ string, _ time.Duration) (*capabilities.RunOutcome, error) {
	if f.failPart != "" && strings.Contains(scriptPath, f.failPart) {
		return &capabilities.RunOutcome{
			ExitCode: 1,
			Stderr:   "assertion failed",
			Duration: 120 * time.Millisecond,
		}, nil
	}
	return &capabilities.RunOutcome{
		ExitCode: 0,
		Stdout:   "1 passed",
		Duration: 80 * time.Millisecond,
	}, nil
}

// =============================================================================
// KERNEL BUILDER
// =============================================================================

// newTestKernel builds a kernel over fake boundary adapters. The deterministic
// planner turns the two canonical elements into two cases, and the fake runner
// fails the script generated for the link case.
func newTestKernel(t *testing.T, mutate func(*KernelConfig)) *Kernel {
	t.Helper()
	cfg := KernelConfig{
		Capabilities: capabilities.Deps{
			Explorer: &fakeExplorer{result: &capabilities.DiscoveryResult{
				Elements: canonicalElements(),
				Pages:    canonicalPages(),
			}},
			Runner:    &fakeRunner{failPart: "follow_link_docs"},
			Workspace: t.TempDir(),
			Formats:   []string{"json"},
		},
		Workers:  2,
		Sessions: newFakeSessionStore(),
		Bus:      commbus.NewInMemoryBus(2*time.Second, nil),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	k, err := NewKernel(cfg)
	require.NoError(t, err)
	return k
}
