// Package testutil provides shared mocks and factories for tests that
// exercise the pipeline engine across package boundaries.
//
// All mocks are safe for concurrent use and record their calls for
// assertion, so components can be tested in isolation without a browser,
// an LLM endpoint, a subprocess, or Redis.
package testutil

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/forgeline-dev/testforge/capabilities"
	"github.com/forgeline-dev/testforge/coreengine/envelope"
	"github.com/forgeline-dev/testforge/coreengine/logging"
)

// =============================================================================
// MOCK LOGGER
// =============================================================================

// MockLogger implements logging.Logger and captures every entry.
type MockLogger struct {
	mu   sync.Mutex
	logs []LogEntry
}

// LogEntry is one captured log line.
type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]any
}

var _ logging.Logger = (*MockLogger)(nil)

// NewMockLogger creates a MockLogger.
func NewMockLogger() *MockLogger {
	return &MockLogger{}
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) { m.log("debug", msg, keysAndValues) }
func (m *MockLogger) Info(msg string, keysAndValues ...any)  { m.log("info", msg, keysAndValues) }
func (m *MockLogger) Warn(msg string, keysAndValues ...any)  { m.log("warn", msg, keysAndValues) }
func (m *MockLogger) Error(msg string, keysAndValues ...any) { m.log("error", msg, keysAndValues) }

// With returns the same recorder so bound fields never hide entries from
// assertions.
func (m *MockLogger) With(keysAndValues ...any) logging.Logger { return m }

func (m *MockLogger) log(level, msg string, keysAndValues []any) {
	fields := make(map[string]any, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields[key] = keysAndValues[i+1]
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, LogEntry{Level: level, Message: msg, Fields: fields})
}

// Logs returns a copy of the captured entries.
func (m *MockLogger) Logs() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LogEntry, len(m.logs))
	copy(out, m.logs)
	return out
}

// HasLog reports whether a message was logged at the given level.
func (m *MockLogger) HasLog(level, message string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.logs {
		if e.Level == level && e.Message == message {
			return true
		}
	}
	return false
}

// Clear drops the captured entries.
func (m *MockLogger) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = nil
}

// =============================================================================
// MOCK GENERATOR
// =============================================================================

// MockGenerator implements capabilities.Generator. Responses are matched by
// prompt prefix; DefaultResponse covers the rest.
type MockGenerator struct {
	// Responses maps prompt prefixes to canned completions. First match
	// wins in insertion-independent map order, so keep prefixes disjoint.
	Responses map[string]string

	// DefaultResponse is returned when no prefix matches.
	DefaultResponse string

	// Delay simulates generation latency and honors ctx cancellation.
	Delay time.Duration

	// Error, when set, fails every call.
	Error error

	mu      sync.Mutex
	prompts []string
}

var _ capabilities.Generator = (*MockGenerator)(nil)

// NewMockGenerator creates a MockGenerator with an empty JSON object as the
// default completion.
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{
		Responses:       make(map[string]string),
		DefaultResponse: "{}",
	}
}

// Generate implements capabilities.Generator.
func (m *MockGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if m.Error != nil {
		return "", m.Error
	}
	for prefix, response := range m.Responses {
		if strings.HasPrefix(prompt, prefix) {
			return response, nil
		}
	}
	return m.DefaultResponse, nil
}

// WithResponse registers a prefix-matched completion.
func (m *MockGenerator) WithResponse(prefix, response string) *MockGenerator {
	m.Responses[prefix] = response
	return m
}

// WithError makes every call fail.
func (m *MockGenerator) WithError(err error) *MockGenerator {
	m.Error = err
	return m
}

// WithDelay adds latency before each completion.
func (m *MockGenerator) WithDelay(d time.Duration) *MockGenerator {
	m.Delay = d
	return m
}

// CallCount returns the number of Generate calls.
func (m *MockGenerator) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

// Prompts returns a copy of the recorded prompts.
func (m *MockGenerator) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.prompts))
	copy(out, m.prompts)
	return out
}

// =============================================================================
// MOCK EXPLORER
// =============================================================================

// DiscoverCall records one crawl request.
type DiscoverCall struct {
	URL      string
	MaxDepth int
	MaxPages int
}

// MockExplorer implements capabilities.Explorer, returning a canned site.
type MockExplorer struct {
	// Result is returned from every Discover call with StartURL rewritten
	// to the requested url. Nil falls back to DiscoveredSite.
	Result *capabilities.DiscoveryResult

	// Error, when set, fails every call.
	Error error

	mu    sync.Mutex
	calls []DiscoverCall
}

var _ capabilities.Explorer = (*MockExplorer)(nil)

// NewMockExplorer creates a MockExplorer serving the canned site.
func NewMockExplorer() *MockExplorer {
	return &MockExplorer{}
}

// Discover implements capabilities.Explorer.
func (m *MockExplorer) Discover(ctx context.Context, url string, maxDepth, maxPages int) (*capabilities.DiscoveryResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, DiscoverCall{URL: url, MaxDepth: maxDepth, MaxPages: maxPages})
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Error != nil {
		return nil, m.Error
	}

	src := m.Result
	if src == nil {
		src = DiscoveredSite(url)
	}
	out := &capabilities.DiscoveryResult{
		StartURL: url,
		Elements: append([]envelope.Element(nil), src.Elements...),
		Pages:    append([]envelope.Page(nil), src.Pages...),
		Duration: src.Duration,
	}
	return out, nil
}

// WithError makes every call fail.
func (m *MockExplorer) WithError(err error) *MockExplorer {
	m.Error = err
	return m
}

// Calls returns a copy of the recorded crawl requests.
func (m *MockExplorer) Calls() []DiscoverCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DiscoverCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// =============================================================================
// MOCK SCRIPT RUNNER
// =============================================================================

// RunCall records one script execution request.
type RunCall struct {
	ScriptPath string
	Framework  string
	Timeout    time.Duration
}

// MockScriptRunner implements capabilities.ScriptRunner with per-path
// outcomes.
type MockScriptRunner struct {
	// Outcomes maps a script path substring to the outcome returned for
	// matching paths. First match wins; keep substrings disjoint.
	Outcomes map[string]*capabilities.RunOutcome

	// DefaultOutcome covers paths with no Outcomes match. Nil means a
	// passing run.
	DefaultOutcome *capabilities.RunOutcome

	// Error, when set, fails every call.
	Error error

	mu    sync.Mutex
	calls []RunCall
}

var _ capabilities.ScriptRunner = (*MockScriptRunner)(nil)

// NewMockScriptRunner creates a MockScriptRunner where every script passes.
func NewMockScriptRunner() *MockScriptRunner {
	return &MockScriptRunner{Outcomes: make(map[string]*capabilities.RunOutcome)}
}

// Run implements capabilities.ScriptRunner.
func (m *MockScriptRunner) Run(ctx context.Context, scriptPath, framework string, timeout time.Duration) (*capabilities.RunOutcome, error) {
	m.mu.Lock()
	m.calls = append(m.calls, RunCall{ScriptPath: scriptPath, Framework: framework, Timeout: timeout})
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Error != nil {
		return nil, m.Error
	}

	for substring, outcome := range m.Outcomes {
		if strings.Contains(scriptPath, substring) {
			o := *outcome
			return &o, nil
		}
	}
	if m.DefaultOutcome != nil {
		o := *m.DefaultOutcome
		return &o, nil
	}
	return &capabilities.RunOutcome{ExitCode: 0, Stdout: "1 passed", Duration: 50 * time.Millisecond}, nil
}

// WithOutcome returns the given outcome for script paths containing
// substring.
func (m *MockScriptRunner) WithOutcome(substring string, outcome *capabilities.RunOutcome) *MockScriptRunner {
	m.Outcomes[substring] = outcome
	return m
}

// WithFailure makes scripts whose path contains substring exit nonzero.
func (m *MockScriptRunner) WithFailure(substring, stderr string) *MockScriptRunner {
	return m.WithOutcome(substring, &capabilities.RunOutcome{
		ExitCode: 1,
		Stderr:   stderr,
		Duration: 50 * time.Millisecond,
	})
}

// WithError makes every call fail.
func (m *MockScriptRunner) WithError(err error) *MockScriptRunner {
	m.Error = err
	return m
}

// Calls returns a copy of the recorded execution requests.
func (m *MockScriptRunner) Calls() []RunCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RunCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// =============================================================================
// MOCK SESSION STORE
// =============================================================================

// MockSessionStore is an in-memory kernel.SessionStore that records TTLs
// and supports injected failures.
type MockSessionStore struct {
	// GetError, SetError, and PingError fail the corresponding calls.
	GetError  error
	SetError  error
	PingError error

	mu    sync.Mutex
	items map[string]string
	ttls  map[string]time.Duration
}

// NewMockSessionStore creates an empty MockSessionStore.
func NewMockSessionStore() *MockSessionStore {
	return &MockSessionStore{
		items: make(map[string]string),
		ttls:  make(map[string]time.Duration),
	}
}

// Get returns the stored value and whether the key exists.
func (m *MockSessionStore) Get(ctx context.Context, key string) (string, bool, error) {
	if m.GetError != nil {
		return "", false, m.GetError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[key]
	return v, ok, nil
}

// Set stores the value, recording the TTL for assertion.
func (m *MockSessionStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if m.SetError != nil {
		return m.SetError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	m.ttls[key] = ttl
	return nil
}

// Delete removes the key.
func (m *MockSessionStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	delete(m.ttls, key)
	return nil
}

// Ping reports store health.
func (m *MockSessionStore) Ping(ctx context.Context) error {
	return m.PingError
}

// Has reports whether the key is stored.
func (m *MockSessionStore) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.items[key]
	return ok
}

// TTLOf returns the TTL recorded for a key by the last Set.
func (m *MockSessionStore) TTLOf(key string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ttl, ok := m.ttls[key]
	return ttl, ok
}

// Len returns the number of stored keys.
func (m *MockSessionStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// =============================================================================
// FACTORIES
// =============================================================================

// DiscoveredSite returns the canned two-element discovery used across the
// integration tests: a checkout button and a documentation link on one
// page.
func DiscoveredSite(startURL string) *capabilities.DiscoveryResult {
	return &capabilities.DiscoveryResult{
		StartURL: startURL,
		Elements: []envelope.Element{
			{
				ID:       "el_1",
				Kind:     "button",
				Selector: "#checkout",
				Text:     "Checkout",
				Page:     startURL,
			},
			{
				ID:       "el_2",
				Kind:     "link",
				Selector: "a.docs",
				Text:     "Docs",
				Page:     startURL,
			},
		},
		Pages: []envelope.Page{
			{URL: startURL, Title: "Shop", ElementCount: 2},
		},
		Duration: 120 * time.Millisecond,
	}
}

// NewTestEnvelope creates a pipeline envelope with default run options.
func NewTestEnvelope(targetURL string) *envelope.PipelineEnvelope {
	return envelope.New(targetURL, envelope.RunOptions{})
}

// NewGatedEnvelope creates an envelope whose run suspends for approval
// after the given stages.
func NewGatedEnvelope(targetURL string, stages ...string) *envelope.PipelineEnvelope {
	return envelope.New(targetURL, envelope.RunOptions{ApprovalStages: stages})
}
