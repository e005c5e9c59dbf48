// Package capabilities implements the concrete pipeline capabilities: web
// discovery, test planning, script generation, script execution, and report
// generation. Each is a self-contained tools.Capability constructed through
// RegisterAll; external effects (browser, LLM, subprocess) enter through the
// adapter interfaces defined here so every capability is testable with
// in-memory fakes.
package capabilities

import (
	"context"
	"fmt"
	"time"

	"github.com/forgeline-dev/testforge/coreengine/envelope"
)

// DiscoveryResult is what an Explorer finds starting from one URL.
type DiscoveryResult struct {
	StartURL string             `json:"start_url"`
	Elements []envelope.Element `json:"elements"`
	Pages    []envelope.Page    `json:"pages"`
	Duration time.Duration      `json:"duration"`
}

// Explorer crawls a web application and harvests interactive elements.
// Implementations bound the crawl by depth and page count and must honor ctx.
type Explorer interface {
	Discover(ctx context.Context, url string, maxDepth, maxPages int) (*DiscoveryResult, error)
}

// Generator produces text from a prompt. Implementations call an external
// LLM service; calls are synchronous, fallible, and potentially slow.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// RunOutcome is the raw observation from running one script.
type RunOutcome struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out"`
}

// ScriptRunner executes one test script in a subprocess. A timeout kills the
// process and reports TimedOut on the outcome rather than returning an error;
// errors are reserved for failures to launch at all.
type ScriptRunner interface {
	Run(ctx context.Context, scriptPath, framework string, timeout time.Duration) (*RunOutcome, error)
}

// NavigationError reports a page the explorer could not reach. The crawl
// position survives in URL so the failure is attributable.
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigating %s: %v", e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error {
	return e.Err
}
