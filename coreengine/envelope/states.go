package envelope

import "time"

// =============================================================================
// Stage bookkeeping
// =============================================================================

// StageMeta carries the bookkeeping fields shared by every stage state.
// Embedded in each state struct so graph nodes mutate status uniformly.
type StageMeta struct {
	Status      StageStatus `json:"status"`
	Error       string      `json:"error,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// Begin moves the stage to in_progress and stamps the start time once.
func (m *StageMeta) Begin() {
	m.Status = StageStatusInProgress
	if m.StartedAt.IsZero() {
		m.StartedAt = time.Now().UTC()
	}
}

// Complete marks the stage completed and stamps the completion time.
func (m *StageMeta) Complete() {
	m.Status = StageStatusCompleted
	now := time.Now().UTC()
	m.CompletedAt = &now
}

// Fail marks the stage failed. The first recorded error wins; later calls
// keep the original message so the root cause survives error-terminal nodes.
func (m *StageMeta) Fail(msg string) {
	m.Status = StageStatusFailed
	if m.Error == "" {
		m.Error = msg
	}
	now := time.Now().UTC()
	m.CompletedAt = &now
}

// Duration returns the stage elapsed time, or time since start for a stage
// still running.
func (m *StageMeta) Duration() time.Duration {
	if m.StartedAt.IsZero() {
		return 0
	}
	if m.CompletedAt != nil {
		return m.CompletedAt.Sub(m.StartedAt)
	}
	return time.Since(m.StartedAt)
}

func (m *StageMeta) cloneInto(dst *StageMeta) {
	dst.Status = m.Status
	dst.Error = m.Error
	dst.StartedAt = m.StartedAt
	if m.CompletedAt != nil {
		t := *m.CompletedAt
		dst.CompletedAt = &t
	}
}

// =============================================================================
// Exploration
// =============================================================================

// Element is one interactive element discovered on a page.
type Element struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"` // link, button, input, form, select, textarea
	Selector   string            `json:"selector"`
	Text       string            `json:"text,omitempty"`
	Page       string            `json:"page"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Page is one page visited during exploration.
type Page struct {
	URL          string `json:"url"`
	Title        string `json:"title,omitempty"`
	ElementCount int    `json:"element_count"`
}

// ExplorationState is the state machine record for the exploration stage.
// Output fields accumulate; nodes never remove earlier findings.
type ExplorationState struct {
	StageMeta

	// Inputs
	URL      string `json:"url"`
	MaxDepth int    `json:"max_depth"`
	MaxPages int    `json:"max_pages"`

	// Outputs
	Elements      []Element      `json:"elements,omitempty"`
	Pages         []Page         `json:"pages,omitempty"`
	TotalElements int            `json:"total_elements"`
	ElementTypes  map[string]int `json:"element_types,omitempty"`
}

// NewExplorationState returns a pending exploration state for the target URL.
func NewExplorationState(url string, maxDepth, maxPages int) *ExplorationState {
	return &ExplorationState{
		StageMeta: StageMeta{Status: StageStatusPending},
		URL:       url,
		MaxDepth:  maxDepth,
		MaxPages:  maxPages,
	}
}

// Clone returns a deep copy.
func (s *ExplorationState) Clone() *ExplorationState {
	if s == nil {
		return nil
	}
	c := &ExplorationState{
		URL:           s.URL,
		MaxDepth:      s.MaxDepth,
		MaxPages:      s.MaxPages,
		TotalElements: s.TotalElements,
	}
	s.StageMeta.cloneInto(&c.StageMeta)
	c.Elements = cloneElements(s.Elements)
	c.Pages = clonePages(s.Pages)
	c.ElementTypes = cloneStringIntMap(s.ElementTypes)
	return c
}

// =============================================================================
// Planning
// =============================================================================

// TestCase is one planned test derived from discovered elements or pages.
type TestCase struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Kind           string   `json:"kind"` // interaction, navigation, smoke
	Priority       string   `json:"priority,omitempty"`
	TargetSelector string   `json:"target_selector,omitempty"`
	Steps          []string `json:"steps"`
	Expected       string   `json:"expected,omitempty"`
}

// PlanningState is the state machine record for the planning stage.
type PlanningState struct {
	StageMeta

	// Inputs
	Elements []Element `json:"elements,omitempty"`
	Pages    []Page    `json:"pages,omitempty"`

	// Outputs
	TestCases   []TestCase `json:"test_cases,omitempty"`
	PlanSummary string     `json:"plan_summary,omitempty"`
	Source      string     `json:"source,omitempty"` // generator or deterministic
}

// NewPlanningState returns a pending planning state seeded with exploration output.
func NewPlanningState(elements []Element, pages []Page) *PlanningState {
	return &PlanningState{
		StageMeta: StageMeta{Status: StageStatusPending},
		Elements:  elements,
		Pages:     pages,
	}
}

// Clone returns a deep copy.
func (s *PlanningState) Clone() *PlanningState {
	if s == nil {
		return nil
	}
	c := &PlanningState{
		PlanSummary: s.PlanSummary,
		Source:      s.Source,
	}
	s.StageMeta.cloneInto(&c.StageMeta)
	c.Elements = cloneElements(s.Elements)
	c.Pages = clonePages(s.Pages)
	c.TestCases = cloneTestCases(s.TestCases)
	return c
}

// =============================================================================
// Generation
// =============================================================================

// Script is one generated test script on disk.
type Script struct {
	TestCaseID string `json:"test_case_id"`
	Path       string `json:"path"`
	Framework  string `json:"framework"`
	Validated  bool   `json:"validated"`
}

// GenerationState is the state machine record for the generation stage.
type GenerationState struct {
	StageMeta

	// Inputs
	TestCases []TestCase `json:"test_cases,omitempty"`
	Framework string     `json:"framework"`
	BaseURL   string     `json:"base_url,omitempty"`

	// Outputs
	Scripts          []Script `json:"scripts,omitempty"`
	GeneratedCount   int      `json:"generated_count"`
	PassedValidation int      `json:"passed_validation"`
}

// NewGenerationState returns a pending generation state for the given cases.
func NewGenerationState(cases []TestCase, framework string) *GenerationState {
	return &GenerationState{
		StageMeta: StageMeta{Status: StageStatusPending},
		TestCases: cases,
		Framework: framework,
	}
}

// Clone returns a deep copy.
func (s *GenerationState) Clone() *GenerationState {
	if s == nil {
		return nil
	}
	c := &GenerationState{
		Framework:        s.Framework,
		BaseURL:          s.BaseURL,
		GeneratedCount:   s.GeneratedCount,
		PassedValidation: s.PassedValidation,
	}
	s.StageMeta.cloneInto(&c.StageMeta)
	c.TestCases = cloneTestCases(s.TestCases)
	c.Scripts = cloneScripts(s.Scripts)
	return c
}

// =============================================================================
// Execution
// =============================================================================

// ScriptResult is the outcome of running one generated script.
type ScriptResult struct {
	ScriptPath      string     `json:"script_path"`
	TestCaseID      string     `json:"test_case_id"`
	Status          ItemStatus `json:"status"`
	ExitCode        int        `json:"exit_code"`
	Stdout          string     `json:"stdout,omitempty"`
	Stderr          string     `json:"stderr,omitempty"`
	DurationSeconds float64    `json:"duration_seconds"`
	TimedOut        bool       `json:"timed_out,omitempty"`
}

// ExecutionState is the state machine record for the execution stage.
type ExecutionState struct {
	StageMeta

	// Inputs
	Scripts []Script `json:"scripts,omitempty"`

	// Outputs
	Results      []ScriptResult `json:"results,omitempty"`
	TotalTests   int            `json:"total_tests"`
	PassedCount  int            `json:"passed_count"`
	FailedCount  int            `json:"failed_count"`
	SkippedCount int            `json:"skipped_count"`
}

// NewExecutionState returns a pending execution state for the given scripts.
func NewExecutionState(scripts []Script) *ExecutionState {
	return &ExecutionState{
		StageMeta: StageMeta{Status: StageStatusPending},
		Scripts:   scripts,
	}
}

// Clone returns a deep copy.
func (s *ExecutionState) Clone() *ExecutionState {
	if s == nil {
		return nil
	}
	c := &ExecutionState{
		TotalTests:   s.TotalTests,
		PassedCount:  s.PassedCount,
		FailedCount:  s.FailedCount,
		SkippedCount: s.SkippedCount,
	}
	s.StageMeta.cloneInto(&c.StageMeta)
	c.Scripts = cloneScripts(s.Scripts)
	c.Results = cloneScriptResults(s.Results)
	return c
}

// =============================================================================
// Reporting
// =============================================================================

// Report is one rendered report file.
type Report struct {
	Format string `json:"format"` // json, markdown, html
	Path   string `json:"path"`
}

// ReportStats are the aggregate statistics embedded in every report.
type ReportStats struct {
	Total           int     `json:"total"`
	Passed          int     `json:"passed"`
	Failed          int     `json:"failed"`
	Skipped         int     `json:"skipped"`
	PassRate        float64 `json:"pass_rate"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// ReportingState is the state machine record for the reporting stage.
type ReportingState struct {
	StageMeta

	// Inputs
	Results []ScriptResult `json:"results,omitempty"`
	Formats []string       `json:"formats,omitempty"`

	// Outputs
	Stats   ReportStats `json:"stats"`
	Reports []Report    `json:"reports,omitempty"`
}

// NewReportingState returns a pending reporting state over execution results.
func NewReportingState(results []ScriptResult, formats []string) *ReportingState {
	return &ReportingState{
		StageMeta: StageMeta{Status: StageStatusPending},
		Results:   results,
		Formats:   formats,
	}
}

// Clone returns a deep copy.
func (s *ReportingState) Clone() *ReportingState {
	if s == nil {
		return nil
	}
	c := &ReportingState{
		Stats: s.Stats,
	}
	s.StageMeta.cloneInto(&c.StageMeta)
	c.Results = cloneScriptResults(s.Results)
	c.Formats = cloneStringSlice(s.Formats)
	c.Reports = append([]Report(nil), s.Reports...)
	return c
}

// =============================================================================
// Copy helpers
// =============================================================================

func cloneStringSlice(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

func cloneStringIntMap(m map[string]int) map[string]int {
	if m == nil {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneStringStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneAnyValue(v)
	}
	return out
}

func cloneAnyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneAnyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneAnyValue(item)
		}
		return out
	case []string:
		return cloneStringSlice(val)
	default:
		return v
	}
}

func cloneElements(els []Element) []Element {
	if els == nil {
		return nil
	}
	out := make([]Element, len(els))
	for i, el := range els {
		out[i] = el
		out[i].Attributes = cloneStringStringMap(el.Attributes)
	}
	return out
}

func clonePages(pages []Page) []Page {
	if pages == nil {
		return nil
	}
	return append([]Page(nil), pages...)
}

func cloneTestCases(cases []TestCase) []TestCase {
	if cases == nil {
		return nil
	}
	out := make([]TestCase, len(cases))
	for i, tc := range cases {
		out[i] = tc
		out[i].Steps = cloneStringSlice(tc.Steps)
	}
	return out
}

func cloneScripts(scripts []Script) []Script {
	if scripts == nil {
		return nil
	}
	return append([]Script(nil), scripts...)
}

func cloneScriptResults(results []ScriptResult) []ScriptResult {
	if results == nil {
		return nil
	}
	return append([]ScriptResult(nil), results...)
}
