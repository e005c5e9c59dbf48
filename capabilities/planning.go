package capabilities

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/forgeline-dev/testforge/coreengine/envelope"
	"github.com/forgeline-dev/testforge/coreengine/tools"
)

// TestPlanningName is the registry key for the planning capability.
const TestPlanningName = "test_planning"

// Plan sources recorded in result data under "source".
const (
	PlanSourceGenerator     = "generator"
	PlanSourceDeterministic = "deterministic"
)

// maxPromptElements bounds how many elements are listed in the generator
// prompt; beyond this the listing adds tokens without adding signal.
const maxPromptElements = 40

// TestPlanning turns discovered elements and pages into test cases. With a
// Generator it prompts for a JSON test plan; without one, or when the
// response cannot be parsed, it plans deterministically from the elements
// themselves.
type TestPlanning struct {
	generator Generator
}

var _ tools.Capability = (*TestPlanning)(nil)

// NewTestPlanning creates the capability. A nil generator is valid and
// selects the deterministic planner.
func NewTestPlanning(generator Generator) *TestPlanning {
	return &TestPlanning{generator: generator}
}

func (c *TestPlanning) Metadata() tools.Metadata {
	return tools.Metadata{
		Name:        TestPlanningName,
		Description: "Plans test cases from discovered elements, via LLM or deterministically",
		Version:     "1.0.0",
		Tags:        []string{"planning", "llm", "generation"},
		IsSafe:      true,
		InputSchema: map[string]any{
			"elements": "[]envelope.Element - discovered elements",
			"pages":    "[]envelope.Page - discovered pages",
		},
		OutputSchema: map[string]any{
			"test_cases":   "[]envelope.TestCase - planned cases",
			"plan_summary": "string - one line plan description",
			"source":       "string - generator or deterministic",
		},
	}
}

// Run plans test cases. Zero elements and zero pages is a validation
// failure; a generator transport error fails the invocation; an unparseable
// generator response falls back to the deterministic planner.
func (c *TestPlanning) Run(ctx context.Context, args map[string]any) (any, error) {
	elements, _ := args["elements"].([]envelope.Element)
	pages, _ := args["pages"].([]envelope.Page)
	if len(elements) == 0 && len(pages) == 0 {
		return tools.NewFailureResult("nothing to plan: no elements or pages discovered"), nil
	}

	if c.generator == nil {
		return c.deterministicResult(elements, pages, "no generator configured"), nil
	}

	text, err := c.generator.Generate(ctx, buildPlanPrompt(elements, pages))
	if err != nil {
		return nil, fmt.Errorf("generating test plan: %w", err)
	}

	cases, skipped, err := parsePlannedCases(text)
	if err != nil || len(cases) == 0 {
		reason := "no cases in generator response"
		if err != nil {
			reason = err.Error()
		}
		return c.deterministicResult(elements, pages, reason), nil
	}

	data := map[string]any{
		"test_cases":   cases,
		"plan_summary": planSummary(len(cases), elements, pages),
		"source":       PlanSourceGenerator,
	}
	res := tools.NewSuccessResult(data)
	if skipped > 0 {
		res = tools.NewPartialResult(data)
		res.SetMetadata("skipped_entries", skipped)
	}
	res.SetMetadata("source", PlanSourceGenerator)
	res.SetMetadata("case_count", len(cases))
	return res, nil
}

func (c *TestPlanning) deterministicResult(elements []envelope.Element, pages []envelope.Page, reason string) *tools.Result {
	cases := deterministicCases(elements, pages)
	res := tools.NewSuccessResult(map[string]any{
		"test_cases":   cases,
		"plan_summary": planSummary(len(cases), elements, pages),
		"source":       PlanSourceDeterministic,
	})
	res.SetMetadata("source", PlanSourceDeterministic)
	res.SetMetadata("case_count", len(cases))
	res.SetMetadata("fallback_reason", reason)
	return res
}

func planSummary(caseCount int, elements []envelope.Element, pages []envelope.Page) string {
	return fmt.Sprintf("%d test cases planned from %d elements across %d pages",
		caseCount, len(elements), len(pages))
}

func newCaseID() string {
	return "tc_" + uuid.New().String()[:16]
}

// =============================================================================
// GENERATOR PATH
// =============================================================================

func buildPlanPrompt(elements []envelope.Element, pages []envelope.Page) string {
	var b strings.Builder
	b.WriteString("You are a web test planner. Produce test cases for the application below as a JSON array.\n")
	b.WriteString(`Each entry: {"name","description","kind","priority","selector","steps","expected"}. `)
	b.WriteString("kind is one of interaction, navigation, smoke; priority is one of critical, high, medium, low; steps is an array of strings.\n")
	b.WriteString("Respond with the JSON array only, no surrounding prose.\n\n")

	b.WriteString("Pages:\n")
	for _, p := range pages {
		fmt.Fprintf(&b, "- %s (title: %q, %d elements)\n", p.URL, p.Title, p.ElementCount)
	}

	b.WriteString("\nElements:\n")
	for i, el := range elements {
		if i >= maxPromptElements {
			fmt.Fprintf(&b, "- ... and %d more\n", len(elements)-maxPromptElements)
			break
		}
		fmt.Fprintf(&b, "- %s %q selector=%s page=%s\n", el.Kind, el.Text, el.Selector, el.Page)
	}
	return b.String()
}

// plannedCase is the wire shape expected back from the generator.
type plannedCase struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Kind        string   `json:"kind"`
	Priority    string   `json:"priority"`
	Selector    string   `json:"selector"`
	Steps       []string `json:"steps"`
	Expected    string   `json:"expected"`
}

// parsePlannedCases extracts the first JSON array from free-form generator
// output and decodes it. Malformed or nameless entries are skipped, not
// fatal; the skipped count downgrades the result to partial.
func parsePlannedCases(text string) ([]envelope.TestCase, int, error) {
	raw, ok := extractJSONArray(text)
	if !ok {
		return nil, 0, fmt.Errorf("no JSON array in generator response")
	}

	var entries []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, 0, fmt.Errorf("decoding test case array: %w", err)
	}

	cases := make([]envelope.TestCase, 0, len(entries))
	skipped := 0
	for _, entry := range entries {
		var pc plannedCase
		if err := json.Unmarshal(entry, &pc); err != nil || strings.TrimSpace(pc.Name) == "" {
			skipped++
			continue
		}
		kind := strings.ToLower(strings.TrimSpace(pc.Kind))
		switch kind {
		case "interaction", "navigation", "smoke":
		default:
			kind = "interaction"
		}
		priority := strings.ToLower(strings.TrimSpace(pc.Priority))
		switch priority {
		case "critical", "high", "medium", "low":
		default:
			priority = "medium"
		}
		cases = append(cases, envelope.TestCase{
			ID:             newCaseID(),
			Name:           strings.TrimSpace(pc.Name),
			Description:    strings.TrimSpace(pc.Description),
			Kind:           kind,
			Priority:       priority,
			TargetSelector: strings.TrimSpace(pc.Selector),
			Steps:          pc.Steps,
			Expected:       strings.TrimSpace(pc.Expected),
		})
	}
	return cases, skipped, nil
}

// extractJSONArray returns the first balanced JSON array in text. The scan
// tracks bracket depth and string state; validity of the content is left to
// the JSON decoder.
func extractJSONArray(text string) (string, bool) {
	start := strings.IndexByte(text, '[')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '[', '{':
			depth++
		case ']', '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// =============================================================================
// DETERMINISTIC PATH
// =============================================================================

// deterministicCases plans one case per element, or one smoke case per page
// when exploration found pages but no elements.
func deterministicCases(elements []envelope.Element, pages []envelope.Page) []envelope.TestCase {
	if len(elements) == 0 {
		cases := make([]envelope.TestCase, 0, len(pages))
		for _, p := range pages {
			cases = append(cases, envelope.TestCase{
				ID:          newCaseID(),
				Name:        "Smoke load " + p.URL,
				Description: fmt.Sprintf("Open %s and verify it renders", p.URL),
				Kind:        "smoke",
				Priority:    "high",
				Steps: []string{
					"Navigate to " + p.URL,
					"Verify the page title is not empty",
				},
				Expected: "Page loads without errors",
			})
		}
		return cases
	}

	cases := make([]envelope.TestCase, 0, len(elements))
	for _, el := range elements {
		cases = append(cases, caseForElement(el))
	}
	return cases
}

func caseForElement(el envelope.Element) envelope.TestCase {
	label := strings.TrimSpace(el.Text)
	if label == "" {
		label = el.Selector
	}
	tc := envelope.TestCase{
		ID:             newCaseID(),
		TargetSelector: el.Selector,
		Steps:          []string{"Navigate to " + el.Page},
	}

	switch el.Kind {
	case "input", "textarea":
		tc.Name = fmt.Sprintf("Fill %s %s", el.Kind, label)
		tc.Description = fmt.Sprintf("Enter text into the %s identified by %s", el.Kind, el.Selector)
		tc.Kind = "interaction"
		tc.Priority = "high"
		tc.Steps = append(tc.Steps,
			"Type sample text into "+el.Selector,
			"Verify the field holds the entered value")
		tc.Expected = "The field accepts and retains input"
	case "form":
		tc.Name = "Submit form " + label
		tc.Description = fmt.Sprintf("Fill and submit the form identified by %s", el.Selector)
		tc.Kind = "interaction"
		tc.Priority = "high"
		tc.Steps = append(tc.Steps,
			"Fill the visible fields of "+el.Selector,
			"Submit the form")
		tc.Expected = "The form submits without client-side errors"
	case "select":
		tc.Name = "Choose option in " + label
		tc.Description = fmt.Sprintf("Select an option from %s", el.Selector)
		tc.Kind = "interaction"
		tc.Priority = "medium"
		tc.Steps = append(tc.Steps,
			"Open the dropdown "+el.Selector,
			"Select the first available option")
		tc.Expected = "The selection is applied"
	case "link":
		tc.Name = "Follow link " + label
		tc.Description = fmt.Sprintf("Follow the link %q and verify navigation", label)
		tc.Kind = "navigation"
		tc.Priority = "low"
		tc.Steps = append(tc.Steps,
			"Click the link "+el.Selector,
			"Verify the browser navigated to a new page")
		tc.Expected = "Navigation succeeds"
	default:
		tc.Name = fmt.Sprintf("Activate %s %s", el.Kind, label)
		tc.Description = fmt.Sprintf("Click the %s identified by %s", el.Kind, el.Selector)
		tc.Kind = "interaction"
		tc.Priority = "medium"
		tc.Steps = append(tc.Steps,
			"Click "+el.Selector,
			"Verify the page did not error")
		tc.Expected = "The element responds to activation"
	}
	return tc
}
