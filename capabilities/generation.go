package capabilities

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/forgeline-dev/testforge/coreengine/envelope"
	"github.com/forgeline-dev/testforge/coreengine/tools"
	"github.com/forgeline-dev/testforge/coreengine/typeutil"
)

// ScriptGenerationName is the registry key for the generation capability.
const ScriptGenerationName = "script_generation"

// Supported script frameworks.
const (
	FrameworkPlaywright = "playwright"
	FrameworkPytest     = "pytest"
	FrameworkShell      = "shell"
)

// SupportedFrameworks lists the frameworks scripts can be generated and run
// for, in display order.
func SupportedFrameworks() []string {
	return []string{FrameworkPlaywright, FrameworkPytest, FrameworkShell}
}

// frameworkMarkers identify a well-formed script of each framework; a
// generated file containing its marker counts as validated.
var frameworkMarkers = map[string]string{
	FrameworkPlaywright: "@playwright/test",
	FrameworkPytest:     "def test_",
	FrameworkShell:      "#!/bin/sh",
}

var frameworkSuffixes = map[string]string{
	FrameworkPlaywright: ".spec.ts",
	FrameworkPytest:     ".py",
	FrameworkShell:      ".sh",
}

// ScriptGeneration renders one executable test script per planned case into
// the workspace scripts directory.
type ScriptGeneration struct {
	workspace string
}

var _ tools.Capability = (*ScriptGeneration)(nil)

// NewScriptGeneration creates the capability writing under workspace.
func NewScriptGeneration(workspace string) *ScriptGeneration {
	if workspace == "" {
		workspace = "."
	}
	return &ScriptGeneration{workspace: workspace}
}

func (c *ScriptGeneration) Metadata() tools.Metadata {
	return tools.Metadata{
		Name:        ScriptGenerationName,
		Description: "Renders executable test scripts from planned test cases",
		Version:     "1.0.0",
		Tags:        []string{"generation", "scripts", "templates"},
		IsSafe:      true,
		InputSchema: map[string]any{
			"test_cases": "[]envelope.TestCase - cases to render",
			"framework":  "string (optional) - playwright, pytest, or shell",
			"base_url":   "string - target application URL baked into scripts",
		},
		OutputSchema: map[string]any{
			"scripts": "[]envelope.Script - written script files",
		},
	}
}

// Run renders and writes one script per test case. Individual write failures
// downgrade the result to partial; no scripts written at all is an error.
func (c *ScriptGeneration) Run(_ context.Context, args map[string]any) (any, error) {
	cases, _ := args["test_cases"].([]envelope.TestCase)
	if len(cases) == 0 {
		return tools.NewFailureResult("no test cases to generate scripts from"), nil
	}
	framework := strings.ToLower(typeutil.SafeStringDefault(args["framework"], FrameworkPlaywright))
	if _, ok := frameworkMarkers[framework]; !ok {
		return tools.NewFailureResult(fmt.Sprintf(
			"unsupported framework '%s'. Supported: %s",
			framework, strings.Join(SupportedFrameworks(), ", "))), nil
	}
	baseURL := typeutil.SafeStringDefault(args["base_url"], "")

	scriptsDir := filepath.Join(c.workspace, "scripts")
	if err := os.MkdirAll(scriptsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating scripts directory: %w", err)
	}

	scripts := make([]envelope.Script, 0, len(cases))
	validated := 0
	var writeErrors []string
	seenNames := make(map[string]int, len(cases))

	for _, tc := range cases {
		content, err := renderScript(framework, tc, baseURL)
		if err != nil {
			writeErrors = append(writeErrors, fmt.Sprintf("%s: %v", tc.Name, err))
			continue
		}

		name := scriptFileName(tc.Name, framework, seenNames)
		path := filepath.Join(scriptsDir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			writeErrors = append(writeErrors, fmt.Sprintf("%s: %v", tc.Name, err))
			continue
		}

		ok := strings.Contains(content, frameworkMarkers[framework])
		if ok {
			validated++
		}
		scripts = append(scripts, envelope.Script{
			TestCaseID: tc.ID,
			Path:       path,
			Framework:  framework,
			Validated:  ok,
		})
	}

	if len(scripts) == 0 {
		return tools.NewErrorResult("script generation produced no files: " + strings.Join(writeErrors, "; ")), nil
	}

	data := map[string]any{
		"scripts":         scripts,
		"generated_count": len(scripts),
	}
	res := tools.NewSuccessResult(data)
	if len(writeErrors) > 0 {
		res = tools.NewPartialResult(data)
		res.SetMetadata("failed_cases", writeErrors)
	}
	res.SetMetadata("framework", framework)
	res.SetMetadata("passed_validation", validated)
	res.SetMetadata("scripts_dir", scriptsDir)
	return res, nil
}

// scriptFileName derives a unique file name from the case name, numbering
// collisions within one invocation so every case keeps its own file.
func scriptFileName(caseName, framework string, seen map[string]int) string {
	base := "test_" + sanitizeName(caseName)
	seen[base]++
	if n := seen[base]; n > 1 {
		base = fmt.Sprintf("%s_%d", base, n)
	}
	return base + frameworkSuffixes[framework]
}

func sanitizeName(name string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		out = "case"
	}
	if len(out) > 48 {
		out = strings.Trim(out[:48], "_")
	}
	return out
}

// =============================================================================
// TEMPLATES
// =============================================================================

type scriptContext struct {
	Name        string
	SafeName    string
	Description string
	BaseURL     string
	Steps       []string
	Actions     []string
}

var scriptTemplates = map[string]*template.Template{
	FrameworkPlaywright: template.Must(template.New(FrameworkPlaywright).Parse(playwrightTemplate)),
	FrameworkPytest:     template.Must(template.New(FrameworkPytest).Parse(pytestTemplate)),
	FrameworkShell:      template.Must(template.New(FrameworkShell).Parse(shellTemplate)),
}

const playwrightTemplate = `import { test, expect } from '@playwright/test';

// {{.Description}}
test('{{.Name}}', async ({ page }) => {
{{- range .Steps}}
  // {{.}}
{{- end}}
  await page.goto('{{.BaseURL}}');
{{- range .Actions}}
  {{.}}
{{- end}}
});
`

const pytestTemplate = `"""{{.Name}}

{{.Description}}
"""
from playwright.sync_api import Page, expect


def test_{{.SafeName}}(page: Page):
{{- range .Steps}}
    # {{.}}
{{- end}}
    page.goto("{{.BaseURL}}")
{{- range .Actions}}
    {{.}}
{{- end}}
`

const shellTemplate = `#!/bin/sh
# {{.Name}}
# {{.Description}}
set -e

{{range .Steps}}# {{.}}
{{end -}}
status=$(curl -s -o /dev/null -w '%{http_code}' '{{.BaseURL}}')
case "$status" in
  2*|3*) echo "ok: $status" ;;
  *) echo "unexpected status: $status" >&2; exit 1 ;;
esac
`

func renderScript(framework string, tc envelope.TestCase, baseURL string) (string, error) {
	tmpl := scriptTemplates[framework]
	ctx := scriptContext{
		Name:        escapeForFramework(framework, tc.Name),
		SafeName:    sanitizeName(tc.Name),
		Description: escapeForFramework(framework, tc.Description),
		BaseURL:     escapeForFramework(framework, baseURL),
		Steps:       tc.Steps,
		Actions:     buildActions(framework, tc),
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, ctx); err != nil {
		return "", fmt.Errorf("rendering %s script: %w", framework, err)
	}
	return b.String(), nil
}

// escapeForFramework keeps interpolated text from breaking out of the string
// literal or comment it lands in.
func escapeForFramework(framework, s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	switch framework {
	case FrameworkPlaywright:
		s = strings.ReplaceAll(s, `\`, `\\`)
		s = strings.ReplaceAll(s, `'`, `\'`)
	case FrameworkPytest:
		s = strings.ReplaceAll(s, `\`, `\\`)
		s = strings.ReplaceAll(s, `"`, `\"`)
	case FrameworkShell:
		s = strings.ReplaceAll(s, `'`, `'"'"'`)
	}
	return s
}

// buildActions translates the case kind and target selector into framework
// statements appended after the initial navigation.
func buildActions(framework string, tc envelope.TestCase) []string {
	selector := escapeForFramework(framework, tc.TargetSelector)

	switch framework {
	case FrameworkPlaywright:
		switch {
		case tc.Kind == "smoke" || selector == "":
			return []string{`await expect(page).toHaveTitle(/.+/);`}
		case tc.Kind == "navigation":
			return []string{
				fmt.Sprintf(`await page.locator('%s').click();`, selector),
				`await page.waitForLoadState();`,
			}
		default:
			return []string{
				fmt.Sprintf(`await expect(page.locator('%s')).toBeVisible();`, selector),
				fmt.Sprintf(`await page.locator('%s').click();`, selector),
			}
		}
	case FrameworkPytest:
		switch {
		case tc.Kind == "smoke" || selector == "":
			return []string{`assert page.title()`}
		case tc.Kind == "navigation":
			return []string{
				fmt.Sprintf(`page.locator("%s").click()`, selector),
				`page.wait_for_load_state()`,
			}
		default:
			return []string{
				fmt.Sprintf(`expect(page.locator("%s")).to_be_visible()`, selector),
				fmt.Sprintf(`page.locator("%s").click()`, selector),
			}
		}
	default:
		// Shell scripts only probe reachability; element interaction needs a
		// browser framework.
		return nil
	}
}
