package capabilities

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/forgeline-dev/testforge/coreengine/envelope"
	"github.com/forgeline-dev/testforge/coreengine/tools"
	"github.com/forgeline-dev/testforge/coreengine/typeutil"
)

// ReportGenerationName is the registry key for the reporting capability.
const ReportGenerationName = "report_generation"

// Supported report formats.
const (
	ReportFormatJSON     = "json"
	ReportFormatMarkdown = "markdown"
	ReportFormatHTML     = "html"
)

var reportSuffixes = map[string]string{
	ReportFormatJSON:     ".json",
	ReportFormatMarkdown: ".md",
	ReportFormatHTML:     ".html",
}

// SupportedReportFormats lists the renderable formats in display order.
func SupportedReportFormats() []string {
	return []string{ReportFormatJSON, ReportFormatMarkdown, ReportFormatHTML}
}

// ReportGeneration renders execution statistics into report files under the
// workspace reports directory.
type ReportGeneration struct {
	workspace string
	formats   []string
}

var _ tools.Capability = (*ReportGeneration)(nil)

// NewReportGeneration creates the capability. formats is the default set
// rendered when an invocation does not name its own.
func NewReportGeneration(workspace string, formats []string) *ReportGeneration {
	if workspace == "" {
		workspace = "."
	}
	if len(formats) == 0 {
		formats = []string{ReportFormatJSON}
	}
	return &ReportGeneration{workspace: workspace, formats: formats}
}

func (c *ReportGeneration) Metadata() tools.Metadata {
	return tools.Metadata{
		Name:        ReportGenerationName,
		Description: "Renders execution statistics into json, markdown, and html reports",
		Version:     "1.0.0",
		Tags:        []string{"reporting", "html", "json", "markdown"},
		IsSafe:      true,
		InputSchema: map[string]any{
			"results": "[]envelope.ScriptResult - execution outcomes",
			"formats": "[]string (optional) - subset of json, markdown, html",
		},
		OutputSchema: map[string]any{
			"reports": "[]envelope.Report - written report files",
			"stats":   "envelope.ReportStats - aggregate statistics",
		},
	}
}

// Run renders one report per requested format. Empty results still produce
// reports with zeroed statistics; per-format failures downgrade to partial.
func (c *ReportGeneration) Run(_ context.Context, args map[string]any) (any, error) {
	results, _ := args["results"].([]envelope.ScriptResult)
	formats := typeutil.SafeStringSliceDefault(args["formats"], c.formats)

	for _, f := range formats {
		if _, ok := reportSuffixes[strings.ToLower(f)]; !ok {
			return tools.NewFailureResult(fmt.Sprintf(
				"unsupported report format '%s'. Supported: %s",
				f, strings.Join(SupportedReportFormats(), ", "))), nil
		}
	}

	reportsDir := filepath.Join(c.workspace, "reports")
	if err := os.MkdirAll(reportsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating reports directory: %w", err)
	}

	stats := ComputeStats(results)
	doc := reportDocument{
		GeneratedAt: time.Now().UTC(),
		Stats:       stats,
		Results:     results,
	}
	stamp := doc.GeneratedAt.Format("20060102_150405")

	reports := make([]envelope.Report, 0, len(formats))
	var renderErrors []string
	for _, f := range formats {
		format := strings.ToLower(f)
		content, err := renderReport(format, doc)
		if err != nil {
			renderErrors = append(renderErrors, fmt.Sprintf("%s: %v", format, err))
			continue
		}
		path := filepath.Join(reportsDir, "report_"+stamp+reportSuffixes[format])
		if err := os.WriteFile(path, content, 0o644); err != nil {
			renderErrors = append(renderErrors, fmt.Sprintf("%s: %v", format, err))
			continue
		}
		reports = append(reports, envelope.Report{Format: format, Path: path})
	}

	if len(reports) == 0 {
		return tools.NewErrorResult("no reports rendered: " + strings.Join(renderErrors, "; ")), nil
	}

	data := map[string]any{
		"reports": reports,
		"stats":   stats,
	}
	res := tools.NewSuccessResult(data)
	if len(renderErrors) > 0 {
		res = tools.NewPartialResult(data)
		res.SetMetadata("failed_formats", renderErrors)
	}
	res.SetMetadata("reports_dir", reportsDir)
	res.SetMetadata("total", stats.Total)
	return res, nil
}

// ComputeStats aggregates execution outcomes into report statistics.
func ComputeStats(results []envelope.ScriptResult) envelope.ReportStats {
	stats := envelope.ReportStats{Total: len(results)}
	for _, r := range results {
		switch r.Status {
		case envelope.ItemPassed:
			stats.Passed++
		case envelope.ItemFailed:
			stats.Failed++
		case envelope.ItemSkipped:
			stats.Skipped++
		}
		stats.DurationSeconds += r.DurationSeconds
	}
	if stats.Total > 0 {
		stats.PassRate = float64(stats.Passed) / float64(stats.Total) * 100
	}
	return stats
}

// =============================================================================
// RENDERERS
// =============================================================================

type reportDocument struct {
	GeneratedAt time.Time               `json:"generated_at"`
	Stats       envelope.ReportStats    `json:"stats"`
	Results     []envelope.ScriptResult `json:"results"`
}

func renderReport(format string, doc reportDocument) ([]byte, error) {
	switch format {
	case ReportFormatJSON:
		return json.MarshalIndent(doc, "", "  ")
	case ReportFormatMarkdown:
		return renderMarkdownReport(doc), nil
	case ReportFormatHTML:
		return renderHTMLReport(doc)
	default:
		return nil, fmt.Errorf("unsupported report format '%s'", format)
	}
}

func renderMarkdownReport(doc reportDocument) []byte {
	var b strings.Builder
	b.WriteString("# Test Execution Report\n\n")
	fmt.Fprintf(&b, "Generated: %s\n\n", doc.GeneratedAt.Format(time.RFC3339))

	b.WriteString("## Summary\n\n")
	b.WriteString("| Total | Passed | Failed | Skipped | Pass rate | Duration |\n")
	b.WriteString("|-------|--------|--------|---------|-----------|----------|\n")
	fmt.Fprintf(&b, "| %d | %d | %d | %d | %.1f%% | %.2fs |\n\n",
		doc.Stats.Total, doc.Stats.Passed, doc.Stats.Failed, doc.Stats.Skipped,
		doc.Stats.PassRate, doc.Stats.DurationSeconds)

	if len(doc.Results) > 0 {
		b.WriteString("## Results\n\n")
		b.WriteString("| Script | Status | Exit code | Duration |\n")
		b.WriteString("|--------|--------|-----------|----------|\n")
		for _, r := range doc.Results {
			status := string(r.Status)
			if r.TimedOut {
				status += " (timed out)"
			}
			fmt.Fprintf(&b, "| %s | %s | %d | %.2fs |\n",
				filepath.Base(r.ScriptPath), status, r.ExitCode, r.DurationSeconds)
		}
	}
	return []byte(b.String())
}

var htmlReportTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Test Execution Report</title>
<style>
body { font-family: sans-serif; margin: 2em; color: #222; }
.stats { display: flex; gap: 1em; margin: 1em 0; }
.box { padding: 1em 2em; border-radius: 6px; background: #f0f0f0; text-align: center; }
.box.passed { background: #e6f4e6; color: #1e6b1e; }
.box.failed { background: #f8e3e3; color: #8b1a1a; }
.box h2 { margin: 0; font-size: 2em; }
.box p { margin: 0; }
table { border-collapse: collapse; width: 100%; }
th, td { text-align: left; padding: 0.4em 0.8em; border-bottom: 1px solid #ddd; }
tr.failed td { color: #8b1a1a; }
</style>
</head>
<body>
<h1>Test Execution Report</h1>
<p>Generated: {{.GeneratedAt.Format "2006-01-02 15:04:05 UTC"}}</p>
<div class="stats">
  <div class="box"><h2>{{.Stats.Total}}</h2><p>Total</p></div>
  <div class="box passed"><h2>{{.Stats.Passed}}</h2><p>Passed</p></div>
  <div class="box failed"><h2>{{.Stats.Failed}}</h2><p>Failed</p></div>
  <div class="box"><h2>{{printf "%.1f" .Stats.PassRate}}%</h2><p>Pass rate</p></div>
</div>
{{if .Results}}
<table>
<tr><th>Script</th><th>Status</th><th>Exit code</th><th>Duration</th></tr>
{{range .Results}}
<tr class="{{.Status}}"><td>{{.ScriptPath}}</td><td>{{.Status}}{{if .TimedOut}} (timed out){{end}}</td><td>{{.ExitCode}}</td><td>{{printf "%.2f" .DurationSeconds}}s</td></tr>
{{end}}
</table>
{{end}}
</body>
</html>
`))

func renderHTMLReport(doc reportDocument) ([]byte, error) {
	var b strings.Builder
	if err := htmlReportTemplate.Execute(&b, doc); err != nil {
		return nil, fmt.Errorf("rendering html report: %w", err)
	}
	return []byte(b.String()), nil
}
