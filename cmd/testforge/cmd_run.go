package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/forgeline-dev/testforge/commbus"
	"github.com/forgeline-dev/testforge/coreengine/config"
	"github.com/forgeline-dev/testforge/coreengine/envelope"
	"github.com/forgeline-dev/testforge/coreengine/kernel"
)

var runFlags struct {
	session        string
	workers        int
	maxDepth       int
	maxPages       int
	framework      string
	scriptTimeout  int
	formats        []string
	approvalStages []string
	quiet          bool
}

var runCmd = &cobra.Command{
	Use:   "run [target-url]",
	Short: "Run the test pipeline against a target URL",
	Long: `Run crawls the target, plans test cases, generates scripts, executes them,
and writes reports under the workspace directory. Progress is printed to
stderr and the final run summary to stdout as JSON.

When a stage is gated with --approve-stage the run suspends at that gate. On
an interactive terminal the command prompts for the decision inline;
otherwise it prints the run id and exits so the decision can be made later
with "testforge approve".`,
	Args: cobra.ExactArgs(1),
	RunE: runPipeline,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.session, "session", "", "Session identifier for grouping and rate limiting")
	f.IntVar(&runFlags.workers, "workers", 0, "Concurrent script executions (default from config)")
	f.IntVar(&runFlags.maxDepth, "max-depth", 0, "Crawl depth limit")
	f.IntVar(&runFlags.maxPages, "max-pages", 0, "Crawl page limit")
	f.StringVar(&runFlags.framework, "framework", "", "Script framework: playwright, pytest, or shell")
	f.IntVar(&runFlags.scriptTimeout, "script-timeout", 0, "Per-script timeout in seconds")
	f.StringSliceVar(&runFlags.formats, "format", nil, "Report formats: json, markdown, html")
	f.StringSliceVar(&runFlags.approvalStages, "approve-stage", nil, "Stages gated behind approval")
	f.BoolVar(&runFlags.quiet, "quiet", false, "Suppress stage progress output")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyRunFlags(&cfg, cmd)
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if !runFlags.quiet {
		defer subscribeProgress(a.bus, cmd.ErrOrStderr())()
	}

	env, err := a.kernel.SubmitRun(runFlags.session, args[0], runOptionsFrom(cfg), nil)
	if err != nil {
		return err
	}
	summary, err := a.kernel.ExecuteRun(ctx, env.RunID)
	if err != nil {
		return err
	}
	summary, err = settleApprovals(ctx, a.kernel, summary, stdinIsTTY(), bufio.NewReader(cmd.InOrStdin()), cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	if err := printJSON(cmd.OutOrStdout(), summary); err != nil {
		return err
	}
	switch summary.Status {
	case envelope.WorkflowFailed:
		return fmt.Errorf("run %s failed: %s", summary.RunID, summary.Error)
	case envelope.WorkflowCancelled:
		return fmt.Errorf("run %s cancelled", summary.RunID)
	}
	return nil
}

// applyRunFlags overlays explicitly set flags onto the loaded config.
func applyRunFlags(cfg *config.Config, cmd *cobra.Command) {
	f := cmd.Flags()
	if f.Changed("workers") {
		cfg.Pipeline.Workers = runFlags.workers
	}
	if f.Changed("max-depth") {
		cfg.Pipeline.MaxDepth = runFlags.maxDepth
	}
	if f.Changed("max-pages") {
		cfg.Pipeline.MaxPages = runFlags.maxPages
	}
	if f.Changed("framework") {
		cfg.Pipeline.Framework = runFlags.framework
	}
	if f.Changed("script-timeout") {
		cfg.Pipeline.ScriptTimeoutSeconds = runFlags.scriptTimeout
	}
	if f.Changed("format") {
		cfg.Pipeline.Formats = runFlags.formats
	}
	if f.Changed("approve-stage") {
		cfg.Pipeline.ApprovalStages = runFlags.approvalStages
	}
}

// runOptionsFrom lowers config values into the envelope's run options. The
// engine compares frameworks, formats, and stage names in lower case.
func runOptionsFrom(cfg config.Config) envelope.RunOptions {
	return envelope.RunOptions{
		MaxDepth:       cfg.Pipeline.MaxDepth,
		MaxPages:       cfg.Pipeline.MaxPages,
		Framework:      strings.ToLower(cfg.Pipeline.Framework),
		Workers:        cfg.Pipeline.Workers,
		ScriptTimeout:  cfg.Pipeline.ScriptTimeout(),
		Formats:        lowerAll(cfg.Pipeline.Formats),
		ApprovalStages: lowerAll(cfg.Pipeline.ApprovalStages),
	}
}

func lowerAll(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToLower(v)
	}
	return out
}

// subscribeProgress prints stage lifecycle events to w and returns the
// combined unsubscribe.
func subscribeProgress(bus *commbus.InMemoryBus, w io.Writer) func() {
	unsubs := []func(){
		bus.Subscribe("StageStarted", func(_ context.Context, msg commbus.Message) (any, error) {
			if e, ok := msg.(*commbus.StageStarted); ok {
				fmt.Fprintf(w, "[%s] started\n", e.Stage)
			}
			return nil, nil
		}),
		bus.Subscribe("StageCompleted", func(_ context.Context, msg commbus.Message) (any, error) {
			if e, ok := msg.(*commbus.StageCompleted); ok {
				fmt.Fprintf(w, "[%s] completed in %dms\n", e.Stage, e.DurationMS)
			}
			return nil, nil
		}),
		bus.Subscribe("StageFailed", func(_ context.Context, msg commbus.Message) (any, error) {
			if e, ok := msg.(*commbus.StageFailed); ok {
				fmt.Fprintf(w, "[%s] failed: %s\n", e.Stage, e.Error)
			}
			return nil, nil
		}),
		bus.Subscribe("ApprovalRequested", func(_ context.Context, msg commbus.Message) (any, error) {
			if e, ok := msg.(*commbus.ApprovalRequested); ok {
				fmt.Fprintf(w, "[%s] waiting for approval (%s)\n", e.Stage, e.ApprovalID)
			}
			return nil, nil
		}),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// settleApprovals drives the approval loop until the run leaves the waiting
// state. On a non-interactive stdin the run stays suspended: the resume hint
// is printed and the suspended summary returned as is.
func settleApprovals(ctx context.Context, k *kernel.Kernel, summary *kernel.RunSummary, interactive bool, in *bufio.Reader, prompt io.Writer) (*kernel.RunSummary, error) {
	for summary.Status == envelope.WorkflowWaitingApproval {
		if !interactive {
			fmt.Fprintf(prompt, "run %s is waiting for approval; resolve it with: testforge approve %s\n",
				summary.RunID, summary.RunID)
			return summary, nil
		}
		req := k.GetPendingApproval(summary.RunID)
		if req == nil {
			return nil, fmt.Errorf("run %s is waiting for approval but none is pending", summary.RunID)
		}
		decision, err := promptDecision(req, in, prompt)
		if err != nil {
			return nil, err
		}
		summary, err = k.ResolveApproval(ctx, req.ID, decision)
		if err != nil {
			return nil, err
		}
	}
	return summary, nil
}

// promptDecision asks for an approve/reject answer and an optional comment.
func promptDecision(req *envelope.ApprovalRequest, in *bufio.Reader, w io.Writer) (envelope.ApprovalDecision, error) {
	fmt.Fprintf(w, "\napproval required after stage %q\n", req.Stage)
	if req.Summary != "" {
		fmt.Fprintf(w, "  %s\n", req.Summary)
	}
	fmt.Fprint(w, "approve? [y/N]: ")
	answer, err := in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return envelope.ApprovalDecision{}, err
	}
	fmt.Fprint(w, "comment (optional): ")
	comment, err := in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return envelope.ApprovalDecision{}, err
	}
	return envelope.ApprovalDecision{
		Approved:  strings.HasPrefix(strings.ToLower(strings.TrimSpace(answer)), "y"),
		Comment:   strings.TrimSpace(comment),
		DecidedBy: "cli",
	}, nil
}

// stdinIsTTY reports whether stdin is an interactive terminal.
func stdinIsTTY() bool {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
