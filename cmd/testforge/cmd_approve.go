package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/forgeline-dev/testforge/coreengine/envelope"
)

var approveFlags struct {
	reject  bool
	comment string
	by      string
}

var approveCmd = &cobra.Command{
	Use:   "approve [run-id]",
	Short: "Resolve a pending approval for a suspended run",
	Long: `Approve resolves the pending approval of a suspended run and resumes it.
The remaining stages execute in this process and the final summary is
printed as JSON.

A run suspended by another process is restored from the session store
first, so cross-process approval needs Redis configured on both sides.`,
	Args: cobra.ExactArgs(1),
	RunE: runApprove,
}

func init() {
	f := approveCmd.Flags()
	f.BoolVar(&approveFlags.reject, "reject", false, "Reject instead of approving; the run fails")
	f.StringVar(&approveFlags.comment, "comment", "", "Comment recorded on the decision")
	f.StringVar(&approveFlags.by, "by", "", "Decider recorded on the decision (default $USER)")
}

func runApprove(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	runID := args[0]
	if _, err := a.kernel.RestoreRun(ctx, runID); err != nil {
		return fmt.Errorf("restoring run %s: %w", runID, err)
	}
	req := a.kernel.GetPendingApproval(runID)
	if req == nil {
		return fmt.Errorf("run %s has no pending approval", runID)
	}

	decision := envelope.ApprovalDecision{
		Approved:  !approveFlags.reject,
		Comment:   approveFlags.comment,
		DecidedBy: deciderName(),
	}
	summary, err := a.kernel.ResolveApproval(ctx, req.ID, decision)
	if err != nil {
		return err
	}

	if summary.Status == envelope.WorkflowWaitingApproval {
		fmt.Fprintf(cmd.ErrOrStderr(), "run %s is waiting for the next approval; resolve it with: testforge approve %s\n",
			summary.RunID, summary.RunID)
	}
	return printJSON(cmd.OutOrStdout(), summary)
}

// deciderName resolves the recorded decider: the --by flag, then $USER,
// then "cli".
func deciderName() string {
	if approveFlags.by != "" {
		return approveFlags.by
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "cli"
}
