package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lotfb86/NewLetterAgent/internal/core"
)

var approveCmd = &cobra.Command{
	Use:   "approve <run-id>",
	Short: "Approve the live draft and publish the issue",
	Long: `Approve the run's live draft and drive the send pipeline to completion:
validation, broadcast creation, send, permanent record, snapshot.

A draft older than the staleness window is rejected; trigger a fresh run or
use feedback to recompose first. Re-running approve on an interrupted run
resumes from its last persisted stage.`,
	Args: cobra.ExactArgs(1),
	RunE: runApprove,
}

func init() {
	rootCmd.AddCommand(approveCmd)
}

func runApprove(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()

	runID, err := a.resolveRunID(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out, err := a.orch.SubmitApproval(cmd.Context(), runID)
	if err != nil {
		if core.HasCode(err, core.CodeStaleDraft) {
			return fmt.Errorf("%w\nRun 'newsagent reset' to start over or submit feedback to recompose", err)
		}
		return err
	}
	fmt.Printf("Run %s complete: broadcast %s sent and recorded.\n", out.RunID, out.BroadcastID)
	return nil
}
