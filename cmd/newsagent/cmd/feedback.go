package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var feedbackCmd = &cobra.Command{
	Use:   "feedback <run-id> <text...>",
	Short: "Request a draft revision",
	Long: `Submit feedback on the live draft. The composer produces the next revision
and posts it for review; the prior revision is superseded. Rejected with
CAP_EXCEEDED once the revision cap is reached.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runFeedback,
}

func init() {
	rootCmd.AddCommand(feedbackCmd)
}

func runFeedback(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()

	runID, err := a.resolveRunID(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out, err := a.orch.SubmitFeedback(cmd.Context(), runID, strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	fmt.Printf("Draft v%d posted for review on run %s.\n", out.DraftVersion, out.RunID)
	return nil
}
