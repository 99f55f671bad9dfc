package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var replayCmd = &cobra.Command{
	Use:   "replay <run-id>",
	Short: "Replay a dead-lettered run",
	Long: `Re-enter a failed run. A composition failure is recomposed from the bundle
preserved in its dead letter; a failure inside the send pipeline resumes
from the last durable stage with idempotent effects.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()

	runID, err := a.resolveRunID(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out, err := a.orch.Replay(cmd.Context(), runID)
	if err != nil {
		return err
	}
	fmt.Printf("Run %s replayed to stage %s.\n", out.RunID, out.Stage)
	return nil
}
