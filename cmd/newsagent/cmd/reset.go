package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lotfb86/NewLetterAgent/internal/core"
)

var resetReason string

var resetCmd = &cobra.Command{
	Use:   "reset [run-id]",
	Short: "Abort the active run and start fresh",
	Long: `Abort the given run (or the current lock holder), release the run lock, and
trigger a new run with a fresh collection. The aborted run's ledger row is
kept for the audit trail.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)
	resetCmd.Flags().StringVar(&resetReason, "reason", "",
		"reason recorded on the aborted run")
}

func runReset(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()

	var runID core.RunID
	if len(args) == 1 {
		runID, err = a.resolveRunID(cmd.Context(), args[0])
		if err != nil {
			return err
		}
	}

	out, err := a.orch.Reset(cmd.Context(), runID, resetReason)
	if err != nil {
		return err
	}
	fmt.Printf("New run %s created, draft v%d posted for review.\n", out.RunID, out.DraftVersion)
	return nil
}
