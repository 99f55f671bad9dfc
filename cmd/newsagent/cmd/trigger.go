package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var triggerSource string

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Start a new newsletter run",
	Long: `Start a new run: collect stories, compose the first draft, and post it for
review. Rejected while another run holds a live lease on the run lock; an
expired lease is reclaimed and its orphaned run aborted.`,
	RunE: runTrigger,
}

func init() {
	rootCmd.AddCommand(triggerCmd)
	triggerCmd.Flags().StringVar(&triggerSource, "source", "manual",
		"trigger source recorded in the run id")
}

func runTrigger(cmd *cobra.Command, _ []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := a.orch.Trigger(cmd.Context(), triggerSource)
	if err != nil {
		return err
	}
	fmt.Printf("Run %s created, draft v%d posted for review.\n", out.RunID, out.DraftVersion)
	return nil
}
