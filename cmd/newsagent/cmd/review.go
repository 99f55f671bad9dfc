package cmd

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/lotfb86/NewLetterAgent/internal/core"
	"github.com/lotfb86/NewLetterAgent/internal/tui"
)

var reviewCmd = &cobra.Command{
	Use:   "review [run-id]",
	Short: "Review the pending draft interactively",
	Long: `Open the interactive review session for the run awaiting approval. Approve
with 'a', request a revision with 'f'. Without a run id the newest
incomplete run is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReview,
}

func init() {
	rootCmd.AddCommand(reviewCmd)
}

func runReview(cmd *cobra.Command, args []string) error {
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

	p := tea.NewProgram(tui.New(a.orch, runID), tea.WithAltScreen())
	_, err = p.Run()
	return err
}
