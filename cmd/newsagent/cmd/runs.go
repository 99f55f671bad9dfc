package cmd

import (
	"fmt"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/lotfb86/NewLetterAgent/internal/clip"
)

var (
	runsShowRaw  bool
	runsShowCopy bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect run history",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all runs",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run and its live draft",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)

	runsShowCmd.Flags().BoolVar(&runsShowRaw, "raw", false,
		"print the draft markdown without rendering")
	runsShowCmd.Flags().BoolVar(&runsShowCopy, "copy", false,
		"copy the draft markdown to the clipboard")
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()

	runs, err := a.store.ListRuns(cmd.Context())
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs yet.")
		return nil
	}

	for _, r := range runs {
		fmt.Printf("%s %-45s %-20s %s\n",
			stageGlyph(r.Stage), r.RunID, r.Stage,
			r.UpdatedAt.Local().Format(time.RFC822))
	}
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()

	runID, err := a.resolveRunID(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	run, err := a.store.GetRun(cmd.Context(), runID)
	if err != nil {
		return err
	}

	fmt.Printf("Run:    %s\nStage:  %s\n", run.RunID, run.Stage)
	if run.BroadcastID != "" {
		fmt.Printf("Broadcast: %s\n", run.BroadcastID)
	}
	if run.LastError != "" {
		fmt.Printf("Error:  %s\n", run.LastError)
	}

	d, err := a.store.ActiveDraft(cmd.Context(), runID)
	if err != nil {
		return err
	}
	if d == nil {
		fmt.Println("\nNo live draft.")
		return nil
	}
	fmt.Printf("Draft:  v%d (%s)\n\n", d.Version, d.Status)

	if runsShowCopy {
		res, err := clip.WriteAll(d.Content)
		if err != nil {
			return fmt.Errorf("copying draft: %w", err)
		}
		switch res.Method {
		case clip.MethodFile:
			fmt.Printf("Clipboard unavailable; draft written to %s\n", res.FilePath)
		default:
			fmt.Printf("Draft copied to clipboard (%s).\n", res.Method)
		}
	}

	if runsShowRaw {
		fmt.Println(d.Content)
		return nil
	}
	out, err := glamour.Render(d.Content, "auto")
	if err != nil {
		fmt.Println(d.Content)
		return nil
	}
	fmt.Print(out)
	return nil
}
