package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/lotfb86/NewLetterAgent/internal/core"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active run, lock, and dead-letter backlog",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
}

var (
	labelStyle = lipgloss.NewStyle().Bold(true).Width(14)
	stageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func runStatus(cmd *cobra.Command, _ []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.orch.Status(cmd.Context())
	if err != nil {
		return err
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	if st.ActiveRun == nil {
		fmt.Println(dimStyle.Render("No run in flight."))
	} else {
		fmt.Println(labelStyle.Render("Run") + string(st.ActiveRun.RunID))
		fmt.Println(labelStyle.Render("Stage") + stageStyle.Render(string(st.ActiveRun.Stage)))
		if st.ActiveRun.LastError != "" {
			fmt.Println(labelStyle.Render("Last error") + warnStyle.Render(st.ActiveRun.LastError))
		}
		if st.ActiveDraft != nil {
			fmt.Printf("%sv%d (%s), posted %s\n",
				labelStyle.Render("Draft"),
				st.ActiveDraft.Version, st.ActiveDraft.Status,
				st.ActiveDraft.PostedAt.Local().Format(time.RFC822))
		}
	}

	if st.Lock == nil {
		fmt.Println(labelStyle.Render("Lock") + dimStyle.Render("unheld"))
	} else {
		line := fmt.Sprintf("held by %s, lease until %s",
			st.Lock.HolderRunID, st.Lock.LeaseExpiresAt.Local().Format(time.RFC822))
		if st.Lock.Expired(time.Now()) {
			line = warnStyle.Render(line + " (expired)")
		}
		fmt.Println(labelStyle.Render("Lock") + line)
	}

	if st.DeadLetters > 0 {
		fmt.Println(labelStyle.Render("Dead letters") + warnStyle.Render(fmt.Sprintf("%d", st.DeadLetters)))
	}
	return nil
}

func stageGlyph(s core.Stage) string {
	switch {
	case s == core.StageBrainUpdated:
		return "✓"
	case s == core.StageAborted, s == core.StageCompositionFailed:
		return "✗"
	default:
		return "…"
	}
}
