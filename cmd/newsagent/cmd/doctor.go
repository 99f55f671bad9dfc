package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/lotfb86/NewLetterAgent/internal/core"
	"github.com/lotfb86/NewLetterAgent/internal/diagnostics"
	"github.com/lotfb86/NewLetterAgent/internal/ledger"
	"github.com/lotfb86/NewLetterAgent/internal/logging"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the environment and durable state",
	Long: `Run environment checks: ledger reachability, a lapsed lock lease, record
file health, backup directory, disk space, memory pressure, and agent
command resolution.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

var (
	okGlyph   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Render("✓")
	warnGlyph = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Render("!")
	failGlyph = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Render("✗")
)

func runDoctor(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: os.Stderr})

	// The doctor keeps going when the ledger cannot be opened; the report
	// carries the failure.
	var store core.Ledger
	if s, err := ledger.Open(cfg.Ledger.DBPath); err == nil {
		store = s
		defer s.Close()
	} else {
		log.Debug("ledger open failed", "error", err)
	}

	results := diagnostics.NewDoctor(cfg, store).Run(cmd.Context())
	for _, r := range results {
		glyph := okGlyph
		switch r.Status {
		case diagnostics.StatusWarn:
			glyph = warnGlyph
		case diagnostics.StatusFail:
			glyph = failGlyph
		}
		fmt.Printf("%s %-10s %s\n", glyph, r.Name, r.Detail)
	}

	if !diagnostics.Healthy(results) {
		return fmt.Errorf("doctor found failing checks")
	}
	return nil
}
