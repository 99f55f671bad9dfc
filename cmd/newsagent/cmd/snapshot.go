package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lotfb86/NewLetterAgent/internal/backup"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Snapshot the ledger and permanent record",
	Long: `Write a date-stamped snapshot of the run ledger and the permanent record,
with a checksummed manifest. The same snapshot runs automatically after
every published issue.`,
	RunE: runSnapshot,
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
}

func runSnapshot(cmd *cobra.Command, _ []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()

	mgr := backup.NewManager(a.store, a.cfg.Record.FilePath, a.cfg.Backup.Dir)
	dir, err := mgr.Snapshot(cmd.Context(), time.Now().UTC().Format("2006-01-02"))
	if err != nil {
		return err
	}
	fmt.Printf("Snapshot written to %s\n", dir)
	return nil
}
