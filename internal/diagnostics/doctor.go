// Package diagnostics inspects the host and durable state for conditions
// that would make a run fail midway.
package diagnostics

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/lotfb86/NewLetterAgent/internal/config"
	"github.com/lotfb86/NewLetterAgent/internal/core"
)

// CheckStatus is the outcome of one doctor check.
type CheckStatus string

const (
	StatusOK   CheckStatus = "ok"
	StatusWarn CheckStatus = "warn"
	StatusFail CheckStatus = "fail"
)

// CheckResult is one line of the doctor report.
type CheckResult struct {
	Name   string      `json:"name"`
	Status CheckStatus `json:"status"`
	Detail string      `json:"detail"`
}

// Doctor runs environment and state checks.
type Doctor struct {
	cfg    *config.Config
	ledger core.Ledger
	now    func() time.Time
}

// NewDoctor creates a doctor. The ledger may be nil when the database cannot
// be opened; the corresponding check then reports the open failure.
func NewDoctor(cfg *config.Config, ledger core.Ledger) *Doctor {
	return &Doctor{cfg: cfg, ledger: ledger, now: time.Now}
}

// MinFreeDiskBytes is the threshold below which collection and snapshots are
// likely to fail.
const MinFreeDiskBytes = 500 * 1024 * 1024

// Run executes all checks and returns the report.
func (d *Doctor) Run(ctx context.Context) []CheckResult {
	checks := []func(context.Context) CheckResult{
		d.checkLedger,
		d.checkLease,
		d.checkRecordFile,
		d.checkBackupDir,
		d.checkDisk,
		d.checkMemory,
		d.checkAgents,
	}

	results := make([]CheckResult, 0, len(checks))
	for _, check := range checks {
		results = append(results, check(ctx))
	}
	return results
}

// Healthy reports whether no check failed.
func Healthy(results []CheckResult) bool {
	for _, r := range results {
		if r.Status == StatusFail {
			return false
		}
	}
	return true
}

func (d *Doctor) checkLedger(ctx context.Context) CheckResult {
	if d.ledger == nil {
		return CheckResult{"ledger", StatusFail, "database could not be opened: " + d.cfg.Ledger.DBPath}
	}
	if _, err := d.ledger.ListIncompleteRuns(ctx); err != nil {
		return CheckResult{"ledger", StatusFail, "query failed: " + err.Error()}
	}
	return CheckResult{"ledger", StatusOK, d.cfg.Ledger.DBPath}
}

// checkLease flags a lock whose lease lapsed while its run is still
// non-terminal: the next trigger will reclaim it and abort that run.
func (d *Doctor) checkLease(ctx context.Context) CheckResult {
	if d.ledger == nil {
		return CheckResult{"run-lock", StatusWarn, "skipped, ledger unavailable"}
	}
	st, err := d.ledger.LockState(ctx)
	if err != nil {
		return CheckResult{"run-lock", StatusFail, err.Error()}
	}
	if st == nil {
		return CheckResult{"run-lock", StatusOK, "unheld"}
	}
	if st.Expired(d.now()) {
		return CheckResult{"run-lock", StatusWarn,
			fmt.Sprintf("lease for %s expired at %s; next trigger reclaims it", st.HolderRunID, st.LeaseExpiresAt)}
	}
	return CheckResult{"run-lock", StatusOK, "held by " + string(st.HolderRunID)}
}

func (d *Doctor) checkRecordFile(context.Context) CheckResult {
	path := d.cfg.Record.FilePath
	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		return CheckResult{"record", StatusOK, path + " (will be created on first publish)"}
	case err != nil:
		return CheckResult{"record", StatusFail, err.Error()}
	case info.IsDir():
		return CheckResult{"record", StatusFail, path + " is a directory"}
	}
	return CheckResult{"record", StatusOK, fmt.Sprintf("%s (%d bytes)", path, info.Size())}
}

func (d *Doctor) checkBackupDir(context.Context) CheckResult {
	dir := d.cfg.Backup.Dir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return CheckResult{"backups", StatusFail, err.Error()}
	}
	return CheckResult{"backups", StatusOK, dir}
}

func (d *Doctor) checkDisk(context.Context) CheckResult {
	dir := filepath.Dir(d.cfg.Ledger.DBPath)
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	usage, err := disk.Usage(dir)
	if err != nil {
		return CheckResult{"disk", StatusWarn, "usage unavailable: " + err.Error()}
	}
	if usage.Free < MinFreeDiskBytes {
		return CheckResult{"disk", StatusFail,
			fmt.Sprintf("%d MiB free on %s", usage.Free/1024/1024, dir)}
	}
	return CheckResult{"disk", StatusOK,
		fmt.Sprintf("%d MiB free (%.0f%% used)", usage.Free/1024/1024, usage.UsedPercent)}
}

func (d *Doctor) checkMemory(context.Context) CheckResult {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return CheckResult{"memory", StatusWarn, "stats unavailable: " + err.Error()}
	}
	if vm.UsedPercent > 95 {
		return CheckResult{"memory", StatusWarn,
			fmt.Sprintf("%.0f%% used, agent commands may be killed", vm.UsedPercent)}
	}
	return CheckResult{"memory", StatusOK, fmt.Sprintf("%.0f%% used", vm.UsedPercent)}
}

func (d *Doctor) checkAgents(context.Context) CheckResult {
	var missing []string
	for name, agent := range map[string]config.AgentConfig{
		"collector": d.cfg.Agents.Collector,
		"composer":  d.cfg.Agents.Composer,
	} {
		if agent.Command == "" {
			missing = append(missing, name+" (unconfigured)")
			continue
		}
		if _, err := exec.LookPath(agent.Command); err != nil {
			missing = append(missing, fmt.Sprintf("%s (%s not on PATH)", name, agent.Command))
		}
	}
	if len(missing) > 0 {
		return CheckResult{"agents", StatusFail, strings.Join(missing, ", ")}
	}
	return CheckResult{"agents", StatusOK, "collector and composer commands resolvable"}
}
