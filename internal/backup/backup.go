// Package backup produces point-in-time snapshots of the ledger database and
// the permanent-record file. Snapshots are date-stamped and refuse to
// overwrite, so repeated runs never collide silently.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"

	"github.com/lotfb86/NewLetterAgent/internal/core"
)

// LedgerSnapshotter is the slice of the ledger store the backup manager
// needs: a consistent database copy into a fresh file.
type LedgerSnapshotter interface {
	VacuumInto(ctx context.Context, path string) error
	Path() string
}

// Manifest describes one snapshot for later audit.
type Manifest struct {
	CreatedAt    time.Time `yaml:"created_at"`
	IssueDate    string    `yaml:"issue_date"`
	LedgerFile   string    `yaml:"ledger_file"`
	LedgerSHA256 string    `yaml:"ledger_sha256"`
	RecordFile   string    `yaml:"record_file,omitempty"`
	RecordSHA256 string    `yaml:"record_sha256,omitempty"`
}

// Manager writes snapshots under a target directory.
type Manager struct {
	ledger     LedgerSnapshotter
	recordPath string
	outDir     string
	now        func() time.Time
}

// NewManager creates a backup manager. recordPath may point at a file that
// does not exist yet; the snapshot then covers the ledger alone.
func NewManager(ledger LedgerSnapshotter, recordPath, outDir string) *Manager {
	return &Manager{
		ledger:     ledger,
		recordPath: recordPath,
		outDir:     outDir,
		now:        time.Now,
	}
}

// Snapshot copies the ledger and record into a date-stamped directory and
// writes a manifest. Returns the snapshot directory path.
func (m *Manager) Snapshot(ctx context.Context, issueDate string) (string, error) {
	stamp := m.now().UTC().Format("20060102T150405Z")
	dir := filepath.Join(m.outDir, fmt.Sprintf("snapshot_%s_%s", issueDate, stamp))
	if _, err := os.Stat(dir); err == nil {
		return "", fmt.Errorf("snapshot directory already exists: %s", dir)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating snapshot directory: %w", err)
	}

	manifest := Manifest{
		CreatedAt: m.now().UTC(),
		IssueDate: issueDate,
	}

	ledgerCopy := filepath.Join(dir, filepath.Base(m.ledger.Path()))
	if err := m.ledger.VacuumInto(ctx, ledgerCopy); err != nil {
		return "", err
	}
	manifest.LedgerFile = filepath.Base(ledgerCopy)
	sum, err := fileSHA256(ledgerCopy)
	if err != nil {
		return "", err
	}
	manifest.LedgerSHA256 = sum

	if data, err := os.ReadFile(m.recordPath); err == nil {
		recordCopy := filepath.Join(dir, filepath.Base(m.recordPath))
		if err := renameio.WriteFile(recordCopy, data, 0o640); err != nil {
			return "", fmt.Errorf("copying record file: %w", err)
		}
		manifest.RecordFile = filepath.Base(recordCopy)
		h := sha256.Sum256(data)
		manifest.RecordSHA256 = hex.EncodeToString(h[:])
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("reading record file: %w", err)
	}

	out, err := yaml.Marshal(&manifest)
	if err != nil {
		return "", fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(dir, "manifest.yaml"), out, 0o640); err != nil {
		return "", fmt.Errorf("writing manifest: %w", err)
	}
	return dir, nil
}

// ReadManifest loads a snapshot manifest for inspection.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, "manifest.yaml"))
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshaling manifest: %w", err)
	}
	return &m, nil
}

// SetClock overrides the time source. Test hook.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

func fileSHA256(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:]), nil
}

// Verify that Manager implements core.BackupManager.
var _ core.BackupManager = (*Manager)(nil)
