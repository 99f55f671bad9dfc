package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lotfb86/NewLetterAgent/internal/ledger"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()

	store, err := ledger.Open(filepath.Join(dir, "run_state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	_, err = store.CreateRun(context.Background(), "run-1")
	require.NoError(t, err)

	recordPath := filepath.Join(dir, "published_stories.md")
	outDir := filepath.Join(dir, "archive")
	return NewManager(store, recordPath, outDir), recordPath
}

func TestSnapshotWritesManifestWithChecksums(t *testing.T) {
	m, recordPath := newTestManager(t)
	require.NoError(t, os.WriteFile(recordPath, []byte("# Published Newsletter Stories\n"), 0o640))

	dir, err := m.Snapshot(context.Background(), "2026-03-06")
	require.NoError(t, err)

	manifest, err := ReadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-06", manifest.IssueDate)
	assert.Equal(t, "run_state.db", manifest.LedgerFile)
	assert.Equal(t, "published_stories.md", manifest.RecordFile)

	// Checksums must match the copied files, not the originals.
	ledgerCopy, err := os.ReadFile(filepath.Join(dir, manifest.LedgerFile))
	require.NoError(t, err)
	sum := sha256.Sum256(ledgerCopy)
	assert.Equal(t, hex.EncodeToString(sum[:]), manifest.LedgerSHA256)

	recordCopy, err := os.ReadFile(filepath.Join(dir, manifest.RecordFile))
	require.NoError(t, err)
	sum = sha256.Sum256(recordCopy)
	assert.Equal(t, hex.EncodeToString(sum[:]), manifest.RecordSHA256)

	copied, err := ledger.Open(filepath.Join(dir, manifest.LedgerFile))
	require.NoError(t, err)
	defer copied.Close()
	runs, err := copied.ListRuns(context.Background())
	require.NoError(t, err)
	assert.Len(t, runs, 1, "the snapshot carries the run rows")
}

func TestSnapshotWithoutRecordFile(t *testing.T) {
	m, _ := newTestManager(t)

	dir, err := m.Snapshot(context.Background(), "2026-03-06")
	require.NoError(t, err)

	manifest, err := ReadManifest(dir)
	require.NoError(t, err)
	assert.Empty(t, manifest.RecordFile, "a missing record file is not an error")
	assert.NotEmpty(t, manifest.LedgerSHA256)
}

func TestSnapshotRefusesExistingDirectory(t *testing.T) {
	m, _ := newTestManager(t)
	fixed := time.Date(2026, 3, 6, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return fixed })

	_, err := m.Snapshot(context.Background(), "2026-03-06")
	require.NoError(t, err)

	_, err = m.Snapshot(context.Background(), "2026-03-06")
	assert.ErrorContains(t, err, "already exists")
}
