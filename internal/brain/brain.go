// Package brain persists the permanent record of published items: an
// append-only markdown file consulted to avoid repeats and updated exactly
// once per successful run.
package brain

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/renameio/v2"

	"github.com/lotfb86/NewLetterAgent/internal/core"
)

const header = "# Published Newsletter Stories\n\n"

// Store reads and appends the markdown permanent record. Appends are atomic
// (write-temp-then-rename) and guarded per run id: a second append for the
// same run is a no-op, the defense line beneath the ledger's exactly-once
// transition guarantee.
type Store struct {
	path      string
	guardPath string
	mu        sync.Mutex
}

// NewStore creates a store for the record file at path.
func NewStore(path string) *Store {
	return &Store{
		path:      path,
		guardPath: path + ".applied",
	}
}

// Path returns the record file path.
func (s *Store) Path() string {
	return s.path
}

// Append adds the run's items under an issue-date block.
func (s *Store) Append(ctx context.Context, runID core.RunID, issueDate string, items []core.PublishedItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	applied, err := s.appliedRuns()
	if err != nil {
		return err
	}
	if applied[string(runID)] {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("creating record directory: %w", err)
	}

	current, err := os.ReadFile(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading record file: %w", err)
	}
	content := string(current)
	if strings.TrimSpace(content) == "" {
		content = header
	}
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}

	var block strings.Builder
	block.WriteString(fmt.Sprintf("## %s\n", issueDate))
	for _, item := range items {
		block.WriteString(fmt.Sprintf("- %s | %s\n", item.Title, item.URL))
	}
	block.WriteString("\n")

	if err := renameio.WriteFile(s.path, []byte(content+block.String()), 0o640); err != nil {
		return fmt.Errorf("writing record file: %w", err)
	}
	return s.markApplied(applied, runID)
}

// List parses all published items from the record file.
func (s *Store) List(ctx context.Context) ([]core.PublishedItem, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading record file: %w", err)
	}

	var items []core.PublishedItem
	var currentDate string
	for _, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "## "):
			currentDate = strings.TrimSpace(strings.TrimPrefix(line, "## "))
		case strings.HasPrefix(line, "- ") && currentDate != "":
			payload := strings.TrimPrefix(line, "- ")
			title, url, ok := strings.Cut(payload, " | ")
			if !ok {
				continue
			}
			items = append(items, core.PublishedItem{
				IssueDate: currentDate,
				Title:     strings.TrimSpace(title),
				URL:       strings.TrimSpace(url),
			})
		}
	}
	return items, nil
}

func (s *Store) appliedRuns() (map[string]bool, error) {
	applied := make(map[string]bool)
	data, err := os.ReadFile(s.guardPath)
	if os.IsNotExist(err) {
		return applied, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading append guard: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if id := strings.TrimSpace(line); id != "" {
			applied[id] = true
		}
	}
	return applied, nil
}

func (s *Store) markApplied(applied map[string]bool, runID core.RunID) error {
	var b strings.Builder
	for id := range applied {
		b.WriteString(id)
		b.WriteString("\n")
	}
	b.WriteString(string(runID))
	b.WriteString("\n")
	if err := renameio.WriteFile(s.guardPath, []byte(b.String()), 0o640); err != nil {
		return fmt.Errorf("writing append guard: %w", err)
	}
	return nil
}

// Verify that Store implements core.PermanentRecord.
var _ core.PermanentRecord = (*Store)(nil)
