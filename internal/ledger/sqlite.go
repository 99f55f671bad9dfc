// Package ledger provides the durable SQLite-backed store for run records,
// draft revisions, the singleton run lock, and dead letters. All mutations
// are single transactional statements; stage transitions and lock claims use
// compare-and-set writes, never read-then-write races.
package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/lotfb86/NewLetterAgent/internal/core"
)

//go:embed migrations/001_initial_schema.sql
var migrationV1 string

// Store implements core.Ledger with SQLite storage.
type Store struct {
	dbPath string
	db     *sql.DB
}

// Open creates the ledger store, running pending migrations.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{dbPath: dbPath, db: db}
	if err := s.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		// Table doesn't exist yet, run initial migration
		version = 0
	}

	if version < 1 {
		if _, err := s.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	return nil
}

// CreateRun inserts a new run ledger row in StageQueued.
func (s *Store) CreateRun(ctx context.Context, runID core.RunID) (*core.RunRecord, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, stage, created_at, updated_at)
		VALUES (?, ?, ?, ?)
	`, runID, core.StageQueued, now, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "PRIMARY") {
			return nil, &core.DomainError{
				Category: core.ErrCatState,
				Code:     core.CodeRunExists,
				Message:  fmt.Sprintf("run already exists: %s", runID),
				Cause:    err,
			}
		}
		return nil, fmt.Errorf("inserting run: %w", err)
	}
	return s.GetRun(ctx, runID)
}

// GetRun returns the run record for runID.
func (s *Store) GetRun(ctx context.Context, runID core.RunID) (*core.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, stage, collector_output_ref, draft_ref, broadcast_id,
		       last_error, created_at, updated_at
		FROM runs WHERE run_id = ?
	`, runID)

	rec, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound("run", string(runID))
	}
	if err != nil {
		return nil, fmt.Errorf("loading run: %w", err)
	}
	return rec, nil
}

// ListRuns returns all run records ordered by creation time.
func (s *Store) ListRuns(ctx context.Context) ([]*core.RunRecord, error) {
	return s.queryRuns(ctx, `
		SELECT run_id, stage, collector_output_ref, draft_ref, broadcast_id,
		       last_error, created_at, updated_at
		FROM runs ORDER BY created_at ASC
	`)
}

// ListIncompleteRuns returns runs that have not reached a terminal stage.
func (s *Store) ListIncompleteRuns(ctx context.Context) ([]*core.RunRecord, error) {
	return s.queryRuns(ctx, `
		SELECT run_id, stage, collector_output_ref, draft_ref, broadcast_id,
		       last_error, created_at, updated_at
		FROM runs WHERE stage NOT IN (?, ?) ORDER BY created_at ASC
	`, core.StageBrainUpdated, core.StageAborted)
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]*core.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var records []*core.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return records, nil
}

// Advance moves a run to target with a compare-and-set on the current stage.
//
// Target must be the immediate successor of the run's current stage in the
// fixed order; anything else is INVALID_TRANSITION. A target the run already
// reached or passed returns ALREADY_ADVANCED without touching updated_at, so
// retried advance calls are safe.
func (s *Store) Advance(ctx context.Context, runID core.RunID, target core.Stage, evidence core.Evidence) (*core.RunRecord, error) {
	current, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	curIdx, tgtIdx := core.StageIndex(current.Stage), core.StageIndex(target)
	if tgtIdx < 0 || curIdx < 0 {
		return nil, core.ErrInvalidTransition(runID, current.Stage, target)
	}
	if curIdx >= tgtIdx {
		return current, core.ErrAlreadyAdvanced(runID, current.Stage, target)
	}
	if tgtIdx != curIdx+1 {
		return nil, core.ErrInvalidTransition(runID, current.Stage, target)
	}

	// CAS on the stage column: the write lands only if nothing moved the run
	// since we loaded it.
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			stage = ?,
			collector_output_ref = COALESCE(NULLIF(?, ''), collector_output_ref),
			draft_ref = COALESCE(NULLIF(?, ''), draft_ref),
			broadcast_id = COALESCE(NULLIF(?, ''), broadcast_id),
			last_error = NULL,
			updated_at = ?
		WHERE run_id = ? AND stage = ?
	`, target, evidence.CollectorOutputRef, evidence.DraftRef, evidence.BroadcastID,
		time.Now().UTC(), runID, current.Stage)
	if err != nil {
		return nil, fmt.Errorf("advancing run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("advancing run: %w", err)
	}
	if n == 0 {
		// Lost the race; re-read to classify.
		latest, err := s.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if core.StageIndex(latest.Stage) >= tgtIdx {
			return latest, core.ErrAlreadyAdvanced(runID, latest.Stage, target)
		}
		return nil, core.ErrInvalidTransition(runID, latest.Stage, target)
	}

	return s.GetRun(ctx, runID)
}

// MarkFailed moves a non-terminal run into a side state (aborted or
// composition_failed) recording the failure detail.
func (s *Store) MarkFailed(ctx context.Context, runID core.RunID, side core.Stage, detail string) (*core.RunRecord, error) {
	if side != core.StageAborted && side != core.StageCompositionFailed {
		return nil, core.ErrInvalidTransition(runID, "", side)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET stage = ?, last_error = ?, updated_at = ?
		WHERE run_id = ? AND stage NOT IN (?, ?)
	`, side, detail, time.Now().UTC(), runID, core.StageBrainUpdated, core.StageAborted)
	if err != nil {
		return nil, fmt.Errorf("marking run failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("marking run failed: %w", err)
	}
	if n == 0 {
		rec, err := s.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		return nil, core.ErrInvalidTransition(runID, rec.Stage, side)
	}
	return s.GetRun(ctx, runID)
}

// Requeue moves a composition_failed run back to queued so replay can
// re-enter composition. Any other source stage is rejected.
func (s *Store) Requeue(ctx context.Context, runID core.RunID) (*core.RunRecord, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET stage = ?, last_error = NULL, updated_at = ?
		WHERE run_id = ? AND stage = ?
	`, core.StageQueued, time.Now().UTC(), runID, core.StageCompositionFailed)
	if err != nil {
		return nil, fmt.Errorf("requeueing run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("requeueing run: %w", err)
	}
	if n == 0 {
		rec, err := s.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if rec.Stage == core.StageQueued {
			return rec, nil
		}
		return nil, core.ErrInvalidTransition(runID, rec.Stage, core.StageQueued)
	}
	return s.GetRun(ctx, runID)
}

// SetRunError persists the latest error detail without changing stage.
func (s *Store) SetRunError(ctx context.Context, runID core.RunID, detail string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET last_error = ?, updated_at = ? WHERE run_id = ?
	`, detail, time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("setting run error: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return core.ErrNotFound("run", string(runID))
	}
	return nil
}

// SetEvidence patches artifact references without changing stage.
func (s *Store) SetEvidence(ctx context.Context, runID core.RunID, evidence core.Evidence) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			collector_output_ref = COALESCE(NULLIF(?, ''), collector_output_ref),
			draft_ref = COALESCE(NULLIF(?, ''), draft_ref),
			broadcast_id = COALESCE(NULLIF(?, ''), broadcast_id),
			updated_at = ?
		WHERE run_id = ?
	`, evidence.CollectorOutputRef, evidence.DraftRef, evidence.BroadcastID,
		time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("setting evidence: %w", err)
	}
	return nil
}

// SaveDraft upserts a draft revision row. Inserting a new version supersedes
// any prior pending or approved revision of the same run in the same
// transaction, preserving the at-most-one-active-draft invariant.
func (s *Store) SaveDraft(ctx context.Context, draft *core.DraftRecord) error {
	if draft.Version < 1 {
		return core.ErrValidation("draft version must be >= 1")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE drafts SET status = ?, updated_at = ?
		WHERE run_id = ? AND version != ? AND status IN (?, ?)
	`, core.DraftSuperseded, now, draft.RunID, draft.Version,
		core.DraftPendingReview, core.DraftApproved)
	if err != nil {
		return fmt.Errorf("superseding prior drafts: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO drafts (run_id, version, status, content_ref, subject, content, rendered, posted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, version) DO UPDATE SET
			status = excluded.status,
			content_ref = excluded.content_ref,
			subject = excluded.subject,
			content = excluded.content,
			rendered = excluded.rendered,
			posted_at = excluded.posted_at,
			updated_at = excluded.updated_at
	`, draft.RunID, draft.Version, draft.Status, draft.ContentRef,
		draft.Subject, draft.Content, draft.Rendered, draft.PostedAt.UTC(), now)
	if err != nil {
		return fmt.Errorf("upserting draft: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ActiveDraft returns the single pending_review/approved draft of a run, or
// nil when none exists.
func (s *Store) ActiveDraft(ctx context.Context, runID core.RunID) (*core.DraftRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, version, status, content_ref, subject, content, rendered, posted_at, updated_at
		FROM drafts
		WHERE run_id = ? AND status IN (?, ?, ?)
		ORDER BY version DESC LIMIT 1
	`, runID, core.DraftPendingReview, core.DraftApproved, core.DraftMaxRevisionsReached)

	rec, err := scanDraft(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading active draft: %w", err)
	}
	return rec, nil
}

// ListDrafts returns all revisions for a run ordered by version.
func (s *Store) ListDrafts(ctx context.Context, runID core.RunID) ([]*core.DraftRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, version, status, content_ref, subject, content, rendered, posted_at, updated_at
		FROM drafts WHERE run_id = ? ORDER BY version ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying drafts: %w", err)
	}
	defer rows.Close()

	var records []*core.DraftRecord
	for rows.Next() {
		rec, err := scanDraft(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning draft: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating drafts: %w", err)
	}
	return records, nil
}

// AcquireLock atomically claims the singleton lock for runID.
//
// The claim is one conditional upsert: it lands only when no holder exists or
// the current lease has expired. No read-then-write window.
func (s *Store) AcquireLock(ctx context.Context, runID core.RunID, lease time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO run_lock (id, holder_run_id, acquired_at, lease_expires_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			holder_run_id = excluded.holder_run_id,
			acquired_at = excluded.acquired_at,
			lease_expires_at = excluded.lease_expires_at
		WHERE run_lock.holder_run_id IS NULL OR run_lock.lease_expires_at <= ?
	`, runID, now, now.Add(lease), now)
	if err != nil {
		return fmt.Errorf("acquiring run lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("acquiring run lock: %w", err)
	}
	if n == 0 {
		state, stateErr := s.LockState(ctx)
		if stateErr == nil && state != nil {
			return core.ErrLockHeld(state.HolderRunID)
		}
		return core.ErrLockHeld("unknown")
	}
	return nil
}

// RenewLock extends the lease for the current holder.
func (s *Store) RenewLock(ctx context.Context, runID core.RunID, lease time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE run_lock SET lease_expires_at = ? WHERE id = 1 AND holder_run_id = ?
	`, now.Add(lease), runID)
	if err != nil {
		return fmt.Errorf("renewing run lock: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return core.ErrNotHolder(runID)
	}
	return nil
}

// ReleaseLock drops the lock. Releasing when not the holder fails loudly.
func (s *Store) ReleaseLock(ctx context.Context, runID core.RunID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE run_lock
		SET holder_run_id = NULL, acquired_at = NULL, lease_expires_at = NULL
		WHERE id = 1 AND holder_run_id = ?
	`, runID)
	if err != nil {
		return fmt.Errorf("releasing run lock: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return core.ErrNotHolder(runID)
	}
	return nil
}

// LockState returns the current lock row, or nil when unheld.
func (s *Store) LockState(ctx context.Context) (*core.LockState, error) {
	var holder sql.NullString
	var acquiredAt, expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT holder_run_id, acquired_at, lease_expires_at FROM run_lock WHERE id = 1
	`).Scan(&holder, &acquiredAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading lock state: %w", err)
	}
	if !holder.Valid {
		return nil, nil
	}

	state := &core.LockState{HolderRunID: core.RunID(holder.String)}
	if acquiredAt.Valid {
		state.AcquiredAt = acquiredAt.Time
	}
	if expiresAt.Valid {
		state.LeaseExpiresAt = expiresAt.Time
	}
	return state, nil
}

// RecordDeadLetter appends an unrecoverable failure. Never overwrites.
func (s *Store) RecordDeadLetter(ctx context.Context, rec *core.DeadLetterRecord) (string, error) {
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, run_id, stage_at_failure, payload, error_summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, rec.RunID, rec.StageAtFailure, rec.Payload, rec.ErrorSummary, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("recording dead letter: %w", err)
	}
	return id, nil
}

// ListDeadLetters returns dead letters, newest first.
func (s *Store) ListDeadLetters(ctx context.Context) ([]*core.DeadLetterRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, stage_at_failure, payload, error_summary, created_at
		FROM dead_letters ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying dead letters: %w", err)
	}
	defer rows.Close()

	var records []*core.DeadLetterRecord
	for rows.Next() {
		rec, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning dead letter: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating dead letters: %w", err)
	}
	return records, nil
}

// DeadLetterForRun returns the most recent dead letter for a run.
func (s *Store) DeadLetterForRun(ctx context.Context, runID core.RunID) (*core.DeadLetterRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, stage_at_failure, payload, error_summary, created_at
		FROM dead_letters WHERE run_id = ? ORDER BY created_at DESC LIMIT 1
	`, runID)
	rec, err := scanDeadLetter(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound("dead letter", string(runID))
	}
	if err != nil {
		return nil, fmt.Errorf("loading dead letter: %w", err)
	}
	return rec, nil
}

// VacuumInto writes a consistent point-in-time copy of the database to path.
// Fails if path already exists, so snapshots never overwrite silently.
func (s *Store) VacuumInto(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("snapshot target already exists: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", path)); err != nil {
		return fmt.Errorf("vacuuming into snapshot: %w", err)
	}
	return nil
}

// =============================================================================
// Row scanning
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*core.RunRecord, error) {
	var rec core.RunRecord
	var collectorRef, draftRef, broadcastID, lastError sql.NullString

	err := row.Scan(&rec.RunID, &rec.Stage, &collectorRef, &draftRef,
		&broadcastID, &lastError, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if collectorRef.Valid {
		rec.CollectorOutputRef = collectorRef.String
	}
	if draftRef.Valid {
		rec.DraftRef = draftRef.String
	}
	if broadcastID.Valid {
		rec.BroadcastID = broadcastID.String
	}
	if lastError.Valid {
		rec.LastError = lastError.String
	}
	return &rec, nil
}

func scanDraft(row rowScanner) (*core.DraftRecord, error) {
	var rec core.DraftRecord
	var contentRef, subject, content, rendered sql.NullString

	err := row.Scan(&rec.RunID, &rec.Version, &rec.Status, &contentRef,
		&subject, &content, &rendered, &rec.PostedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if contentRef.Valid {
		rec.ContentRef = contentRef.String
	}
	if subject.Valid {
		rec.Subject = subject.String
	}
	if content.Valid {
		rec.Content = content.String
	}
	if rendered.Valid {
		rec.Rendered = rendered.String
	}
	return &rec, nil
}

func scanDeadLetter(row rowScanner) (*core.DeadLetterRecord, error) {
	var rec core.DeadLetterRecord
	var payload []byte

	err := row.Scan(&rec.ID, &rec.RunID, &rec.StageAtFailure, &payload,
		&rec.ErrorSummary, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	rec.Payload = payload
	return &rec, nil
}

// Verify that Store implements core.Ledger.
var _ core.Ledger = (*Store)(nil)
