package core

import (
	"context"
	"time"
)

// =============================================================================
// Ledger port
// =============================================================================

// Ledger is the durable, transactional store for run records, draft records,
// the singleton run lock, and dead letters. It is the only shared mutable
// resource in the system; every method is a single transactional operation.
type Ledger interface {
	// CreateRun inserts a new run ledger row in StageQueued.
	CreateRun(ctx context.Context, runID RunID) (*RunRecord, error)

	// GetRun returns the run record, or a RUN_NOT_FOUND error.
	GetRun(ctx context.Context, runID RunID) (*RunRecord, error)

	// ListRuns returns all run records ordered by creation time.
	ListRuns(ctx context.Context) ([]*RunRecord, error)

	// ListIncompleteRuns returns runs that have not reached a terminal stage.
	ListIncompleteRuns(ctx context.Context) ([]*RunRecord, error)

	// Advance moves a run to target with a compare-and-set on the current
	// stage. Returns ALREADY_ADVANCED when the run already reached or passed
	// target (callers treat that as success) and INVALID_TRANSITION when
	// target is not the immediate successor of the current stage.
	Advance(ctx context.Context, runID RunID, target Stage, evidence Evidence) (*RunRecord, error)

	// MarkFailed moves a non-terminal run into a side state (aborted or
	// composition_failed) recording the failure detail.
	MarkFailed(ctx context.Context, runID RunID, side Stage, detail string) (*RunRecord, error)

	// Requeue moves a composition_failed run back to queued. Privileged
	// transition used only by replay; any other source stage is rejected.
	Requeue(ctx context.Context, runID RunID) (*RunRecord, error)

	// SetRunError persists the latest error detail without changing stage.
	SetRunError(ctx context.Context, runID RunID, detail string) error

	// SetEvidence patches artifact references without changing stage.
	SetEvidence(ctx context.Context, runID RunID, evidence Evidence) error

	// SaveDraft upserts a draft revision row for (run_id, version).
	SaveDraft(ctx context.Context, draft *DraftRecord) error

	// ActiveDraft returns the run's live draft: the single pending_review or
	// approved revision, or the capped revision awaiting approval. Nil when
	// none exists.
	ActiveDraft(ctx context.Context, runID RunID) (*DraftRecord, error)

	// ListDrafts returns all revisions for a run ordered by version.
	ListDrafts(ctx context.Context, runID RunID) ([]*DraftRecord, error)

	// AcquireLock atomically claims the singleton lock for runID with the
	// given lease. Fails with LOCK_HELD while a non-expired lease exists.
	AcquireLock(ctx context.Context, runID RunID, lease time.Duration) error

	// RenewLock extends the lease; fails with NOT_HOLDER if runID does not
	// currently hold the lock.
	RenewLock(ctx context.Context, runID RunID, lease time.Duration) error

	// ReleaseLock drops the lock; fails loudly with NOT_HOLDER when runID is
	// not the current holder.
	ReleaseLock(ctx context.Context, runID RunID) error

	// LockState returns the current lock row, or nil when unheld.
	LockState(ctx context.Context) (*LockState, error)

	// RecordDeadLetter appends an unrecoverable failure. Never overwrites.
	RecordDeadLetter(ctx context.Context, rec *DeadLetterRecord) (string, error)

	// ListDeadLetters returns dead letters, newest first.
	ListDeadLetters(ctx context.Context) ([]*DeadLetterRecord, error)

	// DeadLetterForRun returns the most recent dead letter for a run.
	DeadLetterForRun(ctx context.Context, runID RunID) (*DeadLetterRecord, error)
}

// Evidence carries references persisted alongside a stage transition.
type Evidence struct {
	CollectorOutputRef string
	DraftRef           string
	BroadcastID        string
}

// =============================================================================
// Collaborator ports
// =============================================================================

// Bundle is the Collector's output: the raw material for one issue. The core
// treats it as opaque apart from its reference.
type Bundle struct {
	Ref       string
	Items     []BundleItem
	WindowEnd time.Time
}

// BundleItem is a single collected input item.
type BundleItem struct {
	Title string
	URL   string
	Body  string
}

// Draft is the Composer's output document.
type Draft struct {
	Subject  string
	Content  string // canonical markdown
	Rendered string // rendered artifact handed to the Publisher
}

// Collector gathers and deduplicates inputs for a collection window.
// Implementations own their retry budget; a returned error is terminal.
type Collector interface {
	Collect(ctx context.Context, from, to time.Time, published []PublishedItem) (*Bundle, error)
}

// Composer produces a document from a bundle and revises it under operator
// feedback. A returned error means the composer exhausted its retries and the
// failure must be dead-lettered, not retried by the core.
type Composer interface {
	Compose(ctx context.Context, bundle *Bundle) (*Draft, error)
	Revise(ctx context.Context, prior *Draft, feedback string) (*Draft, error)
}

// MessageRef identifies a posted review message in the chat platform.
type MessageRef string

// Notifier posts drafts and status lines to the review channel. Delivery
// mechanics are external to the core.
type Notifier interface {
	PostDraft(ctx context.Context, draft *Draft, version int) (MessageRef, error)
	PostStatus(ctx context.Context, runID RunID, stage Stage, detail string) error
}

// BroadcastID identifies a created broadcast at the publishing service.
type BroadcastID string

// Publisher creates and sends the outbound broadcast. Both operations must be
// idempotent per run id: a repeated Publish returns the same broadcast and a
// repeated Send is a no-op at the service.
type Publisher interface {
	Publish(ctx context.Context, runID RunID, rendered, subject string) (BroadcastID, error)
	Send(ctx context.Context, runID RunID, id BroadcastID) error
}

// PublishedItem is one entry of the permanent record.
type PublishedItem struct {
	IssueDate string
	Title     string
	URL       string
}

// PermanentRecord is the append-only store of published items. Append must
// guard against double-append for the same run id as a second line of
// defense beneath the ledger's exactly-once guarantee.
type PermanentRecord interface {
	Append(ctx context.Context, runID RunID, issueDate string, items []PublishedItem) error
	List(ctx context.Context) ([]PublishedItem, error)
}

// BackupManager snapshots durable state after a successful terminal
// transition. Snapshots are date-stamped and never overwrite silently.
type BackupManager interface {
	Snapshot(ctx context.Context, issueDate string) (string, error)
}
