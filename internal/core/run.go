package core

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RunID uniquely identifies one collect→compose→approve→publish→record cycle.
type RunID string

// Stage is a named point in a run's fixed forward progression.
type Stage string

const (
	StageQueued           Stage = "queued"
	StageDraftReady       Stage = "draft_ready"
	StageSendRequested    Stage = "send_requested"
	StageRenderValidated  Stage = "render_validated"
	StageBroadcastCreated Stage = "broadcast_created"
	StageBroadcastSent    Stage = "broadcast_sent"
	StageBrainUpdated     Stage = "brain_updated"

	// Side states reachable from intermediate stages.
	StageCompositionFailed Stage = "composition_failed"
	StageAborted           Stage = "aborted"
)

// stageOrder is the happy-path sequence. Side states are not part of it.
var stageOrder = []Stage{
	StageQueued,
	StageDraftReady,
	StageSendRequested,
	StageRenderValidated,
	StageBroadcastCreated,
	StageBroadcastSent,
	StageBrainUpdated,
}

// StageIndex returns the position of s in the happy-path order, or -1 for
// side states.
func StageIndex(s Stage) int {
	for i, stage := range stageOrder {
		if stage == s {
			return i
		}
	}
	return -1
}

// NextStage returns the immediate successor of s in the happy-path order.
func NextStage(s Stage) (Stage, bool) {
	idx := StageIndex(s)
	if idx < 0 || idx >= len(stageOrder)-1 {
		return "", false
	}
	return stageOrder[idx+1], true
}

// IsTerminal reports whether a run in stage s can never advance again.
func (s Stage) IsTerminal() bool {
	return s == StageBrainUpdated || s == StageAborted
}

// IsValid reports whether s is a known stage name.
func (s Stage) IsValid() bool {
	if StageIndex(s) >= 0 {
		return true
	}
	return s == StageCompositionFailed || s == StageAborted
}

// DraftStatus is the lifecycle status of one draft revision.
type DraftStatus string

const (
	DraftPendingReview       DraftStatus = "pending_review"
	DraftApproved            DraftStatus = "approved"
	DraftSuperseded          DraftStatus = "superseded"
	DraftMaxRevisionsReached DraftStatus = "max_revisions_reached"
)

// RunRecord is one row of the run ledger. It is created on trigger acceptance
// and mutated only through the ledger's transition function; it is never
// deleted.
type RunRecord struct {
	RunID              RunID     `json:"run_id"`
	Stage              Stage     `json:"stage"`
	CollectorOutputRef string    `json:"collector_output_ref,omitempty"`
	DraftRef           string    `json:"draft_ref,omitempty"`
	BroadcastID        string    `json:"broadcast_id,omitempty"`
	LastError          string    `json:"last_error,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// DraftRecord is one revision of a run's composed document.
type DraftRecord struct {
	RunID      RunID       `json:"run_id"`
	Version    int         `json:"version"`
	Status     DraftStatus `json:"status"`
	ContentRef string      `json:"content_ref"`
	Subject    string      `json:"subject,omitempty"`
	Content    string      `json:"content,omitempty"`
	Rendered   string      `json:"rendered,omitempty"`
	PostedAt   time.Time   `json:"posted_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Age returns how long ago the draft was posted for review.
func (d *DraftRecord) Age(now time.Time) time.Duration {
	return now.Sub(d.PostedAt)
}

// LockState is the singleton run-lock row.
type LockState struct {
	HolderRunID    RunID     `json:"holder_run_id"`
	AcquiredAt     time.Time `json:"acquired_at"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

// Expired reports whether the lease has lapsed and the lock is reclaimable.
func (l *LockState) Expired(now time.Time) bool {
	return now.After(l.LeaseExpiresAt)
}

// DeadLetterRecord captures an unrecoverable failure with enough context to
// replay the run manually. Rows are append-only.
type DeadLetterRecord struct {
	ID             string    `json:"id"`
	RunID          RunID     `json:"run_id"`
	StageAtFailure Stage     `json:"stage_at_failure"`
	Payload        []byte    `json:"payload,omitempty"`
	ErrorSummary   string    `json:"error_summary"`
	CreatedAt      time.Time `json:"created_at"`
}

var runIDSanitizer = regexp.MustCompile(`[^a-z0-9_-]+`)

// NewRunID derives a run id from cycle identity: date stamp, sanitized
// trigger word, and a short random discriminator so same-second triggers
// never collide.
func NewRunID(trigger string, now time.Time) RunID {
	safe := runIDSanitizer.ReplaceAllString(strings.ToLower(trigger), "-")
	safe = strings.Trim(safe, "-")
	if safe == "" {
		safe = "run"
	}
	disc := uuid.NewString()[:8]
	return RunID(fmt.Sprintf("%s-%s-%s", now.UTC().Format("2006-01-02"), safe, disc))
}
