// Package draft tracks revision versions of a run's in-progress document and
// enforces the revision cap and staleness window.
package draft

import (
	"context"
	"time"

	"github.com/lotfb86/NewLetterAgent/internal/core"
)

// Manager guards the draft lifecycle of a run. The cap limits redraft count,
// not approval: the capped revision can still be approved.
type Manager struct {
	ledger      core.Ledger
	revisionCap int
	staleAfter  time.Duration
	now         func() time.Time
}

// NewManager creates a draft manager. revisionCap is the number of feedback
// revisions allowed after the initial version; staleAfter is the maximum
// draft age at approval time, measured from posted_at.
func NewManager(ledger core.Ledger, revisionCap int, staleAfter time.Duration) *Manager {
	return &Manager{
		ledger:      ledger,
		revisionCap: revisionCap,
		staleAfter:  staleAfter,
		now:         time.Now,
	}
}

// Current returns the run's live draft, or nil.
func (m *Manager) Current(ctx context.Context, runID core.RunID) (*core.DraftRecord, error) {
	return m.ledger.ActiveDraft(ctx, runID)
}

// CreateInitial persists version 1 of a run's draft as pending_review.
func (m *Manager) CreateInitial(ctx context.Context, runID core.RunID, d *core.Draft, ref core.MessageRef) (*core.DraftRecord, error) {
	rec := &core.DraftRecord{
		RunID:      runID,
		Version:    1,
		Status:     core.DraftPendingReview,
		ContentRef: string(ref),
		Subject:    d.Subject,
		Content:    d.Content,
		Rendered:   d.Rendered,
		PostedAt:   m.now().UTC(),
	}
	if err := m.ledger.SaveDraft(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// CanRevise reports whether the run's live draft may take another feedback
// revision. Hitting the cap marks the live draft max_revisions_reached and
// returns CAP_EXCEEDED, so the rejection happens before composition starts.
func (m *Manager) CanRevise(ctx context.Context, runID core.RunID) error {
	current, err := m.ledger.ActiveDraft(ctx, runID)
	if err != nil {
		return err
	}
	if current == nil {
		return &core.DomainError{
			Category: core.ErrCatState,
			Code:     core.CodeNoActiveDraft,
			Message:  "no active draft for run " + string(runID),
		}
	}
	if current.Status != core.DraftPendingReview {
		return &core.DomainError{
			Category: core.ErrCatState,
			Code:     core.CodeWrongStage,
			Message:  "cannot revise a draft in status " + string(current.Status),
		}
	}
	if current.Version-1 >= m.revisionCap {
		current.Status = core.DraftMaxRevisionsReached
		if err := m.ledger.SaveDraft(ctx, current); err != nil {
			return err
		}
		return core.ErrCapExceeded(runID, m.revisionCap)
	}
	return nil
}

// CreateRevision persists the next version, superseding the current one.
//
// Versions are strictly increasing from 1. Once revisionCap revisions beyond
// the initial version have been accepted, the next submission is rejected
// with CAP_EXCEEDED and the live draft is marked max_revisions_reached.
func (m *Manager) CreateRevision(ctx context.Context, runID core.RunID, d *core.Draft, ref core.MessageRef) (*core.DraftRecord, error) {
	current, err := m.ledger.ActiveDraft(ctx, runID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, &core.DomainError{
			Category: core.ErrCatState,
			Code:     core.CodeNoActiveDraft,
			Message:  "no active draft for run " + string(runID),
		}
	}
	if current.Status != core.DraftPendingReview {
		return nil, &core.DomainError{
			Category: core.ErrCatState,
			Code:     core.CodeWrongStage,
			Message:  "cannot revise a draft in status " + string(current.Status),
		}
	}

	if current.Version-1 >= m.revisionCap {
		current.Status = core.DraftMaxRevisionsReached
		if err := m.ledger.SaveDraft(ctx, current); err != nil {
			return nil, err
		}
		return nil, core.ErrCapExceeded(runID, m.revisionCap)
	}

	rec := &core.DraftRecord{
		RunID:      runID,
		Version:    current.Version + 1,
		Status:     core.DraftPendingReview,
		ContentRef: string(ref),
		Subject:    d.Subject,
		Content:    d.Content,
		Rendered:   d.Rendered,
		PostedAt:   m.now().UTC(),
	}
	if err := m.ledger.SaveDraft(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Approve marks the live draft approved after checking staleness.
func (m *Manager) Approve(ctx context.Context, runID core.RunID) (*core.DraftRecord, error) {
	current, err := m.ledger.ActiveDraft(ctx, runID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, &core.DomainError{
			Category: core.ErrCatState,
			Code:     core.CodeNoActiveDraft,
			Message:  "no active draft for run " + string(runID),
		}
	}
	if current.Status == core.DraftApproved {
		return current, nil
	}

	if age := current.Age(m.now()); age > m.staleAfter {
		return nil, core.ErrStaleDraft(runID, age.Truncate(time.Minute).String(), m.staleAfter.String())
	}

	current.Status = core.DraftApproved
	if err := m.ledger.SaveDraft(ctx, current); err != nil {
		return nil, err
	}
	return current, nil
}

// SetClock overrides the time source. Test hook.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}
