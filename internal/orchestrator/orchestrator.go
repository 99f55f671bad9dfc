// Package orchestrator drives one newsletter run end-to-end: it owns the
// singleton run lock, sequences the durable stage progression, invokes the
// collaborators, and reconciles interrupted runs at startup.
//
// Ordering discipline: for stages with an irreversible external effect the
// stage is persisted first and the effect runs second. Effects are idempotent
// per run id, so a crash between the two is healed by re-attempting the
// current stage's effect on resume.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lotfb86/NewLetterAgent/internal/config"
	"github.com/lotfb86/NewLetterAgent/internal/core"
	"github.com/lotfb86/NewLetterAgent/internal/draft"
	"github.com/lotfb86/NewLetterAgent/internal/logging"
)

// Deps bundles the orchestrator's collaborators and stores.
type Deps struct {
	Ledger    core.Ledger
	Drafts    *draft.Manager
	Collector core.Collector
	Composer  core.Composer
	Notifier  core.Notifier
	Publisher core.Publisher
	Record    core.PermanentRecord
	Backups   core.BackupManager
}

// Orchestrator is the single writer of run state. One instance per process;
// cross-process exclusion comes from the ledger's run lock.
type Orchestrator struct {
	deps Deps
	cfg  config.RunConfig
	log  *logging.Logger
	now  func() time.Time
}

// Outcome reports the result of an accepted operator command.
type Outcome struct {
	RunID        core.RunID `json:"run_id"`
	Stage        core.Stage `json:"stage"`
	DraftVersion int        `json:"draft_version,omitempty"`
	BroadcastID  string     `json:"broadcast_id,omitempty"`
	Note         string     `json:"note,omitempty"`
}

// New creates an orchestrator.
func New(deps Deps, cfg config.RunConfig, log *logging.Logger) *Orchestrator {
	return &Orchestrator{
		deps: deps,
		cfg:  cfg,
		log:  log,
		now:  time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
	o.deps.Drafts.SetClock(now)
}

// =============================================================================
// Operator commands
// =============================================================================

// Trigger starts a new run: it claims the run lock, creates the ledger row,
// collects inputs, composes the first draft, and posts it for review. The run
// then suspends at draft_ready until an approval or feedback arrives.
//
// Rejected with LOCK_HELD while another run holds a live lease. An expired
// lease is reclaimed: the orphaned holder is routed to aborted with a warning
// before the new run proceeds.
func (o *Orchestrator) Trigger(ctx context.Context, trigger string) (*Outcome, error) {
	runID := core.NewRunID(trigger, o.now())
	log := o.log.WithRun(string(runID))

	if err := o.claimLock(ctx, runID); err != nil {
		return nil, err
	}

	if _, err := o.deps.Ledger.CreateRun(ctx, runID); err != nil {
		o.releaseQuietly(ctx, runID)
		return nil, err
	}
	log.Info("run created", "trigger", trigger)
	o.postStatus(ctx, runID, core.StageQueued, "run accepted, collecting inputs")

	bundle, err := o.collect(ctx, runID)
	if err != nil {
		return nil, o.failRun(ctx, runID, core.StageQueued, nil, core.CodeCollectionFailed, err)
	}

	rec, err := o.composeAndPost(ctx, runID, bundle)
	if err != nil {
		return nil, err
	}
	return &Outcome{RunID: runID, Stage: core.StageDraftReady, DraftVersion: rec.Version}, nil
}

// SubmitFeedback revises the live draft under operator feedback. The run
// stays at draft_ready; only the draft version moves. Rejected with
// CAP_EXCEEDED once the revision cap is exhausted.
func (o *Orchestrator) SubmitFeedback(ctx context.Context, runID core.RunID, feedback string) (*Outcome, error) {
	run, err := o.deps.Ledger.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Stage != core.StageDraftReady {
		return nil, wrongStage(runID, run.Stage, "feedback")
	}
	if err := o.claimLock(ctx, runID); err != nil {
		return nil, err
	}

	// Reject a capped run before spending a composition on it.
	if err := o.deps.Drafts.CanRevise(ctx, runID); err != nil {
		return nil, err
	}
	prior, err := o.deps.Drafts.Current(ctx, runID)
	if err != nil {
		return nil, err
	}

	revised, err := o.deps.Composer.Revise(ctx, &core.Draft{
		Subject:  prior.Subject,
		Content:  prior.Content,
		Rendered: prior.Rendered,
	}, feedback)
	if err != nil {
		// The prior draft stays live; the failure is recorded for replay.
		collab := core.ErrCollaborator(core.CodeCompositionFailed, err)
		o.deadLetter(ctx, runID, run.Stage, nil, collab)
		_ = o.deps.Ledger.SetRunError(ctx, runID, collab.Error())
		return nil, collab
	}

	ref := o.postDraft(ctx, runID, revised, prior.Version+1)
	rec, err := o.deps.Drafts.CreateRevision(ctx, runID, revised, ref)
	if err != nil {
		return nil, err
	}
	if err := o.deps.Ledger.SetEvidence(ctx, runID, core.Evidence{DraftRef: string(ref)}); err != nil {
		return nil, err
	}
	o.log.WithRun(string(runID)).Info("draft revised", "version", rec.Version)
	return &Outcome{RunID: runID, Stage: run.Stage, DraftVersion: rec.Version}, nil
}

// SubmitApproval approves the live draft and drives the send pipeline to
// completion. A draft older than the staleness window is rejected with
// STALE_DRAFT and the run remains at draft_ready awaiting an explicit
// decision.
//
// Re-approving a run already past draft_ready resumes the pipeline from its
// persisted stage, so a retried approval command is harmless.
func (o *Orchestrator) SubmitApproval(ctx context.Context, runID core.RunID) (*Outcome, error) {
	run, err := o.deps.Ledger.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	switch {
	case run.Stage == core.StageBrainUpdated:
		return &Outcome{RunID: runID, Stage: run.Stage, Note: "already complete"}, nil
	case run.Stage == core.StageDraftReady:
		// proceed
	case core.StageIndex(run.Stage) > core.StageIndex(core.StageDraftReady):
		// Interrupted send pipeline; resume below.
	default:
		return nil, wrongStage(runID, run.Stage, "approval")
	}

	if err := o.claimLock(ctx, runID); err != nil {
		return nil, err
	}

	if run.Stage == core.StageDraftReady {
		if _, err := o.deps.Drafts.Approve(ctx, runID); err != nil {
			if core.HasCode(err, core.CodeStaleDraft) {
				o.log.WithRun(string(runID)).Warn("approval rejected, draft is stale", "error", err)
				o.postStatus(ctx, runID, run.Stage, "approval rejected: "+err.Error())
			}
			return nil, err
		}
	}
	return o.runSendPipeline(ctx, runID)
}

// Reset aborts the given run (or the current lock holder when runID is
// empty), releases the lock, and starts a fresh run with a new collection.
func (o *Orchestrator) Reset(ctx context.Context, runID core.RunID, reason string) (*Outcome, error) {
	if runID == "" {
		st, err := o.deps.Ledger.LockState(ctx)
		if err != nil {
			return nil, err
		}
		if st == nil {
			return nil, core.ErrNotFound("active run", "(no lock holder)")
		}
		runID = st.HolderRunID
	}

	run, err := o.deps.Ledger.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Stage.IsTerminal() {
		return nil, wrongStage(runID, run.Stage, "reset")
	}

	if reason == "" {
		reason = "operator reset"
	}
	if _, err := o.deps.Ledger.MarkFailed(ctx, runID, core.StageAborted, reason); err != nil {
		return nil, err
	}
	o.releaseQuietly(ctx, runID)
	o.log.WithRun(string(runID)).Info("run aborted by reset", "reason", reason)
	o.postStatus(ctx, runID, core.StageAborted, reason)

	return o.Trigger(ctx, "reset")
}

// Replay re-enters a dead-lettered run. A composition failure is requeued and
// recomposed from the preserved bundle; a failure inside the send pipeline
// resumes from the last durable stage.
func (o *Orchestrator) Replay(ctx context.Context, runID core.RunID) (*Outcome, error) {
	run, err := o.deps.Ledger.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Stage.IsTerminal() {
		return nil, &core.DomainError{
			Category: core.ErrCatState,
			Code:     core.CodeNotReplayable,
			Message:  fmt.Sprintf("run %s is terminal (%s)", runID, run.Stage),
		}
	}

	if err := o.claimLock(ctx, runID); err != nil {
		return nil, err
	}

	switch run.Stage {
	case core.StageQueued, core.StageCompositionFailed:
		dl, err := o.deps.Ledger.DeadLetterForRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if dl == nil || len(dl.Payload) == 0 {
			return nil, &core.DomainError{
				Category: core.ErrCatState,
				Code:     core.CodeNotReplayable,
				Message:  fmt.Sprintf("run %s has no replayable dead letter", runID),
			}
		}
		var bundle core.Bundle
		if err := json.Unmarshal(dl.Payload, &bundle); err != nil {
			return nil, fmt.Errorf("decoding dead-letter bundle: %w", err)
		}
		if run.Stage == core.StageCompositionFailed {
			if _, err := o.deps.Ledger.Requeue(ctx, runID); err != nil {
				return nil, err
			}
		}
		o.log.WithRun(string(runID)).Info("replaying composition from dead letter", "dead_letter_id", dl.ID)
		rec, err := o.composeAndPost(ctx, runID, &bundle)
		if err != nil {
			return nil, err
		}
		return &Outcome{RunID: runID, Stage: core.StageDraftReady, DraftVersion: rec.Version}, nil

	case core.StageDraftReady:
		return nil, &core.DomainError{
			Category: core.ErrCatState,
			Code:     core.CodeNotReplayable,
			Message:  fmt.Sprintf("run %s is awaiting review, nothing to replay", runID),
		}

	default:
		o.log.WithRun(string(runID)).Info("replaying send pipeline", "from_stage", run.Stage)
		return o.runSendPipeline(ctx, runID)
	}
}

// Dispatch routes a classified operator intent to the matching command.
func (o *Orchestrator) Dispatch(ctx context.Context, intent core.OperatorIntent) (*Outcome, error) {
	if err := intent.Validate(); err != nil {
		return nil, core.ErrValidation(err.Error())
	}
	switch intent.Kind {
	case core.IntentTrigger:
		return o.Trigger(ctx, "manual")
	case core.IntentApprove:
		return o.SubmitApproval(ctx, intent.RunID)
	case core.IntentFeedback:
		return o.SubmitFeedback(ctx, intent.RunID, intent.Text)
	case core.IntentReset:
		return o.Reset(ctx, intent.RunID, intent.Text)
	case core.IntentReplay:
		return o.Replay(ctx, intent.RunID)
	default: // ignore
		return &Outcome{Note: "ignored"}, nil
	}
}

// =============================================================================
// Startup reconciliation
// =============================================================================

// Reconcile scans incomplete runs at startup and resumes each from its
// persisted stage. Runs suspended at draft_ready with a pending review are
// left waiting; runs interrupted inside the send pipeline have their lease
// reclaimed and the current stage's effect re-attempted.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	runs, err := o.deps.Ledger.ListIncompleteRuns(ctx)
	if err != nil {
		return err
	}

	for _, run := range runs {
		log := o.log.WithRun(string(run.RunID)).WithStage(string(run.Stage))

		switch run.Stage {
		case core.StageQueued, core.StageCompositionFailed:
			log.Warn("run needs operator replay or reset")

		case core.StageDraftReady:
			d, err := o.deps.Drafts.Current(ctx, run.RunID)
			if err != nil {
				return err
			}
			if d != nil && d.Status == core.DraftApproved {
				log.Info("resuming approved run")
				if _, err := o.resume(ctx, run.RunID); err != nil {
					log.Error("resume failed", "error", err)
				}
			} else {
				log.Info("run suspended awaiting review")
			}

		default:
			log.Info("resuming interrupted send pipeline")
			if _, err := o.resume(ctx, run.RunID); err != nil {
				log.Error("resume failed", "error", err)
			}
		}
	}
	return nil
}

func (o *Orchestrator) resume(ctx context.Context, runID core.RunID) (*Outcome, error) {
	if err := o.claimLock(ctx, runID); err != nil {
		return nil, err
	}
	return o.runSendPipeline(ctx, runID)
}

// =============================================================================
// Status
// =============================================================================

// Status is a point-in-time view for operators.
type Status struct {
	ActiveRun   *core.RunRecord   `json:"active_run,omitempty"`
	ActiveDraft *core.DraftRecord `json:"active_draft,omitempty"`
	Lock        *core.LockState   `json:"lock,omitempty"`
	DeadLetters int               `json:"dead_letters"`
}

// Status reports the newest incomplete run, its live draft, the lock row, and
// the dead-letter backlog.
func (o *Orchestrator) Status(ctx context.Context) (*Status, error) {
	st := &Status{}

	lock, err := o.deps.Ledger.LockState(ctx)
	if err != nil {
		return nil, err
	}
	st.Lock = lock

	incomplete, err := o.deps.Ledger.ListIncompleteRuns(ctx)
	if err != nil {
		return nil, err
	}
	if len(incomplete) > 0 {
		st.ActiveRun = incomplete[len(incomplete)-1]
		d, err := o.deps.Drafts.Current(ctx, st.ActiveRun.RunID)
		if err != nil {
			return nil, err
		}
		st.ActiveDraft = d
	}

	letters, err := o.deps.Ledger.ListDeadLetters(ctx)
	if err != nil {
		return nil, err
	}
	st.DeadLetters = len(letters)
	return st, nil
}

// RenewActiveLease extends the current holder's lease. Serve mode calls this
// on a heartbeat so a run suspended at draft_ready keeps its claim.
func (o *Orchestrator) RenewActiveLease(ctx context.Context) error {
	st, err := o.deps.Ledger.LockState(ctx)
	if err != nil {
		return err
	}
	if st == nil || st.Expired(o.now()) {
		return nil
	}
	return o.deps.Ledger.RenewLock(ctx, st.HolderRunID, o.cfg.LeaseDuration)
}

// =============================================================================
// Send pipeline
// =============================================================================

// runSendPipeline drives a run from its current stage to brain_updated.
//
// Stage discipline per iteration: ensure the current stage's effect is done
// (idempotent, so resuming re-attempts it), then advance. Validation is the
// exception: it runs before render_validated is persisted, so a failed check
// leaves the run at send_requested.
func (o *Orchestrator) runSendPipeline(ctx context.Context, runID core.RunID) (*Outcome, error) {
	log := o.log.WithRun(string(runID))

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		run, err := o.deps.Ledger.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if err := o.deps.Ledger.RenewLock(ctx, runID, o.cfg.LeaseDuration); err != nil {
			return nil, err
		}

		switch run.Stage {
		case core.StageDraftReady:
			if err := o.advance(ctx, runID, core.StageSendRequested, core.Evidence{}); err != nil {
				return nil, err
			}

		case core.StageSendRequested:
			d, err := o.deps.Drafts.Current(ctx, runID)
			if err != nil {
				return nil, err
			}
			if err := validateForSend(d); err != nil {
				_ = o.deps.Ledger.SetRunError(ctx, runID, err.Error())
				log.Warn("render validation failed", "error", err)
				o.postStatus(ctx, runID, run.Stage, "validation failed: "+err.Error())
				return nil, err
			}
			if err := o.advance(ctx, runID, core.StageRenderValidated, core.Evidence{}); err != nil {
				return nil, err
			}

		case core.StageRenderValidated:
			if err := o.advance(ctx, runID, core.StageBroadcastCreated, core.Evidence{}); err != nil {
				return nil, err
			}

		case core.StageBroadcastCreated:
			d, err := o.deps.Drafts.Current(ctx, runID)
			if err != nil {
				return nil, err
			}
			id, err := o.deps.Publisher.Publish(ctx, runID, d.Rendered, d.Subject)
			if err != nil {
				return nil, o.failPipeline(ctx, runID, run.Stage, core.CodePublishFailed, err)
			}
			if err := o.deps.Ledger.SetEvidence(ctx, runID, core.Evidence{BroadcastID: string(id)}); err != nil {
				return nil, err
			}
			log.Info("broadcast created", "broadcast_id", id)
			if err := o.advance(ctx, runID, core.StageBroadcastSent, core.Evidence{}); err != nil {
				return nil, err
			}

		case core.StageBroadcastSent:
			if run.BroadcastID == "" {
				return nil, core.ErrValidation("run reached broadcast_sent without a broadcast id")
			}
			if err := o.deps.Publisher.Send(ctx, runID, core.BroadcastID(run.BroadcastID)); err != nil {
				return nil, o.failPipeline(ctx, runID, run.Stage, core.CodePublishFailed, err)
			}
			log.Info("broadcast sent", "broadcast_id", run.BroadcastID)

			// Record and snapshot before the terminal transition so a run is
			// never terminal with the permanent record missing. Both are
			// idempotent per run id, so a crash in between replays cleanly.
			if err := o.finalize(ctx, runID); err != nil {
				return nil, o.failPipeline(ctx, runID, run.Stage, core.CodeRecordFailed, err)
			}
			if err := o.advance(ctx, runID, core.StageBrainUpdated, core.Evidence{}); err != nil {
				return nil, err
			}

		case core.StageBrainUpdated:
			o.releaseQuietly(ctx, runID)
			o.postStatus(ctx, runID, run.Stage, "issue published and recorded")
			log.Info("run complete")
			return &Outcome{RunID: runID, Stage: run.Stage, BroadcastID: run.BroadcastID}, nil

		default:
			return nil, wrongStage(runID, run.Stage, "send pipeline")
		}
	}
}

// finalize appends the issue's items to the permanent record and snapshots
// durable state.
func (o *Orchestrator) finalize(ctx context.Context, runID core.RunID) error {
	d, err := o.deps.Drafts.Current(ctx, runID)
	if err != nil {
		return err
	}
	issueDate := o.now().UTC().Format("2006-01-02")

	items := extractItems(d, issueDate)
	if err := o.deps.Record.Append(ctx, runID, issueDate, items); err != nil {
		return err
	}
	if _, err := o.deps.Backups.Snapshot(ctx, issueDate); err != nil {
		// A failed snapshot must not fail the run; the record is durable.
		o.log.WithRun(string(runID)).Error("snapshot failed", "error", err)
	}
	return nil
}

// extractItems pulls the published stories out of the approved draft's
// canonical markdown: every absolute link becomes one record entry.
func extractItems(d *core.DraftRecord, issueDate string) []core.PublishedItem {
	var items []core.PublishedItem
	seen := make(map[string]bool)
	for _, m := range markdownLink.FindAllStringSubmatch(d.Content, -1) {
		text, raw := m[1], m[2]
		if seen[raw] || text == "" {
			continue
		}
		seen[raw] = true
		items = append(items, core.PublishedItem{IssueDate: issueDate, Title: text, URL: raw})
	}
	if len(items) == 0 {
		items = append(items, core.PublishedItem{IssueDate: issueDate, Title: d.Subject, URL: ""})
	}
	return items
}

// =============================================================================
// Draft generation
// =============================================================================

func (o *Orchestrator) collect(ctx context.Context, runID core.RunID) (*core.Bundle, error) {
	published, err := o.deps.Record.List(ctx)
	if err != nil {
		return nil, err
	}

	to := o.now().UTC()
	from := to.AddDate(0, 0, -o.cfg.CollectionDays)

	if err := o.deps.Ledger.RenewLock(ctx, runID, o.cfg.LeaseDuration); err != nil {
		return nil, err
	}
	bundle, err := o.deps.Collector.Collect(ctx, from, to, published)
	if err != nil {
		return nil, core.ErrCollaborator(core.CodeCollectionFailed, err)
	}
	if err := o.deps.Ledger.SetEvidence(ctx, runID, core.Evidence{CollectorOutputRef: bundle.Ref}); err != nil {
		return nil, err
	}
	o.log.WithRun(string(runID)).Info("inputs collected", "items", len(bundle.Items), "ref", bundle.Ref)
	return bundle, nil
}

// composeAndPost runs composition for a queued run, posts the draft for
// review, and advances to draft_ready. Used by trigger and by replay.
func (o *Orchestrator) composeAndPost(ctx context.Context, runID core.RunID, bundle *core.Bundle) (*core.DraftRecord, error) {
	if err := o.deps.Ledger.RenewLock(ctx, runID, o.cfg.LeaseDuration); err != nil {
		return nil, err
	}

	d, err := o.deps.Composer.Compose(ctx, bundle)
	if err != nil {
		payload, merr := json.Marshal(bundle)
		if merr != nil {
			payload = nil
		}
		return nil, o.failRun(ctx, runID, core.StageCompositionFailed, payload, core.CodeCompositionFailed, err)
	}

	ref := o.postDraft(ctx, runID, d, 1)
	rec, err := o.deps.Drafts.CreateInitial(ctx, runID, d, ref)
	if err != nil {
		return nil, err
	}
	if err := o.advance(ctx, runID, core.StageDraftReady, core.Evidence{DraftRef: string(ref)}); err != nil {
		return nil, err
	}
	o.log.WithRun(string(runID)).Info("draft posted for review", "version", rec.Version)
	return rec, nil
}

// postDraft posts to the review channel. Delivery failure is logged, not
// fatal: the draft is durable in the ledger and visible via the CLI.
func (o *Orchestrator) postDraft(ctx context.Context, runID core.RunID, d *core.Draft, version int) core.MessageRef {
	ref, err := o.deps.Notifier.PostDraft(ctx, d, version)
	if err != nil {
		o.log.WithRun(string(runID)).Error("posting draft for review failed", "error", err)
		return ""
	}
	return ref
}

// =============================================================================
// Lock and failure helpers
// =============================================================================

// claimLock makes runID the lock holder. The holder's own lease is renewed;
// an expired foreign lease is reclaimed and the orphaned run aborted; a live
// foreign lease rejects with LOCK_HELD.
func (o *Orchestrator) claimLock(ctx context.Context, runID core.RunID) error {
	st, err := o.deps.Ledger.LockState(ctx)
	if err != nil {
		return err
	}
	if st != nil && st.HolderRunID == runID {
		return o.deps.Ledger.RenewLock(ctx, runID, o.cfg.LeaseDuration)
	}
	if st != nil && !st.Expired(o.now()) {
		return core.ErrLockHeld(st.HolderRunID)
	}
	if st != nil {
		o.log.Warn("reclaiming expired run lock",
			"orphan_run_id", st.HolderRunID,
			"lease_expired_at", st.LeaseExpiresAt,
			"claimed_by", runID)
		o.abortOrphan(ctx, st.HolderRunID)
	}
	return o.deps.Ledger.AcquireLock(ctx, runID, o.cfg.LeaseDuration)
}

// abortOrphan routes a run whose lease lapsed to aborted. Best effort; the
// new claim proceeds either way.
func (o *Orchestrator) abortOrphan(ctx context.Context, runID core.RunID) {
	run, err := o.deps.Ledger.GetRun(ctx, runID)
	if err != nil || run.Stage.IsTerminal() {
		return
	}
	if _, err := o.deps.Ledger.MarkFailed(ctx, runID, core.StageAborted, "lease expired, lock reclaimed"); err != nil {
		o.log.WithRun(string(runID)).Error("aborting orphaned run failed", "error", err)
	}
}

func (o *Orchestrator) releaseQuietly(ctx context.Context, runID core.RunID) {
	if err := o.deps.Ledger.ReleaseLock(ctx, runID); err != nil && !core.HasCode(err, core.CodeNotHolder) {
		o.log.WithRun(string(runID)).Error("releasing run lock failed", "error", err)
	}
}

// failRun dead-letters a collaborator failure before draft_ready, moves the
// run to the side stage when one applies, and releases the lock.
func (o *Orchestrator) failRun(ctx context.Context, runID core.RunID, side core.Stage, payload []byte, code string, cause error) error {
	collab := cause
	if !core.HasCode(cause, code) {
		collab = core.ErrCollaborator(code, cause)
	}
	// Pre-draft failures strike while the run is still queued; the dead
	// letter records that stage, not the side stage the run moves to.
	o.deadLetter(ctx, runID, core.StageQueued, payload, collab)
	if side == core.StageCompositionFailed {
		if _, err := o.deps.Ledger.MarkFailed(ctx, runID, side, collab.Error()); err != nil {
			o.log.WithRun(string(runID)).Error("marking run failed", "error", err)
		}
	} else {
		_ = o.deps.Ledger.SetRunError(ctx, runID, collab.Error())
	}
	o.releaseQuietly(ctx, runID)
	o.postStatus(ctx, runID, side, "run failed: "+collab.Error())
	return collab
}

// failPipeline records a send-pipeline failure, leaving the run halted at its
// last durable stage for replay.
func (o *Orchestrator) failPipeline(ctx context.Context, runID core.RunID, at core.Stage, code string, cause error) error {
	collab := core.ErrCollaborator(code, cause)
	o.deadLetter(ctx, runID, at, nil, collab)
	_ = o.deps.Ledger.SetRunError(ctx, runID, collab.Error())
	o.releaseQuietly(ctx, runID)
	o.log.WithRun(string(runID)).WithStage(string(at)).Error("send pipeline halted", "error", cause)
	o.postStatus(ctx, runID, at, "send pipeline halted: "+collab.Error())
	return collab
}

func (o *Orchestrator) deadLetter(ctx context.Context, runID core.RunID, at core.Stage, payload []byte, cause error) {
	id, err := o.deps.Ledger.RecordDeadLetter(ctx, &core.DeadLetterRecord{
		RunID:          runID,
		StageAtFailure: at,
		Payload:        payload,
		ErrorSummary:   cause.Error(),
	})
	if err != nil {
		o.log.WithRun(string(runID)).Error("recording dead letter failed", "error", err)
		return
	}
	o.log.WithRun(string(runID)).Warn("dead letter recorded", "dead_letter_id", id, "stage", at)
}

// advance moves the run forward, absorbing ALREADY_ADVANCED as success so
// resumed pipelines tolerate re-driven transitions.
func (o *Orchestrator) advance(ctx context.Context, runID core.RunID, target core.Stage, ev core.Evidence) error {
	_, err := o.deps.Ledger.Advance(ctx, runID, target, ev)
	if err != nil && !core.HasCode(err, core.CodeAlreadyAdvanced) {
		return err
	}
	o.postStatus(ctx, runID, target, "")
	return nil
}

// postStatus is best effort; a dead review channel never blocks a run.
func (o *Orchestrator) postStatus(ctx context.Context, runID core.RunID, stage core.Stage, detail string) {
	if err := o.deps.Notifier.PostStatus(ctx, runID, stage, detail); err != nil {
		o.log.WithRun(string(runID)).Debug("status post failed", "error", err)
	}
}

func wrongStage(runID core.RunID, stage core.Stage, op string) *core.DomainError {
	return &core.DomainError{
		Category: core.ErrCatState,
		Code:     core.CodeWrongStage,
		Message:  fmt.Sprintf("run %s is at %s, cannot accept %s", runID, stage, op),
	}
}
