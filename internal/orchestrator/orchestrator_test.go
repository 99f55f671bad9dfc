package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lotfb86/NewLetterAgent/internal/config"
	"github.com/lotfb86/NewLetterAgent/internal/core"
	"github.com/lotfb86/NewLetterAgent/internal/draft"
	"github.com/lotfb86/NewLetterAgent/internal/ledger"
	"github.com/lotfb86/NewLetterAgent/internal/logging"
	"github.com/lotfb86/NewLetterAgent/internal/testutil"
)

type fixture struct {
	orch      *Orchestrator
	store     *ledger.Store
	collector *testutil.MockCollector
	composer  *testutil.MockComposer
	notifier  *testutil.MockNotifier
	publisher *testutil.MockPublisher
	record    *testutil.MockRecord
	backups   *testutil.MockBackups
}

func newFixture(t *testing.T, cfg config.RunConfig) *fixture {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "run_state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		store:     store,
		collector: &testutil.MockCollector{},
		composer:  &testutil.MockComposer{},
		notifier:  &testutil.MockNotifier{},
		publisher: &testutil.MockPublisher{},
		record:    &testutil.MockRecord{},
		backups:   &testutil.MockBackups{},
	}
	f.orch = New(Deps{
		Ledger:    store,
		Drafts:    draft.NewManager(store, cfg.RevisionCap, cfg.StaleAfter),
		Collector: f.collector,
		Composer:  f.composer,
		Notifier:  f.notifier,
		Publisher: f.publisher,
		Record:    f.record,
		Backups:   f.backups,
	}, cfg, logging.NewNop())
	return f
}

func defaultRunConfig() config.RunConfig {
	return config.RunConfig{
		RevisionCap:    5,
		StaleAfter:     48 * time.Hour,
		LeaseDuration:  30 * time.Minute,
		CollectionDays: 7,
	}
}

func (f *fixture) lockHolder(t *testing.T) core.RunID {
	t.Helper()
	st, err := f.store.LockState(context.Background())
	require.NoError(t, err)
	if st == nil {
		return ""
	}
	return st.HolderRunID
}

func TestTriggerProducesReviewableDraft(t *testing.T) {
	f := newFixture(t, defaultRunConfig())
	ctx := context.Background()

	out, err := f.orch.Trigger(ctx, "manual")
	require.NoError(t, err)
	assert.Equal(t, core.StageDraftReady, out.Stage)
	assert.Equal(t, 1, out.DraftVersion)

	run, err := f.store.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, core.StageDraftReady, run.Stage)
	assert.NotEmpty(t, run.CollectorOutputRef)
	assert.NotEmpty(t, run.DraftRef)

	assert.Equal(t, out.RunID, f.lockHolder(t), "the run keeps its lock while awaiting review")
	assert.Equal(t, 1, f.notifier.CallCount("PostDraft"))
}

func TestTriggerRejectedWhileRunInFlight(t *testing.T) {
	f := newFixture(t, defaultRunConfig())
	ctx := context.Background()

	first, err := f.orch.Trigger(ctx, "manual")
	require.NoError(t, err)

	_, err = f.orch.Trigger(ctx, "manual")
	require.True(t, core.HasCode(err, core.CodeLockHeld))

	run, err := f.store.GetRun(ctx, first.RunID)
	require.NoError(t, err)
	assert.Equal(t, core.StageDraftReady, run.Stage, "the in-flight run is untouched")
}

func TestTriggerReclaimsExpiredLease(t *testing.T) {
	cfg := defaultRunConfig()
	cfg.LeaseDuration = -time.Second // every lease is born expired
	f := newFixture(t, cfg)
	ctx := context.Background()

	first, err := f.orch.Trigger(ctx, "manual")
	require.NoError(t, err)

	second, err := f.orch.Trigger(ctx, "manual")
	require.NoError(t, err, "an expired lease must be reclaimable")

	orphan, err := f.store.GetRun(ctx, first.RunID)
	require.NoError(t, err)
	assert.Equal(t, core.StageAborted, orphan.Stage, "the orphaned run is routed to a failure stage")
	assert.Equal(t, second.RunID, f.lockHolder(t))
}

// Full happy path: trigger, approve, publish, record. Replays of the approval
// must be harmless.
func TestApprovalDrivesRunToCompletion(t *testing.T) {
	f := newFixture(t, defaultRunConfig())
	ctx := context.Background()

	out, err := f.orch.Trigger(ctx, "manual")
	require.NoError(t, err)

	done, err := f.orch.SubmitApproval(ctx, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, core.StageBrainUpdated, done.Stage)
	assert.NotEmpty(t, done.BroadcastID)

	run, err := f.store.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, core.StageBrainUpdated, run.Stage)
	assert.Equal(t, done.BroadcastID, run.BroadcastID)

	assert.True(t, f.publisher.Sent(out.RunID))
	assert.Equal(t, 1, f.record.CallCount("Append"))
	assert.Equal(t, 1, f.backups.CallCount("Snapshot"))
	assert.Len(t, f.record.Items(), 1)
	assert.Empty(t, f.lockHolder(t), "the lock is released on completion")

	// A retried approval is a no-op.
	again, err := f.orch.SubmitApproval(ctx, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, core.StageBrainUpdated, again.Stage)
	assert.Equal(t, 1, f.record.CallCount("Append"), "no double append")
}

func TestCompositionFailureDeadLettersAndReplays(t *testing.T) {
	f := newFixture(t, defaultRunConfig())
	ctx := context.Background()

	boom := errors.New("model unavailable")
	f.composer.ComposeFunc = func(context.Context, *core.Bundle) (*core.Draft, error) {
		return nil, boom
	}

	_, err := f.orch.Trigger(ctx, "manual")
	require.True(t, core.HasCode(err, core.CodeCompositionFailed))

	runs, err := f.store.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	runID := runs[0].RunID
	assert.Equal(t, core.StageCompositionFailed, runs[0].Stage)
	assert.Empty(t, f.lockHolder(t), "a failed run must not hold the lock")

	dl, err := f.store.DeadLetterForRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, core.StageQueued, dl.StageAtFailure)
	assert.NotEmpty(t, dl.Payload, "the collected bundle is preserved for replay")

	// Replay recomposes from the dead letter without re-collecting.
	f.composer.ComposeFunc = nil
	out, err := f.orch.Replay(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, core.StageDraftReady, out.Stage)
	assert.Equal(t, 1, f.collector.CallCount("Collect"), "replay must not re-invoke the collector")

	run, err := f.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, core.StageDraftReady, run.Stage)
}

func TestPublishFailureHaltsAtDurableStageAndReplays(t *testing.T) {
	f := newFixture(t, defaultRunConfig())
	ctx := context.Background()

	out, err := f.orch.Trigger(ctx, "manual")
	require.NoError(t, err)

	f.publisher.PublishFunc = func(context.Context, core.RunID, string, string) (core.BroadcastID, error) {
		return "", errors.New("503 from broadcast service")
	}
	_, err = f.orch.SubmitApproval(ctx, out.RunID)
	require.True(t, core.HasCode(err, core.CodePublishFailed))

	run, err := f.store.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, core.StageBroadcastCreated, run.Stage, "halt at the last durable stage")
	assert.Empty(t, f.lockHolder(t))

	_, err = f.store.DeadLetterForRun(ctx, out.RunID)
	require.NoError(t, err)

	// Replay resumes the pipeline; the publish effect is re-attempted.
	f.publisher.PublishFunc = nil
	done, err := f.orch.Replay(ctx, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, core.StageBrainUpdated, done.Stage)
	assert.Equal(t, 1, f.record.CallCount("Append"))
}

// Five feedback rounds are allowed on top of the initial version; the sixth
// is rejected without invoking the composer, and the capped draft can still
// be approved.
func TestFeedbackRevisionCap(t *testing.T) {
	f := newFixture(t, defaultRunConfig())
	ctx := context.Background()

	out, err := f.orch.Trigger(ctx, "manual")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		rev, err := f.orch.SubmitFeedback(ctx, out.RunID, "tighten the intro")
		require.NoError(t, err)
		assert.Equal(t, i+2, rev.DraftVersion)
	}

	_, err = f.orch.SubmitFeedback(ctx, out.RunID, "one more pass")
	require.True(t, core.HasCode(err, core.CodeCapExceeded))
	assert.Equal(t, 5, f.composer.CallCount("Revise"),
		"the rejected round must not reach the composer")

	done, err := f.orch.SubmitApproval(ctx, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, core.StageBrainUpdated, done.Stage)
}

func TestStaleApprovalRejectedWithoutSideEffects(t *testing.T) {
	f := newFixture(t, defaultRunConfig())
	ctx := context.Background()

	t0 := time.Now()
	f.orch.SetClock(func() time.Time { return t0 })
	out, err := f.orch.Trigger(ctx, "manual")
	require.NoError(t, err)

	f.orch.SetClock(func() time.Time { return t0.Add(49 * time.Hour) })
	_, err = f.orch.SubmitApproval(ctx, out.RunID)
	require.True(t, core.HasCode(err, core.CodeStaleDraft))

	run, err := f.store.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, core.StageDraftReady, run.Stage, "a stale rejection leaves the run reviewable")
	assert.Equal(t, 0, f.publisher.CallCount("Publish"))
}

func TestValidationFailureKeepsRunAtSendRequested(t *testing.T) {
	f := newFixture(t, defaultRunConfig())
	ctx := context.Background()

	f.composer.ComposeFunc = func(context.Context, *core.Bundle) (*core.Draft, error) {
		return &core.Draft{
			Subject:  "Broken links",
			Content:  "# Issue\n\n- [Story](/relative/path)",
			Rendered: "<h1>Issue</h1>",
		}, nil
	}

	out, err := f.orch.Trigger(ctx, "manual")
	require.NoError(t, err)

	_, err = f.orch.SubmitApproval(ctx, out.RunID)
	require.True(t, core.HasCode(err, core.CodeValidationFailed))

	run, err := f.store.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, core.StageSendRequested, run.Stage)
	assert.NotEmpty(t, run.LastError)
	assert.Equal(t, 0, f.publisher.CallCount("Publish"))
}

func TestResetAbortsAndStartsFresh(t *testing.T) {
	f := newFixture(t, defaultRunConfig())
	ctx := context.Background()

	first, err := f.orch.Trigger(ctx, "manual")
	require.NoError(t, err)

	out, err := f.orch.Reset(ctx, "", "wrong week")
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, out.RunID)
	assert.Equal(t, core.StageDraftReady, out.Stage)

	aborted, err := f.store.GetRun(ctx, first.RunID)
	require.NoError(t, err)
	assert.Equal(t, core.StageAborted, aborted.Stage)
	assert.Equal(t, "wrong week", aborted.LastError)
	assert.Equal(t, out.RunID, f.lockHolder(t))

	assert.Equal(t, 2, f.collector.CallCount("Collect"), "reset re-collects by default")
}

func TestReplayRejectsTerminalAndWaitingRuns(t *testing.T) {
	f := newFixture(t, defaultRunConfig())
	ctx := context.Background()

	out, err := f.orch.Trigger(ctx, "manual")
	require.NoError(t, err)

	_, err = f.orch.Replay(ctx, out.RunID)
	assert.True(t, core.HasCode(err, core.CodeNotReplayable), "a run awaiting review has nothing to replay")

	_, err = f.orch.SubmitApproval(ctx, out.RunID)
	require.NoError(t, err)
	_, err = f.orch.Replay(ctx, out.RunID)
	assert.True(t, core.HasCode(err, core.CodeNotReplayable), "terminal runs cannot be replayed")
}

// Crash recovery: a run persisted at broadcast_created resumes on startup,
// re-attempts the publish effect, and completes exactly once.
func TestReconcileResumesInterruptedPipeline(t *testing.T) {
	f := newFixture(t, defaultRunConfig())
	ctx := context.Background()

	runID := core.RunID("2026-03-06-manual-abc12345")
	_, err := f.store.CreateRun(ctx, runID)
	require.NoError(t, err)
	require.NoError(t, f.store.SaveDraft(ctx, &core.DraftRecord{
		RunID:    runID,
		Version:  1,
		Status:   core.DraftApproved,
		Subject:  "Issue 12",
		Content:  "# Issue 12\n\n- [Story](https://example.com/s)",
		Rendered: "<h1>Issue 12</h1>",
		PostedAt: time.Now().UTC(),
	}))
	for _, stage := range []core.Stage{
		core.StageDraftReady, core.StageSendRequested,
		core.StageRenderValidated, core.StageBroadcastCreated,
	} {
		_, err := f.store.Advance(ctx, runID, stage, core.Evidence{})
		require.NoError(t, err)
	}

	require.NoError(t, f.orch.Reconcile(ctx))

	run, err := f.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, core.StageBrainUpdated, run.Stage)
	assert.Equal(t, 1, f.publisher.CallCount("Publish"), "the current stage's effect is re-attempted")
	assert.True(t, f.publisher.Sent(runID))
	assert.Equal(t, 1, f.record.CallCount("Append"))
	assert.Empty(t, f.lockHolder(t))
}

func TestReconcileLeavesPendingReviewSuspended(t *testing.T) {
	f := newFixture(t, defaultRunConfig())
	ctx := context.Background()

	out, err := f.orch.Trigger(ctx, "manual")
	require.NoError(t, err)

	require.NoError(t, f.orch.Reconcile(ctx))

	run, err := f.store.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, core.StageDraftReady, run.Stage, "a pending review stays suspended")
	assert.Equal(t, 0, f.publisher.CallCount("Publish"))
}

func TestDispatchRoutesIntents(t *testing.T) {
	f := newFixture(t, defaultRunConfig())
	ctx := context.Background()

	out, err := f.orch.Dispatch(ctx, core.OperatorIntent{Kind: core.IntentTrigger})
	require.NoError(t, err)
	require.NotEmpty(t, out.RunID)

	rev, err := f.orch.Dispatch(ctx, core.OperatorIntent{
		Kind: core.IntentFeedback, RunID: out.RunID, Text: "shorter"})
	require.NoError(t, err)
	assert.Equal(t, 2, rev.DraftVersion)

	_, err = f.orch.Dispatch(ctx, core.OperatorIntent{Kind: core.IntentFeedback})
	assert.True(t, core.HasCode(err, core.CodeValidationFailed))

	ignored, err := f.orch.Dispatch(ctx, core.OperatorIntent{Kind: core.IntentIgnore})
	require.NoError(t, err)
	assert.Equal(t, "ignored", ignored.Note)
}

func TestStatusReportsActiveRun(t *testing.T) {
	f := newFixture(t, defaultRunConfig())
	ctx := context.Background()

	st, err := f.orch.Status(ctx)
	require.NoError(t, err)
	assert.Nil(t, st.ActiveRun)

	out, err := f.orch.Trigger(ctx, "manual")
	require.NoError(t, err)

	st, err = f.orch.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.ActiveRun)
	assert.Equal(t, out.RunID, st.ActiveRun.RunID)
	require.NotNil(t, st.ActiveDraft)
	assert.Equal(t, 1, st.ActiveDraft.Version)
	require.NotNil(t, st.Lock)
	assert.Equal(t, out.RunID, st.Lock.HolderRunID)
}
