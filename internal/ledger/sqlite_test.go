package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lotfb86/NewLetterAgent/internal/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "run_state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateAndGetRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec, err := store.CreateRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, core.StageQueued, rec.Stage)

	_, err = store.CreateRun(ctx, "run-1")
	assert.True(t, core.HasCode(err, core.CodeRunExists))

	_, err = store.GetRun(ctx, "nope")
	assert.True(t, core.HasCode(err, core.CodeRunNotFound))
}

func TestAdvanceHappyPath(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.CreateRun(ctx, "run-1")
	require.NoError(t, err)

	rec, err := store.Advance(ctx, "run-1", core.StageDraftReady, core.Evidence{DraftRef: "msg-1"})
	require.NoError(t, err)
	assert.Equal(t, core.StageDraftReady, rec.Stage)
	assert.Equal(t, "msg-1", rec.DraftRef)

	// Evidence merges; an empty field never clears a stored one.
	rec, err = store.Advance(ctx, "run-1", core.StageSendRequested, core.Evidence{})
	require.NoError(t, err)
	assert.Equal(t, "msg-1", rec.DraftRef)
}

func TestAdvanceRejectsSkipsAndRegressions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.CreateRun(ctx, "run-1")
	require.NoError(t, err)

	_, err = store.Advance(ctx, "run-1", core.StageSendRequested, core.Evidence{})
	assert.True(t, core.HasCode(err, core.CodeInvalidTransition), "skip must be rejected")

	_, err = store.Advance(ctx, "run-1", core.StageDraftReady, core.Evidence{})
	require.NoError(t, err)

	_, err = store.Advance(ctx, "run-1", core.StageAborted, core.Evidence{})
	assert.True(t, core.HasCode(err, core.CodeInvalidTransition), "side states go through MarkFailed")
}

func TestAdvanceAlreadyAdvancedLeavesRowUntouched(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.CreateRun(ctx, "run-1")
	require.NoError(t, err)
	_, err = store.Advance(ctx, "run-1", core.StageDraftReady, core.Evidence{})
	require.NoError(t, err)

	before, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	rec, err := store.Advance(ctx, "run-1", core.StageDraftReady, core.Evidence{})
	assert.True(t, core.HasCode(err, core.CodeAlreadyAdvanced))
	require.NotNil(t, rec)
	assert.Equal(t, before.UpdatedAt, rec.UpdatedAt, "a no-op advance must not touch updated_at")
}

func TestMarkFailedAndRequeue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.CreateRun(ctx, "run-1")
	require.NoError(t, err)

	rec, err := store.MarkFailed(ctx, "run-1", core.StageCompositionFailed, "agent exhausted retries")
	require.NoError(t, err)
	assert.Equal(t, core.StageCompositionFailed, rec.Stage)
	assert.Equal(t, "agent exhausted retries", rec.LastError)

	rec, err = store.Requeue(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, core.StageQueued, rec.Stage)
	assert.Empty(t, rec.LastError)

	// Requeue is only valid from composition_failed.
	_, err = store.Advance(ctx, "run-1", core.StageDraftReady, core.Evidence{})
	require.NoError(t, err)
	_, err = store.Requeue(ctx, "run-1")
	assert.True(t, core.HasCode(err, core.CodeInvalidTransition))

	// Terminal runs cannot be failed.
	_, err = store.MarkFailed(ctx, "run-1", core.StageAborted, "late abort")
	require.NoError(t, err)
	_, err = store.MarkFailed(ctx, "run-1", core.StageAborted, "again")
	assert.True(t, core.HasCode(err, core.CodeInvalidTransition))
}

func TestMarkFailedRejectsNonSideStage(t *testing.T) {
	store := newTestStore(t)
	_, err := store.CreateRun(context.Background(), "run-1")
	require.NoError(t, err)

	_, err = store.MarkFailed(context.Background(), "run-1", core.StageBrainUpdated, "nope")
	assert.True(t, core.HasCode(err, core.CodeInvalidTransition))
}

func TestListIncompleteRuns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []core.RunID{"run-1", "run-2", "run-3"} {
		_, err := store.CreateRun(ctx, id)
		require.NoError(t, err)
	}
	_, err := store.MarkFailed(ctx, "run-2", core.StageAborted, "reset")
	require.NoError(t, err)

	incomplete, err := store.ListIncompleteRuns(ctx)
	require.NoError(t, err)
	require.Len(t, incomplete, 2)
	assert.Equal(t, core.RunID("run-1"), incomplete[0].RunID)
	assert.Equal(t, core.RunID("run-3"), incomplete[1].RunID)
}

func TestLockLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AcquireLock(ctx, "run-1", time.Minute))

	err := store.AcquireLock(ctx, "run-2", time.Minute)
	assert.True(t, core.HasCode(err, core.CodeLockHeld), "live lease blocks a second claim")

	st, err := store.LockState(ctx)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, core.RunID("run-1"), st.HolderRunID)

	require.NoError(t, store.RenewLock(ctx, "run-1", 2*time.Minute))
	assert.True(t, core.HasCode(store.RenewLock(ctx, "run-2", time.Minute), core.CodeNotHolder))

	assert.True(t, core.HasCode(store.ReleaseLock(ctx, "run-2"), core.CodeNotHolder),
		"a release by a non-holder fails loudly")
	require.NoError(t, store.ReleaseLock(ctx, "run-1"))

	st, err = store.LockState(ctx)
	require.NoError(t, err)
	assert.Nil(t, st, "released lock reads as unheld")

	require.NoError(t, store.AcquireLock(ctx, "run-2", time.Minute))
}

func TestLockExpiredLeaseIsClaimable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AcquireLock(ctx, "run-1", -time.Second))
	require.NoError(t, store.AcquireLock(ctx, "run-2", time.Minute),
		"an expired lease must be reclaimable")

	st, err := store.LockState(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.RunID("run-2"), st.HolderRunID)
}

func TestSaveDraftSupersedesPrior(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.CreateRun(ctx, "run-1")
	require.NoError(t, err)

	for v := 1; v <= 3; v++ {
		require.NoError(t, store.SaveDraft(ctx, &core.DraftRecord{
			RunID:    "run-1",
			Version:  v,
			Status:   core.DraftPendingReview,
			Subject:  "Issue 12",
			Content:  "body",
			PostedAt: time.Now().UTC(),
		}))
	}

	active, err := store.ActiveDraft(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, 3, active.Version)
	assert.Equal(t, "Issue 12", active.Subject)

	all, err := store.ListDrafts(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, core.DraftSuperseded, all[0].Status)
	assert.Equal(t, core.DraftSuperseded, all[1].Status)
	assert.Equal(t, core.DraftPendingReview, all[2].Status)
}

func TestSaveDraftRejectsVersionZero(t *testing.T) {
	store := newTestStore(t)
	err := store.SaveDraft(context.Background(), &core.DraftRecord{RunID: "run-1", Version: 0})
	assert.True(t, core.HasCode(err, core.CodeValidationFailed))
}

func TestDeadLetters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.RecordDeadLetter(ctx, &core.DeadLetterRecord{
		RunID:          "run-1",
		StageAtFailure: core.StageQueued,
		Payload:        []byte(`{"items":[]}`),
		ErrorSummary:   "composer exhausted retries",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	dl, err := store.DeadLetterForRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, core.StageQueued, dl.StageAtFailure)
	assert.Equal(t, []byte(`{"items":[]}`), dl.Payload)

	_, err = store.DeadLetterForRun(ctx, "run-2")
	assert.True(t, core.HasCode(err, core.CodeRunNotFound))

	all, err := store.ListDeadLetters(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestVacuumIntoRefusesExistingTarget(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	target := filepath.Join(t.TempDir(), "copy.db")
	require.NoError(t, store.VacuumInto(ctx, target))
	assert.Error(t, store.VacuumInto(ctx, target))

	copied, err := Open(target)
	require.NoError(t, err)
	defer copied.Close()
	_, err = copied.ListRuns(ctx)
	assert.NoError(t, err, "snapshot copy must be a readable database")
}
