package core

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageOrder(t *testing.T) {
	next, ok := NextStage(StageQueued)
	require.True(t, ok)
	assert.Equal(t, StageDraftReady, next)

	next, ok = NextStage(StageBroadcastSent)
	require.True(t, ok)
	assert.Equal(t, StageBrainUpdated, next)

	_, ok = NextStage(StageBrainUpdated)
	assert.False(t, ok, "terminal stage has no successor")

	_, ok = NextStage(StageAborted)
	assert.False(t, ok, "side states are outside the happy path")
}

func TestStageIndex(t *testing.T) {
	assert.Equal(t, 0, StageIndex(StageQueued))
	assert.Equal(t, 6, StageIndex(StageBrainUpdated))
	assert.Equal(t, -1, StageIndex(StageCompositionFailed))
	assert.Equal(t, -1, StageIndex(Stage("bogus")))
}

func TestStageIsTerminal(t *testing.T) {
	assert.True(t, StageBrainUpdated.IsTerminal())
	assert.True(t, StageAborted.IsTerminal())
	assert.False(t, StageCompositionFailed.IsTerminal(), "composition_failed can be replayed")
	assert.False(t, StageDraftReady.IsTerminal())
}

func TestNewRunID(t *testing.T) {
	now := time.Date(2026, 3, 6, 9, 0, 0, 0, time.UTC)

	id := NewRunID("Scheduled Run!", now)
	assert.True(t, strings.HasPrefix(string(id), "2026-03-06-scheduled-run-"), "got %s", id)

	other := NewRunID("Scheduled Run!", now)
	assert.NotEqual(t, id, other, "same-second triggers must not collide")

	empty := NewRunID("!!!", now)
	assert.True(t, strings.HasPrefix(string(empty), "2026-03-06-run-"), "got %s", empty)
}

func TestLockStateExpired(t *testing.T) {
	now := time.Now()
	lock := &LockState{LeaseExpiresAt: now.Add(time.Minute)}
	assert.False(t, lock.Expired(now))
	assert.True(t, lock.Expired(now.Add(2*time.Minute)))
}

func TestOperatorIntentValidate(t *testing.T) {
	assert.NoError(t, OperatorIntent{Kind: IntentTrigger}.Validate())
	assert.NoError(t, OperatorIntent{Kind: IntentApprove, RunID: "r1"}.Validate())
	assert.Error(t, OperatorIntent{Kind: IntentApprove}.Validate())
	assert.Error(t, OperatorIntent{Kind: IntentFeedback, RunID: "r1"}.Validate())
	assert.NoError(t, OperatorIntent{Kind: IntentFeedback, RunID: "r1", Text: "shorter"}.Validate())
	assert.Error(t, OperatorIntent{Kind: IntentKind("nonsense")}.Validate())
}

func TestDomainErrorIs(t *testing.T) {
	err := ErrCapExceeded("r1", 5)
	assert.True(t, HasCode(err, CodeCapExceeded))
	assert.False(t, HasCode(err, CodeStaleDraft))
	assert.Equal(t, ErrCatState, GetCategory(err))
}
