package engine_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duel-engine/internal/engine"
	"duel-engine/internal/model"
)

func TestTapStoreFailureLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	id := h.active("bob")
	h.clock.Advance(300 * time.Millisecond)

	h.faults.failTaps(1)
	_, err := h.tap(id, "bob", 40)
	e := requireCode(t, err, engine.CodeInternal)
	assert.True(t, errors.Is(err, errStoreDown))
	assert.False(t, e.Recoverable())

	b := h.battle(id)
	assert.Nil(t, b.OpponentTapAt)
	assert.Nil(t, b.OpponentReactionMs)
	parts, err := h.store.ListParticipants(h.ctx, id)
	require.NoError(t, err)
	assert.Empty(t, parts)
	assert.Equal(t, []model.AuditType{model.AuditCreated, model.AuditAccepted}, eventTypes(h.events(id)))

	res, err := h.tap(id, "bob", 40)
	require.NoError(t, err)
	assert.EqualValues(t, 280, res.ReactionMs)
}

func TestResolveFailureIsPickedUpBySweep(t *testing.T) {
	h := newHarness(t)
	id := h.active("bob")
	h.clock.Advance(250 * time.Millisecond)
	_, err := h.tap(id, "alice", 0)
	require.NoError(t, err)

	h.faults.failResolves(1)
	h.clock.Advance(30 * time.Millisecond)
	res, err := h.tap(id, "bob", 0)
	require.NoError(t, err, "the tap itself is durable")
	assert.False(t, res.Resolved)

	b := h.battle(id)
	require.Equal(t, model.StatusActive, b.Status)
	require.True(t, b.BothTapped())

	h.clock.Advance(engine.DefaultConfig().ActiveTTL + time.Second)
	n, err := h.mgr.ExpireStale(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	b = h.battle(id)
	require.Equal(t, model.StatusResolved, b.Status)
	require.NotNil(t, b.WinnerID)
	assert.Equal(t, "alice", *b.WinnerID)
	assert.Equal(t, 1, h.hook.count(id))
	assert.Equal(t, []model.AuditType{
		model.AuditCreated, model.AuditAccepted, model.AuditTapCommit, model.AuditTapCommit, model.AuditResolved,
	}, eventTypes(h.events(id)))
}

func TestStragglerSurvivesRepeatedResolveFailures(t *testing.T) {
	h := newHarness(t)
	id := h.active("bob")
	h.clock.Advance(200 * time.Millisecond)
	_, err := h.tap(id, "alice", 0)
	require.NoError(t, err)

	h.faults.failResolves(2)
	_, err = h.tap(id, "bob", 0)
	require.NoError(t, err)

	h.clock.Advance(engine.DefaultConfig().ActiveTTL + time.Second)
	_, err = h.mgr.ExpireStale(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, h.battle(id).Status, "both taps: never expired")

	n, err := h.mgr.ResolvePending(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.StatusResolved, h.battle(id).Status)
}

func TestOneSidedActiveBattleStillExpires(t *testing.T) {
	h := newHarness(t)
	id := h.active("bob")
	h.clock.Advance(200 * time.Millisecond)
	_, err := h.tap(id, "alice", 0)
	require.NoError(t, err)

	h.clock.Advance(engine.DefaultConfig().ActiveTTL + time.Second)
	n, err := h.mgr.ExpireStale(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	b := h.battle(id)
	assert.Equal(t, model.StatusExpired, b.Status)
	assert.NotNil(t, b.FlashAt)
	assert.Nil(t, b.WinnerID)
}

// Battles closed before activation never saw a flash.
func TestFlashStaysNullWithoutActivation(t *testing.T) {
	h := newHarness(t)
	cancelled := h.create("alice", nil)
	require.NoError(t, h.mgr.CancelBattle(h.ctx, cancelled, "alice"))

	expired := h.create("alice", ptr("bob"))
	h.clock.Advance(engine.DefaultConfig().PendingTTL + time.Second)
	_, err := h.mgr.ExpireStale(h.ctx)
	require.NoError(t, err)

	for id, want := range map[string]model.BattleStatus{cancelled: model.StatusCancelled, expired: model.StatusExpired} {
		b := h.battle(id)
		assert.Equal(t, want, b.Status)
		assert.Nil(t, b.FlashAt, "%s battle has no flash", want)
	}

	active := h.active("carol")
	assert.NotNil(t, h.battle(active).FlashAt)
}
