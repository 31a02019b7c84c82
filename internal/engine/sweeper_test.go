package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"duel-engine/internal/engine"
	"duel-engine/internal/model"
)

func TestSweeperExpiresOnStart(t *testing.T) {
	h := newHarness(t)
	id := h.create("alice", nil)
	h.clock.Advance(engine.DefaultConfig().PendingTTL + time.Second)

	sw, err := engine.StartSweeper(h.mgr, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sw.Stop() })

	require.Eventually(t, func() bool {
		return h.battle(id).Status == model.StatusExpired
	}, 5*time.Second, 10*time.Millisecond)
}
