package engine

import (
	"context"
	"errors"
	"log"

	"duel-engine/internal/model"
)

var errFlashMissing = errors.New("active battle has no flash_at")

// Winner reasons recorded in the resolution event.
const (
	ReasonFasterReaction  = "faster_reaction"
	ReasonEarlierTap      = "earlier_tap"
	ReasonCreatorTieBreak = "creator_tiebreak"
)

// DecideWinner picks the lower compensated reaction. Equal reactions go to
// the earlier server tap, and a full tie goes to the creator.
func DecideWinner(b *model.Battle) (string, string) {
	cr, or := *b.CreatorReactionMs, *b.OpponentReactionMs
	switch {
	case cr < or:
		return b.CreatorID, ReasonFasterReaction
	case or < cr:
		return *b.OpponentID, ReasonFasterReaction
	}
	ct, ot := *b.CreatorTapAt, *b.OpponentTapAt
	switch {
	case ct.Before(ot):
		return b.CreatorID, ReasonEarlierTap
	case ot.Before(ct):
		return *b.OpponentID, ReasonEarlierTap
	}
	return b.CreatorID, ReasonCreatorTieBreak
}

// Resolve finishes a battle once both taps are recorded. It is safe to
// call any number of times from any number of callers: the transition is
// conditional on the row still being active, so only one caller applies
// it and the rest observe the result.
func (m *Manager) Resolve(ctx context.Context, battleID string) (*model.Battle, error) {
	b, err := m.loadBattle(ctx, battleID)
	if err != nil {
		return nil, err
	}
	if b.Status != model.StatusActive || !b.BothTapped() {
		return b, nil
	}
	if b.CreatorReactionMs == nil || b.OpponentReactionMs == nil || b.OpponentID == nil {
		return nil, errInternal("resolve", errors.New("tapped battle is missing reaction data"))
	}

	winnerID, reason := DecideWinner(b)
	now := m.now()
	r := model.Resolution{
		BattleID:   b.ID,
		WinnerID:   winnerID,
		ResolvedAt: now,
		Event: m.event(b.ID, nil, model.AuditResolved, model.ResolvedPayload{
			WinnerID:           winnerID,
			Reason:             reason,
			CreatorReactionMs:  *b.CreatorReactionMs,
			OpponentReactionMs: *b.OpponentReactionMs,
			ResolvedAt:         now,
		}, now),
	}
	applied, err := m.store.ResolveBattle(ctx, r)
	if err != nil {
		return nil, errInternal("resolve battle", err)
	}
	if !applied {
		return m.loadBattle(ctx, b.ID)
	}

	b.Status = model.StatusResolved
	b.WinnerID = &winnerID
	b.ResolvedAt = &now
	b.UpdatedAt = now

	m.hook.OnResolved(ctx, b)
	m.emit(b.ID, "battle_resolved", map[string]any{
		"battle_id":            b.ID,
		"winner_id":            winnerID,
		"reason":               reason,
		"creator_reaction_ms":  *b.CreatorReactionMs,
		"opponent_reaction_ms": *b.OpponentReactionMs,
	})
	log.Printf("[engine] battle %s resolved: winner %s (%s)", b.ID, winnerID, reason)
	return b, nil
}

// ResolvePending resolves active battles that hold both taps but were never
// resolved, e.g. because the store failed right after the second tap. A
// failure on one battle does not stop the rest; the first error is returned.
func (m *Manager) ResolvePending(ctx context.Context) (int, error) {
	ids, err := m.store.ListTappedActive(ctx)
	if err != nil {
		return 0, errInternal("list tapped battles", err)
	}
	var (
		n        int
		firstErr error
	)
	for _, id := range ids {
		b, err := m.Resolve(ctx, id)
		if err != nil {
			log.Printf("[engine] resolve straggler %s: %v", id, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if b.Status == model.StatusResolved {
			n++
		}
	}
	if n > 0 {
		log.Printf("[engine] resolved %d stragglers", n)
	}
	return n, firstErr
}
