package engine

import (
	"context"
	"log"
	"net/http"

	"github.com/google/uuid"

	"duel-engine/internal/model"
)

// ── Create ───────────────────────────────────────────

// CreateBattle opens a pending battle for creatorID, which must come from
// the caller's credential.
func (m *Manager) CreateBattle(ctx context.Context, creatorID string, req model.CreateBattleReq) (*model.CreateBattleResult, error) {
	if creatorID == "" {
		return nil, errUnauthenticated()
	}
	if !req.StakeType.Valid() {
		return nil, errBadInput(CodeInvalidStake, "stake_type must be one of %v", model.StakeTypes)
	}
	if !model.ValidStakePercentage(req.StakePercentage) {
		return nil, errBadInput(CodeInvalidStake, "stake_percentage must be one of %v", model.StakePercentages)
	}
	if (req.ArenaLat == nil) != (req.ArenaLng == nil) {
		return nil, errBadInput(CodeInvalidArena, "arena_lat and arena_lng must be given together")
	}
	if req.ArenaLat != nil {
		if *req.ArenaLat < -90 || *req.ArenaLat > 90 || *req.ArenaLng < -180 || *req.ArenaLng > 180 {
			return nil, errBadInput(CodeInvalidArena, "arena coordinates out of range")
		}
	}

	var opponentID *string
	if req.OpponentID != nil && *req.OpponentID != "" {
		if *req.OpponentID == creatorID {
			return nil, errBadInput(CodeInvalidOpponent, "cannot challenge yourself")
		}
		opp, err := m.store.GetAgent(ctx, *req.OpponentID)
		if err != nil {
			return nil, errInternal("load opponent", err)
		}
		if opp == nil {
			return nil, newErr(CodeOpponentNotFound, http.StatusNotFound, "opponent %s not found", *req.OpponentID)
		}
		id := opp.ID
		opponentID = &id
	}

	balance, err := m.store.StakeBalance(ctx, creatorID, req.StakeType)
	if err != nil {
		return nil, errInternal("load stake balance", err)
	}
	amount := model.CalcStake(balance, req.StakePercentage)
	if amount < 1 {
		return nil, newErr(CodeInsufficientStake, http.StatusUnprocessableEntity, "not enough %s to stake %d%%", req.StakeType, req.StakePercentage)
	}

	now := m.now()
	b := &model.Battle{
		ID:              uuid.New().String(),
		CreatorID:       creatorID,
		OpponentID:      opponentID,
		StakeType:       req.StakeType,
		StakePercentage: req.StakePercentage,
		StakeAmount:     amount,
		ArenaLat:        req.ArenaLat,
		ArenaLng:        req.ArenaLng,
		ArenaLabel:      model.ArenaLabel(req.ArenaLat, req.ArenaLng),
		Status:          model.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	ev := m.event(b.ID, &creatorID, model.AuditCreated, model.CreatedPayload{
		CreatorID:       creatorID,
		OpponentID:      opponentID,
		StakeType:       b.StakeType,
		StakePercentage: b.StakePercentage,
		StakeAmount:     amount,
		ArenaLat:        b.ArenaLat,
		ArenaLng:        b.ArenaLng,
		ArenaLabel:      b.ArenaLabel,
		CreatedAt:       now,
	}, now)
	if err := m.store.CreateBattle(ctx, b, ev); err != nil {
		return nil, errInternal("create battle", err)
	}

	log.Printf("[engine] battle %s created by %s: %d %s (%d%%)", b.ID, creatorID, amount, b.StakeType, b.StakePercentage)
	return &model.CreateBattleResult{BattleID: b.ID, ArenaLabel: b.ArenaLabel, StakeAmount: amount}, nil
}

// ── Accept ───────────────────────────────────────────

// AcceptBattle moves a pending battle to active for callerID and stamps
// flash_at. Of two concurrent accepts only one wins the transition; the
// other gets BATTLE_UNAVAILABLE.
func (m *Manager) AcceptBattle(ctx context.Context, battleID, callerID string) (*model.Battle, error) {
	if callerID == "" {
		return nil, errUnauthenticated()
	}
	b, err := m.loadBattle(ctx, battleID)
	if err != nil {
		return nil, err
	}
	if b.CreatorID == callerID {
		return nil, errNotOpponent("creator cannot accept their own battle")
	}

	switch b.Status {
	case model.StatusPending:
		if b.OpponentID != nil && *b.OpponentID != callerID {
			return nil, errNotOpponent("battle is reserved for another opponent")
		}
	case model.StatusActive:
		if b.OpponentID != nil && *b.OpponentID == callerID {
			return nil, errInvalidStatus(b.Status, "accept")
		}
		return nil, errUnavailable(b.Status)
	default:
		return nil, errInvalidStatus(b.Status, "accept")
	}

	flashAt := m.now()
	ev := m.event(b.ID, &callerID, model.AuditAccepted, model.ActivatedPayload{OpponentID: callerID, FlashAt: flashAt}, flashAt)
	ok, err := m.store.ActivateBattle(ctx, b.ID, callerID, flashAt, ev)
	if err != nil {
		return nil, errInternal("activate battle", err)
	}
	if !ok {
		cur, err := m.loadBattle(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		return nil, errUnavailable(cur.Status)
	}

	b.OpponentID = &callerID
	b.Status = model.StatusActive
	b.FlashAt = &flashAt
	b.UpdatedAt = flashAt
	m.announceActive(b)
	log.Printf("[engine] battle %s accepted by %s, flash at %s", b.ID, callerID, flashAt.Format("15:04:05.000"))
	return b, nil
}

// ── Match ────────────────────────────────────────────

// MatchBattle binds a random eligible opponent to an open pending battle
// and activates it in one conditional transition.
func (m *Manager) MatchBattle(ctx context.Context, battleID, callerID string) (*model.Opponent, error) {
	if callerID == "" {
		return nil, errUnauthenticated()
	}
	b, err := m.loadBattle(ctx, battleID)
	if err != nil {
		return nil, err
	}
	if b.CreatorID != callerID {
		return nil, errNotParticipant("only the creator can request a match")
	}
	if b.Status != model.StatusPending {
		return nil, errInvalidStatus(b.Status, "match")
	}
	if b.OpponentID != nil {
		return nil, errUnavailable(b.Status)
	}

	opp, err := m.RandomOpponent(ctx, callerID)
	if err != nil {
		return nil, err
	}

	flashAt := m.now()
	ev := m.event(b.ID, &callerID, model.AuditMatched, model.ActivatedPayload{OpponentID: opp.ID, FlashAt: flashAt}, flashAt)
	ok, err := m.store.ActivateBattle(ctx, b.ID, opp.ID, flashAt, ev)
	if err != nil {
		return nil, errInternal("activate battle", err)
	}
	if !ok {
		cur, err := m.loadBattle(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		return nil, errUnavailable(cur.Status)
	}

	b.OpponentID = &opp.ID
	b.Status = model.StatusActive
	b.FlashAt = &flashAt
	b.UpdatedAt = flashAt
	m.announceActive(b)
	log.Printf("[engine] battle %s matched %s vs %s", b.ID, b.CreatorID, opp.ID)
	return opp, nil
}

// RandomOpponent picks one eligible agent for callerID. Eligibility is a
// store policy: known, recently seen, not the caller, not in an open battle.
func (m *Manager) RandomOpponent(ctx context.Context, callerID string) (*model.Opponent, error) {
	if callerID == "" {
		return nil, errUnauthenticated()
	}
	since := m.now().Add(-m.cfg.PresenceWindow)
	a, err := m.store.RandomEligibleAgent(ctx, callerID, since)
	if err != nil {
		return nil, errInternal("select opponent", err)
	}
	if a == nil {
		return nil, newErr(CodeNoOpponent, http.StatusNotFound, "no eligible opponent is available right now")
	}
	return &model.Opponent{ID: a.ID, DisplayName: a.DisplayName}, nil
}

func (m *Manager) announceActive(b *model.Battle) {
	m.emit(b.ID, "battle_active", map[string]any{
		"battle_id":   b.ID,
		"creator_id":  b.CreatorID,
		"opponent_id": b.OpponentID,
		"flash_at":    b.FlashAt,
	})
}

// ── Cancel ───────────────────────────────────────────

func (m *Manager) CancelBattle(ctx context.Context, battleID, callerID string) error {
	if callerID == "" {
		return errUnauthenticated()
	}
	b, err := m.loadBattle(ctx, battleID)
	if err != nil {
		return err
	}
	if b.CreatorID != callerID {
		return errNotParticipant("only the creator can cancel a battle")
	}
	if b.Status != model.StatusPending {
		return errInvalidStatus(b.Status, "cancel")
	}

	now := m.now()
	ev := m.event(b.ID, &callerID, model.AuditCancelled, model.ClosedPayload{
		PreviousStatus: model.StatusPending,
		Reason:         "creator_cancelled",
		ClosedAt:       now,
	}, now)
	ok, err := m.store.CancelBattle(ctx, b.ID, now, ev)
	if err != nil {
		return errInternal("cancel battle", err)
	}
	if !ok {
		cur, err := m.loadBattle(ctx, b.ID)
		if err != nil {
			return err
		}
		return errInvalidStatus(cur.Status, "cancel")
	}
	m.emit(b.ID, "battle_cancelled", map[string]any{"battle_id": b.ID})
	return nil
}

// ── Expiry ───────────────────────────────────────────

// ExpireStale closes pending battles nobody accepted within PendingTTL and
// active battles whose flash is older than ActiveTTL. Battles holding both
// taps are resolved instead, never expired.
func (m *Manager) ExpireStale(ctx context.Context) (int, error) {
	if _, err := m.ResolvePending(ctx); err != nil {
		// Stragglers stay active and are never expired; retry next sweep.
		log.Printf("[engine] resolve pending: %v", err)
	}
	now := m.now()
	expired, err := m.store.ExpireBattles(ctx, now.Add(-m.cfg.PendingTTL), now.Add(-m.cfg.ActiveTTL), now)
	if err != nil {
		return 0, errInternal("expire battles", err)
	}
	for _, b := range expired {
		m.emit(b.ID, "battle_expired", map[string]any{"battle_id": b.ID})
	}
	if len(expired) > 0 {
		log.Printf("[engine] expired %d stale battles", len(expired))
	}
	return len(expired), nil
}
