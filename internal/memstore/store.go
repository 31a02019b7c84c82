// Package memstore is an in-process battle store with the same conditional
// write semantics as the Postgres store. A single mutex stands in for the
// row locks Postgres takes on UPDATE.
package memstore

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"duel-engine/internal/model"
)

type balanceKey struct {
	agentID string
	stake   model.StakeType
}

type Store struct {
	mu           sync.Mutex
	agents       map[string]model.Agent
	balances     map[balanceKey]int64
	battles      map[string]*model.Battle
	participants map[string][]model.BattleParticipant
	events       []model.BattleAuditEvent
	nextEventID  int64
	rnd          *rand.Rand
}

func New() *Store {
	return &Store{
		agents:       make(map[string]model.Agent),
		balances:     make(map[balanceKey]int64),
		battles:      make(map[string]*model.Battle),
		participants: make(map[string][]model.BattleParticipant),
		rnd:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ── Agents ───────────────────────────────────────────

func (s *Store) GetAgent(_ context.Context, id string) (*model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *Store) UpsertAgent(_ context.Context, id, displayName string, seenAt time.Time) (*model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		a = model.Agent{ID: id, CreatedAt: seenAt}
	}
	a.DisplayName = displayName
	a.LastSeenAt = seenAt
	s.agents[id] = a
	return &a, nil
}

func (s *Store) RandomEligibleAgent(_ context.Context, excludeID string, seenSince time.Time) (*model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	busy := make(map[string]bool)
	for _, b := range s.battles {
		if b.Status != model.StatusPending && b.Status != model.StatusActive {
			continue
		}
		busy[b.CreatorID] = true
		if b.OpponentID != nil {
			busy[*b.OpponentID] = true
		}
	}
	var eligible []model.Agent
	for _, a := range s.agents {
		if a.ID == excludeID || busy[a.ID] || a.LastSeenAt.Before(seenSince) {
			continue
		}
		eligible = append(eligible, a)
	}
	if len(eligible) == 0 {
		return nil, nil
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })
	a := eligible[s.rnd.Intn(len(eligible))]
	return &a, nil
}

func (s *Store) StakeBalance(_ context.Context, agentID string, stake model.StakeType) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[balanceKey{agentID, stake}], nil
}

func (s *Store) SetStakeBalance(_ context.Context, agentID string, stake model.StakeType, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[balanceKey{agentID, stake}] = amount
	return nil
}

// ── Battles ──────────────────────────────────────────

func (s *Store) CreateBattle(_ context.Context, b *model.Battle, ev model.BattleAuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.battles[b.ID] = cloneBattle(b)
	s.appendEvent(ev)
	return nil
}

func (s *Store) GetBattle(_ context.Context, id string) (*model.Battle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.battles[id]
	if !ok {
		return nil, nil
	}
	return cloneBattle(b), nil
}

func (s *Store) ActivateBattle(_ context.Context, id, opponentID string, flashAt time.Time, ev model.BattleAuditEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.battles[id]
	if !ok || b.Status != model.StatusPending {
		return false, nil
	}
	if b.OpponentID != nil && *b.OpponentID != opponentID {
		return false, nil
	}
	opp := opponentID
	fa := flashAt
	b.OpponentID = &opp
	b.Status = model.StatusActive
	b.FlashAt = &fa
	b.UpdatedAt = flashAt
	s.appendEvent(ev)
	return true, nil
}

func (s *Store) CancelBattle(_ context.Context, id string, at time.Time, ev model.BattleAuditEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.battles[id]
	if !ok || b.Status != model.StatusPending {
		return false, nil
	}
	b.Status = model.StatusCancelled
	b.UpdatedAt = at
	s.appendEvent(ev)
	return true, nil
}

func (s *Store) CommitTap(_ context.Context, w model.TapWrite) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.battles[w.BattleID]
	if !ok || b.Status != model.StatusActive {
		return false, nil
	}
	for _, p := range s.participants[w.BattleID] {
		if p.Role == w.Role {
			return false, nil
		}
	}
	at, reaction, ping := w.TappedAt, w.ReactionMs, w.PingMs
	switch w.Role {
	case model.ParticipantCreator:
		if b.CreatorTapAt != nil {
			return false, nil
		}
		b.CreatorTapAt, b.CreatorReactionMs, b.CreatorPingMs = &at, &reaction, &ping
	case model.ParticipantOpponent:
		if b.OpponentTapAt != nil {
			return false, nil
		}
		b.OpponentTapAt, b.OpponentReactionMs, b.OpponentPingMs = &at, &reaction, &ping
	default:
		return false, nil
	}
	b.UpdatedAt = w.TappedAt
	s.participants[w.BattleID] = append(s.participants[w.BattleID], model.BattleParticipant{
		ID:          w.ParticipantID,
		BattleID:    w.BattleID,
		AgentID:     w.AgentID,
		Role:        w.Role,
		TappedAt:    w.TappedAt,
		ReactionMs:  w.ReactionMs,
		PingMs:      w.PingMs,
		ClientTapAt: w.ClientTapAt,
		CreatedAt:   w.TappedAt,
	})
	s.appendEvent(w.Event)
	return true, nil
}

func (s *Store) ResolveBattle(_ context.Context, r model.Resolution) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.battles[r.BattleID]
	if !ok || b.Status != model.StatusActive || !b.BothTapped() {
		return false, nil
	}
	winner, at := r.WinnerID, r.ResolvedAt
	b.Status = model.StatusResolved
	b.WinnerID = &winner
	b.ResolvedAt = &at
	b.UpdatedAt = at
	s.appendEvent(r.Event)
	return true, nil
}

func (s *Store) ExpireBattles(_ context.Context, pendingBefore, activeBefore, at time.Time) ([]model.Battle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Battle
	for _, b := range s.battles {
		stale := (b.Status == model.StatusPending && b.CreatedAt.Before(pendingBefore)) ||
			(b.Status == model.StatusActive && !b.BothTapped() && b.FlashAt != nil && b.FlashAt.Before(activeBefore))
		if !stale {
			continue
		}
		prev := b.Status
		b.Status = model.StatusExpired
		b.UpdatedAt = at
		s.appendEvent(model.BattleAuditEvent{
			BattleID:  b.ID,
			Type:      model.AuditExpired,
			Payload:   model.ClosedPayload{PreviousStatus: prev, Reason: "ttl", ClosedAt: at},
			CreatedAt: at,
		})
		out = append(out, *cloneBattle(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListTappedActive returns active battles that already hold both taps.
func (s *Store) ListTappedActive(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, b := range s.battles {
		if b.Status == model.StatusActive && b.BothTapped() {
			out = append(out, b.ID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) CountBattlesByStatus(_ context.Context) (map[model.BattleStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[model.BattleStatus]int)
	for _, b := range s.battles {
		out[b.Status]++
	}
	return out, nil
}

// ── Audit ────────────────────────────────────────────

// appendEvent must be called with mu held.
func (s *Store) appendEvent(ev model.BattleAuditEvent) {
	s.nextEventID++
	ev.ID = s.nextEventID
	s.events = append(s.events, ev)
}

func (s *Store) ListAuditEvents(_ context.Context, battleID string) ([]model.BattleAuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.BattleAuditEvent
	for _, ev := range s.events {
		if ev.BattleID == battleID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *Store) ListRecentAuditEvents(_ context.Context, battleID *string, limit int) ([]model.BattleAuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.BattleAuditEvent
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		ev := s.events[i]
		if battleID != nil && ev.BattleID != *battleID {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *Store) ListParticipants(_ context.Context, battleID string) ([]model.BattleParticipant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.BattleParticipant(nil), s.participants[battleID]...), nil
}

func cloneBattle(b *model.Battle) *model.Battle {
	c := *b
	c.OpponentID = clonePtr(b.OpponentID)
	c.ArenaLat = clonePtr(b.ArenaLat)
	c.ArenaLng = clonePtr(b.ArenaLng)
	c.FlashAt = clonePtr(b.FlashAt)
	c.CreatorTapAt = clonePtr(b.CreatorTapAt)
	c.OpponentTapAt = clonePtr(b.OpponentTapAt)
	c.CreatorReactionMs = clonePtr(b.CreatorReactionMs)
	c.OpponentReactionMs = clonePtr(b.OpponentReactionMs)
	c.CreatorPingMs = clonePtr(b.CreatorPingMs)
	c.OpponentPingMs = clonePtr(b.OpponentPingMs)
	c.WinnerID = clonePtr(b.WinnerID)
	c.ResolvedAt = clonePtr(b.ResolvedAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
