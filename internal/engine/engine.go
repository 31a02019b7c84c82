package engine

import (
	"context"
	"log"
	"time"

	"duel-engine/internal/model"
)

// PublishFunc broadcasts a WS message for a battle.
type PublishFunc func(battleID, msgType string, data any)

// Store is the relational battle store. Every mutating method is a single
// conditional unit: it reports applied=false, writing nothing, when the
// guarded row no longer matches.
type Store interface {
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	UpsertAgent(ctx context.Context, id, displayName string, seenAt time.Time) (*model.Agent, error)
	RandomEligibleAgent(ctx context.Context, excludeID string, seenSince time.Time) (*model.Agent, error)
	StakeBalance(ctx context.Context, agentID string, stake model.StakeType) (int64, error)
	SetStakeBalance(ctx context.Context, agentID string, stake model.StakeType, amount int64) error

	CreateBattle(ctx context.Context, b *model.Battle, ev model.BattleAuditEvent) error
	GetBattle(ctx context.Context, id string) (*model.Battle, error)
	ActivateBattle(ctx context.Context, id, opponentID string, flashAt time.Time, ev model.BattleAuditEvent) (bool, error)
	CancelBattle(ctx context.Context, id string, at time.Time, ev model.BattleAuditEvent) (bool, error)
	CommitTap(ctx context.Context, w model.TapWrite) (bool, error)
	ResolveBattle(ctx context.Context, r model.Resolution) (bool, error)
	ExpireBattles(ctx context.Context, pendingBefore, activeBefore, at time.Time) ([]model.Battle, error)
	ListTappedActive(ctx context.Context) ([]string, error)
	CountBattlesByStatus(ctx context.Context) (map[model.BattleStatus]int, error)

	ListAuditEvents(ctx context.Context, battleID string) ([]model.BattleAuditEvent, error)
	ListRecentAuditEvents(ctx context.Context, battleID *string, limit int) ([]model.BattleAuditEvent, error)
	ListParticipants(ctx context.Context, battleID string) ([]model.BattleParticipant, error)
}

// SettlementHook is told exactly once about every resolved battle.
type SettlementHook interface {
	OnResolved(ctx context.Context, b *model.Battle)
}

type logSettlement struct{}

func (logSettlement) OnResolved(_ context.Context, b *model.Battle) {
	if b.WinnerID == nil {
		return
	}
	log.Printf("[engine] settle battle %s: %d %s to %s", b.ID, b.StakeAmount, b.StakeType, *b.WinnerID)
}

type Config struct {
	MaxPingMs      int64
	PendingTTL     time.Duration
	ActiveTTL      time.Duration
	PresenceWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxPingMs:      1000,
		PendingTTL:     10 * time.Minute,
		ActiveTTL:      2 * time.Minute,
		PresenceWindow: 5 * time.Minute,
	}
}

// ── Manager ──────────────────────────────────────────

// Manager is the battle lifecycle owner. It keeps no battle state of its
// own; every call reads and conditionally writes the store.
type Manager struct {
	store   Store
	publish PublishFunc
	hook    SettlementHook
	cfg     Config
	clock   func() time.Time
}

type Option func(*Manager)

// WithClock replaces the wall clock used for flash and tap stamps.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

func WithSettlementHook(h SettlementHook) Option {
	return func(m *Manager) { m.hook = h }
}

func NewManager(store Store, pub PublishFunc, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		publish: pub,
		hook:    logSettlement{},
		cfg:     cfg,
		clock:   time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) Config() Config { return m.cfg }

// now is the server's authoritative instant. Truncated to the store's
// timestamp precision so stored values reproduce computed reactions.
func (m *Manager) now() time.Time {
	return m.clock().UTC().Truncate(time.Microsecond)
}

// Now exposes the authoritative clock for ping sampling.
func (m *Manager) Now() time.Time { return m.now() }

func (m *Manager) emit(battleID, msgType string, data any) {
	if m.publish != nil {
		m.publish(battleID, msgType, data)
	}
}

func (m *Manager) event(battleID string, actorID *string, typ model.AuditType, payload any, at time.Time) model.BattleAuditEvent {
	return model.BattleAuditEvent{
		BattleID:  battleID,
		ActorID:   actorID,
		Type:      typ,
		Payload:   payload,
		CreatedAt: at,
	}
}

func (m *Manager) loadBattle(ctx context.Context, id string) (*model.Battle, error) {
	b, err := m.store.GetBattle(ctx, id)
	if err != nil {
		return nil, errInternal("load battle", err)
	}
	if b == nil {
		return nil, errBattleNotFound(id)
	}
	return b, nil
}

// ── Reads ────────────────────────────────────────────

// GetBattle returns the battle row to its participants. Anyone may read an
// open challenge, since any agent can accept it.
func (m *Manager) GetBattle(ctx context.Context, id, callerID string) (*model.Battle, error) {
	if callerID == "" {
		return nil, errUnauthenticated()
	}
	b, err := m.loadBattle(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := b.RoleOf(callerID); ok {
		return b, nil
	}
	if b.Status == model.StatusPending && b.OpponentID == nil {
		return b, nil
	}
	return nil, errNotParticipant("only participants may read this battle")
}

// Touch records the caller's presence for matchmaking eligibility.
func (m *Manager) Touch(ctx context.Context, agentID, displayName string) (*model.Agent, error) {
	if agentID == "" {
		return nil, errUnauthenticated()
	}
	if displayName == "" {
		displayName = agentID
	}
	a, err := m.store.UpsertAgent(ctx, agentID, displayName, m.now())
	if err != nil {
		return nil, errInternal("upsert agent", err)
	}
	return a, nil
}

// AuditTrail returns a battle's events in append order plus its
// participant rows. Only participants may read it.
func (m *Manager) AuditTrail(ctx context.Context, battleID, callerID string) (*model.Battle, []model.BattleAuditEvent, []model.BattleParticipant, error) {
	b, err := m.loadBattle(ctx, battleID)
	if err != nil {
		return nil, nil, nil, err
	}
	if _, ok := b.RoleOf(callerID); !ok {
		return nil, nil, nil, errNotParticipant("only participants may read the audit trail")
	}
	events, err := m.store.ListAuditEvents(ctx, battleID)
	if err != nil {
		return nil, nil, nil, errInternal("list audit events", err)
	}
	parts, err := m.store.ListParticipants(ctx, battleID)
	if err != nil {
		return nil, nil, nil, errInternal("list participants", err)
	}
	return b, events, parts, nil
}

// ── Admin ────────────────────────────────────────────

func (m *Manager) SetStakeBalance(ctx context.Context, agentID string, stake model.StakeType, amount int64) error {
	if agentID == "" {
		return errBadInput(CodeBadRequest, "agent_id required")
	}
	if !stake.Valid() {
		return errBadInput(CodeInvalidStake, "stake_type must be one of %v", model.StakeTypes)
	}
	if amount < 0 {
		return errBadInput(CodeBadRequest, "amount must be >= 0")
	}
	if err := m.store.SetStakeBalance(ctx, agentID, stake, amount); err != nil {
		return errInternal("set stake balance", err)
	}
	return nil
}

func (m *Manager) RecentEvents(ctx context.Context, battleID *string, limit int) ([]model.BattleAuditEvent, error) {
	events, err := m.store.ListRecentAuditEvents(ctx, battleID, limit)
	if err != nil {
		return nil, errInternal("list events", err)
	}
	return events, nil
}

func (m *Manager) StatusCounts(ctx context.Context) (map[model.BattleStatus]int, error) {
	counts, err := m.store.CountBattlesByStatus(ctx)
	if err != nil {
		return nil, errInternal("count battles", err)
	}
	return counts, nil
}
