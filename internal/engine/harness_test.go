package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"duel-engine/internal/engine"
	"duel-engine/internal/memstore"
	"duel-engine/internal/model"
)

var (
	_ engine.Store = (*memstore.Store)(nil)
	_ engine.Store = (*faultStore)(nil)
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type published struct {
	battleID string
	msgType  string
	data     any
}

type bus struct {
	mu   sync.Mutex
	msgs []published
}

func (b *bus) publish(battleID, msgType string, data any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, published{battleID, msgType, data})
}

func (b *bus) types(battleID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, m := range b.msgs {
		if m.battleID == battleID {
			out = append(out, m.msgType)
		}
	}
	return out
}

type countingHook struct {
	mu      sync.Mutex
	settled map[string]int
}

func (h *countingHook) OnResolved(_ context.Context, b *model.Battle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.settled == nil {
		h.settled = make(map[string]int)
	}
	h.settled[b.ID]++
}

func (h *countingHook) count(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.settled[id]
}

// faultStore fails the next N calls of selected writes before they reach
// the wrapped store, the way a rolled back transaction would.
type faultStore struct {
	*memstore.Store
	mu           sync.Mutex
	tapFaults    int
	resolveFault int
}

var errStoreDown = errors.New("connection reset by peer")

func (f *faultStore) failTaps(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tapFaults = n
}

func (f *faultStore) failResolves(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveFault = n
}

func (f *faultStore) CommitTap(ctx context.Context, w model.TapWrite) (bool, error) {
	f.mu.Lock()
	if f.tapFaults > 0 {
		f.tapFaults--
		f.mu.Unlock()
		return false, errStoreDown
	}
	f.mu.Unlock()
	return f.Store.CommitTap(ctx, w)
}

func (f *faultStore) ResolveBattle(ctx context.Context, r model.Resolution) (bool, error) {
	f.mu.Lock()
	if f.resolveFault > 0 {
		f.resolveFault--
		f.mu.Unlock()
		return false, errStoreDown
	}
	f.mu.Unlock()
	return f.Store.ResolveBattle(ctx, r)
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	mgr    *engine.Manager
	store  *memstore.Store
	faults *faultStore
	clock  *clock
	bus    *bus
	hook   *countingHook
}

// newHarness seeds alice, bob and carol as present agents. Only alice has
// a stake balance.
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		ctx:   context.Background(),
		store: memstore.New(),
		clock: newClock(),
		bus:   &bus{},
		hook:  &countingHook{},
	}
	h.faults = &faultStore{Store: h.store}
	h.mgr = engine.NewManager(h.faults, h.bus.publish, engine.DefaultConfig(),
		engine.WithClock(h.clock.Now),
		engine.WithSettlementHook(h.hook),
	)
	for _, id := range []string{"alice", "bob", "carol"} {
		_, err := h.mgr.Touch(h.ctx, id, "Agent "+id)
		require.NoError(t, err)
	}
	require.NoError(t, h.store.SetStakeBalance(h.ctx, "alice", model.StakeEnergy, 200))
	return h
}

func (h *harness) create(creator string, opponent *string) string {
	h.t.Helper()
	res, err := h.mgr.CreateBattle(h.ctx, creator, model.CreateBattleReq{
		StakeType:       model.StakeEnergy,
		StakePercentage: 50,
		OpponentID:      opponent,
	})
	require.NoError(h.t, err)
	return res.BattleID
}

// active returns an accepted alice-vs-opponent battle with flash at the
// current clock instant.
func (h *harness) active(opponent string) string {
	h.t.Helper()
	id := h.create("alice", &opponent)
	_, err := h.mgr.AcceptBattle(h.ctx, id, opponent)
	require.NoError(h.t, err)
	return id
}

func (h *harness) battle(id string) *model.Battle {
	h.t.Helper()
	b, err := h.store.GetBattle(h.ctx, id)
	require.NoError(h.t, err)
	return b
}

func (h *harness) tap(id, caller string, pingMs int64) (*model.TapResult, error) {
	return h.mgr.CommitTap(h.ctx, id, caller, model.TapReq{
		ClientTapAt: h.clock.Now().Format(time.RFC3339Nano),
		PingMs:      pingMs,
	})
}

func (h *harness) events(id string) []model.BattleAuditEvent {
	h.t.Helper()
	evs, err := h.store.ListAuditEvents(h.ctx, id)
	require.NoError(h.t, err)
	return evs
}

func eventTypes(evs []model.BattleAuditEvent) []model.AuditType {
	out := make([]model.AuditType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func requireCode(t *testing.T, err error, code engine.Code) *engine.Error {
	t.Helper()
	require.Error(t, err)
	var e *engine.Error
	require.True(t, errors.As(err, &e), "expected *engine.Error, got %T: %v", err, err)
	require.Equal(t, code, e.Code, "message: %s", e.Message)
	return e
}

func ptr[T any](v T) *T { return &v }
