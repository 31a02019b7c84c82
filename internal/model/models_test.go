package model

import (
	"math"
	"testing"
	"time"
)

func TestCalcStake(t *testing.T) {
	cases := []struct {
		balance int64
		pct     int
		want    int64
	}{
		{200, 50, 100},
		{10, 25, 2},
		{3, 25, 0},
		{1, 75, 0},
		{0, 50, 0},
		{-40, 50, 0},
		{99, 75, 74},
		{math.MaxInt64, 50, math.MaxInt64 / 2},
		{math.MaxInt64, 75, 6917529027641081855},
	}
	for _, tc := range cases {
		if got := CalcStake(tc.balance, tc.pct); got != tc.want {
			t.Fatalf("CalcStake(%d, %d) = %d, want %d", tc.balance, tc.pct, got, tc.want)
		}
	}
}

func TestArenaLabel(t *testing.T) {
	f := func(v float64) *float64 { return &v }

	if got := ArenaLabel(nil, nil); got != OpenArena {
		t.Fatalf("expected open arena, got %q", got)
	}
	if got := ArenaLabel(f(1), nil); got != OpenArena {
		t.Fatalf("expected open arena for partial coordinates, got %q", got)
	}
	if got := ArenaLabel(f(37.7749), f(-122.4194)); got != "Arena 37.775N 122.419W" {
		t.Fatalf("unexpected label %q", got)
	}
	if got := ArenaLabel(f(-33.8688), f(151.2093)); got != "Arena 33.869S 151.209E" {
		t.Fatalf("unexpected label %q", got)
	}
}

func TestStatusTransitions(t *testing.T) {
	allowed := map[BattleStatus][]BattleStatus{
		StatusPending: {StatusActive, StatusExpired, StatusCancelled},
		StatusActive:  {StatusResolved, StatusExpired},
	}
	all := []BattleStatus{StatusPending, StatusActive, StatusResolved, StatusExpired, StatusCancelled}
	for _, from := range all {
		for _, to := range all {
			want := false
			for _, ok := range allowed[from] {
				if ok == to {
					want = true
				}
			}
			if got := from.CanAdvanceTo(to); got != want {
				t.Fatalf("%s -> %s: got %v, want %v", from, to, got, want)
			}
		}
		if from.Terminal() != (len(allowed[from]) == 0) {
			t.Fatalf("%s: terminal mismatch", from)
		}
	}
}

func TestBattleRoles(t *testing.T) {
	opp := "bob"
	now := time.Now()
	b := &Battle{CreatorID: "alice", OpponentID: &opp, OpponentTapAt: &now}

	if r, ok := b.RoleOf("alice"); !ok || r != ParticipantCreator {
		t.Fatalf("expected alice to be creator")
	}
	if r, ok := b.RoleOf("bob"); !ok || r != ParticipantOpponent {
		t.Fatalf("expected bob to be opponent")
	}
	if _, ok := b.RoleOf("carol"); ok {
		t.Fatalf("carol is not a participant")
	}
	if _, ok := b.RoleOf(""); ok {
		t.Fatalf("empty id is never a participant")
	}
	if b.TapAt(ParticipantCreator) != nil || b.TapAt(ParticipantOpponent) == nil {
		t.Fatalf("tap lookup by role is wrong")
	}
	if b.BothTapped() {
		t.Fatalf("only one side tapped")
	}

	open := &Battle{CreatorID: "alice"}
	if _, ok := open.RoleOf("bob"); ok {
		t.Fatalf("nobody is the opponent of an open battle")
	}
}

func TestStakeEnums(t *testing.T) {
	for _, s := range StakeTypes {
		if !s.Valid() {
			t.Fatalf("%s should be valid", s)
		}
	}
	if StakeType("gold").Valid() {
		t.Fatalf("gold is not a stake type")
	}
	for _, p := range []int{0, 10, 33, 100} {
		if ValidStakePercentage(p) {
			t.Fatalf("%d should be rejected", p)
		}
	}
}
