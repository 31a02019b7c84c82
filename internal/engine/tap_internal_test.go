package engine

import (
	"testing"
	"time"

	"duel-engine/internal/model"
)

func TestCompensate(t *testing.T) {
	flash := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		tapAfter time.Duration
		pingMs   int64
		want     int64
	}{
		{300 * time.Millisecond, 40, 280},
		{280 * time.Millisecond, 60, 250},
		{250 * time.Millisecond, 0, 250},
		{250*time.Millisecond + 900*time.Microsecond, 0, 250},
		{250 * time.Millisecond, 101, 199},
		{100 * time.Millisecond, 400, 0},
		{0, 0, 0},
	}
	for _, tc := range cases {
		if got := Compensate(flash, flash.Add(tc.tapAfter), tc.pingMs); got != tc.want {
			t.Fatalf("Compensate(+%s, ping %d) = %d, want %d", tc.tapAfter, tc.pingMs, got, tc.want)
		}
	}
}

func TestParseClientTap(t *testing.T) {
	server := time.Date(2025, 3, 14, 12, 0, 1, 0, time.UTC)

	at, skew := parseClientTap("2025-03-14T12:00:00.750Z", server)
	if at == nil || skew == nil {
		t.Fatalf("expected parsed client time")
	}
	if *skew != 250 {
		t.Fatalf("expected skew 250ms, got %d", *skew)
	}

	at, skew = parseClientTap("2025-03-14T14:00:01+02:00", server)
	if at == nil || !at.Equal(server) || *skew != 0 {
		t.Fatalf("expected offset time normalized to server instant, got %v %v", at, skew)
	}

	for _, raw := range []string{"", "   ", "not a time", "1710417600"} {
		if at, skew := parseClientTap(raw, server); at != nil || skew != nil {
			t.Fatalf("expected %q to be ignored", raw)
		}
	}
}

func battleWith(creatorMs, opponentMs int64, creatorAt, opponentAt time.Time) *model.Battle {
	opp := "bob"
	return &model.Battle{
		CreatorID:          "alice",
		OpponentID:         &opp,
		CreatorReactionMs:  &creatorMs,
		OpponentReactionMs: &opponentMs,
		CreatorTapAt:       &creatorAt,
		OpponentTapAt:      &opponentAt,
	}
}

func TestDecideWinner(t *testing.T) {
	t0 := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Millisecond)

	cases := []struct {
		name       string
		b          *model.Battle
		winner     string
		wantReason string
	}{
		{"creator faster", battleWith(200, 250, t1, t0), "alice", ReasonFasterReaction},
		{"opponent faster", battleWith(280, 250, t0, t1), "bob", ReasonFasterReaction},
		{"tie, creator tapped first", battleWith(250, 250, t0, t1), "alice", ReasonEarlierTap},
		{"tie, opponent tapped first", battleWith(250, 250, t1, t0), "bob", ReasonEarlierTap},
		{"full tie", battleWith(250, 250, t0, t0), "alice", ReasonCreatorTieBreak},
	}
	for _, tc := range cases {
		winner, reason := DecideWinner(tc.b)
		if winner != tc.winner || reason != tc.wantReason {
			t.Fatalf("%s: got %s/%s, want %s/%s", tc.name, winner, reason, tc.winner, tc.wantReason)
		}
	}
}

func TestErrorCodeOf(t *testing.T) {
	if c := CodeOf(errAlreadyTapped(model.StatusActive)); c != CodeAlreadyTapped {
		t.Fatalf("expected ALREADY_TAPPED, got %s", c)
	}
	if c := CodeOf(errFlashMissing); c != CodeInternal {
		t.Fatalf("expected INTERNAL for foreign error, got %s", c)
	}
	e := errInternal("load battle", errFlashMissing)
	if e.Unwrap() != errFlashMissing {
		t.Fatalf("expected wrapped cause")
	}
	if e.Recoverable() {
		t.Fatalf("internal errors are not recoverable")
	}
}
