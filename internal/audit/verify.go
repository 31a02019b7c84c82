package audit

import (
	"fmt"
	"time"

	"duel-engine/internal/model"
)

// Discrepancy is one field where the stored rows and the replayed trail
// disagree.
type Discrepancy struct {
	Field    string `json:"field"`
	Stored   string `json:"stored"`
	Replayed string `json:"replayed"`
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return "<nil>"
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtInt(v *int64) string {
	if v == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%d", *v)
}

func fmtStr(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

// Verify replays events and reconciles the result with the battle row and
// its denormalized participant rows. An empty result means all three agree.
func Verify(b *model.Battle, events []model.BattleAuditEvent, parts []model.BattleParticipant) []Discrepancy {
	st, err := Replay(events)
	if err != nil {
		return []Discrepancy{{Field: "trail", Stored: "", Replayed: err.Error()}}
	}

	var out []Discrepancy
	add := func(field, stored, replayed string) {
		if stored != replayed {
			out = append(out, Discrepancy{Field: field, Stored: stored, Replayed: replayed})
		}
	}

	add("status", string(b.Status), string(st.Status))
	add("creator_id", b.CreatorID, st.CreatorID)
	add("opponent_id", fmtStr(b.OpponentID), st.OpponentID)
	add("stake_amount", fmt.Sprintf("%d", b.StakeAmount), fmt.Sprintf("%d", st.StakeAmount))
	add("flash_at", fmtTime(b.FlashAt), fmtTime(st.FlashAt))
	add("winner_id", fmtStr(b.WinnerID), st.WinnerID)

	for _, role := range []model.ParticipantRole{model.ParticipantCreator, model.ParticipantOpponent} {
		var (
			tapAt    *time.Time
			reaction *int64
		)
		if t, ok := st.Taps[role]; ok {
			at, r := t.ServerTapAt, t.ReactionMs
			tapAt, reaction = &at, &r
		}
		add(string(role)+"_tap_at", fmtTime(b.TapAt(role)), fmtTime(tapAt))
		add(string(role)+"_reaction_ms", fmtInt(b.ReactionMs(role)), fmtInt(reaction))
	}

	seen := make(map[model.ParticipantRole]bool)
	for _, p := range parts {
		field := "participant." + string(p.Role)
		if seen[p.Role] {
			out = append(out, Discrepancy{Field: field, Stored: "duplicate row", Replayed: "one row"})
			continue
		}
		seen[p.Role] = true
		t, ok := st.Taps[p.Role]
		if !ok {
			out = append(out, Discrepancy{Field: field, Stored: "tap row", Replayed: "no tap"})
			continue
		}
		at, r := p.TappedAt, p.ReactionMs
		add(field+".agent_id", p.AgentID, t.AgentID)
		add(field+".tapped_at", fmtTime(&at), fmtTime(&t.ServerTapAt))
		add(field+".reaction_ms", fmtInt(&r), fmt.Sprintf("%d", t.ReactionMs))
	}
	for role := range st.Taps {
		if !seen[role] {
			out = append(out, Discrepancy{Field: "participant." + string(role), Stored: "no row", Replayed: "tap"})
		}
	}
	return out
}
