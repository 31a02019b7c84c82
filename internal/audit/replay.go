// Package audit rebuilds a battle from its append-only event trail and
// reconciles the result against the stored battle and participant rows.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"duel-engine/internal/engine"
	"duel-engine/internal/model"
)

var ErrInvalidTrail = errors.New("invalid audit trail")

// Tap is one replayed tap commit.
type Tap struct {
	AgentID      string    `json:"agent_id"`
	ServerTapAt  time.Time `json:"server_tap_at"`
	ReactionMs   int64     `json:"reaction_ms"`
	PingMs       int64     `json:"ping_ms"`
	ClientTapAt  string    `json:"client_tap_at,omitempty"`
	ClientSkewMs *int64    `json:"client_skew_ms,omitempty"`
}

// State is a battle as reconstructed from events alone.
type State struct {
	BattleID        string                        `json:"battle_id"`
	CreatorID       string                        `json:"creator_id"`
	OpponentID      string                        `json:"opponent_id,omitempty"`
	StakeType       model.StakeType               `json:"stake_type"`
	StakePercentage int                           `json:"stake_percentage"`
	StakeAmount     int64                         `json:"stake_amount"`
	Status          model.BattleStatus            `json:"status"`
	FlashAt         *time.Time                    `json:"flash_at,omitempty"`
	Taps            map[model.ParticipantRole]Tap `json:"taps"`
	WinnerID        string                        `json:"winner_id,omitempty"`
	Reason          string                        `json:"reason,omitempty"`
	Events          int                           `json:"events"`
}

func decode(ev model.BattleAuditEvent, dst any) error {
	b, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

func invalid(ev model.BattleAuditEvent, format string, args ...any) error {
	return fmt.Errorf("%w: event %d (%s): %s", ErrInvalidTrail, ev.ID, ev.Type, fmt.Sprintf(format, args...))
}

// Replay applies events in append order. Every transition is checked
// against the forward-only state machine and every tap's reaction is
// recomputed from the server instants it carries.
func Replay(events []model.BattleAuditEvent) (*State, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: no events", ErrInvalidTrail)
	}
	st := &State{Taps: make(map[model.ParticipantRole]Tap)}

	for i, ev := range events {
		if i == 0 && ev.Type != model.AuditCreated {
			return nil, invalid(ev, "trail must start with %s", model.AuditCreated)
		}
		if i > 0 && ev.BattleID != st.BattleID {
			return nil, invalid(ev, "belongs to battle %s", ev.BattleID)
		}
		if st.Status.Terminal() {
			return nil, invalid(ev, "battle already %s", st.Status)
		}
		st.Events++

		switch ev.Type {
		case model.AuditCreated:
			if i != 0 {
				return nil, invalid(ev, "duplicate creation")
			}
			var p model.CreatedPayload
			if err := decode(ev, &p); err != nil {
				return nil, invalid(ev, "%v", err)
			}
			st.BattleID = ev.BattleID
			st.CreatorID = p.CreatorID
			if p.OpponentID != nil {
				st.OpponentID = *p.OpponentID
			}
			st.StakeType = p.StakeType
			st.StakePercentage = p.StakePercentage
			st.StakeAmount = p.StakeAmount
			st.Status = model.StatusPending

		case model.AuditAccepted, model.AuditMatched:
			var p model.ActivatedPayload
			if err := decode(ev, &p); err != nil {
				return nil, invalid(ev, "%v", err)
			}
			if !st.Status.CanAdvanceTo(model.StatusActive) {
				return nil, invalid(ev, "activation from %s", st.Status)
			}
			if st.OpponentID != "" && st.OpponentID != p.OpponentID {
				return nil, invalid(ev, "opponent %s replaced reserved %s", p.OpponentID, st.OpponentID)
			}
			st.OpponentID = p.OpponentID
			flash := p.FlashAt
			st.FlashAt = &flash
			st.Status = model.StatusActive

		case model.AuditTapCommit:
			var p model.TapPayload
			if err := decode(ev, &p); err != nil {
				return nil, invalid(ev, "%v", err)
			}
			if st.Status != model.StatusActive {
				return nil, invalid(ev, "tap while %s", st.Status)
			}
			if _, dup := st.Taps[p.Role]; dup {
				return nil, invalid(ev, "second tap for %s", p.Role)
			}
			if !p.FlashAt.Equal(*st.FlashAt) {
				return nil, invalid(ev, "tap measured against flash %s", p.FlashAt)
			}
			if want := engine.Compensate(*st.FlashAt, p.ServerTapAt, p.PingMs); want != p.ReactionMs {
				return nil, invalid(ev, "reaction %dms, recomputed %dms", p.ReactionMs, want)
			}
			st.Taps[p.Role] = Tap{
				AgentID:      p.AgentID,
				ServerTapAt:  p.ServerTapAt,
				ReactionMs:   p.ReactionMs,
				PingMs:       p.PingMs,
				ClientTapAt:  p.ClientTapAt,
				ClientSkewMs: p.ClientSkewMs,
			}

		case model.AuditResolved:
			var p model.ResolvedPayload
			if err := decode(ev, &p); err != nil {
				return nil, invalid(ev, "%v", err)
			}
			if !st.Status.CanAdvanceTo(model.StatusResolved) || len(st.Taps) != 2 {
				return nil, invalid(ev, "resolution while %s with %d taps", st.Status, len(st.Taps))
			}
			winner, reason := engine.DecideWinner(st.battle())
			if winner != p.WinnerID {
				return nil, invalid(ev, "winner %s, recomputed %s", p.WinnerID, winner)
			}
			st.WinnerID = p.WinnerID
			st.Reason = reason
			st.Status = model.StatusResolved

		case model.AuditExpired, model.AuditCancelled:
			next := model.StatusExpired
			if ev.Type == model.AuditCancelled {
				next = model.StatusCancelled
			}
			if !st.Status.CanAdvanceTo(next) {
				return nil, invalid(ev, "%s from %s", next, st.Status)
			}
			st.Status = next

		default:
			return nil, invalid(ev, "unknown event type")
		}
	}
	return st, nil
}

// battle projects the replayed state onto a battle row for winner checks.
func (st *State) battle() *model.Battle {
	b := &model.Battle{ID: st.BattleID, CreatorID: st.CreatorID, Status: st.Status, FlashAt: st.FlashAt}
	if st.OpponentID != "" {
		opp := st.OpponentID
		b.OpponentID = &opp
	}
	if t, ok := st.Taps[model.ParticipantCreator]; ok {
		at, r := t.ServerTapAt, t.ReactionMs
		b.CreatorTapAt, b.CreatorReactionMs = &at, &r
	}
	if t, ok := st.Taps[model.ParticipantOpponent]; ok {
		at, r := t.ServerTapAt, t.ReactionMs
		b.OpponentTapAt, b.OpponentReactionMs = &at, &r
	}
	return b
}
