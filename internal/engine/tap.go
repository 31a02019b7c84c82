package engine

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"duel-engine/internal/model"
)

// Compensate returns the latency-compensated reaction in whole
// milliseconds: max(0, (tapAt - flashAt) - ping/2). Both instants are
// server stamps; the client clock never enters the computation.
func Compensate(flashAt, tapAt time.Time, pingMs int64) int64 {
	c := tapAt.Sub(flashAt) - time.Duration(pingMs)*time.Millisecond/2
	if c < 0 {
		return 0
	}
	return c.Milliseconds()
}

// parseClientTap reads the advisory client timestamp. A value that does not
// parse is still kept verbatim for the audit trail.
func parseClientTap(raw string, serverTapAt time.Time) (*time.Time, *int64) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, nil
	}
	t = t.UTC()
	skew := serverTapAt.Sub(t).Milliseconds()
	return &t, &skew
}

// CommitTap records callerID's single reaction for a battle. The server
// instant is captured before anything else and is the only timing input
// used for scoring.
func (m *Manager) CommitTap(ctx context.Context, battleID, callerID string, req model.TapReq) (*model.TapResult, error) {
	serverTapAt := m.now()

	if callerID == "" {
		return nil, errUnauthenticated()
	}

	b, err := m.loadBattle(ctx, battleID)
	if err != nil {
		return nil, err
	}
	role, ok := b.RoleOf(callerID)
	if !ok {
		return nil, errNotParticipant("caller is not a participant in this battle")
	}
	if b.Status != model.StatusActive {
		return nil, errInvalidStatus(b.Status, "tap")
	}
	if b.TapAt(role) != nil {
		return nil, errAlreadyTapped(b.Status)
	}
	if req.PingMs < 0 {
		return nil, errBadInput(CodeInvalidPing, "ping_ms must be >= 0")
	}
	if b.FlashAt == nil {
		return nil, errInternal("tap", errFlashMissing)
	}
	flashAt := *b.FlashAt

	ping := req.PingMs
	clamped := false
	if m.cfg.MaxPingMs > 0 && ping > m.cfg.MaxPingMs {
		ping = m.cfg.MaxPingMs
		clamped = true
	}
	reaction := Compensate(flashAt, serverTapAt, ping)
	clientAt, skew := parseClientTap(req.ClientTapAt, serverTapAt)

	w := model.TapWrite{
		BattleID:      b.ID,
		ParticipantID: uuid.New().String(),
		Role:          role,
		AgentID:       callerID,
		TappedAt:      serverTapAt,
		ReactionMs:    reaction,
		PingMs:        ping,
		ClientTapAt:   clientAt,
		Event: m.event(b.ID, &callerID, model.AuditTapCommit, model.TapPayload{
			Role:           role,
			AgentID:        callerID,
			ServerTapAt:    serverTapAt,
			FlashAt:        flashAt,
			ClientTapAt:    req.ClientTapAt,
			ClientSkewMs:   skew,
			RawReactionMs:  serverTapAt.Sub(flashAt).Milliseconds(),
			ReactionMs:     reaction,
			PingMs:         ping,
			ReportedPingMs: req.PingMs,
			PingClamped:    clamped,
		}, serverTapAt),
	}
	applied, err := m.store.CommitTap(ctx, w)
	if err != nil {
		return nil, errInternal("commit tap", err)
	}
	if !applied {
		// Lost to a concurrent write; report what the row says now.
		cur, err := m.loadBattle(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		if cur.TapAt(role) != nil {
			return nil, errAlreadyTapped(cur.Status)
		}
		return nil, errInvalidStatus(cur.Status, "tap")
	}

	m.emit(b.ID, "tap_committed", map[string]any{
		"battle_id":   b.ID,
		"role":        role,
		"reaction_ms": reaction,
		"tapped_at":   serverTapAt,
	})

	res := &model.TapResult{ReactionMs: reaction, ServerTapAt: serverTapAt}
	resolved, err := m.Resolve(ctx, b.ID)
	if err != nil {
		// The tap is durable. A battle left active with both taps is
		// resolved by the next sweep (ResolvePending).
		log.Printf("[engine] resolve after tap on %s: %v", b.ID, err)
		return res, nil
	}
	res.Resolved = resolved.Status == model.StatusResolved
	return res, nil
}
