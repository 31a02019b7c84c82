package model

import "time"

// CreatedPayload is the snapshot stored with battle_created.
type CreatedPayload struct {
	CreatorID       string    `json:"creator_id"`
	OpponentID      *string   `json:"opponent_id,omitempty"`
	StakeType       StakeType `json:"stake_type"`
	StakePercentage int       `json:"stake_percentage"`
	StakeAmount     int64     `json:"stake_amount"`
	ArenaLat        *float64  `json:"arena_lat,omitempty"`
	ArenaLng        *float64  `json:"arena_lng,omitempty"`
	ArenaLabel      string    `json:"arena_label"`
	CreatedAt       time.Time `json:"created_at"`
}

// ActivatedPayload is stored with battle_accepted and battle_matched.
type ActivatedPayload struct {
	OpponentID string    `json:"opponent_id"`
	FlashAt    time.Time `json:"flash_at"`
}

// TapPayload captures one tap commit. ClientTapAt is kept verbatim for
// discrepancy analysis and never used for scoring.
type TapPayload struct {
	Role           ParticipantRole `json:"role"`
	AgentID        string          `json:"agent_id"`
	ServerTapAt    time.Time       `json:"server_tap_at"`
	FlashAt        time.Time       `json:"flash_at"`
	ClientTapAt    string          `json:"client_tap_at,omitempty"`
	ClientSkewMs   *int64          `json:"client_skew_ms,omitempty"`
	RawReactionMs  int64           `json:"raw_reaction_ms"`
	ReactionMs     int64           `json:"reaction_ms"`
	PingMs         int64           `json:"ping_ms"`
	ReportedPingMs int64           `json:"reported_ping_ms"`
	PingClamped    bool            `json:"ping_clamped,omitempty"`
}

// ResolvedPayload is stored with battle_resolved.
type ResolvedPayload struct {
	WinnerID           string    `json:"winner_id"`
	Reason             string    `json:"reason"`
	CreatorReactionMs  int64     `json:"creator_reaction_ms"`
	OpponentReactionMs int64     `json:"opponent_reaction_ms"`
	ResolvedAt         time.Time `json:"resolved_at"`
}

// ClosedPayload is stored with battle_expired and battle_cancelled.
type ClosedPayload struct {
	PreviousStatus BattleStatus `json:"previous_status"`
	Reason         string       `json:"reason"`
	ClosedAt       time.Time    `json:"closed_at"`
}
