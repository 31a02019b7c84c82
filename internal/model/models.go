package model

import (
	"fmt"
	"math"
	"time"
)

// ── Enums ────────────────────────────────────────────

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

type BattleStatus string

const (
	StatusPending   BattleStatus = "pending"
	StatusActive    BattleStatus = "active"
	StatusResolved  BattleStatus = "resolved"
	StatusExpired   BattleStatus = "expired"
	StatusCancelled BattleStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s BattleStatus) Terminal() bool {
	return s == StatusResolved || s == StatusExpired || s == StatusCancelled
}

// CanAdvanceTo encodes the forward-only state machine.
func (s BattleStatus) CanAdvanceTo(next BattleStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusActive || next == StatusExpired || next == StatusCancelled
	case StatusActive:
		return next == StatusResolved || next == StatusExpired
	}
	return false
}

type StakeType string

const (
	StakeEnergy  StakeType = "energy"
	StakeCredits StakeType = "credits"
	StakeClues   StakeType = "clues"
)

var StakeTypes = []StakeType{StakeEnergy, StakeCredits, StakeClues}

func (t StakeType) Valid() bool {
	for _, v := range StakeTypes {
		if v == t {
			return true
		}
	}
	return false
}

// StakePercentages is the fixed set of wager intensities.
var StakePercentages = []int{25, 50, 75}

func ValidStakePercentage(p int) bool {
	for _, v := range StakePercentages {
		if v == p {
			return true
		}
	}
	return false
}

type ParticipantRole string

const (
	ParticipantCreator  ParticipantRole = "creator"
	ParticipantOpponent ParticipantRole = "opponent"
)

type AuditType string

const (
	AuditCreated   AuditType = "battle_created"
	AuditAccepted  AuditType = "battle_accepted"
	AuditMatched   AuditType = "battle_matched"
	AuditTapCommit AuditType = "tap_commit"
	AuditResolved  AuditType = "battle_resolved"
	AuditExpired   AuditType = "battle_expired"
	AuditCancelled AuditType = "battle_cancelled"
)

// ── Domain Objects ───────────────────────────────────

type Agent struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	CreatedAt   time.Time `json:"created_at"`
}

type Battle struct {
	ID                 string       `json:"id"`
	CreatorID          string       `json:"creator_id"`
	OpponentID         *string      `json:"opponent_id,omitempty"`
	StakeType          StakeType    `json:"stake_type"`
	StakePercentage    int          `json:"stake_percentage"`
	StakeAmount        int64        `json:"stake_amount"`
	ArenaLat           *float64     `json:"arena_lat,omitempty"`
	ArenaLng           *float64     `json:"arena_lng,omitempty"`
	ArenaLabel         string       `json:"arena_label"`
	Status             BattleStatus `json:"status"`
	FlashAt            *time.Time   `json:"flash_at,omitempty"`
	CreatorTapAt       *time.Time   `json:"creator_tap_at,omitempty"`
	OpponentTapAt      *time.Time   `json:"opponent_tap_at,omitempty"`
	CreatorReactionMs  *int64       `json:"creator_reaction_ms,omitempty"`
	OpponentReactionMs *int64       `json:"opponent_reaction_ms,omitempty"`
	CreatorPingMs      *int64       `json:"creator_ping_ms,omitempty"`
	OpponentPingMs     *int64       `json:"opponent_ping_ms,omitempty"`
	WinnerID           *string      `json:"winner_id,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
	ResolvedAt         *time.Time   `json:"resolved_at,omitempty"`
}

// RoleOf returns the participant role of agentID, or false if the agent
// is not part of the battle.
func (b *Battle) RoleOf(agentID string) (ParticipantRole, bool) {
	if agentID == "" {
		return "", false
	}
	if b.CreatorID == agentID {
		return ParticipantCreator, true
	}
	if b.OpponentID != nil && *b.OpponentID == agentID {
		return ParticipantOpponent, true
	}
	return "", false
}

// TapAt returns the server tap instant recorded for role.
func (b *Battle) TapAt(role ParticipantRole) *time.Time {
	if role == ParticipantCreator {
		return b.CreatorTapAt
	}
	return b.OpponentTapAt
}

func (b *Battle) ReactionMs(role ParticipantRole) *int64 {
	if role == ParticipantCreator {
		return b.CreatorReactionMs
	}
	return b.OpponentReactionMs
}

// BothTapped reports whether both tap columns are populated.
func (b *Battle) BothTapped() bool {
	return b.CreatorTapAt != nil && b.OpponentTapAt != nil
}

type BattleParticipant struct {
	ID          string          `json:"id"`
	BattleID    string          `json:"battle_id"`
	AgentID     string          `json:"agent_id"`
	Role        ParticipantRole `json:"role"`
	TappedAt    time.Time       `json:"tapped_at"`
	ReactionMs  int64           `json:"reaction_ms"`
	PingMs      int64           `json:"ping_ms"`
	ClientTapAt *time.Time      `json:"client_tap_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type BattleAuditEvent struct {
	ID        int64     `json:"id"`
	BattleID  string    `json:"battle_id"`
	ActorID   *string   `json:"actor_id,omitempty"`
	Type      AuditType `json:"type"`
	Payload   any       `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// ── Store write units ────────────────────────────────

// TapWrite is everything one tap commit persists. The store applies it
// as a single unit guarded on the role's tap column being unset.
type TapWrite struct {
	BattleID      string
	ParticipantID string
	Role          ParticipantRole
	AgentID       string
	TappedAt      time.Time
	ReactionMs    int64
	PingMs        int64
	ClientTapAt   *time.Time
	Event         BattleAuditEvent
}

// Resolution is the conditional active -> resolved transition.
type Resolution struct {
	BattleID   string
	WinnerID   string
	ResolvedAt time.Time
	Event      BattleAuditEvent
}

// ── API Types ────────────────────────────────────────

type CreateBattleReq struct {
	StakeType       StakeType `json:"stake_type"`
	StakePercentage int       `json:"stake_percentage"`
	OpponentID      *string   `json:"opponent_id"`
	ArenaLat        *float64  `json:"arena_lat"`
	ArenaLng        *float64  `json:"arena_lng"`
}

type CreateBattleResult struct {
	BattleID    string `json:"battle_id"`
	ArenaLabel  string `json:"arena_label"`
	StakeAmount int64  `json:"stake_amount"`
}

type Opponent struct {
	ID          string `json:"opponent_id"`
	DisplayName string `json:"opponent_name"`
}

type TapReq struct {
	ClientTapAt string `json:"client_tap_at"`
	PingMs      int64  `json:"ping_ms"`
}

type TapResult struct {
	ReactionMs  int64     `json:"reaction_ms"`
	ServerTapAt time.Time `json:"server_tap_at"`
	Resolved    bool      `json:"resolved"`
}

// ── Stake & Arena ────────────────────────────────────

// CalcStake resolves the wagered amount from a balance and intensity.
func CalcStake(balance int64, percentage int) int64 {
	if balance <= 0 || percentage <= 0 {
		return 0
	}
	pct := int64(percentage)
	return balance/100*pct + balance%100*pct/100
}

const OpenArena = "Open Arena"

// ArenaLabel renders a hemisphere-tagged label for the duel location.
func ArenaLabel(lat, lng *float64) string {
	if lat == nil || lng == nil {
		return OpenArena
	}
	ns, ew := "N", "E"
	if *lat < 0 {
		ns = "S"
	}
	if *lng < 0 {
		ew = "W"
	}
	return fmt.Sprintf("Arena %.3f%s %.3f%s", math.Abs(*lat), ns, math.Abs(*lng), ew)
}
