package db

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"duel-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// uniqueViolation is the Postgres SQLSTATE for a unique constraint hit.
const uniqueViolation = "23505"

type Store struct{ DB *sql.DB }

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	driver, err := postgres.WithInstance(s.DB, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.DB.BeginTx(ctx, nil)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

// ── Agents ───────────────────────────────────────────

const agentCols = `id, display_name, last_seen_at, created_at`

func scanAgent(row interface{ Scan(...any) error }) (*model.Agent, error) {
	a := &model.Agent{}
	err := row.Scan(&a.ID, &a.DisplayName, &a.LastSeenAt, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (s *Store) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	return scanAgent(s.DB.QueryRowContext(ctx, `SELECT `+agentCols+` FROM agents WHERE id=$1`, id))
}

func (s *Store) UpsertAgent(ctx context.Context, id, displayName string, seenAt time.Time) (*model.Agent, error) {
	return scanAgent(s.DB.QueryRowContext(ctx,
		`INSERT INTO agents (id, display_name, last_seen_at, created_at) VALUES ($1,$2,$3,$3)
		 ON CONFLICT (id) DO UPDATE SET display_name=EXCLUDED.display_name, last_seen_at=EXCLUDED.last_seen_at
		 RETURNING `+agentCols, id, displayName, seenAt))
}

// RandomEligibleAgent picks a recently seen agent other than excludeID who
// is not already in a pending or active battle.
func (s *Store) RandomEligibleAgent(ctx context.Context, excludeID string, seenSince time.Time) (*model.Agent, error) {
	return scanAgent(s.DB.QueryRowContext(ctx,
		`SELECT `+agentCols+` FROM agents a
		 WHERE a.id <> $1 AND a.last_seen_at >= $2
		   AND NOT EXISTS (
		     SELECT 1 FROM battles b
		     WHERE b.status IN ('pending','active') AND (b.creator_id = a.id OR b.opponent_id = a.id))
		 ORDER BY random() LIMIT 1`, excludeID, seenSince))
}

// ── Stake balances ───────────────────────────────────

func (s *Store) StakeBalance(ctx context.Context, agentID string, stake model.StakeType) (int64, error) {
	var amount int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT amount FROM stake_balances WHERE agent_id=$1 AND stake_type=$2`, agentID, stake,
	).Scan(&amount)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return amount, err
}

func (s *Store) SetStakeBalance(ctx context.Context, agentID string, stake model.StakeType, amount int64) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO stake_balances (agent_id, stake_type, amount) VALUES ($1,$2,$3)
		 ON CONFLICT (agent_id, stake_type) DO UPDATE SET amount=EXCLUDED.amount, updated_at=now()`,
		agentID, stake, amount)
	return err
}

// ── Battles ──────────────────────────────────────────

const battleCols = `id, creator_id, opponent_id, stake_type, stake_percentage, stake_amount,
	arena_lat, arena_lng, arena_label, status, flash_at,
	creator_tap_at, opponent_tap_at, creator_reaction_ms, opponent_reaction_ms,
	creator_ping_ms, opponent_ping_ms, winner_id, created_at, updated_at, resolved_at`

func scanBattle(row interface{ Scan(...any) error }, extra ...any) (*model.Battle, error) {
	b := &model.Battle{}
	dest := []any{
		&b.ID, &b.CreatorID, &b.OpponentID, &b.StakeType, &b.StakePercentage, &b.StakeAmount,
		&b.ArenaLat, &b.ArenaLng, &b.ArenaLabel, &b.Status, &b.FlashAt,
		&b.CreatorTapAt, &b.OpponentTapAt, &b.CreatorReactionMs, &b.OpponentReactionMs,
		&b.CreatorPingMs, &b.OpponentPingMs, &b.WinnerID, &b.CreatedAt, &b.UpdatedAt, &b.ResolvedAt,
	}
	err := row.Scan(append(dest, extra...)...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

func (s *Store) CreateBattle(ctx context.Context, b *model.Battle, ev model.BattleAuditEvent) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO battles (id, creator_id, opponent_id, stake_type, stake_percentage, stake_amount,
		   arena_lat, arena_lng, arena_label, status, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)`,
		b.ID, b.CreatorID, b.OpponentID, b.StakeType, b.StakePercentage, b.StakeAmount,
		b.ArenaLat, b.ArenaLng, b.ArenaLabel, b.Status, b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert battle: %w", err)
	}
	if err := AppendEvent(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetBattle(ctx context.Context, id string) (*model.Battle, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	return scanBattle(s.DB.QueryRowContext(ctx, `SELECT `+battleCols+` FROM battles WHERE id=$1`, id))
}

// ActivateBattle is the pending -> active compare-and-set. It only applies
// while the row is pending and either open or reserved for opponentID.
func (s *Store) ActivateBattle(ctx context.Context, id, opponentID string, flashAt time.Time, ev model.BattleAuditEvent) (bool, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE battles SET opponent_id=$1, status='active', flash_at=$2, updated_at=$2
		 WHERE id=$3 AND status='pending' AND (opponent_id IS NULL OR opponent_id=$1)`,
		opponentID, flashAt, id)
	if err != nil {
		return false, fmt.Errorf("activate battle: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return false, err
	}
	if err := AppendEvent(ctx, tx, ev); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *Store) CancelBattle(ctx context.Context, id string, at time.Time, ev model.BattleAuditEvent) (bool, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE battles SET status='cancelled', updated_at=$1 WHERE id=$2 AND status='pending'`, at, id)
	if err != nil {
		return false, fmt.Errorf("cancel battle: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return false, err
	}
	if err := AppendEvent(ctx, tx, ev); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// tapColumns maps a role to its write-once column triple.
func tapColumns(role model.ParticipantRole) (tapAt, reaction, ping string, ok bool) {
	switch role {
	case model.ParticipantCreator:
		return "creator_tap_at", "creator_reaction_ms", "creator_ping_ms", true
	case model.ParticipantOpponent:
		return "opponent_tap_at", "opponent_reaction_ms", "opponent_ping_ms", true
	}
	return "", "", "", false
}

// CommitTap writes the role's tap columns, the participant row and the
// tap_commit event in one transaction. The column update is guarded on the
// tap column being NULL and the battle being active; the participant row's
// (battle_id, role) uniqueness backs that up.
func (s *Store) CommitTap(ctx context.Context, w model.TapWrite) (bool, error) {
	tapCol, reactionCol, pingCol, ok := tapColumns(w.Role)
	if !ok {
		return false, fmt.Errorf("unknown role %q", w.Role)
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE battles SET %s=$1, %s=$2, %s=$3, updated_at=$1
		 WHERE id=$4 AND status='active' AND %s IS NULL`, tapCol, reactionCol, pingCol, tapCol),
		w.TappedAt, w.ReactionMs, w.PingMs, w.BattleID)
	if err != nil {
		return false, fmt.Errorf("update tap: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return false, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO battle_participants (id, battle_id, agent_id, role, tapped_at, reaction_ms, ping_ms, client_tap_at, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$5)`,
		w.ParticipantID, w.BattleID, w.AgentID, w.Role, w.TappedAt, w.ReactionMs, w.PingMs, w.ClientTapAt)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert participant: %w", err)
	}
	if err := AppendEvent(ctx, tx, w.Event); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// ResolveBattle is the active -> resolved compare-and-set; concurrent
// callers race on the row lock and all but one see zero rows affected.
func (s *Store) ResolveBattle(ctx context.Context, r model.Resolution) (bool, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE battles SET status='resolved', winner_id=$1, resolved_at=$2, updated_at=$2
		 WHERE id=$3 AND status='active' AND creator_tap_at IS NOT NULL AND opponent_tap_at IS NOT NULL`,
		r.WinnerID, r.ResolvedAt, r.BattleID)
	if err != nil {
		return false, fmt.Errorf("resolve battle: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return false, err
	}
	if err := AppendEvent(ctx, tx, r.Event); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// ExpireBattles moves stale pending/active rows to expired. Active rows that
// already hold both taps are left for resolution. Rows locked by an
// in-flight accept or tap are skipped and picked up by the next sweep.
func (s *Store) ExpireBattles(ctx context.Context, pendingBefore, activeBefore, at time.Time) ([]model.Battle, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`WITH stale AS (
		   SELECT id, status FROM battles
		   WHERE (status='pending' AND created_at < $1)
		      OR (status='active' AND flash_at < $2
		          AND (creator_tap_at IS NULL OR opponent_tap_at IS NULL))
		   FOR UPDATE SKIP LOCKED)
		 UPDATE battles SET status='expired', updated_at=$3
		 FROM stale WHERE battles.id = stale.id
		 RETURNING `+prefixed("battles.", battleCols)+`, stale.status`,
		pendingBefore, activeBefore, at)
	if err != nil {
		return nil, fmt.Errorf("expire battles: %w", err)
	}
	var out []model.Battle
	var prev []model.BattleStatus
	for rows.Next() {
		var p model.BattleStatus
		b, err := scanBattle(rows, &p)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, *b)
		prev = append(prev, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, b := range out {
		err := AppendEvent(ctx, tx, model.BattleAuditEvent{
			BattleID:  b.ID,
			Type:      model.AuditExpired,
			Payload:   model.ClosedPayload{PreviousStatus: prev[i], Reason: "ttl", ClosedAt: at},
			CreatedAt: at,
		})
		if err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListTappedActive returns active battles that already hold both taps.
func (s *Store) ListTappedActive(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id FROM battles
		 WHERE status='active' AND creator_tap_at IS NOT NULL AND opponent_tap_at IS NOT NULL
		 ORDER BY flash_at`)
	if err != nil {
		return nil, fmt.Errorf("list tapped battles: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) CountBattlesByStatus(ctx context.Context) (map[model.BattleStatus]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM battles GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[model.BattleStatus]int)
	for rows.Next() {
		var st model.BattleStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}

// ── Participants ─────────────────────────────────────

func (s *Store) ListParticipants(ctx context.Context, battleID string) ([]model.BattleParticipant, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, battle_id, agent_id, role, tapped_at, reaction_ms, ping_ms, client_tap_at, created_at
		 FROM battle_participants WHERE battle_id=$1 ORDER BY tapped_at`, battleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.BattleParticipant
	for rows.Next() {
		var p model.BattleParticipant
		if err := rows.Scan(&p.ID, &p.BattleID, &p.AgentID, &p.Role, &p.TappedAt, &p.ReactionMs, &p.PingMs, &p.ClientTapAt, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ── Audit Log ────────────────────────────────────────

// AppendEvent inserts one immutable audit row inside tx.
func AppendEvent(ctx context.Context, tx *sql.Tx, ev model.BattleAuditEvent) error {
	b, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO battle_audit_events (battle_id, actor_id, type, payload, created_at) VALUES ($1,$2,$3,$4,$5)`,
		ev.BattleID, ev.ActorID, ev.Type, string(b), createdAt,
	)
	if err != nil {
		return fmt.Errorf("append %s event: %w", ev.Type, err)
	}
	return nil
}

func (s *Store) ListAuditEvents(ctx context.Context, battleID string) ([]model.BattleAuditEvent, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, battle_id, actor_id, type, payload, created_at
		 FROM battle_audit_events WHERE battle_id=$1 ORDER BY id`, battleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *Store) ListRecentAuditEvents(ctx context.Context, battleID *string, limit int) ([]model.BattleAuditEvent, error) {
	q := `SELECT id, battle_id, actor_id, type, payload, created_at FROM battle_audit_events`
	args := []any{limit}
	if battleID != nil {
		if _, err := uuid.Parse(*battleID); err != nil {
			return nil, nil
		}
		q += ` WHERE battle_id=$2`
		args = append(args, *battleID)
	}
	q += ` ORDER BY id DESC LIMIT $1`
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]model.BattleAuditEvent, error) {
	var out []model.BattleAuditEvent
	for rows.Next() {
		var e model.BattleAuditEvent
		var raw []byte
		if err := rows.Scan(&e.ID, &e.BattleID, &e.ActorID, &e.Type, &raw, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &e.Payload); err != nil {
			return nil, fmt.Errorf("event %d payload: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func prefixed(prefix, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
