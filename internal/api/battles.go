package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"duel-engine/internal/audit"
	"duel-engine/internal/model"
)

// ── Agents ───────────────────────────────────────────

func (s *Server) serverTime(w http.ResponseWriter, r *http.Request) {
	json200(w, map[string]any{"server_time": s.manager.Now()})
}

func (s *Server) touchMe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName string `json:"display_name"`
	}
	if !decode(w, r, &req) {
		return
	}
	agent, err := s.manager.Touch(r.Context(), callerID(r), req.DisplayName)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	json200(w, agent)
}

func (s *Server) randomOpponent(w http.ResponseWriter, r *http.Request) {
	opp, err := s.manager.RandomOpponent(r.Context(), callerID(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	json200(w, opp)
}

// ── Battles ──────────────────────────────────────────

func (s *Server) createBattle(w http.ResponseWriter, r *http.Request) {
	var req model.CreateBattleReq
	if !decode(w, r, &req) {
		return
	}
	res, err := s.manager.CreateBattle(r.Context(), callerID(r), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	jsonStatus(w, http.StatusCreated, res)
}

func (s *Server) getBattle(w http.ResponseWriter, r *http.Request) {
	b, err := s.manager.GetBattle(r.Context(), chi.URLParam(r, "id"), callerID(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	json200(w, b)
}

func (s *Server) acceptBattle(w http.ResponseWriter, r *http.Request) {
	b, err := s.manager.AcceptBattle(r.Context(), chi.URLParam(r, "id"), callerID(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	json200(w, map[string]any{"success": true, "battle_id": b.ID, "flash_at": b.FlashAt})
}

func (s *Server) matchBattle(w http.ResponseWriter, r *http.Request) {
	opp, err := s.manager.MatchBattle(r.Context(), chi.URLParam(r, "id"), callerID(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	json200(w, opp)
}

func (s *Server) cancelBattle(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.CancelBattle(r.Context(), chi.URLParam(r, "id"), callerID(r)); err != nil {
		writeErr(w, r, err)
		return
	}
	json200(w, map[string]bool{"success": true})
}

func (s *Server) tap(w http.ResponseWriter, r *http.Request) {
	var req model.TapReq
	if !decode(w, r, &req) {
		return
	}
	res, err := s.manager.CommitTap(r.Context(), chi.URLParam(r, "id"), callerID(r), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	json200(w, res)
}

type auditResponse struct {
	Battle        *model.Battle             `json:"battle"`
	Events        []model.BattleAuditEvent  `json:"events"`
	Participants  []model.BattleParticipant `json:"participants"`
	Discrepancies []audit.Discrepancy       `json:"discrepancies"`
}

func (s *Server) auditTrail(w http.ResponseWriter, r *http.Request) {
	b, events, parts, err := s.manager.AuditTrail(r.Context(), chi.URLParam(r, "id"), callerID(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	resp := auditResponse{
		Battle:        b,
		Events:        events,
		Participants:  parts,
		Discrepancies: audit.Verify(b, events, parts),
	}
	if resp.Events == nil {
		resp.Events = []model.BattleAuditEvent{}
	}
	if resp.Participants == nil {
		resp.Participants = []model.BattleParticipant{}
	}
	if resp.Discrepancies == nil {
		resp.Discrepancies = []audit.Discrepancy{}
	}
	json200(w, resp)
}

// ── Admin ────────────────────────────────────────────

func (s *Server) setBalance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID   string          `json:"agent_id"`
		StakeType model.StakeType `json:"stake_type"`
		Amount    int64           `json:"amount"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.manager.SetStakeBalance(r.Context(), req.AgentID, req.StakeType, req.Amount); err != nil {
		writeErr(w, r, err)
		return
	}
	json200(w, req)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n <= 500 {
		limit = n
	}
	var bp *string
	if id := r.URL.Query().Get("battle_id"); id != "" {
		bp = &id
	}
	events, err := s.manager.RecentEvents(r.Context(), bp, limit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if events == nil {
		events = []model.BattleAuditEvent{}
	}
	json200(w, events)
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.manager.StatusCounts(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	byStatus := make(map[model.BattleStatus]int, len(counts))
	total := 0
	for _, st := range []model.BattleStatus{
		model.StatusPending, model.StatusActive, model.StatusResolved, model.StatusExpired, model.StatusCancelled,
	} {
		byStatus[st] = counts[st]
		total += counts[st]
	}
	out := map[string]any{
		"total_battles":  total,
		"battles":        byStatus,
		"ws_connections": s.hub.Conns(),
	}
	if id := r.URL.Query().Get("battle_id"); id != "" {
		out["battle_watchers"] = s.hub.Subscribers(id)
	}
	json200(w, out)
}

func (s *Server) sweep(w http.ResponseWriter, r *http.Request) {
	n, err := s.manager.ExpireStale(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	json200(w, map[string]int{"expired": n})
}
