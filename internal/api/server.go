package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"duel-engine/internal/engine"
	"duel-engine/internal/model"
	"duel-engine/internal/ws"
)

const maxBodyBytes = 64 << 10

type Server struct {
	manager *engine.Manager
	hub     *ws.Hub
	secret  []byte
}

func NewServer(mgr *engine.Manager, hub *ws.Hub, secret string) *Server {
	return &Server{manager: mgr, hub: hub, secret: []byte(secret)}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	// Health
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json200(w, map[string]string{"status": "ok"})
	})

	// Server clock for ping sampling (public)
	r.Get("/api/time", s.serverTime)

	// WebSocket
	r.Get("/ws", s.hub.HandleWS)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Put("/api/me", s.touchMe)

		// Battles
		r.Post("/api/battles", s.createBattle)
		r.Get("/api/battles/{id}", s.getBattle)
		r.Post("/api/battles/{id}/accept", s.acceptBattle)
		r.Post("/api/battles/{id}/match", s.matchBattle)
		r.Post("/api/battles/{id}/cancel", s.cancelBattle)
		r.Post("/api/battles/{id}/tap", s.tap)
		r.Get("/api/battles/{id}/audit", s.auditTrail)

		// Matchmaking
		r.Get("/api/opponents/random", s.randomOpponent)

		// Admin
		r.Group(func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Post("/api/admin/balances", s.setBalance)
			r.Get("/api/admin/events", s.listEvents)
			r.Get("/api/admin/metrics", s.metrics)
			r.Post("/api/admin/sweep", s.sweep)
		})
	})

	return r
}

// ── Middleware ────────────────────────────────────────

type ctxKey string

const (
	ctxUserID ctxKey = "userID"
	ctxRole   ctxKey = "role"
)

// authMiddleware trusts only the verified token: the acting agent is the
// `sub` claim and nothing in the request body can override it.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			jsonErr(w, http.StatusUnauthorized, engine.CodeUnauthenticated, "missing bearer token")
			return
		}
		tokenStr := strings.TrimPrefix(auth, "Bearer ")
		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return s.secret, nil
		})
		if err != nil || !token.Valid {
			jsonErr(w, http.StatusUnauthorized, engine.CodeUnauthenticated, "invalid token")
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			jsonErr(w, http.StatusUnauthorized, engine.CodeUnauthenticated, "invalid claims")
			return
		}
		userID, _ := claims["sub"].(string)
		if userID == "" {
			jsonErr(w, http.StatusUnauthorized, engine.CodeUnauthenticated, "token has no subject")
			return
		}
		role, _ := claims["role"].(string)
		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		ctx = context.WithValue(ctx, ctxRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, _ := r.Context().Value(ctxRole).(string)
		if role != string(model.RoleAdmin) {
			jsonErr(w, http.StatusForbidden, engine.CodeForbidden, "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func callerID(r *http.Request) string {
	uid, _ := r.Context().Value(ctxUserID).(string)
	return uid
}

// ── Helpers ──────────────────────────────────────────

// errorBody is the failure shape every handler returns.
type errorBody struct {
	Code         engine.Code        `json:"code"`
	Status       int                `json:"status"`
	Hint         string             `json:"hint"`
	BattleStatus model.BattleStatus `json:"battle_status,omitempty"`
	Recoverable  bool               `json:"recoverable"`
}

func json200(w http.ResponseWriter, data any) {
	jsonStatus(w, http.StatusOK, data)
}

func jsonStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func jsonErr(w http.ResponseWriter, status int, code engine.Code, hint string) {
	jsonStatus(w, status, errorBody{Code: code, Status: status, Hint: hint})
}

// writeErr maps engine failures to their code and status. Anything else is
// an internal failure; its detail is logged, not returned.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var e *engine.Error
	if !errors.As(err, &e) {
		log.Printf("[api] %s %s: %v", r.Method, r.URL.Path, err)
		jsonErr(w, http.StatusInternalServerError, engine.CodeInternal, "internal error")
		return
	}
	if e.Code == engine.CodeInternal {
		log.Printf("[api] %s %s: %v", r.Method, r.URL.Path, e)
	}
	jsonStatus(w, e.Status, errorBody{
		Code:         e.Code,
		Status:       e.Status,
		Hint:         e.Message,
		BattleStatus: e.BattleStatus,
		Recoverable:  e.Recoverable(),
	})
}

// decode reads a JSON body. An empty body leaves dst untouched.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		jsonErr(w, http.StatusBadRequest, engine.CodeBadRequest, "invalid json")
		return false
	}
	return true
}
