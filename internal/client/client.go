// Package client calls the battle API on behalf of one agent and turns
// every failure into an *Error carrying a code, a status and a hint.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"duel-engine/internal/audit"
	"duel-engine/internal/model"
)

const (
	// CodeEdge means the request never produced an HTTP response.
	CodeEdge = "EDGE_ERROR"
	// CodeFailed means the server failed without a structured body.
	CodeFailed = "BATTLE_FAILED"
)

// Error is the structured failure every call returns. Status is 0 when
// the server was never reached.
type Error struct {
	Code         string             `json:"code"`
	Status       int                `json:"status"`
	Hint         string             `json:"hint"`
	BattleStatus model.BattleStatus `json:"battle_status,omitempty"`
	// Recoverable is set when the agent can act on the failure, for
	// example by waiting for the flash or topping up a balance.
	Recoverable bool `json:"recoverable"`
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Hint)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Hint)
}

// CodeOf returns err's code, or "" when err is not a client error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return &Error{Code: CodeEdge, Hint: fmt.Sprintf("encode request: %v", err)}
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &Error{Code: CodeEdge, Hint: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Code: CodeEdge, Hint: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Code: CodeEdge, Status: resp.StatusCode, Hint: fmt.Sprintf("read response: %v", err)}
	}

	if resp.StatusCode >= 300 {
		var e Error
		if json.Unmarshal(data, &e) != nil || e.Code == "" {
			hint := strings.TrimSpace(string(data))
			if hint == "" {
				hint = http.StatusText(resp.StatusCode)
			}
			return &Error{Code: CodeFailed, Status: resp.StatusCode, Hint: hint}
		}
		if e.Status == 0 {
			e.Status = resp.StatusCode
		}
		return &e
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Code: CodeFailed, Status: resp.StatusCode, Hint: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}

// ── Agents ───────────────────────────────────────────

// Touch refreshes the caller's presence so matchmaking can pick them.
func (c *Client) Touch(ctx context.Context, displayName string) (*model.Agent, error) {
	var a model.Agent
	if err := c.do(ctx, http.MethodPut, "/api/me", map[string]string{"display_name": displayName}, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	var out struct {
		ServerTime time.Time `json:"server_time"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/time", nil, &out); err != nil {
		return time.Time{}, err
	}
	return out.ServerTime, nil
}

// MeasurePing samples the round trip to the server n times and returns the
// median in milliseconds.
func (c *Client) MeasurePing(ctx context.Context, n int) (int64, error) {
	if n < 1 {
		n = 1
	}
	samples := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		start := time.Now()
		if _, err := c.ServerTime(ctx); err != nil {
			return 0, err
		}
		samples = append(samples, time.Since(start).Milliseconds())
	}
	return median(samples), nil
}

func median(v []int64) int64 {
	s := append([]int64(nil), v...)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	return s[len(s)/2]
}

func (c *Client) RandomOpponent(ctx context.Context) (*model.Opponent, error) {
	var o model.Opponent
	if err := c.do(ctx, http.MethodGet, "/api/opponents/random", nil, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// ── Battles ──────────────────────────────────────────

func (c *Client) CreateBattle(ctx context.Context, req model.CreateBattleReq) (*model.CreateBattleResult, error) {
	var res model.CreateBattleResult
	if err := c.do(ctx, http.MethodPost, "/api/battles", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func battlePath(id, suffix string) string {
	return "/api/battles/" + url.PathEscape(id) + suffix
}

func (c *Client) GetBattle(ctx context.Context, id string) (*model.Battle, error) {
	var b model.Battle
	if err := c.do(ctx, http.MethodGet, battlePath(id, ""), nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

type AcceptResult struct {
	Success  bool       `json:"success"`
	BattleID string     `json:"battle_id"`
	FlashAt  *time.Time `json:"flash_at"`
}

func (c *Client) AcceptBattle(ctx context.Context, id string) (*AcceptResult, error) {
	var res AcceptResult
	if err := c.do(ctx, http.MethodPost, battlePath(id, "/accept"), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) MatchBattle(ctx context.Context, id string) (*model.Opponent, error) {
	var o model.Opponent
	if err := c.do(ctx, http.MethodPost, battlePath(id, "/match"), nil, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (c *Client) CancelBattle(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, battlePath(id, "/cancel"), nil, nil)
}

func (c *Client) Tap(ctx context.Context, id string, req model.TapReq) (*model.TapResult, error) {
	var res model.TapResult
	if err := c.do(ctx, http.MethodPost, battlePath(id, "/tap"), req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// AuditTrail is the server's view of a battle's history plus the
// discrepancies it found reconciling the trail with the stored rows.
type AuditTrail struct {
	Battle        *model.Battle             `json:"battle"`
	Events        []model.BattleAuditEvent  `json:"events"`
	Participants  []model.BattleParticipant `json:"participants"`
	Discrepancies []audit.Discrepancy       `json:"discrepancies"`
}

func (c *Client) Audit(ctx context.Context, id string) (*AuditTrail, error) {
	var t AuditTrail
	if err := c.do(ctx, http.MethodGet, battlePath(id, "/audit"), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ── Admin ────────────────────────────────────────────

func (c *Client) SetBalance(ctx context.Context, agentID string, stake model.StakeType, amount int64) error {
	body := map[string]any{"agent_id": agentID, "stake_type": stake, "amount": amount}
	return c.do(ctx, http.MethodPost, "/api/admin/balances", body, nil)
}

func (c *Client) Sweep(ctx context.Context) (int, error) {
	var out struct {
		Expired int `json:"expired"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/admin/sweep", nil, &out); err != nil {
		return 0, err
	}
	return out.Expired, nil
}

func (c *Client) Metrics(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, "/api/admin/metrics", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
