package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duel-engine/internal/api"
	"duel-engine/internal/client"
	"duel-engine/internal/engine"
	"duel-engine/internal/memstore"
	"duel-engine/internal/model"
	"duel-engine/internal/ws"
)

const testSecret = "cli-test-secret-at-least-32-bytes!!"

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func newService(t *testing.T) (*httptest.Server, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	hub := ws.NewHub()
	mgr := engine.NewManager(store, hub.Publish, engine.DefaultConfig())
	srv := httptest.NewServer(api.NewServer(mgr, hub, testSecret).Router())
	t.Cleanup(srv.Close)
	return srv, store
}

func mustToken(t *testing.T, sub string, role model.Role) string {
	t.Helper()
	tok, err := MintToken(testSecret, sub, role, time.Hour, time.Now())
	require.NoError(t, err)
	return tok
}

func TestMintTokenRoundTrip(t *testing.T) {
	now := time.Now()
	tok, err := MintToken(testSecret, "agent-a", model.RoleAdmin, time.Hour, now)
	require.NoError(t, err)

	parsed, err := jwt.Parse(tok, func(*jwt.Token) (any, error) { return []byte(testSecret), nil })
	require.NoError(t, err)
	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, "agent-a", claims["sub"])
	assert.Equal(t, "ADMIN", claims["role"])
	assert.EqualValues(t, now.Add(time.Hour).Unix(), claims["exp"])

	_, err = MintToken("", "agent-a", model.RoleUser, time.Hour, now)
	assert.Error(t, err)
	_, err = MintToken(testSecret, "", model.RoleUser, time.Hour, now)
	assert.Error(t, err)
	_, err = MintToken(testSecret, "agent-a", model.Role("ROOT"), time.Hour, now)
	assert.Error(t, err)
}

func TestTokenCommand(t *testing.T) {
	out, err := run(t, "token", "--sub", "agent-a", "--secret", testSecret, "--format", "json")
	require.NoError(t, err)
	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	assert.Equal(t, 3, strings.Count(body["token"], ".")+1)

	_, err = run(t, "token", "--sub", "agent-a", "--secret", "")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestInvalidFormat(t *testing.T) {
	_, err := run(t, "--format", "yaml", "sweep")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "yaml")
}

func TestCreateAndReplayAgainstService(t *testing.T) {
	srv, store := newService(t)
	require.NoError(t, store.SetStakeBalance(context.Background(), "alice", model.StakeEnergy, 100))
	alice := mustToken(t, "alice", model.RoleUser)

	out, err := run(t, "--server", srv.URL, "--token", alice, "--format", "json",
		"create", "--stake", "energy", "--pct", "50", "--lat=37.7749", "--lng=-122.4194")
	require.NoError(t, err, out)
	var created model.CreateBattleResult
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	assert.EqualValues(t, 50, created.StakeAmount)
	assert.Equal(t, "Arena 37.775N 122.419W", created.ArenaLabel)

	out, err = run(t, "--server", srv.URL, "--token", alice, "cancel", created.BattleID)
	require.NoError(t, err, out)

	out, err = run(t, "--server", srv.URL, "--token", alice, "--format", "json", "replay", created.BattleID)
	require.NoError(t, err, out)
	var res ReplayResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Consistent)
	assert.Equal(t, 2, res.Events)
	assert.Equal(t, model.StatusCancelled, res.State.Status)

	_, err = run(t, "--server", srv.URL, "--token", mustToken(t, "mallory", model.RoleUser), "replay", created.BattleID)
	require.Error(t, err)
	assert.Equal(t, string(engine.CodeNotParticipant), client.CodeOf(err))
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestUnreachableServerExitCode(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()

	_, err := run(t, "--server", url, "--token", "x", "show", "b1")
	require.Error(t, err)
	assert.Equal(t, client.CodeEdge, client.CodeOf(err))
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestBuildReplayResultFlagsDrift(t *testing.T) {
	t0 := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	events := []model.BattleAuditEvent{
		{ID: 1, BattleID: "b1", Type: model.AuditCreated, Payload: model.CreatedPayload{CreatorID: "alice", StakeAmount: 10}, CreatedAt: t0},
		{ID: 2, BattleID: "b1", Type: model.AuditCancelled, Payload: model.ClosedPayload{PreviousStatus: model.StatusPending}, CreatedAt: t0},
	}
	stored := &model.Battle{ID: "b1", CreatorID: "alice", StakeAmount: 10, Status: model.StatusCancelled}

	res := buildReplayResult("b1", stored, events, nil)
	assert.True(t, res.Consistent)
	assert.NotNil(t, res.Discrepancies)

	stored.Status = model.StatusPending
	res = buildReplayResult("b1", stored, events, nil)
	assert.False(t, res.Consistent)
	require.Len(t, res.Discrepancies, 1)
	assert.Equal(t, "status", res.Discrepancies[0].Field)

	var buf bytes.Buffer
	printReplay(&buf, res)
	assert.Contains(t, buf.String(), `MISMATCH status: stored="pending" replayed="cancelled"`)

	res = buildReplayResult("b1", nil, events[1:], nil)
	assert.False(t, res.Consistent)
	assert.NotEmpty(t, res.ReplayError)
	assert.Nil(t, res.State)
}

func TestWriteErrorFormats(t *testing.T) {
	ce := &client.Error{Code: "INVALID_STATUS", Status: 409, Hint: "cannot tap: battle is resolved", BattleStatus: model.StatusResolved, Recoverable: true}

	var text bytes.Buffer
	WriteError(&text, "text", ce)
	assert.Contains(t, text.String(), "INVALID_STATUS (status 409)")
	assert.Contains(t, text.String(), "battle status: resolved")
	assert.Contains(t, text.String(), "recoverable")

	var js bytes.Buffer
	WriteError(&js, "json", ce)
	var body struct {
		Status string       `json:"status"`
		Error  client.Error `json:"error"`
	}
	require.NoError(t, json.Unmarshal(js.Bytes(), &body))
	assert.Equal(t, "error", body.Status)
	assert.Equal(t, *ce, body.Error)

	plain := errors.New("boom")
	assert.Equal(t, ExitFailure, GetExitCode(plain))
}

func TestTapSendsOneRequest(t *testing.T) {
	store := memstore.New()
	hub := ws.NewHub()
	mgr := engine.NewManager(store, hub.Publish, engine.DefaultConfig())
	router := api.NewServer(mgr, hub, testSecret).Router()

	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	require.NoError(t, store.SetStakeBalance(context.Background(), "alice", model.StakeEnergy, 100))
	alice := mustToken(t, "alice", model.RoleUser)
	bob := mustToken(t, "bob", model.RoleUser)

	_, err := run(t, "--server", srv.URL, "--token", bob, "me", "--name", "bob")
	require.NoError(t, err)
	out, err := run(t, "--server", srv.URL, "--token", alice, "--format", "json",
		"create", "--stake", "energy", "--pct", "50", "--opponent", "bob")
	require.NoError(t, err, out)
	var created model.CreateBattleResult
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	out, err = run(t, "--server", srv.URL, "--token", bob, "accept", created.BattleID)
	require.NoError(t, err, out)

	out, err = run(t, "--server", srv.URL, "--token", alice, "ping", "--samples", "2", "--quiet")
	require.NoError(t, err, out)
	ping := strings.TrimSpace(out)

	mu.Lock()
	paths = nil
	mu.Unlock()
	out, err = run(t, "--server", srv.URL, "--token", alice, "--format", "json", "tap", created.BattleID, "--ping", ping)
	require.NoError(t, err, out)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"POST /api/battles/" + created.BattleID + "/tap"}, paths)

	parts, err := store.ListParticipants(context.Background(), created.BattleID)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.NotNil(t, parts[0].ClientTapAt)
	assert.False(t, parts[0].ClientTapAt.After(parts[0].TappedAt), "client instant is stamped before the request leaves")
}

func TestTapRejectsNegativePing(t *testing.T) {
	_, err := run(t, "--server", "http://127.0.0.1:1", "--token", "x", "tap", "b1", "--ping=-5")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
