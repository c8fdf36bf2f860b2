package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/size-ruler/internal/config"
	"github.com/size-ruler/internal/domain"
	"github.com/size-ruler/internal/service"
	"github.com/size-ruler/internal/store"
	"github.com/size-ruler/internal/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedDraw always lands on the same offset into the delta range
type fixedDraw int

func (d fixedDraw) IntN(int) int { return int(d) }

type testServer struct {
	handler http.Handler
	store   *store.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "api.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	game, err := config.DefaultGameSettings().Game()
	require.NoError(t, err)

	board := service.NewLeaderboardService(s, nil, game, logger)
	registry := service.NewRegistry(s, board, game, service.SystemClock, logger)
	// offset 9 into -5..10 draws +4
	engine := service.NewEngine(s, board, game, service.SystemClock, fixedDraw(9), logger)
	require.NoError(t, registry.Init(t.Context()))

	hub := websocket.NewHub(logger)
	go hub.Run()
	t.Cleanup(hub.Stop)

	h := NewHandler(registry, engine, board, hub, s, logger)
	return &testServer{handler: h.Router(), store: s}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (int, APIResponse, json.RawMessage) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	var envelope struct {
		APIResponse
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope), rec.Body.String())
	return rec.Code, envelope.APIResponse, envelope.Data
}

func register(t *testing.T, ts *testServer, participantID, scopeID int64) {
	t.Helper()
	code, _, _ := ts.do(t, http.MethodPost, "/api/v1/participants", domain.AttemptRequest{
		ParticipantID: participantID,
		FirstName:     "ann",
		ScopeID:       scopeID,
		ScopeKind:     domain.ScopeKindGroup,
	})
	require.Equal(t, http.StatusOK, code)
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t)

	code, resp, _ := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)

	code, _, _ = ts.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, code)

	require.NoError(t, ts.store.Close())
	code, resp, _ = ts.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.False(t, resp.Success)
}

func TestEnsureParticipantEndpoint(t *testing.T) {
	ts := newTestServer(t)

	code, _, data := ts.do(t, http.MethodPost, "/api/v1/participants", domain.AttemptRequest{
		ParticipantID: 1,
		FirstName:     "ann",
		ScopeID:       7,
		ScopeKind:     domain.ScopeKindGroup,
	})
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"global":"inserted","scope":"inserted","in_group":true}`, string(data))

	code, _, _ = ts.do(t, http.MethodPost, "/api/v1/participants", map[string]any{"first_name": "nobody"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAttemptEndpoint(t *testing.T) {
	ts := newTestServer(t)
	register(t, ts, 1, 7)

	code, _, data := ts.do(t, http.MethodPost, "/api/v1/scopes/7/attempts", AttemptBody{ParticipantID: 1})
	require.Equal(t, http.StatusOK, code)
	var first domain.AttemptResult
	require.NoError(t, json.Unmarshal(data, &first))
	assert.True(t, first.Played)
	assert.Equal(t, int64(4), first.Delta)
	assert.Equal(t, domain.DirectionGrew, first.Direction)
	assert.Equal(t, int64(1), first.Rank)

	code, _, data = ts.do(t, http.MethodPost, "/api/v1/scopes/7/attempts", AttemptBody{ParticipantID: 1})
	require.Equal(t, http.StatusOK, code)
	var second domain.AttemptResult
	require.NoError(t, json.Unmarshal(data, &second))
	assert.False(t, second.Played)
	assert.Equal(t, int64(4), second.Size)
	assert.Equal(t, 23, second.CooldownRemaining.Hours)
}

func TestAttemptEndpoint_Errors(t *testing.T) {
	ts := newTestServer(t)

	code, _, _ := ts.do(t, http.MethodPost, "/api/v1/scopes/7/attempts", AttemptBody{ParticipantID: 1})
	assert.Equal(t, http.StatusNotFound, code, "unregistered participant")

	code, _, _ = ts.do(t, http.MethodPost, "/api/v1/scopes/seven/attempts", AttemptBody{ParticipantID: 1})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _, _ = ts.do(t, http.MethodPost, "/api/v1/scopes/7/attempts", AttemptBody{})
	assert.Equal(t, http.StatusBadRequest, code)

	register(t, ts, 1, 7)
	_, err := ts.store.Update(t.Context(), "scope_members", store.Row{"last_played": "garbage"}, store.Filter{"scope_id": int64(7), "id": int64(1)})
	require.NoError(t, err)
	code, resp, _ := ts.do(t, http.MethodPost, "/api/v1/scopes/7/attempts", AttemptBody{ParticipantID: 1})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, domain.ErrMalformedState.Error(), resp.Error)

	require.NoError(t, ts.store.Close())
	code, _, _ = ts.do(t, http.MethodPost, "/api/v1/scopes/7/attempts", AttemptBody{ParticipantID: 1})
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestPlayEndpoint(t *testing.T) {
	ts := newTestServer(t)

	code, _, data := ts.do(t, http.MethodPost, "/api/v1/plays", domain.AttemptRequest{
		ParticipantID: 2,
		Username:      "bob",
		ScopeID:       9,
		ScopeKind:     domain.ScopeKindSupergroup,
	})
	require.Equal(t, http.StatusOK, code)
	var res domain.AttemptResult
	require.NoError(t, json.Unmarshal(data, &res))
	assert.True(t, res.Played)
	assert.Equal(t, "bob", res.DisplayName)

	code, _, _ = ts.do(t, http.MethodPost, "/api/v1/plays", domain.AttemptRequest{
		ParticipantID: 2,
		ScopeID:       2,
		ScopeKind:     domain.ScopeKindPrivate,
	})
	assert.Equal(t, http.StatusConflict, code)
}

func TestTopEndpoints(t *testing.T) {
	ts := newTestServer(t)

	code, _, _ := ts.do(t, http.MethodGet, "/api/v1/scopes/7/top", nil)
	assert.Equal(t, http.StatusNotFound, code, "unknown scope")

	code, _, data := ts.do(t, http.MethodGet, "/api/v1/top", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"empty":true,"entries":[]}`, string(data))

	register(t, ts, 1, 7)
	register(t, ts, 2, 7)
	code, _, _ = ts.do(t, http.MethodPost, "/api/v1/scopes/7/attempts", AttemptBody{ParticipantID: 2})
	require.Equal(t, http.StatusOK, code)

	code, _, data = ts.do(t, http.MethodGet, "/api/v1/scopes/7/top?limit=5", nil)
	require.Equal(t, http.StatusOK, code)
	var board domain.Leaderboard
	require.NoError(t, json.Unmarshal(data, &board))
	assert.False(t, board.Empty)
	require.Len(t, board.Entries, 2)
	assert.Equal(t, int64(2), board.Entries[0].ParticipantID)
	assert.Equal(t, int64(4), board.Entries[0].Size)

	code, _, data = ts.do(t, http.MethodGet, "/api/v1/scopes/7/rank/1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"scope_id":7,"participant_id":1,"rank":2}`, string(data))

	code, _, _ = ts.do(t, http.MethodGet, "/api/v1/scopes/7/rank/99", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestEmptyScopeTop(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.store.Insert(t.Context(), "scopes", store.Row{"id": int64(5), "kind": "group", "created_at": "2026-01-01 00:00:00"})
	require.NoError(t, err)

	code, _, data := ts.do(t, http.MethodGet, "/api/v1/scopes/5/top", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"scope_id":5,"empty":true,"entries":[]}`, string(data))
}

func TestGetParticipantEndpoint(t *testing.T) {
	ts := newTestServer(t)
	register(t, ts, 1, 7)
	code, _, _ := ts.do(t, http.MethodPost, "/api/v1/scopes/7/attempts", AttemptBody{ParticipantID: 1})
	require.Equal(t, http.StatusOK, code)

	code, _, data := ts.do(t, http.MethodGet, "/api/v1/participants/1", nil)
	require.Equal(t, http.StatusOK, code)
	var record domain.GlobalRecord
	require.NoError(t, json.Unmarshal(data, &record))
	assert.Equal(t, int64(4), record.Size)
	assert.Equal(t, []int64{7}, record.Scopes)

	code, _, _ = ts.do(t, http.MethodGet, "/api/v1/participants/2", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestWebSocketStats(t *testing.T) {
	ts := newTestServer(t)

	code, _, data := ts.do(t, http.MethodGet, "/api/v1/ws/stats", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"total_connections":0,"subscribers":{}}`, string(data))
}
