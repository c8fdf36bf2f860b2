package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/size-ruler/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(testLogger())
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func bareClient(hub *Hub) *Client {
	return &Client{id: "test", hub: hub, send: make(chan []byte, 8), logger: testLogger()}
}

func receive(t *testing.T, ch <-chan []byte) Message {
	t.Helper()
	select {
	case data := <-ch:
		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return Message{}
	}
}

func TestHub_BroadcastsOnlyToScopeSubscribers(t *testing.T) {
	hub := startHub(t)
	inScope, elsewhere := bareClient(hub), bareClient(hub)
	hub.Register(inScope)
	hub.Register(elsewhere)
	hub.Subscribe(inScope, 7)
	hub.Subscribe(elsewhere, 8)
	require.Eventually(t, func() bool {
		return hub.SubscriberCount(7) == 1 && hub.SubscriberCount(8) == 1
	}, time.Second, 5*time.Millisecond)

	hub.BroadcastAttempt(7, &domain.AttemptResult{Played: true, ScopeID: 7, ParticipantID: 1, Size: 4, Delta: 4})

	msg := receive(t, inScope.send)
	assert.Equal(t, MessageTypeAttemptPlayed, msg.Type)
	assert.Equal(t, int64(7), msg.ScopeID)
	data, ok := msg.Data.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 4, data["size"])

	assert.Never(t, func() bool { return len(elsewhere.send) > 0 }, 50*time.Millisecond, 10*time.Millisecond)
}

func TestHub_LeaderboardUpdate(t *testing.T) {
	hub := startHub(t)
	client := bareClient(hub)
	hub.Register(client)
	hub.Subscribe(client, 7)
	require.Eventually(t, func() bool { return hub.SubscriberCount(7) == 1 }, time.Second, 5*time.Millisecond)

	hub.BroadcastLeaderboardUpdate(7, &domain.Leaderboard{
		ScopeID: 7,
		Entries: []domain.LeaderboardEntry{{Rank: 1, ParticipantID: 3, Size: 9}},
	})

	msg := receive(t, client.send)
	assert.Equal(t, MessageTypeLeaderboardUpdate, msg.Type)
}

func TestHub_UnregisterCleansUp(t *testing.T) {
	hub := startHub(t)
	client := bareClient(hub)
	hub.Register(client)
	hub.Subscribe(client, 7)
	require.Eventually(t, func() bool { return hub.SubscriberCount(7) == 1 }, time.Second, 5*time.Millisecond)

	hub.Unregister(client)
	require.Eventually(t, func() bool { return hub.TotalConnections() == 0 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, hub.SubscriberCount(7))
	assert.Empty(t, hub.Stats().Subscribers)

	_, open := <-client.send
	assert.False(t, open, "send channel is closed")
}

type fakeBoards map[int64]*domain.Leaderboard

func (f fakeBoards) Top(_ context.Context, scopeID int64, _ int) (*domain.Leaderboard, error) {
	board, ok := f[scopeID]
	switch {
	case !ok:
		return nil, domain.ErrScopeNotFound
	case len(board.Entries) == 0:
		return nil, domain.ErrEmptyLeaderboard
	}
	return board, nil
}

func dialTestServer(t *testing.T, hub *Hub, boards TopSource) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, boards, testLogger(), w, r)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	return conn
}

func TestServeWs_SubscribeSendsSnapshotThenUpdates(t *testing.T) {
	hub := startHub(t)
	conn := dialTestServer(t, hub, fakeBoards{
		-42: {ScopeID: -42, Entries: []domain.LeaderboardEntry{{Rank: 1, ParticipantID: 3, Size: 9}}},
	})

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe, ScopeID: -42}))
	var reply Message
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "subscribed", reply.Type)
	assert.Equal(t, int64(-42), reply.ScopeID)

	var snapshot struct {
		Type string             `json:"type"`
		Data domain.Leaderboard `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, MessageTypeLeaderboardUpdate, snapshot.Type)
	require.Len(t, snapshot.Data.Entries, 1)
	assert.Equal(t, int64(9), snapshot.Data.Entries[0].Size)

	require.Eventually(t, func() bool { return hub.SubscriberCount(-42) == 1 }, time.Second, 5*time.Millisecond)
	hub.BroadcastAttempt(-42, &domain.AttemptResult{Played: true, ScopeID: -42})
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, MessageTypeAttemptPlayed, reply.Type)
}

func TestServeWs_SubscribeRejections(t *testing.T) {
	hub := startHub(t)
	conn := dialTestServer(t, hub, fakeBoards{
		-7: {ScopeID: -7},
	})

	var reply Message
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe}))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, MessageTypeError, reply.Type, "scope_id is required")

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe, ScopeID: 99}))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, MessageTypeError, reply.Type, "unknown scope")
	assert.Zero(t, hub.SubscriberCount(99))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, MessageTypeError, reply.Type)

	// an empty scope is still subscribable and gets an explicit empty snapshot
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe, ScopeID: -7}))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "subscribed", reply.Type)
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, MessageTypeLeaderboardUpdate, reply.Type)
	data, ok := reply.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, data["empty"])
}
