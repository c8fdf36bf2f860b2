package service

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/size-ruler/internal/config"
	"github.com/size-ruler/internal/domain"
	rankindex "github.com/size-ruler/internal/redis"
	"github.com/size-ruler/internal/store"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, time.March, 14, 9, 26, 53, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// scriptedDeltas hands out queued deltas, then +1 once the queue runs dry
type scriptedDeltas struct {
	mu    sync.Mutex
	min   int64
	queue []int64
	calls int
}

func (s *scriptedDeltas) IntN(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	delta := int64(1)
	if len(s.queue) > 0 {
		delta, s.queue = s.queue[0], s.queue[1:]
	}
	return int(delta - s.min)
}

func (s *scriptedDeltas) Push(deltas ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, deltas...)
}

type recordingHub struct {
	mu       sync.Mutex
	attempts []*domain.AttemptResult
	boards   []*domain.Leaderboard
}

func (h *recordingHub) BroadcastAttempt(_ int64, result *domain.AttemptResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts = append(h.attempts, result)
}

func (h *recordingHub) BroadcastLeaderboardUpdate(_ int64, board *domain.Leaderboard) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.boards = append(h.boards, board)
}

type harness struct {
	store    *store.Store
	game     config.GameConfig
	clock    *fakeClock
	deltas   *scriptedDeltas
	board    *LeaderboardService
	registry *Registry
	engine   *Engine
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testGame(t *testing.T) config.GameConfig {
	t.Helper()
	game, err := config.DefaultGameSettings().Game()
	require.NoError(t, err)
	return game
}

func newHarness(t *testing.T, index RankIndex) *harness {
	t.Helper()
	logger := testLogger()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "ruler.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	game := testGame(t)
	h := &harness{
		store:  s,
		game:   game,
		clock:  &fakeClock{now: epoch},
		deltas: &scriptedDeltas{min: game.MinDelta()},
	}
	h.board = NewLeaderboardService(s, index, game, logger)
	h.registry = NewRegistry(s, h.board, game, h.clock, logger)
	h.engine = NewEngine(s, h.board, game, h.clock, h.deltas, logger)
	require.NoError(t, h.registry.Init(context.Background()))
	return h
}

func newTestIndex(t *testing.T) (*rankindex.RankIndex, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	x := rankindex.NewRankIndexFromClient(client, testLogger())
	t.Cleanup(func() { x.Close() })
	return x, mr
}

func person(id int64, name string) domain.Participant {
	return domain.Participant{ID: id, FirstName: name, Username: name + "_handle", URL: "tg://user?id=" + name}
}

// join registers a participant in a group scope
func (h *harness) join(t *testing.T, p domain.Participant, scopeID int64) {
	t.Helper()
	_, err := h.registry.EnsureParticipant(context.Background(), domain.ScopeKindGroup, p, scopeID)
	require.NoError(t, err)
}

// setSize writes a scope size directly, bypassing the engine
func (h *harness) setSize(t *testing.T, scopeID, participantID, size int64) {
	t.Helper()
	n, err := h.store.Update(context.Background(), scopeMembersCollection, store.Row{"size": size}, memberFilter(scopeID, participantID))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func (h *harness) scopeSize(t *testing.T, scopeID, participantID int64) int64 {
	t.Helper()
	rec, err := loadScopeRecord(context.Background(), h.store, h.game, scopeID, participantID)
	require.NoError(t, err)
	return rec.Size
}
