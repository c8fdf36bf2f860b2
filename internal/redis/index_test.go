package redis

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/size-ruler/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) (*RankIndex, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	x := NewRankIndexFromClient(client, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { x.Close() })
	return x, mr
}

func TestMemberEncoding_ReversesIDOrder(t *testing.T) {
	ids := []int64{math.MinInt64, -100, -1, 0, 1, 42, 5_000_000_000, math.MaxInt64}
	for i := 1; i < len(ids); i++ {
		assert.Greater(t, encodeMember(ids[i-1]), encodeMember(ids[i]), "ids %d and %d", ids[i-1], ids[i])
		assert.Len(t, encodeMember(ids[i]), 20)
	}
}

func TestRank_OrdersBySizeThenID(t *testing.T) {
	x, _ := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, x.Replace(ctx, 1, map[int64]int64{30: 5, 10: 5}))
	require.NoError(t, x.Set(ctx, 1, 20, 12))

	for participant, want := range map[int64]int64{20: 1, 10: 2, 30: 3} {
		rank, err := x.Rank(ctx, 1, participant)
		require.NoError(t, err)
		assert.Equal(t, want, rank, "participant %d", participant)
	}
}

func TestRank_MissingParticipant(t *testing.T) {
	x, _ := newTestIndex(t)
	ctx := context.Background()
	require.NoError(t, x.Replace(ctx, 1, map[int64]int64{5: 1}))

	_, err := x.Rank(ctx, 1, 99)
	assert.ErrorIs(t, err, domain.ErrParticipantNotFound)
}

func TestColdScope_RejectsSetAndRank(t *testing.T) {
	x, mr := newTestIndex(t)
	ctx := context.Background()

	err := x.Set(ctx, 1, 5, 10)
	assert.ErrorIs(t, err, domain.ErrIndexStale)
	assert.False(t, mr.Exists("ruler:group_1:sizes"), "a cold scope gets no partial set")

	_, err = x.Rank(ctx, 1, 5)
	assert.ErrorIs(t, err, domain.ErrIndexStale)
}

func TestFlushedScopeGoesCold(t *testing.T) {
	x, mr := newTestIndex(t)
	ctx := context.Background()
	require.NoError(t, x.Replace(ctx, 1, map[int64]int64{1: 3, 2: 10}))

	mr.FlushAll()

	assert.ErrorIs(t, x.Set(ctx, 1, 1, 4), domain.ErrIndexStale)
	_, err := x.Rank(ctx, 1, 1)
	assert.ErrorIs(t, err, domain.ErrIndexStale)
}

func TestReplace_SwapsContentsAndMarksComplete(t *testing.T) {
	x, mr := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, x.Replace(ctx, 7, map[int64]int64{1: 100}))
	require.NoError(t, x.Replace(ctx, 7, map[int64]int64{2: 3, 3: 4}))

	members, err := mr.ZMembers("ruler:group_7:sizes")
	require.NoError(t, err)
	assert.Len(t, members, 2)
	assert.True(t, mr.Exists("ruler:group_7:ready"))

	_, err = x.Rank(ctx, 7, 1)
	assert.ErrorIs(t, err, domain.ErrParticipantNotFound)

	require.NoError(t, x.Invalidate(ctx, 7))
	assert.False(t, mr.Exists("ruler:group_7:sizes"))
	assert.False(t, mr.Exists("ruler:group_7:ready"))
}

func TestReplace_EmptyScopeIsComplete(t *testing.T) {
	x, _ := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, x.Replace(ctx, 3, map[int64]int64{}))
	require.NoError(t, x.Set(ctx, 3, 8, 0))

	rank, err := x.Rank(ctx, 3, 8)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rank)
}

func TestScopesAreIsolated(t *testing.T) {
	x, mr := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, x.Replace(ctx, 1, map[int64]int64{5: 10, 6: 1}))
	require.NoError(t, x.Replace(ctx, 2, map[int64]int64{5: 1}))

	rank, err := x.Rank(ctx, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rank)
	rank, err = x.Rank(ctx, 1, 6)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rank)

	require.NoError(t, x.Invalidate(ctx, 1))
	assert.True(t, mr.Exists("ruler:group_2:ready"))
}

func TestUnavailableRedisSurfacesError(t *testing.T) {
	x, mr := newTestIndex(t)
	mr.Close()

	_, err := x.Rank(context.Background(), 1, 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrParticipantNotFound)
	assert.NotErrorIs(t, err, domain.ErrIndexStale)
}
