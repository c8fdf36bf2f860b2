// Package redis materializes a descending size index per scope in Redis
// sorted sets so rank lookups do not need a full scan of the scope.
package redis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/size-ruler/internal/config"
	"github.com/size-ruler/internal/domain"
)

// RankIndex provides Redis-based rank operations
type RankIndex struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRankIndex connects to Redis and verifies the connection
func NewRankIndex(ctx context.Context, cfg *config.RedisConfig, logger *slog.Logger) (*RankIndex, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewRankIndexFromClient(client, logger), nil
}

// NewRankIndexFromClient wraps an existing client
func NewRankIndexFromClient(client *redis.Client, logger *slog.Logger) *RankIndex {
	return &RankIndex{
		client: client,
		logger: logger,
	}
}

// Close closes the Redis connection
func (x *RankIndex) Close() error {
	return x.client.Close()
}

// scopeKey returns the Redis key for a scope's sorted set
func scopeKey(scopeID int64) string {
	return fmt.Sprintf("ruler:%s:sizes", domain.ScopeName(scopeID))
}

// readyKey marks a scope's sorted set as holding every member of the scope.
// Only Replace sets it, so a flushed, expired or invalidated scope stays cold
// until it is rebuilt as a whole.
func readyKey(scopeID int64) string {
	return fmt.Sprintf("ruler:%s:ready", domain.ScopeName(scopeID))
}

// Ties in a sorted set come back in descending member order under ZREVRANGE.
// Members are the participant id mapped onto an order-reversed fixed-width
// string so that equal sizes list in ascending id order, like the store scan.
func encodeMember(participantID int64) string {
	ordered := uint64(participantID) ^ (1 << 63)
	return fmt.Sprintf("%020d", ^ordered)
}

// KEYS: sizes, ready. ARGV: score, member. Returns 0 when the scope is cold.
var setScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 0 then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// KEYS: sizes, ready. ARGV: member. Returns -1 when cold, -2 when absent.
var rankScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 0 then
	return -1
end
local rank = redis.call('ZREVRANK', KEYS[1], ARGV[1])
if not rank then
	return -2
end
return rank
`)

// Set records a participant's size in a complete scope index.
// A cold scope is left untouched and yields domain.ErrIndexStale.
func (x *RankIndex) Set(ctx context.Context, scopeID, participantID, size int64) error {
	applied, err := setScript.Run(ctx, x.client,
		[]string{scopeKey(scopeID), readyKey(scopeID)},
		size, encodeMember(participantID),
	).Int64()
	if err != nil {
		return fmt.Errorf("setting size: %w", err)
	}
	if applied == 0 {
		return fmt.Errorf("%s: %w", domain.ScopeName(scopeID), domain.ErrIndexStale)
	}
	return nil
}

// Rank returns the 1-based position of a participant. A cold scope yields
// domain.ErrIndexStale; a participant missing from a complete scope yields
// domain.ErrParticipantNotFound.
func (x *RankIndex) Rank(ctx context.Context, scopeID, participantID int64) (int64, error) {
	rank, err := rankScript.Run(ctx, x.client,
		[]string{scopeKey(scopeID), readyKey(scopeID)},
		encodeMember(participantID),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("getting rank: %w", err)
	}
	switch rank {
	case -1:
		return 0, fmt.Errorf("%s: %w", domain.ScopeName(scopeID), domain.ErrIndexStale)
	case -2:
		return 0, domain.ErrParticipantNotFound
	}
	return rank + 1, nil
}

// Replace atomically swaps a scope's index for the given sizes and marks it complete
func (x *RankIndex) Replace(ctx context.Context, scopeID int64, sizes map[int64]int64) error {
	key := scopeKey(scopeID)
	members := make([]redis.Z, 0, len(sizes))
	for participantID, size := range sizes {
		members = append(members, redis.Z{
			Score:  float64(size),
			Member: encodeMember(participantID),
		})
	}

	pipe := x.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(members) > 0 {
		pipe.ZAdd(ctx, key, members...)
	}
	pipe.Set(ctx, readyKey(scopeID), 1, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("replacing index: %w", err)
	}
	return nil
}

// Invalidate drops a scope's index so lookups fall back to the store until the next rebuild
func (x *RankIndex) Invalidate(ctx context.Context, scopeID int64) error {
	if err := x.client.Del(ctx, readyKey(scopeID), scopeKey(scopeID)).Err(); err != nil {
		return fmt.Errorf("invalidating index: %w", err)
	}
	return nil
}
