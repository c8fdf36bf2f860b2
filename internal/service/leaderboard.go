package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/size-ruler/internal/config"
	"github.com/size-ruler/internal/domain"
	"github.com/size-ruler/internal/store"
)

// RankIndex is a materialized per-scope ordering kept beside the store
type RankIndex interface {
	Set(ctx context.Context, scopeID, participantID, size int64) error
	Rank(ctx context.Context, scopeID, participantID int64) (int64, error)
	Replace(ctx context.Context, scopeID int64, sizes map[int64]int64) error
	Invalidate(ctx context.Context, scopeID int64) error
}

// Broadcaster pushes scope updates to live subscribers
type Broadcaster interface {
	BroadcastAttempt(scopeID int64, result *domain.AttemptResult)
	BroadcastLeaderboardUpdate(scopeID int64, board *domain.Leaderboard)
}

// LeaderboardService provides ranked listings and rank lookups
type LeaderboardService struct {
	store  RecordStore
	index  RankIndex
	hub    Broadcaster
	game   config.GameConfig
	logger *slog.Logger

	// held per scope (participantID 0) around index writes and rebuilds, so a
	// rebuild's scan never overwrites a newer single-member write
	indexLocks *keyedMutex
}

var errIndexWrite = errors.New("rank index write failed")

// NewLeaderboardService creates a new leaderboard service. index may be nil.
func NewLeaderboardService(
	store RecordStore,
	index RankIndex,
	game config.GameConfig,
	logger *slog.Logger,
) *LeaderboardService {
	return &LeaderboardService{
		store:      store,
		index:      index,
		game:       game,
		logger:     logger,
		indexLocks: newKeyedMutex(),
	}
}

// SetHub sets the broadcaster used for live updates
func (s *LeaderboardService) SetHub(hub Broadcaster) {
	s.hub = hub
}

func (s *LeaderboardService) limit(n int) int {
	if n <= 0 {
		return s.game.TopLimit()
	}
	return n
}

// Top returns the highest sizes in a scope, ties broken by ascending id.
// A known scope with no rows yields ErrEmptyLeaderboard; an unknown scope yields ErrScopeNotFound.
func (s *LeaderboardService) Top(ctx context.Context, scopeID int64, limit int) (*domain.Leaderboard, error) {
	rows, err := s.store.Find(ctx, scopeMembersCollection, store.Filter{"scope_id": scopeID}, store.FindOptions{
		OrderBy: rankOrder,
		Limit:   s.limit(limit),
	})
	if err != nil {
		return nil, storageError("listing scope top", err)
	}
	if len(rows) == 0 {
		if _, err := s.store.GetOne(ctx, scopesCollection, store.Filter{"id": scopeID}); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%s: %w", domain.ScopeName(scopeID), domain.ErrScopeNotFound)
			}
			return nil, storageError("checking scope", err)
		}
		return nil, fmt.Errorf("%s: %w", domain.ScopeName(scopeID), domain.ErrEmptyLeaderboard)
	}

	entries, err := entriesFrom(rows)
	if err != nil {
		return nil, err
	}
	return &domain.Leaderboard{ScopeID: scopeID, Entries: entries}, nil
}

// GlobalTop ranks participants by their aggregate size
func (s *LeaderboardService) GlobalTop(ctx context.Context, limit int) (*domain.Leaderboard, error) {
	rows, err := s.store.Find(ctx, usersCollection, nil, store.FindOptions{
		OrderBy: rankOrder,
		Limit:   s.limit(limit),
	})
	if err != nil {
		return nil, storageError("listing global top", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("global: %w", domain.ErrEmptyLeaderboard)
	}
	entries, err := entriesFrom(rows)
	if err != nil {
		return nil, err
	}
	return &domain.Leaderboard{Entries: entries}, nil
}

func entriesFrom(rows []store.Row) ([]domain.LeaderboardEntry, error) {
	entries := make([]domain.LeaderboardEntry, 0, len(rows))
	for i, row := range rows {
		entry, err := decodeEntry(row, int64(i+1))
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// RankOf returns the 1-based position of a participant in its scope.
// ErrParticipantNotFound means the participant has no row there. The index is
// trusted only while it is complete; otherwise the scope is rebuilt from a
// store scan and the scan's ordering answers.
func (s *LeaderboardService) RankOf(ctx context.Context, scopeID, participantID int64) (int64, error) {
	var order []int64
	if s.index == nil {
		_, scanned, err := s.scan(ctx, scopeID)
		if err != nil {
			return 0, err
		}
		order = scanned
	} else {
		rank, err := s.index.Rank(ctx, scopeID, participantID)
		if err == nil {
			return rank, nil
		}
		if !errors.Is(err, domain.ErrParticipantNotFound) && !errors.Is(err, domain.ErrIndexStale) {
			s.logger.Warn("rank index lookup failed, scanning store",
				"scope_id", scopeID,
				"participant_id", participantID,
				"error", err,
			)
		}
		if errors.Is(err, domain.ErrParticipantNotFound) {
			// a complete index missing a participant is only worth a rebuild
			// when the store does have the row
			_, scanned, err := s.scan(ctx, scopeID)
			if err != nil {
				return 0, err
			}
			if !slices.Contains(scanned, participantID) {
				return 0, fmt.Errorf("participant %d in %s: %w", participantID, domain.ScopeName(scopeID), domain.ErrParticipantNotFound)
			}
		}
		order, err = s.rebuild(ctx, scopeID)
		if errors.Is(err, errIndexWrite) {
			s.logger.Warn("failed to backfill rank index", "scope_id", scopeID, "error", err)
		} else if err != nil {
			return 0, err
		}
	}

	for i, id := range order {
		if id == participantID {
			return int64(i + 1), nil
		}
	}
	return 0, fmt.Errorf("participant %d in %s: %w", participantID, domain.ScopeName(scopeID), domain.ErrParticipantNotFound)
}

// rebuild replaces a scope's index with a fresh store scan and returns the
// scan's ordering. An index write failure still returns the ordering, with an
// errIndexWrite error.
func (s *LeaderboardService) rebuild(ctx context.Context, scopeID int64) ([]int64, error) {
	unlock := s.indexLocks.Lock(lockKey{scopeID: scopeID})
	defer unlock()

	sizes, order, err := s.scan(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	if err := s.index.Replace(ctx, scopeID, sizes); err != nil {
		return order, fmt.Errorf("%w: %w", errIndexWrite, err)
	}
	return order, nil
}

// scan reads a scope's full ordering straight from the store
func (s *LeaderboardService) scan(ctx context.Context, scopeID int64) (map[int64]int64, []int64, error) {
	rows, err := s.store.Find(ctx, scopeMembersCollection, store.Filter{"scope_id": scopeID}, store.FindOptions{
		OrderBy: rankOrder,
	})
	if err != nil {
		return nil, nil, storageError("scanning scope", err)
	}
	sizes := make(map[int64]int64, len(rows))
	order := make([]int64, 0, len(rows))
	for _, row := range rows {
		id, err := row.Int64("id")
		if err != nil {
			return nil, nil, malformed("%v", err)
		}
		size, err := row.Int64("size")
		if err != nil {
			return nil, nil, malformed("%v", err)
		}
		sizes[id] = size
		order = append(order, id)
	}
	return sizes, order, nil
}

// Record mirrors a persisted size into the rank index. A cold scope is
// rebuilt whole from the store instead. Other index failures are logged and
// the scope's index is dropped so lookups fall back to the store.
func (s *LeaderboardService) Record(ctx context.Context, scopeID, participantID, size int64) {
	if s.index == nil {
		return
	}
	unlock := s.indexLocks.Lock(lockKey{scopeID: scopeID})
	err := s.index.Set(ctx, scopeID, participantID, size)
	unlock()

	switch {
	case err == nil:
		return
	case errors.Is(err, domain.ErrIndexStale):
		if _, err := s.rebuild(ctx, scopeID); err != nil {
			s.logger.Warn("failed to rebuild cold rank index", "scope_id", scopeID, "error", err)
		}
		return
	}

	s.logger.Warn("failed to update rank index",
		"scope_id", scopeID,
		"participant_id", participantID,
		"error", err,
	)
	if err := s.index.Invalidate(ctx, scopeID); err != nil {
		s.logger.Warn("failed to invalidate rank index", "scope_id", scopeID, "error", err)
	}
}

// Announce pushes a played attempt and the refreshed top list to subscribers
func (s *LeaderboardService) Announce(ctx context.Context, result *domain.AttemptResult) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastAttempt(result.ScopeID, result)

	board, err := s.Top(ctx, result.ScopeID, 0)
	if err != nil {
		s.logger.Warn("failed to load top for broadcast", "scope_id", result.ScopeID, "error", err)
		return
	}
	s.hub.BroadcastLeaderboardUpdate(result.ScopeID, board)
}

// ListScopes returns every known scope id in ascending order
func (s *LeaderboardService) ListScopes(ctx context.Context) ([]int64, error) {
	rows, err := s.store.Find(ctx, scopesCollection, nil, store.FindOptions{
		OrderBy: []store.Order{{Column: "id"}},
	})
	if err != nil {
		return nil, storageError("listing scopes", err)
	}
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		id, err := row.Int64("id")
		if err != nil {
			return nil, malformed("%v", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// RebuildIndex replaces a scope's index with the store's contents and
// returns how many members were written
func (s *LeaderboardService) RebuildIndex(ctx context.Context, scopeID int64) (int, error) {
	if s.index == nil {
		return 0, nil
	}
	order, err := s.rebuild(ctx, scopeID)
	if err != nil {
		return 0, err
	}
	return len(order), nil
}

// IndexEnabled reports whether a rank index is configured
func (s *LeaderboardService) IndexEnabled() bool {
	return s.index != nil
}
