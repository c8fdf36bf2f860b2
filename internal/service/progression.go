package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/size-ruler/internal/config"
	"github.com/size-ruler/internal/domain"
	"github.com/size-ruler/internal/store"
)

// Clock supplies the current time
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock reads the wall clock
var SystemClock Clock = systemClock{}

// DeltaSource draws integers in [0, n). *rand.Rand satisfies it when used from one goroutine.
type DeltaSource interface {
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }

// RandomDeltas draws from the runtime's goroutine-safe generator
var RandomDeltas DeltaSource = globalRand{}

// Engine applies cooldown-gated random size changes
type Engine struct {
	store  RecordStore
	board  *LeaderboardService
	game   config.GameConfig
	clock  Clock
	rng    DeltaSource
	locks  *keyedMutex
	logger *slog.Logger
}

// NewEngine creates a progression engine
func NewEngine(
	store RecordStore,
	board *LeaderboardService,
	game config.GameConfig,
	clock Clock,
	rng DeltaSource,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		store:  store,
		board:  board,
		game:   game,
		clock:  clock,
		rng:    rng,
		locks:  newKeyedMutex(),
		logger: logger,
	}
}

// Attempt plays one round for a participant in a scope. Both the global and
// the scope record must already exist. Attempts for the same participant and
// scope are serialized, so at most one can pass the cooldown gate per window.
func (e *Engine) Attempt(ctx context.Context, participantID int64, displayName string, scopeID int64) (*domain.AttemptResult, error) {
	unlock := e.locks.Lock(lockKey{scopeID: scopeID, participantID: participantID})
	defer unlock()

	if _, err := loadGlobal(ctx, e.store, participantID); err != nil {
		return nil, err
	}
	member, err := loadScopeRecord(ctx, e.store, e.game, scopeID, participantID)
	if err != nil {
		return nil, err
	}
	if displayName == "" {
		displayName = member.Username
		if displayName == "" {
			displayName = member.FirstName
		}
	}

	now := e.clock.Now().UTC()
	cooldown := e.game.Cooldown()
	if elapsed := now.Sub(member.LastPlayed); elapsed <= cooldown {
		rank, err := e.board.RankOf(ctx, scopeID, participantID)
		if err != nil {
			return nil, err
		}
		e.logger.Debug("attempt on cooldown",
			"participant_id", participantID,
			"scope_id", scopeID,
			"remaining", cooldown-elapsed,
		)
		return &domain.AttemptResult{
			Played:            false,
			ParticipantID:     participantID,
			ScopeID:           scopeID,
			DisplayName:       displayName,
			Size:              member.Size,
			Rank:              rank,
			CooldownRemaining: domain.SplitDuration(cooldown - elapsed),
			NextAttemptAt:     member.LastPlayed.Add(cooldown),
		}, nil
	}

	// persisted timestamps carry whole seconds only
	now = now.Truncate(time.Second)
	delta := e.draw()
	newSize := max(member.Size+delta, 0)

	n, err := e.store.Update(ctx, scopeMembersCollection, store.Row{
		"size":        newSize,
		"last_played": e.game.FormatTime(now),
	}, memberFilter(scopeID, participantID))
	if err != nil {
		return nil, storageError("updating scope record", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("participant %d in %s: %w", participantID, domain.ScopeName(scopeID), domain.ErrScopeRecordMissing)
	}

	if err := e.join(ctx, participantID, scopeID, now); err != nil {
		return nil, err
	}
	globalSize, err := e.recomputeGlobal(ctx, participantID)
	if err != nil {
		return nil, err
	}

	e.board.Record(ctx, scopeID, participantID, newSize)
	rank, err := e.board.RankOf(ctx, scopeID, participantID)
	if err != nil {
		return nil, err
	}

	result := &domain.AttemptResult{
		Played:            true,
		ParticipantID:     participantID,
		ScopeID:           scopeID,
		DisplayName:       displayName,
		Size:              newSize,
		Rank:              rank,
		Delta:             delta,
		Direction:         domain.DirectionOf(delta),
		CooldownRemaining: domain.SplitDuration(cooldown),
		NextAttemptAt:     now.Add(cooldown),
	}
	e.logger.Info("attempt played",
		"participant_id", participantID,
		"scope_id", scopeID,
		"delta", delta,
		"size", newSize,
		"global_size", globalSize,
		"rank", rank,
	)
	e.board.Announce(ctx, result)
	return result, nil
}

// draw picks a delta uniformly from the configured range, skipping zero
func (e *Engine) draw() int64 {
	lo, hi := e.game.MinDelta(), e.game.MaxDelta()
	span := int(hi - lo + 1)
	for {
		if delta := lo + int64(e.rng.IntN(span)); delta != 0 {
			return delta
		}
	}
}

// join appends scopeID to the participant's membership set if absent
func (e *Engine) join(ctx context.Context, participantID, scopeID int64, at time.Time) error {
	res, err := e.store.Insert(ctx, membershipsCollection, store.Row{
		"participant_id": participantID,
		"scope_id":       scopeID,
		"joined_at":      at.UnixNano(),
	})
	if err != nil {
		return storageError("adding membership", err)
	}
	if res == store.Inserted {
		e.logger.Debug("membership added", "participant_id", participantID, "scope_id", scopeID)
	}
	return nil
}

// recomputeGlobal sets the global size to the maximum over every member scope
func (e *Engine) recomputeGlobal(ctx context.Context, participantID int64) (int64, error) {
	scopes, err := loadMemberships(ctx, e.store, participantID)
	if err != nil {
		return 0, err
	}

	var best int64
	for _, scopeID := range scopes {
		rec, err := loadScopeRecord(ctx, e.store, e.game, scopeID, participantID)
		if err != nil {
			if errors.Is(err, domain.ErrScopeRecordMissing) {
				return 0, malformed("membership lists %s but participant %d has no record there", domain.ScopeName(scopeID), participantID)
			}
			return 0, err
		}
		best = max(best, rec.Size)
	}

	if _, err := e.store.Update(ctx, usersCollection, store.Row{"size": best}, store.Filter{"id": participantID}); err != nil {
		return 0, storageError("updating global size", err)
	}
	return best, nil
}
