package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/size-ruler/internal/config"
	"github.com/size-ruler/internal/domain"
	"github.com/size-ruler/internal/store"
)

// EnsureResult reports which rows an EnsureParticipant call created
type EnsureResult struct {
	Global  store.InsertResult `json:"global"`
	Scope   store.InsertResult `json:"scope,omitempty"`
	InGroup bool               `json:"in_group"`
}

// Registry guarantees that participants have rows before they play
type Registry struct {
	store  RecordStore
	board  *LeaderboardService
	game   config.GameConfig
	clock  Clock
	logger *slog.Logger
}

// NewRegistry creates a new namespace registry
func NewRegistry(
	store RecordStore,
	board *LeaderboardService,
	game config.GameConfig,
	clock Clock,
	logger *slog.Logger,
) *Registry {
	return &Registry{
		store:  store,
		board:  board,
		game:   game,
		clock:  clock,
		logger: logger,
	}
}

// Init creates every collection the game needs. Safe to call on each startup.
func (r *Registry) Init(ctx context.Context) error {
	for _, c := range collections(r.game) {
		if err := r.store.EnsureCollection(ctx, c.name, c.schema); err != nil {
			return storageError("ensuring collection "+c.name, err)
		}
	}
	r.logger.Info("collections ready")
	return nil
}

// EnsureParticipant creates the participant's global row and, for group-like
// scopes, the scope partition and the participant's row in it. Existing rows
// only get their display fields refreshed; size and last_played are never touched.
func (r *Registry) EnsureParticipant(ctx context.Context, kind domain.ScopeKind, p domain.Participant, scopeID int64) (*EnsureResult, error) {
	if p.ID == 0 {
		return nil, fmt.Errorf("%w: participant id is required", domain.ErrInvalidRequest)
	}

	global, err := r.ensureRow(ctx, usersCollection, store.Row{
		"id":        p.ID,
		"firstname": p.FirstName,
		"username":  p.Username,
		"url":       p.URL,
	}, store.Filter{"id": p.ID}, p)
	if err != nil {
		return nil, err
	}

	result := &EnsureResult{Global: global, InGroup: kind.IsGroup()}
	if !kind.IsGroup() {
		return result, nil
	}

	_, err = r.store.Insert(ctx, scopesCollection, store.Row{
		"id":         scopeID,
		"kind":       string(kind),
		"created_at": r.game.FormatTime(r.clock.Now()),
	})
	if err != nil {
		return nil, storageError("ensuring scope", err)
	}

	result.Scope, err = r.ensureRow(ctx, scopeMembersCollection, store.Row{
		"scope_id":  scopeID,
		"id":        p.ID,
		"firstname": p.FirstName,
		"username":  p.Username,
		"url":       p.URL,
	}, memberFilter(scopeID, p.ID), p)
	if err != nil {
		return nil, err
	}

	if result.Scope == store.Inserted {
		r.board.Record(ctx, scopeID, p.ID, 0)
		r.logger.Debug("participant joined scope", "participant_id", p.ID, "scope_id", scopeID)
	}
	return result, nil
}

// ensureRow inserts row or, when it already exists, refreshes its display fields
func (r *Registry) ensureRow(ctx context.Context, collection string, row store.Row, filter store.Filter, p domain.Participant) (store.InsertResult, error) {
	res, err := r.store.Insert(ctx, collection, row)
	if err != nil {
		return 0, storageError("inserting into "+collection, err)
	}
	if res == store.AlreadyPresent {
		if _, err := r.store.Update(ctx, collection, displayPatch(p), filter); err != nil {
			return 0, storageError("refreshing "+collection, err)
		}
	}
	return res, nil
}

// Global returns a participant's global record with its ordered scope memberships
func (r *Registry) Global(ctx context.Context, participantID int64) (*domain.GlobalRecord, error) {
	return loadGlobal(ctx, r.store, participantID)
}
