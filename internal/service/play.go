package service

import (
	"context"
	"fmt"

	"github.com/size-ruler/internal/domain"
)

// Game runs the chat-layer flow for one observed command
type Game struct {
	registry *Registry
	engine   *Engine
}

// NewGame bundles registration and progression for transports
func NewGame(registry *Registry, engine *Engine) *Game {
	return &Game{registry: registry, engine: engine}
}

// Play makes sure the participant's rows exist, then attempts in the scope.
// Scopes that are not group-like get ErrNotGroupScope after registration.
func (g *Game) Play(ctx context.Context, req domain.AttemptRequest) (*domain.AttemptResult, error) {
	ensured, err := g.registry.EnsureParticipant(ctx, req.ScopeKind, req.Participant(), req.ScopeID)
	if err != nil {
		return nil, err
	}
	if !ensured.InGroup {
		return nil, fmt.Errorf("%s scope %d: %w", req.ScopeKind, req.ScopeID, domain.ErrNotGroupScope)
	}
	return g.engine.Attempt(ctx, req.ParticipantID, req.DisplayName(), req.ScopeID)
}
