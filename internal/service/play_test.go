package service

import (
	"context"
	"testing"

	"github.com/size-ruler/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlay_RegistersThenAttempts(t *testing.T) {
	h := newHarness(t, nil)
	h.deltas.Push(5)
	req := domain.AttemptRequest{
		ParticipantID: 3,
		FirstName:     "Cid",
		ScopeID:       -1001,
		ScopeKind:     domain.ScopeKindSupergroup,
	}

	res, err := NewGame(h.registry, h.engine).Play(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Played)
	assert.Equal(t, "Cid", res.DisplayName)
	assert.Equal(t, int64(5), res.Size)
}

func TestPlay_DirectChatIsRejectedAfterRegistering(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	req := domain.AttemptRequest{ParticipantID: 3, FirstName: "Cid", ScopeID: 3, ScopeKind: domain.ScopeKindPrivate}

	_, err := NewGame(h.registry, h.engine).Play(ctx, req)
	assert.ErrorIs(t, err, domain.ErrNotGroupScope)

	global, err := h.registry.Global(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "Cid", global.FirstName)
}
