package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/size-ruler/internal/domain"
	"github.com/size-ruler/internal/service"
	"github.com/size-ruler/internal/websocket"
)

// Pinger reports whether the backing store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler provides HTTP handlers for the game API
type Handler struct {
	registry *service.Registry
	engine   *service.Engine
	game     *service.Game
	board    *service.LeaderboardService
	hub      *websocket.Hub
	store    Pinger
	logger   *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	registry *service.Registry,
	engine *service.Engine,
	board *service.LeaderboardService,
	hub *websocket.Hub,
	store Pinger,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		registry: registry,
		engine:   engine,
		game:     service.NewGame(registry, engine),
		board:    board,
		hub:      hub,
		store:    store,
		logger:   logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// AttemptBody is the payload of a direct attempt
type AttemptBody struct {
	ParticipantID int64  `json:"participant_id"`
	DisplayName   string `json:"display_name,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)
	r.Get("/ws", h.HandleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/participants", h.EnsureParticipant)
		r.Get("/participants/{participantID}", h.GetParticipant)
		r.Post("/plays", h.Play)
		r.Get("/top", h.GetGlobalTop)

		r.Route("/scopes/{scopeID}", func(r chi.Router) {
			r.Post("/attempts", h.Attempt)
			r.Get("/top", h.GetTop)
			r.Get("/rank/{participantID}", h.GetRank)
		})

		r.Get("/ws/stats", h.GetWebSocketStats)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("failed to encode response", "error", err)
	}
}

func (h *Handler) writeSuccess(w http.ResponseWriter, data any) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// writeDomainError maps core errors onto status codes. Server-side failures
// are logged and reported without their details.
func (h *Handler) writeDomainError(w http.ResponseWriter, op string, err error) {
	switch {
	case domain.IsNotFoundError(err):
		h.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrNotGroupScope):
		h.writeError(w, http.StatusConflict, err)
	case errors.Is(err, domain.ErrInvalidRequest):
		h.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrMalformedState):
		h.logger.Error("malformed state", "op", op, "error", err)
		h.writeError(w, http.StatusUnprocessableEntity, domain.ErrMalformedState)
	case errors.Is(err, domain.ErrStorageUnavailable):
		h.logger.Error("storage unavailable", "op", op, "error", err)
		h.writeError(w, http.StatusServiceUnavailable, domain.ErrStorageUnavailable)
	default:
		h.logger.Error("request failed", "op", op, "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
	}
}

// idParam parses a signed 64-bit path parameter
func idParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", domain.ErrInvalidRequest, name)
	}
	return id, nil
}

func limitParam(r *http.Request) int {
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			return l
		}
	}
	return 0
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.board, h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, h.hub.Stats())
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck reports ready once the record store answers
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Warn("readiness check failed", "error", err)
		h.writeError(w, http.StatusServiceUnavailable, domain.ErrStorageUnavailable)
		return
	}
	h.writeSuccess(w, map[string]string{"status": "ready"})
}

// EnsureParticipant registers a participant and, for group scopes, its scope row
func (h *Handler) EnsureParticipant(w http.ResponseWriter, r *http.Request) {
	var req domain.AttemptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	if req.ParticipantID == 0 || req.ScopeKind == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	result, err := h.registry.EnsureParticipant(r.Context(), req.ScopeKind, req.Participant(), req.ScopeID)
	if err != nil {
		h.writeDomainError(w, "ensure participant", err)
		return
	}
	h.writeSuccess(w, result)
}

// GetParticipant returns a participant's global record
func (h *Handler) GetParticipant(w http.ResponseWriter, r *http.Request) {
	participantID, err := idParam(r, "participantID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	record, err := h.registry.Global(r.Context(), participantID)
	if err != nil {
		h.writeDomainError(w, "get participant", err)
		return
	}
	h.writeSuccess(w, record)
}

// Play registers and attempts in one call, the way the chat layer does
func (h *Handler) Play(w http.ResponseWriter, r *http.Request) {
	var req domain.AttemptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	if req.ParticipantID == 0 || req.ScopeKind == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	result, err := h.game.Play(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, "play", err)
		return
	}
	h.writeSuccess(w, result)
}

// Attempt plays one round for an already registered participant
func (h *Handler) Attempt(w http.ResponseWriter, r *http.Request) {
	scopeID, err := idParam(r, "scopeID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	var body AttemptBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ParticipantID == 0 {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	result, err := h.engine.Attempt(r.Context(), body.ParticipantID, body.DisplayName, scopeID)
	if err != nil {
		h.writeDomainError(w, "attempt", err)
		return
	}
	h.writeSuccess(w, result)
}

// GetTop returns a scope's top list. An empty scope is a successful, explicitly empty board.
func (h *Handler) GetTop(w http.ResponseWriter, r *http.Request) {
	scopeID, err := idParam(r, "scopeID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	board, err := h.board.Top(r.Context(), scopeID, limitParam(r))
	if errors.Is(err, domain.ErrEmptyLeaderboard) {
		h.writeSuccess(w, &domain.Leaderboard{ScopeID: scopeID, Empty: true, Entries: []domain.LeaderboardEntry{}})
		return
	}
	if err != nil {
		h.writeDomainError(w, "get top", err)
		return
	}
	h.writeSuccess(w, board)
}

// GetGlobalTop ranks participants by aggregate size
func (h *Handler) GetGlobalTop(w http.ResponseWriter, r *http.Request) {
	board, err := h.board.GlobalTop(r.Context(), limitParam(r))
	if errors.Is(err, domain.ErrEmptyLeaderboard) {
		h.writeSuccess(w, &domain.Leaderboard{Empty: true, Entries: []domain.LeaderboardEntry{}})
		return
	}
	if err != nil {
		h.writeDomainError(w, "get global top", err)
		return
	}
	h.writeSuccess(w, board)
}

// GetRank returns a participant's position in a scope
func (h *Handler) GetRank(w http.ResponseWriter, r *http.Request) {
	scopeID, err := idParam(r, "scopeID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	participantID, err := idParam(r, "participantID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	rank, err := h.board.RankOf(r.Context(), scopeID, participantID)
	if err != nil {
		h.writeDomainError(w, "get rank", err)
		return
	}
	h.writeSuccess(w, domain.RankResponse{ScopeID: scopeID, ParticipantID: participantID, Rank: rank})
}
