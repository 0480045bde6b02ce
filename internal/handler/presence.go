package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/estatehub/marketplace-sync/internal/middleware"
	"github.com/estatehub/marketplace-sync/internal/presence"
	"github.com/estatehub/marketplace-sync/pkg/logger"
)

// Presence is the typing/online state. *presence.Tracker satisfies it.
type Presence interface {
	Get(userID string) presence.Change
	SendTyping(ctx context.Context, receiverID string) error
}

// VisibilitySetter records whether the UI is in the foreground.
type VisibilitySetter interface {
	Visible() bool
	Set(visible bool)
}

// PresenceHandler handles presence, typing and visibility endpoints.
type PresenceHandler struct {
	presence   Presence
	visibility VisibilitySetter
	logger     *logger.Logger
}

// NewPresenceHandler creates a new presence handler. p may be nil when no
// realtime presence backend is configured.
func NewPresenceHandler(p Presence, vis VisibilitySetter, log *logger.Logger) *PresenceHandler {
	return &PresenceHandler{
		presence:   p,
		visibility: vis,
		logger:     log,
	}
}

// TypingRequest is the body of POST /typing.
type TypingRequest struct {
	ReceiverID string `json:"receiver_id"`
}

// VisibilityRequest is the body of PUT /visibility.
type VisibilityRequest struct {
	Visible bool `json:"visible"`
}

// Get handles GET /api/v1/presence/{userId}
func (h *PresenceHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h.presence == nil {
		writeError(w, http.StatusServiceUnavailable, "presence unavailable")
		return
	}
	userID := chi.URLParam(r, "userId")
	if err := middleware.ValidateID(userID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.presence.Get(userID))
}

// Typing handles POST /api/v1/typing
func (h *PresenceHandler) Typing(w http.ResponseWriter, r *http.Request) {
	if h.presence == nil {
		writeError(w, http.StatusServiceUnavailable, "presence unavailable")
		return
	}
	var req TypingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateID(req.ReceiverID); err != nil {
		writeError(w, http.StatusBadRequest, "receiver: "+err.Error())
		return
	}

	if err := h.presence.SendTyping(r.Context(), req.ReceiverID); err != nil {
		h.logger.Debug("failed to send typing signal", zap.Error(err))
		writeSyncError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Visibility handles PUT /api/v1/visibility
func (h *PresenceHandler) Visibility(w http.ResponseWriter, r *http.Request) {
	var req VisibilityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.visibility.Set(req.Visible)
	writeJSON(w, http.StatusOK, map[string]bool{"visible": h.visibility.Visible()})
}
