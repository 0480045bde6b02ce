// Package handler provides the HTTP handlers of the local agent API.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/estatehub/marketplace-sync/internal/middleware"
	"github.com/estatehub/marketplace-sync/internal/model"
	"github.com/estatehub/marketplace-sync/internal/service"
	"github.com/estatehub/marketplace-sync/pkg/logger"
)

// Conversations is the conversation state the handlers read and drive.
// *service.ConversationSynchronizer satisfies it.
type Conversations interface {
	FetchConversations(ctx context.Context) ([]model.Conversation, error)
	LoadConversations(ctx context.Context) ([]model.Conversation, error)
	SetActiveConversationID(ctx context.Context, id string) error
	FetchMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	LoadMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	SendMessage(ctx context.Context, conversationID, content, fileURL string) (model.Message, error)
	DeleteChatHistory(ctx context.Context, conversationID string) error
	StartNewConversation(ctx context.Context, other model.User, propertyID string) (model.Conversation, error)
	SearchUsers(ctx context.Context, query string) ([]model.User, error)
	TotalUnread() int
	Snapshot() service.ConversationSnapshot
}

// ConversationHandler handles conversation and message endpoints.
type ConversationHandler struct {
	sync   Conversations
	logger *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(sync Conversations, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		sync:   sync,
		logger: log,
	}
}

// ListConversationsResponse is the body of GET /conversations.
type ListConversationsResponse struct {
	Conversations []model.Conversation `json:"conversations"`
	TotalUnread   int                  `json:"total_unread"`
}

// StartConversationRequest is the body of POST /conversations.
type StartConversationRequest struct {
	Participant model.User `json:"participant"`
	PropertyID  string     `json:"property_id,omitempty"`
}

// SetActiveRequest is the body of PUT /conversations/active. A null or
// missing id clears the selection.
type SetActiveRequest struct {
	ConversationID *string `json:"conversation_id"`
}

// SendMessageRequest is the body of POST /conversations/{id}/messages.
type SendMessageRequest struct {
	Content string `json:"content"`
	FileURL string `json:"file_url,omitempty"`
}

// List handles GET /api/v1/conversations
// ?refresh=true bypasses the cache.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	load := h.sync.LoadConversations
	if r.URL.Query().Get("refresh") == "true" {
		load = h.sync.FetchConversations
	}
	convs, err := load(ctx)
	if err != nil {
		h.logger.Warn("failed to list conversations", zap.Error(err))
		writeSyncError(w, err)
		return
	}
	if convs == nil {
		convs = []model.Conversation{}
	}

	writeJSON(w, http.StatusOK, &ListConversationsResponse{
		Conversations: convs,
		TotalUnread:   h.sync.TotalUnread(),
	})
}

// Start handles POST /api/v1/conversations
func (h *ConversationHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req StartConversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateID(req.Participant.ID); err != nil {
		writeError(w, http.StatusBadRequest, "participant: "+err.Error())
		return
	}

	conv, err := h.sync.StartNewConversation(r.Context(), req.Participant, req.PropertyID)
	if err != nil {
		h.logger.Warn("failed to start conversation",
			zap.String("participant_id", req.Participant.ID),
			zap.Error(err),
		)
		writeSyncError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, conv)
}

// Delete handles DELETE /api/v1/conversations/{id}
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.sync.DeleteChatHistory(r.Context(), id); err != nil {
		h.logger.Warn("failed to delete conversation", zap.String("conversation_id", id), zap.Error(err))
		writeSyncError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SetActive handles PUT /api/v1/conversations/active
func (h *ConversationHandler) SetActive(w http.ResponseWriter, r *http.Request) {
	var req SetActiveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := ""
	if req.ConversationID != nil {
		id = *req.ConversationID
		if err := middleware.ValidateID(id); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if err := h.sync.SetActiveConversationID(r.Context(), id); err != nil {
		writeSyncError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, h.sync.Snapshot())
}

// Messages handles GET /api/v1/conversations/{id}/messages
// ?refresh=true bypasses the cache.
func (h *ConversationHandler) Messages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	load := h.sync.LoadMessages
	if r.URL.Query().Get("refresh") == "true" {
		load = h.sync.FetchMessages
	}
	msgs, err := load(r.Context(), id)
	if err != nil {
		h.logger.Warn("failed to load messages", zap.String("conversation_id", id), zap.Error(err))
		writeSyncError(w, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id": id,
		"messages":        msgs,
	})
}

// Send handles POST /api/v1/conversations/{id}/messages
func (h *ConversationHandler) Send(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req SendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageContent(req.Content, req.FileURL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.sync.SendMessage(r.Context(), id, req.Content, req.FileURL)
	if err != nil {
		h.logger.Warn("failed to send message", zap.String("conversation_id", id), zap.Error(err))
		writeSyncError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}

// SearchUsers handles GET /api/v1/users/search?query=
func (h *ConversationHandler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if err := middleware.ValidateSearchQuery(query); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	users, err := h.sync.SearchUsers(r.Context(), query)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	if users == nil {
		users = []model.User{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"query": query,
		"users": users,
	})
}
