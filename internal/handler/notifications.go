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

// Notifications is the notification state the handlers read and drive.
// *service.NotificationSynchronizer satisfies it.
type Notifications interface {
	FetchNotifications(ctx context.Context, force bool) error
	MarkAsRead(ctx context.Context, id string) error
	MarkAllAsRead(ctx context.Context) error
	BulkMarkAsRead(ctx context.Context, ids []string) error
	DeleteNotification(ctx context.Context, id string) error
	BulkDelete(ctx context.Context, ids []string) error
	ClearAll(ctx context.Context) error
	Settings() model.NotificationSettings
	SetSettings(settings model.NotificationSettings)
	Snapshot() service.NotificationSnapshot
}

// NotificationHandler handles notification endpoints.
type NotificationHandler struct {
	sync   Notifications
	logger *logger.Logger
}

// NewNotificationHandler creates a new notification handler.
func NewNotificationHandler(sync Notifications, log *logger.Logger) *NotificationHandler {
	return &NotificationHandler{
		sync:   sync,
		logger: log,
	}
}

// BulkIDsRequest is the body of the bulk endpoints.
type BulkIDsRequest struct {
	IDs []string `json:"ids"`
}

// List handles GET /api/v1/notifications
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	snap := h.sync.Snapshot()
	if !snap.Loaded {
		if err := h.sync.FetchNotifications(r.Context(), false); err != nil {
			writeSyncError(w, err)
			return
		}
		snap = h.sync.Snapshot()
	}
	writeJSON(w, http.StatusOK, snap)
}

// Refresh handles POST /api/v1/notifications/refresh
// It bypasses the fetch throttle.
func (h *NotificationHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.sync.FetchNotifications(r.Context(), true); err != nil {
		h.logger.Warn("failed to refresh notifications", zap.Error(err))
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.sync.Snapshot())
}

// MarkRead handles PUT /api/v1/notifications/{id}/read
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.respond(w, "mark notification read", h.sync.MarkAsRead(r.Context(), id))
}

// MarkAllRead handles PUT /api/v1/notifications/read-all
func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	h.respond(w, "mark all notifications read", h.sync.MarkAllAsRead(r.Context()))
}

// BulkRead handles PUT /api/v1/notifications/bulk-read
func (h *NotificationHandler) BulkRead(w http.ResponseWriter, r *http.Request) {
	ids, ok := decodeIDs(w, r)
	if !ok {
		return
	}
	h.respond(w, "bulk mark notifications read", h.sync.BulkMarkAsRead(r.Context(), ids))
}

// Delete handles DELETE /api/v1/notifications/{id}
func (h *NotificationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.respond(w, "delete notification", h.sync.DeleteNotification(r.Context(), id))
}

// BulkDelete handles DELETE /api/v1/notifications/bulk-delete
func (h *NotificationHandler) BulkDelete(w http.ResponseWriter, r *http.Request) {
	ids, ok := decodeIDs(w, r)
	if !ok {
		return
	}
	h.respond(w, "bulk delete notifications", h.sync.BulkDelete(r.Context(), ids))
}

// ClearAll handles DELETE /api/v1/notifications
func (h *NotificationHandler) ClearAll(w http.ResponseWriter, r *http.Request) {
	h.respond(w, "clear notifications", h.sync.ClearAll(r.Context()))
}

// GetSettings handles GET /api/v1/notifications/settings
func (h *NotificationHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sync.Settings())
}

// PutSettings handles PUT /api/v1/notifications/settings
func (h *NotificationHandler) PutSettings(w http.ResponseWriter, r *http.Request) {
	settings := h.sync.Settings()
	if err := decodeJSON(w, r, &settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.sync.SetSettings(settings)
	writeJSON(w, http.StatusOK, h.sync.Settings())
}

// respond writes the post-mutation snapshot. A failed mutation has already
// been reconciled against the server, so the snapshot is still current.
func (h *NotificationHandler) respond(w http.ResponseWriter, op string, err error) {
	if err != nil {
		h.logger.Warn("failed to "+op, zap.Error(err))
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.sync.Snapshot())
}

func decodeIDs(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	var req BulkIDsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	if err := middleware.ValidateIDs(req.IDs); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return req.IDs, true
}
