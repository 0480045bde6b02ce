package handler

import (
	"net/http"

	"github.com/estatehub/marketplace-sync/internal/channel"
	"github.com/estatehub/marketplace-sync/internal/middleware"
)

// ChannelStatus reports the push channel state.
type ChannelStatus interface {
	State() channel.State
}

// ConnStatus reports whether a backend connection is up.
type ConnStatus interface {
	IsConnected() bool
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	session  middleware.SessionChecker
	channel  ChannelStatus
	presence ConnStatus
}

// NewHealthHandler creates a new health handler. presence may be nil when
// no realtime presence backend is configured.
func NewHealthHandler(session middleware.SessionChecker, ch ChannelStatus, presence ConnStatus) *HealthHandler {
	return &HealthHandler{
		session:  session,
		channel:  ch,
		presence: presence,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
// The agent is ready once it holds a valid session. Channel and presence
// state are reported but do not gate readiness.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{
		"status":   "ready",
		"channel":  "disabled",
		"presence": "disabled",
	}
	if h.channel != nil {
		body["channel"] = h.channel.State().String()
	}
	if h.presence != nil {
		body["presence"] = "disconnected"
		if h.presence.IsConnected() {
			body["presence"] = "connected"
		}
	}

	if !h.session.Valid() {
		body["status"] = "not ready"
		body["reason"] = "no active session"
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}

	writeJSON(w, http.StatusOK, body)
}
