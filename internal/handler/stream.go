package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/estatehub/marketplace-sync/internal/middleware"
	"github.com/estatehub/marketplace-sync/internal/service"
	"github.com/estatehub/marketplace-sync/pkg/logger"
	"github.com/estatehub/marketplace-sync/pkg/metrics"
)

// DefaultHeartbeat is the SSE keepalive interval.
const DefaultHeartbeat = 30 * time.Second

// StreamHandler handles the SSE event stream.
type StreamHandler struct {
	hub           *Hub
	conversations ConversationSource
	notifications NotificationSource
	clock         clock.Clock
	heartbeat     time.Duration
	logger        *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(
	hub *Hub,
	convs ConversationSource,
	notifs NotificationSource,
	clk clock.Clock,
	heartbeat time.Duration,
	log *logger.Logger,
) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &StreamHandler{
		hub:           hub,
		conversations: convs,
		notifications: notifs,
		clock:         clk,
		heartbeat:     heartbeat,
		logger:        log,
	}
}

// Stream handles GET /api/v1/events
// The stream opens with the current conversation and notification state,
// then forwards every change until the client disconnects.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before the initial snapshot so no change is lost between them.
	events, unsubscribe := h.hub.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	log := h.logger.WithContext(middleware.GetCorrelationID(ctx), middleware.GetUserID(ctx))
	log.Debug("SSE client connected")

	if h.conversations != nil {
		snap := h.conversations.Snapshot()
		for _, topic := range []string{service.TopicConversations, service.TopicMessages} {
			name, data := conversationEvent(topic, snap)
			if err := sendSSEEvent(w, flusher, name, data); err != nil {
				return
			}
		}
	}
	if h.notifications != nil {
		if err := sendSSEEvent(w, flusher, EventNotifications, h.notifications.Snapshot()); err != nil {
			return
		}
	}

	heartbeat := h.clock.Ticker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("SSE client disconnected")
			return

		case ev := <-events:
			if err := sendSSEEvent(w, flusher, ev.Name, ev.Data); err != nil {
				log.Debug("SSE write failed", zap.String("event", ev.Name), zap.Error(err))
				return
			}

		case <-heartbeat.C:
			if err := sendSSEEvent(w, flusher, EventHeartbeat, &HeartbeatEvent{
				Subscribers: h.hub.Subscribers(),
			}); err != nil {
				return
			}
		}
	}
}

// sendSSEEvent writes an SSE event.
func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
