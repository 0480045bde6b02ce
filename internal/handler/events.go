package handler

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/estatehub/marketplace-sync/internal/eventbus"
	"github.com/estatehub/marketplace-sync/internal/model"
	"github.com/estatehub/marketplace-sync/internal/presence"
	"github.com/estatehub/marketplace-sync/internal/service"
	"github.com/estatehub/marketplace-sync/pkg/logger"
)

// SSE event names.
const (
	EventConversations = "conversations"
	EventMessages      = "messages"
	EventSearch        = "search"
	EventNotifications = "notifications"
	EventPresence      = "presence"
	EventAlert         = "alert"
	EventConnection    = "connection"
	EventError         = "error"
	EventHeartbeat     = "heartbeat"
)

// subscriberBuffer bounds how far a slow SSE client may lag before events
// are dropped for it.
const subscriberBuffer = 64

// Event is one server-sent event.
type Event struct {
	Name string
	Data interface{}
}

// AlertEvent is the payload of an alert event.
type AlertEvent struct {
	Kind         string             `json:"kind"`
	Notification model.Notification `json:"notification"`
	ActionURL    string             `json:"action_url,omitempty"`
}

// HeartbeatEvent is the payload of a heartbeat event.
type HeartbeatEvent struct {
	Subscribers int `json:"subscribers"`
}

// Hub fans synchronizer changes out to every connected SSE client. It also
// implements service.Alerter so alerts reach the UI as alert events.
type Hub struct {
	logger *logger.Logger

	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		logger: log.Named("sse"),
		subs:   make(map[chan Event]struct{}),
	}
}

// Subscribe registers a client. The returned func must be called once the
// client goes away.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
		})
	}
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish delivers an event to every client without blocking.
func (h *Hub) Publish(name string, data interface{}) {
	ev := Event{Name: name, Data: data}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Warn("dropping event for slow client", zap.String("event", name))
		}
	}
}

// Toast implements service.Alerter.
func (h *Hub) Toast(n model.Notification) {
	h.alert("toast", n)
}

// BrowserNotify implements service.Alerter.
func (h *Hub) BrowserNotify(n model.Notification) {
	h.alert("browser", n)
}

// PlaySound implements service.Alerter.
func (h *Hub) PlaySound(n model.Notification) {
	h.alert("sound", n)
}

func (h *Hub) alert(kind string, n model.Notification) {
	h.Publish(EventAlert, &AlertEvent{
		Kind:         kind,
		Notification: n,
		ActionURL:    n.ActionURL(),
	})
}

// ConversationSource is the conversation state streamed to clients.
type ConversationSource interface {
	OnChange(fn func(topic string)) eventbus.Unsubscribe
	Snapshot() service.ConversationSnapshot
}

// NotificationSource is the notification state streamed to clients.
type NotificationSource interface {
	OnChange(fn func(topic string)) eventbus.Unsubscribe
	Snapshot() service.NotificationSnapshot
}

// PresenceSource streams typing and online transitions.
type PresenceSource interface {
	OnChange(fn func(presence.Change)) eventbus.Unsubscribe
}

// Sources lists what Bridge forwards. Nil members are skipped.
type Sources struct {
	Conversations ConversationSource
	Notifications NotificationSource
	Presence      PresenceSource
	Push          service.PushSource
}

// Bridge forwards every change of src into the hub and returns a func that
// detaches it.
func (h *Hub) Bridge(src Sources) eventbus.Unsubscribe {
	var unsubs []eventbus.Unsubscribe

	if c := src.Conversations; c != nil {
		unsubs = append(unsubs, c.OnChange(func(topic string) {
			name, data := conversationEvent(topic, c.Snapshot())
			if name != "" {
				h.Publish(name, data)
			}
		}))
	}
	if n := src.Notifications; n != nil {
		unsubs = append(unsubs, n.OnChange(func(string) {
			h.Publish(EventNotifications, n.Snapshot())
		}))
	}
	if p := src.Presence; p != nil {
		unsubs = append(unsubs, p.OnChange(func(c presence.Change) {
			h.Publish(EventPresence, c)
		}))
	}
	if push := src.Push; push != nil {
		unsubs = append(unsubs,
			push.Subscribe(model.EventConnection, func(raw json.RawMessage) {
				h.Publish(EventConnection, raw)
			}),
			push.Subscribe(model.EventError, func(raw json.RawMessage) {
				h.Publish(EventError, raw)
			}),
		)
	}

	return func() {
		for _, fn := range unsubs {
			fn()
		}
	}
}

// conversationEvent projects the part of snap that topic changed.
func conversationEvent(topic string, snap service.ConversationSnapshot) (string, interface{}) {
	switch topic {
	case service.TopicConversations:
		return EventConversations, map[string]interface{}{
			"conversations": snap.Conversations,
			"total_unread":  snap.TotalUnread,
		}
	case service.TopicMessages:
		return EventMessages, map[string]interface{}{
			"active":   snap.Active,
			"messages": snap.Messages,
			"view":     snap.View,
			"error":    snap.Error,
		}
	case service.TopicSearch:
		return EventSearch, map[string]interface{}{
			"query":   snap.SearchQuery,
			"results": snap.SearchResults,
		}
	}
	return "", nil
}
