// Package service holds the two stateful synchronizers of a session: one
// for conversations and messages, one for notifications.
package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/estatehub/marketplace-sync/internal/eventbus"
	"github.com/estatehub/marketplace-sync/internal/model"
	"github.com/estatehub/marketplace-sync/pkg/logger"
)

// ChatAPI is the REST surface the conversation synchronizer consumes.
type ChatAPI interface {
	ListConversations(ctx context.Context) ([]model.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	SendMessage(ctx context.Context, req model.SendMessageRequest) (model.Message, error)
	StartConversation(ctx context.Context, req model.StartConversationRequest) (model.Conversation, error)
	MarkConversationRead(ctx context.Context, conversationID string) error
	SearchUsers(ctx context.Context, query string) ([]model.User, error)
	DeleteConversation(ctx context.Context, conversationID string) error
}

// NotificationAPI is the REST surface the notification synchronizer consumes.
type NotificationAPI interface {
	ListNotifications(ctx context.Context) ([]model.Notification, error)
	UnreadCount(ctx context.Context) (int, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context) error
	BulkMarkNotificationsRead(ctx context.Context, ids []string) error
	DeleteNotification(ctx context.Context, id string) error
	BulkDeleteNotifications(ctx context.Context, ids []string) error
}

// Session is the part of the auth session the synchronizers read.
type Session interface {
	UserID() string
	Valid() bool
}

// PushSource delivers named push events as raw JSON payloads.
type PushSource interface {
	Subscribe(event string, handler func(json.RawMessage)) eventbus.Unsubscribe
}

// Change topics published to OnChange listeners.
const (
	TopicConversations = "conversations"
	TopicMessages      = "messages"
	TopicSearch        = "search"
	TopicNotifications = "notifications"
)

const changeEvent = "change"

// refetchRetry is how often a reconnect refetch retries while another
// fetch holds the in-flight latch.
const refetchRetry = 100 * time.Millisecond

// refetchWithin keeps calling try until it reports that a fetch ran or
// bound elapses. try returns false when the fetch was suppressed.
func refetchWithin(ctx context.Context, clk clock.Clock, bound time.Duration, try func(context.Context) bool) bool {
	deadline := clk.Now().Add(bound)
	for {
		if try(ctx) {
			return true
		}
		if !clk.Now().Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-clk.After(refetchRetry):
		}
	}
}

func decode[T any](log *logger.Logger, event string, raw json.RawMessage) (T, bool) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		log.Warn("undecodable push payload", zap.String("event", event), zap.Error(err))
		return v, false
	}
	return v, true
}

func unsubscribeAll(fns ...eventbus.Unsubscribe) eventbus.Unsubscribe {
	return func() {
		for _, fn := range fns {
			fn()
		}
	}
}
