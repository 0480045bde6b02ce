package model

// Push channel event names.
const (
	EventNewMessage          = "new_message"
	EventNewConversation     = "new_conversation"
	EventNotificationCreated = "notification_created"
	EventNotificationUpdated = "notification_updated"
	EventNotificationDeleted = "notification_deleted"
	// EventConnection is raised locally by the channel on connect/disconnect.
	EventConnection = "connection"
	EventError      = "error"
	// EventTyping is published by this client; counterparts receive it as presence.
	EventTyping = "typing"
)

// ConnectionEvent is the payload of EventConnection.
type ConnectionEvent struct {
	Connected bool   `json:"connected"`
	Attempts  int    `json:"attempts,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// NotificationDeletedEvent is the payload of EventNotificationDeleted.
type NotificationDeletedEvent struct {
	ID string `json:"id"`
}

// ErrorEvent represents an error event.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TypingSignal is an ephemeral "user is typing" broadcast.
type TypingSignal struct {
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
}
