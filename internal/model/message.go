package model

import (
	"strings"
	"time"
)

// TempIDPrefix marks client-generated message ids awaiting server confirmation.
const TempIDPrefix = "temp-"

// Message is one chat message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content,omitempty"`
	FileURL        string    `json:"file_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Read           bool      `json:"read"`

	// Pending is set on optimistic messages until the server echoes them.
	Pending bool `json:"pending,omitempty"`
}

// IsTemp reports whether the message carries a client-generated id.
func (m *Message) IsTemp() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

// HasBody reports whether the message has text or an attachment.
func (m *Message) HasBody() bool {
	return strings.TrimSpace(m.Content) != "" || m.FileURL != ""
}

// SendMessageRequest is the body of POST /chat/messages.
type SendMessageRequest struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	FileURL        string `json:"fileUrl,omitempty"`
}
