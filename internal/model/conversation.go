package model

import (
	"time"
)

// Conversation is a direct-message thread between exactly two users.
type Conversation struct {
	ID           string    `json:"id"`
	Participant1 User      `json:"participant1"`
	Participant2 User      `json:"participant2"`
	PropertyID   string    `json:"property_id,omitempty"`
	Messages     []Message `json:"messages,omitempty"`
	LastMessage  *Message  `json:"last_message,omitempty"`
	UnreadCount  int       `json:"unread_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return c.Participant1.ID == userID || c.Participant2.ID == userID
}

// Counterpart returns the participant that is not userID.
func (c *Conversation) Counterpart(userID string) User {
	if c.Participant1.ID == userID {
		return c.Participant2
	}
	return c.Participant1
}

// IsBetween reports whether the conversation joins a and b, in either order.
func (c *Conversation) IsBetween(a, b string) bool {
	return (c.Participant1.ID == a && c.Participant2.ID == b) ||
		(c.Participant1.ID == b && c.Participant2.ID == a)
}

// LastActivity is the timestamp used to order the conversation list.
func (c *Conversation) LastActivity() time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.CreatedAt
	}
	if !c.UpdatedAt.IsZero() {
		return c.UpdatedAt
	}
	return c.CreatedAt
}

// Recompute derives LastMessage and UnreadCount from locally loaded
// messages. A conversation without loaded messages keeps the server summary.
func (c *Conversation) Recompute(currentUserID string) {
	if len(c.Messages) == 0 {
		return
	}
	last := c.Messages[0]
	unread := 0
	for _, m := range c.Messages {
		if !m.CreatedAt.Before(last.CreatedAt) {
			last = m
		}
		if m.SenderID != currentUserID && !m.Read {
			unread++
		}
	}
	c.LastMessage = &last
	c.UnreadCount = unread
}

// Clone returns a deep copy safe to hand to UI consumers.
func (c Conversation) Clone() Conversation {
	if c.Messages != nil {
		c.Messages = append([]Message(nil), c.Messages...)
	}
	if c.LastMessage != nil {
		last := *c.LastMessage
		c.LastMessage = &last
	}
	return c
}

// StartConversationRequest is the body of POST /chat/conversations.
type StartConversationRequest struct {
	ParticipantID string `json:"participant_id"`
	PropertyID    string `json:"property_id,omitempty"`
}
