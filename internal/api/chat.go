package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/estatehub/marketplace-sync/internal/model"
)

// ListConversations handles GET /chat/conversations
func (c *Client) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	var convs []model.Conversation
	if err := c.Do(ctx, "ListConversations", http.MethodGet, "/chat/conversations", nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// ListMessages handles GET /chat/messages/:conversationId
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	var msgs []model.Message
	path := "/chat/messages/" + url.PathEscape(conversationID)
	if err := c.Do(ctx, "ListMessages", http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// SendMessage handles POST /chat/messages
func (c *Client) SendMessage(ctx context.Context, req model.SendMessageRequest) (model.Message, error) {
	var msg model.Message
	err := c.Do(ctx, "SendMessage", http.MethodPost, "/chat/messages", req, &msg)
	return msg, err
}

// StartConversation handles POST /chat/conversations
func (c *Client) StartConversation(ctx context.Context, req model.StartConversationRequest) (model.Conversation, error) {
	var conv model.Conversation
	err := c.Do(ctx, "StartConversation", http.MethodPost, "/chat/conversations", req, &conv)
	return conv, err
}

// MarkConversationRead handles PUT /chat/messages/read/:conversationId
func (c *Client) MarkConversationRead(ctx context.Context, conversationID string) error {
	path := "/chat/messages/read/" + url.PathEscape(conversationID)
	return c.Do(ctx, "MarkConversationRead", http.MethodPut, path, nil, nil)
}

// SearchUsers handles GET /chat/users/search?query=
func (c *Client) SearchUsers(ctx context.Context, query string) ([]model.User, error) {
	var users []model.User
	path := "/chat/users/search?query=" + url.QueryEscape(query)
	if err := c.Do(ctx, "SearchUsers", http.MethodGet, path, nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// DeleteConversation handles DELETE /chat/conversations/:id
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	path := "/chat/conversations/" + url.PathEscape(conversationID)
	return c.Do(ctx, "DeleteConversation", http.MethodDelete, path, nil, nil)
}
