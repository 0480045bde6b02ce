package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/estatehub/marketplace-sync/internal/model"
)

// notificationList accepts both a bare array and a {notifications: [...]}
// object as the data payload.
type notificationList []model.Notification

func (l *notificationList) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return json.Unmarshal(trimmed, (*[]model.Notification)(l))
	}
	var wrapped struct {
		Notifications []model.Notification `json:"notifications"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return err
	}
	*l = wrapped.Notifications
	return nil
}

// ListNotifications handles GET /notifications
func (c *Client) ListNotifications(ctx context.Context) ([]model.Notification, error) {
	var list notificationList
	if err := c.Do(ctx, "ListNotifications", http.MethodGet, "/notifications", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// UnreadCount handles GET /notifications/unread-count
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var resp model.UnreadCountResponse
	if err := c.Do(ctx, "UnreadCount", http.MethodGet, "/notifications/unread-count", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// MarkNotificationRead handles PUT /notifications/:id/read
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	path := "/notifications/" + url.PathEscape(id) + "/read"
	return c.Do(ctx, "MarkNotificationRead", http.MethodPut, path, nil, nil)
}

// MarkAllNotificationsRead handles PUT /notifications/read-all
func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	return c.Do(ctx, "MarkAllNotificationsRead", http.MethodPut, "/notifications/read-all", nil, nil)
}

// BulkMarkNotificationsRead handles PUT /notifications/bulk-read
func (c *Client) BulkMarkNotificationsRead(ctx context.Context, ids []string) error {
	return c.Do(ctx, "BulkMarkNotificationsRead", http.MethodPut, "/notifications/bulk-read",
		model.BulkIDsRequest{NotificationIDs: ids}, nil)
}

// DeleteNotification handles DELETE /notifications/:id
func (c *Client) DeleteNotification(ctx context.Context, id string) error {
	path := "/notifications/" + url.PathEscape(id)
	return c.Do(ctx, "DeleteNotification", http.MethodDelete, path, nil, nil)
}

// BulkDeleteNotifications handles DELETE /notifications/bulk-delete
func (c *Client) BulkDeleteNotifications(ctx context.Context, ids []string) error {
	return c.Do(ctx, "BulkDeleteNotifications", http.MethodDelete, "/notifications/bulk-delete",
		model.BulkIDsRequest{NotificationIDs: ids}, nil)
}
