package model

import (
	"strconv"
	"time"
)

// NotificationType tags a notification. Every value must have an entry in
// notificationTypes.
type NotificationType string

const (
	NotificationMessage                  NotificationType = "message"
	NotificationFavoriteAdded            NotificationType = "favorite_added"
	NotificationTestimonialApproved      NotificationType = "testimonial_approved"
	NotificationAgentApplicationApproved NotificationType = "agent_application_approved"
	NotificationAgentApplicationRejected NotificationType = "agent_application_rejected"
	NotificationPropertyInquiry          NotificationType = "property_inquiry"
	NotificationPropertyApproved         NotificationType = "property_approved"
	NotificationPropertyRejected         NotificationType = "property_rejected"
	NotificationSystem                   NotificationType = "system"
)

// TypeInfo is the presentation and routing data for one notification type.
type TypeInfo struct {
	Icon       string
	Color      string
	SettingKey string
	// ActionURL is the fallback target when the payload carries nothing better.
	ActionURL string
}

var notificationTypes = map[NotificationType]TypeInfo{
	NotificationMessage:                  {Icon: "message-circle", Color: "blue", SettingKey: "message_enabled", ActionURL: "/messages"},
	NotificationFavoriteAdded:            {Icon: "heart", Color: "red", SettingKey: "favorite_enabled", ActionURL: "/dashboard/favorites"},
	NotificationTestimonialApproved:      {Icon: "star", Color: "yellow", SettingKey: "testimonial_enabled", ActionURL: "/dashboard/testimonials"},
	NotificationAgentApplicationApproved: {Icon: "badge-check", Color: "green", SettingKey: "agent_application_enabled", ActionURL: "/dashboard/agent"},
	NotificationAgentApplicationRejected: {Icon: "badge-x", Color: "red", SettingKey: "agent_application_enabled", ActionURL: "/dashboard/agent-application"},
	NotificationPropertyInquiry:          {Icon: "home", Color: "purple", SettingKey: "property_inquiry_enabled", ActionURL: "/dashboard/inquiries"},
	NotificationPropertyApproved:         {Icon: "check-circle", Color: "green", SettingKey: "property_enabled", ActionURL: "/dashboard/properties"},
	NotificationPropertyRejected:         {Icon: "x-circle", Color: "red", SettingKey: "property_enabled", ActionURL: "/dashboard/properties"},
	NotificationSystem:                   {Icon: "bell", Color: "gray", SettingKey: "system_enabled", ActionURL: "/notifications"},
}

// NotificationTypes lists every known type.
func NotificationTypes() []NotificationType {
	return []NotificationType{
		NotificationMessage,
		NotificationFavoriteAdded,
		NotificationTestimonialApproved,
		NotificationAgentApplicationApproved,
		NotificationAgentApplicationRejected,
		NotificationPropertyInquiry,
		NotificationPropertyApproved,
		NotificationPropertyRejected,
		NotificationSystem,
	}
}

// Info returns the registry entry for t. Unknown types fall back to system.
func (t NotificationType) Info() TypeInfo {
	if info, ok := notificationTypes[t]; ok {
		return info
	}
	return notificationTypes[NotificationSystem]
}

// Known reports whether t is registered.
func (t NotificationType) Known() bool {
	_, ok := notificationTypes[t]
	return ok
}

// Notification is one server-originated notification.
type Notification struct {
	ID        string           `json:"id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Data      map[string]any   `json:"data,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	Read      bool             `json:"read"`
}

// ActionURL resolves where clicking the notification should navigate.
func (n *Notification) ActionURL() string {
	if url := n.dataString("actionUrl"); url != "" {
		return url
	}
	if id := n.dataString("propertyId"); id != "" {
		return "/properties/" + id
	}
	if id := n.dataString("conversationId"); id != "" {
		return "/messages?conversation=" + id
	}
	return n.Type.Info().ActionURL
}

func (n *Notification) dataString(key string) string {
	if n.Data == nil {
		return ""
	}
	switch v := n.Data[key].(type) {
	case string:
		return v
	case float64:
		return formatNumber(v)
	default:
		return ""
	}
}

func formatNumber(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Clone returns a copy whose Data map is not shared.
func (n Notification) Clone() Notification {
	if n.Data != nil {
		data := make(map[string]any, len(n.Data))
		for k, v := range n.Data {
			data[k] = v
		}
		n.Data = data
	}
	return n
}

// BulkIDsRequest is the body of the bulk read/delete endpoints.
type BulkIDsRequest struct {
	NotificationIDs []string `json:"notification_ids"`
}

// UnreadCountResponse is the payload of GET /notifications/unread-count.
type UnreadCountResponse struct {
	Count int `json:"count"`
}
