package service

import (
	"time"

	"github.com/estatehub/marketplace-sync/internal/model"
)

// Alerter surfaces new notifications to the user.
type Alerter interface {
	Toast(n model.Notification)
	BrowserNotify(n model.Notification)
	PlaySound(n model.Notification)
}

// NopAlerter drops every alert.
type NopAlerter struct{}

func (NopAlerter) Toast(model.Notification)         {}
func (NopAlerter) BrowserNotify(model.Notification) {}
func (NopAlerter) PlaySound(model.Notification)     {}

// ShouldToast reports whether n may produce a toast under settings at now.
// The type must be enabled and now must fall outside quiet hours.
func ShouldToast(n model.Notification, settings model.NotificationSettings, now time.Time) bool {
	if !settings.Enabled(n.Type) {
		return false
	}
	return !settings.QuietHours.Contains(model.ClockTimeOf(now))
}
