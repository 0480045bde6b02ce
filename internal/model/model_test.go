package model

import (
	"testing"
	"time"
)

func TestQuietHoursSpanningMidnight(t *testing.T) {
	start, _ := ParseClockTime("22:00")
	end, _ := ParseClockTime("07:00")
	q := QuietHours{Enabled: true, Start: start, End: end}

	tests := []struct {
		at   string
		want bool
	}{
		{"21:59", false},
		{"22:00", true},
		{"23:30", true},
		{"00:00", true},
		{"06:59", true},
		{"07:00", false},
		{"12:00", false},
	}
	for _, tt := range tests {
		tod, err := ParseClockTime(tt.at)
		if err != nil {
			t.Fatal(err)
		}
		if got := q.Contains(tod); got != tt.want {
			t.Errorf("Contains(%s) = %v, want %v", tt.at, got, tt.want)
		}
	}
}

func TestQuietHoursSameDayAndDisabled(t *testing.T) {
	q := QuietHours{Enabled: true, Start: 9 * 60, End: 17 * 60}
	if !q.Contains(12 * 60) {
		t.Error("noon should be inside 09:00-17:00")
	}
	if q.Contains(18 * 60) {
		t.Error("18:00 should be outside 09:00-17:00")
	}
	q.Enabled = false
	if q.Contains(12 * 60) {
		t.Error("disabled window must never match")
	}
}

func TestEveryTypeRegistered(t *testing.T) {
	for _, typ := range NotificationTypes() {
		if !typ.Known() {
			t.Errorf("%s missing from registry", typ)
		}
		if typ.Info().Icon == "" || typ.Info().SettingKey == "" {
			t.Errorf("%s has incomplete info", typ)
		}
	}
	if NotificationType("bogus").Info() != NotificationSystem.Info() {
		t.Error("unknown types should fall back to system")
	}
}

func TestActionURLPrecedence(t *testing.T) {
	n := Notification{Type: NotificationPropertyApproved, Data: map[string]any{"propertyId": float64(42)}}
	if got := n.ActionURL(); got != "/properties/42" {
		t.Errorf("ActionURL = %q", got)
	}

	n.Data["actionUrl"] = "/custom"
	if got := n.ActionURL(); got != "/custom" {
		t.Errorf("actionUrl should win, got %q", got)
	}

	n = Notification{Type: NotificationFavoriteAdded}
	if got := n.ActionURL(); got != "/dashboard/favorites" {
		t.Errorf("type default expected, got %q", got)
	}
}

func TestSettingsEnabledDefaultsOn(t *testing.T) {
	s := DefaultNotificationSettings()
	s.TypeEnabled["system_enabled"] = false

	if !s.Enabled(NotificationMessage) {
		t.Error("missing key should count as enabled")
	}
	if s.Enabled(NotificationSystem) {
		t.Error("system should be disabled")
	}
}

func TestConversationRecompute(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := Conversation{
		ID:           "c1",
		Participant1: User{ID: "me"},
		Participant2: User{ID: "u1"},
		Messages: []Message{
			{ID: "m1", SenderID: "u1", CreatedAt: base},
			{ID: "m2", SenderID: "me", CreatedAt: base.Add(time.Minute)},
			{ID: "m3", SenderID: "u1", CreatedAt: base.Add(2 * time.Minute), Read: true},
		},
	}

	c.Recompute("me")

	if c.LastMessage == nil || c.LastMessage.ID != "m3" {
		t.Fatalf("LastMessage = %+v, want m3", c.LastMessage)
	}
	if c.UnreadCount != 1 {
		t.Errorf("UnreadCount = %d, want 1", c.UnreadCount)
	}
	if got := c.Counterpart("me"); got.ID != "u1" {
		t.Errorf("Counterpart = %s", got.ID)
	}
	if !c.IsBetween("u1", "me") {
		t.Error("IsBetween should be order independent")
	}
}
