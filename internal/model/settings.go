package model

import (
	"fmt"
	"time"
)

// ClockTime is a wall-clock time of day in minutes since midnight.
type ClockTime int

// ParseClockTime parses "HH:MM".
func ParseClockTime(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return ClockTime(t.Hour()*60 + t.Minute()), nil
}

// ClockTimeOf returns the time of day of t in t's location.
func ClockTimeOf(t time.Time) ClockTime {
	return ClockTime(t.Hour()*60 + t.Minute())
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// QuietHours suppresses toasts between Start and End. The window may span
// midnight (Start > End).
type QuietHours struct {
	Enabled bool      `json:"enabled"`
	Start   ClockTime `json:"start"`
	End     ClockTime `json:"end"`
}

// Contains reports whether tod falls inside the window. Start is inclusive,
// End exclusive.
func (q QuietHours) Contains(tod ClockTime) bool {
	if !q.Enabled || q.Start == q.End {
		return false
	}
	if q.Start < q.End {
		return tod >= q.Start && tod < q.End
	}
	return tod >= q.Start || tod < q.End
}

// NotificationSettings are the user's alert preferences.
type NotificationSettings struct {
	// TypeEnabled is keyed by TypeInfo.SettingKey. Missing keys count as enabled.
	TypeEnabled    map[string]bool `json:"type_enabled"`
	SoundEnabled   bool            `json:"sound_enabled"`
	BrowserEnabled bool            `json:"browser_enabled"`
	QuietHours     QuietHours      `json:"quiet_hours"`
}

// DefaultNotificationSettings enables everything.
func DefaultNotificationSettings() NotificationSettings {
	return NotificationSettings{
		TypeEnabled:    map[string]bool{},
		SoundEnabled:   true,
		BrowserEnabled: true,
	}
}

// Enabled reports whether alerts for t are switched on.
func (s NotificationSettings) Enabled(t NotificationType) bool {
	enabled, ok := s.TypeEnabled[t.Info().SettingKey]
	return !ok || enabled
}
