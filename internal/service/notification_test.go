package service

import (
	"context"
	"math/rand"
	"strconv"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/estatehub/marketplace-sync/internal/model"
	"github.com/estatehub/marketplace-sync/pkg/logger"
)

func note(id string, typ model.NotificationType, sec int, read bool) model.Notification {
	return model.Notification{ID: id, Type: typ, Title: id, CreatedAt: at(sec), Read: read}
}

func newNotificationSync(t *testing.T, api *stubNotificationAPI, hidden bool) (*NotificationSynchronizer, *clock.Mock, *recordingAlerter) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(at(1000))
	alerter := &recordingAlerter{}
	s := NewNotificationSynchronizer(api, newSession(), fixedVisibility(hidden), alerter, clk, NotificationOptions{}, logger.NewNop())
	t.Cleanup(s.Close)
	return s, clk, alerter
}

func assertUnreadInvariant(t *testing.T, s *NotificationSynchronizer) {
	t.Helper()
	snap := s.Snapshot()
	if want := countUnread(snap.Notifications); snap.UnreadCount != want {
		t.Fatalf("unread count %d, list has %d unread", snap.UnreadCount, want)
	}
}

func TestFetchThrottledUnlessForced(t *testing.T) {
	api := newStubNotificationAPI(note("n1", model.NotificationSystem, 1, false))
	s, clk, _ := newNotificationSync(t, api, false)
	ctx := context.Background()

	s.FetchNotifications(ctx, false)
	s.FetchNotifications(ctx, false)
	if n := api.listCallCount(); n != 1 {
		t.Fatalf("list calls = %d, want 1", n)
	}

	s.FetchNotifications(ctx, true)
	if n := api.listCallCount(); n != 2 {
		t.Fatalf("forced fetch skipped: %d", n)
	}

	clk.Add(5 * time.Second)
	s.FetchNotifications(ctx, false)
	if n := api.listCallCount(); n != 3 {
		t.Fatalf("fetch after interval skipped: %d", n)
	}
}

func TestFetchDroppedWhileInFlight(t *testing.T) {
	api := newStubNotificationAPI()
	api.listGate = make(chan struct{})
	s, _, _ := newNotificationSync(t, api, false)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.FetchNotifications(context.Background(), true)
	}()
	waitFor(t, func() bool { return api.listCallCount() == 1 })

	s.FetchNotifications(context.Background(), true)
	close(api.listGate)
	<-done
	if n := api.listCallCount(); n != 1 {
		t.Fatalf("list calls = %d, want 1", n)
	}
}

func TestWatermarkAlertsOnlyAfterInitialLoad(t *testing.T) {
	api := newStubNotificationAPI(note("n1", model.NotificationMessage, 1, false))
	s, _, alerter := newNotificationSync(t, api, true)
	ctx := context.Background()

	s.FetchNotifications(ctx, true)
	if len(alerter.toasts) != 0 {
		t.Fatal("first load must not alert")
	}

	api.mu.Lock()
	api.list = append([]model.Notification{
		note("n3", model.NotificationMessage, 3, false),
		note("n2", model.NotificationMessage, 2, true),
	}, api.list...)
	api.mu.Unlock()

	s.FetchNotifications(ctx, true)
	if len(alerter.toasts) != 1 || alerter.toasts[0] != "n3" {
		t.Fatalf("toasts = %v, want [n3]", alerter.toasts)
	}
	if len(alerter.browser) != 1 || alerter.sounds != 1 {
		t.Fatalf("hidden UI should get browser=%v sounds=%d", alerter.browser, alerter.sounds)
	}

	s.FetchNotifications(ctx, true)
	if len(alerter.toasts) != 1 {
		t.Fatal("already seen notifications must not alert again")
	}
}

func TestPushWhileHiddenRespectsSettings(t *testing.T) {
	api := newStubNotificationAPI()
	s, _, alerter := newNotificationSync(t, api, true)
	settings := model.DefaultNotificationSettings()
	settings.TypeEnabled[model.NotificationSystem.Info().SettingKey] = false
	s.SetSettings(settings)
	s.FetchNotifications(context.Background(), true)
	push := newFakePush()
	s.Attach(push)

	before := s.UnreadCount()
	push.emit(t, model.EventNotificationCreated, note("n1", model.NotificationMessage, 5, false))
	push.emit(t, model.EventNotificationCreated, note("n2", model.NotificationSystem, 6, false))

	if len(alerter.toasts) != 1 || alerter.toasts[0] != "n1" {
		t.Fatalf("toasts = %v, want [n1]", alerter.toasts)
	}
	if got := s.UnreadCount() - before; got != 2 {
		t.Fatalf("unread grew by %d, want 2", got)
	}
	if s.Notifications()[0].ID != "n2" {
		t.Fatal("pushed notifications go to the head")
	}
	assertUnreadInvariant(t, s)
}

func TestPushCreatedDeduplicated(t *testing.T) {
	api := newStubNotificationAPI(note("n1", model.NotificationSystem, 1, false))
	s, _, alerter := newNotificationSync(t, api, false)
	s.FetchNotifications(context.Background(), true)

	s.HandleCreated(note("n1", model.NotificationSystem, 1, false))
	if len(s.Notifications()) != 1 || len(alerter.toasts) != 0 {
		t.Fatal("known id must be ignored")
	}
}

func TestPushIgnoredAfterLogout(t *testing.T) {
	api := newStubNotificationAPI(note("n1", model.NotificationSystem, 1, false))
	clk := clock.NewMock()
	session := newSession()
	alerter := &recordingAlerter{}
	s := NewNotificationSynchronizer(api, session, fixedVisibility(false), alerter, clk, NotificationOptions{}, logger.NewNop())
	t.Cleanup(s.Close)
	s.FetchNotifications(context.Background(), true)
	push := newFakePush()
	s.Attach(push)

	session.valid = false
	push.emit(t, model.EventNotificationCreated, note("n2", model.NotificationMessage, 5, false))
	push.emit(t, model.EventNotificationUpdated, note("n1", model.NotificationSystem, 1, true))
	push.emit(t, model.EventNotificationDeleted, model.NotificationDeletedEvent{ID: "n1"})

	list := s.Notifications()
	if len(list) != 1 || list[0].ID != "n1" || list[0].Read {
		t.Fatalf("list changed without a session: %+v", list)
	}
	if len(alerter.toasts) != 0 {
		t.Fatal("no alerts without a session")
	}
}

func TestPushUpdatedAndDeleted(t *testing.T) {
	api := newStubNotificationAPI(
		note("n1", model.NotificationSystem, 1, false),
		note("n2", model.NotificationSystem, 2, false),
	)
	s, _, _ := newNotificationSync(t, api, false)
	s.FetchNotifications(context.Background(), true)
	push := newFakePush()
	s.Attach(push)

	push.emit(t, model.EventNotificationUpdated, note("n1", model.NotificationSystem, 1, true))
	if s.UnreadCount() != 1 || !s.Notifications()[0].Read {
		t.Fatal("update should replace in place")
	}
	push.emit(t, model.EventNotificationDeleted, model.NotificationDeletedEvent{ID: "n2"})
	if len(s.Notifications()) != 1 || s.UnreadCount() != 0 {
		t.Fatal("delete should remove n2")
	}
}

func TestClearAllUsesCurrentList(t *testing.T) {
	api := newStubNotificationAPI(
		note("n1", model.NotificationSystem, 1, false),
		note("n2", model.NotificationSystem, 2, false),
		note("n3", model.NotificationSystem, 3, true),
	)
	s, _, _ := newNotificationSync(t, api, false)
	s.FetchNotifications(context.Background(), true)
	s.HandleCreated(note("n4", model.NotificationMessage, 4, false))
	s.HandleCreated(note("n5", model.NotificationMessage, 5, false))

	if err := s.ClearAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(s.Notifications()) != 0 || s.UnreadCount() != 0 {
		t.Fatal("list should be empty")
	}
	if len(api.bulkDeleted) != 1 || len(api.bulkDeleted[0]) != 5 {
		t.Fatalf("bulk delete ids = %v, want 5 ids", api.bulkDeleted)
	}
}

func TestFailedMutationRefetchesWithoutRollback(t *testing.T) {
	api := newStubNotificationAPI(note("n1", model.NotificationSystem, 1, false))
	api.failOps["mark_read"] = errServer
	s, _, _ := newNotificationSync(t, api, false)
	s.FetchNotifications(context.Background(), true)

	err := s.MarkAsRead(context.Background(), "n1")
	if err == nil {
		t.Fatal("expected the server error")
	}
	if n := api.listCallCount(); n != 2 {
		t.Fatalf("list calls = %d, failure should force a refetch", n)
	}
	// The refetch reflects the server, where n1 is still unread.
	if s.UnreadCount() != 1 {
		t.Fatalf("unread = %d, want server truth 1", s.UnreadCount())
	}
}

func TestUnreadInvariantUnderRandomOps(t *testing.T) {
	api := newStubNotificationAPI()
	for i := 0; i < 10; i++ {
		api.list = append(api.list, note(string(rune('a'+i)), model.NotificationSystem, i, i%3 == 0))
	}
	s, _, _ := newNotificationSync(t, api, false)
	ctx := context.Background()
	s.FetchNotifications(ctx, true)

	rng := rand.New(rand.NewSource(42))
	next := 100
	for i := 0; i < 200; i++ {
		id := string(rune('a' + rng.Intn(12)))
		switch rng.Intn(7) {
		case 0:
			s.MarkAsRead(ctx, id)
		case 1:
			s.DeleteNotification(ctx, id)
		case 2:
			next++
			s.HandleCreated(note("p"+strconv.Itoa(next), model.NotificationMessage, next, false))
		case 3:
			s.BulkMarkAsRead(ctx, []string{id, "zz"})
		case 4:
			s.HandleUpdated(note(id, model.NotificationSystem, 1, rng.Intn(2) == 0))
		case 5:
			s.HandleDeleted(id)
		case 6:
			if rng.Intn(10) == 0 {
				s.MarkAllAsRead(ctx)
			}
		}
		assertUnreadInvariant(t, s)
	}
}

func TestUnreadCountDebounced(t *testing.T) {
	api := newStubNotificationAPI()
	api.unread = 4
	s, clk, _ := newNotificationSync(t, api, false)

	s.RequestUnreadCount()
	s.RequestUnreadCount()
	s.RequestUnreadCount()
	clk.Add(time.Second)

	waitFor(t, func() bool { return s.UnreadCount() == 4 })
	api.mu.Lock()
	defer api.mu.Unlock()
	if api.countCalls != 1 {
		t.Fatalf("count calls = %d, want 1", api.countCalls)
	}
}

func TestUnreadCountIgnoredOnceListLoaded(t *testing.T) {
	api := newStubNotificationAPI(note("n1", model.NotificationSystem, 1, false))
	api.unread = 9
	s, _, _ := newNotificationSync(t, api, false)
	s.FetchNotifications(context.Background(), true)

	n, err := s.FetchUnreadCount(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || api.countCalls != 0 {
		t.Fatalf("count = %d calls = %d, the loaded list is authoritative", n, api.countCalls)
	}
}

func TestReconnectForcesRefetch(t *testing.T) {
	api := newStubNotificationAPI()
	s, _, _ := newNotificationSync(t, api, false)
	s.FetchNotifications(context.Background(), false)
	push := newFakePush()
	s.Attach(push)

	push.emit(t, model.EventConnection, model.ConnectionEvent{Connected: true})
	waitFor(t, func() bool { return api.listCallCount() == 2 })
}

func TestShouldToast(t *testing.T) {
	settings := model.DefaultNotificationSettings()
	settings.QuietHours = model.QuietHours{Enabled: true, Start: 22 * 60, End: 7 * 60}
	n := note("n1", model.NotificationMessage, 0, false)

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"afternoon", time.Date(2026, 1, 1, 15, 0, 0, 0, time.UTC), true},
		{"late evening", time.Date(2026, 1, 1, 23, 30, 0, 0, time.UTC), false},
		{"early morning", time.Date(2026, 1, 1, 6, 59, 0, 0, time.UTC), false},
		{"quiet hours end", time.Date(2026, 1, 1, 7, 0, 0, 0, time.UTC), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldToast(n, settings, tt.at); got != tt.want {
				t.Fatalf("ShouldToast = %v, want %v", got, tt.want)
			}
		})
	}

	settings.TypeEnabled[model.NotificationMessage.Info().SettingKey] = false
	if ShouldToast(n, settings, time.Date(2026, 1, 1, 15, 0, 0, 0, time.UTC)) {
		t.Fatal("disabled type must not toast")
	}
}
