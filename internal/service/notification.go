package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/estatehub/marketplace-sync/internal/eventbus"
	"github.com/estatehub/marketplace-sync/internal/model"
	"github.com/estatehub/marketplace-sync/internal/poll"
	"github.com/estatehub/marketplace-sync/internal/syncerr"
	"github.com/estatehub/marketplace-sync/internal/throttle"
	"github.com/estatehub/marketplace-sync/pkg/logger"
	"github.com/estatehub/marketplace-sync/pkg/metrics"
)

// Visibility reports whether the UI surface is shown.
type Visibility interface {
	Hidden() bool
}

// NotificationOptions tunes a NotificationSynchronizer.
type NotificationOptions struct {
	// Throttle is the minimum spacing of unforced fetches.
	Throttle time.Duration
	// Debounce coalesces RequestRefresh and RequestUnreadCount bursts.
	Debounce      time.Duration
	RefetchWithin time.Duration
}

// NotificationSnapshot is a consistent copy of the synchronizer state.
type NotificationSnapshot struct {
	Notifications []model.Notification `json:"notifications"`
	UnreadCount   int                  `json:"unread_count"`
	Loaded        bool                 `json:"loaded"`
	Error         string               `json:"error,omitempty"`
}

// NotificationSynchronizer owns the notification list and unread count.
type NotificationSynchronizer struct {
	api        NotificationAPI
	session    Session
	clock      clock.Clock
	logger     *logger.Logger
	alerter    Alerter
	visibility Visibility
	opts       NotificationOptions
	bus        *eventbus.Bus[string]

	ctx    context.Context
	cancel context.CancelFunc

	throttle      *throttle.Throttle
	latch         throttle.Latch
	fetchDebounce *throttle.Debouncer
	countDebounce *throttle.Debouncer

	mu        sync.Mutex
	list      []model.Notification
	loaded    bool
	unread    int
	watermark time.Time
	settings  model.NotificationSettings
	lastErr   error
}

// NewNotificationSynchronizer creates a synchronizer for one session.
func NewNotificationSynchronizer(api NotificationAPI, session Session, vis Visibility, alerter Alerter, clk clock.Clock, opts NotificationOptions, log *logger.Logger) *NotificationSynchronizer {
	if opts.Throttle <= 0 {
		opts.Throttle = 5 * time.Second
	}
	if opts.Debounce <= 0 {
		opts.Debounce = time.Second
	}
	if opts.RefetchWithin <= 0 {
		opts.RefetchWithin = 2 * time.Second
	}
	if alerter == nil {
		alerter = NopAlerter{}
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &NotificationSynchronizer{
		api:        api,
		session:    session,
		clock:      clk,
		logger:     log.Named("notifications"),
		alerter:    alerter,
		visibility: vis,
		opts:       opts,
		bus:        eventbus.New[string](),
		ctx:        ctx,
		cancel:     cancel,
		throttle:   throttle.NewThrottle(clk, opts.Throttle),
		settings:   model.DefaultNotificationSettings(),
	}
	s.fetchDebounce = throttle.NewDebouncer(clk, opts.Debounce, func() {
		if err := s.FetchNotifications(s.ctx, false); err != nil {
			s.logger.Debug("debounced fetch failed", zap.Error(err))
		}
	})
	s.countDebounce = throttle.NewDebouncer(clk, opts.Debounce, func() {
		if _, err := s.FetchUnreadCount(s.ctx); err != nil {
			s.logger.Debug("debounced unread count failed", zap.Error(err))
		}
	})
	return s
}

// OnChange registers fn for every state change.
func (s *NotificationSynchronizer) OnChange(fn func(topic string)) eventbus.Unsubscribe {
	return s.bus.Subscribe(changeEvent, fn)
}

func (s *NotificationSynchronizer) changed() {
	s.bus.Publish(changeEvent, TopicNotifications)
}

// recountLocked derives the unread count from the list.
func (s *NotificationSynchronizer) recountLocked() {
	s.unread = countUnread(s.list)
	metrics.UnreadNotifications.Set(float64(s.unread))
}

// FetchNotifications replaces the list with the server's. Unforced calls
// are throttled except for the first; a call made while another is in
// flight is dropped. New unread notifications past the watermark raise
// alerts, except on the first load.
func (s *NotificationSynchronizer) FetchNotifications(ctx context.Context, force bool) error {
	_, err := s.fetch(ctx, force)
	return err
}

func (s *NotificationSynchronizer) fetch(ctx context.Context, force bool) (bool, error) {
	if !s.session.Valid() {
		return false, syncerr.WithOp(syncerr.ErrNoSession, "FetchNotifications")
	}
	if !s.latch.TryAcquire() {
		return false, nil
	}
	defer s.latch.Release()
	if !s.throttle.Allow(force) {
		return false, nil
	}

	list, err := s.api.ListNotifications(ctx)
	if err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		s.logger.Warn("fetch notifications failed", zap.Error(err))
		return true, err
	}

	s.mu.Lock()
	initial := !s.loaded
	var fresh []model.Notification
	newest := s.watermark
	for _, n := range list {
		if n.CreatedAt.After(newest) {
			newest = n.CreatedAt
		}
		if !initial && !n.Read && n.CreatedAt.After(s.watermark) {
			fresh = append(fresh, n.Clone())
		}
	}
	s.watermark = newest
	s.list = cloneNotifications(list)
	s.loaded = true
	s.lastErr = nil
	s.recountLocked()
	s.mu.Unlock()

	s.changed()
	for _, n := range fresh {
		s.alert(n)
	}
	return true, nil
}

// alert toasts n when settings allow it and, while the UI is hidden, also
// raises a browser notification and sound per settings.
func (s *NotificationSynchronizer) alert(n model.Notification) {
	s.mu.Lock()
	settings := s.settings
	s.mu.Unlock()

	if !ShouldToast(n, settings, s.clock.Now()) {
		return
	}
	s.alerter.Toast(n)
	if s.visibility == nil || !s.visibility.Hidden() {
		return
	}
	if settings.BrowserEnabled {
		s.alerter.BrowserNotify(n)
	}
	if settings.SoundEnabled {
		s.alerter.PlaySound(n)
	}
}

// RequestRefresh schedules a debounced, unforced fetch.
func (s *NotificationSynchronizer) RequestRefresh() {
	s.fetchDebounce.Trigger()
}

// RequestUnreadCount schedules a debounced unread count fetch.
func (s *NotificationSynchronizer) RequestUnreadCount() {
	s.countDebounce.Trigger()
}

// FetchUnreadCount asks the server for the badge count. Once the list is
// loaded the list is authoritative and the server count is ignored.
func (s *NotificationSynchronizer) FetchUnreadCount(ctx context.Context) (int, error) {
	if !s.session.Valid() {
		return 0, syncerr.WithOp(syncerr.ErrNoSession, "FetchUnreadCount")
	}
	s.mu.Lock()
	if s.loaded {
		n := s.unread
		s.mu.Unlock()
		return n, nil
	}
	s.mu.Unlock()

	count, err := s.api.UnreadCount(ctx)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	if s.loaded {
		count = s.unread
	} else {
		s.unread = count
		metrics.UnreadNotifications.Set(float64(count))
	}
	s.mu.Unlock()
	s.changed()
	return count, nil
}

// reconcile forces a refetch after a failed optimistic mutation.
func (s *NotificationSynchronizer) reconcile(ctx context.Context, op string, cause error) {
	s.logger.Warn("notification mutation failed, refetching", zap.String("op", op), zap.Error(cause))
	if err := s.FetchNotifications(ctx, true); err != nil {
		s.logger.Warn("reconcile fetch failed", zap.Error(err))
	}
}

// mutate applies fn to the list under the lock and recounts.
func (s *NotificationSynchronizer) mutate(fn func()) {
	s.mu.Lock()
	fn()
	s.recountLocked()
	s.mu.Unlock()
	s.changed()
}

func (s *NotificationSynchronizer) markLocal(ids map[string]struct{}) {
	s.mutate(func() {
		for i := range s.list {
			if _, ok := ids[s.list[i].ID]; ok || ids == nil {
				s.list[i].Read = true
			}
		}
	})
}

func (s *NotificationSynchronizer) removeLocal(ids map[string]struct{}) {
	s.mutate(func() {
		kept := s.list[:0]
		for _, n := range s.list {
			if _, ok := ids[n.ID]; !ok {
				kept = append(kept, n)
			}
		}
		s.list = kept
	})
}

func idSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// MarkAsRead marks one notification read. A server failure is reconciled
// by a forced refetch, not a rollback.
func (s *NotificationSynchronizer) MarkAsRead(ctx context.Context, id string) error {
	if !s.session.Valid() {
		return syncerr.WithOp(syncerr.ErrNoSession, "MarkAsRead")
	}
	s.markLocal(idSet([]string{id}))
	if err := s.api.MarkNotificationRead(ctx, id); err != nil {
		s.reconcile(ctx, "mark_read", err)
		return err
	}
	return nil
}

// MarkAllAsRead marks every notification read.
func (s *NotificationSynchronizer) MarkAllAsRead(ctx context.Context) error {
	if !s.session.Valid() {
		return syncerr.WithOp(syncerr.ErrNoSession, "MarkAllAsRead")
	}
	s.markLocal(nil)
	if err := s.api.MarkAllNotificationsRead(ctx); err != nil {
		s.reconcile(ctx, "mark_all_read", err)
		return err
	}
	return nil
}

// BulkMarkAsRead marks ids read.
func (s *NotificationSynchronizer) BulkMarkAsRead(ctx context.Context, ids []string) error {
	if !s.session.Valid() {
		return syncerr.WithOp(syncerr.ErrNoSession, "BulkMarkAsRead")
	}
	if len(ids) == 0 {
		return nil
	}
	s.markLocal(idSet(ids))
	if err := s.api.BulkMarkNotificationsRead(ctx, ids); err != nil {
		s.reconcile(ctx, "bulk_mark_read", err)
		return err
	}
	return nil
}

// DeleteNotification removes one notification.
func (s *NotificationSynchronizer) DeleteNotification(ctx context.Context, id string) error {
	if !s.session.Valid() {
		return syncerr.WithOp(syncerr.ErrNoSession, "DeleteNotification")
	}
	s.removeLocal(idSet([]string{id}))
	if err := s.api.DeleteNotification(ctx, id); err != nil {
		s.reconcile(ctx, "delete", err)
		return err
	}
	return nil
}

// BulkDelete removes ids.
func (s *NotificationSynchronizer) BulkDelete(ctx context.Context, ids []string) error {
	if !s.session.Valid() {
		return syncerr.WithOp(syncerr.ErrNoSession, "BulkDelete")
	}
	if len(ids) == 0 {
		return nil
	}
	s.removeLocal(idSet(ids))
	if err := s.api.BulkDeleteNotifications(ctx, ids); err != nil {
		s.reconcile(ctx, "bulk_delete", err)
		return err
	}
	return nil
}

// ClearAll deletes every notification in the current list. The ids are
// read from the list at call time.
func (s *NotificationSynchronizer) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, len(s.list))
	for i := range s.list {
		ids[i] = s.list[i].ID
	}
	s.mu.Unlock()
	return s.BulkDelete(ctx, ids)
}

// HandleCreated inserts a pushed notification at the head unless its id is
// already listed, then alerts.
func (s *NotificationSynchronizer) HandleCreated(n model.Notification) {
	if !s.session.Valid() {
		return
	}
	s.mu.Lock()
	if indexNotification(s.list, n.ID) >= 0 {
		s.mu.Unlock()
		return
	}
	s.list = append([]model.Notification{n.Clone()}, s.list...)
	if n.CreatedAt.After(s.watermark) {
		s.watermark = n.CreatedAt
	}
	s.recountLocked()
	s.mu.Unlock()
	s.changed()

	if !n.Read {
		s.alert(n)
	}
}

// HandleUpdated replaces the listed notification with the same id.
func (s *NotificationSynchronizer) HandleUpdated(n model.Notification) {
	if !s.session.Valid() {
		return
	}
	s.mu.Lock()
	i := indexNotification(s.list, n.ID)
	if i < 0 {
		s.mu.Unlock()
		s.logger.Debug("update for unknown notification", zap.String("notification_id", n.ID))
		return
	}
	s.list[i] = n.Clone()
	s.recountLocked()
	s.mu.Unlock()
	s.changed()
}

// HandleDeleted removes the notification with id.
func (s *NotificationSynchronizer) HandleDeleted(id string) {
	if !s.session.Valid() {
		return
	}
	s.mu.Lock()
	i := indexNotification(s.list, id)
	if i < 0 {
		s.mu.Unlock()
		return
	}
	s.list = append(s.list[:i], s.list[i+1:]...)
	s.recountLocked()
	s.mu.Unlock()
	s.changed()
}

// HandleConnection forces a refetch after a reconnect, within the
// configured bound.
func (s *NotificationSynchronizer) HandleConnection(ev model.ConnectionEvent) {
	if !ev.Connected {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.RefetchWithin+15*time.Second)
		defer cancel()
		ran := refetchWithin(ctx, s.clock, s.opts.RefetchWithin, func(ctx context.Context) bool {
			ran, err := s.fetch(ctx, true)
			if err != nil {
				s.logger.Warn("reconnect refetch failed", zap.Error(err))
			}
			return ran
		})
		if !ran {
			s.logger.Warn("reconnect refetch did not run within bound", zap.Duration("bound", s.opts.RefetchWithin))
		}
	}()
}

// Attach subscribes the push handlers to src.
func (s *NotificationSynchronizer) Attach(src PushSource) eventbus.Unsubscribe {
	return unsubscribeAll(
		src.Subscribe(model.EventNotificationCreated, func(raw json.RawMessage) {
			if n, ok := decode[model.Notification](s.logger, model.EventNotificationCreated, raw); ok {
				s.HandleCreated(n)
			}
		}),
		src.Subscribe(model.EventNotificationUpdated, func(raw json.RawMessage) {
			if n, ok := decode[model.Notification](s.logger, model.EventNotificationUpdated, raw); ok {
				s.HandleUpdated(n)
			}
		}),
		src.Subscribe(model.EventNotificationDeleted, func(raw json.RawMessage) {
			if ev, ok := decode[model.NotificationDeletedEvent](s.logger, model.EventNotificationDeleted, raw); ok {
				s.HandleDeleted(ev.ID)
			}
		}),
		src.Subscribe(model.EventConnection, func(raw json.RawMessage) {
			if ev, ok := decode[model.ConnectionEvent](s.logger, model.EventConnection, raw); ok {
				s.HandleConnection(ev)
			}
		}),
	)
}

// StartPolling registers an unforced fetch with sched under a per-user key.
func (s *NotificationSynchronizer) StartPolling(sched *poll.Scheduler, interval time.Duration) func() {
	key := TopicNotifications + ":" + s.session.UserID()
	sched.Start(key, interval, func(ctx context.Context) error {
		return s.FetchNotifications(ctx, false)
	})
	return func() { sched.Release(key) }
}

// Notifications returns a copy of the list.
func (s *NotificationSynchronizer) Notifications() []model.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneNotifications(s.list)
}

// UnreadCount returns the badge count.
func (s *NotificationSynchronizer) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// Settings returns the alert preferences.
func (s *NotificationSynchronizer) Settings() model.NotificationSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings := s.settings
	settings.TypeEnabled = make(map[string]bool, len(s.settings.TypeEnabled))
	for k, v := range s.settings.TypeEnabled {
		settings.TypeEnabled[k] = v
	}
	return settings
}

// SetSettings replaces the alert preferences.
func (s *NotificationSynchronizer) SetSettings(settings model.NotificationSettings) {
	if settings.TypeEnabled == nil {
		settings.TypeEnabled = map[string]bool{}
	}
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
}

// Snapshot returns a copy of the whole state.
func (s *NotificationSynchronizer) Snapshot() NotificationSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := NotificationSnapshot{
		Notifications: cloneNotifications(s.list),
		UnreadCount:   s.unread,
		Loaded:        s.loaded,
	}
	if s.lastErr != nil {
		snap.Error = s.lastErr.Error()
	}
	return snap
}

// Reset drops all state, e.g. on logout. The next fetch counts as the first.
func (s *NotificationSynchronizer) Reset() {
	s.mu.Lock()
	s.list = nil
	s.loaded = false
	s.watermark = time.Time{}
	s.lastErr = nil
	s.recountLocked()
	s.mu.Unlock()
	s.throttle.Reset()
	s.changed()
}

// Close stops the debouncers and background refetches.
func (s *NotificationSynchronizer) Close() {
	s.fetchDebounce.Stop()
	s.countDebounce.Stop()
	s.cancel()
}
