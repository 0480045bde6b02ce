package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/estatehub/marketplace-sync/internal/channel"
	"github.com/estatehub/marketplace-sync/internal/eventbus"
	"github.com/estatehub/marketplace-sync/internal/model"
	"github.com/estatehub/marketplace-sync/internal/presence"
	"github.com/estatehub/marketplace-sync/internal/service"
	"github.com/estatehub/marketplace-sync/pkg/logger"
)

type fakeSession struct {
	valid bool
}

func (f *fakeSession) UserID() string { return "me" }
func (f *fakeSession) Valid() bool    { return f.valid }

type fakeChannel struct{}

func (fakeChannel) State() channel.State { return channel.StateConnected }

type fakeConversations struct {
	mu      sync.Mutex
	bus     *eventbus.Bus[string]
	convs   []model.Conversation
	msgs    []model.Message
	err     error
	fetched int
	loaded  int
	active  string
	sent    SendMessageRequest
	started StartConversationRequest
	deleted string
	query   string
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{bus: eventbus.New[string]()}
}

func (f *fakeConversations) FetchConversations(ctx context.Context) ([]model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched++
	return f.convs, f.err
}

func (f *fakeConversations) LoadConversations(ctx context.Context) ([]model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded++
	return f.convs, f.err
}

func (f *fakeConversations) SetActiveConversationID(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = id
	return f.err
}

func (f *fakeConversations) FetchMessages(ctx context.Context, id string) ([]model.Message, error) {
	return f.msgs, f.err
}

func (f *fakeConversations) LoadMessages(ctx context.Context, id string) ([]model.Message, error) {
	return f.msgs, f.err
}

func (f *fakeConversations) SendMessage(ctx context.Context, id, content, fileURL string) (model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = SendMessageRequest{Content: content, FileURL: fileURL}
	return model.Message{ID: "m1", ConversationID: id, Content: content}, f.err
}

func (f *fakeConversations) DeleteChatHistory(ctx context.Context, id string) error {
	f.deleted = id
	return f.err
}

func (f *fakeConversations) StartNewConversation(ctx context.Context, other model.User, propertyID string) (model.Conversation, error) {
	f.started = StartConversationRequest{Participant: other, PropertyID: propertyID}
	return model.Conversation{ID: "c-new", Participant2: other, PropertyID: propertyID}, f.err
}

func (f *fakeConversations) SearchUsers(ctx context.Context, query string) ([]model.User, error) {
	f.query = query
	return []model.User{{ID: "u1", Name: "Ann"}}, f.err
}

func (f *fakeConversations) TotalUnread() int { return 3 }

func (f *fakeConversations) Snapshot() service.ConversationSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return service.ConversationSnapshot{Conversations: f.convs, Messages: f.msgs, TotalUnread: 3}
}

func (f *fakeConversations) OnChange(fn func(topic string)) eventbus.Unsubscribe {
	return f.bus.Subscribe("change", fn)
}

type fakeNotifications struct {
	mu       sync.Mutex
	bus      *eventbus.Bus[string]
	snap     service.NotificationSnapshot
	settings model.NotificationSettings
	err      error
	forced   []bool
	ops      []string
	ids      []string
}

func newFakeNotifications() *fakeNotifications {
	return &fakeNotifications{bus: eventbus.New[string](), settings: model.DefaultNotificationSettings()}
}

func (f *fakeNotifications) record(op string, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
	f.ids = append(f.ids, ids...)
	return f.err
}

func (f *fakeNotifications) FetchNotifications(ctx context.Context, force bool) error {
	f.mu.Lock()
	f.forced = append(f.forced, force)
	f.snap.Loaded = true
	f.mu.Unlock()
	return f.err
}

func (f *fakeNotifications) MarkAsRead(ctx context.Context, id string) error {
	return f.record("read", id)
}
func (f *fakeNotifications) MarkAllAsRead(ctx context.Context) error { return f.record("read-all") }
func (f *fakeNotifications) BulkMarkAsRead(ctx context.Context, ids []string) error {
	return f.record("bulk-read", ids...)
}
func (f *fakeNotifications) DeleteNotification(ctx context.Context, id string) error {
	return f.record("delete", id)
}
func (f *fakeNotifications) BulkDelete(ctx context.Context, ids []string) error {
	return f.record("bulk-delete", ids...)
}
func (f *fakeNotifications) ClearAll(ctx context.Context) error { return f.record("clear") }

func (f *fakeNotifications) Settings() model.NotificationSettings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

func (f *fakeNotifications) SetSettings(s model.NotificationSettings) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = s
}

func (f *fakeNotifications) Snapshot() service.NotificationSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeNotifications) OnChange(fn func(topic string)) eventbus.Unsubscribe {
	return f.bus.Subscribe("change", fn)
}

type fakePresence struct {
	typedTo string
}

func (f *fakePresence) Get(userID string) presence.Change {
	return presence.Change{UserID: userID, Online: userID == "u1"}
}

func (f *fakePresence) SendTyping(ctx context.Context, receiverID string) error {
	f.typedTo = receiverID
	return nil
}

type fakeVisibility struct {
	visible bool
}

func (f *fakeVisibility) Visible() bool { return f.visible }
func (f *fakeVisibility) Set(v bool)    { f.visible = v }

type testAPI struct {
	session  *fakeSession
	convs    *fakeConversations
	notifs   *fakeNotifications
	presence *fakePresence
	vis      *fakeVisibility
	hub      *Hub
	clock    *clock.Mock
	router   http.Handler
}

func newTestAPI(t *testing.T, withPresence bool) *testAPI {
	t.Helper()
	log := logger.NewNop()
	a := &testAPI{
		session: &fakeSession{valid: true},
		convs:   newFakeConversations(),
		notifs:  newFakeNotifications(),
		vis:     &fakeVisibility{visible: true},
		hub:     NewHub(log),
		clock:   clock.NewMock(),
	}

	var p Presence
	if withPresence {
		a.presence = &fakePresence{}
		p = a.presence
	}

	a.router = NewRouter(RouterConfig{
		Session:       a.session,
		Health:        NewHealthHandler(a.session, fakeChannel{}, nil),
		Conversations: NewConversationHandler(a.convs, log),
		Notifications: NewNotificationHandler(a.notifs, log),
		Presence:      NewPresenceHandler(p, a.vis, log),
		Stream:        NewStreamHandler(a.hub, a.convs, a.notifs, a.clock, time.Minute, log),
		Logger:        log,
	})
	return a
}

func (a *testAPI) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}
