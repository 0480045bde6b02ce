package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/estatehub/marketplace-sync/internal/cache"
	"github.com/estatehub/marketplace-sync/internal/eventbus"
	"github.com/estatehub/marketplace-sync/internal/model"
	"github.com/estatehub/marketplace-sync/internal/syncerr"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return t0.Add(time.Duration(sec) * time.Second)
}

type stubSession struct {
	userID string
	valid  bool
}

func (s *stubSession) UserID() string { return s.userID }
func (s *stubSession) Valid() bool    { return s.valid }

func newSession() *stubSession {
	return &stubSession{userID: "me", valid: true}
}

type stubChatAPI struct {
	mu sync.Mutex

	conversations []model.Conversation
	messages      map[string][]model.Message
	users         []model.User
	sendResult    model.Message
	sendErr       error
	startResult   model.Conversation

	// gates block the named call until closed.
	listGate chan struct{}
	msgGates map[string]chan struct{}
	sendGate chan struct{}

	listCalls     int
	msgCalls      map[string]int
	sendCalls     int
	startCalls    int
	markReadCalls map[string]int
	deleteCalls   int
	searchCalls   int
}

func newStubChatAPI() *stubChatAPI {
	return &stubChatAPI{
		messages:      make(map[string][]model.Message),
		msgGates:      make(map[string]chan struct{}),
		msgCalls:      make(map[string]int),
		markReadCalls: make(map[string]int),
	}
}

func (s *stubChatAPI) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	s.mu.Lock()
	s.listCalls++
	gate := s.listGate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneConversations(s.conversations), nil
}

func (s *stubChatAPI) ListMessages(ctx context.Context, id string) ([]model.Message, error) {
	s.mu.Lock()
	s.msgCalls[id]++
	gate := s.msgGates[id]
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMessages(s.messages[id]), nil
}

func (s *stubChatAPI) SendMessage(ctx context.Context, req model.SendMessageRequest) (model.Message, error) {
	s.mu.Lock()
	s.sendCalls++
	gate := s.sendGate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendResult, s.sendErr
}

func (s *stubChatAPI) StartConversation(ctx context.Context, req model.StartConversationRequest) (model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startCalls++
	return s.startResult, nil
}

func (s *stubChatAPI) MarkConversationRead(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markReadCalls[id]++
	return nil
}

func (s *stubChatAPI) SearchUsers(ctx context.Context, query string) ([]model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searchCalls++
	return append([]model.User(nil), s.users...), nil
}

func (s *stubChatAPI) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteCalls++
	return nil
}

func (s *stubChatAPI) count(fn func() int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

type stubNotificationAPI struct {
	mu sync.Mutex

	list    []model.Notification
	unread  int
	failOps map[string]error

	listGate chan struct{}

	listCalls   int
	countCalls  int
	bulkDeleted [][]string
	bulkRead    [][]string
	calls       []string
}

func newStubNotificationAPI(list ...model.Notification) *stubNotificationAPI {
	return &stubNotificationAPI{list: list, failOps: make(map[string]error)}
}

func (s *stubNotificationAPI) record(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, op)
	return s.failOps[op]
}

func (s *stubNotificationAPI) ListNotifications(ctx context.Context) ([]model.Notification, error) {
	s.mu.Lock()
	s.listCalls++
	gate := s.listGate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failOps["list"]; err != nil {
		return nil, err
	}
	return cloneNotifications(s.list), nil
}

func (s *stubNotificationAPI) UnreadCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.countCalls++
	return s.unread, nil
}

func (s *stubNotificationAPI) MarkNotificationRead(ctx context.Context, id string) error {
	return s.record("mark_read")
}

func (s *stubNotificationAPI) MarkAllNotificationsRead(ctx context.Context) error {
	return s.record("mark_all_read")
}

func (s *stubNotificationAPI) BulkMarkNotificationsRead(ctx context.Context, ids []string) error {
	s.mu.Lock()
	s.bulkRead = append(s.bulkRead, append([]string(nil), ids...))
	s.mu.Unlock()
	return s.record("bulk_read")
}

func (s *stubNotificationAPI) DeleteNotification(ctx context.Context, id string) error {
	return s.record("delete")
}

func (s *stubNotificationAPI) BulkDeleteNotifications(ctx context.Context, ids []string) error {
	s.mu.Lock()
	s.bulkDeleted = append(s.bulkDeleted, append([]string(nil), ids...))
	s.mu.Unlock()
	return s.record("bulk_delete")
}

func (s *stubNotificationAPI) listCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls
}

type recordingAlerter struct {
	mu      sync.Mutex
	toasts  []string
	browser []string
	sounds  int
}

func (a *recordingAlerter) Toast(n model.Notification) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.toasts = append(a.toasts, n.ID)
}

func (a *recordingAlerter) BrowserNotify(n model.Notification) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.browser = append(a.browser, n.ID)
}

func (a *recordingAlerter) PlaySound(n model.Notification) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sounds++
}

type fixedVisibility bool

func (v fixedVisibility) Hidden() bool { return bool(v) }

// fakePush is an in-memory PushSource.
type fakePush struct {
	bus *eventbus.Bus[json.RawMessage]
}

func newFakePush() *fakePush {
	return &fakePush{bus: eventbus.New[json.RawMessage]()}
}

func (f *fakePush) Subscribe(event string, handler func(json.RawMessage)) eventbus.Unsubscribe {
	return f.bus.Subscribe(event, handler)
}

func (f *fakePush) emit(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	f.bus.Publish(event, data)
}

func newTestCache(t *testing.T, clk clock.Clock) *cache.Cache {
	t.Helper()
	c := cache.New(clk, cache.DefaultOptions(5*time.Minute, 30*time.Minute))
	t.Cleanup(c.Close)
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met")
}

var errServer = &syncerr.Error{Kind: syncerr.KindServer, Op: "test", Status: 500, Message: "boom"}

func user(id string) model.User {
	return model.User{ID: id, Name: id}
}

func conv(id, other string, last time.Time) model.Conversation {
	c := model.Conversation{ID: id, Participant1: user("me"), Participant2: user(other), CreatedAt: last}
	if !last.IsZero() {
		c.LastMessage = &model.Message{ID: id + "-last", ConversationID: id, SenderID: other, CreatedAt: last}
	}
	return c
}

func msg(id, convID, sender string, sec int) model.Message {
	return model.Message{ID: id, ConversationID: convID, SenderID: sender, Content: "text " + id, CreatedAt: at(sec)}
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
