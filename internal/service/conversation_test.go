package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/estatehub/marketplace-sync/internal/model"
	"github.com/estatehub/marketplace-sync/internal/syncerr"
	"github.com/estatehub/marketplace-sync/pkg/logger"
)

func newConversationSync(t *testing.T, api *stubChatAPI) (*ConversationSynchronizer, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(at(100))
	s := NewConversationSynchronizer(api, newSession(), newTestCache(t, clk), clk, ConversationOptions{}, logger.NewNop())
	return s, clk
}

func TestFetchConversationsSortsByRecentActivity(t *testing.T) {
	api := newStubChatAPI()
	api.conversations = []model.Conversation{
		conv("c1", "u1", at(10)),
		conv("c2", "u2", at(30)),
		conv("c3", "u3", at(20)),
	}
	s, _ := newConversationSync(t, api)

	list, err := s.FetchConversations(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	got := []string{list[0].ID, list[1].ID, list[2].ID}
	if got[0] != "c2" || got[1] != "c3" || got[2] != "c1" {
		t.Fatalf("order = %v", got)
	}
}

func TestFetchConversationsRequiresSession(t *testing.T) {
	api := newStubChatAPI()
	clk := clock.NewMock()
	s := NewConversationSynchronizer(api, &stubSession{}, newTestCache(t, clk), clk, ConversationOptions{}, logger.NewNop())

	_, err := s.FetchConversations(context.Background())
	if !errors.Is(err, syncerr.ErrNoSession) {
		t.Fatalf("err = %v, want ErrNoSession", err)
	}
	if api.listCalls != 0 {
		t.Fatal("no request without a session")
	}
}

func TestFetchConversationsSingleInFlight(t *testing.T) {
	api := newStubChatAPI()
	api.conversations = []model.Conversation{conv("c1", "u1", at(1))}
	api.listGate = make(chan struct{})
	s, _ := newConversationSync(t, api)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.FetchConversations(context.Background())
	}()
	waitFor(t, func() bool { return api.count(func() int { return api.listCalls }) == 1 })

	if _, err := s.FetchConversations(context.Background()); err != nil {
		t.Fatal(err)
	}
	close(api.listGate)
	<-done

	if n := api.count(func() int { return api.listCalls }); n != 1 {
		t.Fatalf("list calls = %d, want 1", n)
	}
}

func TestLoadConversationsUsesCache(t *testing.T) {
	api := newStubChatAPI()
	api.conversations = []model.Conversation{conv("c1", "u1", at(1))}
	s, clk := newConversationSync(t, api)

	s.LoadConversations(context.Background())
	s.LoadConversations(context.Background())
	if api.listCalls != 1 {
		t.Fatalf("list calls = %d, want 1", api.listCalls)
	}

	clk.Add(6 * time.Minute)
	s.LoadConversations(context.Background())
	if api.listCalls != 2 {
		t.Fatalf("list calls = %d after expiry, want 2", api.listCalls)
	}
}

func activate(t *testing.T, s *ConversationSynchronizer, c model.Conversation) {
	t.Helper()
	if err := s.SetActiveConversation(context.Background(), &c); err != nil {
		t.Fatal(err)
	}
}

func TestSendMessageReplacesTempInPlace(t *testing.T) {
	api := newStubChatAPI()
	c1 := conv("c1", "u1", at(1))
	api.conversations = []model.Conversation{c1}
	api.messages["c1"] = []model.Message{msg("m1", "c1", "u1", 1)}
	api.sendGate = make(chan struct{})
	api.sendResult = model.Message{ID: "m42", ConversationID: "c1", SenderID: "me", Content: "Hello", CreatedAt: at(101)}
	s, _ := newConversationSync(t, api)
	s.FetchConversations(context.Background())
	activate(t, s, c1)

	type result struct {
		m   model.Message
		err error
	}
	res := make(chan result, 1)
	go func() {
		m, err := s.SendMessage(context.Background(), "c1", "Hello", "")
		res <- result{m, err}
	}()
	waitFor(t, func() bool { return api.count(func() int { return api.sendCalls }) == 1 })

	pending := s.Messages()
	if len(pending) != 2 || !strings.HasPrefix(pending[1].ID, model.TempIDPrefix) || !pending[1].Pending {
		t.Fatalf("optimistic buffer = %+v", pending)
	}
	if list := s.Conversations(); list[0].LastMessage.ID != pending[1].ID {
		t.Fatal("list entry should show the optimistic message")
	}

	close(api.sendGate)
	r := <-res
	if r.err != nil {
		t.Fatal(r.err)
	}

	got := s.Messages()
	if len(got) != 2 || got[1].ID != "m42" || got[1].Pending {
		t.Fatalf("confirmed buffer = %+v", got)
	}
	for _, m := range got {
		if m.IsTemp() {
			t.Fatalf("temp message left behind: %s", m.ID)
		}
	}
}

func TestSendMessageFailureRemovesTemp(t *testing.T) {
	api := newStubChatAPI()
	c1 := conv("c1", "u1", at(1))
	api.conversations = []model.Conversation{c1}
	api.messages["c1"] = []model.Message{msg("m1", "c1", "u1", 1)}
	api.sendErr = &syncerr.Error{Kind: syncerr.KindNetwork, Op: "SendMessage", Message: "offline"}
	s, _ := newConversationSync(t, api)
	s.FetchConversations(context.Background())
	activate(t, s, c1)

	_, err := s.SendMessage(context.Background(), "c1", "Hello", "")
	if !syncerr.IsRetriable(err) {
		t.Fatalf("err = %v, want retriable network error", err)
	}
	if got := ids(s.Messages()); len(got) != 1 || got[0] != "m1" {
		t.Fatalf("buffer = %v, want [m1]", got)
	}
	if last := s.Conversations()[0].LastMessage; last == nil || last.ID != "m1" {
		t.Fatalf("last message not restored: %+v", last)
	}
	if api.sendCalls != 1 {
		t.Fatalf("send calls = %d, failed sends are not retried", api.sendCalls)
	}
}

func TestSendEmptyMessageRejected(t *testing.T) {
	api := newStubChatAPI()
	s, _ := newConversationSync(t, api)

	_, err := s.SendMessage(context.Background(), "c1", "   ", "")
	if !errors.Is(err, syncerr.ErrEmptyMessage) {
		t.Fatalf("err = %v, want ErrEmptyMessage", err)
	}
	if syncerr.IsRetriable(err) {
		t.Fatal("validation errors are not retriable")
	}
	if api.sendCalls != 0 {
		t.Fatal("no request for an empty message")
	}

	api.sendResult = model.Message{ID: "m1", ConversationID: "c1"}
	if _, err := s.SendMessage(context.Background(), "c1", "", "https://cdn/x.png"); err != nil {
		t.Fatalf("attachment-only send: %v", err)
	}
}

func TestPushEchoBeforeSendResponse(t *testing.T) {
	api := newStubChatAPI()
	c1 := conv("c1", "u1", at(1))
	api.conversations = []model.Conversation{c1}
	api.sendGate = make(chan struct{})
	api.sendResult = model.Message{ID: "m42", ConversationID: "c1", SenderID: "me", Content: "Hi", CreatedAt: at(101)}
	s, _ := newConversationSync(t, api)
	s.FetchConversations(context.Background())
	activate(t, s, c1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.SendMessage(context.Background(), "c1", "Hi", "")
	}()
	waitFor(t, func() bool { return api.count(func() int { return api.sendCalls }) == 1 })

	s.HandleNewMessage(api.sendResult)
	close(api.sendGate)
	<-done

	if got := ids(s.Messages()); len(got) != 1 || got[0] != "m42" {
		t.Fatalf("buffer = %v, want [m42]", got)
	}
}

func TestStartConversationReusesExisting(t *testing.T) {
	api := newStubChatAPI()
	api.conversations = []model.Conversation{conv("c1", "u1", at(1))}
	s, _ := newConversationSync(t, api)
	s.FetchConversations(context.Background())

	got, err := s.StartNewConversation(context.Background(), user("u1"), "p9")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "c1" {
		t.Fatalf("got %s, want existing c1", got.ID)
	}
	if api.startCalls != 0 || len(s.Conversations()) != 1 {
		t.Fatal("existing conversation must be reused without a request")
	}
}

func TestStartConversationSuppressesDuplicateFromPush(t *testing.T) {
	api := newStubChatAPI()
	api.startResult = conv("c7", "u7", at(50))
	s, _ := newConversationSync(t, api)

	// A push for the same conversation lands first.
	s.HandleNewConversation(conv("c7", "u7", at(50)))

	got, err := s.StartNewConversation(context.Background(), user("u7"), "")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "c7" || len(s.Conversations()) != 1 {
		t.Fatalf("conversations = %d, want 1", len(s.Conversations()))
	}
}

func TestStartConversationWithSelfRejected(t *testing.T) {
	api := newStubChatAPI()
	s, _ := newConversationSync(t, api)

	_, err := s.StartNewConversation(context.Background(), user("me"), "")
	if !errors.Is(err, syncerr.ErrSelfConversation) {
		t.Fatalf("err = %v, want ErrSelfConversation", err)
	}
	if syncerr.KindOf(err) != syncerr.KindValidation {
		t.Fatalf("kind = %s", syncerr.KindOf(err))
	}
	if api.startCalls != 0 {
		t.Fatal("no request for a self conversation")
	}
}

func TestStaleMessageFetchDiscarded(t *testing.T) {
	api := newStubChatAPI()
	c1, c2 := conv("c1", "u1", at(1)), conv("c2", "u2", at(2))
	api.conversations = []model.Conversation{c1, c2}
	api.messages["c1"] = []model.Message{msg("a1", "c1", "u1", 1)}
	api.messages["c2"] = []model.Message{msg("b1", "c2", "u2", 2)}
	api.msgGates["c1"] = make(chan struct{})
	s, _ := newConversationSync(t, api)
	s.FetchConversations(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.SetActiveConversation(context.Background(), &c1)
	}()
	waitFor(t, func() bool { return api.count(func() int { return api.msgCalls["c1"] }) == 1 })

	activate(t, s, c2)
	if got := ids(s.Messages()); len(got) != 1 || got[0] != "b1" {
		t.Fatalf("buffer = %v, want [b1]", got)
	}

	close(api.msgGates["c1"])
	<-done

	if got := ids(s.Messages()); len(got) != 1 || got[0] != "b1" {
		t.Fatalf("buffer after stale response = %v, want [b1]", got)
	}
	if active, _ := s.Active(); active.ID != "c2" {
		t.Fatalf("active = %s", active.ID)
	}
	if view, _ := s.View(); view != ViewLoaded {
		t.Fatalf("view = %s", view)
	}
}

func TestSetActiveSameIDIsNoop(t *testing.T) {
	api := newStubChatAPI()
	c1 := conv("c1", "u1", at(1))
	api.conversations = []model.Conversation{c1}
	s, _ := newConversationSync(t, api)
	s.FetchConversations(context.Background())

	activate(t, s, c1)
	activate(t, s, c1)
	if n := api.count(func() int { return api.msgCalls["c1"] }); n != 1 {
		t.Fatalf("message fetches = %d, want 1", n)
	}
	waitFor(t, func() bool { return api.count(func() int { return api.markReadCalls["c1"] }) == 1 })
}

func TestSetActiveNilClearsSearch(t *testing.T) {
	api := newStubChatAPI()
	api.users = []model.User{user("me"), user("u5")}
	c1 := conv("c1", "u1", at(1))
	api.conversations = []model.Conversation{c1}
	s, _ := newConversationSync(t, api)
	s.FetchConversations(context.Background())
	activate(t, s, c1)

	found, err := s.SearchUsers(context.Background(), "u")
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0].ID != "u5" {
		t.Fatalf("search = %+v, the current user is filtered out", found)
	}

	s.SetActiveConversation(context.Background(), nil)
	snap := s.Snapshot()
	if snap.Active != nil || snap.SearchQuery != "" || len(snap.SearchResults) != 0 || len(snap.Messages) != 0 {
		t.Fatalf("snapshot not cleared: %+v", snap)
	}
}

func TestPushMessageMergeRules(t *testing.T) {
	api := newStubChatAPI()
	c1, c2 := conv("c1", "u1", at(1)), conv("c2", "u2", at(2))
	api.conversations = []model.Conversation{c1, c2}
	api.messages["c1"] = []model.Message{msg("a1", "c1", "u1", 1), msg("a3", "c1", "u1", 3)}
	s, _ := newConversationSync(t, api)
	s.FetchConversations(context.Background())
	activate(t, s, c1)
	waitFor(t, func() bool { return api.count(func() int { return api.markReadCalls["c1"] }) == 1 })
	push := newFakePush()
	s.Attach(push)

	// Out-of-order delivery into the active conversation.
	push.emit(t, model.EventNewMessage, msg("a2", "c1", "u1", 2))
	push.emit(t, model.EventNewMessage, msg("a2", "c1", "u1", 2))
	if got := ids(s.Messages()); len(got) != 3 || got[1] != "a2" {
		t.Fatalf("buffer = %v", got)
	}

	// Inactive conversation: buffer untouched, unread bumped once, list reordered.
	in := msg("b9", "c2", "u2", 50)
	push.emit(t, model.EventNewMessage, in)
	push.emit(t, model.EventNewMessage, in)

	list := s.Conversations()
	if list[0].ID != "c2" || list[0].LastMessage.ID != "b9" {
		t.Fatalf("c2 should lead with b9: %+v", list[0])
	}
	if list[0].UnreadCount != 1 {
		t.Fatalf("unread = %d, want 1", list[0].UnreadCount)
	}
	if len(s.Messages()) != 3 {
		t.Fatal("inactive conversation must not touch the buffer")
	}
	if s.TotalUnread() != 1 {
		t.Fatalf("total unread = %d", s.TotalUnread())
	}

	// Own messages never count as unread.
	push.emit(t, model.EventNewMessage, msg("b10", "c2", "me", 60))
	if got := s.Conversations()[0].UnreadCount; got != 1 {
		t.Fatalf("unread = %d after own message", got)
	}

	// A redelivered message that is no longer the last one counts once.
	first := msg("b11", "c2", "u2", 70)
	push.emit(t, model.EventNewMessage, first)
	push.emit(t, model.EventNewMessage, msg("b12", "c2", "u2", 80))
	push.emit(t, model.EventNewMessage, first)
	list = s.Conversations()
	if list[0].UnreadCount != 3 {
		t.Fatalf("unread = %d after redelivery, want 3", list[0].UnreadCount)
	}
	if list[0].LastMessage.ID != "b12" {
		t.Fatalf("last message = %s, want b12", list[0].LastMessage.ID)
	}
}

func TestMarkMessagesAsReadRateLimited(t *testing.T) {
	api := newStubChatAPI()
	api.conversations = []model.Conversation{conv("c1", "u1", at(1))}
	s, clk := newConversationSync(t, api)
	s.FetchConversations(context.Background())

	for i := 0; i < 3; i++ {
		s.MarkMessagesAsRead(context.Background(), "c1")
	}
	if n := api.markReadCalls["c1"]; n != 1 {
		t.Fatalf("mark read calls = %d, want 1", n)
	}

	clk.Add(5 * time.Second)
	s.MarkMessagesAsRead(context.Background(), "c1")
	if n := api.markReadCalls["c1"]; n != 2 {
		t.Fatalf("mark read calls = %d after interval, want 2", n)
	}
}

func TestMarkMessagesAsReadFlipsIncoming(t *testing.T) {
	api := newStubChatAPI()
	c1 := conv("c1", "u1", at(1))
	api.conversations = []model.Conversation{c1}
	api.messages["c1"] = []model.Message{msg("a1", "c1", "u1", 1), msg("a2", "c1", "me", 2)}
	s, _ := newConversationSync(t, api)
	s.FetchConversations(context.Background())
	activate(t, s, c1)

	waitFor(t, func() bool { return api.count(func() int { return api.markReadCalls["c1"] }) == 1 })
	got := s.Messages()
	if !got[0].Read {
		t.Fatal("incoming message should be read")
	}
	if got[1].Read {
		t.Fatal("own message keeps its flag")
	}
	if s.Conversations()[0].UnreadCount != 0 {
		t.Fatal("unread count should be zero")
	}
}

func TestDeleteChatHistoryClearsActive(t *testing.T) {
	api := newStubChatAPI()
	c1, c2 := conv("c1", "u1", at(1)), conv("c2", "u2", at(2))
	api.conversations = []model.Conversation{c1, c2}
	s, _ := newConversationSync(t, api)
	s.FetchConversations(context.Background())
	activate(t, s, c1)

	if err := s.DeleteChatHistory(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Active(); ok {
		t.Fatal("active selection should be cleared")
	}
	if list := s.Conversations(); len(list) != 1 || list[0].ID != "c2" {
		t.Fatalf("list = %+v", list)
	}
	if api.deleteCalls != 1 {
		t.Fatalf("delete calls = %d", api.deleteCalls)
	}
}

func TestReconnectRefetchesConversations(t *testing.T) {
	api := newStubChatAPI()
	api.conversations = []model.Conversation{conv("c1", "u1", at(1))}
	s, _ := newConversationSync(t, api)
	push := newFakePush()
	s.Attach(push)

	push.emit(t, model.EventConnection, model.ConnectionEvent{Connected: false})
	push.emit(t, model.EventConnection, model.ConnectionEvent{Connected: true})

	waitFor(t, func() bool { return api.count(func() int { return api.listCalls }) == 1 })
	waitFor(t, func() bool { return len(s.Conversations()) == 1 })
}

func TestPollFetchesListAndActiveMessages(t *testing.T) {
	api := newStubChatAPI()
	c1 := conv("c1", "u1", at(1))
	api.conversations = []model.Conversation{c1}
	s, _ := newConversationSync(t, api)
	s.FetchConversations(context.Background())
	activate(t, s, c1)

	if err := s.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if api.listCalls != 2 || api.msgCalls["c1"] != 2 {
		t.Fatalf("list=%d messages=%d, want 2 and 2", api.listCalls, api.msgCalls["c1"])
	}
}

func TestStartConversationRecomputesSummary(t *testing.T) {
	api := newStubChatAPI()
	started := model.Conversation{ID: "c8", Participant1: user("me"), Participant2: user("u8"), CreatedAt: at(1)}
	started.Messages = []model.Message{msg("m1", "c8", "u8", 5), msg("m2", "c8", "me", 6), msg("m3", "c8", "u8", 7)}
	api.startResult = started
	s, _ := newConversationSync(t, api)

	got, err := s.StartNewConversation(context.Background(), user("u8"), "")
	if err != nil {
		t.Fatal(err)
	}
	if got.UnreadCount != 2 || got.LastMessage == nil || got.LastMessage.ID != "m3" {
		t.Fatalf("summary = unread %d last %+v", got.UnreadCount, got.LastMessage)
	}
	if list := s.Conversations(); list[0].UnreadCount != 2 || list[0].LastMessage.ID != "m3" {
		t.Fatalf("stored summary = %+v", list[0])
	}
}

func TestPushIgnoredWithoutSession(t *testing.T) {
	api := newStubChatAPI()
	api.conversations = []model.Conversation{conv("c1", "u1", at(1))}
	session := newSession()
	clk := clock.NewMock()
	s := NewConversationSynchronizer(api, session, newTestCache(t, clk), clk, ConversationOptions{}, logger.NewNop())
	s.FetchConversations(context.Background())
	push := newFakePush()
	s.Attach(push)

	session.valid = false
	push.emit(t, model.EventNewMessage, msg("x1", "c1", "u1", 9))
	push.emit(t, model.EventNewConversation, conv("c9", "u9", at(9)))

	list := s.Conversations()
	if len(list) != 1 || list[0].UnreadCount != 0 || list[0].LastMessage.ID != "c1-last" {
		t.Fatalf("list changed without a session: %+v", list)
	}
}

func TestResetRenewsBackgroundAndCloseCancels(t *testing.T) {
	s, _ := newConversationSync(t, newStubChatAPI())
	before := s.background()

	s.Reset()
	if before.Err() == nil {
		t.Fatal("reset should cancel in-flight background work")
	}
	after := s.background()
	if after.Err() != nil {
		t.Fatal("reset should leave a live background context")
	}

	s.Close()
	if after.Err() == nil {
		t.Fatal("close should cancel background work")
	}
	s.Reset()
	if s.background().Err() == nil {
		t.Fatal("reset after close must not revive background work")
	}
}
