package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/estatehub/marketplace-sync/internal/cache"
	"github.com/estatehub/marketplace-sync/internal/eventbus"
	"github.com/estatehub/marketplace-sync/internal/model"
	"github.com/estatehub/marketplace-sync/internal/poll"
	"github.com/estatehub/marketplace-sync/internal/syncerr"
	"github.com/estatehub/marketplace-sync/internal/throttle"
	"github.com/estatehub/marketplace-sync/pkg/logger"
	"github.com/estatehub/marketplace-sync/pkg/metrics"
)

// ViewState is the load state of the active conversation's messages.
type ViewState int

const (
	ViewIdle ViewState = iota
	ViewLoading
	ViewLoaded
	ViewError
)

func (v ViewState) String() string {
	switch v {
	case ViewLoading:
		return "loading"
	case ViewLoaded:
		return "loaded"
	case ViewError:
		return "error"
	default:
		return "idle"
	}
}

// MarshalText renders the state by name.
func (v ViewState) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// ConversationOptions tunes a ConversationSynchronizer.
type ConversationOptions struct {
	MarkReadInterval time.Duration
	RefetchWithin    time.Duration
}

// ConversationSnapshot is a consistent copy of the synchronizer state.
type ConversationSnapshot struct {
	Conversations []model.Conversation `json:"conversations"`
	Active        *model.Conversation  `json:"active,omitempty"`
	Messages      []model.Message      `json:"messages"`
	View          ViewState            `json:"view"`
	Error         string               `json:"error,omitempty"`
	SearchQuery   string               `json:"search_query,omitempty"`
	SearchResults []model.User         `json:"search_results,omitempty"`
	TotalUnread   int                  `json:"total_unread"`
}

// ConversationSynchronizer owns the conversation list, the active
// conversation and its message buffer.
type ConversationSynchronizer struct {
	api      ChatAPI
	session  Session
	cache    *cache.Cache
	clock    clock.Clock
	logger   *logger.Logger
	markRead *throttle.KeyedLimiter
	opts     ConversationOptions
	bus      *eventbus.Bus[string]
	seq      atomic.Uint64

	listLatch throttle.Latch

	mu            sync.Mutex
	bg            context.Context
	cancelBG      context.CancelFunc
	closed        bool
	pushed        map[string]*recentIDs
	conversations []model.Conversation
	active        *model.Conversation
	messages      []model.Message
	view          ViewState
	lastErr       error
	msgInFlight   map[string]struct{}
	searchQuery   string
	searchResults []model.User
}

// NewConversationSynchronizer creates a synchronizer for one session.
func NewConversationSynchronizer(api ChatAPI, session Session, c *cache.Cache, clk clock.Clock, opts ConversationOptions, log *logger.Logger) *ConversationSynchronizer {
	if opts.MarkReadInterval <= 0 {
		opts.MarkReadInterval = 5 * time.Second
	}
	if opts.RefetchWithin <= 0 {
		opts.RefetchWithin = 2 * time.Second
	}
	bg, cancel := context.WithCancel(context.Background())
	return &ConversationSynchronizer{
		api:         api,
		session:     session,
		cache:       c,
		clock:       clk,
		logger:      log.Named("conversations"),
		markRead:    throttle.NewKeyedLimiter(clk, opts.MarkReadInterval),
		opts:        opts,
		bus:         eventbus.New[string](),
		bg:          bg,
		cancelBG:    cancel,
		pushed:      make(map[string]*recentIDs),
		msgInFlight: make(map[string]struct{}),
	}
}

// background is the context of work started by push handlers. Reset and
// Close cancel it.
func (s *ConversationSynchronizer) background() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bg
}

// OnChange registers fn to receive the topic of every state change.
func (s *ConversationSynchronizer) OnChange(fn func(topic string)) eventbus.Unsubscribe {
	return s.bus.Subscribe(changeEvent, fn)
}

func (s *ConversationSynchronizer) notify(topics ...string) {
	for _, t := range topics {
		s.bus.Publish(changeEvent, t)
	}
}

func (s *ConversationSynchronizer) requireSession(op string) (string, error) {
	if !s.session.Valid() {
		return "", syncerr.WithOp(syncerr.ErrNoSession, op)
	}
	return s.session.UserID(), nil
}

func (s *ConversationSynchronizer) listKey() cache.Key {
	return cache.K(cache.ClassConversations, s.session.UserID())
}

// FetchConversations replaces the list with the server's. A call made while
// another is in flight is dropped and returns the current list.
func (s *ConversationSynchronizer) FetchConversations(ctx context.Context) ([]model.Conversation, error) {
	list, _, err := s.fetchConversations(ctx)
	return list, err
}

func (s *ConversationSynchronizer) fetchConversations(ctx context.Context) ([]model.Conversation, bool, error) {
	self, err := s.requireSession("FetchConversations")
	if err != nil {
		return nil, false, err
	}
	if !s.listLatch.TryAcquire() {
		return s.Conversations(), false, nil
	}
	defer s.listLatch.Release()

	convs, err := s.api.ListConversations(ctx)
	if err != nil {
		s.logger.Warn("fetch conversations failed", zap.Error(err))
		return nil, true, err
	}

	for i := range convs {
		convs[i].Recompute(self)
	}
	sortConversations(convs)

	s.mu.Lock()
	s.conversations = convs
	if s.active != nil {
		if i := indexConversation(convs, s.active.ID); i >= 0 {
			active := convs[i].Clone()
			s.active = &active
		}
	}
	out := cloneConversations(convs)
	s.cache.Set(s.listKey(), cloneConversations(convs))
	s.mu.Unlock()

	s.notify(TopicConversations)
	return out, true, nil
}

// LoadConversations returns the cached list when fresh, fetching otherwise.
func (s *ConversationSynchronizer) LoadConversations(ctx context.Context) ([]model.Conversation, error) {
	if list, ok := cache.Lookup[[]model.Conversation](s.cache, s.listKey()); ok {
		return cloneConversations(list), nil
	}
	return s.FetchConversations(ctx)
}

// Conversations returns a copy of the current list.
func (s *ConversationSynchronizer) Conversations() []model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneConversations(s.conversations)
}

// SetActiveConversation switches the active conversation. Selecting the
// already active id does nothing; nil clears the selection and search.
func (s *ConversationSynchronizer) SetActiveConversation(ctx context.Context, conv *model.Conversation) error {
	s.mu.Lock()
	if conv == nil {
		s.active = nil
		s.messages = nil
		s.view = ViewIdle
		s.lastErr = nil
		s.searchQuery = ""
		s.searchResults = nil
		s.mu.Unlock()
		s.notify(TopicMessages, TopicSearch)
		return nil
	}
	if s.active != nil && s.active.ID == conv.ID {
		s.mu.Unlock()
		return nil
	}
	active := conv.Clone()
	if i := indexConversation(s.conversations, conv.ID); i >= 0 {
		active = s.conversations[i].Clone()
	}
	s.active = &active
	s.messages = nil
	s.view = ViewLoading
	s.lastErr = nil
	s.mu.Unlock()
	s.notify(TopicMessages)

	id := conv.ID
	_, err := s.FetchMessages(ctx, id)
	go func() {
		if err := s.MarkMessagesAsRead(context.WithoutCancel(ctx), id); err != nil {
			s.logger.Debug("mark read failed", zap.String("conversation_id", id), zap.Error(err))
		}
	}()
	return err
}

// SetActiveConversationID resolves id against the list and activates it.
// An empty id clears the selection.
func (s *ConversationSynchronizer) SetActiveConversationID(ctx context.Context, id string) error {
	if id == "" {
		return s.SetActiveConversation(ctx, nil)
	}
	s.mu.Lock()
	i := indexConversation(s.conversations, id)
	var conv model.Conversation
	if i >= 0 {
		conv = s.conversations[i].Clone()
	}
	s.mu.Unlock()
	if i < 0 {
		return &syncerr.Error{Kind: syncerr.KindNotFound, Op: "SetActiveConversation", Message: "conversation not found"}
	}
	return s.SetActiveConversation(ctx, &conv)
}

// Active returns the active conversation, if any.
func (s *ConversationSynchronizer) Active() (model.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return model.Conversation{}, false
	}
	return s.active.Clone(), true
}

// FetchMessages loads a conversation's messages. At most one fetch per
// conversation runs at a time; overlapping calls are dropped. A result for
// a conversation that is no longer active leaves the buffer alone.
func (s *ConversationSynchronizer) FetchMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	self, err := s.requireSession("FetchMessages")
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, busy := s.msgInFlight[conversationID]; busy {
		var current []model.Message
		if s.active != nil && s.active.ID == conversationID {
			current = cloneMessages(s.messages)
		}
		s.mu.Unlock()
		return current, nil
	}
	s.msgInFlight[conversationID] = struct{}{}
	s.mu.Unlock()

	msgs, err := s.api.ListMessages(ctx, conversationID)

	s.mu.Lock()
	delete(s.msgInFlight, conversationID)
	isActive := s.active != nil && s.active.ID == conversationID
	if err != nil {
		if isActive {
			s.view = ViewError
			s.lastErr = err
		}
		s.mu.Unlock()
		s.logger.Warn("fetch messages failed", zap.String("conversation_id", conversationID), zap.Error(err))
		if isActive {
			s.notify(TopicMessages)
		}
		return nil, err
	}

	msgs = normalizeMessages(msgs)
	s.cache.Set(cache.K(cache.ClassMessages, conversationID), cloneMessages(msgs))
	s.summarizeLocked(conversationID, msgs, self)

	if !isActive {
		s.mu.Unlock()
		s.logger.Debug("discarding messages for inactive conversation", zap.String("conversation_id", conversationID))
		s.notify(TopicConversations)
		return msgs, nil
	}
	s.messages = msgs
	s.view = ViewLoaded
	s.lastErr = nil
	out := cloneMessages(msgs)
	s.mu.Unlock()

	s.notify(TopicMessages, TopicConversations)
	return out, nil
}

// LoadMessages returns cached messages for id when fresh, fetching otherwise.
func (s *ConversationSynchronizer) LoadMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	s.mu.Lock()
	if s.active != nil && s.active.ID == conversationID && s.view == ViewLoaded {
		out := cloneMessages(s.messages)
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	if msgs, ok := cache.Lookup[[]model.Message](s.cache, cache.K(cache.ClassMessages, conversationID)); ok {
		return cloneMessages(msgs), nil
	}
	return s.FetchMessages(ctx, conversationID)
}

// summarizeLocked refreshes the list entry's last message and unread count
// from a loaded message set.
func (s *ConversationSynchronizer) summarizeLocked(conversationID string, msgs []model.Message, self string) {
	i := indexConversation(s.conversations, conversationID)
	if i < 0 || len(msgs) == 0 {
		return
	}
	conv := &s.conversations[i]
	loaded := conv.Messages
	conv.Messages = msgs
	conv.Recompute(self)
	conv.Messages = loaded
	sortConversations(s.conversations)
	s.cache.Set(s.listKey(), cloneConversations(s.conversations))
}

// Messages returns a copy of the active message buffer.
func (s *ConversationSynchronizer) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMessages(s.messages)
}

// View returns the active conversation's load state and last error.
func (s *ConversationSynchronizer) View() (ViewState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view, s.lastErr
}

func (s *ConversationSynchronizer) newTempID() string {
	return fmt.Sprintf("%s%d-%s", model.TempIDPrefix, s.seq.Add(1), uuid.NewString())
}

// SendMessage appends an optimistic message, sends it, and swaps in the
// server's copy at the same position. A failed send removes the optimistic
// message and is not retried.
func (s *ConversationSynchronizer) SendMessage(ctx context.Context, conversationID, content, fileURL string) (model.Message, error) {
	const op = "SendMessage"
	self, err := s.requireSession(op)
	if err != nil {
		return model.Message{}, err
	}
	if conversationID == "" {
		return model.Message{}, syncerr.WithOp(syncerr.ErrMissingField, op)
	}
	temp := model.Message{
		ID:             s.newTempID(),
		ConversationID: conversationID,
		SenderID:       self,
		Content:        content,
		FileURL:        fileURL,
		CreatedAt:      s.clock.Now(),
		Pending:        true,
	}
	if !temp.HasBody() {
		return model.Message{}, syncerr.WithOp(syncerr.ErrEmptyMessage, op)
	}

	s.mu.Lock()
	if s.active != nil && s.active.ID == conversationID {
		s.messages = append(s.messages, temp)
	}
	var previous *model.Message
	if i := indexConversation(s.conversations, conversationID); i >= 0 {
		previous = s.conversations[i].LastMessage
		last := temp
		s.conversations[i].LastMessage = &last
		sortConversations(s.conversations)
	}
	s.mu.Unlock()
	s.notify(TopicMessages, TopicConversations)

	msg, err := s.api.SendMessage(ctx, model.SendMessageRequest{
		ConversationID: conversationID,
		Content:        content,
		FileURL:        fileURL,
	})
	if err != nil {
		s.rollbackSend(conversationID, temp.ID, previous)
		s.logger.Info("send failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return model.Message{}, err
	}

	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	if msg.SenderID == "" {
		msg.SenderID = self
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = temp.CreatedAt
	}
	msg.Pending = false

	s.mu.Lock()
	if s.active != nil && s.active.ID == conversationID {
		switch ti := indexMessage(s.messages, temp.ID); {
		case indexMessage(s.messages, msg.ID) >= 0:
			// A push event delivered the confirmed message first.
			s.messages = removeMessage(s.messages, temp.ID)
		case ti >= 0:
			s.messages[ti] = msg
		default:
			s.messages, _ = insertMessage(s.messages, msg)
		}
	}
	if i := indexConversation(s.conversations, conversationID); i >= 0 {
		last := s.conversations[i].LastMessage
		if last == nil || last.ID == temp.ID || !msg.CreatedAt.Before(last.CreatedAt) {
			confirmed := msg
			s.conversations[i].LastMessage = &confirmed
		}
		sortConversations(s.conversations)
		s.cache.Set(s.listKey(), cloneConversations(s.conversations))
	}
	s.cache.Update(cache.K(cache.ClassMessages, conversationID), func(old any) any {
		msgs, _ := insertMessage(cloneMessages(old.([]model.Message)), msg)
		return msgs
	})
	s.mu.Unlock()

	s.notify(TopicMessages, TopicConversations)
	return msg, nil
}

func (s *ConversationSynchronizer) rollbackSend(conversationID, tempID string, previous *model.Message) {
	metrics.OptimisticRollbacks.WithLabelValues("send_message").Inc()

	s.mu.Lock()
	s.messages = removeMessage(s.messages, tempID)
	if i := indexConversation(s.conversations, conversationID); i >= 0 {
		if last := s.conversations[i].LastMessage; last != nil && last.ID == tempID {
			s.conversations[i].LastMessage = previous
			sortConversations(s.conversations)
		}
	}
	s.mu.Unlock()
	s.notify(TopicMessages, TopicConversations)
}

// MarkMessagesAsRead flips incoming messages to read locally and tells the
// server. Calls for the same conversation within the mark-read interval
// are dropped.
func (s *ConversationSynchronizer) MarkMessagesAsRead(ctx context.Context, conversationID string) error {
	self, err := s.requireSession("MarkMessagesAsRead")
	if err != nil {
		return err
	}
	if !s.markRead.Allow(conversationID) {
		return nil
	}

	s.mu.Lock()
	if s.active != nil && s.active.ID == conversationID {
		markIncomingRead(s.messages, self)
	}
	if i := indexConversation(s.conversations, conversationID); i >= 0 {
		s.conversations[i].UnreadCount = 0
		s.cache.Set(s.listKey(), cloneConversations(s.conversations))
	}
	s.cache.Update(cache.K(cache.ClassMessages, conversationID), func(old any) any {
		msgs := cloneMessages(old.([]model.Message))
		markIncomingRead(msgs, self)
		return msgs
	})
	s.mu.Unlock()
	s.notify(TopicMessages, TopicConversations)

	return s.api.MarkConversationRead(ctx, conversationID)
}

func markIncomingRead(msgs []model.Message, self string) {
	for i := range msgs {
		if msgs[i].SenderID != self {
			msgs[i].Read = true
		}
	}
}

// DeleteChatHistory drops the conversation locally, clearing the selection
// if it was active, then deletes it on the server. There is no undo.
func (s *ConversationSynchronizer) DeleteChatHistory(ctx context.Context, conversationID string) error {
	if _, err := s.requireSession("DeleteChatHistory"); err != nil {
		return err
	}

	s.mu.Lock()
	if i := indexConversation(s.conversations, conversationID); i >= 0 {
		s.conversations = append(s.conversations[:i], s.conversations[i+1:]...)
	}
	if s.active != nil && s.active.ID == conversationID {
		s.active = nil
		s.messages = nil
		s.view = ViewIdle
		s.lastErr = nil
	}
	s.cache.Set(s.listKey(), cloneConversations(s.conversations))
	s.cache.Invalidate(cache.K(cache.ClassMessages, conversationID))
	delete(s.pushed, conversationID)
	s.mu.Unlock()
	s.markRead.Forget(conversationID)
	s.notify(TopicConversations, TopicMessages)

	if err := s.api.DeleteConversation(ctx, conversationID); err != nil {
		s.logger.Info("delete conversation failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return err
	}
	return nil
}

// StartNewConversation returns the existing conversation with other when
// there is one, otherwise asks the server to create it.
func (s *ConversationSynchronizer) StartNewConversation(ctx context.Context, other model.User, propertyID string) (model.Conversation, error) {
	const op = "StartNewConversation"
	self, err := s.requireSession(op)
	if err != nil {
		return model.Conversation{}, err
	}
	if other.ID == "" {
		return model.Conversation{}, syncerr.WithOp(syncerr.ErrMissingField, op)
	}
	if other.ID == self {
		return model.Conversation{}, syncerr.WithOp(syncerr.ErrSelfConversation, op)
	}

	if conv, ok := s.findBetween(self, other.ID); ok {
		return conv, nil
	}

	conv, err := s.api.StartConversation(ctx, model.StartConversationRequest{
		ParticipantID: other.ID,
		PropertyID:    propertyID,
	})
	if err != nil {
		return model.Conversation{}, err
	}

	s.mu.Lock()
	if i := indexConversation(s.conversations, conv.ID); i >= 0 {
		existing := s.conversations[i].Clone()
		s.mu.Unlock()
		return existing, nil
	}
	conv.Recompute(self)
	s.conversations = append(s.conversations, conv.Clone())
	sortConversations(s.conversations)
	s.cache.Set(s.listKey(), cloneConversations(s.conversations))
	s.mu.Unlock()

	s.notify(TopicConversations)
	return conv, nil
}

func (s *ConversationSynchronizer) findBetween(a, b string) (model.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.conversations {
		if s.conversations[i].IsBetween(a, b) {
			return s.conversations[i].Clone(), true
		}
	}
	return model.Conversation{}, false
}

// SearchUsers looks up counterpart users. Results for a query that has
// since been replaced are returned but not stored.
func (s *ConversationSynchronizer) SearchUsers(ctx context.Context, query string) ([]model.User, error) {
	self, err := s.requireSession("SearchUsers")
	if err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)

	s.mu.Lock()
	s.searchQuery = query
	if query == "" {
		s.searchResults = nil
	}
	s.mu.Unlock()
	if query == "" {
		s.notify(TopicSearch)
		return nil, nil
	}

	key := cache.K(cache.ClassUserSearch, strings.ToLower(query))
	users, ok := cache.Lookup[[]model.User](s.cache, key)
	if !ok {
		users, err = s.api.SearchUsers(ctx, query)
		if err != nil {
			return nil, err
		}
		s.cache.Set(key, users)
	}

	filtered := make([]model.User, 0, len(users))
	for _, u := range users {
		if u.ID != self {
			filtered = append(filtered, u)
		}
	}

	s.mu.Lock()
	current := s.searchQuery == query
	if current {
		s.searchResults = filtered
	}
	s.mu.Unlock()
	if current {
		s.notify(TopicSearch)
	}
	return filtered, nil
}

// TotalUnread sums unread counts across the list.
func (s *ConversationSynchronizer) TotalUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for i := range s.conversations {
		total += s.conversations[i].UnreadCount
	}
	return total
}

// Snapshot returns a deep copy of the whole state.
func (s *ConversationSynchronizer) Snapshot() ConversationSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := ConversationSnapshot{
		Conversations: cloneConversations(s.conversations),
		Messages:      cloneMessages(s.messages),
		View:          s.view,
		SearchQuery:   s.searchQuery,
		SearchResults: append([]model.User(nil), s.searchResults...),
	}
	if s.active != nil {
		active := s.active.Clone()
		snap.Active = &active
	}
	if s.lastErr != nil {
		snap.Error = s.lastErr.Error()
	}
	for i := range s.conversations {
		snap.TotalUnread += s.conversations[i].UnreadCount
	}
	return snap
}

// HandleNewMessage merges a pushed message. It lands in the buffer only
// for the active conversation, always updates the list entry, and counts
// as unread only outside the active conversation.
func (s *ConversationSynchronizer) HandleNewMessage(m model.Message) {
	if !s.session.Valid() {
		return
	}
	self := s.session.UserID()

	s.mu.Lock()
	isActive := s.active != nil && s.active.ID == m.ConversationID
	fresh := s.pushedLocked(m.ConversationID).add(m.ID)
	if isActive {
		var inserted bool
		s.messages, inserted = insertMessage(s.messages, m)
		fresh = fresh && inserted
	} else if cached, ok := cache.Lookup[[]model.Message](s.cache, cache.K(cache.ClassMessages, m.ConversationID)); ok && indexMessage(cached, m.ID) >= 0 {
		fresh = false
	}

	i := indexConversation(s.conversations, m.ConversationID)
	if i >= 0 {
		conv := &s.conversations[i]
		if conv.LastMessage != nil && conv.LastMessage.ID == m.ID {
			fresh = false
		}
		if fresh {
			if conv.LastMessage == nil || !m.CreatedAt.Before(conv.LastMessage.CreatedAt) {
				last := m
				conv.LastMessage = &last
			}
			if !isActive && m.SenderID != self && !m.Read {
				conv.UnreadCount++
			}
		}
		sortConversations(s.conversations)
		s.cache.Set(s.listKey(), cloneConversations(s.conversations))
	}
	s.cache.Update(cache.K(cache.ClassMessages, m.ConversationID), func(old any) any {
		msgs, _ := insertMessage(cloneMessages(old.([]model.Message)), m)
		return msgs
	})
	bg := s.bg
	s.mu.Unlock()

	s.notify(TopicMessages, TopicConversations)

	if i < 0 {
		go func() {
			if _, err := s.FetchConversations(bg); err != nil {
				s.logger.Debug("refetch for unknown conversation failed", zap.Error(err))
			}
		}()
	}
	if isActive && fresh && m.SenderID != self {
		go func() {
			if err := s.MarkMessagesAsRead(bg, m.ConversationID); err != nil {
				s.logger.Debug("mark read failed", zap.Error(err))
			}
		}()
	}
}

func (s *ConversationSynchronizer) pushedLocked(conversationID string) *recentIDs {
	r, ok := s.pushed[conversationID]
	if !ok {
		r = newRecentIDs()
		s.pushed[conversationID] = r
	}
	return r
}

// HandleNewConversation inserts a pushed conversation unless its id is
// already listed.
func (s *ConversationSynchronizer) HandleNewConversation(conv model.Conversation) {
	if !s.session.Valid() {
		return
	}
	s.mu.Lock()
	if indexConversation(s.conversations, conv.ID) >= 0 {
		s.mu.Unlock()
		return
	}
	conv.Recompute(s.session.UserID())
	s.conversations = append(s.conversations, conv.Clone())
	sortConversations(s.conversations)
	s.cache.Set(s.listKey(), cloneConversations(s.conversations))
	s.mu.Unlock()

	s.notify(TopicConversations)
}

// HandleConnection refetches everything after a reconnect, within the
// configured bound.
func (s *ConversationSynchronizer) HandleConnection(ev model.ConnectionEvent) {
	if !ev.Connected {
		return
	}
	bg := s.background()
	go func() {
		ctx, cancel := context.WithTimeout(bg, s.opts.RefetchWithin+15*time.Second)
		defer cancel()
		ran := refetchWithin(ctx, s.clock, s.opts.RefetchWithin, func(ctx context.Context) bool {
			_, ran, err := s.fetchConversations(ctx)
			if err != nil {
				s.logger.Warn("reconnect refetch failed", zap.Error(err))
			}
			return ran
		})
		if !ran {
			s.logger.Warn("reconnect refetch did not run within bound", zap.Duration("bound", s.opts.RefetchWithin))
		}
		if active, ok := s.Active(); ok {
			if _, err := s.FetchMessages(ctx, active.ID); err != nil {
				s.logger.Warn("reconnect message refetch failed", zap.Error(err))
			}
		}
	}()
}

// Attach subscribes the push handlers to src.
func (s *ConversationSynchronizer) Attach(src PushSource) eventbus.Unsubscribe {
	return unsubscribeAll(
		src.Subscribe(model.EventNewMessage, func(raw json.RawMessage) {
			if m, ok := decode[model.Message](s.logger, model.EventNewMessage, raw); ok {
				s.HandleNewMessage(m)
			}
		}),
		src.Subscribe(model.EventNewConversation, func(raw json.RawMessage) {
			if c, ok := decode[model.Conversation](s.logger, model.EventNewConversation, raw); ok {
				s.HandleNewConversation(c)
			}
		}),
		src.Subscribe(model.EventConnection, func(raw json.RawMessage) {
			if ev, ok := decode[model.ConnectionEvent](s.logger, model.EventConnection, raw); ok {
				s.HandleConnection(ev)
			}
		}),
	)
}

// Poll is the consistency backstop: it refetches the list and, when a
// conversation is active, its messages.
func (s *ConversationSynchronizer) Poll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := s.FetchConversations(ctx)
		return err
	})
	if active, ok := s.Active(); ok {
		g.Go(func() error {
			_, err := s.FetchMessages(ctx, active.ID)
			return err
		})
	}
	return g.Wait()
}

// StartPolling registers Poll with sched under a per-user key. The
// returned function releases it.
func (s *ConversationSynchronizer) StartPolling(sched *poll.Scheduler, interval time.Duration) func() {
	key := TopicConversations + ":" + s.session.UserID()
	sched.Start(key, interval, s.Poll)
	return func() { sched.Release(key) }
}

// Reset drops all state, e.g. on logout.
func (s *ConversationSynchronizer) Reset() {
	s.mu.Lock()
	s.conversations = nil
	s.active = nil
	s.messages = nil
	s.view = ViewIdle
	s.lastErr = nil
	s.searchQuery = ""
	s.searchResults = nil
	s.pushed = make(map[string]*recentIDs)
	s.cancelBG()
	if !s.closed {
		s.bg, s.cancelBG = context.WithCancel(context.Background())
	}
	s.mu.Unlock()
	s.notify(TopicConversations, TopicMessages, TopicSearch)
}

// Close cancels background refetches and mark-read calls for good.
func (s *ConversationSynchronizer) Close() {
	s.mu.Lock()
	s.closed = true
	s.cancelBG()
	s.mu.Unlock()
}
