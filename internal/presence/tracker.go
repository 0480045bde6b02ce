// Package presence tracks ephemeral typing and online signals for
// counterpart users.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/estatehub/marketplace-sync/internal/eventbus"
	"github.com/estatehub/marketplace-sync/internal/model"
	"github.com/estatehub/marketplace-sync/pkg/logger"
)

// DefaultTypingWindow is how long a typing signal stays valid.
const DefaultTypingWindow = 2 * time.Second

// Transport is the realtime backend carrying presence.
type Transport interface {
	// SubscribeTyping delivers typing signals addressed to receiverID.
	SubscribeTyping(receiverID string, fn func(model.TypingSignal)) (func(), error)
	// WatchOnline delivers the full online membership every time it changes.
	WatchOnline(ctx context.Context, fn func(online []string)) error
	PublishTyping(ctx context.Context, sig model.TypingSignal) error
	Announce(ctx context.Context, userID string) error
	Leave(ctx context.Context, userID string) error
}

// Change describes one user's presence after an update.
type Change struct {
	UserID string `json:"user_id"`
	Typing bool   `json:"typing"`
	Online bool   `json:"online"`
}

const changeEvent = "change"

type typingEntry struct {
	expiresAt time.Time
	timer     *clock.Timer
}

// Tracker answers "is X typing to me" and "is X online".
type Tracker struct {
	clock     clock.Clock
	transport Transport
	window    time.Duration
	logger    *logger.Logger
	bus       *eventbus.Bus[Change]

	mu     sync.Mutex
	self   string
	typing map[string]*typingEntry
	online map[string]bool
	stop   func()
	cancel context.CancelFunc
}

// NewTracker creates a tracker. A zero window uses DefaultTypingWindow.
func NewTracker(clk clock.Clock, transport Transport, window time.Duration, log *logger.Logger) *Tracker {
	if window <= 0 {
		window = DefaultTypingWindow
	}
	return &Tracker{
		clock:     clk,
		transport: transport,
		window:    window,
		logger:    log.Named("presence"),
		bus:       eventbus.New[Change](),
		typing:    make(map[string]*typingEntry),
		online:    make(map[string]bool),
	}
}

// Start subscribes to signals for userID and announces it online.
func (t *Tracker) Start(ctx context.Context, userID string) error {
	t.Stop()

	unsub, err := t.transport.SubscribeTyping(userID, t.HandleTyping)
	if err != nil {
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.self = userID
	t.stop = unsub
	t.cancel = cancel
	t.mu.Unlock()

	if err := t.transport.Announce(ctx, userID); err != nil {
		t.logger.Warn("announce failed", zap.String("user_id", userID), zap.Error(err))
	}

	go func() {
		if err := t.transport.WatchOnline(watchCtx, t.ApplySnapshot); err != nil && watchCtx.Err() == nil {
			t.logger.Warn("online watch ended", zap.Error(err))
		}
	}()
	return nil
}

// Stop drops subscriptions, pending timers and all presence state.
func (t *Tracker) Stop() {
	t.mu.Lock()
	stop, cancel, self := t.stop, t.cancel, t.self
	t.stop, t.cancel, t.self = nil, nil, ""
	for id, e := range t.typing {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(t.typing, id)
	}
	t.online = make(map[string]bool)
	t.mu.Unlock()

	if stop != nil {
		stop()
	}
	if cancel != nil {
		cancel()
	}
	if self != "" {
		if err := t.transport.Leave(context.Background(), self); err != nil {
			t.logger.Debug("leave failed", zap.Error(err))
		}
	}
}

// HandleTyping records a typing signal. A fresh signal from the same
// sender restarts the window.
func (t *Tracker) HandleTyping(sig model.TypingSignal) {
	t.mu.Lock()
	if sig.SenderID == "" || (t.self != "" && (sig.ReceiverID != t.self || sig.SenderID == t.self)) {
		t.mu.Unlock()
		return
	}

	now := t.clock.Now()
	entry, ok := t.typing[sig.SenderID]
	wasTyping := ok && now.Before(entry.expiresAt)
	if !ok {
		entry = &typingEntry{}
		t.typing[sig.SenderID] = entry
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.expiresAt = now.Add(t.window)
	sender := sig.SenderID
	entry.timer = t.clock.AfterFunc(t.window, func() { t.expire(sender) })
	change := t.changeLocked(sender, now)
	t.mu.Unlock()

	if !wasTyping {
		t.bus.Publish(changeEvent, change)
	}
}

func (t *Tracker) expire(userID string) {
	t.mu.Lock()
	entry, ok := t.typing[userID]
	now := t.clock.Now()
	if !ok || now.Before(entry.expiresAt) {
		t.mu.Unlock()
		return
	}
	delete(t.typing, userID)
	change := t.changeLocked(userID, now)
	t.mu.Unlock()

	t.bus.Publish(changeEvent, change)
}

// IsTyping reports whether userID sent a typing signal within the window.
func (t *Tracker) IsTyping(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typingLocked(userID, t.clock.Now())
}

func (t *Tracker) typingLocked(userID string, now time.Time) bool {
	entry, ok := t.typing[userID]
	return ok && now.Before(entry.expiresAt)
}

// IsOnline reports whether userID was in the last membership snapshot.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online[userID]
}

// Get returns the presence of userID.
func (t *Tracker) Get(userID string) Change {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.changeLocked(userID, t.clock.Now())
}

// Online returns the online user ids, sorted.
func (t *Tracker) Online() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ApplySnapshot replaces the online set with ids.
func (t *Tracker) ApplySnapshot(ids []string) {
	next := make(map[string]bool, len(ids))
	for _, id := range ids {
		next[id] = true
	}

	t.mu.Lock()
	now := t.clock.Now()
	var changes []Change
	for id := range t.online {
		if !next[id] {
			changes = append(changes, Change{UserID: id, Typing: t.typingLocked(id, now), Online: false})
		}
	}
	for id := range next {
		if !t.online[id] {
			changes = append(changes, Change{UserID: id, Typing: t.typingLocked(id, now), Online: true})
		}
	}
	t.online = next
	t.mu.Unlock()

	for _, c := range changes {
		t.bus.Publish(changeEvent, c)
	}
}

// SendTyping tells receiverID that the current user is typing.
func (t *Tracker) SendTyping(ctx context.Context, receiverID string) error {
	t.mu.Lock()
	self := t.self
	t.mu.Unlock()
	if self == "" || receiverID == "" || receiverID == self {
		return nil
	}
	return t.transport.PublishTyping(ctx, model.TypingSignal{SenderID: self, ReceiverID: receiverID})
}

// OnChange registers fn for typing and online transitions.
func (t *Tracker) OnChange(fn func(Change)) eventbus.Unsubscribe {
	return t.bus.Subscribe(changeEvent, fn)
}

func (t *Tracker) changeLocked(userID string, now time.Time) Change {
	return Change{UserID: userID, Typing: t.typingLocked(userID, now), Online: t.online[userID]}
}
