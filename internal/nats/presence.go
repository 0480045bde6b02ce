package nats

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/estatehub/marketplace-sync/internal/model"
	"github.com/estatehub/marketplace-sync/pkg/logger"
)

const (
	// TypingSubjectPrefix prefixes the per-receiver typing subjects.
	TypingSubjectPrefix = "presence.typing"

	// DefaultPresenceTTL is how long an online key lives without a refresh.
	DefaultPresenceTTL = 60 * time.Second
)

// TypingSubject returns the subject typing signals for receiverID use.
func TypingSubject(receiverID string) string {
	return fmt.Sprintf("%s.%s", TypingSubjectPrefix, encodeKey(receiverID))
}

// encodeKey maps an arbitrary user id onto the KV key and subject token
// alphabet.
func encodeKey(userID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(userID))
}

func decodeKey(key string) (string, bool) {
	b, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		return "", false
	}
	return string(b), true
}

// PresenceTransport carries typing signals over core NATS subjects and
// online membership as keys of a JetStream KV bucket.
type PresenceTransport struct {
	conn   *nats.Conn
	kv     jetstream.KeyValue
	ttl    time.Duration
	logger *logger.Logger

	mu         sync.Mutex
	keepalives map[string]context.CancelFunc
}

// NewPresenceTransport opens the presence bucket, creating it when missing.
func NewPresenceTransport(ctx context.Context, client *Client, bucket string, ttl time.Duration, log *logger.Logger) (*PresenceTransport, error) {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}

	kv, err := client.JetStream().KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = client.JetStream().CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "Online users, one key per user",
			TTL:         ttl,
			History:     1,
			Storage:     jetstream.MemoryStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open presence bucket: %w", err)
	}

	return &PresenceTransport{
		conn:       client.Conn(),
		kv:         kv,
		ttl:        ttl,
		logger:     log.Named("presence-transport"),
		keepalives: make(map[string]context.CancelFunc),
	}, nil
}

// SubscribeTyping delivers typing signals addressed to receiverID.
func (t *PresenceTransport) SubscribeTyping(receiverID string, fn func(model.TypingSignal)) (func(), error) {
	sub, err := t.conn.Subscribe(TypingSubject(receiverID), func(msg *nats.Msg) {
		var sig model.TypingSignal
		if err := json.Unmarshal(msg.Data, &sig); err != nil {
			t.logger.Warn("malformed typing signal", zap.Error(err))
			return
		}
		fn(sig)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to typing: %w", err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			t.logger.Debug("typing unsubscribe failed", zap.Error(err))
		}
	}, nil
}

// PublishTyping broadcasts sig to its receiver.
func (t *PresenceTransport) PublishTyping(ctx context.Context, sig model.TypingSignal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("failed to marshal typing signal: %w", err)
	}
	if err := t.conn.Publish(TypingSubject(sig.ReceiverID), data); err != nil {
		return fmt.Errorf("failed to publish typing signal: %w", err)
	}
	return nil
}

// Announce marks userID online and keeps the key alive until Leave.
func (t *PresenceTransport) Announce(ctx context.Context, userID string) error {
	if err := t.put(ctx, userID); err != nil {
		return err
	}

	keepCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	if prev, ok := t.keepalives[userID]; ok {
		prev()
	}
	t.keepalives[userID] = cancel
	t.mu.Unlock()

	go func() {
		ticker := time.NewTicker(t.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-keepCtx.Done():
				return
			case <-ticker.C:
				if err := t.put(keepCtx, userID); err != nil && keepCtx.Err() == nil {
					t.logger.Warn("presence refresh failed", zap.String("user_id", userID), zap.Error(err))
				}
			}
		}
	}()
	return nil
}

func (t *PresenceTransport) put(ctx context.Context, userID string) error {
	stamp := []byte(time.Now().UTC().Format(time.RFC3339))
	if _, err := t.kv.Put(ctx, encodeKey(userID), stamp); err != nil {
		return fmt.Errorf("failed to announce presence: %w", err)
	}
	return nil
}

// Leave removes userID from the online set.
func (t *PresenceTransport) Leave(ctx context.Context, userID string) error {
	t.mu.Lock()
	if cancel, ok := t.keepalives[userID]; ok {
		cancel()
		delete(t.keepalives, userID)
	}
	t.mu.Unlock()

	if err := t.kv.Delete(ctx, encodeKey(userID)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to leave presence: %w", err)
	}
	return nil
}

// WatchOnline calls fn with the full membership once the initial values
// are loaded and again after every change. It blocks until ctx is done.
func (t *PresenceTransport) WatchOnline(ctx context.Context, fn func(online []string)) error {
	watcher, err := t.kv.WatchAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to watch presence: %w", err)
	}
	defer watcher.Stop()

	members := newMembership()
	ready := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-watcher.Updates():
			if !ok {
				return nil
			}
			if entry == nil {
				ready = true
				fn(members.list())
				continue
			}
			if !members.apply(entry.Key(), entry.Operation()) {
				continue
			}
			if ready {
				fn(members.list())
			}
		}
	}
}

// membership folds KV updates into a set of user ids.
type membership map[string]struct{}

func newMembership() membership {
	return make(membership)
}

// apply reports whether the set changed.
func (m membership) apply(key string, op jetstream.KeyValueOp) bool {
	userID, ok := decodeKey(key)
	if !ok {
		return false
	}
	_, present := m[userID]
	switch op {
	case jetstream.KeyValuePut:
		m[userID] = struct{}{}
		return !present
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		delete(m, userID)
		return present
	}
	return false
}

func (m membership) list() []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
