// Package cache is a short-lived memo of fetched resources.
//
// Each entry records when it was stored; whether it is still usable depends
// on the TTL of its resource class. Readers never see expired values, and
// a periodic sweep removes them from memory.
//
// Optimistic mutators write through Set/Update instead of invalidating, so
// the UI does not flash stale data while a refetch is pending.
package cache

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Class groups resources that share a TTL.
type Class string

const (
	ClassConversations Class = "conversations"
	ClassMessages      Class = "messages"
	ClassNotifications Class = "notifications"
	ClassFavorites     Class = "favorites"
	ClassUserSearch    Class = "user_search"
	ClassReference     Class = "reference"
)

// Key identifies one cached resource.
type Key struct {
	Class Class
	ID    string
}

// K builds a Key.
func K(class Class, id string) Key {
	return Key{Class: class, ID: id}
}

type entry struct {
	value    any
	storedAt time.Time
}

// Cache maps keys to values with per-class expiry.
type Cache struct {
	mu         sync.RWMutex
	clock      clock.Clock
	ttls       map[Class]time.Duration
	defaultTTL time.Duration
	entries    map[Key]entry

	stopCleanup chan struct{}
	closeOnce   sync.Once
}

// Options configures a Cache.
type Options struct {
	// TTLs overrides the TTL per class. Classes not listed use DefaultTTL.
	TTLs       map[Class]time.Duration
	DefaultTTL time.Duration
	// CleanupInterval enables the background sweep when positive.
	CleanupInterval time.Duration
}

// DefaultOptions uses 5 minutes for lists and longer for reference data.
func DefaultOptions(listTTL, referenceTTL time.Duration) Options {
	return Options{
		TTLs: map[Class]time.Duration{
			ClassConversations: listTTL,
			ClassMessages:      listTTL,
			ClassNotifications: listTTL,
			ClassFavorites:     listTTL,
			ClassUserSearch:    time.Minute,
			ClassReference:     referenceTTL,
		},
		DefaultTTL:      listTTL,
		CleanupInterval: listTTL,
	}
}

// New creates a cache. Call Close to stop the sweep.
func New(clk clock.Clock, opts Options) *Cache {
	c := &Cache{
		clock:       clk,
		ttls:        make(map[Class]time.Duration, len(opts.TTLs)),
		defaultTTL:  opts.DefaultTTL,
		entries:     make(map[Key]entry),
		stopCleanup: make(chan struct{}),
	}
	for class, ttl := range opts.TTLs {
		c.ttls[class] = ttl
	}

	if opts.CleanupInterval > 0 {
		ticker := clk.Ticker(opts.CleanupInterval)
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					c.Prune()
				case <-c.stopCleanup:
					return
				}
			}
		}()
	}

	return c
}

func (c *Cache) ttl(class Class) time.Duration {
	if ttl, ok := c.ttls[class]; ok {
		return ttl
	}
	return c.defaultTTL
}

func (c *Cache) fresh(key Key, e entry, now time.Time) bool {
	return now.Sub(e.storedAt) < c.ttl(key.Class)
}

// Get returns the value for key if present and not expired.
func (c *Cache) Get(key Key) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || !c.fresh(key, e, c.clock.Now()) {
		return nil, false
	}
	return e.value, true
}

// Set stores value under key, stamped now.
func (c *Cache) Set(key Key, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry{value: value, storedAt: c.clock.Now()}
}

// Update replaces a fresh entry with fn(old). Missing or expired entries
// are left alone so a mutation never resurrects data the cache dropped.
// The original timestamp is kept: a local edit does not extend freshness.
func (c *Cache) Update(key Key, fn func(old any) any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || !c.fresh(key, e, c.clock.Now()) {
		return false
	}
	e.value = fn(e.value)
	c.entries[key] = e
	return true
}

// Invalidate drops one key.
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
}

// InvalidateClass drops every key of class.
func (c *Cache) InvalidateClass(class Class) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.entries {
		if key.Class == class {
			delete(c.entries, key)
		}
	}
}

// InvalidateAll empties the cache.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[Key]entry)
}

// Len counts stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}

// Prune removes expired entries.
func (c *Cache) Prune() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	for key, e := range c.entries {
		if !c.fresh(key, e, now) {
			delete(c.entries, key)
		}
	}
}

// Close stops the background sweep.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.stopCleanup) })
}

// Lookup is a typed Get.
func Lookup[V any](c *Cache, key Key) (V, bool) {
	v, ok := c.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	typed, ok := v.(V)
	return typed, ok
}
