// Package throttle holds the small stateful timing utilities the
// synchronizers share: in-flight latches, interval throttles, debouncers
// and per-key rate limiters. All of them read time from an injected clock.
package throttle

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// Latch is a non-blocking in-flight guard. A second TryAcquire while held
// fails instead of waiting.
type Latch struct {
	held atomic.Bool
}

// TryAcquire takes the latch if it is free.
func (l *Latch) TryAcquire() bool {
	return l.held.CompareAndSwap(false, true)
}

// Release frees the latch.
func (l *Latch) Release() {
	l.held.Store(false)
}

// Held reports whether the latch is taken.
func (l *Latch) Held() bool {
	return l.held.Load()
}

// Throttle allows one call per interval. The first call is always allowed
// and force bypasses the interval.
type Throttle struct {
	mu       sync.Mutex
	clock    clock.Clock
	interval time.Duration
	last     time.Time
	started  bool
}

// NewThrottle creates a throttle.
func NewThrottle(clk clock.Clock, interval time.Duration) *Throttle {
	return &Throttle{clock: clk, interval: interval}
}

// Allow reports whether a call may proceed now and, if so, records it.
func (t *Throttle) Allow(force bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	if force || !t.started || now.Sub(t.last) >= t.interval {
		t.last = now
		t.started = true
		return true
	}
	return false
}

// First reports whether no call has been allowed yet.
func (t *Throttle) First() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.started
}

// Reset forgets the last call, so the next Allow counts as the first.
func (t *Throttle) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = false
	t.last = time.Time{}
}

// Debouncer runs fn once after wait has passed without another Trigger.
type Debouncer struct {
	mu      sync.Mutex
	clock   clock.Clock
	wait    time.Duration
	fn      func()
	timer   *clock.Timer
	stopped bool
	// gen identifies the current timer. A replaced timer whose Stop lost
	// the race still fires, and must not run fn.
	gen uint64
}

// NewDebouncer creates a debouncer around fn.
func NewDebouncer(clk clock.Clock, wait time.Duration, fn func()) *Debouncer {
	return &Debouncer{clock: clk, wait: wait, fn: fn}
}

// Trigger (re)starts the quiet period.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.wait, func() { d.fire(gen) })
}

// Pending reports whether a call is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Flush runs a pending call immediately.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if d.timer == nil || d.stopped {
		d.mu.Unlock()
		return
	}
	d.timer.Stop()
	d.timer = nil
	d.gen++
	d.mu.Unlock()

	d.fn()
}

// Stop cancels any pending call. Later Triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if d.stopped || d.timer == nil || gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.mu.Unlock()

	d.fn()
}

// KeyedLimiter allows one event per interval for each key.
type KeyedLimiter struct {
	mu       sync.Mutex
	clock    clock.Clock
	interval time.Duration
	limiters map[string]*rate.Limiter
}

// NewKeyedLimiter creates a limiter with one token per interval per key.
func NewKeyedLimiter(clk clock.Clock, interval time.Duration) *KeyedLimiter {
	return &KeyedLimiter{
		clock:    clk,
		interval: interval,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow consumes the key's token if available.
func (k *KeyedLimiter) Allow(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	lim, ok := k.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(k.interval), 1)
		k.limiters[key] = lim
	}
	return lim.AllowN(k.clock.Now(), 1)
}

// Forget drops the state for key.
func (k *KeyedLimiter) Forget(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.limiters, key)
}
