// Package poll runs periodic consistency refetches. There is one poller per
// logical resource key, shared by every consumer that asks for it.
package poll

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/estatehub/marketplace-sync/internal/throttle"
	"github.com/estatehub/marketplace-sync/pkg/logger"
	"github.com/estatehub/marketplace-sync/pkg/metrics"
)

// Func is the polled callback.
type Func func(ctx context.Context) error

// Condition gates a scheduled tick. All conditions must hold.
type Condition func() bool

// Scheduler owns the pollers of one session.
type Scheduler struct {
	clock         clock.Clock
	logger        *logger.Logger
	authenticated Condition
	visible       Condition

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pollers map[string]*Poller
}

// NewScheduler creates a scheduler. authenticated gates every run; visible
// gates scheduled ticks only.
func NewScheduler(clk clock.Clock, log *logger.Logger, authenticated, visible Condition) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	if authenticated == nil {
		authenticated = func() bool { return true }
	}
	if visible == nil {
		visible = func() bool { return true }
	}
	return &Scheduler{
		clock:         clk,
		logger:        log,
		authenticated: authenticated,
		visible:       visible,
		ctx:           ctx,
		cancel:        cancel,
		pollers:       make(map[string]*Poller),
	}
}

// Poller is the single timer behind one resource key.
type Poller struct {
	key       string
	interval  time.Duration
	fn        Func
	scheduler *Scheduler

	inFlight throttle.Latch
	refs     int
	ticker   *clock.Ticker
	stop     chan struct{}
	done     chan struct{}
}

// Start returns the poller for key, creating it on first use. Every Start
// must be paired with a Release; the timer stops when the last holder
// releases it. A second Start for a live key reuses the existing timer and
// ignores the new fn and interval.
func (s *Scheduler) Start(key string, interval time.Duration, fn Func) *Poller {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pollers[key]; ok {
		p.refs++
		return p
	}

	p := &Poller{
		key:       key,
		interval:  interval,
		fn:        fn,
		scheduler: s,
		refs:      1,
		ticker:    s.clock.Ticker(interval),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.pollers[key] = p
	go p.loop()

	s.logger.Debug("poller started", zap.String("key", key), zap.Duration("interval", interval))
	return p
}

// Release drops one reference to key's poller.
func (s *Scheduler) Release(key string) {
	s.mu.Lock()
	p, ok := s.pollers[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	p.refs--
	if p.refs > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.pollers, key)
	s.mu.Unlock()

	p.halt()
	s.logger.Debug("poller stopped", zap.String("key", key))
}

// Get returns the live poller for key.
func (s *Scheduler) Get(key string) (*Poller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pollers[key]
	return p, ok
}

// Len counts live pollers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pollers)
}

// TriggerAll runs every poller now, subject to the auth gate.
func (s *Scheduler) TriggerAll(ctx context.Context) {
	s.mu.Lock()
	pollers := make([]*Poller, 0, len(s.pollers))
	for _, p := range s.pollers {
		pollers = append(pollers, p)
	}
	s.mu.Unlock()

	for _, p := range pollers {
		p.Trigger(ctx)
	}
}

// StopAll tears down every poller regardless of references.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	pollers := s.pollers
	s.pollers = make(map[string]*Poller)
	s.mu.Unlock()

	s.cancel()
	for _, p := range pollers {
		p.halt()
	}
}

// Key returns the resource key.
func (p *Poller) Key() string {
	return p.key
}

// InFlight reports whether the callback is running.
func (p *Poller) InFlight() bool {
	return p.inFlight.Held()
}

// Trigger runs the callback immediately without touching the timer.
// It reports false when skipped because the session is not authenticated
// or a run is already in flight.
func (p *Poller) Trigger(ctx context.Context) bool {
	return p.run(ctx, false)
}

func (p *Poller) loop() {
	defer close(p.done)
	defer p.ticker.Stop()

	for {
		select {
		case <-p.ticker.C:
			p.run(p.scheduler.ctx, true)
		case <-p.stop:
			return
		}
	}
}

func (p *Poller) run(ctx context.Context, scheduled bool) bool {
	s := p.scheduler
	if !s.authenticated() {
		return false
	}
	if scheduled && !s.visible() {
		return false
	}
	if !p.inFlight.TryAcquire() {
		return false
	}
	defer p.inFlight.Release()

	metrics.PollTicks.WithLabelValues(resourceOf(p.key)).Inc()
	if err := p.fn(ctx); err != nil {
		s.logger.Warn("poll failed", zap.String("key", p.key), zap.Error(err))
	}
	return true
}

// resourceOf strips the per-user suffix from a key like "conversations:u1".
func resourceOf(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}

func (p *Poller) halt() {
	close(p.stop)
	<-p.done
}
