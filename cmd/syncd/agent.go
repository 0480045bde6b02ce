package main

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/estatehub/marketplace-sync/internal/cache"
	"github.com/estatehub/marketplace-sync/internal/channel"
	"github.com/estatehub/marketplace-sync/internal/poll"
	"github.com/estatehub/marketplace-sync/internal/presence"
	"github.com/estatehub/marketplace-sync/internal/service"
	"github.com/estatehub/marketplace-sync/pkg/logger"
)

// agent binds the per-user parts of the sync layer to the session: pollers
// are keyed by user, presence announces the user, and everything is torn
// down on logout.
type agent struct {
	ctx           context.Context
	conversations *service.ConversationSynchronizer
	notifications *service.NotificationSynchronizer
	channel       *channel.Channel
	tracker       *presence.Tracker
	scheduler     *poll.Scheduler
	cache         *cache.Cache
	pollInterval  time.Duration
	logger        *logger.Logger

	mu      sync.Mutex
	userID  string
	release []func()
}

// signIn starts syncing for userID. Token refreshes for the same user are
// no-ops.
func (a *agent) signIn(userID string) {
	a.mu.Lock()
	if userID == "" || userID == a.userID {
		a.mu.Unlock()
		return
	}
	if previous := a.stopLocked(); previous != "" {
		a.resetState()
	}
	a.userID = userID
	a.release = []func(){
		a.conversations.StartPolling(a.scheduler, a.pollInterval),
		a.notifications.StartPolling(a.scheduler, a.pollInterval),
	}
	a.mu.Unlock()

	log := a.logger.With(zap.String("user_id", userID))
	log.Info("session started")

	go func() {
		if err := a.channel.Connect(a.ctx); err != nil {
			log.Warn("push channel connect failed, relying on polling", zap.Error(err))
		}
		if a.tracker != nil {
			if err := a.tracker.Start(a.ctx, userID); err != nil {
				log.Warn("presence start failed", zap.Error(err))
			}
		}
		a.scheduler.TriggerAll(a.ctx)
	}()
}

// signOut drops every per-user resource.
func (a *agent) signOut(userID string) {
	a.mu.Lock()
	a.stopLocked()
	a.mu.Unlock()

	a.resetState()
	a.logger.Info("session ended", zap.String("user_id", userID))
}

// stopLocked releases the pollers and drops the push connection, so the
// next signIn dials with the new user's token.
func (a *agent) stopLocked() string {
	for _, fn := range a.release {
		fn()
	}
	a.release = nil
	a.channel.Disconnect()
	previous := a.userID
	a.userID = ""
	return previous
}

func (a *agent) resetState() {
	if a.tracker != nil {
		a.tracker.Stop()
	}
	a.conversations.Reset()
	a.notifications.Reset()
	a.cache.InvalidateAll()
}

// close stops the agent for shutdown.
func (a *agent) close() error {
	a.mu.Lock()
	a.stopLocked()
	a.mu.Unlock()

	if a.tracker != nil {
		a.tracker.Stop()
	}
	a.scheduler.StopAll()
	a.conversations.Close()
	a.notifications.Close()
	a.cache.Close()
	return a.channel.Close()
}
