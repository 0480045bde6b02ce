// Package main is the entry point for the marketplace sync agent.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/estatehub/marketplace-sync/internal/api"
	"github.com/estatehub/marketplace-sync/internal/auth"
	"github.com/estatehub/marketplace-sync/internal/cache"
	"github.com/estatehub/marketplace-sync/internal/channel"
	"github.com/estatehub/marketplace-sync/internal/config"
	"github.com/estatehub/marketplace-sync/internal/handler"
	natsclient "github.com/estatehub/marketplace-sync/internal/nats"
	"github.com/estatehub/marketplace-sync/internal/poll"
	"github.com/estatehub/marketplace-sync/internal/presence"
	"github.com/estatehub/marketplace-sync/internal/service"
	"github.com/estatehub/marketplace-sync/internal/visibility"
	"github.com/estatehub/marketplace-sync/pkg/logger"
	"github.com/estatehub/marketplace-sync/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting sync agent", zap.String("api", cfg.APIBaseURL))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize tracing if enabled
	var closers []func() error
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "marketplace-sync", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			closers = append(closers, func() error {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return tracing.Shutdown(shutdownCtx, tp)
			})
		}
	}

	clk := clock.New()
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}

	// Session and REST client
	session := auth.NewTokenSession(clk, api.NewRefresher(cfg.APIBaseURL, cfg.AuthRefreshPath, httpClient), log)
	client := api.NewClient(cfg.APIBaseURL, httpClient, session, log)

	resources := cache.New(clk, cache.DefaultOptions(cfg.CacheTTL, cfg.ReferenceCacheTTL))
	vis := visibility.New(true)
	scheduler := poll.NewScheduler(clk, log, session.Valid, vis.Visible)
	hub := handler.NewHub(log)

	// Synchronizers
	conversations := service.NewConversationSynchronizer(client, session, resources, clk, service.ConversationOptions{
		MarkReadInterval: cfg.MarkReadInterval,
		RefetchWithin:    cfg.ReconnectRefetchWithin,
	}, log)
	notifications := service.NewNotificationSynchronizer(client, session, vis, hub, clk, service.NotificationOptions{
		Throttle:      cfg.NotificationThrottle,
		Debounce:      cfg.FetchDebounce,
		RefetchWithin: cfg.ReconnectRefetchWithin,
	}, log)

	// Push channel
	push := channel.New(channel.Options{
		URL:           cfg.WebSocketURL,
		ReconnectBase: cfg.ReconnectBase,
		MaxAttempts:   cfg.ReconnectMaxAttempts,
		PingInterval:  30 * time.Second,
	}, session, clk, log)
	detachConversations := conversations.Attach(push)
	detachNotifications := notifications.Attach(push)

	// Presence is optional; without NATS the presence endpoints report 503.
	var tracker *presence.Tracker
	var presenceConn handler.ConnStatus
	if cfg.NATSURL != "" {
		natsClient, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
			Name:     "marketplace-sync",
		}, log)
		if err != nil {
			log.Warn("failed to connect to NATS, presence disabled", zap.Error(err))
		} else {
			closers = append(closers, natsClient.Close)
			presenceConn = natsClient
			transport, err := natsclient.NewPresenceTransport(ctx, natsClient, cfg.PresenceBucket, 0, log)
			if err != nil {
				log.Warn("failed to open presence bucket, presence disabled", zap.Error(err))
			} else {
				tracker = presence.NewTracker(clk, transport, cfg.TypingWindow, log)
			}
		}
	}

	a := &agent{
		ctx:           ctx,
		conversations: conversations,
		notifications: notifications,
		channel:       push,
		tracker:       tracker,
		scheduler:     scheduler,
		cache:         resources,
		pollInterval:  cfg.PollInterval,
		logger:        log,
	}
	session.OnTokens(a.signIn)
	session.OnLogout(a.signOut)

	// Returning to the foreground polls everything at once.
	vis.OnChange(func(visible bool) {
		if visible {
			go scheduler.TriggerAll(ctx)
		}
	})

	if cfg.AccessToken != "" {
		if err := session.SetTokens(auth.TokenPair{
			AccessToken:  cfg.AccessToken,
			RefreshToken: cfg.RefreshToken,
		}); err != nil {
			log.Warn("ignoring configured tokens", zap.Error(err))
		}
	} else {
		log.Warn("no ACCESS_TOKEN configured, waiting for a session")
	}

	// Initialize handlers
	sources := handler.Sources{
		Conversations: conversations,
		Notifications: notifications,
		Push:          push,
	}
	var presenceAPI handler.Presence
	if tracker != nil {
		sources.Presence = tracker
		presenceAPI = tracker
	}
	detachHub := hub.Bridge(sources)

	router := handler.NewRouter(handler.RouterConfig{
		Session:        session,
		Health:         handler.NewHealthHandler(session, push, presenceConn),
		Conversations:  handler.NewConversationHandler(conversations, log),
		Notifications:  handler.NewNotificationHandler(notifications, log),
		Presence:       handler.NewPresenceHandler(presenceAPI, vis, log),
		Stream:         handler.NewStreamHandler(hub, conversations, notifications, clk, handler.DefaultHeartbeat, log),
		Metrics:        promhttp.Handler(),
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimit:      cfg.RateLimitRequests,
		RateWindow:     cfg.RateLimitWindow,
		Logger:         log,
	})

	// Create HTTP server. No write timeout: /events streams indefinitely.
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("addr", cfg.ListenAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down sync agent")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	errs := server.Shutdown(shutdownCtx)
	detachHub()
	detachConversations()
	detachNotifications()
	errs = multierr.Append(errs, a.close())
	cancel()
	for _, closeFn := range closers {
		errs = multierr.Append(errs, closeFn())
	}
	if errs != nil {
		log.Error("unclean shutdown", zap.Error(errs))
	}

	log.Info("sync agent stopped")
}
