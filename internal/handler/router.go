package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/estatehub/marketplace-sync/internal/middleware"
	"github.com/estatehub/marketplace-sync/pkg/logger"
)

// RouterConfig carries the handlers and middleware settings of the local API.
type RouterConfig struct {
	Session        middleware.SessionChecker
	Health         *HealthHandler
	Conversations  *ConversationHandler
	Notifications  *NotificationHandler
	Presence       *PresenceHandler
	Stream         *StreamHandler
	Metrics        http.Handler
	AllowedOrigins []string
	RateLimit      int
	RateWindow     time.Duration
	Logger         *logger.Logger
}

// NewRouter builds the chi router of the local agent API.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireSession(cfg.Session))
		if cfg.RateLimit > 0 {
			r.Use(middleware.UserRateLimit(cfg.RateLimit, cfg.RateWindow))
		}

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", cfg.Conversations.List)
			r.Post("/", cfg.Conversations.Start)
			r.Put("/active", cfg.Conversations.SetActive)

			r.Route("/{id}", func(r chi.Router) {
				r.Delete("/", cfg.Conversations.Delete)
				r.Get("/messages", cfg.Conversations.Messages)
				r.Post("/messages", cfg.Conversations.Send)
			})
		})
		r.Get("/users/search", cfg.Conversations.SearchUsers)

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", cfg.Notifications.List)
			r.Delete("/", cfg.Notifications.ClearAll)
			r.Post("/refresh", cfg.Notifications.Refresh)
			r.Put("/read-all", cfg.Notifications.MarkAllRead)
			r.Put("/bulk-read", cfg.Notifications.BulkRead)
			r.Delete("/bulk-delete", cfg.Notifications.BulkDelete)
			r.Get("/settings", cfg.Notifications.GetSettings)
			r.Put("/settings", cfg.Notifications.PutSettings)
			r.Put("/{id}/read", cfg.Notifications.MarkRead)
			r.Delete("/{id}", cfg.Notifications.Delete)
		})

		r.Get("/presence/{userId}", cfg.Presence.Get)
		r.Post("/typing", cfg.Presence.Typing)
		r.Put("/visibility", cfg.Presence.Visibility)

		r.Get("/events", cfg.Stream.Stream)
	})

	return r
}
