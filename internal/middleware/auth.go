// Package middleware provides HTTP middleware for the local agent API.
package middleware

import (
	"context"
	"net/http"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// UserIDKey is the context key for the signed-in user id.
	UserIDKey ContextKey = "user_id"
)

// SessionChecker reports the state of the marketplace session the agent holds.
type SessionChecker interface {
	UserID() string
	Valid() bool
}

// RequireSession rejects requests while the agent has no valid marketplace
// session and stores the session user id in the request context.
func RequireSession(session SessionChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !session.Valid() {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"no active session"}`))
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, session.UserID())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUserID gets user ID from context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDKey).(string); ok {
		return v
	}
	return ""
}
