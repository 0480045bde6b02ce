// Package auth holds the session the synchronizers authenticate with.
//
// The session only stores and refreshes tokens. Claims are read without
// verification: the server is the authority, the client just needs the
// user id and expiry.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/estatehub/marketplace-sync/internal/eventbus"
	"github.com/estatehub/marketplace-sync/internal/syncerr"
	"github.com/estatehub/marketplace-sync/pkg/logger"
)

// Session is what every network-facing component needs from auth.
type Session interface {
	AccessToken() (string, error)
	Refresh(ctx context.Context) error
	ClearAll()
	UserID() string
	Valid() bool
}

// TokenPair is an access/refresh token pair.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Refresher exchanges a refresh token for a new pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (TokenPair, error)
}

const (
	evtLogout = "logout"
	evtTokens = "tokens"
)

// TokenSession is a Session backed by a JWT access token.
type TokenSession struct {
	clock     clock.Clock
	refresher Refresher
	logger    *logger.Logger

	mu        sync.RWMutex
	access    string
	refresh   string
	userID    string
	expiresAt time.Time

	group singleflight.Group
	bus   *eventbus.Bus[string]
}

// NewTokenSession creates a session. Tokens may be empty until SetTokens.
func NewTokenSession(clk clock.Clock, refresher Refresher, log *logger.Logger) *TokenSession {
	return &TokenSession{
		clock:     clk,
		refresher: refresher,
		logger:    log,
		bus:       eventbus.New[string](),
	}
}

// SetTokens installs a new pair, e.g. after login.
func (s *TokenSession) SetTokens(pair TokenPair) error {
	userID, expiresAt, err := readClaims(pair.AccessToken)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.access = pair.AccessToken
	if pair.RefreshToken != "" {
		s.refresh = pair.RefreshToken
	}
	s.userID = userID
	s.expiresAt = expiresAt
	s.mu.Unlock()

	s.bus.Publish(evtTokens, userID)
	return nil
}

// AccessToken returns the current bearer token.
func (s *TokenSession) AccessToken() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.access == "" {
		return "", syncerr.WithOp(syncerr.ErrNoSession, "AccessToken")
	}
	return s.access, nil
}

// UserID is the subject of the access token.
func (s *TokenSession) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// Valid reports whether requests can be authenticated: an unexpired
// access token, or an expired one that can still be refreshed.
func (s *TokenSession) Valid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.access == "" {
		return false
	}
	if s.expiresAt.IsZero() || s.clock.Now().Before(s.expiresAt) {
		return true
	}
	return s.refresh != ""
}

// Expired reports whether the access token is past its exp claim.
func (s *TokenSession) Expired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.expiresAt.IsZero() && !s.clock.Now().Before(s.expiresAt)
}

// Refresh exchanges the refresh token. Concurrent callers share one
// request. An auth failure ends the session.
func (s *TokenSession) Refresh(ctx context.Context) error {
	_, err, _ := s.group.Do("refresh", func() (any, error) {
		s.mu.RLock()
		refreshToken := s.refresh
		s.mu.RUnlock()

		if refreshToken == "" || s.refresher == nil {
			return nil, syncerr.WithOp(syncerr.ErrSessionExpired, "Refresh")
		}

		pair, err := s.refresher.Refresh(ctx, refreshToken)
		if err != nil {
			if syncerr.IsAuth(err) {
				s.logger.Info("refresh rejected, ending session", zap.Error(err))
				s.ClearAll()
				return nil, syncerr.WithOp(syncerr.ErrSessionExpired, "Refresh")
			}
			return nil, fmt.Errorf("refresh token: %w", err)
		}
		if err := s.SetTokens(pair); err != nil {
			return nil, err
		}
		s.logger.Debug("access token refreshed", zap.String("user_id", s.UserID()))
		return nil, nil
	})
	return err
}

// ClearAll drops both tokens and notifies logout listeners.
func (s *TokenSession) ClearAll() {
	s.mu.Lock()
	had := s.access != "" || s.refresh != ""
	userID := s.userID
	s.access = ""
	s.refresh = ""
	s.userID = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()

	if had {
		s.bus.Publish(evtLogout, userID)
	}
}

// OnLogout registers fn to run when the session ends.
func (s *TokenSession) OnLogout(fn func(userID string)) eventbus.Unsubscribe {
	return s.bus.Subscribe(evtLogout, fn)
}

// OnTokens registers fn to run whenever a new token pair is installed.
func (s *TokenSession) OnTokens(fn func(userID string)) eventbus.Unsubscribe {
	return s.bus.Subscribe(evtTokens, fn)
}

func readClaims(token string) (string, time.Time, error) {
	if token == "" {
		return "", time.Time{}, errors.New("empty access token")
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", time.Time{}, fmt.Errorf("parse access token: %w", err)
	}

	userID, _ := claims.GetSubject()
	if userID == "" {
		userID = stringClaim(claims, "user_id")
	}
	if userID == "" {
		userID = stringClaim(claims, "id")
	}
	if userID == "" {
		return "", time.Time{}, errors.New("access token has no subject")
	}

	var expiresAt time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiresAt = exp.Time
	}
	return userID, expiresAt, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	switch v := claims[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}
