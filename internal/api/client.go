// Package api is the REST client for the marketplace backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/estatehub/marketplace-sync/internal/auth"
	"github.com/estatehub/marketplace-sync/internal/syncerr"
	"github.com/estatehub/marketplace-sync/pkg/logger"
	"github.com/estatehub/marketplace-sync/pkg/metrics"
	"github.com/estatehub/marketplace-sync/pkg/tracing"
)

// maxBodySize caps how much of a response is read.
const maxBodySize = 8 << 20

// envelope is the {success, data, message} wrapper of every response.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (e *envelope) text() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}

// Client performs authenticated JSON calls against the API base URL.
type Client struct {
	baseURL    string
	httpClient *http.Client
	session    auth.Session
	logger     *logger.Logger
	tracer     trace.Tracer
}

// NewClient creates a REST client.
func NewClient(baseURL string, httpClient *http.Client, session auth.Session, log *logger.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		session:    session,
		logger:     log,
		tracer:     tracing.Tracer("marketplace-sync/api"),
	}
}

// Do sends one request. A 401 triggers exactly one session refresh and a
// retry; a second 401 ends the session.
func (c *Client) Do(ctx context.Context, op, method, path string, body, out any) error {
	err := c.doOnce(ctx, op, method, path, body, out)
	if !isUnauthorized(err) {
		return err
	}

	c.logger.Debug("unauthorized, refreshing session", zap.String("op", op))
	if rerr := c.session.Refresh(ctx); rerr != nil {
		return rerr
	}

	err = c.doOnce(ctx, op, method, path, body, out)
	if isUnauthorized(err) {
		c.session.ClearAll()
		return syncerr.WithOp(syncerr.ErrSessionExpired, op)
	}
	return err
}

func isUnauthorized(err error) bool {
	var e *syncerr.Error
	return errors.As(err, &e) && e.Kind == syncerr.KindAuth && e.Status == http.StatusUnauthorized
}

func (c *Client) doOnce(ctx context.Context, op, method, path string, body, out any) (err error) {
	token, err := c.session.AccessToken()
	if err != nil {
		return err
	}

	ctx, span := c.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", path),
	))
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = syncerr.KindOf(err).String()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.RecordFetch(op, outcome, time.Since(start).Seconds())
		span.End()
	}()

	var reader io.Reader
	if body != nil {
		data, merr := json.Marshal(body)
		if merr != nil {
			return syncerr.Wrap(syncerr.KindValidation, op, fmt.Errorf("failed to marshal body: %w", merr))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return syncerr.Wrap(syncerr.KindValidation, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-ID", uuid.New().String())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return syncerr.Wrap(syncerr.KindNetwork, op, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return syncerr.Wrap(syncerr.KindNetwork, op, err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode >= 300 {
		msg := http.StatusText(resp.StatusCode)
		if decodeErr == nil && env.text() != "" {
			msg = env.text()
		}
		return &syncerr.Error{Kind: kindForStatus(resp.StatusCode), Op: op, Status: resp.StatusCode, Message: msg}
	}

	if resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if decodeErr != nil {
		return &syncerr.Error{Kind: syncerr.KindServer, Op: op, Status: resp.StatusCode, Message: "malformed response", Err: decodeErr}
	}
	if !env.Success {
		return &syncerr.Error{Kind: syncerr.KindServer, Op: op, Status: resp.StatusCode, Message: env.text()}
	}

	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &syncerr.Error{Kind: syncerr.KindServer, Op: op, Status: resp.StatusCode, Message: "malformed data", Err: err}
		}
	}
	return nil
}

func kindForStatus(status int) syncerr.Kind {
	switch {
	case status == http.StatusUnauthorized:
		return syncerr.KindAuth
	case status == http.StatusNotFound:
		return syncerr.KindNotFound
	case status == http.StatusTooManyRequests:
		return syncerr.KindServer
	case status >= 500:
		return syncerr.KindServer
	case status >= 400:
		return syncerr.KindValidation
	default:
		return syncerr.KindServer
	}
}
