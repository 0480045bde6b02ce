package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/estatehub/marketplace-sync/internal/auth"
	"github.com/estatehub/marketplace-sync/internal/syncerr"
)

// Refresher exchanges refresh tokens against the auth endpoint. It does not
// go through Client.Do: the refresh call itself must never trigger a refresh.
type Refresher struct {
	url        string
	httpClient *http.Client
}

// NewRefresher creates a refresher posting to baseURL+path.
func NewRefresher(baseURL, path string, httpClient *http.Client) *Refresher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Refresher{url: baseURL + path, httpClient: httpClient}
}

// Refresh implements auth.Refresher.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (auth.TokenPair, error) {
	const op = "RefreshToken"

	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return auth.TokenPair{}, syncerr.Wrap(syncerr.KindValidation, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return auth.TokenPair{}, syncerr.Wrap(syncerr.KindValidation, op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return auth.TokenPair{}, syncerr.Wrap(syncerr.KindNetwork, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return auth.TokenPair{}, syncerr.Wrap(syncerr.KindNetwork, op, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusForbidden:
		return auth.TokenPair{}, &syncerr.Error{Kind: syncerr.KindAuth, Op: op, Status: resp.StatusCode, Message: "refresh token rejected"}
	case resp.StatusCode >= 300:
		return auth.TokenPair{}, &syncerr.Error{Kind: kindForStatus(resp.StatusCode), Op: op, Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return auth.TokenPair{}, syncerr.Wrap(syncerr.KindServer, op, fmt.Errorf("malformed refresh response: %w", err))
	}
	var pair auth.TokenPair
	if err := json.Unmarshal(env.Data, &pair); err != nil || pair.AccessToken == "" {
		return auth.TokenPair{}, &syncerr.Error{Kind: syncerr.KindAuth, Op: op, Status: resp.StatusCode, Message: "refresh response has no access token"}
	}
	return pair, nil
}
