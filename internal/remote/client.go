// Package remote contains the HTTP clients that push local records to the
// Lume API and exchange refresh tokens.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lumehealth/lume-sync/internal/errs"
	"github.com/lumehealth/lume-sync/internal/model"
)

// TokenSource supplies access tokens and owns the refresh/revoke lifecycle.
// Implemented by auth.Coordinator.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context) (string, error)
	RefreshIfNeeded(ctx context.Context) (model.Tokens, error)
	RevokeSession(ctx context.Context)
}

// Client is the shared HTTP layer under the per-domain sync clients.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	tokens  TokenSource
	log     *zap.Logger
}

// NewClient constructs the base API client.
func NewClient(baseURL, apiKey string, tokens TokenSource, log *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		tokens:  tokens,
		log:     log,
	}
}

// do performs one authenticated JSON round-trip. On a 401 it lets the
// coordinator run its single refresh and retries exactly once; a 401 on the
// retry means the session is gone for good.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	token, err := c.tokens.GetValidAccessToken(ctx)
	if err != nil {
		return err
	}

	status, err := c.roundTrip(ctx, method, path, token, in, out)
	if err != nil {
		return err
	}
	if status != http.StatusUnauthorized {
		return classify(status)
	}

	fresh, err := c.tokens.RefreshIfNeeded(ctx)
	if err != nil {
		return err
	}
	status, err = c.roundTrip(ctx, method, path, fresh.AccessToken, in, out)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		c.log.Warn("401 after successful refresh, revoking session",
			zap.String("method", method), zap.String("path", path))
		c.tokens.RevokeSession(ctx)
		return errs.ErrSessionRevoked
	}
	return classify(status)
}

// roundTrip sends the request and decodes the body into out on 2xx.
// Network-level failures map to the transient class.
func (c *Client) roundTrip(ctx context.Context, method, path, token string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %v: %w", method, path, err, errs.ErrTransient)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return 0, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

// classify maps an HTTP status onto the engine's error taxonomy.
func classify(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return errs.ErrUnauthorized
	case status == http.StatusConflict:
		return fmt.Errorf("http %d: %w", status, errs.ErrConflict)
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return fmt.Errorf("http %d: %w", status, errs.ErrTransient)
	default:
		// remaining 4xx: the payload is wrong, retrying cannot fix it
		return fmt.Errorf("http %d: %w", status, errs.ErrValidation)
	}
}

// envelope is the Lume API response wrapper.
type envelope struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// RefreshClient exchanges refresh tokens at the auth endpoint. It sits below
// the coordinator and therefore bypasses the token-source plumbing.
type RefreshClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewRefreshClient constructs the refresh exchanger.
func NewRefreshClient(baseURL, apiKey string) *RefreshClient {
	return &RefreshClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	Data struct {
		AccessToken  string    `json:"access_token"`
		RefreshToken string    `json:"refresh_token"`
		ExpiresAt    time.Time `json:"expires_at"`
	} `json:"data"`
}

// Refresh performs the one-time exchange. A 401 here means the refresh token
// itself is dead: errs.ErrSessionRevoked, never a retry.
func (c *RefreshClient) Refresh(ctx context.Context, refreshToken string) (model.Tokens, error) {
	b, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return model.Tokens{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/auth/refresh", bytes.NewReader(b))
	if err != nil {
		return model.Tokens{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return model.Tokens{}, fmt.Errorf("refresh: %v: %w", err, errs.ErrTransient)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return model.Tokens{}, errs.ErrSessionRevoked
	case resp.StatusCode >= 500:
		return model.Tokens{}, fmt.Errorf("refresh: http %d: %w", resp.StatusCode, errs.ErrTransient)
	case resp.StatusCode != http.StatusOK:
		return model.Tokens{}, fmt.Errorf("refresh: unexpected http %d", resp.StatusCode)
	}

	var rr refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return model.Tokens{}, fmt.Errorf("decode refresh response: %w", err)
	}
	if rr.Data.AccessToken == "" || rr.Data.RefreshToken == "" {
		return model.Tokens{}, errors.New("refresh response missing tokens")
	}
	return model.Tokens{
		AccessToken:  rr.Data.AccessToken,
		RefreshToken: rr.Data.RefreshToken,
		ExpiresAt:    rr.Data.ExpiresAt,
	}, nil
}
