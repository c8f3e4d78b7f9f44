// Package auth coordinates access-token usage and the single-flight refresh
// of the one-time-use refresh token.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lumehealth/lume-sync/internal/errs"
	"github.com/lumehealth/lume-sync/internal/model"
	"github.com/lumehealth/lume-sync/internal/securestore"
)

// DefaultLeeway is subtracted from the token expiry before it counts as usable.
const DefaultLeeway = 30 * time.Second

// Refresher exchanges a refresh token for a new pair. A 401 from the exchange
// must surface as errs.ErrSessionRevoked.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (model.Tokens, error)
}

// Coordinator guards the credential pair. Any number of concurrent callers
// observing an expired token cause exactly one refresh exchange; everyone
// waits on that one call and observes the same outcome.
type Coordinator struct {
	store     securestore.Store
	refresher Refresher
	leeway    time.Duration
	log       *zap.Logger

	sf singleflight.Group

	mu     sync.Mutex
	cached *model.Tokens

	onRevoked func() // session teardown hook, set once before use
}

// NewCoordinator constructs a coordinator. leeway <= 0 selects the default.
func NewCoordinator(store securestore.Store, refresher Refresher, leeway time.Duration, log *zap.Logger) *Coordinator {
	if leeway <= 0 {
		leeway = DefaultLeeway
	}
	return &Coordinator{store: store, refresher: refresher, leeway: leeway, log: log}
}

// OnSessionRevoked registers the process-wide logout hook, called once when a
// refresh is rejected. Must be set before concurrent use.
func (c *Coordinator) OnSessionRevoked(fn func()) { c.onRevoked = fn }

// SetTokens installs a fresh pair (login). Coordinator is the store's only writer.
func (c *Coordinator) SetTokens(ctx context.Context, t model.Tokens) error {
	if err := c.store.Set(ctx, t); err != nil {
		return err
	}
	c.mu.Lock()
	c.cached = &t
	c.mu.Unlock()
	return nil
}

// Clear drops credentials from cache and store (logout).
func (c *Coordinator) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
	return c.store.Clear(ctx)
}

// HasSession reports whether a credential pair is present.
func (c *Coordinator) HasSession(ctx context.Context) bool {
	_, err := c.current(ctx)
	return err == nil
}

// GetValidAccessToken returns a usable access token, refreshing the pair
// beforehand if the current one is expired or about to expire.
func (c *Coordinator) GetValidAccessToken(ctx context.Context) (string, error) {
	t, err := c.current(ctx)
	if err != nil {
		return "", err
	}
	if c.usable(t) {
		return t.AccessToken, nil
	}
	t, err = c.RefreshIfNeeded(ctx)
	if err != nil {
		return "", err
	}
	return t.AccessToken, nil
}

// RefreshIfNeeded performs (or joins) the single in-flight refresh exchange.
func (c *Coordinator) RefreshIfNeeded(ctx context.Context) (model.Tokens, error) {
	v, err, _ := c.sf.Do("refresh", func() (any, error) {
		// Re-check under the flight: a caller that raced in behind a
		// just-finished refresh must not burn the new refresh token.
		cur, err := c.current(ctx)
		if err != nil {
			return model.Tokens{}, err
		}
		if c.usable(cur) {
			return cur, nil
		}

		// The exchange must run to completion even if the triggering caller
		// goes away: a half-applied rotation would strand the session.
		exCtx := context.WithoutCancel(ctx)
		fresh, err := c.refresher.Refresh(exCtx, cur.RefreshToken)
		if err != nil {
			if errors.Is(err, errs.ErrSessionRevoked) || errors.Is(err, errs.ErrUnauthorized) {
				c.log.Warn("refresh token rejected, revoking session", zap.Error(err))
				c.revoke(exCtx)
				return model.Tokens{}, errs.ErrSessionRevoked
			}
			return model.Tokens{}, fmt.Errorf("refresh exchange: %w", err)
		}

		if err := c.store.Set(exCtx, fresh); err != nil {
			return model.Tokens{}, fmt.Errorf("persist token pair: %w", err)
		}
		c.mu.Lock()
		c.cached = &fresh
		c.mu.Unlock()
		c.log.Info("token pair refreshed", zap.Time("expires_at", fresh.ExpiresAt))
		return fresh, nil
	})
	if err != nil {
		return model.Tokens{}, err
	}
	return v.(model.Tokens), nil
}

func (c *Coordinator) current(ctx context.Context) (model.Tokens, error) {
	c.mu.Lock()
	if c.cached != nil {
		t := *c.cached
		c.mu.Unlock()
		return t, nil
	}
	c.mu.Unlock()

	t, err := c.store.Get(ctx)
	if err != nil {
		if errors.Is(err, securestore.ErrNoCredentials) {
			return model.Tokens{}, errs.ErrSessionRevoked
		}
		return model.Tokens{}, err
	}
	c.mu.Lock()
	c.cached = &t
	c.mu.Unlock()
	return t, nil
}

// usable reports whether the access token still has life in it. The expiry is
// read from the JWT exp claim without signature verification (the server did
// that); the stored ExpiresAt is the fallback for opaque tokens.
func (c *Coordinator) usable(t model.Tokens) bool {
	if t.AccessToken == "" {
		return false
	}
	exp := t.ExpiresAt
	if claims := parseClaims(t.AccessToken); claims != nil {
		if e, err := claims.GetExpirationTime(); err == nil && e != nil {
			exp = e.Time
		}
	}
	if exp.IsZero() {
		return false
	}
	return time.Now().Add(c.leeway).Before(exp)
}

func parseClaims(token string) jwt.Claims {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	return claims
}

// RevokeSession tears the session down: credentials cleared, revoke hook
// fired. Called when a domain request still gets 401 after a fresh token.
func (c *Coordinator) RevokeSession(ctx context.Context) {
	c.revoke(ctx)
}

func (c *Coordinator) revoke(ctx context.Context) {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
	if err := c.store.Clear(ctx); err != nil {
		c.log.Error("clear credentials", zap.Error(err))
	}
	if c.onRevoked != nil {
		c.onRevoked()
	}
}
