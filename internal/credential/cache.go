// Package credential caches the bearer token used to authenticate against the
// upstream AI endpoint.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ent0n29/interviewrelay/internal/observability"
	"github.com/ent0n29/interviewrelay/internal/policy"
	"github.com/ent0n29/interviewrelay/internal/reliability"
)

// Token is a bearer credential and the instant it stops being valid.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Provider issues fresh credentials from the identity service.
type Provider interface {
	Issue(ctx context.Context) (Token, error)
}

type ProviderFunc func(ctx context.Context) (Token, error)

func (f ProviderFunc) Issue(ctx context.Context) (Token, error) {
	return f(ctx)
}

type Options struct {
	// SafetyFraction is the share of the real validity window the cache keeps a
	// token for. 0.8333 keeps a one hour token for fifty minutes.
	SafetyFraction float64
	FetchTimeout   time.Duration
	// DefaultLifetime is assumed when the provider reports no expiry.
	DefaultLifetime time.Duration
}

// Cache holds at most one token. Concurrent callers that find it stale share a
// single upstream fetch.
type Cache struct {
	provider Provider
	opts     Options
	logger   *slog.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	mu     sync.RWMutex
	cached Token

	group singleflight.Group
}

func NewCache(provider Provider, opts Options, logger *slog.Logger, metrics *observability.Metrics) *Cache {
	if opts.SafetyFraction <= 0 || opts.SafetyFraction > 1 {
		opts.SafetyFraction = 0.8333
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.DefaultLifetime <= 0 {
		opts.DefaultLifetime = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		provider: provider,
		opts:     opts,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Token returns the cached credential, refreshing it when empty or past its
// retained expiry. A failed refresh wraps reliability.ErrAuthFailure and leaves
// the cached value as it was.
func (c *Cache) Token(ctx context.Context) (string, error) {
	if tok, ok := c.fresh(); ok {
		return tok, nil
	}

	ch := c.group.DoChan("token", func() (any, error) {
		// Another caller may have refreshed while we queued.
		if tok, ok := c.fresh(); ok {
			return tok, nil
		}
		return c.refresh(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", reliability.ErrAuthFailure, ctx.Err())
	}
}

func (c *Cache) fresh() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cached.Value == "" || !c.now().Before(c.cached.ExpiresAt) {
		return "", false
	}
	return c.cached.Value, true
}

func (c *Cache) refresh(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	defer cancel()

	issuedAt := c.now()
	tok, err := c.provider.Issue(ctx)
	if err == nil && tok.Value == "" {
		err = errors.New("identity provider returned an empty token")
	}
	if err != nil {
		c.observe("failure")
		c.logger.Error("credential refresh failed", "error", err)
		return "", fmt.Errorf("%w: %w", reliability.ErrAuthFailure, err)
	}

	realExpiry := tok.ExpiresAt
	if realExpiry.IsZero() {
		realExpiry = issuedAt.Add(c.opts.DefaultLifetime)
	}
	window := realExpiry.Sub(issuedAt)
	if window < 0 {
		window = 0
	}
	retained := Token{
		Value:     tok.Value,
		ExpiresAt: issuedAt.Add(time.Duration(float64(window) * c.opts.SafetyFraction)),
	}

	c.mu.Lock()
	c.cached = retained
	c.mu.Unlock()

	c.observe("success")
	c.logger.Info("credential refreshed",
		"token", policy.MaskSecret(retained.Value),
		"retained_until", retained.ExpiresAt.UTC().Format(time.RFC3339),
	)
	return retained.Value, nil
}

// ExpiresAt reports the retained expiry of the cached token, zero when empty.
func (c *Cache) ExpiresAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cached.ExpiresAt
}

func (c *Cache) observe(result string) {
	if c.metrics == nil {
		return
	}
	c.metrics.CredentialRefresh.WithLabelValues(result).Inc()
}
