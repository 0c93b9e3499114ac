package gateway

import (
	"context"
	"sync"
	"time"
)

// tokenRefreshMargin is subtracted from the provider's reported lifetime so
// a token is never used right at its expiry boundary. Daraja tokens live
// 3599s; the margin leaves roughly 58 minutes of use.
const tokenRefreshMargin = 99 * time.Second

// TokenCache is a single-slot OAuth token cache. All initiations share one
// merchant-level credential set, so one slot is enough; the mutex makes the
// check-and-refresh atomic under concurrent expiry-boundary requests.
type TokenCache struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
	now       func() time.Time
}

func NewTokenCache() *TokenCache {
	return &TokenCache{now: time.Now}
}

// Get returns the cached token, or calls fetch to acquire a fresh one when
// the slot is empty or past its margin-adjusted expiry. fetch returns the
// token and its provider-reported lifetime.
func (tc *TokenCache) Get(ctx context.Context, fetch func(ctx context.Context) (string, time.Duration, error)) (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.token != "" && tc.now().Before(tc.expiresAt) {
		return tc.token, nil
	}

	token, lifetime, err := fetch(ctx)
	if err != nil {
		return "", err
	}

	tc.token = token
	tc.expiresAt = tc.now().Add(lifetime - tokenRefreshMargin)
	return token, nil
}

// Invalidate clears the slot, forcing the next Get to fetch.
func (tc *TokenCache) Invalidate() {
	tc.mu.Lock()
	tc.token = ""
	tc.expiresAt = time.Time{}
	tc.mu.Unlock()
}
