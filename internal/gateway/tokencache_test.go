package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenCacheReusesUntilExpiry(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tc := NewTokenCache()
	tc.now = func() time.Time { return now }

	fetches := 0
	fetch := func(ctx context.Context) (string, time.Duration, error) {
		fetches++
		return "token-1", 3599 * time.Second, nil
	}

	token, err := tc.Get(context.Background(), fetch)
	require.NoError(t, err)
	assert.Equal(t, "token-1", token)
	assert.Equal(t, 1, fetches)

	// Well within the lifetime: no refetch.
	now = now.Add(30 * time.Minute)
	token, err = tc.Get(context.Background(), fetch)
	require.NoError(t, err)
	assert.Equal(t, "token-1", token)
	assert.Equal(t, 1, fetches)

	// Past the margin-adjusted expiry (3599s - 99s = 3500s): refetch.
	now = now.Add(29 * time.Minute)
	_, err = tc.Get(context.Background(), fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, fetches)
}

func TestTokenCacheFetchErrorNotCached(t *testing.T) {
	tc := NewTokenCache()

	_, err := tc.Get(context.Background(), func(ctx context.Context) (string, time.Duration, error) {
		return "", 0, errors.New("upstream down")
	})
	assert.Error(t, err)

	token, err := tc.Get(context.Background(), func(ctx context.Context) (string, time.Duration, error) {
		return "token-2", time.Hour, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "token-2", token)
}

func TestTokenCacheInvalidate(t *testing.T) {
	tc := NewTokenCache()

	fetches := 0
	fetch := func(ctx context.Context) (string, time.Duration, error) {
		fetches++
		return "token-3", time.Hour, nil
	}

	_, err := tc.Get(context.Background(), fetch)
	require.NoError(t, err)
	tc.Invalidate()
	_, err = tc.Get(context.Background(), fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, fetches)
}
