package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-driver/internal/governance"
)

func TestParseAuthorization(t *testing.T) {
	tests := []struct {
		header  string
		token   string
		wantErr bool
	}{
		{header: "OAuth abc", token: "abc"},
		{header: "oauth   abc  ", token: "abc"},
		{header: "Bearer abc", wantErr: true},
		{header: "OAuth", wantErr: true},
		{header: "OAuth ", wantErr: true},
		{header: "", wantErr: true},
	}

	for _, tt := range tests {
		token, err := ParseAuthorization(tt.header)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrMissingCredentials, tt.header)
			continue
		}
		require.NoError(t, err, tt.header)
		assert.Equal(t, tt.token, token)
	}
}

func TestAuthenticatorCachesIdentity(t *testing.T) {
	rs := &recordingServer{handler: func(w http.ResponseWriter, r *http.Request, n int) {
		writeJSON(w, http.StatusOK, map[string]any{"login": "max42"})
	}}
	srv := httptest.NewServer(rs)
	defer srv.Close()

	clock := governance.NewFakeClock(epoch)
	metrics := NewMetrics(prometheus.NewRegistry())
	bb := NewBlackbox(serviceConfigFor(t, srv, 2), WithClock(clock))
	cache := NewMemoryTokenCache(clock)
	a := NewAuthenticator(bb, cache, time.Minute, nil, metrics)

	for i := 0; i < 3; i++ {
		info, err := a.Authenticate(context.Background(), "::1", "OAuth token-1")
		require.NoError(t, err)
		assert.Equal(t, "max42", info.Login)
	}
	assert.Equal(t, 1, rs.count())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.cacheLookups.WithLabelValues("hit")))

	clock.Advance(2 * time.Minute)
	_, err := a.Authenticate(context.Background(), "::1", "OAuth token-1")
	require.NoError(t, err)
	assert.Equal(t, 2, rs.count(), "expired entries are revalidated")
}

func TestAuthenticatorRejectsMissingHeader(t *testing.T) {
	a := NewAuthenticator(NewBlackbox(DefaultBlackboxConfig()), nil, 0, nil, nil)
	_, err := a.Authenticate(context.Background(), "::1", "")
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestAuthenticatorDoesNotCacheRejections(t *testing.T) {
	rs := &recordingServer{handler: func(w http.ResponseWriter, r *http.Request, n int) {
		writeJSON(w, http.StatusOK, map[string]any{"exception": "INVALID"})
	}}
	srv := httptest.NewServer(rs)
	defer srv.Close()

	cache := NewMemoryTokenCache(governance.NewFakeClock(epoch))
	a := NewAuthenticator(NewBlackbox(serviceConfigFor(t, srv, 2)), cache, time.Minute, nil, nil)

	_, err := a.Authenticate(context.Background(), "::1", "OAuth bad")
	assert.True(t, IsRejected(err))
	assert.Equal(t, 0, cache.Len())
}

func TestAuthenticatorCacheIsBoundToParty(t *testing.T) {
	rs := &recordingServer{handler: func(w http.ResponseWriter, r *http.Request, n int) {
		writeJSON(w, http.StatusOK, map[string]any{"login": "max42"})
	}}
	srv := httptest.NewServer(rs)
	defer srv.Close()

	clock := governance.NewFakeClock(epoch)
	metrics := NewMetrics(prometheus.NewRegistry())
	cache := NewMemoryTokenCache(clock)
	a := NewAuthenticator(NewBlackbox(serviceConfigFor(t, srv, 2), WithClock(clock)), cache, time.Minute, nil, metrics)

	_, err := a.Authenticate(context.Background(), "192.0.2.1", "OAuth token-1")
	require.NoError(t, err)
	_, err = a.Authenticate(context.Background(), "192.0.2.1", "OAuth token-1")
	require.NoError(t, err)
	assert.Equal(t, 1, rs.count())

	_, err = a.Authenticate(context.Background(), "198.51.100.7", "OAuth token-1")
	require.NoError(t, err)
	assert.Equal(t, 2, rs.count(), "another party revalidates the token")
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.cacheLookups.WithLabelValues("miss")))
	assert.Equal(t, 2, cache.Len())
}

func TestTokenKeyHidesToken(t *testing.T) {
	key := TokenKey("::1", "secret")
	assert.Len(t, key, 64)
	assert.NotContains(t, key, "secret")
	assert.Equal(t, key, TokenKey("::1", "secret"))
	assert.NotEqual(t, key, TokenKey("::2", "secret"))
	assert.NotEqual(t, TokenKey("a", "bc"), TokenKey("ab", "c"))
}

func TestMemoryTokenCacheSweepsExpiredOnSet(t *testing.T) {
	ctx := context.Background()
	clock := governance.NewFakeClock(epoch)
	cache := NewMemoryTokenCache(clock)

	require.NoError(t, cache.Set(ctx, "a", &TokenInfo{Login: "a"}, time.Minute))
	require.NoError(t, cache.Set(ctx, "b", &TokenInfo{Login: "b"}, time.Hour))
	assert.Equal(t, 2, cache.Len())

	clock.Advance(2 * time.Minute)
	require.NoError(t, cache.Set(ctx, "c", &TokenInfo{Login: "c"}, time.Minute))
	assert.Equal(t, 2, cache.Len(), "expired entry a is swept")

	_, hit, err := cache.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, hit)
	info, hit, err := cache.Get(ctx, "b")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "b", info.Login)
}

func TestRedisTokenCacheBadURL(t *testing.T) {
	_, err := NewRedisTokenCache("not a url")
	assert.Error(t, err)
}

func TestRedisTokenCacheUnreachable(t *testing.T) {
	cache, err := NewRedisTokenCache("redis://127.0.0.1:1/0")
	require.NoError(t, err)
	defer cache.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, hit, err := cache.Get(ctx, TokenKey("::1", "t"))
	assert.Error(t, err)
	assert.False(t, hit)
	assert.Error(t, cache.Ping(ctx))
}
