package auth

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-driver/internal/governance"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func serviceConfigFor(t *testing.T, srv *httptest.Server, retries int) ServiceConfig {
	t.Helper()
	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return ServiceConfig{Host: host, Port: p, Timeout: 50 * time.Millisecond, NoDelay: true, Retries: retries}
}

// recordingServer remembers every request it receives.
type recordingServer struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   []string
	handler  func(w http.ResponseWriter, r *http.Request, n int)
}

func (s *recordingServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.requests = append(s.requests, r.Clone(context.Background()))
	s.bodies = append(s.bodies, string(body))
	n := len(s.requests)
	s.mu.Unlock()
	s.handler(w, r, n)
}

func (s *recordingServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestBlackboxValidateToken(t *testing.T) {
	rs := &recordingServer{handler: func(w http.ResponseWriter, r *http.Request, n int) {
		writeJSON(w, http.StatusOK, map[string]any{"login": "sandello", "uid": map[string]any{"value": "42"}})
	}}
	srv := httptest.NewServer(rs)
	defer srv.Close()

	bb := NewBlackbox(serviceConfigFor(t, srv, 3))
	info, err := bb.ValidateToken(context.Background(), "10.0.0.1", "secret-token")
	require.NoError(t, err)
	assert.Equal(t, "sandello", info.Login)

	require.Equal(t, 1, rs.count())
	req := rs.requests[0]
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "/blackbox", req.URL.Path)
	assert.Equal(t, url.Values{
		"method":      {"oauth"},
		"format":      {"json"},
		"userip":      {"10.0.0.1"},
		"oauth_token": {"secret-token"},
	}, req.URL.Query())
	assert.NotEmpty(t, req.Header.Get(MarkerHeader))
}

func TestBlackboxExceptionIsNotRetried(t *testing.T) {
	rs := &recordingServer{handler: func(w http.ResponseWriter, r *http.Request, n int) {
		writeJSON(w, http.StatusOK, map[string]any{"exception": "INVALID_PARAMS", "error": "expired_token"})
	}}
	srv := httptest.NewServer(rs)
	defer srv.Close()

	clock := governance.NewFakeClock(epoch)
	bb := NewBlackbox(serviceConfigFor(t, srv, 10), WithClock(clock))

	_, err := bb.ValidateToken(context.Background(), "::1", "bad")
	require.Error(t, err)
	assert.True(t, IsRejected(err))

	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "INVALID_PARAMS", rejected.Reason)
	assert.Equal(t, "expired_token", rejected.Raw["error"])

	assert.Equal(t, 1, rs.count())
	assert.Empty(t, clock.Delays())
}

func TestBlackboxRetriesTransportFailures(t *testing.T) {
	rs := &recordingServer{handler: func(w http.ResponseWriter, r *http.Request, n int) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}}
	srv := httptest.NewServer(rs)
	defer srv.Close()

	clock := governance.NewFakeClock(epoch)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	cfg := serviceConfigFor(t, srv, 3)
	bb := NewBlackbox(cfg, WithClock(clock), WithMetrics(metrics))

	_, err := bb.ValidateToken(context.Background(), "::1", "token")
	require.Error(t, err)
	assert.ErrorIs(t, err, governance.ErrTooManyRetries)
	assert.ErrorIs(t, err, ErrTransportFailure)

	var tooMany *governance.TooManyRetriesError
	require.ErrorAs(t, err, &tooMany)
	assert.Equal(t, 3, tooMany.Attempts)

	require.Equal(t, 3, rs.count())
	marker := rs.requests[0].Header.Get(MarkerHeader)
	for _, req := range rs.requests {
		assert.Equal(t, marker, req.Header.Get(MarkerHeader), "marker must be stable across retries")
	}
	assert.Equal(t, []time.Duration{0, cfg.Timeout, 2 * cfg.Timeout}, clock.Delays())

	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.attemptsTotal.WithLabelValues("Blackbox", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.callsTotal.WithLabelValues("Blackbox", "failure")))
}

func TestBlackboxRecoversAfterBadJSON(t *testing.T) {
	rs := &recordingServer{handler: func(w http.ResponseWriter, r *http.Request, n int) {
		if n == 1 {
			_, _ = w.Write([]byte("<html>not json"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"login": "psushin"})
	}}
	srv := httptest.NewServer(rs)
	defer srv.Close()

	bb := NewBlackbox(serviceConfigFor(t, srv, 3), WithClock(governance.NewFakeClock(epoch)))
	info, err := bb.ValidateToken(context.Background(), "::1", "token")
	require.NoError(t, err)
	assert.Equal(t, "psushin", info.Login)
	assert.Equal(t, 2, rs.count())
}

func TestOAuthObtainToken(t *testing.T) {
	rs := &recordingServer{handler: func(w http.ResponseWriter, r *http.Request, n int) {
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "AQAD", "token_type": "bearer", "expires_in": 3600})
	}}
	srv := httptest.NewServer(rs)
	defer srv.Close()

	o := NewOAuth(serviceConfigFor(t, srv, 3))
	token, err := o.ObtainToken(context.Background(), "client", "secret", "1234")
	require.NoError(t, err)
	assert.Equal(t, "AQAD", token.AccessToken)
	assert.Equal(t, "bearer", token.TokenType)
	assert.Equal(t, 3600.0, token.ExpiresIn)

	require.Equal(t, 1, rs.count())
	req := rs.requests[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/token", req.URL.Path)
	assert.Equal(t, "application/www-form-urlencoded", req.Header.Get("Content-Type"))

	form, err := url.ParseQuery(rs.bodies[0])
	require.NoError(t, err)
	assert.Equal(t, url.Values{
		"code":          {"1234"},
		"grant_type":    {"authorization_code"},
		"client_id":     {"client"},
		"client_secret": {"secret"},
	}, form)
}

func TestOAuthErrorIsNotRetried(t *testing.T) {
	rs := &recordingServer{handler: func(w http.ResponseWriter, r *http.Request, n int) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant"})
	}}
	srv := httptest.NewServer(rs)
	defer srv.Close()

	o := NewOAuth(serviceConfigFor(t, srv, 5), WithClock(governance.NewFakeClock(epoch)))
	_, err := o.ObtainToken(context.Background(), "client", "secret", "stale")
	require.Error(t, err)
	assert.True(t, IsRejected(err))
	assert.Contains(t, err.Error(), "OAuth returned an error: invalid_grant")
	assert.Equal(t, 1, rs.count())
}

func TestOAuthConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	cfg := serviceConfigFor(t, srv, 2)
	srv.Close()

	o := NewOAuth(cfg, WithClock(governance.NewFakeClock(epoch)))
	_, err := o.ObtainToken(context.Background(), "client", "secret", "code")
	assert.ErrorIs(t, err, governance.ErrTooManyRetries)
	assert.Contains(t, err.Error(), "too many failed OAuth requests")
}

func TestBuildRedirectURL(t *testing.T) {
	cfg := ServiceConfig{Host: "oauth.example.com", Port: 8080, Retries: 1}
	raw, err := BuildRedirectURL(cfg, "abc", map[string]any{"foo": 1})
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "http", u.Scheme)
	assert.Equal(t, "oauth.example.com:8080", u.Host)
	assert.Equal(t, "/authorize", u.Path)
	assert.Equal(t, url.Values{
		"response_type": {"code"},
		"display":       {"popup"},
		"client_id":     {"abc"},
		"state":         {`{"foo":1}`},
	}, u.Query())

	o := NewOAuth(cfg)
	viaClient, err := o.BuildRedirectURL("abc", map[string]any{"foo": 1})
	require.NoError(t, err)
	assert.Equal(t, raw, viaClient)

	_, err = BuildRedirectURL(cfg, "abc", func() {})
	assert.Error(t, err)
}

func TestServiceUpdate(t *testing.T) {
	o := NewOAuth(DefaultOAuthConfig())
	next := DefaultOAuthConfig()
	next.Host = "oauth.test"
	o.Update(next)
	assert.Equal(t, "oauth.test", o.Config().Host)

	raw, err := o.BuildRedirectURL("id", nil)
	require.NoError(t, err)
	assert.Contains(t, raw, "http://oauth.test:80/authorize?")
}

func TestServiceConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultBlackboxConfig().Validate())
	assert.NoError(t, DefaultOAuthConfig().Validate())

	cfg := DefaultBlackboxConfig()
	cfg.Host = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultBlackboxConfig()
	cfg.Port = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultBlackboxConfig()
	cfg.Retries = 0
	assert.Error(t, cfg.Validate())
}
