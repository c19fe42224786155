package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-driver/internal/governance"
	"github.com/polisai/polis-driver/pkg/auth"
	"github.com/polisai/polis-driver/pkg/driver"
	"github.com/polisai/polis-driver/pkg/policy"
	"github.com/polisai/polis-driver/pkg/telemetry"
)

// Authorizer decides whether a login may run a command.
type Authorizer interface {
	Decide(ctx context.Context, input policy.Input) (policy.Decision, error)
}

// OAuthClient performs the authorization code flow.
type OAuthClient interface {
	BuildRedirectURL(clientID string, state any) (string, error)
	ObtainToken(ctx context.Context, clientID, clientSecret, code string) (*auth.OAuthToken, error)
}

type oauthCredentials struct {
	clientID     string
	clientSecret string
}

// Server is the HTTP front of the driver.
type Server struct {
	driver        *driver.Driver
	authenticator Authenticator
	authorizer    Authorizer
	oauth         OAuthClient
	credentials   atomic.Pointer[oauthCredentials]
	limiter       *governance.CommandLimiter
	metrics       *Metrics
	gatherer      prometheus.Gatherer
	metricsPath   string
	redaction     *telemetry.RedactionPolicy
	logger        *slog.Logger
	log           *StructuredLogger

	mu         sync.Mutex
	httpServer *http.Server
	stopOnce   sync.Once
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithAuthenticator requires every /api request to carry a valid OAuth token.
func WithAuthenticator(a Authenticator) Option {
	return func(s *Server) { s.authenticator = a }
}

// WithAuthorizer checks every execution against a policy.
func WithAuthorizer(a Authorizer) Option {
	return func(s *Server) { s.authorizer = a }
}

// WithOAuth enables the /auth/login and /auth/callback routes.
func WithOAuth(client OAuthClient, clientID, clientSecret string) Option {
	return func(s *Server) {
		s.oauth = client
		s.credentials.Store(&oauthCredentials{clientID: clientID, clientSecret: clientSecret})
	}
}

func WithLimiter(l *governance.CommandLimiter) Option {
	return func(s *Server) { s.limiter = l }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsEndpoint serves g in Prometheus format at path.
func WithMetricsEndpoint(path string, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metricsPath = path
		s.gatherer = g
	}
}

// NewServer creates the HTTP front for d.
func NewServer(d *driver.Driver, opts ...Option) *Server {
	s := &Server{
		driver: d,
		redaction: &telemetry.RedactionPolicy{
			Strategies: map[string]string{
				"polis.login": "hash",
				"polis.party": "mask",
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.log = NewStructuredLogger(s.logger)
	return s
}

// SetOAuthCredentials swaps the OAuth application credentials.
func (s *Server) SetOAuthCredentials(clientID, clientSecret string) {
	s.credentials.Store(&oauthCredentials{clientID: clientID, clientSecret: clientSecret})
}

// Handler returns the routed and instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.setupRoutes(mux)

	var h http.Handler = mux
	if s.metrics != nil {
		h = s.metrics.MetricsMiddleware(h)
	}
	h = s.requestLogging(h)
	return otelhttp.NewHandler(h, "polis-driver",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + getEndpointName(r.URL.Path)
		}),
	)
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.Handle("GET /api/commands", s.authMiddleware(http.HandlerFunc(s.handleCommands)))
	execute := s.authMiddleware(http.HandlerFunc(s.handleExecute))
	mux.Handle("GET /api/{command}", execute)
	mux.Handle("POST /api/{command}", execute)
	mux.Handle("PUT /api/{command}", execute)

	if s.oauth != nil {
		mux.HandleFunc("GET /auth/login", s.handleLogin)
		mux.HandleFunc("GET /auth/callback", s.handleCallback)
	}

	if s.gatherer != nil && s.metricsPath != "" {
		mux.Handle("GET "+s.metricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully
// within shutdownTimeout.
func (s *Server) Start(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	s.mu.Lock()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server error: %w", err)
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.Stop(stopCtx)
	}
}

// Stop gracefully stops the HTTP server. In-flight executions get until ctx
// ends to finish.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		srv := s.httpServer
		s.mu.Unlock()
		if srv == nil {
			return
		}
		s.logger.Info("Stopping HTTP server")
		if stopErr := srv.Shutdown(ctx); stopErr != nil {
			s.logger.Error("Failed to shut down HTTP server", "error", stopErr)
			err = stopErr
		}
	})
	return err
}

// HealthStatus represents the health status of the driver
type HealthStatus struct {
	Status   string `json:"status"`
	Commands int    `json:"commands"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthStatus{
		Status:   "healthy",
		Commands: len(s.driver.GetCommandDescriptors()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
