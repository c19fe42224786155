package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-driver/internal/governance"
)

const (
	// MarkerHeader carries the per-call correlation marker.
	MarkerHeader = "X-YT-Marker"

	maxResponseBytes = 1 << 20
	tracerName       = "github.com/polisai/polis-driver/pkg/auth"
)

// ClientOption configures a service client.
type ClientOption func(*serviceClient)

// WithHTTPClient replaces the HTTP client. The no-delay setting is only
// applied by the default client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *serviceClient) { c.http = client }
}

func WithClock(clock governance.Clock) ClientOption {
	return func(c *serviceClient) { c.clock = clock }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *serviceClient) { c.logger = logger }
}

func WithMetrics(metrics *Metrics) ClientOption {
	return func(c *serviceClient) { c.metrics = metrics }
}

// serviceClient issues retried JSON requests against one service.
type serviceClient struct {
	name      string
	markerKey string
	cfg       atomic.Pointer[ServiceConfig]
	http      *http.Client
	clock     governance.Clock
	logger    *slog.Logger
	metrics   *Metrics
	tracer    trace.Tracer
}

func newServiceClient(name, markerKey string, cfg ServiceConfig, opts ...ClientOption) *serviceClient {
	c := &serviceClient{
		name:      name,
		markerKey: markerKey,
		tracer:    otel.Tracer(tracerName),
	}
	c.cfg.Store(&cfg)
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = c.defaultHTTPClient()
	}
	if c.clock == nil {
		c.clock = governance.RealClock()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With(slog.String("service", name))
	return c
}

// defaultHTTPClient applies the configured no-delay flag to every new
// connection and instruments the transport.
func (c *serviceClient) defaultHTTPClient() *http.Client {
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(c.config().NoDelay)
		}
		return conn, nil
	}
	return &http.Client{Transport: otelhttp.NewTransport(transport)}
}

func (c *serviceClient) config() ServiceConfig {
	return *c.cfg.Load()
}

// update swaps the configuration. Calls already in progress keep theirs.
func (c *serviceClient) update(cfg ServiceConfig) {
	c.cfg.Store(&cfg)
}

type requestBuilder func(ctx context.Context, cfg ServiceConfig) (*http.Request, error)

// rejectionCheck inspects a decoded response and returns a reason when the
// service reported a domain error.
type rejectionCheck func(body map[string]any) (string, bool)

// call runs the request through the retry loop. A response carrying a
// rejection is returned immediately as a RejectedError, whatever its status.
func (c *serviceClient) call(ctx context.Context, op string, build requestBuilder, rejected rejectionCheck) (map[string]any, error) {
	cfg := c.config()

	ctx, span := c.tracer.Start(ctx, "auth."+op, trace.WithAttributes(
		attribute.String("auth.service", c.name),
		attribute.String("server.address", cfg.Address()),
	))
	defer span.End()

	r := &governance.Retrier{
		Service:     c.name,
		MarkerKey:   c.markerKey,
		MaxRetries:  cfg.Retries,
		BackoffUnit: cfg.Timeout,
		Clock:       c.clock,
		Logger:      c.logger,
	}
	if c.metrics != nil {
		r.Observer = c.metrics
	}

	var result map[string]any
	err := r.Do(ctx, func(ctx context.Context, state governance.RetryState) error {
		span.SetAttributes(attribute.String("auth.marker", state.Marker))
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
		}

		req, err := build(ctx, cfg)
		if err != nil {
			return governance.Permanent(fmt.Errorf("build %s request: %w", c.name, err))
		}
		req.Header.Set(MarkerHeader, state.Marker)
		req.Header.Set("Accept", "application/json")

		body, status, err := c.roundTrip(req)
		if err != nil {
			return &TransportError{Service: c.name, Err: err}
		}

		if body != nil {
			if reason, ok := rejected(body); ok {
				return governance.Permanent(&RejectedError{Service: c.name, Reason: reason, Raw: body})
			}
		}
		if status < 200 || status >= 300 {
			return &TransportError{Service: c.name, StatusCode: status}
		}
		if body == nil {
			return &TransportError{Service: c.name, Err: fmt.Errorf("empty response")}
		}

		result = body
		return nil
	})

	if c.metrics != nil {
		c.metrics.RecordCall(c.name, err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	c.logger.Info("Successfully queried " + c.name)
	return result, nil
}

// roundTrip sends req and decodes a JSON object body. A body that is not
// valid JSON is an error only for successful statuses.
func (c *serviceClient) roundTrip(req *http.Request) (map[string]any, int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil, resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
		return nil, resp.StatusCode, nil
	}
	return body, resp.StatusCode, nil
}

func stringField(body map[string]any, key string) (string, bool) {
	v, ok := body[key]
	if !ok {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprint(v), true
}
