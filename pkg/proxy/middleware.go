package proxy

import (
	"context"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-driver/pkg/auth"
	"github.com/polisai/polis-driver/pkg/telemetry"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// identityContextKey is the context key for the authenticated identity
	identityContextKey contextKey = "identity"
	// stateContextKey holds the per-request state shared with the logging middleware
	stateContextKey contextKey = "request_state"
)

// requestState is filled in by inner middleware so the outer logging
// middleware can report it.
type requestState struct {
	login string
}

// Authenticator resolves an Authorization header to an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, party, header string) (*auth.TokenInfo, error)
}

// IdentityFromContext extracts the authenticated identity from the request context
func IdentityFromContext(ctx context.Context) (*auth.TokenInfo, bool) {
	info, ok := ctx.Value(identityContextKey).(*auth.TokenInfo)
	return info, ok
}

// clientParty returns the client address without the port.
func clientParty(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// authMiddleware validates the OAuth header and stores the identity in the
// request context. A nil authenticator disables the check.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.authenticator == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, err := s.authenticator.Authenticate(r.Context(), clientParty(r), r.Header.Get("Authorization"))
		telemetry.RecordAccessDecision(trace.SpanFromContext(r.Context()), "auth", err == nil, errorReason(err))
		if err != nil {
			s.reject(r.Context(), "auth", "", "", err)
			writeError(w, err, 0)
			return
		}
		if state, ok := r.Context().Value(stateContextKey).(*requestState); ok {
			state.login = info.Login
		}
		ctx := context.WithValue(r.Context(), identityContextKey, info)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLogging logs every request once it is served.
func (s *Server) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		state := &requestState{}
		r = r.WithContext(context.WithValue(r.Context(), stateContextKey, state))

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		s.log.LogHTTPRequest(r.Context(), r.Method, r.URL.Path, wrapped.statusCode, time.Since(start), state.login)
	})
}

func (s *Server) reject(ctx context.Context, stage, command, login string, err error) {
	if s.metrics != nil {
		s.metrics.RecordRejection(stage)
	}
	s.log.LogAccessEvent(ctx, stage, command, login, errorReason(err))
}

func errorReason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
