package auth

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// ParseAuthorization extracts the token from an "OAuth <token>" header.
func ParseAuthorization(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "OAuth") {
		return "", ErrMissingCredentials
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingCredentials
	}
	return token, nil
}

// Authenticator resolves request credentials to a login, caching successful
// Blackbox answers.
type Authenticator struct {
	blackbox *Blackbox
	cache    TokenCache
	ttl      time.Duration
	logger   *slog.Logger
	metrics  *Metrics
}

// NewAuthenticator creates an authenticator. A nil cache disables caching.
func NewAuthenticator(blackbox *Blackbox, cache TokenCache, ttl time.Duration, logger *slog.Logger, metrics *Metrics) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		blackbox: blackbox,
		cache:    cache,
		ttl:      ttl,
		logger:   logger,
		metrics:  metrics,
	}
}

// Authenticate validates the Authorization header of a client at party.
func (a *Authenticator) Authenticate(ctx context.Context, party, header string) (*TokenInfo, error) {
	token, err := ParseAuthorization(header)
	if err != nil {
		return nil, err
	}
	key := TokenKey(party, token)

	if a.cache != nil && a.ttl > 0 {
		info, hit, err := a.cache.Get(ctx, key)
		if err != nil {
			a.logger.Warn("Token cache lookup failed", slog.String("error", err.Error()))
		}
		if a.metrics != nil {
			a.metrics.RecordCacheLookup(hit)
		}
		if hit {
			return info, nil
		}
	}

	info, err := a.blackbox.ValidateToken(ctx, party, token)
	if err != nil {
		return nil, err
	}

	if a.cache != nil && a.ttl > 0 {
		if err := a.cache.Set(ctx, key, info, a.ttl); err != nil {
			a.logger.Warn("Token cache store failed", slog.String("error", err.Error()))
		}
	}

	a.logger.Debug("Authenticated", slog.String("login", info.Login), slog.String("party", party))
	return info, nil
}
