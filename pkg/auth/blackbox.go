package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// TokenInfo is the identity Blackbox returned for a token.
type TokenInfo struct {
	Login string         `json:"login"`
	Raw   map[string]any `json:"raw,omitempty"`
}

// Blackbox validates OAuth tokens.
type Blackbox struct {
	client *serviceClient
}

// NewBlackbox creates a Blackbox client.
func NewBlackbox(cfg ServiceConfig, opts ...ClientOption) *Blackbox {
	return &Blackbox{client: newServiceClient("Blackbox", "blackbox_marker", cfg, opts...)}
}

// Update swaps the service configuration.
func (b *Blackbox) Update(cfg ServiceConfig) {
	b.client.update(cfg)
}

// Config returns the current service configuration.
func (b *Blackbox) Config() ServiceConfig {
	return b.client.config()
}

// ValidateToken asks Blackbox about token on behalf of the client at party.
// A response with an "exception" field is returned as a RejectedError
// without retrying.
func (b *Blackbox) ValidateToken(ctx context.Context, party, token string) (*TokenInfo, error) {
	build := func(ctx context.Context, cfg ServiceConfig) (*http.Request, error) {
		query := url.Values{
			"method":      {"oauth"},
			"format":      {"json"},
			"userip":      {party},
			"oauth_token": {token},
		}
		u := url.URL{
			Scheme:   "http",
			Host:     cfg.Address(),
			Path:     "/blackbox",
			RawQuery: query.Encode(),
		}
		return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	}
	rejected := func(body map[string]any) (string, bool) {
		return stringField(body, "exception")
	}

	body, err := b.client.call(ctx, "blackbox.validate_token", build, rejected)
	if err != nil {
		return nil, err
	}

	info := &TokenInfo{Raw: body}
	if login, ok := stringField(body, "login"); ok {
		info.Login = login
	}
	if info.Login == "" {
		return nil, fmt.Errorf("blackbox response has no login")
	}
	return info, nil
}
