package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// OAuthToken is the result of an authorization code exchange.
type OAuthToken struct {
	AccessToken string         `json:"access_token"`
	TokenType   string         `json:"token_type,omitempty"`
	ExpiresIn   float64        `json:"expires_in,omitempty"`
	Raw         map[string]any `json:"-"`
}

// OAuth exchanges authorization codes and builds authorize URLs.
type OAuth struct {
	client *serviceClient
}

// NewOAuth creates an OAuth client.
func NewOAuth(cfg ServiceConfig, opts ...ClientOption) *OAuth {
	return &OAuth{client: newServiceClient("OAuth", "oauth_marker", cfg, opts...)}
}

// Update swaps the service configuration.
func (o *OAuth) Update(cfg ServiceConfig) {
	o.client.update(cfg)
}

// Config returns the current service configuration.
func (o *OAuth) Config() ServiceConfig {
	return o.client.config()
}

// ObtainToken exchanges code for an access token. A response with an
// "error" field is returned as a RejectedError without retrying.
func (o *OAuth) ObtainToken(ctx context.Context, clientID, clientSecret, code string) (*OAuthToken, error) {
	form := url.Values{
		"code":          {code},
		"grant_type":    {"authorization_code"},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
	}.Encode()

	build := func(ctx context.Context, cfg ServiceConfig) (*http.Request, error) {
		u := url.URL{Scheme: "http", Host: cfg.Address(), Path: "/token"}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(form))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/www-form-urlencoded")
		return req, nil
	}
	rejected := func(body map[string]any) (string, bool) {
		return stringField(body, "error")
	}

	body, err := o.client.call(ctx, "oauth.obtain_token", build, rejected)
	if err != nil {
		return nil, err
	}

	token := &OAuthToken{Raw: body}
	token.AccessToken, _ = stringField(body, "access_token")
	token.TokenType, _ = stringField(body, "token_type")
	if v, ok := body["expires_in"].(float64); ok {
		token.ExpiresIn = v
	}
	return token, nil
}

// BuildRedirectURL returns the authorize URL the user agent is sent to.
// state is JSON encoded into the state parameter.
func (o *OAuth) BuildRedirectURL(clientID string, state any) (string, error) {
	return BuildRedirectURL(o.client.config(), clientID, state)
}

// BuildRedirectURL builds the authorize URL for cfg without any network call.
func BuildRedirectURL(cfg ServiceConfig, clientID string, state any) (string, error) {
	encoded, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}

	query := url.Values{
		"response_type": {"code"},
		"display":       {"popup"},
		"client_id":     {clientID},
		"state":         {string(encoded)},
	}
	u := url.URL{
		Scheme:   "http",
		Host:     cfg.Address(),
		Path:     "/authorize",
		RawQuery: query.Encode(),
	}
	return u.String(), nil
}
