package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-driver/pkg/auth"
	"github.com/polisai/polis-driver/pkg/driver"
	"github.com/polisai/polis-driver/pkg/policy"
)

// stubEngine runs fn for every call on its own goroutine.
type stubEngine struct {
	fn func(ctx context.Context, call driver.EngineCall) driver.EngineResult

	mu    sync.Mutex
	calls []driver.EngineCall
}

func (e *stubEngine) Execute(ctx context.Context, call driver.EngineCall, done func(driver.EngineResult)) {
	e.mu.Lock()
	e.calls = append(e.calls, call)
	e.mu.Unlock()
	go func() { done(e.fn(ctx, call)) }()
}

func (e *stubEngine) FindCommandDescriptor(name string) (driver.CommandDescriptor, bool) {
	for _, d := range e.GetCommandDescriptors() {
		if d.Name == name {
			return d, true
		}
	}
	return driver.CommandDescriptor{}, false
}

func (e *stubEngine) GetCommandDescriptors() []driver.CommandDescriptor {
	return []driver.CommandDescriptor{
		{Name: "cat", InputType: "binary", OutputType: "binary"},
		{Name: "upload", InputType: "tabular", OutputType: "null", IsVolatile: true, IsHeavy: true},
	}
}

func (e *stubEngine) lastCall() driver.EngineCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[len(e.calls)-1]
}

func (e *stubEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// echoEngine copies the input to the output and succeeds.
func echoEngine() *stubEngine {
	return &stubEngine{fn: func(_ context.Context, call driver.EngineCall) driver.EngineResult {
		if _, err := io.Copy(call.Output, call.Input); err != nil {
			return driver.EngineResult{Code: 1, Message: err.Error()}
		}
		return driver.EngineResult{Payload: "ok"}
	}}
}

func newTestServer(t *testing.T, engine driver.Engine, opts ...Option) *Server {
	t.Helper()
	d, err := driver.NewDriver(engine, driver.DefaultWatermarkConfig())
	require.NoError(t, err)
	return NewServer(d, opts...)
}

type stubAuthenticator struct {
	logins map[string]string
	err    error
}

func (a *stubAuthenticator) Authenticate(_ context.Context, _ string, header string) (*auth.TokenInfo, error) {
	if a.err != nil {
		return nil, a.err
	}
	if header == "" {
		return nil, auth.ErrMissingCredentials
	}
	login, ok := a.logins[header]
	if !ok {
		return nil, &auth.RejectedError{Service: "blackbox"}
	}
	return &auth.TokenInfo{Login: login}, nil
}

type stubAuthorizer struct {
	allowed map[string]bool
	err     error

	mu     sync.Mutex
	inputs []policy.Input
}

func (a *stubAuthorizer) Decide(_ context.Context, input policy.Input) (policy.Decision, error) {
	a.mu.Lock()
	a.inputs = append(a.inputs, input)
	a.mu.Unlock()
	if a.err != nil {
		return policy.Decision{}, a.err
	}
	if a.allowed[input.Login] {
		return policy.Decision{Allowed: true}, nil
	}
	return policy.Decision{Reason: "login " + input.Login + " may not run " + input.Command}, nil
}

type stubOAuth struct {
	token *auth.OAuthToken
	err   error
	codes []string
}

func (o *stubOAuth) BuildRedirectURL(clientID string, state any) (string, error) {
	return fmt.Sprintf("https://oauth.example/authorize?client_id=%s&state=%s",
		url.QueryEscape(clientID), url.QueryEscape(fmt.Sprint(state))), nil
}

func (o *stubOAuth) ObtainToken(_ context.Context, clientID, clientSecret, code string) (*auth.OAuthToken, error) {
	o.codes = append(o.codes, clientID+":"+clientSecret+":"+code)
	if o.err != nil {
		return nil, o.err
	}
	return o.token, nil
}

var errBackend = errors.New("backend unavailable")
