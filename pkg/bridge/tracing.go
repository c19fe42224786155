package bridge

import (
	"context"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// envMapCarrier adapts environment variables to a TextMapCarrier. Keys are
// stored upper-cased so "traceparent" becomes TRACEPARENT.
type envMapCarrier struct {
	env map[string]string
}

func (c *envMapCarrier) Get(key string) string {
	return c.env[strings.ToUpper(key)]
}

func (c *envMapCarrier) Set(key, value string) {
	c.env[strings.ToUpper(key)] = value
}

func (c *envMapCarrier) Keys() []string {
	keys := make([]string, 0, len(c.env))
	for k := range c.env {
		keys = append(keys, k)
	}
	return keys
}

var _ propagation.TextMapCarrier = (*envMapCarrier)(nil)

// InjectProcessEnv appends the trace context of ctx to env using the global
// propagator, so a child process can continue the trace.
func InjectProcessEnv(ctx context.Context, env []string) []string {
	carrier := &envMapCarrier{env: map[string]string{}}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	keys := carrier.Keys()
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+carrier.env[k])
	}
	return env
}
