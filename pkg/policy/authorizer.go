package policy

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

// ErrDenied is returned by Check when the policy rejects the request.
var ErrDenied = errors.New("denied by policy")

const (
	defaultQuery         = "data.polis.driver.allow"
	defaultCacheCapacity = 1024
)

// Authorizer evaluates a prepared Rego query.
type Authorizer struct {
	query    string
	prepared rego.PreparedEvalQuery
	cache    *decisionCache
	logger   *slog.Logger
}

// Options control Authorizer construction.
type Options struct {
	// CacheMaxEntries bounds the decision cache (LRU). Zero selects the
	// default size; negative disables caching.
	CacheMaxEntries int
	Logger          *slog.Logger
}

// NewAuthorizer parses module and prepares query for evaluation.
func NewAuthorizer(ctx context.Context, module, query string, opts Options) (*Authorizer, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		query = defaultQuery
	}
	if strings.TrimSpace(module) == "" {
		return nil, errors.New("policy requires a rego module")
	}

	parsed, err := ast.ParseModuleWithOpts("driver.rego", module, ast.ParserOptions{RegoVersion: ast.RegoV1})
	if err != nil {
		return nil, fmt.Errorf("parse rego module: %w", err)
	}

	prepared, err := rego.New(
		rego.Query(query),
		rego.ParsedModule(parsed),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile rego module: %w", err)
	}

	maxEntries := opts.CacheMaxEntries
	switch {
	case maxEntries == 0:
		maxEntries = defaultCacheCapacity
	case maxEntries < 0:
		maxEntries = 0
	}

	a := &Authorizer{query: query, prepared: prepared, logger: opts.Logger}
	if maxEntries > 0 {
		a.cache = newDecisionCache(maxEntries)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a, nil
}

// LoadAuthorizer reads the module from path.
func LoadAuthorizer(ctx context.Context, path, query string, opts Options) (*Authorizer, error) {
	//nolint:gosec // Policy path is controlled by admin/operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy module %s: %w", path, err)
	}
	return NewAuthorizer(ctx, string(data), query, opts)
}

// Allow reports whether the input is permitted.
func (a *Authorizer) Allow(ctx context.Context, input Input) (bool, error) {
	decision, err := a.Decide(ctx, input)
	if err != nil {
		return false, err
	}
	return decision.Allowed, nil
}

// Check returns ErrDenied, wrapped with the policy reason, when the input is
// not permitted.
func (a *Authorizer) Check(ctx context.Context, input Input) error {
	decision, err := a.Decide(ctx, input)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		if decision.Reason != "" {
			return fmt.Errorf("%w: %s", ErrDenied, decision.Reason)
		}
		return ErrDenied
	}
	return nil
}

// Decide evaluates the policy. An undefined result denies.
func (a *Authorizer) Decide(ctx context.Context, input Input) (Decision, error) {
	key := a.cacheKey(input)
	if a.cache != nil {
		if cached, ok := a.cache.Get(key); ok {
			return cached, nil
		}
	}

	results, err := a.prepared.Eval(ctx, rego.EvalInput(input.toMap()))
	if err != nil {
		return Decision{}, fmt.Errorf("opa decision: %w", err)
	}

	decision := Decision{Reason: "policy result undefined"}
	if len(results) > 0 && len(results[0].Expressions) > 0 {
		decision, err = parseDecision(results[0].Expressions[0].Value)
		if err != nil {
			return Decision{}, err
		}
	}

	a.logger.Debug("Policy evaluated",
		"query", a.query,
		"login", input.Login,
		"command", input.Command,
		"allowed", decision.Allowed)

	if a.cache != nil {
		a.cache.Add(key, decision)
	}
	return decision, nil
}

// FlushCache clears all cached decisions. Safe to call concurrently.
func (a *Authorizer) FlushCache() {
	if a.cache != nil {
		a.cache.Clear()
	}
}

func parseDecision(value any) (Decision, error) {
	switch typed := value.(type) {
	case bool:
		if typed {
			return Decision{Allowed: true}, nil
		}
		return Decision{Reason: "not allowed"}, nil
	case map[string]any:
		allowed, ok := typed["allow"].(bool)
		if !ok {
			return Decision{}, fmt.Errorf("opa decision: allow must be bool, got %T", typed["allow"])
		}
		reason, _ := typed["reason"].(string)
		return Decision{Allowed: allowed, Reason: reason}, nil
	default:
		return Decision{}, fmt.Errorf("opa decision: unexpected result type %T", value)
	}
}

func (a *Authorizer) cacheKey(input Input) string {
	h := sha256.New()
	writeCacheKeyField(h, input.Login)
	writeCacheKeyField(h, input.Party)
	writeCacheKeyField(h, input.Command)
	return hex.EncodeToString(h.Sum(nil))
}

// writeCacheKeyField writes a field to the hash followed by a null delimiter.
func writeCacheKeyField(h hash.Hash, value string) {
	h.Write([]byte(value))
	h.Write([]byte{0})
}

type decisionCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type cacheItem struct {
	key   string
	value Decision
}

func newDecisionCache(capacity int) *decisionCache {
	return &decisionCache{
		max:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element, capacity),
	}
}

func (c *decisionCache) Get(key string) (Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return Decision{}, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(cacheItem).value, true
}

func (c *decisionCache) Add(key string, value Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value = cacheItem{key: key, value: value}
		c.order.MoveToFront(elem)
		return
	}

	c.entries[key] = c.order.PushFront(cacheItem{key: key, value: value})
	if c.order.Len() <= c.max {
		return
	}

	if tail := c.order.Back(); tail != nil {
		c.order.Remove(tail)
		delete(c.entries, tail.Value.(cacheItem).key)
	}
}

func (c *decisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *decisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.entries = make(map[string]*list.Element, c.max)
}
