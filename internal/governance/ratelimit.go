package governance

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// HeavyKey is the limiter key shared by all commands marked heavy.
const HeavyKey = "@heavy"

// LimitConfig is a token bucket rate for one command or class of commands.
type LimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `yaml:"burst" json:"burst"`
}

// CommandLimiter throttles executions per command name. Commands without a
// configured limit are always allowed.
type CommandLimiter struct {
	mu      sync.RWMutex
	clock   Clock
	buckets map[string]*tokenBucket
}

// NewCommandLimiter creates a limiter with the given per-key limits.
func NewCommandLimiter(limits map[string]LimitConfig, clock Clock) *CommandLimiter {
	if clock == nil {
		clock = RealClock()
	}
	l := &CommandLimiter{clock: clock, buckets: map[string]*tokenBucket{}}
	l.Configure(limits)
	return l
}

// Configure replaces the limits. Buckets of keys that keep a limit retain
// their current tokens.
func (l *CommandLimiter) Configure(limits map[string]LimitConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	buckets := make(map[string]*tokenBucket, len(limits))
	for key, cfg := range limits {
		if b, ok := l.buckets[key]; ok {
			b.configure(cfg, now)
			buckets[key] = b
			continue
		}
		buckets[key] = newTokenBucket(cfg, now)
	}
	l.buckets = buckets
}

// Allow takes a token for the command, and for the heavy class when heavy is
// set. When denied it returns how long until a token is available.
func (l *CommandLimiter) Allow(command string, heavy bool) (bool, time.Duration) {
	l.mu.RLock()
	keys := []string{command}
	if heavy {
		keys = append(keys, HeavyKey)
	}
	var selected []*tokenBucket
	for _, key := range keys {
		if b, ok := l.buckets[key]; ok {
			selected = append(selected, b)
		}
	}
	l.mu.RUnlock()

	now := l.clock.Now()
	for _, b := range selected {
		if wait := b.wait(now); wait > 0 {
			return false, wait
		}
	}
	for _, b := range selected {
		b.take(now)
	}
	return true, 0
}

// LimitStats describes one bucket.
type LimitStats struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
	Available         float64 `json:"available"`
}

// Stats returns the state of every configured bucket.
func (l *CommandLimiter) Stats() map[string]LimitStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.clock.Now()
	stats := make(map[string]LimitStats, len(l.buckets))
	for key, b := range l.buckets {
		stats[key] = b.stats(now)
	}
	return stats
}

type tokenBucket struct {
	mu         sync.Mutex
	rate       float64
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

func newTokenBucket(cfg LimitConfig, now time.Time) *tokenBucket {
	b := &tokenBucket{lastRefill: now}
	b.apply(cfg)
	b.tokens = b.capacity
	return b
}

func (b *tokenBucket) apply(cfg LimitConfig) {
	b.rate = cfg.RequestsPerSecond
	if b.rate <= 0 {
		b.rate = 1
	}
	b.capacity = float64(cfg.Burst)
	if b.capacity <= 0 {
		b.capacity = math.Max(1, b.rate)
	}
}

func (b *tokenBucket) configure(cfg LimitConfig, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(now)
	b.apply(cfg)
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// refill must be called with mu held.
func (b *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
		b.lastRefill = now
	}
}

func (b *tokenBucket) wait(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(now)
	if b.tokens >= 1 {
		return 0
	}
	return time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
}

func (b *tokenBucket) take(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
	}
}

func (b *tokenBucket) stats(now time.Time) LimitStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(now)
	return LimitStats{
		RequestsPerSecond: b.rate,
		Burst:             int(b.capacity),
		Available:         b.tokens,
	}
}

// WriteRetryAfter sets the Retry-After header for a throttled response,
// rounding up to whole seconds.
func WriteRetryAfter(w http.ResponseWriter, wait time.Duration) {
	seconds := int(math.Ceil(wait.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
}
