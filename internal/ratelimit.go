package internal

import (
	"context"
	"sync"
	"time"
)

// RateLimiter enforces a fixed-window request quota per identity. Each
// identity gets its own singleton whose mutex serializes the
// read-check-increment sequence, so concurrent requests from one client
// can't race past the limit. The counter itself persists in the KV tier with
// the window as its TTL, which makes the limit hold across processes and
// reset itself on expiry.
//
// Fail-open: if the KV tier is unreachable the request is allowed and the
// error logged. Losing rate limiting briefly beats refusing all traffic.
type RateLimiter struct {
	kv     *KV
	limit  int64
	window time.Duration

	mu      sync.Mutex
	clients map[string]*sync.Mutex
}

// RateDecision is what the HTTP layer needs to emit 429s and the
// X-RateLimit-* headers.
type RateDecision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	Reset     time.Time
}

// RetryAfter is the whole-second wait until the window resets.
func (d RateDecision) RetryAfter() int {
	secs := int(time.Until(d.Reset).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

var (
	_defaultRateLimit  = int64(10)
	_defaultRateWindow = 60 * time.Second
)

// NewRateLimiter wires the limiter. Zero limit or window selects the
// defaults of 10 requests per 60 seconds.
func NewRateLimiter(kv *KV, limit int64, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = _defaultRateLimit
	}
	if window <= 0 {
		window = _defaultRateWindow
	}
	return &RateLimiter{
		kv:      kv,
		limit:   limit,
		window:  window,
		clients: map[string]*sync.Mutex{},
	}
}

// CheckAndIncrement atomically applies one request against the identity's
// window.
func (rl *RateLimiter) CheckAndIncrement(ctx context.Context, identity string) RateDecision {
	mu := rl.clientMu(identity)
	mu.Lock()
	defer mu.Unlock()

	allowed := RateDecision{
		Allowed:   true,
		Limit:     rl.limit,
		Remaining: rl.limit - 1,
		Reset:     time.Now().Add(rl.window),
	}

	key := rateLimitKey(identity)
	count, err := rl.kv.GetInt(ctx, key)
	if err != nil {
		Log(ctx).Warn("rate limiter failing open", "err", err, "identity", identity)
		return allowed
	}

	ttl, err := rl.kv.TTL(ctx, key)
	if err != nil || ttl <= 0 {
		ttl = rl.window
	}
	reset := time.Now().Add(ttl)

	if count >= rl.limit {
		return RateDecision{
			Allowed:   false,
			Limit:     rl.limit,
			Remaining: 0,
			Reset:     reset,
		}
	}

	// Keep the original window on increment; only a fresh counter starts a
	// new one.
	newTTL := ttl
	if count == 0 {
		newTTL = rl.window
		reset = time.Now().Add(rl.window)
	}
	if err := rl.kv.SetInt(ctx, key, count+1, newTTL); err != nil {
		Log(ctx).Warn("rate limiter failing open", "err", err, "identity", identity)
		return allowed
	}

	return RateDecision{
		Allowed:   true,
		Limit:     rl.limit,
		Remaining: rl.limit - count - 1,
		Reset:     reset,
	}
}

// clientMu returns the per-identity mutex, allocating on first sight.
func (rl *RateLimiter) clientMu(identity string) *sync.Mutex {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	mu, ok := rl.clients[identity]
	if !ok {
		mu = &sync.Mutex{}
		rl.clients[identity] = mu
	}
	return mu
}
