package internal

import (
	"context"
	"time"
)

// providerGate enforces a per-provider minimum inter-call interval. The last
// call timestamp is persisted in the shared KV tier under a well-known key so
// every process honors the same quota. Races between readers are acceptable:
// the only effect is briefly over- or under-waiting.
type providerGate struct {
	kv       *KV
	provider Provider
	interval time.Duration
}

// newProviderGate creates a gate. A zero interval disables it.
func newProviderGate(kv *KV, provider Provider, interval time.Duration) *providerGate {
	return &providerGate{kv: kv, provider: provider, interval: interval}
}

// Wait blocks until the provider's interval has elapsed since the last
// recorded call, then records this one. Gate errors fail open: a broken KV
// must not take the provider down with it.
func (g *providerGate) Wait(ctx context.Context) error {
	if g == nil || g.interval <= 0 {
		return nil
	}

	key := providerGateKey(g.provider)
	last, err := g.kv.GetInt(ctx, key)
	if err != nil {
		Log(ctx).Warn("provider gate unavailable, proceeding", "err", err, "provider", g.provider)
		return nil
	}

	if last > 0 {
		elapsed := time.Since(time.UnixMilli(last))
		if wait := g.interval - elapsed; wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if err := g.kv.SetInt(ctx, key, time.Now().UnixMilli(), g.interval*10); err != nil {
		Log(ctx).Warn("problem recording provider gate", "err", err, "provider", g.provider)
	}
	return nil
}
