package internal

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateSpacesCalls(t *testing.T) {
	kv, _ := newTestKV(t)
	g := newProviderGate(kv, ProviderISBNdb, 200*time.Millisecond)

	require.NoError(t, g.Wait(t.Context()))

	// The second call has to sit out the remainder of the interval.
	start := time.Now()
	require.NoError(t, g.Wait(t.Context()))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestGateZeroInterval(t *testing.T) {
	kv, _ := newTestKV(t)
	g := newProviderGate(kv, ProviderISBNdb, 0)

	start := time.Now()
	for range 3 {
		require.NoError(t, g.Wait(t.Context()))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	var nilGate *providerGate
	assert.NoError(t, nilGate.Wait(t.Context()))
}

func TestGateFailsOpen(t *testing.T) {
	kv := newKVFromClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}))
	t.Cleanup(func() { _ = kv.Close() })
	g := newProviderGate(kv, ProviderISBNdb, time.Second)

	// A broken KV must not take the provider down with it.
	assert.NoError(t, g.Wait(t.Context()))
}

func TestGateContextCanceled(t *testing.T) {
	kv, _ := newTestKV(t)
	require.NoError(t, kv.SetInt(t.Context(), providerGateKey(ProviderISBNdb), time.Now().UnixMilli(), time.Minute))
	g := newProviderGate(kv, ProviderISBNdb, 5*time.Second)

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.Wait(ctx), context.DeadlineExceeded)
}
