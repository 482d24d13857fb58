package internal

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Tier labels which cache layer actually served a read. It reflects the
// serving tier, not where the entry was originally written.
type Tier string

const (
	TierEdge Tier = "T1"
	TierKV   Tier = "T2"
	TierCold Tier = "COLD"
	TierMiss Tier = "MISS"
)

var (
	// _edgeBackfillTTL caps how long a T2 hit lives in the edge tier.
	_edgeBackfillTTL = 6 * time.Hour

	// _rehydrateTTL is the fresh T2 lifetime of a rehydrated entry.
	_rehydrateTTL = 7 * 24 * time.Hour

	// _coldIndexTTL is how long cold-index entries stick around.
	_coldIndexTTL = 90 * 24 * time.Hour

	// _negativeTTL is the lifetime of a cached negative result.
	_negativeTTL = 7 * 24 * time.Hour
)

// _missing marks a cached negative result. Absence is knowledge too; we don't
// re-ask upstreams for things they told us they don't have.
var _missing = []byte{0}

// ReadResult is the outcome of a tiered read. Data is nil for COLD and MISS.
type ReadResult struct {
	Data []byte
	Tier Tier
}

// coldIndexEntry is the small T2 record pointing at a large archived object.
type coldIndexEntry struct {
	ArchivePath string       `json:"archivePath"`
	CreatedAt   time.Time    `json:"createdAt"`
	Size        int          `json:"size"`
	Kind        endpointKind `json:"kind"`
}

// TieredCache layers the edge cache over the shared KV store over the cold
// archive. Reads always probe T1 before T2 before the cold index; writes fan
// out to every tier concurrently and tolerate per-tier failures.
type TieredCache struct {
	edge    cache[[]byte]
	kv      *KV
	archive *Archive // nil disables the cold tier.
	metrics *cacheMetrics

	rehydrateC chan rehydration
	rehydrateG errgroup.Group

	done      chan struct{}
	closeOnce sync.Once
}

type rehydration struct {
	key   string
	entry coldIndexEntry
}

// NewTieredCache assembles the hierarchy. Call Run to start the rehydration
// worker; pass a nil archive to run without a cold tier.
func NewTieredCache(edge cache[[]byte], kv *KV, archive *Archive, metrics *cacheMetrics) *TieredCache {
	t := &TieredCache{
		edge:       edge,
		kv:         kv,
		archive:    archive,
		metrics:    metrics,
		rehydrateC: make(chan rehydration),
		done:       make(chan struct{}),
	}
	t.rehydrateG.SetLimit(4)
	return t
}

// Read probes the tiers in order. A COLD result schedules background
// rehydration; the caller does not wait for it.
func (t *TieredCache) Read(ctx context.Context, key string) ReadResult {
	if data, _, ok := t.edge.GetWithTTL(ctx, key); ok {
		return ReadResult{Data: data, Tier: TierEdge}
	}

	data, remaining, ok, err := t.kv.GetWithTTL(ctx, key)
	if err != nil {
		Log(ctx).Warn("problem reading kv tier", "err", err, "key", key)
	}
	if ok {
		t.metrics.hitInc("kv")
		// Backfill the edge asynchronously so the caller isn't taxed.
		go t.edge.Set(context.WithoutCancel(ctx), key, data, min(_edgeBackfillTTL, remaining))
		return ReadResult{Data: data, Tier: TierKV}
	}
	t.metrics.missInc("kv")

	if entry, ok := t.coldIndex(ctx, key); ok {
		t.scheduleRehydration(key, entry)
		return ReadResult{Tier: TierCold}
	}

	return ReadResult{Tier: TierMiss}
}

// Write populates all tiers concurrently. quality is the data-quality score
// in [0,1] used to scale the endpoint kind's base TTL. Failures in any single
// tier are logged but never abort the others.
func (t *TieredCache) Write(ctx context.Context, key string, payload []byte, kind endpointKind, quality float64) {
	ttl := adjustTTL(kind.baseTTL(), quality)
	now := time.Now()

	ctx = context.WithoutCancel(ctx)
	wg := sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		t.edge.Set(ctx, key, payload, min(ttl, _edgeBackfillTTL))
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := t.kv.Set(ctx, key, payload, ttl); err != nil {
			Log(ctx).Warn("problem writing kv tier", "err", err, "key", key)
		}
	}()

	if t.archive != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			path, size, err := t.archive.Store(ctx, key, payload, kind, now)
			if err != nil {
				Log(ctx).Warn("problem archiving", "err", err, "key", key)
				return
			}
			entry, err := json.Marshal(coldIndexEntry{
				ArchivePath: path,
				CreatedAt:   now,
				Size:        size,
				Kind:        kind,
			})
			if err != nil {
				return
			}
			if err := t.kv.Set(ctx, coldIndexKey(key), entry, _coldIndexTTL); err != nil {
				Log(ctx).Warn("problem writing cold index", "err", err, "key", key)
			}
		}()
	}

	wg.Wait()
}

// WriteNegative records a lookup that found nothing. The sentinel lives in
// the warm tiers only; negatives are not worth archiving.
func (t *TieredCache) WriteNegative(ctx context.Context, key string) {
	ttl := fuzz(_negativeTTL, 0.2)
	ctx = context.WithoutCancel(ctx)
	t.edge.Set(ctx, key, _missing, min(ttl, _edgeBackfillTTL))
	if err := t.kv.Set(ctx, key, _missing, ttl); err != nil {
		Log(ctx).Warn("problem writing negative entry", "err", err, "key", key)
	}
}

// Expire drops the entry from the warm tiers. The archived copy survives so
// a later read can still rehydrate.
func (t *TieredCache) Expire(ctx context.Context, key string) {
	_ = t.edge.Expire(ctx, key)
	if err := t.kv.Delete(ctx, key); err != nil {
		Log(ctx).Warn("problem expiring kv tier", "err", err, "key", key)
	}
}

func (t *TieredCache) coldIndex(ctx context.Context, key string) (coldIndexEntry, bool) {
	if t.archive == nil {
		return coldIndexEntry{}, false
	}
	b, ok, err := t.kv.Get(ctx, coldIndexKey(key))
	if err != nil || !ok {
		return coldIndexEntry{}, false
	}
	var entry coldIndexEntry
	if err := json.Unmarshal(b, &entry); err != nil {
		return coldIndexEntry{}, false
	}
	return entry, true
}

// scheduleRehydration hands the key to the background worker. The submission
// never blocks request handling, and a submission racing Shutdown is simply
// dropped; late workers can still take the COLD path safely.
func (t *TieredCache) scheduleRehydration(key string, entry coldIndexEntry) {
	t.metrics.rehydrationInc("scheduled")
	go func() {
		select {
		case t.rehydrateC <- rehydration{key: key, entry: entry}:
		case <-t.done:
		}
	}()
}

// Run drains the rehydration queue until ctx is done or Shutdown is called.
// Submissions are buffered through accumulate so bursts of near-misses don't
// pile up goroutines.
func (t *TieredCache) Run(ctx context.Context) {
	queued := accumulate(t.rehydrateC, &rehydbuf{})
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case r, ok := <-queued:
			if !ok {
				return
			}
			t.rehydrateG.Go(func() error {
				t.rehydrate(ctx, r)
				return nil
			})
		}
	}
}

// Shutdown stops accepting rehydrations and waits for in-flight ones.
func (t *TieredCache) Shutdown(ctx context.Context) {
	t.closeOnce.Do(func() { close(t.done) })
	_ = t.rehydrateG.Wait()
}

// rehydrate restores an archived object into T2 and T1 and retires the cold
// index entry. Duplicate submissions are harmless; the last write wins.
func (t *TieredCache) rehydrate(ctx context.Context, r rehydration) {
	payload, err := t.archive.Fetch(ctx, r.entry.ArchivePath)
	if err != nil {
		Log(ctx).Warn("problem rehydrating", "err", err, "path", r.entry.ArchivePath)
		t.metrics.rehydrationInc("failed")
		return
	}

	if err := t.kv.Set(ctx, r.key, payload, _rehydrateTTL); err != nil {
		Log(ctx).Warn("problem restoring to kv tier", "err", err, "key", r.key)
		t.metrics.rehydrationInc("failed")
		return
	}
	t.edge.Set(ctx, r.key, payload, _edgeBackfillTTL)

	if err := t.kv.Delete(ctx, coldIndexKey(r.key)); err != nil {
		Log(ctx).Warn("problem retiring cold index", "err", err, "key", r.key)
	}
	t.metrics.rehydrationInc("completed")
}

// adjustTTL scales the base TTL by data quality: strong results live twice as
// long, weak ones half.
func adjustTTL(base time.Duration, quality float64) time.Duration {
	switch {
	case quality > 0.8:
		return base * 2
	case quality < 0.4:
		return base / 2
	}
	return base
}

// qualityScore estimates data quality in [0,1]: the fraction of works that
// carry both provenance identifiers and a cover, plus a description-length
// term.
func qualityScore(res *SearchResult) float64 {
	if res == nil || len(res.Works) == 0 {
		return 0
	}
	complete, described := 0, 0
	for _, w := range res.Works {
		if len(w.Contributors) > 0 && w.CoverURL != "" {
			complete++
		}
		if len(w.Description) >= 100 {
			described++
		}
	}
	n := float64(len(res.Works))
	return 0.8*(float64(complete)/n) + 0.2*(float64(described)/n)
}

// fuzz scales the given duration into the range (d, d * f) to spread expiry.
func fuzz(d time.Duration, f float64) time.Duration {
	if f < 1.0 {
		f += 1.0
	}
	factor := 1.0 + rand.Float64()*(f-1.0)
	return time.Duration(float64(d) * factor)
}
