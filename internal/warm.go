package internal

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Warmer pre-populates the cache with author search results in the
// background. Search traffic enqueues the authors it touches; the warmer
// resolves each one once per week, so a reader browsing an author's catalog
// usually lands on a warm cache.
type Warmer struct {
	kv      *KV
	queue   chan string
	g       errgroup.Group
	closing sync.Once
}

var (
	_warmedTTL      = 7 * 24 * time.Hour
	_warmQueueDepth = 1024
)

// NewWarmer wires the queue. Call Run to start draining it.
func NewWarmer(kv *KV) *Warmer {
	w := &Warmer{
		kv:    kv,
		queue: make(chan string, _warmQueueDepth),
	}
	w.g.SetLimit(5)
	return w
}

// Enqueue schedules an author for warming. Never blocks; when the queue is
// full the author is dropped and will be re-enqueued by a later search.
func (w *Warmer) Enqueue(author string) {
	if author == "" {
		return
	}
	select {
	case w.queue <- author:
	default:
	}
}

// Run drains the queue until ctx is canceled, resolving each author through
// the aggregator's cached path. Submissions buffer through accumulate so a
// hot search burst doesn't stack up goroutines.
func (w *Warmer) Run(ctx context.Context, agg *Aggregator) {
	authors := accumulate(w.queue, &slicebuffer[string]{})
	for {
		select {
		case <-ctx.Done():
			return
		case author, ok := <-authors:
			if !ok {
				return
			}
			w.g.Go(func() error {
				w.warm(ctx, agg, author)
				return nil
			})
		}
	}
}

// Shutdown waits for in-flight warms to finish.
func (w *Warmer) Shutdown() {
	w.closing.Do(func() {
		_ = w.g.Wait()
	})
}

func (w *Warmer) warm(ctx context.Context, agg *Aggregator, author string) {
	key := warmingKey(author)
	if _, ok, _ := w.kv.Get(ctx, key); ok {
		return // Warmed within the last week.
	}

	_, _, err := agg.CachedSearch(ctx,
		CacheKey(kindAuthorSearch, author, nil), kindAuthorSearch,
		func(ctx context.Context) (*SearchResult, error) {
			return agg.SearchAuthor(ctx, author)
		})
	if err != nil {
		Log(ctx).Debug("author warming failed", "author", author, "err", err)
		return
	}

	if err := w.kv.Set(ctx, key, []byte("1"), fuzz(_warmedTTL, 0.2)); err != nil {
		Log(ctx).Warn("problem marking author warmed", "err", err, "author", author)
	}
}
