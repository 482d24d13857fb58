package internal

import (
	"context"
	"sync"
)

// ProgressFunc receives one callback per completed item, in completion order.
type ProgressFunc func(completed, total int, currentItem string, isError bool)

// _defaultEnrichConcurrency bounds the outbound fan-out per job.
const _defaultEnrichConcurrency = 10

// Enricher processes a slice of items in bounded batches: each batch of
// Concurrency items runs in parallel and is awaited before the next one
// starts. Items are mutated in place, so results keep input order while
// progress callbacks arrive in completion order.
type Enricher[T any] struct {
	// Enrich resolves one item. A per-item failure is reported through
	// OnError and Progress but never aborts the batch.
	Enrich func(ctx context.Context, item *T) error

	// Label names the item in progress messages.
	Label func(item *T) string

	// OnError records a per-item failure on the item itself.
	OnError func(item *T, err error)

	// Progress is invoked after every completed item. Optional.
	Progress ProgressFunc

	// Canceled is polled between batches. Optional.
	Canceled func() bool

	// Concurrency is the batch width. Zero means the default of 10.
	Concurrency int
}

// EnrichAll runs the items through Enrich. It returns early with ctx.Err or
// errCanceled between batches; in-flight items of the current batch are
// always awaited first.
func (e *Enricher[T]) EnrichAll(ctx context.Context, items []T) error {
	width := e.Concurrency
	if width <= 0 {
		width = _defaultEnrichConcurrency
	}

	total := len(items)
	completed := 0
	var mu sync.Mutex // Serializes the counter and progress emission.

	for start := 0; start < total; start += width {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.Canceled != nil && e.Canceled() {
			return errCanceled
		}

		end := start + width
		if end > total {
			end = total
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(item *T) {
				defer wg.Done()

				err := e.Enrich(ctx, item)
				if err != nil && e.OnError != nil {
					e.OnError(item, err)
				}

				mu.Lock()
				completed++
				if e.Progress != nil {
					e.Progress(completed, total, e.Label(item), err != nil)
				}
				mu.Unlock()
			}(&items[i])
		}
		wg.Wait()
	}
	return nil
}
