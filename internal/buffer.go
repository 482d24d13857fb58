package internal

import (
	"sync"
)

type bbuffer[T any] interface {
	peek() (T, bool)
	pop() T
	push(T)
	len() int
}

// accumulate reads values produced by the consumer into an in-memory buffer. A
// channel is returned which provides those buffered values for consumption.
//
// This is helpful for smoothing out spikes in activity. Without this we could
// have tens of thousands of idle goroutines, at which point the scheduler can
// eat up CPU trying to find something to run.
func accumulate[T any](producer <-chan T, buf bbuffer[T]) <-chan T {
	c := make(chan T)

	go func() {
		for {
			// If our buffer is empty our consumer<- will just no-op until
			// something is produced.
			var consumer chan T
			var next T
			if t, ok := buf.peek(); ok {
				consumer = c
				next = t
			}

			// Either buffer the next produced element, or pass a buffered
			// entry down to the consumer.
			select {
			case val, ok := <-producer:
				if !ok {
					close(c)
					return
				}
				buf.push(val)
			case consumer <- next:
				_ = buf.pop()
			}
		}
	}()

	return c
}

// slicebuffer is a simple slice buffer. It is not thread safe.
type slicebuffer[T any] []T

//nolint:unused // Linter seems confused by generics.
func (s *slicebuffer[T]) pop() T {
	ss := (*s)[0]
	*s = (*s)[1:]
	return ss
}

//nolint:unused // Linter seems confused by generics.
func (s *slicebuffer[T]) push(t T) {
	if s == nil {
		s = &slicebuffer[T]{}
	}
	*s = append(*s, t)
}

//nolint:unused // Linter seems confused by generics.
func (s *slicebuffer[T]) peek() (T, bool) {
	if s == nil || len(*s) == 0 {
		var t T
		return t, false
	}
	return (*s)[0], true
}

//nolint:unused // Linter seems confused by generics.
func (s *slicebuffer[T]) len() int {
	return len(*s)
}

// rehydbuf collects rehydration requests and collapses duplicates: a burst of
// near-miss reads for the same key costs one archive fetch. FIFO order of
// first submission is preserved.
type rehydbuf struct {
	mu    sync.Mutex
	queue []string
	byKey map[string]rehydration
}

func (b *rehydbuf) push(r rehydration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.byKey == nil {
		b.byKey = map[string]rehydration{}
	}
	if _, ok := b.byKey[r.key]; !ok {
		b.queue = append(b.queue, r.key)
	}
	// Latest index entry wins for a repeated key.
	b.byKey[r.key] = r
}

func (b *rehydbuf) peek() (rehydration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		return rehydration{}, false
	}
	return b.byKey[b.queue[0]], true
}

func (b *rehydbuf) pop() rehydration {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := b.queue[0]
	b.queue = b.queue[1:]
	r := b.byKey[key]
	delete(b.byKey, key)
	return r
}

func (b *rehydbuf) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.queue)
}
