package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAccumulateRehydrations(t *testing.T) {
	buf := &rehydbuf{}
	assert.Equal(t, 0, buf.len())

	producer := make(chan rehydration)
	consumer := accumulate(producer, buf)

	producer <- rehydration{key: "search:isbn:9780000000001", entry: coldIndexEntry{ArchivePath: "2026/01/a"}}
	producer <- rehydration{key: "search:isbn:9780000000001", entry: coldIndexEntry{ArchivePath: "2026/02/a"}}
	producer <- rehydration{key: "search:title:dune", entry: coldIndexEntry{ArchivePath: "2026/01/b"}}
	// We unblock as soon as a value is sent down the producer channel but
	// before the buffer is updated. Sleep to allow the other goroutine to allow it
	// to actually push the value into the buffer. Racy but it works for now.
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, buf.len())

	r := <-consumer
	// Duplicate submissions collapse; the latest index entry wins.
	assert.Equal(t, rehydration{key: "search:isbn:9780000000001", entry: coldIndexEntry{ArchivePath: "2026/02/a"}}, r)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, buf.len())

	r = <-consumer
	assert.Equal(t, rehydration{key: "search:title:dune", entry: coldIndexEntry{ArchivePath: "2026/01/b"}}, r)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, buf.len())

	close(producer)

	_, ok := <-consumer
	assert.False(t, ok)
}

func TestAccumulateSlice(t *testing.T) {
	buf := slicebuffer[int]{}
	producer := make(chan int)
	consumer := accumulate(producer, &buf)

	// Test this case where we consume before producing.
	go func() {
		time.Sleep(time.Second)
		producer <- -1
	}()
	x := <-consumer
	assert.Equal(t, -1, x)

	producer <- 1
	producer <- 2
	producer <- 3

	n := <-consumer
	assert.Equal(t, 1, n)
	n = <-consumer
	assert.Equal(t, 2, n)
	n = <-consumer
	assert.Equal(t, 3, n)

	close(producer)

	_, ok := <-consumer
	assert.False(t, ok)
}
