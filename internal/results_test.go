package internal

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultsStoreWriteOnce(t *testing.T) {
	ctx := context.Background()
	kv, _ := newTestKV(t)
	store := NewResultsStore(kv)

	payload := batchResults{Items: []EnrichedItem{}, Total: 0}
	require.NoError(t, store.Put(ctx, PipelineBatchEnrichment, "job-1", payload))

	// Results are immutable once written.
	err := store.Put(ctx, PipelineBatchEnrichment, "job-1", payload)
	assert.ErrorContains(t, err, "already written")

	raw, err := store.Get(ctx, PipelineBatchEnrichment, "job-1")
	require.NoError(t, err)
	var back batchResults
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, 0, back.Total)
}

func TestResultsStoreNotFound(t *testing.T) {
	ctx := context.Background()
	kv, mr := newTestKV(t)
	store := NewResultsStore(kv)

	_, err := store.Get(ctx, PipelineAIScan, "missing")
	assert.ErrorIs(t, err, errNotFound)

	// Pipelines are distinct namespaces.
	require.NoError(t, store.Put(ctx, PipelineAIScan, "job-2", scanResults{}))
	_, err = store.Get(ctx, PipelineCSVImport, "job-2")
	assert.ErrorIs(t, err, errNotFound)

	// Expired results surface as not-found too.
	mr.FastForward(_resultsTTL + time.Second)
	_, err = store.Get(ctx, PipelineAIScan, "job-2")
	assert.ErrorIs(t, err, errNotFound)
}

func TestResultsURL(t *testing.T) {
	assert.Equal(t, "/v1/scan/results/j1", ResultsURL(PipelineAIScan, "j1"))
	assert.Equal(t, "/v1/csv/results/j1", ResultsURL(PipelineCSVImport, "j1"))
	assert.Equal(t, "/v1/enrichment/results/j1", ResultsURL(PipelineBatchEnrichment, "j1"))
}
