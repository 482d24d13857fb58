package internal

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDetector struct {
	books []DetectedBook
	err   error
}

func (f *fakeDetector) DetectBooksInImage(context.Context, []byte, string) ([]DetectedBook, error) {
	return f.books, f.err
}

// testWorker assembles a worker over fakes, plus a ready-to-run job bound to
// a recorder sink.
func testWorker(t *testing.T, agg *Aggregator, detector Detector, pipeline Pipeline) (*Worker, *ResultsStore, *Job, *recorderSink) {
	t.Helper()
	kv, _ := newTestKV(t)
	results := NewResultsStore(kv)
	w := NewWorker(agg, detector, results, 0.6)

	reg := NewJobRegistry(newJobMetrics(nil))
	job := reg.Create(pipeline)
	sink := &recorderSink{}
	job.Bind(sink)
	job.Ready() // Skip the client grace period.
	return w, results, job, sink
}

func TestRunBatchEnrichment(t *testing.T) {
	ctx := context.Background()
	commercial := &fakeCatalog{name: ProviderISBNdb, byISBN: oneWorkResult(ProviderISBNdb, "Dune")}
	primary := &fakeCatalog{
		name:      ProviderGoogleBooks,
		byTextErr: &providerFailure{provider: ProviderGoogleBooks, kind: FailAuth, err: statusErr(403)},
	}
	agg := NewAggregator(commercial, primary, nil, nil, nil, nil)
	w, results, job, sink := testWorker(t, agg, nil, PipelineBatchEnrichment)

	w.RunBatchEnrichment(ctx, job, []string{"9780306406157", "Some Title"})

	assert.Equal(t, JobComplete, job.State())
	types := sink.types()
	assert.Equal(t, "job_started", types[0])
	assert.Equal(t, "job_complete", types[len(types)-1])

	final := sink.last()
	summary, ok := final.payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 2, summary["booksCount"])
	assert.Equal(t, 1, summary["succeeded"])
	assert.Equal(t, 1, summary["failed"])
	assert.Equal(t, ResultsURL(PipelineBatchEnrichment, job.ID), summary["resultsUrl"])

	// The full result set landed in the store.
	raw, err := results.Get(ctx, PipelineBatchEnrichment, job.ID)
	require.NoError(t, err)
	var res batchResults
	require.NoError(t, json.Unmarshal(raw, &res))
	require.Len(t, res.Items, 2)
	assert.Equal(t, EnrichmentSuccess, res.Items[0].Status)
	assert.Equal(t, EnrichmentError, res.Items[1].Status)
	assert.NotEmpty(t, res.Items[1].Error)
}

func TestRunBatchEnrichmentNotFound(t *testing.T) {
	ctx := context.Background()
	primary := &fakeCatalog{name: ProviderGoogleBooks, byTextErr: errNotFound}
	agg := NewAggregator(nil, primary, nil, nil, nil, nil)
	w, results, job, _ := testWorker(t, agg, nil, PipelineBatchEnrichment)

	w.RunBatchEnrichment(ctx, job, []string{"Ghost Title"})

	assert.Equal(t, JobComplete, job.State())
	raw, err := results.Get(ctx, PipelineBatchEnrichment, job.ID)
	require.NoError(t, err)
	var res batchResults
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, 1, res.NotFound)
	assert.Equal(t, EnrichmentNotFound, res.Items[0].Status)
}

func TestRunBatchEnrichmentCanceled(t *testing.T) {
	primary := &fakeCatalog{name: ProviderGoogleBooks, byText: oneWorkResult(ProviderGoogleBooks, "X")}
	agg := NewAggregator(nil, primary, nil, nil, nil, nil)
	w, _, job, sink := testWorker(t, agg, nil, PipelineBatchEnrichment)

	job.RequestCancel()
	w.RunBatchEnrichment(context.Background(), job, []string{"A", "B", "C"})

	assert.Equal(t, JobCanceled, job.State())
	final := sink.last()
	p, ok := final.payload.(Progress)
	require.True(t, ok)
	assert.True(t, p.Canceled)
}

func TestRunScan(t *testing.T) {
	ctx := context.Background()
	detector := &fakeDetector{books: []DetectedBook{
		{Title: "Dune", Author: "Frank Herbert", Confidence: 0.92},
		{Title: "Smudged Spine", Confidence: 0.31},
	}}
	primary := &fakeCatalog{name: ProviderGoogleBooks, byText: oneWorkResult(ProviderGoogleBooks, "Dune")}
	agg := NewAggregator(nil, primary, nil, nil, nil, nil)
	w, results, job, sink := testWorker(t, agg, detector, PipelineAIScan)

	w.RunScan(ctx, job, []byte("imagebytes"), "image/jpeg")

	assert.Equal(t, JobComplete, job.State())

	// Detection lands at 0.3 before enrichment fills 0.5..1.0.
	var progress []float64
	for _, m := range sink.messages {
		if m.msgType != "job_progress" {
			continue
		}
		p, ok := m.payload.(Progress)
		require.True(t, ok)
		progress = append(progress, p.Progress)
	}
	require.GreaterOrEqual(t, len(progress), 2)
	assert.Equal(t, 0.3, progress[0])
	// The enrichment handoff frame precedes the per-book updates.
	assert.Equal(t, 0.5, progress[1])
	assert.Equal(t, 1.0, progress[len(progress)-1])

	final := sink.last()
	summary := final.payload.(map[string]any)
	assert.Equal(t, 2, summary["totalDetected"])
	assert.Equal(t, 1, summary["approved"])
	assert.Equal(t, 1, summary["needsReview"])

	raw, err := results.Get(ctx, PipelineAIScan, job.ID)
	require.NoError(t, err)
	var res scanResults
	require.NoError(t, json.Unmarshal(raw, &res))
	require.Len(t, res.Books, 2)
	require.NotNil(t, res.Books[0].Enrichment)
	assert.Equal(t, EnrichmentSuccess, res.Books[0].Enrichment.Status)
}

func TestRunScanWithoutDetector(t *testing.T) {
	agg := NewAggregator(nil, nil, nil, nil, nil, nil)
	w, _, job, sink := testWorker(t, agg, nil, PipelineAIScan)

	w.RunScan(context.Background(), job, []byte("imagebytes"), "image/jpeg")

	assert.Equal(t, JobFailed, job.State())
	final := sink.last()
	e, ok := final.payload.(StreamError)
	require.True(t, ok)
	assert.Equal(t, CodeProviderDown, e.Code)
}

func TestRunScanDetectorFailure(t *testing.T) {
	detector := &fakeDetector{
		err: &providerFailure{provider: ProviderVision, kind: FailTimeout, err: context.DeadlineExceeded},
	}
	agg := NewAggregator(nil, nil, nil, nil, nil, nil)
	w, _, job, sink := testWorker(t, agg, detector, PipelineAIScan)

	w.RunScan(context.Background(), job, []byte("imagebytes"), "image/jpeg")

	assert.Equal(t, JobFailed, job.State())
	e := sink.last().payload.(StreamError)
	assert.Equal(t, CodeProviderTimeout, e.Code)
	assert.True(t, e.Retryable)
}

func TestRunCSVImport(t *testing.T) {
	ctx := context.Background()
	commercial := &fakeCatalog{name: ProviderISBNdb, byISBN: oneWorkResult(ProviderISBNdb, "Dune")}
	primary := &fakeCatalog{name: ProviderGoogleBooks, byText: oneWorkResult(ProviderGoogleBooks, "Dune")}
	agg := NewAggregator(commercial, primary, nil, nil, nil, nil)
	w, results, job, _ := testWorker(t, agg, nil, PipelineCSVImport)

	body := []byte("title,author,isbn\nDune,Frank Herbert,9780306406157\nHyperion,Dan Simmons,\n")
	w.RunCSVImport(ctx, job, body)

	assert.Equal(t, JobComplete, job.State())
	raw, err := results.Get(ctx, PipelineCSVImport, job.ID)
	require.NoError(t, err)
	var res batchResults
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 2, res.Succeeded)
}

func TestRunCSVImportBadContent(t *testing.T) {
	agg := NewAggregator(nil, nil, nil, nil, nil, nil)
	w, _, job, sink := testWorker(t, agg, nil, PipelineCSVImport)

	w.RunCSVImport(context.Background(), job, []byte("author,isbn\nHerbert,123\n"))

	assert.Equal(t, JobFailed, job.State())
	e := sink.last().payload.(StreamError)
	assert.Equal(t, CodeInvalidContent, e.Code)
}

func TestParseCSVBooks(t *testing.T) {
	items, err := parseCSVBooks([]byte("Title, Author, ISBN\nDune,Frank Herbert,978-0-306-40615-7\n,,\nHyperion,,\n"))
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "Dune", items[0].Query.Title)
	assert.Equal(t, "Frank Herbert", items[0].Query.Author)
	assert.Equal(t, "9780306406157", items[0].Query.ISBN)
	assert.Equal(t, "Hyperion", items[1].Query.Title)

	// Title is the one required column.
	_, err = parseCSVBooks([]byte("author,isbn\nHerbert,123\n"))
	assert.ErrorContains(t, err, "title")

	// A header with no usable rows is an error.
	_, err = parseCSVBooks([]byte("title,author\n"))
	assert.ErrorContains(t, err, "no importable rows")

	_, err = parseCSVBooks([]byte(""))
	assert.Error(t, err)
}

func TestStreamErrorFor(t *testing.T) {
	e := streamErrorFor(&providerFailure{provider: ProviderVision, kind: FailRateLimited, err: statusErr(429)})
	assert.Equal(t, CodeProviderDown, e.Code)
	assert.True(t, e.Retryable)

	e = streamErrorFor(&providerFailure{provider: ProviderVision, kind: FailMalformed, err: statusErr(200)})
	assert.Equal(t, CodeProviderError, e.Code)
	assert.False(t, e.Retryable)

	e = streamErrorFor(context.Canceled)
	assert.Equal(t, CodeInternal, e.Code)
}

func TestSummarize(t *testing.T) {
	res := summarize([]EnrichedItem{
		{Status: EnrichmentSuccess},
		{Status: EnrichmentSuccess},
		{Status: EnrichmentNotFound},
		{Status: EnrichmentError},
	})
	assert.Equal(t, 4, res.Total)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.NotFound)
	assert.Equal(t, 1, res.Failed)
}
