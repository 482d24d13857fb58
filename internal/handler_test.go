package internal

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handlerFixture struct {
	server  *httptest.Server
	jobs    *JobRegistry
	results *ResultsStore
}

// newHandlerFixture stands up the full HTTP surface over fake catalogs.
func newHandlerFixture(t *testing.T, commercial, primary, secondary Catalog, detector Detector) *handlerFixture {
	t.Helper()
	kv, _ := newTestKV(t)
	tiered := NewTieredCache(newMemoryCache(), kv, nil, newCacheMetrics(nil))
	agg := NewAggregator(commercial, primary, secondary, nil, tiered, nil)
	jobs := NewJobRegistry(newJobMetrics(nil))
	results := NewResultsStore(kv)
	worker := NewWorker(agg, detector, results, 0.6)
	limiter := NewRateLimiter(kv, 100, time.Minute)

	h := NewHandler(agg, jobs, worker, results, limiter, kv)
	server := httptest.NewServer(NewMux(h, NewMetrics()))
	t.Cleanup(server.Close)
	return &handlerFixture{server: server, jobs: jobs, results: results}
}

func (f *handlerFixture) get(t *testing.T, path string) (*http.Response, Envelope) {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	var env Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func TestSearchISBNRejectsInvalid(t *testing.T) {
	f := newHandlerFixture(t, &fakeCatalog{name: ProviderISBNdb}, nil, nil, nil)

	resp, env := f.get(t, "/v1/search/isbn?isbn=not-an-isbn")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_ISBN", resp.Header.Get("X-Error-Code"))
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeInvalidISBN, env.Error.Code)
	assert.Equal(t, "not-an-isbn", env.Error.Details["isbn"])
}

func TestSearchISBN(t *testing.T) {
	commercial := &fakeCatalog{name: ProviderISBNdb, byISBN: oneWorkResult(ProviderISBNdb, "Dune")}
	f := newHandlerFixture(t, commercial, nil, nil, nil)

	resp, env := f.get(t, "/v1/search/isbn?isbn=9780306406157")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache-Status"))
	assert.NotEmpty(t, resp.Header.Get("X-Response-Time"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Limit"))
	require.Nil(t, env.Error)
	require.NotNil(t, env.Metadata.Cached)
	assert.False(t, *env.Metadata.Cached)
	assert.Equal(t, ProviderISBNdb, env.Metadata.Provider)

	// The resolved payload is cached for the next identical request.
	resp, env = f.get(t, "/v1/search/isbn?isbn=978-0-306-40615-7")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "HIT", resp.Header.Get("X-Cache-Status"))
	assert.True(t, *env.Metadata.Cached)
	assert.Equal(t, []string{"isbn"}, commercial.called())
}

func TestSearchTitleEmptyIsSuccess(t *testing.T) {
	primary := &fakeCatalog{name: ProviderGoogleBooks, byTextErr: errNotFound}
	f := newHandlerFixture(t, nil, primary, nil, nil)

	resp, env := f.get(t, "/v1/search/title?q=no+such+book")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, env.Error)

	data, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var res SearchResult
	require.NoError(t, json.Unmarshal(data, &res))
	assert.Empty(t, res.Works)
	assert.NotNil(t, res.Works)
}

func TestSearchTitleRequiresQuery(t *testing.T) {
	f := newHandlerFixture(t, nil, &fakeCatalog{name: ProviderGoogleBooks}, nil, nil)

	resp, env := f.get(t, "/v1/search/title")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeInvalidQuery, env.Error.Code)
}

func TestSearchAdvancedRequiresParameter(t *testing.T) {
	f := newHandlerFixture(t, nil, &fakeCatalog{name: ProviderGoogleBooks}, nil, nil)

	resp, env := f.get(t, "/v1/search/advanced")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeMissingParameter, env.Error.Code)
}

func TestSearchEditionsValidatesLimit(t *testing.T) {
	f := newHandlerFixture(t, nil, &fakeCatalog{name: ProviderGoogleBooks}, nil, nil)

	resp, env := f.get(t, "/v1/editions/search?workTitle=Dune&limit=zero")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeInvalidParameter, env.Error.Code)

	resp, env = f.get(t, "/v1/editions/search")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeMissingParameter, env.Error.Code)
}

func TestRateLimitHeaders(t *testing.T) {
	kv, _ := newTestKV(t)
	tiered := NewTieredCache(newMemoryCache(), kv, nil, newCacheMetrics(nil))
	agg := NewAggregator(nil, &fakeCatalog{name: ProviderGoogleBooks, byTextErr: errNotFound}, nil, nil, tiered, nil)
	jobs := NewJobRegistry(newJobMetrics(nil))
	results := NewResultsStore(kv)
	h := NewHandler(agg, jobs, NewWorker(agg, nil, results, 0.6), results, NewRateLimiter(kv, 2, time.Minute), kv)
	server := httptest.NewServer(NewMux(h, NewMetrics()))
	t.Cleanup(server.Close)

	for i := range 2 {
		resp, err := http.Get(server.URL + "/v1/search/title?q=dune")
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "2", resp.Header.Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(1-i), resp.Header.Get("X-RateLimit-Remaining"))
	}

	resp, err := http.Get(server.URL + "/v1/search/title?q=dune")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Reset"))

	var env Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.Equal(t, CodeRateLimited, env.Error.Code)

	// The health endpoint sits outside the quota.
	resp, err = http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEnrichBatch(t *testing.T) {
	commercial := &fakeCatalog{name: ProviderISBNdb, byISBN: oneWorkResult(ProviderISBNdb, "Dune")}
	f := newHandlerFixture(t, commercial, nil, nil, nil)

	body, _ := json.Marshal(map[string]any{
		"jobId":   "client-job-1",
		"workIds": []string{"9780306406157"},
	})
	resp, err := http.Post(f.server.URL+"/v1/enrichment/batch", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "BYPASS", resp.Header.Get("X-Cache-Status"))

	var env Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	handle, ok := env.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "client-job-1", handle["jobId"])
	assert.NotEmpty(t, handle["token"])

	job, ok := f.jobs.Get("client-job-1")
	require.True(t, ok)
	job.Ready() // Skip the client grace period.

	// The pipeline runs in the background; results appear once it finishes.
	deadline := time.Now().Add(5 * time.Second)
	for job.State() != JobComplete && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	require.Equal(t, JobComplete, job.State())

	resp2, env2 := f.get(t, "/v1/enrichment/results/client-job-1")
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Equal(t, "NONE", resp2.Header.Get("X-Cache-Status"))
	assert.Nil(t, env2.Error)
}

func TestEnrichBatchValidation(t *testing.T) {
	f := newHandlerFixture(t, nil, nil, nil, nil)

	resp, err := http.Post(f.server.URL+"/v1/enrichment/batch", "application/json",
		strings.NewReader(`{"workIds":[]}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "EMPTY_BATCH", resp.Header.Get("X-Error-Code"))

	ids := make([]string, 101)
	for i := range ids {
		ids[i] = "x"
	}
	body, _ := json.Marshal(map[string]any{"workIds": ids})
	resp, err = http.Post(f.server.URL+"/v1/enrichment/batch", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "BATCH_TOO_LARGE", resp.Header.Get("X-Error-Code"))
}

func TestScanBookshelfValidatesFileType(t *testing.T) {
	f := newHandlerFixture(t, nil, nil, nil, &fakeDetector{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", "shelf.tiff")
	require.NoError(t, err)
	_, _ = part.Write([]byte("not an image"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(f.server.URL+"/v1/scan/bookshelf", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_FILE_TYPE", resp.Header.Get("X-Error-Code"))
}

func TestScanBookshelfRequiresImage(t *testing.T) {
	f := newHandlerFixture(t, nil, nil, nil, &fakeDetector{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "no file here"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(f.server.URL+"/v1/scan/bookshelf", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "MISSING_PARAMETER", resp.Header.Get("X-Error-Code"))
}

func TestCSVImportEmptyBody(t *testing.T) {
	f := newHandlerFixture(t, nil, nil, nil, nil)

	resp, err := http.Post(f.server.URL+"/v1/csv/import", "text/csv", strings.NewReader(""))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_CONTENT", resp.Header.Get("X-Error-Code"))
}

func TestJobResultsNotFound(t *testing.T) {
	f := newHandlerFixture(t, nil, nil, nil, nil)

	resp, env := f.get(t, "/v1/scan/results/nonexistent")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, CodeJobNotFound, env.Error.Code)
}

func TestUnknownEndpoint(t *testing.T) {
	f := newHandlerFixture(t, nil, nil, nil, nil)

	resp, env := f.get(t, "/v1/no/such/route")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, CodeNotFound, env.Error.Code)
}

func TestHealthz(t *testing.T) {
	f := newHandlerFixture(t, nil, nil, nil, nil)

	resp, err := http.Get(f.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var status map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "ok", status["status"])
	assert.Equal(t, "ok", status["kv"])
}

func TestClientIdentity(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:4444"
	assert.Equal(t, "10.1.2.3", clientIdentity(r))

	r.RemoteAddr = "10.1.2.3"
	assert.Equal(t, "10.1.2.3", clientIdentity(r))
}

func TestJobContext(t *testing.T) {
	job := &Job{ID: "abc", Pipeline: PipelineAIScan}
	ctx := jobContext(job)
	assert.Equal(t, "ai_scan-abc", middleware.GetReqID(ctx))
}
