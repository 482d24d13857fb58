package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/stampede"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler is our HTTP surface. It handles muxing, envelopes, and response
// headers, and offloads the actual work to the aggregator and the worker.
type Handler struct {
	agg      *Aggregator
	jobs     *JobRegistry
	worker   *Worker
	results  *ResultsStore
	limiter  *RateLimiter
	stream   *StreamHandler
	kv       *KV
	maxBatch int
}

var (
	_maxSearchResults = 20
	_maxScanImage     = int64(20 << 20)
	_maxCSVBody       = int64(10 << 20)
	_defaultMaxBatch  = 100
)

// NewHandler creates a new handler.
func NewHandler(agg *Aggregator, jobs *JobRegistry, worker *Worker, results *ResultsStore, limiter *RateLimiter, kv *KV) *Handler {
	return &Handler{
		agg:      agg,
		jobs:     jobs,
		worker:   worker,
		results:  results,
		limiter:  limiter,
		stream:   NewStreamHandler(jobs),
		kv:       kv,
		maxBatch: _defaultMaxBatch,
	}
}

// NewMux registers a handler's routes on a new router.
func NewMux(h *Handler, reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(responseTime)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(h.rateLimit)

		// Identical concurrent searches collapse into one; short TTL keeps
		// the edge coherent without masking the tiered cache.
		coalesce := stampede.Handler(512, time.Second)

		r.With(coalesce).Get("/search/isbn", h.searchISBN)
		r.With(coalesce).Get("/search/title", h.searchTitle)
		r.With(coalesce).Get("/search/advanced", h.searchAdvanced)
		r.With(coalesce).Get("/editions/search", h.searchEditions)

		r.Post("/enrichment/batch", h.enrichBatch)
		r.Post("/scan/bookshelf", h.scanBookshelf)
		r.Post("/csv/import", h.csvImport)

		r.Get("/scan/results/{jobId}", h.jobResults(PipelineAIScan))
		r.Get("/csv/results/{jobId}", h.jobResults(PipelineCSVImport))
		r.Get("/enrichment/results/{jobId}", h.jobResults(PipelineBatchEnrichment))

		r.Get("/jobs/{jobId}/stream", h.stream.ServeHTTP)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, apiErrorf(CodeNotFound, "no such endpoint"))
	})

	return instrument(reg, r)
}

// searchISBN handles GET /v1/search/isbn?isbn=…
func (h *Handler) searchISBN(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	isbn := r.URL.Query().Get("isbn")
	if !ValidISBN(isbn) {
		h.error(w, &apiError{
			Code:    CodeInvalidISBN,
			Message: fmt.Sprintf("%q is not a valid ISBN-10 or ISBN-13", isbn),
			Details: map[string]any{"isbn": isbn},
		})
		return
	}

	key := CacheKey(kindISBNLookup, isbn, nil)
	res, tier, err := h.agg.CachedSearch(ctx, key, kindISBNLookup,
		func(ctx context.Context) (*SearchResult, error) {
			return h.agg.ResolveOne(ctx, ResolveQuery{ISBN: isbn})
		})
	h.writeSearch(w, res, tier, start, err)
}

// searchTitle handles GET /v1/search/title?q=…
func (h *Handler) searchTitle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		h.error(w, apiErrorf(CodeInvalidQuery, "q is required"))
		return
	}

	key := CacheKey(kindTitleSearch, q, nil)
	res, tier, err := h.agg.CachedSearch(ctx, key, kindTitleSearch,
		func(ctx context.Context) (*SearchResult, error) {
			return h.agg.ResolveMany(ctx, q, _maxSearchResults)
		})
	h.writeSearch(w, res, tier, start, err)
}

// searchAdvanced handles GET /v1/search/advanced?title=…&author=…
func (h *Handler) searchAdvanced(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	title := strings.TrimSpace(r.URL.Query().Get("title"))
	author := strings.TrimSpace(r.URL.Query().Get("author"))
	if title == "" && author == "" {
		h.error(w, apiErrorf(CodeMissingParameter, "title or author is required"))
		return
	}

	key := CacheKey(kindTitleSearch, joinQuery(title, author), map[string]string{"advanced": "1"})
	res, tier, err := h.agg.CachedSearch(ctx, key, kindTitleSearch,
		func(ctx context.Context) (*SearchResult, error) {
			return h.agg.ResolveOne(ctx, ResolveQuery{Title: title, Author: author})
		})
	h.writeSearch(w, res, tier, start, err)
}

// searchEditions handles GET /v1/editions/search?workTitle=…&author=…&limit=…
func (h *Handler) searchEditions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	workTitle := strings.TrimSpace(r.URL.Query().Get("workTitle"))
	if workTitle == "" {
		h.error(w, apiErrorf(CodeMissingParameter, "workTitle is required"))
		return
	}
	author := strings.TrimSpace(r.URL.Query().Get("author"))
	limit := _maxSearchResults
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			h.error(w, apiErrorf(CodeInvalidParameter, "limit must be a positive integer"))
			return
		}
		limit = min(n, _maxSearchResults)
	}

	key := CacheKey(kindTitleSearch, joinQuery(workTitle, author), map[string]string{
		"editions": "1",
		"limit":    strconv.Itoa(limit),
	})
	res, tier, err := h.agg.CachedSearch(ctx, key, kindTitleSearch,
		func(ctx context.Context) (*SearchResult, error) {
			return h.agg.SearchEditions(ctx, workTitle, author, limit)
		})
	h.writeSearch(w, res, tier, start, err)
}

// enrichBatch handles POST /v1/enrichment/batch.
func (h *Handler) enrichBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		JobID   string   `json:"jobId"`
		WorkIDs []string `json:"workIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.error(w, apiErrorf(CodeInvalidRequest, "decoding body: %v", err))
		return
	}
	if len(body.WorkIDs) == 0 {
		h.error(w, apiErrorf(CodeEmptyBatch, "workIds is empty"))
		return
	}
	if len(body.WorkIDs) > h.maxBatch {
		h.error(w, apiErrorf(CodeBatchTooLarge, "at most %d works per batch", h.maxBatch))
		return
	}

	job := h.jobs.CreateWithID(PipelineBatchEnrichment, body.JobID)
	go h.worker.RunBatchEnrichment(jobContext(job), job, body.WorkIDs)
	h.accepted(w, job)
}

// scanBookshelf handles POST /v1/scan/bookshelf (multipart image).
func (h *Handler) scanBookshelf(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, _maxScanImage)
	if err := r.ParseMultipartForm(_maxScanImage); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.error(w, apiErrorf(CodeFileTooLarge, "image exceeds %d bytes", _maxScanImage))
			return
		}
		h.error(w, apiErrorf(CodeInvalidRequest, "parsing multipart form: %v", err))
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		h.error(w, apiErrorf(CodeMissingParameter, "image file is required"))
		return
	}
	defer file.Close()

	mediaType, err := imageMediaType(header)
	if err != nil {
		h.error(w, err)
		return
	}
	image, err := io.ReadAll(file)
	if err != nil {
		h.error(w, apiErrorf(CodeInvalidContent, "reading image: %v", err))
		return
	}

	job := h.jobs.Create(PipelineAIScan)
	go h.worker.RunScan(jobContext(job), job, image, mediaType)
	h.accepted(w, job)
}

// csvImport handles POST /v1/csv/import with a CSV body.
func (h *Handler) csvImport(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, _maxCSVBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.error(w, apiErrorf(CodeFileTooLarge, "CSV exceeds %d bytes", _maxCSVBody))
			return
		}
		h.error(w, apiErrorf(CodeInvalidRequest, "reading body: %v", err))
		return
	}
	if len(body) == 0 {
		h.error(w, apiErrorf(CodeInvalidContent, "CSV body is empty"))
		return
	}

	job := h.jobs.Create(PipelineCSVImport)
	go h.worker.RunCSVImport(jobContext(job), job, body)
	h.accepted(w, job)
}

// jobResults serves the stored payload for a finished job.
func (h *Handler) jobResults(pipeline Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobId")
		payload, err := h.results.Get(r.Context(), pipeline, jobID)
		if err != nil {
			if errors.Is(err, errNotFound) {
				h.error(w, apiErrorf(CodeJobNotFound, "no results for job %s", jobID))
				return
			}
			h.error(w, err)
			return
		}
		w.Header().Set("X-Cache-Status", "NONE")
		writeData(w, payload, newMetadata())
	}
}

// healthz reports liveness plus KV reachability.
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	if h.kv != nil {
		if err := h.kv.Ping(r.Context()); err != nil {
			status["kv"] = err.Error()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(status)
			return
		}
		status["kv"] = "ok"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

// accepted responds 202 with the job handle.
func (h *Handler) accepted(w http.ResponseWriter, job *Job) {
	w.Header().Set("X-Cache-Status", "BYPASS")
	writeEnvelope(w, http.StatusAccepted, Envelope{
		Data:     map[string]string{"jobId": job.ID, "token": job.Token()},
		Metadata: newMetadata(),
	})
}

// writeSearch emits a search envelope with cache and timing metadata. A
// not-found from the chain is a successful empty result, not an error.
func (h *Handler) writeSearch(w http.ResponseWriter, res *SearchResult, tier Tier, start time.Time, err error) {
	if err != nil {
		if errors.Is(err, errNotFound) {
			res = emptySearchResult()
			tier = TierMiss
		} else {
			h.error(w, err)
			return
		}
	}

	cached := tier != TierMiss
	if cached {
		w.Header().Set("X-Cache-Status", "HIT")
	} else {
		w.Header().Set("X-Cache-Status", "MISS")
	}

	md := newMetadata()
	md.ProcessingTime = time.Since(start).Milliseconds()
	md.Cached = &cached
	if len(res.Works) > 0 {
		md.Provider = res.Works[0].PrimaryProvider
	}
	writeData(w, res, md)
}

// error writes a failure envelope, logging server-side faults.
func (h *Handler) error(w http.ResponseWriter, err error) {
	ae := asAPIError(err)
	if ae.Code.Status() >= 500 {
		Log(context.Background()).Error("request failed", "code", ae.Code, "err", err)
	}
	writeError(w, err)
}

// rateLimit applies the per-identity quota and stamps the X-RateLimit-*
// headers on every response.
func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := h.limiter.CheckAndIncrement(r.Context(), clientIdentity(r))

		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))

		if !d.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter()))
			writeError(w, apiErrorf(CodeRateLimited, "rate limit exceeded; retry in %ds", d.RetryAfter()))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// responseTime stamps X-Response-Time (ms) on the response. The header is
// injected just before the first write, which is the last moment headers can
// change.
func responseTime(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(&timedWriter{ww, start}, r)
	})
}

type timedWriter struct {
	middleware.WrapResponseWriter
	start time.Time
}

func (t *timedWriter) WriteHeader(status int) {
	t.Header().Set("X-Response-Time", fmt.Sprint(time.Since(t.start).Milliseconds()))
	t.WrapResponseWriter.WriteHeader(status)
}

func (t *timedWriter) Write(b []byte) (int, error) {
	if t.WrapResponseWriter.Status() == 0 {
		t.WriteHeader(http.StatusOK)
	}
	return t.WrapResponseWriter.Write(b)
}

// jobContext detaches the pipeline from the request lifetime while keeping a
// traceable request ID.
func jobContext(job *Job) context.Context {
	return context.WithValue(context.Background(), middleware.RequestIDKey,
		fmt.Sprintf("%s-%s", job.Pipeline, job.ID))
}

// clientIdentity is the rate-limit identity: the client IP.
func clientIdentity(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// imageMediaType validates the uploaded content type.
func imageMediaType(header *multipart.FileHeader) (string, error) {
	ct := header.Header.Get("Content-Type")
	switch ct {
	case "image/jpeg", "image/png", "image/webp", "image/gif":
		return ct, nil
	}
	return "", apiErrorf(CodeInvalidFileType, "%q is not a supported image type", ct)
}
