package internal

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/pgxpoolprometheus"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
)

// NewMetrics creates a new Prometheus registry with default collectors already
// registered.
func NewMetrics() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
			Namespace: _metricsNamespace,
		}),
		collectors.NewBuildInfoCollector(),
	)

	return reg
}

var _metricsNamespace = "ss"

// _patternRE is used for stripping all `{...}` segments from the pattern
// to build a label.
var _patternRE = regexp.MustCompile(`\{[^/]+\}`)

type cacheMetrics struct {
	totals *prometheus.CounterVec
}

type providerMetrics struct {
	totals *prometheus.CounterVec
}

type jobMetrics struct {
	totals *prometheus.CounterVec
	gauge  *prometheus.GaugeVec
}

type dbMetrics struct {
	dirty atomic.Bool // dirty signals that the DB has been modified so stats should be collected.
	gauge *prometheus.GaugeVec
}

// instrument wraps an HTTP handler to automatically record timing and status
// codes.
func instrument(reg *prometheus.Registry, next http.Handler) http.Handler {
	requests := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: _metricsNamespace,
			Subsystem: "http",
			Name:      "requests",
			Help:      "HTTP request latencies by method & path",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 1.5, 2.0, 2.5, 5, 7.5, 10, 30, 60, 120},
		},
		[]string{"method", "path", "status"},
	)

	inflight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: "http",
			Name:      "inflight",
			Help:      "Current number of inbound in-flight HTTP requests.",
		},
	)

	// Requests arrive concurrently, so the pattern→label memo needs to be
	// safe for mixed reads and writes.
	normalized := sync.Map{}

	reg.MustRegister(requests, inflight)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		inflight.Inc()
		defer inflight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		v, ok := normalized.Load(r.Pattern)
		if !ok {
			v, _ = normalized.LoadOrStore(r.Pattern, normalizePattern(r.Pattern))
		}
		path := v.(string)
		if path == "" {
			// Don't record traffic for unrecognized endpoints.
			return
		}

		duration := time.Since(start).Seconds()
		requests.WithLabelValues(r.Method, path, fmt.Sprint(ww.Status())).Observe(duration)
	})
}

func newCacheMetrics(reg *prometheus.Registry) *cacheMetrics {
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "cache",
			Name:      "total",
			Help:      "Totals for the tiered cache by event and tier.",
		},
		[]string{"type", "tier"},
	)
	if reg != nil {
		reg.MustRegister(totals)
	}
	return &cacheMetrics{totals: totals}
}

func newProviderMetrics(reg *prometheus.Registry) *providerMetrics {
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "provider",
			Name:      "total",
			Help:      "Upstream call outcomes by provider.",
		},
		[]string{"type", "provider"},
	)
	if reg != nil {
		reg.MustRegister(totals)
	}
	return &providerMetrics{totals: totals}
}

func newJobMetrics(reg *prometheus.Registry) *jobMetrics {
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "jobs",
			Name:      "total",
			Help:      "Counts of job transitions by pipeline.",
		},
		[]string{"type", "pipeline"},
	)
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: "jobs",
			Name:      "running",
			Help:      "Currently running jobs by pipeline.",
		},
		[]string{"pipeline"},
	)
	if reg != nil {
		reg.MustRegister(totals, gauge)
	}
	return &jobMetrics{totals: totals, gauge: gauge}
}

func newDBMetrics(db *pgxpool.Pool, reg *prometheus.Registry) *dbMetrics {
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: "db",
			Name:      "total",
			Help:      "Counts of archived payloads by kind.",
		},
		[]string{"kind"},
	)
	if reg != nil {
		reg.MustRegister(gauge, pgxpoolprometheus.NewCollector(db, nil))
	}
	dbm := &dbMetrics{gauge: gauge}
	// This is an expensive query so we only run it every 5 minutes,
	// and only if there's been some DB activity that changed the
	// relevant stats.
	dbm.dirty.Store(true) // Start dirty to trigger an initial query.
	go func() {
		ctx := context.Background()
		for {
			if dbm.dirty.Load() {
				rows, err := db.Query(ctx, `SELECT kind, count(*) FROM archive GROUP BY kind;`)
				if err != nil {
					Log(ctx).Warn("problem collecting db stats", "err", err)
				} else {
					for rows.Next() {
						var kind string
						var n int64
						if err := rows.Scan(&kind, &n); err != nil {
							break
						}
						dbm.kindSet(kind, n)
					}
					rows.Close()
				}
				dbm.dirty.Store(false)
			}
			time.Sleep(5 * time.Minute)
		}
	}()
	return dbm
}

func (dbm *dbMetrics) kindSet(kind string, n int64) {
	dbm.gauge.WithLabelValues(kind).Set(float64(n))
}

func (dbm *dbMetrics) markDirty() {
	dbm.dirty.Store(true)
}

func (cm *cacheMetrics) hitInc(tier string) {
	cm.totals.WithLabelValues("hits", tier).Inc()
}

func (cm *cacheMetrics) hitGet(tier string) int64 {
	m := &dto.Metric{}
	err := cm.totals.WithLabelValues("hits", tier).Write(m)
	if err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}

func (cm *cacheMetrics) missInc(tier string) {
	cm.totals.WithLabelValues("misses", tier).Inc()
}

func (cm *cacheMetrics) missGet(tier string) int64 {
	m := &dto.Metric{}
	err := cm.totals.WithLabelValues("misses", tier).Write(m)
	if err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}

// hitRatioGet reports the hit ratio for one tier.
func (cm *cacheMetrics) hitRatioGet(tier string) float64 {
	hits := cm.hitGet(tier)
	misses := cm.missGet(tier)
	if hits+misses == 0 {
		return 0.0
	}
	ratio := float64(hits) / float64(hits+misses)
	return ratio
}

func (cm *cacheMetrics) rehydrationInc(outcome string) {
	cm.totals.WithLabelValues("rehydration_"+outcome, "cold").Inc()
}

func (cm *cacheMetrics) rehydrationGet(outcome string) int64 {
	m := &dto.Metric{}
	err := cm.totals.WithLabelValues("rehydration_"+outcome, "cold").Write(m)
	if err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}

func (cm *cacheMetrics) archiveWriteInc() {
	cm.totals.WithLabelValues("archive_writes", "cold").Inc()
}

func (pm *providerMetrics) successInc(p Provider) {
	pm.totals.WithLabelValues("success", string(p)).Inc()
}

func (pm *providerMetrics) failureInc(p Provider) {
	pm.totals.WithLabelValues("failure", string(p)).Inc()
}

func (pm *providerMetrics) successGet(p Provider) int64 {
	m := &dto.Metric{}
	err := pm.totals.WithLabelValues("success", string(p)).Write(m)
	if err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}

func (pm *providerMetrics) failureGet(p Provider) int64 {
	m := &dto.Metric{}
	err := pm.totals.WithLabelValues("failure", string(p)).Write(m)
	if err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}

func (jm *jobMetrics) startedInc(p Pipeline) {
	jm.totals.WithLabelValues("started", string(p)).Inc()
	jm.gauge.WithLabelValues(string(p)).Inc()
}

func (jm *jobMetrics) finishedInc(p Pipeline, outcome string) {
	jm.totals.WithLabelValues(outcome, string(p)).Inc()
	jm.gauge.WithLabelValues(string(p)).Dec()
}

func (jm *jobMetrics) startedGet(p Pipeline) int64 {
	m := &dto.Metric{}
	err := jm.totals.WithLabelValues("started", string(p)).Write(m)
	if err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}

// normalizePattern derives the constant label from the pattern:
//
//	"/v1/scan/results/{jobId}" → "/v1/scan/results"
//	"/v1/search/isbn"          → "/v1/search/isbn"
func normalizePattern(pattern string) string {
	p := _patternRE.ReplaceAllString(pattern, "")
	p = strings.TrimSuffix(p, "/")
	p = strings.ReplaceAll(p, "//", "/")
	return p
}
