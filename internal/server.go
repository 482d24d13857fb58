package internal

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Config carries everything the service needs to start. Fields map directly
// onto CLI flags and environment knobs.
type Config struct {
	Port int

	RedisURL    string
	PostgresDSN string

	ISBNdbAPIKey      string
	GoogleBooksAPIKey string
	AnthropicAPIKey   string

	ISBNdbHost      string
	GoogleBooksHost string
	OpenLibraryHost string
	WikidataHost    string

	CacheBytes       int64
	RateLimit        int64
	RateWindow       time.Duration
	ScanConfidence   float64
	ArchiveRetention time.Duration
}

// Server is the assembled service: all components wired, background loops
// started by Run.
type Server struct {
	Mux http.Handler

	cfg     Config
	kv      *KV
	archive *Archive
	tiered  *TieredCache
	warmer  *Warmer
	agg     *Aggregator
	jobs    *JobRegistry
}

// NewServer wires every component. Providers without credentials are left
// out of their chains; the archive tier is optional.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	reg := NewMetrics()
	cacheM := newCacheMetrics(reg)
	providerM := newProviderMetrics(reg)
	jobM := newJobMetrics(reg)

	kv, err := NewKV(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to kv: %w", err)
	}

	edge, err := NewEdgeCache(cfg.CacheBytes, cacheM)
	if err != nil {
		return nil, fmt.Errorf("building edge cache: %w", err)
	}

	var archive *Archive
	if cfg.PostgresDSN != "" {
		archive, err = NewArchive(ctx, cfg.PostgresDSN, cacheM)
		if err != nil {
			return nil, err
		}
		newDBMetrics(archive.db, reg)
	} else {
		Log(ctx).Warn("no archive DSN configured; cold tier disabled")
	}

	tiered := NewTieredCache(edge, kv, archive, cacheM)

	var commercial, primary, secondary Catalog
	if cfg.ISBNdbAPIKey != "" {
		commercial = NewISBNdbCatalog(cfg.ISBNdbHost, cfg.ISBNdbAPIKey, kv, providerM)
	} else {
		Log(ctx).Warn("no ISBNdb key configured; commercial catalog disabled")
	}
	primary = NewGoogleBooksCatalog(cfg.GoogleBooksHost, cfg.GoogleBooksAPIKey, providerM)
	secondary = NewOpenLibraryCatalog(cfg.OpenLibraryHost, providerM)
	attrs := NewWikidataSource(cfg.WikidataHost, kv, providerM)

	var detector Detector
	if cfg.AnthropicAPIKey != "" {
		detector = NewVisionDetector(cfg.AnthropicAPIKey, providerM)
	} else {
		Log(ctx).Warn("no vision key configured; bookshelf scanning disabled")
	}

	warmer := NewWarmer(kv)
	agg := NewAggregator(commercial, primary, secondary, attrs, tiered, warmer)

	jobs := NewJobRegistry(jobM)
	results := NewResultsStore(kv)
	worker := NewWorker(agg, detector, results, cfg.ScanConfidence)
	limiter := NewRateLimiter(kv, cfg.RateLimit, cfg.RateWindow)

	h := NewHandler(agg, jobs, worker, results, limiter, kv)

	return &Server{
		Mux:     NewMux(h, reg),
		cfg:     cfg,
		kv:      kv,
		archive: archive,
		tiered:  tiered,
		warmer:  warmer,
		agg:     agg,
		jobs:    jobs,
	}, nil
}

// Run serves HTTP until ctx is canceled, then drains the background loops.
func (s *Server) Run(ctx context.Context) error {
	go s.tiered.Run(ctx)
	go s.warmer.Run(ctx, s.agg)
	go s.jobs.Run(ctx)
	if s.archive != nil {
		go s.sweepArchive(ctx)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errC := make(chan error, 1)
	go func() {
		Log(ctx).Info("listening", "addr", srv.Addr)
		errC <- srv.ListenAndServe()
	}()

	select {
	case err := <-errC:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		Log(ctx).Warn("problem shutting down", "err", err)
	}

	s.tiered.Shutdown(shutdownCtx)
	s.warmer.Shutdown()
	if s.archive != nil {
		s.archive.Close()
	}
	return s.kv.Close()
}

// sweepArchive prunes expired cold-tier objects once a day.
func (s *Server) sweepArchive(ctx context.Context) {
	retention := s.cfg.ArchiveRetention
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.archive.Sweep(ctx, retention)
			if err != nil {
				Log(ctx).Warn("problem sweeping archive", "err", err)
				continue
			}
			if n > 0 {
				Log(ctx).Info("swept archive", "removed", n)
			}
		}
	}
}
