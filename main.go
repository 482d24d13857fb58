package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/shelfscout/shelfscout/internal"
)

type cli struct {
	Port    int  `env:"PORT" default:"8080" help:"Port to listen on."`
	Verbose bool `short:"v" env:"VERBOSE" help:"Enable debug logging."`

	RedisURL    string `env:"REDIS_URL" default:"redis://localhost:6379/0" help:"KV tier connection string."`
	PostgresDSN string `env:"POSTGRES_DSN" help:"Cold archive connection string. Optional."`

	ISBNdbAPIKey      string `env:"ISBNDB_API_KEY" help:"Commercial catalog credential. Optional."`
	GoogleBooksAPIKey string `env:"GOOGLE_BOOKS_API_KEY" help:"Primary catalog credential. Optional."`
	AnthropicAPIKey   string `env:"ANTHROPIC_API_KEY" help:"Vision model credential. Optional."`

	ISBNdbHost      string `env:"ISBNDB_HOST" default:"https://api2.isbndb.com" hidden:""`
	GoogleBooksHost string `env:"GOOGLE_BOOKS_HOST" default:"https://www.googleapis.com" hidden:""`
	OpenLibraryHost string `env:"OPEN_LIBRARY_HOST" default:"https://openlibrary.org" hidden:""`
	WikidataHost    string `env:"WIKIDATA_HOST" default:"https://www.wikidata.org" hidden:""`

	CacheBytes     int64         `env:"CACHE_BYTES" default:"1073741824" help:"In-memory cache size."`
	RateLimit      int64         `env:"RATE_LIMIT" default:"10" help:"Requests allowed per window per client."`
	RateWindow     time.Duration `env:"RATE_WINDOW" default:"60s" help:"Rate limit window."`
	ScanConfidence float64       `env:"SCAN_CONFIDENCE_THRESHOLD" default:"0.6" help:"Detections at or above are auto-approved."`
}

func main() {
	c := &cli{}
	kong.Parse(c, kong.Name("shelfscout"),
		kong.Description("Book metadata aggregation and enrichment service."))

	if c.Verbose {
		internal.SetLogLevel(log.DebugLevel)
	}

	_, _ = maxprocs.Set(maxprocs.Logger(nil))
	_, _ = memlimit.SetGoMemLimitWithOpts(memlimit.WithRatio(0.9))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := internal.NewServer(ctx, internal.Config{
		Port:              c.Port,
		RedisURL:          c.RedisURL,
		PostgresDSN:       c.PostgresDSN,
		ISBNdbAPIKey:      c.ISBNdbAPIKey,
		GoogleBooksAPIKey: c.GoogleBooksAPIKey,
		AnthropicAPIKey:   c.AnthropicAPIKey,
		ISBNdbHost:        c.ISBNdbHost,
		GoogleBooksHost:   c.GoogleBooksHost,
		OpenLibraryHost:   c.OpenLibraryHost,
		WikidataHost:      c.WikidataHost,
		CacheBytes:        c.CacheBytes,
		RateLimit:         c.RateLimit,
		RateWindow:        c.RateWindow,
		ScanConfidence:    c.ScanConfidence,
	})
	if err != nil {
		log.Fatal("problem starting up", "err", err)
	}

	if err := srv.Run(ctx); err != nil {
		log.Fatal("server exited", "err", err)
	}
}
