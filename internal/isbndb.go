package internal

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// ISBNdbCatalog adapts the commercial ISBN database. It is the most
// quota-sensitive upstream we have, so calls pass through both the shared KV
// gate (1s minimum inter-call interval across all processes) and a circuit
// breaker that sheds load once the provider starts failing.
type ISBNdbCatalog struct {
	http    *http.Client
	gate    *providerGate
	breaker *gobreaker.CircuitBreaker
	metrics *providerMetrics
}

var _ Catalog = (*ISBNdbCatalog)(nil)

// _isbndbGateInterval is the provider's contractual minimum call spacing.
var _isbndbGateInterval = time.Second

// NewISBNdbCatalog wires the adapter. The API key travels only on this
// adapter's client.
func NewISBNdbCatalog(host, apiKey string, kv *KV, metrics *providerMetrics) *ISBNdbCatalog {
	return &ISBNdbCatalog{
		http: NewUpstream(host, 0, "Authorization", apiKey),
		gate: newProviderGate(kv, ProviderISBNdb, _isbndbGateInterval),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: string(ProviderISBNdb),
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			Timeout: 30 * time.Second,
		}),
		metrics: metrics,
	}
}

// Name identifies the provider in provenance and metadata.
func (c *ISBNdbCatalog) Name() Provider { return ProviderISBNdb }

// isbndbBook is the provider's wire shape for a single volume.
type isbndbBook struct {
	Title         string   `json:"title"`
	TitleLong     string   `json:"title_long"`
	ISBN          string   `json:"isbn"`
	ISBN13        string   `json:"isbn13"`
	Publisher     string   `json:"publisher"`
	Pages         int      `json:"pages"`
	Image         string   `json:"image"`
	Synopsis      string   `json:"synopsis"`
	Subjects      []string `json:"subjects"`
	Authors       []string `json:"authors"`
	DatePublished string   `json:"date_published"`
	Binding       string   `json:"binding"`
	Language      string   `json:"language"`
}

type isbndbBookResponse struct {
	Book isbndbBook `json:"book"`
}

type isbndbSearchResponse struct {
	Total int          `json:"total"`
	Books []isbndbBook `json:"books"`
}

// SearchByIdentifier looks up a single ISBN.
func (c *ISBNdbCatalog) SearchByIdentifier(ctx context.Context, isbn string) (*SearchResult, error) {
	var resp isbndbBookResponse
	path := "/book/" + url.PathEscape(NormalizeISBN(isbn))
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	if resp.Book.Title == "" {
		return nil, errNotFound
	}
	return c.normalize([]isbndbBook{resp.Book}), nil
}

// SearchByFreeText queries the provider's combined index.
func (c *ISBNdbCatalog) SearchByFreeText(ctx context.Context, query string, maxResults int) (*SearchResult, error) {
	var resp isbndbSearchResponse
	path := fmt.Sprintf("/books/%s?pageSize=%d", url.PathEscape(query), maxResults)
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	if len(resp.Books) == 0 {
		return nil, errNotFound
	}
	if len(resp.Books) > maxResults {
		resp.Books = resp.Books[:maxResults]
	}
	return c.normalize(resp.Books), nil
}

// SearchByAuthor lists volumes attributed to the author.
func (c *ISBNdbCatalog) SearchByAuthor(ctx context.Context, author string) (*SearchResult, error) {
	var resp isbndbSearchResponse
	path := "/author/" + url.PathEscape(author)
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	if len(resp.Books) == 0 {
		return nil, errNotFound
	}
	return c.normalize(resp.Books), nil
}

// GetBookDetails resolves an external ID, which for this provider is an ISBN.
func (c *ISBNdbCatalog) GetBookDetails(ctx context.Context, externalID string) (*SearchResult, error) {
	return c.SearchByIdentifier(ctx, externalID)
}

// get runs one gated, breakered request.
func (c *ISBNdbCatalog) get(ctx context.Context, path string, out any) error {
	if err := c.gate.Wait(ctx); err != nil {
		return err
	}
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, getJSON(ctx, ProviderISBNdb, c.http, path, out)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		// Shed load without touching the wire.
		return &providerFailure{provider: ProviderISBNdb, kind: FailRateLimited, err: err}
	}
	if err != nil {
		c.metrics.failureInc(ProviderISBNdb)
		return err
	}
	c.metrics.successInc(ProviderISBNdb)
	return nil
}

// normalize maps provider volumes into canonical triples.
func (c *ISBNdbCatalog) normalize(books []isbndbBook) *SearchResult {
	res := emptySearchResult()
	for _, b := range books {
		score := isbndbQualityScore(b)

		work := Work{
			Title:           firstNonEmpty(b.Title, b.TitleLong),
			Genres:          NormalizeGenres(ProviderISBNdb, b.Subjects),
			PrimaryProvider: ProviderISBNdb,
			Contributors:    NewIDSet(string(ProviderISBNdb)),
			ReviewStatus:    StatusVerified,
			Quality:         score,
			Language:        b.Language,
			FirstPublished:  parseYear(b.DatePublished),
			Description:     b.Synopsis,
			CoverURL:        b.Image,
			LastSynced:      time.Now().UTC().Format(time.RFC3339),
		}

		edition := Edition{
			ISBNs:       canonicalISBNSet(NewIDSet(b.ISBN, b.ISBN13)),
			Format:      isbndbFormat(b.Binding),
			Quality:     score,
			Publisher:   b.Publisher,
			PublishDate: b.DatePublished,
			PageCount:   b.Pages,
			CoverURL:    b.Image,
			Title:       firstNonEmpty(b.TitleLong, b.Title),
			Description: b.Synopsis,
			Language:    b.Language,
		}

		res.Works = append(res.Works, work)
		res.Editions = append(res.Editions, edition)
		for _, name := range b.Authors {
			res.Authors = append(res.Authors, Author{Name: name, Gender: GenderUnknown})
		}
	}
	return res
}

// isbndbQualityScore computes the provider quality score in [0,100]
// deterministically from field presence. A NaN computation falls back to the
// neutral default.
func isbndbQualityScore(b isbndbBook) int {
	score := 0.0
	if b.Image != "" {
		score += 20
	}
	if len(b.Synopsis) >= 50 {
		score += 20
	}
	if b.Pages > 0 {
		score += 15
	}
	if b.Publisher != "" {
		score += 15
	}
	if len(b.Subjects) > 0 {
		score += 15
	}
	if len(b.Authors) > 0 {
		score += 15
	}
	if math.IsNaN(score) {
		return 50
	}
	return int(math.Min(100, math.Max(0, score)))
}

func isbndbFormat(binding string) Format {
	switch strings.ToLower(binding) {
	case "hardcover", "hardback", "library binding":
		return FormatHardcover
	case "mass market paperback":
		return FormatMassMarket
	case "paperback", "softcover", "trade paperback":
		return FormatPaperback
	case "ebook", "kindle edition", "e-book":
		return FormatEbook
	case "audiobook", "audio cd", "audible audiobook", "mp3 cd":
		return FormatAudiobook
	}
	return FormatPaperback
}

func firstNonEmpty(ss ...string) string {
	for _, s := range ss {
		if s != "" {
			return s
		}
	}
	return ""
}
