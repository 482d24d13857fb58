package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/time/rate"
)

// Catalog is the normalized contract every upstream book catalog satisfies.
// Implementations are stateless: they translate one provider's wire format
// into canonical records and surface typed failures, nothing more.
type Catalog interface {
	Name() Provider
	SearchByFreeText(ctx context.Context, query string, maxResults int) (*SearchResult, error)
	SearchByIdentifier(ctx context.Context, isbn string) (*SearchResult, error)
	SearchByAuthor(ctx context.Context, author string) (*SearchResult, error)
	GetBookDetails(ctx context.Context, externalID string) (*SearchResult, error)
}

// AuthorAttributes is what the knowledge base reports for an author. Unknown
// gender is the bottom value, never a failure.
type AuthorAttributes struct {
	Gender      Gender `json:"gender"`
	Nationality string `json:"nationality,omitempty"`
	Region      Region `json:"culturalRegion,omitempty"`
	BirthYear   int    `json:"birthYear,omitempty"`
	DeathYear   int    `json:"deathYear,omitempty"`
}

// AttributeSource looks up demographic/geographic author attributes.
type AttributeSource interface {
	LookupAuthorAttributes(ctx context.Context, name string) (AuthorAttributes, error)
}

// Detector identifies books visible in a photograph.
type Detector interface {
	DetectBooksInImage(ctx context.Context, image []byte, mediaType string) ([]DetectedBook, error)
}

// FailureKind is the typed failure taxonomy for provider calls.
type FailureKind string

const (
	FailTimeout     FailureKind = "timeout"
	FailRateLimited FailureKind = "rate-limited"
	FailUpstream    FailureKind = "upstream-5xx"
	FailAuth        FailureKind = "auth"
	FailMalformed   FailureKind = "malformed-response"
)

// providerFailure wraps an upstream error with its provider and kind so the
// aggregator can decide between fallback and surfacing.
type providerFailure struct {
	provider Provider
	kind     FailureKind
	err      error
}

func (f *providerFailure) Error() string {
	return fmt.Sprintf("%s: %s: %v", f.provider, f.kind, f.err)
}

func (f *providerFailure) Unwrap() error { return f.err }

// retryable reports whether the aggregator may fall through to the next
// provider. Auth and malformed responses are never retryable.
func (f *providerFailure) retryable() bool {
	switch f.kind {
	case FailTimeout, FailRateLimited, FailUpstream:
		return true
	}
	return false
}

// retryableFailure reports whether err is a provider failure the aggregator
// treats as not-found for fall-through purposes.
func retryableFailure(err error) bool {
	var pf *providerFailure
	return errors.As(err, &pf) && pf.retryable()
}

// classifyFailure folds a transport error into the typed taxonomy. An
// upstream 404 is not a failure at all; it surfaces as plain not-found.
func classifyFailure(p Provider, err error) error {
	kind := FailMalformed
	var se statusErr
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = FailTimeout
	case errors.As(err, &se):
		switch {
		case int(se) == http.StatusNotFound:
			return errNotFound
		case int(se) == http.StatusTooManyRequests:
			kind = FailRateLimited
		case int(se) == http.StatusUnauthorized || int(se) == http.StatusForbidden:
			kind = FailAuth
		case int(se) >= 500:
			kind = FailUpstream
		}
	}
	return &providerFailure{provider: p, kind: kind, err: err}
}

var (
	// _searchTimeout is the per-attempt budget for a search call.
	_searchTimeout = 30 * time.Second

	// _batchTimeout is the per-attempt budget for heavier calls (vision).
	_batchTimeout = 60 * time.Second
)

// NewUpstream creates an http.Client with the middleware stack appropriate
// for an upstream: host scoping, optional credential header, throttling, and
// error proxying. Credentials are never shared across adapters.
func NewUpstream(host string, every time.Duration, headerKey, headerValue string) *http.Client {
	var rt http.RoundTripper = errorProxyTransport{http.DefaultTransport}
	if headerKey != "" {
		rt = &HeaderTransport{Key: headerKey, Value: headerValue, RoundTripper: rt}
	}
	rt = ScopedTransport{Host: host, RoundTripper: rt}
	if every > 0 {
		rt = throttledTransport{
			RoundTripper: rt,
			Limiter:      rate.NewLimiter(rate.Every(every), 1),
		}
	}
	return &http.Client{Transport: rt}
}

// getJSON fetches the URL and decodes the body, retrying transient wire
// failures once before giving up. The returned error is always a typed
// provider failure.
func getJSON(ctx context.Context, p Provider, client *http.Client, url string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, _searchTimeout)
	defer cancel()

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return retry.Unrecoverable(fmt.Errorf("decoding response: %w", err))
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(2),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		// url.Error wrapping obscures our statusErr; unwrap before classifying.
		return classifyFailure(p, unwrapTransport(err))
	}
	return nil
}

func unwrapTransport(err error) error {
	var se statusErr
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return context.DeadlineExceeded
	}
	return err
}

// parseYear pulls a year out of the loosely formatted date strings upstreams
// hand back, such as "2001-07-16", "2001", or "July 16, 2001".
func parseYear(s string) int {
	for i := 0; i+4 <= len(s); i++ {
		if y, err := strconv.Atoi(s[i : i+4]); err == nil && y >= 1000 && y <= 2999 {
			return y
		}
	}
	return 0
}
