package internal

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// endpointKind buckets cache entries by the operation that produced them.
// Each kind carries its own base TTL.
type endpointKind string

const (
	kindTitleSearch  endpointKind = "search:title"
	kindISBNLookup   endpointKind = "search:isbn"
	kindAuthorSearch endpointKind = "author:search"
	kindEnrichment   endpointKind = "enrichment"
)

// baseTTL is the unadjusted expiry for the kind. ISBN metadata is effectively
// immutable, hence the long tail.
func (k endpointKind) baseTTL() time.Duration {
	switch k {
	case kindISBNLookup:
		return 30 * 24 * time.Hour
	case kindAuthorSearch:
		return 7 * 24 * time.Hour
	case kindEnrichment:
		return 90 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// CacheKey derives the canonical cache key for an operation. It is the sole
// source of cache-key strings: equal normalized inputs must always map to the
// same key regardless of case, whitespace, ISBN hyphenation, or the order in
// which named parameters were supplied.
func CacheKey(kind endpointKind, query string, params map[string]string) string {
	q := strings.ToLower(strings.TrimSpace(query))
	if kind == kindISBNLookup {
		q = strings.ToLower(NormalizeISBN(q))
	}

	parts := []string{string(kind), q}
	for _, k := range slices.Sorted(maps.Keys(params)) {
		v := strings.ToLower(strings.TrimSpace(params[k]))
		parts = append(parts, fmt.Sprintf("%s=%s", k, v))
	}
	// Named parameters join as k=v&... after the query segment.
	if len(parts) > 2 {
		return strings.Join(parts[:2], ":") + ":" + strings.Join(parts[2:], "&")
	}
	return strings.Join(parts, ":")
}

// Well-known T2 key factories. Everything stored in the shared KV tier goes
// through one of these.

func coldIndexKey(key string) string {
	return "cold-index:" + key
}

func authorAttributesKey(name string) string {
	return "wikidata:author:" + strings.ToLower(strings.TrimSpace(name))
}

func resultsKey(pipeline Pipeline, jobID string) string {
	return fmt.Sprintf("%s-results:%s", pipeline, jobID)
}

func warmingKey(name string) string {
	return "warming:processed:" + strings.ToLower(strings.TrimSpace(name))
}

func rateLimitKey(identity string) string {
	return "ratelimit:" + identity
}

func providerGateKey(p Provider) string {
	return fmt.Sprintf("provider:gate:%s", p)
}
