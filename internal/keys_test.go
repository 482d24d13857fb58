package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCacheKeyNormalization(t *testing.T) {
	// Case and whitespace never change the key.
	assert.Equal(t,
		CacheKey(kindTitleSearch, "The Dispossessed", nil),
		CacheKey(kindTitleSearch, "  the dispossessed ", nil))

	// ISBN hyphenation is normalized away.
	assert.Equal(t,
		CacheKey(kindISBNLookup, "978-0-306-40615-7", nil),
		CacheKey(kindISBNLookup, "9780306406157", nil))

	assert.Equal(t, "search:title:dune", CacheKey(kindTitleSearch, "Dune", nil))
}

func TestCacheKeyParamOrder(t *testing.T) {
	a := CacheKey(kindTitleSearch, "dune", map[string]string{"limit": "5", "author": "Herbert"})
	b := CacheKey(kindTitleSearch, "dune", map[string]string{"author": "herbert", "limit": "5"})
	assert.Equal(t, a, b)
	assert.Equal(t, "search:title:dune:author=herbert&limit=5", a)
}

func TestBaseTTLs(t *testing.T) {
	assert.Greater(t, kindISBNLookup.baseTTL(), kindTitleSearch.baseTTL())
	assert.Greater(t, kindEnrichment.baseTTL(), kindISBNLookup.baseTTL())
}

func TestKeyFactories(t *testing.T) {
	assert.Equal(t, "cold-index:search:title:dune", coldIndexKey("search:title:dune"))
	assert.Equal(t, "wikidata:author:ursula k. le guin", authorAttributesKey(" Ursula K. Le Guin "))
	assert.Equal(t, "ai_scan-results:abc", resultsKey(PipelineAIScan, "abc"))
	assert.Equal(t, "warming:processed:octavia butler", warmingKey("Octavia Butler"))
	assert.Equal(t, "ratelimit:10.0.0.1", rateLimitKey("10.0.0.1"))
	assert.Equal(t, "provider:gate:isbndb", providerGateKey(ProviderISBNdb))
}
