package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Aggregator fans queries out across the catalog chain and folds the answers
// into canonical results. It owns provider precedence: the commercial catalog
// wins for identifier lookups, the primary full-text catalog for everything
// else, with the secondary as fallback.
//
// Lookups for the same key are coalesced inside a singleflight group so a
// stampede of identical searches costs one upstream call.
type Aggregator struct {
	commercial Catalog
	primary    Catalog
	secondary  Catalog
	attrs      AttributeSource
	cache      *TieredCache
	warmer     *Warmer // Optional; nil disables author warming.

	group singleflight.Group
}

// NewAggregator wires the engine. Any catalog may be nil, in which case it is
// skipped in its chain (useful when credentials are absent).
func NewAggregator(commercial, primary, secondary Catalog, attrs AttributeSource, cache *TieredCache, warmer *Warmer) *Aggregator {
	return &Aggregator{
		commercial: commercial,
		primary:    primary,
		secondary:  secondary,
		attrs:      attrs,
		cache:      cache,
		warmer:     warmer,
	}
}

// ResolveQuery identifies one book. An ISBN takes precedence over the
// title/author pair.
type ResolveQuery struct {
	Title  string `json:"title,omitempty"`
	Author string `json:"author,omitempty"`
	ISBN   string `json:"isbn,omitempty"`
}

// _providerRank breaks merge ties: lower is more authoritative.
var _providerRank = map[Provider]int{
	ProviderISBNdb:      0,
	ProviderGoogleBooks: 1,
	ProviderOpenLibrary: 2,
	ProviderWikidata:    3,
	ProviderVision:      4,
}

// ResolveOne resolves a single book to its work, editions, and authors.
//
// With an ISBN the commercial catalog is consulted first, then the secondary
// catalog's identifier endpoint; free-text search is never used. Without one,
// the joined title/author query goes to the primary catalog, then the
// secondary. Retryable provider failures fall through to the next link;
// non-retryable ones surface immediately.
func (a *Aggregator) ResolveOne(ctx context.Context, q ResolveQuery) (*SearchResult, error) {
	var chain []func(context.Context) (*SearchResult, error)
	if ValidISBN(q.ISBN) {
		isbn := q.ISBN
		for _, c := range []Catalog{a.commercial, a.secondary} {
			if c == nil {
				continue
			}
			c := c
			chain = append(chain, func(ctx context.Context) (*SearchResult, error) {
				return c.SearchByIdentifier(ctx, isbn)
			})
		}
	} else {
		query := joinQuery(q.Title, q.Author)
		if query == "" {
			return nil, apiErrorf(CodeMissingParameter, "title, author, or isbn is required")
		}
		for _, c := range []Catalog{a.primary, a.secondary} {
			if c == nil {
				continue
			}
			c := c
			chain = append(chain, func(ctx context.Context) (*SearchResult, error) {
				return c.SearchByFreeText(ctx, query, 1)
			})
		}
	}

	for _, next := range chain {
		res, err := next(ctx)
		switch {
		case err == nil:
			res.Authors = dedupeAuthors(res.Authors)
			return res, nil
		case errors.Is(err, errNotFound) || retryableFailure(err):
			continue
		default:
			return nil, err
		}
	}
	return nil, errNotFound
}

// ResolveMany serves a free-text search. Results come from the primary
// catalog, falling through to the secondary when it has nothing, then get
// author attributes attached in parallel.
func (a *Aggregator) ResolveMany(ctx context.Context, query string, maxResults int) (*SearchResult, error) {
	key := CacheKey(kindTitleSearch, query, nil)
	v, err, _ := a.group.Do(key, func() (any, error) {
		return a.resolveMany(ctx, query, maxResults)
	})
	if err != nil {
		return nil, err
	}
	return v.(*SearchResult), nil
}

func (a *Aggregator) resolveMany(ctx context.Context, query string, maxResults int) (*SearchResult, error) {
	var res *SearchResult
	var err error
	for _, c := range []Catalog{a.primary, a.secondary} {
		if c == nil {
			continue
		}
		res, err = c.SearchByFreeText(ctx, query, maxResults)
		if err == nil {
			break
		}
		if errors.Is(err, errNotFound) || retryableFailure(err) {
			res = nil
			continue
		}
		return nil, err
	}
	if res == nil {
		if err != nil && !errors.Is(err, errNotFound) && !retryableFailure(err) {
			return nil, err
		}
		return emptySearchResult(), nil
	}

	res.Authors = dedupeAuthors(res.Authors)
	a.enrichAuthors(ctx, res.Authors)
	a.warmAuthors(res.Authors)
	return res, nil
}

// SearchAuthor lists works attributed to the author, with the author record
// itself enriched.
func (a *Aggregator) SearchAuthor(ctx context.Context, author string) (*SearchResult, error) {
	key := CacheKey(kindAuthorSearch, author, nil)
	v, err, _ := a.group.Do(key, func() (any, error) {
		var res *SearchResult
		var err error
		for _, c := range []Catalog{a.primary, a.secondary} {
			if c == nil {
				continue
			}
			res, err = c.SearchByAuthor(ctx, author)
			if err == nil {
				break
			}
			if errors.Is(err, errNotFound) || retryableFailure(err) {
				res = nil
				continue
			}
			return nil, err
		}
		if res == nil {
			return emptySearchResult(), nil
		}
		res.Authors = dedupeAuthors(res.Authors)
		a.enrichAuthors(ctx, res.Authors)
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*SearchResult), nil
}

// SearchEditions finds the editions of a named work across both public
// catalogs, merges overlapping works, and ranks editions by format then
// recency.
func (a *Aggregator) SearchEditions(ctx context.Context, workTitle, author string, limit int) (*SearchResult, error) {
	query := joinQuery(workTitle, author)

	results := make([]*SearchResult, 2)
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range []Catalog{a.primary, a.secondary} {
		if c == nil {
			continue
		}
		i, c := i, c
		g.Go(func() error {
			res, err := c.SearchByFreeText(gctx, query, limit)
			if err != nil {
				if errors.Is(err, errNotFound) || retryableFailure(err) {
					return nil // One empty catalog doesn't sink the search.
				}
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := mergeResults(workTitle, results)
	if len(merged.Works) == 0 && len(merged.Editions) == 0 {
		return nil, errNotFound
	}
	rankEditions(merged.Editions)
	if len(merged.Editions) > limit {
		merged.Editions = merged.Editions[:limit]
	}
	return merged, nil
}

// CachedSearch runs fn through the tiered cache under key, returning the
// cached payload's tier alongside the result.
func (a *Aggregator) CachedSearch(ctx context.Context, key string, kind endpointKind, fn func(context.Context) (*SearchResult, error)) (*SearchResult, Tier, error) {
	if a.cache != nil {
		if rr := a.cache.Read(ctx, key); rr.Tier != TierMiss {
			if bytes.Equal(rr.Data, _missing) {
				return nil, rr.Tier, errNotFound
			}
			var res SearchResult
			if err := json.Unmarshal(rr.Data, &res); err == nil {
				return &res, rr.Tier, nil
			}
			// A corrupt entry behaves like a miss; drop it so we re-resolve.
			a.cache.Expire(ctx, key)
		}
	}

	res, err := fn(ctx)
	if err != nil {
		if errors.Is(err, errNotFound) && a.cache != nil {
			a.cache.WriteNegative(ctx, key)
		}
		return nil, TierMiss, err
	}
	if a.cache != nil {
		if b, err := json.Marshal(res); err == nil {
			a.cache.Write(ctx, key, b, kind, qualityScore(res))
		}
	}
	return res, TierMiss, nil
}

// enrichAuthors attaches knowledge-base attributes to each author in
// parallel. A failed lookup leaves that author at unknown without touching
// the others.
func (a *Aggregator) enrichAuthors(ctx context.Context, authors []Author) {
	if a.attrs == nil {
		return
	}
	g := errgroup.Group{}
	g.SetLimit(10)
	for i := range authors {
		i := i
		g.Go(func() error {
			attrs, err := a.attrs.LookupAuthorAttributes(ctx, authors[i].Name)
			if err != nil {
				return nil
			}
			authors[i].Gender = attrs.Gender
			authors[i].Nationality = attrs.Nationality
			authors[i].Region = attrs.Region
			authors[i].BirthYear = attrs.BirthYear
			authors[i].DeathYear = attrs.DeathYear
			return nil
		})
	}
	_ = g.Wait()
}

func (a *Aggregator) warmAuthors(authors []Author) {
	if a.warmer == nil {
		return
	}
	for _, author := range authors {
		a.warmer.Enqueue(author.Name)
	}
}

// dedupeAuthors collapses exact-name duplicates, keeping the attributes of
// the first occurrence.
func dedupeAuthors(authors []Author) []Author {
	seen := map[string]struct{}{}
	out := authors[:0]
	for _, a := range authors {
		if _, ok := seen[a.Name]; ok {
			continue
		}
		seen[a.Name] = struct{}{}
		out = append(out, a)
	}
	return out
}

// mergeResults folds per-catalog results for the same work into one.
// Works whose titles match case-insensitively are merged pairwise; everything
// else is carried through as-is.
func mergeResults(workTitle string, results []*SearchResult) *SearchResult {
	out := emptySearchResult()
	var canonical *Work
	for _, res := range results {
		if res == nil {
			continue
		}
		for _, w := range res.Works {
			if strings.EqualFold(w.Title, workTitle) || strings.EqualFold(w.Title, canonicalTitle(canonical)) {
				if canonical == nil {
					w := w
					canonical = &w
				} else {
					merged := mergeWorks(*canonical, w)
					canonical = &merged
				}
				continue
			}
			out.Works = append(out.Works, w)
		}
		out.Editions = append(out.Editions, res.Editions...)
		out.Authors = append(out.Authors, res.Authors...)
	}
	if canonical != nil {
		out.Works = append([]Work{*canonical}, out.Works...)
	}
	out.Authors = dedupeAuthors(out.Authors)
	return out
}

func canonicalTitle(w *Work) string {
	if w == nil {
		return ""
	}
	return w.Title
}

// mergeWorks folds b into a when two catalogs describe the same work:
// external-ID sets union, genre tags union, the longer description wins with
// provider rank as tiebreak, and covers prefer HTTPS then quality.
func mergeWorks(a, b Work) Work {
	out := a
	if _providerRank[b.PrimaryProvider] < _providerRank[a.PrimaryProvider] {
		out.PrimaryProvider = b.PrimaryProvider
	}
	out.Contributors = a.Contributors.Union(b.Contributors)
	out.ExternalIDs = a.ExternalIDs.merge(b.ExternalIDs)

	// Tags were normalized at the adapter edge, so union keeps them canonical.
	tags := NewIDSet(a.Genres...).Union(NewIDSet(b.Genres...))
	out.Genres = tags.Sorted()

	switch {
	case len(b.Description) > len(a.Description):
		out.Description = b.Description
	case len(b.Description) == len(a.Description) && b.Description != "":
		if _providerRank[b.PrimaryProvider] < _providerRank[a.PrimaryProvider] {
			out.Description = b.Description
		}
	}

	out.CoverURL = preferCover(a, b)

	if b.Quality > out.Quality {
		out.Quality = b.Quality
	}
	if out.FirstPublished == 0 {
		out.FirstPublished = b.FirstPublished
	}
	if out.Language == "" {
		out.Language = b.Language
	}
	// A merge with any verified source clears the synthetic flag.
	if !a.Synthetic || !b.Synthetic {
		out.Synthetic = false
	}
	return out
}

func preferCover(a, b Work) string {
	aHTTPS := strings.HasPrefix(a.CoverURL, "https://")
	bHTTPS := strings.HasPrefix(b.CoverURL, "https://")
	switch {
	case a.CoverURL == "":
		return b.CoverURL
	case b.CoverURL == "":
		return a.CoverURL
	case aHTTPS != bHTTPS:
		if aHTTPS {
			return a.CoverURL
		}
		return b.CoverURL
	case b.Quality > a.Quality:
		return b.CoverURL
	}
	return a.CoverURL
}

// rankEditions orders hardcover → paperback → mass market → e-book →
// audiobook, newest first within a format.
func rankEditions(editions []Edition) {
	sort.SliceStable(editions, func(i, j int) bool {
		ri, rj := formatRank(editions[i].Format), formatRank(editions[j].Format)
		if ri != rj {
			return ri < rj
		}
		return parseYear(editions[i].PublishDate) > parseYear(editions[j].PublishDate)
	})
}

func joinQuery(title, author string) string {
	title = strings.TrimSpace(title)
	author = strings.TrimSpace(author)
	switch {
	case title == "":
		return author
	case author == "":
		return title
	}
	return title + " " + author
}
