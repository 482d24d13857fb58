package internal

import (
	"slices"
	"strings"
)

// Canonical genre vocabulary. Normalized tags are always drawn from this
// table (or passed through verbatim when nothing matches).
var _canonicalGenres = []string{
	"Adventure",
	"Biography",
	"Business",
	"Childrens",
	"Classics",
	"Contemporary",
	"Crime",
	"Dystopian",
	"Fantasy",
	"Graphic-Novel",
	"Historical-Fiction",
	"History",
	"Horror",
	"Humor",
	"Literary-Fiction",
	"Memoir",
	"Mystery",
	"Non-Fiction",
	"Philosophy",
	"Poetry",
	"Romance",
	"Science",
	"Science-Fiction",
	"Self-Help",
	"Thriller",
	"Young-Adult",
}

// _genreSynonyms maps lowercased alternate spellings to canonical tags.
var _genreSynonyms = map[string]string{
	"sci-fi":               "Science-Fiction",
	"scifi":                "Science-Fiction",
	"science fiction":      "Science-Fiction",
	"speculative fiction":  "Science-Fiction",
	"ya":                   "Young-Adult",
	"young adult":          "Young-Adult",
	"teen":                 "Young-Adult",
	"juvenile fiction":     "Childrens",
	"children's":           "Childrens",
	"kids":                 "Childrens",
	"literary":             "Literary-Fiction",
	"literature":           "Literary-Fiction",
	"detective":            "Mystery",
	"whodunit":             "Mystery",
	"suspense":             "Thriller",
	"comics":               "Graphic-Novel",
	"comic books":          "Graphic-Novel",
	"graphic novels":       "Graphic-Novel",
	"autobiography":        "Memoir",
	"biographies":          "Biography",
	"historical":           "Historical-Fiction",
	"humour":               "Humor",
	"comedy":               "Humor",
	"self help":            "Self-Help",
	"personal development": "Self-Help",
	"nonfiction":           "Non-Fiction",
	"non fiction":          "Non-Fiction",
	"verse":                "Poetry",
	"poems":                "Poetry",
}

// Provider-specific maps cover hierarchical category strings we see in the
// wild. Keys are lowercased raw categories.
var _providerGenreMaps = map[Provider]map[string]string{
	ProviderGoogleBooks: {
		"fiction / science fiction / general":     "Science-Fiction",
		"fiction / fantasy / general":             "Fantasy",
		"fiction / fantasy / epic":                "Fantasy",
		"fiction / mystery & detective / general": "Mystery",
		"fiction / thrillers / general":           "Thriller",
		"fiction / romance / general":             "Romance",
		"fiction / literary":                      "Literary-Fiction",
		"fiction / horror":                        "Horror",
		"fiction / classics":                      "Classics",
		"juvenile fiction / general":              "Childrens",
		"young adult fiction / general":           "Young-Adult",
		"biography & autobiography / general":     "Biography",
		"comics & graphic novels / general":       "Graphic-Novel",
		"poetry / general":                        "Poetry",
	},
	ProviderISBNdb: {
		"fiction-science fiction": "Science-Fiction",
		"fiction-fantasy":         "Fantasy",
		"fiction-mystery":         "Mystery",
		"fiction-thriller":        "Thriller",
		"juvenile":                "Childrens",
		"biography":               "Biography",
	},
	ProviderOpenLibrary: {
		"science fiction":               "Science-Fiction",
		"fantasy fiction":               "Fantasy",
		"detective and mystery stories": "Mystery",
		"historical fiction":            "Historical-Fiction",
		"juvenile literature":           "Childrens",
	},
}

// Low-signal tags that only survive when they are the sole tag.
var _genreBlocklist = map[string]bool{
	"fiction":       true,
	"general":       true,
	"books":         true,
	"uncategorized": true,
	"other":         true,
}

// _fuzzyGenreThreshold is the minimum Levenshtein ratio for a fuzzy match.
// A ratio of exactly 0.85 is accepted.
const _fuzzyGenreThreshold = 0.85

// NormalizeGenres maps raw provider categories into the canonical vocabulary.
// The result is sorted and deduplicated, and the whole mapping is
// deterministic: normalizing an already-normalized set is a fixed point.
func NormalizeGenres(provider Provider, raw []string) []string {
	matched := set[string]{}
	blocked := set[string]{}

	for _, r := range raw {
		tag, lowSignal := normalizeGenre(provider, r)
		if tag == "" {
			continue
		}
		if lowSignal {
			blocked[tag] = struct{}{}
			continue
		}
		matched[tag] = struct{}{}
	}

	// Blocklisted tags are dropped unless nothing else survived.
	if len(matched) == 0 {
		matched = blocked
	}

	out := make([]string, 0, len(matched))
	for tag := range matched {
		out = append(out, tag)
	}
	slices.Sort(out)
	return out
}

func normalizeGenre(provider Provider, raw string) (tag string, lowSignal bool) {
	r := strings.ToLower(strings.TrimSpace(raw))
	if r == "" {
		return "", false
	}
	if _genreBlocklist[r] {
		return canonicalCase(raw), true
	}

	// (i) Exact provider-specific lookup.
	if m, ok := _providerGenreMaps[provider]; ok {
		if tag, ok := m[r]; ok {
			return tag, false
		}
	}

	// (ii) Case-insensitive canonical or synonym match.
	for _, c := range _canonicalGenres {
		if strings.EqualFold(c, raw) {
			return c, false
		}
	}
	if tag, ok := _genreSynonyms[r]; ok {
		return tag, false
	}

	// (iii) Fuzzy match against the canonical table.
	best, bestRatio := "", 0.0
	for _, c := range _canonicalGenres {
		if ratio := levenshteinRatio(r, strings.ToLower(c)); ratio > bestRatio {
			best, bestRatio = c, ratio
		}
	}
	if bestRatio >= _fuzzyGenreThreshold {
		return best, false
	}

	// (iv) Pass through unchanged.
	return raw, false
}

// canonicalCase title-cases a blocklisted tag so the sole-tag fallback looks
// consistent with the vocabulary.
func canonicalCase(raw string) string {
	r := strings.TrimSpace(raw)
	if r == "" {
		return r
	}
	return strings.ToUpper(r[:1]) + strings.ToLower(r[1:])
}

// levenshteinRatio is 1 - distance/maxLen, i.e. 1.0 for identical strings.
func levenshteinRatio(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	d := levenshteinDistance(a, b)
	return 1.0 - float64(d)/float64(max(len(a), len(b)))
}

func levenshteinDistance(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
