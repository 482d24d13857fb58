package internal

import (
	"encoding/json"
	"slices"
)

// Provider identifies an upstream catalog. These values appear in provenance
// and in response metadata, so they're part of the API surface.
type Provider string

const (
	ProviderISBNdb      Provider = "isbndb"
	ProviderGoogleBooks Provider = "google-books"
	ProviderOpenLibrary Provider = "open-library"
	ProviderWikidata    Provider = "wikidata"
	ProviderVision      Provider = "vision"
)

// ReviewStatus tracks how much a record has been vetted.
type ReviewStatus string

const (
	StatusVerified    ReviewStatus = "verified"
	StatusNeedsReview ReviewStatus = "needs-review"
	StatusUserEdited  ReviewStatus = "user-edited"
)

// Format is an edition's physical (or not) binding.
type Format string

const (
	FormatHardcover  Format = "hardcover"
	FormatPaperback  Format = "paperback"
	FormatMassMarket Format = "mass-market"
	FormatEbook      Format = "e-book"
	FormatAudiobook  Format = "audiobook"
)

// formatRank orders editions for ranked listings. Unknown formats sort last.
func formatRank(f Format) int {
	switch f {
	case FormatHardcover:
		return 0
	case FormatPaperback:
		return 1
	case FormatMassMarket:
		return 2
	case FormatEbook:
		return 3
	case FormatAudiobook:
		return 4
	}
	return 5
}

// Gender is an author's gender as reported by the knowledge base. Unknown is
// the bottom value, never an error.
type Gender string

const (
	GenderMale      Gender = "male"
	GenderFemale    Gender = "female"
	GenderNonBinary Gender = "non-binary"
	GenderOther     Gender = "other"
	GenderUnknown   Gender = "unknown"
)

// Region is a coarse cultural-region bucket derived from nationality.
type Region string

const (
	RegionNorthAmerica  Region = "north-america"
	RegionLatinAmerica  Region = "latin-america"
	RegionCaribbean     Region = "caribbean"
	RegionWesternEurope Region = "western-europe"
	RegionEasternEurope Region = "eastern-europe"
	RegionAfrica        Region = "africa"
	RegionMiddleEast    Region = "middle-east"
	RegionSouthAsia     Region = "south-asia"
	RegionEastAsia      Region = "east-asia"
	RegionSoutheastAsia Region = "southeast-asia"
	RegionOceania       Region = "oceania"
)

// IDSet is a set of external identifiers. It serializes as a sorted array so
// iteration order is never observable on the wire.
type IDSet map[string]struct{}

// NewIDSet builds a set from the given identifiers, dropping empties.
func NewIDSet(ids ...string) IDSet {
	s := IDSet{}
	for _, id := range ids {
		if id != "" {
			s[id] = struct{}{}
		}
	}
	return s
}

// Union returns the union of both sets without mutating either.
func (s IDSet) Union(other IDSet) IDSet {
	return IDSet(union(set[string](s), set[string](other)))
}

// Contains reports membership.
func (s IDSet) Contains(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in lexical order.
func (s IDSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// MarshalJSON serializes the set as a sorted array.
func (s IDSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON accepts an array of identifiers.
func (s *IDSet) UnmarshalJSON(b []byte) error {
	var ids []string
	if err := json.Unmarshal(b, &ids); err != nil {
		return err
	}
	*s = NewIDSet(ids...)
	return nil
}

// ExternalIDs carries per-provider identifier sets.
type ExternalIDs struct {
	Goodreads    IDSet `json:"goodreads,omitempty"`
	Amazon       IDSet `json:"amazon,omitempty"`
	LibraryThing IDSet `json:"librarything,omitempty"`
	GoogleBooks  IDSet `json:"googlebooks,omitempty"`
}

// merge unions the other record's sets into a copy of this one.
func (e ExternalIDs) merge(other ExternalIDs) ExternalIDs {
	return ExternalIDs{
		Goodreads:    e.Goodreads.Union(other.Goodreads),
		Amazon:       e.Amazon.Union(other.Amazon),
		LibraryThing: e.LibraryThing.Union(other.LibraryThing),
		GoogleBooks:  e.GoogleBooks.Union(other.GoogleBooks),
	}
}

// BoundingBox locates a detection within its source image. Coordinates are
// normalized to [0,1].
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Work is an abstract creative artifact -- the novel, not a given printing.
type Work struct {
	Title           string       `json:"title"`
	Genres          []string     `json:"genres"`
	PrimaryProvider Provider     `json:"primaryProvider"`
	Contributors    IDSet        `json:"contributors"`
	ReviewStatus    ReviewStatus `json:"reviewStatus"`
	Quality         int          `json:"quality"`
	Synthetic       bool         `json:"synthetic"`

	Language       string       `json:"language,omitempty"`
	FirstPublished int          `json:"firstPublished,omitempty"`
	Description    string       `json:"description,omitempty"`
	CoverURL       string       `json:"coverUrl,omitempty"`
	ExternalIDs    ExternalIDs  `json:"externalIds,omitzero"`
	LastSynced     string       `json:"lastSynced,omitempty"`
	BoundingBox    *BoundingBox `json:"boundingBox,omitempty"`
}

// Edition is a specific manifestation of a Work -- a given ISBN.
type Edition struct {
	ISBNs   IDSet  `json:"isbns"`
	Format  Format `json:"format"`
	Quality int    `json:"quality"`

	Publisher   string      `json:"publisher,omitempty"`
	PublishDate string      `json:"publishDate,omitempty"`
	PageCount   int         `json:"pageCount,omitempty"`
	CoverURL    string      `json:"coverUrl,omitempty"`
	Title       string      `json:"title,omitempty"`
	Description string      `json:"description,omitempty"`
	Language    string      `json:"language,omitempty"`
	ExternalIDs ExternalIDs `json:"externalIds,omitzero"`
}

// Author is a creator.
type Author struct {
	Name   string `json:"name"`
	Gender Gender `json:"gender"`

	Region      Region      `json:"culturalRegion,omitempty"`
	Nationality string      `json:"nationality,omitempty"`
	BirthYear   int         `json:"birthYear,omitempty"`
	DeathYear   int         `json:"deathYear,omitempty"`
	ExternalIDs ExternalIDs `json:"externalIds,omitzero"`
	BookCount   int         `json:"bookCount,omitempty"`
}

// SearchResult is the uniform search payload: all arrays present, possibly
// empty. An empty result is still a success.
type SearchResult struct {
	Works    []Work    `json:"works"`
	Editions []Edition `json:"editions"`
	Authors  []Author  `json:"authors"`
}

func emptySearchResult() *SearchResult {
	return &SearchResult{Works: []Work{}, Editions: []Edition{}, Authors: []Author{}}
}

// EnrichmentStatus records the outcome of enriching one detected book.
type EnrichmentStatus string

const (
	EnrichmentSuccess  EnrichmentStatus = "success"
	EnrichmentNotFound EnrichmentStatus = "not_found"
	EnrichmentError    EnrichmentStatus = "error"
)

// Enrichment is the resolved metadata attached to a DetectedBook.
type Enrichment struct {
	Status   EnrichmentStatus `json:"status"`
	Work     *Work            `json:"work,omitempty"`
	Editions []Edition        `json:"editions,omitempty"`
	Authors  []Author         `json:"authors,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// DetectedBook is a transient record emitted by the vision pipeline. The
// Enrichment slot is populated later by the parallel enricher.
type DetectedBook struct {
	Title       string       `json:"title"`
	Author      string       `json:"author,omitempty"`
	ISBN        string       `json:"isbn,omitempty"`
	Confidence  float64      `json:"confidence"`
	BoundingBox *BoundingBox `json:"boundingBox,omitempty"`

	Enrichment      *Enrichment `json:"enrichment,omitempty"`
	EnrichmentError string      `json:"enrichmentError,omitempty"`
}
