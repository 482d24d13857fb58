package internal

import (
	"io"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOpenLibraryFixture(t *testing.T, h http.Handler) *OpenLibraryCatalog {
	t.Helper()
	return &OpenLibraryCatalog{
		http:    newTestUpstream(t, h),
		metrics: newProviderMetrics(nil),
	}
}

func TestOpenLibraryISBNLookup(t *testing.T) {
	var path string
	c := newOpenLibraryFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		io.WriteString(w, `{
			"title": "Fantastic Mr Fox",
			"publishers": ["Puffin"],
			"publish_date": "October 1, 1988",
			"number_of_pages": 96,
			"isbn_10": ["0140328726"],
			"isbn_13": ["9780140328721"],
			"physical_format": "Hardcover",
			"covers": [8739161],
			"works": [{"key": "/works/OL45804W"}],
			"languages": [{"key": "/languages/eng"}]
		}`)
	}))

	res, err := c.SearchByIdentifier(t.Context(), "978-0-14-032872-1")
	require.NoError(t, err)
	assert.Equal(t, "/isbn/9780140328721.json", path)

	require.Len(t, res.Editions, 1)
	ed := res.Editions[0]
	assert.Equal(t, NewIDSet("9780140328721"), ed.ISBNs)
	assert.Equal(t, FormatHardcover, ed.Format)
	assert.Equal(t, "Puffin", ed.Publisher)
	assert.Equal(t, 96, ed.PageCount)
	assert.Equal(t, "eng", ed.Language)
	assert.Equal(t, "https://covers.openlibrary.org/b/id/8739161-L.jpg", ed.CoverURL)

	// The edition endpoint carries no work record, so one is synthesized and
	// flagged for review.
	require.Len(t, res.Works, 1)
	work := res.Works[0]
	assert.Equal(t, "Fantastic Mr Fox", work.Title)
	assert.True(t, work.Synthetic)
	assert.Equal(t, StatusNeedsReview, work.ReviewStatus)
	assert.Equal(t, 50, work.Quality)
	assert.Equal(t, 1988, work.FirstPublished)
}

func TestOpenLibraryISBNNotFound(t *testing.T) {
	c := newOpenLibraryFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `{}`)
	}))

	_, err := c.SearchByIdentifier(t.Context(), "9780140328721")
	assert.ErrorIs(t, err, errNotFound)
}

func TestOpenLibrarySearch(t *testing.T) {
	var query url.Values
	c := newOpenLibraryFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		io.WriteString(w, `{"numFound":2,"docs":[
			{
				"key": "/works/OL82563W",
				"title": "The Left Hand of Darkness",
				"author_name": ["Ursula K. Le Guin"],
				"first_publish_year": 1969,
				"isbn": ["9780441478125"],
				"subject": ["Detective and mystery stories", "Science fiction"],
				"cover_i": 12345,
				"language": ["eng"],
				"publisher": ["Ace"]
			},
			{"key": "/works/OL1W", "title": ""}
		]}`)
	}))

	res, err := c.SearchByFreeText(t.Context(), "left hand of darkness", 10)
	require.NoError(t, err)
	assert.Equal(t, "left hand of darkness", query.Get("q"))
	assert.Equal(t, "10", query.Get("limit"))

	// The untitled doc is skipped.
	require.Len(t, res.Works, 1)
	work := res.Works[0]
	assert.Equal(t, "The Left Hand of Darkness", work.Title)
	assert.Equal(t, []string{"Mystery", "Science-Fiction"}, work.Genres)
	assert.Equal(t, StatusVerified, work.ReviewStatus)
	assert.Equal(t, 1969, work.FirstPublished)
	assert.Equal(t, "https://covers.openlibrary.org/b/id/12345-L.jpg", work.CoverURL)

	require.Len(t, res.Editions, 1)
	assert.Equal(t, NewIDSet("9780441478125"), res.Editions[0].ISBNs)
	assert.Equal(t, FormatPaperback, res.Editions[0].Format)

	require.Len(t, res.Authors, 1)
	assert.Equal(t, "Ursula K. Le Guin", res.Authors[0].Name)
}

func TestOpenLibrarySearchNoDocs(t *testing.T) {
	c := newOpenLibraryFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `{"numFound":0,"docs":[]}`)
	}))

	_, err := c.SearchByFreeText(t.Context(), "nothing", 10)
	assert.ErrorIs(t, err, errNotFound)
}

func TestOpenLibraryAuthorSearch(t *testing.T) {
	var query url.Values
	c := newOpenLibraryFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		io.WriteString(w, `{"numFound":1,"docs":[{"title":"Dune","author_name":["Frank Herbert"]}]}`)
	}))

	_, err := c.SearchByAuthor(t.Context(), "Frank Herbert")
	require.NoError(t, err)
	assert.Equal(t, "Frank Herbert", query.Get("author"))
	assert.Equal(t, "20", query.Get("limit"))
}

func TestOLFormat(t *testing.T) {
	cases := map[string]Format{
		"Hardcover":             FormatHardcover,
		"hardback":              FormatHardcover,
		"Mass Market Paperback": FormatMassMarket,
		"Electronic resource":   FormatEbook,
		"MP3 CD":                FormatAudiobook,
		"Paperback":             FormatPaperback,
		"":                      FormatPaperback,
	}
	for physical, want := range cases {
		assert.Equal(t, want, olFormat(physical), physical)
	}
}

func TestFirst(t *testing.T) {
	assert.Equal(t, "a", first([]string{"a", "b"}))
	assert.Equal(t, "", first(nil))
}
