package internal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// OpenLibraryCatalog adapts the secondary public catalog. Its edition records
// don't always come wrapped in a work, so lookups may synthesize a Work from
// the edition (flagged synthetic).
type OpenLibraryCatalog struct {
	http    *http.Client
	metrics *providerMetrics
}

var _ Catalog = (*OpenLibraryCatalog)(nil)

// NewOpenLibraryCatalog wires the adapter. No credentials are required.
func NewOpenLibraryCatalog(host string, metrics *providerMetrics) *OpenLibraryCatalog {
	return &OpenLibraryCatalog{
		http:    NewUpstream(host, 0, "", ""),
		metrics: metrics,
	}
}

// Name identifies the provider in provenance and metadata.
func (c *OpenLibraryCatalog) Name() Provider { return ProviderOpenLibrary }

// olEdition is the /isbn/{isbn}.json shape.
type olEdition struct {
	Title          string   `json:"title"`
	Publishers     []string `json:"publishers"`
	PublishDate    string   `json:"publish_date"`
	NumberOfPages  int      `json:"number_of_pages"`
	ISBN10         []string `json:"isbn_10"`
	ISBN13         []string `json:"isbn_13"`
	PhysicalFormat string   `json:"physical_format"`
	Covers         []int    `json:"covers"`
	Works          []struct {
		Key string `json:"key"`
	} `json:"works"`
	Languages []struct {
		Key string `json:"key"`
	} `json:"languages"`
}

// olSearchDoc is one /search.json result document.
type olSearchDoc struct {
	Key              string   `json:"key"`
	Title            string   `json:"title"`
	AuthorName       []string `json:"author_name"`
	FirstPublishYear int      `json:"first_publish_year"`
	ISBN             []string `json:"isbn"`
	Subject          []string `json:"subject"`
	CoverI           int      `json:"cover_i"`
	Language         []string `json:"language"`
	Publisher        []string `json:"publisher"`
}

type olSearchResponse struct {
	NumFound int           `json:"numFound"`
	Docs     []olSearchDoc `json:"docs"`
}

// SearchByIdentifier fetches the edition record directly and synthesizes its
// Work.
func (c *OpenLibraryCatalog) SearchByIdentifier(ctx context.Context, isbn string) (*SearchResult, error) {
	var ed olEdition
	path := "/isbn/" + url.PathEscape(NormalizeISBN(isbn)) + ".json"
	if err := getJSON(ctx, ProviderOpenLibrary, c.http, path, &ed); err != nil {
		c.metrics.failureInc(ProviderOpenLibrary)
		return nil, err
	}
	c.metrics.successInc(ProviderOpenLibrary)
	if ed.Title == "" {
		return nil, errNotFound
	}

	isbns := IDSet{}
	for _, id := range append(ed.ISBN10, ed.ISBN13...) {
		isbns[id] = struct{}{}
	}

	cover := ""
	if len(ed.Covers) > 0 {
		cover = fmt.Sprintf("https://covers.openlibrary.org/b/id/%d-L.jpg", ed.Covers[0])
	}

	lang := ""
	if len(ed.Languages) > 0 {
		lang = strings.TrimPrefix(ed.Languages[0].Key, "/languages/")
	}

	res := emptySearchResult()
	res.Editions = append(res.Editions, Edition{
		ISBNs:       canonicalISBNSet(isbns),
		Format:      olFormat(ed.PhysicalFormat),
		Quality:     50,
		Publisher:   first(ed.Publishers),
		PublishDate: ed.PublishDate,
		PageCount:   ed.NumberOfPages,
		CoverURL:    cover,
		Title:       ed.Title,
		Language:    lang,
	})
	// No work record comes with the edition; reconstruct one.
	res.Works = append(res.Works, Work{
		Title:           ed.Title,
		Genres:          []string{},
		PrimaryProvider: ProviderOpenLibrary,
		Contributors:    NewIDSet(string(ProviderOpenLibrary)),
		ReviewStatus:    StatusNeedsReview,
		Quality:         50,
		Synthetic:       true,
		Language:        lang,
		FirstPublished:  parseYear(ed.PublishDate),
		CoverURL:        cover,
	})
	return res, nil
}

// SearchByFreeText queries the search index.
func (c *OpenLibraryCatalog) SearchByFreeText(ctx context.Context, query string, maxResults int) (*SearchResult, error) {
	path := fmt.Sprintf("/search.json?q=%s&limit=%d", url.QueryEscape(query), maxResults)
	return c.search(ctx, path, maxResults)
}

// SearchByAuthor queries the search index by author field.
func (c *OpenLibraryCatalog) SearchByAuthor(ctx context.Context, author string) (*SearchResult, error) {
	path := fmt.Sprintf("/search.json?author=%s&limit=20", url.QueryEscape(author))
	return c.search(ctx, path, 20)
}

// GetBookDetails resolves a provider key such as /works/OL82563W.
func (c *OpenLibraryCatalog) GetBookDetails(ctx context.Context, externalID string) (*SearchResult, error) {
	path := fmt.Sprintf("/search.json?q=key:%s&limit=1", url.QueryEscape(externalID))
	return c.search(ctx, path, 1)
}

func (c *OpenLibraryCatalog) search(ctx context.Context, path string, maxResults int) (*SearchResult, error) {
	var resp olSearchResponse
	if err := getJSON(ctx, ProviderOpenLibrary, c.http, path, &resp); err != nil {
		c.metrics.failureInc(ProviderOpenLibrary)
		return nil, err
	}
	c.metrics.successInc(ProviderOpenLibrary)
	if len(resp.Docs) == 0 {
		return nil, errNotFound
	}
	if len(resp.Docs) > maxResults {
		resp.Docs = resp.Docs[:maxResults]
	}

	res := emptySearchResult()
	for _, doc := range resp.Docs {
		if doc.Title == "" {
			continue
		}

		cover := ""
		if doc.CoverI > 0 {
			cover = fmt.Sprintf("https://covers.openlibrary.org/b/id/%d-L.jpg", doc.CoverI)
		}

		res.Works = append(res.Works, Work{
			Title:           doc.Title,
			Genres:          NormalizeGenres(ProviderOpenLibrary, doc.Subject),
			PrimaryProvider: ProviderOpenLibrary,
			Contributors:    NewIDSet(string(ProviderOpenLibrary)),
			ReviewStatus:    StatusVerified,
			Quality:         50,
			Language:        first(doc.Language),
			FirstPublished:  doc.FirstPublishYear,
			CoverURL:        cover,
		})
		if len(doc.ISBN) > 0 {
			res.Editions = append(res.Editions, Edition{
				ISBNs:     canonicalISBNSet(NewIDSet(doc.ISBN...)),
				Format:    FormatPaperback,
				Quality:   50,
				Publisher: first(doc.Publisher),
				CoverURL:  cover,
				Title:     doc.Title,
			})
		}
		for _, name := range doc.AuthorName {
			res.Authors = append(res.Authors, Author{Name: name, Gender: GenderUnknown})
		}
	}
	if len(res.Works) == 0 {
		return nil, errNotFound
	}
	return res, nil
}

func olFormat(physical string) Format {
	switch strings.ToLower(physical) {
	case "hardcover", "hardback":
		return FormatHardcover
	case "mass market paperback":
		return FormatMassMarket
	case "ebook", "electronic resource":
		return FormatEbook
	case "audio cd", "audiobook", "mp3 cd":
		return FormatAudiobook
	}
	return FormatPaperback
}

func first(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}
