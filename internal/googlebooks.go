package internal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// GoogleBooksCatalog adapts the primary public full-text catalog. It serves
// free-text, ISBN, and author queries from the same volumes endpoint.
type GoogleBooksCatalog struct {
	http    *http.Client
	apiKey  string
	metrics *providerMetrics
}

var _ Catalog = (*GoogleBooksCatalog)(nil)

// NewGoogleBooksCatalog wires the adapter. The key is optional; anonymous
// quota applies without it.
func NewGoogleBooksCatalog(host, apiKey string, metrics *providerMetrics) *GoogleBooksCatalog {
	return &GoogleBooksCatalog{
		http:    NewUpstream(host, 0, "", ""),
		apiKey:  apiKey,
		metrics: metrics,
	}
}

// Name identifies the provider in provenance and metadata.
func (c *GoogleBooksCatalog) Name() Provider { return ProviderGoogleBooks }

type gbVolume struct {
	ID         string `json:"id"`
	VolumeInfo struct {
		Title               string   `json:"title"`
		Subtitle            string   `json:"subtitle"`
		Authors             []string `json:"authors"`
		Publisher           string   `json:"publisher"`
		PublishedDate       string   `json:"publishedDate"`
		Description         string   `json:"description"`
		IndustryIdentifiers []struct {
			Type       string `json:"type"`
			Identifier string `json:"identifier"`
		} `json:"industryIdentifiers"`
		PageCount  int      `json:"pageCount"`
		Categories []string `json:"categories"`
		Language   string   `json:"language"`
		ImageLinks struct {
			Thumbnail      string `json:"thumbnail"`
			SmallThumbnail string `json:"smallThumbnail"`
		} `json:"imageLinks"`
	} `json:"volumeInfo"`
}

type gbVolumesResponse struct {
	TotalItems int        `json:"totalItems"`
	Items      []gbVolume `json:"items"`
}

// SearchByFreeText queries the volumes index.
func (c *GoogleBooksCatalog) SearchByFreeText(ctx context.Context, query string, maxResults int) (*SearchResult, error) {
	return c.search(ctx, query, maxResults)
}

// SearchByIdentifier uses the isbn: field qualifier.
func (c *GoogleBooksCatalog) SearchByIdentifier(ctx context.Context, isbn string) (*SearchResult, error) {
	return c.search(ctx, "isbn:"+NormalizeISBN(isbn), 5)
}

// SearchByAuthor uses the inauthor: field qualifier.
func (c *GoogleBooksCatalog) SearchByAuthor(ctx context.Context, author string) (*SearchResult, error) {
	return c.search(ctx, "inauthor:"+author, 20)
}

// GetBookDetails fetches a single volume by its provider ID.
func (c *GoogleBooksCatalog) GetBookDetails(ctx context.Context, externalID string) (*SearchResult, error) {
	var vol gbVolume
	path := "/books/v1/volumes/" + url.PathEscape(externalID) + c.keyParam("?")
	if err := getJSON(ctx, ProviderGoogleBooks, c.http, path, &vol); err != nil {
		c.metrics.failureInc(ProviderGoogleBooks)
		return nil, err
	}
	c.metrics.successInc(ProviderGoogleBooks)
	if vol.VolumeInfo.Title == "" {
		return nil, errNotFound
	}
	return c.normalize([]gbVolume{vol}), nil
}

func (c *GoogleBooksCatalog) search(ctx context.Context, q string, maxResults int) (*SearchResult, error) {
	var resp gbVolumesResponse
	path := fmt.Sprintf("/books/v1/volumes?q=%s&maxResults=%d%s",
		url.QueryEscape(q), maxResults, c.keyParam("&"))
	if err := getJSON(ctx, ProviderGoogleBooks, c.http, path, &resp); err != nil {
		c.metrics.failureInc(ProviderGoogleBooks)
		return nil, err
	}
	c.metrics.successInc(ProviderGoogleBooks)
	if len(resp.Items) == 0 {
		return nil, errNotFound
	}
	if len(resp.Items) > maxResults {
		resp.Items = resp.Items[:maxResults]
	}
	res := c.normalize(resp.Items)
	if res == nil {
		return nil, errNotFound
	}
	return res, nil
}

func (c *GoogleBooksCatalog) keyParam(sep string) string {
	if c.apiKey == "" {
		return ""
	}
	return sep + "key=" + url.QueryEscape(c.apiKey)
}

func (c *GoogleBooksCatalog) normalize(items []gbVolume) *SearchResult {
	res := emptySearchResult()
	for _, item := range items {
		v := item.VolumeInfo
		if v.Title == "" {
			continue
		}

		isbns := IDSet{}
		for _, id := range v.IndustryIdentifiers {
			if strings.HasPrefix(id.Type, "ISBN") {
				isbns[id.Identifier] = struct{}{}
			}
		}

		cover := httpsURL(firstNonEmpty(v.ImageLinks.Thumbnail, v.ImageLinks.SmallThumbnail))
		ext := ExternalIDs{GoogleBooks: NewIDSet(item.ID)}

		res.Works = append(res.Works, Work{
			Title:           v.Title,
			Genres:          NormalizeGenres(ProviderGoogleBooks, v.Categories),
			PrimaryProvider: ProviderGoogleBooks,
			Contributors:    NewIDSet(string(ProviderGoogleBooks)),
			ReviewStatus:    StatusVerified,
			Quality:         50, // The commercial score doesn't apply here; stay neutral.
			Language:        v.Language,
			FirstPublished:  parseYear(v.PublishedDate),
			Description:     v.Description,
			CoverURL:        cover,
			ExternalIDs:     ext,
		})
		res.Editions = append(res.Editions, Edition{
			ISBNs:       canonicalISBNSet(isbns),
			Format:      FormatPaperback, // The volumes API doesn't expose binding.
			Quality:     50,
			Publisher:   v.Publisher,
			PublishDate: v.PublishedDate,
			PageCount:   v.PageCount,
			CoverURL:    cover,
			Title:       v.Title,
			Description: v.Description,
			Language:    v.Language,
			ExternalIDs: ext,
		})
		for _, name := range v.Authors {
			res.Authors = append(res.Authors, Author{Name: name, Gender: GenderUnknown})
		}
	}
	if len(res.Works) == 0 {
		return nil
	}
	return res
}

// httpsURL upgrades scheme-relative or http cover URLs; upstreams still hand
// out plain http thumbnails.
func httpsURL(u string) string {
	if strings.HasPrefix(u, "http://") {
		return "https://" + strings.TrimPrefix(u, "http://")
	}
	return u
}
