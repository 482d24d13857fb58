package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WikidataSource resolves author attributes from the public knowledge base.
// Results, including negative ones, are cached in the KV tier for a week;
// transport failures return the unknown-gender bottom value and are not
// cached so the next caller retries.
type WikidataSource struct {
	http    *http.Client
	kv      *KV
	metrics *providerMetrics
}

var _ AttributeSource = (*WikidataSource)(nil)

var _authorAttributesTTL = 7 * 24 * time.Hour

// NewWikidataSource wires the adapter.
func NewWikidataSource(host string, kv *KV, metrics *providerMetrics) *WikidataSource {
	return &WikidataSource{
		// The knowledge base asks for gentle clients; half a second between
		// calls keeps us under its radar.
		http:    NewUpstream(host, 500*time.Millisecond, "", ""),
		kv:      kv,
		metrics: metrics,
	}
}

// Entity identifiers for the properties and values we extract.
const (
	wdPropGender      = "P21"
	wdPropCitizenship = "P27"
	wdPropBirthDate   = "P569"
	wdPropDeathDate   = "P570"

	wdMale      = "Q6581097"
	wdFemale    = "Q6581072"
	wdNonBinary = "Q48270"
)

type wdSearchResponse struct {
	Search []struct {
		ID string `json:"id"`
	} `json:"search"`
}

type wdClaim struct {
	MainSnak struct {
		DataValue struct {
			Value json.RawMessage `json:"value"`
		} `json:"datavalue"`
	} `json:"mainsnak"`
}

type wdEntityResponse struct {
	Entities map[string]struct {
		Claims map[string][]wdClaim `json:"claims"`
		Labels map[string]struct {
			Value string `json:"value"`
		} `json:"labels"`
	} `json:"entities"`
}

// LookupAuthorAttributes finds the best-matching entity for the name and
// extracts gender, nationality, and birth/death years.
func (s *WikidataSource) LookupAuthorAttributes(ctx context.Context, name string) (AuthorAttributes, error) {
	unknown := AuthorAttributes{Gender: GenderUnknown}
	if strings.TrimSpace(name) == "" {
		return unknown, nil
	}

	key := authorAttributesKey(name)
	if cached, ok, _ := s.kv.Get(ctx, key); ok {
		var attrs AuthorAttributes
		if err := json.Unmarshal(cached, &attrs); err == nil {
			return attrs, nil
		}
	}

	attrs, err := s.lookup(ctx, name)
	if err != nil {
		// Unreachable knowledge base: report unknown but don't cache, so the
		// next lookup gets another chance.
		Log(ctx).Warn("problem looking up author attributes", "err", err, "author", name)
		s.metrics.failureInc(ProviderWikidata)
		return unknown, nil
	}
	s.metrics.successInc(ProviderWikidata)

	// Negative results are cached too: absence is stable knowledge.
	if b, err := json.Marshal(attrs); err == nil {
		if err := s.kv.Set(ctx, key, b, _authorAttributesTTL); err != nil {
			Log(ctx).Warn("problem caching author attributes", "err", err, "author", name)
		}
	}
	return attrs, nil
}

func (s *WikidataSource) lookup(ctx context.Context, name string) (AuthorAttributes, error) {
	attrs := AuthorAttributes{Gender: GenderUnknown}

	var search wdSearchResponse
	searchPath := fmt.Sprintf(
		"/w/api.php?action=wbsearchentities&search=%s&language=en&type=item&limit=1&format=json",
		url.QueryEscape(name))
	if err := getJSON(ctx, ProviderWikidata, s.http, searchPath, &search); err != nil {
		return attrs, err
	}
	if len(search.Search) == 0 {
		return attrs, nil // No matching entity; that's a cacheable negative.
	}
	entityID := search.Search[0].ID

	var entity wdEntityResponse
	entityPath := fmt.Sprintf(
		"/w/api.php?action=wbgetentities&ids=%s&props=claims&format=json", entityID)
	if err := getJSON(ctx, ProviderWikidata, s.http, entityPath, &entity); err != nil {
		return attrs, err
	}
	claims := entity.Entities[entityID].Claims

	if id := claimEntityID(claims[wdPropGender]); id != "" {
		attrs.Gender = wdGender(id)
	}
	attrs.BirthYear = claimYear(claims[wdPropBirthDate])
	attrs.DeathYear = claimYear(claims[wdPropDeathDate])

	// Citizenship needs a second lookup to turn the entity ID into a label.
	if countryID := claimEntityID(claims[wdPropCitizenship]); countryID != "" {
		label, err := s.entityLabel(ctx, countryID)
		if err != nil {
			return attrs, err
		}
		attrs.Nationality = label
		attrs.Region = regionForCountry(label)
	}

	return attrs, nil
}

func (s *WikidataSource) entityLabel(ctx context.Context, id string) (string, error) {
	var resp wdEntityResponse
	path := fmt.Sprintf(
		"/w/api.php?action=wbgetentities&ids=%s&props=labels&languages=en&format=json", id)
	if err := getJSON(ctx, ProviderWikidata, s.http, path, &resp); err != nil {
		return "", err
	}
	return resp.Entities[id].Labels["en"].Value, nil
}

func wdGender(entityID string) Gender {
	switch entityID {
	case wdMale:
		return GenderMale
	case wdFemale:
		return GenderFemale
	case wdNonBinary:
		return GenderNonBinary
	}
	return GenderOther
}

// claimEntityID extracts the Q-identifier from an entity-valued claim.
func claimEntityID(claims []wdClaim) string {
	if len(claims) == 0 {
		return ""
	}
	var v struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(claims[0].MainSnak.DataValue.Value, &v); err != nil {
		return ""
	}
	return v.ID
}

// claimYear extracts the year from a time-valued claim such as
// "+1965-07-31T00:00:00Z".
func claimYear(claims []wdClaim) int {
	if len(claims) == 0 {
		return 0
	}
	var v struct {
		Time string `json:"time"`
	}
	if err := json.Unmarshal(claims[0].MainSnak.DataValue.Value, &v); err != nil {
		return 0
	}
	return parseYear(strings.TrimPrefix(v.Time, "+"))
}

// _regionPatterns groups country-name substrings into the cultural-region
// buckets. First match wins; patterns are lowercased.
var _regionPatterns = []struct {
	region   Region
	patterns []string
}{
	{RegionNorthAmerica, []string{"united states", "canada", "america"}},
	{RegionCaribbean, []string{"jamaica", "cuba", "haiti", "trinidad", "barbados", "dominican"}},
	{RegionLatinAmerica, []string{"mexico", "brazil", "argentina", "chile", "colombia", "peru", "venezuela", "uruguay", "bolivia", "ecuador", "guatemala"}},
	{RegionWesternEurope, []string{"united kingdom", "england", "ireland", "france", "germany", "spain", "portugal", "italy", "netherlands", "belgium", "switzerland", "austria", "sweden", "norway", "denmark", "finland", "iceland", "greece"}},
	{RegionEasternEurope, []string{"russia", "poland", "ukraine", "czech", "hungary", "romania", "bulgaria", "serbia", "croatia", "slovakia", "belarus", "lithuania", "latvia", "estonia", "soviet"}},
	{RegionMiddleEast, []string{"turkey", "iran", "israel", "egypt", "saudi", "iraq", "syria", "lebanon", "jordan", "palestine", "emirates"}},
	{RegionAfrica, []string{"nigeria", "kenya", "south africa", "ghana", "ethiopia", "morocco", "algeria", "tunisia", "senegal", "zimbabwe", "uganda", "tanzania"}},
	{RegionSouthAsia, []string{"india", "pakistan", "bangladesh", "sri lanka", "nepal", "afghanistan"}},
	{RegionEastAsia, []string{"china", "japan", "korea", "taiwan", "mongolia", "hong kong"}},
	{RegionSoutheastAsia, []string{"vietnam", "thailand", "indonesia", "philippines", "malaysia", "singapore", "myanmar", "cambodia"}},
	{RegionOceania, []string{"australia", "new zealand", "fiji", "samoa", "papua"}},
}

// regionForCountry derives the cultural region from a nationality label.
// Unmatched labels map to the empty region.
func regionForCountry(label string) Region {
	l := strings.ToLower(label)
	for _, group := range _regionPatterns {
		for _, p := range group.patterns {
			if strings.Contains(l, p) {
				return group.region
			}
		}
	}
	return ""
}
