package internal

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDSetJSON(t *testing.T) {
	s := NewIDSet("b", "a", "c", "")
	b, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Equal(t, `["a","b","c"]`, string(b))

	var back IDSet
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, s, back)
}

func TestIDSetUnion(t *testing.T) {
	a := NewIDSet("1", "2")
	b := NewIDSet("2", "3")

	u := a.Union(b)
	assert.Equal(t, []string{"1", "2", "3"}, u.Sorted())

	// Neither input is mutated.
	assert.Equal(t, []string{"1", "2"}, a.Sorted())
	assert.Equal(t, []string{"2", "3"}, b.Sorted())

	var empty IDSet
	assert.Equal(t, []string{"1", "2"}, a.Union(empty).Sorted())
}

func TestExternalIDsMerge(t *testing.T) {
	a := ExternalIDs{Goodreads: NewIDSet("123"), Amazon: NewIDSet("B0001")}
	b := ExternalIDs{Goodreads: NewIDSet("456"), GoogleBooks: NewIDSet("gb1")}

	m := a.merge(b)
	assert.Equal(t, []string{"123", "456"}, m.Goodreads.Sorted())
	assert.Equal(t, []string{"B0001"}, m.Amazon.Sorted())
	assert.Equal(t, []string{"gb1"}, m.GoogleBooks.Sorted())
	assert.Empty(t, m.LibraryThing)
}

func TestFormatRank(t *testing.T) {
	order := []Format{FormatHardcover, FormatPaperback, FormatMassMarket, FormatEbook, FormatAudiobook}
	for i := 1; i < len(order); i++ {
		assert.Less(t, formatRank(order[i-1]), formatRank(order[i]))
	}
	assert.Greater(t, formatRank(Format("vinyl")), formatRank(FormatAudiobook))
}

func TestEmptySearchResult(t *testing.T) {
	b, err := json.Marshal(emptySearchResult())
	require.NoError(t, err)
	// All arrays serialize as [], never null.
	assert.JSONEq(t, `{"works":[],"editions":[],"authors":[]}`, string(b))
}
