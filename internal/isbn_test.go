package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeISBN(t *testing.T) {
	assert.Equal(t, "9780306406157", NormalizeISBN("978-0-306-40615-7"))
	assert.Equal(t, "9780306406157", NormalizeISBN(" 978 0306 406157 "))
	assert.Equal(t, "097522980X", NormalizeISBN("0-9752298-0-x"))
	assert.Equal(t, "", NormalizeISBN("no digits here"))
}

func TestValidISBN(t *testing.T) {
	assert.True(t, ValidISBN("9780306406157"))
	assert.True(t, ValidISBN("978-0-306-40615-7"))
	assert.True(t, ValidISBN("0306406152"))
	assert.True(t, ValidISBN("097522980X"))

	assert.False(t, ValidISBN("9780306406158")) // Bad checksum.
	assert.False(t, ValidISBN("0306406151"))    // Bad checksum.
	assert.False(t, ValidISBN("12345"))
	assert.False(t, ValidISBN(""))
	assert.False(t, ValidISBN("030640615X2")) // X not in check position.
}

func TestCanonicalISBN(t *testing.T) {
	// ISBN-10 converts to its 978 form.
	assert.Equal(t, "9780306406157", CanonicalISBN("0306406152"))
	assert.Equal(t, "9780306406157", CanonicalISBN("0-306-40615-2"))

	// ISBN-13 passes through.
	assert.Equal(t, "9780306406157", CanonicalISBN("978-0-306-40615-7"))

	// Malformed input is normalized but not converted.
	assert.Equal(t, "12345", CanonicalISBN("123-45"))
}

func TestCanonicalISBNSet(t *testing.T) {
	// The 10 and 13 forms of the same book collapse to one entry.
	set := canonicalISBNSet(NewIDSet("0306406152", "9780306406157"))
	assert.Equal(t, []string{"9780306406157"}, set.Sorted())
}
