package internal

import (
	"strings"
)

// NormalizeISBN strips hyphens and spaces and uppercases any check digit.
func NormalizeISBN(isbn string) string {
	var b strings.Builder
	for _, r := range isbn {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == 'x' || r == 'X':
			b.WriteByte('X')
		}
	}
	return b.String()
}

// ValidISBN reports whether the string is a well-formed ISBN-10 or ISBN-13,
// checksum included.
func ValidISBN(isbn string) bool {
	s := NormalizeISBN(isbn)
	switch len(s) {
	case 10:
		return validISBN10(s)
	case 13:
		return validISBN13(s)
	}
	return false
}

// CanonicalISBN returns the ISBN-13 form of a well-formed ISBN, converting
// ISBN-10 inputs. Malformed inputs come back unchanged (normalized only) so
// callers can still key on them.
func CanonicalISBN(isbn string) string {
	s := NormalizeISBN(isbn)
	if len(s) == 10 && validISBN10(s) {
		return isbn10to13(s)
	}
	return s
}

// canonicalISBNSet dedupes identifiers that canonicalize to the same ISBN-13.
// Non-ISBN identifiers pass through untouched.
func canonicalISBNSet(isbns IDSet) IDSet {
	out := IDSet{}
	for isbn := range isbns {
		out[CanonicalISBN(isbn)] = struct{}{}
	}
	return out
}

func validISBN10(s string) bool {
	if len(s) != 10 {
		return false
	}
	sum := 0
	for i, r := range s {
		var v int
		switch {
		case r >= '0' && r <= '9':
			v = int(r - '0')
		case r == 'X' && i == 9:
			v = 10
		default:
			return false
		}
		sum += v * (10 - i)
	}
	return sum%11 == 0
}

func validISBN13(s string) bool {
	if len(s) != 13 {
		return false
	}
	sum := 0
	for i, r := range s {
		if r < '0' || r > '9' {
			return false
		}
		v := int(r - '0')
		if i%2 == 1 {
			v *= 3
		}
		sum += v
	}
	return sum%10 == 0
}

// isbn10to13 converts a valid ISBN-10 to its 978-prefixed ISBN-13.
func isbn10to13(s string) string {
	body := "978" + s[:9]
	sum := 0
	for i, r := range body {
		v := int(r - '0')
		if i%2 == 1 {
			v *= 3
		}
		sum += v
	}
	check := (10 - sum%10) % 10
	return body + string(rune('0'+check))
}
