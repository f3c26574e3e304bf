package normalize

import "strings"

// Email returns a normalized form of an email address suitable for
// storage and comparisons. Normalization currently trims surrounding
// whitespace and lower-cases the address.
func Email(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}

// ID canonicalizes a user identifier for storage and comparisons.
func ID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Pair returns two user ids in canonical order (smallest first). A
// conversation is identified by its unordered participant pair, so both
// (a, b) and (b, a) map to the same ordered pair.
func Pair(a, b string) (string, string) {
	a, b = ID(a), ID(b)
	if b < a {
		a, b = b, a
	}
	return a, b
}

// PairKey derives the unique lookup key for the conversation between two
// users from the canonical pair.
func PairKey(a, b string) string {
	lo, hi := Pair(a, b)
	return lo + ":" + hi
}
