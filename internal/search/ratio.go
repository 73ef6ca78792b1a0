package search

import (
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
)

// ratio returns a Levenshtein similarity in [0, 100] between a and b,
// computed as ((len(a)+len(b)) - distance) / (len(a)+len(b)) * 100 over
// runes. Two empty strings are considered identical. Inputs are expected to
// be lowercased already.
func ratio(a, b string) float64 {
	la := len([]rune(a))
	lb := len([]rune(b))
	if la+lb == 0 {
		return 100
	}
	dist := matchr.Levenshtein(a, b)
	return float64(la+lb-dist) / float64(la+lb) * 100
}

// partialRatio slides the shorter string over the longer one and returns the
// best window [ratio]. It rewards a query that appears verbatim inside a
// longer service string.
func partialRatio(a, b string) float64 {
	ra := []rune(a)
	rb := []rune(b)
	if len(ra) > len(rb) {
		ra, rb = rb, ra
	}
	if len(ra) == 0 {
		if len(rb) == 0 {
			return 100
		}
		return 0
	}

	shorter := string(ra)
	best := 0.0
	for i := 0; i+len(ra) <= len(rb); i++ {
		if r := ratio(shorter, string(rb[i:i+len(ra)])); r > best {
			best = r
			if best == 100 {
				break
			}
		}
	}
	return best
}

// tokenSortRatio compares a and b with their words sorted alphabetically,
// making the score insensitive to word order.
func tokenSortRatio(a, b string) float64 {
	return ratio(sortTokens(a), sortTokens(b))
}

func sortTokens(s string) string {
	fields := strings.Fields(s)
	sort.Strings(fields)
	return strings.Join(fields, " ")
}
