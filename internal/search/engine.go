// Package search implements the weighted fuzzy matcher used to resolve a
// caller's spoken request to entries of the clinic service catalog.
//
// Scoring proceeds over each catalog service, whose name, code, and synonyms
// are joined into a single lowercased search string:
//
//  1. Exact token hits: each query token present in the service's token set
//     scores +15, capped at 80 across the whole query. Tokens from the
//     medical keyword list score +25 instead and bypass the cap.
//  2. Fuzzy ratios: partial_ratio against the service name or the full
//     search string contributes with weight 0.30, token_sort_ratio against
//     the name with weight 0.20. Both are Levenshtein-based.
//  3. Word coverage: each query word contained anywhere in the search
//     string adds +15, capped at 30.
//  4. Niche-variant penalty: services mentioning tokens such as "gemellare"
//     or "pediatrica" lose 20 points each, which keeps specialised variants
//     out of generic queries.
//
// The final score is clamped at zero. Services scoring at least 40 are
// returned in descending order, ties resolved by catalog position.
package search

import (
	"math"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultLimit is the number of results returned when the caller does
	// not request a specific limit.
	DefaultLimit = 3
	// MaxLimit caps the number of results a single query may return.
	MaxLimit = 5

	minQueryRunes = 2

	tokenWeight        = 15.0
	tokenWeightCap     = 80.0
	medicalTokenWeight = 25.0
	partialRatioWeight = 0.30
	tokenSortWeight    = 0.20
	wordHitWeight      = 15.0
	wordHitCap         = 30.0
	irrelevancePenalty = 20.0
	scoreThreshold     = 40.0
)

// medicalKeywords carry strong diagnostic intent and are weighted above
// ordinary tokens.
var medicalKeywords = map[string]struct{}{
	"radiografia": {},
	"rx":          {},
	"caviglia":    {},
	"cuore":       {},
	"sangue":      {},
	"denti":       {},
	"cardiologia": {},
	"analisi":     {},
	"esame":       {},
	"tc":          {},
	"tac":         {},
	"tomografia":  {},
}

// irrelevanceTokens mark niche service variants that should not surface for
// generic queries unless the caller names them explicitly.
var irrelevanceTokens = []string{"peeling", "gemellare", "fetale", "pediatrica"}

// Match is a single catalog entry returned by a search, annotated with its
// score.
type Match struct {
	Service
	Score float64 `json:"score"`
}

// Result is the outcome of a catalog search. Found is false when the query
// was too short or nothing cleared the inclusion threshold; Message then
// explains why.
type Result struct {
	Found      bool    `json:"found"`
	Count      int     `json:"count"`
	Services   []Match `json:"services"`
	SearchTerm string  `json:"search_term"`
	Message    string  `json:"message,omitempty"`
}

// Searcher answers catalog queries. It is implemented by [Catalog] for a
// static snapshot and by [Index] for a hot-reloading view.
type Searcher interface {
	Search(query string, limit int) Result
}

var (
	_ Searcher = (*Catalog)(nil)
	_ Searcher = (*Index)(nil)
)

// Search scores every catalog service against query and returns up to limit
// matches. A non-positive limit selects [DefaultLimit]; limits above
// [MaxLimit] are clamped. Queries shorter than two characters are rejected
// without scoring.
func (c *Catalog) Search(query string, limit int) Result {
	term := strings.TrimSpace(query)
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	if utf8.RuneCountInString(term) < minQueryRunes {
		return Result{
			Services:   []Match{},
			SearchTerm: term,
			Message:    "search term too short: provide at least 2 characters",
		}
	}

	lowered := strings.ToLower(term)
	queryTokens := strings.Fields(lowered)

	type scored struct {
		idx   int
		score float64
	}
	var hits []scored
	for i := range c.services {
		if s := c.score(i, lowered, queryTokens); s >= scoreThreshold {
			hits = append(hits, scored{idx: i, score: s})
		}
	}

	// Stable sort keeps catalog order for equal scores.
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].score > hits[b].score })
	if len(hits) > limit {
		hits = hits[:limit]
	}

	if len(hits) == 0 {
		return Result{
			Services:   []Match{},
			SearchTerm: term,
			Message:    "no services matched the search",
		}
	}

	matches := make([]Match, len(hits))
	for i, h := range hits {
		matches[i] = Match{
			Service: c.services[h.idx],
			Score:   math.Round(h.score*10) / 10,
		}
	}
	return Result{
		Found:      true,
		Count:      len(matches),
		Services:   matches,
		SearchTerm: term,
	}
}

// score computes the weighted score of service i for the lowercased query.
func (c *Catalog) score(i int, query string, queryTokens []string) float64 {
	text := c.texts[i]
	name := c.names[i]
	tokens := c.tokenSets[i]

	var score float64

	// Exact token hits. Medical keywords are weighted higher and are not
	// subject to the general cap.
	var general float64
	for _, tok := range queryTokens {
		if _, ok := tokens[tok]; !ok {
			continue
		}
		if _, medical := medicalKeywords[tok]; medical {
			score += medicalTokenWeight
		} else {
			general += tokenWeight
		}
	}
	if general > tokenWeightCap {
		general = tokenWeightCap
	}
	score += general

	// Weighted fuzzy ratios. partial_ratio takes the better of the name and
	// the full search string so that synonym hits count too.
	pr := partialRatio(query, name)
	if alt := partialRatio(query, text); alt > pr {
		pr = alt
	}
	score += pr * partialRatioWeight
	score += tokenSortRatio(query, name) * tokenSortWeight

	// Query word coverage over the full search string.
	var words float64
	for _, tok := range queryTokens {
		if strings.Contains(text, tok) {
			words += wordHitWeight
		}
	}
	if words > wordHitCap {
		words = wordHitCap
	}
	score += words

	// Niche-variant penalty.
	for _, tok := range irrelevanceTokens {
		if strings.Contains(text, tok) {
			score -= irrelevancePenalty
		}
	}

	if score < 0 {
		score = 0
	}
	return score
}
