// Package fuzzy implements the edit-distance matching kernel used by search,
// collection-name suggestions and identifier alias detection.
//
// Every function is pure and safe for concurrent use. Scores follow the
// ascending convention: lower is a better match and an absent score means
// the target does not match at all.
package fuzzy

import (
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

const (
	// MinFuzzyQueryLength is the shortest query that may match by distance.
	// Shorter queries only match by containment.
	MinFuzzyQueryLength = 3
	// ExactScore is returned for a case-insensitive exact match.
	ExactScore = 0.0
	// PrefixScore is returned when the target is a leading part of the query.
	PrefixScore = 0.3
	// ContainsScore is returned when the target contains the query.
	ContainsScore = 0.5

	minTargetTokenLength = 2
)

// Ranked pairs an item with its match score.
type Ranked[T any] struct {
	Item  T
	Score float64
}

// EditDistance returns the unit-cost insert/delete/substitute distance
// between a and b, measured in runes.
func EditDistance(a, b string) int {
	return fuzzy.LevenshteinDistance(a, b)
}

// Tokenize lowercases s and splits it on whitespace and the separators -_@.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), isTokenSeparator)
}

func isTokenSeparator(r rune) bool {
	switch r {
	case '-', '_', '@', '.':
		return true
	}
	return unicode.IsSpace(r)
}

// Contains reports whether target contains query, tolerating up to
// maxDistance edits for queries of at least MinFuzzyQueryLength runes.
func Contains(query, target string, maxDistance int) bool {
	loweredQuery := strings.ToLower(query)
	loweredTarget := strings.ToLower(target)
	if strings.Contains(loweredTarget, loweredQuery) {
		return true
	}
	queryLength := utf8.RuneCountInString(loweredQuery)
	if queryLength < MinFuzzyQueryLength {
		return false
	}

	targetTokens := Tokenize(loweredTarget)
	for _, queryToken := range Tokenize(loweredQuery) {
		queryTokenLength := utf8.RuneCountInString(queryToken)
		for _, targetToken := range targetTokens {
			targetTokenLength := utf8.RuneCountInString(targetToken)
			if targetTokenLength < minTargetTokenLength {
				continue
			}
			if strings.Contains(targetToken, queryToken) || strings.Contains(queryToken, targetToken) {
				return true
			}
			tolerance := min(maxDistance, min(queryTokenLength, targetTokenLength)/3)
			if EditDistance(queryToken, targetToken) <= tolerance {
				return true
			}
		}
	}

	return EditDistance(loweredQuery, runePrefix(loweredTarget, queryLength)) <= maxDistance
}

// Score grades how well target matches query. The second return value is
// false when the target does not match. Any non-empty query scores exact
// against itself, whitespace included.
func Score(query, target string, maxDistance int) (float64, bool) {
	if query == "" || target == "" {
		return 0, false
	}
	if strings.EqualFold(query, target) {
		return ExactScore, true
	}

	loweredQuery := strings.ToLower(strings.TrimSpace(query))
	loweredTarget := strings.ToLower(strings.TrimSpace(target))
	if loweredQuery == "" || loweredTarget == "" {
		return 0, false
	}
	if loweredQuery == loweredTarget {
		return ExactScore, true
	}
	if strings.Contains(loweredTarget, loweredQuery) {
		return ContainsScore, true
	}
	if strings.HasPrefix(loweredQuery, loweredTarget) {
		return PrefixScore, true
	}

	queryLength := utf8.RuneCountInString(loweredQuery)
	if queryLength < MinFuzzyQueryLength {
		return 0, false
	}

	best := 0.0
	found := false
	consider := func(candidate string) {
		distance := EditDistance(loweredQuery, candidate)
		if distance > maxDistance {
			return
		}
		longest := max(queryLength, utf8.RuneCountInString(candidate))
		score := 1 + float64(distance)/float64(longest)
		if !found || score < best {
			best = score
			found = true
		}
	}
	for _, word := range Tokenize(loweredTarget) {
		consider(word)
	}
	consider(runePrefix(loweredTarget, queryLength))

	return best, found
}

// Rank scores every item against query and returns the matching ones in
// ascending score order. Ties keep their input order.
func Rank[T any](query string, items []T, text func(T) string, maxDistance int) []Ranked[T] {
	ranked := make([]Ranked[T], 0, len(items))
	for _, item := range items {
		score, ok := Score(query, text(item), maxDistance)
		if !ok {
			continue
		}
		ranked = append(ranked, Ranked[T]{Item: item, Score: score})
	}
	SortRanked(ranked)
	return ranked
}

// SortRanked stable-sorts ranked results by ascending score.
func SortRanked[T any](ranked []Ranked[T]) {
	slices.SortStableFunc(ranked, func(left, right Ranked[T]) int {
		switch {
		case left.Score < right.Score:
			return -1
		case left.Score > right.Score:
			return 1
		default:
			return 0
		}
	})
}

func runePrefix(s string, length int) string {
	count := 0
	for index := range s {
		if count == length {
			return s[:index]
		}
		count++
	}
	return s
}
