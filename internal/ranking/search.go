// Package ranking orders records and collections for search results and
// list views.
package ranking

import (
	"strings"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/fuzzy"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/vault"
)

const (
	defaultMaxDistance = 2
	defaultWeight      = 1.0
)

// FieldWeights scales per-field scores. Scores are ascending, so a weight
// below one favors matches on that field.
type FieldWeights map[string]float64

// DefaultFieldWeights favors name, email and username matches.
func DefaultFieldWeights() FieldWeights {
	return FieldWeights{
		"name":     0.8,
		"email":    0.9,
		"username": 0.9,
	}
}

// Weight returns the weight for a field name, defaulting to one.
func (w FieldWeights) Weight(fieldName string) float64 {
	if weight, ok := w[strings.ToLower(fieldName)]; ok && weight > 0 {
		return weight
	}
	return defaultWeight
}

// SearchOptions configures record search.
type SearchOptions struct {
	Weights     FieldWeights
	MaxDistance int
}

// DefaultSearchOptions returns the stock weights and edit tolerance.
func DefaultSearchOptions() SearchOptions {
	return SearchOptions{Weights: DefaultFieldWeights(), MaxDistance: defaultMaxDistance}
}

// RankRecordsBySearch scores each record by its best weighted field score and
// returns matching records in ascending score order. A blank query keeps
// every record in input order.
func RankRecordsBySearch(records []vault.Record, query string, options SearchOptions) []fuzzy.Ranked[vault.Record] {
	ranked := make([]fuzzy.Ranked[vault.Record], 0, len(records))
	if strings.TrimSpace(query) == "" {
		for _, record := range records {
			ranked = append(ranked, fuzzy.Ranked[vault.Record]{Item: record})
		}
		return ranked
	}

	for _, record := range records {
		best := 0.0
		found := false
		for _, field := range record.Fields {
			score, ok := fuzzy.Score(query, field.Value, options.MaxDistance)
			if !ok {
				continue
			}
			weighted := score * options.Weights.Weight(field.Name)
			if !found || weighted < best {
				best = weighted
				found = true
			}
		}
		if found {
			ranked = append(ranked, fuzzy.Ranked[vault.Record]{Item: record, Score: best})
		}
	}
	fuzzy.SortRanked(ranked)
	return ranked
}

// SuggestCollections returns the collections whose names best match name.
func SuggestCollections(collections []vault.Collection, name string, maxDistance int) []fuzzy.Ranked[vault.Collection] {
	return fuzzy.Rank(name, collections, func(collection vault.Collection) string {
		return collection.Name
	}, maxDistance)
}
