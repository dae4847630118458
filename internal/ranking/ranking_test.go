package ranking

import (
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/vault"
	"github.com/stretchr/testify/require"
)

func record(id string, pairs ...string) vault.Record {
	var fields vault.Fields
	for index := 0; index+1 < len(pairs); index += 2 {
		fields = append(fields, vault.Field{Name: pairs[index], Value: pairs[index+1]})
	}
	return vault.Record{ID: id, Fields: fields}
}

func ids(records []vault.Record) []string {
	result := make([]string, 0, len(records))
	for _, r := range records {
		result = append(result, r.ID)
	}
	return result
}

func TestRankRecordsBySearchAppliesFieldWeights(t *testing.T) {
	records := []vault.Record{
		record("note-match", "name", "Personal", "notes", "old github login"),
		record("name-match", "name", "my github"),
		record("miss", "name", "Amazon", "email", "shop@amazon.com"),
		record("username-match", "name", "Work", "username", "github_user"),
	}

	ranked := RankRecordsBySearch(records, "github", DefaultSearchOptions())

	require.Len(t, ranked, 3)
	require.Equal(t, "name-match", ranked[0].Item.ID)
	require.Equal(t, "username-match", ranked[1].Item.ID)
	require.Equal(t, "note-match", ranked[2].Item.ID)
	require.InDelta(t, 0.4, ranked[0].Score, 1e-9)
	require.InDelta(t, 0.45, ranked[1].Score, 1e-9)
}

func TestRankRecordsBySearchUsesBestWeightedField(t *testing.T) {
	records := []vault.Record{
		record("substring-in-name", "name", "my github", "notes", "unrelated"),
		record("exact-in-notes", "name", "Other", "notes", "github"),
	}

	ranked := RankRecordsBySearch(records, "github", DefaultSearchOptions())

	require.Len(t, ranked, 2)
	require.Equal(t, "exact-in-notes", ranked[0].Item.ID)
	require.InDelta(t, 0.5*0.8, ranked[1].Score, 1e-9)
}

func TestRankRecordsBySearchBlankQueryKeepsOrder(t *testing.T) {
	records := []vault.Record{record("b", "name", "b"), record("a", "name", "a")}

	ranked := RankRecordsBySearch(records, "  ", DefaultSearchOptions())

	require.Len(t, ranked, 2)
	require.Equal(t, "b", ranked[0].Item.ID)
	require.Equal(t, "a", ranked[1].Item.ID)
}

func TestFieldWeightsCustomTable(t *testing.T) {
	options := SearchOptions{Weights: FieldWeights{"notes": 0.1}, MaxDistance: 2}
	records := []vault.Record{
		record("name-match", "name", "github"),
		record("notes-substring", "notes", "github enterprise"),
	}

	ranked := RankRecordsBySearch(records, "github", options)

	require.Equal(t, "name-match", ranked[0].Item.ID)
	require.InDelta(t, 0.05, ranked[1].Score, 1e-9)
	require.InDelta(t, 1.0, options.Weights.Weight("name"), 1e-9)
}

func TestSortRecordsByNameIsCaseInsensitive(t *testing.T) {
	records := []vault.Record{record("bob", "name", "Bob"), record("alice", "name", "alice")}

	sorted, err := SortRecords(records, SortNameAsc)
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob"}, ids(sorted))

	sorted, err = SortRecords(records, SortNameDesc)
	require.NoError(t, err)
	require.Equal(t, []string{"bob", "alice"}, ids(sorted))
	require.Equal(t, "bob", records[0].ID, "input must not be reordered")
}

func TestSortRecordsByTimestampsKeepsTies(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	records := []vault.Record{
		{ID: "late", CreatedAt: base.Add(2 * time.Hour), UpdatedAt: base},
		{ID: "tie-1", CreatedAt: base, UpdatedAt: base.Add(time.Hour)},
		{ID: "tie-2", CreatedAt: base, UpdatedAt: base.Add(3 * time.Hour)},
	}

	sorted, err := SortRecords(records, SortCreatedAsc)
	require.NoError(t, err)
	require.Equal(t, []string{"tie-1", "tie-2", "late"}, ids(sorted))

	sorted, err = SortRecords(records, SortCreatedDesc)
	require.NoError(t, err)
	require.Equal(t, []string{"late", "tie-1", "tie-2"}, ids(sorted))

	sorted, err = SortRecords(records, SortModifiedDesc)
	require.NoError(t, err)
	require.Equal(t, []string{"tie-2", "tie-1", "late"}, ids(sorted))
}

func TestSortCollectionsByCount(t *testing.T) {
	collections := []vault.Collection{
		{Key: "a", Name: "A", RecordCount: 3},
		{Key: "b", Name: "B", RecordCount: 1},
		{Key: "c", Name: "C", RecordCount: 3},
	}

	sorted, err := SortCollections(collections, SortCountDesc)
	require.NoError(t, err)
	require.Equal(t, "a", sorted[0].Key)
	require.Equal(t, "c", sorted[1].Key)
	require.Equal(t, "b", sorted[2].Key)
}

func TestSortRecordsRejectsCountOption(t *testing.T) {
	_, err := SortRecords([]vault.Record{record("a", "name", "a")}, SortCountAsc)
	require.ErrorIs(t, err, ErrUnsupportedSortOption)
}

func TestParseSortOption(t *testing.T) {
	option, err := ParseSortOption(" Modified_Desc ")
	require.NoError(t, err)
	require.Equal(t, SortModifiedDesc, option)

	option, err = ParseSortOption("")
	require.NoError(t, err)
	require.Equal(t, SortNameAsc, option)

	_, err = ParseSortOption("random")
	require.ErrorIs(t, err, ErrUnknownSortOption)
}

func TestSuggestCollections(t *testing.T) {
	collections := []vault.Collection{{Key: "github", Name: "GitHub"}, {Key: "gitlab", Name: "GitLab"}, {Key: "amazon", Name: "Amazon"}}

	suggestions := SuggestCollections(collections, "githb", 2)

	require.NotEmpty(t, suggestions)
	require.Equal(t, "github", suggestions[0].Item.Key)
}
