package ranking

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/vault"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// SortOption selects a list ordering.
type SortOption string

const (
	SortNameAsc      SortOption = "name_asc"
	SortNameDesc     SortOption = "name_desc"
	SortCreatedAsc   SortOption = "created_asc"
	SortCreatedDesc  SortOption = "created_desc"
	SortModifiedAsc  SortOption = "modified_asc"
	SortModifiedDesc SortOption = "modified_desc"
	SortCountAsc     SortOption = "count_asc"
	SortCountDesc    SortOption = "count_desc"
)

var (
	// ErrUnknownSortOption indicates an unrecognized sort option string.
	ErrUnknownSortOption = errors.New("ranking: unknown sort option")
	// ErrUnsupportedSortOption indicates an option that does not apply to the items.
	ErrUnsupportedSortOption = errors.New("ranking: unsupported sort option")
)

// ParseSortOption validates a raw option. Blank input selects name_asc.
func ParseSortOption(value string) (SortOption, error) {
	option := SortOption(strings.ToLower(strings.TrimSpace(value)))
	switch option {
	case "":
		return SortNameAsc, nil
	case SortNameAsc, SortNameDesc, SortCreatedAsc, SortCreatedDesc,
		SortModifiedAsc, SortModifiedDesc, SortCountAsc, SortCountDesc:
		return option, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSortOption, value)
	}
}

// Sortable exposes the keys list orderings compare.
type Sortable interface {
	SortName() string
	SortCreated() time.Time
	SortModified() time.Time
}

// Countable is implemented by items that support the count orderings.
type Countable interface {
	SortCount() int
}

// SortByOption returns a stably sorted copy of items.
func SortByOption[T Sortable](items []T, option SortOption) ([]T, error) {
	compare, err := comparator[T](option)
	if err != nil {
		return nil, err
	}
	sorted := slices.Clone(items)
	slices.SortStableFunc(sorted, compare)
	return sorted, nil
}

func comparator[T Sortable](option SortOption) (func(T, T) int, error) {
	switch option {
	case SortNameAsc, SortNameDesc:
		collator := collate.New(language.Und, collate.IgnoreCase)
		return directed(option == SortNameDesc, func(left, right T) int {
			return collator.CompareString(left.SortName(), right.SortName())
		}), nil
	case SortCreatedAsc, SortCreatedDesc:
		return directed(option == SortCreatedDesc, func(left, right T) int {
			return left.SortCreated().Compare(right.SortCreated())
		}), nil
	case SortModifiedAsc, SortModifiedDesc:
		return directed(option == SortModifiedDesc, func(left, right T) int {
			return left.SortModified().Compare(right.SortModified())
		}), nil
	case SortCountAsc, SortCountDesc:
		var zero T
		if _, ok := any(zero).(Countable); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedSortOption, option)
		}
		return directed(option == SortCountDesc, func(left, right T) int {
			return any(left).(Countable).SortCount() - any(right).(Countable).SortCount()
		}), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSortOption, option)
	}
}

func directed[T any](descending bool, compare func(T, T) int) func(T, T) int {
	if !descending {
		return compare
	}
	return func(left, right T) int {
		return compare(right, left)
	}
}

// RecordItem adapts a record to Sortable.
type RecordItem vault.Record

func (r RecordItem) SortName() string        { return vault.Record(r).Name() }
func (r RecordItem) SortCreated() time.Time  { return r.CreatedAt }
func (r RecordItem) SortModified() time.Time { return r.UpdatedAt }

// CollectionItem adapts a collection to Sortable and Countable.
type CollectionItem vault.Collection

func (c CollectionItem) SortName() string        { return c.Name }
func (c CollectionItem) SortCreated() time.Time  { return c.CreatedAt }
func (c CollectionItem) SortModified() time.Time { return c.UpdatedAt }
func (c CollectionItem) SortCount() int          { return c.RecordCount }

// SortRecords orders records by option.
func SortRecords(records []vault.Record, option SortOption) ([]vault.Record, error) {
	items := make([]RecordItem, 0, len(records))
	for _, record := range records {
		items = append(items, RecordItem(record))
	}
	sorted, err := SortByOption(items, option)
	if err != nil {
		return nil, err
	}
	result := make([]vault.Record, 0, len(sorted))
	for _, item := range sorted {
		result = append(result, vault.Record(item))
	}
	return result, nil
}

// SortCollections orders collections by option.
func SortCollections(collections []vault.Collection, option SortOption) ([]vault.Collection, error) {
	items := make([]CollectionItem, 0, len(collections))
	for _, collection := range collections {
		items = append(items, CollectionItem(collection))
	}
	sorted, err := SortByOption(items, option)
	if err != nil {
		return nil, err
	}
	result := make([]vault.Collection, 0, len(sorted))
	for _, item := range sorted {
		result = append(result, vault.Collection(item))
	}
	return result, nil
}
