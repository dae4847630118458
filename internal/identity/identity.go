// Package identity extracts email-like identifiers from records and links
// records that share one across collections.
//
// Field names are matched against a configurable alias set; identifier
// values are compared by exact equality after lowercasing and trimming.
package identity

import (
	"slices"
	"strings"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/fuzzy"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/vault"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// aliasMaxDistance keeps alias detection to substring/superstring checks.
const aliasMaxDistance = 0

// DefaultAliases lists field names treated as identifier carriers.
func DefaultAliases() []string {
	return []string{"email", "gmail", "mail", "recovery_email", "recovery email"}
}

// Identifier is an email-like value found on a record field.
type Identifier struct {
	Field string
	Value string
}

// Pin selects a collection, and optionally a record inside it, to list first.
type Pin struct {
	CollectionKey string
	RecordID      string
}

// ConnectedCollection groups the records of one collection that carry an identifier.
type ConnectedCollection struct {
	Key     string
	Name    string
	Records []vault.Record
}

// ConnectedAccounts summarizes every record linked to one identifier.
type ConnectedAccounts struct {
	Identifier       string
	TotalCollections int
	TotalRecords     int
	Collections      []ConnectedCollection
}

// Resolver performs identifier extraction and cross-collection linking.
type Resolver struct {
	aliases []string
}

// NewResolver constructs a resolver. An empty alias list selects DefaultAliases.
func NewResolver(aliases []string) *Resolver {
	cleaned := make([]string, 0, len(aliases))
	for _, alias := range aliases {
		if trimmed := strings.ToLower(strings.TrimSpace(alias)); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	if len(cleaned) == 0 {
		cleaned = DefaultAliases()
	}
	return &Resolver{aliases: cleaned}
}

// Aliases returns a copy of the configured alias set.
func (r *Resolver) Aliases() []string {
	return slices.Clone(r.aliases)
}

// IsIdentifierField reports whether a field name matches the alias set.
func (r *Resolver) IsIdentifierField(fieldName string) bool {
	for _, alias := range r.aliases {
		if fuzzy.Contains(alias, fieldName, aliasMaxDistance) {
			return true
		}
	}
	return false
}

// ExtractIdentifiers returns every identifier on fields in iteration order.
func (r *Resolver) ExtractIdentifiers(fields vault.Fields) []Identifier {
	var identifiers []Identifier
	for _, field := range fields {
		value := strings.TrimSpace(field.Value)
		if !strings.Contains(value, "@") {
			continue
		}
		if !r.IsIdentifierField(field.Name) {
			continue
		}
		identifiers = append(identifiers, Identifier{Field: field.Name, Value: value})
	}
	return identifiers
}

// PrimaryIdentifier returns the first identifier on fields.
func (r *Resolver) PrimaryIdentifier(fields vault.Fields) (Identifier, bool) {
	identifiers := r.ExtractIdentifiers(fields)
	if len(identifiers) == 0 {
		return Identifier{}, false
	}
	return identifiers[0], true
}

// NormalizeIdentifier lowercases and trims value. The second return value is
// false when value does not look like an identifier.
func NormalizeIdentifier(value string) (string, bool) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if !strings.Contains(normalized, "@") {
		return "", false
	}
	return normalized, true
}

// SameIdentifier compares two identifiers by field kind and normalized value.
func SameIdentifier(left, right Identifier) bool {
	return left.Field == right.Field &&
		strings.EqualFold(strings.TrimSpace(left.Value), strings.TrimSpace(right.Value))
}

func (r *Resolver) carries(record vault.Record, normalized string) bool {
	for _, identifier := range r.ExtractIdentifiers(record.Fields) {
		if strings.ToLower(identifier.Value) == normalized {
			return true
		}
	}
	return false
}

// FindConnectedAccounts lists every record, grouped by collection, that
// carries the identifier value. The pinned collection sorts first, the rest
// by case-insensitive name; the pinned record leads its collection.
func (r *Resolver) FindConnectedAccounts(bundles []vault.Bundle, value string, pin Pin) ConnectedAccounts {
	normalized, ok := NormalizeIdentifier(value)
	if !ok {
		return ConnectedAccounts{}
	}

	result := ConnectedAccounts{Identifier: normalized}
	for _, bundle := range bundles {
		var matches []vault.Record
		for _, record := range bundle.Records {
			if r.carries(record, normalized) {
				matches = append(matches, record)
			}
		}
		if len(matches) == 0 {
			continue
		}
		if pin.RecordID != "" && bundle.Collection.Key == pin.CollectionKey {
			slices.SortStableFunc(matches, func(left, right vault.Record) int {
				return pinRank(left.ID == pin.RecordID) - pinRank(right.ID == pin.RecordID)
			})
		}
		result.TotalRecords += len(matches)
		result.TotalCollections++
		result.Collections = append(result.Collections, ConnectedCollection{
			Key:     bundle.Collection.Key,
			Name:    bundle.Collection.Name,
			Records: matches,
		})
	}

	collator := collate.New(language.Und, collate.IgnoreCase)
	slices.SortStableFunc(result.Collections, func(left, right ConnectedCollection) int {
		if rank := pinRank(left.Key == pin.CollectionKey) - pinRank(right.Key == pin.CollectionKey); rank != 0 {
			return rank
		}
		return collator.CompareString(left.Name, right.Name)
	})
	return result
}

// CountLinkedCollections counts the collections other than excludeKey that
// hold at least one record carrying the identifier value.
func (r *Resolver) CountLinkedCollections(bundles []vault.Bundle, value, excludeKey string) int {
	normalized, ok := NormalizeIdentifier(value)
	if !ok {
		return 0
	}
	count := 0
	for _, bundle := range bundles {
		if bundle.Collection.Key == excludeKey {
			continue
		}
		for _, record := range bundle.Records {
			if r.carries(record, normalized) {
				count++
				break
			}
		}
	}
	return count
}

func pinRank(pinned bool) int {
	if pinned {
		return 0
	}
	return 1
}
