// Package transfer converts the plain-text transfer format to and from
// record collections.
//
// A document is a sequence of collection blocks separated by three newlines.
// Inside a collection block, sub-blocks are separated by two newlines: the
// first line of the first sub-block is the collection display name and every
// following sub-block is one record made of "<Label> - <value>" lines.
// Malformed lines and empty blocks are dropped, never reported.
package transfer

import (
	"strings"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/vault"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	collectionSeparator = "\n\n\n"
	recordSeparator     = "\n\n"
	fieldSeparator      = " - "
)

// ParsedCollection is one collection block read from a transfer document.
type ParsedCollection struct {
	Name    string
	Records []vault.Fields
}

// Parse reads a transfer document. Collections appear in document order;
// blocks repeating an earlier display name are merged into it.
func Parse(text string) []ParsedCollection {
	normalized := strings.ReplaceAll(text, "\r\n", "\n")

	var parsed []ParsedCollection
	positions := make(map[string]int)
	for _, block := range strings.Split(normalized, collectionSeparator) {
		name, records := parseCollectionBlock(block)
		if name == "" || len(records) == 0 {
			continue
		}
		if index, ok := positions[name]; ok {
			parsed[index].Records = append(parsed[index].Records, records...)
			continue
		}
		positions[name] = len(parsed)
		parsed = append(parsed, ParsedCollection{Name: name, Records: records})
	}
	return parsed
}

func parseCollectionBlock(block string) (string, []vault.Fields) {
	subBlocks := strings.Split(strings.Trim(block, "\n"), recordSeparator)
	header, _, _ := strings.Cut(subBlocks[0], "\n")
	name := strings.TrimSpace(header)
	if name == "" {
		return "", nil
	}

	var records []vault.Fields
	for _, subBlock := range subBlocks[1:] {
		if fields := parseRecordBlock(subBlock); len(fields) > 0 {
			records = append(records, fields)
		}
	}
	return name, records
}

func parseRecordBlock(block string) vault.Fields {
	var fields vault.Fields
	for _, line := range strings.Split(block, "\n") {
		label, value, found := strings.Cut(line, fieldSeparator)
		if !found {
			continue
		}
		name := FieldName(label)
		if name == "" {
			continue
		}
		fields = fields.Set(name, strings.TrimSpace(value))
	}
	return fields
}

// FieldName converts a display label into a field name.
func FieldName(label string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(label)), " ", "_")
}

// Label converts a field name into its title-cased display label.
func Label(fieldName string) string {
	return cases.Title(language.Und).String(strings.ReplaceAll(fieldName, "_", " "))
}

// Serialize renders bundles as a transfer document. Fields are emitted in
// schema order; empty values and fields missing from the schema are skipped.
func Serialize(bundles []vault.Bundle) string {
	blocks := make([]string, 0, len(bundles))
	for _, bundle := range bundles {
		recordTexts := make([]string, 0, len(bundle.Records))
		for _, record := range bundle.Records {
			if text := serializeRecord(record.Fields, bundle.Collection.Schema); text != "" {
				recordTexts = append(recordTexts, text)
			}
		}
		blocks = append(blocks, bundle.Collection.Name+recordSeparator+strings.Join(recordTexts, recordSeparator))
	}
	return strings.Join(blocks, collectionSeparator)
}

func serializeRecord(fields vault.Fields, schema []string) string {
	lines := make([]string, 0, len(schema))
	for _, fieldName := range schema {
		value, ok := fields.Get(fieldName)
		if !ok || value == "" {
			continue
		}
		lines = append(lines, Label(fieldName)+fieldSeparator+value)
	}
	return strings.Join(lines, "\n")
}
