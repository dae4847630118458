package vault

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

const (
	// FieldName is the designated display-name field of every record.
	FieldName = "name"
	// FieldPassword is forced into the second schema position when present.
	FieldPassword = "password"

	maxIdentifierLength = 190
)

var (
	// ErrInvalidCollectionName indicates that a collection display name is blank.
	ErrInvalidCollectionName = errors.New("vault: invalid collection name")
	// ErrInvalidCollectionKey indicates that a collection key is empty or exceeds storage bounds.
	ErrInvalidCollectionKey = errors.New("vault: invalid collection key")
	// ErrInvalidRecordID indicates that a record identifier is empty or exceeds storage bounds.
	ErrInvalidRecordID = errors.New("vault: invalid record id")
)

// Field is a single named value on a record.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Fields is an ordered field list. Iteration order is insertion order.
type Fields []Field

// Get returns the value stored under name.
func (f Fields) Get(name string) (string, bool) {
	for _, field := range f {
		if field.Name == name {
			return field.Value, true
		}
	}
	return "", false
}

// Has reports whether a field with the given name exists.
func (f Fields) Has(name string) bool {
	_, ok := f.Get(name)
	return ok
}

// Set replaces the value of an existing field in place or appends a new one.
func (f Fields) Set(name, value string) Fields {
	for index := range f {
		if f[index].Name == name {
			f[index].Value = value
			return f
		}
	}
	return append(f, Field{Name: name, Value: value})
}

// Names returns the field names in iteration order.
func (f Fields) Names() []string {
	names := make([]string, 0, len(f))
	for _, field := range f {
		names = append(names, field.Name)
	}
	return names
}

// Clone returns a copy that shares no backing storage with f.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	cloned := make(Fields, len(f))
	copy(cloned, f)
	return cloned
}

// Overlay returns a copy of f with every field of other applied on top,
// except the names listed in keep which retain the value from f when f has one.
func (f Fields) Overlay(other Fields, keep map[string]bool) Fields {
	merged := f.Clone()
	for _, field := range other {
		if keep[field.Name] && merged.Has(field.Name) {
			continue
		}
		merged = merged.Set(field.Name, field.Value)
	}
	return merged
}

// Record is one credential entry belonging to exactly one collection.
type Record struct {
	ID             string
	CollectionKey  string
	CollectionName string
	Fields         Fields
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Name returns the record display name.
func (r Record) Name() string {
	value, _ := r.Fields.Get(FieldName)
	return value
}

// Collection is a named group of records governed by a schema.
type Collection struct {
	Key         string
	Name        string
	Schema      []string
	RecordCount int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Bundle pairs a collection with its records for in-memory queries.
type Bundle struct {
	Collection Collection
	Records    []Record
}

// CollectionKey derives the stable key for a collection display name.
func CollectionKey(name string) string {
	var builder strings.Builder
	inSpace := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsSpace(r) {
			if !inSpace {
				builder.WriteByte('_')
				inSpace = true
			}
			continue
		}
		inSpace = false
		builder.WriteRune(r)
	}
	return builder.String()
}

// NewCollectionKey validates a display name and returns its derived key.
func NewCollectionKey(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCollectionName)
	}
	key := CollectionKey(name)
	if len(key) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCollectionKey, maxIdentifierLength)
	}
	return key, nil
}

// ValidateCollectionKey checks a raw collection key supplied by a caller.
func ValidateCollectionKey(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCollectionKey)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCollectionKey, maxIdentifierLength)
	}
	return trimmed, nil
}

// ValidateRecordID checks a raw record identifier supplied by a caller.
func ValidateRecordID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRecordID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRecordID, maxIdentifierLength)
	}
	return trimmed, nil
}
