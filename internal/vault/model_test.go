package vault

import (
	"errors"
	"reflect"
	"testing"
)

func TestCollectionKeyNormalizesWhitespace(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "simple", input: "Google", want: "google"},
		{name: "inner-space", input: "Work Mail", want: "work_mail"},
		{name: "space-run", input: "  Work \t Mail  ", want: "work_mail"},
		{name: "unicode", input: "Épicerie Fine", want: "épicerie_fine"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CollectionKey(tt.input); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestNewCollectionKeyRejectsBlankName(t *testing.T) {
	if _, err := NewCollectionKey("   "); !errors.Is(err, ErrInvalidCollectionName) {
		t.Fatalf("expected ErrInvalidCollectionName, got %v", err)
	}
}

func TestFieldsSetPreservesOrder(t *testing.T) {
	fields := Fields{{Name: "email", Value: "a@x.com"}, {Name: "password", Value: "p1"}}
	fields = fields.Set("email", "b@x.com")
	fields = fields.Set("phone", "123")

	want := []string{"email", "password", "phone"}
	if !reflect.DeepEqual(fields.Names(), want) {
		t.Fatalf("unexpected field order %v", fields.Names())
	}
	if value, _ := fields.Get("email"); value != "b@x.com" {
		t.Fatalf("expected replaced email, got %q", value)
	}
}

func TestFieldsOverlayKeepsProtectedValues(t *testing.T) {
	existing := Fields{{Name: "name", Value: "Work"}, {Name: "password", Value: "old"}}
	incoming := Fields{{Name: "name", Value: "alice"}, {Name: "password", Value: "new"}, {Name: "phone", Value: "42"}}

	merged := existing.Overlay(incoming, map[string]bool{"name": true})

	if value, _ := merged.Get("name"); value != "Work" {
		t.Fatalf("expected kept name, got %q", value)
	}
	if value, _ := merged.Get("password"); value != "new" {
		t.Fatalf("expected overwritten password, got %q", value)
	}
	if value, _ := merged.Get("phone"); value != "42" {
		t.Fatalf("expected appended phone, got %q", value)
	}
	if value, _ := existing.Get("password"); value != "old" {
		t.Fatalf("overlay must not mutate the receiver")
	}
}

func TestOrderSchemaForcesNameAndPassword(t *testing.T) {
	tests := []struct {
		name   string
		fields []string
		want   []string
	}{
		{name: "reorders", fields: []string{"email", "password", "name"}, want: []string{"name", "password", "email"}},
		{name: "no-password", fields: []string{"email", "name", "email"}, want: []string{"name", "email"}},
		{name: "no-name", fields: []string{"phone", "password"}, want: []string{"password", "phone"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OrderSchema(tt.fields); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestMergeSchemaIsSuperset(t *testing.T) {
	existing := []string{"name", "password", "username"}
	incoming := Fields{{Name: "email", Value: "a@x.com"}, {Name: "name", Value: "a"}}

	got := MergeSchema(existing, incoming)
	want := []string{"name", "password", "username", "email"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}
