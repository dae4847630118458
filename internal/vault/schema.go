package vault

// OrderSchema deduplicates field names and applies the display order rule:
// "name" first, "password" second when present, everything else in
// first-seen order.
func OrderSchema(fields []string) []string {
	seen := make(map[string]bool, len(fields))
	rest := make([]string, 0, len(fields))
	hasName := false
	hasPassword := false
	for _, field := range fields {
		if field == "" || seen[field] {
			continue
		}
		seen[field] = true
		switch field {
		case FieldName:
			hasName = true
		case FieldPassword:
			hasPassword = true
		default:
			rest = append(rest, field)
		}
	}

	ordered := make([]string, 0, len(rest)+2)
	if hasName {
		ordered = append(ordered, FieldName)
	}
	if hasPassword {
		ordered = append(ordered, FieldPassword)
	}
	return append(ordered, rest...)
}

// MergeSchema returns the ordered union of an existing schema and the field
// names of every supplied field list.
func MergeSchema(existing []string, incoming ...Fields) []string {
	union := make([]string, 0, len(existing))
	union = append(union, existing...)
	for _, fields := range incoming {
		union = append(union, fields.Names()...)
	}
	return OrderSchema(union)
}
