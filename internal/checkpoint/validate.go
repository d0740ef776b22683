package checkpoint

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// ValidateSubmission checks data against the schema and returns the accepted,
// normalized submission or the ordered list of field-level issues.
//
// Rules, in order:
//  1. Keys not declared by the schema are dropped silently; in strict mode
//     each raises an "Unexpected field" issue instead.
//  2. Required fields must be present: not absent, not nil, not an empty or
//     whitespace-only string, not an empty collection.
//  3. Values are checked against the declared field type. Strings are never
//     coerced from numbers; enumerated fields must match a declared option
//     value when options exist; number and range bounds are inclusive.
//  4. Absent non-required fields take their declared default when one
//     exists. An absent non-required checkbox normalizes to false.
//
// The function is pure: same schema and data always produce the same result.
func ValidateSubmission(schema Schema, data map[string]any, strict bool) (map[string]any, []Issue) {
	var issues []Issue

	known := make(map[string]bool, len(schema))
	for _, f := range schema {
		if f.Key != "" {
			known[f.Key] = true
		}
	}

	if strict {
		unknown := make([]string, 0)
		for key := range data {
			if !known[key] {
				unknown = append(unknown, key)
			}
		}
		sort.Strings(unknown)
		for _, key := range unknown {
			issues = append(issues, Issue{Key: key, Message: "Unexpected field"})
		}
	}

	normalized := make(map[string]any, len(schema))
	for i := range schema {
		f := &schema[i]
		if f.Key == "" {
			continue
		}

		value, present := data[f.Key]
		if f.Required && isEmptyValue(value) {
			issues = append(issues, Issue{Key: f.Key, Message: "This field is required."})
			continue
		}
		if !present || value == nil {
			switch {
			case f.Default != nil:
				normalized[f.Key] = f.Default
			case f.Type == FieldCheckbox:
				// Absence means unchecked.
				normalized[f.Key] = false
			}
			continue
		}

		canonical, fieldIssues := checkFieldValue(f, value)
		if len(fieldIssues) > 0 {
			issues = append(issues, fieldIssues...)
			continue
		}
		normalized[f.Key] = canonical
	}

	if len(issues) > 0 {
		return nil, issues
	}
	return normalized, nil
}

// checkFieldValue validates value against the field's declared type and
// returns its canonical form: string, []string, bool, or float64.
func checkFieldValue(f *FieldSpec, value any) (any, []Issue) {
	key := f.Key
	switch f.Type {
	case FieldText, FieldTextarea:
		s, ok := value.(string)
		if !ok {
			return nil, []Issue{{Key: key, Message: "Expected a string"}}
		}
		return s, nil

	case FieldSelect, FieldRadio:
		s, ok := value.(string)
		if !ok {
			return nil, []Issue{{Key: key, Message: "Expected a string option"}}
		}
		if allowed := f.optionValues(); allowed != nil && !allowed[s] {
			return nil, []Issue{{Key: key, Message: "Value is not in allowed options"}}
		}
		return s, nil

	case FieldMultiSelect, FieldChips:
		items, ok := asStringSlice(value)
		if !ok {
			return nil, []Issue{{Key: key, Message: "Expected an array of strings"}}
		}
		if allowed := f.optionValues(); allowed != nil {
			for _, item := range items {
				if !allowed[item] {
					return nil, []Issue{{Key: key, Message: "Contains values not in allowed options"}}
				}
			}
		}
		return items, nil

	case FieldCheckbox:
		b, ok := value.(bool)
		if !ok {
			return nil, []Issue{{Key: key, Message: "Expected a boolean"}}
		}
		return b, nil

	case FieldNumber, FieldRange:
		n, ok := asNumber(value)
		if !ok || math.IsNaN(n) || math.IsInf(n, 0) {
			return nil, []Issue{{Key: key, Message: "Expected a numeric value"}}
		}
		if f.Min != nil && n < *f.Min {
			return nil, []Issue{{Key: key, Message: fmt.Sprintf("Value must be >= %v", *f.Min)}}
		}
		if f.Max != nil && n > *f.Max {
			return nil, []Issue{{Key: key, Message: fmt.Sprintf("Value must be <= %v", *f.Max)}}
		}
		return n, nil
	}

	return nil, []Issue{{Key: key, Message: fmt.Sprintf("Unsupported field type '%s'", f.Type)}}
}

// isEmptyValue reports whether a required field should treat value as missing.
func isEmptyValue(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []any:
		return len(v) == 0
	case []string:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	}
	return false
}

func asStringSlice(value any) ([]string, bool) {
	switch v := value.(type) {
	case []string:
		return v, true
	case []any:
		items := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			items[i] = s
		}
		return items, true
	}
	return nil, false
}

func asNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		n, err := v.Float64()
		return n, err == nil
	}
	return 0, false
}
