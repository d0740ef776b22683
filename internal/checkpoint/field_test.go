package checkpoint

import "testing"

// TestFieldTypes_Catalog verifies the catalog covers every supported type
// with the right options/range capabilities.
func TestFieldTypes_Catalog(t *testing.T) {
	catalog := FieldTypes()
	if len(catalog) != 9 {
		t.Fatalf("expected 9 field types, got %d", len(catalog))
	}

	wantOptions := map[FieldType]bool{
		FieldSelect: true, FieldMultiSelect: true, FieldRadio: true, FieldChips: true,
	}
	wantRange := map[FieldType]bool{FieldNumber: true, FieldRange: true}

	for _, info := range catalog {
		if !info.Type.Valid() {
			t.Errorf("catalog entry %q is not a valid field type", info.Type)
		}
		if info.Label == "" {
			t.Errorf("catalog entry %q has no label", info.Type)
		}
		if info.HasOptions != wantOptions[info.Type] {
			t.Errorf("%s: HasOptions = %v, want %v", info.Type, info.HasOptions, wantOptions[info.Type])
		}
		if info.HasRange != wantRange[info.Type] {
			t.Errorf("%s: HasRange = %v, want %v", info.Type, info.HasRange, wantRange[info.Type])
		}
	}
}

func TestFieldType_Valid(t *testing.T) {
	for _, info := range FieldTypes() {
		if !info.Type.Valid() {
			t.Errorf("expected %q to be valid", info.Type)
		}
	}
	for _, bad := range []FieldType{"", "dropdown", "TEXT", "slider"} {
		if bad.Valid() {
			t.Errorf("expected %q to be invalid", bad)
		}
	}
}

// TestSchema_Validate verifies structural schema checks: keys, types, and
// bound coherence.
func TestSchema_Validate(t *testing.T) {
	tests := []struct {
		name        string
		schema      Schema
		wantKey     string
		wantMessage string
	}{
		{
			name:        "missing key",
			schema:      Schema{{Type: FieldText, Label: "No key"}},
			wantKey:     "field[0]",
			wantMessage: "Field key is required",
		},
		{
			name: "duplicate key",
			schema: Schema{
				{Key: "dup", Type: FieldText, Label: "A"},
				{Key: "dup", Type: FieldTextarea, Label: "B"},
			},
			wantKey:     "dup",
			wantMessage: "Duplicate field key",
		},
		{
			name:        "unsupported type",
			schema:      Schema{{Key: "f", Type: "dropdown", Label: "F"}},
			wantKey:     "f",
			wantMessage: "Unsupported field type 'dropdown'",
		},
		{
			name:        "min above max",
			schema:      Schema{{Key: "f", Type: FieldNumber, Label: "F", Min: floatPtr(10), Max: floatPtr(1)}},
			wantKey:     "f",
			wantMessage: "min must not exceed max",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues := tt.schema.Validate()
			if len(issues) != 1 {
				t.Fatalf("expected 1 issue, got %d: %v", len(issues), issues)
			}
			if issues[0].Key != tt.wantKey {
				t.Errorf("expected issue key %q, got %q", tt.wantKey, issues[0].Key)
			}
			if issues[0].Message != tt.wantMessage {
				t.Errorf("expected message %q, got %q", tt.wantMessage, issues[0].Message)
			}
		})
	}

	t.Run("well-formed schema passes", func(t *testing.T) {
		schema := Schema{
			{Key: "a", Type: FieldText, Label: "A"},
			{Key: "b", Type: FieldSelect, Label: "B", Options: likertOptions()},
			{Key: "c", Type: FieldRange, Label: "C", Min: floatPtr(1), Max: floatPtr(5)},
		}
		if issues := schema.Validate(); len(issues) != 0 {
			t.Errorf("expected no issues, got %v", issues)
		}
	})
}

// TestSchema_Clone verifies clones share nothing with the original.
func TestSchema_Clone(t *testing.T) {
	original := Schema{
		{Key: "f", Type: FieldSelect, Label: "F", Options: []FieldOption{{Value: "a", Label: "A"}}, Min: floatPtr(1)},
	}
	clone := original.Clone()

	clone[0].Options[0].Value = "mutated"
	*clone[0].Min = 99
	clone[0].Label = "Changed"

	if original[0].Options[0].Value != "a" {
		t.Error("mutating clone options leaked into the original")
	}
	if *original[0].Min != 1 {
		t.Error("mutating clone min leaked into the original")
	}
	if original[0].Label != "F" {
		t.Error("mutating clone label leaked into the original")
	}

	if got := Schema(nil).Clone(); got != nil {
		t.Errorf("expected nil schema to clone to nil, got %v", got)
	}
}
