package checkpoint

import "fmt"

// FieldType identifies the input control a schema field renders as.
type FieldType string

// Supported field types.
const (
	FieldText        FieldType = "text"
	FieldTextarea    FieldType = "textarea"
	FieldSelect      FieldType = "select"
	FieldMultiSelect FieldType = "multi_select"
	FieldRadio       FieldType = "radio"
	FieldCheckbox    FieldType = "checkbox"
	FieldChips       FieldType = "chips"
	FieldNumber      FieldType = "number"
	FieldRange       FieldType = "range"
)

// FieldTypes returns the catalog of supported field types in display order.
func FieldTypes() []FieldTypeInfo {
	return []FieldTypeInfo{
		{Type: FieldText, Label: "Text", HasOptions: false, HasRange: false},
		{Type: FieldTextarea, Label: "Text area", HasOptions: false, HasRange: false},
		{Type: FieldSelect, Label: "Select", HasOptions: true, HasRange: false},
		{Type: FieldMultiSelect, Label: "Multi select", HasOptions: true, HasRange: false},
		{Type: FieldRadio, Label: "Radio", HasOptions: true, HasRange: false},
		{Type: FieldCheckbox, Label: "Checkbox", HasOptions: false, HasRange: false},
		{Type: FieldChips, Label: "Chips", HasOptions: true, HasRange: false},
		{Type: FieldNumber, Label: "Number", HasOptions: false, HasRange: true},
		{Type: FieldRange, Label: "Range", HasOptions: false, HasRange: true},
	}
}

// FieldTypeInfo describes one entry of the field type catalog.
type FieldTypeInfo struct {
	Type       FieldType `json:"type"`
	Label      string    `json:"label"`
	HasOptions bool      `json:"has_options"`
	HasRange   bool      `json:"has_range"`
}

// Valid reports whether t is a supported field type.
func (t FieldType) Valid() bool {
	switch t {
	case FieldText, FieldTextarea, FieldSelect, FieldMultiSelect,
		FieldRadio, FieldCheckbox, FieldChips, FieldNumber, FieldRange:
		return true
	}
	return false
}

// FieldOption is one enumerated choice for select, radio, multi_select,
// and chips fields.
type FieldOption struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// FieldSpec declares a single input field of a checkpoint form.
//
// Min and Max apply to number and range fields only; bounds are inclusive.
// Options constrain the accepted values of enumerated fields; when absent
// on multi_select or chips, free-form tags are accepted.
type FieldSpec struct {
	Key         string        `json:"key"`
	Type        FieldType     `json:"type"`
	Label       string        `json:"label"`
	Required    bool          `json:"required,omitempty"`
	Placeholder string        `json:"placeholder,omitempty"`
	Options     []FieldOption `json:"options,omitempty"`
	Min         *float64      `json:"min,omitempty"`
	Max         *float64      `json:"max,omitempty"`
	Default     any           `json:"default,omitempty"`
}

// Schema is the ordered list of fields a checkpoint presents to the user.
type Schema []FieldSpec

// Validate checks that the schema is well formed: non-empty unique keys,
// known field types, and coherent min/max bounds. Violations are reported
// as issues keyed by the offending field.
func (s Schema) Validate() []Issue {
	var issues []Issue
	seen := make(map[string]bool, len(s))
	for i, f := range s {
		key := f.Key
		if key == "" {
			issues = append(issues, Issue{
				Key:     fmt.Sprintf("field[%d]", i),
				Message: "Field key is required",
			})
			continue
		}
		if seen[key] {
			issues = append(issues, Issue{Key: key, Message: "Duplicate field key"})
		}
		seen[key] = true
		if !f.Type.Valid() {
			issues = append(issues, Issue{
				Key:     key,
				Message: fmt.Sprintf("Unsupported field type '%s'", f.Type),
			})
		}
		if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
			issues = append(issues, Issue{Key: key, Message: "min must not exceed max"})
		}
	}
	return issues
}

// Clone returns a deep copy of the schema.
func (s Schema) Clone() Schema {
	if s == nil {
		return nil
	}
	out := make(Schema, len(s))
	for i, f := range s {
		out[i] = f
		out[i].Options = append([]FieldOption(nil), f.Options...)
		if f.Min != nil {
			min := *f.Min
			out[i].Min = &min
		}
		if f.Max != nil {
			max := *f.Max
			out[i].Max = &max
		}
	}
	return out
}

// optionValues collects the declared option values of f.
func (f *FieldSpec) optionValues() map[string]bool {
	if len(f.Options) == 0 {
		return nil
	}
	values := make(map[string]bool, len(f.Options))
	for _, opt := range f.Options {
		values[opt.Value] = true
	}
	return values
}
