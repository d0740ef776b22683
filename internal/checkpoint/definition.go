package checkpoint

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Position identifies where in the task pipeline a checkpoint interrupts.
type Position string

const (
	AfterRetrieval  Position = "after_retrieval"
	AfterGeneration Position = "after_generation"
	PostGeneration  Position = "post_generation"
)

// Positions returns every pipeline position in pipeline order.
func Positions() []Position {
	return []Position{AfterRetrieval, AfterGeneration, PostGeneration}
}

// Valid reports whether p is a recognized pipeline position.
func (p Position) Valid() bool {
	switch p {
	case AfterRetrieval, AfterGeneration, PostGeneration:
		return true
	}
	return false
}

// ModeWildcard in applicable_modes matches every condition mode.
const ModeWildcard = "*"

var controlTypeRE = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// Definition is an admin-managed checkpoint template. Instances freeze the
// schema and policy fields at creation time, so editing a definition never
// changes checkpoints already offered to participants.
type Definition struct {
	ID                string    `json:"id"`
	ControlType       string    `json:"control_type"`
	Label             string    `json:"label"`
	Description       string    `json:"description"`
	FieldSchema       Schema    `json:"field_schema"`
	PipelinePosition  Position  `json:"pipeline_position"`
	SortOrder         int       `json:"sort_order"`
	ApplicableModes   []string  `json:"applicable_modes"`
	Required          bool      `json:"required"`
	TimeoutSeconds    *int      `json:"timeout_seconds"`
	MaxRetries        int       `json:"max_retries"`
	FailureThreshold  int       `json:"circuit_breaker_threshold"`
	BreakerWindowMins int       `json:"circuit_breaker_window_minutes"`
	Enabled           bool      `json:"enabled"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// AppliesTo reports whether the definition targets the given condition mode.
func (d *Definition) AppliesTo(mode string) bool {
	for _, m := range d.ApplicableModes {
		if m == ModeWildcard || m == mode {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand across store boundaries.
func (d *Definition) Clone() *Definition {
	out := *d
	out.FieldSchema = d.FieldSchema.Clone()
	out.ApplicableModes = append([]string(nil), d.ApplicableModes...)
	if d.TimeoutSeconds != nil {
		t := *d.TimeoutSeconds
		out.TimeoutSeconds = &t
	}
	return &out
}

// DefinitionInput carries the writable fields for creating a definition.
// Optional policy fields take their documented defaults when nil.
type DefinitionInput struct {
	ControlType       string   `json:"control_type"`
	Label             string   `json:"label"`
	Description       string   `json:"description"`
	FieldSchema       Schema   `json:"field_schema"`
	PipelinePosition  Position `json:"pipeline_position"`
	SortOrder         int      `json:"sort_order"`
	ApplicableModes   []string `json:"applicable_modes"`
	Required          bool     `json:"required"`
	TimeoutSeconds    *int     `json:"timeout_seconds"`
	MaxRetries        *int     `json:"max_retries"`
	FailureThreshold  *int     `json:"circuit_breaker_threshold"`
	BreakerWindowMins *int     `json:"circuit_breaker_window_minutes"`
	Enabled           *bool    `json:"enabled"`
}

const (
	defaultMaxRetries        = 2
	defaultFailureThreshold  = 5
	defaultBreakerWindowMins = 60
)

// Definition materializes the input into a Definition, applying defaults.
// The caller assigns ID and timestamps. Returns a SchemaError when any
// field is invalid.
func (in *DefinitionInput) Definition() (*Definition, error) {
	d := &Definition{
		ControlType:       strings.TrimSpace(in.ControlType),
		Label:             strings.TrimSpace(in.Label),
		Description:       in.Description,
		FieldSchema:       in.FieldSchema.Clone(),
		PipelinePosition:  in.PipelinePosition,
		SortOrder:         in.SortOrder,
		ApplicableModes:   append([]string(nil), in.ApplicableModes...),
		Required:          in.Required,
		MaxRetries:        defaultMaxRetries,
		FailureThreshold:  defaultFailureThreshold,
		BreakerWindowMins: defaultBreakerWindowMins,
		Enabled:           true,
	}
	if in.TimeoutSeconds != nil {
		t := *in.TimeoutSeconds
		d.TimeoutSeconds = &t
	}
	if in.MaxRetries != nil {
		d.MaxRetries = *in.MaxRetries
	}
	if in.FailureThreshold != nil {
		d.FailureThreshold = *in.FailureThreshold
	}
	if in.BreakerWindowMins != nil {
		d.BreakerWindowMins = *in.BreakerWindowMins
	}
	if in.Enabled != nil {
		d.Enabled = *in.Enabled
	}
	if len(d.ApplicableModes) == 0 {
		d.ApplicableModes = []string{ModeWildcard}
	}
	if issues := validateDefinition(d); len(issues) > 0 {
		return nil, &SchemaError{Issues: issues}
	}
	return d, nil
}

// DefinitionPatch carries the writable fields for updating a definition.
// Nil pointers leave the current value untouched; ClearTimeout removes an
// existing timeout, which a nil TimeoutSeconds alone cannot express.
type DefinitionPatch struct {
	Label             *string   `json:"label"`
	Description       *string   `json:"description"`
	FieldSchema       *Schema   `json:"field_schema"`
	PipelinePosition  *Position `json:"pipeline_position"`
	SortOrder         *int      `json:"sort_order"`
	ApplicableModes   *[]string `json:"applicable_modes"`
	Required          *bool     `json:"required"`
	TimeoutSeconds    *int      `json:"timeout_seconds"`
	ClearTimeout      bool      `json:"-"`
	MaxRetries        *int      `json:"max_retries"`
	FailureThreshold  *int      `json:"circuit_breaker_threshold"`
	BreakerWindowMins *int      `json:"circuit_breaker_window_minutes"`
	Enabled           *bool     `json:"enabled"`
}

// Apply mutates d in place. control_type is immutable and has no patch
// field. Returns a SchemaError when the patched definition is invalid.
func (p *DefinitionPatch) Apply(d *Definition) error {
	if p.Label != nil {
		d.Label = strings.TrimSpace(*p.Label)
	}
	if p.Description != nil {
		d.Description = *p.Description
	}
	if p.FieldSchema != nil {
		d.FieldSchema = p.FieldSchema.Clone()
	}
	if p.PipelinePosition != nil {
		d.PipelinePosition = *p.PipelinePosition
	}
	if p.SortOrder != nil {
		d.SortOrder = *p.SortOrder
	}
	if p.ApplicableModes != nil {
		d.ApplicableModes = append([]string(nil), (*p.ApplicableModes)...)
		if len(d.ApplicableModes) == 0 {
			d.ApplicableModes = []string{ModeWildcard}
		}
	}
	if p.Required != nil {
		d.Required = *p.Required
	}
	if p.ClearTimeout {
		d.TimeoutSeconds = nil
	} else if p.TimeoutSeconds != nil {
		t := *p.TimeoutSeconds
		d.TimeoutSeconds = &t
	}
	if p.MaxRetries != nil {
		d.MaxRetries = *p.MaxRetries
	}
	if p.FailureThreshold != nil {
		d.FailureThreshold = *p.FailureThreshold
	}
	if p.BreakerWindowMins != nil {
		d.BreakerWindowMins = *p.BreakerWindowMins
	}
	if p.Enabled != nil {
		d.Enabled = *p.Enabled
	}
	if issues := validateDefinition(d); len(issues) > 0 {
		return &SchemaError{Issues: issues}
	}
	return nil
}

func validateDefinition(d *Definition) []Issue {
	var issues []Issue
	if !controlTypeRE.MatchString(d.ControlType) {
		issues = append(issues, Issue{Key: "control_type", Message: "must be a lowercase slug: ^[a-z][a-z0-9_]{0,63}$"})
	}
	if d.Label == "" {
		issues = append(issues, Issue{Key: "label", Message: "label is required"})
	}
	if !d.PipelinePosition.Valid() {
		issues = append(issues, Issue{Key: "pipeline_position", Message: fmt.Sprintf("unknown pipeline position '%s'", d.PipelinePosition)})
	}
	for _, m := range d.ApplicableModes {
		if m != ModeWildcard && strings.TrimSpace(m) == "" {
			issues = append(issues, Issue{Key: "applicable_modes", Message: "modes must be non-empty strings"})
			break
		}
	}
	if d.TimeoutSeconds != nil && *d.TimeoutSeconds < 1 {
		issues = append(issues, Issue{Key: "timeout_seconds", Message: "timeout_seconds must be >= 1"})
	}
	if d.MaxRetries < 0 {
		issues = append(issues, Issue{Key: "max_retries", Message: "max_retries must be >= 0"})
	}
	if d.FailureThreshold < 1 {
		issues = append(issues, Issue{Key: "failure_threshold", Message: "failure_threshold must be >= 1"})
	}
	if d.BreakerWindowMins < 1 {
		issues = append(issues, Issue{Key: "circuit_breaker_window_minutes", Message: "circuit_breaker_window_minutes must be >= 1"})
	}
	issues = append(issues, d.FieldSchema.Validate()...)
	return issues
}
