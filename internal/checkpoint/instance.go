package checkpoint

import (
	"maps"
	"time"
)

// State is the lifecycle state of a checkpoint instance.
type State string

const (
	StatePending   State = "pending"
	StateOffered   State = "offered"
	StateActive    State = "active"
	StateSubmitted State = "submitted"
	StateSkipped   State = "skipped"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
	StateCollapsed State = "collapsed"
)

// Terminal reports whether the state ends the instance's lifecycle.
// failed and timed_out are not terminal: they stay retry-eligible until
// the attempt budget runs out.
func (s State) Terminal() bool {
	switch s {
	case StateSubmitted, StateSkipped, StateCollapsed:
		return true
	}
	return false
}

// Valid reports whether s is a recognized instance state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateOffered, StateActive, StateSubmitted,
		StateSkipped, StateFailed, StateTimedOut, StateCollapsed:
		return true
	}
	return false
}

// Instance is one checkpoint offered to a participant during a task.
//
// ControlType, Label, FieldSchema, Required, TimeoutSeconds, and
// MaxRetries are copied from the definition at creation time and never
// re-read, so admin edits cannot change a checkpoint mid-flight.
type Instance struct {
	ID           string `json:"id"`
	TaskID       string `json:"task_id"`
	DefinitionID string `json:"definition_id"`

	ControlType    string `json:"control_type"`
	Label          string `json:"label"`
	FieldSchema    Schema `json:"field_schema"`
	Required       bool   `json:"required"`
	TimeoutSeconds *int   `json:"timeout_seconds"`
	MaxRetries     int    `json:"max_retries"`

	State        State          `json:"state"`
	Payload      map[string]any `json:"payload,omitempty"`
	SubmitResult map[string]any `json:"submit_result,omitempty"`
	AttemptCount int            `json:"attempt_count"`
	LastError    string         `json:"last_error,omitempty"`

	OfferedAt   *time.Time `json:"offered_at,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// RetriesExhausted reports whether the instance sits in a blocking failure:
// failed or timed_out with no attempts left.
func (i *Instance) RetriesExhausted() bool {
	return (i.State == StateFailed || i.State == StateTimedOut) && i.AttemptCount >= i.MaxRetries
}

// Clone returns a deep copy safe to hand across store boundaries.
func (i *Instance) Clone() *Instance {
	out := *i
	out.FieldSchema = i.FieldSchema.Clone()
	if i.TimeoutSeconds != nil {
		t := *i.TimeoutSeconds
		out.TimeoutSeconds = &t
	}
	out.Payload = maps.Clone(i.Payload)
	out.SubmitResult = maps.Clone(i.SubmitResult)
	out.OfferedAt = cloneTime(i.OfferedAt)
	out.SubmittedAt = cloneTime(i.SubmittedAt)
	out.FailedAt = cloneTime(i.FailedAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
