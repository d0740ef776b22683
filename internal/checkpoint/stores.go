package checkpoint

import (
	"context"
	"time"
)

// DefinitionFilter narrows ListDefinitions. Zero values match everything.
type DefinitionFilter struct {
	Position    Position
	Mode        string
	EnabledOnly bool
}

// DefinitionStore persists checkpoint definitions.
//
// Implementations return ErrNotFound for missing rows and
// ErrDuplicateControlType when a create collides on control_type.
// ListDefinitions orders by pipeline_position (as text), then sort_order,
// created_at and id, so every backend pages identically.
type DefinitionStore interface {
	CreateDefinition(ctx context.Context, d *Definition) error
	GetDefinition(ctx context.Context, id string) (*Definition, error)
	GetDefinitionByControlType(ctx context.Context, controlType string) (*Definition, error)
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*Definition, error)
	UpdateDefinition(ctx context.Context, d *Definition) error
}

// InstanceStore persists checkpoint instances.
//
// CreateInstance enforces (task_id, definition_id) uniqueness: when a row
// already exists it returns that row with created=false instead of failing,
// so concurrent resolves converge on one instance. UpdateInstance is the
// sole mutator after creation.
type InstanceStore interface {
	CreateInstance(ctx context.Context, inst *Instance) (*Instance, bool, error)
	GetInstance(ctx context.Context, id string) (*Instance, error)
	FindInstance(ctx context.Context, taskID, definitionID string) (*Instance, error)
	ListInstances(ctx context.Context, taskID string) ([]*Instance, error)
	UpdateInstance(ctx context.Context, inst *Instance) error

	// CountRecentExhaustedFailures counts instances of the definition that
	// are blocking failures (failed or timed_out, at least one attempt
	// consumed, none left) whose failed_at falls at or after the cutoff.
	// Validation failures consume no attempt and are never counted.
	CountRecentExhaustedFailures(ctx context.Context, definitionID string, cutoff time.Time) (int, error)
}

// Store is the combined persistence surface the engine operates on.
type Store interface {
	DefinitionStore
	InstanceStore
}
