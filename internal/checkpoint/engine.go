// Package checkpoint implements the human-in-the-loop checkpoint engine:
// admin-managed definitions, per-task instances with a retry-aware state
// machine, schema validation, and a circuit breaker that force-disables
// definitions failing too often.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/finrisklabs/finrisk/internal/checkpoint/emit"
)

// Orchestrator is the read-facade the task pipeline consumes. It resolves
// checkpoints at well-known pipeline positions and gates progression while
// a required checkpoint is still pending.
type Orchestrator interface {
	Resolve(ctx context.Context, taskID string, position Position, mode string) ([]*Instance, error)
	GetInstance(ctx context.Context, taskID, instanceID string) (*Instance, error)
	HasPending(ctx context.Context, taskID string, position Position, mode string) (bool, error)
}

// Engine coordinates definitions, instances, validation, and the failure
// tracker over a shared store. All operations are synchronous and safe for
// concurrent use; uniqueness constraints in the store replace locks.
type Engine struct {
	store   Store
	emitter emit.Emitter
	metrics *Metrics
	breaker *FailureTracker
	now     func() time.Time
	newID   func() string
	strict  bool
}

// Option configures an Engine.
type Option func(*Engine) error

// WithEmitter sets the lifecycle event emitter. Default: drop all events.
func WithEmitter(emitter emit.Emitter) Option {
	return func(e *Engine) error {
		if emitter != nil {
			e.emitter = emitter
		}
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection for engine operations.
func WithMetrics(metrics *Metrics) Option {
	return func(e *Engine) error {
		e.metrics = metrics
		return nil
	}
}

// WithClock overrides the time source. Intended for tests that need
// deterministic timestamps and breaker windows.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) error {
		if now != nil {
			e.now = now
		}
		return nil
	}
}

// WithStrictSubmissions makes the validator reject unknown submission keys
// instead of dropping them silently.
func WithStrictSubmissions(strict bool) Option {
	return func(e *Engine) error {
		e.strict = strict
		return nil
	}
}

// NewEngine creates an engine over the given store.
func NewEngine(store Store, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:   store,
		emitter: emit.NewNullEmitter(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	e.breaker = newFailureTracker(e)
	return e, nil
}

var _ Orchestrator = (*Engine)(nil)

// CreateDefinition validates the input and persists a new definition.
// Returns ErrDuplicateControlType when the slug is taken and a SchemaError
// when the input is invalid.
func (e *Engine) CreateDefinition(ctx context.Context, in DefinitionInput) (*Definition, error) {
	d, err := in.Definition()
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	d.ID = e.newID()
	d.CreatedAt = now
	d.UpdatedAt = now
	if err := e.store.CreateDefinition(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// GetDefinition loads one definition by id.
func (e *Engine) GetDefinition(ctx context.Context, id string) (*Definition, error) {
	return e.store.GetDefinition(ctx, id)
}

// ListDefinitions lists definitions matching the filter, ordered by
// (pipeline_position, sort_order, created_at).
func (e *Engine) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*Definition, error) {
	return e.store.ListDefinitions(ctx, filter)
}

// UpdateDefinition applies the patch to an existing definition.
// control_type is immutable. Existing instances keep their frozen schema
// and policy; only future instances see the edit.
func (e *Engine) UpdateDefinition(ctx context.Context, id string, patch DefinitionPatch) (*Definition, error) {
	d, err := e.store.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	wasEnabled := d.Enabled
	if err := patch.Apply(d); err != nil {
		return nil, err
	}
	d.UpdatedAt = e.now().UTC()
	if err := e.store.UpdateDefinition(ctx, d); err != nil {
		return nil, err
	}
	if !wasEnabled && d.Enabled {
		e.breaker.Reset(d)
	}
	return d, nil
}

// SetDefinitionEnabled toggles a definition. Re-enabling clears any open
// circuit breaker so the definition can produce instances again.
func (e *Engine) SetDefinitionEnabled(ctx context.Context, id string, enabled bool) (*Definition, error) {
	d, err := e.store.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Enabled == enabled {
		return d, nil
	}
	d.Enabled = enabled
	d.UpdatedAt = e.now().UTC()
	if err := e.store.UpdateDefinition(ctx, d); err != nil {
		return nil, err
	}
	if enabled {
		e.breaker.Reset(d)
	}
	return d, nil
}

// DeleteDefinition soft-deletes by disabling. Instances are never deleted
// and finished checkpoints stay readable.
func (e *Engine) DeleteDefinition(ctx context.Context, id string) (*Definition, error) {
	return e.SetDefinitionEnabled(ctx, id, false)
}

// GetInstance loads one instance scoped to its owning task. A mismatched
// task yields ErrNotFound rather than leaking another task's checkpoint.
func (e *Engine) GetInstance(ctx context.Context, taskID, instanceID string) (*Instance, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.TaskID != taskID {
		return nil, ErrNotFound
	}
	return inst, nil
}

// ListInstances returns every instance of the task in creation order.
func (e *Engine) ListInstances(ctx context.Context, taskID string) ([]*Instance, error) {
	return e.store.ListInstances(ctx, taskID)
}

// HasPending reports whether any checkpoint at the position still blocks
// progression, materializing instances exactly like Resolve.
func (e *Engine) HasPending(ctx context.Context, taskID string, position Position, mode string) (bool, error) {
	instances, err := e.Resolve(ctx, taskID, position, mode)
	if err != nil {
		return false, err
	}
	return hasPending(instances), nil
}

func hasPending(instances []*Instance) bool {
	for _, inst := range instances {
		if !inst.State.Terminal() {
			return true
		}
	}
	return false
}

// emit publishes a lifecycle event for the instance.
func (e *Engine) emit(msg string, inst *Instance, meta map[string]any) {
	e.emitter.Emit(emit.Event{
		TaskID:      inst.TaskID,
		InstanceID:  inst.ID,
		ControlType: inst.ControlType,
		Msg:         msg,
		Meta:        meta,
	})
}

func (e *Engine) recordTransition(inst *Instance) {
	if e.metrics != nil {
		e.metrics.RecordTransition(inst.ControlType, inst.State)
	}
}

// IsNotFound reports whether err is the engine's not-found sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
