package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/finrisklabs/finrisk/internal/checkpoint/emit"
)

// Resolve returns the ordered checkpoints for a task at a pipeline
// position, creating missing instances on first encounter.
//
// Definitions are considered when enabled, matching the position, and
// applicable to the task's mode (directly or via "*"); tripped definitions
// are excluded. For each match, an existing instance is returned as-is
// (terminal ones included, so the UI can show finalized summaries) and a
// missing one is created in state pending and promoted to offered with the
// definition's schema and policy frozen in.
//
// Resolve is idempotent: concurrent calls converge on one instance per
// definition through the (task_id, definition_id) uniqueness constraint.
func (e *Engine) Resolve(ctx context.Context, taskID string, position Position, mode string) ([]*Instance, error) {
	return e.ResolveWithPayload(ctx, taskID, position, mode, nil)
}

// ResolveWithPayload is Resolve with orchestrator context attached to any
// newly created instance. The payload is frozen at creation; re-resolving
// never rewrites it.
func (e *Engine) ResolveWithPayload(ctx context.Context, taskID string, position Position, mode string, payload map[string]any) ([]*Instance, error) {
	start := time.Now()

	defs, err := e.store.ListDefinitions(ctx, DefinitionFilter{
		Position:    position,
		Mode:        mode,
		EnabledOnly: true,
	})
	if err != nil {
		return nil, err
	}

	instances := make([]*Instance, 0, len(defs))
	for _, d := range defs {
		if e.breaker.IsTripped(d.ID) {
			continue
		}
		inst, err := e.materialize(ctx, taskID, d, payload)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}

	if e.metrics != nil {
		e.metrics.RecordResolveLatency(position, time.Since(start))
	}
	return instances, nil
}

// materialize returns the task's instance for the definition, creating and
// offering one when absent. A pending row left behind by an interrupted
// resolve is promoted to offered here as well.
func (e *Engine) materialize(ctx context.Context, taskID string, d *Definition, payload map[string]any) (*Instance, error) {
	existing, err := e.store.FindInstance(ctx, taskID, d.ID)
	if err == nil {
		if existing.State != StatePending {
			return existing, nil
		}
		return e.offer(ctx, existing)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := e.now().UTC()
	inst := &Instance{
		ID:             e.newID(),
		TaskID:         taskID,
		DefinitionID:   d.ID,
		ControlType:    d.ControlType,
		Label:          d.Label,
		FieldSchema:    d.FieldSchema.Clone(),
		Required:       d.Required,
		TimeoutSeconds: d.TimeoutSeconds,
		MaxRetries:     d.MaxRetries,
		State:          StatePending,
		Payload:        payload,
		OfferedAt:      &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	stored, created, err := e.store.CreateInstance(ctx, inst)
	if err != nil {
		return nil, err
	}
	if !created && stored.State != StatePending {
		// Lost the creation race to a resolve that already offered it.
		return stored, nil
	}
	if created {
		e.emit(emit.EventInstanceCreated, stored, map[string]any{"state": string(stored.State)})
	}
	return e.offer(ctx, stored)
}

// offer promotes a pending instance to offered.
func (e *Engine) offer(ctx context.Context, inst *Instance) (*Instance, error) {
	if err := e.transition(ctx, inst, StateOffered); err != nil {
		return nil, err
	}
	e.emit(emit.EventOffered, inst, nil)
	return inst, nil
}
