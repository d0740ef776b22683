package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/finrisklabs/finrisk/internal/checkpoint/emit"
)

// FailureTracker is the definition-level circuit breaker. It watches
// blocking failures (failed or timed_out instances with no attempts left)
// and, when a definition accumulates failure_threshold of them inside its
// rolling window, force-disables the definition so the resolver stops
// offering it to new tasks.
//
// Trips are advisory and process-local: counts come from a store scan, the
// tripped set lives in memory, and an admin re-enable closes the breaker.
// A mis-count across processes only delays or duplicates a trip, never
// corrupts state.
type FailureTracker struct {
	engine *Engine

	mu      sync.RWMutex
	tripped map[string]bool // definition_id -> open breaker
}

func newFailureTracker(e *Engine) *FailureTracker {
	return &FailureTracker{
		engine:  e,
		tripped: make(map[string]bool),
	}
}

// IsTripped reports whether the definition's breaker is open in this
// process. The resolver consults it before including a definition.
func (t *FailureTracker) IsTripped(definitionID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tripped[definitionID]
}

// Reset closes the breaker after an admin re-enables the definition.
func (t *FailureTracker) Reset(d *Definition) {
	t.mu.Lock()
	open := t.tripped[d.ID]
	delete(t.tripped, d.ID)
	t.mu.Unlock()

	if open && t.engine.metrics != nil {
		t.engine.metrics.RecordBreakerReset(d.ControlType)
	}
}

// observe is called after an instance lands in failed or timed_out. Only
// blocking failures count toward the threshold; retry-eligible failures
// are the participant's problem, not the definition's.
func (t *FailureTracker) observe(ctx context.Context, inst *Instance) {
	if !inst.RetriesExhausted() {
		return
	}
	if t.IsTripped(inst.DefinitionID) {
		return
	}

	e := t.engine
	d, err := e.store.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return
	}
	cutoff := e.now().UTC().Add(-time.Duration(d.BreakerWindowMins) * time.Minute)
	count, err := e.store.CountRecentExhaustedFailures(ctx, d.ID, cutoff)
	if err != nil || count < d.FailureThreshold {
		return
	}
	t.trip(ctx, d, inst, count)
}

// trip force-disables the definition and warns once. Instances already
// offered stay operable; only future resolves are affected.
func (t *FailureTracker) trip(ctx context.Context, d *Definition, inst *Instance, count int) {
	t.mu.Lock()
	if t.tripped[d.ID] {
		t.mu.Unlock()
		return
	}
	t.tripped[d.ID] = true
	t.mu.Unlock()

	e := t.engine
	if d.Enabled {
		d.Enabled = false
		d.UpdatedAt = e.now().UTC()
		if err := e.store.UpdateDefinition(ctx, d); err != nil {
			t.mu.Lock()
			delete(t.tripped, d.ID)
			t.mu.Unlock()
			return
		}
	}

	e.emitter.Emit(emit.Event{
		TaskID:      inst.TaskID,
		InstanceID:  inst.ID,
		ControlType: d.ControlType,
		Msg:         emit.EventBreakerTripped,
		Meta: map[string]any{
			"failure_count":  count,
			"threshold":      d.FailureThreshold,
			"window_minutes": d.BreakerWindowMins,
		},
	})
	if e.metrics != nil {
		e.metrics.RecordBreakerTrip(d.ControlType)
	}
}
