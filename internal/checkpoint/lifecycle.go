package checkpoint

import (
	"context"

	"github.com/finrisklabs/finrisk/internal/checkpoint/emit"
)

// transition is the sole state mutator after creation. It stamps the
// timestamp matching the target state and persists the full row.
func (e *Engine) transition(ctx context.Context, inst *Instance, to State) error {
	now := e.now().UTC()
	inst.State = to
	inst.UpdatedAt = now
	switch to {
	case StateOffered:
		inst.OfferedAt = &now
	case StateSubmitted:
		inst.SubmittedAt = &now
	case StateFailed, StateTimedOut:
		inst.FailedAt = &now
	}
	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		return err
	}
	e.recordTransition(inst)
	return nil
}

// Submit validates data against the instance's frozen schema and finalizes
// the checkpoint on success.
//
// Guards run in order: a terminal instance yields ErrAlreadyFinalized; a
// failed or timed_out instance with no attempts left yields
// ErrRetryExhausted. A validation failure records the issue summary and
// moves the instance to failed without consuming an attempt, returning a
// *ValidationError; the client fixes the data and submits again.
func (e *Engine) Submit(ctx context.Context, taskID, instanceID string, data map[string]any) (*Instance, error) {
	inst, err := e.GetInstance(ctx, taskID, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.State.Terminal() {
		e.recordSubmission(inst, "rejected")
		return nil, ErrAlreadyFinalized
	}
	if inst.RetriesExhausted() {
		e.recordSubmission(inst, "rejected")
		return nil, ErrRetryExhausted
	}

	normalized, issues := ValidateSubmission(inst.FieldSchema, data, e.strict)
	if len(issues) > 0 {
		verr := &ValidationError{
			Issues:       issues,
			AttemptCount: inst.AttemptCount,
			MaxRetries:   inst.MaxRetries,
		}
		inst.LastError = verr.Error()
		if err := e.transition(ctx, inst, StateFailed); err != nil {
			return nil, err
		}
		e.emit(emit.EventValidationFailed, inst, map[string]any{
			"issues":        len(issues),
			"attempt_count": inst.AttemptCount,
		})
		e.recordSubmission(inst, "validation_failed")
		return nil, verr
	}

	inst.SubmitResult = normalized
	inst.LastError = ""
	if err := e.transition(ctx, inst, StateSubmitted); err != nil {
		return nil, err
	}
	e.emit(emit.EventSubmitted, inst, map[string]any{"attempt_count": inst.AttemptCount})
	e.recordSubmission(inst, "accepted")
	return inst, nil
}

// Skip finalizes an optional checkpoint without data. Required checkpoints
// cannot be skipped.
func (e *Engine) Skip(ctx context.Context, taskID, instanceID string) (*Instance, error) {
	inst, err := e.GetInstance(ctx, taskID, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.State.Terminal() {
		return nil, ErrAlreadyFinalized
	}
	if inst.Required {
		return nil, ErrSkipNotAllowed
	}
	if err := e.transition(ctx, inst, StateSkipped); err != nil {
		return nil, err
	}
	e.emit(emit.EventSkipped, inst, nil)
	return inst, nil
}

// Retry re-offers a failed or timed_out checkpoint. The previous failure
// already consumed an attempt, so attempt_count is left unchanged; the
// error detail and failure timestamp are cleared.
func (e *Engine) Retry(ctx context.Context, taskID, instanceID string) (*Instance, error) {
	inst, err := e.GetInstance(ctx, taskID, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.State.Terminal() {
		return nil, ErrAlreadyFinalized
	}
	if inst.State != StateFailed && inst.State != StateTimedOut {
		return nil, ErrInvalidTransition
	}
	if inst.RetriesExhausted() {
		return nil, ErrRetryExhausted
	}
	inst.LastError = ""
	inst.FailedAt = nil
	if err := e.transition(ctx, inst, StateOffered); err != nil {
		return nil, err
	}
	e.emit(emit.EventRetried, inst, map[string]any{"attempt_count": inst.AttemptCount})
	return inst, nil
}

// Timeout records an expired UI timer: one attempt consumed, state
// timed_out. Calling it again on an already timed_out instance is a no-op
// so duplicate timer deliveries stay harmless.
func (e *Engine) Timeout(ctx context.Context, taskID, instanceID string) (*Instance, error) {
	inst, err := e.GetInstance(ctx, taskID, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.State == StateTimedOut {
		return inst, nil
	}
	if inst.State.Terminal() {
		return nil, ErrAlreadyFinalized
	}
	inst.AttemptCount++
	inst.LastError = "timed out"
	if err := e.transition(ctx, inst, StateTimedOut); err != nil {
		return nil, err
	}
	e.emit(emit.EventTimedOut, inst, map[string]any{"attempt_count": inst.AttemptCount})
	e.breaker.observe(ctx, inst)
	return inst, nil
}

// Fail records a non-validation submission error, consuming one attempt.
// Used for internal errors surfaced while handling a checkpoint.
func (e *Engine) Fail(ctx context.Context, taskID, instanceID, cause string) (*Instance, error) {
	inst, err := e.GetInstance(ctx, taskID, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.State.Terminal() {
		return nil, ErrAlreadyFinalized
	}
	inst.AttemptCount++
	inst.LastError = cause
	if err := e.transition(ctx, inst, StateFailed); err != nil {
		return nil, err
	}
	e.emit(emit.EventFailed, inst, map[string]any{
		"attempt_count": inst.AttemptCount,
		"error":         cause,
	})
	e.breaker.observe(ctx, inst)
	return inst, nil
}

func (e *Engine) recordSubmission(inst *Instance, outcome string) {
	if e.metrics != nil {
		e.metrics.RecordSubmission(inst.ControlType, outcome)
	}
}
