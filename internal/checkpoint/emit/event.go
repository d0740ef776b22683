package emit

// Lifecycle event names emitted by the checkpoint engine.
const (
	EventDefinitionSeeded = "definition_seeded"
	EventInstanceCreated  = "instance_created"
	EventOffered          = "checkpoint_offered"
	EventSubmitted        = "checkpoint_submitted"
	EventSkipped          = "checkpoint_skipped"
	EventFailed           = "checkpoint_failed"
	EventTimedOut         = "checkpoint_timed_out"
	EventRetried          = "checkpoint_retried"
	EventValidationFailed = "validation_failed"
	EventBreakerTripped   = "breaker_tripped"
)

// Event is one observability record from the checkpoint lifecycle.
//
// Events are points in time, not durations. They carry enough identity to
// correlate a transition back to its task and definition without a join.
type Event struct {
	// TaskID identifies the task whose checkpoint emitted this event.
	// Empty for task-independent events such as definition_seeded.
	TaskID string

	// InstanceID identifies the checkpoint instance, when one exists.
	InstanceID string

	// ControlType is the definition slug (e.g. "chunk_selector").
	ControlType string

	// Msg is the event name, one of the Event* constants.
	Msg string

	// Meta carries event-specific structured data. Common keys:
	//   - "state": target state of a transition
	//   - "attempt_count": attempts consumed so far
	//   - "error": failure detail
	//   - "issues": validation issue count
	Meta map[string]any
}
