package checkpoint

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors surfaced by the engine. Callers match them with errors.Is
// and translate them to transport-level responses.
var (
	// ErrNotFound indicates an unknown definition or instance id.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateControlType indicates a create with an already-taken slug.
	ErrDuplicateControlType = errors.New("control type already exists")

	// ErrSkipNotAllowed indicates a skip attempted on a required checkpoint.
	ErrSkipNotAllowed = errors.New("required checkpoints cannot be skipped")

	// ErrAlreadyFinalized indicates a transition attempted from a terminal state.
	ErrAlreadyFinalized = errors.New("checkpoint already finalized")

	// ErrRetryExhausted indicates the retry budget is spent.
	ErrRetryExhausted = errors.New("retry limit reached")

	// ErrInvalidTransition indicates a transition that is not legal from the
	// instance's current state, for example retrying an offered checkpoint.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Issue is a single field-level problem found in a submission or schema.
type Issue struct {
	Key     string `json:"key"`
	Message string `json:"message"`
}

// ValidationError reports a submission rejected by the validator. It carries
// the ordered field-level issues plus the retry bookkeeping the client needs
// to decide whether resubmitting is worthwhile. A validation failure never
// consumes a retry.
type ValidationError struct {
	Issues       []Issue
	AttemptCount int
	MaxRetries   int
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = issue.Key + ": " + issue.Message
	}
	return "submission validation failed: " + strings.Join(parts, "; ")
}

// RetryAvailable reports whether the instance still has retry budget left.
func (e *ValidationError) RetryAvailable() bool {
	return e.AttemptCount < e.MaxRetries
}

// SchemaError reports a definition create or update rejected because its
// field schema or policy fields are malformed.
type SchemaError struct {
	Issues []Issue
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("invalid definition: %d issue(s)", len(e.Issues))
}
