package emit

import (
	"go.uber.org/zap"
)

// LogEmitter implements Emitter by writing one structured log line per
// event. Fields are flattened so log pipelines can filter on task_id or
// control_type without parsing nested objects.
//
// Example output (JSON encoder):
//
//	{"level":"info","msg":"checkpoint_submitted","task_id":"t-01",
//	 "control_type":"chunk_selector","instance_id":"...","attempt_count":0}
type LogEmitter struct {
	log *zap.Logger
}

// NewLogEmitter creates a LogEmitter writing through the given logger.
// A nil logger falls back to zap.NewNop so Emit stays safe to call.
func NewLogEmitter(log *zap.Logger) *LogEmitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogEmitter{log: log}
}

// Emit writes the event at info level, or warn for failure events.
func (l *LogEmitter) Emit(event Event) {
	fields := make([]zap.Field, 0, 3+len(event.Meta))
	if event.TaskID != "" {
		fields = append(fields, zap.String("task_id", event.TaskID))
	}
	if event.InstanceID != "" {
		fields = append(fields, zap.String("instance_id", event.InstanceID))
	}
	if event.ControlType != "" {
		fields = append(fields, zap.String("control_type", event.ControlType))
	}
	for key, value := range event.Meta {
		fields = append(fields, zap.Any(key, value))
	}

	switch event.Msg {
	case EventFailed, EventTimedOut, EventValidationFailed, EventBreakerTripped:
		l.log.Warn(event.Msg, fields...)
	default:
		l.log.Info(event.Msg, fields...)
	}
}
