package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory, keyed by
// task. It gives demos and tests an inspectable event history without an
// external collector.
//
// All events are held until cleared, so long-lived deployments should
// prefer the log or OpenTelemetry emitters and reserve this one for
// development and short studies.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // task_id -> events in emit order
}

// HistoryFilter selects events from a task's history. Empty fields match
// everything; set fields combine with AND.
type HistoryFilter struct {
	ControlType string
	Msg         string
}

// NewBufferedEmitter creates an in-memory capture emitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit appends the event to its task's history. Events without a task ID
// are grouped under the empty key.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.TaskID] = append(b.events[event.TaskID], event)
}

// History returns all events recorded for the task, in emit order.
func (b *BufferedEmitter) History(taskID string) []Event {
	return b.HistoryWithFilter(taskID, HistoryFilter{})
}

// HistoryWithFilter returns the task's events matching the filter, in emit
// order. The result is a copy; callers may mutate it freely.
func (b *BufferedEmitter) HistoryWithFilter(taskID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]Event, 0, len(b.events[taskID]))
	for _, event := range b.events[taskID] {
		if filter.ControlType != "" && event.ControlType != filter.ControlType {
			continue
		}
		if filter.Msg != "" && event.Msg != filter.Msg {
			continue
		}
		result = append(result, event)
	}
	return result
}

// Clear drops the history for one task, or every task when taskID is empty.
func (b *BufferedEmitter) Clear(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if taskID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, taskID)
}
