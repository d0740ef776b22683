package emit

// Emitter receives lifecycle events from the checkpoint engine.
//
// Implementations must be safe for concurrent use and must not block the
// request path: a slow or unavailable backend should drop or buffer, never
// stall a transition. Emit must not panic.
type Emitter interface {
	Emit(event Event)
}

// Multi fans one event out to several emitters in order.
type Multi []Emitter

func (m Multi) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}
