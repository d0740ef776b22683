package emit

// NullEmitter discards every event. It is the default when observability
// is not configured, so engine code never has to nil-check its emitter.
type NullEmitter struct{}

// NewNullEmitter creates an emitter that drops all events.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(_ Event) {}
