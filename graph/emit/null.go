package emit

// NullEmitter discards all events.
type NullEmitter struct{}

// NewNullEmitter creates a no-op emitter.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit implements Emitter.
func (n *NullEmitter) Emit(Event) {}
