// Package emit provides event emission and observability for workflow execution.
package emit

// Emitter receives engine events.
//
// Implementations must be safe for concurrent use: nodes of one execution
// resolve on separate goroutines and emit independently. Emit must not block
// for long, since it is called inline on the execution path.
type Emitter interface {
	Emit(event Event)
}

// MultiEmitter fans every event out to a list of emitters in order.
type MultiEmitter []Emitter

// NewMultiEmitter skips nil emitters.
func NewMultiEmitter(emitters ...Emitter) MultiEmitter {
	out := make(MultiEmitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

// Emit implements Emitter.
func (m MultiEmitter) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}
