package emit

import "sync"

// BufferedEmitter keeps every event in memory grouped by execution id.
// Plugin events, which have no execution id, are grouped under "".
//
// Useful for tests and for status views that replay an execution's
// history. Memory grows with the number of events, so call Clear once an
// execution's history is no longer needed.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // executionID -> events
}

// HistoryFilter narrows GetHistoryWithFilter results. Zero fields match all.
type HistoryFilter struct {
	NodeID string
	Msg    string
}

// NewBufferedEmitter creates an empty buffered emitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit implements Emitter.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.ExecutionID] = append(b.events[event.ExecutionID], event)
}

// GetHistory returns a copy of the events recorded for executionID.
func (b *BufferedEmitter) GetHistory(executionID string) []Event {
	return b.GetHistoryWithFilter(executionID, HistoryFilter{})
}

// GetHistoryWithFilter returns the events of executionID matching filter, in
// emission order. The result is never nil.
func (b *BufferedEmitter) GetHistoryWithFilter(executionID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]Event, 0, len(b.events[executionID]))
	for _, event := range b.events[executionID] {
		if filter.NodeID != "" && event.NodeID != filter.NodeID {
			continue
		}
		if filter.Msg != "" && event.Msg != filter.Msg {
			continue
		}
		result = append(result, event)
	}
	return result
}

// Clear drops the history of executionID, or of everything when it is empty.
func (b *BufferedEmitter) Clear(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if executionID == "" {
		b.events = make(map[string][]Event)
	} else {
		delete(b.events, executionID)
	}
}
