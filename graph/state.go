package graph

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// deepCopy creates an independent copy of v through a JSON round trip.
//
// Only exported, JSON-representable data survives; channels, functions and
// unexported fields are dropped or cause an error. Callers that can hold
// arbitrary values must be ready to fall back to a shallow copy.
func deepCopy[T any](v T) (T, error) {
	var zero T

	data, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("failed to marshal value: %w", err)
	}

	var copied T
	if err := json.Unmarshal(data, &copied); err != nil {
		return zero, fmt.Errorf("failed to unmarshal value: %w", err)
	}

	return copied, nil
}

// copyInput isolates the caller's input map from the run. Nested values are
// deep copied when JSON can represent them.
func copyInput(input map[string]any) map[string]any {
	if input == nil {
		return make(map[string]any)
	}
	if cp, err := deepCopy(input); err == nil && cp != nil {
		return cp
	}
	cp := make(map[string]any, len(input))
	for k, v := range input {
		cp[k] = v
	}
	return cp
}
