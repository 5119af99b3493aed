package nodes

import (
	"fmt"
	"strconv"

	json "github.com/goccy/go-json"
)

// Parameters arrive through a JSON round trip, so numbers are usually
// float64; Go callers may still pass ints.

func stringParam(params map[string]any, name string) (string, error) {
	v, ok := params[name]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %q must be a string, got %T", name, v)
	}
	return s, nil
}

func requiredString(params map[string]any, name string) (string, error) {
	s, err := stringParam(params, name)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("parameter %q is required", name)
	}
	return s, nil
}

func floatParam(params map[string]any, name string) (float64, bool, error) {
	v, ok := params[name]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case float64:
		return n, true, nil
	case float32:
		return float64(n), true, nil
	case int:
		return float64(n), true, nil
	case int64:
		return float64(n), true, nil
	case int32:
		return float64(n), true, nil
	case json.Number:
		f, err := n.Float64()
		return f, err == nil, err
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false, fmt.Errorf("parameter %q must be a number: %w", name, err)
		}
		return f, true, nil
	}
	return 0, false, fmt.Errorf("parameter %q must be a number, got %T", name, v)
}

func boolParam(params map[string]any, name string, def bool) (bool, error) {
	v, ok := params[name]
	if !ok || v == nil {
		return def, nil
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		return strconv.ParseBool(b)
	}
	return def, fmt.Errorf("parameter %q must be a boolean, got %T", name, v)
}

func mapParam(params map[string]any, name string) (map[string]any, error) {
	v, ok := params[name]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("parameter %q must be an object, got %T", name, v)
	}
	return m, nil
}
