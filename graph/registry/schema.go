package registry

import (
	"fmt"
	"strings"
)

// RedactedValue replaces sensitive parameter values in logs and events.
const RedactedValue = "[REDACTED]"

var secretKeyHints = []string{"token", "password", "secret", "apikey", "api_key", "authorization"}

// Redact returns a copy of params safe to log. Parameters declared sensitive
// in desc, and keys that look like credentials, are masked. Nested maps are
// redacted by key as well.
func Redact(desc Descriptor, params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	sensitive := make(map[string]bool, len(desc.Parameters))
	for _, p := range desc.Parameters {
		if p.Sensitive {
			sensitive[p.Name] = true
		}
	}
	return redactMap(params, sensitive)
}

func redactMap(in map[string]any, sensitive map[string]bool) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if sensitive[k] || looksSecret(k) {
			out[k] = RedactedValue
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = redactMap(nested, nil)
			continue
		}
		out[k] = v
	}
	return out
}

func looksSecret(key string) bool {
	k := strings.ToLower(key)
	for _, hint := range secretKeyHints {
		if strings.Contains(k, hint) {
			return true
		}
	}
	return false
}

// ApplyDefaults returns params with declared defaults filled in. It fails when
// a required parameter without a default is missing.
func ApplyDefaults(desc Descriptor, params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params)+len(desc.Parameters))
	for k, v := range params {
		out[k] = v
	}
	var missing []string
	for _, p := range desc.Parameters {
		if _, ok := out[p.Name]; ok {
			continue
		}
		if p.Default != nil {
			out[p.Name] = p.Default
			continue
		}
		if p.Required {
			missing = append(missing, p.Name)
		}
	}
	if len(missing) > 0 {
		return out, fmt.Errorf("missing required parameters: %s", strings.Join(missing, ", "))
	}
	return out, nil
}
