package catalog

import (
	"fmt"
	"strings"

	"github.com/pathware/flowengine/types"
)

// renderTemplate substitutes {{path}} placeholders with values looked up
// in vars using dotted paths. Unresolvable placeholders render empty.
func renderTemplate(tmpl string, vars types.Payload) string {
	var b strings.Builder
	for {
		start := strings.Index(tmpl, "{{")
		if start < 0 {
			b.WriteString(tmpl)
			return b.String()
		}
		end := strings.Index(tmpl[start:], "}}")
		if end < 0 {
			b.WriteString(tmpl)
			return b.String()
		}
		b.WriteString(tmpl[:start])
		path := strings.TrimSpace(tmpl[start+2 : start+end])
		if v, ok := vars.Get(path); ok && v != nil {
			b.WriteString(fmt.Sprintf("%v", v))
		}
		tmpl = tmpl[start+end+2:]
	}
}

// configString reads a required string config key.
func configString(config types.Payload, key string) (string, error) {
	v, ok := config[key]
	if !ok {
		return "", fmt.Errorf("config key %q is required", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("config key %q must be a non-empty string", key)
	}
	return s, nil
}

// configInt reads an optional numeric config key with a default.
func configInt(config types.Payload, key string, fallback int) int {
	switch n := config[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return fallback
}

// configFloat reads an optional float config key with a default.
func configFloat(config types.Payload, key string, fallback float64) float64 {
	switch n := config[key].(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return fallback
}
