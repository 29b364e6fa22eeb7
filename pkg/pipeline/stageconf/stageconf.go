// Package stageconf loads and exposes per-stage agent settings.
//
// A stage config file (YAML or JSON) maps stage names to setting
// blocks. Sections holds the parsed file; Stage merges a block with
// server-level defaults into a Config, whose accessors hand adapters
// typed values without any type assertions at the call site.
package stageconf

// Config is one stage's merged settings. Accessors fall back to the
// given default when the key is absent or holds the wrong type, so a
// sparse or missing file never breaks an adapter.
type Config struct {
	data map[string]any
}

// New wraps a settings map. A nil map yields a Config whose accessors
// always return their defaults.
func New(data map[string]any) Config {
	return Config{data: data}
}

func (c Config) String(key, def string) string {
	if s, ok := c.data[key].(string); ok {
		return s
	}
	return def
}

// Int accepts the numeric shapes YAML and JSON decoders produce.
// Fractional floats do not silently truncate.
func (c Config) Int(key string, def int) int {
	switch v := c.data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		if v == float64(int(v)) {
			return int(v)
		}
	}
	return def
}

// StringSlice converts []any elementwise; a single non-string element
// rejects the whole value.
func (c Config) StringSlice(key string, def []string) []string {
	switch v := c.data[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return def
			}
			out = append(out, s)
		}
		return out
	}
	return def
}
