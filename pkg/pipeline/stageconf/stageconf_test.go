package stageconf_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rankforge/pipeline/pkg/pipeline/stageconf"
)

// TestString verifies string extraction with defaults.
func TestString(t *testing.T) {
	tests := []struct {
		name       string
		data       map[string]any
		key        string
		defaultVal string
		want       string
	}{
		{"key exists", map[string]any{"model": "gpt-4o-mini"}, "model", "default", "gpt-4o-mini"},
		{"key missing", map[string]any{"other": "value"}, "model", "default", "default"},
		{"empty string", map[string]any{"model": ""}, "model", "default", ""},
		{"wrong type int", map[string]any{"model": 123}, "model", "default", "default"},
		{"nil map", nil, "model", "default", "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := stageconf.New(tt.data)
			assert.Equal(t, tt.want, cfg.String(tt.key, tt.defaultVal))
		})
	}
}

// TestInt verifies integer extraction including YAML/JSON numeric types.
func TestInt(t *testing.T) {
	tests := []struct {
		name       string
		data       map[string]any
		key        string
		defaultVal int
		want       int
	}{
		{"int value", map[string]any{"max_tokens": 4096}, "max_tokens", 1, 4096},
		{"int64 value", map[string]any{"max_tokens": int64(4096)}, "max_tokens", 1, 4096},
		{"float whole", map[string]any{"max_tokens": 4096.0}, "max_tokens", 1, 4096},
		{"float fractional", map[string]any{"max_tokens": 409.6}, "max_tokens", 1, 1},
		{"wrong type", map[string]any{"max_tokens": "many"}, "max_tokens", 1, 1},
		{"missing", nil, "max_tokens", 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := stageconf.New(tt.data)
			assert.Equal(t, tt.want, cfg.Int(tt.key, tt.defaultVal))
		})
	}
}

// TestStringSlice verifies slice extraction including []any from parsed
// YAML and JSON.
func TestStringSlice(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		want []string
	}{
		{"string slice", map[string]any{"tags": []string{"a", "b"}}, []string{"a", "b"}},
		{"any slice", map[string]any{"tags": []any{"a", "b"}}, []string{"a", "b"}},
		{"mixed slice", map[string]any{"tags": []any{"a", 1}}, []string{"x"}},
		{"missing", nil, []string{"x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := stageconf.New(tt.data)
			assert.Equal(t, tt.want, cfg.StringSlice("tags", []string{"x"}))
		})
	}
}

// TestFromFile verifies format detection and per-stage section parsing.
func TestFromFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "stages.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
article_generation:
  model: gpt-4o
  max_tokens: 8192
competitor_monitoring:
  competitor_urls:
    - https://rival.example.com
`), 0o644))

	sections, err := stageconf.FromFile(yamlPath)
	require.NoError(t, err)
	gen := sections.Stage("article_generation", nil)
	assert.Equal(t, "gpt-4o", gen.String("model", ""))
	assert.Equal(t, 8192, gen.Int("max_tokens", 0))
	assert.Equal(t, []string{"https://rival.example.com"},
		sections.Stage("competitor_monitoring", nil).StringSlice("competitor_urls", nil))

	jsonPath := filepath.Join(dir, "stages.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"publish":{"site":"blog"}}`), 0o644))

	sections, err = stageconf.FromFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "blog", sections.Stage("publish", nil).String("site", ""))

	_, err = stageconf.FromFile(filepath.Join(dir, "stages.toml"))
	assert.Error(t, err)

	_, err = stageconf.FromFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

// TestFromFile_Malformed verifies parse and shape errors surface.
func TestFromFile_Malformed(t *testing.T) {
	dir := t.TempDir()

	badYAML := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(badYAML, []byte("\t: not yaml"), 0o644))
	_, err := stageconf.FromFile(badYAML)
	assert.Error(t, err)

	badJSON := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(badJSON, []byte("{"), 0o644))
	_, err = stageconf.FromFile(badJSON)
	assert.Error(t, err)

	scalarSection := filepath.Join(dir, "scalar.yaml")
	require.NoError(t, os.WriteFile(scalarSection, []byte("publish: fast\n"), 0o644))
	_, err = stageconf.FromFile(scalarSection)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a mapping")
}

// TestSectionsStage verifies default merging per stage.
func TestSectionsStage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stages.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
article_generation:
  model: gpt-4o
`), 0o644))

	sections, err := stageconf.FromFile(path)
	require.NoError(t, err)

	defaults := map[string]any{"model": "gpt-4o-mini", "max_tokens": 4096}

	// The file's model wins; the untouched default survives.
	gen := sections.Stage("article_generation", defaults)
	assert.Equal(t, "gpt-4o", gen.String("model", ""))
	assert.Equal(t, 4096, gen.Int("max_tokens", 0))

	// A stage the file never mentions gets the defaults alone.
	topic := sections.Stage("topic_analysis", defaults)
	assert.Equal(t, "gpt-4o-mini", topic.String("model", ""))

	// The zero value behaves like an empty file.
	var empty stageconf.Sections
	assert.Equal(t, "gpt-4o-mini", empty.Stage("publish", defaults).String("model", ""))
}
