package stageconf

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Sections is a parsed stage config file: stage name to settings block.
// The zero value behaves like an empty file.
type Sections struct {
	stages map[string]map[string]any
}

// FromFile reads a stage config file, picking the parser by extension
// (.yaml, .yml, .json). Every top-level entry must be a mapping; a
// scalar or list section is a malformed file, not a missing stage.
func FromFile(path string) (Sections, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Sections{}, fmt.Errorf("read stage config: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return parseSections(data, yaml.Unmarshal)
	case ".json":
		return parseSections(data, json.Unmarshal)
	default:
		return Sections{}, fmt.Errorf("unsupported stage config extension %q", ext)
	}
}

func parseSections(data []byte, unmarshal func([]byte, any) error) (Sections, error) {
	var raw map[string]any
	if err := unmarshal(data, &raw); err != nil {
		return Sections{}, fmt.Errorf("parse stage config: %w", err)
	}
	stages := make(map[string]map[string]any, len(raw))
	for name, v := range raw {
		block, ok := v.(map[string]any)
		if !ok {
			return Sections{}, fmt.Errorf("stage config: section %q is not a mapping", name)
		}
		stages[name] = block
	}
	return Sections{stages: stages}, nil
}

// Stage returns the named stage's Config. File settings win over
// defaults key by key; stages the file never mentions get the
// defaults alone.
func (s Sections) Stage(name string, defaults map[string]any) Config {
	block := s.stages[name]
	merged := make(map[string]any, len(defaults)+len(block))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range block {
		merged[k] = v
	}
	return Config{data: merged}
}
