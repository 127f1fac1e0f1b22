package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml"
	yaml "gopkg.in/yaml.v3"

	"github.com/wbbpad/wbbpad/mapping"
)

// LoadMappingFile reads a mapping file, choosing the format by extension
// (.json, .yaml/.yml, .toml; anything else is read as JSON). Unknown top
// level keys are rejected.
func LoadMappingFile(path string) (mapping.Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return mapping.Settings{}, fmt.Errorf("read mapping file: %w", err)
	}
	return ParseMapping(data, formatOf(path))
}

// ParseMapping decodes a mapping document in the given format.
func ParseMapping(data []byte, format string) (mapping.Settings, error) {
	var s mapping.Settings
	switch format {
	case "yaml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
			return mapping.Settings{}, fmt.Errorf("%w: yaml: %w", mapping.ErrConfigurationInvalid, err)
		}
	case "toml":
		tree, err := toml.LoadBytes(data)
		if err != nil {
			return mapping.Settings{}, fmt.Errorf("%w: toml: %w", mapping.ErrConfigurationInvalid, err)
		}
		// round trip through JSON so integer thresholds decode as floats
		js, err := json.Marshal(tree.ToMap())
		if err != nil {
			return mapping.Settings{}, fmt.Errorf("%w: toml: %w", mapping.ErrConfigurationInvalid, err)
		}
		if err := decodeJSON(js, &s); err != nil {
			return mapping.Settings{}, fmt.Errorf("%w: toml: %w", mapping.ErrConfigurationInvalid, err)
		}
	default:
		if err := decodeJSON(data, &s); err != nil {
			return mapping.Settings{}, fmt.Errorf("%w: json: %w", mapping.ErrConfigurationInvalid, err)
		}
	}
	return s, nil
}

// MarshalMapping renders s in the given format.
func MarshalMapping(s mapping.Settings, format string) ([]byte, error) {
	switch format {
	case "yaml":
		return yaml.Marshal(s)
	case "toml":
		return toml.Marshal(s)
	default:
		return json.MarshalIndent(s, "", "  ")
	}
}

func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	default:
		return "json"
	}
}
