package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadSettings reads a solution settings file. The document is either one
// mapping or a list of mappings; a list is merged with earlier entries
// winning on duplicate keys. An empty file yields empty settings.
func LoadSettings(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSettings(b)
}

func ParseSettings(b []byte) (map[string]any, error) {
	var doc any
	dec := yaml.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("settings: %w", err)
	}
	switch v := doc.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	case []any:
		out := map[string]any{}
		for i, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("settings: item %d is %T, want a mapping", i, item)
			}
			for k, val := range m {
				if _, dup := out[k]; !dup {
					out[k] = val
				}
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("settings: document is %T, want a mapping or a list of mappings", doc)
}

// Settings returns the solution's method settings, reading config_file
// relative to baseDir when set.
func (s Solution) Settings(baseDir string) (map[string]any, error) {
	if s.ConfigFile == "" {
		if s.Config == nil {
			return map[string]any{}, nil
		}
		return s.Config, nil
	}
	path := s.ConfigFile
	if !filepath.IsAbs(path) && baseDir != "" {
		path = filepath.Join(baseDir, path)
	}
	m, err := LoadSettings(path)
	if err != nil {
		return nil, fmt.Errorf("solution config_file: %w", err)
	}
	return m, nil
}
