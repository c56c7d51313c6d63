package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Decode parses data as YAML when name ends in .yaml or .yml and as JSON
// otherwise. Unknown keys and trailing documents are errors.
func Decode(name string, data []byte) (*Config, error) {
	if isYAML(name) {
		converted, err := yamlToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", filepath.Base(name), err)
		}
		data = converted
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	cfg := new(Config)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(name), err)
	}
	var extra json.RawMessage
	switch err := dec.Decode(&extra); {
	case errors.Is(err, io.EOF):
		return cfg, nil
	case err == nil:
		return nil, fmt.Errorf("decode %s: trailing data after config", filepath.Base(name))
	default:
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(name), err)
	}
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// yamlToJSON routes YAML through the strict JSON decoder so both formats
// share one set of struct tags.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(jsonable(doc))
}

// jsonable converts map[any]any nodes, which encoding/json rejects.
func jsonable(node any) any {
	switch n := node.(type) {
	case map[any]any:
		out := make(map[string]any, len(n))
		for k, v := range n {
			out[fmt.Sprint(k)] = jsonable(v)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, v := range n {
			out[k] = jsonable(v)
		}
		return out
	case []any:
		out := make([]any, len(n))
		for i, v := range n {
			out[i] = jsonable(v)
		}
		return out
	default:
		return node
	}
}
