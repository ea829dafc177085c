package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// Load reads a Config from path, expanding ${VAR}/$VAR references against
// the process environment before parsing. The file format is selected by
// extension: ".json"/".json5" decodes with json5, anything else with
// yaml.v3. Either format is first decoded into a raw map and then
// re-marshaled through yaml.v3 into the typed Config, a two-step that
// lets json5 and yaml documents share one struct-tag set (Config only
// carries `yaml` tags). Unknown top-level fields are rejected at that
// second step, so a typo in a config file fails at load time instead of
// silently producing a zero-value field.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config: path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))

	raw, err := parseRaw([]byte(expanded), path)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if raw == nil {
		return &Config{}, nil
	}

	cfg, err := decodeRaw(raw)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func parseRaw(data []byte, pathHint string) (map[string]any, error) {
	if isJSON5(pathHint) {
		var raw map[string]any
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		return raw, nil
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	var raw map[string]any
	if err := decoder.Decode(&raw); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}
	if err := decoder.Decode(new(struct{})); err != io.EOF {
		return nil, fmt.Errorf("expected a single document")
	}
	return raw, nil
}

func decodeRaw(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("re-serialize: %w", err)
	}
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &cfg, nil
}

func isJSON5(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		return true
	default:
		return false
	}
}
