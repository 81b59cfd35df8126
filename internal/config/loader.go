package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// LoadFile loads a descriptor (HCL or JSON), applies defaults and validates it.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg *Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		cfg, err = LoadJSON(data)
	case ".hcl":
		cfg, err = LoadHCL(data, path)
	default:
		// Try HCL first, fall back to JSON
		cfg, err = LoadHCL(data, path)
		if err != nil {
			if jcfg, jerr := LoadJSON(data); jerr == nil {
				cfg, err = jcfg, nil
			}
		}
	}
	if err != nil {
		return nil, err
	}
	return finish(cfg)
}

// LoadOrDefault loads path, or returns the defaults when it does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return finish(&Config{})
	}
	return LoadFile(path)
}

// LoadHCL decodes HCL bytes without applying defaults.
func LoadHCL(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("HCL parse error: %s", diags.Error())
	}

	var cfg Config
	if diags := gohcl.DecodeBody(file.Body, nil, &cfg); diags.HasErrors() {
		return nil, fmt.Errorf("HCL decode error: %s", diags.Error())
	}
	return &cfg, nil
}

// LoadJSON decodes JSON bytes without applying defaults.
func LoadJSON(data []byte) (*Config, error) {
	var cfg Config
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("JSON parse error: %w", err)
	}
	return &cfg, nil
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyDefaults()
	if errs := cfg.Validate(); errs.HasErrors() {
		return nil, errs
	}
	return cfg, nil
}
