package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// LoadFile loads a config file (HCL or JSON) and validates it.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg *Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		cfg, err = LoadJSON(data)
	default:
		cfg, err = LoadHCL(data, path)
	}
	if err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); errs.HasErrors() {
		return nil, errs
	}
	return cfg, nil
}

// LoadHCL decodes HCL bytes. Expressions may use env.NAME and a few string
// functions.
func LoadHCL(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("HCL parse error: %s", diags.Error())
	}

	var versionProbe struct {
		SchemaVersion string   `hcl:"schema_version,optional"`
		Remain        hcl.Body `hcl:",remain"`
	}
	_ = gohcl.DecodeBody(file.Body, nil, &versionProbe)
	if err := checkVersion(versionProbe.SchemaVersion); err != nil {
		return nil, err
	}

	var cfg Config
	diags = gohcl.DecodeBody(file.Body, EvalContext(), &cfg)
	if diags.HasErrors() {
		return nil, fmt.Errorf("HCL decode error: %s", diags.Error())
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = CurrentSchemaVersion
	}
	return &cfg, nil
}

// LoadJSON decodes the JSON form of the configuration.
func LoadJSON(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("JSON decode error: %w", err)
	}
	if err := checkVersion(cfg.SchemaVersion); err != nil {
		return nil, err
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = CurrentSchemaVersion
	}
	return &cfg, nil
}

func checkVersion(s string) error {
	version, err := ParseVersion(s)
	if err != nil {
		return fmt.Errorf("invalid schema version: %w", err)
	}
	current, _ := ParseVersion(CurrentSchemaVersion)
	if !version.IsCompatible(current) {
		return fmt.Errorf("unsupported config schema version %s (supported: %v)", version, SupportedVersions)
	}
	return nil
}

// EvalContext exposes the process environment as env and a small set of
// string functions to configuration expressions.
func EvalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !hclsyntax.ValidIdentifier(k) {
			continue
		}
		vars[k] = cty.StringVal(v)
	}
	env := cty.EmptyObjectVal
	if len(vars) > 0 {
		env = cty.ObjectVal(vars)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": env},
		Functions: map[string]function.Function{
			"lower":    stdlib.LowerFunc,
			"upper":    stdlib.UpperFunc,
			"format":   stdlib.FormatFunc,
			"join":     stdlib.JoinFunc,
			"coalesce": stdlib.CoalesceFunc,
		},
	}
}

// Format returns data in canonical HCL formatting.
func Format(data []byte, filename string) ([]byte, error) {
	if _, diags := hclwrite.ParseConfig(data, filename, hcl.Pos{Line: 1, Column: 1}); diags.HasErrors() {
		return nil, fmt.Errorf("HCL parse error: %s", diags.Error())
	}
	return hclwrite.Format(data), nil
}
