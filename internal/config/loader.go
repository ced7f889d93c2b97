// Package config holds the daemon's runtime parameters and the file/env
// plumbing that fills them in.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and fall back to Default.
type Config struct {
	Addr           string `json:"addr" yaml:"addr" toml:"addr"`
	RegistryFile   string `json:"registry_file" yaml:"registry_file" toml:"registry_file"`
	ModelsDir      string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	BudgetMB       int    `json:"budget_mb" yaml:"budget_mb" toml:"budget_mb"`
	MarginMB       int    `json:"margin_mb" yaml:"margin_mb" toml:"margin_mb"`
	LlamaServerURL string `json:"llama_server_url" yaml:"llama_server_url" toml:"llama_server_url"`
	// Timeout bounds a single generation, as a Go duration string.
	// Empty disables the limit.
	Timeout string `json:"timeout" yaml:"timeout" toml:"timeout"`
}

// Default is the configuration used when nothing else is specified.
func Default() Config {
	return Config{
		Addr:         ":8080",
		RegistryFile: "models.json",
		ModelsDir:    "models",
		Timeout:      "2m",
	}
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// FromEnv overlays MODELSERVE_* environment variables onto cfg.
func FromEnv(cfg Config) Config {
	if v := os.Getenv("MODELSERVE_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("MODELSERVE_REGISTRY_FILE"); v != "" {
		cfg.RegistryFile = v
	}
	if v := os.Getenv("MODELSERVE_MODELS_DIR"); v != "" {
		cfg.ModelsDir = v
	}
	if v := os.Getenv("MODELSERVE_BUDGET_MB"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.BudgetMB)
	}
	if v := os.Getenv("MODELSERVE_MARGIN_MB"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.MarginMB)
	}
	if v := os.Getenv("MODELSERVE_LLAMA_SERVER_URL"); v != "" {
		cfg.LlamaServerURL = v
	}
	if v := os.Getenv("MODELSERVE_TIMEOUT"); v != "" {
		cfg.Timeout = v
	}
	return cfg
}

// Merge returns base with any non-zero fields from over taking precedence.
func Merge(base, over Config) Config {
	if over.Addr != "" {
		base.Addr = over.Addr
	}
	if over.RegistryFile != "" {
		base.RegistryFile = over.RegistryFile
	}
	if over.ModelsDir != "" {
		base.ModelsDir = over.ModelsDir
	}
	if over.BudgetMB != 0 {
		base.BudgetMB = over.BudgetMB
	}
	if over.MarginMB != 0 {
		base.MarginMB = over.MarginMB
	}
	if over.LlamaServerURL != "" {
		base.LlamaServerURL = over.LlamaServerURL
	}
	if over.Timeout != "" {
		base.Timeout = over.Timeout
	}
	return base
}

// MaxDuration parses the Timeout field. Empty means no limit.
func (c Config) MaxDuration() (time.Duration, error) {
	if c.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", c.Timeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid timeout %q: must not be negative", c.Timeout)
	}
	return d, nil
}
