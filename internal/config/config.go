package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models stagehand.yml: the defaults the controller applies when
// a spec leaves them out, and the write discipline for status updates.
type Config struct {
	Registry struct {
		// Prefix prepended to bare image names, e.g. registry.example.com/apps.
		Prefix string `yaml:"prefix"`
	} `yaml:"registry"`
	Defaults struct {
		// Manifest path assumed when a spec omits one.
		Path string `yaml:"path"`
		// Builder image for buildpack-based builds.
		Builder string `yaml:"builder"`
		// Whether sync mode is on unless a spec says otherwise.
		Sync bool `yaml:"sync"`
	} `yaml:"defaults"`
	Status struct {
		// Retries on resource-version conflict before a status write
		// is surfaced as an error.
		WriteRetries int `yaml:"write_retries"`
	} `yaml:"status"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with stagehand config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Defaults.Path == "" {
		return fmt.Errorf("config.defaults.path is required")
	}
	if !strings.HasSuffix(c.Defaults.Path, ".toml") {
		return fmt.Errorf("config.defaults.path must point at a .amp.toml manifest")
	}
	if c.Defaults.Builder == "" {
		return fmt.Errorf("config.defaults.builder is required")
	}
	if c.Status.WriteRetries < 0 {
		return fmt.Errorf("config.status.write_retries must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stagehand.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `registry:
  prefix: ""

defaults:
  path: ./.amp.toml
  builder: paketobuildpacks/builder-jammy-base
  sync: false

status:
  write_retries: 3
`
