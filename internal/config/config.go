// Package config loads the server configuration file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Backend selects and parameterizes a storage backend.
type Backend struct {
	// Type is one of "memory", "sqlite", "pebble" or "etcd".
	Type string `yaml:"type"`
	// Path is the database file (sqlite) or directory (pebble).
	Path string `yaml:"path"`
	// Endpoints lists etcd cluster endpoints.
	Endpoints []string `yaml:"endpoints"`
	// Root is the etcd key prefix under which objects live.
	Root string `yaml:"root"`
}

// Config is the top-level server configuration.
type Config struct {
	// Listen is the HTTP bind address.
	Listen string `yaml:"listen"`
	// SchemaFile is the path to the schema definition (.json or .cue).
	SchemaFile string `yaml:"schema"`
	// AuthEntity names the entity holding user accounts for HTTP
	// authentication. Empty disables authentication.
	AuthEntity string `yaml:"auth_entity"`
	Backend    Backend `yaml:"backend"`
}

var backendTypes = map[string]bool{
	"memory": true,
	"sqlite": true,
	"pebble": true,
	"etcd":   true,
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse validates YAML configuration data.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		Listen: ":8636",
		Backend: Backend{
			Type: "memory",
		},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.SchemaFile == "" {
		return fmt.Errorf("config: schema file is required")
	}
	if !backendTypes[c.Backend.Type] {
		return fmt.Errorf("config: unknown backend type %q", c.Backend.Type)
	}
	switch c.Backend.Type {
	case "sqlite", "pebble":
		if c.Backend.Path == "" {
			return fmt.Errorf("config: backend %q requires a path", c.Backend.Type)
		}
	case "etcd":
		if len(c.Backend.Endpoints) == 0 {
			return fmt.Errorf("config: backend etcd requires endpoints")
		}
	}
	return nil
}
