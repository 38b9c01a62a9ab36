// Package config provides configuration loading and management for
// planflow.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete planflow configuration.
type Config struct {
	NATS        NATSConfig        `yaml:"nats"`
	Worker      WorkerConfig      `yaml:"worker"`
	Definitions DefinitionsConfig `yaml:"definitions"`
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	// URL is the NATS server URL.
	URL string `yaml:"url"`
	// ConnectTimeout is the maximum time to wait for the connection.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// WorkerConfig configures the worker component.
type WorkerConfig struct {
	// Queue is the bus queue group the worker consumes in.
	Queue string `yaml:"queue"`
	// Source identifies the worker on published envelopes.
	Source string `yaml:"source"`
	// DelegateEventType is the request event accepted for declarative
	// delegation.
	DelegateEventType string `yaml:"delegate_event_type"`
	// MaxAutoTransitions caps a single auto-transition chain.
	MaxAutoTransitions int `yaml:"max_auto_transitions"`
	// MaxActions is the per-plan action budget.
	MaxActions int `yaml:"max_actions"`
	// Capabilities maps capability names to the event types that
	// exercise them, for delegation specs that name a capability.
	Capabilities map[string]string `yaml:"capabilities"`
}

// DefinitionsConfig configures the plan definition library.
type DefinitionsConfig struct {
	// Dir is the definitions directory.
	Dir string `yaml:"dir"`
	// Pattern is the glob matched against paths relative to Dir.
	Pattern string `yaml:"pattern"`
	// Watch enables hot reload on file changes.
	Watch bool `yaml:"watch"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			ConnectTimeout: 10 * time.Second,
		},
		Worker: WorkerConfig{
			Queue:              "planflow-workers",
			Source:             "planflow-worker",
			DelegateEventType:  "task.delegate",
			MaxAutoTransitions: 16,
			MaxActions:         64,
		},
		Definitions: DefinitionsConfig{
			Dir:     "definitions",
			Pattern: "**/*.yaml",
			Watch:   true,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.Worker.Queue == "" {
		return fmt.Errorf("worker.queue is required")
	}
	if c.Definitions.Dir == "" {
		return fmt.Errorf("definitions.dir is required")
	}
	if c.Worker.MaxAutoTransitions < 0 {
		return fmt.Errorf("worker.max_auto_transitions must be non-negative")
	}
	if c.Worker.MaxActions < 0 {
		return fmt.Errorf("worker.max_actions must be non-negative")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file, merged over
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.ConnectTimeout != 0 {
		c.NATS.ConnectTimeout = other.NATS.ConnectTimeout
	}

	if other.Worker.Queue != "" {
		c.Worker.Queue = other.Worker.Queue
	}
	if other.Worker.Source != "" {
		c.Worker.Source = other.Worker.Source
	}
	if other.Worker.DelegateEventType != "" {
		c.Worker.DelegateEventType = other.Worker.DelegateEventType
	}
	if other.Worker.MaxAutoTransitions != 0 {
		c.Worker.MaxAutoTransitions = other.Worker.MaxAutoTransitions
	}
	if other.Worker.MaxActions != 0 {
		c.Worker.MaxActions = other.Worker.MaxActions
	}
	if len(other.Worker.Capabilities) > 0 {
		c.Worker.Capabilities = other.Worker.Capabilities
	}

	if other.Definitions.Dir != "" {
		c.Definitions.Dir = other.Definitions.Dir
	}
	if other.Definitions.Pattern != "" {
		c.Definitions.Pattern = other.Definitions.Pattern
	}
	if other.Definitions.Watch {
		c.Definitions.Watch = true
	}
}
