// Package config provides configuration loading and management for Momentum.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete Momentum configuration
type Config struct {
	Tenant   TenantConfig   `yaml:"tenant"`
	Callback CallbackConfig `yaml:"callback"`
	Executor ExecutorConfig `yaml:"executor"`
	NATS     NATSConfig     `yaml:"nats"`
}

// TenantConfig resolves the tenant/user scope for single-tenant
// deployments. Multi-tenant callers pass scope per request instead.
type TenantConfig struct {
	// PrimaryTenantID is the fallback tenant for unscoped operations
	PrimaryTenantID string `yaml:"primary_tenant_id"`
	// PrimaryUserID is the fallback user for unscoped operations
	PrimaryUserID string `yaml:"primary_user_id"`
}

// CallbackConfig configures the callback API surface
type CallbackConfig struct {
	// WritePassphrase authenticates task-scoped callbacks (X-Passphrase)
	WritePassphrase string `yaml:"write_passphrase"`
	// Bind is the listen address for the callback HTTP server
	Bind string `yaml:"bind"`
}

// ExecutorConfig configures the external executor service
type ExecutorConfig struct {
	// URL is the executor service base URL
	URL string `yaml:"url"`
	// Timeout is the per-request deadline for SDK executions
	Timeout time.Duration `yaml:"timeout"`
	// ContainerTimeout is the budget granted to container executions
	ContainerTimeout time.Duration `yaml:"container_timeout"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL
	URL string `yaml:"url"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Tenant: TenantConfig{},
		Callback: CallbackConfig{
			Bind: ":8080",
		},
		Executor: ExecutorConfig{
			URL:              "http://localhost:8090",
			Timeout:          2 * time.Minute,
			ContainerTimeout: 30 * time.Minute,
		},
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Tenant.PrimaryTenantID == "" {
		return fmt.Errorf("tenant.primary_tenant_id is required")
	}
	if c.Tenant.PrimaryUserID == "" {
		return fmt.Errorf("tenant.primary_user_id is required")
	}
	if c.Callback.WritePassphrase == "" {
		return fmt.Errorf("callback.write_passphrase is required")
	}
	if c.Executor.URL == "" {
		return fmt.Errorf("executor.url is required")
	}
	if c.Executor.Timeout <= 0 {
		return fmt.Errorf("executor.timeout must be positive")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
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

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Tenant.PrimaryTenantID != "" {
		c.Tenant.PrimaryTenantID = other.Tenant.PrimaryTenantID
	}
	if other.Tenant.PrimaryUserID != "" {
		c.Tenant.PrimaryUserID = other.Tenant.PrimaryUserID
	}
	if other.Callback.WritePassphrase != "" {
		c.Callback.WritePassphrase = other.Callback.WritePassphrase
	}
	if other.Callback.Bind != "" {
		c.Callback.Bind = other.Callback.Bind
	}
	if other.Executor.URL != "" {
		c.Executor.URL = other.Executor.URL
	}
	if other.Executor.Timeout != 0 {
		c.Executor.Timeout = other.Executor.Timeout
	}
	if other.Executor.ContainerTimeout != 0 {
		c.Executor.ContainerTimeout = other.Executor.ContainerTimeout
	}
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
}

// ApplyEnv overlays environment variables on the config. Environment wins
// over every file layer; rotation requires restart.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PRIMARY_TENANT_ID"); v != "" {
		c.Tenant.PrimaryTenantID = v
	}
	if v := os.Getenv("PRIMARY_USER_ID"); v != "" {
		c.Tenant.PrimaryUserID = v
	}
	if v := os.Getenv("WRITE_PASSPHRASE"); v != "" {
		c.Callback.WritePassphrase = v
	}
	if v := os.Getenv("EXECUTOR_URL"); v != "" {
		c.Executor.URL = v
	}
	if v := os.Getenv("CALLBACK_BIND"); v != "" {
		c.Callback.Bind = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
}
