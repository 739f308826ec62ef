package taskexecutor

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"
)

// executorSchema defines the configuration schema.
var executorSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the task executor component.
type Config struct {
	// PollInterval is how often queued entries are claimed.
	PollInterval time.Duration `json:"poll_interval"`

	// ClaimTimeout is how long a claim may sit without progress before it
	// reverts to queued.
	ClaimTimeout time.Duration `json:"claim_timeout"`

	// BatchLimit bounds entries claimed per tick.
	BatchLimit int `json:"batch_limit"`

	// ExecutorURL is the executor service base URL. Falls back to the
	// EXECUTOR_URL environment variable.
	ExecutorURL string `json:"executor_url,omitempty"`

	// RequestTimeout is the per-request deadline on executor service
	// calls. SDK executions run inside it.
	RequestTimeout time.Duration `json:"request_timeout"`

	// ContainerTimeoutSeconds is the budget passed to container
	// executions.
	ContainerTimeoutSeconds int `json:"container_timeout_seconds"`

	// TenantID overrides the PRIMARY_TENANT_ID environment fallback.
	TenantID string `json:"tenant_id,omitempty"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:            time.Minute,
		ClaimTimeout:            10 * time.Minute,
		BatchLimit:              10,
		RequestTimeout:          2 * time.Minute,
		ContainerTimeoutSeconds: 1800,
		Ports: &component.PortConfig{
			Outputs: []component.PortDefinition{
				{
					Name:        "dispatch-events",
					Type:        "jetstream",
					Subject:     "dispatch.log.>",
					StreamName:  "DISPATCH",
					Description: "Queue entry lifecycle events",
					Required:    true,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.ClaimTimeout <= 0 {
		return fmt.Errorf("claim_timeout must be positive")
	}
	if c.BatchLimit <= 0 {
		return fmt.Errorf("batch_limit must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if c.ContainerTimeoutSeconds <= 0 {
		return fmt.Errorf("container_timeout_seconds must be positive")
	}
	return nil
}
