package taskdispatcher

import (
	"fmt"
	"reflect"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/c360studio/semstreams/component"
)

// dispatcherSchema defines the configuration schema.
var dispatcherSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the task dispatcher component.
type Config struct {
	// DispatchInterval is how often the periodic dispatch runs.
	DispatchInterval time.Duration `json:"dispatch_interval"`

	// BatchLimit bounds the tasks considered per run so one tick cannot
	// starve the next.
	BatchLimit int `json:"batch_limit"`

	// QuarantineThreshold is the circuit breaker trip point.
	QuarantineThreshold int `json:"quarantine_threshold"`

	// DomainPatterns restricts dispatch to tasks whose domain matches one
	// of these globs. Empty means all domains.
	DomainPatterns []string `json:"domain_patterns,omitempty"`

	// TenantID overrides the PRIMARY_TENANT_ID environment fallback.
	TenantID string `json:"tenant_id,omitempty"`

	// UserID overrides the PRIMARY_USER_ID environment fallback.
	UserID string `json:"user_id,omitempty"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		DispatchInterval:    15 * time.Minute,
		BatchLimit:          25,
		QuarantineThreshold: 3,
		Ports: &component.PortConfig{
			Outputs: []component.PortDefinition{
				{
					Name:        "dispatch-events",
					Type:        "jetstream",
					Subject:     "dispatch.batch.>",
					StreamName:  "DISPATCH",
					Description: "Publish batch dispatch results",
					Required:    true,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DispatchInterval <= 0 {
		return fmt.Errorf("dispatch_interval must be positive")
	}
	if c.BatchLimit <= 0 {
		return fmt.Errorf("batch_limit must be positive")
	}
	if c.QuarantineThreshold <= 0 {
		return fmt.Errorf("quarantine_threshold must be positive")
	}
	for _, pattern := range c.DomainPatterns {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid domain pattern %q", pattern)
		}
	}
	return nil
}
