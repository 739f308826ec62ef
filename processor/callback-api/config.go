package callbackapi

import (
	"fmt"
	"reflect"

	"github.com/c360studio/semstreams/component"
)

// callbackSchema defines the configuration schema.
var callbackSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the callback API component.
type Config struct {
	// Passphrase authenticates task-scoped callbacks through the
	// X-Passphrase header. Falls back to the WRITE_PASSPHRASE
	// environment variable.
	Passphrase string `json:"passphrase,omitempty"`

	// TenantID overrides the PRIMARY_TENANT_ID environment fallback.
	TenantID string `json:"tenant_id,omitempty"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Ports: &component.PortConfig{
			Outputs: []component.PortDefinition{
				{
					Name:        "dispatch-events",
					Type:        "jetstream",
					Subject:     "dispatch.log.>",
					StreamName:  "DISPATCH",
					Description: "Reconciliation audit events",
					Required:    true,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Passphrase == "" {
		return fmt.Errorf("passphrase is required")
	}
	return nil
}
