package callbackapi

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the callback API component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "callback-api",
		Factory:     NewComponent,
		Schema:      callbackSchema,
		Type:        "processor",
		Protocol:    "dispatch",
		Domain:      "productivity",
		Description: "Accepts executor outcome callbacks and reconciles task and queue state",
		Version:     "0.1.0",
	})
}
