package taskexecutor

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the task executor component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "task-executor",
		Factory:     NewComponent,
		Schema:      executorSchema,
		Type:        "processor",
		Protocol:    "dispatch",
		Domain:      "productivity",
		Description: "Claims queued entries and routes them to the SDK or container path",
		Version:     "0.1.0",
	})
}
