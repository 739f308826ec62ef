package taskdispatcher

import "github.com/c360studio/semstreams/payloadregistry"

// RegisterPayloads registers the BatchDispatchEvent payload type with the
// supplied registry. Called from process bootstrap.
func RegisterPayloads(reg *payloadregistry.Registry) error {
	return reg.Register(&payloadregistry.Registration{
		Domain:      "dispatch",
		Category:    "batch",
		Version:     "v1",
		Description: "Batch dispatch result emitted after each dispatcher run",
		Factory:     func() any { return &BatchDispatchEvent{} },
	})
}
