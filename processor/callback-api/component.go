// Package callbackapi provides the request-driven processor that accepts
// executor outcome reports, validates semantic completion, and reconciles
// task, queue, and idea state.
package callbackapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/momentum/storage"
)

// Component implements the callback API processor.
type Component struct {
	name   string
	config Config
	logger *slog.Logger

	reconciler *Reconciler
	queue      queueStore

	tenantID   string
	passphrase string

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex

	// Metrics
	callbacksHandled atomic.Int64
	callbacksFailed  atomic.Int64
	lastRequestMu    sync.RWMutex
	lastRequest      time.Time
}

// NewComponent creates a new callback API processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}
	if config.Passphrase == "" {
		config.Passphrase = os.Getenv("WRITE_PASSPHRASE")
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	tenantID := config.TenantID
	if tenantID == "" {
		tenantID = os.Getenv("PRIMARY_TENANT_ID")
	}
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id required (config tenant_id or PRIMARY_TENANT_ID)")
	}

	if deps.NATSClient == nil {
		return nil, fmt.Errorf("NATS client required")
	}
	js, err := deps.NATSClient.JetStream()
	if err != nil {
		return nil, fmt.Errorf("get JetStream: %w", err)
	}

	ctx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelInit()

	stores, err := storage.NewStores(ctx, js, deps.NATSClient)
	if err != nil {
		return nil, fmt.Errorf("create stores: %w", err)
	}

	logger := deps.GetLogger()
	return &Component{
		name:       "callback-api",
		config:     config,
		logger:     logger,
		reconciler: NewReconciler(stores, logger),
		queue:      stores.Queue,
		tenantID:   tenantID,
		passphrase: config.Passphrase,
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized callback-api", "tenant_id", c.tenantID)
	return nil
}

// Start marks the component ready to serve callbacks. The HTTP handlers
// are mounted separately through RegisterHTTPHandlers.
func (c *Component) Start(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("component already running")
	}
	c.running = true
	c.startTime = time.Now()

	c.logger.Info("callback-api started")
	return nil
}

// Stop gracefully stops the component.
func (c *Component) Stop(_ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	c.running = false
	c.logger.Info("callback-api stopped",
		"callbacks_handled", c.callbacksHandled.Load(),
		"callbacks_failed", c.callbacksFailed.Load())
	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "callback-api",
		Type:        "processor",
		Description: "Accepts executor outcome callbacks and reconciles task and queue state",
		Version:     "0.1.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Inputs))
	for i, portDef := range c.config.Ports.Inputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionInput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Outputs))
	for i, portDef := range c.config.Ports.Outputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionOutput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return callbackSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	if running {
		status = "running"
	}

	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(c.callbacksFailed.Load()),
		Uptime:     time.Since(startTime),
		Status:     status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{
		MessagesPerSecond: 0,
		BytesPerSecond:    0,
		ErrorRate:         0,
		LastActivity:      c.getLastRequest(),
	}
}

func (c *Component) updateLastRequest() {
	c.lastRequestMu.Lock()
	c.lastRequest = time.Now()
	c.lastRequestMu.Unlock()
}

func (c *Component) getLastRequest() time.Time {
	c.lastRequestMu.RLock()
	defer c.lastRequestMu.RUnlock()
	return c.lastRequest
}
