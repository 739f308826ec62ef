// Package taskdispatcher provides the processor that selects ready tasks,
// classifies them, enforces the circuit breaker, and inserts queue entries
// for the executor. It runs periodically and on demand through POST
// /api/dispatch/ready.
package taskdispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/natsclient"

	"github.com/c360studio/momentum/dispatch"
	"github.com/c360studio/momentum/metrics"
	"github.com/c360studio/momentum/secrets"
	"github.com/c360studio/momentum/storage"
)

// taskSource is the slice of the task store the dispatcher uses. Satisfied
// by storage.TaskStore.
type taskSource interface {
	ListByStatus(ctx context.Context, tenantID, userID string, status storage.TaskStatus, limit int) ([]*storage.Task, error)
	SetStatus(ctx context.Context, tenantID, id string, to storage.TaskStatus, notes string) (*storage.Task, error)
}

// queueSink is the slice of the queue store the dispatcher uses. Satisfied
// by storage.QueueStore.
type queueSink interface {
	HasLive(ctx context.Context, tenantID, taskID string) (bool, error)
	Enqueue(ctx context.Context, e *storage.QueueEntry) error
}

// logSink appends audit rows. Satisfied by storage.DispatchLogStore.
type logSink interface {
	Append(ctx context.Context, e *storage.DispatchLogEntry) error
}

// Component implements the task dispatcher processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	tasks     taskSource
	queue     queueSink
	log       logSink
	breaker   *dispatch.CircuitBreaker
	decryptor secrets.Decryptor

	tenantID string
	userID   string

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	runsPerformed   atomic.Int64
	tasksDispatched atomic.Int64
	tasksSkipped    atomic.Int64
	breakerTrips    atomic.Int64
	lastRunMu       sync.RWMutex
	lastRun         time.Time
}

// NewComponent creates a new task dispatcher processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.DispatchInterval == 0 {
		config.DispatchInterval = defaults.DispatchInterval
	}
	if config.BatchLimit == 0 {
		config.BatchLimit = defaults.BatchLimit
	}
	if config.QuarantineThreshold == 0 {
		config.QuarantineThreshold = defaults.QuarantineThreshold
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	tenantID := config.TenantID
	if tenantID == "" {
		tenantID = os.Getenv("PRIMARY_TENANT_ID")
	}
	userID := config.UserID
	if userID == "" {
		userID = os.Getenv("PRIMARY_USER_ID")
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
	keys, err := secrets.NewKeyStore(ctx, js)
	if err != nil {
		return nil, fmt.Errorf("create key store: %w", err)
	}

	breaker := dispatch.NewCircuitBreaker(stores.Log)
	breaker.Threshold = config.QuarantineThreshold

	return &Component{
		name:       "task-dispatcher",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
		tasks:      stores.Tasks,
		queue:      stores.Queue,
		log:        stores.Log,
		breaker:    breaker,
		decryptor:  secrets.NewAESDecryptor(keys),
		tenantID:   tenantID,
		userID:     userID,
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized task-dispatcher",
		"dispatch_interval", c.config.DispatchInterval,
		"batch_limit", c.config.BatchLimit,
		"tenant_id", c.tenantID)
	return nil
}

// Start begins periodic dispatching.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}

	c.running = true
	c.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	go c.dispatchLoop(subCtx)

	c.logger.Info("task-dispatcher started",
		"dispatch_interval", c.config.DispatchInterval,
		"batch_limit", c.config.BatchLimit)

	return nil
}

// dispatchLoop runs dispatch on the configured interval.
func (c *Component) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.DispatchInterval)
	defer ticker.Stop()

	// Run immediately on start
	c.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runOnce(ctx)
		}
	}
}

func (c *Component) runOnce(ctx context.Context) {
	result, err := c.DispatchReady(ctx, &DispatchRequest{})
	if err != nil {
		c.logger.Error("periodic dispatch failed", "error", err)
		return
	}
	if result.Dispatched > 0 || result.Skipped > 0 {
		c.logger.Info("periodic dispatch finished",
			"dispatched", result.Dispatched,
			"skipped", result.Skipped)
	}
}

// DispatchRequest narrows one dispatch run.
type DispatchRequest struct {
	// ExecutorType, when set, only dispatches tasks classified to it.
	ExecutorType string `json:"executor_type,omitempty"`

	// Limit caps candidates for this run; 0 uses the configured batch
	// limit.
	Limit int `json:"limit,omitempty"`
}

// DispatchedTask reports one created queue entry.
type DispatchedTask struct {
	TaskID       string               `json:"task_id"`
	QueueEntryID string               `json:"queue_entry_id"`
	ExecutorType storage.ExecutorType `json:"executor_type"`
	Priority     int                  `json:"priority"`
}

// DispatchResult reports one batch run.
type DispatchResult struct {
	Dispatched int              `json:"dispatched"`
	Skipped    int              `json:"skipped"`
	ByExecutor map[string]int   `json:"by_executor"`
	Tasks      []DispatchedTask `json:"tasks"`
}

// DispatchReady selects ready tasks and inserts queue entries. A failed
// candidate is skipped; it never aborts the batch.
func (c *Component) DispatchReady(ctx context.Context, req *DispatchRequest) (*DispatchResult, error) {
	c.runsPerformed.Add(1)
	c.updateLastRun()

	limit := req.Limit
	if limit <= 0 || limit > c.config.BatchLimit {
		limit = c.config.BatchLimit
	}

	candidates, err := c.tasks.ListByStatus(ctx, c.tenantID, c.userID, storage.TaskStatusNext, limit)
	if err != nil {
		return nil, fmt.Errorf("list ready tasks: %w", err)
	}

	result := &DispatchResult{ByExecutor: map[string]int{}}
	for _, task := range candidates {
		dispatched, err := c.dispatchOne(ctx, task, req, result)
		if err != nil {
			c.logger.Warn("dispatch candidate failed",
				"task_id", task.ID,
				"error", err)
			result.Skipped++
			continue
		}
		if !dispatched {
			result.Skipped++
		}
	}

	c.tasksDispatched.Add(int64(result.Dispatched))
	c.tasksSkipped.Add(int64(result.Skipped))
	c.publishBatchEvent(ctx, result)
	return result, nil
}

// dispatchOne takes a single candidate through the skip checks, the
// breaker, classification, and queue insertion.
func (c *Component) dispatchOne(ctx context.Context, task *storage.Task, req *DispatchRequest, result *DispatchResult) (bool, error) {
	// A live queue entry means a previous run already dispatched this
	// task. Re-checking here makes retries idempotent.
	live, err := c.queue.HasLive(ctx, c.tenantID, task.ID)
	if err != nil {
		return false, fmt.Errorf("check live entry: %w", err)
	}
	if live {
		metrics.TasksSkipped.WithLabelValues("live_entry").Inc()
		return false, nil
	}

	verdict, err := c.breaker.Check(ctx, c.tenantID, task.ID)
	if err != nil {
		return false, fmt.Errorf("circuit breaker: %w", err)
	}
	if verdict.Tripped {
		return false, c.tripBreaker(ctx, task, verdict)
	}

	title, err := c.decryptor.Decrypt(ctx, c.tenantID, task.Title)
	if err != nil {
		return false, fmt.Errorf("decrypt title: %w", err)
	}

	if !c.domainMatches(task.Domain) {
		metrics.TasksSkipped.WithLabelValues("domain_filter").Inc()
		return false, nil
	}

	executorType, matchedTag := dispatch.Classify(title)
	if req.ExecutorType != "" && string(executorType) != req.ExecutorType {
		metrics.TasksSkipped.WithLabelValues("executor_filter").Inc()
		return false, nil
	}

	snapshot, err := c.contextSnapshot(ctx, task, title)
	if err != nil {
		return false, fmt.Errorf("build context snapshot: %w", err)
	}

	entry := &storage.QueueEntry{
		TenantID:     c.tenantID,
		TaskID:       task.ID,
		UserID:       task.UserID,
		ExecutorType: executorType,
		Priority:     task.Priority(),
		Context:      snapshot,
	}
	if err := c.queue.Enqueue(ctx, entry); err != nil {
		if err == storage.ErrLiveEntryExists {
			// Lost the race to a concurrent dispatcher.
			metrics.TasksSkipped.WithLabelValues("live_entry").Inc()
			return false, nil
		}
		return false, fmt.Errorf("enqueue: %w", err)
	}

	details, _ := json.Marshal(map[string]any{
		"priority":    entry.Priority,
		"matched_tag": matchedTag,
	})
	if err := c.log.Append(ctx, &storage.DispatchLogEntry{
		TenantID:     c.tenantID,
		QueueEntryID: entry.ID,
		TaskID:       task.ID,
		ExecutorType: executorType,
		Action:       storage.ActionQueued,
		Details:      details,
	}); err != nil {
		c.logger.Warn("append queued log failed",
			"task_id", task.ID,
			"error", err)
	}

	metrics.TasksDispatched.WithLabelValues(string(executorType)).Inc()
	result.Dispatched++
	result.ByExecutor[string(executorType)]++
	result.Tasks = append(result.Tasks, DispatchedTask{
		TaskID:       task.ID,
		QueueEntryID: entry.ID,
		ExecutorType: executorType,
		Priority:     entry.Priority,
	})

	c.logger.Info("task dispatched",
		"task_id", task.ID,
		"queue_entry_id", entry.ID,
		"executor_type", executorType,
		"priority", entry.Priority)
	return true, nil
}

// tripBreaker latches a tripped task: log the trip, cancel the task.
func (c *Component) tripBreaker(ctx context.Context, task *storage.Task, verdict dispatch.BreakerResult) error {
	c.breakerTrips.Add(1)
	metrics.BreakerTrips.Inc()
	metrics.TasksSkipped.WithLabelValues("breaker_tripped").Inc()

	details, _ := json.Marshal(verdict)
	if err := c.log.Append(ctx, &storage.DispatchLogEntry{
		TenantID: c.tenantID,
		TaskID:   task.ID,
		Action:   storage.ActionBreakerTripped,
		Details:  details,
	}); err != nil {
		return fmt.Errorf("append breaker log: %w", err)
	}

	if _, err := c.tasks.SetStatus(ctx, c.tenantID, task.ID, storage.TaskStatusCancelled, verdict.Reason); err != nil {
		return fmt.Errorf("cancel tripped task: %w", err)
	}

	c.logger.Warn("circuit breaker tripped",
		"task_id", task.ID,
		"quarantine_count", verdict.QuarantineCount)
	return nil
}

func (c *Component) domainMatches(domain string) bool {
	if len(c.config.DomainPatterns) == 0 {
		return true
	}
	for _, pattern := range c.config.DomainPatterns {
		if ok, err := doublestar.Match(pattern, domain); err == nil && ok {
			return true
		}
	}
	return false
}

// taskContext is the JSON snapshot of the task handed to executors.
// Executors never read the task row; this is all they see.
type taskContext struct {
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	ProjectID       string     `json:"project_id,omitempty"`
	Domain          string     `json:"domain,omitempty"`
	DueDate         *time.Time `json:"due_date,omitempty"`
	EnergyRequired  string     `json:"energy_required,omitempty"`
	SourceType      string     `json:"source_type,omitempty"`
	SourceReference string     `json:"source_reference,omitempty"`
}

func (c *Component) contextSnapshot(ctx context.Context, task *storage.Task, title string) (json.RawMessage, error) {
	description, err := c.decryptor.Decrypt(ctx, c.tenantID, task.Description)
	if err != nil {
		return nil, fmt.Errorf("decrypt description: %w", err)
	}
	return json.Marshal(taskContext{
		Title:           title,
		Description:     description,
		ProjectID:       task.ProjectID,
		Domain:          task.Domain,
		DueDate:         task.DueDate,
		EnergyRequired:  task.EnergyRequired,
		SourceType:      task.SourceType,
		SourceReference: task.SourceReference,
	})
}

// publishBatchEvent mirrors the batch result onto the DISPATCH stream.
func (c *Component) publishBatchEvent(ctx context.Context, result *DispatchResult) {
	if c.natsClient == nil || result.Dispatched == 0 {
		return
	}

	event := BatchDispatchEvent{
		TenantID:   c.tenantID,
		Dispatched: result.Dispatched,
		Skipped:    result.Skipped,
		ByExecutor: result.ByExecutor,
		Timestamp:  time.Now().UTC(),
	}
	baseMsg := message.NewBaseMessage(BatchDispatchEventType, &event, "task-dispatcher")
	data, err := json.Marshal(baseMsg)
	if err != nil {
		c.logger.Warn("marshal batch event failed", "error", err)
		return
	}

	subject := fmt.Sprintf("dispatch.batch.%s", c.tenantID)
	if err := c.natsClient.PublishToStream(ctx, subject, data); err != nil {
		c.logger.Warn("publish batch event failed",
			"subject", subject,
			"error", err)
	}
}

// Stop gracefully stops the component.
func (c *Component) Stop(_ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	if c.cancel != nil {
		c.cancel()
	}

	c.running = false
	c.logger.Info("task-dispatcher stopped",
		"runs_performed", c.runsPerformed.Load(),
		"tasks_dispatched", c.tasksDispatched.Load(),
		"tasks_skipped", c.tasksSkipped.Load(),
		"breaker_trips", c.breakerTrips.Load())

	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "task-dispatcher",
		Type:        "processor",
		Description: "Selects ready tasks, classifies them, and inserts queue entries",
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
	return dispatcherSchema
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
		ErrorCount: 0,
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
		LastActivity:      c.getLastRun(),
	}
}

func (c *Component) updateLastRun() {
	c.lastRunMu.Lock()
	c.lastRun = time.Now()
	c.lastRunMu.Unlock()
}

func (c *Component) getLastRun() time.Time {
	c.lastRunMu.RLock()
	defer c.lastRunMu.RUnlock()
	return c.lastRun
}

// BatchDispatchEvent reports a dispatch batch on the DISPATCH stream.
type BatchDispatchEvent struct {
	TenantID   string         `json:"tenant_id"`
	Dispatched int            `json:"dispatched"`
	Skipped    int            `json:"skipped"`
	ByExecutor map[string]int `json:"by_executor,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Schema returns the message type for this payload.
func (e *BatchDispatchEvent) Schema() message.Type {
	return BatchDispatchEventType
}

// Validate validates the event.
func (e *BatchDispatchEvent) Validate() error {
	if e.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	return nil
}

// MarshalJSON marshals the event to JSON.
func (e *BatchDispatchEvent) MarshalJSON() ([]byte, error) {
	type Alias BatchDispatchEvent
	return json.Marshal((*Alias)(e))
}

// UnmarshalJSON unmarshals the event from JSON.
func (e *BatchDispatchEvent) UnmarshalJSON(data []byte) error {
	type Alias BatchDispatchEvent
	return json.Unmarshal(data, (*Alias)(e))
}

// BatchDispatchEventType is the message type for batch dispatch events.
var BatchDispatchEventType = message.Type{
	Domain:   "dispatch",
	Category: "batch",
	Version:  "v1",
}
