// Package taskexecutor provides the processor that claims queued ai and
// human-ai entries, routes each to the SDK quick path or the container
// path, and reverts claims that sit past the claim timeout.
package taskexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/google/uuid"

	"github.com/c360studio/momentum/dispatch"
	"github.com/c360studio/momentum/executor"
	"github.com/c360studio/momentum/metrics"
	"github.com/c360studio/momentum/storage"
)

// queueAccess is the slice of the queue store the executor uses. Satisfied
// by storage.QueueStore.
type queueAccess interface {
	ListQueued(ctx context.Context, tenantID string, types []storage.ExecutorType, limit int) ([]*storage.QueueEntry, error)
	Claim(ctx context.Context, tenantID, id, token string) (*storage.QueueEntry, error)
	Revert(ctx context.Context, tenantID, id string) (*storage.QueueEntry, error)
	MarkDispatched(ctx context.Context, tenantID, id, workflowInstanceID string) (*storage.QueueEntry, error)
	Finish(ctx context.Context, tenantID, id string, to storage.QueueStatus, result, errText string) (*storage.QueueEntry, error)
	StaleClaims(ctx context.Context, tenantID string, timeout time.Duration) ([]*storage.QueueEntry, error)
}

// taskSink updates task rows after synchronous executions. Satisfied by
// storage.TaskStore.
type taskSink interface {
	Get(ctx context.Context, tenantID, id string) (*storage.Task, error)
	SetStatus(ctx context.Context, tenantID, id string, to storage.TaskStatus, notes string) (*storage.Task, error)
	ListDependents(ctx context.Context, tenantID, taskID string) ([]*storage.Task, error)
}

// logSink appends audit rows. Satisfied by storage.DispatchLogStore.
type logSink interface {
	Append(ctx context.Context, e *storage.DispatchLogEntry) error
}

// executorService is the outbound executor client surface. Satisfied by
// executor.Client.
type executorService interface {
	ExecuteSDK(ctx context.Context, req *executor.SDKRequest) (*executor.SDKResponse, error)
	ExecuteContainer(ctx context.Context, req *executor.ContainerRequest) (*executor.ContainerResponse, error)
}

// Component implements the task executor processor.
type Component struct {
	name   string
	config Config
	logger *slog.Logger

	queue    queueAccess
	tasks    taskSink
	log      logSink
	client   executorService
	promoter *dispatch.Promoter

	tenantID string

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	runsPerformed  atomic.Int64
	entriesClaimed atomic.Int64
	claimsReverted atomic.Int64
	lastRunMu      sync.RWMutex
	lastRun        time.Time
}

// NewComponent creates a new task executor processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.PollInterval == 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.ClaimTimeout == 0 {
		config.ClaimTimeout = defaults.ClaimTimeout
	}
	if config.BatchLimit == 0 {
		config.BatchLimit = defaults.BatchLimit
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.ContainerTimeoutSeconds == 0 {
		config.ContainerTimeoutSeconds = defaults.ContainerTimeoutSeconds
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
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id required (config tenant_id or PRIMARY_TENANT_ID)")
	}

	executorURL := config.ExecutorURL
	if executorURL == "" {
		executorURL = os.Getenv("EXECUTOR_URL")
	}
	if executorURL == "" {
		return nil, fmt.Errorf("executor url required (config executor_url or EXECUTOR_URL)")
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
		name:     "task-executor",
		config:   config,
		logger:   logger,
		queue:    stores.Queue,
		tasks:    stores.Tasks,
		log:      stores.Log,
		client: executor.NewClient(executorURL,
			executor.WithTimeout(config.RequestTimeout),
			executor.WithLogger(logger)),
		promoter: dispatch.NewPromoter(stores.Tasks, logger),
		tenantID: tenantID,
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized task-executor",
		"poll_interval", c.config.PollInterval,
		"claim_timeout", c.config.ClaimTimeout,
		"tenant_id", c.tenantID)
	return nil
}

// Start begins the periodic claim loop.
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

	go c.claimLoop(subCtx)

	c.logger.Info("task-executor started",
		"poll_interval", c.config.PollInterval,
		"claim_timeout", c.config.ClaimTimeout)

	return nil
}

// claimLoop reverts stale claims and claims new work on the configured
// interval.
func (c *Component) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	// Run immediately on start
	c.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunResult reports one claim-loop tick.
type RunResult struct {
	Reverted   int `json:"reverted"`
	Claimed    int `json:"claimed"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Dispatched int `json:"dispatched"`
}

// RunOnce reverts stale claims, then claims and executes queued entries in
// priority order. A failed entry never aborts the batch.
func (c *Component) RunOnce(ctx context.Context) *RunResult {
	c.runsPerformed.Add(1)
	c.updateLastRun()

	result := &RunResult{}
	c.revertStaleClaims(ctx, result)

	entries, err := c.queue.ListQueued(ctx, c.tenantID,
		[]storage.ExecutorType{storage.ExecutorAI, storage.ExecutorHumanAI},
		c.config.BatchLimit)
	if err != nil {
		c.logger.Error("list queued entries failed", "error", err)
		return result
	}

	for _, entry := range entries {
		if err := c.executeOne(ctx, entry, result); err != nil {
			c.logger.Warn("execute entry failed",
				"queue_entry_id", entry.ID,
				"task_id", entry.TaskID,
				"error", err)
		}
	}

	if result.Claimed > 0 || result.Reverted > 0 {
		c.logger.Info("claim run finished",
			"claimed", result.Claimed,
			"completed", result.Completed,
			"failed", result.Failed,
			"dispatched", result.Dispatched,
			"reverted", result.Reverted)
	}
	return result
}

// revertStaleClaims pushes claims older than the claim timeout back to
// queued so another run can pick them up.
func (c *Component) revertStaleClaims(ctx context.Context, result *RunResult) {
	stale, err := c.queue.StaleClaims(ctx, c.tenantID, c.config.ClaimTimeout)
	if err != nil {
		c.logger.Error("list stale claims failed", "error", err)
		return
	}

	for _, entry := range stale {
		if _, err := c.queue.Revert(ctx, c.tenantID, entry.ID); err != nil {
			c.logger.Warn("revert stale claim failed",
				"queue_entry_id", entry.ID,
				"error", err)
			continue
		}

		details, _ := json.Marshal(map[string]string{"reason": dispatch.ReasonClaimTimeout})
		c.appendLog(ctx, entry, storage.ActionFailed, details)

		metrics.ClaimsReverted.Inc()
		c.claimsReverted.Add(1)
		result.Reverted++
		c.logger.Warn("stale claim reverted to queued",
			"queue_entry_id", entry.ID,
			"task_id", entry.TaskID,
			"claimed_at", entry.ClaimedAt)
	}
}

// executeOne claims a single entry and routes it to the SDK or container
// path.
func (c *Component) executeOne(ctx context.Context, entry *storage.QueueEntry, result *RunResult) error {
	token := uuid.New().String()
	claimed, err := c.queue.Claim(ctx, c.tenantID, entry.ID, token)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Another executor got there first.
			return nil
		}
		return fmt.Errorf("claim entry: %w", err)
	}
	c.entriesClaimed.Add(1)
	result.Claimed++
	c.appendLog(ctx, claimed, storage.ActionClaimed, nil)

	var snapshot taskSnapshot
	if len(claimed.Context) > 0 {
		if err := json.Unmarshal(claimed.Context, &snapshot); err != nil {
			return c.failEntry(ctx, claimed, result, fmt.Sprintf("invalid context snapshot: %v", err))
		}
	}

	if snapshot.containerPath() {
		return c.runContainer(ctx, claimed, &snapshot, result)
	}
	return c.runSDK(ctx, claimed, &snapshot, result)
}

// taskSnapshot mirrors the context snapshot written at dispatch time.
type taskSnapshot struct {
	Title           string `json:"title"`
	Description     string `json:"description,omitempty"`
	SourceType      string `json:"source_type,omitempty"`
	SourceReference string `json:"source_reference,omitempty"`
}

// containerPath reports whether the entry needs an isolated workspace. Code
// tasks carry a repository reference; everything else fits the quick path.
func (s *taskSnapshot) containerPath() bool {
	return s.SourceType == "repo" || s.SourceReference != ""
}

func (s *taskSnapshot) prompt() string {
	if s.Description == "" {
		return s.Title
	}
	return s.Title + "\n\n" + s.Description
}

// runSDK executes the quick path: the entry completes or fails
// synchronously.
func (c *Component) runSDK(ctx context.Context, entry *storage.QueueEntry, snapshot *taskSnapshot, result *RunResult) error {
	metrics.ExecutionsStarted.WithLabelValues("sdk").Inc()

	resp, err := c.client.ExecuteSDK(ctx, &executor.SDKRequest{Prompt: snapshot.prompt()})
	if err != nil {
		if executor.IsTransient(err) {
			// Leave the claim in place; the claim timeout reverts it
			// if the executor stays down.
			return fmt.Errorf("sdk execution: %w", err)
		}
		return c.failEntry(ctx, entry, result, err.Error())
	}

	outcome := dispatch.NormalizeOutcome(&dispatch.CallbackEnvelope{
		Success: &resp.Success,
		Result:  resp.Result,
		Error:   resp.Error,
	})
	outcome.ApplySemanticCheck()
	if outcome.DowngradeReason != "" {
		metrics.SemanticDowngrades.WithLabelValues(outcome.DowngradeReason).Inc()
	}

	if !outcome.Success {
		errText := outcome.Error
		if errText == "" {
			errText = outcome.MatchedIndicator
		}
		return c.failEntry(ctx, entry, result, errText)
	}

	if _, err := c.queue.Finish(ctx, c.tenantID, entry.ID, storage.QueueStatusCompleted, outcome.Result, ""); err != nil {
		return fmt.Errorf("finish entry: %w", err)
	}
	if _, err := c.tasks.SetStatus(ctx, c.tenantID, entry.TaskID, storage.TaskStatusCompleted, ""); err != nil {
		return fmt.Errorf("complete task: %w", err)
	}

	details, _ := json.Marshal(map[string]any{
		"path":        "sdk",
		"tokens_used": resp.TokensUsed,
	})
	c.appendLog(ctx, entry, storage.ActionCompleted, details)

	result.Completed++
	promoted := c.promoter.Promote(ctx, c.tenantID, entry.TaskID)
	c.logger.Info("sdk execution completed",
		"queue_entry_id", entry.ID,
		"task_id", entry.TaskID,
		"promoted", promoted.Promoted)
	return nil
}

// runContainer starts the asynchronous container path: the entry moves to
// dispatched and completion arrives later through the workflow callback.
func (c *Component) runContainer(ctx context.Context, entry *storage.QueueEntry, snapshot *taskSnapshot, result *RunResult) error {
	metrics.ExecutionsStarted.WithLabelValues("container").Inc()

	req := &executor.ContainerRequest{
		Task:           snapshot.prompt(),
		TimeoutSeconds: c.config.ContainerTimeoutSeconds,
	}
	if snapshot.SourceType == "repo" {
		req.Repo = snapshot.SourceReference
	}

	resp, err := c.client.ExecuteContainer(ctx, req)
	if err != nil {
		if executor.IsTransient(err) {
			return fmt.Errorf("container dispatch: %w", err)
		}
		return c.failEntry(ctx, entry, result, err.Error())
	}
	if !resp.Success {
		return c.failEntry(ctx, entry, result, resp.Error)
	}

	if _, err := c.queue.MarkDispatched(ctx, c.tenantID, entry.ID, resp.WorkflowInstanceID); err != nil {
		return fmt.Errorf("mark dispatched: %w", err)
	}

	details, _ := json.Marshal(map[string]string{
		"path":                 "container",
		"workflow_instance_id": resp.WorkflowInstanceID,
	})
	c.appendLog(ctx, entry, storage.ActionDispatched, details)

	result.Dispatched++
	c.logger.Info("container execution dispatched",
		"queue_entry_id", entry.ID,
		"task_id", entry.TaskID,
		"workflow_instance_id", resp.WorkflowInstanceID)
	return nil
}

// failEntry finishes the entry as failed and puts the task back in next so
// a later dispatch retries it.
func (c *Component) failEntry(ctx context.Context, entry *storage.QueueEntry, result *RunResult, errText string) error {
	if _, err := c.queue.Finish(ctx, c.tenantID, entry.ID, storage.QueueStatusFailed, "", errText); err != nil {
		return fmt.Errorf("finish failed entry: %w", err)
	}
	if _, err := c.tasks.SetStatus(ctx, c.tenantID, entry.TaskID, storage.TaskStatusNext, ""); err != nil {
		c.logger.Warn("reset task after failure failed",
			"task_id", entry.TaskID,
			"error", err)
	}

	details, _ := json.Marshal(map[string]string{"error": storage.Truncate(errText, storage.MaxErrorLen)})
	c.appendLog(ctx, entry, storage.ActionFailed, details)

	result.Failed++
	c.logger.Warn("execution failed",
		"queue_entry_id", entry.ID,
		"task_id", entry.TaskID,
		"error", errText)
	return nil
}

func (c *Component) appendLog(ctx context.Context, entry *storage.QueueEntry, action storage.DispatchAction, details json.RawMessage) {
	if err := c.log.Append(ctx, &storage.DispatchLogEntry{
		TenantID:     c.tenantID,
		QueueEntryID: entry.ID,
		TaskID:       entry.TaskID,
		ExecutorType: entry.ExecutorType,
		Action:       action,
		Details:      details,
	}); err != nil {
		c.logger.Warn("append dispatch log failed",
			"task_id", entry.TaskID,
			"action", action,
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
	c.logger.Info("task-executor stopped",
		"runs_performed", c.runsPerformed.Load(),
		"entries_claimed", c.entriesClaimed.Load(),
		"claims_reverted", c.claimsReverted.Load())

	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "task-executor",
		Type:        "processor",
		Description: "Claims queued entries and routes them to the SDK or container path",
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
	return executorSchema
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
