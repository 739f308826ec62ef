package callbackapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/momentum/dispatch"
	"github.com/c360studio/momentum/metrics"
	"github.com/c360studio/momentum/storage"
)

// Callback sources, recorded in the dispatch log details.
const (
	SourceComplete = "task_complete"
	SourceError    = "task_error"
	SourceWorkflow = "workflow_callback"
)

// taskStore is the slice of the task store the reconciler uses. Satisfied
// by storage.TaskStore.
type taskStore interface {
	Get(ctx context.Context, tenantID, id string) (*storage.Task, error)
	SetStatus(ctx context.Context, tenantID, id string, to storage.TaskStatus, notes string) (*storage.Task, error)
}

// ideaTaskStore covers the second task family. Satisfied by
// storage.IdeaTaskStore.
type ideaTaskStore interface {
	Get(ctx context.Context, tenantID, id string) (*storage.IdeaTask, error)
	Put(ctx context.Context, t *storage.IdeaTask) error
	ListByIdea(ctx context.Context, tenantID, ideaID string) ([]*storage.IdeaTask, error)
}

// executionStore tracks per-idea outcome counters. Satisfied by
// storage.IdeaExecutionStore.
type executionStore interface {
	Get(ctx context.Context, tenantID, ideaID string) (*storage.IdeaExecution, error)
	Put(ctx context.Context, e *storage.IdeaExecution) error
}

// ideaStore updates the execution roll-up on ideas. Satisfied by
// storage.IdeaStore.
type ideaStore interface {
	SetExecutionStatus(ctx context.Context, tenantID, id, status string) error
}

// queueStore is the slice of the queue store the reconciler uses. Satisfied
// by storage.QueueStore.
type queueStore interface {
	Get(ctx context.Context, tenantID, id string) (*storage.QueueEntry, error)
	GetLive(ctx context.Context, tenantID, taskID string) (*storage.QueueEntry, error)
	GetArchived(ctx context.Context, tenantID, id string) (*storage.QueueEntry, error)
	Claim(ctx context.Context, tenantID, id, token string) (*storage.QueueEntry, error)
	Finish(ctx context.Context, tenantID, id string, to storage.QueueStatus, result, errText string) (*storage.QueueEntry, error)
	ListLive(ctx context.Context, tenantID string) ([]*storage.QueueEntry, error)
}

// logSink appends audit rows. Satisfied by storage.DispatchLogStore.
type logSink interface {
	Append(ctx context.Context, e *storage.DispatchLogEntry) error
}

// Reconciler applies executor outcome reports to the task, queue, and idea
// state. Writes are ordered task first, then queue entry, then log, so a
// crash mid-sequence leaves a state the next call can complete.
type Reconciler struct {
	tasks      taskStore
	ideaTasks  ideaTaskStore
	executions executionStore
	ideas      ideaStore
	queue      queueStore
	log        logSink
	promoter   *dispatch.Promoter
	logger     *slog.Logger
}

// NewReconciler builds a reconciler over the stores.
func NewReconciler(stores *storage.Stores, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		tasks:      stores.Tasks,
		ideaTasks:  stores.IdeaTasks,
		executions: stores.IdeaExecutions,
		ideas:      stores.Ideas,
		queue:      stores.Queue,
		log:        stores.Log,
		promoter:   dispatch.NewPromoter(stores.Tasks, logger),
		logger:     logger,
	}
}

// Result reports what a reconciliation did.
type Result struct {
	TaskID           string `json:"task_id"`
	Family           string `json:"family"`
	Status           string `json:"status"`
	AlreadyProcessed bool   `json:"already_processed,omitempty"`
	MatchedIndicator string `json:"matched_indicator,omitempty"`
	DowngradeReason  string `json:"downgrade_reason,omitempty"`
	Promoted         int    `json:"promoted,omitempty"`
	Message          string `json:"message,omitempty"`
}

// Reconcile applies one callback envelope. source selects the per-endpoint
// gates: the minimum-notes gate runs only for SourceComplete.
func (r *Reconciler) Reconcile(ctx context.Context, tenantID string, env *dispatch.CallbackEnvelope, source string) (*Result, error) {
	taskID := env.TaskID
	if taskID == "" && env.QueueEntryID != "" {
		entry, err := r.queue.Get(ctx, tenantID, env.QueueEntryID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return r.reconcileArchived(ctx, tenantID, env.QueueEntryID)
			}
			return nil, fmt.Errorf("load queue entry: %w", err)
		}
		taskID = entry.TaskID
	}
	if taskID == "" {
		return nil, &ValidationError{Msg: "task_id or queue_entry_id required"}
	}

	task, err := r.tasks.Get(ctx, tenantID, taskID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if task != nil {
		return r.reconcileTask(ctx, task, env, source)
	}

	ideaTask, err := r.ideaTasks.Get(ctx, tenantID, taskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("load idea task: %w", err)
	}
	return r.reconcileIdeaTask(ctx, ideaTask, env, source)
}

// reconcileArchived handles a callback naming a queue entry that has
// already been archived: the outcome was applied by an earlier call.
func (r *Reconciler) reconcileArchived(ctx context.Context, tenantID, entryID string) (*Result, error) {
	archived, err := r.queue.GetArchived(ctx, tenantID, entryID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("load archived entry: %w", err)
	}
	metrics.CallbacksProcessed.WithLabelValues("duplicate").Inc()
	return &Result{
		TaskID:           archived.TaskID,
		Family:           "task",
		Status:           string(archived.Status),
		AlreadyProcessed: true,
		Message:          "Already processed",
	}, nil
}

func (r *Reconciler) reconcileTask(ctx context.Context, task *storage.Task, env *dispatch.CallbackEnvelope, source string) (*Result, error) {
	if source == SourceComplete {
		if len(strings.TrimSpace(env.Notes+env.Output)) < dispatch.MinimumNotesLen {
			return nil, &ValidationError{Msg: fmt.Sprintf(
				"completion notes must be at least %d characters", dispatch.MinimumNotesLen)}
		}
	}

	// A terminal task means an earlier callback already landed. A crash
	// between the task and queue writes can still leave the entry live;
	// finish it here so the replay converges.
	if task.Status == storage.TaskStatusCompleted || task.Status == storage.TaskStatusCancelled {
		live, err := r.queue.GetLive(ctx, task.TenantID, task.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("load live entry: %w", err)
		}
		if live != nil {
			to := storage.QueueStatusCompleted
			if task.Status == storage.TaskStatusCancelled {
				to = storage.QueueStatusFailed
			}
			if err := r.finishLive(ctx, task.TenantID, live, to, "", ""); err != nil {
				return nil, err
			}
		}
		metrics.CallbacksProcessed.WithLabelValues("duplicate").Inc()
		return &Result{
			TaskID:           task.ID,
			Family:           "task",
			Status:           string(task.Status),
			AlreadyProcessed: true,
			Message:          "Already processed",
		}, nil
	}

	live, err := r.queue.GetLive(ctx, task.TenantID, task.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load live entry: %w", err)
	}
	if source == SourceWorkflow && live != nil && live.Status != storage.QueueStatusDispatched {
		// Workflow callbacks only resolve dispatched entries; anything
		// else is a replay or an out-of-order arrival. Human completions
		// land on queued entries all the time.
		metrics.CallbacksProcessed.WithLabelValues("duplicate").Inc()
		return &Result{
			TaskID:           task.ID,
			Family:           "task",
			Status:           string(task.Status),
			AlreadyProcessed: true,
			Message:          "Already processed",
		}, nil
	}

	outcome := dispatch.NormalizeOutcome(env)
	outcome.ApplySemanticCheck()
	if outcome.DowngradeReason != "" {
		metrics.SemanticDowngrades.WithLabelValues(outcome.DowngradeReason).Inc()
	}

	result := &Result{
		TaskID:           task.ID,
		Family:           "task",
		MatchedIndicator: outcome.MatchedIndicator,
		DowngradeReason:  outcome.DowngradeReason,
	}

	// Task first, then queue entry, then log.
	var action storage.DispatchAction
	switch {
	case outcome.Success:
		notes := strings.TrimSpace(env.Notes)
		if notes == "" {
			notes = strings.TrimSpace(env.Output)
		}
		if _, err := r.tasks.SetStatus(ctx, task.TenantID, task.ID, storage.TaskStatusCompleted, notes); err != nil {
			return nil, fmt.Errorf("complete task: %w", err)
		}
		result.Status = string(storage.TaskStatusCompleted)
		action = storage.ActionCompleted
	case env.Quarantine:
		// Explicit quarantine flag cancels outright; a quarantined
		// entry without the flag goes back through dispatch until the
		// circuit breaker latches.
		notes := outcome.Error
		if notes == "" {
			notes = "quarantined by executor"
		}
		if _, err := r.tasks.SetStatus(ctx, task.TenantID, task.ID, storage.TaskStatusCancelled, notes); err != nil {
			return nil, fmt.Errorf("cancel task: %w", err)
		}
		result.Status = string(storage.TaskStatusCancelled)
		action = storage.ActionQuarantined
	default:
		if task.Status != storage.TaskStatusNext {
			if _, err := r.tasks.SetStatus(ctx, task.TenantID, task.ID, storage.TaskStatusNext, ""); err != nil {
				return nil, fmt.Errorf("reset task: %w", err)
			}
		}
		result.Status = string(storage.TaskStatusNext)
		action = storage.ActionFailed
		if outcome.Quarantined {
			action = storage.ActionQuarantined
		}
	}

	if live != nil {
		to := storage.QueueStatusCompleted
		if !outcome.Success {
			to = storage.QueueStatusFailed
			if outcome.Quarantined {
				to = storage.QueueStatusQuarantine
			}
		}
		if err := r.finishLive(ctx, task.TenantID, live, to, outcome.Result, outcome.Error); err != nil {
			return nil, err
		}
	}

	r.appendLog(ctx, task.TenantID, task.ID, live, action, source, outcome)

	if outcome.Success {
		promotion := r.promoter.Promote(ctx, task.TenantID, task.ID)
		result.Promoted = promotion.Promoted
		if promotion.Promoted > 0 {
			metrics.TasksPromoted.Add(float64(promotion.Promoted))
		}
	}

	metrics.CallbacksProcessed.WithLabelValues(result.Status).Inc()
	return result, nil
}

func (r *Reconciler) reconcileIdeaTask(ctx context.Context, ideaTask *storage.IdeaTask, env *dispatch.CallbackEnvelope, source string) (*Result, error) {
	// Only dispatched idea tasks accept outcomes; anything else is a
	// replay or a planner race.
	if !ideaTask.Status.IsOpen() {
		metrics.CallbacksProcessed.WithLabelValues("duplicate").Inc()
		return &Result{
			TaskID:           ideaTask.ID,
			Family:           "idea_task",
			Status:           string(ideaTask.Status),
			AlreadyProcessed: true,
			Message:          "Already processed",
		}, nil
	}
	if ideaTask.Status == storage.IdeaTaskPending || ideaTask.Status == storage.IdeaTaskReady {
		r.logger.Warn("callback for idea task that was never dispatched",
			"idea_task_id", ideaTask.ID,
			"status", ideaTask.Status)
		return &Result{
			TaskID:           ideaTask.ID,
			Family:           "idea_task",
			Status:           string(ideaTask.Status),
			AlreadyProcessed: true,
			Message:          "Already processed",
		}, nil
	}

	outcome := dispatch.NormalizeOutcome(env)
	outcome.ApplySemanticCheck()
	outcome.ApplySubstantialOutputCheck(dispatch.SubstantialOutputMin)
	if outcome.DowngradeReason != "" {
		metrics.SemanticDowngrades.WithLabelValues(outcome.DowngradeReason).Inc()
	}

	result := &Result{
		TaskID:           ideaTask.ID,
		Family:           "idea_task",
		MatchedIndicator: outcome.MatchedIndicator,
		DowngradeReason:  outcome.DowngradeReason,
	}

	now := time.Now().UTC()
	var action storage.DispatchAction
	switch {
	case outcome.Success:
		ideaTask.Status = storage.IdeaTaskCompleted
		ideaTask.Result = storage.Truncate(outcome.Result, storage.MaxResultLen)
		ideaTask.CompletedAt = &now
		action = storage.ActionCompleted
	case outcome.Quarantined:
		ideaTask.Status = storage.IdeaTaskQuarantined
		ideaTask.ErrorMessage = storage.Truncate(outcome.Error, storage.MaxErrorLen)
		action = storage.ActionQuarantined
	default:
		ideaTask.Status = storage.IdeaTaskFailed
		errText := outcome.Error
		if errText == "" && outcome.DowngradeReason != "" {
			errText = outcome.DowngradeReason
		}
		ideaTask.ErrorMessage = storage.Truncate(errText, storage.MaxErrorLen)
		action = storage.ActionFailed
	}
	ideaTask.UpdatedAt = now
	if err := r.ideaTasks.Put(ctx, ideaTask); err != nil {
		return nil, fmt.Errorf("update idea task: %w", err)
	}
	result.Status = string(ideaTask.Status)

	if err := r.bumpExecutionCounters(ctx, ideaTask, outcome.Success); err != nil {
		return nil, err
	}

	live, err := r.queue.GetLive(ctx, ideaTask.TenantID, ideaTask.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load live entry: %w", err)
	}
	if live != nil {
		to := storage.QueueStatusCompleted
		if !outcome.Success {
			to = storage.QueueStatusFailed
			if outcome.Quarantined {
				to = storage.QueueStatusQuarantine
			}
		}
		if err := r.finishLive(ctx, ideaTask.TenantID, live, to, outcome.Result, outcome.Error); err != nil {
			return nil, err
		}
	}

	r.appendLog(ctx, ideaTask.TenantID, ideaTask.ID, live, action, source, outcome)

	if err := r.rollUpIdea(ctx, ideaTask.TenantID, ideaTask.IdeaID); err != nil {
		// Roll-up is recoverable on the next idea-task callback.
		r.logger.Warn("idea roll-up failed",
			"idea_id", ideaTask.IdeaID,
			"error", err)
	}

	metrics.CallbacksProcessed.WithLabelValues(result.Status).Inc()
	return result, nil
}

// finishLive archives a live entry through a legal transition path. Human
// completions arrive while the entry is still queued, so those are claimed
// first. Quarantine only exists from dispatched; anywhere else the target
// downgrades to failed.
func (r *Reconciler) finishLive(ctx context.Context, tenantID string, live *storage.QueueEntry, to storage.QueueStatus, result, errText string) error {
	status := live.Status
	if status == storage.QueueStatusQueued {
		claimed, err := r.queue.Claim(ctx, tenantID, live.ID, uuid.New().String())
		if err != nil {
			return fmt.Errorf("claim queue entry: %w", err)
		}
		status = claimed.Status
	}
	if to == storage.QueueStatusQuarantine && status != storage.QueueStatusDispatched {
		to = storage.QueueStatusFailed
	}
	if _, err := r.queue.Finish(ctx, tenantID, live.ID, to, result, errText); err != nil {
		return fmt.Errorf("finish queue entry: %w", err)
	}
	return nil
}

// bumpExecutionCounters increments the matching per-idea outcome counter.
func (r *Reconciler) bumpExecutionCounters(ctx context.Context, ideaTask *storage.IdeaTask, success bool) error {
	exec, err := r.executions.Get(ctx, ideaTask.TenantID, ideaTask.IdeaID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("load idea execution: %w", err)
		}
		exec = &storage.IdeaExecution{
			IdeaID:   ideaTask.IdeaID,
			TenantID: ideaTask.TenantID,
			Status:   "in_progress",
		}
	}
	if success {
		exec.CompletedTasks++
	} else {
		exec.FailedTasks++
	}
	exec.UpdatedAt = time.Now().UTC()
	if err := r.executions.Put(ctx, exec); err != nil {
		return fmt.Errorf("update idea execution: %w", err)
	}
	return nil
}

// rollUpIdea recounts the idea's tasks and closes the execution when none
// remain open. Any blocked task marks the whole execution blocked.
func (r *Reconciler) rollUpIdea(ctx context.Context, tenantID, ideaID string) error {
	if ideaID == "" {
		return nil
	}
	siblings, err := r.ideaTasks.ListByIdea(ctx, tenantID, ideaID)
	if err != nil {
		return fmt.Errorf("list idea tasks: %w", err)
	}

	blocked := false
	for _, t := range siblings {
		if t.Status.IsOpen() {
			return nil
		}
		if t.Status == storage.IdeaTaskBlocked {
			blocked = true
		}
	}

	status := "completed"
	if blocked {
		status = "blocked"
	}

	exec, err := r.executions.Get(ctx, tenantID, ideaID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("load idea execution: %w", err)
		}
		exec = &storage.IdeaExecution{IdeaID: ideaID, TenantID: tenantID}
	}
	exec.Status = status
	exec.UpdatedAt = time.Now().UTC()
	if err := r.executions.Put(ctx, exec); err != nil {
		return fmt.Errorf("update idea execution: %w", err)
	}
	if err := r.ideas.SetExecutionStatus(ctx, tenantID, ideaID, status); err != nil {
		return fmt.Errorf("update idea: %w", err)
	}
	return nil
}

// logDetails is the details JSON on reconciliation log rows.
type logDetails struct {
	Source           string `json:"source"`
	Executor         string `json:"executor,omitempty"`
	DurationMS       int64  `json:"duration_ms,omitempty"`
	Result           string `json:"result,omitempty"`
	Error            string `json:"error,omitempty"`
	MatchedIndicator string `json:"matched_indicator,omitempty"`
	DowngradeReason  string `json:"downgrade_reason,omitempty"`
}

func (r *Reconciler) appendLog(ctx context.Context, tenantID, taskID string, live *storage.QueueEntry, action storage.DispatchAction, source string, outcome *dispatch.Outcome) {
	details, _ := json.Marshal(logDetails{
		Source:           source,
		Executor:         outcome.Executor,
		DurationMS:       outcome.DurationMS,
		Result:           storage.Truncate(outcome.Result, storage.MaxErrorLen),
		Error:            storage.Truncate(outcome.Error, storage.MaxErrorLen),
		MatchedIndicator: outcome.MatchedIndicator,
		DowngradeReason:  outcome.DowngradeReason,
	})
	entry := &storage.DispatchLogEntry{
		TenantID: tenantID,
		TaskID:   taskID,
		Action:   action,
		Details:  details,
	}
	if live != nil {
		entry.QueueEntryID = live.ID
		entry.ExecutorType = live.ExecutorType
	}
	if err := r.log.Append(ctx, entry); err != nil {
		r.logger.Warn("append reconcile log failed",
			"task_id", taskID,
			"action", action,
			"error", err)
	}
}
