package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/c360studio/momentum/storage"
)

// promotionTaskStore is the slice of the task store the promoter needs.
// Satisfied by storage.TaskStore.
type promotionTaskStore interface {
	Get(ctx context.Context, tenantID, id string) (*storage.Task, error)
	ListDependents(ctx context.Context, tenantID, taskID string) ([]*storage.Task, error)
	SetStatus(ctx context.Context, tenantID, id string, to storage.TaskStatus, notes string) (*storage.Task, error)
}

// Promoter moves blocked tasks to next when their dependencies complete.
// Promotion is best effort: a task that fails to promote is logged and
// skipped, never failing the triggering callback.
type Promoter struct {
	tasks  promotionTaskStore
	logger *slog.Logger

	// EagerDispatch, when set, hands each promoted task straight to the
	// dispatcher instead of waiting for the next tick.
	EagerDispatch func(ctx context.Context, task *storage.Task) error
}

// NewPromoter builds a promoter over the task store.
func NewPromoter(tasks promotionTaskStore, logger *slog.Logger) *Promoter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Promoter{tasks: tasks, logger: logger}
}

// PromotionResult reports what a promotion pass did.
type PromotionResult struct {
	Promoted   int      `json:"promoted"`
	Dispatched int      `json:"dispatched"`
	TaskIDs    []string `json:"task_ids,omitempty"`
}

// Promote finds blocked tasks in the tenant depending on the completed task
// whose remaining dependencies are all completed, and transitions them to
// next.
func (p *Promoter) Promote(ctx context.Context, tenantID, completedTaskID string) PromotionResult {
	var result PromotionResult

	dependents, err := p.tasks.ListDependents(ctx, tenantID, completedTaskID)
	if err != nil {
		p.logger.Warn("list dependents failed",
			"tenant_id", tenantID,
			"task_id", completedTaskID,
			"error", err)
		return result
	}

	for _, dependent := range dependents {
		ready, err := p.dependenciesSatisfied(ctx, tenantID, dependent, completedTaskID)
		if err != nil {
			p.logger.Warn("dependency check failed",
				"tenant_id", tenantID,
				"task_id", dependent.ID,
				"error", err)
			continue
		}
		if !ready {
			continue
		}

		if _, err := p.tasks.SetStatus(ctx, tenantID, dependent.ID, storage.TaskStatusNext, ""); err != nil {
			p.logger.Warn("promotion failed",
				"tenant_id", tenantID,
				"task_id", dependent.ID,
				"error", err)
			continue
		}
		result.Promoted++
		result.TaskIDs = append(result.TaskIDs, dependent.ID)
		p.logger.Info("task promoted",
			"tenant_id", tenantID,
			"task_id", dependent.ID,
			"unblocked_by", completedTaskID)

		if p.EagerDispatch != nil {
			if err := p.EagerDispatch(ctx, dependent); err != nil {
				p.logger.Warn("eager dispatch of promoted task failed",
					"tenant_id", tenantID,
					"task_id", dependent.ID,
					"error", err)
				continue
			}
			result.Dispatched++
		}
	}
	return result
}

// dependenciesSatisfied checks that every other dependency of the task is
// completed. A missing dependency row blocks promotion.
func (p *Promoter) dependenciesSatisfied(ctx context.Context, tenantID string, task *storage.Task, completedTaskID string) (bool, error) {
	for _, depID := range task.DependsOn {
		if depID == completedTaskID {
			continue
		}
		dep, err := p.tasks.Get(ctx, tenantID, depID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		if dep.Status != storage.TaskStatusCompleted {
			return false, nil
		}
	}
	return true, nil
}
