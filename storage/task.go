package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

// TaskStatus represents the status of a task.
type TaskStatus string

const (
	TaskStatusInbox      TaskStatus = "inbox"
	TaskStatusSomeday    TaskStatus = "someday"
	TaskStatusNext       TaskStatus = "next"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusCancelled  TaskStatus = "cancelled"
	TaskStatusBlocked    TaskStatus = "blocked"
)

// taskTransitions encodes the task state machine. Completed and cancelled
// are terminal.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusInbox:      {TaskStatusSomeday, TaskStatusNext, TaskStatusCancelled},
	TaskStatusSomeday:    {TaskStatusInbox, TaskStatusNext, TaskStatusCancelled},
	TaskStatusNext:       {TaskStatusInProgress, TaskStatusCompleted, TaskStatusCancelled, TaskStatusBlocked},
	TaskStatusInProgress: {TaskStatusNext, TaskStatusCompleted, TaskStatusCancelled, TaskStatusBlocked},
	TaskStatusBlocked:    {TaskStatusNext, TaskStatusCancelled},
}

// CanTransitionTask reports whether a task may move from one status to
// another.
func CanTransitionTask(from, to TaskStatus) bool {
	for _, allowed := range taskTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Task represents a task entity. Title and Description may hold ciphertext;
// decryption happens at the dispatch boundary, never in storage.
type Task struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	UserID          string         `json:"user_id"`
	Title           string         `json:"title"`
	Description     string         `json:"description,omitempty"`
	Status          TaskStatus     `json:"status"`
	Urgency         int            `json:"urgency"`
	Importance      int            `json:"importance"`
	ProjectID       string         `json:"project_id,omitempty"`
	IdeaID          string         `json:"idea_id,omitempty"`
	Domain          string         `json:"domain,omitempty"`
	DueDate         *time.Time     `json:"due_date,omitempty"`
	EnergyRequired  string         `json:"energy_required,omitempty"`
	SourceType      string         `json:"source_type,omitempty"`
	SourceReference string         `json:"source_reference,omitempty"`
	DependsOn       []string       `json:"depends_on,omitempty"`
	CompletionNotes string         `json:"completion_notes,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	DeletedAt       *time.Time     `json:"deleted_at,omitempty"`
	StatusChanges   []StatusChange `json:"status_changes,omitempty"`
}

// StatusChange records a status transition on a task.
type StatusChange struct {
	From      TaskStatus `json:"from"`
	To        TaskStatus `json:"to"`
	Timestamp time.Time  `json:"timestamp"`
}

// Priority is the dispatch priority, urgency weighted by importance.
func (t *Task) Priority() int {
	return t.Urgency * t.Importance
}

// DependsOnTask reports whether id is among the task's dependencies.
func (t *Task) DependsOnTask(id string) bool {
	for _, dep := range t.DependsOn {
		if dep == id {
			return true
		}
	}
	return false
}

// TaskStore provides task storage backed by NATS KV.
type TaskStore struct {
	bucket jetstream.KeyValue
}

// Create stores a new task, generating an ID when absent.
func (s *TaskStore) Create(ctx context.Context, t *Task) error {
	if t.TenantID == "" {
		return fmt.Errorf("task missing tenant id")
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = TaskStatusInbox
	}

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if _, err := s.bucket.Create(ctx, entityKey(t.TenantID, t.ID), data); err != nil {
		return fmt.Errorf("store task: %w", err)
	}
	return nil
}

// Get retrieves a task by tenant and ID. Soft-deleted rows are invisible.
func (s *TaskStore) Get(ctx context.Context, tenantID, id string) (*Task, error) {
	entry, err := s.bucket.Get(ctx, entityKey(tenantID, id))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}

	var t Task
	if err := json.Unmarshal(entry.Value(), &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	if t.DeletedAt != nil {
		return nil, ErrNotFound
	}
	return &t, nil
}

// Update persists an existing task.
func (s *TaskStore) Update(ctx context.Context, t *Task) error {
	t.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if _, err := s.bucket.Put(ctx, entityKey(t.TenantID, t.ID), data); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

// SetStatus transitions a task and records the change. CompletedAt is set
// once and never cleared.
func (s *TaskStore) SetStatus(ctx context.Context, tenantID, id string, to TaskStatus, notes string) (*Task, error) {
	t, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if t.Status == to {
		return t, nil
	}
	if !CanTransitionTask(t.Status, to) {
		return nil, fmt.Errorf("%w: task %s %s -> %s", ErrInvalidTransition, id, t.Status, to)
	}

	now := time.Now().UTC()
	t.StatusChanges = append(t.StatusChanges, StatusChange{From: t.Status, To: to, Timestamp: now})
	t.Status = to
	if notes != "" {
		t.CompletionNotes = notes
	}
	if to == TaskStatusCompleted && t.CompletedAt == nil {
		t.CompletedAt = &now
	}

	if err := s.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// SoftDelete hides a task from every reader without removing the row.
func (s *TaskStore) SoftDelete(ctx context.Context, tenantID, id string) error {
	t, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	t.DeletedAt = &now
	return s.Update(ctx, t)
}

// ListByStatus returns tasks for a tenant/user in the given status, ordered
// by urgency desc, importance desc, created_at asc. A zero limit means no
// cap. An empty userID matches all users in the tenant.
func (s *TaskStore) ListByStatus(ctx context.Context, tenantID, userID string, status TaskStatus, limit int) ([]*Task, error) {
	tasks, err := s.scan(ctx, tenantID, func(t *Task) bool {
		if t.Status != status {
			return false
		}
		return userID == "" || t.UserID == userID
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Urgency != b.Urgency {
			return a.Urgency > b.Urgency
		}
		if a.Importance != b.Importance {
			return a.Importance > b.Importance
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

// ListDependents returns blocked tasks in the tenant that depend on the
// given task.
func (s *TaskStore) ListDependents(ctx context.Context, tenantID, taskID string) ([]*Task, error) {
	return s.scan(ctx, tenantID, func(t *Task) bool {
		return t.Status == TaskStatusBlocked && t.DependsOnTask(taskID)
	})
}

func (s *TaskStore) scan(ctx context.Context, tenantID string, match func(*Task) bool) ([]*Task, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list task keys: %w", err)
	}

	prefix := tenantID + "."
	var tasks []*Task
	for _, key := range keys {
		if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		entry, err := s.bucket.Get(ctx, key)
		if err != nil {
			continue // Skip entries that fail to load
		}
		var t Task
		if err := json.Unmarshal(entry.Value(), &t); err != nil {
			continue
		}
		if t.DeletedAt != nil {
			continue
		}
		if match(&t) {
			tasks = append(tasks, &t)
		}
	}
	return tasks, nil
}
