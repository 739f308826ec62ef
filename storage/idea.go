package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// IdeaTaskStatus represents the status of a planning-workflow task.
type IdeaTaskStatus string

const (
	IdeaTaskPending     IdeaTaskStatus = "pending"
	IdeaTaskReady       IdeaTaskStatus = "ready"
	IdeaTaskInProgress  IdeaTaskStatus = "in_progress"
	IdeaTaskDispatched  IdeaTaskStatus = "dispatched"
	IdeaTaskBlocked     IdeaTaskStatus = "blocked"
	IdeaTaskQuarantined IdeaTaskStatus = "quarantined"
	IdeaTaskCompleted   IdeaTaskStatus = "completed"
	IdeaTaskFailed      IdeaTaskStatus = "failed"
)

// IsOpen reports whether the status still counts toward an unfinished idea
// execution.
func (s IdeaTaskStatus) IsOpen() bool {
	switch s {
	case IdeaTaskPending, IdeaTaskReady, IdeaTaskInProgress, IdeaTaskDispatched:
		return true
	}
	return false
}

// IdeaTask is the second task family, produced by the planning workflow and
// reconciled by the same callback path as tasks.
type IdeaTask struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	UserID       string         `json:"user_id"`
	IdeaID       string         `json:"idea_id"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	Status       IdeaTaskStatus `json:"status"`
	Result       string         `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	DeletedAt    *time.Time     `json:"deleted_at,omitempty"`
}

// IdeaExecution aggregates idea task outcomes per idea.
type IdeaExecution struct {
	IdeaID         string    `json:"idea_id"`
	TenantID       string    `json:"tenant_id"`
	Status         string    `json:"status"`
	CompletedTasks int       `json:"completed_tasks"`
	FailedTasks    int       `json:"failed_tasks"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Idea carries the slice of the ideas table this core owns: the execution
// status roll-up.
type Idea struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	Title           string     `json:"title,omitempty"`
	ExecutionStatus string     `json:"execution_status,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
	DeletedAt       *time.Time `json:"deleted_at,omitempty"`
}

// IdeaTaskStore provides idea task storage backed by NATS KV.
type IdeaTaskStore struct {
	bucket jetstream.KeyValue
}

// Get retrieves an idea task by tenant and ID.
func (s *IdeaTaskStore) Get(ctx context.Context, tenantID, id string) (*IdeaTask, error) {
	entry, err := s.bucket.Get(ctx, entityKey(tenantID, id))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get idea task: %w", err)
	}
	var t IdeaTask
	if err := json.Unmarshal(entry.Value(), &t); err != nil {
		return nil, fmt.Errorf("unmarshal idea task: %w", err)
	}
	if t.DeletedAt != nil {
		return nil, ErrNotFound
	}
	return &t, nil
}

// Put persists an idea task.
func (s *IdeaTaskStore) Put(ctx context.Context, t *IdeaTask) error {
	if t.TenantID == "" || t.ID == "" {
		return fmt.Errorf("idea task missing tenant or id")
	}
	t.UpdatedAt = time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = t.UpdatedAt
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal idea task: %w", err)
	}
	if _, err := s.bucket.Put(ctx, entityKey(t.TenantID, t.ID), data); err != nil {
		return fmt.Errorf("store idea task: %w", err)
	}
	return nil
}

// ListByIdea returns all idea tasks belonging to an idea.
func (s *IdeaTaskStore) ListByIdea(ctx context.Context, tenantID, ideaID string) ([]*IdeaTask, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list idea task keys: %w", err)
	}

	prefix := tenantID + "."
	var tasks []*IdeaTask
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := s.bucket.Get(ctx, key)
		if err != nil {
			continue
		}
		var t IdeaTask
		if err := json.Unmarshal(entry.Value(), &t); err != nil {
			continue
		}
		if t.DeletedAt != nil || t.IdeaID != ideaID {
			continue
		}
		tasks = append(tasks, &t)
	}
	return tasks, nil
}

// IdeaExecutionStore provides idea execution counters backed by NATS KV.
// Keys are <tenant>.<idea_id>.
type IdeaExecutionStore struct {
	bucket jetstream.KeyValue
}

// Get retrieves the execution row for an idea, or ErrNotFound.
func (s *IdeaExecutionStore) Get(ctx context.Context, tenantID, ideaID string) (*IdeaExecution, error) {
	entry, err := s.bucket.Get(ctx, entityKey(tenantID, ideaID))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get idea execution: %w", err)
	}
	var e IdeaExecution
	if err := json.Unmarshal(entry.Value(), &e); err != nil {
		return nil, fmt.Errorf("unmarshal idea execution: %w", err)
	}
	return &e, nil
}

// Put persists the execution row for an idea.
func (s *IdeaExecutionStore) Put(ctx context.Context, e *IdeaExecution) error {
	if e.TenantID == "" || e.IdeaID == "" {
		return fmt.Errorf("idea execution missing tenant or idea id")
	}
	e.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal idea execution: %w", err)
	}
	if _, err := s.bucket.Put(ctx, entityKey(e.TenantID, e.IdeaID), data); err != nil {
		return fmt.Errorf("store idea execution: %w", err)
	}
	return nil
}

// IdeaStore provides idea storage backed by NATS KV. The core only writes
// the execution status.
type IdeaStore struct {
	bucket jetstream.KeyValue
}

// Get retrieves an idea by tenant and ID.
func (s *IdeaStore) Get(ctx context.Context, tenantID, id string) (*Idea, error) {
	entry, err := s.bucket.Get(ctx, entityKey(tenantID, id))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get idea: %w", err)
	}
	var i Idea
	if err := json.Unmarshal(entry.Value(), &i); err != nil {
		return nil, fmt.Errorf("unmarshal idea: %w", err)
	}
	if i.DeletedAt != nil {
		return nil, ErrNotFound
	}
	return &i, nil
}

// SetExecutionStatus updates the execution status roll-up on an idea.
func (s *IdeaStore) SetExecutionStatus(ctx context.Context, tenantID, id, status string) error {
	i, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	i.ExecutionStatus = status
	i.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(i)
	if err != nil {
		return fmt.Errorf("marshal idea: %w", err)
	}
	if _, err := s.bucket.Put(ctx, entityKey(tenantID, id), data); err != nil {
		return fmt.Errorf("store idea: %w", err)
	}
	return nil
}
