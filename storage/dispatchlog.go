package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

// DispatchAction is the audited action on a dispatch log row.
type DispatchAction string

const (
	ActionQueued         DispatchAction = "queued"
	ActionClaimed        DispatchAction = "claimed"
	ActionDispatched     DispatchAction = "dispatched"
	ActionCompleted      DispatchAction = "completed"
	ActionFailed         DispatchAction = "failed"
	ActionQuarantined    DispatchAction = "quarantined"
	ActionBreakerTripped DispatchAction = "circuit_breaker_tripped"
)

// DispatchLogEntry is one append-only audit row. Keys are
// <tenant>.<task>.<uuid> so per-task history is a prefix scan.
type DispatchLogEntry struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	QueueEntryID string          `json:"queue_entry_id,omitempty"`
	TaskID       string          `json:"task_id"`
	ExecutorType ExecutorType    `json:"executor_type,omitempty"`
	Action       DispatchAction  `json:"action"`
	Details      json.RawMessage `json:"details,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// DispatchLogStore provides append-only audit storage backed by NATS KV.
// Appends are mirrored onto the dispatch.log subject space when a publisher
// is configured.
type DispatchLogStore struct {
	bucket    jetstream.KeyValue
	publisher EventPublisher
}

// Append writes a new log row. Rows are never updated or deleted.
func (s *DispatchLogStore) Append(ctx context.Context, e *DispatchLogEntry) error {
	if e.TenantID == "" || e.TaskID == "" {
		return fmt.Errorf("dispatch log entry missing tenant or task id")
	}
	if e.Action == "" {
		return fmt.Errorf("dispatch log entry missing action")
	}
	e.ID = uuid.New().String()
	e.CreatedAt = time.Now().UTC()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal dispatch log entry: %w", err)
	}
	key := e.TenantID + "." + e.TaskID + "." + e.ID
	if _, err := s.bucket.Create(ctx, key, data); err != nil {
		return fmt.Errorf("append dispatch log: %w", err)
	}

	if s.publisher != nil {
		subject := fmt.Sprintf("dispatch.log.%s.%s", e.TenantID, e.Action)
		if err := s.publisher.Publish(ctx, subject, data); err != nil {
			// Event fan-out is best effort; the KV row is the record.
			return nil
		}
	}
	return nil
}

// CountQuarantines counts quarantined rows for a task. The circuit breaker
// reads this.
func (s *DispatchLogStore) CountQuarantines(ctx context.Context, tenantID, taskID string) (int, error) {
	entries, err := s.ListForTask(ctx, tenantID, taskID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range entries {
		if e.Action == ActionQuarantined {
			count++
		}
	}
	return count, nil
}

// ListForTask returns the audit history of a task, oldest first.
func (s *DispatchLogStore) ListForTask(ctx context.Context, tenantID, taskID string) ([]*DispatchLogEntry, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list dispatch log keys: %w", err)
	}

	prefix := tenantID + "." + taskID + "."
	var entries []*DispatchLogEntry
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := s.bucket.Get(ctx, key)
		if err != nil {
			continue
		}
		var e DispatchLogEntry
		if err := json.Unmarshal(entry.Value(), &e); err != nil {
			continue
		}
		entries = append(entries, &e)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}
