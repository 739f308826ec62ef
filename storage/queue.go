package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

// QueueStatus represents the status of a queue entry.
type QueueStatus string

const (
	QueueStatusQueued     QueueStatus = "queued"
	QueueStatusClaimed    QueueStatus = "claimed"
	QueueStatusDispatched QueueStatus = "dispatched"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusQuarantine QueueStatus = "quarantine"
)

// queueTransitions encodes the queue entry state machine. The claimed ->
// queued edge is the claim-timeout reversion.
var queueTransitions = map[QueueStatus][]QueueStatus{
	QueueStatusQueued:     {QueueStatusClaimed},
	QueueStatusClaimed:    {QueueStatusDispatched, QueueStatusCompleted, QueueStatusFailed, QueueStatusQueued},
	QueueStatusDispatched: {QueueStatusCompleted, QueueStatusFailed, QueueStatusQuarantine},
}

// CanTransitionQueue reports whether a queue entry may move from one status
// to another.
func CanTransitionQueue(from, to QueueStatus) bool {
	for _, allowed := range queueTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsLive reports whether the status counts against the one-live-entry-per-
// task constraint.
func (s QueueStatus) IsLive() bool {
	return s == QueueStatusQueued || s == QueueStatusClaimed || s == QueueStatusDispatched
}

// IsTerminal reports whether the status ends the entry's lifecycle.
func (s QueueStatus) IsTerminal() bool {
	return s == QueueStatusCompleted || s == QueueStatusFailed || s == QueueStatusQuarantine
}

// QueueEntry represents one dispatch attempt for a task.
type QueueEntry struct {
	ID                 string          `json:"id"`
	TenantID           string          `json:"tenant_id"`
	TaskID             string          `json:"task_id"`
	UserID             string          `json:"user_id"`
	ExecutorType       ExecutorType    `json:"executor_type"`
	Status             QueueStatus     `json:"status"`
	Priority           int             `json:"priority"`
	Context            json.RawMessage `json:"context,omitempty"`
	ClaimToken         string          `json:"claim_token,omitempty"`
	WorkflowInstanceID string          `json:"workflow_instance_id,omitempty"`
	Result             string          `json:"result,omitempty"`
	Error              string          `json:"error,omitempty"`
	QueuedAt           time.Time       `json:"queued_at"`
	ClaimedAt          *time.Time      `json:"claimed_at,omitempty"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
}

// QueueStore provides queue entry storage backed by NATS KV. A live-index
// key per task, created atomically, enforces at most one live entry per
// task under concurrent dispatchers.
type QueueStore struct {
	bucket  jetstream.KeyValue
	archive jetstream.KeyValue
}

func liveKey(tenantID, taskID string) string {
	return "live." + tenantID + "." + taskID
}

// Enqueue inserts a new queue entry in status queued. Returns
// ErrLiveEntryExists when the task already has a live entry.
func (s *QueueStore) Enqueue(ctx context.Context, e *QueueEntry) error {
	if e.TenantID == "" || e.TaskID == "" {
		return fmt.Errorf("queue entry missing tenant or task id")
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.Status = QueueStatusQueued
	e.QueuedAt = time.Now().UTC()

	// The live index key is the lock: only one creator wins.
	if _, err := s.bucket.Create(ctx, liveKey(e.TenantID, e.TaskID), []byte(e.ID)); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrLiveEntryExists
		}
		return fmt.Errorf("create live index: %w", err)
	}

	data, err := json.Marshal(e)
	if err != nil {
		s.bucket.Delete(ctx, liveKey(e.TenantID, e.TaskID))
		return fmt.Errorf("marshal queue entry: %w", err)
	}
	if _, err := s.bucket.Create(ctx, entityKey(e.TenantID, e.ID), data); err != nil {
		s.bucket.Delete(ctx, liveKey(e.TenantID, e.TaskID))
		return fmt.Errorf("store queue entry: %w", err)
	}
	return nil
}

// Get retrieves a queue entry by tenant and ID.
func (s *QueueStore) Get(ctx context.Context, tenantID, id string) (*QueueEntry, error) {
	entry, err := s.bucket.Get(ctx, entityKey(tenantID, id))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get queue entry: %w", err)
	}
	var e QueueEntry
	if err := json.Unmarshal(entry.Value(), &e); err != nil {
		return nil, fmt.Errorf("unmarshal queue entry: %w", err)
	}
	return &e, nil
}

// GetLive returns the live queue entry for a task, or ErrNotFound.
func (s *QueueStore) GetLive(ctx context.Context, tenantID, taskID string) (*QueueEntry, error) {
	idx, err := s.bucket.Get(ctx, liveKey(tenantID, taskID))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get live index: %w", err)
	}
	return s.Get(ctx, tenantID, string(idx.Value()))
}

// HasLive reports whether a task has a live queue entry.
func (s *QueueStore) HasLive(ctx context.Context, tenantID, taskID string) (bool, error) {
	_, err := s.GetLive(ctx, tenantID, taskID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Claim moves a queued entry to claimed with the given token. The update is
// revision-guarded; a losing racer gets ErrConflict.
func (s *QueueStore) Claim(ctx context.Context, tenantID, id, token string) (*QueueEntry, error) {
	raw, err := s.bucket.Get(ctx, entityKey(tenantID, id))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get queue entry: %w", err)
	}
	var e QueueEntry
	if err := json.Unmarshal(raw.Value(), &e); err != nil {
		return nil, fmt.Errorf("unmarshal queue entry: %w", err)
	}
	if e.Status != QueueStatusQueued {
		return nil, fmt.Errorf("%w: entry %s is %s", ErrConflict, id, e.Status)
	}

	now := time.Now().UTC()
	e.Status = QueueStatusClaimed
	e.ClaimToken = token
	e.ClaimedAt = &now

	data, err := json.Marshal(&e)
	if err != nil {
		return nil, fmt.Errorf("marshal queue entry: %w", err)
	}
	if _, err := s.bucket.Update(ctx, entityKey(tenantID, id), data, raw.Revision()); err != nil {
		if isWrongRevision(err) {
			return nil, fmt.Errorf("%w: entry %s claimed concurrently", ErrConflict, id)
		}
		return nil, fmt.Errorf("claim queue entry: %w", err)
	}
	return &e, nil
}

// Revert returns a claimed entry to queued, clearing the claim. Used on
// claim timeout.
func (s *QueueStore) Revert(ctx context.Context, tenantID, id string) (*QueueEntry, error) {
	e, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if e.Status != QueueStatusClaimed {
		return nil, fmt.Errorf("%w: entry %s is %s, not claimed", ErrConflict, id, e.Status)
	}
	e.Status = QueueStatusQueued
	e.ClaimToken = ""
	e.ClaimedAt = nil
	if err := s.put(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// MarkDispatched moves a claimed entry to dispatched, recording the
// workflow the container executor started.
func (s *QueueStore) MarkDispatched(ctx context.Context, tenantID, id, workflowInstanceID string) (*QueueEntry, error) {
	e, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !CanTransitionQueue(e.Status, QueueStatusDispatched) {
		return nil, fmt.Errorf("%w: queue entry %s %s -> dispatched", ErrInvalidTransition, id, e.Status)
	}
	e.Status = QueueStatusDispatched
	e.WorkflowInstanceID = workflowInstanceID
	if err := s.put(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Finish moves an entry to a terminal status, records the truncated result
// or error, and archives it: the row is copied to the archive bucket and
// removed from the live queue along with its live-index key.
func (s *QueueStore) Finish(ctx context.Context, tenantID, id string, to QueueStatus, result, errText string) (*QueueEntry, error) {
	if !to.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, to)
	}
	e, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !CanTransitionQueue(e.Status, to) {
		return nil, fmt.Errorf("%w: queue entry %s %s -> %s", ErrInvalidTransition, id, e.Status, to)
	}

	now := time.Now().UTC()
	e.Status = to
	e.CompletedAt = &now
	e.Result = Truncate(result, MaxResultLen)
	e.Error = Truncate(errText, MaxErrorLen)

	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal queue entry: %w", err)
	}

	// Archive first so a crash between writes leaves the entry
	// re-reconcilable rather than lost.
	if _, err := s.archive.Put(ctx, entityKey(tenantID, e.ID), data); err != nil {
		return nil, fmt.Errorf("archive queue entry: %w", err)
	}
	if err := s.bucket.Delete(ctx, entityKey(tenantID, e.ID)); err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("remove queue entry: %w", err)
	}
	if err := s.bucket.Delete(ctx, liveKey(tenantID, e.TaskID)); err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("remove live index: %w", err)
	}
	return e, nil
}

// GetArchived retrieves a terminal entry from the archive.
func (s *QueueStore) GetArchived(ctx context.Context, tenantID, id string) (*QueueEntry, error) {
	entry, err := s.archive.Get(ctx, entityKey(tenantID, id))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get archived queue entry: %w", err)
	}
	var e QueueEntry
	if err := json.Unmarshal(entry.Value(), &e); err != nil {
		return nil, fmt.Errorf("unmarshal archived queue entry: %w", err)
	}
	return &e, nil
}

// ListQueued returns queued entries for the tenant whose executor type is
// in types, ordered by priority desc then queued_at asc. Empty types
// matches everything.
func (s *QueueStore) ListQueued(ctx context.Context, tenantID string, types []ExecutorType, limit int) ([]*QueueEntry, error) {
	entries, err := s.scan(ctx, tenantID, func(e *QueueEntry) bool {
		if e.Status != QueueStatusQueued {
			return false
		}
		if len(types) == 0 {
			return true
		}
		for _, t := range types {
			if e.ExecutorType == t {
				return true
			}
		}
		return false
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority
		}
		return entries[i].QueuedAt.Before(entries[j].QueuedAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// ListLive returns every live entry for the tenant.
func (s *QueueStore) ListLive(ctx context.Context, tenantID string) ([]*QueueEntry, error) {
	return s.scan(ctx, tenantID, func(e *QueueEntry) bool {
		return e.Status.IsLive()
	})
}

// StaleClaims returns claimed entries whose claim is older than the
// timeout.
func (s *QueueStore) StaleClaims(ctx context.Context, tenantID string, timeout time.Duration) ([]*QueueEntry, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	return s.scan(ctx, tenantID, func(e *QueueEntry) bool {
		return e.Status == QueueStatusClaimed && e.ClaimedAt != nil && e.ClaimedAt.Before(cutoff)
	})
}

func (s *QueueStore) put(ctx context.Context, e *QueueEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal queue entry: %w", err)
	}
	if _, err := s.bucket.Put(ctx, entityKey(e.TenantID, e.ID), data); err != nil {
		return fmt.Errorf("update queue entry: %w", err)
	}
	return nil
}

func (s *QueueStore) scan(ctx context.Context, tenantID string, match func(*QueueEntry) bool) ([]*QueueEntry, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list queue keys: %w", err)
	}

	prefix := tenantID + "."
	var entries []*QueueEntry
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := s.bucket.Get(ctx, key)
		if err != nil {
			continue
		}
		var e QueueEntry
		if err := json.Unmarshal(entry.Value(), &e); err != nil {
			continue
		}
		if match(&e) {
			entries = append(entries, &e)
		}
	}
	return entries, nil
}
