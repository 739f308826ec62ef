package taskexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/momentum/dispatch"
	"github.com/c360studio/momentum/executor"
	"github.com/c360studio/momentum/storage"
)

type fakeQueue struct {
	queued   []*storage.QueueEntry
	stale    []*storage.QueueEntry
	byID     map[string]*storage.QueueEntry
	reverted []string
	finished map[string]storage.QueueStatus
	results  map[string]string
	errs     map[string]string
	workflow map[string]string
}

func newFakeQueue(entries ...*storage.QueueEntry) *fakeQueue {
	f := &fakeQueue{
		byID:     map[string]*storage.QueueEntry{},
		finished: map[string]storage.QueueStatus{},
		results:  map[string]string{},
		errs:     map[string]string{},
		workflow: map[string]string{},
	}
	for _, e := range entries {
		if e.Status == "" {
			e.Status = storage.QueueStatusQueued
		}
		f.byID[e.ID] = e
		if e.Status == storage.QueueStatusQueued {
			f.queued = append(f.queued, e)
		}
	}
	return f
}

func (f *fakeQueue) ListQueued(_ context.Context, _ string, _ []storage.ExecutorType, limit int) ([]*storage.QueueEntry, error) {
	entries := f.queued
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (f *fakeQueue) Claim(_ context.Context, _, id, token string) (*storage.QueueEntry, error) {
	e, ok := f.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if e.Status != storage.QueueStatusQueued {
		// The real store wraps the sentinel with the entry detail.
		return nil, fmt.Errorf("%w: entry %s is %s", storage.ErrConflict, id, e.Status)
	}
	e.Status = storage.QueueStatusClaimed
	e.ClaimToken = token
	now := time.Now().UTC()
	e.ClaimedAt = &now
	return e, nil
}

func (f *fakeQueue) Revert(_ context.Context, _, id string) (*storage.QueueEntry, error) {
	e, ok := f.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	e.Status = storage.QueueStatusQueued
	e.ClaimToken = ""
	f.reverted = append(f.reverted, id)
	return e, nil
}

func (f *fakeQueue) MarkDispatched(_ context.Context, _, id, workflowInstanceID string) (*storage.QueueEntry, error) {
	e, ok := f.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	e.Status = storage.QueueStatusDispatched
	e.WorkflowInstanceID = workflowInstanceID
	f.workflow[id] = workflowInstanceID
	return e, nil
}

func (f *fakeQueue) Finish(_ context.Context, _, id string, to storage.QueueStatus, result, errText string) (*storage.QueueEntry, error) {
	e, ok := f.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	e.Status = to
	f.finished[id] = to
	f.results[id] = result
	f.errs[id] = errText
	return e, nil
}

func (f *fakeQueue) StaleClaims(_ context.Context, _ string, _ time.Duration) ([]*storage.QueueEntry, error) {
	return f.stale, nil
}

type fakeTasks struct {
	statuses map[string]storage.TaskStatus
}

func (f *fakeTasks) Get(_ context.Context, _, id string) (*storage.Task, error) {
	return &storage.Task{ID: id, Status: f.statuses[id]}, nil
}

func (f *fakeTasks) SetStatus(_ context.Context, _, id string, to storage.TaskStatus, _ string) (*storage.Task, error) {
	if f.statuses == nil {
		f.statuses = map[string]storage.TaskStatus{}
	}
	f.statuses[id] = to
	return &storage.Task{ID: id, Status: to}, nil
}

func (f *fakeTasks) ListDependents(_ context.Context, _, _ string) ([]*storage.Task, error) {
	return nil, nil
}

type fakeLog struct {
	entries []*storage.DispatchLogEntry
}

func (f *fakeLog) Append(_ context.Context, e *storage.DispatchLogEntry) error {
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeLog) actions() []storage.DispatchAction {
	var out []storage.DispatchAction
	for _, e := range f.entries {
		out = append(out, e.Action)
	}
	return out
}

type fakeExecutor struct {
	sdkResp       *executor.SDKResponse
	sdkErr        error
	containerResp *executor.ContainerResponse
	containerErr  error

	sdkReqs       []*executor.SDKRequest
	containerReqs []*executor.ContainerRequest
}

func (f *fakeExecutor) ExecuteSDK(_ context.Context, req *executor.SDKRequest) (*executor.SDKResponse, error) {
	f.sdkReqs = append(f.sdkReqs, req)
	return f.sdkResp, f.sdkErr
}

func (f *fakeExecutor) ExecuteContainer(_ context.Context, req *executor.ContainerRequest) (*executor.ContainerResponse, error) {
	f.containerReqs = append(f.containerReqs, req)
	return f.containerResp, f.containerErr
}

func newTestComponent(queue *fakeQueue, tasks *fakeTasks, log *fakeLog, client *fakeExecutor) *Component {
	return &Component{
		name:     "task-executor",
		config:   DefaultConfig(),
		logger:   slog.Default(),
		queue:    queue,
		tasks:    tasks,
		log:      log,
		client:   client,
		promoter: dispatch.NewPromoter(tasks, slog.Default()),
		tenantID: "tenant-1",
	}
}

func snapshot(t *testing.T, title, description, sourceType, sourceRef string) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(taskSnapshot{
		Title:           title,
		Description:     description,
		SourceType:      sourceType,
		SourceReference: sourceRef,
	})
	require.NoError(t, err)
	return data
}

func TestRunOnceSDKPath(t *testing.T) {
	ctx := context.Background()

	t.Run("success completes entry and task", func(t *testing.T) {
		queue := newFakeQueue(&storage.QueueEntry{
			ID:           "qe1",
			TaskID:       "t1",
			ExecutorType: storage.ExecutorAI,
			Context:      snapshot(t, "add login", "wire the form", "", ""),
		})
		tasks := &fakeTasks{}
		log := &fakeLog{}
		client := &fakeExecutor{sdkResp: &executor.SDKResponse{
			Success:    true,
			Result:     "Login endpoint implemented and tested against the staging environment.",
			TokensUsed: 512,
		}}
		c := newTestComponent(queue, tasks, log, client)

		result := c.RunOnce(ctx)
		assert.Equal(t, 1, result.Claimed)
		assert.Equal(t, 1, result.Completed)
		assert.Equal(t, storage.QueueStatusCompleted, queue.finished["qe1"])
		assert.Equal(t, storage.TaskStatusCompleted, tasks.statuses["t1"])
		assert.Equal(t, []storage.DispatchAction{storage.ActionClaimed, storage.ActionCompleted}, log.actions())

		require.Len(t, client.sdkReqs, 1)
		assert.Equal(t, "add login\n\nwire the form", client.sdkReqs[0].Prompt)
	})

	t.Run("semantic failure downgrades to failed", func(t *testing.T) {
		queue := newFakeQueue(&storage.QueueEntry{
			ID:           "qe1",
			TaskID:       "t1",
			ExecutorType: storage.ExecutorAI,
			Context:      snapshot(t, "update config", "", "", ""),
		})
		tasks := &fakeTasks{}
		log := &fakeLog{}
		client := &fakeExecutor{sdkResp: &executor.SDKResponse{
			Success: true,
			Result:  "I couldn't find the config file in the repository.",
		}}
		c := newTestComponent(queue, tasks, log, client)

		result := c.RunOnce(ctx)
		assert.Equal(t, 1, result.Failed)
		assert.Equal(t, storage.QueueStatusFailed, queue.finished["qe1"])
		// Task goes back to next for a retry on a later dispatch.
		assert.Equal(t, storage.TaskStatusNext, tasks.statuses["t1"])
		assert.Equal(t, []storage.DispatchAction{storage.ActionClaimed, storage.ActionFailed}, log.actions())
	})

	t.Run("explicit failure fails entry", func(t *testing.T) {
		queue := newFakeQueue(&storage.QueueEntry{
			ID:      "qe1",
			TaskID:  "t1",
			Context: snapshot(t, "summarize notes", "", "", ""),
		})
		tasks := &fakeTasks{}
		log := &fakeLog{}
		client := &fakeExecutor{sdkResp: &executor.SDKResponse{
			Success: false,
			Error:   "model refused the request",
		}}
		c := newTestComponent(queue, tasks, log, client)

		result := c.RunOnce(ctx)
		assert.Equal(t, 1, result.Failed)
		assert.Equal(t, "model refused the request", queue.errs["qe1"])
	})

	t.Run("transient error leaves claim for timeout reversion", func(t *testing.T) {
		queue := newFakeQueue(&storage.QueueEntry{
			ID:      "qe1",
			TaskID:  "t1",
			Context: snapshot(t, "summarize notes", "", "", ""),
		})
		tasks := &fakeTasks{}
		log := &fakeLog{}
		client := &fakeExecutor{sdkErr: &executor.RequestError{Op: "sdk", Transient: true, Err: errors.New("connection refused")}}
		c := newTestComponent(queue, tasks, log, client)

		result := c.RunOnce(ctx)
		assert.Equal(t, 1, result.Claimed)
		assert.Equal(t, 0, result.Failed)
		assert.Empty(t, queue.finished)
		assert.Equal(t, storage.QueueStatusClaimed, queue.byID["qe1"].Status)
	})

	t.Run("fatal error fails entry", func(t *testing.T) {
		queue := newFakeQueue(&storage.QueueEntry{
			ID:      "qe1",
			TaskID:  "t1",
			Context: snapshot(t, "summarize notes", "", "", ""),
		})
		tasks := &fakeTasks{}
		log := &fakeLog{}
		client := &fakeExecutor{sdkErr: &executor.RequestError{Op: "sdk", Status: 400, Err: errors.New("invalid request")}}
		c := newTestComponent(queue, tasks, log, client)

		result := c.RunOnce(ctx)
		assert.Equal(t, 1, result.Failed)
		assert.Equal(t, storage.QueueStatusFailed, queue.finished["qe1"])
	})
}

func TestRunOnceContainerPath(t *testing.T) {
	ctx := context.Background()

	t.Run("repo task dispatches container", func(t *testing.T) {
		queue := newFakeQueue(&storage.QueueEntry{
			ID:           "qe1",
			TaskID:       "t1",
			ExecutorType: storage.ExecutorAI,
			Context:      snapshot(t, "fix flaky test", "", "repo", "github.com/acme/app"),
		})
		tasks := &fakeTasks{}
		log := &fakeLog{}
		client := &fakeExecutor{containerResp: &executor.ContainerResponse{
			Success:            true,
			WorkflowInstanceID: "wf-42",
		}}
		c := newTestComponent(queue, tasks, log, client)

		result := c.RunOnce(ctx)
		assert.Equal(t, 1, result.Dispatched)
		assert.Equal(t, "wf-42", queue.workflow["qe1"])
		assert.Equal(t, storage.QueueStatusDispatched, queue.byID["qe1"].Status)
		assert.Equal(t, []storage.DispatchAction{storage.ActionClaimed, storage.ActionDispatched}, log.actions())

		require.Len(t, client.containerReqs, 1)
		assert.Equal(t, "github.com/acme/app", client.containerReqs[0].Repo)
		assert.Equal(t, 1800, client.containerReqs[0].TimeoutSeconds)

		// Task stays untouched until the workflow callback lands.
		assert.Empty(t, tasks.statuses)
	})

	t.Run("rejected dispatch fails entry", func(t *testing.T) {
		queue := newFakeQueue(&storage.QueueEntry{
			ID:      "qe1",
			TaskID:  "t1",
			Context: snapshot(t, "fix flaky test", "", "repo", "github.com/acme/app"),
		})
		tasks := &fakeTasks{}
		log := &fakeLog{}
		client := &fakeExecutor{containerResp: &executor.ContainerResponse{
			Success: false,
			Error:   "no runners available",
		}}
		c := newTestComponent(queue, tasks, log, client)

		result := c.RunOnce(ctx)
		assert.Equal(t, 1, result.Failed)
		assert.Equal(t, storage.QueueStatusFailed, queue.finished["qe1"])
		assert.Equal(t, "no runners available", queue.errs["qe1"])
	})
}

func TestRunOnceStaleClaims(t *testing.T) {
	ctx := context.Background()

	claimedAt := time.Now().Add(-20 * time.Minute).UTC()
	stale := &storage.QueueEntry{
		ID:        "qe-old",
		TaskID:    "t-old",
		Status:    storage.QueueStatusClaimed,
		ClaimedAt: &claimedAt,
	}
	queue := newFakeQueue()
	queue.byID["qe-old"] = stale
	queue.stale = []*storage.QueueEntry{stale}

	log := &fakeLog{}
	c := newTestComponent(queue, &fakeTasks{}, log, &fakeExecutor{})

	result := c.RunOnce(ctx)
	assert.Equal(t, 1, result.Reverted)
	assert.Equal(t, []string{"qe-old"}, queue.reverted)
	assert.Equal(t, storage.QueueStatusQueued, stale.Status)

	require.Len(t, log.entries, 1)
	assert.Equal(t, storage.ActionFailed, log.entries[0].Action)
	var details map[string]string
	require.NoError(t, json.Unmarshal(log.entries[0].Details, &details))
	assert.Equal(t, dispatch.ReasonClaimTimeout, details["reason"])
}

func TestRunOnceClaimConflict(t *testing.T) {
	ctx := context.Background()

	entry := &storage.QueueEntry{
		ID:      "qe1",
		TaskID:  "t1",
		Context: snapshot(t, "add login", "", "", ""),
	}
	queue := newFakeQueue(entry)
	// Another executor claims the entry between listing and claiming.
	entry.Status = storage.QueueStatusClaimed

	log := &fakeLog{}
	c := newTestComponent(queue, &fakeTasks{}, log, &fakeExecutor{})

	result := c.RunOnce(ctx)
	assert.Equal(t, 0, result.Claimed)
	assert.Empty(t, log.entries)
}
