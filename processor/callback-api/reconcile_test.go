package callbackapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/momentum/dispatch"
	"github.com/c360studio/momentum/storage"
)

type fakeTasks struct {
	byID       map[string]*storage.Task
	dependents []*storage.Task
	statuses   map[string]storage.TaskStatus
	notes      map[string]string
}

func newFakeTasks(tasks ...*storage.Task) *fakeTasks {
	f := &fakeTasks{
		byID:     map[string]*storage.Task{},
		statuses: map[string]storage.TaskStatus{},
		notes:    map[string]string{},
	}
	for _, t := range tasks {
		f.byID[t.ID] = t
	}
	return f
}

func (f *fakeTasks) Get(_ context.Context, _, id string) (*storage.Task, error) {
	t, ok := f.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t, nil
}

func (f *fakeTasks) SetStatus(_ context.Context, _, id string, to storage.TaskStatus, notes string) (*storage.Task, error) {
	t, ok := f.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	t.Status = to
	if to == storage.TaskStatusCompleted && t.CompletedAt == nil {
		now := time.Now().UTC()
		t.CompletedAt = &now
	}
	f.statuses[id] = to
	f.notes[id] = notes
	return t, nil
}

func (f *fakeTasks) ListDependents(_ context.Context, _, _ string) ([]*storage.Task, error) {
	return f.dependents, nil
}

type fakeIdeaTasks struct {
	byID map[string]*storage.IdeaTask
}

func newFakeIdeaTasks(tasks ...*storage.IdeaTask) *fakeIdeaTasks {
	f := &fakeIdeaTasks{byID: map[string]*storage.IdeaTask{}}
	for _, t := range tasks {
		f.byID[t.ID] = t
	}
	return f
}

func (f *fakeIdeaTasks) Get(_ context.Context, _, id string) (*storage.IdeaTask, error) {
	t, ok := f.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t, nil
}

func (f *fakeIdeaTasks) Put(_ context.Context, t *storage.IdeaTask) error {
	f.byID[t.ID] = t
	return nil
}

func (f *fakeIdeaTasks) ListByIdea(_ context.Context, _, ideaID string) ([]*storage.IdeaTask, error) {
	var out []*storage.IdeaTask
	for _, t := range f.byID {
		if t.IdeaID == ideaID {
			out = append(out, t)
		}
	}
	return out, nil
}

type fakeExecutions struct {
	byIdea map[string]*storage.IdeaExecution
}

func (f *fakeExecutions) Get(_ context.Context, _, ideaID string) (*storage.IdeaExecution, error) {
	e, ok := f.byIdea[ideaID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return e, nil
}

func (f *fakeExecutions) Put(_ context.Context, e *storage.IdeaExecution) error {
	if f.byIdea == nil {
		f.byIdea = map[string]*storage.IdeaExecution{}
	}
	f.byIdea[e.IdeaID] = e
	return nil
}

type fakeIdeas struct {
	statuses map[string]string
}

func (f *fakeIdeas) SetExecutionStatus(_ context.Context, _, id, status string) error {
	if f.statuses == nil {
		f.statuses = map[string]string{}
	}
	f.statuses[id] = status
	return nil
}

// fakeQueue enforces the same transition legality as the real store, so a
// reconciliation that would strand or corrupt an entry fails here too.
type fakeQueue struct {
	byID     map[string]*storage.QueueEntry
	byTask   map[string]*storage.QueueEntry
	archived map[string]*storage.QueueEntry
	finished map[string]storage.QueueStatus
	results  map[string]string
	errs     map[string]string
	claimed  []string
}

func newFakeQueue(entries ...*storage.QueueEntry) *fakeQueue {
	f := &fakeQueue{
		byID:     map[string]*storage.QueueEntry{},
		byTask:   map[string]*storage.QueueEntry{},
		archived: map[string]*storage.QueueEntry{},
		finished: map[string]storage.QueueStatus{},
		results:  map[string]string{},
		errs:     map[string]string{},
	}
	for _, e := range entries {
		f.byID[e.ID] = e
		f.byTask[e.TaskID] = e
	}
	return f
}

func (f *fakeQueue) Get(_ context.Context, _, id string) (*storage.QueueEntry, error) {
	e, ok := f.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return e, nil
}

func (f *fakeQueue) GetLive(_ context.Context, _, taskID string) (*storage.QueueEntry, error) {
	e, ok := f.byTask[taskID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return e, nil
}

func (f *fakeQueue) GetArchived(_ context.Context, _, id string) (*storage.QueueEntry, error) {
	e, ok := f.archived[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return e, nil
}

func (f *fakeQueue) Claim(_ context.Context, _, id, token string) (*storage.QueueEntry, error) {
	e, ok := f.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if e.Status != storage.QueueStatusQueued {
		return nil, fmt.Errorf("%w: entry %s is %s", storage.ErrConflict, id, e.Status)
	}
	e.Status = storage.QueueStatusClaimed
	e.ClaimToken = token
	f.claimed = append(f.claimed, id)
	return e, nil
}

func (f *fakeQueue) Finish(_ context.Context, _, id string, to storage.QueueStatus, result, errText string) (*storage.QueueEntry, error) {
	e, ok := f.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if !to.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is not terminal", storage.ErrInvalidTransition, to)
	}
	if !storage.CanTransitionQueue(e.Status, to) {
		return nil, fmt.Errorf("%w: queue entry %s %s -> %s", storage.ErrInvalidTransition, id, e.Status, to)
	}
	e.Status = to
	f.finished[id] = to
	f.results[id] = result
	f.errs[id] = errText
	f.archived[id] = e
	delete(f.byID, id)
	delete(f.byTask, e.TaskID)
	return e, nil
}

func (f *fakeQueue) ListLive(_ context.Context, _ string) ([]*storage.QueueEntry, error) {
	var out []*storage.QueueEntry
	for _, e := range f.byID {
		if e.Status.IsLive() {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeLog struct {
	entries []*storage.DispatchLogEntry
}

func (f *fakeLog) Append(_ context.Context, e *storage.DispatchLogEntry) error {
	f.entries = append(f.entries, e)
	return nil
}

func newTestReconciler(tasks *fakeTasks, ideaTasks *fakeIdeaTasks, queue *fakeQueue, log *fakeLog) (*Reconciler, *fakeExecutions, *fakeIdeas) {
	executions := &fakeExecutions{}
	ideas := &fakeIdeas{}
	r := &Reconciler{
		tasks:      tasks,
		ideaTasks:  ideaTasks,
		executions: executions,
		ideas:      ideas,
		queue:      queue,
		log:        log,
		promoter:   dispatch.NewPromoter(tasks, slog.Default()),
		logger:     slog.Default(),
	}
	return r, executions, ideas
}

func boolPtr(b bool) *bool { return &b }

func TestReconcileTaskFamily(t *testing.T) {
	ctx := context.Background()
	longNotes := strings.Repeat("Implemented and verified the change. ", 3)

	t.Run("success completes task and archives entry", func(t *testing.T) {
		tasks := newFakeTasks(&storage.Task{ID: "t1", TenantID: "tenant-1", Status: storage.TaskStatusInProgress})
		queue := newFakeQueue(&storage.QueueEntry{ID: "q1", TaskID: "t1", Status: storage.QueueStatusDispatched})
		log := &fakeLog{}
		r, _, _ := newTestReconciler(tasks, newFakeIdeaTasks(), queue, log)

		res, err := r.Reconcile(ctx, "tenant-1", &dispatch.CallbackEnvelope{
			TaskID:  "t1",
			Success: boolPtr(true),
			Notes:   longNotes,
		}, SourceComplete)
		require.NoError(t, err)

		assert.Equal(t, "completed", res.Status)
		assert.Equal(t, storage.TaskStatusCompleted, tasks.statuses["t1"])
		assert.NotNil(t, tasks.byID["t1"].CompletedAt)
		assert.Equal(t, storage.QueueStatusCompleted, queue.finished["q1"])
		// Entry moved to the archive.
		_, ok := queue.byID["q1"]
		assert.False(t, ok)

		require.Len(t, log.entries, 1)
		assert.Equal(t, storage.ActionCompleted, log.entries[0].Action)
		assert.Equal(t, "q1", log.entries[0].QueueEntryID)
	})

	t.Run("human completion finishes queued entry", func(t *testing.T) {
		// Human executors never claim; their entry is still queued when
		// the completion arrives.
		tasks := newFakeTasks(&storage.Task{ID: "t1", TenantID: "tenant-1", Status: storage.TaskStatusInProgress})
		queue := newFakeQueue(&storage.QueueEntry{ID: "q1", TaskID: "t1", ExecutorType: "human", Status: storage.QueueStatusQueued})
		log := &fakeLog{}
		r, _, _ := newTestReconciler(tasks, newFakeIdeaTasks(), queue, log)

		res, err := r.Reconcile(ctx, "tenant-1", &dispatch.CallbackEnvelope{
			TaskID:  "t1",
			Success: boolPtr(true),
			Notes:   longNotes,
		}, SourceComplete)
		require.NoError(t, err)

		assert.Equal(t, "completed", res.Status)
		assert.Equal(t, storage.TaskStatusCompleted, tasks.statuses["t1"])
		assert.Contains(t, queue.claimed, "q1")
		assert.Equal(t, storage.QueueStatusCompleted, queue.finished["q1"])
		_, live := queue.byID["q1"]
		assert.False(t, live)
	})

	t.Run("quarantined status on undispatched entry archives as failed", func(t *testing.T) {
		tasks := newFakeTasks(&storage.Task{ID: "t6", TenantID: "tenant-1", Status: storage.TaskStatusInProgress})
		queue := newFakeQueue(&storage.QueueEntry{ID: "q6", TaskID: "t6", ExecutorType: "human", Status: storage.QueueStatusQueued})
		log := &fakeLog{}
		r, _, _ := newTestReconciler(tasks, newFakeIdeaTasks(), queue, log)

		res, err := r.Reconcile(ctx, "tenant-1", &dispatch.CallbackEnvelope{
			TaskID: "t6",
			Status: "quarantined",
			Error:  "sandbox crashed",
		}, SourceError)
		require.NoError(t, err)

		// Quarantine is only legal from dispatched; the entry archives
		// as failed while the log still records the quarantine.
		assert.Equal(t, "next", res.Status)
		assert.Equal(t, storage.QueueStatusFailed, queue.finished["q6"])
		require.Len(t, log.entries, 1)
		assert.Equal(t, storage.ActionQuarantined, log.entries[0].Action)
	})

	t.Run("replay archives straggler live entry", func(t *testing.T) {
		// A crash after the task write can leave the entry live; the
		// replay finishes it.
		tasks := newFakeTasks(&storage.Task{ID: "t7", TenantID: "tenant-1", Status: storage.TaskStatusCompleted})
		queue := newFakeQueue(&storage.QueueEntry{ID: "q7", TaskID: "t7", ExecutorType: "human", Status: storage.QueueStatusQueued})
		log := &fakeLog{}
		r, _, _ := newTestReconciler(tasks, newFakeIdeaTasks(), queue, log)

		res, err := r.Reconcile(ctx, "tenant-1", &dispatch.CallbackEnvelope{
			TaskID:  "t7",
			Success: boolPtr(true),
			Notes:   longNotes,
		}, SourceComplete)
		require.NoError(t, err)

		assert.True(t, res.AlreadyProcessed)
		assert.Equal(t, storage.QueueStatusCompleted, queue.finished["q7"])
		_, live := queue.byID["q7"]
		assert.False(t, live)
	})

	t.Run("false positive success downgrades to failure", func(t *testing.T) {
		tasks := newFakeTasks(&storage.Task{ID: "t2", TenantID: "tenant-1", Status: storage.TaskStatusInProgress})
		queue := newFakeQueue(&storage.QueueEntry{ID: "q2", TaskID: "t2", Status: storage.QueueStatusDispatched})
		log := &fakeLog{}
		r, _, _ := newTestReconciler(tasks, newFakeIdeaTasks(), queue, log)

		res, err := r.Reconcile(ctx, "tenant-1", &dispatch.CallbackEnvelope{
			TaskID: "t2",
			Status: "completed",
			Logs:   "Tried everything but couldn’t find the target module in the tree.",
		}, SourceWorkflow)
		require.NoError(t, err)

		assert.Equal(t, "next", res.Status)
		assert.Equal(t, "couldn't find", res.MatchedIndicator)
		assert.Equal(t, dispatch.ReasonFalsePositive, res.DowngradeReason)
		assert.Equal(t, storage.TaskStatusNext, tasks.statuses["t2"])
		assert.Equal(t, storage.QueueStatusFailed, queue.finished["q2"])
		require.Len(t, log.entries, 1)
		assert.Equal(t, storage.ActionFailed, log.entries[0].Action)
	})

	t.Run("short notes rejected without mutation", func(t *testing.T) {
		tasks := newFakeTasks(&storage.Task{ID: "t3", TenantID: "tenant-1", Status: storage.TaskStatusInProgress})
		queue := newFakeQueue()
		log := &fakeLog{}
		r, _, _ := newTestReconciler(tasks, newFakeIdeaTasks(), queue, log)

		_, err := r.Reconcile(ctx, "tenant-1", &dispatch.CallbackEnvelope{
			TaskID:  "t3",
			Success: boolPtr(true),
			Notes:   "done",
		}, SourceComplete)

		var validation *ValidationError
		require.ErrorAs(t, err, &validation)
		assert.Empty(t, tasks.statuses)
		assert.Empty(t, log.entries)
	})

	t.Run("quarantine flag cancels task", func(t *testing.T) {
		tasks := newFakeTasks(&storage.Task{ID: "t4", TenantID: "tenant-1", Status: storage.TaskStatusInProgress})
		queue := newFakeQueue(&storage.QueueEntry{ID: "q4", TaskID: "t4", Status: storage.QueueStatusDispatched})
		log := &fakeLog{}
		r, _, _ := newTestReconciler(tasks, newFakeIdeaTasks(), queue, log)

		res, err := r.Reconcile(ctx, "tenant-1", &dispatch.CallbackEnvelope{
			TaskID:     "t4",
			Success:    boolPtr(false),
			Error:      "repeated tool crash",
			Quarantine: true,
		}, SourceError)
		require.NoError(t, err)

		assert.Equal(t, "cancelled", res.Status)
		assert.Equal(t, storage.TaskStatusCancelled, tasks.statuses["t4"])
		assert.Equal(t, "repeated tool crash", tasks.notes["t4"])
		assert.Equal(t, storage.QueueStatusQuarantine, queue.finished["q4"])
		require.Len(t, log.entries, 1)
		assert.Equal(t, storage.ActionQuarantined, log.entries[0].Action)
	})

	t.Run("quarantined status without flag retries task", func(t *testing.T) {
		tasks := newFakeTasks(&storage.Task{ID: "t5", TenantID: "tenant-1", Status: storage.TaskStatusInProgress})
		queue := newFakeQueue(&storage.QueueEntry{ID: "q5", TaskID: "t5", Status: storage.QueueStatusDispatched})
		log := &fakeLog{}
		r, _, _ := newTestReconciler(tasks, newFakeIdeaTasks(), queue, log)

		res, err := r.Reconcile(ctx, "tenant-1", &dispatch.CallbackEnvelope{
			TaskID: "t5",
			Status: "quarantined",
			Error:  "sandbox crashed",
		}, SourceWorkflow)
		require.NoError(t, err)

		// The task stays dispatchable; the circuit breaker cancels it
		// after repeated quarantines.
		assert.Equal(t, "next", res.Status)
		assert.Equal(t, storage.QueueStatusQuarantine, queue.finished["q5"])
		require.Len(t, log.entries, 1)
		assert.Equal(t, storage.ActionQuarantined, log.entries[0].Action)
	})

	t.Run("duplicate callback is a no-op", func(t *testing.T) {
		tasks := newFakeTasks(&storage.Task{ID: "t1", TenantID: "tenant-1", Status: storage.TaskStatusCompleted})
		queue := newFakeQueue()
		log := &fakeLog{}
		r, _, _ := newTestReconciler(tasks, newFakeIdeaTasks(), queue, log)

		res, err := r.Reconcile(ctx, "tenant-1", &dispatch.CallbackEnvelope{
			TaskID:  "t1",
			Success: boolPtr(true),
			Notes:   longNotes,
		}, SourceComplete)
		require.NoError(t, err)

		assert.True(t, res.AlreadyProcessed)
		assert.Equal(t, "Already processed", res.Message)
		assert.Empty(t, tasks.statuses)
		assert.Empty(t, log.entries)
	})

	t.Run("archived entry resolves as already processed", func(t *testing.T) {
		queue := newFakeQueue()
		queue.archived["q1"] = &storage.QueueEntry{ID: "q1", TaskID: "t1", Status: storage.QueueStatusCompleted}
		r, _, _ := newTestReconciler(newFakeTasks(), newFakeIdeaTasks(), queue, &fakeLog{})

		res, err := r.Reconcile(ctx, "tenant-1", &dispatch.CallbackEnvelope{
			QueueEntryID: "q1",
			Status:       "completed",
		}, SourceWorkflow)
		require.NoError(t, err)
		assert.True(t, res.AlreadyProcessed)
		assert.Equal(t, "t1", res.TaskID)
	})

	t.Run("success promotes blocked dependents", func(t *testing.T) {
		dep := &storage.Task{
			ID:        "t-dep",
			TenantID:  "tenant-1",
			Status:    storage.TaskStatusBlocked,
			DependsOn: []string{"t1"},
		}
		tasks := newFakeTasks(
			&storage.Task{ID: "t1", TenantID: "tenant-1", Status: storage.TaskStatusInProgress},
			dep,
		)
		tasks.dependents = []*storage.Task{dep}
		queue := newFakeQueue(&storage.QueueEntry{ID: "q1", TaskID: "t1", Status: storage.QueueStatusDispatched})
		r, _, _ := newTestReconciler(tasks, newFakeIdeaTasks(), queue, &fakeLog{})

		res, err := r.Reconcile(ctx, "tenant-1", &dispatch.CallbackEnvelope{
			TaskID: "t1",
			Status: "completed",
			Result: strings.Repeat("All acceptance criteria verified. ", 4),
		}, SourceWorkflow)
		require.NoError(t, err)

		assert.Equal(t, 1, res.Promoted)
		assert.Equal(t, storage.TaskStatusNext, tasks.statuses["t-dep"])
	})

	t.Run("unknown task returns not found", func(t *testing.T) {
		r, _, _ := newTestReconciler(newFakeTasks(), newFakeIdeaTasks(), newFakeQueue(), &fakeLog{})

		_, err := r.Reconcile(ctx, "tenant-1", &dispatch.CallbackEnvelope{
			TaskID: "missing",
			Status: "completed",
		}, SourceWorkflow)
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})
}

func TestReconcileIdeaTaskFamily(t *testing.T) {
	ctx := context.Background()

	t.Run("completed idea task stores result and rolls up", func(t *testing.T) {
		ideaTasks := newFakeIdeaTasks(
			&storage.IdeaTask{ID: "it1", TenantID: "tenant-1", IdeaID: "idea-1", Status: storage.IdeaTaskDispatched},
			&storage.IdeaTask{ID: "it2", TenantID: "tenant-1", IdeaID: "idea-1", Status: storage.IdeaTaskCompleted},
		)
		log := &fakeLog{}
		r, executions, ideas := newTestReconciler(newFakeTasks(), ideaTasks, newFakeQueue(), log)

		result := strings.Repeat("Detailed research findings with citations. ", 5)
		res, err := r.Reconcile(ctx, "tenant-1", &dispatch.CallbackEnvelope{
			TaskID: "it1",
			Status: "completed",
			Result: result,
		}, SourceWorkflow)
		require.NoError(t, err)

		assert.Equal(t, "idea_task", res.Family)
		assert.Equal(t, "completed", res.Status)
		assert.Equal(t, storage.IdeaTaskCompleted, ideaTasks.byID["it1"].Status)
		assert.NotNil(t, ideaTasks.byID["it1"].CompletedAt)
		assert.Equal(t, 1, executions.byIdea["idea-1"].CompletedTasks)

		// No open siblings remain, so the idea closes.
		assert.Equal(t, "completed", executions.byIdea["idea-1"].Status)
		assert.Equal(t, "completed", ideas.statuses["idea-1"])
	})

	t.Run("short output fails idea task", func(t *testing.T) {
		ideaTasks := newFakeIdeaTasks(
			&storage.IdeaTask{ID: "it1", TenantID: "tenant-1", IdeaID: "idea-1", Status: storage.IdeaTaskDispatched},
		)
		r, executions, _ := newTestReconciler(newFakeTasks(), ideaTasks, newFakeQueue(), &fakeLog{})

		res, err := r.Reconcile(ctx, "tenant-1", &dispatch.CallbackEnvelope{
			TaskID: "it1",
			Status: "completed",
			Result: "done",
		}, SourceWorkflow)
		require.NoError(t, err)

		assert.Equal(t, "failed", res.Status)
		assert.Equal(t, dispatch.ReasonOutputTooShort, res.DowngradeReason)
		assert.Equal(t, storage.IdeaTaskFailed, ideaTasks.byID["it1"].Status)
		assert.Equal(t, dispatch.ReasonOutputTooShort, ideaTasks.byID["it1"].ErrorMessage)
		assert.Equal(t, 1, executions.byIdea["idea-1"].FailedTasks)
	})

	t.Run("error truncated to limit", func(t *testing.T) {
		ideaTasks := newFakeIdeaTasks(
			&storage.IdeaTask{ID: "it1", TenantID: "tenant-1", IdeaID: "idea-1", Status: storage.IdeaTaskInProgress},
		)
		r, _, _ := newTestReconciler(newFakeTasks(), ideaTasks, newFakeQueue(), &fakeLog{})

		_, err := r.Reconcile(ctx, "tenant-1", &dispatch.CallbackEnvelope{
			TaskID: "it1",
			Status: "failed",
			Error:  strings.Repeat("x", storage.MaxErrorLen+500),
		}, SourceWorkflow)
		require.NoError(t, err)
		assert.Len(t, ideaTasks.byID["it1"].ErrorMessage, storage.MaxErrorLen)
	})

	t.Run("terminal idea task is already processed", func(t *testing.T) {
		ideaTasks := newFakeIdeaTasks(
			&storage.IdeaTask{ID: "it1", TenantID: "tenant-1", IdeaID: "idea-1", Status: storage.IdeaTaskCompleted},
		)
		r, executions, _ := newTestReconciler(newFakeTasks(), ideaTasks, newFakeQueue(), &fakeLog{})

		res, err := r.Reconcile(ctx, "tenant-1", &dispatch.CallbackEnvelope{
			TaskID: "it1",
			Status: "completed",
			Result: strings.Repeat("Detailed findings. ", 10),
		}, SourceWorkflow)
		require.NoError(t, err)
		assert.True(t, res.AlreadyProcessed)
		assert.Empty(t, executions.byIdea)
	})

	t.Run("blocked sibling marks idea blocked", func(t *testing.T) {
		ideaTasks := newFakeIdeaTasks(
			&storage.IdeaTask{ID: "it1", TenantID: "tenant-1", IdeaID: "idea-1", Status: storage.IdeaTaskDispatched},
			&storage.IdeaTask{ID: "it2", TenantID: "tenant-1", IdeaID: "idea-1", Status: storage.IdeaTaskBlocked},
		)
		r, executions, ideas := newTestReconciler(newFakeTasks(), ideaTasks, newFakeQueue(), &fakeLog{})

		_, err := r.Reconcile(ctx, "tenant-1", &dispatch.CallbackEnvelope{
			TaskID: "it1",
			Status: "completed",
			Result: strings.Repeat("Detailed research findings with citations. ", 5),
		}, SourceWorkflow)
		require.NoError(t, err)

		assert.Equal(t, "blocked", executions.byIdea["idea-1"].Status)
		assert.Equal(t, "blocked", ideas.statuses["idea-1"])
	})
}
