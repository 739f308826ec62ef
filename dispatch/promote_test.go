package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/c360studio/momentum/storage"
)

type fakeTaskStore struct {
	tasks map[string]*storage.Task // keyed by id, single tenant
}

func (f *fakeTaskStore) Get(_ context.Context, _, id string) (*storage.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t, nil
}

func (f *fakeTaskStore) ListDependents(_ context.Context, _, taskID string) ([]*storage.Task, error) {
	var out []*storage.Task
	for _, t := range f.tasks {
		if t.Status == storage.TaskStatusBlocked && t.DependsOnTask(taskID) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTaskStore) SetStatus(_ context.Context, _, id string, to storage.TaskStatus, _ string) (*storage.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	t.Status = to
	return t, nil
}

func TestPromote(t *testing.T) {
	ctx := context.Background()

	t.Run("single dependency promotes", func(t *testing.T) {
		store := &fakeTaskStore{tasks: map[string]*storage.Task{
			"t1": {ID: "t1", Status: storage.TaskStatusCompleted},
			"t4": {ID: "t4", Status: storage.TaskStatusBlocked, DependsOn: []string{"t1"}},
		}}
		p := NewPromoter(store, nil)

		result := p.Promote(ctx, "tenant", "t1")
		assert.Equal(t, 1, result.Promoted)
		assert.Equal(t, storage.TaskStatusNext, store.tasks["t4"].Status)
	})

	t.Run("unsatisfied other dependency blocks promotion", func(t *testing.T) {
		store := &fakeTaskStore{tasks: map[string]*storage.Task{
			"t1": {ID: "t1", Status: storage.TaskStatusCompleted},
			"t2": {ID: "t2", Status: storage.TaskStatusNext},
			"t4": {ID: "t4", Status: storage.TaskStatusBlocked, DependsOn: []string{"t1", "t2"}},
		}}
		p := NewPromoter(store, nil)

		result := p.Promote(ctx, "tenant", "t1")
		assert.Zero(t, result.Promoted)
		assert.Equal(t, storage.TaskStatusBlocked, store.tasks["t4"].Status)
	})

	t.Run("all dependencies satisfied promotes", func(t *testing.T) {
		store := &fakeTaskStore{tasks: map[string]*storage.Task{
			"t1": {ID: "t1", Status: storage.TaskStatusCompleted},
			"t2": {ID: "t2", Status: storage.TaskStatusCompleted},
			"t4": {ID: "t4", Status: storage.TaskStatusBlocked, DependsOn: []string{"t1", "t2"}},
		}}
		p := NewPromoter(store, nil)

		result := p.Promote(ctx, "tenant", "t1")
		assert.Equal(t, 1, result.Promoted)
	})

	t.Run("missing dependency row blocks promotion", func(t *testing.T) {
		store := &fakeTaskStore{tasks: map[string]*storage.Task{
			"t1": {ID: "t1", Status: storage.TaskStatusCompleted},
			"t4": {ID: "t4", Status: storage.TaskStatusBlocked, DependsOn: []string{"t1", "ghost"}},
		}}
		p := NewPromoter(store, nil)

		result := p.Promote(ctx, "tenant", "t1")
		assert.Zero(t, result.Promoted)
	})

	t.Run("eager dispatch counts", func(t *testing.T) {
		store := &fakeTaskStore{tasks: map[string]*storage.Task{
			"t1": {ID: "t1", Status: storage.TaskStatusCompleted},
			"t4": {ID: "t4", Status: storage.TaskStatusBlocked, DependsOn: []string{"t1"}},
		}}
		p := NewPromoter(store, nil)
		p.EagerDispatch = func(context.Context, *storage.Task) error { return nil }

		result := p.Promote(ctx, "tenant", "t1")
		assert.Equal(t, 1, result.Promoted)
		assert.Equal(t, 1, result.Dispatched)
	})

	t.Run("eager dispatch failure still counts promotion", func(t *testing.T) {
		store := &fakeTaskStore{tasks: map[string]*storage.Task{
			"t1": {ID: "t1", Status: storage.TaskStatusCompleted},
			"t4": {ID: "t4", Status: storage.TaskStatusBlocked, DependsOn: []string{"t1"}},
		}}
		p := NewPromoter(store, nil)
		p.EagerDispatch = func(context.Context, *storage.Task) error { return errors.New("queue full") }

		result := p.Promote(ctx, "tenant", "t1")
		assert.Equal(t, 1, result.Promoted)
		assert.Zero(t, result.Dispatched)
	})
}
