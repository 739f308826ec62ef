// Package storage provides tenant-scoped entity storage for momentum using
// NATS JetStream KV buckets. Every key is prefixed with the owning tenant;
// no store method reads or writes across tenants.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// Bucket names for each entity family.
const (
	BucketTasks          = "MOMENTUM_TASKS"
	BucketIdeaTasks      = "MOMENTUM_IDEA_TASKS"
	BucketIdeaExecutions = "MOMENTUM_IDEA_EXECUTIONS"
	BucketIdeas          = "MOMENTUM_IDEAS"
	BucketQueue          = "MOMENTUM_QUEUE"
	BucketQueueArchive   = "MOMENTUM_QUEUE_ARCHIVE"
	BucketDispatchLog    = "MOMENTUM_DISPATCH_LOG"
)

// Truncation limits for executor-reported text stored on entities.
const (
	MaxResultLen = 10000
	MaxErrorLen  = 2000
)

// ExecutorType is the kind of agent that should perform a task.
type ExecutorType string

const (
	ExecutorAI      ExecutorType = "ai"
	ExecutorHuman   ExecutorType = "human"
	ExecutorHumanAI ExecutorType = "human-ai"
)

// EventPublisher publishes storage lifecycle events. Satisfied by
// natsclient.Client; nil publishers are allowed and disable events.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Stores aggregates the entity stores over a single JetStream context.
type Stores struct {
	Tasks          *TaskStore
	IdeaTasks      *IdeaTaskStore
	IdeaExecutions *IdeaExecutionStore
	Ideas          *IdeaStore
	Queue          *QueueStore
	Log            *DispatchLogStore
}

// NewStores creates all entity stores, provisioning the KV buckets if they
// don't exist. The publisher may be nil to disable dispatch-log events.
func NewStores(ctx context.Context, js jetstream.JetStream, publisher EventPublisher) (*Stores, error) {
	tasks, err := getOrCreateBucket(ctx, js, BucketTasks)
	if err != nil {
		return nil, fmt.Errorf("create tasks bucket: %w", err)
	}
	ideaTasks, err := getOrCreateBucket(ctx, js, BucketIdeaTasks)
	if err != nil {
		return nil, fmt.Errorf("create idea tasks bucket: %w", err)
	}
	ideaExecs, err := getOrCreateBucket(ctx, js, BucketIdeaExecutions)
	if err != nil {
		return nil, fmt.Errorf("create idea executions bucket: %w", err)
	}
	ideas, err := getOrCreateBucket(ctx, js, BucketIdeas)
	if err != nil {
		return nil, fmt.Errorf("create ideas bucket: %w", err)
	}
	queue, err := getOrCreateBucket(ctx, js, BucketQueue)
	if err != nil {
		return nil, fmt.Errorf("create queue bucket: %w", err)
	}
	archive, err := getOrCreateBucket(ctx, js, BucketQueueArchive)
	if err != nil {
		return nil, fmt.Errorf("create queue archive bucket: %w", err)
	}
	log, err := getOrCreateBucket(ctx, js, BucketDispatchLog)
	if err != nil {
		return nil, fmt.Errorf("create dispatch log bucket: %w", err)
	}

	logStore := &DispatchLogStore{bucket: log, publisher: publisher}
	return &Stores{
		Tasks:          &TaskStore{bucket: tasks},
		IdeaTasks:      &IdeaTaskStore{bucket: ideaTasks},
		IdeaExecutions: &IdeaExecutionStore{bucket: ideaExecs},
		Ideas:          &IdeaStore{bucket: ideas},
		Queue:          &QueueStore{bucket: queue, archive: archive},
		Log:            logStore,
	}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Momentum %s storage", strings.ToLower(name)),
		History:     5, // Keep last 5 revisions
	})
}

// entityKey builds a tenant-scoped KV key.
func entityKey(tenantID, id string) string {
	return tenantID + "." + id
}

// Truncate limits s to max runes. Executor output is unbounded; stored
// copies are not.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
