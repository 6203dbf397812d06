package store

import (
	"context"
	"errors"
	"time"

	"github.com/stratum-kg/stratum/pkg/common"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// TaskStore persists extraction tasks. All task state transitions of the
// system run through this interface; the extraction daemon is the only
// writer of non-terminal transitions.
type TaskStore interface {
	EnqueueTask(ctx context.Context, task *common.GraphBuildTask) error
	GetTask(ctx context.Context, id string) (*common.GraphBuildTask, error)

	// PendingTasks returns up to limit pending tasks, oldest first.
	PendingTasks(ctx context.Context, limit int) ([]*common.GraphBuildTask, error)

	// ClaimTask atomically transitions a task from pending to processing.
	// It reports false when another worker claimed the task first or the
	// task is no longer pending.
	ClaimTask(ctx context.Context, id string) (bool, error)

	CompleteTask(ctx context.Context, id string) error
	FailTask(ctx context.Context, id string, reason string) error

	// RequeueTask moves a failed task back to pending. Operator action
	// only; any other source state is an error.
	RequeueTask(ctx context.Context, id string) error

	// TopicStatuses aggregates task counts per topic. With topicName != ""
	// the result is limited to that topic.
	TopicStatuses(ctx context.Context, topicName string) ([]*common.TopicStatus, error)

	// FailedTasks returns failed tasks with their error messages, newest
	// first, for operator inspection.
	FailedTasks(ctx context.Context, limit int) ([]*common.GraphBuildTask, error)
}

// SourceStore persists ingested sources and their cached cognitive maps.
type SourceStore interface {
	SaveSource(ctx context.Context, source *common.SourceData) error
	GetSource(ctx context.Context, id string) (*common.SourceData, error)
	SourcesByTopic(ctx context.Context, topicName string) ([]*common.SourceData, error)

	// UnmappedSources returns sources of the topic that have no graph
	// mapping yet, oldest first.
	UnmappedSources(ctx context.Context, topicName string) ([]*common.SourceData, error)

	// TopicsWithUnmappedSources lists the topics that currently have at
	// least one unmapped source. This is the graph daemon's work signal.
	TopicsWithUnmappedSources(ctx context.Context) ([]string, error)

	SaveCognitiveMap(ctx context.Context, m *common.CognitiveMap) error
	// GetCognitiveMap returns the cached map for (sourceID, topicName) or
	// ErrNotFound.
	GetCognitiveMap(ctx context.Context, sourceID, topicName string) (*common.CognitiveMap, error)
}

// GraphStore persists topic-scoped graph elements and source mappings, and
// serves similarity search.
type GraphStore interface {
	// UpsertEntities inserts or updates entities keyed by their normalized
	// identity, returning the persisted records (existing IDs preserved).
	UpsertEntities(ctx context.Context, entities []common.Entity) ([]common.Entity, error)
	UpsertRelationships(ctx context.Context, relationships []common.Relationship) ([]common.Relationship, error)

	EntitiesByTopic(ctx context.Context, topicName string) ([]common.Entity, error)
	RelationshipsByTopic(ctx context.Context, topicName string) ([]common.Relationship, error)

	// EntityByName resolves an entity within a topic through the shared
	// normalized identity key, or ErrNotFound.
	EntityByName(ctx context.Context, topicName, name string) (*common.Entity, error)

	// SaveMappings records source-to-element provenance. Duplicate
	// mappings are ignored.
	SaveMappings(ctx context.Context, mappings []common.SourceGraphMapping) error
	MappedSourceIDs(ctx context.Context, topicName string) (map[string]bool, error)

	// SearchRelationships returns relationships of the topic scored by
	// cosine similarity against the query embedding, best first. An empty
	// topicName searches all topics.
	SearchRelationships(ctx context.Context, embedding []float32, topicName string, limit int) ([]common.ScoredRelationship, error)
}

// Store is the full persistent surface the daemons and the API share.
type Store interface {
	TaskStore
	SourceStore
	GraphStore
}

// Clock abstracts time for stores so tests can control timestamps.
type Clock func() time.Time
