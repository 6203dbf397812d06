package common

import "time"

// SourceData represents a single ingested knowledge source: a document or a
// flattened batch of chat messages. The record is immutable after creation
// except for attribute enrichment; reprocessing produces graph elements and
// mappings, never mutations of the source itself.
//
// Attributes always carries the "topic_name" key, which scopes the source to
// exactly one topic.
type SourceData struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Content         string            `json:"content"`
	ContentOverride string            `json:"content_override,omitempty"`
	Link            string            `json:"link,omitempty"`
	Attributes      map[string]string `json:"attributes"`
	CreatedAt       time.Time         `json:"created_at"`
}

// AttrTopicName is the attribute key that binds a source to its topic.
const AttrTopicName = "topic_name"

// AttrIsNewTopic marks sources ingested into a topic that did not exist
// before. The builder always applies a blueprint to such batches.
const AttrIsNewTopic = "is_new_topic"

// TopicName returns the topic the source belongs to, or "" when the
// attribute is missing.
func (s *SourceData) TopicName() string {
	if s.Attributes == nil {
		return ""
	}
	return s.Attributes[AttrTopicName]
}

// EffectiveContent returns the reprocessing override when one is set,
// otherwise the original content.
func (s *SourceData) EffectiveContent() string {
	if s.ContentOverride != "" {
		return s.ContentOverride
	}
	return s.Content
}

// Message is one chat message of a personal memory ingestion batch.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// TaskStatus is the lifecycle state of a GraphBuildTask.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// GraphBuildTask tracks the extraction of one source for one topic. Tasks
// move pending -> processing -> completed|failed; failed is terminal and is
// only ever left again through an explicit operator requeue.
type GraphBuildTask struct {
	ID            string     `json:"id"`
	TopicName     string     `json:"topic_name"`
	SourceRef     string     `json:"source_ref,omitempty"`
	InlineContent string     `json:"inline_content,omitempty"`
	SourceName    string     `json:"source_name"`
	IsNewTopic    bool       `json:"is_new_topic"`
	Status        TaskStatus `json:"status"`
	Error         string     `json:"error,omitempty"`
	RetryCount    int        `json:"retry_count"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TopicStatus aggregates task counts for one topic. A topic is ready for
// graph construction when no task is pending or processing and at least one
// completed.
type TopicStatus struct {
	TopicName    string    `json:"topic_name"`
	Pending      int       `json:"pending"`
	Processing   int       `json:"processing"`
	Completed    int       `json:"completed"`
	Failed       int       `json:"failed"`
	LatestUpdate time.Time `json:"latest_update"`
}

// ReadyForBuild reports whether every extraction for the topic has reached a
// terminal state with at least one success.
func (t *TopicStatus) ReadyForBuild() bool {
	return t.Pending == 0 && t.Processing == 0 && t.Completed > 0
}

// Entity is a node of a topic-scoped knowledge graph. Identity within a
// topic is the normalized name; descriptions from multiple sources are
// reconciled, never dropped.
type Entity struct {
	ID          string    `json:"id"`
	TopicName   string    `json:"topic_name"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Embedding   []float32 `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// Relationship is a directed edge between two entities of the same topic.
type Relationship struct {
	ID             string    `json:"id"`
	TopicName      string    `json:"topic_name"`
	SourceEntityID string    `json:"source_entity_id"`
	TargetEntityID string    `json:"target_entity_id"`
	Description    string    `json:"description"`
	Embedding      []float32 `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// ElementType discriminates graph elements in source mappings.
type ElementType string

const (
	ElementEntity       ElementType = "entity"
	ElementRelationship ElementType = "relationship"
)

// SourceGraphMapping records that a graph element was derived from a source.
// A source with no mappings for its topic has not been incorporated into the
// graph yet; the graph daemon uses this as its work signal.
type SourceGraphMapping struct {
	SourceID    string      `json:"source_id"`
	ElementID   string      `json:"element_id"`
	ElementType ElementType `json:"element_type"`
	TopicName   string      `json:"topic_name"`
	CreatedAt   time.Time   `json:"created_at"`
}

// CognitiveMap is the per-source structured analysis produced by the
// extractor and consumed by blueprint generation and triplet extraction.
// Maps are cached per (source, topic) and reused on rebuilds.
type CognitiveMap struct {
	SourceID          string   `json:"source_id"`
	SourceName        string   `json:"source_name"`
	TopicName         string   `json:"topic_name"`
	Summary           string   `json:"summary"`
	KeyEntities       []string `json:"key_entities"`
	ThemeKeywords     []string `json:"theme_keywords"`
	Timeline          []string `json:"important_timeline"`
	StructuralPattern string   `json:"structural_pattern"`
}

// Blueprint carries cross-source naming and processing guidance for one
// build batch. Blueprints are ephemeral: regenerated per batch, never
// treated as durable topic state.
type Blueprint struct {
	ID                     string            `json:"id"`
	TopicName              string            `json:"topic_name"`
	ProcessingInstructions string            `json:"processing_instructions"`
	ProcessingItems        map[string]string `json:"processing_items"`
	CreatedAt              time.Time         `json:"created_at"`
}

// Triplet is one extracted (subject, predicate, object) statement together
// with entity descriptions, before conversion into graph elements.
type Triplet struct {
	Subject            string `json:"subject"`
	Predicate          string `json:"predicate"`
	Object             string `json:"object"`
	SubjectDescription string `json:"subject_description"`
	ObjectDescription  string `json:"object_description"`
}

// BuildReport summarizes one graph builder invocation.
type BuildReport struct {
	TopicName            string     `json:"topic_name"`
	SourcesProcessed     int        `json:"sources_processed"`
	SourcesFailed        int        `json:"sources_failed"`
	SourcesSkipped       int        `json:"sources_skipped"`
	CognitiveMapsCreated int        `json:"cognitive_maps_created"`
	TripletsExtracted    int        `json:"triplets_extracted"`
	EntitiesCreated      int        `json:"entities_created"`
	EntitiesMerged       int        `json:"entities_merged"`
	RelationshipsCreated int        `json:"relationships_created"`
	RelationshipsMerged  int        `json:"relationships_merged"`
	Blueprint            *Blueprint `json:"blueprint,omitempty"`
}

// EnhanceReport summarizes the post-build enhancement pass.
type EnhanceReport struct {
	TopicName          string `json:"topic_name"`
	EntitiesExamined   int    `json:"entities_examined"`
	RelationshipsAdded int    `json:"relationships_added"`
}

// ScoredRelationship is a similarity search hit.
type ScoredRelationship struct {
	Relationship Relationship `json:"relationship"`
	Score        float64      `json:"score"`
}

// TopicGraph is the full graph of one topic.
type TopicGraph struct {
	TopicName     string         `json:"topic_name"`
	Entities      []Entity       `json:"entities"`
	Relationships []Relationship `json:"relationships"`
}
