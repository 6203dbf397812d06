// Package memory provides a mutex-guarded in-memory implementation of
// store.Store. It backs tests and single-process demos; the pgx
// implementation is the production store.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/stratum-kg/stratum/pkg/common"
	"github.com/stratum-kg/stratum/pkg/store"
)

// Store implements store.Store entirely in memory.
type Store struct {
	mu sync.Mutex

	tasks   map[string]*common.GraphBuildTask
	sources map[string]*common.SourceData
	maps    map[string]*common.CognitiveMap

	entities      map[string]common.Entity       // by entity ID
	entityKeys    map[string]string              // identity key -> entity ID
	relationships map[string]common.Relationship // by relationship ID
	relKeys       map[string]string              // identity key -> relationship ID
	mappings      map[string]common.SourceGraphMapping

	signature common.SignatureFunc
	now       store.Clock
}

// Option customizes a memory store.
type Option func(*Store)

// WithClock replaces the store's time source.
func WithClock(clock store.Clock) Option {
	return func(s *Store) {
		s.now = clock
	}
}

// WithSignature replaces the relationship dedup signature strategy.
func WithSignature(sig common.SignatureFunc) Option {
	return func(s *Store) {
		s.signature = sig
	}
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		tasks:         make(map[string]*common.GraphBuildTask),
		sources:       make(map[string]*common.SourceData),
		maps:          make(map[string]*common.CognitiveMap),
		entities:      make(map[string]common.Entity),
		entityKeys:    make(map[string]string),
		relationships: make(map[string]common.Relationship),
		relKeys:       make(map[string]string),
		mappings:      make(map[string]common.SourceGraphMapping),
		signature:     common.ExactSignature,
		now:           time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func cloneTask(t *common.GraphBuildTask) *common.GraphBuildTask {
	c := *t
	return &c
}

func cloneSource(s *common.SourceData) *common.SourceData {
	c := *s
	if s.Attributes != nil {
		c.Attributes = make(map[string]string, len(s.Attributes))
		for k, v := range s.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}

// EnqueueTask stores a new task. Missing IDs and statuses are filled in.
func (s *Store) EnqueueTask(ctx context.Context, task *common.GraphBuildTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return err
		}
		task.ID = id
	}
	if task.Status == "" {
		task.Status = common.TaskPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.now()
	}
	task.UpdatedAt = s.now()
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*common.GraphBuildTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTask(t), nil
}

func (s *Store) PendingTasks(ctx context.Context, limit int) ([]*common.GraphBuildTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*common.GraphBuildTask, 0)
	for _, t := range s.tasks {
		if t.Status == common.TaskPending {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ClaimTask performs the pending to processing transition under the store
// lock, so exactly one caller wins a contended claim.
func (s *Store) ClaimTask(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if t.Status != common.TaskPending {
		return false, nil
	}
	t.Status = common.TaskProcessing
	t.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) CompleteTask(ctx context.Context, id string) error {
	return s.transition(id, common.TaskProcessing, common.TaskCompleted, "")
}

func (s *Store) FailTask(ctx context.Context, id string, reason string) error {
	return s.transition(id, common.TaskProcessing, common.TaskFailed, reason)
}

func (s *Store) RequeueTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	if t.Status != common.TaskFailed {
		return fmt.Errorf("task %s is %s, only failed tasks can be requeued", id, t.Status)
	}
	t.Status = common.TaskPending
	t.Error = ""
	t.RetryCount++
	t.UpdatedAt = s.now()
	return nil
}

func (s *Store) transition(id string, from, to common.TaskStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	if t.Status != from {
		return fmt.Errorf("task %s is %s, expected %s", id, t.Status, from)
	}
	t.Status = to
	t.Error = reason
	t.UpdatedAt = s.now()
	return nil
}

func (s *Store) TopicStatuses(ctx context.Context, topicName string) ([]*common.TopicStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byTopic := make(map[string]*common.TopicStatus)
	for _, t := range s.tasks {
		if topicName != "" && t.TopicName != topicName {
			continue
		}
		ts, ok := byTopic[t.TopicName]
		if !ok {
			ts = &common.TopicStatus{TopicName: t.TopicName}
			byTopic[t.TopicName] = ts
		}
		switch t.Status {
		case common.TaskPending:
			ts.Pending++
		case common.TaskProcessing:
			ts.Processing++
		case common.TaskCompleted:
			ts.Completed++
		case common.TaskFailed:
			ts.Failed++
		}
		if t.UpdatedAt.After(ts.LatestUpdate) {
			ts.LatestUpdate = t.UpdatedAt
		}
	}

	out := make([]*common.TopicStatus, 0, len(byTopic))
	for _, ts := range byTopic {
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TopicName < out[j].TopicName
	})
	return out, nil
}

func (s *Store) FailedTasks(ctx context.Context, limit int) ([]*common.GraphBuildTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*common.GraphBuildTask, 0)
	for _, t := range s.tasks {
		if t.Status == common.TaskFailed {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) SaveSource(ctx context.Context, source *common.SourceData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if source.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return err
		}
		source.ID = id
	}
	if source.CreatedAt.IsZero() {
		source.CreatedAt = s.now()
	}
	s.sources[source.ID] = cloneSource(source)
	return nil
}

func (s *Store) GetSource(ctx context.Context, id string) (*common.SourceData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.sources[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSource(src), nil
}

func (s *Store) SourcesByTopic(ctx context.Context, topicName string) ([]*common.SourceData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sourcesByTopicLocked(topicName, false), nil
}

func (s *Store) UnmappedSources(ctx context.Context, topicName string) ([]*common.SourceData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sourcesByTopicLocked(topicName, true), nil
}

func (s *Store) sourcesByTopicLocked(topicName string, unmappedOnly bool) []*common.SourceData {
	mapped := make(map[string]bool)
	if unmappedOnly {
		for _, m := range s.mappings {
			if m.TopicName == topicName {
				mapped[m.SourceID] = true
			}
		}
	}

	out := make([]*common.SourceData, 0)
	for _, src := range s.sources {
		if src.TopicName() != topicName {
			continue
		}
		if unmappedOnly && mapped[src.ID] {
			continue
		}
		out = append(out, cloneSource(src))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) TopicsWithUnmappedSources(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mapped := make(map[string]bool)
	for _, m := range s.mappings {
		mapped[mapKey(m.SourceID, m.TopicName)] = true
	}

	topics := make(map[string]bool)
	for _, src := range s.sources {
		topic := src.TopicName()
		if topic == "" || mapped[mapKey(src.ID, topic)] {
			continue
		}
		topics[topic] = true
	}

	out := make([]string, 0, len(topics))
	for t := range topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

func mapKey(sourceID, topicName string) string {
	return sourceID + "\x1f" + topicName
}

func (s *Store) SaveCognitiveMap(ctx context.Context, m *common.CognitiveMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *m
	s.maps[mapKey(m.SourceID, m.TopicName)] = &c
	return nil
}

func (s *Store) GetCognitiveMap(ctx context.Context, sourceID, topicName string) (*common.CognitiveMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.maps[mapKey(sourceID, topicName)]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *m
	return &c, nil
}

// UpsertEntities merges entities into the store by identity key. An incoming
// entity matching an existing one keeps the existing ID; a non-empty
// incoming description replaces the stored one (the builder reconciles
// descriptions before calling).
func (s *Store) UpsertEntities(ctx context.Context, entities []common.Entity) ([]common.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]common.Entity, 0, len(entities))
	for _, e := range entities {
		key := common.EntityKey(e.TopicName, e.Name)
		if existingID, ok := s.entityKeys[key]; ok {
			existing := s.entities[existingID]
			if e.Description != "" {
				existing.Description = e.Description
			}
			if e.Embedding != nil {
				existing.Embedding = e.Embedding
			}
			s.entities[existingID] = existing
			out = append(out, existing)
			continue
		}

		if e.ID == "" {
			id, err := gonanoid.New()
			if err != nil {
				return nil, err
			}
			e.ID = id
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.now()
		}
		s.entities[e.ID] = e
		s.entityKeys[key] = e.ID
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) UpsertRelationships(ctx context.Context, relationships []common.Relationship) ([]common.Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]common.Relationship, 0, len(relationships))
	for _, r := range relationships {
		key := common.RelationshipKey(r.TopicName, r.SourceEntityID, r.TargetEntityID, s.signature, r.Description)
		if existingID, ok := s.relKeys[key]; ok {
			out = append(out, s.relationships[existingID])
			continue
		}

		if r.ID == "" {
			id, err := gonanoid.New()
			if err != nil {
				return nil, err
			}
			r.ID = id
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = s.now()
		}
		s.relationships[r.ID] = r
		s.relKeys[key] = r.ID
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) EntitiesByTopic(ctx context.Context, topicName string) ([]common.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]common.Entity, 0)
	for _, e := range s.entities {
		if e.TopicName == topicName {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) RelationshipsByTopic(ctx context.Context, topicName string) ([]common.Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]common.Relationship, 0)
	for _, r := range s.relationships {
		if r.TopicName == topicName {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) EntityByName(ctx context.Context, topicName, name string) (*common.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.entityKeys[common.EntityKey(topicName, name)]
	if !ok {
		return nil, store.ErrNotFound
	}
	e := s.entities[id]
	return &e, nil
}

func (s *Store) SaveMappings(ctx context.Context, mappings []common.SourceGraphMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range mappings {
		key := strings.Join([]string{m.SourceID, m.ElementID, string(m.ElementType), m.TopicName}, "\x1f")
		if _, ok := s.mappings[key]; ok {
			continue
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = s.now()
		}
		s.mappings[key] = m
	}
	return nil
}

func (s *Store) MappedSourceIDs(ctx context.Context, topicName string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]bool)
	for _, m := range s.mappings {
		if m.TopicName == topicName {
			out[m.SourceID] = true
		}
	}
	return out, nil
}

func (s *Store) SearchRelationships(ctx context.Context, embedding []float32, topicName string, limit int) ([]common.ScoredRelationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]common.ScoredRelationship, 0)
	for _, r := range s.relationships {
		if topicName != "" && r.TopicName != topicName {
			continue
		}
		if len(r.Embedding) == 0 {
			continue
		}
		out = append(out, common.ScoredRelationship{
			Relationship: r,
			Score:        cosineSimilarity(embedding, r.Embedding),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].Relationship.ID < out[j].Relationship.ID
		}
		return out[i].Score > out[j].Score
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cosineSimilarity(a, b []float32) float64 {
	n := min(len(a), len(b))
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
