package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stratum-kg/stratum/pkg/common"
	"github.com/stratum-kg/stratum/pkg/store"
)

func TestClaimTask_ExactlyOneWinner(t *testing.T) {
	s := New()
	ctx := context.Background()

	task := &common.GraphBuildTask{TopicName: "physics", SourceName: "doc"}
	if err := s.EnqueueTask(ctx, task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	const claimers = 32
	var wg sync.WaitGroup
	wins := make(chan bool, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimTask(ctx, task.ID)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for ok := range wins {
		if ok {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly 1 winning claim, got %d", won)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != common.TaskProcessing {
		t.Fatalf("expected processing, got %s", got.Status)
	}
}

func TestRequeueTask_OnlyFromFailed(t *testing.T) {
	s := New()
	ctx := context.Background()

	task := &common.GraphBuildTask{TopicName: "physics", SourceName: "doc"}
	if err := s.EnqueueTask(ctx, task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := s.RequeueTask(ctx, task.ID); err == nil {
		t.Fatal("expected error requeueing a pending task")
	}

	if _, err := s.ClaimTask(ctx, task.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.FailTask(ctx, task.ID, "llm timeout"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := s.RequeueTask(ctx, task.ID); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != common.TaskPending {
		t.Fatalf("expected pending after requeue, got %s", got.Status)
	}
	if got.Error != "" {
		t.Fatalf("expected error cleared, got %q", got.Error)
	}
	if got.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", got.RetryCount)
	}
}

func TestPendingTasks_OldestFirst(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := New(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for i, name := range []string{"newest", "middle", "oldest"} {
		task := &common.GraphBuildTask{
			TopicName:  "physics",
			SourceName: name,
			CreatedAt:  now.Add(-time.Duration(i) * time.Minute),
		}
		if err := s.EnqueueTask(ctx, task); err != nil {
			t.Fatalf("enqueue %s: %v", name, err)
		}
	}

	pending, err := s.PendingTasks(ctx, 2)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(pending))
	}
	if pending[0].SourceName != "oldest" || pending[1].SourceName != "middle" {
		t.Fatalf("wrong order: %s, %s", pending[0].SourceName, pending[1].SourceName)
	}
}

func TestTopicStatuses_Aggregation(t *testing.T) {
	s := New()
	ctx := context.Background()

	seed := func(topic string, status common.TaskStatus) {
		task := &common.GraphBuildTask{TopicName: topic, SourceName: "doc"}
		if err := s.EnqueueTask(ctx, task); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if status == common.TaskPending {
			return
		}
		if _, err := s.ClaimTask(ctx, task.ID); err != nil {
			t.Fatalf("claim: %v", err)
		}
		switch status {
		case common.TaskCompleted:
			if err := s.CompleteTask(ctx, task.ID); err != nil {
				t.Fatalf("complete: %v", err)
			}
		case common.TaskFailed:
			if err := s.FailTask(ctx, task.ID, "boom"); err != nil {
				t.Fatalf("fail: %v", err)
			}
		}
	}

	seed("ready", common.TaskCompleted)
	seed("ready", common.TaskCompleted)
	seed("ready", common.TaskFailed)
	seed("busy", common.TaskCompleted)
	seed("busy", common.TaskPending)

	statuses, err := s.TopicStatuses(ctx, "")
	if err != nil {
		t.Fatalf("statuses: %v", err)
	}
	byTopic := make(map[string]*common.TopicStatus)
	for _, ts := range statuses {
		byTopic[ts.TopicName] = ts
	}

	ready := byTopic["ready"]
	if ready == nil || ready.Completed != 2 || ready.Failed != 1 {
		t.Fatalf("unexpected ready counts: %+v", ready)
	}
	if !ready.ReadyForBuild() {
		t.Fatal("topic with only terminal tasks and a success should be ready")
	}

	busy := byTopic["busy"]
	if busy == nil || busy.Pending != 1 {
		t.Fatalf("unexpected busy counts: %+v", busy)
	}
	if busy.ReadyForBuild() {
		t.Fatal("topic with a pending task must not be ready")
	}
}

func TestUpsertEntities_MergesByNormalizedName(t *testing.T) {
	s := New()
	ctx := context.Background()

	first, err := s.UpsertEntities(ctx, []common.Entity{
		{TopicName: "physics", Name: "Marie Curie", Description: "physicist"},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	second, err := s.UpsertEntities(ctx, []common.Entity{
		{TopicName: "physics", Name: "  marie   CURIE ", Description: "chemist and physicist"},
		{TopicName: "history", Name: "Marie Curie", Description: "Nobel laureate"},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if second[0].ID != first[0].ID {
		t.Fatalf("same topic and normalized name must keep the existing ID: %s != %s", second[0].ID, first[0].ID)
	}
	if second[0].Description != "chemist and physicist" {
		t.Fatalf("description not updated: %q", second[0].Description)
	}
	if second[1].ID == first[0].ID {
		t.Fatal("same name in another topic must be a distinct entity")
	}

	physics, err := s.EntitiesByTopic(ctx, "physics")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(physics) != 1 {
		t.Fatalf("expected 1 physics entity, got %d", len(physics))
	}
}

func TestUpsertRelationships_DedupBySignature(t *testing.T) {
	s := New()
	ctx := context.Background()

	rels := []common.Relationship{
		{TopicName: "physics", SourceEntityID: "a", TargetEntityID: "b", Description: "discovered"},
		{TopicName: "physics", SourceEntityID: "a", TargetEntityID: "b", Description: "  Discovered "},
		{TopicName: "physics", SourceEntityID: "b", TargetEntityID: "a", Description: "discovered"},
	}
	out, err := s.UpsertRelationships(ctx, rels)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if out[0].ID != out[1].ID {
		t.Fatal("same direction and normalized description must dedup")
	}
	if out[2].ID == out[0].ID {
		t.Fatal("reversed direction must be a distinct relationship")
	}

	stored, err := s.RelationshipsByTopic(ctx, "physics")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected 2 stored relationships, got %d", len(stored))
	}
}

func TestSaveMappings_Idempotent(t *testing.T) {
	s := New()
	ctx := context.Background()

	m := common.SourceGraphMapping{
		SourceID:    "src1",
		ElementID:   "ent1",
		ElementType: common.ElementEntity,
		TopicName:   "physics",
	}
	if err := s.SaveMappings(ctx, []common.SourceGraphMapping{m, m}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveMappings(ctx, []common.SourceGraphMapping{m}); err != nil {
		t.Fatalf("save again: %v", err)
	}

	mapped, err := s.MappedSourceIDs(ctx, "physics")
	if err != nil {
		t.Fatalf("mapped: %v", err)
	}
	if len(mapped) != 1 || !mapped["src1"] {
		t.Fatalf("unexpected mapped set: %v", mapped)
	}
}

func TestUnmappedSources_FiltersMapped(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, name := range []string{"first", "second"} {
		src := &common.SourceData{
			Name:       name,
			Content:    "text",
			Attributes: map[string]string{common.AttrTopicName: "physics"},
		}
		if err := s.SaveSource(ctx, src); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	sources, err := s.SourcesByTopic(ctx, "physics")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(sources))
	}

	err = s.SaveMappings(ctx, []common.SourceGraphMapping{{
		SourceID:    sources[0].ID,
		ElementID:   "ent1",
		ElementType: common.ElementEntity,
		TopicName:   "physics",
	}})
	if err != nil {
		t.Fatalf("map: %v", err)
	}

	unmapped, err := s.UnmappedSources(ctx, "physics")
	if err != nil {
		t.Fatalf("unmapped: %v", err)
	}
	if len(unmapped) != 1 || unmapped[0].ID != sources[1].ID {
		t.Fatalf("unexpected unmapped set: %+v", unmapped)
	}
}

func TestCognitiveMap_CacheRoundtrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.GetCognitiveMap(ctx, "src1", "physics"); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	m := &common.CognitiveMap{
		SourceID:    "src1",
		TopicName:   "physics",
		Summary:     "radioactivity research",
		KeyEntities: []string{"Marie Curie"},
	}
	if err := s.SaveCognitiveMap(ctx, m); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetCognitiveMap(ctx, "src1", "physics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Summary != m.Summary {
		t.Fatalf("unexpected map: %+v", got)
	}
	if _, err := s.GetCognitiveMap(ctx, "src1", "chemistry"); err != store.ErrNotFound {
		t.Fatalf("map must be scoped per topic, got %v", err)
	}
}

func TestSearchRelationships_OrderAndLimit(t *testing.T) {
	s := New()
	ctx := context.Background()

	rels := []common.Relationship{
		{ID: "r1", TopicName: "physics", SourceEntityID: "a", TargetEntityID: "b", Description: "x", Embedding: []float32{1, 0}},
		{ID: "r2", TopicName: "physics", SourceEntityID: "a", TargetEntityID: "c", Description: "y", Embedding: []float32{0.9, 0.1}},
		{ID: "r3", TopicName: "physics", SourceEntityID: "a", TargetEntityID: "d", Description: "z", Embedding: []float32{0, 1}},
		{ID: "r4", TopicName: "other", SourceEntityID: "a", TargetEntityID: "e", Description: "w", Embedding: []float32{1, 0}},
	}
	if _, err := s.UpsertRelationships(ctx, rels); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	hits, err := s.SearchRelationships(ctx, []float32{1, 0}, "physics", 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Relationship.ID != "r1" || hits[1].Relationship.ID != "r2" {
		t.Fatalf("wrong order: %s, %s", hits[0].Relationship.ID, hits[1].Relationship.ID)
	}
	if hits[0].Score <= hits[1].Score {
		t.Fatalf("scores not descending: %f, %f", hits[0].Score, hits[1].Score)
	}
}
