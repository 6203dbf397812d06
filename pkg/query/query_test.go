package query

import (
	"context"
	"errors"
	"testing"

	"github.com/stratum-kg/stratum/pkg/ai/mock"
	"github.com/stratum-kg/stratum/pkg/common"
	"github.com/stratum-kg/stratum/pkg/store/memory"
)

func seedTopic(t *testing.T, s *memory.Store, client *mock.Client, topic string, descriptions []string) []common.Relationship {
	t.Helper()
	ctx := context.Background()

	entities := make([]common.Entity, 0, len(descriptions)+1)
	for i := 0; i <= len(descriptions); i++ {
		entities = append(entities, common.Entity{
			TopicName: topic,
			Name:      string(rune('A' + i)),
		})
	}
	saved, err := s.UpsertEntities(ctx, entities)
	if err != nil {
		t.Fatalf("UpsertEntities: %v", err)
	}

	rels := make([]common.Relationship, 0, len(descriptions))
	for i, desc := range descriptions {
		emb, err := client.GenerateEmbedding(ctx, []byte(desc))
		if err != nil {
			t.Fatalf("GenerateEmbedding: %v", err)
		}
		rels = append(rels, common.Relationship{
			TopicName:      topic,
			SourceEntityID: saved[i].ID,
			TargetEntityID: saved[i+1].ID,
			Description:    desc,
			Embedding:      emb,
		})
	}
	saved2, err := s.UpsertRelationships(ctx, rels)
	if err != nil {
		t.Fatalf("UpsertRelationships: %v", err)
	}
	return saved2
}

func TestSearchRelationships_ExactMatchRanksFirst(t *testing.T) {
	s := memory.New()
	client := mock.NewClient()
	engine := New(s, client)

	seedTopic(t, s, client, "physics", []string{
		"Curie discovered Radium",
		"Curie taught at the Sorbonne",
		"Radium glows in the dark",
	})

	hits, err := engine.SearchRelationships(context.Background(), SearchParams{
		Query:     "Curie discovered Radium",
		TopicName: "physics",
		TopK:      2,
		Threshold: -1,
	})
	if err != nil {
		t.Fatalf("SearchRelationships() error = %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].Relationship.Description != "Curie discovered Radium" {
		t.Errorf("top hit = %q, want the exact match", hits[0].Relationship.Description)
	}
	if hits[0].Score < hits[1].Score {
		t.Errorf("hits not sorted by descending score: %v < %v", hits[0].Score, hits[1].Score)
	}
}

func TestSearchRelationships_TopicScoped(t *testing.T) {
	s := memory.New()
	client := mock.NewClient()
	engine := New(s, client)

	seedTopic(t, s, client, "physics", []string{"Curie discovered Radium"})
	seedTopic(t, s, client, "cooking", []string{"Curie discovered Radium"})

	hits, err := engine.SearchRelationships(context.Background(), SearchParams{
		Query:     "Curie discovered Radium",
		TopicName: "physics",
		Threshold: -1,
	})
	if err != nil {
		t.Fatalf("SearchRelationships() error = %v", err)
	}
	for _, h := range hits {
		if h.Relationship.TopicName != "physics" {
			t.Errorf("hit from topic %q leaked into physics search", h.Relationship.TopicName)
		}
	}
}

func TestSearchRelationships_ThresholdFilters(t *testing.T) {
	s := memory.New()
	client := mock.NewClient()
	engine := New(s, client)

	seedTopic(t, s, client, "physics", []string{
		"Curie discovered Radium",
		"completely unrelated text about cooking pasta",
	})

	hits, err := engine.SearchRelationships(context.Background(), SearchParams{
		Query:     "Curie discovered Radium",
		TopicName: "physics",
		Threshold: 0.99,
	})
	if err != nil {
		t.Fatalf("SearchRelationships() error = %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits above threshold, want 1", len(hits))
	}
	if hits[0].Relationship.Description != "Curie discovered Radium" {
		t.Errorf("surviving hit = %q", hits[0].Relationship.Description)
	}
}

func TestSearchRelationships_EmptyQueryRejected(t *testing.T) {
	engine := New(memory.New(), mock.NewClient())

	_, err := engine.SearchRelationships(context.Background(), SearchParams{TopicName: "physics"})
	if !errors.Is(err, common.ErrQuery) {
		t.Errorf("empty query: err = %v, want ErrQuery", err)
	}
}

func TestSearchRelationships_NoTopicSearchesAllTopics(t *testing.T) {
	s := memory.New()
	client := mock.NewClient()
	engine := New(s, client)

	seedTopic(t, s, client, "physics", []string{"Curie discovered Radium"})
	seedTopic(t, s, client, "cooking", []string{"salt enhances flavor"})

	hits, err := engine.SearchRelationships(context.Background(), SearchParams{
		Query:     "Curie discovered Radium",
		Threshold: -1,
	})
	if err != nil {
		t.Fatalf("SearchRelationships() error = %v", err)
	}
	topics := make(map[string]bool)
	for _, h := range hits {
		topics[h.Relationship.TopicName] = true
	}
	if !topics["physics"] || !topics["cooking"] {
		t.Errorf("unscoped search hit topics %v, want both seeded topics", topics)
	}
}

func TestSearchRelationships_ZeroThresholdIsHonored(t *testing.T) {
	s := memory.New()
	client := mock.NewClient()
	vectors := map[string][]float32{
		"north": {1, 0},
		"east":  {0, 1},
	}
	client.EmbeddingFunc = func(ctx context.Context, input []byte) ([]float32, error) {
		if v, ok := vectors[string(input)]; ok {
			return v, nil
		}
		return vectors["north"], nil
	}
	engine := New(s, client)

	// One edge identical to the query (score 1), one orthogonal (score 0).
	seedTopic(t, s, client, "compass", []string{"north", "east"})

	hits, err := engine.SearchRelationships(context.Background(), SearchParams{
		Query:     "north",
		TopicName: "compass",
		Threshold: 0,
	})
	if err != nil {
		t.Fatalf("SearchRelationships() error = %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits with threshold 0, want both edges at score >= 0", len(hits))
	}
}

func TestSearchRelationships_EmbeddingErrorWrapped(t *testing.T) {
	client := mock.NewClient()
	client.EmbeddingFunc = func(ctx context.Context, input []byte) ([]float32, error) {
		return nil, errors.New("model offline")
	}
	engine := New(memory.New(), client)

	hits, err := engine.SearchRelationships(context.Background(), SearchParams{
		Query: "q", TopicName: "physics",
	})
	if !errors.Is(err, common.ErrQuery) {
		t.Errorf("err = %v, want ErrQuery", err)
	}
	if hits != nil {
		t.Errorf("hits = %v, want nil on error", hits)
	}
}

func TestTopicGraph(t *testing.T) {
	s := memory.New()
	client := mock.NewClient()
	engine := New(s, client)

	rels := seedTopic(t, s, client, "physics", []string{"Curie discovered Radium"})
	seedTopic(t, s, client, "cooking", []string{"salt enhances flavor"})

	g, err := engine.TopicGraph(context.Background(), "physics")
	if err != nil {
		t.Fatalf("TopicGraph() error = %v", err)
	}
	if g.TopicName != "physics" {
		t.Errorf("TopicName = %q", g.TopicName)
	}
	if len(g.Entities) != 2 {
		t.Errorf("got %d entities, want 2", len(g.Entities))
	}
	if len(g.Relationships) != 1 || g.Relationships[0].ID != rels[0].ID {
		t.Errorf("relationships = %+v, want exactly the seeded edge", g.Relationships)
	}

	if _, err := engine.TopicGraph(context.Background(), ""); !errors.Is(err, common.ErrQuery) {
		t.Errorf("empty topic: err = %v, want ErrQuery", err)
	}
}
