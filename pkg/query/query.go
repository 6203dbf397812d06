// Package query reads a built topic graph: vector-similarity search over
// relationship descriptions, and whole-topic graph retrieval. It never
// mutates the graph.
package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/stratum-kg/stratum/pkg/ai"
	"github.com/stratum-kg/stratum/pkg/common"
	"github.com/stratum-kg/stratum/pkg/logger"
	"github.com/stratum-kg/stratum/pkg/store"
)

const (
	// DefaultTopK bounds search results when the caller passes no limit.
	DefaultTopK = 10
	// DefaultThreshold is the similarity floor API callers get when they
	// do not pass one. The engine itself applies thresholds as given.
	DefaultThreshold = 0.3
)

// Engine answers read queries against the graph store.
type Engine struct {
	store    store.Store
	aiClient ai.GraphAIClient
}

func New(s store.Store, aiClient ai.GraphAIClient) *Engine {
	return &Engine{store: s, aiClient: aiClient}
}

// SearchParams scopes a relationship similarity search.
type SearchParams struct {
	Query string
	// TopicName restricts the search to one topic. Empty searches across
	// all topics.
	TopicName string
	// TopK caps the number of hits. Defaults to DefaultTopK.
	TopK int
	// Threshold is the minimum cosine similarity, applied as given.
	Threshold float64
}

// SearchRelationships embeds the query text and returns the most similar
// relationships, best first, ties broken by relationship ID.
func (e *Engine) SearchRelationships(ctx context.Context, params SearchParams) ([]common.ScoredRelationship, error) {
	q := strings.TrimSpace(params.Query)
	if q == "" {
		return nil, fmt.Errorf("%w: empty query", common.ErrQuery)
	}

	topK := params.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	threshold := params.Threshold

	embedding, err := e.aiClient.GenerateEmbedding(ctx, []byte(q))
	if err != nil {
		return nil, fmt.Errorf("%w: embedding query: %w", common.ErrQuery, err)
	}

	// Over-fetch so the threshold filter does not starve topK.
	hits, err := e.store.SearchRelationships(ctx, embedding, params.TopicName, topK*4)
	if err != nil {
		return nil, fmt.Errorf("%w: searching relationships: %w", common.ErrQuery, err)
	}

	results := make([]common.ScoredRelationship, 0, topK)
	for _, hit := range hits {
		if hit.Score < threshold {
			continue
		}
		results = append(results, hit)
		if len(results) >= topK {
			break
		}
	}

	logger.Debug("[Query] Relationship search",
		"topic", params.TopicName, "candidates", len(hits), "hits", len(results))
	return results, nil
}

// TopicGraph returns every entity and relationship of one topic. Results
// never cross topic boundaries.
func (e *Engine) TopicGraph(ctx context.Context, topicName string) (*common.TopicGraph, error) {
	if topicName == "" {
		return nil, fmt.Errorf("%w: topic name is required", common.ErrQuery)
	}

	entities, err := e.store.EntitiesByTopic(ctx, topicName)
	if err != nil {
		return nil, fmt.Errorf("%w: loading entities of %q: %w", common.ErrQuery, topicName, err)
	}
	relationships, err := e.store.RelationshipsByTopic(ctx, topicName)
	if err != nil {
		return nil, fmt.Errorf("%w: loading relationships of %q: %w", common.ErrQuery, topicName, err)
	}

	return &common.TopicGraph{
		TopicName:     topicName,
		Entities:      entities,
		Relationships: relationships,
	}, nil
}
