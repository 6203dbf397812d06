package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/stratum-kg/stratum/internal/util"
	"github.com/stratum-kg/stratum/pkg/ai"
	"github.com/stratum-kg/stratum/pkg/common"
	"github.com/stratum-kg/stratum/pkg/logger"
	"github.com/stratum-kg/stratum/pkg/store"
)

// weakDegree is the connection count at or below which an entity is
// considered weakly connected.
const weakDegree = 1

type enhanceResponse struct {
	Relationships []struct {
		Source      string `json:"source" jsonschema_description:"Name of the source entity, exactly as listed"`
		Target      string `json:"target" jsonschema_description:"Name of the target entity, exactly as listed"`
		Description string `json:"description" jsonschema_description:"Explanation of the relation, grounded in the provided descriptions"`
	} `json:"relationships" jsonschema_description:"Additional relationships between existing entities"`
}

// Enhance proposes relationships for weakly connected entities of the topic.
// It only connects entities that already exist; a failure here leaves the
// built graph untouched.
func (b *Builder) Enhance(ctx context.Context, topicName string) (*common.EnhanceReport, error) {
	report := &common.EnhanceReport{TopicName: topicName}

	entities, err := b.store.EntitiesByTopic(ctx, topicName)
	if err != nil {
		return nil, fmt.Errorf("enhance topic %s: %w", topicName, err)
	}
	if len(entities) < 2 {
		return report, nil
	}

	relationships, err := b.store.RelationshipsByTopic(ctx, topicName)
	if err != nil {
		return nil, fmt.Errorf("enhance topic %s: %w", topicName, err)
	}

	degree := make(map[string]int, len(entities))
	existingKeys := make(map[string]bool, len(relationships))
	for _, r := range relationships {
		degree[r.SourceEntityID]++
		degree[r.TargetEntityID]++
		existingKeys[common.RelationshipKey(topicName, r.SourceEntityID, r.TargetEntityID, b.signature, r.Description)] = true
	}

	weak := make([]common.Entity, 0)
	for _, e := range entities {
		if degree[e.ID] <= weakDegree {
			weak = append(weak, e)
		}
	}
	report.EntitiesExamined = len(weak)
	if len(weak) == 0 {
		return report, nil
	}

	logger.Info("[Graph] Enhancing", "topic", topicName, "weak_entities", len(weak), "entities", len(entities))

	prompt := fmt.Sprintf(ai.EnhancePrompt, topicName, renderEntities(weak), renderEntities(entities))

	res, err := util.RetryWithContext(ctx, b.maxRetries, func(ctx context.Context) (*enhanceResponse, error) {
		var r enhanceResponse
		err := b.aiClient.GenerateCompletionWithFormat(
			ctx,
			"graph_enhancement",
			"Propose relationships between weakly connected entities of a knowledge graph.",
			prompt,
			&r,
			b.generateOpts()...,
		)
		return &r, err
	})
	if err != nil {
		return report, fmt.Errorf("enhance topic %s: %w", topicName, err)
	}

	idByKey := make(map[string]string, len(entities))
	for _, e := range entities {
		idByKey[common.EntityKey(topicName, e.Name)] = e.ID
	}

	toUpsert := make([]common.Relationship, 0, len(res.Relationships))
	for _, rel := range res.Relationships {
		srcID, ok1 := idByKey[common.EntityKey(topicName, rel.Source)]
		tgtID, ok2 := idByKey[common.EntityKey(topicName, rel.Target)]
		if !ok1 || !ok2 || srcID == tgtID {
			continue
		}

		key := common.RelationshipKey(topicName, srcID, tgtID, b.signature, rel.Description)
		if existingKeys[key] {
			continue
		}
		existingKeys[key] = true

		toUpsert = append(toUpsert, common.Relationship{
			TopicName:      topicName,
			SourceEntityID: srcID,
			TargetEntityID: tgtID,
			Description:    strings.TrimSpace(rel.Description),
		})
	}
	if len(toUpsert) == 0 {
		return report, nil
	}

	inputs := make([][]byte, len(toUpsert))
	for i := range toUpsert {
		inputs[i] = []byte(toUpsert[i].Description)
	}
	embs, err := store.GenerateEmbeddings(ctx, b.aiClient, inputs)
	if err != nil {
		return report, fmt.Errorf("enhance topic %s: embeddings: %w", topicName, err)
	}
	for i := range toUpsert {
		toUpsert[i].Embedding = embs[i]
	}

	persisted, err := b.store.UpsertRelationships(ctx, toUpsert)
	if err != nil {
		return report, fmt.Errorf("enhance topic %s: %w", topicName, err)
	}
	report.RelationshipsAdded = len(persisted)

	logger.Info("[Graph] Enhancement finished", "topic", topicName, "added", report.RelationshipsAdded)
	return report, nil
}

func renderEntities(entities []common.Entity) string {
	var sb strings.Builder
	for _, e := range entities {
		sb.WriteString("- " + e.Name)
		if e.Description != "" {
			sb.WriteString(": " + e.Description)
		}
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}
