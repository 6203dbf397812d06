// Package blueprint generates per-batch processing guidance from the
// cognitive maps of a topic. Blueprints align entity naming across sources
// of one build and are regenerated for every batch.
package blueprint

import (
	"context"
	"fmt"
	"sort"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/stratum-kg/stratum/internal/util"
	"github.com/stratum-kg/stratum/pkg/ai"
	"github.com/stratum-kg/stratum/pkg/common"
	"github.com/stratum-kg/stratum/pkg/logger"
)

const llmRetries = 3

// Generator produces blueprints from cognitive maps.
type Generator struct {
	aiClient ai.GraphAIClient
}

func New(aiClient ai.GraphAIClient) *Generator {
	return &Generator{aiClient: aiClient}
}

// Generate builds a blueprint for one batch. Failures are wrapped in
// ErrBlueprint; the builder degrades to per-source processing when the
// blueprint cannot be produced.
func (g *Generator) Generate(ctx context.Context, topicName string, maps []*common.CognitiveMap) (*common.Blueprint, error) {
	if len(maps) == 0 {
		return nil, fmt.Errorf("%w: no cognitive maps for topic %s", common.ErrBlueprint, topicName)
	}

	prompt := fmt.Sprintf(ai.BlueprintPrompt, topicName, renderMaps(maps))

	var res struct {
		ProcessingItems        map[string]string `json:"processing_items" jsonschema_description:"Guidance per category, e.g. canonical_entities, key_patterns, global_timeline"`
		ProcessingInstructions string            `json:"processing_instructions" jsonschema_description:"Free-text instructions for the extraction step"`
	}

	err := util.RetryErrWithContext(ctx, llmRetries, func(ctx context.Context) error {
		return g.aiClient.GenerateCompletionWithFormat(
			ctx,
			"processing_blueprint",
			"Derive cross-document processing guidance from cognitive maps.",
			prompt,
			&res,
			ai.WithSystemPrompts(ai.SystemPrompt),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: generate blueprint for topic %s: %w", common.ErrBlueprint, topicName, err)
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrBlueprint, err)
	}

	logger.Debug("[Blueprint] Generated", "topic", topicName, "maps", len(maps), "items", len(res.ProcessingItems))
	return &common.Blueprint{
		ID:                     id,
		TopicName:              topicName,
		ProcessingInstructions: res.ProcessingInstructions,
		ProcessingItems:        res.ProcessingItems,
	}, nil
}

// Guidance renders a blueprint as the guidance block fed into triplet
// extraction. A nil blueprint yields a neutral instruction.
func Guidance(b *common.Blueprint) string {
	if b == nil {
		return "No batch guidance available. Use the most complete entity names found in the text."
	}

	var sb strings.Builder
	for _, category := range orderedCategories(b.ProcessingItems) {
		sb.WriteString(fmt.Sprintf("## %s\n%s\n", category, b.ProcessingItems[category]))
	}
	if b.ProcessingInstructions != "" {
		sb.WriteString("## instructions\n" + b.ProcessingInstructions + "\n")
	}
	return strings.TrimSpace(sb.String())
}

// orderedCategories lists the known categories first so the guidance block
// is stable across runs.
func orderedCategories(items map[string]string) []string {
	known := []string{"canonical_entities", "key_patterns", "global_timeline"}
	out := make([]string, 0, len(items))
	seen := make(map[string]bool)
	for _, c := range known {
		if _, ok := items[c]; ok {
			out = append(out, c)
			seen[c] = true
		}
	}
	rest := make([]string, 0)
	for c := range items {
		if !seen[c] {
			rest = append(rest, c)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

func renderMaps(maps []*common.CognitiveMap) string {
	var sb strings.Builder
	for i, m := range maps {
		sb.WriteString(fmt.Sprintf("### Document %d: %s\n", i+1, m.SourceName))
		sb.WriteString("Summary: " + m.Summary + "\n")
		if len(m.KeyEntities) > 0 {
			sb.WriteString("Key entities: " + strings.Join(m.KeyEntities, ", ") + "\n")
		}
		if len(m.ThemeKeywords) > 0 {
			sb.WriteString("Themes: " + strings.Join(m.ThemeKeywords, ", ") + "\n")
		}
		if len(m.Timeline) > 0 {
			sb.WriteString("Timeline:\n")
			for _, line := range m.Timeline {
				sb.WriteString("- " + line + "\n")
			}
		}
		if m.StructuralPattern != "" {
			sb.WriteString("Structure: " + m.StructuralPattern + "\n")
		}
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}
