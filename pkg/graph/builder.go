// Package graph builds and enhances topic-scoped knowledge graphs from
// extracted sources.
package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/stratum-kg/stratum/internal/util"
	"github.com/stratum-kg/stratum/pkg/ai"
	"github.com/stratum-kg/stratum/pkg/blueprint"
	"github.com/stratum-kg/stratum/pkg/common"
	"github.com/stratum-kg/stratum/pkg/logger"
	"github.com/stratum-kg/stratum/pkg/store"
)

// Mapper resolves the cognitive map of a source, from cache or by
// generating one. The extractor satisfies this.
type Mapper interface {
	CognitiveMap(ctx context.Context, source *common.SourceData) (*common.CognitiveMap, error)
}

// extractionTemperature keeps triplet extraction close to deterministic.
const extractionTemperature = 0.1

// Builder incorporates unmapped sources of a topic into its graph.
type Builder struct {
	store           store.Store
	aiClient        ai.GraphAIClient
	mapper          Mapper
	blueprints      *blueprint.Generator
	parallelSources int
	maxRetries      int
	signature       common.SignatureFunc
	opts            []ai.GenerateOption
}

type NewBuilderParams struct {
	Store    store.Store
	AIClient ai.GraphAIClient
	Mapper   Mapper
	// ParallelSources controls how many sources are processed
	// concurrently within one build. Defaults to 2.
	ParallelSources int
	MaxRetries      int
	// Signature overrides the relationship dedup signature. Must match
	// the store's configuration. Defaults to ExactSignature.
	Signature common.SignatureFunc
	// Model overrides the client's default completion model for build
	// calls. Optional.
	Model string
	// Thinking enables extended thinking on build calls, e.g. "low" or
	// "medium". Optional.
	Thinking string
}

func NewBuilder(params NewBuilderParams) *Builder {
	b := &Builder{
		store:           params.Store,
		aiClient:        params.AIClient,
		mapper:          params.Mapper,
		blueprints:      blueprint.New(params.AIClient),
		parallelSources: params.ParallelSources,
		maxRetries:      params.MaxRetries,
		signature:       params.Signature,
	}
	if b.parallelSources <= 0 {
		b.parallelSources = 2
	}
	if b.maxRetries <= 0 {
		b.maxRetries = 3
	}
	if b.signature == nil {
		b.signature = common.ExactSignature
	}
	b.opts = []ai.GenerateOption{ai.WithSystemPrompts(ai.SystemPrompt)}
	if params.Model != "" {
		b.opts = append(b.opts, ai.WithModel(params.Model))
	}
	if params.Thinking != "" {
		b.opts = append(b.opts, ai.WithThinking(params.Thinking))
	}
	return b
}

// generateOpts copies the builder options so concurrent callers can append
// call-specific ones without sharing a backing array.
func (b *Builder) generateOpts(extra ...ai.GenerateOption) []ai.GenerateOption {
	opts := make([]ai.GenerateOption, 0, len(b.opts)+len(extra))
	opts = append(opts, b.opts...)
	return append(opts, extra...)
}

type tripletResponse struct {
	Triplets []struct {
		Subject            string `json:"subject" jsonschema_description:"Name of the subject entity"`
		Predicate          string `json:"predicate" jsonschema_description:"Short verb phrase describing the relation"`
		Object             string `json:"object" jsonschema_description:"Name of the object entity"`
		SubjectDescription string `json:"subject_description" jsonschema_description:"What the document says about the subject entity"`
		ObjectDescription  string `json:"object_description" jsonschema_description:"What the document says about the object entity"`
	} `json:"triplets" jsonschema_description:"Factual statements extracted from the document"`
}

type sourceResult struct {
	sourceID     string
	triplets     []common.Triplet
	cognitiveMap *common.CognitiveMap
}

// Build incorporates all unmapped sources of the topic. Individual source
// failures are counted and skipped so one bad document never blocks the
// batch; the failed source stays unmapped and is retried on the next build.
func (b *Builder) Build(ctx context.Context, topicName string) (*common.BuildReport, error) {
	report := &common.BuildReport{TopicName: topicName}

	sources, err := b.store.UnmappedSources(ctx, topicName)
	if err != nil {
		return nil, fmt.Errorf("%w: list unmapped sources for topic %s: %w", common.ErrGraphBuild, topicName, err)
	}
	if len(sources) == 0 {
		logger.Debug("[Graph] Nothing to build", "topic", topicName)
		return report, nil
	}

	logger.Info("[Graph] Building", "topic", topicName, "sources", len(sources))

	maps := make([]*common.CognitiveMap, 0, len(sources))
	mapBySource := make(map[string]*common.CognitiveMap, len(sources))
	for _, src := range sources {
		m, err := b.mapper.CognitiveMap(ctx, src)
		if err != nil {
			logger.Warn("[Graph] Cognitive map failed, source skipped", "source", src.ID, "err", err)
			continue
		}
		maps = append(maps, m)
		mapBySource[src.ID] = m
	}
	report.CognitiveMapsCreated = len(maps)

	// A single document merging into an existing topic needs no
	// cross-document naming reconciliation; everything else gets a
	// blueprint. Blueprint failure degrades to per-source processing, it
	// never blocks the build.
	var bp *common.Blueprint
	if needsBlueprint(sources) {
		bp, err = b.blueprints.Generate(ctx, topicName, maps)
		if err != nil {
			logger.Warn("[Graph] Blueprint generation failed, continuing without guidance", "topic", topicName, "err", err)
			bp = nil
		}
	}
	report.Blueprint = bp
	guidance := blueprint.Guidance(bp)

	results := make([]sourceResult, 0, len(sources))
	var mu sync.Mutex

	eg, gCtx := errgroup.WithContext(ctx)
	eg.SetLimit(b.parallelSources)
	for _, src := range sources {
		s := src
		eg.Go(func() error {
			select {
			case <-gCtx.Done():
				return nil
			default:
			}

			m, ok := mapBySource[s.ID]
			if !ok {
				mu.Lock()
				report.SourcesFailed++
				mu.Unlock()
				return nil
			}

			triplets, err := b.extractTriplets(gCtx, s, topicName, guidance)
			if err != nil {
				logger.Warn("[Graph] Triplet extraction failed, source skipped", "source", s.ID, "err", err)
				mu.Lock()
				report.SourcesFailed++
				mu.Unlock()
				return nil
			}

			mu.Lock()
			results = append(results, sourceResult{sourceID: s.ID, triplets: triplets, cognitiveMap: m})
			report.SourcesProcessed++
			report.TripletsExtracted += len(triplets)
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrGraphBuild, err)
	}

	if len(results) == 0 {
		if report.SourcesFailed > 0 {
			return report, fmt.Errorf("%w: all %d sources of topic %s failed", common.ErrGraphBuild, report.SourcesFailed, topicName)
		}
		return report, nil
	}

	if err := b.persist(ctx, topicName, results, report); err != nil {
		return report, err
	}

	logger.Info("[Graph] Build finished", "topic", topicName,
		"sources", report.SourcesProcessed, "failed", report.SourcesFailed,
		"entities", report.EntitiesCreated+report.EntitiesMerged,
		"relationships", report.RelationshipsCreated+report.RelationshipsMerged)
	return report, nil
}

func needsBlueprint(sources []*common.SourceData) bool {
	if len(sources) > 1 {
		return true
	}
	for _, s := range sources {
		if s.Attributes[common.AttrIsNewTopic] == "true" {
			return true
		}
	}
	return false
}

func (b *Builder) extractTriplets(ctx context.Context, src *common.SourceData, topicName, guidance string) ([]common.Triplet, error) {
	prompt := fmt.Sprintf(ai.TripletExtractPrompt, topicName, src.Name, guidance, src.EffectiveContent())

	res, err := util.RetryWithContext(ctx, b.maxRetries, func(ctx context.Context) (*tripletResponse, error) {
		var r tripletResponse
		err := b.aiClient.GenerateCompletionWithFormat(
			ctx,
			"extract_triplets",
			"Extract factual subject-predicate-object statements from a document.",
			prompt,
			&r,
			b.generateOpts(ai.WithTemperature(extractionTemperature))...,
		)
		return &r, err
	})
	if err != nil {
		return nil, err
	}

	triplets := make([]common.Triplet, 0, len(res.Triplets))
	for _, t := range res.Triplets {
		if strings.TrimSpace(t.Subject) == "" || strings.TrimSpace(t.Object) == "" {
			continue
		}
		triplets = append(triplets, common.Triplet{
			Subject:            strings.TrimSpace(t.Subject),
			Predicate:          strings.TrimSpace(t.Predicate),
			Object:             strings.TrimSpace(t.Object),
			SubjectDescription: strings.TrimSpace(t.SubjectDescription),
			ObjectDescription:  strings.TrimSpace(t.ObjectDescription),
		})
	}
	return triplets, nil
}

// pendingEntity accumulates everything the batch learned about one entity
// before it is reconciled against the persisted graph.
type pendingEntity struct {
	name         string
	descriptions []string
	sourceIDs    map[string]bool
}

type pendingRelationship struct {
	subjectKey  string
	objectKey   string
	description string
	sourceIDs   map[string]bool
}

func (b *Builder) persist(ctx context.Context, topicName string, results []sourceResult, report *common.BuildReport) error {
	entities := make(map[string]*pendingEntity)
	relationships := make(map[string]*pendingRelationship)

	addEntity := func(name, description, sourceID string) string {
		key := common.EntityKey(topicName, name)
		pe, ok := entities[key]
		if !ok {
			pe = &pendingEntity{name: name, sourceIDs: make(map[string]bool)}
			entities[key] = pe
		}
		if description != "" && !containsString(pe.descriptions, description) {
			pe.descriptions = append(pe.descriptions, description)
		}
		pe.sourceIDs[sourceID] = true
		return key
	}

	for _, res := range results {
		for _, t := range res.triplets {
			subjectKey := addEntity(t.Subject, t.SubjectDescription, res.sourceID)
			objectKey := addEntity(t.Object, t.ObjectDescription, res.sourceID)

			desc := strings.TrimSpace(t.Subject + " " + t.Predicate + " " + t.Object)
			relKey := subjectKey + "\x1f" + objectKey + "\x1f" + b.signature(desc)
			pr, ok := relationships[relKey]
			if !ok {
				pr = &pendingRelationship{
					subjectKey:  subjectKey,
					objectKey:   objectKey,
					description: desc,
					sourceIDs:   make(map[string]bool),
				}
				relationships[relKey] = pr
			}
			pr.sourceIDs[res.sourceID] = true
		}
	}

	toUpsert := make([]common.Entity, 0, len(entities))
	entityOrder := make([]string, 0, len(entities))
	for key, pe := range entities {
		description, merged, err := b.reconcileDescription(ctx, topicName, pe)
		if err != nil {
			return fmt.Errorf("%w: reconcile description of %s: %w", common.ErrGraphBuild, pe.name, err)
		}
		if merged {
			report.EntitiesMerged++
		} else {
			report.EntitiesCreated++
		}
		toUpsert = append(toUpsert, common.Entity{
			TopicName:   topicName,
			Name:        pe.name,
			Description: description,
		})
		entityOrder = append(entityOrder, key)
	}

	entityInputs := make([][]byte, len(toUpsert))
	for i := range toUpsert {
		entityInputs[i] = []byte(toUpsert[i].Description)
	}
	entityEmb, err := store.GenerateEmbeddings(ctx, b.aiClient, entityInputs)
	if err != nil {
		return fmt.Errorf("%w: entity embeddings: %w", common.ErrGraphBuild, err)
	}
	for i := range toUpsert {
		toUpsert[i].Embedding = entityEmb[i]
	}

	persisted, err := b.store.UpsertEntities(ctx, toUpsert)
	if err != nil {
		return fmt.Errorf("%w: upsert entities: %w", common.ErrGraphBuild, err)
	}

	entityIDByKey := make(map[string]string, len(persisted))
	for i, e := range persisted {
		entityIDByKey[entityOrder[i]] = e.ID
	}

	existingRels, err := b.store.RelationshipsByTopic(ctx, topicName)
	if err != nil {
		return fmt.Errorf("%w: list relationships of topic %s: %w", common.ErrGraphBuild, topicName, err)
	}
	existingRelKeys := make(map[string]bool, len(existingRels))
	for _, r := range existingRels {
		existingRelKeys[common.RelationshipKey(topicName, r.SourceEntityID, r.TargetEntityID, b.signature, r.Description)] = true
	}

	relsToUpsert := make([]common.Relationship, 0, len(relationships))
	relSources := make([]map[string]bool, 0, len(relationships))
	relInputs := make([][]byte, 0, len(relationships))
	for _, pr := range relationships {
		srcID, ok1 := entityIDByKey[pr.subjectKey]
		tgtID, ok2 := entityIDByKey[pr.objectKey]
		if !ok1 || !ok2 {
			continue
		}
		if existingRelKeys[common.RelationshipKey(topicName, srcID, tgtID, b.signature, pr.description)] {
			report.RelationshipsMerged++
		} else {
			report.RelationshipsCreated++
		}
		relsToUpsert = append(relsToUpsert, common.Relationship{
			TopicName:      topicName,
			SourceEntityID: srcID,
			TargetEntityID: tgtID,
			Description:    pr.description,
		})
		relSources = append(relSources, pr.sourceIDs)
		relInputs = append(relInputs, []byte(pr.description))
	}

	relEmb, err := store.GenerateEmbeddings(ctx, b.aiClient, relInputs)
	if err != nil {
		return fmt.Errorf("%w: relationship embeddings: %w", common.ErrGraphBuild, err)
	}
	for i := range relsToUpsert {
		relsToUpsert[i].Embedding = relEmb[i]
	}

	persistedRels, err := b.store.UpsertRelationships(ctx, relsToUpsert)
	if err != nil {
		return fmt.Errorf("%w: upsert relationships: %w", common.ErrGraphBuild, err)
	}

	mappings := make([]common.SourceGraphMapping, 0)
	for i, e := range persisted {
		for sourceID := range entities[entityOrder[i]].sourceIDs {
			mappings = append(mappings, common.SourceGraphMapping{
				SourceID:    sourceID,
				ElementID:   e.ID,
				ElementType: common.ElementEntity,
				TopicName:   topicName,
			})
		}
	}
	for i, r := range persistedRels {
		for sourceID := range relSources[i] {
			mappings = append(mappings, common.SourceGraphMapping{
				SourceID:    sourceID,
				ElementID:   r.ID,
				ElementType: common.ElementRelationship,
				TopicName:   topicName,
			})
		}
	}
	if err := b.store.SaveMappings(ctx, mappings); err != nil {
		return fmt.Errorf("%w: save mappings: %w", common.ErrGraphBuild, err)
	}

	return nil
}

// reconcileDescription merges the batch descriptions of one entity with the
// description already persisted for it, if any. With more than one distinct
// description the merge goes through the LLM; when that fails the longest
// description wins.
func (b *Builder) reconcileDescription(ctx context.Context, topicName string, pe *pendingEntity) (string, bool, error) {
	descriptions := make([]string, 0, len(pe.descriptions)+1)

	existing, err := b.store.EntityByName(ctx, topicName, pe.name)
	exists := false
	switch {
	case err == nil:
		exists = true
		if existing.Description != "" {
			descriptions = append(descriptions, existing.Description)
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		return "", false, err
	}

	for _, d := range pe.descriptions {
		if !containsString(descriptions, d) {
			descriptions = append(descriptions, d)
		}
	}

	if len(descriptions) == 0 {
		return "", exists, nil
	}
	if len(descriptions) == 1 {
		return descriptions[0], exists, nil
	}

	merged, err := b.mergeDescriptions(ctx, pe.name, descriptions)
	if err != nil {
		logger.Warn("[Graph] Description merge failed, keeping longest", "entity", pe.name, "err", err)
		return longestString(descriptions), exists, nil
	}
	return merged, exists, nil
}

func (b *Builder) mergeDescriptions(ctx context.Context, name string, descriptions []string) (string, error) {
	prompt := fmt.Sprintf(ai.DescMergePrompt, name, "- "+strings.Join(descriptions, "\n- "))

	res, err := util.RetryWithContext(ctx, b.maxRetries, func(ctx context.Context) (string, error) {
		return b.aiClient.GenerateCompletion(ctx, prompt, b.generateOpts()...)
	})
	if err != nil {
		return "", err
	}

	res = strings.ReplaceAll(res, "\r\n", " ")
	res = strings.ReplaceAll(res, "\n", " ")
	res = strings.TrimSpace(strings.Join(strings.Fields(res), " "))
	if res == "" {
		return "", errors.New("empty merged description")
	}
	return res, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func longestString(list []string) string {
	best := ""
	for _, v := range list {
		if len(v) > len(best) {
			best = v
		}
	}
	return best
}
