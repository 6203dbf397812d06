// Package extract turns claimed tasks into persisted sources with cached
// cognitive maps. It is the first LLM-touching stage of ingestion.
package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/stratum-kg/stratum/internal/util"
	"github.com/stratum-kg/stratum/pkg/ai"
	"github.com/stratum-kg/stratum/pkg/common"
	"github.com/stratum-kg/stratum/pkg/loader"
	"github.com/stratum-kg/stratum/pkg/logger"
	"github.com/stratum-kg/stratum/pkg/store"
)

const (
	defaultEncoder   = "o200k_base"
	defaultMaxTokens = 60000
	llmRetries       = 3
)

// Extractor resolves task content, persists it as a source and produces the
// cognitive map for the task's topic.
type Extractor struct {
	store     store.Store
	aiClient  ai.GraphAIClient
	loader    loader.SourceLoader
	encoder   string
	maxTokens int
	opts      []ai.GenerateOption
}

type Params struct {
	Store    store.Store
	AIClient ai.GraphAIClient
	// Loader resolves task source references. Optional; tasks with inline
	// content never touch it.
	Loader loader.SourceLoader
	// MaxTokens caps the content fed to the LLM. Defaults to 60000.
	MaxTokens int
	// Encoder names the tiktoken encoding used for the cap. Defaults to
	// o200k_base.
	Encoder string
	// Model overrides the client's default completion model for map
	// generation. Optional.
	Model string
}

func New(params Params) *Extractor {
	e := &Extractor{
		store:     params.Store,
		aiClient:  params.AIClient,
		loader:    params.Loader,
		encoder:   params.Encoder,
		maxTokens: params.MaxTokens,
	}
	e.opts = []ai.GenerateOption{ai.WithSystemPrompts(ai.SystemPrompt)}
	if params.Model != "" {
		e.opts = append(e.opts, ai.WithModel(params.Model))
	}
	if e.encoder == "" {
		e.encoder = defaultEncoder
	}
	if e.maxTokens <= 0 {
		e.maxTokens = defaultMaxTokens
	}
	return e
}

// Extract processes one claimed task: resolve the content, save the source
// and build its cognitive map. All failures are wrapped in ErrExtraction so
// the daemon can mark the task failed with a stable error class.
func (e *Extractor) Extract(ctx context.Context, task *common.GraphBuildTask) (*common.SourceData, error) {
	content, err := e.resolveContent(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve content for task %s: %w", common.ErrExtraction, task.ID, err)
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: task %s has no content", common.ErrExtraction, task.ID)
	}

	content, truncated, err := e.truncate(content)
	if err != nil {
		return nil, fmt.Errorf("%w: tokenize task %s: %w", common.ErrExtraction, task.ID, err)
	}
	if truncated {
		logger.Warn("[Extract] Content truncated to token cap", "task", task.ID, "max_tokens", e.maxTokens)
	}

	source := &common.SourceData{
		Name:    task.SourceName,
		Content: content,
		Link:    task.SourceRef,
		Attributes: map[string]string{
			common.AttrTopicName: task.TopicName,
		},
	}
	if task.IsNewTopic {
		source.Attributes[common.AttrIsNewTopic] = "true"
	}
	if err := e.store.SaveSource(ctx, source); err != nil {
		return nil, fmt.Errorf("%w: save source for task %s: %w", common.ErrExtraction, task.ID, err)
	}

	if _, err := e.CognitiveMap(ctx, source); err != nil {
		return nil, err
	}

	logger.Info("[Extract] Source extracted", "task", task.ID, "source", source.ID, "topic", task.TopicName)
	return source, nil
}

// CognitiveMap returns the cached map for the source's topic or generates
// and caches a new one.
func (e *Extractor) CognitiveMap(ctx context.Context, source *common.SourceData) (*common.CognitiveMap, error) {
	topicName := source.TopicName()

	cached, err := e.store.GetCognitiveMap(ctx, source.ID, topicName)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: load cognitive map for source %s: %w", common.ErrExtraction, source.ID, err)
	}

	prompt := fmt.Sprintf(ai.CognitiveMapPrompt, topicName, source.Name, source.EffectiveContent())

	var res struct {
		Summary           string   `json:"summary" jsonschema_description:"Compact summary of the document with respect to the topic"`
		KeyEntities       []string `json:"key_entities" jsonschema_description:"Central named entities, most complete form found in the text"`
		ThemeKeywords     []string `json:"theme_keywords" jsonschema_description:"Recurring themes or subject keywords, lowercase"`
		ImportantTimeline []string `json:"important_timeline" jsonschema_description:"Explicit dates, periods or event sequences"`
		StructuralPattern string   `json:"structural_pattern" jsonschema_description:"Short phrase characterizing the document structure"`
	}

	err = util.RetryErrWithContext(ctx, llmRetries, func(ctx context.Context) error {
		return e.aiClient.GenerateCompletionWithFormat(
			ctx,
			"cognitive_map",
			"Build a structured overview of a document with respect to a topic.",
			prompt,
			&res,
			e.opts...,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: generate cognitive map for source %s: %w", common.ErrExtraction, source.ID, err)
	}

	m := &common.CognitiveMap{
		SourceID:          source.ID,
		SourceName:        source.Name,
		TopicName:         topicName,
		Summary:           res.Summary,
		KeyEntities:       res.KeyEntities,
		ThemeKeywords:     res.ThemeKeywords,
		Timeline:          res.ImportantTimeline,
		StructuralPattern: res.StructuralPattern,
	}
	if err := e.store.SaveCognitiveMap(ctx, m); err != nil {
		return nil, fmt.Errorf("%w: cache cognitive map for source %s: %w", common.ErrExtraction, source.ID, err)
	}
	return m, nil
}

func (e *Extractor) resolveContent(ctx context.Context, task *common.GraphBuildTask) (string, error) {
	if task.InlineContent != "" {
		return task.InlineContent, nil
	}
	if task.SourceRef == "" {
		return "", errors.New("task has neither inline content nor a source reference")
	}
	if e.loader == nil {
		return "", fmt.Errorf("no loader configured for source reference %s", task.SourceRef)
	}

	file := loader.SourceFile{ID: task.ID, Path: task.SourceRef, Loader: e.loader}
	text, err := file.GetText(ctx)
	if err != nil {
		return "", err
	}
	return util.SanitizePostgresText(string(text)), nil
}

func (e *Extractor) truncate(content string) (string, bool, error) {
	// A token is at least one byte, so short content can never exceed the
	// cap and skips loading the encoder.
	if len(content) <= e.maxTokens {
		return content, false, nil
	}

	enc, err := tiktoken.GetEncoding(e.encoder)
	if err != nil {
		return "", false, err
	}
	tokens := enc.Encode(content, nil, nil)
	if len(tokens) <= e.maxTokens {
		return content, false, nil
	}
	return enc.Decode(tokens[:e.maxTokens]), true, nil
}

// FlattenMessages renders a chat batch as one text block for ingestion. The
// original message order is preserved.
func FlattenMessages(messages []common.Message) string {
	var b strings.Builder
	for _, m := range messages {
		role := m.Role
		if role == "" {
			role = "user"
		}
		if !m.Timestamp.IsZero() {
			b.WriteString("[" + m.Timestamp.Format("2006-01-02 15:04") + "] ")
		}
		b.WriteString(role + ": " + strings.TrimSpace(m.Content) + "\n")
	}
	return strings.TrimSpace(b.String())
}
