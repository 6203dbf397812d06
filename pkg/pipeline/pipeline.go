// Package pipeline decides which processing stages an ingestion request
// runs through and executes them per item. Extraction and graph building
// happen asynchronously in the daemons; the stages here enqueue and stage
// the work the daemons pick up.
package pipeline

import (
	"context"
	"fmt"

	"github.com/stratum-kg/stratum/pkg/common"
	"github.com/stratum-kg/stratum/pkg/extract"
	"github.com/stratum-kg/stratum/pkg/logger"
	"github.com/stratum-kg/stratum/pkg/store"
)

// Stage identifies one step of an ingestion pipeline.
type Stage string

const (
	StageExtract   Stage = "extract"
	StageBlueprint Stage = "blueprint"
	StageBuild     Stage = "build"
)

// TargetType discriminates ingestion requests.
type TargetType string

const (
	TargetDocument       TargetType = "document"
	TargetPersonalMemory TargetType = "personal_memory"
)

// InputType describes how item content is delivered.
type InputType string

const (
	InputInline   InputType = "inline"
	InputFileRef  InputType = "file_ref"
	InputMessages InputType = "messages"
)

// SelectPipeline maps a request shape to its ordered stage sequence.
// Personal memory ingestion is always the fixed single-stage build pipeline;
// for documents the blueprint stage is included exactly when a batch or a
// new topic requires cross-document naming reconciliation.
func SelectPipeline(target TargetType, input InputType, isNewTopic bool, itemCount int) []Stage {
	if target == TargetPersonalMemory {
		return []Stage{StageBuild}
	}
	if isNewTopic || itemCount > 1 {
		return []Stage{StageExtract, StageBlueprint, StageBuild}
	}
	return []Stage{StageExtract, StageBuild}
}

// Item is one unit of an ingestion request: an inline document, a reference
// to stored content, or a chat message batch.
type Item struct {
	Name      string           `json:"name"`
	Content   string           `json:"content,omitempty"`
	SourceRef string           `json:"source_ref,omitempty"`
	Messages  []common.Message `json:"messages,omitempty"`
}

// Context is the shared state threaded through the stages of one request.
type Context struct {
	Target     TargetType
	Input      InputType
	TopicName  string
	UserID     string
	IsNewTopic bool
	Items      []Item

	// TaskIDs collects the extraction tasks enqueued for the items,
	// aligned with Items. Empty string where the item failed.
	TaskIDs []string
	// SourceIDs collects sources staged directly (personal memory path).
	SourceIDs []string
}

// ItemFailure is the structured failure of one item at one stage.
type ItemFailure struct {
	ItemIndex int    `json:"item_index"`
	ItemName  string `json:"item_name"`
	Stage     Stage  `json:"stage"`
	Cause     string `json:"cause"`
}

func (f ItemFailure) Error() string {
	return fmt.Sprintf("item %d (%s) failed at stage %s: %s", f.ItemIndex, f.ItemName, f.Stage, f.Cause)
}

// Result reports what Execute did.
type Result struct {
	Stages           []Stage       `json:"stages"`
	TopicName        string        `json:"topic_name"`
	ItemsAccepted    int           `json:"items_accepted"`
	ItemsFailed      int           `json:"items_failed"`
	TaskIDs          []string      `json:"task_ids,omitempty"`
	SourceIDs        []string      `json:"source_ids,omitempty"`
	BlueprintPlanned bool          `json:"blueprint_planned"`
	Failures         []ItemFailure `json:"failures,omitempty"`
	// Build reports the inline graph build of a personal memory batch.
	// Nil when building is deferred to the graph daemon.
	Build *common.BuildReport `json:"build,omitempty"`
}

// GraphBuilder incorporates a topic's unmapped sources into its graph.
// The graph package's Builder satisfies this.
type GraphBuilder interface {
	Build(ctx context.Context, topicName string) (*common.BuildReport, error)
}

// Orchestrator executes selected pipelines against the store.
type Orchestrator struct {
	store   store.Store
	builder GraphBuilder
}

type Option func(*Orchestrator)

// WithBuilder enables inline graph construction for the personal memory
// pipeline, so a memory batch is part of the graph when the request
// returns. Without it the saved sources wait for the graph daemon.
func WithBuilder(b GraphBuilder) Option {
	return func(o *Orchestrator) { o.builder = b }
}

func NewOrchestrator(s store.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{store: s}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute runs the stages strictly in order over the context's items. A
// stage failure for one item aborts that item's remaining stages but never
// its siblings'. The returned error is non-nil only when every item failed.
func (o *Orchestrator) Execute(ctx context.Context, stages []Stage, pctx *Context) (*Result, error) {
	res := &Result{Stages: stages, TopicName: pctx.TopicName}

	if pctx.Target == TargetPersonalMemory {
		pctx.TopicName = common.PersonalTopicName(pctx.UserID)
		res.TopicName = pctx.TopicName
	}

	failed := make([]bool, len(pctx.Items))
	pctx.TaskIDs = make([]string, len(pctx.Items))

	for _, stage := range stages {
		for i := range pctx.Items {
			if failed[i] {
				continue
			}
			if err := o.runStage(ctx, stage, pctx, i, res); err != nil {
				failure := ItemFailure{
					ItemIndex: i,
					ItemName:  pctx.Items[i].Name,
					Stage:     stage,
					Cause:     err.Error(),
				}
				logger.Error("[Pipeline] Stage failed", "stage", stage, "item", pctx.Items[i].Name, "err", err)
				res.Failures = append(res.Failures, failure)
				failed[i] = true
			}
		}
	}

	for i := range pctx.Items {
		if failed[i] {
			res.ItemsFailed++
		} else {
			res.ItemsAccepted++
		}
	}
	res.TaskIDs = pctx.TaskIDs
	res.SourceIDs = pctx.SourceIDs

	if res.ItemsAccepted == 0 && len(pctx.Items) > 0 {
		return res, fmt.Errorf("all %d items failed", len(pctx.Items))
	}

	// Personal memory builds inline when a builder is wired: the batch is
	// part of the user's graph by the time the request returns. A build
	// failure leaves the saved sources unmapped for the graph daemon.
	if pctx.Target == TargetPersonalMemory && o.builder != nil && len(res.SourceIDs) > 0 {
		report, err := o.builder.Build(ctx, pctx.TopicName)
		if err != nil {
			logger.Warn("[Pipeline] Inline memory build failed, daemon will retry", "topic", pctx.TopicName, "err", err)
		} else {
			res.Build = report
		}
	}
	return res, nil
}

func (o *Orchestrator) runStage(ctx context.Context, stage Stage, pctx *Context, i int, res *Result) error {
	item := pctx.Items[i]

	switch stage {
	case StageExtract:
		task := &common.GraphBuildTask{
			TopicName:     pctx.TopicName,
			SourceName:    item.Name,
			SourceRef:     item.SourceRef,
			InlineContent: item.Content,
			IsNewTopic:    pctx.IsNewTopic,
		}
		if task.InlineContent == "" && task.SourceRef == "" {
			return fmt.Errorf("item has neither content nor a source reference")
		}
		if err := o.store.EnqueueTask(ctx, task); err != nil {
			return err
		}
		pctx.TaskIDs[i] = task.ID
		return nil

	case StageBlueprint:
		// The blueprint itself is generated per batch at build time;
		// selecting the stage records the intent.
		res.BlueprintPlanned = true
		return nil

	case StageBuild:
		if pctx.Target != TargetPersonalMemory {
			// Document builds run in the graph daemon once the
			// topic's extractions have completed.
			return nil
		}

		content := item.Content
		if len(item.Messages) > 0 {
			content = extract.FlattenMessages(item.Messages)
		}
		if content == "" {
			return fmt.Errorf("memory item has no messages")
		}

		source := &common.SourceData{
			Name:    item.Name,
			Content: content,
			Attributes: map[string]string{
				common.AttrTopicName: pctx.TopicName,
			},
		}
		if err := o.store.SaveSource(ctx, source); err != nil {
			return err
		}
		pctx.SourceIDs = append(pctx.SourceIDs, source.ID)
		return nil

	default:
		return fmt.Errorf("unknown stage %q", stage)
	}
}
