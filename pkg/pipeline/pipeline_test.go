package pipeline

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/stratum-kg/stratum/pkg/common"
	"github.com/stratum-kg/stratum/pkg/store/memory"
)

type stubBuilder struct {
	topics []string
	err    error
}

func (b *stubBuilder) Build(ctx context.Context, topicName string) (*common.BuildReport, error) {
	b.topics = append(b.topics, topicName)
	if b.err != nil {
		return nil, b.err
	}
	return &common.BuildReport{TopicName: topicName, SourcesProcessed: 1}, nil
}

func TestSelectPipeline(t *testing.T) {
	tests := []struct {
		name       string
		target     TargetType
		isNewTopic bool
		itemCount  int
		want       []Stage
	}{
		{
			name:       "new topic single document",
			target:     TargetDocument,
			isNewTopic: true,
			itemCount:  1,
			want:       []Stage{StageExtract, StageBlueprint, StageBuild},
		},
		{
			name:       "new topic batch",
			target:     TargetDocument,
			isNewTopic: true,
			itemCount:  5,
			want:       []Stage{StageExtract, StageBlueprint, StageBuild},
		},
		{
			name:      "existing topic single document",
			target:    TargetDocument,
			itemCount: 1,
			want:      []Stage{StageExtract, StageBuild},
		},
		{
			name:      "existing topic batch",
			target:    TargetDocument,
			itemCount: 2,
			want:      []Stage{StageExtract, StageBlueprint, StageBuild},
		},
		{
			name:      "personal memory",
			target:    TargetPersonalMemory,
			itemCount: 3,
			want:      []Stage{StageBuild},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectPipeline(tt.target, InputInline, tt.isNewTopic, tt.itemCount)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SelectPipeline() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExecute_DocumentIngestion(t *testing.T) {
	s := memory.New()
	o := NewOrchestrator(s)

	pctx := &Context{
		Target:     TargetDocument,
		Input:      InputInline,
		TopicName:  "new_ai_research",
		IsNewTopic: true,
		Items: []Item{
			{Name: "paper one", Content: "first document"},
			{Name: "paper two", Content: "second document"},
		},
	}
	stages := SelectPipeline(pctx.Target, pctx.Input, pctx.IsNewTopic, len(pctx.Items))

	res, err := o.Execute(context.Background(), stages, pctx)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.ItemsAccepted != 2 || res.ItemsFailed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !res.BlueprintPlanned {
		t.Fatal("new topic batch must plan a blueprint")
	}

	pending, err := s.PendingTasks(context.Background(), 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 enqueued tasks, got %d", len(pending))
	}
	for _, task := range pending {
		if task.TopicName != "new_ai_research" || !task.IsNewTopic {
			t.Fatalf("unexpected task: %+v", task)
		}
	}
}

func TestExecute_ItemFailureDoesNotAbortSiblings(t *testing.T) {
	s := memory.New()
	o := NewOrchestrator(s)

	pctx := &Context{
		Target:    TargetDocument,
		Input:     InputInline,
		TopicName: "physics",
		Items: []Item{
			{Name: "good", Content: "text"},
			{Name: "bad"}, // no content, no ref
			{Name: "also good", Content: "text"},
		},
	}
	stages := SelectPipeline(pctx.Target, pctx.Input, false, len(pctx.Items))

	res, err := o.Execute(context.Background(), stages, pctx)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.ItemsAccepted != 2 || res.ItemsFailed != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.Failures) != 1 {
		t.Fatalf("expected 1 structured failure, got %+v", res.Failures)
	}
	f := res.Failures[0]
	if f.ItemIndex != 1 || f.Stage != StageExtract || f.Cause == "" {
		t.Fatalf("unexpected failure: %+v", f)
	}

	pending, err := s.PendingTasks(context.Background(), 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 tasks for surviving items, got %d", len(pending))
	}
}

func TestExecute_AllItemsFailed(t *testing.T) {
	s := memory.New()
	o := NewOrchestrator(s)

	pctx := &Context{
		Target:    TargetDocument,
		TopicName: "physics",
		Items:     []Item{{Name: "bad"}},
	}
	_, err := o.Execute(context.Background(), SelectPipeline(TargetDocument, InputInline, false, 1), pctx)
	if err == nil {
		t.Fatal("expected error when every item fails")
	}
}

func TestExecute_PersonalMemory(t *testing.T) {
	s := memory.New()
	o := NewOrchestrator(s)

	pctx := &Context{
		Target: TargetPersonalMemory,
		Input:  InputMessages,
		UserID: "user42",
		Items: []Item{{
			Name: "chat batch",
			Messages: []common.Message{
				{Role: "user", Content: "I moved to Hamburg."},
				{Role: "assistant", Content: "Noted."},
			},
		}},
	}
	stages := SelectPipeline(pctx.Target, pctx.Input, false, len(pctx.Items))

	res, err := o.Execute(context.Background(), stages, pctx)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.TopicName != common.PersonalTopicName("user42") {
		t.Fatalf("unexpected topic: %q", res.TopicName)
	}
	if len(res.SourceIDs) != 1 {
		t.Fatalf("expected 1 staged source, got %v", res.SourceIDs)
	}

	src, err := s.GetSource(context.Background(), res.SourceIDs[0])
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	if src.TopicName() != "personal information of user42" {
		t.Fatalf("unexpected source topic: %q", src.TopicName())
	}
	if !strings.Contains(src.Content, "user: I moved to Hamburg.") {
		t.Fatalf("messages not flattened: %q", src.Content)
	}

	// The fixed memory pipeline must not enqueue extraction tasks.
	pending, err := s.PendingTasks(context.Background(), 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("memory ingestion must not enqueue tasks, got %d", len(pending))
	}
}

func TestExecute_PersonalMemoryBuildsInline(t *testing.T) {
	s := memory.New()
	b := &stubBuilder{}
	o := NewOrchestrator(s, WithBuilder(b))

	pctx := &Context{
		Target: TargetPersonalMemory,
		Input:  InputMessages,
		UserID: "user42",
		Items: []Item{{
			Name: "chat batch",
			Messages: []common.Message{
				{Role: "user", Content: "I moved to Hamburg."},
			},
		}},
	}
	stages := SelectPipeline(pctx.Target, pctx.Input, false, len(pctx.Items))

	res, err := o.Execute(context.Background(), stages, pctx)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	want := common.PersonalTopicName("user42")
	if !reflect.DeepEqual(b.topics, []string{want}) {
		t.Fatalf("expected one build of %q, got %v", want, b.topics)
	}
	if res.Build == nil || res.Build.TopicName != want {
		t.Fatalf("build report not attached: %+v", res.Build)
	}
}

func TestExecute_PersonalMemoryBuildFailureKeepsSources(t *testing.T) {
	s := memory.New()
	b := &stubBuilder{err: errors.New("model unavailable")}
	o := NewOrchestrator(s, WithBuilder(b))

	pctx := &Context{
		Target: TargetPersonalMemory,
		Input:  InputMessages,
		UserID: "user42",
		Items: []Item{{
			Name: "chat batch",
			Messages: []common.Message{
				{Role: "user", Content: "I moved to Hamburg."},
			},
		}},
	}
	stages := SelectPipeline(pctx.Target, pctx.Input, false, len(pctx.Items))

	res, err := o.Execute(context.Background(), stages, pctx)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Build != nil {
		t.Fatalf("failed build must not attach a report, got %+v", res.Build)
	}
	if len(res.SourceIDs) != 1 {
		t.Fatalf("expected the source to survive the failed build, got %v", res.SourceIDs)
	}

	// Unmapped sources are what the graph daemon retries from.
	unmapped, err := s.UnmappedSources(context.Background(), common.PersonalTopicName("user42"))
	if err != nil {
		t.Fatalf("unmapped: %v", err)
	}
	if len(unmapped) != 1 {
		t.Fatalf("expected 1 unmapped source for retry, got %d", len(unmapped))
	}
}

func TestExecute_DocumentTargetDoesNotBuildInline(t *testing.T) {
	s := memory.New()
	b := &stubBuilder{}
	o := NewOrchestrator(s, WithBuilder(b))

	pctx := &Context{
		Target:    TargetDocument,
		Input:     InputInline,
		TopicName: "physics",
		Items:     []Item{{Name: "doc", Content: "text"}},
	}
	stages := SelectPipeline(pctx.Target, pctx.Input, false, len(pctx.Items))

	if _, err := o.Execute(context.Background(), stages, pctx); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(b.topics) != 0 {
		t.Fatalf("document ingestion must defer building to the daemon, got builds %v", b.topics)
	}
}
