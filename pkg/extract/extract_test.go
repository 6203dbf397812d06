package extract

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stratum-kg/stratum/pkg/ai/mock"
	"github.com/stratum-kg/stratum/pkg/common"
	"github.com/stratum-kg/stratum/pkg/store/memory"
)

func scriptedMapClient(t *testing.T) *mock.Client {
	t.Helper()
	client := mock.NewClient()
	client.CompletionWithFormatFunc = func(ctx context.Context, name, description, prompt string, out any) error {
		if name != "cognitive_map" {
			t.Fatalf("unexpected structured call %q", name)
		}
		return json.Unmarshal([]byte(`{
			"summary": "a report about radium",
			"key_entities": ["Marie Curie", "Radium"],
			"theme_keywords": ["radioactivity"],
			"important_timeline": ["1898: radium discovered"],
			"structural_pattern": "chronological narrative"
		}`), out)
	}
	return client
}

func TestExtract_InlineContent(t *testing.T) {
	s := memory.New()
	client := scriptedMapClient(t)
	e := New(Params{Store: s, AIClient: client})

	task := &common.GraphBuildTask{
		ID:            "t1",
		TopicName:     "physics",
		SourceName:    "curie report",
		InlineContent: "Marie Curie discovered radium in 1898.",
	}

	src, err := e.Extract(context.Background(), task)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if src.TopicName() != "physics" {
		t.Fatalf("source not bound to topic: %q", src.TopicName())
	}

	stored, err := s.GetSource(context.Background(), src.ID)
	if err != nil {
		t.Fatalf("source not persisted: %v", err)
	}
	if stored.Content != task.InlineContent {
		t.Fatalf("unexpected content: %q", stored.Content)
	}

	m, err := s.GetCognitiveMap(context.Background(), src.ID, "physics")
	if err != nil {
		t.Fatalf("cognitive map not cached: %v", err)
	}
	if m.Summary != "a report about radium" {
		t.Fatalf("unexpected map: %+v", m)
	}
	if len(m.KeyEntities) != 2 {
		t.Fatalf("unexpected key entities: %v", m.KeyEntities)
	}
}

func TestCognitiveMap_CacheHitSkipsLLM(t *testing.T) {
	s := memory.New()
	client := scriptedMapClient(t)
	e := New(Params{Store: s, AIClient: client})

	task := &common.GraphBuildTask{
		ID:            "t1",
		TopicName:     "physics",
		SourceName:    "curie report",
		InlineContent: "Marie Curie discovered radium in 1898.",
	}
	src, err := e.Extract(context.Background(), task)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if got := client.FormatCalls(); len(got) != 1 {
		t.Fatalf("expected 1 structured call, got %v", got)
	}

	if _, err := e.CognitiveMap(context.Background(), src); err != nil {
		t.Fatalf("cached map: %v", err)
	}
	if got := client.FormatCalls(); len(got) != 1 {
		t.Fatalf("cache hit must not call the model again, got %v", got)
	}
}

func TestExtract_EmptyContentFails(t *testing.T) {
	s := memory.New()
	e := New(Params{Store: s, AIClient: mock.NewClient()})

	task := &common.GraphBuildTask{ID: "t1", TopicName: "physics", SourceName: "blank", InlineContent: "   "}
	if _, err := e.Extract(context.Background(), task); err == nil {
		t.Fatal("expected error for empty content")
	}

	task = &common.GraphBuildTask{ID: "t2", TopicName: "physics", SourceName: "missing"}
	if _, err := e.Extract(context.Background(), task); err == nil {
		t.Fatal("expected error when neither inline content nor source ref is set")
	}
}

func TestFlattenMessages(t *testing.T) {
	ts := time.Date(2025, 4, 2, 9, 30, 0, 0, time.UTC)
	got := FlattenMessages([]common.Message{
		{Role: "user", Content: "I moved to Hamburg last month.", Timestamp: ts},
		{Role: "assistant", Content: "Noted."},
		{Content: "My sister lives there too. "},
	})

	lines := strings.Split(got, "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), got)
	}
	if lines[0] != "[2025-04-02 09:30] user: I moved to Hamburg last month." {
		t.Fatalf("unexpected first line: %q", lines[0])
	}
	if lines[1] != "assistant: Noted." {
		t.Fatalf("unexpected second line: %q", lines[1])
	}
	if lines[2] != "user: My sister lives there too." {
		t.Fatalf("role should default to user: %q", lines[2])
	}
}
