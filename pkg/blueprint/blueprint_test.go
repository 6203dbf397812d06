package blueprint

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stratum-kg/stratum/pkg/ai/mock"
	"github.com/stratum-kg/stratum/pkg/common"
)

func TestGenerate(t *testing.T) {
	client := mock.NewClient()
	var seenPrompt string
	client.CompletionWithFormatFunc = func(ctx context.Context, name, description, prompt string, out any) error {
		if name != "processing_blueprint" {
			t.Fatalf("unexpected structured call %q", name)
		}
		seenPrompt = prompt
		return json.Unmarshal([]byte(`{
			"processing_items": {
				"canonical_entities": "Use \"Marie Curie\" for Curie, M. Curie, Madame Curie.",
				"key_patterns": "Each report covers one experiment.",
				"global_timeline": "1898 discovery, 1903 Nobel Prize."
			},
			"processing_instructions": "Prefer full names."
		}`), out)
	}

	maps := []*common.CognitiveMap{
		{SourceName: "report one", Summary: "radium discovery", KeyEntities: []string{"Marie Curie"}},
		{SourceName: "report two", Summary: "nobel prize", KeyEntities: []string{"M. Curie"}, Timeline: []string{"1903: Nobel Prize"}},
	}

	b, err := New(client).Generate(context.Background(), "physics", maps)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if b.ID == "" || b.TopicName != "physics" {
		t.Fatalf("unexpected blueprint: %+v", b)
	}
	if b.ProcessingInstructions != "Prefer full names." {
		t.Fatalf("unexpected instructions: %q", b.ProcessingInstructions)
	}
	if !strings.Contains(seenPrompt, "report one") || !strings.Contains(seenPrompt, "1903: Nobel Prize") {
		t.Fatalf("prompt missing map content:\n%s", seenPrompt)
	}
}

func TestGenerate_NoMaps(t *testing.T) {
	_, err := New(mock.NewClient()).Generate(context.Background(), "physics", nil)
	if !errors.Is(err, common.ErrBlueprint) {
		t.Fatalf("expected ErrBlueprint, got %v", err)
	}
}

func TestGenerate_WrapsModelError(t *testing.T) {
	client := mock.NewClient()
	client.CompletionWithFormatFunc = func(ctx context.Context, name, description, prompt string, out any) error {
		return errors.New("model unavailable")
	}

	maps := []*common.CognitiveMap{{SourceName: "doc", Summary: "x"}}
	_, err := New(client).Generate(context.Background(), "physics", maps)
	if !errors.Is(err, common.ErrBlueprint) {
		t.Fatalf("expected ErrBlueprint, got %v", err)
	}
}

func TestGuidance(t *testing.T) {
	got := Guidance(nil)
	if !strings.Contains(got, "No batch guidance") {
		t.Fatalf("unexpected nil guidance: %q", got)
	}

	b := &common.Blueprint{
		ProcessingItems: map[string]string{
			"global_timeline":    "1898 to 1903.",
			"canonical_entities": "Use full names.",
			"zz_custom":          "Custom rule.",
			"aa_custom":          "Other rule.",
		},
		ProcessingInstructions: "Be precise.",
	}
	got = Guidance(b)

	wantOrder := []string{"canonical_entities", "global_timeline", "aa_custom", "zz_custom", "instructions"}
	last := -1
	for _, section := range wantOrder {
		idx := strings.Index(got, "## "+section)
		if idx < 0 {
			t.Fatalf("missing section %q in:\n%s", section, got)
		}
		if idx < last {
			t.Fatalf("section %q out of order in:\n%s", section, got)
		}
		last = idx
	}
}
