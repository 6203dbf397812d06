package common

import "testing"

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "already normalized",
			input: "ada lovelace",
			want:  "ada lovelace",
		},
		{
			name:  "mixed case",
			input: "Ada Lovelace",
			want:  "ada lovelace",
		},
		{
			name:  "surrounding whitespace",
			input: "  Ada Lovelace\t",
			want:  "ada lovelace",
		},
		{
			name:  "inner whitespace collapsed",
			input: "Ada   \t Lovelace",
			want:  "ada lovelace",
		},
		{
			name:  "empty",
			input: "",
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeName(tt.input)
			if got != tt.want {
				t.Fatalf("unexpected normalization: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEntityKey_SameNameDifferentCase(t *testing.T) {
	a := EntityKey("volcanoes", "Mount Etna")
	b := EntityKey("volcanoes", "mount  etna ")
	if a != b {
		t.Fatalf("expected equal keys, got %q and %q", a, b)
	}
}

func TestEntityKey_TopicScoped(t *testing.T) {
	a := EntityKey("volcanoes", "Etna")
	b := EntityKey("geology", "Etna")
	if a == b {
		t.Fatal("expected keys of different topics to differ")
	}
}

func TestRelationshipKey_DefaultSignature(t *testing.T) {
	a := RelationshipKey("t", "e1", "e2", nil, "Erupted In 1669")
	b := RelationshipKey("t", "e1", "e2", ExactSignature, "erupted  in 1669")
	if a != b {
		t.Fatalf("expected equal keys, got %q and %q", a, b)
	}

	c := RelationshipKey("t", "e2", "e1", nil, "erupted in 1669")
	if a == c {
		t.Fatal("expected direction to participate in the key")
	}
}

func TestPersonalTopicName(t *testing.T) {
	got := PersonalTopicName("u-42")
	want := "personal information of u-42"
	if got != want {
		t.Fatalf("unexpected topic name: got %q, want %q", got, want)
	}
}
