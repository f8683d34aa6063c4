package prompt

import (
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]Level{
		"":           HighSchool,
		"college":    College,
		"ACADEMIA":   Academia,
		"highschool": HighSchool,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %q, %v, want %q", in, got, err, want)
		}
	}
	if _, err := ParseLevel("kindergarten"); err == nil {
		t.Fatalf("ParseLevel(kindergarten) error = nil, want error")
	}
}

func TestHighlightIncludesArticleAndTagFormat(t *testing.T) {
	t.Parallel()

	msgs := Highlight("Photosynthesis converts light.")
	if len(msgs) != 2 || msgs[0].Role != "system" || msgs[1].Role != "user" {
		t.Fatalf("Highlight() roles = %+v", msgs)
	}
	if !strings.Contains(msgs[1].Content, "Article:\nPhotosynthesis converts light.") {
		t.Fatalf("user prompt missing article: %q", msgs[1].Content)
	}
	if !strings.Contains(msgs[0].Content, "<hl prefix=") {
		t.Fatalf("system prompt missing tag format")
	}
}

func TestRewriteAddsOnlyMatchingGlossaryTerms(t *testing.T) {
	t.Parallel()

	terms := map[string]string{
		"mitochondria": "the part of a cell that makes energy",
		"ribosome":     "the part of a cell that builds proteins",
	}
	msgs := Rewrite("The Mitochondria is the powerhouse of the cell.", College, terms)
	system := msgs[0].Content
	if !strings.Contains(system, "college-educated") {
		t.Fatalf("system prompt missing level: %q", system)
	}
	if !strings.Contains(system, "mitochondria") || strings.Contains(system, "ribosome") {
		t.Fatalf("system prompt glossary = %q", system)
	}
	if msgs[1].Content != "The Mitochondria is the powerhouse of the cell." {
		t.Fatalf("user prompt = %q", msgs[1].Content)
	}
}
