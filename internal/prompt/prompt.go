package prompt

import (
	"fmt"
	"strings"

	"readerbites/internal/glossary"
	"readerbites/internal/openai"
)

type Level string

const (
	HighSchool Level = "highSchool"
	College    Level = "college"
	Academia   Level = "academia"

	DefaultLevel = HighSchool
)

var levels = map[Level]string{
	HighSchool: "a general audience with a high school reading level. Use short sentences and everyday words.",
	College:    "a college-educated reader outside this field. Keep key terms but explain them briefly.",
	Academia:   "an academic from a neighboring discipline. Keep precise terminology and remove only field-specific jargon.",
}

// ParseLevel accepts the level names case-insensitively. An empty string is the default level.
func ParseLevel(s string) (Level, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultLevel, nil
	}
	for level := range levels {
		if strings.EqualFold(string(level), s) {
			return level, nil
		}
	}
	return "", fmt.Errorf("unknown reading level %q (want highSchool, college or academia)", s)
}

const highlightSystem = `You are an expert reader who identifies the most important and insightful sentences in articles. Your task is to:
1. Carefully read and understand the entire article
2. Identify the 5-10 most important sentences that contain key insights, main arguments, or crucial information
3. Focus on sentences that would help a reader quickly understand the core message
4. Prefer sentences that are self-contained and meaningful on their own
5. Output each important sentence wrapped in <hl prefix="{first10}" suffix="{last10}"></hl> tags, where {first10} is the 10 characters that immediately precede the sentence in the article and {last10} is the 10 characters that immediately follow it. Escape any quotes in these attributes.
6. Do not include any newlines within the <hl> tags or attribute values
7. Output the highlights as you identify them for streaming`

// Highlight builds the messages asking the model to tag important sentences of article.
func Highlight(article string) []openai.Message {
	var b strings.Builder
	b.WriteString("Please analyze this article and identify the most important sentences. ")
	b.WriteString(`Wrap each important sentence in <hl prefix="{first10}" suffix="{last10}"></hl> tags (see system prompt for details). `)
	b.WriteString("Do not add newlines inside the tags or attribute values.\n\n")
	b.WriteString("Article:\n")
	b.WriteString(article)
	b.WriteString("\n\nOutput format: ")
	b.WriteString(`<hl prefix="..." suffix="...">Important sentence here</hl><hl prefix="..." suffix="...">Another important sentence</hl>`)

	return []openai.Message{
		{Role: "system", Content: highlightSystem},
		{Role: "user", Content: b.String()},
	}
}

// Rewrite builds the plain-language rewrite request for one paragraph. Only glossary
// terms that occur in the paragraph are included.
func Rewrite(paragraph string, level Level, terms map[string]string) []openai.Message {
	audience, ok := levels[level]
	if !ok {
		audience = levels[DefaultLevel]
	}

	system := []string{
		"Rewrite the following academic text in plain language for " + audience,
		"Preserve the meaning and every fact.",
		"Return only the rewritten paragraph as plain text with no commentary, quotes or markup.",
	}
	if hint := glossary.Prompt(glossary.Matching(paragraph, terms)); hint != "" {
		system = append(system, hint)
	}

	return []openai.Message{
		{Role: "system", Content: strings.Join(system, "\n")},
		{Role: "user", Content: paragraph},
	}
}
