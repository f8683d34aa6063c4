package glossary

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a jargon glossary mapping terms to plain-language wording. Files
// ending in .yaml or .yml are parsed as YAML, everything else as JSON.
func Load(path string) (map[string]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read glossary file %s: %w", path, err)
	}

	var data map[string]string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("parse glossary YAML %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("parse glossary JSON %s: %w", path, err)
		}
	}

	cleaned := make(map[string]string, len(data))
	for k, v := range data {
		key := strings.TrimSpace(k)
		val := strings.TrimSpace(v)
		if key == "" || val == "" {
			continue
		}
		cleaned[key] = val
	}

	return cleaned, nil
}

func Prompt(glossary map[string]string) string {
	if len(glossary) == 0 {
		return ""
	}

	var builder strings.Builder
	builder.WriteString("Jargon glossary (explain these terms with the given wording):\n")
	for _, key := range sortedKeys(glossary) {
		builder.WriteString("- ")
		builder.WriteString(key)
		builder.WriteString(" => ")
		builder.WriteString(glossary[key])
		builder.WriteString("\n")
	}
	return strings.TrimSuffix(builder.String(), "\n")
}

// Matching returns the entries whose term occurs in text as a whole word, ignoring case.
func Matching(text string, glossary map[string]string) map[string]string {
	if len(glossary) == 0 || strings.TrimSpace(text) == "" {
		return nil
	}

	out := make(map[string]string)
	for _, key := range sortedKeys(glossary) {
		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(key) + `\b`)
		if err != nil {
			continue
		}
		if re.MatchString(text) {
			out[key] = glossary[key]
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func sortedKeys(glossary map[string]string) []string {
	keys := make([]string, 0, len(glossary))
	for key := range glossary {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
