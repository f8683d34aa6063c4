package extract

import (
	"html"
	"strings"
)

const (
	openTag  = "<hl"
	closeTag = "</hl>"
)

// HighlightExtractor finds <hl prefix=".." suffix="..">sentence</hl> spans.
type HighlightExtractor struct {
	buf  string
	next int
}

func NewHighlightExtractor() *HighlightExtractor {
	return &HighlightExtractor{}
}

func (e *HighlightExtractor) Feed(fragment string) []PendingSpan {
	e.buf += fragment

	var out []PendingSpan
	cursor := 0
	for {
		start := indexOpenTag(e.buf, cursor)
		if start < 0 {
			break
		}
		tagEnd := scanTagEnd(e.buf, start+len(openTag))
		if tagEnd < 0 {
			break
		}
		closeAt := strings.Index(e.buf[tagEnd+1:], closeTag)
		if closeAt < 0 {
			break
		}
		closeAt += tagEnd + 1

		attrs := parseAttrs(e.buf[start+len(openTag) : tagEnd])
		out = append(out, PendingSpan{
			Kind:     Highlight,
			Payload:  strings.TrimSpace(html.UnescapeString(e.buf[tagEnd+1 : closeAt])),
			Before:   attrs["prefix"],
			After:    attrs["suffix"],
			Sequence: e.next,
		})
		e.next++
		cursor = closeAt + len(closeTag)
	}

	e.buf = e.buf[cursor:]
	if indexOpenTag(e.buf, 0) < 0 {
		// nothing started yet: keep only a possible partial "<hl" at the tail
		if i := strings.LastIndexByte(e.buf, '<'); i >= 0 {
			e.buf = e.buf[i:]
		} else {
			e.buf = ""
		}
	}
	return out
}

// Finish drops an unterminated trailing tag.
func (e *HighlightExtractor) Finish() []PendingSpan {
	e.buf = ""
	return nil
}

// Buffered reports how many bytes are held waiting for a complete span.
func (e *HighlightExtractor) Buffered() int {
	return len(e.buf)
}

func indexOpenTag(s string, from int) int {
	for from < len(s) {
		i := strings.Index(s[from:], openTag)
		if i < 0 {
			return -1
		}
		i += from
		after := i + len(openTag)
		if after == len(s) {
			return i
		}
		switch s[after] {
		case ' ', '\t', '>', '/':
			return i
		}
		from = after
	}
	return -1
}

// scanTagEnd returns the index of the '>' closing the open tag, honoring quoted
// attribute values and backslash escapes inside them, or -1 if it has not arrived.
func scanTagEnd(s string, from int) int {
	var quote byte
	for i := from; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0 && c == '\\':
			i++
		case quote != 0 && c == quote:
			quote = 0
		case quote == 0 && (c == '"' || c == '\''):
			quote = c
		case quote == 0 && c == '>':
			return i
		}
	}
	return -1
}

func parseAttrs(s string) map[string]string {
	attrs := make(map[string]string)
	i := 0
	for i < len(s) {
		for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '/') {
			i++
		}
		nameStart := i
		for i < len(s) && s[i] != '=' && s[i] != ' ' && s[i] != '\t' {
			i++
		}
		name := strings.ToLower(s[nameStart:i])
		if i >= len(s) || s[i] != '=' {
			if name != "" {
				attrs[name] = ""
			}
			continue
		}
		i++
		if i >= len(s) {
			break
		}

		var val strings.Builder
		if q := s[i]; q == '"' || q == '\'' {
			i++
			for i < len(s) && s[i] != q {
				if s[i] == '\\' && i+1 < len(s) {
					i++
				}
				val.WriteByte(s[i])
				i++
			}
			i++
		} else {
			for i < len(s) && s[i] != ' ' && s[i] != '\t' {
				val.WriteByte(s[i])
				i++
			}
		}
		if name != "" {
			attrs[name] = html.UnescapeString(val.String())
		}
	}
	return attrs
}
