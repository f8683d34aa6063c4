package dom

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// MinTargetLength is the shortest normalized target, in runes, that Locate will search for.
const MinTargetLength = 10

const whitespaceRun = `[\s\p{Zs}]+`

// Match is a located span inside one block. Start and End are byte offsets into Block.Text.
type Match struct {
	Block FlattenedBlock
	Start int
	End   int
}

func (m Match) Text() string { return m.Block.Text[m.Start:m.End] }

// NormalizeTarget trims s and collapses every whitespace run to one space.
func NormalizeTarget(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Pattern compiles the whitespace tolerant, case-insensitive matcher for target.
// It returns nil when the normalized target is shorter than MinTargetLength.
func Pattern(target string) *regexp.Regexp {
	tokens := strings.Fields(target)
	if len(tokens) == 0 {
		return nil
	}
	if utf8.RuneCountInString(strings.Join(tokens, " ")) < MinTargetLength {
		return nil
	}
	quoted := make([]string, len(tokens))
	for i, tok := range tokens {
		quoted[i] = regexp.QuoteMeta(tok)
	}
	return regexp.MustCompile("(?i)" + strings.Join(quoted, whitespaceRun))
}

// Locate finds the first occurrence of target in the blocks of container. Blocks are
// re-flattened on every call so the result reflects the current tree.
func Locate(container *html.Node, target string) (Match, bool) {
	re := Pattern(target)
	if re == nil || container == nil {
		return Match{}, false
	}
	for _, block := range Blocks(container) {
		fb := Flatten(block)
		loc := re.FindStringIndex(fb.Text)
		if loc == nil {
			continue
		}
		start, end := trimSpace(fb.Text, loc[0], loc[1])
		if start >= end {
			continue
		}
		return Match{Block: fb, Start: start, End: end}, true
	}
	return Match{}, false
}

func trimSpace(s string, start, end int) (int, int) {
	for start < end {
		r, size := utf8.DecodeRuneInString(s[start:end])
		if !unicode.IsSpace(r) {
			break
		}
		start += size
	}
	for end > start {
		r, size := utf8.DecodeLastRuneInString(s[start:end])
		if !unicode.IsSpace(r) {
			break
		}
		end -= size
	}
	return start, end
}
