package extract

import "strings"

// RewriteExtractor treats the whole stream as one paragraph. Fragments are handed
// to the live callback as they arrive; the total is emitted once by Finish.
type RewriteExtractor struct {
	text strings.Builder
	live func(string)
}

func NewRewriteExtractor(live func(fragment string)) *RewriteExtractor {
	return &RewriteExtractor{live: live}
}

func (e *RewriteExtractor) Feed(fragment string) []PendingSpan {
	e.text.WriteString(fragment)
	if e.live != nil {
		e.live(fragment)
	}
	return nil
}

func (e *RewriteExtractor) Finish() []PendingSpan {
	return []PendingSpan{{Kind: Rewrite, Payload: e.text.String()}}
}

// Text returns everything received so far.
func (e *RewriteExtractor) Text() string {
	return e.text.String()
}
