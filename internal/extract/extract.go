package extract

import "fmt"

type Kind int

const (
	Highlight Kind = iota
	Rewrite
)

func (k Kind) String() string {
	switch k {
	case Highlight:
		return "highlight"
	case Rewrite:
		return "rewrite"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// PendingSpan is one completed unit of model output. Before and After carry the
// context attributes of a highlight tag and are informational only. Sequence
// increases by one per emitted span and is used for reveal pacing.
type PendingSpan struct {
	Kind     Kind
	Payload  string
	Before   string
	After    string
	Sequence int
}

// Extractor turns concatenated fragments into spans. Extraction depends only on
// buffered content, never on where fragment boundaries fall.
type Extractor interface {
	Feed(fragment string) []PendingSpan
	Finish() []PendingSpan
}

// Source is an ordered fragment sequence such as *sse.Stream.
type Source interface {
	Next() (fragment string, done bool, err error)
}

// Drive pulls src to completion, passing every span to emit as soon as it is
// extracted. On a read error the spans emitted so far stand and Finish is skipped.
func Drive(src Source, ex Extractor, emit func(PendingSpan)) error {
	for {
		fragment, done, err := src.Next()
		if err != nil {
			return err
		}
		if done {
			break
		}
		for _, span := range ex.Feed(fragment) {
			emit(span)
		}
	}
	for _, span := range ex.Finish() {
		emit(span)
	}
	return nil
}
