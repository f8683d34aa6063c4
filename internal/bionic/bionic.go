package bionic

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"readerbites/internal/dom"
)

var skipWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "as": {}, "at": {}, "but": {}, "by": {}, "for": {}, "in": {},
	"is": {}, "it": {}, "of": {}, "on": {}, "or": {}, "the": {}, "to": {}, "up": {}, "was": {},
}

// Split returns the emphasized head and the rest of word. Short words and common
// function words get no head.
func Split(word string) (head, tail string) {
	runes := []rune(word)
	if len(runes) <= 1 {
		return "", word
	}
	if _, ok := skipWords[strings.ToLower(word)]; ok {
		return "", word
	}
	mid := min(len(runes)/2, 3)
	return string(runes[:mid]), string(runes[mid:])
}

// Apply wraps every text node under container in a bionic span with bolded word heads.
func Apply(container *html.Node) int {
	if container == nil {
		return 0
	}

	var targets []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if strings.TrimSpace(n.Data) != "" {
				targets = append(targets, n)
			}
			return
		case html.ElementNode:
			switch {
			case n.DataAtom == atom.Script, n.DataAtom == atom.Style,
				dom.HasClass(n, dom.ClassBionic), dom.HasClass(n, dom.ClassRewriteOverlay):
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(container)

	for _, text := range targets {
		span := render(text.Data)
		text.Parent.InsertBefore(span, text)
		text.Parent.RemoveChild(text)
	}
	return len(targets)
}

// Remove undoes Apply under container. Markers added inside bionic spans survive;
// their pieces are joined again where the emphasis had split them.
func Remove(container *html.Node) int {
	spans := dom.FindAll(container, dom.ByClass(dom.ClassBionic))
	parents := make(map[*html.Node]struct{})
	for _, span := range spans {
		parent := span.Parent
		if parent == nil {
			continue
		}
		for _, strong := range dom.FindAll(span, dom.ByTag("strong")) {
			dom.Unwrap(strong)
		}
		dom.Unwrap(span)
		parents[parent] = struct{}{}
	}
	for parent := range parents {
		dom.MergeMarkers(parent)
		dom.Normalize(parent)
	}
	return len(spans)
}

// Toggle clears any existing emphasis and applies it again when enable is set.
func Toggle(container *html.Node, enable bool) {
	Remove(container)
	if enable {
		Apply(container)
	}
}

func render(text string) *html.Node {
	span := dom.Element("span", dom.ClassBionic)
	var plain strings.Builder
	flush := func() {
		if plain.Len() > 0 {
			span.AppendChild(dom.Text(plain.String()))
			plain.Reset()
		}
	}

	for i, word := range strings.Split(text, " ") {
		if i > 0 {
			plain.WriteByte(' ')
		}
		head, tail := Split(word)
		if head == "" {
			plain.WriteString(tail)
			continue
		}
		flush()
		strong := dom.Element("strong", "")
		strong.AppendChild(dom.Text(head))
		span.AppendChild(strong)
		plain.WriteString(tail)
	}
	flush()
	return span
}
