package highlight

import (
	"golang.org/x/net/html"

	"readerbites/internal/dom"
)

// ApplyManual re-applies saved user highlights and returns how many were found.
func ApplyManual(container *html.Node, texts []string) int {
	applied := 0
	for _, text := range texts {
		if dom.Mark(container, text, dom.NewMarker(dom.ClassUserHighlight)) {
			applied++
		}
	}
	return applied
}
