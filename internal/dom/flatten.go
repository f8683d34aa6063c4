package dom

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// BlockSelector lists the block-level containers searched for matches.
const BlockSelector = "p, div, li, h1, h2, h3, h4, h5, h6, blockquote"

// TextRun is one text-bearing leaf of a block. Offset is the byte position of Text
// inside FlattenedBlock.Text. A marker element contributes a single opaque run
// whose Node is the marker itself.
type TextRun struct {
	Node   *html.Node
	Text   string
	Offset int
	Opaque bool
}

func (r TextRun) End() int { return r.Offset + len(r.Text) }

type FlattenedBlock struct {
	Element *html.Node
	Runs    []TextRun
	Text    string
}

// Flatten snapshots the text runs under block in document order. The snapshot is
// only valid until the next mutation of the subtree.
func Flatten(block *html.Node) FlattenedBlock {
	fb := FlattenedBlock{Element: block}
	var b strings.Builder

	add := func(node *html.Node, text string, opaque bool) {
		if text == "" {
			return
		}
		fb.Runs = append(fb.Runs, TextRun{Node: node, Text: text, Offset: b.Len(), Opaque: opaque})
		b.WriteString(text)
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			add(n, n.Data, false)
			return
		case html.ElementNode:
			if skipElement(n) {
				return
			}
			if n != block && IsMarker(n) {
				add(n, TextContent(n), true)
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(block)

	fb.Text = b.String()
	return fb
}

// Blocks returns the eligible block containers of container in document order,
// container first when it is a block itself. Blocks nested inside markers are skipped.
func Blocks(container *html.Node) []*html.Node {
	if container == nil {
		return nil
	}
	root := goquery.NewDocumentFromNode(container).Selection
	sel := root.Filter(BlockSelector).AddSelection(root.Find(BlockSelector))

	var out []*html.Node
	sel.Each(func(_ int, s *goquery.Selection) {
		if s.ParentsFiltered("[" + AttrMarker + "]").Length() > 0 {
			return
		}
		out = append(out, s.Nodes...)
	})
	return out
}
