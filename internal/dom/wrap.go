package dom

import (
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// MarkerFactory builds a fresh, empty marker element for each wrapped piece.
type MarkerFactory func() *html.Node

// NewMarker returns a factory for <mark class="class" data-rb-marker> elements.
func NewMarker(class string) MarkerFactory {
	return func() *html.Node {
		return &html.Node{
			Type:     html.ElementNode,
			Data:     "mark",
			DataAtom: atom.Mark,
			Attr: []html.Attribute{
				{Key: "class", Val: class},
				{Key: AttrMarker, Val: class},
			},
		}
	}
}

type splitPlan struct {
	node   *html.Node
	before string
	inner  string
	after  string
}

// Wrap isolates the byte range [start, end) of the flattened runs inside marker
// elements. Each intersecting text run gets its own marker; opaque runs and runs
// whose node changed since the snapshot are left alone. It reports whether any
// text was wrapped.
func Wrap(runs []TextRun, start, end int, factory MarkerFactory) bool {
	if start >= end || factory == nil {
		return false
	}

	var plans []splitPlan
	for _, run := range runs {
		if run.End() <= start || run.Offset >= end {
			continue
		}
		if run.Opaque || run.Node == nil || run.Node.Type != html.TextNode {
			continue
		}
		if run.Node.Parent == nil || run.Node.Data != run.Text {
			continue
		}
		localStart := max(start-run.Offset, 0)
		localEnd := min(end-run.Offset, len(run.Text))
		if localStart >= localEnd {
			continue
		}
		plans = append(plans, splitPlan{
			node:   run.Node,
			before: run.Text[:localStart],
			inner:  run.Text[localStart:localEnd],
			after:  run.Text[localEnd:],
		})
	}

	for _, p := range plans {
		parent := p.node.Parent
		if p.before != "" {
			parent.InsertBefore(Text(p.before), p.node)
		}
		marker := factory()
		marker.AppendChild(Text(p.inner))
		parent.InsertBefore(marker, p.node)
		if p.after != "" {
			parent.InsertBefore(Text(p.after), p.node)
		}
		parent.RemoveChild(p.node)
	}
	return len(plans) > 0
}

// Mark locates target inside container and wraps it. A nil or detached container,
// a target that cannot be located and a match that wraps nothing all report false.
func Mark(container *html.Node, target string, factory MarkerFactory) bool {
	if container == nil || !Attached(container) {
		return false
	}
	m, ok := Locate(container, target)
	if !ok {
		return false
	}
	return Wrap(m.Block.Runs, m.Start, m.End, factory)
}

// Markers lists marker elements of the given class under container.
func Markers(container *html.Node, class string) []*html.Node {
	return FindAll(container, func(n *html.Node) bool {
		return IsMarker(n) && HasClass(n, class)
	})
}

// Clear unwraps every marker of class under container and returns how many were removed.
func Clear(container *html.Node, class string) int {
	markers := Markers(container, class)
	for _, m := range markers {
		Unwrap(m)
	}
	return len(markers)
}

// CountHighlights counts the highlights of class under container. Pieces of one
// span that Wrap split across inline elements count once: markers only start a
// new highlight after a text node outside any marker or at a block boundary.
func CountHighlights(container *html.Node, class string) int {
	var (
		count   int
		inGroup bool
	)
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if n.Data != "" {
				inGroup = false
			}
			return
		case html.ElementNode:
			if skipElement(n) {
				return
			}
			if IsMarker(n) {
				if HasClass(n, class) && !inGroup {
					count++
				}
				inGroup = HasClass(n, class)
				return
			}
			if isBlock(n) {
				inGroup = false
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && isBlock(n) {
			inGroup = false
		}
	}
	if container != nil {
		walk(container)
	}
	return count
}

// MergeMarkers joins directly adjacent marker siblings of the same kind under n.
func MergeMarkers(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		if !IsMarker(c) {
			MergeMarkers(c)
			continue
		}
		kind, _ := Attr(c, AttrMarker)
		for next := c.NextSibling; next != nil && IsMarker(next); next = c.NextSibling {
			if k, _ := Attr(next, AttrMarker); k != kind {
				break
			}
			for gc := next.FirstChild; gc != nil; {
				following := gc.NextSibling
				next.RemoveChild(gc)
				c.AppendChild(gc)
				gc = following
			}
			n.RemoveChild(next)
		}
		Normalize(c)
	}
}
