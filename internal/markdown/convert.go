package markdown

import (
	"bytes"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/strikethrough"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"golang.org/x/net/html"

	"readerbites/internal/dom"
)

var conv = newConverter()

func newConverter() *converter.Converter {
	c := converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			strikethrough.NewStrikethroughPlugin(),
			table.NewTablePlugin(),
		),
	)
	c.Register.PreRenderer(stripReaderDecorations, converter.PriorityEarly)
	c.Register.RendererFor("mark", converter.TagTypeInline, renderMark, converter.PriorityStandard)
	return c
}

// FromHTML converts reader markup to Markdown. Highlights become ==text==, bionic
// emphasis is dropped and pending rewrite overlays are removed.
func FromHTML(rawHTML string) (string, error) {
	markdownText, err := conv.ConvertString(rawHTML)
	if err != nil {
		return "", err
	}
	markdownText = strings.ReplaceAll(markdownText, "\r\n", "\n")
	return strings.TrimSpace(markdownText), nil
}

func stripReaderDecorations(_ converter.Context, doc *html.Node) {
	for _, overlay := range dom.FindAll(doc, dom.ByClass(dom.ClassRewriteOverlay)) {
		dom.Detach(overlay)
	}
	for _, span := range dom.FindAll(doc, dom.ByClass(dom.ClassBionic)) {
		parent := span.Parent
		if parent == nil {
			continue
		}
		parent.InsertBefore(dom.Text(dom.TextContent(span)), span)
		parent.RemoveChild(span)
		dom.Normalize(parent)
	}
}

func renderMark(ctx converter.Context, w converter.Writer, n *html.Node) converter.RenderStatus {
	var buf bytes.Buffer
	ctx.RenderChildNodes(ctx, &buf, n)

	content := bytes.TrimSpace(buf.Bytes())
	if len(content) == 0 {
		return converter.RenderSuccess
	}
	_, _ = w.WriteString("==")
	_, _ = w.Write(content)
	_, _ = w.WriteString("==")
	return converter.RenderSuccess
}
