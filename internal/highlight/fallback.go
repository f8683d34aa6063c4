package highlight

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"readerbites/internal/dom"
)

const minFallbackParagraph = 50

var (
	sentencePattern = regexp.MustCompile(`[^.!?]+[.!?]+`)

	keywordPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(important|key|crucial|significant|main|primary|essential|critical)\b`),
		regexp.MustCompile(`(?i)\b(research|study|found|discovered|shows|demonstrates|proves)\b`),
		regexp.MustCompile(`(?i)\b(however|therefore|thus|consequently|moreover|furthermore)\b`),
	}
)

// Fallback marks sentences that look important by position and wording, at most
// limit of them. It returns how many were marked.
func Fallback(container *html.Node, limit int) int {
	if container == nil || !dom.Attached(container) || limit <= 0 {
		return 0
	}

	var candidates []string
	goquery.NewDocumentFromNode(container).Find("p").Each(func(index int, p *goquery.Selection) {
		text := p.Text()
		if len(text) < minFallbackParagraph {
			return
		}
		for i, sentence := range sentencePattern.FindAllString(text, -1) {
			sentence = strings.TrimSpace(sentence)
			if important(index, i, sentence) {
				candidates = append(candidates, sentence)
			}
		}
	})

	applied := 0
	for _, sentence := range candidates {
		if applied >= limit {
			break
		}
		if dom.Mark(container, sentence, dom.NewMarker(dom.ClassAIHighlight)) {
			applied++
		}
	}
	return applied
}

func important(paragraph, sentence int, text string) bool {
	if paragraph == 0 || paragraph == 1 {
		return true
	}
	if paragraph%4 == 0 && sentence == 0 {
		return true
	}
	for _, re := range keywordPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
