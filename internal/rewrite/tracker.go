package rewrite

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"readerbites/internal/dom"
	"readerbites/internal/extract"
	"readerbites/internal/loop"
	"readerbites/internal/openai"
	"readerbites/internal/prompt"
)

type Config struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Glossary    map[string]string
}

func DefaultConfig() Config {
	return Config{Model: "gpt-4", Temperature: 0.3}
}

// Record holds the texts of one paragraph. Original is captured on first visit
// and never changes; Translated is valid only while HasTranslation is set.
type Record struct {
	Original       string
	Translated     string
	HasTranslation bool
}

type Result int

const (
	// Translated means a new rewrite was streamed and committed.
	Translated Result = iota
	// Memoized means an earlier rewrite was shown again without a request.
	Memoized
	// Skipped means no API key is configured.
	Skipped
	// Reverted means the request failed and the original text stays.
	Reverted
	// NotFound means the paragraph was missing or detached.
	NotFound
)

func (r Result) String() string {
	switch r {
	case Translated:
		return "translated"
	case Memoized:
		return "memoized"
	case Skipped:
		return "skipped"
	case Reverted:
		return "reverted"
	case NotFound:
		return "not_found"
	}
	return "unknown"
}

type EventKind string

const (
	EventFragment EventKind = "rewrite_fragment"
	EventCommit   EventKind = "rewrite_commit"
	EventRevert   EventKind = "rewrite_revert"
	EventRestore  EventKind = "restore"
)

type Event struct {
	Kind      EventKind
	Paragraph *html.Node
	Text      string
}

// Tracker rewrites paragraphs into plain language and remembers both versions so
// toggling back and forth costs no extra requests. Records are only touched on the
// loop; the exported methods must be called from outside it.
type Tracker struct {
	client openai.ChatStreamer
	loop   *loop.Loop
	cfg    Config
	logger *zap.Logger

	records map[*html.Node]*Record

	mu      sync.Mutex
	onEvent func(Event)
}

func NewTracker(client openai.ChatStreamer, lp *loop.Loop, cfg Config, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		client:  client,
		loop:    lp,
		cfg:     cfg,
		logger:  logger,
		records: make(map[*html.Node]*Record),
	}
}

// OnEvent registers fn to observe overlay and commit events. fn runs on the loop.
func (t *Tracker) OnEvent(fn func(Event)) {
	t.mu.Lock()
	t.onEvent = fn
	t.mu.Unlock()
}

func (t *Tracker) emit(ev Event) {
	t.mu.Lock()
	fn := t.onEvent
	t.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// TranslateParagraph shows the plain-language version of p, streaming it from the
// model unless a rewrite is already remembered.
func (t *Tracker) TranslateParagraph(ctx context.Context, p *html.Node, level prompt.Level) Result {
	var (
		original string
		rec      *Record
		result   = NotFound
	)
	t.loop.Do(func() {
		if p == nil || !dom.Attached(p) {
			return
		}
		rec = t.recordFor(p)
		if rec.HasTranslation {
			dom.SetText(p, rec.Translated)
			t.emit(Event{Kind: EventCommit, Paragraph: p, Text: rec.Translated})
			result = Memoized
			return
		}
		original = rec.Original
		result = Translated
	})
	if result != Translated {
		return result
	}
	if strings.TrimSpace(original) == "" {
		return NotFound
	}

	stream, err := t.client.StreamChat(ctx, openai.ChatRequest{
		Model:       t.cfg.Model,
		Messages:    prompt.Rewrite(original, level, t.cfg.Glossary),
		Temperature: t.cfg.Temperature,
		MaxTokens:   t.cfg.MaxTokens,
	})
	if errors.Is(err, openai.ErrNoAPIKey) {
		return Skipped
	}
	if err != nil {
		t.logger.Warn("rewrite request failed", zap.Error(err))
		t.loop.Do(func() { t.revert(p, nil) })
		return Reverted
	}
	defer stream.Close()

	var overlay *html.Node
	if !t.loop.Do(func() {
		overlay = newOverlay()
		p.AppendChild(overlay)
	}) {
		return NotFound
	}

	var total string
	ex := extract.NewRewriteExtractor(func(fragment string) {
		t.loop.Post(func() {
			if overlay.Parent == nil {
				return
			}
			overlay.AppendChild(dom.Text(fragment))
			t.emit(Event{Kind: EventFragment, Paragraph: p, Text: fragment})
		})
	})
	err = extract.Drive(stream, ex, func(span extract.PendingSpan) {
		total = span.Payload
	})
	if err == nil && strings.TrimSpace(total) == "" {
		err = errors.New("model returned an empty rewrite")
	}
	if err != nil {
		t.logger.Warn("rewrite stream failed, keeping original", zap.Error(err))
		t.loop.Do(func() { t.revert(p, overlay) })
		return Reverted
	}

	result = Translated
	if !t.loop.Do(func() {
		dom.Detach(overlay)
		if !dom.Attached(p) {
			result = NotFound
			return
		}
		dom.SetText(p, total)
		rec.Translated = total
		rec.HasTranslation = true
		t.emit(Event{Kind: EventCommit, Paragraph: p, Text: total})
	}) {
		return NotFound
	}
	return result
}

// Summary counts TranslateAll results by kind.
type Summary map[Result]int

// TranslateAll rewrites every paragraph of container one after another. It stops
// early when no API key is configured or ctx is done.
func (t *Tracker) TranslateAll(ctx context.Context, container *html.Node, level prompt.Level) Summary {
	var paragraphs []*html.Node
	t.loop.Do(func() {
		paragraphs = Paragraphs(container)
	})

	summary := Summary{}
	for _, p := range paragraphs {
		if ctx.Err() != nil {
			break
		}
		res := t.TranslateParagraph(ctx, p, level)
		summary[res]++
		if res == Skipped {
			break
		}
	}
	return summary
}

// Restore puts the original text back into every touched paragraph of container
// and forgets their rewrites. A nil container restores everything.
func (t *Tracker) Restore(container *html.Node) int {
	restored := 0
	t.loop.Do(func() {
		restored = t.restore(container)
	})
	return restored
}

// Reset drops every record. Used when the reader content is torn down.
func (t *Tracker) Reset() {
	t.loop.Do(func() {
		t.records = make(map[*html.Node]*Record)
	})
}

// Lookup returns a copy of the record kept for p.
func (t *Tracker) Lookup(p *html.Node) (Record, bool) {
	var (
		out Record
		ok  bool
	)
	t.loop.Do(func() {
		if rec, found := t.records[p]; found {
			out, ok = *rec, true
		}
	})
	return out, ok
}

// Paragraphs lists the <p> elements of container, container included.
func Paragraphs(container *html.Node) []*html.Node {
	if container == nil {
		return nil
	}
	root := goquery.NewDocumentFromNode(container).Selection
	return root.Filter("p").AddSelection(root.Find("p")).Nodes
}

func (t *Tracker) recordFor(p *html.Node) *Record {
	rec, ok := t.records[p]
	if !ok {
		rec = &Record{Original: dom.TextContent(p)}
		t.records[p] = rec
	}
	return rec
}

func (t *Tracker) revert(p, overlay *html.Node) {
	dom.Detach(overlay)
	rec, ok := t.records[p]
	if ok && dom.Attached(p) && !rec.HasTranslation && dom.TextContent(p) != rec.Original {
		dom.SetText(p, rec.Original)
	}
	t.emit(Event{Kind: EventRevert, Paragraph: p})
}

func (t *Tracker) restore(container *html.Node) int {
	restored := 0
	for p, rec := range t.records {
		if container != nil && !contains(container, p) {
			continue
		}
		for _, o := range dom.FindAll(p, dom.ByClass(dom.ClassRewriteOverlay)) {
			dom.Detach(o)
		}
		if dom.TextContent(p) != rec.Original {
			dom.SetText(p, rec.Original)
		}
		rec.Translated = ""
		rec.HasTranslation = false
		restored++
		t.emit(Event{Kind: EventRestore, Paragraph: p, Text: rec.Original})
	}
	return restored
}

func newOverlay() *html.Node {
	return &html.Node{
		Type:     html.ElementNode,
		Data:     "span",
		DataAtom: atom.Span,
		Attr: []html.Attribute{
			{Key: "class", Val: dom.ClassRewriteOverlay},
			{Key: dom.AttrMarker, Val: dom.ClassRewriteOverlay},
		},
	}
}

func contains(root, n *html.Node) bool {
	for cur := n; cur != nil; cur = cur.Parent {
		if cur == root {
			return true
		}
	}
	return false
}
