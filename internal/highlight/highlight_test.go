package highlight

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"golang.org/x/net/html"

	"readerbites/internal/dom"
	"readerbites/internal/loop"
	"readerbites/internal/openai"
)

const photosynthesis = "Photosynthesis converts light into chemical energy. This process is essential for life."

func sseFrame(content string) string {
	return fmt.Sprintf("data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", content)
}

func newModelServer(t *testing.T, status int, fragments ...string) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = io.WriteString(w, `{"error":{"message":"model unavailable"}}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range fragments {
			_, _ = io.WriteString(w, sseFrame(f))
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func newDoc(t *testing.T, body string) (*html.Node, *html.Node) {
	t.Helper()
	doc, err := dom.Parse("<html><body>" + body + "</body></html>")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	container := dom.Find(doc, dom.ByID("c"))
	if container == nil {
		t.Fatalf("container #c not found")
	}
	return doc, container
}

func newHighlighter(t *testing.T, server *httptest.Server, key string, stagger time.Duration) (*Highlighter, *loop.Loop) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	lp := loop.New(logger)
	t.Cleanup(lp.Close)

	client := openai.NewClient(openai.StaticKey(key), server.URL, server.Client(), 0, logger)
	cfg := DefaultConfig()
	cfg.Stagger = stagger
	return New(client, lp, cfg, logger), lp
}

func TestRunMarksStreamedSentence(t *testing.T) {
	t.Parallel()

	server, _ := newModelServer(t, http.StatusOK,
		`<hl prefix="l energy. " suffix="">This process`,
		` is essential`,
		` for life.</hl>`,
	)
	h, lp := newHighlighter(t, server, "test-key", time.Millisecond)
	_, container := newDoc(t, `<div id="c"><p>`+photosynthesis+`</p></div>`)

	report := h.Run(context.Background(), func() *html.Node { return container })
	lp.Wait()

	if report.Source != SourceModel || report.Scheduled != 1 || report.Err != nil {
		t.Fatalf("Run() report = %+v", report)
	}

	var markers []*html.Node
	var text string
	lp.Do(func() {
		markers = dom.Markers(container, dom.ClassAIHighlight)
		text = dom.TextContent(container)
	})
	if len(markers) != 1 {
		t.Fatalf("markers = %d, want 1", len(markers))
	}
	if got := dom.TextContent(markers[0]); got != "This process is essential for life." {
		t.Fatalf("marker text = %q", got)
	}
	if text != photosynthesis {
		t.Fatalf("container text = %q, want %q", text, photosynthesis)
	}
}

func TestRunToleratesDetachedContainer(t *testing.T) {
	t.Parallel()

	server, _ := newModelServer(t, http.StatusOK,
		`<hl>Photosynthesis converts light into chemical energy.</hl>`,
		`<hl>This process is essential for life.</hl>`,
	)
	h, lp := newHighlighter(t, server, "test-key", 100*time.Millisecond)
	_, container := newDoc(t, `<div id="c"><p>`+photosynthesis+`</p></div>`)

	var mu sync.Mutex
	outcomes := map[int]bool{}
	h.OnOutcome(func(o Outcome) {
		mu.Lock()
		outcomes[o.Span.Sequence] = o.Applied
		mu.Unlock()
	})

	report := h.Run(context.Background(), func() *html.Node { return container })
	if report.Scheduled != 2 {
		t.Fatalf("Run() scheduled = %d, want 2", report.Scheduled)
	}
	lp.Do(func() { dom.Detach(container) })
	lp.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %v, want 2 entries", outcomes)
	}
	if outcomes[1] {
		t.Fatalf("span scheduled after detach reported applied")
	}
}

func TestRunTreatsMissingContainerAsNotFound(t *testing.T) {
	t.Parallel()

	server, _ := newModelServer(t, http.StatusOK,
		`<hl>Photosynthesis converts light into chemical energy.</hl>`,
		`<hl>This process is essential for life.</hl>`,
	)
	h, lp := newHighlighter(t, server, "test-key", 0)
	_, container := newDoc(t, `<div id="c"><p>`+photosynthesis+`</p></div>`)

	var current atomic.Pointer[html.Node]
	current.Store(container)
	resolve := func() *html.Node { return current.Load() }

	var applied, total atomic.Int32
	h.OnOutcome(func(o Outcome) {
		total.Add(1)
		if o.Applied {
			applied.Add(1)
		}
		// the reader closes right after the first span lands
		current.Store(nil)
	})

	h.Run(context.Background(), resolve)
	lp.Wait()
	if total.Load() != 2 || applied.Load() != 1 {
		t.Fatalf("outcomes = %d, applied = %d, want 2 and 1", total.Load(), applied.Load())
	}
}

func TestRunWithoutKeySkipsEverything(t *testing.T) {
	t.Parallel()

	server, calls := newModelServer(t, http.StatusOK)
	h, lp := newHighlighter(t, server, "", 0)
	_, container := newDoc(t, `<div id="c"><p>`+photosynthesis+`</p></div>`)

	report := h.Run(context.Background(), func() *html.Node { return container })
	lp.Wait()

	if report.Source != SourceSkipped {
		t.Fatalf("Run() source = %q, want %q", report.Source, SourceSkipped)
	}
	if atomic.LoadInt32(calls) != 0 {
		t.Fatalf("model calls = %d, want 0", *calls)
	}
	if n := len(dom.Markers(container, dom.ClassAIHighlight)); n != 0 {
		t.Fatalf("markers = %d, want 0", n)
	}
}

func TestRunFallsBackToHeuristicOnAPIFailure(t *testing.T) {
	t.Parallel()

	server, _ := newModelServer(t, http.StatusUnauthorized)
	h, lp := newHighlighter(t, server, "bad-key", 0)
	_, container := newDoc(t, `<div id="c"><p>`+photosynthesis+` It powers almost every food chain on Earth.</p></div>`)

	report := h.Run(context.Background(), func() *html.Node { return container })
	lp.Wait()

	if report.Source != SourceHeuristic || report.Err == nil {
		t.Fatalf("Run() report = %+v, want heuristic with error", report)
	}
	if report.Applied != 3 {
		t.Fatalf("Run() applied = %d, want 3", report.Applied)
	}
	if n := len(dom.Markers(container, dom.ClassAIHighlight)); n != 3 {
		t.Fatalf("markers = %d, want 3", n)
	}
}

func TestFallbackSelectsByPositionAndKeywords(t *testing.T) {
	t.Parallel()

	filler := "Plain filler words keep this paragraph long enough to count here."
	body := `<div id="c">` +
		`<p>Too short.</p>` +
		`<p>` + filler + `</p>` +
		`<p>` + filler + ` Another sentence just sits here quietly.</p>` +
		`<p>Nothing stands out in this sentence at all, truly. The study found a clear effect in mice.</p>` +
		`<p>Opening sentence of the fourth paragraph sits here. Its second sentence is quite ordinary though.</p>` +
		`</div>`
	_, container := newDoc(t, body)

	applied := Fallback(container, 10)

	var got []string
	for _, m := range dom.Markers(container, dom.ClassAIHighlight) {
		got = append(got, dom.TextContent(m))
	}
	want := []string{
		filler,
		"The study found a clear effect in mice.",
		"Opening sentence of the fourth paragraph sits here.",
	}
	if applied != len(want) || strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("Fallback() = %d %q, want %q", applied, got, want)
	}
}

func TestFallbackRespectsLimit(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	b.WriteString(`<div id="c">`)
	for i := 0; i < 15; i++ {
		fmt.Fprintf(&b, "<p>This is a key finding number %d in a long enough paragraph.</p>", i)
	}
	b.WriteString(`</div>`)
	_, container := newDoc(t, b.String())

	if got := Fallback(container, 10); got != 10 {
		t.Fatalf("Fallback() = %d, want 10", got)
	}
}

func TestApplyManual(t *testing.T) {
	t.Parallel()

	_, container := newDoc(t, `<div id="c"><p>`+photosynthesis+`</p></div>`)
	n := ApplyManual(container, []string{"converts light   into chemical", "missing sentence text", "tiny"})
	if n != 1 {
		t.Fatalf("ApplyManual() = %d, want 1", n)
	}
	markers := dom.Markers(container, dom.ClassUserHighlight)
	if len(markers) != 1 || dom.TextContent(markers[0]) != "converts light into chemical" {
		t.Fatalf("user markers = %d", len(markers))
	}
}
