package rewrite

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap/zaptest"
	"golang.org/x/net/html"

	"readerbites/internal/dom"
	"readerbites/internal/loop"
	"readerbites/internal/openai"
	"readerbites/internal/prompt"
)

const mitochondria = "The mitochondria is the powerhouse of the cell."

func sseFrame(content string) string {
	return fmt.Sprintf("data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", content)
}

// newModelServer answers the n-th request with responses[n-1]; an empty slice
// entry means a 500 response.
func newModelServer(t *testing.T, responses ...[]string) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&calls, 1))
		if n > len(responses) || len(responses[n-1]) == 0 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `{"error":{"message":"boom"}}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range responses[n-1] {
			_, _ = io.WriteString(w, sseFrame(f))
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func newTracker(t *testing.T, server *httptest.Server, key string) (*Tracker, *loop.Loop) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	lp := loop.New(logger)
	t.Cleanup(lp.Close)
	client := openai.NewClient(openai.StaticKey(key), server.URL, server.Client(), 0, logger)
	return NewTracker(client, lp, DefaultConfig(), logger), lp
}

func newParagraph(t *testing.T, body string) (*html.Node, *html.Node) {
	t.Helper()
	doc, err := dom.Parse("<html><body><div id=\"c\">" + body + "</div></body></html>")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	container := dom.Find(doc, dom.ByID("c"))
	return container, dom.Find(container, dom.ByTag("p"))
}

func textOf(lp *loop.Loop, n *html.Node) string {
	var s string
	lp.Do(func() { s = dom.TextContent(n) })
	return s
}

func TestTranslateParagraphStreamsAndRestores(t *testing.T) {
	t.Parallel()

	server, _ := newModelServer(t, []string{"The ", "cell's battery."})
	tracker, lp := newTracker(t, server, "test-key")
	container, p := newParagraph(t, "<p>"+mitochondria+"</p>")

	var mu sync.Mutex
	var fragments []string
	tracker.OnEvent(func(ev Event) {
		if ev.Kind == EventFragment {
			mu.Lock()
			fragments = append(fragments, ev.Text)
			mu.Unlock()
		}
	})

	if got := tracker.TranslateParagraph(context.Background(), p, prompt.HighSchool); got != Translated {
		t.Fatalf("TranslateParagraph() = %v, want %v", got, Translated)
	}
	if got := textOf(lp, p); got != "The cell's battery." {
		t.Fatalf("paragraph text = %q, want %q", got, "The cell's battery.")
	}
	mu.Lock()
	if len(fragments) != 2 || fragments[0] != "The " {
		t.Fatalf("live fragments = %q", fragments)
	}
	mu.Unlock()
	if n := len(dom.FindAll(container, dom.ByClass(dom.ClassRewriteOverlay))); n != 0 {
		t.Fatalf("overlays left behind = %d", n)
	}

	if n := tracker.Restore(container); n != 1 {
		t.Fatalf("Restore() = %d, want 1", n)
	}
	if got := textOf(lp, p); got != mitochondria {
		t.Fatalf("restored text = %q, want %q", got, mitochondria)
	}
}

func TestTranslateParagraphMemoizesUntilRestore(t *testing.T) {
	t.Parallel()

	server, calls := newModelServer(t, []string{"First rewrite."}, []string{"Second rewrite."})
	tracker, lp := newTracker(t, server, "test-key")
	container, p := newParagraph(t, "<p>"+mitochondria+"</p>")
	ctx := context.Background()

	tracker.TranslateParagraph(ctx, p, prompt.HighSchool)
	if got := tracker.TranslateParagraph(ctx, p, prompt.HighSchool); got != Memoized {
		t.Fatalf("second TranslateParagraph() = %v, want %v", got, Memoized)
	}
	if atomic.LoadInt32(calls) != 1 {
		t.Fatalf("model calls = %d, want 1", *calls)
	}
	if got := textOf(lp, p); got != "First rewrite." {
		t.Fatalf("memoized text = %q", got)
	}

	tracker.Restore(container)
	rec, ok := tracker.Lookup(p)
	if !ok || rec.HasTranslation || rec.Original != mitochondria {
		t.Fatalf("record after restore = %+v, %v", rec, ok)
	}

	if got := tracker.TranslateParagraph(ctx, p, prompt.HighSchool); got != Translated {
		t.Fatalf("TranslateParagraph() after restore = %v, want %v", got, Translated)
	}
	if atomic.LoadInt32(calls) != 2 {
		t.Fatalf("model calls = %d, want 2", *calls)
	}
	if got := textOf(lp, p); got != "Second rewrite." {
		t.Fatalf("text after second translation = %q", got)
	}
}

func TestTranslateParagraphRevertsOnFailure(t *testing.T) {
	t.Parallel()

	server, _ := newModelServer(t, nil)
	tracker, lp := newTracker(t, server, "test-key")
	_, p := newParagraph(t, "<p>"+mitochondria+"</p>")

	if got := tracker.TranslateParagraph(context.Background(), p, prompt.College); got != Reverted {
		t.Fatalf("TranslateParagraph() = %v, want %v", got, Reverted)
	}
	if got := textOf(lp, p); got != mitochondria {
		t.Fatalf("text after failure = %q", got)
	}
	rec, _ := tracker.Lookup(p)
	if rec.HasTranslation || rec.Translated != "" {
		t.Fatalf("failure left memoized state: %+v", rec)
	}
}

func TestTranslateParagraphRevertsOnMidStreamFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Errorf("response writer cannot hijack")
			return
		}
		conn, buf, err := hj.Hijack()
		if err != nil {
			t.Errorf("Hijack() error = %v", err)
			return
		}
		defer conn.Close()
		_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nContent-Type: text/event-stream\r\nContent-Length: 1000\r\n\r\n")
		_, _ = buf.WriteString(sseFrame("Half a "))
		_ = buf.Flush()
	}))
	t.Cleanup(server.Close)

	tracker, lp := newTracker(t, server, "test-key")
	container, p := newParagraph(t, "<p>"+mitochondria+"</p>")

	if got := tracker.TranslateParagraph(context.Background(), p, prompt.HighSchool); got != Reverted {
		t.Fatalf("TranslateParagraph() = %v, want %v", got, Reverted)
	}
	if got := textOf(lp, p); got != mitochondria {
		t.Fatalf("text after failure = %q, want %q", got, mitochondria)
	}
	if n := len(dom.FindAll(container, dom.ByClass(dom.ClassRewriteOverlay))); n != 0 {
		t.Fatalf("overlays left behind = %d", n)
	}
}

func TestTranslateParagraphWithoutKeyIsSkipped(t *testing.T) {
	t.Parallel()

	server, calls := newModelServer(t)
	tracker, lp := newTracker(t, server, "")
	_, p := newParagraph(t, "<p>"+mitochondria+"</p>")

	if got := tracker.TranslateParagraph(context.Background(), p, prompt.HighSchool); got != Skipped {
		t.Fatalf("TranslateParagraph() = %v, want %v", got, Skipped)
	}
	if atomic.LoadInt32(calls) != 0 || textOf(lp, p) != mitochondria {
		t.Fatalf("skip touched the network or the paragraph")
	}
}

func TestTranslateParagraphDetached(t *testing.T) {
	t.Parallel()

	server, calls := newModelServer(t, []string{"unused"})
	tracker, lp := newTracker(t, server, "test-key")
	container, p := newParagraph(t, "<p>"+mitochondria+"</p>")
	lp.Do(func() { dom.Detach(container) })

	if got := tracker.TranslateParagraph(context.Background(), p, prompt.HighSchool); got != NotFound {
		t.Fatalf("TranslateParagraph() = %v, want %v", got, NotFound)
	}
	if got := tracker.TranslateParagraph(context.Background(), nil, prompt.HighSchool); got != NotFound {
		t.Fatalf("TranslateParagraph(nil) = %v, want %v", got, NotFound)
	}
	if atomic.LoadInt32(calls) != 0 {
		t.Fatalf("model calls = %d, want 0", *calls)
	}
}

func TestTranslateParagraphAfterLoopClosedIsNotFound(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sseFrame("The cell's battery."))
		w.(http.Flusher).Flush()
		close(started)
		<-release
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(server.Close)

	tracker, lp := newTracker(t, server, "test-key")
	_, p := newParagraph(t, "<p>"+mitochondria+"</p>")

	result := make(chan Result, 1)
	go func() {
		result <- tracker.TranslateParagraph(context.Background(), p, prompt.HighSchool)
	}()

	<-started
	lp.Close()
	close(release)

	if got := <-result; got != NotFound {
		t.Fatalf("TranslateParagraph() after Close = %v, want %v", got, NotFound)
	}
}

func TestTranslateAllIsSequentialAndRestoreIsScoped(t *testing.T) {
	t.Parallel()

	server, calls := newModelServer(t, []string{"One."}, []string{"Two."})
	tracker, lp := newTracker(t, server, "test-key")
	container, _ := newParagraph(t, "<p>First paragraph text.</p><p>Second paragraph text.</p>")

	summary := tracker.TranslateAll(context.Background(), container, prompt.HighSchool)
	if summary[Translated] != 2 || atomic.LoadInt32(calls) != 2 {
		t.Fatalf("TranslateAll() = %v, calls = %d", summary, *calls)
	}
	if got := textOf(lp, container); got != "One.Two." {
		t.Fatalf("container text = %q", got)
	}

	summary = tracker.TranslateAll(context.Background(), container, prompt.HighSchool)
	if summary[Memoized] != 2 || atomic.LoadInt32(calls) != 2 {
		t.Fatalf("second TranslateAll() = %v, calls = %d", summary, *calls)
	}

	tracker.Restore(nil)
	if got := textOf(lp, container); got != "First paragraph text.Second paragraph text." {
		t.Fatalf("restored container text = %q", got)
	}

	tracker.Reset()
	if _, ok := tracker.Lookup(dom.Find(container, dom.ByTag("p"))); ok {
		t.Fatalf("Reset() kept records")
	}
}
