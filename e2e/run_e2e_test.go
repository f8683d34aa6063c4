package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"readerbites/internal/cli"
)

func TestE2EReaderWithHighlightsJargonAndBionic(t *testing.T) {
	contentServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/paper" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(sampleArticle("Cell Biology")))
	}))
	t.Cleanup(contentServer.Close)

	var rewrites atomic.Int32
	openAIServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		content := "<hl>mitochondria is the powerhouse of the cell</hl>"
		if len(req.Messages) > 0 && strings.HasPrefix(req.Messages[0].Content, "Rewrite") {
			content = fmt.Sprintf("Simple words %d.", rewrites.Add(1))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", content)
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(openAIServer.Close)

	t.Setenv("OPENAI_API_KEY", "test-key")
	t.Setenv("OPENAI_BASE_URL", openAIServer.URL)

	tmpDir := t.TempDir()
	runInWorkingDir(t, tmpDir, func() {
		cfgPath := filepath.Join(tmpDir, "readerbites.yaml")
		if err := os.WriteFile(cfgPath, []byte("stagger: 1ms\nhighlight_delay: 1ms\n"), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}

		var stdout bytes.Buffer
		var stderr bytes.Buffer
		sourceURL := contentServer.URL + "/paper"
		if err := cli.Run([]string{"--config", cfgPath, "--jargon", "--bionic", "--format", "md", sourceURL}, &stdout, &stderr); err != nil {
			t.Fatalf("Run() error = %v; stderr=%s", err, stderr.String())
		}

		matches, err := filepath.Glob(filepath.Join(tmpDir, "out", "*.md"))
		if err != nil {
			t.Fatalf("glob output file: %v", err)
		}
		if len(matches) != 1 {
			t.Fatalf("output files len=%d, want 1", len(matches))
		}

		content, err := os.ReadFile(matches[0])
		if err != nil {
			t.Fatalf("read output: %v", err)
		}
		text := string(content)
		if !strings.Contains(text, "source_url: "+sourceURL) {
			t.Fatalf("output missing source metadata: %s", text)
		}
		if !strings.Contains(text, "Simple words") {
			t.Fatalf("output missing rewritten text: %s", text)
		}
		if strings.Contains(text, "<strong>") || strings.Contains(text, "**") {
			t.Fatalf("bionic emphasis leaked into markdown: %s", text)
		}
		if rewrites.Load() == 0 {
			t.Fatalf("expected rewrite requests")
		}
		if !strings.Contains(stdout.String(), "Output: ") {
			t.Fatalf("stdout missing output line: %s", stdout.String())
		}
	})
}

func TestE2EFetchFailureReportsError(t *testing.T) {
	contentServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	t.Cleanup(contentServer.Close)

	t.Setenv("OPENAI_API_KEY", "")

	tmpDir := t.TempDir()
	runInWorkingDir(t, tmpDir, func() {
		var stdout bytes.Buffer
		var stderr bytes.Buffer
		err := cli.Run([]string{contentServer.URL + "/paper"}, &stdout, &stderr)
		if err == nil {
			t.Fatalf("Run() error = nil, want fetch failure")
		}
		if _, statErr := os.Stat(filepath.Join(tmpDir, "out")); !os.IsNotExist(statErr) {
			t.Fatalf("output directory should not exist after a fetch failure")
		}
	})
}

func runInWorkingDir(t *testing.T, dir string, fn func()) {
	t.Helper()

	originalDir, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir(%q): %v", dir, err)
	}
	defer func() {
		_ = os.Chdir(originalDir)
	}()

	fn()
}

func sampleArticle(title string) string {
	return "<!doctype html><html><head><title>" + title + "</title></head><body><article><h1>" + title + "</h1>" +
		"<p>The mitochondria is the powerhouse of the cell and drives oxidative phosphorylation in eukaryotes.</p>" +
		"<p>Ribosomes translate messenger RNA into polypeptide chains inside the cytoplasm of every living cell.</p>" +
		"</article></body></html>"
}
