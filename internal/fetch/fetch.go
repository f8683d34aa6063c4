package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

const (
	maxErrBody = 1024
	userAgent  = "readerbites/1.0 (+https://github.com/readerbites/readerbites)"
)

// Document is the readable part of a page. HTML is the extracted article body, or
// the raw page when extraction failed.
type Document struct {
	HTML     string
	Title    string
	FinalURL string
}

// Load reads source as an http(s) URL, or as a local file path otherwise.
func Load(ctx context.Context, httpClient *http.Client, source string) (Document, error) {
	if u, err := url.Parse(source); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return HTML(ctx, httpClient, source)
	}
	return File(source)
}

func HTML(ctx context.Context, httpClient *http.Client, rawURL string) (Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Document{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := httpClient.Do(req)
	if err != nil {
		return Document{}, fmt.Errorf("download URL: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Document{}, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := strings.TrimSpace(string(body))
		if len(snippet) > maxErrBody {
			snippet = snippet[:maxErrBody] + "..."
		}
		return Document{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, snippet)
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	if !isHTMLContentType(resp.Header.Get("Content-Type")) {
		return Document{HTML: string(body), FinalURL: finalURL}, nil
	}
	return readable(body, finalURL), nil
}

// File extracts the article from a saved HTML page. FinalURL is a file:// URL.
func File(path string) (Document, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	fileURL := (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
	return readable(body, fileURL), nil
}

// readable runs readability over body and falls back to the raw page.
func readable(body []byte, pageURL string) Document {
	doc := Document{
		HTML:     string(body),
		Title:    normalizeTitle(extractTitle(body)),
		FinalURL: pageURL,
	}

	parsedURL, err := url.Parse(pageURL)
	if err != nil {
		return doc
	}
	article, err := readability.FromReader(bytes.NewReader(body), parsedURL)
	if err != nil {
		return doc
	}
	if content := strings.TrimSpace(article.Content); content != "" {
		doc.HTML = content
	}
	if title := strings.TrimSpace(article.Title); title != "" {
		doc.Title = normalizeTitle(title)
	}
	return doc
}

func isHTMLContentType(contentType string) bool {
	if strings.TrimSpace(contentType) == "" {
		return true
	}
	lower := strings.ToLower(contentType)
	return strings.Contains(lower, "text/html") || strings.Contains(lower, "application/xhtml+xml")
}

func extractTitle(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

func normalizeTitle(title string) string {
	return strings.Join(strings.Fields(title), " ")
}
