package store

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"readerbites/internal/openai"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "reader.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAPIKeyLifecycle(t *testing.T) {
	t.Parallel()

	s := openTemp(t)
	ctx := context.Background()

	if key, err := s.APIKey(ctx); err != nil || key != "" {
		t.Fatalf("APIKey() = %q, %v, want empty", key, err)
	}
	if err := s.SetAPIKey("  sk-test  "); err != nil {
		t.Fatalf("SetAPIKey() error = %v", err)
	}
	if key, _ := s.APIKey(ctx); key != "sk-test" {
		t.Fatalf("APIKey() = %q, want sk-test", key)
	}

	var src openai.KeySource = s
	if key, _ := openai.FirstKey(openai.StaticKey(""), src).APIKey(ctx); key != "sk-test" {
		t.Fatalf("FirstKey(store) = %q", key)
	}

	if err := s.ClearAPIKey(); err != nil {
		t.Fatalf("ClearAPIKey() error = %v", err)
	}
	if key, _ := s.APIKey(ctx); key != "" {
		t.Fatalf("APIKey() after clear = %q", key)
	}
	if err := s.SetAPIKey(" "); err == nil {
		t.Fatalf("SetAPIKey(blank) error = nil")
	}
}

func TestSettingsDefaultAndSave(t *testing.T) {
	t.Parallel()

	s := openTemp(t)
	got, err := s.Settings()
	if err != nil || got != DefaultSettings() {
		t.Fatalf("Settings() = %+v, %v, want defaults", got, err)
	}

	want := Settings{Bionic: true, Jargon: true, Level: "college"}
	if err := s.SaveSettings(want); err != nil {
		t.Fatalf("SaveSettings() error = %v", err)
	}
	if got, _ := s.Settings(); got != want {
		t.Fatalf("Settings() = %+v, want %+v", got, want)
	}
}

func TestHistoryKeepsFirstVisitNewestFirst(t *testing.T) {
	t.Parallel()

	s := openTemp(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mustAdd := func(a Article) {
		if err := s.AddArticle(a); err != nil {
			t.Fatalf("AddArticle() error = %v", err)
		}
	}
	mustAdd(Article{URL: "https://a.example", Title: "A", VisitedAt: base})
	mustAdd(Article{URL: "https://b.example", Title: "B", VisitedAt: base.Add(time.Hour)})
	mustAdd(Article{URL: "https://a.example", Title: "A again", VisitedAt: base.Add(2 * time.Hour)})

	history, err := s.History()
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[0].Title != "B" || history[1].Title != "A" {
		t.Fatalf("History() = %+v", history)
	}

	if _, err := s.Article("https://missing.example"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Article(missing) error = %v, want ErrNotFound", err)
	}
}

func TestReadingTimeAccumulates(t *testing.T) {
	t.Parallel()

	s := openTemp(t)
	if _, err := s.AddReadingTime(90 * time.Second); err != nil {
		t.Fatalf("AddReadingTime() error = %v", err)
	}
	total, err := s.AddReadingTime(1500 * time.Millisecond)
	if err != nil || total != 91500*time.Millisecond {
		t.Fatalf("AddReadingTime() = %v, %v", total, err)
	}
	if got, _ := s.ReadingTime(); got != total {
		t.Fatalf("ReadingTime() = %v, want %v", got, total)
	}
}

func TestHighlightsDeduplicatePerURL(t *testing.T) {
	t.Parallel()

	s := openTemp(t)
	for _, text := range []string{"first passage", "second passage", " first passage "} {
		if err := s.AddHighlight("https://a.example", text); err != nil {
			t.Fatalf("AddHighlight() error = %v", err)
		}
	}
	got, err := s.Highlights("https://a.example")
	if err != nil || !reflect.DeepEqual(got, []string{"first passage", "second passage"}) {
		t.Fatalf("Highlights() = %q, %v", got, err)
	}
	if got, _ := s.Highlights("https://b.example"); got != nil {
		t.Fatalf("Highlights(other) = %q, want nil", got)
	}
}
