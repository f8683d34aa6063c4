package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var ErrNotFound = errors.New("store: not found")

var (
	bucketSettings   = []byte("settings")
	bucketHistory    = []byte("history")
	bucketStats      = []byte("stats")
	bucketHighlights = []byte("highlights")

	keyAPIKey      = []byte("openai_api_key")
	keyPreferences = []byte("preferences")
	keyReadingTime = []byte("reading_time_ms")
)

// Settings are the reader toggles that survive between runs.
type Settings struct {
	Bionic        bool   `json:"bionic"`
	AutoHighlight bool   `json:"auto_highlight"`
	Jargon        bool   `json:"jargon"`
	Level         string `json:"level"`
}

func DefaultSettings() Settings {
	return Settings{AutoHighlight: true, Level: "highSchool"}
}

type Article struct {
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	VisitedAt time.Time `json:"visited_at"`
}

type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSettings, bucketHistory, bucketStats, bucketHighlights} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init store buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// APIKey returns the stored key, or "" when none is set.
func (s *Store) APIKey(context.Context) (string, error) {
	var key string
	err := s.db.View(func(tx *bolt.Tx) error {
		key = string(tx.Bucket(bucketSettings).Get(keyAPIKey))
		return nil
	})
	return key, err
}

func (s *Store) SetAPIKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("API key must not be empty")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put(keyAPIKey, []byte(key))
	})
}

func (s *Store) ClearAPIKey() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Delete(keyAPIKey)
	})
}

// Settings returns the saved toggles, or DefaultSettings when nothing was saved.
func (s *Store) Settings() (Settings, error) {
	settings := DefaultSettings()
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSettings).Get(keyPreferences)
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &settings)
	})
	if err != nil {
		return DefaultSettings(), fmt.Errorf("load settings: %w", err)
	}
	return settings, nil
}

func (s *Store) SaveSettings(settings Settings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put(keyPreferences, raw)
	})
}

// AddArticle records a visit. The first visit of a URL is kept.
func (s *Store) AddArticle(a Article) error {
	if strings.TrimSpace(a.URL) == "" {
		return errors.New("article URL must not be empty")
	}
	if a.VisitedAt.IsZero() {
		a.VisitedAt = time.Now()
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode article: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		if b.Get([]byte(a.URL)) != nil {
			return nil
		}
		return b.Put([]byte(a.URL), raw)
	})
}

func (s *Store) Article(url string) (Article, error) {
	var a Article
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketHistory).Get([]byte(url))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &a)
	})
	return a, err
}

// History lists visited articles, most recent first.
func (s *Store) History() ([]Article, error) {
	var out []Article
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHistory).ForEach(func(_, v []byte) error {
			var a Article
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			out = append(out, a)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].VisitedAt.After(out[j].VisitedAt)
	})
	return out, nil
}

// AddReadingTime adds d to the running total and returns the new total.
func (s *Store) AddReadingTime(d time.Duration) (time.Duration, error) {
	var total time.Duration
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStats)
		total = decodeMillis(b.Get(keyReadingTime)) + d.Truncate(time.Millisecond)
		return b.Put(keyReadingTime, encodeMillis(total))
	})
	return total, err
}

func (s *Store) ReadingTime() (time.Duration, error) {
	var total time.Duration
	err := s.db.View(func(tx *bolt.Tx) error {
		total = decodeMillis(tx.Bucket(bucketStats).Get(keyReadingTime))
		return nil
	})
	return total, err
}

// AddHighlight saves a user highlight for url. Duplicates are ignored.
func (s *Store) AddHighlight(url, text string) error {
	text = strings.TrimSpace(text)
	if url == "" || text == "" {
		return errors.New("highlight needs a URL and text")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHighlights)
		var texts []string
		if raw := b.Get([]byte(url)); raw != nil {
			if err := json.Unmarshal(raw, &texts); err != nil {
				return err
			}
		}
		for _, existing := range texts {
			if existing == text {
				return nil
			}
		}
		raw, err := json.Marshal(append(texts, text))
		if err != nil {
			return err
		}
		return b.Put([]byte(url), raw)
	})
}

func (s *Store) Highlights(url string) ([]string, error) {
	var texts []string
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketHighlights).Get([]byte(url))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &texts)
	})
	return texts, err
}

func encodeMillis(d time.Duration) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(d.Milliseconds()))
	return buf
}

func decodeMillis(raw []byte) time.Duration {
	if len(raw) != 8 {
		return 0
	}
	return time.Duration(binary.BigEndian.Uint64(raw)) * time.Millisecond
}
