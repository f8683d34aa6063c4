package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"readerbites/internal/prompt"
)

type Config struct {
	BaseURL            string        `yaml:"base_url"`
	Model              string        `yaml:"model"`
	Temperature        float64       `yaml:"temperature"`
	MaxTokens          int           `yaml:"max_tokens"`
	RewriteModel       string        `yaml:"rewrite_model"`
	RewriteTemperature float64       `yaml:"rewrite_temperature"`
	Stagger            time.Duration `yaml:"stagger"`
	HighlightDelay     time.Duration `yaml:"highlight_delay"`
	MaxFallback        int           `yaml:"max_fallback_highlights"`
	Level              string        `yaml:"level"`
	Glossary           string        `yaml:"glossary"`
	StorePath          string        `yaml:"store_path"`
	// Timeout bounds a whole run; 0 waits forever.
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	LogLevel   string        `yaml:"log_level"`
}

func Defaults() Config {
	return Config{
		Model:              "gpt-4.1",
		Temperature:        0.7,
		MaxTokens:          8096,
		RewriteModel:       "gpt-4",
		RewriteTemperature: 0.3,
		Stagger:            150 * time.Millisecond,
		HighlightDelay:     500 * time.Millisecond,
		MaxFallback:        10,
		Level:              string(prompt.DefaultLevel),
		StorePath:          "readerbites.db",
		MaxRetries:         3,
		LogLevel:           "warn",
	}
}

// Load parses a YAML config file, rejecting unknown fields. Fields left out stay
// zero and MaxRetries stays -1, so the result can be merged over Defaults.
func Load(path string, raw []byte) (Config, error) {
	cfg := Config{MaxRetries: -1}
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config %s: %w", path, err)
		}
		defer f.Close()
		r = f
	default:
		return cfg, errors.New("no config source provided")
	}

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Merge overlays the set fields of over onto base. Zero values do not override,
// except MaxRetries where only negative means unset.
func Merge(base, over Config) Config {
	out := base
	if s := strings.TrimSpace(over.BaseURL); s != "" {
		out.BaseURL = s
	}
	if s := strings.TrimSpace(over.Model); s != "" {
		out.Model = s
	}
	if over.Temperature != 0 {
		out.Temperature = over.Temperature
	}
	if over.MaxTokens != 0 {
		out.MaxTokens = over.MaxTokens
	}
	if s := strings.TrimSpace(over.RewriteModel); s != "" {
		out.RewriteModel = s
	}
	if over.RewriteTemperature != 0 {
		out.RewriteTemperature = over.RewriteTemperature
	}
	if over.Stagger != 0 {
		out.Stagger = over.Stagger
	}
	if over.HighlightDelay != 0 {
		out.HighlightDelay = over.HighlightDelay
	}
	if over.MaxFallback != 0 {
		out.MaxFallback = over.MaxFallback
	}
	if s := strings.TrimSpace(over.Level); s != "" {
		out.Level = s
	}
	if s := strings.TrimSpace(over.Glossary); s != "" {
		out.Glossary = s
	}
	if s := strings.TrimSpace(over.StorePath); s != "" {
		out.StorePath = s
	}
	if over.Timeout != 0 {
		out.Timeout = over.Timeout
	}
	if over.MaxRetries >= 0 {
		out.MaxRetries = over.MaxRetries
	}
	if s := strings.TrimSpace(over.LogLevel); s != "" {
		out.LogLevel = s
	}
	return out
}

// FromEnv picks up OPENAI_BASE_URL. The API key itself is read lazily by the client.
func FromEnv(getenv func(string) string) Config {
	return Config{
		BaseURL:    getenv("OPENAI_BASE_URL"),
		MaxRetries: -1,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Model == "" || c.RewriteModel == "" {
		errs = append(errs, errors.New("model and rewrite_model must be set"))
	}
	if c.Temperature < 0 || c.Temperature > 2 || c.RewriteTemperature < 0 || c.RewriteTemperature > 2 {
		errs = append(errs, errors.New("temperatures must be between 0 and 2"))
	}
	if c.MaxTokens < 0 {
		errs = append(errs, errors.New("max_tokens must not be negative"))
	}
	if c.Stagger < 0 || c.HighlightDelay < 0 || c.Timeout < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.MaxFallback < 0 {
		errs = append(errs, errors.New("max_fallback_highlights must not be negative"))
	}
	if _, err := prompt.ParseLevel(c.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
