package highlight

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"

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
	// Stagger is the reveal delay between consecutive spans.
	Stagger     time.Duration
	MaxFallback int
}

func DefaultConfig() Config {
	return Config{
		Model:       "gpt-4.1",
		Temperature: 0.7,
		MaxTokens:   8096,
		Stagger:     150 * time.Millisecond,
		MaxFallback: 10,
	}
}

type Source string

const (
	SourceSkipped   Source = "skipped"
	SourceModel     Source = "model"
	SourceHeuristic Source = "heuristic"
)

// Outcome is reported once per extracted span after its delayed mutation ran.
type Outcome struct {
	Span    extract.PendingSpan
	Applied bool
}

// Report summarizes one Run. Scheduled counts spans handed to the loop; their
// outcomes arrive later through the OnOutcome callback.
type Report struct {
	Source    Source
	Scheduled int
	Applied   int
	Err       error
}

// Resolver returns the current container, or nil once the reader is gone. It is
// only called on the loop.
type Resolver func() *html.Node

type Highlighter struct {
	client openai.ChatStreamer
	loop   *loop.Loop
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	onOutcome func(Outcome)
}

func New(client openai.ChatStreamer, lp *loop.Loop, cfg Config, logger *zap.Logger) *Highlighter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Highlighter{client: client, loop: lp, cfg: cfg, logger: logger}
}

// OnOutcome registers fn to observe every span outcome. fn runs on the loop.
func (h *Highlighter) OnOutcome(fn func(Outcome)) {
	h.mu.Lock()
	h.onOutcome = fn
	h.mu.Unlock()
}

// Run asks the model for the important sentences of the container and marks each
// one as it streams in. It must not be called from the loop. Without an API key it
// does nothing; if the stream cannot be opened it falls back to the local
// heuristic. Neither case is returned as an error.
func (h *Highlighter) Run(ctx context.Context, resolve Resolver) Report {
	var article string
	h.loop.Do(func() {
		if c := resolve(); c != nil && dom.Attached(c) {
			article = dom.InnerText(c)
		}
	})
	if strings.TrimSpace(article) == "" {
		return Report{Source: SourceSkipped}
	}

	stream, err := h.client.StreamChat(ctx, openai.ChatRequest{
		Model:       h.cfg.Model,
		Messages:    prompt.Highlight(article),
		Temperature: h.cfg.Temperature,
		MaxTokens:   h.cfg.MaxTokens,
	})
	if errors.Is(err, openai.ErrNoAPIKey) {
		h.logger.Info("no API key configured, skipping AI highlighting")
		return Report{Source: SourceSkipped}
	}
	if err != nil {
		h.logger.Warn("AI highlighting failed, using heuristic", zap.Error(err))
		var applied int
		h.loop.Do(func() {
			applied = Fallback(resolve(), h.cfg.MaxFallback)
		})
		return Report{Source: SourceHeuristic, Applied: applied, Err: err}
	}
	defer stream.Close()

	report := Report{Source: SourceModel}
	err = extract.Drive(stream, extract.NewHighlightExtractor(), func(span extract.PendingSpan) {
		report.Scheduled++
		h.schedule(span, resolve)
	})
	if err != nil {
		h.logger.Warn("highlight stream ended early", zap.Int("scheduled", report.Scheduled), zap.Error(err))
		report.Err = err
	}
	return report
}

func (h *Highlighter) schedule(span extract.PendingSpan, resolve Resolver) {
	delay := time.Duration(span.Sequence) * h.cfg.Stagger
	h.loop.AfterFunc(delay, func() {
		applied := dom.Mark(resolve(), span.Payload, dom.NewMarker(dom.ClassAIHighlight))
		if !applied {
			h.logger.Debug("highlight span not found", zap.Int("sequence", span.Sequence), zap.String("span", span.Payload))
		}

		h.mu.Lock()
		fn := h.onOutcome
		h.mu.Unlock()
		if fn != nil {
			fn(Outcome{Span: span, Applied: applied})
		}
	})
}
