package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"readerbites/internal/bionic"
	"readerbites/internal/dom"
	"readerbites/internal/highlight"
	"readerbites/internal/loop"
	"readerbites/internal/prompt"
	"readerbites/internal/rewrite"
	"readerbites/internal/store"
)

var (
	ErrReaderClosed = errors.New("session: reader is not open")
	ErrTextNotFound = errors.New("session: text not found in reader")
)

const (
	ReaderID     = "rb-reader"
	ClassTitle   = "reader-title"
	ClassContent = "rb-content"
)

// Store is the persistence the session needs. *store.Store satisfies it.
type Store interface {
	Settings() (store.Settings, error)
	SaveSettings(store.Settings) error
	AddArticle(store.Article) error
	AddReadingTime(time.Duration) (time.Duration, error)
	AddHighlight(url, text string) error
	Highlights(url string) ([]string, error)
}

type Options struct {
	// HighlightDelay postpones the AI highlight run after the reader opens.
	HighlightDelay time.Duration
	// Settings overrides the stored settings for this session without saving them.
	Settings *store.Settings
	Now      func() time.Time
}

type EventKind string

const (
	EventReaderOpened    EventKind = "reader_opened"
	EventReaderClosed    EventKind = "reader_closed"
	EventHighlight       EventKind = "highlight"
	EventRewriteFragment EventKind = EventKind(rewrite.EventFragment)
	EventRewriteCommit   EventKind = EventKind(rewrite.EventCommit)
	EventRewriteRevert   EventKind = EventKind(rewrite.EventRevert)
	EventRestore         EventKind = EventKind(rewrite.EventRestore)
)

// Event is pushed to observers such as the live server. Paragraph is the index of
// the affected <p> in the reader, or -1.
type Event struct {
	Kind      EventKind `json:"type"`
	Session   string    `json:"session"`
	Text      string    `json:"text,omitempty"`
	Paragraph int       `json:"paragraph"`
	Applied   bool      `json:"applied,omitempty"`
}

type Status struct {
	ID       string         `json:"id"`
	Open     bool           `json:"open"`
	URL      string         `json:"url,omitempty"`
	Title    string         `json:"title,omitempty"`
	Settings store.Settings `json:"settings"`
}

// Summary counts what the transforms left in the reader.
type Summary struct {
	Highlights       int
	ManualHighlights int
	Rewritten        int
	HighlightSource  highlight.Source
}

// Session is the state of one reader: its settings, the mounted article and the
// background highlight and rewrite work running against it. Tree state is owned by
// the loop; Handle and the other exported methods must be called off the loop.
type Session struct {
	ID uuid.UUID

	loop        *loop.Loop
	store       Store
	highlighter *highlight.Highlighter
	tracker     *rewrite.Tracker
	opts        Options
	logger      *zap.Logger

	// owned by the loop
	settings  store.Settings
	open      bool
	gen       int
	url       string
	title     string
	doc       *html.Node
	reader    *html.Node
	container *html.Node
	started   time.Time

	mu            sync.Mutex
	onEvent       func(Event)
	readerCtx     context.Context
	cancelReader  context.CancelFunc
	cancelJargon  context.CancelFunc
	lastHighlight highlight.Source

	jargonMu sync.Mutex
	wg       sync.WaitGroup
}

func New(lp *loop.Loop, st Store, h *highlight.Highlighter, tr *rewrite.Tracker, opts Options, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	settings := store.DefaultSettings()
	if opts.Settings != nil {
		settings = *opts.Settings
	} else {
		stored, err := st.Settings()
		if err != nil {
			return nil, fmt.Errorf("load settings: %w", err)
		}
		settings = stored
	}
	if _, err := prompt.ParseLevel(settings.Level); err != nil {
		logger.Warn("stored reading level is invalid, using default", zap.String("level", settings.Level))
		settings.Level = string(prompt.DefaultLevel)
	}

	doc, err := dom.Parse("<html><head></head><body></body></html>")
	if err != nil {
		return nil, fmt.Errorf("create reader document: %w", err)
	}

	s := &Session{
		ID:          uuid.New(),
		loop:        lp,
		store:       st,
		highlighter: h,
		tracker:     tr,
		opts:        opts,
		logger:      logger,
		settings:    settings,
		doc:         doc,
	}
	s.logger = logger.With(zap.String("session", s.ID.String()))

	h.OnOutcome(func(o highlight.Outcome) {
		s.emit(Event{Kind: EventHighlight, Text: o.Span.Payload, Paragraph: -1, Applied: o.Applied})
	})
	tr.OnEvent(func(ev rewrite.Event) {
		s.emit(Event{Kind: EventKind(ev.Kind), Text: ev.Text, Paragraph: s.paragraphIndex(ev.Paragraph)})
	})
	return s, nil
}

// OnEvent registers fn to observe session events. fn may run on the loop and must
// not block.
func (s *Session) OnEvent(fn func(Event)) {
	s.mu.Lock()
	s.onEvent = fn
	s.mu.Unlock()
}

func (s *Session) emit(ev Event) {
	ev.Session = s.ID.String()
	s.mu.Lock()
	fn := s.onEvent
	s.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// Handle applies msg and returns the resulting status.
func (s *Session) Handle(ctx context.Context, msg Message) (Status, error) {
	var err error
	switch m := msg.(type) {
	case ShowReader:
		err = s.show(ctx, m)
	case CloseReader:
		err = s.close()
	case IsAlive:
	case SetBionic:
		err = s.setBionic(m.Enabled)
	case SetAutoHighlight:
		err = s.setAutoHighlight(m.Enabled)
	case SetJargon:
		err = s.setJargon(m.Enabled)
	case SetLevel:
		err = s.setLevel(m.Level)
	case AddManualHighlight:
		err = s.addManualHighlight(m.Text)
	default:
		err = fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}
	return s.Status(), err
}

func (s *Session) Status() Status {
	st := Status{ID: s.ID.String()}
	s.loop.Do(func() {
		st.Open = s.open
		st.URL = s.url
		st.Title = s.title
		st.Settings = s.settings
	})
	return st
}

func (s *Session) show(ctx context.Context, m ShowReader) error {
	if err := s.close(); err != nil && !errors.Is(err, ErrReaderClosed) {
		s.logger.Warn("closing previous reader failed", zap.Error(err))
	}

	nodes, err := html.ParseFragment(strings.NewReader(m.HTML), &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div})
	if err != nil {
		return fmt.Errorf("parse article: %w", err)
	}

	var manual []string
	if m.URL != "" {
		if manual, err = s.store.Highlights(m.URL); err != nil {
			s.logger.Warn("loading stored highlights failed", zap.Error(err))
		}
	}

	var (
		gen      int
		settings store.Settings
		restored int
	)
	s.loop.Do(func() {
		reader := dom.Element("div", "rb-reader")
		dom.SetAttr(reader, "id", ReaderID)
		if title := strings.TrimSpace(m.Title); title != "" {
			h1 := dom.Element("h1", ClassTitle)
			h1.AppendChild(dom.Text(title))
			reader.AppendChild(h1)
		}
		container := dom.Element("div", ClassContent)
		for _, n := range nodes {
			container.AppendChild(n)
		}
		reader.AppendChild(container)
		dom.Find(s.doc, dom.ByTag("body")).AppendChild(reader)

		if s.settings.Bionic {
			bionic.Apply(container)
		}
		restored = highlight.ApplyManual(container, manual)

		s.gen++
		s.open = true
		s.url, s.title = m.URL, m.Title
		s.reader, s.container = reader, container
		s.started = s.opts.Now()
		gen, settings = s.gen, s.settings
	})
	s.logger.Info("reader opened", zap.String("url", m.URL), zap.Int("manual_highlights", restored))

	if m.URL != "" {
		if err := s.store.AddArticle(store.Article{URL: m.URL, Title: m.Title, VisitedAt: s.opts.Now()}); err != nil {
			s.logger.Warn("recording history failed", zap.Error(err))
		}
	}

	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.readerCtx, s.cancelReader = rctx, cancel
	s.mu.Unlock()
	s.emit(Event{Kind: EventReaderOpened, Text: m.Title, Paragraph: -1})

	if settings.AutoHighlight {
		s.startHighlight(rctx, gen, s.opts.HighlightDelay)
	}
	if settings.Jargon {
		s.startJargon(gen, prompt.Level(settings.Level), false)
	}
	return nil
}

func (s *Session) close() error {
	var (
		was     bool
		elapsed time.Duration
	)
	s.loop.Do(func() {
		if !s.open {
			return
		}
		was = true
		s.open = false
		s.gen++
		dom.Detach(s.reader)
		s.reader, s.container = nil, nil
		elapsed = s.opts.Now().Sub(s.started)
	})
	if !was {
		return ErrReaderClosed
	}

	s.mu.Lock()
	if s.cancelReader != nil {
		s.cancelReader()
	}
	s.readerCtx, s.cancelReader, s.cancelJargon = nil, nil, nil
	s.mu.Unlock()

	s.tracker.Reset()
	total, err := s.store.AddReadingTime(elapsed)
	if err != nil {
		return fmt.Errorf("record reading time: %w", err)
	}
	s.logger.Info("reader closed", zap.Duration("elapsed", elapsed), zap.Duration("total", total))
	s.emit(Event{Kind: EventReaderClosed, Paragraph: -1})
	return nil
}

func (s *Session) setBionic(enabled bool) error {
	s.loop.Do(func() {
		s.settings.Bionic = enabled
		if s.open {
			bionic.Toggle(s.container, enabled)
		}
	})
	return s.saveSettings()
}

func (s *Session) setAutoHighlight(enabled bool) error {
	var (
		open bool
		gen  int
	)
	s.loop.Do(func() {
		s.settings.AutoHighlight = enabled
		open, gen = s.open, s.gen
	})
	if enabled && open {
		s.startHighlight(s.readerContext(), gen, 0)
	}
	return s.saveSettings()
}

func (s *Session) setJargon(enabled bool) error {
	var (
		open  bool
		gen   int
		level prompt.Level
	)
	s.loop.Do(func() {
		s.settings.Jargon = enabled
		open, gen, level = s.open, s.gen, prompt.Level(s.settings.Level)
	})
	if open {
		if enabled {
			s.startJargon(gen, level, false)
		} else {
			s.stopJargon()
			s.jargonMu.Lock()
			s.restoreOriginals(gen)
			s.jargonMu.Unlock()
		}
	}
	return s.saveSettings()
}

func (s *Session) setLevel(level prompt.Level) error {
	if _, err := prompt.ParseLevel(string(level)); err != nil {
		return err
	}
	var (
		rerun bool
		gen   int
	)
	s.loop.Do(func() {
		s.settings.Level = string(level)
		rerun, gen = s.open && s.settings.Jargon, s.gen
	})
	if rerun {
		s.startJargon(gen, level, true)
	}
	return s.saveSettings()
}

func (s *Session) addManualHighlight(text string) error {
	var (
		open    bool
		url     string
		applied int
	)
	s.loop.Do(func() {
		if !s.open {
			return
		}
		open, url = true, s.url
		applied = highlight.ApplyManual(s.container, []string{text})
	})
	if !open {
		return ErrReaderClosed
	}
	if applied == 0 {
		return ErrTextNotFound
	}
	if url == "" {
		return nil
	}
	return s.store.AddHighlight(url, text)
}

func (s *Session) saveSettings() error {
	if s.opts.Settings != nil {
		return nil
	}
	var settings store.Settings
	s.loop.Do(func() { settings = s.settings })
	if err := s.store.SaveSettings(settings); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// readerContext returns the context of the open reader. Once the reader is closed
// it returns an already cancelled context.
func (s *Session) readerContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readerCtx == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return s.readerCtx
}

// current returns the container if the reader opened as generation gen is still up.
// Loop only.
func (s *Session) current(gen int) *html.Node {
	if !s.open || s.gen != gen {
		return nil
	}
	return s.container
}

func (s *Session) startHighlight(ctx context.Context, gen int, delay time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return
			}
		}
		report := s.highlighter.Run(ctx, func() *html.Node { return s.current(gen) })
		s.mu.Lock()
		s.lastHighlight = report.Source
		s.mu.Unlock()
		s.logger.Info("highlight run finished",
			zap.String("source", string(report.Source)),
			zap.Int("scheduled", report.Scheduled),
			zap.Int("applied", report.Applied))
	}()
}

// startJargon rewrites the reader's paragraphs in the background. A run already in
// progress is cancelled first; runs never overlap.
func (s *Session) startJargon(gen int, level prompt.Level, restoreFirst bool) {
	s.stopJargon()

	s.mu.Lock()
	if s.readerCtx == nil {
		s.mu.Unlock()
		return
	}
	jctx, cancel := context.WithCancel(s.readerCtx)
	s.cancelJargon = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.jargonMu.Lock()
		defer s.jargonMu.Unlock()

		if restoreFirst {
			s.restoreOriginals(gen)
		}
		var container *html.Node
		s.loop.Do(func() { container = s.current(gen) })
		if container == nil || jctx.Err() != nil {
			return
		}
		summary := s.tracker.TranslateAll(jctx, container, level)
		s.reapplyBionic(gen)
		s.logger.Info("jargon rewrite finished",
			zap.String("level", string(level)),
			zap.Int("translated", summary[rewrite.Translated]),
			zap.Int("memoized", summary[rewrite.Memoized]),
			zap.Int("reverted", summary[rewrite.Reverted]),
			zap.Int("skipped", summary[rewrite.Skipped]))
	}()
}

func (s *Session) stopJargon() {
	s.mu.Lock()
	if s.cancelJargon != nil {
		s.cancelJargon()
		s.cancelJargon = nil
	}
	s.mu.Unlock()
}

// restoreOriginals must be called with jargonMu held.
func (s *Session) restoreOriginals(gen int) {
	var container *html.Node
	s.loop.Do(func() { container = s.current(gen) })
	if container == nil {
		return
	}
	s.tracker.Restore(container)
	s.reapplyBionic(gen)
}

func (s *Session) reapplyBionic(gen int) {
	s.loop.Do(func() {
		if c := s.current(gen); c != nil && s.settings.Bionic {
			bionic.Toggle(c, true)
		}
	})
}

// paragraphIndex runs on the loop from tracker events.
func (s *Session) paragraphIndex(p *html.Node) int {
	for i, candidate := range rewrite.Paragraphs(s.container) {
		if candidate == p {
			return i
		}
	}
	return -1
}

// Wait blocks until background runs and every scheduled tree mutation are done.
// It must not race with Handle.
func (s *Session) Wait() {
	s.wg.Wait()
	s.loop.Wait()
}

// Close closes the reader if open and waits for background work to stop.
func (s *Session) Close() error {
	err := s.close()
	s.wg.Wait()
	if errors.Is(err, ErrReaderClosed) {
		return nil
	}
	return err
}

// Render returns the reader markup, or "" when the reader is closed.
func (s *Session) Render() (string, error) {
	var (
		out string
		err error
	)
	s.loop.Do(func() {
		if s.open {
			out, err = dom.Render(s.reader)
		}
	})
	return out, err
}

func (s *Session) Summary() Summary {
	var (
		sum        Summary
		paragraphs []*html.Node
	)
	s.loop.Do(func() {
		if !s.open {
			return
		}
		sum.Highlights = dom.CountHighlights(s.container, dom.ClassAIHighlight)
		sum.ManualHighlights = dom.CountHighlights(s.container, dom.ClassUserHighlight)
		paragraphs = rewrite.Paragraphs(s.container)
	})
	for _, p := range paragraphs {
		if rec, ok := s.tracker.Lookup(p); ok && rec.HasTranslation {
			sum.Rewritten++
		}
	}
	s.mu.Lock()
	sum.HighlightSource = s.lastHighlight
	s.mu.Unlock()
	return sum
}
