package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"readerbites/internal/config"
	"readerbites/internal/fetch"
	"readerbites/internal/glossary"
	"readerbites/internal/highlight"
	"readerbites/internal/live"
	"readerbites/internal/loop"
	"readerbites/internal/markdown"
	"readerbites/internal/openai"
	"readerbites/internal/page"
	"readerbites/internal/prompt"
	"readerbites/internal/rewrite"
	"readerbites/internal/session"
	"readerbites/internal/store"
	"readerbites/internal/version"
)

const (
	defaultOutDir = "out"

	formatHTML     = "html"
	formatMarkdown = "md"

	errorTypeFetch  = "fetch_failed"
	errorTypeParse  = "parse_failed"
	errorTypeOutput = "output_failed"
)

type options struct {
	Highlight   bool
	Jargon      bool
	Bionic      bool
	Level       string
	Marks       stringList
	OutPath     string
	Format      string
	Model       string
	ConfigPath  string
	StorePath   string
	Glossary    string
	Timeout     time.Duration
	MaxRetries  int
	Serve       string
	LogLevel    string
	ShowVersion bool
	ShowHelp    bool
	Source      string

	// set records which flags were given explicitly.
	set map[string]bool
}

type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ", ") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

type processError struct {
	errorType string
	err       error
}

func (e *processError) Error() string {
	return e.err.Error()
}

func (e *processError) Unwrap() error {
	return e.err
}

func newProcessError(errorType string, err error) error {
	if err == nil {
		return nil
	}
	return &processError{errorType: errorType, err: err}
}

// Run is the command entry point. args excludes the program name.
func Run(args []string, stdout io.Writer, stderr io.Writer) error {
	if len(args) > 0 {
		switch args[0] {
		case "key":
			return runKey(args[1:], stdout, stderr)
		case "history":
			return runHistory(args[1:], stdout, stderr)
		}
	}

	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	if opts.ShowHelp {
		return nil
	}
	if opts.ShowVersion {
		_, _ = fmt.Fprintln(stdout, version.String())
		return nil
	}

	cfg, err := resolveConfig(opts)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel, stderr)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return err
	}
	defer st.Close()

	settings, err := st.Settings()
	if err != nil {
		logger.Warn("stored settings unreadable, using defaults", zap.Error(err))
	}
	settings = applyFlagSettings(settings, opts, cfg)

	terms, err := glossary.Load(cfg.Glossary)
	if err != nil {
		return err
	}

	runCtx, stopSignal := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignal()
	ctx := runCtx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(runCtx, cfg.Timeout)
		defer cancel()
	}
	runStart := time.Now()

	httpClient := &http.Client{}
	doc, err := fetch.Load(ctx, httpClient, opts.Source)
	if err != nil {
		return newProcessError(errorTypeFetch, fmt.Errorf("fetch %s: %w", opts.Source, err))
	}

	lp := loop.New(logger)
	defer lp.Close()

	keys := openai.FirstKey(openai.EnvKey("OPENAI_API_KEY"), st)
	client := openai.NewClient(keys, cfg.BaseURL, httpClient, cfg.MaxRetries, logger)
	highlighter := highlight.New(client, lp, highlight.Config{
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Stagger:     cfg.Stagger,
		MaxFallback: cfg.MaxFallback,
	}, logger)
	tracker := rewrite.NewTracker(client, lp, rewrite.Config{
		Model:       cfg.RewriteModel,
		Temperature: cfg.RewriteTemperature,
		MaxTokens:   cfg.MaxTokens,
		Glossary:    terms,
	}, logger)

	sess, err := session.New(lp, st, highlighter, tracker, session.Options{
		HighlightDelay: cfg.HighlightDelay,
		Settings:       &settings,
	}, logger)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	if _, err := sess.Handle(ctx, session.ShowReader{URL: doc.FinalURL, Title: doc.Title, HTML: doc.HTML}); err != nil {
		return newProcessError(errorTypeParse, fmt.Errorf("open reader for %s: %w", opts.Source, err))
	}
	for _, text := range opts.Marks {
		_, err := sess.Handle(ctx, session.AddManualHighlight{Text: text})
		if errors.Is(err, session.ErrTextNotFound) {
			_, _ = fmt.Fprintf(stderr, "Mark not found: %q\n", text)
			continue
		}
		if err != nil {
			return newProcessError(errorTypeOutput, fmt.Errorf("save mark: %w", err))
		}
	}
	if err := waitSession(ctx, sess); err != nil {
		return err
	}

	outPath, err := outputPath(opts, doc.FinalURL)
	if err != nil {
		return newProcessError(errorTypeOutput, err)
	}
	if err := writeOutput(sess, outPath, opts.Format, doc, settings); err != nil {
		return newProcessError(errorTypeOutput, err)
	}
	_, _ = fmt.Fprintf(stdout, "Output: %s\n", outPath)

	sum := sess.Summary()
	source := string(sum.HighlightSource)
	if !settings.AutoHighlight {
		source = "off"
	}
	_, _ = fmt.Fprintf(
		stdout,
		"Done: %d AI highlight(s) [%s], %d manual, %d paragraph(s) rewritten, total %s\n",
		sum.Highlights,
		source,
		sum.ManualHighlights,
		sum.Rewritten,
		time.Since(runStart).Round(time.Millisecond),
	)

	if opts.Serve != "" {
		return serve(runCtx, opts.Serve, sess, logger, stdout)
	}
	return nil
}

// waitSession waits for the session's background runs. When ctx ends first the
// reader is closed, which cancels its model streams.
func waitSession(ctx context.Context, sess *session.Session) error {
	done := make(chan struct{})
	go func() {
		sess.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}
	if err := sess.Close(); err != nil {
		return err
	}
	<-done
	return fmt.Errorf("reader processing stopped: %w", ctx.Err())
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("readerbites", flag.ContinueOnError)
	fs.SetOutput(stderr)

	opts := options{}
	fs.BoolVar(&opts.Highlight, "highlight", true, "Mark the most important sentences with the model")
	fs.BoolVar(&opts.Jargon, "jargon", false, "Rewrite paragraphs in plain language")
	fs.BoolVar(&opts.Bionic, "bionic", false, "Bold the first letters of each word")
	fs.StringVar(&opts.Level, "level", "", "Rewrite level: highSchool, college or academia")
	fs.Var(&opts.Marks, "mark", "Highlight this passage and remember it (repeatable)")
	fs.StringVar(&opts.OutPath, "out", "", "Output file (default: ./out/<name>.<format>)")
	fs.StringVar(&opts.Format, "format", formatHTML, "Output format: html or md")
	fs.StringVar(&opts.Model, "model", "", "Model used for highlighting and rewriting")
	fs.StringVar(&opts.ConfigPath, "config", "", "Optional YAML config file")
	fs.StringVar(&opts.StorePath, "store", "", "Settings and history database (default: readerbites.db)")
	fs.StringVar(&opts.Glossary, "glossary", "", "Jargon glossary file (JSON or YAML map of term to plain wording)")
	fs.DurationVar(&opts.Timeout, "timeout", 0, "Overall run timeout, e.g. 2m (0 waits forever)")
	fs.IntVar(&opts.MaxRetries, "max-retries", -1, "Retries for opening a model stream (default from config)")
	fs.StringVar(&opts.Serve, "serve", "", "After writing, serve the live reader on this address, e.g. :8080")
	fs.StringVar(&opts.LogLevel, "log-level", "", "Log level: debug, info, warn or error")
	fs.BoolVar(&opts.ShowVersion, "version", false, "Print version information and exit")

	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: readerbites [flags] <url|file>")
		fmt.Fprintln(stderr, "       readerbites key [--store path] set <key> | clear | show")
		fmt.Fprintln(stderr, "       readerbites history [--store path]")
		fmt.Fprintln(stderr, "")
		fmt.Fprintln(stderr, "Example:")
		fmt.Fprintln(stderr, "  readerbites --jargon --level college https://example.com/paper")
		fmt.Fprintln(stderr, "")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			opts.ShowHelp = true
			return opts, nil
		}
		return options{}, err
	}

	opts.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { opts.set[f.Name] = true })

	if opts.ShowVersion {
		return opts, nil
	}
	if opts.Format != formatHTML && opts.Format != formatMarkdown {
		return options{}, fmt.Errorf("--format must be %q or %q", formatHTML, formatMarkdown)
	}
	if opts.Timeout < 0 {
		return options{}, errors.New("--timeout must not be negative")
	}
	if opts.Level != "" {
		if _, err := prompt.ParseLevel(opts.Level); err != nil {
			return options{}, err
		}
	}

	rest := fs.Args()
	if len(rest) != 1 || strings.TrimSpace(rest[0]) == "" {
		fs.Usage()
		return options{}, errors.New("exactly one URL or file is required")
	}
	opts.Source = strings.TrimSpace(rest[0])
	return opts, nil
}

// resolveConfig layers defaults, the config file, the environment and flags.
func resolveConfig(opts options) (config.Config, error) {
	cfg := config.Defaults()
	if opts.ConfigPath != "" {
		fileCfg, err := config.Load(opts.ConfigPath, nil)
		if err != nil {
			return config.Config{}, err
		}
		cfg = config.Merge(cfg, fileCfg)
	}
	cfg = config.Merge(cfg, config.FromEnv(os.Getenv))
	cfg = config.Merge(cfg, config.Config{
		Model:      opts.Model,
		Level:      opts.Level,
		StorePath:  opts.StorePath,
		Glossary:   opts.Glossary,
		Timeout:    opts.Timeout,
		MaxRetries: opts.MaxRetries,
		LogLevel:   opts.LogLevel,
	})
	if opts.Model != "" {
		cfg.RewriteModel = opts.Model
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyFlagSettings overrides stored toggles with the flags given on this run. The
// result is not saved.
func applyFlagSettings(settings store.Settings, opts options, cfg config.Config) store.Settings {
	if opts.set["highlight"] {
		settings.AutoHighlight = opts.Highlight
	}
	if opts.set["jargon"] {
		settings.Jargon = opts.Jargon
	}
	if opts.set["bionic"] {
		settings.Bionic = opts.Bionic
	}
	if opts.set["level"] || settings.Level == "" {
		settings.Level = cfg.Level
	}
	return settings
}

func newLogger(level string, w io.Writer) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(w), lvl)
	return zap.New(core), nil
}

func writeOutput(sess *session.Session, outPath, format string, doc fetch.Document, settings store.Settings) error {
	readerHTML, err := sess.Render()
	if err != nil {
		return fmt.Errorf("render reader: %w", err)
	}

	var output strings.Builder
	switch format {
	case formatMarkdown:
		md, err := markdown.FromHTML(readerHTML)
		if err != nil {
			return fmt.Errorf("convert reader to markdown: %w", err)
		}
		writeFrontMatter(&output, doc, settings)
		_, _ = output.WriteString(md)
		_, _ = output.WriteString("\n")
	default:
		page.Write(&output, doc.Title, readerHTML, false)
	}

	if dir := filepath.Dir(outPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output directory %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(outPath, []byte(output.String()), 0o644); err != nil {
		return fmt.Errorf("write output file %s: %w", outPath, err)
	}
	return nil
}

func writeFrontMatter(w io.StringWriter, doc fetch.Document, settings store.Settings) {
	_, _ = w.WriteString("---\n")
	_, _ = w.WriteString("source_url: ")
	_, _ = w.WriteString(doc.FinalURL)
	_, _ = w.WriteString("\n")
	if doc.Title != "" {
		_, _ = w.WriteString("title: ")
		_, _ = w.WriteString(strings.ReplaceAll(doc.Title, "\n", " "))
		_, _ = w.WriteString("\n")
	}
	_, _ = w.WriteString("generated_at: ")
	_, _ = w.WriteString(time.Now().UTC().Format(time.RFC3339))
	_, _ = w.WriteString("\n")
	if settings.Jargon {
		_, _ = w.WriteString("level: ")
		_, _ = w.WriteString(settings.Level)
		_, _ = w.WriteString("\n")
	}
	_, _ = w.WriteString("---\n\n")
}

func outputPath(opts options, sourceURL string) (string, error) {
	if opts.OutPath != "" {
		return opts.OutPath, nil
	}
	name, err := filenameFromURL(sourceURL, opts.Format)
	if err != nil {
		return "", err
	}
	return filepath.Join(defaultOutDir, name), nil
}

func filenameFromURL(rawURL string, format string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %s", rawURL)
	}

	var base string
	switch {
	case parsed.Scheme == "file":
		base = strings.TrimSuffix(path.Base(parsed.Path), path.Ext(parsed.Path))
	case parsed.Host != "":
		base = parsed.Host + parsed.Path
		if parsed.RawQuery != "" {
			base += "_" + parsed.RawQuery
		}
	default:
		return "", fmt.Errorf("invalid URL: %s", rawURL)
	}
	base = strings.ReplaceAll(base, "/", "_")
	base = sanitizeFilename(base)
	base = strings.Trim(base, "_")
	if base == "" {
		base = "reader"
	}
	return base + "." + format, nil
}

func sanitizeFilename(s string) string {
	var b strings.Builder
	lastUnderscore := false

	for _, r := range s {
		allowed := (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '.' || r == '-' || r == '_'

		if allowed {
			b.WriteRune(r)
			lastUnderscore = r == '_'
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return b.String()
}

func serve(ctx context.Context, addr string, sess *session.Session, logger *zap.Logger, stdout io.Writer) error {
	hub := live.NewHub(logger)
	stop := make(chan struct{})
	go hub.Run(stop)
	defer close(stop)

	srv := &http.Server{Addr: addr, Handler: live.NewServer(sess, hub, logger)}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	_, _ = fmt.Fprintf(stdout, "Serving reader at http://%s (Ctrl+C to stop)\n", displayAddr(addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func displayAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}
