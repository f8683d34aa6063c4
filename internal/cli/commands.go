package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"readerbites/internal/config"
	"readerbites/internal/store"
)

func subcommandFlags(name string, stderr io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet("readerbites "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	storePath := fs.String("store", config.Defaults().StorePath, "Settings and history database")
	return fs, storePath
}

func runKey(args []string, stdout io.Writer, stderr io.Writer) error {
	fs, storePath := subcommandFlags("key", stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: readerbites key [--store path] set <key> | clear | show")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return errors.New("key: missing action")
	}

	st, err := store.Open(*storePath)
	if err != nil {
		return err
	}
	defer st.Close()

	switch rest[0] {
	case "set":
		if len(rest) != 2 {
			return errors.New("key set: exactly one key is required")
		}
		if err := st.SetAPIKey(rest[1]); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(stdout, "API key saved.")
	case "clear":
		if err := st.ClearAPIKey(); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(stdout, "API key cleared.")
	case "show":
		key, err := st.APIKey(context.Background())
		if err != nil {
			return err
		}
		if key == "" {
			_, _ = fmt.Fprintln(stdout, "No API key saved.")
			return nil
		}
		_, _ = fmt.Fprintf(stdout, "API key: %s\n", maskKey(key))
	default:
		fs.Usage()
		return fmt.Errorf("key: unknown action %q", rest[0])
	}
	return nil
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func runHistory(args []string, stdout io.Writer, stderr io.Writer) error {
	fs, storePath := subcommandFlags("history", stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	st, err := store.Open(*storePath)
	if err != nil {
		return err
	}
	defer st.Close()

	articles, err := st.History()
	if err != nil {
		return err
	}
	for _, a := range articles {
		title := a.Title
		if title == "" {
			title = "(untitled)"
		}
		_, _ = fmt.Fprintf(stdout, "%s  %s\n    %s\n", a.VisitedAt.Local().Format("2006-01-02 15:04"), title, a.URL)
	}
	total, err := st.ReadingTime()
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(stdout, "%d article(s), %s total reading time\n", len(articles), total.Round(time.Second))
	return nil
}
