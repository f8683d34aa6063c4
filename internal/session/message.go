package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"readerbites/internal/prompt"
)

var ErrUnknownMessage = errors.New("session: unknown message")

// Message is one request from the activation layer. The set of variants is closed.
type Message interface {
	action() string
}

type ShowReader struct {
	URL   string
	Title string
	HTML  string
}

type CloseReader struct{}

type IsAlive struct{}

type SetBionic struct{ Enabled bool }

type SetAutoHighlight struct{ Enabled bool }

type SetJargon struct{ Enabled bool }

type SetLevel struct{ Level prompt.Level }

type AddManualHighlight struct{ Text string }

func (ShowReader) action() string         { return "showReader" }
func (CloseReader) action() string        { return "closeReader" }
func (IsAlive) action() string            { return "isAlive" }
func (SetBionic) action() string          { return "setBionic" }
func (SetAutoHighlight) action() string   { return "setAutoHighlight" }
func (SetJargon) action() string          { return "setJargon" }
func (SetLevel) action() string           { return "setLevel" }
func (AddManualHighlight) action() string { return "addManualHighlight" }

// Action returns the wire name of m.
func Action(m Message) string { return m.action() }

type envelope struct {
	Action  string `json:"action"`
	URL     string `json:"url,omitempty"`
	Title   string `json:"title,omitempty"`
	HTML    string `json:"html,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
	Level   string `json:"level,omitempty"`
	Text    string `json:"text,omitempty"`
}

// DecodeMessage parses a JSON frame of the form {"action": "...", ...}.
func DecodeMessage(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	enabled := func() (bool, error) {
		if env.Enabled == nil {
			return false, fmt.Errorf("%s: missing \"enabled\"", env.Action)
		}
		return *env.Enabled, nil
	}

	switch env.Action {
	case "showReader":
		if strings.TrimSpace(env.HTML) == "" {
			return nil, errors.New("showReader: missing \"html\"")
		}
		return ShowReader{URL: env.URL, Title: env.Title, HTML: env.HTML}, nil
	case "closeReader":
		return CloseReader{}, nil
	case "isAlive":
		return IsAlive{}, nil
	case "setBionic":
		on, err := enabled()
		return SetBionic{Enabled: on}, err
	case "setAutoHighlight":
		on, err := enabled()
		return SetAutoHighlight{Enabled: on}, err
	case "setJargon":
		on, err := enabled()
		return SetJargon{Enabled: on}, err
	case "setLevel":
		level, err := prompt.ParseLevel(env.Level)
		if err != nil {
			return nil, fmt.Errorf("setLevel: %w", err)
		}
		return SetLevel{Level: level}, nil
	case "addManualHighlight":
		if strings.TrimSpace(env.Text) == "" {
			return nil, errors.New("addManualHighlight: missing \"text\"")
		}
		return AddManualHighlight{Text: env.Text}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Action)
}
