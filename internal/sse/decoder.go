package sse

import (
	"bytes"
	"encoding/json"
	"strings"

	"go.uber.org/zap"
)

const (
	dataPrefix = "data:"
	doneToken  = "[DONE]"
)

type chunkPayload struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Decoder turns raw chat-completion stream bytes into content fragments. Bytes are
// carried until a full line arrives, so frames and multi-byte runes may be split
// across chunks freely.
type Decoder struct {
	carry  []byte
	done   bool
	logger *zap.Logger
}

func NewDecoder(logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{logger: logger}
}

// Feed appends chunk and returns the fragments from every line it completed.
func (d *Decoder) Feed(chunk []byte) []string {
	if d.done || len(chunk) == 0 {
		return nil
	}
	d.carry = append(d.carry, chunk...)

	var out []string
	for !d.done {
		idx := bytes.IndexByte(d.carry, '\n')
		if idx < 0 {
			break
		}
		line := d.carry[:idx]
		d.carry = d.carry[idx+1:]
		out = append(out, d.consumeLine(line)...)
	}
	if d.done {
		d.carry = nil
	}
	return out
}

// Flush processes whatever is left in the carry as a final line.
func (d *Decoder) Flush() []string {
	if d.done || len(d.carry) == 0 {
		d.carry = nil
		return nil
	}
	line := d.carry
	d.carry = nil
	return d.consumeLine(line)
}

// Done reports whether the terminal [DONE] frame was seen.
func (d *Decoder) Done() bool {
	return d.done
}

func (d *Decoder) consumeLine(raw []byte) []string {
	line := strings.TrimSuffix(string(raw), "\r")
	if !strings.HasPrefix(line, dataPrefix) {
		return nil
	}
	payload := strings.TrimSpace(line[len(dataPrefix):])
	if payload == "" {
		return nil
	}
	if payload == doneToken {
		d.done = true
		return nil
	}

	var parsed chunkPayload
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		d.logger.Warn("dropping malformed stream frame", zap.String("frame", truncate(payload, 120)), zap.Error(err))
		return nil
	}

	var out []string
	for _, choice := range parsed.Choices {
		if choice.Delta.Content != "" {
			out = append(out, choice.Delta.Content)
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
