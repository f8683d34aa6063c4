package sse

import (
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
)

const readSize = 4096

// Stream pulls fragments from a response body in arrival order. Callers must Close it.
type Stream struct {
	body    io.ReadCloser
	dec     *Decoder
	buf     []byte
	pending []string
	eof     bool
}

func NewStream(body io.ReadCloser, logger *zap.Logger) *Stream {
	return &Stream{
		body: body,
		dec:  NewDecoder(logger),
		buf:  make([]byte, readSize),
	}
}

// Next returns the next fragment. done is true once the body ended or the
// terminal frame arrived; fragments already decoded are still delivered first.
func (s *Stream) Next() (fragment string, done bool, err error) {
	for {
		if len(s.pending) > 0 {
			fragment = s.pending[0]
			s.pending = s.pending[1:]
			return fragment, false, nil
		}
		if s.eof || s.dec.Done() {
			return "", true, nil
		}

		n, readErr := s.body.Read(s.buf)
		if n > 0 {
			s.pending = append(s.pending, s.dec.Feed(s.buf[:n])...)
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				s.pending = append(s.pending, s.dec.Flush()...)
				s.eof = true
				continue
			}
			return "", false, fmt.Errorf("read stream: %w", readErr)
		}
	}
}

func (s *Stream) Close() error {
	return s.body.Close()
}

// Collect drains the stream into a slice, mostly for tests and non-incremental callers.
func Collect(s *Stream) ([]string, error) {
	defer s.Close()
	var out []string
	for {
		fragment, done, err := s.Next()
		if err != nil {
			return out, err
		}
		if done {
			return out, nil
		}
		out = append(out, fragment)
	}
}
