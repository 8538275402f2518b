package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/ariastack/aria-engine/internal/models"
)

type framing int

const (
	frameSSE framing = iota
	frameLines
)

// Sink writes an ordered event sequence to a client. Once a write fails the
// sink is marked disconnected and drops later events without error, so the
// producer can keep running to completion.
type Sink struct {
	mu           sync.Mutex
	w            io.Writer
	flusher      http.Flusher
	framing      framing
	disconnected bool
	err          error
	sent         int
}

// NewSSESink prepares w for a text/event-stream response and writes the
// status line.
func NewSSESink(w http.ResponseWriter) *Sink {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s := &Sink{w: w, framing: frameSSE}
	if f, ok := w.(http.Flusher); ok {
		s.flusher = f
		f.Flush()
	}
	return s
}

// NewLineSink writes one JSON document per line.
func NewLineSink(w io.Writer) *Sink {
	return &Sink{w: w, framing: frameLines}
}

// Frame encodes v as a single SSE data frame.
func Frame(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	out := make([]byte, 0, len(payload)+8)
	out = append(out, "data: "...)
	out = append(out, payload...)
	out = append(out, '\n', '\n')
	return out, nil
}

// Send writes v and flushes. It returns the first write error; after that
// the sink stays disconnected.
func (s *Sink) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disconnected {
		return s.err
	}

	var frame []byte
	var err error
	switch s.framing {
	case frameLines:
		if frame, err = json.Marshal(v); err == nil {
			frame = append(frame, '\n')
		}
	default:
		frame, err = Frame(v)
	}
	if err != nil {
		return err
	}

	if _, err := s.w.Write(frame); err != nil {
		s.disconnected = true
		s.err = fmt.Errorf("client disconnected: %w", err)
		return s.err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	s.sent++
	return nil
}

// Emit sends a pipeline event, discarding delivery errors.
func (s *Sink) Emit(ev models.PipelineEvent) {
	_ = s.Send(ev)
}

// Disconnected reports whether a write has failed.
func (s *Sink) Disconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}

// Sent returns the number of events delivered.
func (s *Sink) Sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}
