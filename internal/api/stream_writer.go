package api

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/speculate/internal/engine"
	"github.com/samcharles93/speculate/internal/speculative"
)

// Stream event types, in the order a client sees them.
const (
	EventCreated   = "generation.created"
	EventRound     = "generation.round"
	EventCompleted = "generation.completed"
	EventCancelled = "generation.cancelled"
	EventFailed    = "generation.failed"
)

type streamEvent struct {
	Type           string                  `json:"type"`
	SequenceNumber int                     `json:"sequence_number"`
	Generation     *engine.Generation      `json:"generation,omitempty"`
	Round          *speculative.RoundEvent `json:"round,omitempty"`
}

// SSEStreamWriter writes generation progress as server-sent events.
type SSEStreamWriter struct {
	w       io.Writer
	flusher func()
	seq     int
}

func NewSSEStreamWriter(c *echo.Context) (*SSEStreamWriter, error) {
	res := c.Response()
	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")

	return &SSEStreamWriter{
		w:       res,
		flusher: flusher.Flush,
		seq:     1,
	}, nil
}

func (s *SSEStreamWriter) Created(gen engine.Generation) error {
	return s.send(streamEvent{Type: EventCreated, Generation: &gen})
}

func (s *SSEStreamWriter) Round(ev speculative.RoundEvent) error {
	return s.send(streamEvent{Type: EventRound, Round: &ev})
}

// Finish writes the terminal event matching the generation status.
func (s *SSEStreamWriter) Finish(gen engine.Generation) error {
	typ := EventCompleted
	switch gen.Status {
	case engine.StatusCancelled:
		typ = EventCancelled
	case engine.StatusFailed:
		typ = EventFailed
	}
	return s.send(streamEvent{Type: typ, Generation: &gen})
}

func (s *SSEStreamWriter) send(ev streamEvent) error {
	ev.SequenceNumber = s.seq
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, b); err != nil {
		return err
	}
	s.seq++
	if s.flusher != nil {
		s.flusher()
	}
	return nil
}
