package httputil

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("streaming unsupported")

// EventStream writes Server-Sent Events to one client.
type EventStream struct {
	w http.ResponseWriter
	f http.Flusher
}

// NewEventStream sets the event-stream headers and sends the initial ping
// comment that establishes the connection.
func NewEventStream(w http.ResponseWriter) (*EventStream, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	s := &EventStream{w: w, f: f}
	if _, err := w.Write([]byte(": ping\n\n")); err != nil {
		return nil, err
	}
	f.Flush()
	return s, nil
}

// Write queues one data frame. Call Flush to deliver queued frames.
func (s *EventStream) Write(payload []byte) error {
	_, err := fmt.Fprintf(s.w, "data: %s\n\n", payload)
	return err
}

func (s *EventStream) Flush() { s.f.Flush() }

// Send writes one data frame and flushes it.
func (s *EventStream) Send(payload []byte) error {
	if err := s.Write(payload); err != nil {
		return err
	}
	s.Flush()
	return nil
}
