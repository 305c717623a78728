// ABOUTME: Ordered progress events emitted by a provisioning run.
// ABOUTME: Messages are stripped of terminal escapes; blank messages are dropped except the terminal event.

// Package progress defines the progress event stream produced by the
// provisioning orchestrator and the sinks that deliver it to callers.
package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"unicode"

	"github.com/charmbracelet/x/ansi"
)

const (
	// Final is the percentage carried by the terminal event of every run.
	Final = 100

	SuccessPrefix = "[SUCCESS]"
	ErrorPrefix   = "[ERROR]"
)

// Event is one progress record.
type Event struct {
	Percentage int            `json:"progress"`
	Message    string         `json:"log"`
	Extras     map[string]any `json:"extras,omitempty"`
}

// Sink receives events in production order.
type Sink interface {
	Send(Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event) error

func (f SinkFunc) Send(ev Event) error { return f(ev) }

// Clean strips ANSI escape sequences and control characters and trims the result.
func Clean(message string) string {
	stripped := ansi.Strip(message)
	stripped = strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case r == '\r':
			return -1
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, stripped)
	return strings.TrimSpace(stripped)
}

// Stream is the producer side of a run's event sequence.
//
// Emit and Finish are safe for concurrent use, but a run has a single
// producer and events are forwarded in call order. After Finish the stream
// rejects further events.
type Stream struct {
	mu       sync.Mutex
	sink     Sink
	finished bool
	err      error
}

// NewStream returns a stream forwarding to sink.
func NewStream(sink Sink) *Stream {
	return &Stream{sink: sink}
}

// Emit cleans message and forwards it. Messages empty after cleaning are
// suppressed. Percentages are clamped to 0..99; only Finish reaches 100.
func (s *Stream) Emit(percentage int, message string, extras map[string]any) {
	msg := Clean(message)
	if msg == "" {
		return
	}
	if percentage < 0 {
		percentage = 0
	}
	if percentage >= Final {
		percentage = Final - 1
	}
	s.send(Event{Percentage: percentage, Message: msg, Extras: extras}, false)
}

// Emitf formats and emits a message.
func (s *Stream) Emitf(percentage int, format string, args ...any) {
	s.Emit(percentage, fmt.Sprintf(format, args...), nil)
}

// Finish emits the terminal event at 100. It is always delivered, even when
// the cleaned message is empty, and only the first call has any effect.
func (s *Stream) Finish(message string, extras map[string]any) {
	s.send(Event{Percentage: Final, Message: Clean(message), Extras: extras}, true)
}

func (s *Stream) send(ev Event, final bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	if final {
		s.finished = true
	}
	if s.sink == nil || s.err != nil {
		return
	}
	if err := s.sink.Send(ev); err != nil {
		s.err = err
	}
}

// Err returns the first sink error. Once a sink fails it receives no more
// events, but the run continues so its cleanup still executes.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// NDJSONSink writes one JSON object per line and flushes after each event
// when the writer supports it.
type NDJSONSink struct {
	w       io.Writer
	enc     *json.Encoder
	flusher http.Flusher
}

// NewNDJSONSink wraps w.
func NewNDJSONSink(w io.Writer) *NDJSONSink {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	sink := &NDJSONSink{w: w, enc: enc}
	if f, ok := w.(http.Flusher); ok {
		sink.flusher = f
	}
	return sink
}

func (n *NDJSONSink) Send(ev Event) error {
	if err := n.enc.Encode(ev); err != nil {
		return fmt.Errorf("write progress event: %w", err)
	}
	if n.flusher != nil {
		n.flusher.Flush()
	}
	return nil
}

// Collector buffers events for batch delivery.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *Collector) Send(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

// Events returns a copy of the collected events.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// Tee forwards each event to every sink in order, stopping at the first error.
func Tee(sinks ...Sink) Sink {
	return SinkFunc(func(ev Event) error {
		for _, s := range sinks {
			if s == nil {
				continue
			}
			if err := s.Send(ev); err != nil {
				return err
			}
		}
		return nil
	})
}
