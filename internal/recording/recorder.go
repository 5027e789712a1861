// Package recording records interactive shell sessions in asciicast v2
// format.
package recording

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/acolita/sshcore/internal/ports"
	"github.com/acolita/sshcore/internal/transport"
)

// Recorder writes terminal I/O as asciicast v2 events.
// See: https://docs.asciinema.org/manual/asciicast/v2/
type Recorder struct {
	mu        sync.Mutex
	w         io.WriteCloser
	startTime time.Time
	closed    bool
	clock     ports.Clock
	err       error
}

// Header is the asciicast v2 header.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is an asciicast v2 event [time, type, data].
type Event struct {
	Time float64
	Type string
	Data string
}

// MarshalJSON encodes the event as a JSON array.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Time, e.Type, e.Data})
}

// New writes the header to w and returns a recorder appending events to
// it. The recorder owns w.
func New(w io.WriteCloser, clock ports.Clock, pty transport.PTYRequest, title string) (*Recorder, error) {
	r := &Recorder{w: w, clock: clock, startTime: clock.Now()}
	header := Header{
		Version:   2,
		Width:     int(pty.Columns),
		Height:    int(pty.Rows),
		Timestamp: r.startTime.Unix(),
		Title:     title,
	}
	if pty.Term != "" {
		header.Env = map[string]string{"TERM": pty.Term}
	}
	data, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshal header: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	return r, nil
}

// Output records data sent by the server.
func (r *Recorder) Output(data []byte) { r.record("o", string(data)) }

// Input records data typed by the user.
func (r *Recorder) Input(data []byte) { r.record("i", string(data)) }

// Resize records a terminal size change.
func (r *Recorder) Resize(columns, rows uint32) {
	r.record("r", fmt.Sprintf("%dx%d", columns, rows))
}

func (r *Recorder) record(eventType, data string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.err != nil {
		return
	}

	ev := Event{
		Time: r.clock.Now().Sub(r.startTime).Seconds(),
		Type: eventType,
		Data: strings.ToValidUTF8(data, "�"),
	}
	line, err := json.Marshal(ev)
	if err != nil {
		r.err = fmt.Errorf("marshal event: %w", err)
		return
	}
	if _, err := r.w.Write(append(line, '\n')); err != nil {
		r.err = fmt.Errorf("write event: %w", err)
	}
}

// Err returns the first write error. Recording stops at that point; the
// session itself is unaffected.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close closes the underlying writer.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.w.Close()
}

// Sink wraps a channel event sink so the channel's output is recorded
// before it is passed on.
func (r *Recorder) Sink(next transport.ChannelEventSink) transport.ChannelEventSink {
	return &teeSink{rec: r, next: next}
}

type teeSink struct {
	rec  *Recorder
	next transport.ChannelEventSink
}

func (s *teeSink) OnData(data []byte) {
	s.rec.Output(data)
	s.next.OnData(data)
}

func (s *teeSink) OnExtendedData(code uint32, data []byte) {
	s.rec.Output(data)
	s.next.OnExtendedData(code, data)
}

func (s *teeSink) OnEOF()                              { s.next.OnEOF() }
func (s *teeSink) OnClose()                            { s.next.OnClose() }
func (s *teeSink) OnExit(status transport.ExitStatus) { s.next.OnExit(status) }
