// Package logsink keeps the most recent log lines in memory so the
// terminal UI can render them while the triage worker keeps writing.
package logsink

import (
	"bytes"
	"sync"
)

// DefaultCapacity is the number of lines kept when none is configured.
const DefaultCapacity = 1000

// Sink is a bounded, mutex-guarded ring of log lines. It implements
// zapcore.WriteSyncer. Once full, the oldest line is evicted.
type Sink struct {
	mu       sync.Mutex
	lines    []string
	start    int
	count    int
	partial  []byte
	revision uint64
}

// New creates a sink holding at most capacity lines.
func New(capacity int) *Sink {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Sink{lines: make([]string, capacity)}
}

// Write appends p, splitting it into lines. A trailing fragment without a
// newline is held until the next write completes it.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := p
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			s.partial = append(s.partial, data...)
			break
		}

		line := data[:i]
		if len(s.partial) > 0 {
			line = append(s.partial, line...)
			s.partial = nil
		}
		s.push(string(bytes.TrimRight(line, "\r")))
		data = data[i+1:]
	}

	return len(p), nil
}

// push must be called with mu held.
func (s *Sink) push(line string) {
	capacity := len(s.lines)
	if s.count < capacity {
		s.lines[(s.start+s.count)%capacity] = line
		s.count++
	} else {
		s.lines[s.start] = line
		s.start = (s.start + 1) % capacity
	}
	s.revision++
}

// Sync is a no-op; lines are visible as soon as Write returns.
func (s *Sink) Sync() error {
	return nil
}

// Lines returns a copy of the buffered lines, oldest first.
func (s *Sink) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, s.count)
	for i := 0; i < s.count; i++ {
		out[i] = s.lines[(s.start+i)%len(s.lines)]
	}
	return out
}

// Revision increases with every stored line. The UI compares it to skip
// re-rendering when nothing changed.
func (s *Sink) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

// Clear drops all buffered lines.
func (s *Sink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.lines {
		s.lines[i] = ""
	}
	s.start, s.count = 0, 0
	s.partial = nil
	s.revision++
}
