package trace

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Sink receives journal events. Record must not panic or block.
type Sink interface {
	Record(event Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Record(Event) {}

// SafeRecord records an event and swallows panics from a buggy sink.
func SafeRecord(s Sink, event Event) {
	if s == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	s.Record(event)
}

// Recorder is a concurrency-safe in-memory collector. Order of Record calls
// does not matter: ordering is fixed by Canonicalize.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Record(event Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Journal returns the canonical journal of everything recorded so far.
func (r *Recorder) Journal() Journal {
	if r == nil {
		return Journal{}
	}
	r.mu.Lock()
	j := Journal{Events: make([]Event, len(r.events))}
	copy(j.Events, r.events)
	r.mu.Unlock()
	j.Canonicalize()
	return j
}

// WriteFile writes the canonical journal encoding, newline terminated.
func WriteFile(path string, j Journal) error {
	b, err := j.CanonicalJSON()
	if err != nil {
		return fmt.Errorf("encoding journal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}
