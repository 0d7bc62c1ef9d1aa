package trace

import (
	"io"
	"strconv"
	"sync"
	"time"
)

// RingTracer keeps the most recent events of a session in memory. A dump
// after a crash or an interrupted build shows how the session got there;
// Build narrows it to one build.
type RingTracer struct {
	mu      sync.Mutex
	events  []Event
	next    int    // slot the next event goes to
	written uint64 // events ever stored
	level   Level
}

// NewRingTracer creates a RingTracer holding up to capacity events.
func NewRingTracer(capacity int, level Level) *RingTracer {
	if capacity <= 0 {
		capacity = 4096
	}
	return &RingTracer{events: make([]Event, capacity), level: level}
}

// Emit stores ev, overwriting the oldest event once the ring is full.
func (t *RingTracer) Emit(ev *Event) {
	if !t.level.Admits(ev) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events[t.next] = *ev
	t.next = (t.next + 1) % len(t.events)
	t.written++
}

// Snapshot returns the stored events, oldest first.
func (t *RingTracer) Snapshot() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot()
}

func (t *RingTracer) snapshot() []Event {
	if t.written < uint64(len(t.events)) {
		return append([]Event(nil), t.events[:t.next]...)
	}
	out := make([]Event, 0, len(t.events))
	out = append(out, t.events[t.next:]...)
	return append(out, t.events[:t.next]...)
}

// Overwritten reports how many events no longer fit.
func (t *RingTracer) Overwritten() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.written <= uint64(len(t.events)) {
		return 0
	}
	return t.written - uint64(len(t.events))
}

// Build returns the stored events of build n, oldest first.
func (t *RingTracer) Build(n int) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Event
	for _, ev := range t.snapshot() {
		if ev.Build == n {
			out = append(out, ev)
		}
	}
	return out
}

// LastBuild returns the highest build number among the stored events, 0
// when none carries one.
func (t *RingTracer) LastBuild() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	last := 0
	for _, ev := range t.snapshot() {
		last = max(last, ev.Build)
	}
	return last
}

// Dump writes the stored events to w, preceded by a note when older events
// were overwritten.
func (t *RingTracer) Dump(w io.Writer, format Format) error {
	if n := t.Overwritten(); n > 0 {
		note := Event{
			Time:   time.Now(),
			Kind:   KindPoint,
			Scope:  ScopeSession,
			Name:   "ring_overwritten",
			Detail: strconv.FormatUint(n, 10) + " earlier events",
		}
		if _, err := w.Write(FormatEvent(&note, format)); err != nil {
			return err
		}
	}
	return WriteEvents(w, t.Snapshot(), format)
}

// WriteEvents formats events to w one per line.
func WriteEvents(w io.Writer, events []Event, format Format) error {
	for i := range events {
		if _, err := w.Write(FormatEvent(&events[i], format)); err != nil {
			return err
		}
	}
	return nil
}

// Flush is a no-op; the events stay in memory.
func (t *RingTracer) Flush() error { return nil }

// Close is a no-op.
func (t *RingTracer) Close() error { return nil }

// Level returns the current tracing level.
func (t *RingTracer) Level() Level { return t.level }

// Enabled returns true if tracing is active.
func (t *RingTracer) Enabled() bool { return t.level > LevelOff }

// FindRing returns the ring t keeps events in, looking through fan-outs
// and heartbeats, or nil.
func FindRing(t Tracer) *RingTracer {
	switch t := t.(type) {
	case *RingTracer:
		return t
	case *MultiTracer:
		for _, inner := range t.tracers {
			if r := FindRing(inner); r != nil {
				return r
			}
		}
	case *Heartbeat:
		return FindRing(t.Tracer)
	}
	return nil
}
