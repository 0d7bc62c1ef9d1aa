package trace

import (
	"strconv"
	"sync/atomic"
	"time"
)

var (
	globalSeq   atomic.Uint64
	globalSpans atomic.Uint64
)

// NextSeq returns a monotonically increasing sequence number.
func NextSeq() uint64 { return globalSeq.Add(1) }

func nextSpanID() uint64 { return globalSpans.Add(1) }

// Span is one timed stretch of a session: an evaluation, an inference
// pass, a build, a run. The zero Span and a Span of a disabled tracer
// record nothing.
type Span struct {
	tracer   Tracer
	id       uint64
	parentID uint64
	build    int
	scope    Scope
	name     string
	started  time.Time
	attrs    map[string]string
}

// Begin emits the begin event of a span under parent. build tags the span
// and every event below it; 0 means none.
func Begin(t Tracer, scope Scope, name string, parent uint64, build int) *Span {
	if t == nil || !t.Enabled() {
		return &Span{}
	}
	s := &Span{
		tracer:   t,
		id:       nextSpanID(),
		parentID: parent,
		build:    build,
		scope:    scope,
		name:     name,
		started:  time.Now(),
	}
	// below the level only a failed end is recorded
	if t.Level().ShouldEmit(scope) {
		t.Emit(s.event(KindSpanBegin, s.started, ""))
	}
	return s
}

func (s *Span) event(kind Kind, at time.Time, detail string) *Event {
	return &Event{
		Time:     at,
		Seq:      NextSeq(),
		Kind:     kind,
		Scope:    s.scope,
		SpanID:   s.id,
		ParentID: s.parentID,
		Build:    s.build,
		Name:     s.name,
		Detail:   detail,
	}
}

func (s *Span) live() bool { return s != nil && s.tracer != nil && s.tracer.Enabled() }

// End emits the end event and returns how long the span was open.
func (s *Span) End(detail string) time.Duration {
	if !s.live() {
		return 0
	}
	now := time.Now()
	if s.tracer.Level().ShouldEmit(s.scope) {
		ev := s.event(KindSpanEnd, now, detail)
		ev.Attrs = s.attrs
		s.tracer.Emit(ev)
	}
	return now.Sub(s.started)
}

// EndErr ends the span with "ok", or with err marked as a failure.
func (s *Span) EndErr(err error) time.Duration {
	if !s.live() {
		return 0
	}
	if err == nil {
		return s.End("ok")
	}
	now := time.Now()
	ev := s.event(KindSpanEnd, now, err.Error())
	ev.Attrs = s.attrs
	ev.Err = true
	s.tracer.Emit(ev)
	return now.Sub(s.started)
}

// Attr sets an attribute reported with the end event.
func (s *Span) Attr(key, value string) *Span {
	if !s.live() {
		return s
	}
	if s.attrs == nil {
		s.attrs = make(map[string]string)
	}
	s.attrs[key] = value
	return s
}

// AttrInt is Attr for counters: retries, diagnostics, fixes.
func (s *Span) AttrInt(key string, value int) *Span {
	return s.Attr(key, strconv.Itoa(value))
}

// ID returns the span ID, 0 for a span that records nothing.
func (s *Span) ID() uint64 {
	if s == nil {
		return 0
	}
	return s.id
}

// Build returns the build number the span is tagged with.
func (s *Span) Build() int {
	if s == nil {
		return 0
	}
	return s.build
}
