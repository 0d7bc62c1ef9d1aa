package trace

import (
	"fmt"
	"sync"
	"time"
)

// Heartbeat wraps a tracer and periodically emits a heartbeat naming the
// innermost open span and how long it has been open. A build or a worker
// run that hangs shows up as the same span in every heartbeat.
type Heartbeat struct {
	Tracer

	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu   sync.Mutex
	open []*Event // begin events of the spans still open, in begin order
	beat uint64
}

// StartHeartbeat starts the heartbeat goroutine. Events must be emitted
// through the returned Heartbeat for it to see the open spans.
func StartHeartbeat(tracer Tracer, interval time.Duration) *Heartbeat {
	if tracer == nil || !tracer.Enabled() || interval <= 0 {
		return nil
	}
	h := &Heartbeat{
		Tracer:   tracer,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
	h.wg.Add(1)
	go h.run()
	return h
}

// Emit tracks span boundaries and passes ev on.
func (h *Heartbeat) Emit(ev *Event) {
	h.mu.Lock()
	switch ev.Kind {
	case KindSpanBegin:
		cp := *ev
		h.open = append(h.open, &cp)
	case KindSpanEnd:
		for i := len(h.open) - 1; i >= 0; i-- {
			if h.open[i].SpanID == ev.SpanID {
				h.open = append(h.open[:i], h.open[i+1:]...)
				break
			}
		}
	}
	h.mu.Unlock()
	h.Tracer.Emit(ev)
}

func (h *Heartbeat) run() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			h.Tracer.Emit(h.pulse(now))
		case <-h.stopCh:
			return
		}
	}
}

// pulse builds the heartbeat event for now.
func (h *Heartbeat) pulse(now time.Time) *Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.beat++
	ev := &Event{
		Time:   now,
		Seq:    NextSeq(),
		Kind:   KindHeartbeat,
		Scope:  ScopeSession,
		Name:   "heartbeat",
		Detail: fmt.Sprintf("#%d idle", h.beat),
	}
	if n := len(h.open); n > 0 {
		top := h.open[n-1]
		ev.SpanID = top.SpanID
		ev.Build = top.Build
		ev.Detail = fmt.Sprintf("#%d in %s for %s", h.beat, top.Name, now.Sub(top.Time).Round(time.Millisecond))
	}
	return ev
}

// Close stops the heartbeat and closes the wrapped tracer.
func (h *Heartbeat) Close() error {
	h.Stop()
	return h.Tracer.Close()
}

// Stop stops the heartbeat goroutine and waits for it to finish. The
// wrapped tracer stays open.
func (h *Heartbeat) Stop() {
	if h == nil {
		return
	}
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()
}
