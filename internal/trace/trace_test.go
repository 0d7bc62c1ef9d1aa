package trace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"
)

func TestStartNestsSpansThroughContext(t *testing.T) {
	ring := NewRingTracer(16, LevelDebug)
	ctx := WithTracer(context.Background(), ring)

	ctx, outer := Start(ctx, ScopeSession, "evaluate")
	inner, span := Start(ctx, ScopePhase, "build")
	Point(inner, ScopeDetail, "fix_import", "fmt")
	span.End("ok")
	outer.End("")

	events := ring.Snapshot()
	if len(events) != 5 {
		t.Fatalf("got %d events: %+v", len(events), events)
	}
	if events[1].Name != "build" || events[1].ParentID != outer.ID() {
		t.Fatalf("build span = %+v, outer id %d", events[1], outer.ID())
	}
	if events[2].Kind != KindPoint || events[2].ParentID != span.ID() || events[2].Detail != "fmt" {
		t.Fatalf("point = %+v", events[2])
	}
}

func TestLevelFiltersScopes(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithTracer(context.Background(), NewStreamTracer(&buf, LevelPhase, FormatText))
	Point(ctx, ScopePhase, "apply", "")
	Point(ctx, ScopeDetail, "noise", "")
	out := buf.String()
	if !strings.Contains(out, "apply") || strings.Contains(out, "noise") {
		t.Fatalf("output = %q", out)
	}
}

func TestNopByDefault(t *testing.T) {
	ctx, span := Start(context.Background(), ScopePhase, "x")
	span.End("")
	if FromContext(ctx).Enabled() {
		t.Fatal("context without tracer must trace nothing")
	}
}

func TestBuildNumberTagsNestedEvents(t *testing.T) {
	ring := NewRingTracer(16, LevelDebug)
	ctx := WithTracer(context.Background(), ring)

	ctx, eval := Start(ctx, ScopeSession, "evaluate")
	actx, attempt := Start(WithBuild(ctx, 3), ScopeAttempt, "attempt")
	bctx, build := Start(actx, ScopePhase, "build")
	Point(bctx, ScopeDetail, "fix_import", "strings")
	build.End("ok")
	attempt.AttrInt("retry", 1).EndErr(errors.New("2 errors"))
	eval.End("")

	want := []int{0, 3, 3, 3, 3, 3, 0}
	events := ring.Snapshot()
	if len(events) != len(want) {
		t.Fatalf("got %d events", len(events))
	}
	for i, ev := range events {
		if ev.Build != want[i] {
			t.Fatalf("event %d %s: build %d, want %d", i, ev.Name, ev.Build, want[i])
		}
	}
	end := events[5]
	if !end.Err || end.Detail != "2 errors" || end.Attrs["retry"] != "1" {
		t.Fatalf("attempt end = %+v", end)
	}
	if got := string(FormatEvent(&end, FormatText)); !strings.Contains(got, "✗ attempt b3 (2 errors) {retry=1}") {
		t.Fatalf("text = %q", got)
	}
	var j struct {
		Build int               `json:"build"`
		Err   bool              `json:"error"`
		Attrs map[string]string `json:"attrs"`
	}
	if err := json.Unmarshal(FormatEvent(&end, FormatNDJSON), &j); err != nil {
		t.Fatal(err)
	}
	if j.Build != 3 || !j.Err || j.Attrs["retry"] != "1" {
		t.Fatalf("ndjson = %+v", j)
	}
}

func TestRingSelectsBuilds(t *testing.T) {
	ring := NewRingTracer(4, LevelDebug)
	for i, b := range []int{1, 1, 2, 0, 2, 3} {
		ring.Emit(&Event{Kind: KindPoint, Scope: ScopePhase, Name: fmt.Sprintf("e%d", i), Build: b})
	}
	if n := ring.Overwritten(); n != 2 {
		t.Fatalf("overwritten = %d", n)
	}
	if got := names(ring.Build(2)); got != "e2 e4" {
		t.Fatalf("build 2 = %s", got)
	}
	if got := names(ring.Build(1)); got != "" {
		t.Fatalf("build 1 survived: %s", got)
	}
	if ring.LastBuild() != 3 {
		t.Fatalf("last build = %d", ring.LastBuild())
	}
	var buf bytes.Buffer
	if err := ring.Dump(&buf, FormatText); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 5 || !strings.Contains(lines[0], "ring_overwritten (2 earlier events)") || !strings.Contains(lines[1], "e2 b2") {
		t.Fatalf("dump:\n%s", buf.String())
	}
}

func TestHeartbeatNamesOpenSpan(t *testing.T) {
	ring := NewRingTracer(16, LevelDebug)
	h := &Heartbeat{Tracer: ring}
	ctx := WithTracer(WithBuild(context.Background(), 4), h)

	_, span := Start(ctx, ScopePhase, "run")
	beat := h.pulse(time.Now())
	if beat.Build != 4 || beat.SpanID != span.ID() || !strings.Contains(beat.Detail, "#1 in run for ") {
		t.Fatalf("beat = %+v", beat)
	}
	span.End("")
	if beat := h.pulse(time.Now()); beat.Detail != "#2 idle" || beat.SpanID != 0 {
		t.Fatalf("beat after end = %+v", beat)
	}
	if len(ring.Snapshot()) != 2 {
		t.Fatalf("heartbeat did not pass events on: %+v", ring.Snapshot())
	}
}

func TestFindRing(t *testing.T) {
	ring := NewRingTracer(4, LevelPhase)
	stream := NewStreamTracer(io.Discard, LevelPhase, FormatText)
	tests := []struct {
		name   string
		tracer Tracer
		want   *RingTracer
	}{
		{"ring", ring, ring},
		{"both", NewMultiTracer(LevelPhase, stream, ring), ring},
		{"heartbeat", &Heartbeat{Tracer: NewMultiTracer(LevelPhase, stream, ring)}, ring},
		{"stream", stream, nil},
		{"nop", Nop, nil},
	}
	for _, tt := range tests {
		if got := FindRing(tt.tracer); got != tt.want {
			t.Fatalf("%s: FindRing = %p, want %p", tt.name, got, tt.want)
		}
	}
}

func TestNewWrapsHeartbeat(t *testing.T) {
	tr, err := New(Config{Level: LevelPhase, Mode: ModeRing, Heartbeat: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := tr.(*Heartbeat); !ok || FindRing(tr) == nil {
		t.Fatalf("tracer = %T", tr)
	}
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	if FormatForPath("trace.ndjson") != FormatNDJSON || FormatForPath("-") != FormatText {
		t.Fatal("format from path")
	}
}

func names(events []Event) string {
	var out []string
	for _, ev := range events {
		out = append(out, ev.Name)
	}
	return strings.Join(out, " ")
}

func TestErrorLevelKeepsFailedSpans(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithTracer(WithBuild(context.Background(), 2), NewStreamTracer(&buf, LevelError, FormatText))
	_, ok := Start(ctx, ScopePhase, "build")
	ok.End("ok")
	_, failed := Start(ctx, ScopePhase, "run")
	Point(ctx, ScopePhase, "command", "dep")
	failed.EndErr(errors.New("worker exited"))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 || !strings.Contains(lines[0], "✗ run b2 (worker exited)") {
		t.Fatalf("output = %q", buf.String())
	}
}
