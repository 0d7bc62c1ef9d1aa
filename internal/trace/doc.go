// Package trace records what a REPL session spends its time on.
//
// Every evaluation opens a session-scope span; segmenting, applying,
// inference, builds and runs open phase spans below it, and each fix/retry
// attempt opens an attempt span. Events below WithBuild carry the build
// number, so a ring can replay one build (the :trace command). Tracing is
// enabled from the CLI:
//
//	gorepl repl --trace=- --trace-level=phase
//
// # Tracers
//
//   - Nop: no-op tracer used when tracing is off
//   - StreamTracer: writes each event immediately (file or stderr)
//   - RingTracer: keeps the last events in memory for dumps after a crash
//   - MultiTracer: fans out to several tracers
//   - Heartbeat: wraps a tracer and reports the span a hang is stuck in
//
// # Levels
//
//   - LevelOff: no tracing
//   - LevelError: only ring dumps after a failure
//   - LevelPhase: session and phase spans
//   - LevelDetail: fix/retry attempts
//   - LevelDebug: everything
//
// # Context propagation
//
//	ctx = trace.WithTracer(ctx, tracer)
//	ctx, span := trace.Start(ctx, trace.ScopePhase, "build")
//	defer span.End("")
package trace
