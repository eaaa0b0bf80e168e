// Package trace is the diagnostics channel of the property-storage runtime.
//
// Components never print. A registry that hits its complexity cap, an
// object that falls back to dictionary storage or a compaction that
// relocates objects emits an Event to the Tracer it was constructed with.
//
// Levels select how fine the printed stream is: LevelPhase shows collector
// passes and registry degradation, LevelDetail adds per-object transitions,
// LevelDebug adds slot writes. LevelError prints nothing and keeps every
// event in a ring that the CLI dumps after a failed run.
//
//	ctx = trace.WithTracer(ctx, t)
//	span := trace.Begin(trace.FromContext(ctx), trace.ScopeCollector, "compact", trace.CurrentSpan(ctx))
//	defer span.End("")
package trace
