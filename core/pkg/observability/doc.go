// Package observability provides OpenTelemetry tracing and metrics for the
// kernel's gate-evaluation path.
//
// # Tracing
//
// Initialize a Provider at application startup:
//
//	p, err := observability.New(ctx, observability.DefaultConfig())
//	defer p.Shutdown(ctx)
//
// Wrap one execute* call:
//
//	ctx, span := p.StartSpan(ctx, "mek.execute_with_snapshot")
//	defer span.End()
//
// # Metrics
//
// Record gate outcomes as they occur:
//
//	p.RecordExecution(ctx, "filesystem.write", "medium")
//	p.RecordNonAction(ctx, "grant_expired", "", "filesystem.write")
//	p.RecordFriction(ctx, observed, "medium")
package observability
