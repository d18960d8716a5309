package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope used for every tutorbot span.
const TracerName = "github.com/shaharia-lab/tutorbot"

// StartSpan starts a new span with the given name and options.
// Spans go to the globally registered tracer provider, which is a no-op unless the binary installs one.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, name, opts...)
}
