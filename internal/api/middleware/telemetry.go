package middleware

import (
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("kiln-server")

// Telemetry returns OpenTelemetry tracing middleware. Incoming
// X-Trace-ID and X-Span-ID headers become the remote parent when they
// parse; the response always carries the effective trace and span ids
// so callers can correlate.
func Telemetry(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		if parent := headerSpanContext(r); parent.IsValid() {
			ctx = trace.ContextWithRemoteSpanContext(ctx, parent)
		}

		spanName := r.Method + " " + r.URL.Path
		ctx, span := tracer.Start(ctx, spanName,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
				attribute.String("url.scheme", scheme(r)),
				attribute.String("kiln.workspace", GetOwner(ctx)),
			),
		)
		defer span.End()

		if sc := span.SpanContext(); sc.HasTraceID() {
			w.Header().Set("X-Trace-ID", sc.TraceID().String())
			w.Header().Set("X-Span-ID", sc.SpanID().String())
		}

		rw := newResponseWriter(w)

		next.ServeHTTP(rw, r.WithContext(ctx))

		span.SetAttributes(
			attribute.Int("http.response.status_code", rw.statusCode),
			attribute.Int("http.response_content_length", rw.bytes),
		)
	})
}

// headerSpanContext builds a remote parent from the plain X-Trace-ID
// and X-Span-ID headers used by clients that do not speak W3C
// tracecontext. Both headers must parse for the parent to count.
func headerSpanContext(r *http.Request) trace.SpanContext {
	traceID, err := trace.TraceIDFromHex(r.Header.Get("X-Trace-ID"))
	if err != nil {
		return trace.SpanContext{}
	}
	spanID, err := trace.SpanIDFromHex(r.Header.Get("X-Span-ID"))
	if err != nil {
		return trace.SpanContext{}
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
		Remote:  true,
	})
}

func scheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		return fwd
	}
	return "http"
}
