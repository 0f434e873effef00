package observability

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// HTTPMiddleware wraps a handler with a server span and request metrics.
// Tracer and Metrics both tolerate nil receivers, so the middleware can
// be installed unconditionally and left inert when telemetry is off.
func HTTPMiddleware(tracer *Tracer, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(r.Context(), SpanHTTPRequest,
				trace.WithAttributes(
					attribute.String(AttrHTTPMethod, r.Method),
					attribute.String(AttrHTTPPath, r.URL.Path),
				),
			)
			defer span.End()

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r.WithContext(ctx))

			span.SetAttributes(
				attribute.Int(AttrHTTPStatusCode, rec.status),
				attribute.Int64(AttrHTTPResponseSize, rec.written),
			)
			if rec.status >= http.StatusBadRequest {
				span.SetAttributes(attribute.String(AttrErrorType, "HTTP "+strconv.Itoa(rec.status)))
			}
			metrics.RecordHTTPRequest(ctx, r.Method, r.URL.Path, rec.status, time.Since(start))
		})
	}
}

// statusRecorder notes the status code and body size on their way out.
// Hijack and Flush pass through so SSE streaming keeps working behind
// the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status     int
	written    int64
	headerSent bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.headerSent {
		return
	}
	r.status = code
	r.headerSent = true
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.headerSent {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(b)
	r.written += int64(n)
	return n, err
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
