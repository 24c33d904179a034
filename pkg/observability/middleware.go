package observability

import (
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware instruments every request with a server span and the RED
// metrics, attributed by method, route pattern, and status class.
func (p *Provider) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := p.StartSpan(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
		)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		attrs := []attribute.KeyValue{
			attribute.String("http.request.method", r.Method),
			attribute.String("http.route", routePattern(r)),
			attribute.Int("http.response.status_code", rec.status),
		}
		span.SetAttributes(attrs...)
		p.RecordRequest(ctx, attrs...)
		p.RecordDuration(ctx, time.Since(start), attrs...)
		if rec.status >= 500 {
			p.RecordError(ctx, statusError(rec.status), attrs...)
		}
	})
}

// routePattern prefers the mux pattern over the raw path so metric
// cardinality stays bounded.
func routePattern(r *http.Request) string {
	if pat := r.Pattern; pat != "" {
		return pat
	}
	return r.URL.Path
}

type statusError int

func (e statusError) Error() string {
	return "http status " + strconv.Itoa(int(e))
}
