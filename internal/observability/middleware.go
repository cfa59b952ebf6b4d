package observability

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	requestIDHeader = "X-Request-ID"
	servicesPrefix  = "/services/"
)

// HTTPMiddleware continues the caller's trace in a server span for every
// request to the provider endpoint. Invocations are named by route so span
// names stay low-cardinality; service and method go into attributes.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		route, attrs := routeOf(r.URL.Path)
		attrs = append(attrs,
			attribute.String("http.request.method", r.Method),
			attribute.String("url.path", r.URL.Path),
		)
		if id := r.Header.Get(requestIDHeader); id != "" {
			attrs = append(attrs, AttrRequestID.String(id))
		}

		ctx, span := Tracer().Start(ctx, r.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.response.status_code", rec.status))
		// 4xx carries rpc errors (biz, forbidden, limited) as well as bad input
		if rec.status >= http.StatusBadRequest {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
	})
}

// routeOf maps /services/{service}/{method} to its route template.
func routeOf(path string) (string, []attribute.KeyValue) {
	rest, ok := strings.CutPrefix(path, servicesPrefix)
	if !ok {
		return path, nil
	}
	service, method, ok := strings.Cut(rest, "/")
	if !ok || service == "" || method == "" || strings.Contains(method, "/") {
		return path, nil
	}
	return servicesPrefix + "{service}/{method}", []attribute.KeyValue{
		AttrService.String(service),
		AttrMethod.String(method),
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
