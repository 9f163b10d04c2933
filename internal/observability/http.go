package observability

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	traceHeader      = "X-Trace-ID"
	maxTraceIDLength = 128
)

// TraceMiddleware adopts the caller's X-Trace-ID when it is usable and mints
// one otherwise. The id is echoed back on the response.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(traceHeader)
		if traceID == "" || len(traceID) > maxTraceIDLength {
			traceID = uuid.NewString()
		}
		w.Header().Set(traceHeader, traceID)
		next.ServeHTTP(w, r.WithContext(ContextWithTraceID(r.Context(), traceID)))
	})
}

// observed is what a wrapped handler did, handed to the callback after it
// returns.
type observed struct {
	route   string
	status  int
	bytes   int
	elapsed time.Duration
}

func instrument(next http.Handler, done func(*http.Request, observed)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		r = withRouteSlot(r)
		next.ServeHTTP(rec, r)
		done(r, observed{route: routeLabel(r), status: rec.status, bytes: rec.bytes, elapsed: time.Since(start)})
	})
}

// LoggingMiddleware writes one http_request record per request. Server errors
// are logged at warn.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return instrument(next, func(r *http.Request, o observed) {
			level := slog.LevelInfo
			if o.status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), level, "http_request",
				slog.String("trace_id", TraceIDFromContext(r.Context())),
				slog.String("method", r.Method),
				slog.String("route", o.route),
				slog.String("path", r.URL.Path),
				slog.Int("status", o.status),
				slog.Int("bytes", o.bytes),
				slog.Duration("duration", o.elapsed),
				slog.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// MetricsMiddleware labels requests by the route registered through Route, not
// the raw path, so session ids stay out of label values.
func MetricsMiddleware(next http.Handler) http.Handler {
	return instrument(next, func(r *http.Request, o observed) {
		labels := []string{r.Method, o.route, strconv.Itoa(o.status)}
		httpRequestsTotal.WithLabelValues(labels...).Inc()
		httpRequestDurationSeconds.WithLabelValues(labels...).Observe(o.elapsed.Seconds())
	})
}

type routeSlotKey struct{}

type routeSlot struct {
	pattern string
}

// Route tags requests served by next with pattern for logs and metrics.
func Route(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if slot, ok := r.Context().Value(routeSlotKey{}).(*routeSlot); ok {
			slot.pattern = pattern
		}
		next.ServeHTTP(w, r)
	})
}

func withRouteSlot(r *http.Request) *http.Request {
	if _, ok := r.Context().Value(routeSlotKey{}).(*routeSlot); ok {
		return r
	}
	return r.WithContext(context.WithValue(r.Context(), routeSlotKey{}, &routeSlot{}))
}

func routeLabel(r *http.Request) string {
	if slot, ok := r.Context().Value(routeSlotKey{}).(*routeSlot); ok && slot.pattern != "" {
		return slot.pattern
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(body []byte) (int, error) {
	n, err := r.ResponseWriter.Write(body)
	r.bytes += n
	return n, err
}
