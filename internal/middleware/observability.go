package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"adminchat/internal/httputil"
	"adminchat/internal/metrics"
	"adminchat/internal/tracing"
)

// Log field names for control API requests
const (
	LogFieldRequestID  = "request_id"
	LogFieldTraceID    = "trace_id"
	LogFieldMethod     = "method"
	LogFieldRoute      = "route"
	LogFieldStatusCode = "status_code"
	LogFieldDurationMs = "duration_ms"
	LogFieldRemoteIP   = "remote_ip"
	LogFieldSize       = "size"
)

var active atomic.Int64

// Observability wraps every control API request in a span, records
// request metrics and logs completion at a level matching the status.
func Observability(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := routeTemplate(r)

			ctx, span := tracing.StartSpan(r.Context(), "control_api "+route,
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
				attribute.String("client.address", httputil.ClientIP(r, false)),
			)
			defer span.End()

			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = tracing.NewRequestID()
			}
			ctx = tracing.WithRequestID(ctx, requestID)
			ctx = tracing.WithStartTime(ctx, time.Now())
			r = r.WithContext(ctx)
			w.Header().Set("X-Request-ID", requestID)

			metrics.SetGauge("http_requests_active", float64(active.Add(1)), nil, "Currently active HTTP requests")
			wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapper, r)
			metrics.SetGauge("http_requests_active", float64(active.Add(-1)), nil, "Currently active HTTP requests")

			duration := tracing.Duration(ctx)
			status := strconv.Itoa(wrapper.statusCode)

			tracing.AddSpanAttributes(ctx,
				attribute.Int("http.response.status_code", wrapper.statusCode),
				attribute.Int64("http.response.size", wrapper.responseSize),
			)
			if wrapper.statusCode >= 500 {
				tracing.SetSpanStatus(ctx, codes.Error, fmt.Sprintf("HTTP %d", wrapper.statusCode))
			}

			labels := map[string]string{"method": r.Method, "route": route, "status_code": status}
			metrics.IncrementCounter("http_responses_total", labels, "HTTP responses by status code")
			metrics.RecordTimer("http_request_duration", duration, labels, "HTTP request duration")

			level := logrus.DebugLevel
			switch {
			case wrapper.statusCode >= 500:
				level = logrus.ErrorLevel
			case wrapper.statusCode >= 400:
				level = logrus.WarnLevel
			}
			logger.WithFields(logrus.Fields{
				LogFieldRequestID:  requestID,
				LogFieldTraceID:    tracing.TraceID(ctx),
				LogFieldMethod:     r.Method,
				LogFieldRoute:      route,
				LogFieldStatusCode: wrapper.statusCode,
				LogFieldDurationMs: duration.Milliseconds(),
				LogFieldRemoteIP:   httputil.ClientIP(r, false),
				LogFieldSize:       wrapper.responseSize,
			}).Log(level, "HTTP request completed")
		})
	}
}

// routeTemplate labels requests by their mux route so path ids do not
// explode metric cardinality.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode   int
	responseSize int64
}

func (rw *responseWrapper) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWrapper) Write(data []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(data)
	rw.responseSize += int64(n)
	return n, err
}
