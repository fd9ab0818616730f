package observability

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	RequestIDHeader = "X-Request-Id"

	maxRequestIDLen = 128
)

type requestInfoKey struct{}

// requestInfo follows one HTTP request. Handlers add the change they acted
// on, and the access log writes those fields next to the request's own.
type requestInfo struct {
	id string

	mu     sync.Mutex
	fields []zap.Field
}

func requestInfoFrom(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(*requestInfo)
	return info
}

func (i *requestInfo) annotations() []zap.Field {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]zap.Field(nil), i.fields...)
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	if info := requestInfoFrom(ctx); info != nil {
		return info.id, true
	}
	return "", false
}

// Annotate tags the current request with key=value. The access log line gets
// the field as is and the active span gets it with underscores turned into
// dots, so change_id becomes change.id.
func Annotate(ctx context.Context, key, value string) {
	if value == "" {
		return
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String(strings.ReplaceAll(key, "_", "."), value))

	info := requestInfoFrom(ctx)
	if info == nil {
		return
	}
	info.mu.Lock()
	defer info.mu.Unlock()
	for i, f := range info.fields {
		if f.Key == key {
			info.fields[i] = zap.String(key, value)
			return
		}
	}
	info.fields = append(info.fields, zap.String(key, value))
}

// validRequestID accepts caller supplied ids that are short and printable.
// Anything else is replaced so it cannot forge log lines.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for _, r := range id {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// RequestIDMiddleware keeps a valid incoming X-Request-Id or issues a new one,
// echoes it on the response and starts the request's annotation set.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get(RequestIDHeader)
		if !validRequestID(rid) {
			rid = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, rid)
		ctx := context.WithValue(r.Context(), requestInfoKey{}, &requestInfo{id: rid})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func accessLogLevel(status int) zapcore.Level {
	switch {
	case status >= 500:
		return zapcore.ErrorLevel
	case status >= 400:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

// AccessLogMiddleware writes one line per request. Client errors log at warn
// and server errors at error, with every field handlers added via Annotate.
func AccessLogMiddleware(logger *zap.Logger, routeName func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			sc := trace.SpanContextFromContext(r.Context())
			fields := []zap.Field{
				zap.String("route", routeName(r)),
				zap.String("method", r.Method),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)),
			}
			if rid, ok := RequestIDFromContext(r.Context()); ok {
				fields = append(fields, zap.String("request_id", rid))
			}
			if sc.IsValid() {
				fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
			}
			if info := requestInfoFrom(r.Context()); info != nil {
				fields = append(fields, info.annotations()...)
			}

			if ce := logger.Check(accessLogLevel(rec.status), "http_request"); ce != nil {
				ce.Write(fields...)
			}
		})
	}
}

// TracingMiddleware opens the server span of a request. A change id in the
// route is annotated before the handler runs, so even rejected requests can
// be found by change.
func TracingMiddleware(routeName func(*http.Request) string) func(http.Handler) http.Handler {
	tr := otel.Tracer(TracerHTTP)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := routeName(r)
			ctx, span := tr.Start(r.Context(), r.Method+" "+route, trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()

			span.SetAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("http.route", route),
			)
			if rid, ok := RequestIDFromContext(ctx); ok {
				span.SetAttributes(attribute.String("http.request_id", rid))
			}
			if id := mux.Vars(r)["id"]; id != "" {
				Annotate(ctx, "change_id", id)
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.response.status_code", rec.status))
			if rec.status >= 500 {
				span.SetStatus(codes.Error, http.StatusText(rec.status))
			}
		})
	}
}
