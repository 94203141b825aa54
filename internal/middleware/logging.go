package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/josh-kwaku/eventpay/internal/logging"
)

var quietPrefixes = []string{"/health", "/ready", "/docs"}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// requestActor is filled in by Auth, which runs inside the router and so
// after Logging has built the request context.
type requestActor struct {
	name string
}

type requestActorKey struct{}

func setRequestActor(ctx context.Context, actor string) {
	if ra, ok := ctx.Value(requestActorKey{}).(*requestActor); ok {
		ra.name = actor
	}
}

func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range quietPrefixes {
			if strings.HasPrefix(r.URL.Path, p) {
				next.ServeHTTP(w, r)
				return
			}
		}

		start := time.Now()

		attrs := []any{"request_id", TraceIDFromContext(r.Context())}
		if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
			attrs = append(attrs, "trace_id", sc.TraceID().String())
		}

		logger := logging.FromContext(r.Context()).With(attrs...)
		actor := &requestActor{}
		ctx := logging.WithLogger(r.Context(), logger)
		ctx = context.WithValue(ctx, requestActorKey{}, actor)
		r = r.WithContext(ctx)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		fields := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"bytes", rec.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if actor.name != "" {
			fields = append(fields, "actor", actor.name)
		}
		if key := r.Header.Get(IdempotencyKeyHeader); key != "" {
			fields = append(fields, "idempotency_key", key)
		}

		level := slog.LevelInfo
		switch {
		case rec.status >= http.StatusInternalServerError:
			level = slog.LevelError
		case rec.status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "request completed", fields...)
	})
}
