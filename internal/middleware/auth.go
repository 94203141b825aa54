package middleware

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/josh-kwaku/eventpay/internal/auth"
	"github.com/josh-kwaku/eventpay/internal/handler"
	"github.com/josh-kwaku/eventpay/internal/logging"
)

// Auth admits requests carrying a valid bearer token. The caller becomes the
// actor recorded in status history, and is attached to the request logger and
// span.
func Auth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := logging.FromContext(r.Context())

			header := r.Header.Get("Authorization")
			if header == "" {
				handler.RespondAppError(w, handler.ErrMissingToken, nil)
				return
			}

			token, found := strings.CutPrefix(header, "Bearer ")
			if !found || token == "" {
				handler.RespondAppError(w, handler.ErrInvalidToken, nil)
				return
			}

			claims, err := auth.ValidateToken(token, secret)
			if err != nil {
				log.Debug("token rejected", "path", r.URL.Path, "error", err)
				handler.RespondAppError(w, handler.ErrInvalidToken, nil)
				return
			}

			actor := claims.Actor()
			trace.SpanFromContext(r.Context()).SetAttributes(
				attribute.String("eventpay.actor", actor),
				attribute.String("eventpay.actor_kind", claims.Kind),
			)

			setRequestActor(r.Context(), actor)
			ctx := auth.ContextWithClaims(r.Context(), *claims)
			ctx = logging.WithLogger(ctx, log.With("actor", actor))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
