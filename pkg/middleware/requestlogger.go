package middleware

import (
	"log/slog"
	"net/http"

	"github.com/btachinardi/lemon-todo-sub000/pkg/logger"
)

// RequestLogger stores a request-scoped logger enriched with correlation_id,
// trace_id and span_id in the context. Handlers retrieve it with
// logger.FromContext. Auth later adds user_id to the same logger.
//
// Mount it after RequestLogging and Tracing.
func RequestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ctx = logger.NewContext(ctx, logger.WithContext(ctx, base))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
