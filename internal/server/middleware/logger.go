package middleware

import (
	"log/slog"
	"net/http"
)

// NewRequestLogger logs each upgrade request together with the
// authentication outcome. It runs after the auth middleware, so the
// resolved identity or rejection reason is already on the metadata.
func NewRequestLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attrs := []any{
				slog.String("method", r.Method),
				slog.String("uri", r.URL.Path),
			}
			if reqMeta, ok := ReqMetadataFrom(r.Context()); ok {
				attrs = append(attrs, slog.String("ip", reqMeta.IP))
				switch {
				case reqMeta.AuthFailure != "":
					attrs = append(attrs, slog.String("rejected", reqMeta.AuthFailure))
				case reqMeta.Claims != nil:
					attrs = append(attrs,
						slog.String("username", reqMeta.Claims.Username),
						slog.String("role", reqMeta.Claims.Role),
					)
				}
			}
			logger.Info("Incoming connection request", attrs...)
			next.ServeHTTP(w, r)
		})
	}
}
