package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/to-real/agentbench/internal/auth"
)

// Close reasons recorded for the upgrade handler. The WebSocket
// contract requires rejections to surface as close code 1008 with
// these exact reasons, so the chain never writes an HTTP error itself.
const (
	FailureMissingToken = "Missing authentication token"
	FailureInvalidToken = "Authentication failed"
)

// TokenVerifier verifies a connection-scoped token.
type TokenVerifier func(token string) (*auth.Claims, error)

// NewConnectionAuth extracts the connection token from the `token`
// query parameter or the Authorization header and verifies it. The
// outcome is recorded on the request metadata rather than terminating
// the request: the close handshake belongs to the upgrade handler.
func NewConnectionAuth(logger *slog.Logger, verify TokenVerifier) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				// Something went wrong with previous middlewares.
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			tokenString := r.URL.Query().Get("token")
			if tokenString == "" {
				tokenString = bearerToken(r.Header.Get("Authorization"))
			}
			if tokenString == "" {
				logger.Warn("Connection attempt without token", slog.String("ip", reqMeta.IP))
				reqMeta.AuthFailure = FailureMissingToken
				next.ServeHTTP(w, r)
				return
			}

			claims, err := verify(tokenString)
			if err != nil {
				logger.Warn("Connection token rejected",
					slog.String("ip", reqMeta.IP),
					slog.Any("error", err),
				)
				reqMeta.AuthFailure = FailureInvalidToken
				next.ServeHTTP(w, r)
				return
			}

			reqMeta.Claims = claims
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}
