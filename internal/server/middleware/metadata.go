package middleware

import (
	"context"
	"net"
	"net/http"

	"github.com/to-real/agentbench/internal/auth"
)

type contextKey string

const reqMetaKey = contextKey("r-metadata")

// RequestMetadata travels with a connection request through the chain.
// Claims is set by the auth middleware on success; AuthFailure carries
// the close reason to use after the WebSocket upgrade otherwise.
type RequestMetadata struct {
	IP          string
	Claims      *auth.Claims
	AuthFailure string
}

func ReqMetadataFrom(ctx context.Context) (*RequestMetadata, bool) {
	reqMeta, ok := ctx.Value(reqMetaKey).(*RequestMetadata)
	return reqMeta, ok
}

// RequestMetadataMiddleware creates and injects the RequestMetadata
// struct into the request.
// **This should be the first middleware in the chain.**
func RequestMetadataMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta := &RequestMetadata{}

			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr // Fallback
			}
			reqMeta.IP = ip
			ctx := context.WithValue(r.Context(), reqMetaKey, reqMeta)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
