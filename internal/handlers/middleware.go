package handlers

import (
	"net/http"
	"strings"

	"github.com/oakmere/storefront/internal/platform/requestctx"
)

// ActorMiddleware records the operator named in the X-Actor header on the
// request context so request logs can attribute admin actions.
func ActorMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if next == nil {
			next = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := strings.TrimSpace(r.Header.Get(actorHeader))
			if actor != "" {
				r = r.WithContext(requestctx.WithActor(r.Context(), actor))
			}
			next.ServeHTTP(w, r)
		})
	}
}
