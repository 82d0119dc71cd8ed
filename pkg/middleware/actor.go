package middleware

import (
	"net/http"
	"strings"
	"unicode"

	"github.com/platinummonkey/commune/pkg/httputil"
	"github.com/platinummonkey/commune/pkg/observability"
)

// ActorHeader carries the operator or user identity set by the auth proxy.
const ActorHeader = "X-Actor"

const maxActorLength = 128

// ActorMiddleware copies the X-Actor header into the request context. When
// required is set, mutating requests without an actor are rejected.
func ActorMiddleware(required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := strings.TrimSpace(r.Header.Get(ActorHeader))
			if actor != "" && !validActor(actor) {
				httputil.WriteBadRequest(w, "invalid X-Actor header")
				return
			}
			if actor == "" {
				if required && mutating(r.Method) {
					httputil.WriteUnauthorized(w, "X-Actor header is required")
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(observability.WithActor(r.Context(), actor)))
		})
	}
}

func validActor(actor string) bool {
	if len(actor) > maxActorLength {
		return false
	}
	for _, c := range actor {
		if !unicode.IsPrint(c) {
			return false
		}
	}
	return true
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
