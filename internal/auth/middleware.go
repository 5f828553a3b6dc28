// Package auth guards the mutating API routes with a shared bearer token.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	apierr "github.com/minegallery/minegallery/internal/errors"
	"github.com/minegallery/minegallery/internal/jsonutil"
)

// safeMethods never mutate gallery state and stay open: the gallery is a
// public read surface, only writes need the key.
var safeMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

// Middleware returns HTTP middleware that requires the configured bearer
// token on every unsafe method. An empty token disables enforcement, which
// is intended for local development only.
func Middleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || safeMethods[r.Method] {
				next.ServeHTTP(w, r)
				return
			}
			presented := bearerToken(r)
			if presented == "" {
				jsonutil.RenderError(w, r, apierr.New(apierr.KindUnauthorized, "missing bearer token"))
				return
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				jsonutil.RenderError(w, r, apierr.New(apierr.KindUnauthorized, "invalid bearer token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header, or returns "" when the header is absent or differently shaped.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return header[len(prefix):]
}
