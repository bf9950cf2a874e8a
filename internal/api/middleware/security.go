package middleware

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// SecurityHeaders adds security headers to all responses.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
		w.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(w, r)
	})
}

// MaxBodySize limits request body size.
func MaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				jsonError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// queryValue matches the values the API accepts in a query string: limits,
// ULID cursors, feed types and usernames.
var queryValue = regexp.MustCompile(`^[A-Za-z0-9_-]{0,64}$`)

// ValidateRequest rejects non-JSON bodies, traversal in the path and query
// values that cannot be a limit, cursor, feed type or username.
func ValidateRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.ContentLength > 0 &&
			!strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			jsonError(w, http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE", "content-type must be application/json")
			return
		}

		if strings.Contains(r.URL.Path, "..") || strings.Contains(r.URL.Path, "//") || !validQuery(r.URL.Query()) {
			jsonError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func validQuery(q url.Values) bool {
	for _, values := range q {
		for _, v := range values {
			if !queryValue.MatchString(v) {
				return false
			}
		}
	}
	return true
}
