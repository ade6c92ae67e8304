package middleware

import (
	"net/http"
)

// DefaultMaxBodySize bounds create payloads, which may carry inline rows.
const DefaultMaxBodySize int64 = 10 << 20 // 10MB

// RequestSize limits the size of incoming request bodies with
// http.MaxBytesReader; oversized bodies fail the JSON decode with 413.
func RequestSize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

			next.ServeHTTP(w, r)
		})
	}
}
