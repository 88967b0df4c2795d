package middleware

import (
	"net/http"

	pnet "casefile/internal/platform/net"
)

// AuthPort is the seam the auth service implements for request authentication
type AuthPort interface {
	// Parse returns the caller's user id and role from the request or an error
	Parse(r *http.Request) (userID string, role string, err error)
}

// Auth authenticates via the port when provided, and passes through otherwise
func Auth(p AuthPort, write func(w http.ResponseWriter, status int, body any)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if p == nil {
				next.ServeHTTP(w, r)
				return
			}
			uid, role, err := p.Parse(r)
			if err != nil {
				status, body := pnet.Error(err, pnet.RequestID(r.Context()))
				write(w, status, body)
				return
			}
			ctx := pnet.WithUser(r.Context(), uid, role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
