package api

import (
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/opx-platform/opx-core/pkg/observability"
	"github.com/opx-platform/opx-core/pkg/ratelimit"
)

// RequestIDMiddleware assigns every request an X-Request-ID unless the
// caller supplied one. The ID is observability only; it never enters any
// identity hash.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// RateLimitMiddleware throttles mutating requests per authority. Limits are
// keyed by {authorityId, authorityType, action}; reads pass through.
func RateLimitMiddleware(limiter ratelimit.Limiter, metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil || r.Method == http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			authority, ok := AuthorityFrom(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			key := ratelimit.Key{
				AuthorityID:   authority.ID,
				AuthorityType: authority.Type,
				Action:        r.Method + " " + r.URL.Path,
			}
			decision, err := limiter.Allow(r.Context(), key)
			if err != nil {
				// The limiter is protective, not load-bearing. Admit on error.
				next.ServeHTTP(w, r)
				return
			}
			if !decision.Allowed {
				if metrics != nil {
					metrics.RateLimitRejections.Add(r.Context(), 1,
						metric.WithAttributes(attribute.String("authorityType", string(authority.Type))))
				}
				WriteTooManyRequests(w, r, int(decision.RetryAfter.Seconds())+1)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
