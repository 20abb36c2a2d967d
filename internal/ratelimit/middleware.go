package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/alecgard/tally/internal/auth"
)

// Middleware throttles authenticated callers (see auth.CallerAuthMiddleware),
// keyed by caller id with the caller's own RateLimit as override. Requests
// without a caller pass through. onReject runs for every refused request.
//
// Headers set on limited responses:
//
//	X-RateLimit-Limit     maximum requests per window
//	X-RateLimit-Remaining tokens left
//	X-RateLimit-Reset     Unix time the bucket is full again
func Middleware(limiter *Limiter, onReject func(callerID string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := auth.CallerFromContext(r.Context())
			if caller == nil {
				next.ServeHTTP(w, r)
				return
			}

			res := limiter.Take(caller.ID, caller.RateLimit)
			if res.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
			}

			if !res.Allowed {
				if onReject != nil {
					onReject(caller.ID)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]interface{}{
					"error": map[string]string{
						"code":    "rate_limited",
						"message": "Rate limit exceeded. Try again later.",
					},
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
