package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey int

const callerContextKey contextKey = iota

// Observer counts authentication outcomes. *metrics.Metrics implements it.
type Observer interface {
	IncAuthSuccess(authType string)
	IncAuthFailure(authType string)
}

type nopObserver struct{}

func (nopObserver) IncAuthSuccess(string) {}
func (nopObserver) IncAuthFailure(string) {}

func observer(obs Observer) Observer {
	if obs == nil {
		return nopObserver{}
	}
	return obs
}

// ContextWithCaller returns a new context carrying the given caller.
func ContextWithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerContextKey, c)
}

// CallerFromContext extracts the caller from the context, or nil if not present.
func CallerFromContext(ctx context.Context) *Caller {
	c, _ := ctx.Value(callerContextKey).(*Caller)
	return c
}

// CallerAuthMiddleware returns middleware that authenticates requests using an
// API key in the Authorization header. The key is hashed and looked up via
// keys. On success the caller is injected into the request context.
func CallerAuthMiddleware(keys CallerLookup, obs Observer) func(http.Handler) http.Handler {
	obs = observer(obs)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				obs.IncAuthFailure("caller")
				writeUnauthorized(w, "missing or malformed authorization header")
				return
			}

			caller, err := keys.GetByKeyHash(r.Context(), HashKey(token))
			if err != nil || caller == nil {
				obs.IncAuthFailure("caller")
				writeUnauthorized(w, "invalid api key")
				return
			}

			obs.IncAuthSuccess("caller")
			next.ServeHTTP(w, r.WithContext(ContextWithCaller(r.Context(), caller)))
		})
	}
}

// AdminAuthMiddleware returns middleware that requires the bearer token to
// match the bcrypt-hashed admin key.
func AdminAuthMiddleware(adminKeyHash string, obs Observer) func(http.Handler) http.Handler {
	obs = observer(obs)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				obs.IncAuthFailure("admin")
				writeUnauthorized(w, "missing or malformed authorization header")
				return
			}
			if !VerifyAdminKey(adminKeyHash, token) {
				obs.IncAuthFailure("admin")
				writeUnauthorized(w, "invalid admin key")
				return
			}
			obs.IncAuthSuccess("admin")
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error: errorBody{
			Code:    "unauthorized",
			Message: message,
		},
	})
}
