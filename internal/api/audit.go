package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/alecgard/tally/internal/policy"
)

// auditPolicy logs an admin change to a policy version next to the durable
// audit_log row governance writes.
func auditPolicy(r *http.Request, action string, v *policy.Version, userID string, detail ...any) {
	attrs := []any{
		"action", action,
		"scope", v.Scope,
		"scope_id", v.ScopeID,
		"version_id", v.ID,
		"version", v.Version,
		"user_id", userID,
		"ip", clientIP(r),
		"request_id", RequestIDFromContext(r.Context()),
	}
	slog.Info("audit", append(attrs, detail...)...)
}

// clientIP prefers the first X-Forwarded-For hop.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	return r.RemoteAddr
}
