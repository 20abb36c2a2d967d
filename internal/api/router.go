package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/alecgard/tally/internal/auth"
	"github.com/alecgard/tally/internal/metrics"
	"github.com/alecgard/tally/internal/policy"
	"github.com/alecgard/tally/internal/ratelimit"
)

// Pinger reports backing store health. *pgxpool.Pool implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Meter          Meter
	Governance     *policy.Governance
	Resolver       *policy.Resolver
	CallerKeys     auth.CallerLookup
	Limiter        *ratelimit.Limiter
	AdminKeyHash   string
	Metrics        *metrics.Metrics
	DB             Pinger
	AllowedOrigins []string
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.AllowedOrigins))
	r.Use(slogRequestLogger)

	var authObs auth.Observer
	var policyObs PolicyObserver
	if deps.Metrics != nil {
		authObs = deps.Metrics
		policyObs = deps.Metrics
	}
	instrument := func(kind string) func(http.Handler) http.Handler {
		if deps.Metrics == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return deps.Metrics.Middleware(kind)
	}

	r.Get("/health", healthHandler(deps.DB))
	r.Get("/.well-known/tally.json", WellKnownHandler)

	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Exposition())
		r.Get("/metrics/live", deps.Metrics.Handler())
	}

	if deps.Meter != nil {
		meter := newMeterHandler(deps.Meter)
		r.Route("/meter", func(mr chi.Router) {
			mr.Use(instrument("metering"))
			mr.Use(auth.CallerAuthMiddleware(deps.CallerKeys, authObs))
			if deps.Limiter != nil {
				var onReject func(string)
				if deps.Metrics != nil {
					onReject = deps.Metrics.IncRateLimited
				}
				mr.Use(ratelimit.Middleware(deps.Limiter, onReject))
			}

			mr.Post("/", meter.Meter)
			mr.Get("/", meter.Summary)
			mr.Get("/breakdown", meter.Breakdown)
			mr.Get("/events", meter.Events)
		})
	}

	if deps.Governance != nil && deps.Resolver != nil {
		pol := newPolicyHandler(deps.Governance, deps.Resolver, policyObs)
		r.Route("/policy/{scope}/{scopeId}", func(pr chi.Router) {
			pr.Use(instrument("policy"))
			pr.Use(auth.AdminAuthMiddleware(deps.AdminKeyHash, authObs))

			pr.Get("/", pol.GetEffective)
			pr.Get("/draft", pol.GetDraft)
			pr.Post("/draft", pol.SaveDraft)
			pr.Post("/apply", pol.Apply)
			pr.Post("/rollback", pol.Rollback)
			pr.Get("/history", pol.History)
			pr.Get("/audit", pol.Audit)
		})
	}

	return r
}

// healthHandler reports "ok", plus the database state when one is configured.
func healthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			slog.Warn("health check: database ping failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":   "degraded",
				"database": "unreachable",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":   "ok",
			"database": "connected",
		})
	}
}

// slogRequestLogger is a simple structured logging middleware using slog.
func slogRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"bytes", ww.BytesWritten(),
			"request_id", RequestIDFromContext(r.Context()),
		)
	})
}
