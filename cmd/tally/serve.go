package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alecgard/tally/internal/api"
	"github.com/alecgard/tally/internal/config"
	"github.com/alecgard/tally/internal/metrics"
	"github.com/alecgard/tally/internal/ratelimit"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Tally server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	a, err := buildApp(ctx, cfg, m)
	if err != nil {
		return err
	}
	defer a.Close()

	go a.recorder.Start(ctx)
	go a.sweeper.Start(ctx)

	keys := callerKeysFrom(cfg)
	if keys.Len() == 0 {
		slog.Warn("no caller keys configured; /meter will reject every request")
	}
	if cfg.Auth.AdminKeyHash == "" {
		slog.Warn("no admin key hash configured; /policy will reject every request")
	}

	limiter := ratelimit.New(cfg.RateLimit.Default, cfg.RateLimit.Window)
	go pruneLimiter(ctx, limiter, 10*cfg.RateLimit.Window)

	deps := api.RouterDeps{
		Meter:          a.meter,
		Governance:     a.gov,
		Resolver:       a.resolver,
		CallerKeys:     keys,
		Limiter:        limiter,
		AdminKeyHash:   cfg.Auth.AdminKeyHash,
		Metrics:        m,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	}
	if a.pool != nil {
		deps.DB = a.pool
	}
	router := api.NewRouter(deps)

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting",
			"addr", cfg.Addr(),
			"store", cfg.Store.Driver,
			"quota_backend", cfg.Store.QuotaBackend,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	err = srv.Shutdown(shutdownCtx)

	// Stop intake first, then drain buffered usage events.
	a.sweeper.Stop()
	a.recorder.Stop()
	a.recorder.Flush()
	if n := a.recorder.Pending(); n > 0 {
		slog.Error("usage events left unwritten at shutdown", "count", n)
	}
	return err
}

// pruneLimiter drops idle caller buckets until ctx is done.
func pruneLimiter(ctx context.Context, l *ratelimit.Limiter, idle time.Duration) {
	ticker := time.NewTicker(idle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Prune(idle); n > 0 {
				slog.Debug("pruned idle rate limit buckets", "count", n)
			}
		}
	}
}
