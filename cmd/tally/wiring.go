package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/alecgard/tally/internal/auth"
	"github.com/alecgard/tally/internal/config"
	"github.com/alecgard/tally/internal/ledger"
	"github.com/alecgard/tally/internal/metering"
	"github.com/alecgard/tally/internal/metrics"
	"github.com/alecgard/tally/internal/policy"
	"github.com/alecgard/tally/internal/quota"
	"github.com/alecgard/tally/internal/usage"
)

func setupLogging(cfg *config.Config) {
	level, _ := cfg.LogLevel()
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.Log.Format == "text" {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h))
}

// backends holds the stores selected by config and the connections behind them.
type backends struct {
	quotas   ledger.Store
	policies policy.Store
	events   usage.Store
	pool     *pgxpool.Pool
	redis    *goredis.Client
}

func (b *backends) Close() {
	if b.redis != nil {
		_ = b.redis.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
}

func openBackends(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*backends, error) {
	b := &backends{}

	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("creating database pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		slog.Info("connected to database")

		b.pool = pool
		b.quotas = quota.NewPostgresStore(pool)
		b.policies = policy.NewPostgresStore(pool)
		b.events = usage.NewPostgresStore(pool)
		if m != nil {
			m.RegisterDBPoolCollector(func() metrics.PoolStats {
				s := pool.Stat()
				return metrics.PoolStats{
					Total:        s.TotalConns(),
					Idle:         s.IdleConns(),
					Acquired:     s.AcquiredConns(),
					Max:          s.MaxConns(),
					EmptyAcquire: s.EmptyAcquireCount(),
					AcquireWait:  s.AcquireDuration(),
				}
			})
		}
	default:
		slog.Warn("using in-memory stores; all state is lost on restart")
		b.quotas = quota.NewMemoryStore()
		b.policies = policy.NewMemoryStore()
		b.events = usage.NewMemoryStore()
	}

	if cfg.Store.QuotaBackend == config.BackendRedis {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			b.Close()
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		slog.Info("connected to redis", "addr", cfg.Redis.Addr)

		b.redis = client
		b.quotas = quota.NewRedisStore(client, quota.WithKeyPrefix(cfg.Redis.KeyPrefix))
	}
	return b, nil
}

func plansFrom(cfg *config.Config) map[string]metering.Plan {
	plans := make(map[string]metering.Plan, len(cfg.Billing.Plans))
	for id, p := range cfg.Billing.Plans {
		plan := metering.Plan{
			ID:            id,
			OveragePolicy: quota.OveragePolicy(p.OveragePolicy),
			Quotas:        make(map[string]metering.PlanQuota, len(p.Quotas)),
		}
		for svc, q := range p.Quotas {
			plan.Quotas[svc] = metering.PlanQuota{Limit: q.Limit, UnitCost: q.UnitCost}
		}
		plans[id] = plan
	}
	return plans
}

func cycleFrom(cfg *config.Config) quota.Cycle {
	anchor, _ := cfg.BillingAnchor()
	c := quota.Cycle{Anchor: anchor}
	if cfg.Billing.Period == config.PeriodDays {
		c.Days = cfg.Billing.CycleDays
	}
	return c
}

func callerKeysFrom(cfg *config.Config) *auth.StaticKeys {
	keys := auth.NewStaticKeys()
	for _, k := range cfg.Auth.CallerKeys {
		name := k.Name
		if name == "" {
			name = k.ID
		}
		keys.Add(k.KeyHash, &auth.Caller{ID: k.ID, Name: name, RateLimit: k.RateLimit})
	}
	return keys
}

// app is the assembled engine: stores, ledger, recorder, governance and the
// metering service over them.
type app struct {
	*backends
	metrics  *metrics.Metrics
	resolver *policy.Resolver
	gov      *policy.Governance
	recorder *usage.Recorder
	ledger   *ledger.Ledger
	sweeper  *ledger.Sweeper
	meter    *metering.Service
}

func buildApp(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*app, error) {
	b, err := openBackends(ctx, cfg, m)
	if err != nil {
		return nil, err
	}

	a := &app{backends: b, metrics: m}
	a.resolver = policy.NewResolver(b.policies, nil)
	a.gov = policy.NewGovernance(b.policies)

	var recObs usage.Observer
	var ledgerObs ledger.Observer
	if m != nil {
		recObs, ledgerObs = m, m
	}
	a.recorder = usage.NewRecorder(b.events, usage.RecorderConfig{
		BatchSize:     cfg.Recorder.BatchSize,
		FlushInterval: cfg.Recorder.FlushInterval,
		MaxPending:    cfg.Recorder.MaxPending,
		Retry:         cfg.Retry,
	}, recObs)

	a.ledger = ledger.New(b.quotas, a.resolver, ledger.Options{
		ReservationTTL: cfg.Reservations.TTL,
		Retry:          cfg.Retry,
		Events:         a.recorder,
		Observer:       ledgerObs,
	})
	a.sweeper = ledger.NewSweeper(a.ledger, ledger.SweeperConfig{
		Interval:  cfg.Reservations.SweepInterval,
		Retention: cfg.Reservations.Retention,
		BatchSize: cfg.Reservations.SweepBatch,
	})

	a.meter = metering.NewService(a.ledger, b.quotas, a.recorder, metering.Options{
		Plans:           plansFrom(cfg),
		DefaultPlan:     cfg.Billing.DefaultPlan,
		Cycle:           cycleFrom(cfg),
		CycleFromPolicy: cfg.Billing.CycleFromPolicy,
		AutoProvision:   cfg.Billing.AutoProvision,
	})
	return a, nil
}
