package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alecgard/tally/internal/quota"
)

// SweeperConfig tunes reservation reclamation.
type SweeperConfig struct {
	Interval  time.Duration
	Retention time.Duration
	BatchSize int
}

// Sweeper periodically reclaims reservations that outlived their TTL and
// purges resolved reservations and applied request ids older than the
// retention window.
type Sweeper struct {
	ledger   *Ledger
	cfg      SweeperConfig
	done     chan struct{}
	stopOnce sync.Once
}

// NewSweeper creates a Sweeper for l. Zero config values select defaults:
// every minute, 24h retention, 500 reservations per pass.
func NewSweeper(l *Ledger, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Sweeper{ledger: l, cfg: cfg, done: make(chan struct{})}
}

// Start runs the sweep loop until Stop is called or ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			expired, purged, err := s.Sweep(ctx)
			if err != nil {
				slog.Error("reservation sweep failed", "error", err)
			}
			if expired > 0 || purged > 0 {
				slog.Info("reservation sweep", "expired", expired, "purged", purged)
			}
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

// Stop signals the sweep loop to exit. It is safe to call more than once.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// Sweep runs one pass and reports how many reservations were expired and
// how many tombstones were purged.
func (s *Sweeper) Sweep(ctx context.Context) (int, int64, error) {
	now := s.ledger.now()

	var expired int
	for {
		batch, err := s.ledger.store.ListExpired(ctx, now, s.cfg.BatchSize)
		if err != nil {
			return expired, 0, fmt.Errorf("listing expired reservations: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		progressed := false
		for _, r := range batch {
			err := s.ledger.expire(ctx, r.ID)
			switch {
			case err == nil:
				expired++
				progressed = true
			case errors.Is(err, quota.ErrReservationAlreadyConsumed):
				// Resolved by a caller between listing and expiring.
				progressed = true
			default:
				slog.Error("failed to expire reservation", "reservation_id", r.ID, "error", err)
			}
		}
		if !progressed || len(batch) < s.cfg.BatchSize {
			break
		}
	}

	cutoff := now.Add(-s.cfg.Retention)
	purged, err := s.ledger.store.PurgeResolved(ctx, cutoff)
	if err != nil {
		return expired, 0, fmt.Errorf("purging resolved reservations: %w", err)
	}
	forgotten, err := s.ledger.store.PurgeRequests(ctx, cutoff)
	if err != nil {
		return expired, purged, fmt.Errorf("purging applied requests: %w", err)
	}
	if forgotten > 0 {
		slog.Debug("purged applied request ids", "count", forgotten)
	}
	return expired, purged, nil
}
