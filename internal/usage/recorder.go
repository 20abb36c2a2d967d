package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alecgard/tally/internal/retry"
)

// Observer receives recorder telemetry. *metrics.Metrics implements it.
type Observer interface {
	SetRecorderBuffer(n int)
	ObserveRecorderFlush(status string, d time.Duration, events int)
	IncAuditWriteFailure(events int)
}

type nopObserver struct{}

func (nopObserver) SetRecorderBuffer(int)                           {}
func (nopObserver) ObserveRecorderFlush(string, time.Duration, int) {}
func (nopObserver) IncAuditWriteFailure(int)                        {}

// RecorderConfig tunes batching and retry behaviour.
type RecorderConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	// MaxPending caps how many unwritten events are kept after failed
	// flushes; the oldest are dropped beyond it.
	MaxPending int
	Retry      retry.Policy
}

// Recorder buffers usage events in memory and flushes them to the store in
// batches from a background goroutine. Append never blocks on the store.
type Recorder struct {
	store   Store
	cfg     RecorderConfig
	obs     Observer
	buffer  []Event
	mu      sync.Mutex
	flushMu sync.Mutex
	kick    chan struct{}
	done    chan struct{}
	stop    sync.Once
	now     func() time.Time
}

// NewRecorder creates a Recorder that flushes to store when the buffer reaches
// BatchSize or every FlushInterval, whichever comes first. obs may be nil.
func NewRecorder(store Store, cfg RecorderConfig, obs Observer) *Recorder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 100 * cfg.BatchSize
	}
	if obs == nil {
		obs = nopObserver{}
	}
	return &Recorder{
		store:  store,
		cfg:    cfg,
		obs:    obs,
		buffer: make([]Event, 0, cfg.BatchSize),
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start runs the flush loop. It blocks until Stop is called or ctx is
// cancelled, and flushes whatever is buffered before returning.
func (r *Recorder) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Flush()
		case <-r.kick:
			r.Flush()
		case <-ctx.Done():
			r.Flush()
			return
		case <-r.done:
			r.Flush()
			return
		}
	}
}

// Append adds an event to the buffer, assigning an id and timestamp when
// missing. A full batch wakes the flush loop.
func (r *Recorder) Append(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now()
	}

	r.mu.Lock()
	r.buffer = append(r.buffer, ev)
	n := len(r.buffer)
	r.mu.Unlock()
	r.obs.SetRecorderBuffer(n)

	if n >= r.cfg.BatchSize {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of buffered events.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffer)
}

// Flush drains the buffer and writes it to the store, retrying with backoff.
// After the retry budget is spent the batch goes back to the front of the
// buffer and the failure is reported; errors never reach the appender.
func (r *Recorder) Flush() {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r.flushLocked(ctx)
}

// flushFor flushes on behalf of a reader, bounded by the reader's ctx. A
// flush already in progress is not waited for.
func (r *Recorder) flushFor(ctx context.Context) {
	if !r.flushMu.TryLock() {
		return
	}
	defer r.flushMu.Unlock()
	r.flushLocked(ctx)
}

// flushLocked must be called with r.flushMu held.
func (r *Recorder) flushLocked(ctx context.Context) {
	r.mu.Lock()
	if len(r.buffer) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.buffer
	r.buffer = make([]Event, 0, r.cfg.BatchSize)
	r.mu.Unlock()

	start := time.Now()
	err := retry.Do(ctx, r.cfg.Retry, "flushing usage events",
		func(error) bool { return true },
		func() error { return r.store.BatchInsert(ctx, batch) },
	)
	if err == nil {
		r.obs.ObserveRecorderFlush("success", time.Since(start), len(batch))
		r.obs.SetRecorderBuffer(r.Pending())
		return
	}

	r.obs.ObserveRecorderFlush("error", time.Since(start), len(batch))
	r.obs.IncAuditWriteFailure(len(batch))
	slog.Error("failed to flush usage events", "count", len(batch), "error", err)

	r.mu.Lock()
	r.buffer = append(batch, r.buffer...)
	if over := len(r.buffer) - r.cfg.MaxPending; over > 0 {
		slog.Error("dropping unwritten usage events", "count", over)
		r.buffer = r.buffer[over:]
	}
	n := len(r.buffer)
	r.mu.Unlock()
	r.obs.SetRecorderBuffer(n)
}

// Stop signals the flush loop to exit after a final flush. Repeated calls
// are no-ops.
func (r *Recorder) Stop() {
	r.stop.Do(func() { close(r.done) })
}

// Breakdown aggregates the tenant's billable usage over the last days UTC
// days, today included. Buffered events are flushed first within ctx; a
// flush that is already running is not waited for.
func (r *Recorder) Breakdown(ctx context.Context, tenantID string, days int) ([]Bucket, error) {
	if days <= 0 {
		days = 30
	}
	if days > 366 {
		days = 366
	}
	r.flushFor(ctx)

	now := r.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	since := today.AddDate(0, 0, -(days - 1))
	return r.store.Breakdown(ctx, tenantID, since)
}

// Events lists stored events matching q.
func (r *Recorder) Events(ctx context.Context, q Query) ([]*Event, string, error) {
	return r.store.List(ctx, q)
}
