// Package ledger is the single authority for quota arithmetic and the
// two-phase reservation protocol.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alecgard/tally/internal/keylock"
	"github.com/alecgard/tally/internal/policy"
	"github.com/alecgard/tally/internal/quota"
	"github.com/alecgard/tally/internal/retry"
	"github.com/alecgard/tally/internal/usage"
)

// DefaultReservationTTL applies when neither policy nor options set one.
const DefaultReservationTTL = 15 * time.Minute

// Store is the persistence the ledger needs.
type Store interface {
	quota.Store
	quota.ReservationStore
}

// PolicySource resolves the thresholds in force for a tenant.
// *policy.Resolver implements it.
type PolicySource interface {
	Thresholds(ctx context.Context, tenantID string) (policy.Thresholds, error)
}

// EventSink receives usage events. *usage.Recorder implements it.
type EventSink interface {
	Append(ev usage.Event)
}

// Observer receives ledger telemetry. *metrics.Metrics implements it.
type Observer interface {
	ObserveDecision(op string, allowed bool, reason string)
	ObserveReservation(state string)
}

type nopObserver struct{}

func (nopObserver) ObserveDecision(string, bool, string) {}
func (nopObserver) ObserveReservation(string)            {}

type nopSink struct{}

func (nopSink) Append(usage.Event) {}

// Options configures a Ledger. Zero values select defaults.
type Options struct {
	ReservationTTL time.Duration
	Retry          retry.Policy
	Events         EventSink
	Observer       Observer
}

// Ledger applies debits, credits and reservations against quota stores.
// Mutations on one (tenant, service) pair are serialized in process; the
// store provides atomicity across processes.
type Ledger struct {
	store    Store
	policies PolicySource
	events   EventSink
	obs      Observer
	locks    *keylock.Table
	retry    retry.Policy
	ttl      time.Duration
	now      func() time.Time
}

// New creates a Ledger. policies may be nil, in which case the platform
// defaults apply to every tenant.
func New(store Store, policies PolicySource, opts Options) *Ledger {
	l := &Ledger{
		store:    store,
		policies: policies,
		events:   opts.Events,
		obs:      opts.Observer,
		locks:    keylock.New(),
		retry:    opts.Retry,
		ttl:      opts.ReservationTTL,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if l.events == nil {
		l.events = nopSink{}
	}
	if l.obs == nil {
		l.obs = nopObserver{}
	}
	if l.ttl <= 0 {
		l.ttl = DefaultReservationTTL
	}
	return l
}

func lockKey(tenantID, serviceKey string) string {
	return tenantID + "\x00" + serviceKey
}

func unavailable(err error) bool {
	return errors.Is(err, quota.ErrStoreUnavailable)
}

func (l *Ledger) emit(ev usage.Event) {
	ev.Timestamp = l.now()
	l.events.Append(ev)
}

func (l *Ledger) do(ctx context.Context, op string, fn func() error) error {
	return retry.Do(ctx, l.retry, op, unavailable, fn)
}

// Thresholds returns the policy thresholds in force for tenantID.
func (l *Ledger) Thresholds(ctx context.Context, tenantID string) (policy.Thresholds, error) {
	if l.policies == nil {
		return policy.ThresholdsFrom(policy.Defaults())
	}
	th, err := l.policies.Thresholds(ctx, tenantID)
	if err != nil {
		return policy.Thresholds{}, fmt.Errorf("resolving policy for %s: %w", tenantID, err)
	}
	return th, nil
}

func (l *Ledger) reservationTTL(th policy.Thresholds) time.Duration {
	if th.ReservationTTL > 0 {
		return th.ReservationTTL
	}
	return l.ttl
}

// decide evaluates whether amount more units fit on q.
func decide(acct *quota.Account, q *quota.Quota, amount int64, th policy.Thresholds) Decision {
	d := Decision{CurrentUsed: q.Used, Limit: q.Limit, Requested: amount}

	switch {
	case !acct.Live():
		d.Reason = ReasonAccountInactive
		return d
	case !th.AllowsService(q.ServiceKey):
		d.Reason = ReasonServiceNotAllowed
		return d
	case th.MaxUnitsPerRequest > 0 && amount > th.MaxUnitsPerRequest:
		d.Reason = ReasonMaxUnitsExceeded
		return d
	}

	if q.Unlimited() {
		d.Allowed = true
		return d
	}

	op := acct.OveragePolicy
	if p := quota.OveragePolicy(th.OveragePolicy); p.Valid() {
		op = p
	}
	wouldUse := q.Used + amount

	var buffer float64
	switch op {
	case quota.OverageAllow:
		d.Allowed = true
		d.OverageAllowed = wouldUse > q.Limit
		return d
	case quota.OverageBlock:
		buffer = 0
	default:
		buffer = th.OverageBuffer
	}

	if float64(wouldUse) <= q.Ceiling(buffer) {
		d.Allowed = true
		d.OverageAllowed = wouldUse > q.Limit
		return d
	}
	d.Reason = ReasonQuotaExceeded
	return d
}

func cost(q *quota.Quota, units int64) decimal.Decimal {
	return decimal.NewFromFloat(q.UnitCost).Mul(decimal.NewFromInt(units))
}

// Caller identifies who asked for a mutation; it is copied onto the usage
// event. A non-empty RequestID makes Debit, Credit and Preauthorize
// idempotent: a repeat returns the first outcome with Replayed set.
type Caller struct {
	UserID    string
	RequestID string
	Metadata  map[string]string
}

func (c Caller) event(kind usage.EventType, tenantID, serviceKey string, units int64) usage.Event {
	return usage.Event{
		TenantID:   tenantID,
		UserID:     c.UserID,
		ServiceKey: serviceKey,
		Units:      units,
		EventType:  kind,
		RequestID:  c.RequestID,
		Metadata:   c.Metadata,
	}
}

// mutation addresses tenantID/serviceKey for one call. Without a caller
// request id a fresh one is minted, so a retry after an ambiguous store
// failure cannot apply twice. A replay seen on a later attempt of the same
// call means an earlier attempt landed and is treated as this call's write.
func (c Caller) mutation(kind usage.EventType, tenantID, serviceKey string, at time.Time) quota.Mutation {
	id := c.RequestID
	if id == "" {
		id = uuid.New().String()
	}
	return quota.Mutation{
		TenantID:   tenantID,
		ServiceKey: serviceKey,
		At:         at,
		Kind:       string(kind),
		RequestID:  id,
	}
}

// CanExecute reports whether amount more units would be accepted. It has no
// side effects; mutations re-check under the key lock.
func (l *Ledger) CanExecute(ctx context.Context, tenantID, serviceKey string, amount int64) (Decision, error) {
	if amount < 0 {
		return Decision{}, ErrInvalidAmount
	}
	th, err := l.Thresholds(ctx, tenantID)
	if err != nil {
		return Decision{}, err
	}

	var acct *quota.Account
	err = l.do(ctx, "loading account", func() error {
		var err error
		acct, err = l.store.CurrentAccount(ctx, tenantID, l.now())
		return err
	})
	if err != nil {
		return Decision{}, fmt.Errorf("loading account for %s: %w", tenantID, err)
	}
	q, ok := acct.Quotas[serviceKey]
	if !ok {
		return Decision{}, quota.ErrQuotaNotFound
	}

	d := decide(acct, q, amount, th)
	l.obs.ObserveDecision("check", d.Allowed, d.Reason)
	return d, nil
}

// Debit consumes amount units, re-checking the quota under the key lock.
// A refused debit returns a *DeclineError.
func (l *Ledger) Debit(ctx context.Context, tenantID, serviceKey string, amount int64, by Caller) (DebitResult, error) {
	if amount <= 0 {
		return DebitResult{}, ErrInvalidAmount
	}
	th, err := l.Thresholds(ctx, tenantID)
	if err != nil {
		return DebitResult{}, err
	}

	unlock := l.locks.Lock(lockKey(tenantID, serviceKey))
	defer unlock()

	m := by.mutation(usage.EventRecord, tenantID, serviceKey, l.now())
	var decision Decision
	var q *quota.Quota
	attempts := 0
	err = l.do(ctx, "debiting quota", func() error {
		attempts++
		var err error
		q, err = l.store.UpdateQuota(ctx, m, func(acct *quota.Account, q *quota.Quota) error {
			decision = decide(acct, q, amount, th)
			if !decision.Allowed {
				return &DeclineError{Decision: decision}
			}
			q.Used += amount
			return nil
		})
		return err
	})
	var replay *quota.ReplayError
	if errors.As(err, &replay) && attempts > 1 {
		q, err = replay.Quota, nil
	} else if replay != nil {
		q = replay.Quota
		return DebitResult{
			Success:        true,
			QuotaRemaining: q.Remaining(),
			Overage:        q.Overage,
			Warning:        warning(q.Used, q.Limit, th),
			Replayed:       true,
		}, nil
	}
	l.obs.ObserveDecision("debit", decision.Allowed, decision.Reason)
	if err != nil {
		var de *DeclineError
		if errors.As(err, &de) {
			return DebitResult{}, err
		}
		return DebitResult{}, fmt.Errorf("debiting %s/%s: %w", tenantID, serviceKey, err)
	}

	ev := by.event(usage.EventRecord, tenantID, serviceKey, amount)
	ev.Cost = cost(q, amount)
	l.emit(ev)

	return DebitResult{
		Success:        true,
		QuotaRemaining: q.Remaining(),
		Overage:        q.Overage,
		Warning:        warning(q.Used, q.Limit, th),
	}, nil
}

// Credit returns amount units to the quota, flooring used at zero.
func (l *Ledger) Credit(ctx context.Context, tenantID, serviceKey string, amount int64, by Caller) (CreditResult, error) {
	if amount <= 0 {
		return CreditResult{}, ErrInvalidAmount
	}

	unlock := l.locks.Lock(lockKey(tenantID, serviceKey))
	defer unlock()

	m := by.mutation(usage.EventCredit, tenantID, serviceKey, l.now())
	var credited int64
	var q *quota.Quota
	attempts := 0
	err := l.do(ctx, "crediting quota", func() error {
		attempts++
		var err error
		q, err = l.store.UpdateQuota(ctx, m, func(_ *quota.Account, q *quota.Quota) error {
			credited = min(amount, q.Used)
			q.Used -= credited
			return nil
		})
		return err
	})
	var replay *quota.ReplayError
	if errors.As(err, &replay) && attempts > 1 {
		q, err = replay.Quota, nil
	} else if replay != nil {
		return CreditResult{Success: true, QuotaRemaining: replay.Quota.Remaining(), Replayed: true}, nil
	}
	if err != nil {
		return CreditResult{}, fmt.Errorf("crediting %s/%s: %w", tenantID, serviceKey, err)
	}

	ev := by.event(usage.EventCredit, tenantID, serviceKey, credited)
	ev.Cost = cost(q, credited)
	l.emit(ev)

	return CreditResult{Success: true, QuotaRemaining: q.Remaining()}, nil
}

// Preauthorize reserves amount units. The reservation counts against used
// immediately so concurrent reservations see reduced headroom.
func (l *Ledger) Preauthorize(ctx context.Context, tenantID, serviceKey string, amount int64, by Caller) (Authorization, error) {
	if amount <= 0 {
		return Authorization{}, ErrInvalidAmount
	}
	th, err := l.Thresholds(ctx, tenantID)
	if err != nil {
		return Authorization{}, err
	}

	unlock := l.locks.Lock(lockKey(tenantID, serviceKey))
	defer unlock()

	now := l.now()
	r := &quota.Reservation{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		ServiceKey: serviceKey,
		Amount:     amount,
		State:      quota.StateOpen,
		CreatedAt:  now,
		ExpiresAt:  now.Add(l.reservationTTL(th)),
	}
	m := by.mutation(usage.EventReserve, tenantID, serviceKey, now)
	m.Ref = r.ID

	var decision Decision
	attempts := 0
	err = l.do(ctx, "reserving quota", func() error {
		attempts++
		_, err := l.store.Reserve(ctx, m, r, func(acct *quota.Account, q *quota.Quota) error {
			decision = decide(acct, q, amount, th)
			if !decision.Allowed {
				return &DeclineError{Decision: decision}
			}
			q.Used += amount
			q.Reserved += amount
			return nil
		})
		return err
	})
	var replay *quota.ReplayError
	if errors.As(err, &replay) && attempts > 1 {
		err = nil
	} else if replay != nil {
		return l.replayAuthorization(ctx, replay.Ref)
	}
	l.obs.ObserveDecision("preauthorize", decision.Allowed, decision.Reason)
	if err != nil {
		var de *DeclineError
		if errors.As(err, &de) {
			return Authorization{}, err
		}
		return Authorization{}, fmt.Errorf("reserving %s/%s: %w", tenantID, serviceKey, err)
	}

	ev := by.event(usage.EventReserve, tenantID, serviceKey, amount)
	ev.ReservationID = r.ID
	l.emit(ev)
	l.obs.ObserveReservation(string(quota.StateOpen))

	return Authorization{Authorized: true, ReservationID: r.ID, ExpiresAt: r.ExpiresAt}, nil
}

// replayAuthorization answers a repeated Preauthorize with the reservation
// the first call created.
func (l *Ledger) replayAuthorization(ctx context.Context, reservationID string) (Authorization, error) {
	auth := Authorization{Authorized: true, ReservationID: reservationID, Replayed: true}
	err := l.do(ctx, "loading reservation", func() error {
		r, err := l.store.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		auth.ExpiresAt = r.ExpiresAt
		return nil
	})
	if errors.Is(err, quota.ErrReservationNotFound) {
		// Purged after resolution; the id is all that is left.
		return auth, nil
	}
	if err != nil {
		return Authorization{}, fmt.Errorf("loading reservation %s: %w", reservationID, err)
	}
	return auth, nil
}

// resolve transitions an open reservation and releases its hold on the
// quota in one store operation, so a failure leaves both untouched and a
// later commit, cancel or sweep can finish the job.
func (l *Ledger) resolve(ctx context.Context, id string, to quota.ReservationState, actual int64) (*quota.Reservation, *quota.Quota, error) {
	var r *quota.Reservation
	err := l.do(ctx, "loading reservation", func() error {
		var err error
		r, err = l.store.GetReservation(ctx, id)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	unlock := l.locks.Lock(lockKey(r.TenantID, r.ServiceKey))
	defer unlock()

	var q *quota.Quota
	err = l.do(ctx, "settling reservation", func() error {
		var err error
		r, q, err = l.store.SettleReservation(ctx, id, to, actual, l.now())
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	if q == nil {
		// The period rolled over; the archived account keeps its counters.
		slog.Warn("reservation resolved after account was archived",
			"reservation_id", r.ID, "tenant_id", r.TenantID, "state", to)
	}

	l.obs.ObserveReservation(string(to))
	return r, q, nil
}

// Commit settles a reservation at actual units, refunding any slack. Usage
// beyond the reserved amount is not debited; callers issue a Debit for it.
func (l *Ledger) Commit(ctx context.Context, reservationID string, actual int64, by Caller) (CommitResult, error) {
	if actual < 0 {
		return CommitResult{}, ErrInvalidAmount
	}
	r, q, err := l.resolve(ctx, reservationID, quota.StateCommitted, actual)
	if err != nil {
		return CommitResult{}, err
	}

	units := min(actual, r.Amount)
	ev := by.event(usage.EventCommit, r.TenantID, r.ServiceKey, units)
	ev.ReservationID = r.ID

	res := CommitResult{Success: true}
	if q != nil {
		ev.Cost = cost(q, units)
		res.QuotaRemaining = q.Remaining()
	}
	l.emit(ev)
	return res, nil
}

// Cancel releases a reservation in full.
func (l *Ledger) Cancel(ctx context.Context, reservationID string, by Caller) error {
	r, _, err := l.resolve(ctx, reservationID, quota.StateCancelled, 0)
	if err != nil {
		return err
	}
	ev := by.event(usage.EventCancel, r.TenantID, r.ServiceKey, r.Amount)
	ev.ReservationID = r.ID
	l.emit(ev)
	return nil
}

// expire reclaims an abandoned reservation exactly like Cancel.
func (l *Ledger) expire(ctx context.Context, reservationID string) error {
	r, _, err := l.resolve(ctx, reservationID, quota.StateExpired, 0)
	if err != nil {
		return err
	}
	ev := Caller{}.event(usage.EventExpire, r.TenantID, r.ServiceKey, r.Amount)
	ev.ReservationID = r.ID
	l.emit(ev)
	return nil
}
