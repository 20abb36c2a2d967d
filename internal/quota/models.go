package quota

import (
	"time"
)

// Unlimited is the sentinel limit for quotas without a ceiling.
const Unlimited int64 = -1

// AccountStatus is the lifecycle state of an Account.
type AccountStatus string

const (
	StatusActive    AccountStatus = "active"
	StatusSuspended AccountStatus = "suspended"
	StatusCancelled AccountStatus = "cancelled"
	StatusArchived  AccountStatus = "archived"
)

// OveragePolicy controls what happens when usage passes the nominal limit.
type OveragePolicy string

const (
	OverageBlock     OveragePolicy = "block"
	OverageAllow     OveragePolicy = "allow-overage"
	OverageSoftLimit OveragePolicy = "soft-limit"
)

// Valid reports whether p is a known overage policy.
func (p OveragePolicy) Valid() bool {
	switch p {
	case OverageBlock, OverageAllow, OverageSoftLimit:
		return true
	}
	return false
}

// Account holds one tenant's quotas for one billing period.
type Account struct {
	ID            string            `json:"id"`
	TenantID      string            `json:"tenant_id"`
	PlanID        string            `json:"plan_id"`
	Status        AccountStatus     `json:"status"`
	Quotas        map[string]*Quota `json:"quotas"`
	OveragePolicy OveragePolicy     `json:"overage_policy"`
	PeriodStart   time.Time         `json:"period_start"`
	PeriodEnd     time.Time         `json:"period_end"`
}

// Covers reports whether t falls inside the account's half-open period.
func (a *Account) Covers(t time.Time) bool {
	return !t.Before(a.PeriodStart) && t.Before(a.PeriodEnd)
}

// Live reports whether the account accepts new usage.
func (a *Account) Live() bool {
	return a.Status == StatusActive
}

// Clone returns a deep copy so callers never share Quota pointers with a store.
func (a *Account) Clone() *Account {
	cp := *a
	cp.Quotas = make(map[string]*Quota, len(a.Quotas))
	for k, q := range a.Quotas {
		qc := *q
		cp.Quotas[k] = &qc
	}
	return &cp
}

// Quota is the per-service counter set embedded in an Account.
type Quota struct {
	ServiceKey string  `json:"service_key"`
	Limit      int64   `json:"limit"`
	Used       int64   `json:"used"`
	Reserved   int64   `json:"reserved"`
	Overage    int64   `json:"overage"`
	UnitCost   float64 `json:"unit_cost"`
}

// Unlimited reports whether the quota has no ceiling.
func (q *Quota) Unlimited() bool {
	return q.Limit < 0
}

// PercentUsed returns used/limit, or 0 for unlimited or zero-limit quotas.
func (q *Quota) PercentUsed() float64 {
	if q.Limit <= 0 {
		return 0
	}
	return float64(q.Used) / float64(q.Limit)
}

// Remaining returns the headroom below the nominal limit, floored at 0.
// Unlimited quotas report Unlimited.
func (q *Quota) Remaining() int64 {
	if q.Unlimited() {
		return Unlimited
	}
	if r := q.Limit - q.Used; r > 0 {
		return r
	}
	return 0
}

// Ceiling returns the highest value Used may reach under the given buffer
// fraction (0.1 = 10% over the limit).
func (q *Quota) Ceiling(buffer float64) float64 {
	return float64(q.Limit) * (1 + buffer)
}

// CanExecute reports whether the current usage is within limit × (1 + buffer).
func (q *Quota) CanExecute(buffer float64) bool {
	if q.Unlimited() {
		return true
	}
	return float64(q.Used) <= q.Ceiling(buffer)
}

// Normalize clamps counters at zero and recomputes Overage.
func (q *Quota) Normalize() {
	if q.Used < 0 {
		q.Used = 0
	}
	if q.Reserved < 0 {
		q.Reserved = 0
	}
	q.Overage = 0
	if !q.Unlimited() && q.Used > q.Limit {
		q.Overage = q.Used - q.Limit
	}
}

// ReservationState is the lifecycle state of a Reservation. Only StateOpen
// may transition; every other state is terminal.
type ReservationState string

const (
	StateOpen      ReservationState = "open"
	StateCommitted ReservationState = "committed"
	StateCancelled ReservationState = "cancelled"
	StateExpired   ReservationState = "expired"
)

// Terminal reports whether the state can no longer change.
func (s ReservationState) Terminal() bool {
	return s != StateOpen
}

// Reservation is a provisional debit held against a quota.
type Reservation struct {
	ID           string           `json:"id"`
	TenantID     string           `json:"tenant_id"`
	ServiceKey   string           `json:"service_key"`
	Amount       int64            `json:"amount"`
	State        ReservationState `json:"state"`
	ActualAmount int64            `json:"actual_amount"`
	CreatedAt    time.Time        `json:"created_at"`
	ExpiresAt    time.Time        `json:"expires_at"`
	ResolvedAt   *time.Time       `json:"resolved_at,omitempty"`
}

// Resolve moves an open reservation into a terminal state. It returns
// ErrReservationAlreadyConsumed when the reservation is not open.
func (r *Reservation) Resolve(to ReservationState, actual int64, at time.Time) error {
	if r.State.Terminal() {
		return ErrReservationAlreadyConsumed
	}
	if to == StateOpen {
		return ErrInvalidTransition
	}
	r.State = to
	r.ActualAmount = actual
	r.ResolvedAt = &at
	return nil
}

// Refund is how many units of Used a resolved reservation gives back: the
// whole amount unless committed, otherwise the unspent slack.
func (r *Reservation) Refund() int64 {
	if r.State == StateCommitted {
		return max(r.Amount-r.ActualAmount, 0)
	}
	return r.Amount
}

// Release drops the reservation's hold on q. Call it once, after Resolve.
func (r *Reservation) Release(q *Quota) {
	q.Used -= r.Refund()
	q.Reserved -= r.Amount
	q.Normalize()
}
