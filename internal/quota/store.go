package quota

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by quota stores.
var (
	ErrAccountNotFound            = errors.New("quota: account not found")
	ErrAccountExists              = errors.New("quota: account already exists for period")
	ErrQuotaNotFound              = errors.New("quota: no quota for service")
	ErrReservationNotFound        = errors.New("quota: reservation not found")
	ErrReservationAlreadyConsumed = errors.New("quota: reservation already consumed")
	ErrInvalidTransition          = errors.New("quota: invalid reservation transition")
	ErrStoreUnavailable           = errors.New("quota: store unavailable")
	ErrDuplicateRequest           = errors.New("quota: request already applied")
)

// MutateFunc edits a quota in place. Returning an error aborts the update and
// leaves the stored record untouched. acct is a read-only snapshot.
type MutateFunc func(acct *Account, q *Quota) error

// Mutation addresses one quota update: the quota for ServiceKey on the
// tenant's account covering At.
//
// A non-empty RequestID makes the update apply at most once per
// (tenant, service, kind, request id). The id is recorded in the same atomic
// unit as the update, and a repeat returns a *ReplayError instead of running
// the MutateFunc again.
type Mutation struct {
	TenantID   string
	ServiceKey string
	At         time.Time
	Kind       string
	RequestID  string
	// Ref is stored with the request id and handed back on a replay.
	Ref string
}

// ReplayError reports a Mutation whose request id was already applied.
type ReplayError struct {
	Ref   string
	Quota *Quota
}

func (e *ReplayError) Error() string { return ErrDuplicateRequest.Error() }
func (e *ReplayError) Unwrap() error { return ErrDuplicateRequest }

// Store persists accounts and their embedded quotas.
type Store interface {
	// CurrentAccount returns the non-archived account whose period covers at.
	CurrentAccount(ctx context.Context, tenantID string, at time.Time) (*Account, error)

	// CreateAccount inserts a new account. It returns ErrAccountExists when a
	// non-archived account already exists for the same tenant and period.
	CreateAccount(ctx context.Context, acct *Account) error

	// SetAccountStatus changes an account's lifecycle status.
	SetAccountStatus(ctx context.Context, accountID string, status AccountStatus) error

	// SetQuota creates or replaces the limit and unit cost of a quota,
	// preserving its counters.
	SetQuota(ctx context.Context, accountID string, q Quota) error

	// UpdateQuota applies fn atomically to the quota m addresses and returns
	// the stored result.
	UpdateQuota(ctx context.Context, m Mutation, fn MutateFunc) (*Quota, error)

	// PurgeRequests forgets request ids applied before the given time.
	PurgeRequests(ctx context.Context, before time.Time) (int64, error)
}

// ReservationStore persists reservations together with the quota counters
// they hold.
type ReservationStore interface {
	// Reserve applies fn to the quota m addresses and inserts r in one atomic
	// unit. Callers set m.Ref to r.ID so a replay can find the reservation.
	Reserve(ctx context.Context, m Mutation, r *Reservation, fn MutateFunc) (*Quota, error)

	GetReservation(ctx context.Context, id string) (*Reservation, error)

	// SettleReservation moves an open reservation into a terminal state and
	// releases its hold on the quota it was taken from, atomically. Exactly
	// one caller wins; later callers get ErrReservationAlreadyConsumed. The
	// returned quota is nil when the account that granted the reservation is
	// no longer live; the reservation is still resolved.
	SettleReservation(ctx context.Context, id string, to ReservationState, actual int64, at time.Time) (*Reservation, *Quota, error)

	// ListExpired returns up to limit open reservations whose ExpiresAt is
	// before the given time, oldest first.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Reservation, error)

	// PurgeResolved deletes terminal reservations resolved before the given
	// time and returns how many were removed.
	PurgeResolved(ctx context.Context, before time.Time) (int64, error)
}
