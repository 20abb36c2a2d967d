package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore provides database operations for accounts, quotas and
// reservations. Quota mutations run inside a transaction holding a row lock;
// a reservation and the counters it holds always change in the same
// transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var (
	_ Store            = (*PostgresStore)(nil)
	_ ReservationStore = (*PostgresStore)(nil)
)

// NewPostgresStore creates a new store backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// storeErr wraps err with ErrStoreUnavailable unless it is a deterministic
// SQL error that retrying cannot fix.
func storeErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
		default:
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

func (s *PostgresStore) CurrentAccount(ctx context.Context, tenantID string, at time.Time) (*Account, error) {
	a := &Account{Quotas: map[string]*Quota{}}
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, plan_id, status, overage_policy, period_start, period_end
		 FROM accounts
		 WHERE tenant_id = $1 AND status <> 'archived' AND period_start <= $2 AND period_end > $2
		 ORDER BY period_start DESC
		 LIMIT 1`,
		tenantID, at,
	).Scan(&a.ID, &a.TenantID, &a.PlanID, &a.Status, &a.OveragePolicy, &a.PeriodStart, &a.PeriodEnd)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, storeErr("getting current account", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT service_key, limit_units, used, reserved, overage, unit_cost
		 FROM quotas WHERE account_id = $1
		 ORDER BY service_key`,
		a.ID,
	)
	if err != nil {
		return nil, storeErr("listing quotas", err)
	}
	defer rows.Close()

	for rows.Next() {
		q := &Quota{}
		if err := rows.Scan(&q.ServiceKey, &q.Limit, &q.Used, &q.Reserved, &q.Overage, &q.UnitCost); err != nil {
			return nil, fmt.Errorf("scanning quota row: %w", err)
		}
		a.Quotas[q.ServiceKey] = q
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterating quota rows", err)
	}
	return a, nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, acct *Account) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storeErr("begin tx", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO accounts (id, tenant_id, plan_id, status, overage_policy, period_start, period_end)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		acct.ID, acct.TenantID, acct.PlanID, acct.Status, acct.OveragePolicy, acct.PeriodStart, acct.PeriodEnd,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAccountExists
		}
		return storeErr("inserting account", err)
	}

	for _, q := range acct.Quotas {
		cp := *q
		cp.Normalize()
		_, err = tx.Exec(ctx,
			`INSERT INTO quotas (account_id, service_key, limit_units, used, reserved, overage, unit_cost)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			acct.ID, cp.ServiceKey, cp.Limit, cp.Used, cp.Reserved, cp.Overage, cp.UnitCost,
		)
		if err != nil {
			return storeErr("inserting quota", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return storeErr("committing account", err)
	}
	return nil
}

func (s *PostgresStore) SetAccountStatus(ctx context.Context, accountID string, status AccountStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE accounts SET status = $1 WHERE id = $2`, status, accountID)
	if err != nil {
		return storeErr("updating account status", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *PostgresStore) SetQuota(ctx context.Context, accountID string, q Quota) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO quotas (account_id, service_key, limit_units, unit_cost)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (account_id, service_key)
		 DO UPDATE SET limit_units = EXCLUDED.limit_units,
		               unit_cost = EXCLUDED.unit_cost,
		               overage = CASE WHEN EXCLUDED.limit_units < 0 THEN 0
		                              ELSE GREATEST(quotas.used - EXCLUDED.limit_units, 0) END`,
		accountID, q.ServiceKey, q.Limit, q.UnitCost,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrAccountNotFound
		}
		return storeErr("upserting quota", err)
	}
	return nil
}

// lockQuota loads the quota m addresses and holds its row lock until tx ends.
func (s *PostgresStore) lockQuota(ctx context.Context, tx pgx.Tx, tenantID, serviceKey string, at time.Time) (*Account, *Quota, error) {
	a := &Account{}
	q := &Quota{}
	err := tx.QueryRow(ctx,
		`SELECT a.id, a.tenant_id, a.plan_id, a.status, a.overage_policy, a.period_start, a.period_end,
		        q.service_key, q.limit_units, q.used, q.reserved, q.overage, q.unit_cost
		 FROM accounts a
		 JOIN quotas q ON q.account_id = a.id AND q.service_key = $3
		 WHERE a.tenant_id = $1 AND a.status <> 'archived' AND a.period_start <= $2 AND a.period_end > $2
		 ORDER BY a.period_start DESC
		 LIMIT 1
		 FOR UPDATE OF q`,
		tenantID, at, serviceKey,
	).Scan(&a.ID, &a.TenantID, &a.PlanID, &a.Status, &a.OveragePolicy, &a.PeriodStart, &a.PeriodEnd,
		&q.ServiceKey, &q.Limit, &q.Used, &q.Reserved, &q.Overage, &q.UnitCost)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, aerr := s.CurrentAccount(ctx, tenantID, at); aerr != nil {
			return nil, nil, aerr
		}
		return nil, nil, ErrQuotaNotFound
	}
	if err != nil {
		return nil, nil, storeErr("locking quota", err)
	}
	return a, q, nil
}

func writeQuota(ctx context.Context, tx pgx.Tx, accountID string, q *Quota) error {
	_, err := tx.Exec(ctx,
		`UPDATE quotas SET used = $1, reserved = $2, overage = $3
		 WHERE account_id = $4 AND service_key = $5`,
		q.Used, q.Reserved, q.Overage, accountID, q.ServiceKey,
	)
	if err != nil {
		return storeErr("updating quota", err)
	}
	return nil
}

// claimRequest records m's request id. It returns a *ReplayError when the id
// was already applied.
func claimRequest(ctx context.Context, tx pgx.Tx, m Mutation, current *Quota) error {
	var inserted bool
	err := tx.QueryRow(ctx,
		`INSERT INTO applied_requests (tenant_id, service_key, kind, request_id, ref, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT DO NOTHING
		 RETURNING true`,
		m.TenantID, m.ServiceKey, m.Kind, m.RequestID, m.Ref, m.At,
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		var ref string
		err := tx.QueryRow(ctx,
			`SELECT ref FROM applied_requests
			 WHERE tenant_id = $1 AND service_key = $2 AND kind = $3 AND request_id = $4`,
			m.TenantID, m.ServiceKey, m.Kind, m.RequestID,
		).Scan(&ref)
		if err != nil {
			return storeErr("loading applied request", err)
		}
		return &ReplayError{Ref: ref, Quota: current}
	}
	if err != nil {
		return storeErr("recording request", err)
	}
	return nil
}

// mutate runs fn against the locked quota and writes it back inside tx.
func (s *PostgresStore) mutate(ctx context.Context, tx pgx.Tx, m Mutation, fn MutateFunc) (*Quota, error) {
	a, q, err := s.lockQuota(ctx, tx, m.TenantID, m.ServiceKey, m.At)
	if err != nil {
		return nil, err
	}
	if m.RequestID != "" {
		if err := claimRequest(ctx, tx, m, q); err != nil {
			return nil, err
		}
	}

	work := *q
	if err := fn(a, &work); err != nil {
		return nil, err
	}
	work.Normalize()
	if err := writeQuota(ctx, tx, a.ID, &work); err != nil {
		return nil, err
	}
	return &work, nil
}

func (s *PostgresStore) UpdateQuota(ctx context.Context, m Mutation, fn MutateFunc) (*Quota, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, storeErr("begin tx", err)
	}
	defer tx.Rollback(ctx)

	q, err := s.mutate(ctx, tx, m, fn)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, storeErr("committing quota", err)
	}
	return q, nil
}

func (s *PostgresStore) PurgeRequests(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM applied_requests WHERE created_at < $1`, before)
	if err != nil {
		return 0, storeErr("purging applied requests", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Reserve(ctx context.Context, m Mutation, r *Reservation, fn MutateFunc) (*Quota, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, storeErr("begin tx", err)
	}
	defer tx.Rollback(ctx)

	q, err := s.mutate(ctx, tx, m, fn)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO reservations (id, tenant_id, service_key, amount, state, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.TenantID, r.ServiceKey, r.Amount, r.State, r.CreatedAt, r.ExpiresAt,
	)
	if err != nil {
		return nil, storeErr("inserting reservation", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, storeErr("committing reservation", err)
	}
	return q, nil
}

const reservationCols = `id, tenant_id, service_key, amount, state, actual_amount, created_at, expires_at, resolved_at`

func scanReservation(row pgx.Row) (*Reservation, error) {
	r := &Reservation{}
	err := row.Scan(&r.ID, &r.TenantID, &r.ServiceKey, &r.Amount, &r.State, &r.ActualAmount,
		&r.CreatedAt, &r.ExpiresAt, &r.ResolvedAt)
	return r, err
}

func (s *PostgresStore) GetReservation(ctx context.Context, id string) (*Reservation, error) {
	r, err := scanReservation(s.pool.QueryRow(ctx,
		`SELECT `+reservationCols+` FROM reservations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, storeErr("getting reservation", err)
	}
	return r, nil
}

func (s *PostgresStore) SettleReservation(ctx context.Context, id string, to ReservationState, actual int64, at time.Time) (*Reservation, *Quota, error) {
	if to == StateOpen {
		return nil, nil, ErrInvalidTransition
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, storeErr("begin tx", err)
	}
	defer tx.Rollback(ctx)

	r, err := scanReservation(tx.QueryRow(ctx,
		`UPDATE reservations SET state = $2, actual_amount = $3, resolved_at = $4
		 WHERE id = $1 AND state = 'open'
		 RETURNING `+reservationCols,
		id, to, actual, at))
	if errors.Is(err, pgx.ErrNoRows) {
		// Either unknown or already resolved; tell them apart.
		if _, gerr := s.GetReservation(ctx, id); gerr != nil {
			return nil, nil, gerr
		}
		return nil, nil, ErrReservationAlreadyConsumed
	}
	if err != nil {
		return nil, nil, storeErr("resolving reservation", err)
	}

	var settled *Quota
	a, q, err := s.lockQuota(ctx, tx, r.TenantID, r.ServiceKey, r.CreatedAt)
	switch {
	case errors.Is(err, ErrAccountNotFound), errors.Is(err, ErrQuotaNotFound):
	case err != nil:
		return nil, nil, err
	default:
		r.Release(q)
		if err := writeQuota(ctx, tx, a.ID, q); err != nil {
			return nil, nil, err
		}
		settled = q
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, storeErr("committing settlement", err)
	}
	return r, settled, nil
}

func (s *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Reservation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+reservationCols+` FROM reservations
		 WHERE state = 'open' AND expires_at < $1
		 ORDER BY expires_at
		 LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, storeErr("listing expired reservations", err)
	}
	defer rows.Close()

	var out []*Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning reservation row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterating reservation rows", err)
	}
	return out, nil
}

func (s *PostgresStore) PurgeResolved(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM reservations WHERE state <> 'open' AND resolved_at < $1`, before)
	if err != nil {
		return 0, storeErr("purging reservations", err)
	}
	return tag.RowsAffected(), nil
}
