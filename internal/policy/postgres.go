package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists policy versions and audit entries. InScope takes a
// transaction-scoped advisory lock on the scope so concurrent instances
// serialize their governance changes.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new store backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const versionCols = `id, scope, scope_id, version, status, policy, created_by, created_at, effective_at, superseded_at`

func scanVersion(row pgx.Row) (*Version, error) {
	v := &Version{}
	var body []byte
	err := row.Scan(&v.ID, &v.Scope, &v.ScopeID, &v.Version, &v.Status, &body,
		&v.CreatedBy, &v.CreatedAt, &v.EffectiveAt, &v.SupersededAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, &v.Policy); err != nil {
		return nil, fmt.Errorf("decoding policy body: %w", err)
	}
	return v, nil
}

// optional maps pgx.ErrNoRows to nil, nil.
func optional(v *Version, err error, op string) (*Version, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pgErr(op, err)
	}
	return v, nil
}

func pgErr(op string, err error) error {
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

func encodeDoc(d Document) ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}

type pgTx struct {
	tx      pgx.Tx
	scope   Scope
	scopeID string
}

func (t *pgTx) one(ctx context.Context, where string, args ...any) (*Version, error) {
	args = append([]any{t.scope, t.scopeID}, args...)
	return scanVersion(t.tx.QueryRow(ctx,
		`SELECT `+versionCols+` FROM policy_versions
		 WHERE scope = $1 AND scope_id = $2 AND `+where+` LIMIT 1`, args...))
}

func (t *pgTx) Effective(ctx context.Context) (*Version, error) {
	v, err := t.one(ctx, `status = 'effective'`)
	return optional(v, err, "getting effective version")
}

func (t *pgTx) Draft(ctx context.Context) (*Version, error) {
	v, err := t.one(ctx, `status = 'draft'`)
	return optional(v, err, "getting draft")
}

func (t *pgTx) Version(ctx context.Context, n int) (*Version, error) {
	v, err := t.one(ctx, `version = $3`, n)
	return optional(v, err, "getting version")
}

func (t *pgTx) LatestVersion(ctx context.Context) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM policy_versions WHERE scope = $1 AND scope_id = $2`,
		t.scope, t.scopeID,
	).Scan(&n)
	if err != nil {
		return 0, pgErr("getting latest version", err)
	}
	return n, nil
}

func (t *pgTx) Insert(ctx context.Context, v *Version) error {
	body, err := encodeDoc(v.Policy)
	if err != nil {
		return fmt.Errorf("encoding policy body: %w", err)
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO policy_versions (`+versionCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		v.ID, v.Scope, v.ScopeID, v.Version, v.Status, body, v.CreatedBy, v.CreatedAt, v.EffectiveAt, v.SupersededAt,
	)
	if err != nil {
		return pgErr("inserting policy version", err)
	}
	return nil
}

func (t *pgTx) Update(ctx context.Context, v *Version) error {
	body, err := encodeDoc(v.Policy)
	if err != nil {
		return fmt.Errorf("encoding policy body: %w", err)
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE policy_versions
		 SET version = $2, status = $3, policy = $4, created_by = $5, effective_at = $6, superseded_at = $7
		 WHERE id = $1`,
		v.ID, v.Version, v.Status, body, v.CreatedBy, v.EffectiveAt, v.SupersededAt,
	)
	if err != nil {
		return pgErr("updating policy version", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionNotFound
	}
	return nil
}

func (t *pgTx) AppendAudit(ctx context.Context, e *AuditEntry) error {
	prev, err := encodeDoc(e.PreviousValue)
	if err != nil {
		return fmt.Errorf("encoding previous value: %w", err)
	}
	next, err := encodeDoc(e.NewValue)
	if err != nil {
		return fmt.Errorf("encoding new value: %w", err)
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO audit_log (id, user_id, action, resource_id, tenant_id, previous_value, new_value, reason, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.UserID, e.Action, e.ResourceID, e.TenantID, prev, next, e.Reason, e.Timestamp,
	)
	if err != nil {
		return pgErr("inserting audit entry", err)
	}
	return nil
}

func (s *PostgresStore) InScope(ctx context.Context, scope Scope, scopeID string, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return pgErr("begin tx", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, string(scope)+"/"+scopeID); err != nil {
		return pgErr("locking policy scope", err)
	}
	if err := fn(&pgTx{tx: tx, scope: scope, scopeID: scopeID}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return pgErr("committing policy change", err)
	}
	return nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*Version, error) {
	v, err := scanVersion(s.pool.QueryRow(ctx,
		`SELECT `+versionCols+` FROM policy_versions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrVersionNotFound
	}
	if err != nil {
		return nil, pgErr("getting policy version", err)
	}
	return v, nil
}

func (s *PostgresStore) byStatus(ctx context.Context, scope Scope, scopeID string, status Status) (*Version, error) {
	v, err := scanVersion(s.pool.QueryRow(ctx,
		`SELECT `+versionCols+` FROM policy_versions
		 WHERE scope = $1 AND scope_id = $2 AND status = $3`,
		scope, scopeID, status))
	return optional(v, err, "getting "+string(status)+" version")
}

func (s *PostgresStore) Effective(ctx context.Context, scope Scope, scopeID string) (*Version, error) {
	return s.byStatus(ctx, scope, scopeID, StatusEffective)
}

func (s *PostgresStore) Draft(ctx context.Context, scope Scope, scopeID string) (*Version, error) {
	return s.byStatus(ctx, scope, scopeID, StatusDraft)
}

func (s *PostgresStore) History(ctx context.Context, scope Scope, scopeID string) ([]*Version, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+versionCols+` FROM policy_versions
		 WHERE scope = $1 AND scope_id = $2
		 ORDER BY version DESC`,
		scope, scopeID,
	)
	if err != nil {
		return nil, pgErr("listing policy history", err)
	}
	defer rows.Close()

	var out []*Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning policy version: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, pgErr("iterating policy versions", err)
	}
	return out, nil
}

func (s *PostgresStore) AuditLog(ctx context.Context, tenantID string, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, action, resource_id, tenant_id, previous_value, new_value, reason, timestamp
		 FROM audit_log
		 WHERE tenant_id = $1
		 ORDER BY timestamp DESC, id DESC
		 LIMIT $2`,
		tenantID, limit,
	)
	if err != nil {
		return nil, pgErr("listing audit log", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		var prev, next []byte
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.ResourceID, &e.TenantID, &prev, &next, &e.Reason, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		if len(prev) > 0 {
			if err := json.Unmarshal(prev, &e.PreviousValue); err != nil {
				return nil, fmt.Errorf("decoding previous value: %w", err)
			}
		}
		if len(next) > 0 {
			if err := json.Unmarshal(next, &e.NewValue); err != nil {
				return nil, fmt.Errorf("decoding new value: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, pgErr("iterating audit log", err)
	}
	return out, nil
}
