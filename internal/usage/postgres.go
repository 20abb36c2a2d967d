package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore provides database operations for usage events.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new store backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// BatchInsert writes events in a single multi-row INSERT. It is a no-op when
// events is empty.
func (s *PostgresStore) BatchInsert(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 11
	args := make([]any, 0, len(events)*cols)
	rows := make([]string, 0, len(events))

	for i, ev := range events {
		base := i * cols
		rows = append(rows, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d::text::numeric, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
			base+7, base+8, base+9, base+10, base+11,
		))
		var meta []byte
		if len(ev.Metadata) > 0 {
			b, err := json.Marshal(ev.Metadata)
			if err != nil {
				return fmt.Errorf("encoding event metadata: %w", err)
			}
			meta = b
		}
		args = append(args,
			ev.ID,
			ev.TenantID,
			ev.UserID,
			ev.ServiceKey,
			ev.Units,
			ev.Cost.String(),
			ev.EventType,
			ev.RequestID,
			ev.ReservationID,
			meta,
			ev.Timestamp,
		)
	}

	query := `INSERT INTO usage_events
		(id, tenant_id, user_id, service_key, units, cost, event_type,
		 request_id, reservation_id, metadata, timestamp)
		VALUES ` + strings.Join(rows, ", ") + `
		ON CONFLICT (id) DO NOTHING`

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("batch inserting usage events: %w", err)
	}
	return nil
}

// Breakdown aggregates billable events into (service, UTC date) buckets.
func (s *PostgresStore) Breakdown(ctx context.Context, tenantID string, since time.Time) ([]Bucket, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT service_key,
		        to_char(timestamp AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day,
		        COALESCE(SUM(CASE WHEN event_type = 'credit' THEN -units ELSE units END), 0),
		        COALESCE(SUM(CASE WHEN event_type = 'credit' THEN -cost ELSE cost END), 0)::text,
		        COUNT(*)
		 FROM usage_events
		 WHERE tenant_id = $1 AND timestamp >= $2
		   AND event_type IN ('record', 'commit', 'credit')
		 GROUP BY service_key, day
		 ORDER BY day, service_key`,
		tenantID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage breakdown: %w", err)
	}
	defer rows.Close()

	var out []Bucket
	for rows.Next() {
		var b Bucket
		var cost string
		if err := rows.Scan(&b.ServiceKey, &b.Date, &b.Units, &cost, &b.Events); err != nil {
			return nil, fmt.Errorf("scanning breakdown row: %w", err)
		}
		if b.Cost, err = decimal.NewFromString(cost); err != nil {
			return nil, fmt.Errorf("parsing breakdown cost: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating breakdown rows: %w", err)
	}
	return out, nil
}

// List returns a page of events matching q, ordered by timestamp DESC, id DESC.
func (s *PostgresStore) List(ctx context.Context, q Query) ([]*Event, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	where, args := buildWhereClause(q)

	// The cursor encodes "timestamp|id".
	if q.Cursor != "" {
		ts, id, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
		}
		n := len(args)
		if where == "" {
			where = " WHERE"
		} else {
			where += " AND"
		}
		where += fmt.Sprintf(" (timestamp, id) < ($%d, $%d)", n+1, n+2)
		args = append(args, ts, id)
	}

	query := `SELECT id, tenant_id, user_id, service_key, units, cost::text, event_type,
		request_id, reservation_id, metadata, timestamp
	FROM usage_events` + where +
		` ORDER BY timestamp DESC, id DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing usage events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var ev Event
		var cost string
		var meta []byte
		if err := rows.Scan(
			&ev.ID, &ev.TenantID, &ev.UserID, &ev.ServiceKey, &ev.Units, &cost, &ev.EventType,
			&ev.RequestID, &ev.ReservationID, &meta, &ev.Timestamp,
		); err != nil {
			return nil, "", fmt.Errorf("scanning usage event row: %w", err)
		}
		if ev.Cost, err = decimal.NewFromString(cost); err != nil {
			return nil, "", fmt.Errorf("parsing event cost: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
				return nil, "", fmt.Errorf("decoding event metadata: %w", err)
			}
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating usage event rows: %w", err)
	}

	var nextCursor string
	if len(events) > limit {
		last := events[limit-1]
		nextCursor = encodeCursor(last.Timestamp, last.ID)
		events = events[:limit]
	}
	return events, nextCursor, nil
}

// buildWhereClause constructs a WHERE clause and positional arguments from a
// Query. The returned string starts with " WHERE" or is empty.
func buildWhereClause(q Query) (string, []any) {
	var conditions []string
	var args []any

	if q.TenantID != "" {
		args = append(args, q.TenantID)
		conditions = append(conditions, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if q.ServiceKey != "" {
		args = append(args, q.ServiceKey)
		conditions = append(conditions, fmt.Sprintf("service_key = $%d", len(args)))
	}
	if q.EventType != "" {
		args = append(args, q.EventType)
		conditions = append(conditions, fmt.Sprintf("event_type = $%d", len(args)))
	}
	if !q.From.IsZero() {
		args = append(args, q.From)
		conditions = append(conditions, fmt.Sprintf("timestamp >= $%d", len(args)))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		conditions = append(conditions, fmt.Sprintf("timestamp <= $%d", len(args)))
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}
