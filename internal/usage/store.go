package usage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidCursor is returned by List for cursors it did not issue.
var ErrInvalidCursor = errors.New("usage: invalid cursor")

// Store persists usage events.
type Store interface {
	// BatchInsert appends events. Re-inserting an event id is a no-op so a
	// retried batch never duplicates rows.
	BatchInsert(ctx context.Context, events []Event) error

	// Breakdown aggregates billable events for a tenant since the given time
	// into (service, UTC date) buckets ordered by date then service.
	Breakdown(ctx context.Context, tenantID string, since time.Time) ([]Bucket, error)

	// List returns a page of events newest first and the next cursor, empty
	// when there are no more results.
	List(ctx context.Context, q Query) ([]*Event, string, error)
}

// encodeCursor encodes a timestamp and id into an opaque cursor string.
func encodeCursor(ts time.Time, id string) string {
	raw := ts.Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor decodes an opaque cursor string into a timestamp and id.
func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor timestamp: %w", err)
	}
	return ts, parts[1], nil
}
