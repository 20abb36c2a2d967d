package usage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore keeps events in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
	ids    map[string]struct{}
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]struct{})}
}

func (s *MemoryStore) BatchInsert(_ context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range events {
		if _, dup := s.ids[ev.ID]; dup {
			continue
		}
		s.ids[ev.ID] = struct{}{}
		s.events = append(s.events, ev)
	}
	return nil
}

func (s *MemoryStore) Breakdown(_ context.Context, tenantID string, since time.Time) ([]Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type key struct{ service, date string }
	agg := make(map[key]*Bucket)
	for _, ev := range s.events {
		sign := ev.EventType.Consumes()
		if ev.TenantID != tenantID || sign == 0 || ev.Timestamp.Before(since) {
			continue
		}
		k := key{ev.ServiceKey, ev.Timestamp.UTC().Format("2006-01-02")}
		b, ok := agg[k]
		if !ok {
			b = &Bucket{ServiceKey: k.service, Date: k.date, Cost: decimal.Zero}
			agg[k] = b
		}
		b.Units += int64(sign) * ev.Units
		b.Cost = b.Cost.Add(ev.Cost.Mul(decimal.NewFromInt(int64(sign))))
		b.Events++
	}

	out := make([]Bucket, 0, len(agg))
	for _, b := range agg {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].ServiceKey < out[j].ServiceKey
	})
	return out, nil
}

func (s *MemoryStore) List(_ context.Context, q Query) ([]*Event, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	var curTS time.Time
	var curID string
	if q.Cursor != "" {
		var err error
		if curTS, curID, err = decodeCursor(q.Cursor); err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
		}
	}

	s.mu.RLock()
	var matched []*Event
	for i := range s.events {
		ev := s.events[i]
		if q.TenantID != "" && ev.TenantID != q.TenantID {
			continue
		}
		if q.ServiceKey != "" && ev.ServiceKey != q.ServiceKey {
			continue
		}
		if q.EventType != "" && ev.EventType != q.EventType {
			continue
		}
		if !q.From.IsZero() && ev.Timestamp.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && ev.Timestamp.After(q.To) {
			continue
		}
		matched = append(matched, &ev)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].ID > matched[j].ID
	})

	if q.Cursor != "" {
		start := len(matched)
		for i, ev := range matched {
			if ev.Timestamp.Before(curTS) || (ev.Timestamp.Equal(curTS) && ev.ID < curID) {
				start = i
				break
			}
		}
		matched = matched[start:]
	}

	var next string
	if len(matched) > limit {
		last := matched[limit-1]
		next = encodeCursor(last.Timestamp, last.ID)
		matched = matched[:limit]
	}
	return matched, next, nil
}
