package quota

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store and ReservationStore. It is safe for
// concurrent use and intended for tests and single-instance deployments.
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[string]*Account
	byTenant     map[string][]string
	reservations map[string]*Reservation
	requests     map[requestKey]appliedRequest
}

type requestKey struct {
	tenantID, serviceKey, kind, requestID string
}

type appliedRequest struct {
	ref string
	at  time.Time
}

var (
	_ Store            = (*MemoryStore)(nil)
	_ ReservationStore = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[string]*Account),
		byTenant:     make(map[string][]string),
		reservations: make(map[string]*Reservation),
		requests:     make(map[requestKey]appliedRequest),
	}
}

// currentLocked must be called with s.mu held.
func (s *MemoryStore) currentLocked(tenantID string, at time.Time) *Account {
	for _, id := range s.byTenant[tenantID] {
		a := s.accounts[id]
		if a.Status != StatusArchived && a.Covers(at) {
			return a
		}
	}
	return nil
}

func (s *MemoryStore) CurrentAccount(_ context.Context, tenantID string, at time.Time) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a := s.currentLocked(tenantID, at)
	if a == nil {
		return nil, ErrAccountNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryStore) CreateAccount(_ context.Context, acct *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.byTenant[acct.TenantID] {
		a := s.accounts[id]
		if a.Status != StatusArchived && a.PeriodStart.Equal(acct.PeriodStart) {
			return ErrAccountExists
		}
	}

	cp := acct.Clone()
	if cp.Quotas == nil {
		cp.Quotas = make(map[string]*Quota)
	}
	for _, q := range cp.Quotas {
		q.Normalize()
	}
	s.accounts[cp.ID] = cp
	s.byTenant[cp.TenantID] = append(s.byTenant[cp.TenantID], cp.ID)
	return nil
}

func (s *MemoryStore) SetAccountStatus(_ context.Context, accountID string, status AccountStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	a.Status = status
	return nil
}

func (s *MemoryStore) SetQuota(_ context.Context, accountID string, q Quota) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	existing, ok := a.Quotas[q.ServiceKey]
	if !ok {
		q.Used, q.Reserved = 0, 0
		q.Normalize()
		a.Quotas[q.ServiceKey] = &q
		return nil
	}
	existing.Limit = q.Limit
	existing.UnitCost = q.UnitCost
	existing.Normalize()
	return nil
}

func (s *MemoryStore) UpdateQuota(_ context.Context, m Mutation, fn MutateFunc) (*Quota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutateLocked(m, fn)
}

// mutateLocked must be called with s.mu held.
func (s *MemoryStore) mutateLocked(m Mutation, fn MutateFunc) (*Quota, error) {
	a := s.currentLocked(m.TenantID, m.At)
	if a == nil {
		return nil, ErrAccountNotFound
	}
	q, ok := a.Quotas[m.ServiceKey]
	if !ok {
		return nil, ErrQuotaNotFound
	}

	key := requestKey{m.TenantID, m.ServiceKey, m.Kind, m.RequestID}
	if m.RequestID != "" {
		if prev, ok := s.requests[key]; ok {
			out := *q
			return nil, &ReplayError{Ref: prev.ref, Quota: &out}
		}
	}

	work := *q
	if err := fn(a.Clone(), &work); err != nil {
		return nil, err
	}
	work.Normalize()
	*q = work
	if m.RequestID != "" {
		s.requests[key] = appliedRequest{ref: m.Ref, at: m.At}
	}

	out := work
	return &out, nil
}

func (s *MemoryStore) PurgeRequests(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, req := range s.requests {
		if req.at.Before(before) {
			delete(s.requests, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Reserve(_ context.Context, m Mutation, r *Reservation, fn MutateFunc) (*Quota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.mutateLocked(m, fn)
	if err != nil {
		return nil, err
	}
	cp := *r
	s.reservations[r.ID] = &cp
	return q, nil
}

func (s *MemoryStore) GetReservation(_ context.Context, id string) (*Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reservations[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) SettleReservation(_ context.Context, id string, to ReservationState, actual int64, at time.Time) (*Reservation, *Quota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[id]
	if !ok {
		return nil, nil, ErrReservationNotFound
	}
	if err := r.Resolve(to, actual, at); err != nil {
		return nil, nil, err
	}

	var settled *Quota
	if a := s.currentLocked(r.TenantID, r.CreatedAt); a != nil {
		if q, ok := a.Quotas[r.ServiceKey]; ok {
			r.Release(q)
			cp := *q
			settled = &cp
		}
	}
	cp := *r
	return &cp, settled, nil
}

func (s *MemoryStore) ListExpired(_ context.Context, before time.Time, limit int) ([]*Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Reservation
	for _, r := range s.reservations {
		if r.State == StateOpen && r.ExpiresAt.Before(before) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) PurgeResolved(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, r := range s.reservations {
		if r.State.Terminal() && r.ResolvedAt != nil && r.ResolvedAt.Before(before) {
			delete(s.reservations, id)
			n++
		}
	}
	return n, nil
}
