package policy

import (
	"context"
	"sort"
	"sync"
)

type scopeKey struct {
	scope Scope
	id    string
}

// MemoryStore is an in-process Store for tests and single-instance use.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[scopeKey][]*Version
	audit    []*AuditEntry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty policy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{versions: make(map[scopeKey][]*Version)}
}

// memTx stages writes against a private copy of one scope's rows.
type memTx struct {
	key   scopeKey
	rows  []*Version
	audit []*AuditEntry
}

func (t *memTx) find(pred func(*Version) bool) *Version {
	for _, v := range t.rows {
		if pred(v) {
			return v.clone()
		}
	}
	return nil
}

func (t *memTx) Effective(context.Context) (*Version, error) {
	return t.find(func(v *Version) bool { return v.Status == StatusEffective }), nil
}

func (t *memTx) Draft(context.Context) (*Version, error) {
	return t.find(func(v *Version) bool { return v.Status == StatusDraft }), nil
}

func (t *memTx) Version(_ context.Context, n int) (*Version, error) {
	return t.find(func(v *Version) bool { return v.Version == n }), nil
}

func (t *memTx) LatestVersion(context.Context) (int, error) {
	latest := 0
	for _, v := range t.rows {
		if v.Version > latest {
			latest = v.Version
		}
	}
	return latest, nil
}

func (t *memTx) Insert(_ context.Context, v *Version) error {
	t.rows = append(t.rows, v.clone())
	return nil
}

func (t *memTx) Update(_ context.Context, v *Version) error {
	for i, row := range t.rows {
		if row.ID == v.ID {
			t.rows[i] = v.clone()
			return nil
		}
	}
	return ErrVersionNotFound
}

func (t *memTx) AppendAudit(_ context.Context, e *AuditEntry) error {
	cp := *e
	t.audit = append(t.audit, &cp)
	return nil
}

func (s *MemoryStore) InScope(ctx context.Context, scope Scope, scopeID string, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := scopeKey{scope, scopeID}
	tx := &memTx{key: key}
	for _, v := range s.versions[key] {
		tx.rows = append(tx.rows, v.clone())
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.versions[key] = tx.rows
	s.audit = append(s.audit, tx.audit...)
	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (*Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rows := range s.versions {
		for _, v := range rows {
			if v.ID == id {
				return v.clone(), nil
			}
		}
	}
	return nil, ErrVersionNotFound
}

func (s *MemoryStore) byStatus(scope Scope, scopeID string, status Status) *Version {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, v := range s.versions[scopeKey{scope, scopeID}] {
		if v.Status == status {
			return v.clone()
		}
	}
	return nil
}

func (s *MemoryStore) Effective(_ context.Context, scope Scope, scopeID string) (*Version, error) {
	return s.byStatus(scope, scopeID, StatusEffective), nil
}

func (s *MemoryStore) Draft(_ context.Context, scope Scope, scopeID string) (*Version, error) {
	return s.byStatus(scope, scopeID, StatusDraft), nil
}

func (s *MemoryStore) History(_ context.Context, scope Scope, scopeID string) ([]*Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.versions[scopeKey{scope, scopeID}]
	out := make([]*Version, 0, len(rows))
	for _, v := range rows {
		out = append(out, v.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (s *MemoryStore) AuditLog(_ context.Context, tenantID string, limit int) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if e.TenantID != tenantID {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
