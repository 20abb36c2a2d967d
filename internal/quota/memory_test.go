package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var testNow = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func seedAccount(t *testing.T, s *MemoryStore, tenant string, quotas ...Quota) *Account {
	t.Helper()
	start, end := Monthly.Bounds(testNow)
	acct := &Account{
		ID:            "acct-" + tenant,
		TenantID:      tenant,
		PlanID:        "pro",
		Status:        StatusActive,
		Quotas:        map[string]*Quota{},
		OveragePolicy: OverageSoftLimit,
		PeriodStart:   start,
		PeriodEnd:     end,
	}
	for i := range quotas {
		q := quotas[i]
		acct.Quotas[q.ServiceKey] = &q
	}
	if err := s.CreateAccount(context.Background(), acct); err != nil {
		t.Fatalf("creating account: %v", err)
	}
	return acct
}

func TestMemoryStore_CreateAccountRejectsDuplicatePeriod(t *testing.T) {
	s := NewMemoryStore()
	seedAccount(t, s, "t1")

	start, end := Monthly.Bounds(testNow)
	err := s.CreateAccount(context.Background(), &Account{
		ID: "other", TenantID: "t1", Status: StatusActive, PeriodStart: start, PeriodEnd: end,
	})
	if !errors.Is(err, ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}
}

func TestMemoryStore_ArchivedAccountIsNotCurrent(t *testing.T) {
	s := NewMemoryStore()
	acct := seedAccount(t, s, "t1")
	ctx := context.Background()

	if err := s.SetAccountStatus(ctx, acct.ID, StatusArchived); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CurrentAccount(ctx, "t1", testNow); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}

	// A fresh account for the same period is allowed once the old one is archived.
	start, end := Monthly.Bounds(testNow)
	err := s.CreateAccount(ctx, &Account{ID: "fresh", TenantID: "t1", Status: StatusActive, PeriodStart: start, PeriodEnd: end})
	if err != nil {
		t.Fatalf("expected fresh account to be created, got %v", err)
	}
}

func TestMemoryStore_UpdateQuotaAbortsOnError(t *testing.T) {
	s := NewMemoryStore()
	seedAccount(t, s, "t1", Quota{ServiceKey: "llm_tokens_in", Limit: 100, Used: 10})
	ctx := context.Background()

	boom := errors.New("boom")
	_, err := s.UpdateQuota(ctx, Mutation{TenantID: "t1", ServiceKey: "llm_tokens_in", At: testNow}, func(_ *Account, q *Quota) error {
		q.Used = 99
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	acct, err := s.CurrentAccount(ctx, "t1", testNow)
	if err != nil {
		t.Fatal(err)
	}
	if got := acct.Quotas["llm_tokens_in"].Used; got != 10 {
		t.Errorf("expected used to stay 10, got %d", got)
	}
}

func TestMemoryStore_UpdateQuotaNormalizes(t *testing.T) {
	s := NewMemoryStore()
	seedAccount(t, s, "t1", Quota{ServiceKey: "brave_searches", Limit: 100})

	q, err := s.UpdateQuota(context.Background(), Mutation{TenantID: "t1", ServiceKey: "brave_searches", At: testNow}, func(_ *Account, q *Quota) error {
		q.Used += 105
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if q.Overage != 5 {
		t.Errorf("expected overage 5, got %d", q.Overage)
	}

	q, err = s.UpdateQuota(context.Background(), Mutation{TenantID: "t1", ServiceKey: "brave_searches", At: testNow}, func(_ *Account, q *Quota) error {
		q.Used -= 500
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if q.Used != 0 || q.Overage != 0 {
		t.Errorf("expected used and overage floored at 0, got used=%d overage=%d", q.Used, q.Overage)
	}
}

func TestMemoryStore_UnknownServiceKey(t *testing.T) {
	s := NewMemoryStore()
	seedAccount(t, s, "t1")

	_, err := s.UpdateQuota(context.Background(), Mutation{TenantID: "t1", ServiceKey: "nope", At: testNow}, func(*Account, *Quota) error { return nil })
	if !errors.Is(err, ErrQuotaNotFound) {
		t.Fatalf("expected ErrQuotaNotFound, got %v", err)
	}
}

func TestMemoryStore_SetQuotaPreservesCounters(t *testing.T) {
	s := NewMemoryStore()
	acct := seedAccount(t, s, "t1", Quota{ServiceKey: "voice_chars", Limit: 1000, Used: 400})
	ctx := context.Background()

	if err := s.SetQuota(ctx, acct.ID, Quota{ServiceKey: "voice_chars", Limit: 300, UnitCost: 0.01}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.CurrentAccount(ctx, "t1", testNow)
	q := got.Quotas["voice_chars"]
	if q.Used != 400 || q.Limit != 300 || q.Overage != 100 || q.UnitCost != 0.01 {
		t.Errorf("unexpected quota after SetQuota: %+v", q)
	}
}

func reserve(t *testing.T, s *MemoryStore, id string, amount int64) {
	t.Helper()
	r := &Reservation{
		ID: id, TenantID: "t1", ServiceKey: "k", Amount: amount, State: StateOpen,
		CreatedAt: testNow, ExpiresAt: testNow.Add(time.Minute),
	}
	m := Mutation{TenantID: "t1", ServiceKey: "k", At: testNow, Kind: "reserve", RequestID: id, Ref: id}
	_, err := s.Reserve(context.Background(), m, r, func(_ *Account, q *Quota) error {
		q.Used += amount
		q.Reserved += amount
		return nil
	})
	if err != nil {
		t.Fatalf("reserving %s: %v", id, err)
	}
}

func TestMemoryStore_SettleReservationOnce(t *testing.T) {
	s := NewMemoryStore()
	seedAccount(t, s, "t1", Quota{ServiceKey: "k", Limit: 100})
	ctx := context.Background()
	reserve(t, s, "r1", 5)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := s.SettleReservation(ctx, "r1", StateCommitted, 3, testNow); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, ErrReservationAlreadyConsumed) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	acct, _ := s.CurrentAccount(ctx, "t1", testNow)
	if q := acct.Quotas["k"]; q.Used != 3 || q.Reserved != 0 {
		t.Errorf("expected used=3 reserved=0 after settling, got used=%d reserved=%d", q.Used, q.Reserved)
	}

	if _, _, err := s.SettleReservation(ctx, "missing", StateCancelled, 0, testNow); !errors.Is(err, ErrReservationNotFound) {
		t.Errorf("expected ErrReservationNotFound, got %v", err)
	}
}

func TestMemoryStore_SettleAfterArchiveResolvesOnly(t *testing.T) {
	s := NewMemoryStore()
	acct := seedAccount(t, s, "t1", Quota{ServiceKey: "k", Limit: 100})
	ctx := context.Background()
	reserve(t, s, "r1", 5)

	if err := s.SetAccountStatus(ctx, acct.ID, StatusArchived); err != nil {
		t.Fatal(err)
	}
	r, q, err := s.SettleReservation(ctx, "r1", StateCancelled, 0, testNow)
	if err != nil {
		t.Fatal(err)
	}
	if q != nil {
		t.Errorf("expected no quota to be settled, got %+v", q)
	}
	if r.State != StateCancelled {
		t.Errorf("expected cancelled, got %s", r.State)
	}
}

func TestMemoryStore_RequestIDReplays(t *testing.T) {
	s := NewMemoryStore()
	seedAccount(t, s, "t1", Quota{ServiceKey: "k", Limit: 100})
	ctx := context.Background()

	m := Mutation{TenantID: "t1", ServiceKey: "k", At: testNow, Kind: "record", RequestID: "req-1", Ref: "first"}
	add := func(_ *Account, q *Quota) error {
		q.Used += 10
		return nil
	}
	if _, err := s.UpdateQuota(ctx, m, add); err != nil {
		t.Fatal(err)
	}

	m.Ref = "second"
	_, err := s.UpdateQuota(ctx, m, add)
	var replay *ReplayError
	if !errors.As(err, &replay) {
		t.Fatalf("expected *ReplayError, got %v", err)
	}
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Errorf("expected ErrDuplicateRequest, got %v", err)
	}
	if replay.Ref != "first" || replay.Quota.Used != 10 {
		t.Errorf("expected replay of the first application, got ref=%q used=%d", replay.Ref, replay.Quota.Used)
	}

	// The id is scoped to its kind.
	m.Kind = "credit"
	if _, err := s.UpdateQuota(ctx, m, add); err != nil {
		t.Fatalf("expected a different kind to apply, got %v", err)
	}

	n, err := s.PurgeRequests(ctx, testNow.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 request ids purged, got %d", n)
	}
	m.Kind = "record"
	if _, err := s.UpdateQuota(ctx, m, add); err != nil {
		t.Errorf("expected a purged id to apply again, got %v", err)
	}
}

func TestMemoryStore_DeclinedMutationDoesNotClaimRequestID(t *testing.T) {
	s := NewMemoryStore()
	seedAccount(t, s, "t1", Quota{ServiceKey: "k", Limit: 100})
	ctx := context.Background()

	m := Mutation{TenantID: "t1", ServiceKey: "k", At: testNow, Kind: "record", RequestID: "req-1"}
	boom := errors.New("boom")
	if _, err := s.UpdateQuota(ctx, m, func(*Account, *Quota) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := s.UpdateQuota(ctx, m, func(*Account, *Quota) error { return nil }); err != nil {
		t.Errorf("expected the id to be free after a declined attempt, got %v", err)
	}
}

func TestMemoryStore_ListExpiredAndPurge(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i, exp := range []time.Duration{-2 * time.Minute, -time.Minute, time.Minute} {
		id := string(rune('a' + i))
		s.reservations[id] = &Reservation{ID: id, State: StateOpen, ExpiresAt: testNow.Add(exp)}
	}

	expired, err := s.ListExpired(ctx, testNow, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 2 || expired[0].ID != "a" {
		t.Fatalf("expected 2 expired oldest-first, got %+v", expired)
	}

	if _, _, err := s.SettleReservation(ctx, "a", StateExpired, 0, testNow.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	n, err := s.PurgeResolved(ctx, testNow)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged, got %d", n)
	}
	if _, err := s.GetReservation(ctx, "a"); !errors.Is(err, ErrReservationNotFound) {
		t.Errorf("expected purged reservation to be gone, got %v", err)
	}
}
