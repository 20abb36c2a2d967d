package metering

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alecgard/tally/internal/ledger"
	"github.com/alecgard/tally/internal/quota"
	"github.com/alecgard/tally/internal/usage"
)

var base = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

var plans = map[string]Plan{
	"starter": {
		OveragePolicy: quota.OverageSoftLimit,
		Quotas: map[string]PlanQuota{
			"brave_searches": {Limit: 100, UnitCost: 0.005},
			"llm_tokens_in":  {Limit: 1000, UnitCost: 0.0001},
			"voice_chars":    {Limit: quota.Unlimited, UnitCost: 0.00002},
		},
	},
}

type fixture struct {
	svc      *Service
	accounts *quota.MemoryStore
	recorder *usage.Recorder
}

func newFixture(t *testing.T, autoProvision bool) *fixture {
	t.Helper()
	accounts := quota.NewMemoryStore()
	rec := usage.NewRecorder(usage.NewMemoryStore(), usage.RecorderConfig{FlushInterval: time.Hour}, nil)
	l := ledger.New(accounts, nil, ledger.Options{Events: rec})
	svc := NewService(l, accounts, rec, Options{
		Plans:         plans,
		DefaultPlan:   "starter",
		AutoProvision: autoProvision,
	})
	return &fixture{svc: svc, accounts: accounts, recorder: rec}
}

func TestParseAction(t *testing.T) {
	for _, s := range []string{"check", "record", "preauthorize", "commit", "cancel"} {
		a, err := ParseAction(s)
		require.NoError(t, err)
		assert.Equal(t, Action(s), a)
	}
	_, err := ParseAction("refund")
	assert.ErrorIs(t, err, ErrInvalidAction)
}

func TestService_EnsureAccount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	f.svc.now = func() time.Time { return base }
	acct, err := f.svc.EnsureAccount(ctx, "T1", "")
	require.NoError(t, err)
	assert.Equal(t, "starter", acct.PlanID)
	assert.Equal(t, quota.OverageSoftLimit, acct.OveragePolicy)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), acct.PeriodStart)
	assert.Equal(t, time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC), acct.PeriodEnd)
	assert.Len(t, acct.Quotas, 3)

	again, err := f.svc.EnsureAccount(ctx, "T1", "")
	require.NoError(t, err)
	assert.Equal(t, acct.ID, again.ID)

	_, err = f.svc.EnsureAccount(ctx, "T2", "enterprise")
	assert.Error(t, err)
}

func TestService_EnsureAccountArchivesPreviousPeriod(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	f.svc.now = func() time.Time { return base }
	march, err := f.svc.EnsureAccount(ctx, "T1", "")
	require.NoError(t, err)

	f.svc.now = func() time.Time { return base.AddDate(0, 1, 0) }
	april, err := f.svc.EnsureAccount(ctx, "T1", "")
	require.NoError(t, err)
	assert.NotEqual(t, march.ID, april.ID)

	_, err = f.accounts.CurrentAccount(ctx, "T1", base)
	assert.ErrorIs(t, err, quota.ErrAccountNotFound)
}

func TestService_MeteringFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	d, err := f.svc.Check(ctx, Request{TenantID: "T1", ServiceKey: "brave_searches", Amount: 30})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	auth, err := f.svc.Preauthorize(ctx, Request{TenantID: "T1", ServiceKey: "brave_searches", Amount: 30})
	require.NoError(t, err)
	require.True(t, auth.Authorized)

	res, err := f.svc.Commit(ctx, Request{ReservationID: auth.ReservationID, Amount: 25})
	require.NoError(t, err)
	assert.Equal(t, int64(75), res.QuotaRemaining)

	_, err = f.svc.Cancel(ctx, Request{ReservationID: auth.ReservationID})
	assert.ErrorIs(t, err, quota.ErrReservationAlreadyConsumed)

	debit, err := f.svc.Record(ctx, Request{TenantID: "T1", ServiceKey: "brave_searches", Amount: 80, UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), debit.Overage)
	assert.NotEmpty(t, debit.Warning)

	_, err = f.svc.Record(ctx, Request{TenantID: "T1", ServiceKey: "brave_searches", Amount: 10})
	assert.ErrorIs(t, err, ledger.ErrQuotaExceeded)

	declined, err := f.svc.Check(ctx, Request{TenantID: "T1", ServiceKey: "brave_searches", Amount: 10})
	require.NoError(t, err)
	assert.False(t, declined.Allowed)
	assert.Equal(t, ledger.ReasonQuotaExceeded, declined.Reason)

	checks, _, err := f.svc.Events(ctx, usage.Query{TenantID: "T1", EventType: usage.EventCheck})
	require.NoError(t, err)
	assert.Empty(t, checks, "events are buffered until a flush")

	buckets, err := f.svc.Breakdown(ctx, "T1", 7)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, time.Now().UTC().Format("2006-01-02"), buckets[0].Date)
	assert.Equal(t, int64(105), buckets[0].Units)

	checks, _, err = f.svc.Events(ctx, usage.Query{TenantID: "T1", EventType: usage.EventCheck})
	require.NoError(t, err)
	require.Len(t, checks, 2)
	var reasons []string
	for _, ev := range checks {
		if r, ok := ev.Metadata["decline_reason"]; ok {
			reasons = append(reasons, r)
		}
	}
	assert.Equal(t, []string{ledger.ReasonQuotaExceeded}, reasons)
}

func TestService_Summary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	_, err := f.svc.Record(ctx, Request{TenantID: "T1", ServiceKey: "brave_searches", Amount: 96})
	require.NoError(t, err)
	_, err = f.svc.Record(ctx, Request{TenantID: "T1", ServiceKey: "llm_tokens_in", Amount: 100})
	require.NoError(t, err)
	_, err = f.svc.Record(ctx, Request{TenantID: "T1", ServiceKey: "voice_chars", Amount: 50000})
	require.NoError(t, err)

	sum, err := f.svc.Summary(ctx, "T1")
	require.NoError(t, err)

	require.Len(t, sum.Services, 3)
	assert.Equal(t, "brave_searches", sum.Services[0].ServiceKey)
	assert.Equal(t, ledger.LevelHard, sum.Services[0].Warning)
	assert.InDelta(t, 96.0, sum.Services[0].PercentUsed, 0.001)
	assert.Equal(t, ledger.LevelNone, sum.Services[1].Warning)
	assert.Equal(t, quota.Unlimited, sum.Services[2].Remaining)
	assert.Equal(t, ledger.LevelHard, sum.Warning)

	// (96 + 100) / (100 + 1000); the unlimited quota is excluded.
	assert.InDelta(t, 196.0/1100.0*100, sum.OverallPercent, 0.001)

	// 96×0.005 + 100×0.0001 + 50000×0.00002
	assert.True(t, sum.TotalEstimatedCost.Equal(decimal.RequireFromString("1.49")), "got %s", sum.TotalEstimatedCost)
	_, end := quota.Monthly.Bounds(time.Now())
	assert.Equal(t, end, sum.PeriodEnd)

	_, err = f.svc.Summary(ctx, "unknown")
	assert.ErrorIs(t, err, quota.ErrAccountNotFound)
}

func TestService_NoAutoProvision(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.svc.Record(context.Background(), Request{TenantID: "T1", ServiceKey: "brave_searches", Amount: 1})
	assert.ErrorIs(t, err, quota.ErrAccountNotFound)
}
