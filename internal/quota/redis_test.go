//go:build integration

package quota_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alecgard/tally/internal/quota"
)

func newRedisStore(t *testing.T) *quota.RedisStore {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}

	prefix := "test:" + t.Name() + ":"
	t.Cleanup(func() {
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		client.Close()
	})
	return quota.NewRedisStore(client, quota.WithKeyPrefix(prefix))
}

func TestRedisStore_UpdateQuotaConcurrent(t *testing.T) {
	s := newRedisStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	start, end := quota.Monthly.Bounds(now)

	require.NoError(t, s.CreateAccount(ctx, &quota.Account{
		ID: "a1", TenantID: "t1", Status: quota.StatusActive, OveragePolicy: quota.OverageBlock,
		PeriodStart: start, PeriodEnd: end,
		Quotas: map[string]*quota.Quota{"k": {ServiceKey: "k", Limit: 1000}},
	}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateQuota(ctx, quota.Mutation{TenantID: "t1", ServiceKey: "k", At: now}, func(_ *quota.Account, q *quota.Quota) error {
				q.Used += 5
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	acct, err := s.CurrentAccount(ctx, "t1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(100), acct.Quotas["k"].Used)
}

func seedRedisAccount(t *testing.T, s *quota.RedisStore, now time.Time) {
	t.Helper()
	start, end := quota.Monthly.Bounds(now)
	require.NoError(t, s.CreateAccount(context.Background(), &quota.Account{
		ID: "a1", TenantID: "t1", Status: quota.StatusActive, OveragePolicy: quota.OverageSoftLimit,
		PeriodStart: start, PeriodEnd: end,
		Quotas: map[string]*quota.Quota{"k": {ServiceKey: "k", Limit: 100}},
	}))
}

func hold(amount int64) quota.MutateFunc {
	return func(_ *quota.Account, q *quota.Quota) error {
		q.Used += amount
		q.Reserved += amount
		return nil
	}
}

func TestRedisStore_ReservationLifecycle(t *testing.T) {
	s := newRedisStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	seedRedisAccount(t, s, now)

	r := &quota.Reservation{
		ID: "r1", TenantID: "t1", ServiceKey: "k", Amount: 10, State: quota.StateOpen,
		CreatedAt: now, ExpiresAt: now.Add(-time.Minute),
	}
	m := quota.Mutation{TenantID: "t1", ServiceKey: "k", At: now, Kind: "reserve", RequestID: "job-1", Ref: r.ID}
	q, err := s.Reserve(ctx, m, r, hold(10))
	require.NoError(t, err)
	assert.Equal(t, int64(10), q.Reserved)

	expired, err := s.ListExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	res, q, err := s.SettleReservation(ctx, "r1", quota.StateExpired, 0, now.Add(-time.Second))
	require.NoError(t, err)
	assert.Equal(t, quota.StateExpired, res.State)
	require.NotNil(t, q)
	assert.Equal(t, int64(0), q.Used)
	assert.Equal(t, int64(0), q.Reserved)

	_, _, err = s.SettleReservation(ctx, "r1", quota.StateCommitted, 10, now)
	assert.True(t, errors.Is(err, quota.ErrReservationAlreadyConsumed))

	acct, err := s.CurrentAccount(ctx, "t1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.Quotas["k"].Reserved)

	n, err := s.PurgeResolved(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetReservation(ctx, "r1")
	assert.ErrorIs(t, err, quota.ErrReservationNotFound)
}

func TestRedisStore_RequestIDReplays(t *testing.T) {
	s := newRedisStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	seedRedisAccount(t, s, now)

	r := &quota.Reservation{
		ID: "r1", TenantID: "t1", ServiceKey: "k", Amount: 30, State: quota.StateOpen,
		CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	}
	m := quota.Mutation{TenantID: "t1", ServiceKey: "k", At: now, Kind: "reserve", RequestID: "job-1", Ref: r.ID}

	var wg sync.WaitGroup
	var applied sync.Map
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cp := *r
			_, err := s.Reserve(ctx, m, &cp, hold(30))
			if err == nil {
				applied.Store(i, true)
				return
			}
			var replay *quota.ReplayError
			if assert.ErrorAs(t, err, &replay) {
				assert.Equal(t, "r1", replay.Ref)
			}
		}(i)
	}
	wg.Wait()

	wins := 0
	applied.Range(func(any, any) bool { wins++; return true })
	assert.Equal(t, 1, wins)

	acct, err := s.CurrentAccount(ctx, "t1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(30), acct.Quotas["k"].Used)
	assert.Equal(t, int64(30), acct.Quotas["k"].Reserved)
}
