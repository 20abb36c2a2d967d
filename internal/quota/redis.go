package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisStore keeps accounts and reservations in Redis so several server
// instances can share quota state. Account records are JSON documents updated
// with WATCH/MULTI optimistic transactions; a conflicting write makes the
// transaction retry against the fresh value. A reservation and the account
// it draws on are watched and written together.
type RedisStore struct {
	client     goredis.UniversalClient
	keyPrefix  string
	maxRetries int
	requestTTL time.Duration
}

var (
	_ Store            = (*RedisStore)(nil)
	_ ReservationStore = (*RedisStore)(nil)
)

// RedisOption configures RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the Redis key prefix (default "tally:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.keyPrefix = prefix }
}

// WithTxRetries sets how many times a conflicting transaction is retried.
func WithTxRetries(n int) RedisOption {
	return func(s *RedisStore) { s.maxRetries = n }
}

// WithRequestTTL sets how long applied request ids are remembered
// (default 24h). Redis expires them on its own, so PurgeRequests is a no-op.
func WithRequestTTL(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.requestTTL = d }
}

// NewRedisStore creates a Redis-backed store. The client must support WATCH,
// so pass a *goredis.Client or *goredis.ClusterClient.
func NewRedisStore(client goredis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:     client,
		keyPrefix:  "tally:",
		maxRetries: 16,
		requestTTL: 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) accountKey(id string) string    { return s.keyPrefix + "acct:" + id }
func (s *RedisStore) tenantKey(tenant string) string { return s.keyPrefix + "tenant:" + tenant }
func (s *RedisStore) resKey(id string) string        { return s.keyPrefix + "res:" + id }
func (s *RedisStore) openKey() string                { return s.keyPrefix + "res:open" }
func (s *RedisStore) resolvedKey() string            { return s.keyPrefix + "res:resolved" }

func (s *RedisStore) requestKey(m Mutation) string {
	return s.keyPrefix + "req:" + m.TenantID + ":" + m.ServiceKey + ":" + m.Kind + ":" + m.RequestID
}

func redisErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// watch runs fn inside a WATCH on keys, retrying while another client wins
// the race.
func (s *RedisStore) watch(ctx context.Context, op string, fn func(tx *goredis.Tx) error, keys ...string) error {
	for i := 0; i <= s.maxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%s: %w: too many conflicting writers", op, ErrStoreUnavailable)
}

func getJSON[T any](ctx context.Context, c goredis.Cmdable, key string) (*T, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}
	v := new(T)
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) findCurrent(ctx context.Context, c goredis.Cmdable, tenantID string, at time.Time) (*Account, error) {
	ids, err := c.SMembers(ctx, s.tenantKey(tenantID)).Result()
	if err != nil {
		return nil, redisErr("listing tenant accounts", err)
	}
	for _, id := range ids {
		a, err := getJSON[Account](ctx, c, s.accountKey(id))
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return nil, redisErr("getting account", err)
		}
		if a.Status != StatusArchived && a.Covers(at) {
			return a, nil
		}
	}
	return nil, ErrAccountNotFound
}

func (s *RedisStore) CurrentAccount(ctx context.Context, tenantID string, at time.Time) (*Account, error) {
	a, err := s.findCurrent(ctx, s.client, tenantID, at)
	if err != nil {
		return nil, err
	}
	if a.Quotas == nil {
		a.Quotas = map[string]*Quota{}
	}
	return a, nil
}

func (s *RedisStore) CreateAccount(ctx context.Context, acct *Account) error {
	cp := acct.Clone()
	for _, q := range cp.Quotas {
		q.Normalize()
	}
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encoding account: %w", err)
	}

	tenantKey := s.tenantKey(acct.TenantID)
	return s.watch(ctx, "creating account", func(tx *goredis.Tx) error {
		ids, err := tx.SMembers(ctx, tenantKey).Result()
		if err != nil {
			return redisErr("listing tenant accounts", err)
		}
		for _, id := range ids {
			a, err := getJSON[Account](ctx, tx, s.accountKey(id))
			if errors.Is(err, goredis.Nil) {
				continue
			}
			if err != nil {
				return redisErr("getting account", err)
			}
			if a.Status != StatusArchived && a.PeriodStart.Equal(acct.PeriodStart) {
				return ErrAccountExists
			}
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.Set(ctx, s.accountKey(cp.ID), raw, 0)
			p.SAdd(ctx, tenantKey, cp.ID)
			return nil
		})
		return err
	}, tenantKey)
}

// mutateAccount applies fn to the stored account under a WATCH.
func (s *RedisStore) mutateAccount(ctx context.Context, op, accountID string, fn func(a *Account) error) error {
	key := s.accountKey(accountID)
	return s.watch(ctx, op, func(tx *goredis.Tx) error {
		a, err := getJSON[Account](ctx, tx, key)
		if errors.Is(err, goredis.Nil) {
			return ErrAccountNotFound
		}
		if err != nil {
			return redisErr("getting account", err)
		}
		if err := fn(a); err != nil {
			return err
		}
		raw, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encoding account: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.Set(ctx, key, raw, 0)
			return nil
		})
		return err
	}, key)
}

func (s *RedisStore) SetAccountStatus(ctx context.Context, accountID string, status AccountStatus) error {
	return s.mutateAccount(ctx, "setting account status", accountID, func(a *Account) error {
		a.Status = status
		return nil
	})
}

func (s *RedisStore) SetQuota(ctx context.Context, accountID string, q Quota) error {
	return s.mutateAccount(ctx, "setting quota", accountID, func(a *Account) error {
		if a.Quotas == nil {
			a.Quotas = map[string]*Quota{}
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
	})
}

// apply runs fn against the quota m addresses under a WATCH on the account
// and request keys. queue adds further writes to the same MULTI.
func (s *RedisStore) apply(ctx context.Context, op string, m Mutation, fn MutateFunc, queue func(p goredis.Pipeliner)) (*Quota, error) {
	current, err := s.findCurrent(ctx, s.client, m.TenantID, m.At)
	if err != nil {
		return nil, err
	}
	key := s.accountKey(current.ID)
	keys := []string{key}
	var reqKey string
	if m.RequestID != "" {
		reqKey = s.requestKey(m)
		keys = append(keys, reqKey)
	}

	var out Quota
	err = s.watch(ctx, op, func(tx *goredis.Tx) error {
		a, err := getJSON[Account](ctx, tx, key)
		if errors.Is(err, goredis.Nil) {
			return ErrAccountNotFound
		}
		if err != nil {
			return redisErr("getting account", err)
		}
		if a.Status == StatusArchived || !a.Covers(m.At) {
			return ErrAccountNotFound
		}
		q, ok := a.Quotas[m.ServiceKey]
		if !ok {
			return ErrQuotaNotFound
		}

		if reqKey != "" {
			ref, err := tx.Get(ctx, reqKey).Result()
			if err == nil {
				cp := *q
				return &ReplayError{Ref: ref, Quota: &cp}
			}
			if !errors.Is(err, goredis.Nil) {
				return redisErr("checking request id", err)
			}
		}

		work := *q
		if err := fn(a.Clone(), &work); err != nil {
			return err
		}
		work.Normalize()
		*q = work
		raw, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encoding account: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.Set(ctx, key, raw, 0)
			if reqKey != "" {
				p.Set(ctx, reqKey, m.Ref, s.requestTTL)
			}
			if queue != nil {
				queue(p)
			}
			return nil
		})
		if err != nil {
			return err
		}
		out = work
		return nil
	}, keys...)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *RedisStore) UpdateQuota(ctx context.Context, m Mutation, fn MutateFunc) (*Quota, error) {
	return s.apply(ctx, "updating quota", m, fn, nil)
}

func (s *RedisStore) PurgeRequests(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (s *RedisStore) Reserve(ctx context.Context, m Mutation, r *Reservation, fn MutateFunc) (*Quota, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding reservation: %w", err)
	}
	return s.apply(ctx, "reserving quota", m, fn, func(p goredis.Pipeliner) {
		p.Set(ctx, s.resKey(r.ID), raw, 0)
		p.ZAdd(ctx, s.openKey(), goredis.Z{Score: float64(r.ExpiresAt.Unix()), Member: r.ID})
	})
}

func (s *RedisStore) GetReservation(ctx context.Context, id string) (*Reservation, error) {
	r, err := getJSON[Reservation](ctx, s.client, s.resKey(id))
	if errors.Is(err, goredis.Nil) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, redisErr("getting reservation", err)
	}
	return r, nil
}

func (s *RedisStore) SettleReservation(ctx context.Context, id string, to ReservationState, actual int64, at time.Time) (*Reservation, *Quota, error) {
	r, err := s.GetReservation(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	key := s.resKey(id)
	keys := []string{key}
	var acctKey string
	current, err := s.findCurrent(ctx, s.client, r.TenantID, r.CreatedAt)
	switch {
	case err == nil:
		acctKey = s.accountKey(current.ID)
		keys = append(keys, acctKey)
	case !errors.Is(err, ErrAccountNotFound):
		return nil, nil, err
	}

	var out *Reservation
	var settled *Quota
	err = s.watch(ctx, "settling reservation", func(tx *goredis.Tx) error {
		r, err := getJSON[Reservation](ctx, tx, key)
		if errors.Is(err, goredis.Nil) {
			return ErrReservationNotFound
		}
		if err != nil {
			return redisErr("getting reservation", err)
		}
		if err := r.Resolve(to, actual, at); err != nil {
			return err
		}
		rawRes, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encoding reservation: %w", err)
		}

		var q *Quota
		var rawAcct []byte
		if acctKey != "" {
			a, err := getJSON[Account](ctx, tx, acctKey)
			switch {
			case errors.Is(err, goredis.Nil):
			case err != nil:
				return redisErr("getting account", err)
			case a.Status != StatusArchived && a.Quotas[r.ServiceKey] != nil:
				q = a.Quotas[r.ServiceKey]
				r.Release(q)
				if rawAcct, err = json.Marshal(a); err != nil {
					return fmt.Errorf("encoding account: %w", err)
				}
			}
		}

		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.Set(ctx, key, rawRes, 0)
			p.ZRem(ctx, s.openKey(), id)
			p.ZAdd(ctx, s.resolvedKey(), goredis.Z{Score: float64(at.Unix()), Member: id})
			if rawAcct != nil {
				p.Set(ctx, acctKey, rawAcct, 0)
			}
			return nil
		})
		if err != nil {
			return err
		}
		out, settled = r, q
		return nil
	}, keys...)
	if err != nil {
		return nil, nil, err
	}
	return out, settled, nil
}

func (s *RedisStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Reservation, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRangeByScore(ctx, s.openKey(), &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(before.Unix(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, redisErr("listing expired reservations", err)
	}

	out := make([]*Reservation, 0, len(ids))
	for _, id := range ids {
		r, err := s.GetReservation(ctx, id)
		if errors.Is(err, ErrReservationNotFound) {
			s.client.ZRem(ctx, s.openKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if r.State == StateOpen {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *RedisStore) PurgeResolved(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.resolvedKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, redisErr("listing resolved reservations", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, id := range ids {
		keys[i] = s.resKey(id)
		members[i] = id
	}
	_, err = s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Del(ctx, keys...)
		p.ZRem(ctx, s.resolvedKey(), members...)
		return nil
	})
	if err != nil {
		return 0, redisErr("purging reservations", err)
	}
	return int64(len(ids)), nil
}
