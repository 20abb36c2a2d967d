// Package metering is the entry point surrounding systems use to check,
// record and reserve usage and to read a tenant's standing.
package metering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alecgard/tally/internal/ledger"
	"github.com/alecgard/tally/internal/quota"
	"github.com/alecgard/tally/internal/usage"
)

// Recorder is the usage trail the service writes to and reads from.
// *usage.Recorder implements it.
type Recorder interface {
	Append(ev usage.Event)
	Breakdown(ctx context.Context, tenantID string, days int) ([]usage.Bucket, error)
	Events(ctx context.Context, q usage.Query) ([]*usage.Event, string, error)
}

// Options configures a Service.
type Options struct {
	Plans       map[string]Plan
	DefaultPlan string
	Cycle       quota.Cycle
	// CycleFromPolicy cuts periods by the resolved billing_cycle_days,
	// anchored at Cycle.Anchor, instead of by Cycle.Days.
	CycleFromPolicy bool
	// AutoProvision opens an account from DefaultPlan the first time a
	// tenant without one is metered.
	AutoProvision bool
}

// Service composes the ledger, the usage recorder and the account store.
type Service struct {
	ledger   *ledger.Ledger
	accounts quota.Store
	recorder Recorder
	opts     Options
	now      func() time.Time
}

// NewService creates a Service.
func NewService(l *ledger.Ledger, accounts quota.Store, recorder Recorder, opts Options) *Service {
	return &Service{
		ledger:   l,
		accounts: accounts,
		recorder: recorder,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// provisioned runs fn, opening the tenant's account and retrying once when
// auto-provisioning is on and the tenant has no current account.
func (s *Service) provisioned(ctx context.Context, tenantID string, fn func() error) error {
	err := fn()
	if !s.opts.AutoProvision || !errors.Is(err, quota.ErrAccountNotFound) {
		return err
	}
	if _, perr := s.EnsureAccount(ctx, tenantID, ""); perr != nil {
		return perr
	}
	return fn()
}

// Check reports whether amount more units would be accepted and leaves a
// check event on the usage trail.
func (s *Service) Check(ctx context.Context, req Request) (ledger.Decision, error) {
	var d ledger.Decision
	err := s.provisioned(ctx, req.TenantID, func() error {
		var err error
		d, err = s.ledger.CanExecute(ctx, req.TenantID, req.ServiceKey, req.Amount)
		return err
	})
	if err != nil {
		return ledger.Decision{}, err
	}

	md := req.Metadata
	if !d.Allowed {
		md = withReason(md, d.Reason)
	}
	s.recorder.Append(usage.Event{
		TenantID:   req.TenantID,
		UserID:     req.UserID,
		ServiceKey: req.ServiceKey,
		Units:      req.Amount,
		EventType:  usage.EventCheck,
		RequestID:  req.RequestID,
		Metadata:   md,
	})
	return d, nil
}

func withReason(md map[string]string, reason string) map[string]string {
	out := make(map[string]string, len(md)+1)
	for k, v := range md {
		out[k] = v
	}
	out["decline_reason"] = reason
	return out
}

// Record debits amount units.
func (s *Service) Record(ctx context.Context, req Request) (ledger.DebitResult, error) {
	var res ledger.DebitResult
	err := s.provisioned(ctx, req.TenantID, func() error {
		var err error
		res, err = s.ledger.Debit(ctx, req.TenantID, req.ServiceKey, req.Amount, req.caller())
		return err
	})
	return res, err
}

// Preauthorize reserves amount units.
func (s *Service) Preauthorize(ctx context.Context, req Request) (ledger.Authorization, error) {
	var auth ledger.Authorization
	err := s.provisioned(ctx, req.TenantID, func() error {
		var err error
		auth, err = s.ledger.Preauthorize(ctx, req.TenantID, req.ServiceKey, req.Amount, req.caller())
		return err
	})
	return auth, err
}

// Commit settles req.ReservationID at req.Amount units.
func (s *Service) Commit(ctx context.Context, req Request) (ledger.CommitResult, error) {
	return s.ledger.Commit(ctx, req.ReservationID, req.Amount, req.caller())
}

// Cancel releases req.ReservationID.
func (s *Service) Cancel(ctx context.Context, req Request) (CancelResult, error) {
	if err := s.ledger.Cancel(ctx, req.ReservationID, req.caller()); err != nil {
		return CancelResult{}, err
	}
	return CancelResult{Success: true}, nil
}

// Summary derives a tenant's standing from its current account.
func (s *Service) Summary(ctx context.Context, tenantID string) (*Summary, error) {
	acct, err := s.accounts.CurrentAccount(ctx, tenantID, s.now())
	if err != nil {
		return nil, fmt.Errorf("loading account for %s: %w", tenantID, err)
	}
	th, err := s.ledger.Thresholds(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		TenantID:           tenantID,
		AccountID:          acct.ID,
		PlanID:             acct.PlanID,
		Status:             acct.Status,
		OveragePolicy:      acct.OveragePolicy,
		Services:           make([]ServiceSummary, 0, len(acct.Quotas)),
		Warning:            ledger.LevelNone,
		TotalEstimatedCost: decimal.Zero,
		PeriodStart:        acct.PeriodStart,
		PeriodEnd:          acct.PeriodEnd,
	}

	var used, limit int64
	for _, q := range acct.Quotas {
		unit := decimal.NewFromFloat(q.UnitCost)
		ss := ServiceSummary{
			ServiceKey:    q.ServiceKey,
			Limit:         q.Limit,
			Used:          q.Used,
			Reserved:      q.Reserved,
			Overage:       q.Overage,
			Remaining:     q.Remaining(),
			PercentUsed:   q.PercentUsed() * 100,
			Warning:       ledger.LevelFor(q.Used, q.Limit, th),
			UnitCost:      unit,
			EstimatedCost: unit.Mul(decimal.NewFromInt(q.Used)),
		}
		sum.Services = append(sum.Services, ss)
		sum.TotalEstimatedCost = sum.TotalEstimatedCost.Add(ss.EstimatedCost)
		if severity(ss.Warning) > severity(sum.Warning) {
			sum.Warning = ss.Warning
		}
		if q.Limit > 0 {
			used += q.Used
			limit += q.Limit
		}
	}
	sort.Slice(sum.Services, func(i, j int) bool {
		return sum.Services[i].ServiceKey < sum.Services[j].ServiceKey
	})
	if limit > 0 {
		sum.OverallPercent = float64(used) / float64(limit) * 100
	}
	return sum, nil
}

func severity(l ledger.Level) int {
	switch l {
	case ledger.LevelSoft:
		return 1
	case ledger.LevelHard:
		return 2
	case ledger.LevelCritical:
		return 3
	}
	return 0
}

// Breakdown returns the tenant's billable usage per service and UTC day.
func (s *Service) Breakdown(ctx context.Context, tenantID string, days int) ([]usage.Bucket, error) {
	buckets, err := s.recorder.Breakdown(ctx, tenantID, days)
	if err != nil {
		return nil, fmt.Errorf("loading usage breakdown: %w", err)
	}
	return buckets, nil
}

// Events lists the usage trail.
func (s *Service) Events(ctx context.Context, q usage.Query) ([]*usage.Event, string, error) {
	return s.recorder.Events(ctx, q)
}

func (s *Service) cycle(ctx context.Context, tenantID string) (quota.Cycle, error) {
	c := s.opts.Cycle
	if !s.opts.CycleFromPolicy {
		return c, nil
	}
	th, err := s.ledger.Thresholds(ctx, tenantID)
	if err != nil {
		return c, err
	}
	c.Days = th.BillingCycleDays
	return c, nil
}

// EnsureAccount returns the tenant's account for the current period,
// opening one from planID (or the default plan) when none exists. The
// previous period's account, if still open, is archived.
func (s *Service) EnsureAccount(ctx context.Context, tenantID, planID string) (*quota.Account, error) {
	now := s.now()
	acct, err := s.accounts.CurrentAccount(ctx, tenantID, now)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, quota.ErrAccountNotFound) {
		return nil, fmt.Errorf("loading account for %s: %w", tenantID, err)
	}

	if planID == "" {
		planID = s.opts.DefaultPlan
	}
	plan, ok := s.opts.Plans[planID]
	if !ok {
		return nil, fmt.Errorf("unknown plan %q", planID)
	}
	if plan.ID == "" {
		plan.ID = planID
	}
	cycle, err := s.cycle(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	start, end := cycle.Bounds(now)

	prev, err := s.accounts.CurrentAccount(ctx, tenantID, start.Add(-time.Nanosecond))
	switch {
	case err == nil:
		if err := s.accounts.SetAccountStatus(ctx, prev.ID, quota.StatusArchived); err != nil {
			return nil, fmt.Errorf("archiving account %s: %w", prev.ID, err)
		}
		slog.Info("archived account at period rollover", "tenant_id", tenantID, "account_id", prev.ID)
	case !errors.Is(err, quota.ErrAccountNotFound):
		return nil, fmt.Errorf("loading previous account for %s: %w", tenantID, err)
	}

	op := plan.OveragePolicy
	if !op.Valid() {
		op = quota.OverageSoftLimit
	}
	acct = &quota.Account{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		PlanID:        plan.ID,
		Status:        quota.StatusActive,
		OveragePolicy: op,
		Quotas:        make(map[string]*quota.Quota, len(plan.Quotas)),
		PeriodStart:   start,
		PeriodEnd:     end,
	}
	for key, pq := range plan.Quotas {
		acct.Quotas[key] = &quota.Quota{ServiceKey: key, Limit: pq.Limit, UnitCost: pq.UnitCost}
	}

	err = s.accounts.CreateAccount(ctx, acct)
	if errors.Is(err, quota.ErrAccountExists) {
		return s.accounts.CurrentAccount(ctx, tenantID, now)
	}
	if err != nil {
		return nil, fmt.Errorf("creating account for %s: %w", tenantID, err)
	}
	slog.Info("opened account", "tenant_id", tenantID, "account_id", acct.ID, "plan_id", plan.ID,
		"period_start", start, "period_end", end)
	return acct, nil
}
