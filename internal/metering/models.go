package metering

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alecgard/tally/internal/ledger"
	"github.com/alecgard/tally/internal/quota"
)

var ErrInvalidAction = errors.New("metering: invalid action")

// Action names a metering verb.
type Action string

const (
	ActionCheck        Action = "check"
	ActionRecord       Action = "record"
	ActionPreauthorize Action = "preauthorize"
	ActionCommit       Action = "commit"
	ActionCancel       Action = "cancel"
)

// ParseAction returns the Action named by s or ErrInvalidAction.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionCheck, ActionRecord, ActionPreauthorize, ActionCommit, ActionCancel:
		return a, nil
	}
	return "", ErrInvalidAction
}

// Request carries the arguments of one metering call. Commit and cancel
// identify their target by ReservationID alone.
type Request struct {
	TenantID      string
	ServiceKey    string
	Amount        int64
	ReservationID string
	UserID        string
	RequestID     string
	Metadata      map[string]string
}

func (r Request) caller() ledger.Caller {
	return ledger.Caller{UserID: r.UserID, RequestID: r.RequestID, Metadata: r.Metadata}
}

// CancelResult is returned by Cancel.
type CancelResult struct {
	Success bool `json:"success"`
}

// ServiceSummary describes one quota of a tenant's current account.
type ServiceSummary struct {
	ServiceKey    string          `json:"serviceKey"`
	Limit         int64           `json:"limit"`
	Used          int64           `json:"used"`
	Reserved      int64           `json:"reserved"`
	Overage       int64           `json:"overage"`
	Remaining     int64           `json:"remaining"`
	PercentUsed   float64         `json:"percentUsed"`
	Warning       ledger.Level    `json:"warning"`
	UnitCost      decimal.Decimal `json:"unitCost"`
	EstimatedCost decimal.Decimal `json:"estimatedCost"`
}

// Summary aggregates every quota of a tenant's current account.
type Summary struct {
	TenantID           string              `json:"tenantId"`
	AccountID          string              `json:"accountId"`
	PlanID             string              `json:"planId"`
	Status             quota.AccountStatus `json:"status"`
	OveragePolicy      quota.OveragePolicy `json:"overagePolicy"`
	Services           []ServiceSummary    `json:"services"`
	OverallPercent     float64             `json:"overallPercent"`
	Warning            ledger.Level        `json:"warning"`
	TotalEstimatedCost decimal.Decimal     `json:"totalEstimatedCost"`
	PeriodStart        time.Time           `json:"periodStart"`
	PeriodEnd          time.Time           `json:"periodEnd"`
}

// Plan is a template for the quotas of a newly opened account.
type Plan struct {
	ID            string
	OveragePolicy quota.OveragePolicy
	Quotas        map[string]PlanQuota
}

// PlanQuota is one service entry of a Plan.
type PlanQuota struct {
	Limit    int64
	UnitCost float64
}
