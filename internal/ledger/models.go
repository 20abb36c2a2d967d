package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/alecgard/tally/internal/policy"
)

var (
	// ErrQuotaExceeded is returned, wrapped in a *DeclineError, when a
	// mutation would exceed the quota under the active overage policy.
	ErrQuotaExceeded = errors.New("ledger: quota exceeded")
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
)

// Decline reasons reported in Decision.Reason.
const (
	ReasonQuotaExceeded     = "quota_exceeded"
	ReasonAccountInactive   = "account_inactive"
	ReasonServiceNotAllowed = "service_not_allowed"
	ReasonMaxUnitsExceeded  = "max_units_exceeded"
)

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed        bool   `json:"allowed"`
	CurrentUsed    int64  `json:"currentUsed"`
	Limit          int64  `json:"limit"`
	Requested      int64  `json:"requested"`
	OverageAllowed bool   `json:"overageAllowed"`
	Reason         string `json:"reason,omitempty"`
}

// DeclineError carries the Decision behind a refused mutation.
type DeclineError struct {
	Decision Decision
}

func (e *DeclineError) Error() string {
	return fmt.Sprintf("%s: %s (used %d + requested %d, limit %d)",
		ErrQuotaExceeded, e.Decision.Reason, e.Decision.CurrentUsed, e.Decision.Requested, e.Decision.Limit)
}

func (e *DeclineError) Unwrap() error { return ErrQuotaExceeded }

// DebitResult is returned by Debit.
type DebitResult struct {
	Success        bool   `json:"success"`
	QuotaRemaining int64  `json:"quotaRemaining"`
	Overage        int64  `json:"overage"`
	Warning        string `json:"warning,omitempty"`
	Replayed       bool   `json:"replayed,omitempty"`
}

// CreditResult is returned by Credit.
type CreditResult struct {
	Success        bool  `json:"success"`
	QuotaRemaining int64 `json:"quotaRemaining"`
	Replayed       bool  `json:"replayed,omitempty"`
}

// Authorization is returned by Preauthorize.
type Authorization struct {
	Authorized    bool      `json:"authorized"`
	ReservationID string    `json:"reservationId,omitempty"`
	ExpiresAt     time.Time `json:"expiresAt,omitempty"`
	Replayed      bool      `json:"replayed,omitempty"`
}

// CommitResult is returned by Commit.
type CommitResult struct {
	Success        bool  `json:"success"`
	QuotaRemaining int64 `json:"quotaRemaining"`
}

// Level grades how close a quota is to its limit.
type Level string

const (
	LevelNone     Level = "none"
	LevelSoft     Level = "soft"
	LevelHard     Level = "hard"
	LevelCritical Level = "critical"
)

// LevelFor grades used against limit. Unlimited and zero limits are never
// graded; critical starts at 100%.
func LevelFor(used, limit int64, th policy.Thresholds) Level {
	if limit <= 0 {
		return LevelNone
	}
	pct := float64(used) / float64(limit)
	switch {
	case pct >= 1:
		return LevelCritical
	case th.HardWarn > 0 && pct >= th.HardWarn:
		return LevelHard
	case th.SoftWarn > 0 && pct >= th.SoftWarn:
		return LevelSoft
	}
	return LevelNone
}

// warning returns the non-fatal message attached to a debit that leaves the
// quota past a warn threshold.
func warning(used, limit int64, th policy.Thresholds) string {
	pct := 0.0
	if limit > 0 {
		pct = float64(used) / float64(limit) * 100
	}
	switch LevelFor(used, limit, th) {
	case LevelCritical:
		if th.HardWarn > 0 {
			return fmt.Sprintf("usage at %.0f%% of limit exceeds hard threshold (%.0f%%)", pct, th.HardWarn*100)
		}
		return fmt.Sprintf("usage at %.0f%% of limit", pct)
	case LevelHard:
		return fmt.Sprintf("usage at %.0f%% of limit exceeds hard threshold (%.0f%%)", pct, th.HardWarn*100)
	case LevelSoft:
		return fmt.Sprintf("usage at %.0f%% of limit exceeds soft threshold (%.0f%%)", pct, th.SoftWarn*100)
	}
	return ""
}
