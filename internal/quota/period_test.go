package quota

import (
	"testing"
	"time"
)

func TestCycleBounds(t *testing.T) {
	anchor := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		cycle     Cycle
		at        time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name:      "monthly mid month",
			cycle:     Monthly,
			at:        time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC),
			wantStart: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "monthly december rolls year",
			cycle:     Monthly,
			at:        time.Date(2025, 12, 31, 23, 59, 0, 0, time.UTC),
			wantStart: time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "monthly start is inclusive",
			cycle:     Monthly,
			at:        time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
			wantStart: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "fixed days",
			cycle:     Cycle{Days: 30, Anchor: anchor},
			at:        time.Date(2025, 2, 5, 0, 0, 0, 0, time.UTC),
			wantStart: time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "fixed days before anchor",
			cycle:     Cycle{Days: 10, Anchor: anchor},
			at:        time.Date(2024, 12, 25, 0, 0, 0, 0, time.UTC),
			wantStart: time.Date(2024, 12, 22, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := tt.cycle.Bounds(tt.at)
			if !start.Equal(tt.wantStart) || !end.Equal(tt.wantEnd) {
				t.Errorf("got [%v, %v), want [%v, %v)", start, end, tt.wantStart, tt.wantEnd)
			}
		})
	}
}

func TestQuotaDerived(t *testing.T) {
	q := Quota{Limit: 100, Used: 105}
	q.Normalize()
	if q.Overage != 5 {
		t.Errorf("expected overage 5, got %d", q.Overage)
	}
	if q.PercentUsed() != 1.05 {
		t.Errorf("expected 1.05, got %v", q.PercentUsed())
	}
	if !q.CanExecute(0.1) {
		t.Error("expected 105 to be within 110 ceiling")
	}
	if q.CanExecute(0.04) {
		t.Error("expected 105 to exceed 104 ceiling")
	}
	if q.Remaining() != 0 {
		t.Errorf("expected remaining 0, got %d", q.Remaining())
	}

	u := Quota{Limit: Unlimited, Used: 1 << 40}
	u.Normalize()
	if !u.CanExecute(0) || u.PercentUsed() != 0 || u.Overage != 0 || u.Remaining() != Unlimited {
		t.Errorf("unexpected unlimited quota derived values: %+v", u)
	}
}
