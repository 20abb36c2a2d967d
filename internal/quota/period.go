package quota

import (
	"fmt"
	"time"
)

// Cycle describes how billing periods are cut. A zero Days value means
// calendar months in UTC; otherwise periods are fixed-length runs of Days
// starting at Anchor.
type Cycle struct {
	Days   int
	Anchor time.Time
}

// Monthly is the default calendar-month cycle.
var Monthly = Cycle{}

// Bounds returns the half-open [start, end) period containing t.
func (c Cycle) Bounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	if c.Days <= 0 {
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	}

	length := time.Duration(c.Days) * 24 * time.Hour
	anchor := c.Anchor.UTC()
	elapsed := t.Sub(anchor)
	n := elapsed / length
	if elapsed < 0 && elapsed%length != 0 {
		n--
	}
	start := anchor.Add(n * length)
	return start, start.Add(length)
}

func (c Cycle) String() string {
	if c.Days <= 0 {
		return "monthly"
	}
	return fmt.Sprintf("%dd", c.Days)
}
