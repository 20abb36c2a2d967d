package usage

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType classifies a usage event.
type EventType string

const (
	EventCheck   EventType = "check"
	EventRecord  EventType = "record"
	EventReserve EventType = "reserve"
	EventCommit  EventType = "commit"
	EventCancel  EventType = "cancel"
	EventCredit  EventType = "credit"
	EventExpire  EventType = "expire"
)

// Consumes reports whether the event type moves billable usage, and in which
// direction: +1 for consumption, -1 for a correction, 0 otherwise.
func (t EventType) Consumes() int {
	switch t {
	case EventRecord, EventCommit:
		return 1
	case EventCredit:
		return -1
	}
	return 0
}

// Event is one immutable entry of the usage audit trail.
type Event struct {
	ID            string            `json:"id"`
	TenantID      string            `json:"tenantId"`
	UserID        string            `json:"userId,omitempty"`
	ServiceKey    string            `json:"serviceKey"`
	Units         int64             `json:"units"`
	Cost          decimal.Decimal   `json:"cost"`
	EventType     EventType         `json:"eventType"`
	RequestID     string            `json:"requestId,omitempty"`
	ReservationID string            `json:"reservationId,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Bucket aggregates billable usage for one service on one UTC day.
type Bucket struct {
	ServiceKey string          `json:"serviceKey"`
	Date       string          `json:"date"`
	Units      int64           `json:"units"`
	Cost       decimal.Decimal `json:"cost"`
	Events     int64           `json:"events"`
}

// Query defines filters and pagination for listing events.
type Query struct {
	TenantID   string    `json:"tenantId"`
	ServiceKey string    `json:"serviceKey,omitempty"`
	EventType  EventType `json:"eventType,omitempty"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	Cursor     string    `json:"cursor,omitempty"`
	Limit      int       `json:"limit"`
}
