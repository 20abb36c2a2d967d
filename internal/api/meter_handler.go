package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/alecgard/tally/internal/auth"
	"github.com/alecgard/tally/internal/ledger"
	"github.com/alecgard/tally/internal/metering"
	"github.com/alecgard/tally/internal/usage"
)

// Meter is the metering surface the handler drives. *metering.Service
// implements it.
type Meter interface {
	Check(ctx context.Context, req metering.Request) (ledger.Decision, error)
	Record(ctx context.Context, req metering.Request) (ledger.DebitResult, error)
	Preauthorize(ctx context.Context, req metering.Request) (ledger.Authorization, error)
	Commit(ctx context.Context, req metering.Request) (ledger.CommitResult, error)
	Cancel(ctx context.Context, req metering.Request) (metering.CancelResult, error)
	Summary(ctx context.Context, tenantID string) (*metering.Summary, error)
	Breakdown(ctx context.Context, tenantID string, days int) ([]usage.Bucket, error)
	Events(ctx context.Context, q usage.Query) ([]*usage.Event, string, error)
}

// meterHandler groups the metering HTTP handlers.
type meterHandler struct {
	meter Meter
}

func newMeterHandler(meter Meter) *meterHandler {
	return &meterHandler{meter: meter}
}

type meterRequest struct {
	Action        string            `json:"action" validate:"required"`
	TenantID      string            `json:"tenantId" validate:"max=128"`
	ServiceKey    string            `json:"serviceKey" validate:"max=128"`
	Amount        *int64            `json:"amount" validate:"omitempty,min=0"`
	ReservationID string            `json:"reservationId" validate:"max=64"`
	UserID        string            `json:"userId" validate:"max=128"`
	RequestID     string            `json:"requestId" validate:"max=128"`
	Metadata      map[string]string `json:"metadata" validate:"max=32,dive,keys,max=64,endkeys,max=1024"`
}

// missing returns the first field the action requires but the request lacks.
func (m *meterRequest) missing(action metering.Action) string {
	switch action {
	case metering.ActionCheck, metering.ActionRecord, metering.ActionPreauthorize:
		switch {
		case m.TenantID == "":
			return "tenantId"
		case m.ServiceKey == "":
			return "serviceKey"
		case m.Amount == nil:
			return "amount"
		}
	case metering.ActionCommit:
		switch {
		case m.ReservationID == "":
			return "reservationId"
		case m.Amount == nil:
			return "amount"
		}
	case metering.ActionCancel:
		if m.ReservationID == "" {
			return "reservationId"
		}
	}
	return ""
}

// Meter handles POST /meter.
func (h *meterHandler) Meter(w http.ResponseWriter, r *http.Request) {
	var body meterRequest
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON request body")
		return
	}
	if err := validateRequest(&body); err != nil {
		writeValidationError(w, err)
		return
	}

	action, err := metering.ParseAction(body.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_action", fmt.Sprintf("unknown action %q", body.Action))
		return
	}
	if field := body.missing(action); field != "" {
		writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: errorDetail{
			Code:    "invalid_params",
			Message: field + " is required for " + string(action),
			Field:   field,
		}})
		return
	}

	req := metering.Request{
		TenantID:      body.TenantID,
		ServiceKey:    body.ServiceKey,
		ReservationID: body.ReservationID,
		UserID:        body.UserID,
		RequestID:     body.RequestID,
		Metadata:      body.Metadata,
	}
	if body.Amount != nil {
		req.Amount = *body.Amount
	}
	if req.RequestID == "" {
		req.RequestID = RequestIDFromContext(r.Context())
	}
	if req.UserID == "" {
		if c := auth.CallerFromContext(r.Context()); c != nil {
			req.UserID = c.ID
		}
	}

	var resp any
	switch action {
	case metering.ActionCheck:
		resp, err = h.meter.Check(r.Context(), req)
	case metering.ActionRecord:
		resp, err = h.meter.Record(r.Context(), req)
	case metering.ActionPreauthorize:
		resp, err = h.meter.Preauthorize(r.Context(), req)
	case metering.ActionCommit:
		resp, err = h.meter.Commit(r.Context(), req)
	case metering.ActionCancel:
		resp, err = h.meter.Cancel(r.Context(), req)
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func requireTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID := r.URL.Query().Get("tenantId")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "invalid_params", "tenantId is required")
		return "", false
	}
	return tenantID, true
}

// Summary handles GET /meter?tenantId=....
func (h *meterHandler) Summary(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	summary, err := h.meter.Summary(r.Context(), tenantID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// Breakdown handles GET /meter/breakdown?tenantId=...&days=N.
func (h *meterHandler) Breakdown(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	days := 30
	if s := r.URL.Query().Get("days"); s != "" {
		d, err := strconv.Atoi(s)
		if err != nil || d < 1 || d > 366 {
			writeError(w, http.StatusBadRequest, "invalid_params", "days must be between 1 and 366")
			return
		}
		days = d
	}

	buckets, err := h.meter.Breakdown(r.Context(), tenantID, days)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if buckets == nil {
		buckets = []usage.Bucket{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenantId": tenantID,
		"days":     days,
		"buckets":  buckets,
	})
}

// parseTimeParam parses a date query param in YYYY-MM-DD or RFC3339 format.
func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	// Try RFC3339 first.
	t, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return t, nil
	}
	// Fall back to date-only.
	return time.Parse("2006-01-02", s)
}

// buildEventsQuery constructs a usage.Query from query params.
func buildEventsQuery(r *http.Request, tenantID string) (usage.Query, error) {
	params := r.URL.Query()
	q := usage.Query{
		TenantID:   tenantID,
		ServiceKey: params.Get("serviceKey"),
		EventType:  usage.EventType(params.Get("eventType")),
		Cursor:     params.Get("cursor"),
	}

	from, err := parseTimeParam(params.Get("from"))
	if err != nil {
		return q, fmt.Errorf("invalid 'from' parameter")
	}
	q.From = from

	to, err := parseTimeParam(params.Get("to"))
	if err != nil {
		return q, fmt.Errorf("invalid 'to' parameter")
	}
	q.To = to

	if limitStr := params.Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 1 || l > 500 {
			return q, fmt.Errorf("limit must be between 1 and 500")
		}
		q.Limit = l
	}
	return q, nil
}

// Events handles GET /meter/events?tenantId=....
func (h *meterHandler) Events(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	q, err := buildEventsQuery(r, tenantID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", err.Error())
		return
	}

	events, nextCursor, err := h.meter.Events(r.Context(), q)
	if errors.Is(err, usage.ErrInvalidCursor) {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid cursor")
		return
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []*usage.Event{}
	}

	resp := map[string]interface{}{
		"events": events,
	}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}
