package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/alecgard/tally/internal/ledger"
	"github.com/alecgard/tally/internal/metering"
	"github.com/alecgard/tally/internal/policy"
	"github.com/alecgard/tally/internal/quota"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

// errorEnvelope is the standard error response shape.
type errorEnvelope struct {
	Error    errorDetail      `json:"error"`
	Decision *ledger.Decision `json:"decision,omitempty"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// writeError writes a JSON error response with the given status code.
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, errorEnvelope{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeJSON writes a JSON response with the given status code and data.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// readJSON decodes the request body into v, enforcing a size limit.
func readJSON(r *http.Request, v interface{}) error {
	lr := io.LimitReader(r.Body, maxBodySize)
	return json.NewDecoder(lr).Decode(v)
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// validateRequest applies the struct's validate tags.
func validateRequest(v interface{}) error {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate.Struct(v)
}

// writeValidationError reports the first failed field of a validator error.
func writeValidationError(w http.ResponseWriter, err error) {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: errorDetail{
			Code:    "invalid_params",
			Message: ve[0].Field() + " failed " + ve[0].Tag() + " validation",
			Field:   ve[0].Field(),
		}})
		return
	}
	writeError(w, http.StatusBadRequest, "invalid_params", err.Error())
}

// writeServiceError maps domain errors onto HTTP responses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var decline *ledger.DeclineError
	var verr *policy.ValidationError

	switch {
	case errors.As(err, &decline):
		writeJSON(w, http.StatusConflict, errorEnvelope{
			Error:    errorDetail{Code: "quota_exceeded", Message: decline.Decision.Reason},
			Decision: &decline.Decision,
		})
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: errorDetail{
			Code:    "validation_error",
			Message: verr.Message,
			Field:   verr.Field,
		}})
	case errors.Is(err, ledger.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "invalid_params", "amount must be positive")
	case errors.Is(err, metering.ErrInvalidAction):
		writeError(w, http.StatusBadRequest, "invalid_action", "unknown action")
	case errors.Is(err, policy.ErrInvalidScope):
		writeError(w, http.StatusBadRequest, "invalid_scope", "unknown policy scope")
	case errors.Is(err, policy.ErrDraftNotFound):
		writeError(w, http.StatusNotFound, "draft_not_found", "draft not found")
	case errors.Is(err, policy.ErrVersionNotFound):
		writeError(w, http.StatusNotFound, "version_not_found", "policy version not found")
	case errors.Is(err, quota.ErrReservationNotFound):
		writeError(w, http.StatusNotFound, "reservation_not_found", "reservation not found")
	case errors.Is(err, quota.ErrReservationAlreadyConsumed):
		writeError(w, http.StatusConflict, "reservation_already_consumed", "reservation already committed or cancelled")
	case errors.Is(err, quota.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "account_not_found", "no account for the current period")
	case errors.Is(err, quota.ErrQuotaNotFound):
		writeError(w, http.StatusNotFound, "quota_not_found", "no quota for service")
	case errors.Is(err, quota.ErrStoreUnavailable), errors.Is(err, policy.ErrStoreUnavailable):
		slog.Error("store unavailable", "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()), "error", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "service temporarily unavailable")
	default:
		slog.Error("request failed", "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
