package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Sentinel errors returned by the policy package.
var (
	ErrDraftNotFound    = errors.New("policy: draft not found")
	ErrVersionNotFound  = errors.New("policy: version not found")
	ErrInvalidScope     = errors.New("policy: invalid scope")
	ErrStoreUnavailable = errors.New("policy: store unavailable")
)

// ValidationError reports a policy body or request that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "policy: " + e.Message
	}
	return fmt.Sprintf("policy: %s: %s", e.Field, e.Message)
}

// Policy keys.
const (
	KeySoftWarn           = "soft_warn_threshold"
	KeyHardWarn           = "hard_warn_threshold"
	KeyOverageBuffer      = "overage_buffer"
	KeyOveragePolicy      = "overage_policy"
	KeyBillingCycleDays   = "billing_cycle_days"
	KeyReservationTTL     = "reservation_ttl_seconds"
	KeyAllowedServices    = "allowed_services"
	KeyMaxUnitsPerRequest = "max_units_per_request"
)

var scopeKeys = map[Scope][]string{
	ScopePlatform: {
		KeySoftWarn, KeyHardWarn, KeyOverageBuffer, KeyOveragePolicy,
		KeyBillingCycleDays, KeyReservationTTL,
	},
	ScopeWorkspace: {
		KeySoftWarn, KeyHardWarn, KeyOverageBuffer, KeyOveragePolicy,
		KeyReservationTTL, KeyAllowedServices, KeyMaxUnitsPerRequest,
	},
	ScopeProject: {
		KeySoftWarn, KeyHardWarn, KeyOverageBuffer, KeyOveragePolicy,
		KeyAllowedServices, KeyMaxUnitsPerRequest,
	},
	ScopeEnvironment: {
		KeySoftWarn, KeyHardWarn, KeyOverageBuffer, KeyOveragePolicy,
		KeyAllowedServices, KeyMaxUnitsPerRequest,
	},
}

// fields is the typed view of a policy document.
type fields struct {
	SoftWarnThreshold     *float64 `json:"soft_warn_threshold" validate:"omitempty,gt=0,lte=1"`
	HardWarnThreshold     *float64 `json:"hard_warn_threshold" validate:"omitempty,gt=0,lte=1"`
	OverageBuffer         *float64 `json:"overage_buffer" validate:"omitempty,gte=0,lte=1"`
	OveragePolicy         *string  `json:"overage_policy" validate:"omitempty,oneof=block allow-overage soft-limit"`
	BillingCycleDays      *int     `json:"billing_cycle_days" validate:"omitempty,min=1,max=366"`
	ReservationTTLSeconds *int     `json:"reservation_ttl_seconds" validate:"omitempty,min=30,max=86400"`
	AllowedServices       []string `json:"allowed_services" validate:"omitempty,dive,required"`
	MaxUnitsPerRequest    *int64   `json:"max_units_per_request" validate:"omitempty,min=1"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// decode converts a document into its typed view, reporting type mismatches
// as validation errors.
func decode(doc Document) (*fields, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, &ValidationError{Message: "body is not representable as JSON"}
	}
	var f fields
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&f); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, &ValidationError{Field: typeErr.Field, Message: "must be of type " + typeErr.Type.String()}
		}
		return nil, &ValidationError{Message: err.Error()}
	}
	return &f, nil
}

// Validate checks doc against the schema for scope: unknown keys, value types,
// ranges, and threshold ordering.
func Validate(scope Scope, doc Document) error {
	allowed, ok := scopeKeys[scope]
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}

	var unknown []string
	for k := range doc {
		if !contains(allowed, k) {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return &ValidationError{Field: unknown[0], Message: fmt.Sprintf("not allowed in %s policy", scope)}
	}

	f, err := decode(doc)
	if err != nil {
		return err
	}
	if err := getValidator().Struct(f); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &ValidationError{Field: verrs[0].Field(), Message: fieldMessage(verrs[0])}
		}
		return &ValidationError{Message: err.Error()}
	}

	if f.SoftWarnThreshold != nil && f.HardWarnThreshold != nil && *f.HardWarnThreshold < *f.SoftWarnThreshold {
		return &ValidationError{Field: KeyHardWarn, Message: "must be greater than or equal to " + KeySoftWarn}
	}
	return nil
}

func fieldMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "must not be empty"
	case "oneof":
		return "must be one of: " + e.Param()
	case "min", "gte":
		return "must be at least " + e.Param()
	case "max", "lte":
		return "must be at most " + e.Param()
	case "gt":
		return "must be greater than " + e.Param()
	default:
		return "invalid value"
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
