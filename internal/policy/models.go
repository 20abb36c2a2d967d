package policy

import (
	"encoding/json"
	"fmt"
	"time"
)

// Scope is the governance level a policy version applies to.
type Scope string

const (
	ScopePlatform    Scope = "platform"
	ScopeWorkspace   Scope = "workspace"
	ScopeProject     Scope = "project"
	ScopeEnvironment Scope = "environment"
)

// ParseScope validates s and normalizes the scope id. Platform scope has no id;
// every other scope requires one.
func ParseScope(s, scopeID string) (Scope, string, error) {
	switch sc := Scope(s); sc {
	case ScopePlatform:
		return sc, "", nil
	case ScopeWorkspace, ScopeProject, ScopeEnvironment:
		if scopeID == "" {
			return "", "", &ValidationError{Field: "scopeId", Message: "required for " + s + " scope"}
		}
		return sc, scopeID, nil
	}
	return "", "", fmt.Errorf("%w: %q", ErrInvalidScope, s)
}

// Status is the lifecycle state of a Version.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusEffective  Status = "effective"
	StatusSuperseded Status = "superseded"
)

// Document is a policy body: a flat key to value mapping.
type Document map[string]any

// Clone returns a deep copy of d through a JSON round trip, so values shared
// with callers can never be mutated through a stored version.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		out := make(Document, len(d))
		for k, v := range d {
			out[k] = v
		}
		return out
	}
	var out Document
	_ = json.Unmarshal(raw, &out)
	return out
}

// Merge returns a copy of d with every key of over replacing the same key in d.
func (d Document) Merge(over Document) Document {
	out := make(Document, len(d)+len(over))
	for k, v := range d {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

// Version is one row of a scope's policy history.
type Version struct {
	ID           string     `json:"id"`
	Scope        Scope      `json:"scope"`
	ScopeID      string     `json:"scopeId,omitempty"`
	Version      int        `json:"version"`
	Status       Status     `json:"status"`
	Policy       Document   `json:"policy"`
	CreatedBy    string     `json:"createdBy"`
	CreatedAt    time.Time  `json:"createdAt"`
	EffectiveAt  *time.Time `json:"effectiveAt,omitempty"`
	SupersededAt *time.Time `json:"supersededAt,omitempty"`
}

func (v *Version) clone() *Version {
	cp := *v
	cp.Policy = v.Policy.Clone()
	return &cp
}

// Audit actions.
const (
	ActionApply    = "policy.apply"
	ActionRollback = "policy.rollback"
)

// AuditEntry records one policy state transition.
type AuditEntry struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	Action        string    `json:"action"`
	ResourceID    string    `json:"resourceId"`
	TenantID      string    `json:"tenantId,omitempty"`
	PreviousValue Document  `json:"previousValue"`
	NewValue      Document  `json:"newValue"`
	Reason        string    `json:"reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
