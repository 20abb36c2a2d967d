package policy

import (
	"context"
	"fmt"
	"time"
)

// Defaults returns the built-in platform policy that every resolution starts from.
func Defaults() Document {
	return Document{
		KeySoftWarn:         0.8,
		KeyHardWarn:         0.95,
		KeyOverageBuffer:    0.1,
		KeyBillingCycleDays: 30,
		KeyReservationTTL:   900,
	}
}

// Resolver layers effective policy versions over the platform defaults.
// Later layers replace earlier keys; nested values are never merged.
type Resolver struct {
	store    Store
	defaults Document
}

// NewResolver creates a resolver. A nil defaults document uses Defaults().
func NewResolver(store Store, defaults Document) *Resolver {
	if defaults == nil {
		defaults = Defaults()
	}
	return &Resolver{store: store, defaults: defaults}
}

// Path names a chain of scopes from workspace down to environment. Empty
// members end the chain.
type Path struct {
	Workspace   string
	Project     string
	Environment string
}

func (p Path) layers() []scopeKey {
	out := []scopeKey{{ScopePlatform, ""}}
	if p.Workspace == "" {
		return out
	}
	out = append(out, scopeKey{ScopeWorkspace, p.Workspace})
	if p.Project == "" {
		return out
	}
	out = append(out, scopeKey{ScopeProject, p.Project})
	if p.Environment == "" {
		return out
	}
	return append(out, scopeKey{ScopeEnvironment, p.Environment})
}

func (r *Resolver) resolve(ctx context.Context, layers []scopeKey) (Document, error) {
	doc := r.defaults.Merge(nil)
	for _, l := range layers {
		v, err := r.store.Effective(ctx, l.scope, l.id)
		if err != nil {
			return nil, fmt.Errorf("resolving %s policy: %w", l.scope, err)
		}
		if v != nil {
			doc = doc.Merge(v.Policy)
		}
	}
	return doc, nil
}

// Effective returns defaults merged with the platform version and, for a
// non-platform scope, the effective version at that scope.
func (r *Resolver) Effective(ctx context.Context, scope Scope, scopeID string) (Document, error) {
	layers := []scopeKey{{ScopePlatform, ""}}
	if scope != ScopePlatform {
		layers = append(layers, scopeKey{scope, scopeID})
	}
	return r.resolve(ctx, layers)
}

// EffectiveForPath merges every layer along p, platform first.
func (r *Resolver) EffectiveForPath(ctx context.Context, p Path) (Document, error) {
	return r.resolve(ctx, p.layers())
}

// Thresholds is the typed subset of an effective policy the ledger enforces.
type Thresholds struct {
	SoftWarn           float64
	HardWarn           float64
	OverageBuffer      float64
	OveragePolicy      string
	BillingCycleDays   int
	ReservationTTL     time.Duration
	AllowedServices    []string
	MaxUnitsPerRequest int64
}

// Thresholds resolves the policy for a tenant's workspace into typed values.
func (r *Resolver) Thresholds(ctx context.Context, tenantID string) (Thresholds, error) {
	doc, err := r.EffectiveForPath(ctx, Path{Workspace: tenantID})
	if err != nil {
		return Thresholds{}, err
	}
	return ThresholdsFrom(doc)
}

// ThresholdsFrom converts a resolved document into Thresholds.
func ThresholdsFrom(doc Document) (Thresholds, error) {
	f, err := decode(doc)
	if err != nil {
		return Thresholds{}, err
	}
	var t Thresholds
	if f.SoftWarnThreshold != nil {
		t.SoftWarn = *f.SoftWarnThreshold
	}
	if f.HardWarnThreshold != nil {
		t.HardWarn = *f.HardWarnThreshold
	}
	if f.OverageBuffer != nil {
		t.OverageBuffer = *f.OverageBuffer
	}
	if f.OveragePolicy != nil {
		t.OveragePolicy = *f.OveragePolicy
	}
	if f.BillingCycleDays != nil {
		t.BillingCycleDays = *f.BillingCycleDays
	}
	if f.ReservationTTLSeconds != nil {
		t.ReservationTTL = time.Duration(*f.ReservationTTLSeconds) * time.Second
	}
	if f.MaxUnitsPerRequest != nil {
		t.MaxUnitsPerRequest = *f.MaxUnitsPerRequest
	}
	t.AllowedServices = f.AllowedServices
	return t, nil
}

// AllowsService reports whether serviceKey passes the allow list. An empty
// list allows everything.
func (t Thresholds) AllowsService(serviceKey string) bool {
	return len(t.AllowedServices) == 0 || contains(t.AllowedServices, serviceKey)
}
