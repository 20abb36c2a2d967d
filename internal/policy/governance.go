package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alecgard/tally/internal/keylock"
)

// Governance runs the draft -> effective -> superseded state machine over a
// Store. Apply and rollback on one scope are serialized.
type Governance struct {
	store Store
	locks *keylock.Table
	now   func() time.Time
}

// NewGovernance creates a governance service over store.
func NewGovernance(store Store) *Governance {
	return &Governance{
		store: store,
		locks: keylock.New(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (g *Governance) lock(scope Scope, scopeID string) func() {
	return g.locks.Lock(string(scope) + "/" + scopeID)
}

// SaveDraft validates body and stores it as the scope's draft, overwriting an
// existing draft in place or allocating the next version number.
func (g *Governance) SaveDraft(ctx context.Context, scope Scope, scopeID string, body Document, userID string) (*Version, error) {
	if err := Validate(scope, body); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, &ValidationError{Field: "userId", Message: "required"}
	}

	unlock := g.lock(scope, scopeID)
	defer unlock()

	var saved *Version
	err := g.store.InScope(ctx, scope, scopeID, func(tx Tx) error {
		draft, err := tx.Draft(ctx)
		if err != nil {
			return err
		}
		if draft != nil {
			draft.Policy = body.Clone()
			draft.CreatedBy = userID
			saved = draft
			return tx.Update(ctx, draft)
		}

		latest, err := tx.LatestVersion(ctx)
		if err != nil {
			return err
		}
		saved = &Version{
			ID:        uuid.New().String(),
			Scope:     scope,
			ScopeID:   scopeID,
			Version:   latest + 1,
			Status:    StatusDraft,
			Policy:    body.Clone(),
			CreatedBy: userID,
			CreatedAt: g.now(),
		}
		return tx.Insert(ctx, saved)
	})
	if err != nil {
		return nil, fmt.Errorf("saving draft: %w", err)
	}
	return saved, nil
}

// ApplyPolicy promotes the draft with the given id to effective, superseding
// the scope's current effective version.
func (g *Governance) ApplyPolicy(ctx context.Context, draftID, userID, reason string) (*Version, error) {
	target, err := g.store.GetByID(ctx, draftID)
	if err != nil {
		if errors.Is(err, ErrVersionNotFound) {
			return nil, ErrDraftNotFound
		}
		return nil, fmt.Errorf("looking up draft: %w", err)
	}

	unlock := g.lock(target.Scope, target.ScopeID)
	defer unlock()

	var applied *Version
	err = g.store.InScope(ctx, target.Scope, target.ScopeID, func(tx Tx) error {
		draft, err := tx.Draft(ctx)
		if err != nil {
			return err
		}
		if draft == nil || draft.ID != draftID {
			return ErrDraftNotFound
		}
		if err := Validate(draft.Scope, draft.Policy); err != nil {
			return err
		}

		now := g.now()
		prev, err := g.supersede(ctx, tx, now)
		if err != nil {
			return err
		}

		draft.Status = StatusEffective
		draft.EffectiveAt = &now
		if err := tx.Update(ctx, draft); err != nil {
			return err
		}
		applied = draft

		return tx.AppendAudit(ctx, &AuditEntry{
			ID:            uuid.New().String(),
			UserID:        userID,
			Action:        ActionApply,
			ResourceID:    draft.ID,
			TenantID:      draft.ScopeID,
			PreviousValue: prev,
			NewValue:      draft.Policy.Clone(),
			Reason:        reason,
			Timestamp:     now,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("applying policy: %w", err)
	}

	slog.Info("policy change",
		"action", ActionApply,
		"scope", applied.Scope,
		"scope_id", applied.ScopeID,
		"version", applied.Version,
		"user_id", userID,
	)
	return applied, nil
}

// RollbackPolicy restores the body of targetVersion as a new effective
// version. Version numbers are never reused.
func (g *Governance) RollbackPolicy(ctx context.Context, scope Scope, scopeID string, targetVersion int, userID, reason string) (*Version, error) {
	unlock := g.lock(scope, scopeID)
	defer unlock()

	var restored *Version
	err := g.store.InScope(ctx, scope, scopeID, func(tx Tx) error {
		target, err := tx.Version(ctx, targetVersion)
		if err != nil {
			return err
		}
		if target == nil || target.Status == StatusDraft {
			return ErrVersionNotFound
		}

		latest, err := tx.LatestVersion(ctx)
		if err != nil {
			return err
		}

		now := g.now()
		prev, err := g.supersede(ctx, tx, now)
		if err != nil {
			return err
		}

		restored = &Version{
			ID:          uuid.New().String(),
			Scope:       scope,
			ScopeID:     scopeID,
			Version:     latest + 1,
			Status:      StatusEffective,
			Policy:      target.Policy.Clone(),
			CreatedBy:   userID,
			CreatedAt:   now,
			EffectiveAt: &now,
		}
		if err := tx.Insert(ctx, restored); err != nil {
			return err
		}

		// A pending draft must stay numbered above the version it will supersede.
		draft, err := tx.Draft(ctx)
		if err != nil {
			return err
		}
		if draft != nil {
			draft.Version = restored.Version + 1
			if err := tx.Update(ctx, draft); err != nil {
				return err
			}
		}

		return tx.AppendAudit(ctx, &AuditEntry{
			ID:            uuid.New().String(),
			UserID:        userID,
			Action:        ActionRollback,
			ResourceID:    restored.ID,
			TenantID:      scopeID,
			PreviousValue: prev,
			NewValue:      restored.Policy.Clone(),
			Reason:        reason,
			Timestamp:     now,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("rolling back policy: %w", err)
	}

	slog.Info("policy change",
		"action", ActionRollback,
		"scope", scope,
		"scope_id", scopeID,
		"version", restored.Version,
		"target_version", targetVersion,
		"user_id", userID,
	)
	return restored, nil
}

// supersede retires the current effective version, if any, and returns its body.
func (g *Governance) supersede(ctx context.Context, tx Tx, at time.Time) (Document, error) {
	cur, err := tx.Effective(ctx)
	if err != nil || cur == nil {
		return nil, err
	}
	cur.Status = StatusSuperseded
	cur.SupersededAt = &at
	if err := tx.Update(ctx, cur); err != nil {
		return nil, err
	}
	return cur.Policy.Clone(), nil
}

// Draft returns the scope's current draft or ErrDraftNotFound.
func (g *Governance) Draft(ctx context.Context, scope Scope, scopeID string) (*Version, error) {
	v, err := g.store.Draft(ctx, scope, scopeID)
	if err != nil {
		return nil, fmt.Errorf("getting draft: %w", err)
	}
	if v == nil {
		return nil, ErrDraftNotFound
	}
	return v, nil
}

// History returns every version of a scope, newest first.
func (g *Governance) History(ctx context.Context, scope Scope, scopeID string) ([]*Version, error) {
	vs, err := g.store.History(ctx, scope, scopeID)
	if err != nil {
		return nil, fmt.Errorf("getting policy history: %w", err)
	}
	return vs, nil
}

// AuditLog returns the newest audit entries recorded for a tenant.
func (g *Governance) AuditLog(ctx context.Context, tenantID string, limit int) ([]*AuditEntry, error) {
	es, err := g.store.AuditLog(ctx, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("getting audit log: %w", err)
	}
	return es, nil
}
