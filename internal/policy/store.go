package policy

import (
	"context"
)

// Tx is a view of one (scope, scope id) history, held exclusively for the
// duration of Store.InScope. Lookups return nil, nil when the row is absent.
type Tx interface {
	Effective(ctx context.Context) (*Version, error)
	Draft(ctx context.Context) (*Version, error)
	Version(ctx context.Context, n int) (*Version, error)
	LatestVersion(ctx context.Context) (int, error)
	Insert(ctx context.Context, v *Version) error
	// Update persists a row's version number, status, body, author and timestamps.
	Update(ctx context.Context, v *Version) error
	AppendAudit(ctx context.Context, e *AuditEntry) error
}

// Store persists policy versions and audit entries.
type Store interface {
	// InScope runs fn with exclusive access to one scope's history. Writes
	// made through tx become visible together when fn returns nil and are
	// discarded otherwise.
	InScope(ctx context.Context, scope Scope, scopeID string, fn func(tx Tx) error) error

	// GetByID returns a version by id or ErrVersionNotFound.
	GetByID(ctx context.Context, id string) (*Version, error)

	// Effective and Draft return nil, nil when no such row exists.
	Effective(ctx context.Context, scope Scope, scopeID string) (*Version, error)
	Draft(ctx context.Context, scope Scope, scopeID string) (*Version, error)

	// History returns every version of a scope, newest first.
	History(ctx context.Context, scope Scope, scopeID string) ([]*Version, error)

	// AuditLog returns the newest audit entries for a tenant; an empty
	// tenantID selects platform entries.
	AuditLog(ctx context.Context, tenantID string, limit int) ([]*AuditEntry, error)
}
