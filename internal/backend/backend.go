// Package backend defines the storage contract every adapter implements:
// session-scoped CRUD, query execution, and the audit log. It also provides
// the backend-agnostic post-filter used for criteria an adapter cannot push
// down to its native query mechanism.
package backend

import (
	"context"
	"time"

	"github.com/roach88/configdb/internal/query"
)

// Session is a scoped unit of work against a backend. All mutations made
// through a session become durable together on commit; none survive a
// rollback (backends without native rollback compensate best-effort).
// A session must not be used after its WithSession scope returns.
type Session interface {
	// GetByName returns an instance of an entity by name. The boolean
	// reports whether the object exists; lookup misses are not errors.
	GetByName(ctx context.Context, entity, name string) (*Object, bool, error)

	// Find returns the objects satisfying all criteria. Order is not
	// guaranteed.
	Find(ctx context.Context, entity string, q map[string]query.Criteria) ([]*Object, error)

	// Create stores a new instance built from validated attribute data.
	Create(ctx context.Context, entity string, attrs map[string]any) (*Object, error)

	// Update writes back a mutated object fetched from this session. The
	// object's name must be unchanged since the read: names key the
	// object on every backend, and the API layer rejects renames.
	Update(ctx context.Context, obj *Object) error

	// Delete removes an instance. Deleting a missing object returns a
	// not-found error; the API layer decides whether that is failure.
	Delete(ctx context.Context, entity, name string) error

	// AddAudit records an audit entry. Best-effort on backends without
	// durable audit support: a no-op there, never a failure.
	AddAudit(ctx context.Context, entry *AuditEntry) error

	// GetAudit returns audit entries matching the query, newest first.
	// Backends without audit support return dberr.ErrAuditUnsupported.
	GetAudit(ctx context.Context, q AuditQuery) ([]*AuditEntry, error)
}

// Interface is the uniform contract over the physical storage backends.
type Interface interface {
	// WithSession runs fn inside a session scope: commit when fn returns
	// nil, rollback when it returns an error (the error propagates).
	WithSession(ctx context.Context, fn func(s Session) error) error

	// SupportsAudit reports whether the backend persists audit entries.
	SupportsAudit() bool

	// Close releases the backend's resources.
	Close() error
}

// AuditEntry records one mutating operation.
type AuditEntry struct {
	ID     string    // assigned by the adapter
	Entity string    // entity name
	Object string    // object name
	Op     string    // "create", "update" or "delete"
	User   string    // acting username
	Data   string    // serialized post-data snapshot, "" for none
	Stamp  time.Time // when the operation happened
}

// AuditQuery selects audit entries; zero-valued fields match anything.
type AuditQuery struct {
	Entity string
	Object string
	Op     string
	User   string
}

// Matches reports whether an entry satisfies the query.
func (q AuditQuery) Matches(e *AuditEntry) bool {
	if q.Entity != "" && q.Entity != e.Entity {
		return false
	}
	if q.Object != "" && q.Object != e.Object {
		return false
	}
	if q.Op != "" && q.Op != e.Op {
		return false
	}
	if q.User != "" && q.User != e.User {
		return false
	}
	return true
}
