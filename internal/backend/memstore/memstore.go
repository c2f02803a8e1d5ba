// Package memstore is the in-memory reference adapter. It exists to
// validate the storage contract itself and as a test double: audit support
// is an unbounded list, and there is no concurrency control, so revision
// conflicts never happen.
package memstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/roach88/configdb/internal/backend"
	"github.com/roach88/configdb/internal/dberr"
	"github.com/roach88/configdb/internal/query"
	"github.com/roach88/configdb/internal/schema"
)

// Store holds objects in per-entity concurrent maps keyed by object name.
type Store struct {
	schema   *schema.Schema
	entities *xsync.MapOf[string, *xsync.MapOf[string, *backend.Object]]
	logger   *slog.Logger

	mu    sync.Mutex
	audit []*backend.AuditEntry
}

// New creates an empty in-memory store for the given schema.
func New(s *schema.Schema, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		schema:   s,
		entities: xsync.NewMapOf[string, *xsync.MapOf[string, *backend.Object]](),
		logger:   logger.With("backend", "memory"),
	}
}

// WithSession implements backend.Interface. Mutations apply immediately; a
// rollback replays an undo log of compensating writes.
func (s *Store) WithSession(ctx context.Context, fn func(backend.Session) error) error {
	sess := &session{store: s}
	if err := fn(sess); err != nil {
		sess.rollback()
		return err
	}
	return nil
}

// SupportsAudit implements backend.Interface.
func (s *Store) SupportsAudit() bool { return true }

// Close implements backend.Interface.
func (s *Store) Close() error { return nil }

func (s *Store) bucket(entity string) *xsync.MapOf[string, *backend.Object] {
	b, _ := s.entities.LoadOrCompute(entity, func() *xsync.MapOf[string, *backend.Object] {
		return xsync.NewMapOf[string, *backend.Object]()
	})
	return b
}

// session applies operations directly and keeps compensating closures so a
// rollback can restore the prior state.
type session struct {
	store *Store
	undo  []func()
}

func (s *session) remember(fn func()) { s.undo = append(s.undo, fn) }

func (s *session) rollback() {
	for i := len(s.undo) - 1; i >= 0; i-- {
		s.undo[i]()
	}
	s.undo = nil
}

func (s *session) GetByName(_ context.Context, entity, name string) (*backend.Object, bool, error) {
	obj, ok := s.store.bucket(entity).Load(name)
	if !ok {
		return nil, false, nil
	}
	return obj.Clone(), true, nil
}

func (s *session) Find(_ context.Context, entity string, q map[string]query.Criteria) ([]*backend.Object, error) {
	ent := s.store.schema.Entity(entity)
	if ent == nil {
		return nil, dberr.NewNotFound(entity)
	}
	var out []*backend.Object
	s.store.bucket(entity).Range(func(_ string, obj *backend.Object) bool {
		if backend.MatchObject(ent, q, obj) {
			out = append(out, obj.Clone())
		}
		return true
	})
	return out, nil
}

func (s *session) Create(_ context.Context, entity string, attrs map[string]any) (*backend.Object, error) {
	ent := s.store.schema.Entity(entity)
	if ent == nil {
		return nil, dberr.NewNotFound(entity)
	}
	obj, err := backend.NewObject(ent, attrs)
	if err != nil {
		return nil, err
	}
	bucket := s.store.bucket(entity)
	if _, exists := bucket.Load(obj.Name); exists {
		return nil, dberr.NewIntegrity("%s/%s already exists", entity, obj.Name)
	}
	bucket.Store(obj.Name, obj.Clone())
	s.remember(func() { bucket.Delete(obj.Name) })
	return obj, nil
}

func (s *session) Update(_ context.Context, obj *backend.Object) error {
	bucket := s.store.bucket(obj.EntityName)
	prev, existed := bucket.Load(obj.Name)
	bucket.Store(obj.Name, obj.Clone())
	s.remember(func() {
		if existed {
			bucket.Store(obj.Name, prev)
		} else {
			bucket.Delete(obj.Name)
		}
	})
	return nil
}

func (s *session) Delete(_ context.Context, entity, name string) error {
	bucket := s.store.bucket(entity)
	prev, ok := bucket.LoadAndDelete(name)
	if !ok {
		return dberr.NewNotFound(entity + "/" + name)
	}
	s.remember(func() { bucket.Store(name, prev) })
	return nil
}

func (s *session) AddAudit(_ context.Context, entry *backend.AuditEntry) error {
	e := *entry
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Stamp.IsZero() {
		e.Stamp = time.Now()
	}
	s.store.mu.Lock()
	s.store.audit = append(s.store.audit, &e)
	n := len(s.store.audit)
	s.store.mu.Unlock()
	s.remember(func() {
		s.store.mu.Lock()
		if len(s.store.audit) >= n {
			s.store.audit = append(s.store.audit[:n-1], s.store.audit[n:]...)
		}
		s.store.mu.Unlock()
	})
	return nil
}

func (s *session) GetAudit(_ context.Context, q backend.AuditQuery) ([]*backend.AuditEntry, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	var out []*backend.AuditEntry
	for i := len(s.store.audit) - 1; i >= 0; i-- {
		if q.Matches(s.store.audit[i]) {
			e := *s.store.audit[i]
			out = append(out, &e)
		}
	}
	return out, nil
}
