// Package kvstore keeps objects in an embedded ordered key/value store.
// Each object is a JSON blob under an entity-prefixed key, so lookups by
// name are point reads and Find is a prefix scan with the reference
// filter applied in memory.
package kvstore

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cockroachdb/pebble"

	"github.com/roach88/configdb/internal/backend"
	"github.com/roach88/configdb/internal/dberr"
	"github.com/roach88/configdb/internal/query"
	"github.com/roach88/configdb/internal/schema"
)

type Store struct {
	db     *pebble.DB
	schema *schema.Schema
	logger *slog.Logger
}

func Open(path string, sch *schema.Schema, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, dberr.NewStorage(err)
	}
	logger.Debug("opened kv store", "path", path)
	return &Store{db: db, schema: sch, logger: logger.With("backend", "kv")}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SupportsAudit reports false: the audit trail needs queryable history,
// which a plain ordered keyspace does not provide.
func (s *Store) SupportsAudit() bool { return false }

// WithSession runs fn against an indexed batch, so reads inside the
// session observe its own pending writes. The batch commits only when fn
// returns nil.
func (s *Store) WithSession(ctx context.Context, fn func(backend.Session) error) error {
	batch := s.db.NewIndexedBatch()
	sess := &session{store: s, batch: batch}
	if err := fn(sess); err != nil {
		if cErr := batch.Close(); cErr != nil {
			s.logger.Warn("batch close failed", "error", cErr)
		}
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return dberr.NewStorage(err)
	}
	return nil
}

type session struct {
	store *Store
	batch *pebble.Batch
}

func objKey(entity, name string) []byte {
	return []byte(entity + ":" + name)
}

// prefixBounds covers every key of one entity. Entity names cannot
// contain ':' so the half-open range [entity+':', entity+';') is exact.
func prefixBounds(entity string) (lower, upper []byte) {
	return []byte(entity + ":"), []byte(entity + ";")
}

func (s *session) entity(name string) (*schema.Entity, error) {
	ent := s.store.schema.Entity(name)
	if ent == nil {
		return nil, dberr.NewNotFound(name)
	}
	return ent, nil
}

func (s *session) get(ent *schema.Entity, entity, name string) (*backend.Object, bool, error) {
	val, closer, err := s.batch.Get(objKey(entity, name))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, dberr.NewStorage(err)
	}
	data := make([]byte, len(val))
	copy(data, val)
	if err := closer.Close(); err != nil {
		return nil, false, dberr.NewStorage(err)
	}
	obj, err := backend.DecodeObject(ent, data)
	if err != nil {
		return nil, false, err
	}
	return obj, true, nil
}

func (s *session) put(ent *schema.Entity, obj *backend.Object) error {
	data, err := backend.EncodeObject(ent, obj)
	if err != nil {
		return err
	}
	if err := s.batch.Set(objKey(obj.EntityName, obj.Name), data, nil); err != nil {
		return dberr.NewStorage(err)
	}
	return nil
}

func (s *session) GetByName(ctx context.Context, entity, name string) (*backend.Object, bool, error) {
	ent, err := s.entity(entity)
	if err != nil {
		return nil, false, err
	}
	return s.get(ent, entity, name)
}

func (s *session) Find(ctx context.Context, entity string, q map[string]query.Criteria) ([]*backend.Object, error) {
	ent, err := s.entity(entity)
	if err != nil {
		return nil, err
	}
	lower, upper := prefixBounds(entity)
	iter, err := s.batch.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, dberr.NewStorage(err)
	}
	defer iter.Close()

	var out []*backend.Object
	for iter.First(); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, dberr.NewStorage(err)
		}
		obj, err := backend.DecodeObject(ent, val)
		if err != nil {
			return nil, err
		}
		if backend.MatchObject(ent, q, obj) {
			out = append(out, obj)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, dberr.NewStorage(err)
	}
	return out, nil
}

func (s *session) Create(ctx context.Context, entity string, attrs map[string]any) (*backend.Object, error) {
	ent, err := s.entity(entity)
	if err != nil {
		return nil, err
	}
	obj, err := backend.NewObject(ent, attrs)
	if err != nil {
		return nil, err
	}
	if _, ok, err := s.get(ent, entity, obj.Name); err != nil {
		return nil, err
	} else if ok {
		return nil, dberr.NewIntegrity("duplicate object, %s=%s", entity, obj.Name)
	}
	if err := s.put(ent, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func (s *session) Update(ctx context.Context, obj *backend.Object) error {
	ent, err := s.entity(obj.EntityName)
	if err != nil {
		return err
	}
	if _, ok, err := s.get(ent, obj.EntityName, obj.Name); err != nil {
		return err
	} else if !ok {
		return dberr.NewNotFound(obj.EntityName + "/" + obj.Name)
	}
	return s.put(ent, obj)
}

func (s *session) Delete(ctx context.Context, entity, name string) error {
	ent, err := s.entity(entity)
	if err != nil {
		return err
	}
	if _, ok, err := s.get(ent, entity, name); err != nil {
		return err
	} else if !ok {
		return dberr.NewNotFound(entity + "/" + name)
	}
	if err := s.batch.Delete(objKey(entity, name), nil); err != nil {
		return dberr.NewStorage(err)
	}
	return nil
}

func (s *session) AddAudit(ctx context.Context, entry *backend.AuditEntry) error {
	return nil
}

func (s *session) GetAudit(ctx context.Context, q backend.AuditQuery) ([]*backend.AuditEntry, error) {
	return nil, dberr.ErrAuditUnsupported
}
