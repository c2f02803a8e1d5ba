// Package etcdstore keeps objects in an etcd cluster. Writes are guarded
// with compare-and-swap on the revision observed when the object was read,
// so two sessions racing on the same object surface an integrity error
// instead of silently clobbering each other.
package etcdstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/roach88/configdb/internal/backend"
	"github.com/roach88/configdb/internal/dberr"
	"github.com/roach88/configdb/internal/query"
	"github.com/roach88/configdb/internal/schema"
)

// Store keeps kv separate from the client so tests can substitute a fake
// clientv3.KV without a cluster.
type Store struct {
	client *clientv3.Client
	kv     clientv3.KV
	root   string
	schema *schema.Schema
	logger *slog.Logger
}

const dialTimeout = 5 * time.Second

func Open(endpoints []string, root string, sch *schema.Schema, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, dberr.NewStorage(err)
	}
	root = strings.TrimRight(root, "/")
	if root == "" {
		root = "/configdb"
	}
	logger.Debug("connected to coordination store", "endpoints", endpoints, "root", root)
	return &Store{
		client: client,
		kv:     client,
		root:   root,
		schema: sch,
		logger: logger.With("backend", "etcd"),
	}, nil
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) SupportsAudit() bool { return true }

// WithSession has no native transaction to lean on. Each write is
// individually CAS-guarded; if fn fails after some writes succeeded, the
// session replays its undo log best-effort and the error propagates.
func (s *Store) WithSession(ctx context.Context, fn func(backend.Session) error) error {
	sess := &session{
		store:     s,
		ctx:       ctx,
		revisions: make(map[string]int64),
	}
	if err := fn(sess); err != nil {
		sess.rollback()
		return err
	}
	return nil
}

// escapePath makes a name safe as one path component. Alphanumerics and
// a few punctuation characters pass through, everything else becomes a
// %XX hex escape.
func escapePath(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '-', c == '_', c == '.':
			b.WriteByte(c)
		default:
			const hex = "0123456789abcdef"
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0xf])
		}
	}
	return b.String()
}

type session struct {
	store *Store
	ctx   context.Context

	// revisions records the ModRevision seen on last read per key; zero
	// means the key was observed absent.
	revisions map[string]int64
	undo      []func()
}

func (s *session) rollback() {
	for i := len(s.undo) - 1; i >= 0; i-- {
		s.undo[i]()
	}
	s.undo = nil
}

func (s *session) objKey(entity, name string) string {
	return s.store.root + "/" + escapePath(entity) + "/" + escapePath(name)
}

// The audit log is a fixed ring of slots plus a cursor key holding the
// next slot index. Writers CAS on the cursor's revision so two sessions
// never claim the same slot.
const (
	auditSlots   = 128
	auditRetries = 4
)

func (s *session) auditSlotKey(n int64) string {
	return s.store.root + "/_audit/" + fmt.Sprintf("%06d", n)
}

func (s *session) auditCursorKey() string {
	return s.store.root + "/_audit_cursor"
}

func (s *session) entity(name string) (*schema.Entity, error) {
	ent := s.store.schema.Entity(name)
	if ent == nil {
		return nil, dberr.NewNotFound(name)
	}
	return ent, nil
}

func (s *session) get(ent *schema.Entity, key string) (*backend.Object, bool, error) {
	resp, err := s.store.kv.Get(s.ctx, key)
	if err != nil {
		return nil, false, dberr.NewStorage(err)
	}
	if resp.Count == 0 {
		s.revisions[key] = 0
		return nil, false, nil
	}
	kv := resp.Kvs[0]
	obj, err := backend.DecodeObject(ent, kv.Value)
	if err != nil {
		return nil, false, err
	}
	s.revisions[key] = kv.ModRevision
	obj.StorageRef = kv.ModRevision
	return obj, true, nil
}

func (s *session) GetByName(ctx context.Context, entity, name string) (*backend.Object, bool, error) {
	ent, err := s.entity(entity)
	if err != nil {
		return nil, false, err
	}
	return s.get(ent, s.objKey(entity, name))
}

func (s *session) Find(ctx context.Context, entity string, q map[string]query.Criteria) ([]*backend.Object, error) {
	ent, err := s.entity(entity)
	if err != nil {
		return nil, err
	}
	prefix := s.store.root + "/" + escapePath(entity) + "/"
	resp, err := s.store.kv.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, dberr.NewStorage(err)
	}
	var out []*backend.Object
	for _, kv := range resp.Kvs {
		obj, err := backend.DecodeObject(ent, kv.Value)
		if err != nil {
			return nil, err
		}
		obj.StorageRef = kv.ModRevision
		if backend.MatchObject(ent, q, obj) {
			out = append(out, obj)
		}
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
	data, err := backend.EncodeObject(ent, obj)
	if err != nil {
		return nil, err
	}
	key := s.objKey(entity, obj.Name)
	resp, err := s.store.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(data))).
		Commit()
	if err != nil {
		return nil, dberr.NewStorage(err)
	}
	if !resp.Succeeded {
		return nil, dberr.NewIntegrity("duplicate object, %s=%s", entity, obj.Name)
	}
	s.revisions[key] = resp.Header.Revision
	obj.StorageRef = resp.Header.Revision
	s.undo = append(s.undo, func() {
		if _, err := s.store.kv.Delete(s.ctx, key); err != nil {
			s.store.logger.Warn("rollback delete failed", "key", key, "error", err)
		}
	})
	return obj, nil
}

func (s *session) Update(ctx context.Context, obj *backend.Object) error {
	ent, err := s.entity(obj.EntityName)
	if err != nil {
		return err
	}
	key := s.objKey(obj.EntityName, obj.Name)
	prev, ok, err := s.get(ent, key)
	if err != nil {
		return err
	}
	if !ok {
		return dberr.NewNotFound(obj.EntityName + "/" + obj.Name)
	}
	rev := s.revisions[key]
	if r, isRev := obj.StorageRef.(int64); isRev && r != 0 {
		rev = r
	}
	data, err := backend.EncodeObject(ent, obj)
	if err != nil {
		return err
	}
	resp, err := s.store.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
		Then(clientv3.OpPut(key, string(data))).
		Commit()
	if err != nil {
		return dberr.NewStorage(err)
	}
	if !resp.Succeeded {
		return dberr.NewIntegrity("concurrent modification, %s=%s", obj.EntityName, obj.Name)
	}
	s.revisions[key] = resp.Header.Revision
	obj.StorageRef = resp.Header.Revision
	prevData, encErr := backend.EncodeObject(ent, prev)
	if encErr == nil {
		s.undo = append(s.undo, func() {
			if _, err := s.store.kv.Put(s.ctx, key, string(prevData)); err != nil {
				s.store.logger.Warn("rollback put failed", "key", key, "error", err)
			}
		})
	}
	return nil
}

func (s *session) Delete(ctx context.Context, entity, name string) error {
	ent, err := s.entity(entity)
	if err != nil {
		return err
	}
	key := s.objKey(entity, name)
	prev, ok, err := s.get(ent, key)
	if err != nil {
		return err
	}
	if !ok {
		return dberr.NewNotFound(entity + "/" + name)
	}
	rev := s.revisions[key]
	resp, err := s.store.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return dberr.NewStorage(err)
	}
	if !resp.Succeeded {
		return dberr.NewIntegrity("concurrent modification, %s=%s", entity, name)
	}
	delete(s.revisions, key)
	prevData, encErr := backend.EncodeObject(ent, prev)
	if encErr == nil {
		s.undo = append(s.undo, func() {
			if _, err := s.store.kv.Put(s.ctx, key, string(prevData)); err != nil {
				s.store.logger.Warn("rollback put failed", "key", key, "error", err)
			}
		})
	}
	return nil
}

// AddAudit claims the next ring slot with a bounded CAS loop on the
// cursor. The log is advisory: any failure, including losing the cursor
// race auditRetries times, drops the entry with a warning. AddAudit
// never returns an error, so an audit write can never fail or roll back
// the primary operation.
func (s *session) AddAudit(ctx context.Context, entry *backend.AuditEntry) error {
	e := *entry
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Stamp.IsZero() {
		e.Stamp = time.Now().UTC()
	}
	data, err := json.Marshal(&e)
	if err != nil {
		s.store.logger.Warn("dropping audit entry", "error", err)
		return nil
	}
	cursor := s.auditCursorKey()
	for attempt := 0; attempt < auditRetries; attempt++ {
		next, rev, err := s.auditCursor(ctx, cursor)
		if err != nil {
			s.store.logger.Warn("dropping audit entry", "error", err)
			return nil
		}
		resp, err := s.store.kv.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(cursor), "=", rev)).
			Then(
				clientv3.OpPut(cursor, strconv.FormatInt(next+1, 10)),
				clientv3.OpPut(s.auditSlotKey(next%auditSlots), string(data)),
			).
			Commit()
		if err != nil {
			s.store.logger.Warn("dropping audit entry", "error", err)
			return nil
		}
		if resp.Succeeded {
			return nil
		}
	}
	s.store.logger.Warn("dropping audit entry, ring contended",
		"entity", e.Entity, "object", e.Object, "op", e.Op)
	return nil
}

// auditCursor reads the ring cursor: the next slot index and the
// revision to CAS against. An absent cursor is index 0 at revision 0.
func (s *session) auditCursor(ctx context.Context, key string) (next, rev int64, err error) {
	resp, err := s.store.kv.Get(ctx, key)
	if err != nil {
		return 0, 0, err
	}
	if resp.Count == 0 {
		return 0, 0, nil
	}
	kv := resp.Kvs[0]
	n, err := strconv.ParseInt(string(kv.Value), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return n, kv.ModRevision, nil
}

func (s *session) GetAudit(ctx context.Context, q backend.AuditQuery) ([]*backend.AuditEntry, error) {
	prefix := s.store.root + "/_audit/"
	resp, err := s.store.kv.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, dberr.NewStorage(err)
	}
	var out []*backend.AuditEntry
	for _, kv := range resp.Kvs {
		var e backend.AuditEntry
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			s.store.logger.Warn("skipping malformed audit entry", "key", string(kv.Key))
			continue
		}
		if q.Matches(&e) {
			out = append(out, &e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stamp.After(out[j].Stamp) })
	return out, nil
}
