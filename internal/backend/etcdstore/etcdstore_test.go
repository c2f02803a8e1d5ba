package etcdstore

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/roach88/configdb/internal/backend"
	"github.com/roach88/configdb/internal/dberr"
	"github.com/roach88/configdb/internal/query"
	"github.com/roach88/configdb/internal/schema"
)

const testSchema = `{
	"role": {
		"name": {"type": "string"}
	},
	"host": {
		"name": {"type": "string"},
		"ip": {"type": "string"},
		"roles": {"type": "relation", "rel": "role"}
	}
}`

// fakeKV is an in-memory clientv3.KV with etcd's revision semantics:
// a global revision counter, per-key create/mod revisions, and Txn
// compares on them. It lets the session logic run without a cluster.
type fakeKV struct {
	rev  int64
	data map[string]fakeEntry

	// onCommit, when set, runs at the start of every Txn commit. Tests
	// use it to mutate state between a session's read and its CAS.
	onCommit func()
}

type fakeEntry struct {
	value     []byte
	createRev int64
	modRev    int64
}

func (f *fakeKV) put(key, val string) {
	f.rev++
	e, ok := f.data[key]
	if !ok {
		e = fakeEntry{createRev: f.rev}
	}
	e.value = []byte(val)
	e.modRev = f.rev
	f.data[key] = e
}

func (f *fakeKV) keyValue(key string) *mvccpb.KeyValue {
	e := f.data[key]
	return &mvccpb.KeyValue{
		Key:            []byte(key),
		Value:          append([]byte(nil), e.value...),
		CreateRevision: e.createRev,
		ModRevision:    e.modRev,
	}
}

func (f *fakeKV) header() *pb.ResponseHeader {
	return &pb.ResponseHeader{Revision: f.rev}
}

func (f *fakeKV) Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.put(key, val)
	return &clientv3.PutResponse{Header: f.header()}, nil
}

func (f *fakeKV) Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	op := clientv3.OpGet(key, opts...)
	var kvs []*mvccpb.KeyValue
	if end := op.RangeBytes(); len(end) > 0 {
		var keys []string
		for k := range f.data {
			if k >= key && k < string(end) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			kvs = append(kvs, f.keyValue(k))
		}
	} else if _, ok := f.data[key]; ok {
		kvs = append(kvs, f.keyValue(key))
	}
	return &clientv3.GetResponse{Header: f.header(), Kvs: kvs, Count: int64(len(kvs))}, nil
}

func (f *fakeKV) Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error) {
	var deleted int64
	if _, ok := f.data[key]; ok {
		delete(f.data, key)
		f.rev++
		deleted = 1
	}
	return &clientv3.DeleteResponse{Header: f.header(), Deleted: deleted}, nil
}

func (f *fakeKV) Compact(ctx context.Context, rev int64, opts ...clientv3.CompactOption) (*clientv3.CompactResponse, error) {
	return &clientv3.CompactResponse{Header: f.header()}, nil
}

func (f *fakeKV) Do(ctx context.Context, op clientv3.Op) (clientv3.OpResponse, error) {
	return clientv3.OpResponse{}, nil
}

func (f *fakeKV) Txn(ctx context.Context) clientv3.Txn {
	return &fakeTxn{kv: f}
}

func (f *fakeKV) check(c pb.Compare) bool {
	e, ok := f.data[string(c.Key)]
	var cur int64
	switch c.Target {
	case pb.Compare_MOD:
		if ok {
			cur = e.modRev
		}
		return cur == c.GetModRevision()
	case pb.Compare_CREATE:
		if ok {
			cur = e.createRev
		}
		return cur == c.GetCreateRevision()
	}
	return false
}

type fakeTxn struct {
	kv   *fakeKV
	cmps []clientv3.Cmp
	then []clientv3.Op
}

func (t *fakeTxn) If(cs ...clientv3.Cmp) clientv3.Txn {
	t.cmps = append(t.cmps, cs...)
	return t
}

func (t *fakeTxn) Then(ops ...clientv3.Op) clientv3.Txn {
	t.then = append(t.then, ops...)
	return t
}

func (t *fakeTxn) Else(ops ...clientv3.Op) clientv3.Txn {
	return t
}

func (t *fakeTxn) Commit() (*clientv3.TxnResponse, error) {
	if t.kv.onCommit != nil {
		t.kv.onCommit()
	}
	ok := true
	for _, c := range t.cmps {
		if !t.kv.check(pb.Compare(c)) {
			ok = false
			break
		}
	}
	if ok {
		for _, op := range t.then {
			switch {
			case op.IsPut():
				t.kv.put(string(op.KeyBytes()), string(op.ValueBytes()))
			case op.IsDelete():
				delete(t.kv.data, string(op.KeyBytes()))
				t.kv.rev++
			}
		}
	}
	return &clientv3.TxnResponse{Header: t.kv.header(), Succeeded: ok}, nil
}

func newFakeStore(t *testing.T) (*Store, *fakeKV) {
	t.Helper()
	sch, err := schema.Load([]byte(testSchema))
	require.NoError(t, err)
	fake := &fakeKV{data: make(map[string]fakeEntry)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &Store{kv: fake, root: "/configdb", schema: sch, logger: logger}, fake
}

func TestEscapePath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"host", "host"},
		{"web-1.example_it", "web-1.example_it"},
		{"a/b", "a%2fb"},
		{"with space", "with%20space"},
		{"pct%ent", "pct%25ent"},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, escapePath(tc.in), tc.in)
	}
}

func TestEscapePath_NoComponentCollisions(t *testing.T) {
	// Distinct names must never escape to the same component, and the
	// separator can never appear in an escaped component.
	a := escapePath("a/b")
	b := escapePath("a%2fb")
	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "/")
	assert.NotContains(t, b, "/")
}

func TestSessionKeys(t *testing.T) {
	s := &session{store: &Store{root: "/configdb"}}
	assert.Equal(t, "/configdb/host/web%201", s.objKey("host", "web 1"))
	assert.Equal(t, "/configdb/_audit/000007", s.auditSlotKey(7))
	assert.Equal(t, "/configdb/_audit_cursor", s.auditCursorKey())
}

func TestSession_CreateGet(t *testing.T) {
	db, _ := newFakeStore(t)
	ctx := context.Background()

	require.NoError(t, db.WithSession(ctx, func(s backend.Session) error {
		if _, err := s.Create(ctx, "role", map[string]any{"name": "web"}); err != nil {
			return err
		}
		obj, err := s.Create(ctx, "host", map[string]any{
			"name": "obz", "ip": "1.2.3.4", "roles": []string{"web"},
		})
		require.NoError(t, err)
		assert.NotZero(t, obj.StorageRef)
		return nil
	}))

	require.NoError(t, db.WithSession(ctx, func(s backend.Session) error {
		got, ok, err := s.GetByName(ctx, "host", "obz")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "1.2.3.4", got.Attrs["ip"])
		assert.Equal(t, []string{"web"}, got.Rels["roles"])
		return nil
	}))
}

func TestSession_DuplicateCreate(t *testing.T) {
	db, _ := newFakeStore(t)
	ctx := context.Background()

	require.NoError(t, db.WithSession(ctx, func(s backend.Session) error {
		_, err := s.Create(ctx, "host", map[string]any{"name": "obz"})
		return err
	}))
	err := db.WithSession(ctx, func(s backend.Session) error {
		_, err := s.Create(ctx, "host", map[string]any{"name": "obz"})
		return err
	})
	require.Error(t, err)
	assert.True(t, dberr.IsIntegrity(err))
}

func TestSession_StaleRevisionConflict(t *testing.T) {
	db, fake := newFakeStore(t)
	ctx := context.Background()

	require.NoError(t, db.WithSession(ctx, func(s backend.Session) error {
		_, err := s.Create(ctx, "host", map[string]any{"name": "obz", "ip": "1.1.1.1"})
		return err
	}))

	err := db.WithSession(ctx, func(s backend.Session) error {
		obj, ok, err := s.GetByName(ctx, "host", "obz")
		require.NoError(t, err)
		require.True(t, ok)

		// A competing writer lands between our read and our write. The
		// CAS on the read revision must refuse to clobber it.
		fake.onCommit = func() {
			fake.onCommit = nil
			fake.put("/configdb/host/obz", `{"name":"obz","ip":"9.9.9.9"}`)
		}
		obj.Set("ip", "2.2.2.2")
		return s.Update(ctx, obj)
	})
	require.Error(t, err)
	assert.True(t, dberr.IsIntegrity(err))

	require.NoError(t, db.WithSession(ctx, func(s backend.Session) error {
		got, ok, err := s.GetByName(ctx, "host", "obz")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "9.9.9.9", got.Attrs["ip"], "the competing write survives")
		return nil
	}))
}

func TestSession_DeleteAndConflict(t *testing.T) {
	db, fake := newFakeStore(t)
	ctx := context.Background()

	require.NoError(t, db.WithSession(ctx, func(s backend.Session) error {
		_, err := s.Create(ctx, "host", map[string]any{"name": "obz"})
		return err
	}))

	err := db.WithSession(ctx, func(s backend.Session) error {
		fake.onCommit = func() {
			fake.onCommit = nil
			fake.put("/configdb/host/obz", `{"name":"obz","ip":"9.9.9.9"}`)
		}
		return s.Delete(ctx, "host", "obz")
	})
	require.Error(t, err)
	assert.True(t, dberr.IsIntegrity(err))

	require.NoError(t, db.WithSession(ctx, func(s backend.Session) error {
		return s.Delete(ctx, "host", "obz")
	}))
	err = db.WithSession(ctx, func(s backend.Session) error {
		return s.Delete(ctx, "host", "obz")
	})
	require.Error(t, err)
	assert.True(t, dberr.IsNotFound(err))
}

func TestSession_FindPrefixScan(t *testing.T) {
	db, _ := newFakeStore(t)
	ctx := context.Background()

	require.NoError(t, db.WithSession(ctx, func(s backend.Session) error {
		for _, name := range []string{"obz", "oba", "utz"} {
			if _, err := s.Create(ctx, "host", map[string]any{"name": name}); err != nil {
				return err
			}
		}
		// Same substring in another entity must stay out of the scan.
		_, err := s.Create(ctx, "role", map[string]any{"name": "obzrole"})
		return err
	}))

	require.NoError(t, db.WithSession(ctx, func(s backend.Session) error {
		got, err := s.Find(ctx, "host", map[string]query.Criteria{
			"name": query.Substring{Value: "bz"},
		})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "obz", got[0].Name)
		return nil
	}))
}

func TestSession_RollbackReplaysUndoLog(t *testing.T) {
	db, _ := newFakeStore(t)
	ctx := context.Background()
	boom := assert.AnError

	require.NoError(t, db.WithSession(ctx, func(s backend.Session) error {
		_, err := s.Create(ctx, "host", map[string]any{"name": "obz", "ip": "1.1.1.1"})
		return err
	}))

	err := db.WithSession(ctx, func(s backend.Session) error {
		obj, _, err := s.GetByName(ctx, "host", "obz")
		require.NoError(t, err)
		obj.Set("ip", "2.2.2.2")
		if err := s.Update(ctx, obj); err != nil {
			return err
		}
		if _, err := s.Create(ctx, "host", map[string]any{"name": "oba"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, db.WithSession(ctx, func(s backend.Session) error {
		got, ok, err := s.GetByName(ctx, "host", "obz")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "1.1.1.1", got.Attrs["ip"], "update undone")

		_, ok, err = s.GetByName(ctx, "host", "oba")
		require.NoError(t, err)
		assert.False(t, ok, "create undone")
		return nil
	}))
}

func TestAudit_RingRoundTrip(t *testing.T) {
	db, _ := newFakeStore(t)
	ctx := context.Background()
	require.True(t, db.SupportsAudit())

	base := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	require.NoError(t, db.WithSession(ctx, func(s backend.Session) error {
		for i, op := range []string{"create", "update", "delete"} {
			entry := backend.AuditEntry{
				Entity: "host", Object: "obz", Op: op, User: "admin",
				Stamp: base.Add(time.Duration(i) * time.Second),
			}
			if err := s.AddAudit(ctx, &entry); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, db.WithSession(ctx, func(s backend.Session) error {
		got, err := s.GetAudit(ctx, backend.AuditQuery{Entity: "host"})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "delete", got[0].Op, "newest first")
		assert.Equal(t, "create", got[2].Op)
		return nil
	}))
}

func TestAudit_RingOverwritesOldest(t *testing.T) {
	db, _ := newFakeStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	require.NoError(t, db.WithSession(ctx, func(s backend.Session) error {
		for i := 0; i < auditSlots+2; i++ {
			entry := backend.AuditEntry{
				Entity: "host", Object: "obz", Op: "update", User: "admin",
				Data:  string(rune('a' + i%26)),
				Stamp: base.Add(time.Duration(i) * time.Second),
			}
			if err := s.AddAudit(ctx, &entry); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, db.WithSession(ctx, func(s backend.Session) error {
		got, err := s.GetAudit(ctx, backend.AuditQuery{Entity: "host"})
		require.NoError(t, err)
		require.Len(t, got, auditSlots, "ring holds a bounded window")
		assert.True(t, got[0].Stamp.Equal(base.Add(time.Duration(auditSlots+1)*time.Second)),
			"newest entry survives")
		for _, e := range got {
			assert.True(t, e.Stamp.After(base.Add(time.Second)), "the two oldest entries are gone")
		}
		return nil
	}))
}

func TestAddAudit_ContendedCursorDropsSilently(t *testing.T) {
	db, fake := newFakeStore(t)
	ctx := context.Background()

	// Every CAS attempt loses the cursor race. The entry is dropped and
	// the session must see no error: audit is advisory.
	fake.onCommit = func() {
		fake.put("/configdb/_audit_cursor", "99")
	}
	require.NoError(t, db.WithSession(ctx, func(s backend.Session) error {
		entry := backend.AuditEntry{Entity: "host", Object: "obz", Op: "create", User: "admin"}
		return s.AddAudit(ctx, &entry)
	}))

	fake.onCommit = nil
	require.NoError(t, db.WithSession(ctx, func(s backend.Session) error {
		got, err := s.GetAudit(ctx, backend.AuditQuery{Entity: "host"})
		require.NoError(t, err)
		assert.Empty(t, got)
		return nil
	}))
}

func TestAddAudit_FailureDoesNotUndoPrimaryWrite(t *testing.T) {
	db, fake := newFakeStore(t)
	ctx := context.Background()

	require.NoError(t, db.WithSession(ctx, func(s backend.Session) error {
		if _, err := s.Create(ctx, "host", map[string]any{"name": "obz"}); err != nil {
			return err
		}
		fake.onCommit = func() {
			fake.put("/configdb/_audit_cursor", "99")
		}
		entry := backend.AuditEntry{Entity: "host", Object: "obz", Op: "create", User: "admin"}
		return s.AddAudit(ctx, &entry)
	}))
	fake.onCommit = nil

	require.NoError(t, db.WithSession(ctx, func(s backend.Session) error {
		_, ok, err := s.GetByName(ctx, "host", "obz")
		require.NoError(t, err)
		assert.True(t, ok, "the create committed even though its audit entry was dropped")
		return nil
	}))
}
