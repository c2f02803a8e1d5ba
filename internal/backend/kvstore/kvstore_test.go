package kvstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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
		"memory": {"type": "int"},
		"roles": {"type": "relation", "rel": "role"}
	}
}`

func newStore(t *testing.T) *Store {
	t.Helper()
	sch, err := schema.Load([]byte(testSchema))
	require.NoError(t, err)
	db, err := Open(filepath.Join(t.TempDir(), "kv"), sch, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSession_CreateGetRoundTrip(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	require.NoError(t, db.WithSession(ctx, func(s backend.Session) error {
		_, err := s.Create(ctx, "host", map[string]any{
			"name":   "obz",
			"ip":     "1.2.3.4",
			"memory": int64(256),
			"roles":  []string{"web"},
		})
		return err
	}))

	require.NoError(t, db.WithSession(ctx, func(s backend.Session) error {
		obj, ok, err := s.GetByName(ctx, "host", "obz")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "1.2.3.4", obj.Attrs["ip"])
		assert.Equal(t, int64(256), obj.Attrs["memory"])
		assert.Equal(t, []string{"web"}, obj.Rels["roles"])
		return nil
	}))
}

func TestSession_ReadsSeeOwnWrites(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	require.NoError(t, db.WithSession(ctx, func(s backend.Session) error {
		if _, err := s.Create(ctx, "host", map[string]any{"name": "obz"}); err != nil {
			return err
		}
		_, ok, err := s.GetByName(ctx, "host", "obz")
		require.NoError(t, err)
		assert.True(t, ok, "uncommitted write must be visible inside the session")
		return nil
	}))
}

func TestSession_RollbackDiscardsBatch(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.WithSession(ctx, func(s backend.Session) error {
		if _, err := s.Create(ctx, "host", map[string]any{"name": "obz"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, db.WithSession(ctx, func(s backend.Session) error {
		_, ok, err := s.GetByName(ctx, "host", "obz")
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

func TestSession_DuplicateAndMissing(t *testing.T) {
	db := newStore(t)
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

	err = db.WithSession(ctx, func(s backend.Session) error {
		return s.Delete(ctx, "host", "ghost")
	})
	require.Error(t, err)
	assert.True(t, dberr.IsNotFound(err))
}

func TestSession_FindIsPrefixScanWithPostFilter(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	require.NoError(t, db.WithSession(ctx, func(s backend.Session) error {
		for _, name := range []string{"obz", "oba", "utz"} {
			if _, err := s.Create(ctx, "host", map[string]any{"name": name}); err != nil {
				return err
			}
		}
		// An object of another entity must not leak into the host scan.
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

		all, err := s.Find(ctx, "host", nil)
		require.NoError(t, err)
		assert.Len(t, all, 3)
		return nil
	}))
}

func TestSession_UpdateRewritesBlob(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	require.NoError(t, db.WithSession(ctx, func(s backend.Session) error {
		_, err := s.Create(ctx, "host", map[string]any{"name": "obz", "ip": "1.1.1.1"})
		return err
	}))

	require.NoError(t, db.WithSession(ctx, func(s backend.Session) error {
		obj, _, err := s.GetByName(ctx, "host", "obz")
		require.NoError(t, err)
		obj.Set("ip", "2.2.2.2")
		obj.SetRelation("roles", []string{"web"})
		return s.Update(ctx, obj)
	}))

	require.NoError(t, db.WithSession(ctx, func(s backend.Session) error {
		obj, _, err := s.GetByName(ctx, "host", "obz")
		require.NoError(t, err)
		assert.Equal(t, "2.2.2.2", obj.Attrs["ip"])
		assert.Equal(t, []string{"web"}, obj.Rels["roles"])
		return nil
	}))
}

func TestAudit_Unsupported(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()
	assert.False(t, db.SupportsAudit())

	require.NoError(t, db.WithSession(ctx, func(s backend.Session) error {
		// Writes are silently dropped; the mutation path never fails.
		return s.AddAudit(ctx, &backend.AuditEntry{Entity: "host", Object: "x", Op: "create"})
	}))

	err := db.WithSession(ctx, func(s backend.Session) error {
		_, err := s.GetAudit(ctx, backend.AuditQuery{Entity: "host"})
		return err
	})
	require.ErrorIs(t, err, dberr.ErrAuditUnsupported)
}

func TestPrefixBounds(t *testing.T) {
	lower, upper := prefixBounds("host")
	assert.Equal(t, "host:", string(lower))
	assert.Equal(t, "host;", string(upper))
}
