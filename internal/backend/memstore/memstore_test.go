package memstore

import (
	"context"
	"errors"
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
		"roles": {"type": "relation", "rel": "role"}
	}
}`

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := schema.Load([]byte(testSchema))
	require.NoError(t, err)
	return New(s, nil)
}

func TestSession_CreateGet(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	err := db.WithSession(ctx, func(s backend.Session) error {
		_, err := s.Create(ctx, "host", map[string]any{"name": "obz", "ip": "1.2.3.4"})
		return err
	})
	require.NoError(t, err)

	err = db.WithSession(ctx, func(s backend.Session) error {
		obj, ok, err := s.GetByName(ctx, "host", "obz")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "1.2.3.4", obj.Attrs["ip"])

		_, ok, err = s.GetByName(ctx, "host", "nope")
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestSession_CreateDuplicate(t *testing.T) {
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
}

func TestSession_RollbackUndoesMutations(t *testing.T) {
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
		assert.False(t, ok, "rolled-back create must not be visible")
		return nil
	}))
}

func TestSession_RollbackRestoresPreviousState(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	require.NoError(t, db.WithSession(ctx, func(s backend.Session) error {
		_, err := s.Create(ctx, "host", map[string]any{"name": "obz", "ip": "1.1.1.1"})
		return err
	}))

	boom := errors.New("boom")
	err := db.WithSession(ctx, func(s backend.Session) error {
		obj, _, err := s.GetByName(ctx, "host", "obz")
		if err != nil {
			return err
		}
		obj.Set("ip", "9.9.9.9")
		if err := s.Update(ctx, obj); err != nil {
			return err
		}
		if err := s.Delete(ctx, "host", "obz"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, db.WithSession(ctx, func(s backend.Session) error {
		obj, ok, err := s.GetByName(ctx, "host", "obz")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "1.1.1.1", obj.Attrs["ip"])
		return nil
	}))
}

func TestSession_GetReturnsClone(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	require.NoError(t, db.WithSession(ctx, func(s backend.Session) error {
		_, err := s.Create(ctx, "host", map[string]any{"name": "obz", "ip": "1.1.1.1"})
		return err
	}))

	require.NoError(t, db.WithSession(ctx, func(s backend.Session) error {
		obj, _, err := s.GetByName(ctx, "host", "obz")
		require.NoError(t, err)
		obj.Set("ip", "9.9.9.9") // mutate without writing back

		again, _, err := s.GetByName(ctx, "host", "obz")
		require.NoError(t, err)
		assert.Equal(t, "1.1.1.1", again.Attrs["ip"])
		return nil
	}))
}

func TestSession_Find(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	require.NoError(t, db.WithSession(ctx, func(s backend.Session) error {
		for _, name := range []string{"obz", "oba", "utz"} {
			if _, err := s.Create(ctx, "host", map[string]any{"name": name}); err != nil {
				return err
			}
		}
		return nil
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

func TestSession_DeleteMissing(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	err := db.WithSession(ctx, func(s backend.Session) error {
		return s.Delete(ctx, "host", "ghost")
	})
	require.Error(t, err)
	assert.True(t, dberr.IsNotFound(err))
}

func TestAudit(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()
	require.True(t, db.SupportsAudit())

	require.NoError(t, db.WithSession(ctx, func(s backend.Session) error {
		for _, op := range []string{"create", "update", "delete"} {
			err := s.AddAudit(ctx, &backend.AuditEntry{
				Entity: "host", Object: "obz", Op: op, User: "admin",
			})
			if err != nil {
				return err
			}
		}
		return s.AddAudit(ctx, &backend.AuditEntry{
			Entity: "role", Object: "web", Op: "create", User: "admin",
		})
	}))

	require.NoError(t, db.WithSession(ctx, func(s backend.Session) error {
		all, err := s.GetAudit(ctx, backend.AuditQuery{Entity: "host"})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "delete", all[0].Op, "newest first")

		updates, err := s.GetAudit(ctx, backend.AuditQuery{Entity: "host", Op: "update"})
		require.NoError(t, err)
		assert.Len(t, updates, 1)
		return nil
	}))
}

func TestAudit_RollbackDropsEntry(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.WithSession(ctx, func(s backend.Session) error {
		if err := s.AddAudit(ctx, &backend.AuditEntry{Entity: "host", Object: "x", Op: "create"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, db.WithSession(ctx, func(s backend.Session) error {
		entries, err := s.GetAudit(ctx, backend.AuditQuery{Entity: "host"})
		require.NoError(t, err)
		assert.Empty(t, entries)
		return nil
	}))
}
