package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func testEntity(t *testing.T, name string) *schema.Entity {
	t.Helper()
	s, err := schema.Load([]byte(testSchema))
	require.NoError(t, err)
	ent := s.Entity(name)
	require.NotNil(t, ent)
	return ent
}

func TestNewObject_SplitsScalarsAndRelations(t *testing.T) {
	host := testEntity(t, "host")
	obj, err := NewObject(host, map[string]any{
		"name":   "obz",
		"ip":     "1.2.3.4",
		"memory": int64(512),
		"roles":  []string{"web", "db", "web"},
	})
	require.NoError(t, err)

	assert.Equal(t, "obz", obj.Name)
	assert.Equal(t, "1.2.3.4", obj.Attrs["ip"])
	assert.NotContains(t, obj.Attrs, "roles")
	assert.Equal(t, []string{"db", "web"}, obj.Rels["roles"], "sets are deduplicated and sorted")
}

func TestNewObject_NonNullableViolation(t *testing.T) {
	host := testEntity(t, "host")
	_, err := NewObject(host, map[string]any{"ip": "1.2.3.4"})
	require.Error(t, err)
	assert.True(t, dberr.IsValidation(err))
}

func TestObject_SetKeepsNameInSync(t *testing.T) {
	host := testEntity(t, "host")
	obj, err := NewObject(host, map[string]any{"name": "obz"})
	require.NoError(t, err)

	obj.Set("name", "oba")
	assert.Equal(t, "oba", obj.Name)
	assert.Equal(t, "oba", obj.Attrs["name"])
}

func TestObject_CloneIsDeep(t *testing.T) {
	host := testEntity(t, "host")
	obj, err := NewObject(host, map[string]any{"name": "obz", "roles": []string{"web"}})
	require.NoError(t, err)

	c := obj.Clone()
	c.Set("ip", "9.9.9.9")
	c.SetRelation("roles", []string{"db"})

	assert.Nil(t, obj.Attrs["ip"])
	assert.Equal(t, []string{"web"}, obj.Rels["roles"])
}

func TestMatchObject(t *testing.T) {
	host := testEntity(t, "host")
	obj, err := NewObject(host, map[string]any{
		"name":  "obz",
		"ip":    "10.0.0.1",
		"roles": []string{"web", "db"},
	})
	require.NoError(t, err)

	assert.True(t, MatchObject(host, map[string]query.Criteria{
		"name": query.Substring{Value: "bz"},
	}, obj))

	assert.True(t, MatchObject(host, map[string]query.Criteria{
		"roles": query.Equals{Value: "db"},
	}, obj), "relation criteria match any member")

	assert.False(t, MatchObject(host, map[string]query.Criteria{
		"name": query.Substring{Value: "bz"},
		"ip":   query.Equals{Value: "10.0.0.2"},
	}, obj), "all criteria must hold")

	assert.False(t, MatchObject(host, map[string]query.Criteria{
		"bogus": query.Equals{Value: "x"},
	}, obj), "unknown field matches nothing")
}

func TestFilterObjects(t *testing.T) {
	host := testEntity(t, "host")
	var objs []*Object
	for _, name := range []string{"obz", "oba", "utz"} {
		obj, err := NewObject(host, map[string]any{"name": name})
		require.NoError(t, err)
		objs = append(objs, obj)
	}

	got := FilterObjects(host, map[string]query.Criteria{
		"name": query.Substring{Value: "bz"},
	}, objs)
	require.Len(t, got, 1)
	assert.Equal(t, "obz", got[0].Name)
}

func TestCodec_RoundTrip(t *testing.T) {
	host := testEntity(t, "host")
	obj, err := NewObject(host, map[string]any{
		"name":   "obz",
		"ip":     "1.2.3.4",
		"memory": int64(2048),
		"roles":  []string{"web"},
	})
	require.NoError(t, err)

	data, err := EncodeObject(host, obj)
	require.NoError(t, err)

	back, err := DecodeObject(host, data)
	require.NoError(t, err)
	assert.Equal(t, "obz", back.Name)
	assert.Equal(t, "1.2.3.4", back.Attrs["ip"])
	assert.Equal(t, int64(2048), back.Attrs["memory"])
	assert.Equal(t, []string{"web"}, back.Rels["roles"])
}
