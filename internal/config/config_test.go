package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("schema: schema.json\n"))
	require.NoError(t, err)
	assert.Equal(t, ":8636", cfg.Listen)
	assert.Equal(t, "memory", cfg.Backend.Type)
	assert.Empty(t, cfg.AuthEntity)
}

func TestParse_Full(t *testing.T) {
	cfg, err := Parse([]byte(`
listen: "127.0.0.1:9000"
schema: /etc/configdb/schema.cue
auth_entity: user
backend:
  type: etcd
  endpoints:
    - "localhost:2379"
    - "localhost:2380"
  root: /prod/configdb
`))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, "/etc/configdb/schema.cue", cfg.SchemaFile)
	assert.Equal(t, "user", cfg.AuthEntity)
	assert.Equal(t, "etcd", cfg.Backend.Type)
	assert.Equal(t, []string{"localhost:2379", "localhost:2380"}, cfg.Backend.Endpoints)
	assert.Equal(t, "/prod/configdb", cfg.Backend.Root)
}

func TestParse_Errors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"missing schema", "listen: ':1'\n", "schema file is required"},
		{"unknown backend", "schema: s.json\nbackend:\n  type: leveldb\n", "unknown backend type"},
		{"sqlite without path", "schema: s.json\nbackend:\n  type: sqlite\n", "requires a path"},
		{"pebble without path", "schema: s.json\nbackend:\n  type: pebble\n", "requires a path"},
		{"etcd without endpoints", "schema: s.json\nbackend:\n  type: etcd\n", "requires endpoints"},
		{"malformed yaml", "schema: [\n", "parsing config"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "configdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte("schema: s.json\nbackend:\n  type: sqlite\n  path: db.sqlite\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "db.sqlite", cfg.Backend.Path)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config")
}
