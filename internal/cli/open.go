package cli

import (
	"fmt"
	"log/slog"

	"github.com/roach88/configdb/internal/acl"
	"github.com/roach88/configdb/internal/api"
	"github.com/roach88/configdb/internal/backend"
	"github.com/roach88/configdb/internal/backend/etcdstore"
	"github.com/roach88/configdb/internal/backend/kvstore"
	"github.com/roach88/configdb/internal/backend/memstore"
	"github.com/roach88/configdb/internal/backend/sqlstore"
	"github.com/roach88/configdb/internal/config"
	"github.com/roach88/configdb/internal/schema"
)

// OpenBackend constructs the storage backend the config selects.
func OpenBackend(cfg *config.Config, sch *schema.Schema, logger *slog.Logger) (backend.Interface, error) {
	switch cfg.Backend.Type {
	case "memory":
		return memstore.New(sch, logger), nil
	case "sqlite":
		return sqlstore.Open(cfg.Backend.Path, sch, logger)
	case "pebble":
		return kvstore.Open(cfg.Backend.Path, sch, logger)
	case "etcd":
		return etcdstore.Open(cfg.Backend.Endpoints, cfg.Backend.Root, sch, logger)
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Backend.Type)
	}
}

// openAPI loads config and schema, opens the backend and builds the API.
// The returned closer releases the backend.
func openAPI(opts *RootOptions) (*api.API, func() error, error) {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "loading configuration", err)
	}
	sch, err := LoadSchema(cfg.SchemaFile)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "loading schema", err)
	}
	logger := slog.Default()
	db, err := OpenBackend(cfg, sch, logger)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "opening backend", err)
	}
	return api.New(sch, db, logger), db.Close, nil
}

// aclContext builds the authorization context from the global flags.
func (o *RootOptions) aclContext() *acl.Context {
	return acl.NewContext(o.User, o.Groups)
}
