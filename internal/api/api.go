// Package api is the high-level operation layer: it binds schema
// validation, authorization, the diff/apply algorithm and audit recording
// on top of any storage backend. Every operation runs inside exactly one
// backend session.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/roach88/configdb/internal/acl"
	"github.com/roach88/configdb/internal/backend"
	"github.com/roach88/configdb/internal/dberr"
	"github.com/roach88/configdb/internal/query"
	"github.com/roach88/configdb/internal/schema"
)

// API exposes the operations the outer surfaces (HTTP, CLI, backup tool)
// call. It holds no mutable state of its own; all state lives in the
// backend.
type API struct {
	schema *schema.Schema
	db     backend.Interface
	logger *slog.Logger
}

func New(sch *schema.Schema, db backend.Interface, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{schema: sch, db: db, logger: logger.With("component", "api")}
}

// Schema returns the schema the API was built with.
func (a *API) Schema() *schema.Schema { return a.schema }

// SupportsAudit reports whether the underlying backend keeps an audit log.
func (a *API) SupportsAudit() bool { return a.db.SupportsAudit() }

func count(op string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`configdb_api_calls_total{op=%q}`, op)).Inc()
}

// entity resolves a user-visible entity. System entities are not
// addressable through the API.
func (a *API) entity(name string) (*schema.Entity, error) {
	if schema.IsSystem(name) {
		return nil, dberr.NewNotFound(name)
	}
	ent := a.schema.Entity(name)
	if ent == nil {
		return nil, dberr.NewNotFound(name)
	}
	return ent, nil
}

// SelfTarget fetches the caller's own object so self-based ACL rules can
// bind against it. A lookup failure just means no self binding.
func (a *API) SelfTarget(ctx context.Context, actx *acl.Context, entity, name string) (acl.Target, bool) {
	var obj *backend.Object
	err := a.db.WithSession(ctx, func(s backend.Session) error {
		var err error
		obj, _, err = s.GetByName(ctx, entity, name)
		return err
	})
	if err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// Get returns one object in wire format.
func (a *API) Get(ctx context.Context, actx *acl.Context, entity, name string) (map[string]any, error) {
	count("get")
	ent, err := a.entity(entity)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	err = a.db.WithSession(ctx, func(s backend.Session) error {
		obj, ok, err := s.GetByName(ctx, entity, name)
		if err != nil {
			return err
		}
		if !ok {
			return dberr.NewNotFound(entity + "/" + name)
		}
		if err := a.schema.CheckEntity(ent, actx, acl.OpRead, obj); err != nil {
			return err
		}
		result, err = ent.ToNet(obj.NetAttrs(), false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Find returns every object of an entity satisfying all criteria in the
// wire query spec. Authorization is entity-level only.
func (a *API) Find(ctx context.Context, actx *acl.Context, entity string, spec map[string]map[string]any) ([]map[string]any, error) {
	count("find")
	ent, err := a.entity(entity)
	if err != nil {
		return nil, err
	}
	if err := a.schema.CheckEntity(ent, actx, acl.OpRead, nil); err != nil {
		return nil, err
	}
	q, err := a.parseQuery(ent, spec)
	if err != nil {
		return nil, err
	}

	var results []map[string]any
	err = a.db.WithSession(ctx, func(s backend.Session) error {
		objs, err := s.Find(ctx, entity, q)
		if err != nil {
			return err
		}
		sort.Slice(objs, func(i, j int) bool { return objs[i].Name < objs[j].Name })
		results = make([]map[string]any, 0, len(objs))
		for _, obj := range objs {
			net, err := ent.ToNet(obj.NetAttrs(), false)
			if err != nil {
				return err
			}
			results = append(results, net)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// parseQuery converts a wire query spec into criteria. Unknown fields are
// query errors; equality values on scalar fields are coerced through the
// field's deserializer so matches agree across backends.
func (a *API) parseQuery(ent *schema.Entity, spec map[string]map[string]any) (map[string]query.Criteria, error) {
	q := make(map[string]query.Criteria, len(spec))
	for name, fieldSpec := range spec {
		f := ent.Field(name)
		if f == nil {
			return nil, dberr.NewQuery("unknown field %s.%s", ent.Name, name)
		}
		c, err := query.Parse(fieldSpec)
		if err != nil {
			return nil, err
		}
		if eq, ok := c.(query.Equals); ok && !f.IsRelation() {
			v, err := f.FromNet(eq.Value)
			if err != nil {
				return nil, dberr.NewQuery("bad value for %s.%s: %v", ent.Name, name, err)
			}
			c = query.Equals{Value: v}
		}
		q[name] = c
	}
	return q, nil
}

// GetAudit returns audit entries matching the query, newest first. The
// query must name the entity so the right ACL gets checked.
func (a *API) GetAudit(ctx context.Context, actx *acl.Context, q backend.AuditQuery) ([]*backend.AuditEntry, error) {
	count("audit")
	if q.Entity == "" {
		return nil, dberr.NewNotFound("audit query without entity")
	}
	ent, err := a.entity(q.Entity)
	if err != nil {
		return nil, err
	}
	if err := a.schema.CheckEntity(ent, actx, acl.OpRead, nil); err != nil {
		return nil, err
	}
	var entries []*backend.AuditEntry
	err = a.db.WithSession(ctx, func(s backend.Session) error {
		entries, err = s.GetAudit(ctx, q)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// GetTimestamp returns the last write time recorded for an entity.
func (a *API) GetTimestamp(ctx context.Context, actx *acl.Context, entity string) (time.Time, error) {
	count("timestamp")
	ent, err := a.entity(entity)
	if err != nil {
		return time.Time{}, err
	}
	if err := a.schema.CheckEntity(ent, actx, acl.OpRead, nil); err != nil {
		return time.Time{}, err
	}
	var stamp time.Time
	err = a.db.WithSession(ctx, func(s backend.Session) error {
		obj, ok, err := s.GetByName(ctx, schema.TimestampEntity, entity)
		if err != nil {
			return err
		}
		if !ok {
			return dberr.NewNotFound("timestamp for " + entity)
		}
		ts, _ := obj.Get("ts").(int64)
		stamp = time.Unix(ts, 0).UTC()
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return stamp, nil
}
