package api

import (
	"context"
	"encoding/json"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/roach88/configdb/internal/acl"
	"github.com/roach88/configdb/internal/backend"
	"github.com/roach88/configdb/internal/dberr"
	"github.com/roach88/configdb/internal/schema"
)

// Create validates wire data, authorizes it and stores a new object. The
// validated data must carry a non-empty name. Every relation member named
// in the data must already exist.
func (a *API) Create(ctx context.Context, actx *acl.Context, entity string, data map[string]any) (map[string]any, error) {
	count("create")
	ent, err := a.entity(entity)
	if err != nil {
		return nil, err
	}
	attrs, err := a.unpack(ent, data)
	if err != nil {
		return nil, err
	}
	name, _ := attrs["name"].(string)
	if name == "" {
		return nil, dberr.NewValidation([]string{"name"}, "missing object name")
	}
	if err := a.schema.CheckEntity(ent, actx, acl.OpWrite, nil); err != nil {
		return nil, err
	}
	if err := a.schema.CheckFields(ent, sortedKeys(attrs), actx, acl.OpWrite, nil); err != nil {
		return nil, err
	}

	var result map[string]any
	err = a.db.WithSession(ctx, func(s backend.Session) error {
		if err := a.verifyTargets(ctx, s, ent, attrs); err != nil {
			return err
		}
		obj, err := s.Create(ctx, entity, attrs)
		if err != nil {
			return err
		}
		if err := a.recordAudit(ctx, s, entity, name, "create", actx, obj); err != nil {
			return err
		}
		if err := a.touch(ctx, s, entity); err != nil {
			return err
		}
		result, err = ent.ToNet(obj.NetAttrs(), false)
		return err
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("object created", "entity", entity, "name", name, "user", actx.Username())
	return result, nil
}

// Update applies a partial attribute set: validate, diff against current
// state, authorize the changed fields, apply and audit. A submission that
// changes nothing succeeds without touching audit or timestamp.
func (a *API) Update(ctx context.Context, actx *acl.Context, entity, name string, data map[string]any) (map[string]any, error) {
	count("update")
	ent, err := a.entity(entity)
	if err != nil {
		return nil, err
	}
	attrs, err := a.unpack(ent, data)
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
		d := a.diff(ent, obj, attrs)
		if len(d) == 0 {
			result, err = ent.ToNet(obj.NetAttrs(), false)
			return err
		}
		// Names are the primary key everywhere; a rename would strand the
		// old key on the keyed backends. Renames go through delete+create.
		if _, renamed := d["name"]; renamed {
			return dberr.NewValidation([]string{"name"}, "object name cannot be changed")
		}
		if err := a.schema.CheckFields(ent, sortedKeys(d), actx, acl.OpWrite, obj); err != nil {
			return err
		}
		if err := a.applyDiff(ctx, s, ent, obj, d); err != nil {
			return err
		}
		if err := s.Update(ctx, obj); err != nil {
			return err
		}
		if err := a.recordAudit(ctx, s, entity, name, "update", actx, obj); err != nil {
			return err
		}
		if err := a.touch(ctx, s, entity); err != nil {
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

// Delete removes an object. Deleting a missing object is success, so the
// call is idempotent; only an actual removal authorizes, audits and
// advances the entity timestamp.
func (a *API) Delete(ctx context.Context, actx *acl.Context, entity, name string) error {
	count("delete")
	ent, err := a.entity(entity)
	if err != nil {
		return err
	}
	err = a.db.WithSession(ctx, func(s backend.Session) error {
		obj, ok, err := s.GetByName(ctx, entity, name)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := a.schema.CheckEntity(ent, actx, acl.OpWrite, obj); err != nil {
			return err
		}
		if err := s.Delete(ctx, entity, name); err != nil {
			return err
		}
		if err := a.recordAudit(ctx, s, entity, name, "delete", actx, nil); err != nil {
			return err
		}
		return a.touch(ctx, s, entity)
	})
	if err != nil {
		return err
	}
	a.logger.Info("object deleted", "entity", entity, "name", name, "user", actx.Username())
	return nil
}

// unpack deserializes and validates wire data. Unknown fields are
// rejected outright; per-field failures are collected so one error names
// every bad field.
func (a *API) unpack(ent *schema.Entity, data map[string]any) (map[string]any, error) {
	var unknown []string
	for name := range data {
		if ent.Field(name) == nil {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, dberr.NewValidation(unknown, "unknown fields: %s", strings.Join(unknown, ", "))
	}
	attrs, err := ent.FromNet(data)
	if err != nil {
		return nil, err
	}
	var bad []string
	var firstErr error
	for name, value := range attrs {
		checked, err := ent.Field(name).Validate(value)
		if err != nil {
			bad = append(bad, name)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		attrs[name] = checked
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return nil, dberr.NewValidation(bad, "validation failed: %v", firstErr)
	}
	return attrs, nil
}

// diff computes the changed subset of a validated attribute map against
// the current object. Relation fields compare as sets of target names.
func (a *API) diff(ent *schema.Entity, obj *backend.Object, attrs map[string]any) map[string]any {
	d := make(map[string]any)
	for name, value := range attrs {
		f := ent.Field(name)
		if f.IsRelation() {
			names, _ := value.([]string)
			names = dedupe(names)
			if !sameSet(obj.Relation(name), names) {
				d[name] = names
			}
			continue
		}
		if !attrEqual(obj.Get(name), value) {
			d[name] = value
		}
	}
	return d
}

// applyDiff mutates the object in place. Added relation members must all
// resolve to existing targets before any field is touched; a miss fails
// the whole operation with no partial edges.
func (a *API) applyDiff(ctx context.Context, s backend.Session, ent *schema.Entity, obj *backend.Object, d map[string]any) error {
	var missing []string
	for name, value := range d {
		f := ent.Field(name)
		if !f.IsRelation() {
			continue
		}
		names, _ := value.([]string)
		for _, add := range difference(names, obj.Relation(name)) {
			_, ok, err := s.GetByName(ctx, f.RemoteName, add)
			if err != nil {
				return err
			}
			if !ok {
				missing = append(missing, f.RemoteName+"/"+add)
			}
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return dberr.NewRelation("no such objects: %s", strings.Join(missing, ", "))
	}
	for name, value := range d {
		if ent.Field(name).IsRelation() {
			names, _ := value.([]string)
			obj.SetRelation(name, names)
		} else {
			obj.Set(name, value)
		}
	}
	return nil
}

// verifyTargets checks that every relation member in a validated
// attribute map names an existing object.
func (a *API) verifyTargets(ctx context.Context, s backend.Session, ent *schema.Entity, attrs map[string]any) error {
	var missing []string
	for name, value := range attrs {
		f := ent.Field(name)
		if !f.IsRelation() {
			continue
		}
		names, _ := value.([]string)
		for _, member := range names {
			_, ok, err := s.GetByName(ctx, f.RemoteName, member)
			if err != nil {
				return err
			}
			if !ok {
				missing = append(missing, f.RemoteName+"/"+member)
			}
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return dberr.NewRelation("no such objects: %s", strings.Join(missing, ", "))
	}
	return nil
}

// recordAudit writes an audit entry for a mutation. The data snapshot is
// the object's post-state in wire format, empty for deletes.
func (a *API) recordAudit(ctx context.Context, s backend.Session, entity, name, op string, actx *acl.Context, obj *backend.Object) error {
	entry := &backend.AuditEntry{
		Entity: entity,
		Object: name,
		Op:     op,
		User:   actx.Username(),
	}
	if obj != nil {
		ent := a.schema.Entity(entity)
		net, err := ent.ToNet(obj.NetAttrs(), false)
		if err == nil {
			if data, err := json.Marshal(net); err == nil {
				entry.Data = string(data)
			}
		}
	}
	return s.AddAudit(ctx, entry)
}

// touch advances an entity's last-write marker.
func (a *API) touch(ctx context.Context, s backend.Session, entity string) error {
	now := time.Now().Unix()
	obj, ok, err := s.GetByName(ctx, schema.TimestampEntity, entity)
	if err != nil {
		return err
	}
	if ok {
		obj.Set("ts", now)
		return s.Update(ctx, obj)
	}
	_, err = s.Create(ctx, schema.TimestampEntity, map[string]any{"name": entity, "ts": now})
	return err
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// dedupe drops duplicate names, preserving first occurrence order.
func dedupe(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, s := range names {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// sameSet compares two name lists as sets.
func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, s := range a {
		seen[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			return false
		}
	}
	return true
}

// difference returns the members of a not present in b.
func difference(a, b []string) []string {
	seen := make(map[string]struct{}, len(b))
	for _, s := range b {
		seen[s] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := seen[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}

// attrEqual compares two canonical scalar values.
func attrEqual(a, b any) bool {
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	}
	return reflect.DeepEqual(a, b)
}
