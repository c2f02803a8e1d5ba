package backend

import (
	"sort"

	"github.com/roach88/configdb/internal/dberr"
	"github.com/roach88/configdb/internal/schema"
)

// Object is the backend-agnostic representation of an entity instance: one
// scalar value per scalar field and one set of target names per relation
// field. Adapters build Objects from their storage form and write them back
// from it; the diff/apply layer mutates them in between.
type Object struct {
	EntityName string
	Name       string

	// Attrs holds scalar field values in their canonical in-memory types.
	Attrs map[string]any

	// Rels holds relation field values as sorted, deduplicated sets of
	// target-object names.
	Rels map[string][]string

	// StorageRef is an adapter-private handle (e.g. a row id) carried from
	// fetch to write-back within one session. Layers above the adapter
	// never interpret it.
	StorageRef any
}

// NewObject builds an object from validated attribute data. Relation values
// collapse to set semantics; a nil value for a non-nullable field is
// rejected.
func NewObject(ent *schema.Entity, attrs map[string]any) (*Object, error) {
	o := &Object{
		EntityName: ent.Name,
		Attrs:      make(map[string]any),
		Rels:       make(map[string][]string),
	}
	for name, f := range ent.Fields {
		value := attrs[name]
		if value == nil && !f.Nullable() {
			return nil, dberr.NewValidation([]string{name},
				"null value for non-nullable field %q", name)
		}
		if f.IsRelation() {
			names, _ := value.([]string)
			o.Rels[name] = normalizeSet(names)
			continue
		}
		o.Attrs[name] = value
	}
	name, _ := o.Attrs["name"].(string)
	o.Name = name
	return o, nil
}

// ObjectName implements acl.Target.
func (o *Object) ObjectName() string { return o.Name }

// Relation implements acl.Target.
func (o *Object) Relation(field string) []string { return o.Rels[field] }

/// Get returns a field value: the scalar for scalar fields, the name set for
// relation fields.
func (o *Object) Get(field string) any {
	if v, ok := o.Attrs[field]; ok {
		return v
	}
	if v, ok := o.Rels[field]; ok {
		return v
	}
	return nil
}

// Set assigns a scalar field value.
func (o *Object) Set(field string, value any) {
	o.Attrs[field] = value
	if field == "name" {
		s, _ := value.(string)
		o.Name = s
	}
}

// SetRelation replaces a relation field's target-name set.
func (o *Object) SetRelation(field string, names []string) {
	o.Rels[field] = normalizeSet(names)
}

// NetAttrs returns a combined attribute map suitable for Entity.ToNet.
func (o *Object) NetAttrs() map[string]any {
	out := make(map[string]any, len(o.Attrs)+len(o.Rels))
	for k, v := range o.Attrs {
		out[k] = v
	}
	for k, v := range o.Rels {
		out[k] = v
	}
	return out
}

// Clone returns a deep copy; adapters hand out clones so callers can mutate
// freely before writing back.
func (o *Object) Clone() *Object {
	c := &Object{
		EntityName: o.EntityName,
		Name:       o.Name,
		Attrs:      make(map[string]any, len(o.Attrs)),
		Rels:       make(map[string][]string, len(o.Rels)),
		StorageRef: o.StorageRef,
	}
	for k, v := range o.Attrs {
		c.Attrs[k] = v
	}
	for k, v := range o.Rels {
		c.Rels[k] = append([]string(nil), v...)
	}
	return c
}

// normalizeSet sorts and deduplicates a name list. The result is never nil.
func normalizeSet(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
