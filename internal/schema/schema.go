// Package schema implements the typed entity/field/relation model: loading
// a declarative JSON definition into an immutable Schema, wire
// (de)serialization, ACL binding, and the load-time referential-integrity
// check over relations.
package schema

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/configdb/internal/acl"
	"github.com/roach88/configdb/internal/dberr"
)

var entityNamePattern = regexp.MustCompile(`^[-_a-z0-9]+$`)

// TimestampEntity is the reserved system entity recording the last write
// time per user entity. It is excluded from user-visible schema iteration.
const TimestampEntity = "__timestamp"

// systemPrefix marks reserved entity names.
const systemPrefix = "__"

// Schema is an immutable mapping from entity name to Entity, built once
// from a declarative JSON definition.
type Schema struct {
	entities   map[string]*Entity
	defaultACL *acl.ACL
}

// Load builds a schema from JSON-encoded data: an object mapping entity
// name to entity definition. Every relation target must name an entity in
// the schema; a violation is fatal here, not at write time.
func Load(data []byte) (*Schema, error) {
	var defs map[string]map[string]any
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, dberr.NewSchema("bad schema data: %v", err)
	}

	s := &Schema{
		entities:   make(map[string]*Entity, len(defs)+1),
		defaultACL: acl.DefaultAllow(),
	}
	for name, def := range defs {
		if !entityNamePattern.MatchString(name) {
			return nil, dberr.NewSchema("invalid entity name %q", name)
		}
		if strings.HasPrefix(name, systemPrefix) {
			return nil, dberr.NewSchema("entity name %q uses the reserved %q prefix", name, systemPrefix)
		}
		e, err := newEntity(name, def)
		if err != nil {
			return nil, err
		}
		s.entities[name] = e
	}
	if err := s.relationCheck(); err != nil {
		return nil, err
	}

	// The per-entity "last write" marker lives in a hidden system entity.
	ts, err := newEntity(TimestampEntity, map[string]any{
		"name": map[string]any{"type": "string"},
		"ts":   map[string]any{"type": "int"},
	})
	if err != nil {
		return nil, err
	}
	s.entities[TimestampEntity] = ts

	return s, nil
}

// relationCheck verifies that all relations reference existing entities.
func (s *Schema) relationCheck() error {
	var missing []string
	seen := make(map[string]struct{})
	for _, e := range s.entities {
		for _, f := range e.Fields {
			if !f.IsRelation() {
				continue
			}
			if _, dup := seen[f.RemoteName]; dup {
				continue
			}
			seen[f.RemoteName] = struct{}{}
			if _, ok := s.entities[f.RemoteName]; !ok {
				missing = append(missing, f.RemoteName)
			}
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return dberr.NewSchema("undefined entities referenced in relations: %s",
			strings.Join(missing, ", "))
	}
	return nil
}

// Entity returns the named entity, or nil. System entities are reachable
// here by their reserved names.
func (s *Schema) Entity(name string) *Entity { return s.entities[name] }

// Entities returns the user-visible entities sorted by name, excluding
// system entities.
func (s *Schema) Entities() []*Entity {
	out := make([]*Entity, 0, len(s.entities))
	for name, e := range s.entities {
		if strings.HasPrefix(name, systemPrefix) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AllEntities returns every entity sorted by name, system entities
// included. Storage adapters use it to lay out their physical schema.
func (s *Schema) AllEntities() []*Entity {
	out := make([]*Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IsSystem reports whether an entity name is reserved for internal use.
func IsSystem(name string) bool { return strings.HasPrefix(name, systemPrefix) }

// DependencySequence returns user-entity names ordered so that every entity
// referenced by a relation appears before the entities referencing it.
// Relation references that form a cycle cannot be sequenced and return a
// schema error naming the stuck entities.
func (s *Schema) DependencySequence() ([]string, error) {
	remaining := make(map[string]*Entity, len(s.entities))
	for name, e := range s.entities {
		if !strings.HasPrefix(name, systemPrefix) {
			remaining[name] = e
		}
	}

	resolved := make(map[string]struct{}, len(remaining))
	sequence := make([]string, 0, len(remaining))
	for len(remaining) > 0 {
		var additions []string
		for name, e := range remaining {
			ok := true
			for _, f := range e.Fields {
				if f.IsRelation() && f.RemoteName != name {
					if _, done := resolved[f.RemoteName]; !done {
						ok = false
						break
					}
				}
			}
			if ok {
				additions = append(additions, name)
			}
		}
		if len(additions) == 0 {
			var stuck []string
			for name := range remaining {
				stuck = append(stuck, name)
			}
			sort.Strings(stuck)
			return nil, dberr.NewSchema("relation cycle between entities: %s",
				strings.Join(stuck, ", "))
		}
		sort.Strings(additions)
		for _, name := range additions {
			resolved[name] = struct{}{}
			delete(remaining, name)
		}
		sequence = append(sequence, additions...)
	}
	return sequence, nil
}

// entityACL returns the effective entity-level ACL.
func (s *Schema) entityACL(e *Entity) *acl.ACL {
	if e.ACL != nil {
		return e.ACL
	}
	return s.defaultACL
}

// CheckEntity authorizes an operation at the entity level. obj may be nil
// when no specific object is involved (create, find).
func (s *Schema) CheckEntity(e *Entity, ctx *acl.Context, op acl.Op, obj acl.Target) error {
	if !s.entityACL(e).Check(ctx, op, obj) {
		return dberr.NewACL("unauthorized access to %s", e.Name)
	}
	return nil
}

// CheckFields authorizes an operation on a set of fields. A field-level ACL,
// when present, overrides the entity-level one for that field only. Any
// denied field fails the whole batch; the error names every denied field.
func (s *Schema) CheckFields(e *Entity, fields []string, ctx *acl.Context, op acl.Op, obj acl.Target) error {
	base := s.entityACL(e).Check(ctx, op, obj)
	var denied []string
	for _, name := range fields {
		f := e.Fields[name]
		ok := base
		if f != nil && f.ACL != nil {
			ok = f.ACL.Check(ctx, op, obj)
		}
		if !ok {
			denied = append(denied, e.Name+"."+name)
		}
	}
	if len(denied) > 0 {
		sort.Strings(denied)
		return dberr.NewACL("unauthorized change to %s", strings.Join(denied, ", "))
	}
	return nil
}
