package schema

import (
	"regexp"
	"sort"

	"github.com/roach88/configdb/internal/acl"
	"github.com/roach88/configdb/internal/dberr"
)

var fieldNamePattern = regexp.MustCompile(`^[a-z][_a-z0-9]*$`)

// Entity is a named class of objects, analogous to a table. Exactly one
// field named "name" is mandatory: it is the object's primary key. A field
// named "id" is rejected as reserved for backend-internal use.
type Entity struct {
	Name        string
	Description string
	Fields      map[string]*Field

	// ACL gates access at the entity level; nil defers to the schema-wide
	// default.
	ACL *acl.ACL
}

// newEntity builds an entity from its schema definition, a map from field
// name to attribute object plus the optional _acl and _help keys.
func newEntity(name string, def map[string]any) (*Entity, error) {
	e := &Entity{Name: name, Fields: make(map[string]*Field)}
	for key, raw := range def {
		switch {
		case key == "_acl":
			spec, err := aclSpec(raw)
			if err != nil {
				return nil, dberr.NewSchema("entity %q: %v", name, err)
			}
			a, err := acl.Parse(spec)
			if err != nil {
				return nil, err
			}
			e.ACL = a
		case key == "_help":
			s, _ := raw.(string)
			e.Description = s
		case key == "id":
			return nil, dberr.NewSchema("entity %q: the \"id\" field is reserved", name)
		case fieldNamePattern.MatchString(key):
			attrs, ok := raw.(map[string]any)
			if !ok {
				return nil, dberr.NewSchema("entity %q: field %q is not an object", name, key)
			}
			if key == "name" {
				// The primary key is implicitly unique, indexed and
				// non-nullable.
				attrs["unique"] = true
				attrs["index"] = true
				attrs["nullable"] = false
			}
			f, err := newField(name, key, attrs)
			if err != nil {
				return nil, err
			}
			e.Fields[key] = f
		default:
			return nil, dberr.NewSchema("entity %q: invalid field name %q", name, key)
		}
	}
	if _, ok := e.Fields["name"]; !ok {
		return nil, dberr.NewSchema("entity %q: missing required \"name\" field", name)
	}
	return e, nil
}

// Field returns the named field, or nil.
func (e *Entity) Field(name string) *Field { return e.Fields[name] }

// FieldNames returns the entity's field names in sorted order.
func (e *Entity) FieldNames() []string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ToNet serializes an attribute map to wire format, converting every field
// via its ToNet. With ignoreMissing set, fields whose value is absent are
// dropped from the output.
func (e *Entity) ToNet(attrs map[string]any, ignoreMissing bool) (map[string]any, error) {
	out := make(map[string]any, len(e.Fields))
	for name, f := range e.Fields {
		value := attrs[name]
		if ignoreMissing && value == nil {
			continue
		}
		net, err := f.ToNet(value)
		if err != nil {
			return nil, dberr.NewValidation([]string{name}, "serialization failed: %v", err)
		}
		out[name] = net
	}
	return out, nil
}

// FromNet deserializes the fields present in a wire map. Failures are
// collected so the returned validation error names every bad field.
func (e *Entity) FromNet(data map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(data))
	var bad []string
	var firstErr error
	for name, f := range e.Fields {
		value, ok := data[name]
		if !ok {
			continue
		}
		parsed, err := f.FromNet(value)
		if err != nil {
			bad = append(bad, name)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out[name] = parsed
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return nil, dberr.NewValidation(bad, "deserialization failed: %v", firstErr)
	}
	return out, nil
}
