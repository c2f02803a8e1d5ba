package schema

import (
	"fmt"
	"time"

	"github.com/roach88/configdb/internal/acl"
	"github.com/roach88/configdb/internal/dberr"
	"github.com/roach88/configdb/internal/validation"
)

// FieldType enumerates the declared field kinds. Field behavior (wire
// conversion, relation handling) dispatches on this tag.
type FieldType int

const (
	TypeString FieldType = iota
	TypePassword
	TypeText
	TypeBinary
	TypeInt
	TypeNumber
	TypeBool
	TypeDateTime
	TypeRelation
)

var fieldTypeNames = map[FieldType]string{
	TypeString:   "string",
	TypePassword: "password",
	TypeText:     "text",
	TypeBinary:   "binary",
	TypeInt:      "int",
	TypeNumber:   "number",
	TypeBool:     "bool",
	TypeDateTime: "datetime",
	TypeRelation: "relation",
}

// String returns the schema-definition name of the type.
func (t FieldType) String() string { return fieldTypeNames[t] }

// ParseFieldType resolves a type name from a schema definition.
func ParseFieldType(s string) (FieldType, bool) {
	for t, name := range fieldTypeNames {
		if name == s {
			return t, true
		}
	}
	return 0, false
}

// Field is a named, typed attribute of an entity. A field may carry its own
// ACL (overriding the entity ACL for that field only) and a validator.
type Field struct {
	Name string
	Type FieldType

	// Attrs holds the free-form schema attributes that storage adapters
	// interpret: size, nullable, unique, index, default, description.
	Attrs map[string]any

	// ACL overrides the entity-level ACL when non-nil.
	ACL *acl.ACL

	// Validator checks and canonicalizes non-empty values. Nil means no
	// declared validator; bool and relation fields always carry one.
	Validator validation.Func

	// Relation target, set only for TypeRelation.
	LocalName  string
	RemoteName string
	RelationID string
}

// newField builds a field from its schema attribute map. The acl, validator,
// type and rel keys are consumed; everything else stays in Attrs.
func newField(entityName, name string, attrs map[string]any) (*Field, error) {
	f := &Field{Name: name, Attrs: attrs}

	typeName := "string"
	if raw, ok := attrs["type"]; ok {
		s, ok := raw.(string)
		if !ok {
			return nil, dberr.NewSchema("field %q has a non-string type", name)
		}
		typeName = s
		delete(attrs, "type")
	}
	t, ok := ParseFieldType(typeName)
	if !ok {
		return nil, dberr.NewSchema("field %q has unknown type %q", name, typeName)
	}
	f.Type = t

	if raw, ok := attrs["acl"]; ok {
		spec, err := aclSpec(raw)
		if err != nil {
			return nil, dberr.NewSchema("field %q: %v", name, err)
		}
		a, err := acl.Parse(spec)
		if err != nil {
			return nil, err
		}
		f.ACL = a
		delete(attrs, "acl")
	}

	validatorName, _ := attrs["validator"].(string)
	delete(attrs, "validator")
	// bool and relation fields get a fixed validator regardless of what the
	// schema declares.
	switch t {
	case TypeBool:
		validatorName = "bool"
	case TypeRelation:
		validatorName = "relation"
	}
	if validatorName != "" {
		fn, err := validation.Lookup(validatorName)
		if err != nil {
			return nil, err
		}
		f.Validator = fn
	}

	if t == TypeRelation {
		rel, ok := attrs["rel"].(string)
		if !ok || rel == "" {
			return nil, dberr.NewSchema("relation field %q is missing \"rel\"", name)
		}
		delete(attrs, "rel")
		f.LocalName = entityName
		f.RemoteName = rel
		f.RelationID = "1"
		if id, ok := attrs["identifier"].(string); ok {
			f.RelationID = id
		}
	}

	return f, nil
}

// IsRelation reports whether the field is a relation.
func (f *Field) IsRelation() bool { return f.Type == TypeRelation }

// Nullable reports whether the field accepts a missing value.
func (f *Field) Nullable() bool {
	if v, ok := f.Attrs["nullable"].(bool); ok {
		return v
	}
	return true
}

// Validate runs the field's validator, if any, on a value.
func (f *Field) Validate(value any) (any, error) {
	if f.Validator == nil {
		return value, nil
	}
	return f.Validator(value)
}

// ToNet converts an in-memory field value to its wire form. Nil passes
// through unchanged: it means "no value".
func (f *Field) ToNet(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch f.Type {
	case TypeDateTime:
		t, ok := value.(time.Time)
		if !ok {
			return nil, fmt.Errorf("field %q: not a time value: %v", f.Name, value)
		}
		return t.Format(time.RFC3339), nil
	case TypeRelation:
		switch v := value.(type) {
		case []string:
			return v, nil
		case []any:
			return v, nil
		}
		return nil, fmt.Errorf("field %q: not a relation value: %v", f.Name, value)
	}
	return value, nil
}

// FromNet converts a wire value to its canonical in-memory form. A textual
// form that cannot be parsed is a deserialization error. Values the declared
// validator is responsible for coercing (e.g. a string submitted for a bool
// field) pass through unchanged.
func (f *Field) FromNet(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch f.Type {
	case TypeDateTime:
		switch v := value.(type) {
		case time.Time:
			return v, nil
		case string:
			return parseDateTime(v)
		}
		return nil, fmt.Errorf("field %q: not a timestamp: %v", f.Name, value)
	case TypeInt:
		switch v := value.(type) {
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		case float64:
			n := int64(v)
			if float64(n) != v {
				return nil, fmt.Errorf("field %q: not an integer: %v", f.Name, v)
			}
			return n, nil
		}
	case TypeNumber:
		switch v := value.(type) {
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case float64:
			return v, nil
		}
	case TypeRelation:
		if v, ok := value.([]any); ok {
			out := make([]string, len(v))
			for i, item := range v {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("field %q: relation member is not a string", f.Name)
				}
				out[i] = s
			}
			return out, nil
		}
	}
	return value, nil
}

// datetime wire layouts accepted by FromNet, most specific first.
var dateTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseDateTime(s string) (time.Time, error) {
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("malformed timestamp %q", s)
}

// aclSpec coerces a JSON-decoded acl attribute into the parser's input form.
func aclSpec(raw any) (map[string]string, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("acl is not an object")
	}
	spec := make(map[string]string, len(m))
	for k, v := range m {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("acl value for %q is not a string", k)
		}
		spec[k] = s
	}
	return spec, nil
}
