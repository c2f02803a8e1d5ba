package sqlstore

import (
	"fmt"
	"time"

	"github.com/roach88/configdb/internal/schema"
)

// toColumn converts a canonical in-memory field value to its driver value.
func toColumn(f *schema.Field, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch f.Type {
	case schema.TypeBool:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("field %q: not a bool: %v", f.Name, value)
		}
		if b {
			return int64(1), nil
		}
		return int64(0), nil
	case schema.TypeDateTime:
		t, ok := value.(time.Time)
		if !ok {
			return nil, fmt.Errorf("field %q: not a time: %v", f.Name, value)
		}
		return t.UTC().Format(time.RFC3339), nil
	}
	return value, nil
}

// fromColumn converts a scanned driver value back to canonical form.
func fromColumn(f *schema.Field, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch f.Type {
	case schema.TypeBool:
		n, ok := value.(int64)
		if !ok {
			return nil, fmt.Errorf("field %q: unexpected column value %v", f.Name, value)
		}
		return n != 0, nil
	case schema.TypeDateTime:
		var s string
		switch v := value.(type) {
		case string:
			s = v
		case []byte:
			s = string(v)
		default:
			return nil, fmt.Errorf("field %q: unexpected column value %v", f.Name, value)
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		return t, nil
	case schema.TypeString, schema.TypePassword, schema.TypeText:
		if b, ok := value.([]byte); ok {
			return string(b), nil
		}
	}
	return value, nil
}
