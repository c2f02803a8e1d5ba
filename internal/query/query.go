// Package query implements the criteria model: single-field predicates
// parsed from a wire spec and matched against object values.
//
// Three criteria kinds exist: equality, substring and regular-expression
// match. A backend may push a criterion down to its native query mechanism;
// any criterion it cannot push down must be post-filtered with the Match
// semantics of this package, so results are identical regardless of backend.
package query

import (
	"regexp"
	"strings"
	"time"

	"github.com/roach88/configdb/internal/dberr"
)

// Criteria is a single-field predicate.
//
// This is a sealed interface - only types in this package implement it,
// letting backend compilers type-switch exhaustively.
type Criteria interface {
	// Match reports whether a scalar field value satisfies the predicate.
	// For relation fields, callers match each member of the value set and
	// accept the object if any member matches.
	Match(value any) bool
}

// Equals matches a field value equal to a given scalar.
type Equals struct {
	Value any
}

// Match implements Criteria.
func (c Equals) Match(value any) bool { return valueEqual(value, c.Value) }

// Substring matches a string field containing a substring. Case-sensitive,
// no Unicode normalization.
type Substring struct {
	Value string
}

// Match implements Criteria.
func (c Substring) Match(value any) bool {
	s, ok := value.(string)
	if !ok {
		return false
	}
	return strings.Contains(s, c.Value)
}

// Regexp matches a string field against a pattern (search, not full match).
type Regexp struct {
	Pattern *regexp.Regexp
}

// Match implements Criteria.
func (c Regexp) Match(value any) bool {
	s, ok := value.(string)
	if !ok {
		return false
	}
	return c.Pattern.MatchString(s)
}

// Parse builds a Criteria from its wire spec:
//
//	{"type": "eq"|"substring", "value": ...}
//	{"type": "regexp", "pattern": "..."}
//
// An unknown type or a missing required key is a query-format error.
func Parse(spec map[string]any) (Criteria, error) {
	kind, ok := spec["type"].(string)
	if !ok {
		return nil, dberr.NewQuery("query spec missing \"type\"")
	}
	switch kind {
	case "eq":
		value, ok := spec["value"]
		if !ok {
			return nil, dberr.NewQuery("eq query missing \"value\"")
		}
		return Equals{Value: value}, nil
	case "substring":
		value, ok := spec["value"].(string)
		if !ok {
			return nil, dberr.NewQuery("substring query missing string \"value\"")
		}
		return Substring{Value: value}, nil
	case "regexp":
		pattern, ok := spec["pattern"].(string)
		if !ok {
			return nil, dberr.NewQuery("regexp query missing \"pattern\"")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, dberr.NewQuery("bad regexp pattern %q: %v", pattern, err)
		}
		return Regexp{Pattern: re}, nil
	}
	return nil, dberr.NewQuery("unknown query type %q", kind)
}

// MatchAny reports whether any member of a relation value set matches.
func MatchAny(c Criteria, members []string) bool {
	for _, m := range members {
		if c.Match(m) {
			return true
		}
	}
	return false
}

// valueEqual compares field values across the canonical in-memory types,
// tolerating the int64/float64 split JSON decoding introduces.
func valueEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	}
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
